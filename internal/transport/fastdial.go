package transport

import (
	"context"
	"net"
	"net/netip"
	"time"

	deskerrors "deskrelay/internal/errors"
)

// resolveTimeout and raceTimeout bound DNS lookup and the parallel connect
// race respectively. A hostname that can't resolve within resolveTimeout
// falls back to a single direct dial; a race in which no address connects
// within raceTimeout returns an error without a further dial.
const (
	resolveTimeout = 3 * time.Second
	raceTimeout    = 3 * time.Second
	raceStagger    = 50 * time.Millisecond
)

// DialFast dials addr as quickly as possible. For an IP literal or an
// unresolvable host it degrades to a single *net.Dialer.Dial; for a hostname
// with multiple A/AAAA records it resolves once and races a connection
// attempt against every address concurrently (staggered so the first
// candidates get a head start), returning as soon as one succeeds and
// abandoning the rest. This only helps the direct-dial path (spec §4.3
// "direct dial/listen"); relay and tunnelled connections always target a
// single configured address and never race.
func DialFast(ctx context.Context, addr string) (*net.TCPConn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return dialSingle(ctx, addr)
	}
	if _, perr := netip.ParseAddr(host); perr == nil {
		return dialSingle(ctx, addr)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, resolveTimeout)
	ips, rerr := net.DefaultResolver.LookupIP(lookupCtx, "ip", host)
	cancel()
	if rerr != nil || len(ips) == 0 {
		return dialSingle(ctx, addr)
	}
	if len(ips) == 1 {
		return dialSingle(ctx, net.JoinHostPort(ips[0].String(), port))
	}

	raceCtx, cancel := context.WithTimeout(ctx, raceTimeout)
	defer cancel()

	resCh := make(chan dialResult, len(ips))
	for i, ip := range ips {
		go func(delay int, ip net.IP) {
			if delay > 0 {
				select {
				case <-time.After(time.Duration(delay) * raceStagger):
				case <-raceCtx.Done():
					resCh <- dialResult{err: raceCtx.Err()}
					return
				}
			}
			d := &net.Dialer{}
			raw, err := d.DialContext(raceCtx, "tcp", net.JoinHostPort(ip.String(), port))
			if err != nil {
				resCh <- dialResult{err: err}
				return
			}
			resCh <- dialResult{conn: raw.(*net.TCPConn)}
		}(i, ip)
	}

	var firstErr error
	for range ips {
		r := <-resCh
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		go drainLosers(resCh, len(ips)-1)
		return r.conn, nil
	}
	if firstErr == nil {
		firstErr = deskerrors.New(deskerrors.KindTransport, "transport: dial race exhausted with no error")
	}
	return nil, deskerrors.Wrap(deskerrors.KindTransport, firstErr, "transport: dial race failed for all addresses")
}

type dialResult struct {
	conn *net.TCPConn
	err  error
}

// drainLosers closes any dial that completes after the race has already
// returned a winner, so a slow successful connect doesn't leak a socket.
func drainLosers(resCh <-chan dialResult, remaining int) {
	for i := 0; i < remaining; i++ {
		if r := <-resCh; r.conn != nil {
			r.conn.Close()
		}
	}
}

func dialSingle(ctx context.Context, addr string) (*net.TCPConn, error) {
	d := &net.Dialer{}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, deskerrors.Wrap(deskerrors.KindTransport, err, "transport: dial")
	}
	return raw.(*net.TCPConn), nil
}

// DialFastTransport is DialFast plus the socket tuning and frame wrapping
// Dial applies, for callers on the direct-dial path (spec §4.3) that want
// the multi-address race instead of a single net.DialTimeout.
func DialFastTransport(ctx context.Context, addr string, ceiling uint32) (*TCPTransport, error) {
	tcp, err := DialFast(ctx, addr)
	if err != nil {
		return nil, err
	}
	if err := Configure(tcp); err != nil {
		tcp.Close()
		return nil, err
	}
	return NewTCPTransport(tcp, ceiling), nil
}
