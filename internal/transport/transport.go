// Package transport implements TR (spec §4.4): framed, blocking send/recv
// over a TCP socket with deadline-sliced timeouts, partial-send loops, and
// bounded retries, plus a tunnelled variant that swaps the underlying
// write/read primitives for the relay's DATA forwarding path (spec §4.4
// "When operating tunnelled").
package transport

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	deskerrors "deskrelay/internal/errors"
	"deskrelay/internal/frame"
)

const (
	// sliceTimeout is the select-style polling slice (spec §4.4: "200 ms
	// slices"). Idiomatic Go has no select(2) equivalent over a single
	// blocking socket; SetReadDeadline/SetWriteDeadline in a retry loop is
	// the standard-library way to get the same bounded-wait semantics.
	sliceTimeout = 200 * time.Millisecond
	// chunkSize bounds a single send/recv syscall (spec §4.4: "at most
	// 16 KiB at a time").
	chunkSize = 16 * 1024
	// frameDeadline is the total deadline per frame (spec §4.4: "~120s").
	frameDeadline = 120 * time.Second
	// maxRetries bounds consecutive non-timeout errors within one frame;
	// the count resets after every successful read or write.
	maxRetries = 5
)

// Transport is the contract PS and RC depend on; TCPTransport and
// RelayTunnel (tunnel.go) both satisfy it so the session engine in
// internal/session is identical whether peers talk directly or through the
// relay.
type Transport interface {
	SendFrame(msgType uint8, payload []byte) error
	RecvFrame() (frame.Header, []byte, error)
	DataAvailable() bool
	Close() error
}

// TCPTransport is the direct-socket implementation of Transport. Reads go
// through a buffered reader so DataAvailable can Peek without consuming,
// following the buffered-I/O style securedesk's relay client wraps sockets
// in (bufio.NewReaderSize/NewWriterSize).
type TCPTransport struct {
	conn    *net.TCPConn
	br      *bufio.Reader
	ceiling uint32

	// writeMu serializes SendFrame the same way relayproto.Conn serializes
	// its writes: the session dispatch loop and a background FT sender can
	// both call SendFrame concurrently, and two interleaved partial writes
	// on one socket would corrupt the frame stream.
	writeMu sync.Mutex
}

// Configure applies the socket tuning spec §4.4 requires on connect/accept:
// TCP_NODELAY on, 512 KiB send/recv buffers, keep-alive on, linger 30s.
func Configure(conn *net.TCPConn) error {
	if err := conn.SetNoDelay(true); err != nil {
		return deskerrors.Wrap(deskerrors.KindTransport, err, "transport: set nodelay")
	}
	if err := conn.SetReadBuffer(512 * 1024); err != nil {
		return deskerrors.Wrap(deskerrors.KindTransport, err, "transport: set read buffer")
	}
	if err := conn.SetWriteBuffer(512 * 1024); err != nil {
		return deskerrors.Wrap(deskerrors.KindTransport, err, "transport: set write buffer")
	}
	if err := conn.SetKeepAlive(true); err != nil {
		return deskerrors.Wrap(deskerrors.KindTransport, err, "transport: set keepalive")
	}
	if err := conn.SetKeepAlivePeriod(30 * time.Second); err != nil {
		return deskerrors.Wrap(deskerrors.KindTransport, err, "transport: set keepalive period")
	}
	if err := conn.SetLinger(30); err != nil {
		return deskerrors.Wrap(deskerrors.KindTransport, err, "transport: set linger")
	}
	return nil
}

// NewTCPTransport wraps an already-configured *net.TCPConn. ceiling is the
// maximum accepted frame payload size; 0 uses frame.DefaultCeiling.
func NewTCPTransport(conn *net.TCPConn, ceiling uint32) *TCPTransport {
	return &TCPTransport{conn: conn, br: bufio.NewReaderSize(conn, chunkSize), ceiling: ceiling}
}

// Dial connects to addr, applies socket tuning, and returns a ready
// TCPTransport.
func Dial(addr string, ceiling uint32) (*TCPTransport, error) {
	raw, err := net.DialTimeout("tcp", addr, frameDeadline)
	if err != nil {
		return nil, deskerrors.Wrap(deskerrors.KindTransport, err, "transport: dial")
	}
	tcp := raw.(*net.TCPConn)
	if err := Configure(tcp); err != nil {
		tcp.Close()
		return nil, err
	}
	return NewTCPTransport(tcp, ceiling), nil
}

// deadlineReader (frame.Reader) and writeAll (the write side) run the
// bounded, chunked, retrying loop spec §4.4 describes over the TCP conn,
// so frame.DecodeFrom / Encode can be reused unchanged. tunnel.go wraps
// payloads instead of bytes and uses neither.
type deadlineReader struct {
	conn    *net.TCPConn
	br      *bufio.Reader
	overall time.Time
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	total := 0
	retries := 0
	for total < len(p) {
		if time.Now().After(d.overall) {
			return total, deskerrors.New(deskerrors.KindTimeout, "transport: frame deadline exceeded")
		}
		want := len(p) - total
		if want > chunkSize {
			want = chunkSize
		}
		d.conn.SetReadDeadline(time.Now().Add(sliceTimeout))
		n, err := d.br.Read(p[total : total+want])
		total += n
		if err == nil {
			retries = 0
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue // slice expired with no data; not fatal, keep polling
		}
		retries++
		if retries > maxRetries {
			return total, deskerrors.Wrap(deskerrors.KindTransport, err, "transport: recv exhausted retries")
		}
		if err == io.EOF {
			return total, deskerrors.Wrap(deskerrors.KindTransport, err, "transport: connection closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return total, nil
}

func writeAll(conn net.Conn, p []byte, overall time.Time) error {
	total := 0
	retries := 0
	for total < len(p) {
		if time.Now().After(overall) {
			return deskerrors.New(deskerrors.KindTimeout, "transport: frame deadline exceeded")
		}
		end := total + chunkSize
		if end > len(p) {
			end = len(p)
		}
		conn.SetWriteDeadline(time.Now().Add(sliceTimeout))
		n, err := conn.Write(p[total:end])
		total += n
		if err == nil {
			retries = 0
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}
		retries++
		if retries > maxRetries {
			return deskerrors.Wrap(deskerrors.KindTransport, err, "transport: send exhausted retries")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// SendFrame encodes and sends one Frame, looping in chunkSize writes until
// the whole frame is flushed or the per-frame deadline expires.
func (t *TCPTransport) SendFrame(msgType uint8, payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	wire := frame.Encode(msgType, 0, payload)
	return writeAll(t.conn, wire, time.Now().Add(frameDeadline))
}

// RecvFrame reads exactly one Frame, validating its checksum.
func (t *TCPTransport) RecvFrame() (frame.Header, []byte, error) {
	r := &deadlineReader{conn: t.conn, br: t.br, overall: time.Now().Add(frameDeadline)}
	return frame.DecodeFrom(r, t.ceiling)
}

// DataAvailable peeks whether a read would return immediately, without
// consuming the byte, by racing a buffered Peek against a near-zero
// deadline.
func (t *TCPTransport) DataAvailable() bool {
	if t.br.Buffered() > 0 {
		return true
	}
	t.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer t.conn.SetReadDeadline(time.Time{})
	_, err := t.br.Peek(1)
	return err == nil
}

// Close closes the underlying socket. The peer session must never call
// this on a relay-owned control socket (spec §5); only TCPTransport's own
// owner (a direct connection's owner, or the reconnect supervisor for a
// tunnel) may close it.
func (t *TCPTransport) Close() error {
	return t.conn.Close()
}
