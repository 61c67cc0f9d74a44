// Package relay implements RS (spec §4.5): accept, register, pair, forward,
// evict. The acceptor and per-connection workers follow the shape of the
// teacher's rule-routing proxy (moto/controller): one listener goroutine,
// one worker goroutine per accepted connection, a shared guard structure
// protected by a single mutex, with all socket I/O kept outside that lock
// (spec §5 "Concurrency").
package relay

import (
	"net"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	deskerrors "deskrelay/internal/errors"
	"deskrelay/internal/obfuscate"
	"deskrelay/internal/relayproto"
	"deskrelay/internal/transport"
)

// Config collects the relay's tunable parameters (spec §9 configuration
// record, relay-facing subset).
type Config struct {
	BindAddr          string
	MaxConnections    int
	FrameCeiling      uint32
	InactivityTimeout time.Duration
	RegisteredGrace   time.Duration // spec §4.5 "now - last_activity < 5s" window
	ObfuscationKey    [obfuscate.KeySize]byte
	Logger            *zap.Logger
}

func (c *Config) setDefaults() {
	if c.FrameCeiling == 0 {
		c.FrameCeiling = 4 * 1024 * 1024
	}
	if c.InactivityTimeout == 0 {
		c.InactivityTimeout = 5 * time.Second
	}
	if c.RegisteredGrace == 0 {
		c.RegisteredGrace = 5 * time.Second
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 4096
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Service is the rendezvous relay: it multiplexes many client connections,
// pairs two of them into a logical session on demand, and forwards opaque
// framed payloads between them.
type Service struct {
	cfg Config

	mu    sync.Mutex
	slots []*Connection // index-addressed arena; freed slots become nil

	ln net.Listener

	// acceptGuard mirrors the teacher's ipCache WAF: bursty reconnect
	// storms from one address are throttled before they ever reach the
	// slot array.
	acceptGuard *cache.Cache

	metrics *Metrics

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewService builds a Service from cfg. Call Serve to start accepting.
func NewService(cfg Config) *Service {
	cfg.setDefaults()
	return &Service{
		cfg:         cfg,
		acceptGuard: cache.New(30*time.Second, time.Minute),
		metrics:     newMetrics(),
		stopCh:      make(chan struct{}),
	}
}

// Serve listens on cfg.BindAddr and accepts connections until Shutdown is
// called or the listener errors fatally. It blocks until the acceptor
// exits, mirroring the teacher's controller.Listen acceptor loop.
func (s *Service) Serve() error {
	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return deskerrors.Wrap(deskerrors.KindTransport, err, "relay: listen")
	}
	s.ln = ln
	s.cfg.Logger.Info("relay listening", zap.String("addr", s.cfg.BindAddr))

	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
			}
			s.cfg.Logger.Error("relay accept failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		tcp := raw.(*net.TCPConn)

		ip, _, _ := net.SplitHostPort(tcp.RemoteAddr().String())
		if s.tooManyFrom(ip) {
			s.cfg.Logger.Warn("relay: rejecting connection, accept-rate guard tripped", zap.String("ip", ip))
			tcp.Close()
			continue
		}

		if s.atCapacity() {
			s.cfg.Logger.Warn("relay: rejecting connection, at max_connections",
				zap.Int("max_connections", s.cfg.MaxConnections))
			tcp.Close()
			continue
		}

		if err := transport.Configure(tcp); err != nil {
			s.cfg.Logger.Warn("relay: failed to configure accepted socket", zap.Error(err))
			tcp.Close()
			continue
		}

		s.wg.Add(1)
		go s.runWorker(relayproto.NewConn(tcp, s.cfg.ObfuscationKey))
	}
}

// tooManyFrom applies the same 200-per-30s-window policy the teacher's
// ipCache WAF uses, scoped here to relay accepts instead of proxied
// requests.
func (s *Service) tooManyFrom(ip string) bool {
	const limit = 200
	if count, found := s.acceptGuard.Get(ip); found {
		n := count.(int)
		if n >= limit {
			return true
		}
		s.acceptGuard.Increment(ip, 1)
		return false
	}
	s.acceptGuard.Set(ip, 1, cache.DefaultExpiration)
	return false
}

// atCapacity reports whether the relay already holds cfg.MaxConnections
// live connections (spec §9 "max_connections"), counted over the slot
// arena rather than a separate counter so it can never drift from
// allocateSlot/freeSlot's own bookkeeping.
func (s *Service) atCapacity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.slots {
		if c != nil {
			n++
		}
	}
	return n >= s.cfg.MaxConnections
}

// Shutdown stops the acceptor by closing the listener, signals every live
// worker to stop (each worker then stops its inactivity timer and closes
// its socket), and waits for all workers to exit.
func (s *Service) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.ln != nil {
			s.ln.Close()
		}
	})
	s.mu.Lock()
	for _, c := range s.slots {
		if c != nil {
			c.stop()
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// allocateSlot finds a free slot or appends a new one, returning its index.
// Must be called with s.mu held.
func (s *Service) allocateSlot(c *Connection) int {
	for i, existing := range s.slots {
		if existing == nil {
			s.slots[i] = c
			return i
		}
	}
	s.slots = append(s.slots, c)
	return len(s.slots) - 1
}

// freeSlot clears c's slot, but only if it still holds c: a connection may
// be evicted (and its slot freed) by a REGISTER collision on another
// goroutine before its own worker reaches teardown, and by the time that
// worker runs the slot may already have been handed to a new arrival.
// Invariant 2 requires the partner back-reference to already be cleared
// under this same lock before the slot is freed (spec §5 "Shared-resource
// policy").
func (s *Service) freeSlot(c *Connection) {
	if c.slot >= 0 && c.slot < len(s.slots) && s.slots[c.slot] == c {
		s.slots[c.slot] = nil
	}
}

// Metrics exposes the Service's prometheus registry so the relay binary can
// serve it over /metrics.
func (s *Service) Metrics() *Metrics { return s.metrics }

// connectionAt returns the slot's Connection or nil; callers hold s.mu.
func (s *Service) connectionAt(idx int) *Connection {
	if idx < 0 || idx >= len(s.slots) {
		return nil
	}
	return s.slots[idx]
}
