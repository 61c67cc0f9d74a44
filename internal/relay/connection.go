package relay

import (
	"sync"
	"time"

	"github.com/rs/xid"

	"deskrelay/internal/relayproto"
)

// State is a Connection's position in its lifecycle (spec §3 "Connection").
type State int

const (
	StateConnected State = iota
	StateRegistered
	StatePaired
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	case StatePaired:
		return "paired"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Connection is one accepted relay client. It is owned exclusively by the
// Service's slot array (spec §9 "Cyclic partner pointers": the relay owns
// both Connections in an arena, partner is an optional slot index checked
// under the slot lock — never a reference cycle). External code only ever
// holds a slot index, never a *Connection pointer outside this package.
type Connection struct {
	mu sync.Mutex

	slot   int
	corrID string // log correlation id, unique per accepted socket
	conn   *relayproto.Conn
	remote string

	clientID uint32
	state    State

	partnerSlot int // -1 when unpaired
	lastActive  time.Time

	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(slot int, conn *relayproto.Conn) *Connection {
	return &Connection{
		slot:        slot,
		corrID:      xid.New().String(),
		conn:        conn,
		remote:      conn.RemoteAddr().String(),
		state:       StateConnected,
		partnerSlot: -1,
		lastActive:  time.Now(),
		done:        make(chan struct{}),
	}
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *Connection) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActive)
}

func (c *Connection) getState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) stop() {
	c.closeOnce.Do(func() { close(c.done) })
}
