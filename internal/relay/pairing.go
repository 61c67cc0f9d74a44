package relay

import (
	"time"

	"deskrelay/internal/relayproto"
)

// registerResult carries what handleRegister decided, plus any other
// Connection that must be evicted once the slot lock is released (spec §5:
// "they must not hold the slot mutex during socket I/O").
type registerResult struct {
	status uint32
	evict  []*Connection
}

// handleRegister implements the ID uniqueness and stale eviction algorithm
// of spec §4.5. It mutates c's state under s.mu but defers the actual
// socket teardown of evicted connections to the caller.
func (s *Service) handleRegister(c *Connection, clientID uint32) registerResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept bool
	var toEvict []*Connection

	for _, other := range s.slots {
		if other == nil || other == c {
			continue
		}
		other.mu.Lock()
		sameID := other.clientID == clientID && other.state != StateDisconnected
		if !sameID {
			other.mu.Unlock()
			continue
		}
		switch {
		case other.state == StatePaired:
			kept = true
		case other.state == StateRegistered && time.Since(other.lastActive) < s.cfg.RegisteredGrace:
			kept = true
		default:
			if other.state == StateRegistered {
				s.metrics.registeredGauge.Add(-1)
			}
			other.state = StateDisconnected
			toEvict = append(toEvict, other)
		}
		other.mu.Unlock()
	}

	if kept {
		return registerResult{status: relayproto.StatusDuplicate, evict: toEvict}
	}

	c.mu.Lock()
	c.clientID = clientID
	c.state = StateRegistered
	c.lastActive = time.Now()
	c.mu.Unlock()

	s.metrics.registeredGauge.Inc()
	return registerResult{status: relayproto.StatusOK, evict: toEvict}
}

// finishEviction closes sockets and frees slots for connections
// handleRegister decided to evict. Must run without s.mu held during the
// Close() calls, but slot bookkeeping itself is still done under the lock.
func (s *Service) finishEviction(evicted []*Connection) {
	for _, e := range evicted {
		e.stop()
		e.conn.Close()
		s.mu.Lock()
		s.freeSlot(e)
		s.mu.Unlock()
		s.metrics.evictedTotal.Inc()
	}
}

// connectOutcome is the result of a CONNECT_REQUEST pairing attempt.
type connectOutcome struct {
	status  uint32
	partner *Connection
}

// handlePairing implements spec §4.5 "Pairing algorithm".
func (s *Service) handlePairing(requester *Connection, partnerID uint32) connectOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target *Connection
	for _, c := range s.slots {
		if c == nil || c == requester {
			continue
		}
		c.mu.Lock()
		if c.clientID == partnerID && c.state != StateDisconnected {
			target = c
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()
	}

	if target == nil {
		return connectOutcome{status: relayproto.StatusNotOnline}
	}

	target.mu.Lock()
	defer target.mu.Unlock()
	switch target.state {
	case StatePaired:
		return connectOutcome{status: relayproto.StatusBusy}
	case StateRegistered:
		// fallthrough to pairing below
	default:
		return connectOutcome{status: relayproto.StatusNotReady}
	}

	requester.mu.Lock()
	requester.partnerSlot = target.slot
	requester.state = StatePaired
	requester.lastActive = time.Now()
	requester.mu.Unlock()

	target.partnerSlot = requester.slot
	target.state = StatePaired
	target.lastActive = time.Now()

	s.metrics.registeredGauge.Add(-2)
	s.metrics.pairedGauge.Add(2)
	return connectOutcome{status: relayproto.StatusOK, partner: target}
}

// handleDisconnect implements spec §4.5 "Graceful DISCONNECT": X is marked
// DISCONNECTED; if it had a partner, both partner references are cleared
// under the lock and the partner is also forced to DISCONNECTED (spec §9
// open question 1: standardized to force re-registration, not a bounce
// back to REGISTERED). The caller sends PARTNER_DISCONNECTED to the
// returned partner outside the lock.
func (s *Service) handleDisconnect(c *Connection) *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.mu.Lock()
	c.state = StateDisconnected
	partnerSlot := c.partnerSlot
	c.partnerSlot = -1
	c.mu.Unlock()

	var partner *Connection
	if partnerSlot >= 0 {
		partner = s.connectionAt(partnerSlot)
		if partner != nil {
			partner.mu.Lock()
			partner.partnerSlot = -1
			partner.state = StateDisconnected
			partner.mu.Unlock()
		}
	}
	return partner
}
