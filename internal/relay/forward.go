package relay

import (
	"time"

	"go.uber.org/zap"

	"deskrelay/internal/relayproto"
)

// runWorker is the per-connection goroutine the acceptor spawns for every
// accepted socket (spec §5 "Concurrency": "one worker goroutine per
// connection"). It owns the connection's slot for its entire lifetime and
// is the only goroutine that ever calls conn.ReadFrame/WriteFrame for this
// connection, aside from forwarded DATA writes driven by a partner's worker.
func (s *Service) runWorker(conn *relayproto.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	s.metrics.connectionsTotal.Inc()

	s.mu.Lock()
	c := newConnection(-1, conn)
	c.slot = s.allocateSlot(c)
	s.mu.Unlock()

	log := s.cfg.Logger.With(zap.String("remote", c.remote), zap.Int("slot", c.slot), zap.String("conn_id", c.corrID))
	log.Debug("relay: connection accepted")

	defer s.teardown(c, log)

	inactivity := time.NewTimer(s.cfg.InactivityTimeout)
	defer inactivity.Stop()

	frames := make(chan frameEvent, 1)
	go s.readLoop(c, frames)

	for {
		select {
		case <-c.done:
			return
		case <-inactivity.C:
			log.Info("relay: connection idle past timeout, closing")
			return
		case ev, ok := <-frames:
			if !ok {
				return
			}
			if ev.err != nil {
				log.Debug("relay: read loop ended", zap.Error(ev.err))
				return
			}
			c.touch()
			if !inactivity.Stop() {
				select {
				case <-inactivity.C:
				default:
				}
			}
			inactivity.Reset(s.cfg.InactivityTimeout)
			s.dispatch(c, ev.header, ev.payload, log)
		}
	}
}

// frameEvent carries one decoded RelayFrame (or a terminal error) from
// readLoop to runWorker's select.
type frameEvent struct {
	header  relayproto.Header
	payload []byte
	err     error
}

// readLoop blocks on conn.ReadFrame in its own goroutine so runWorker's
// select can also observe the inactivity timer and the done channel.
func (s *Service) readLoop(c *Connection, out chan<- frameEvent) {
	defer close(out)
	for {
		h, body, err := c.conn.ReadFrame()
		if err != nil {
			out <- frameEvent{err: err}
			return
		}
		select {
		case out <- frameEvent{header: h, payload: body}:
		case <-c.done:
			return
		}
	}
}

// dispatch handles one decoded RelayFrame per the control-plane table of
// spec §4.5.
func (s *Service) dispatch(c *Connection, h relayproto.Header, payload []byte, log *zap.Logger) {
	switch h.MsgType {
	case relayproto.MsgRegister:
		s.onRegister(c, payload, log)
	case relayproto.MsgConnectRequest:
		s.onConnectRequest(c, payload, log)
	case relayproto.MsgData:
		s.onData(c, payload, log)
	case relayproto.MsgPing:
		_ = c.conn.WriteFrame(relayproto.MsgPong, nil, true)
	case relayproto.MsgPong:
		// liveness only
	case relayproto.MsgDisconnect:
		c.stop()
	default:
		log.Debug("relay: ignoring unknown message type", zap.Uint8("type", h.MsgType))
	}
}

func (s *Service) onRegister(c *Connection, payload []byte, log *zap.Logger) {
	clientID, err := relayproto.DecodeRegister(payload)
	if err != nil {
		log.Warn("relay: malformed REGISTER", zap.Error(err))
		c.stop()
		return
	}

	result := s.handleRegister(c, clientID)
	s.finishEviction(result.evict)

	if result.status == relayproto.StatusDuplicate {
		s.metrics.duplicateTotal.Inc()
	}
	_ = c.conn.WriteFrame(relayproto.MsgRegisterResponse, relayproto.EncodeStatus(result.status), true)
	if result.status != relayproto.StatusOK {
		return
	}
	log.Info("relay: client registered", zap.Uint32("client_id", clientID))
}

func (s *Service) onConnectRequest(c *Connection, payload []byte, log *zap.Logger) {
	req, err := relayproto.DecodeConnectRequest(payload)
	if err != nil {
		log.Warn("relay: malformed CONNECT_REQUEST", zap.Error(err))
		c.stop()
		return
	}

	outcome := s.handlePairing(c, req.PartnerID)
	_ = c.conn.WriteFrame(relayproto.MsgConnectResponse, relayproto.EncodeStatus(outcome.status), true)
	if outcome.status != relayproto.StatusOK {
		return
	}

	myID := c.clientID
	_ = c.conn.WriteFrame(relayproto.MsgPartnerConnected, relayproto.EncodePartnerConnected(outcome.partner.clientID), true)
	_ = outcome.partner.conn.WriteFrame(relayproto.MsgPartnerConnected, relayproto.EncodePartnerConnected(myID), true)
	log.Info("relay: pairing complete", zap.Uint32("partner_id", outcome.partner.clientID))
}

// onData forwards a DATA payload verbatim to the requester's current
// partner (spec §4.5 "Forwarding"). The payload was already de-obfuscated
// by Conn.ReadFrame and is re-obfuscated fresh (position 0) by
// partner.conn.WriteFrame, matching the "per-packet, not per-stream"
// invariant.
func (s *Service) onData(c *Connection, payload []byte, log *zap.Logger) {
	s.mu.Lock()
	c.mu.Lock()
	partnerSlot := c.partnerSlot
	paired := c.state == StatePaired
	c.mu.Unlock()
	var partner *Connection
	if paired {
		partner = s.connectionAt(partnerSlot)
	}
	s.mu.Unlock()

	if partner == nil {
		log.Debug("relay: dropping DATA frame, no partner")
		return
	}

	if err := partner.conn.WriteFrame(relayproto.MsgData, payload, true); err != nil {
		log.Debug("relay: forward to partner failed", zap.Error(err))
		return
	}
	partner.touch()
	s.metrics.forwardedFrames.Inc()
	s.metrics.forwardedBytes.Add(float64(len(payload)))
}

// teardown runs once when a worker exits for any reason: it notifies a
// paired partner, clears both partner references under the slot lock, and
// frees the slot (spec §4.5 "Graceful DISCONNECT", spec invariant 2).
func (s *Service) teardown(c *Connection, log *zap.Logger) {
	priorState := c.getState()
	wasPaired := priorState == StatePaired
	wasRegistered := priorState == StateRegistered

	partner := s.handleDisconnect(c)

	if wasPaired && partner != nil {
		// The session is over, but the partner's control link survives
		// (spec §4.5 "Graceful DISCONNECT"): only notify and clear the
		// pairing, never close the partner's connection.
		_ = partner.conn.WriteFrame(relayproto.MsgPartnerDisconnected,
			relayproto.EncodePartnerDisconnected(relayproto.PartnerDisconnected{
				Reason:    relayproto.ReasonGraceful,
				PartnerID: c.clientID,
			}), true)
	}

	s.mu.Lock()
	s.freeSlot(c)
	s.mu.Unlock()

	if wasRegistered {
		s.metrics.registeredGauge.Add(-1)
	}
	if wasPaired {
		s.metrics.pairedGauge.Add(-1)
		if partner != nil {
			// handleDisconnect moved the partner out of PAIRED as well.
			s.metrics.pairedGauge.Add(-1)
		}
	}
	log.Debug("relay: connection closed")
}
