package transport

import (
	"fmt"
	"time"

	deskerrors "deskrelay/internal/errors"
	"deskrelay/internal/frame"
	"deskrelay/internal/relayproto"
)

// RelayTunnel implements Transport by swapping the write/read primitives for
// relay_send_data/relay_recv_data (spec §4.4 "When operating tunnelled"):
// every peer Frame is carried as the payload of one RelayFrame{DATA}. Reads
// accumulate relay payload bytes into a buffer and only return once a
// complete peer Frame (header + declared data_length) is available, which
// also transparently tolerates a legacy sender that splits one peer Frame
// across two sequential RelayFrames (spec §6 "Wire — relay framing").
type RelayTunnel struct {
	conn      *relayproto.Conn
	ceiling   uint32
	pending   []byte
	queuedErr error // a control event observed by DataAvailable, replayed by RecvFrame
}

// NewRelayTunnel wraps an established relay control connection as a
// Transport for the peer session once pairing has completed.
func NewRelayTunnel(conn *relayproto.Conn, ceiling uint32) *RelayTunnel {
	return &RelayTunnel{conn: conn, ceiling: ceiling}
}

// SendFrame encodes one peer Frame and forwards it as a single RelayFrame
// DATA payload, obfuscated per-packet starting at position 0 (spec §4.5
// "Forwarding": "encryption is per-packet, not per-stream").
func (r *RelayTunnel) SendFrame(msgType uint8, payload []byte) error {
	wire := frame.Encode(msgType, 0, payload)
	return r.conn.WriteFrame(relayproto.MsgData, wire, true)
}

// RecvFrame reads RelayFrames until a complete peer Frame has been
// assembled, surfacing non-DATA control messages as typed errors or,
// for liveness traffic, simply continuing to read (spec §4.4).
func (r *RelayTunnel) RecvFrame() (frame.Header, []byte, error) {
	if r.queuedErr != nil {
		err := r.queuedErr
		r.queuedErr = nil
		return frame.Header{}, nil, err
	}
	for {
		hdr, payload, ok, err := tryAssemble(r.pending, r.ceiling)
		if err != nil {
			return frame.Header{}, nil, err
		}
		if ok {
			consumed := frame.HeaderSize + int(hdr.DataLength)
			r.pending = append([]byte(nil), r.pending[consumed:]...)
			return hdr, payload, nil
		}

		h, body, err := r.conn.ReadFrame()
		if err != nil {
			return frame.Header{}, nil, err
		}
		switch h.MsgType {
		case relayproto.MsgData:
			r.pending = append(r.pending, body...)
		case relayproto.MsgPartnerDisconnected:
			pd, _ := relayproto.DecodePartnerDisconnected(body)
			return frame.Header{}, nil, deskerrors.New(deskerrors.KindPartnerLeft,
				fmt.Sprintf("tunnel: partner %d disconnected", pd.PartnerID))
		case relayproto.MsgDisconnect:
			return frame.Header{}, nil, deskerrors.New(deskerrors.KindServerLost, "tunnel: relay ended control link")
		case relayproto.MsgPing:
			_ = r.conn.WriteFrame(relayproto.MsgPong, nil, true)
		case relayproto.MsgPong:
			// liveness only; keep reading.
		default:
			// Unknown/irrelevant type during steady tunnel operation:
			// ignored without logging; keep reading.
		}
	}
}

// tryAssemble attempts to parse one complete peer Frame out of buf. The bool
// return reports whether a full frame is present yet; a non-nil error means
// a full frame *is* present but is invalid (oversize or a checksum
// mismatch), which spec invariant 3 makes a terminating protocol error, not
// grounds to keep buffering forever.
func tryAssemble(buf []byte, ceiling uint32) (frame.Header, []byte, bool, error) {
	if len(buf) < frame.HeaderSize {
		return frame.Header{}, nil, false, nil
	}
	hdr := frame.DecodeHeader(buf[:frame.HeaderSize])
	if ceiling == 0 {
		ceiling = frame.DefaultCeiling
	}
	if hdr.DataLength > ceiling {
		return frame.Header{}, nil, false, deskerrors.New(deskerrors.KindProtocol,
			"tunnel: peer frame exceeds ceiling")
	}
	need := frame.HeaderSize + int(hdr.DataLength)
	if len(buf) < need {
		return frame.Header{}, nil, false, nil
	}
	payload := buf[frame.HeaderSize:need]
	if frame.Checksum(payload) != hdr.Checksum {
		return frame.Header{}, nil, false, deskerrors.New(deskerrors.KindProtocol,
			"tunnel: peer frame checksum mismatch")
	}
	return hdr, append([]byte(nil), payload...), true, nil
}

// DataAvailable reports whether an assembled peer Frame is already pending,
// or a control event is queued, or more relay bytes can be read without
// blocking. A control event observed here is queued rather than dropped, so
// a later RecvFrame still delivers it (spec invariant: frame boundaries and
// control events are never silently lost).
func (r *RelayTunnel) DataAvailable() bool {
	if r.queuedErr != nil {
		return true
	}
	if _, _, ok, err := tryAssemble(r.pending, r.ceiling); ok || err != nil {
		if err != nil {
			r.queuedErr = err
		}
		return true
	}
	if err := r.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false
	}
	defer r.conn.SetReadDeadline(time.Time{})
	h, body, err := r.conn.ReadFrame()
	if err != nil {
		return false
	}
	switch h.MsgType {
	case relayproto.MsgData:
		r.pending = append(r.pending, body...)
	case relayproto.MsgPartnerDisconnected:
		pd, _ := relayproto.DecodePartnerDisconnected(body)
		r.queuedErr = deskerrors.New(deskerrors.KindPartnerLeft,
			fmt.Sprintf("tunnel: partner %d disconnected", pd.PartnerID))
	case relayproto.MsgDisconnect:
		r.queuedErr = deskerrors.New(deskerrors.KindServerLost, "tunnel: relay ended control link")
	case relayproto.MsgPing:
		_ = r.conn.WriteFrame(relayproto.MsgPong, nil, true)
	}
	return true
}

// Close is a no-op: the tunnel borrows the relay control socket (spec §5,
// §9 "Shared socket between relay and session"); only the reconnect
// supervisor owns and may close it.
func (r *RelayTunnel) Close() error { return nil }
