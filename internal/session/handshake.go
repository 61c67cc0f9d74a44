package session

import (
	deskerrors "deskrelay/internal/errors"
	"deskrelay/internal/transport"
)

// PerformHandshake runs the spec §4.6 handshake. initiator sends
// MSG_HANDSHAKE first and waits for the ack; the responder waits for the
// inbound MSG_HANDSHAKE first and replies with its own screen dimensions.
// On success it returns the peer's advertised screen size, which becomes
// the caller's remote_screen.
func PerformHandshake(tr transport.Transport, initiator bool, local Handshake, expectPassword uint32) (Handshake, error) {
	if initiator {
		if err := tr.SendFrame(MsgHandshake, EncodeHandshake(local)); err != nil {
			return Handshake{}, err
		}
		h, err := recvHandshakeAck(tr)
		if err != nil {
			return Handshake{}, err
		}
		if h.Magic != HandshakeMagic {
			return Handshake{}, deskerrors.New(deskerrors.KindProtocol, "session: bad handshake magic")
		}
		return h, nil
	}

	peer, err := recvHandshake(tr, MsgHandshake)
	if err != nil {
		return Handshake{}, err
	}
	if peer.Magic != HandshakeMagic {
		return Handshake{}, deskerrors.New(deskerrors.KindProtocol, "session: bad handshake magic")
	}
	if peer.Password != expectPassword {
		// Tell the initiator why before hanging up, so it observes Auth
		// instead of a bare transport failure from the closed socket.
		_ = tr.SendFrame(MsgHandshakeReject, nil)
		return Handshake{}, deskerrors.New(deskerrors.KindAuth, "session: handshake password mismatch")
	}
	if err := tr.SendFrame(MsgHandshakeAck, EncodeHandshake(local)); err != nil {
		return Handshake{}, err
	}
	return peer, nil
}

func recvHandshake(tr transport.Transport, want uint8) (Handshake, error) {
	hdr, payload, err := tr.RecvFrame()
	if err != nil {
		return Handshake{}, err
	}
	if hdr.MsgType != want {
		return Handshake{}, deskerrors.New(deskerrors.KindProtocol, "session: expected handshake message")
	}
	return DecodeHandshake(payload)
}

// recvHandshakeAck waits for MSG_HANDSHAKE_ACK, but also recognizes an
// explicit MSG_HANDSHAKE_REJECT sent by a responder that rejected the
// password: that must surface as Auth, the same Kind the responder itself
// observed (spec scenario S2), not whatever KindTransport the initiator
// would otherwise see once the responder simply closes the socket.
func recvHandshakeAck(tr transport.Transport) (Handshake, error) {
	hdr, payload, err := tr.RecvFrame()
	if err != nil {
		return Handshake{}, err
	}
	if hdr.MsgType == MsgHandshakeReject {
		return Handshake{}, deskerrors.New(deskerrors.KindAuth, "session: handshake rejected by peer")
	}
	if hdr.MsgType != MsgHandshakeAck {
		return Handshake{}, deskerrors.New(deskerrors.KindProtocol, "session: expected handshake ack")
	}
	return DecodeHandshake(payload)
}
