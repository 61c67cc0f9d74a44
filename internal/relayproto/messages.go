// Package relayproto defines the relay control-plane wire format of spec
// §3/§4.5: the 8-byte RelayFrame header, its message types, and the typed
// payloads carried by each control message.
package relayproto

import (
	"encoding/binary"

	deskerrors "deskrelay/internal/errors"
	"deskrelay/internal/obfuscate"
)

// Message types (spec §4.5 control-plane table).
const (
	MsgRegister             uint8 = 0x01
	MsgRegisterResponse     uint8 = 0x02
	MsgConnectRequest       uint8 = 0x03
	MsgConnectResponse      uint8 = 0x04
	MsgPartnerConnected     uint8 = 0x05
	MsgData                 uint8 = 0x06
	MsgPing                 uint8 = 0x07
	MsgPong                 uint8 = 0x08
	MsgDisconnect           uint8 = 0x09
	MsgPartnerDisconnected  uint8 = 0x0A
)

// FlagObfuscated marks a RelayFrame payload as OL-encoded (spec §3).
const FlagObfuscated uint8 = 0x01

// HeaderSize is the fixed size of a RelayFrame header.
const HeaderSize = 8

// Header is the 8-byte RelayFrame header.
type Header struct {
	MsgType    uint8
	Flags      uint8
	Reserved   uint16
	DataLength uint32
}

// EncodeHeader serializes a Header to its 8-byte wire form.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.MsgType
	buf[1] = h.Flags
	binary.LittleEndian.PutUint16(buf[2:4], h.Reserved)
	binary.LittleEndian.PutUint32(buf[4:8], h.DataLength)
	return buf
}

// DecodeHeader parses an 8-byte RelayFrame header.
func DecodeHeader(buf []byte) Header {
	return Header{
		MsgType:    buf[0],
		Flags:      buf[1],
		Reserved:   binary.LittleEndian.Uint16(buf[2:4]),
		DataLength: binary.LittleEndian.Uint32(buf[4:8]),
	}
}

// Encode builds a full RelayFrame on the wire. Control-plane callers always
// pass obfuscated=true (spec §4.5: "All control payloads travel with
// flags&0x01=1"); the tunnel's DATA frames are obfuscated per forwarded
// packet, starting at position 0 each time (spec §4.5 "Forwarding").
func Encode(msgType uint8, payload []byte, obfuscated bool, key [obfuscate.KeySize]byte) []byte {
	flags := uint8(0)
	body := payload
	if obfuscated {
		flags |= FlagObfuscated
		body = obfuscate.Encrypt(payload, key, 0)
	}
	hdr := EncodeHeader(Header{MsgType: msgType, Flags: flags, DataLength: uint32(len(body))})
	return append(hdr, body...)
}

// DecodePayload returns the plaintext payload for a RelayFrame whose header
// has already been parsed, undoing obfuscation when FlagObfuscated is set.
func DecodePayload(h Header, body []byte, key [obfuscate.KeySize]byte) []byte {
	if h.Flags&FlagObfuscated != 0 {
		return obfuscate.Decrypt(body, key, 0)
	}
	return body
}

// Register-response / connect-response status codes.
const (
	StatusOK        uint32 = 0
	StatusDuplicate uint32 = 1
	StatusNotOnline uint32 = 2
	StatusBusy      uint32 = 3
	StatusNotReady  uint32 = 4
)

func putU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func getU32(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, deskerrors.New(deskerrors.KindProtocol, "relayproto: short u32 payload")
	}
	return binary.LittleEndian.Uint32(b), nil
}

// EncodeRegister builds a REGISTER payload.
func EncodeRegister(clientID uint32) []byte { return putU32(clientID) }

// DecodeRegister parses a REGISTER payload.
func DecodeRegister(b []byte) (uint32, error) { return getU32(b) }

// EncodeStatus builds any {status: u32} payload (REGISTER_RESPONSE,
// CONNECT_RESPONSE).
func EncodeStatus(status uint32) []byte { return putU32(status) }

// DecodeStatus parses any {status: u32} payload.
func DecodeStatus(b []byte) (uint32, error) { return getU32(b) }

// ConnectRequest is the CONNECT_REQUEST payload.
type ConnectRequest struct {
	PartnerID uint32
	Password  uint32
}

// EncodeConnectRequest serializes a ConnectRequest.
func EncodeConnectRequest(r ConnectRequest) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], r.PartnerID)
	binary.LittleEndian.PutUint32(buf[4:8], r.Password)
	return buf
}

// DecodeConnectRequest parses a CONNECT_REQUEST payload.
func DecodeConnectRequest(b []byte) (ConnectRequest, error) {
	if len(b) < 8 {
		return ConnectRequest{}, deskerrors.New(deskerrors.KindProtocol, "relayproto: short connect_request")
	}
	return ConnectRequest{
		PartnerID: binary.LittleEndian.Uint32(b[0:4]),
		Password:  binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// EncodePartnerConnected builds a PARTNER_CONNECTED payload.
func EncodePartnerConnected(partnerID uint32) []byte { return putU32(partnerID) }

// DecodePartnerConnected parses a PARTNER_CONNECTED payload.
func DecodePartnerConnected(b []byte) (uint32, error) { return getU32(b) }

// PartnerDisconnectedReason enumerates why a partner left.
type PartnerDisconnectedReason uint8

const (
	ReasonGraceful PartnerDisconnectedReason = iota
	ReasonTimeout
	ReasonEvicted
)

// PartnerDisconnected is the PARTNER_DISCONNECTED payload.
type PartnerDisconnected struct {
	Reason    PartnerDisconnectedReason
	PartnerID uint32
}

// EncodePartnerDisconnected serializes a PartnerDisconnected.
func EncodePartnerDisconnected(p PartnerDisconnected) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.Reason))
	binary.LittleEndian.PutUint32(buf[4:8], p.PartnerID)
	return buf
}

// DecodePartnerDisconnected parses a PARTNER_DISCONNECTED payload.
func DecodePartnerDisconnected(b []byte) (PartnerDisconnected, error) {
	if len(b) < 8 {
		return PartnerDisconnected{}, deskerrors.New(deskerrors.KindProtocol, "relayproto: short partner_disconnected")
	}
	return PartnerDisconnected{
		Reason:    PartnerDisconnectedReason(binary.LittleEndian.Uint32(b[0:4])),
		PartnerID: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}
