// Package session implements PS (spec §4.6): the handshake, the dispatch
// loop over TR, and the screen/input/clipboard sub-handlers. File and
// folder transfer messages are dispatched here but implemented by
// internal/transfer.
package session

import (
	"encoding/binary"

	deskerrors "deskrelay/internal/errors"
)

// Frame message types carried by the peer Frame (spec §3/§4.6 dispatch
// table). These share the same 8-bit msg_type space as internal/frame.
const (
	MsgHandshake       uint8 = 0x10
	MsgHandshakeAck    uint8 = 0x11
	MsgScreenUpdate    uint8 = 0x12
	MsgFullScreenReq   uint8 = 0x13
	MsgMouseEvent      uint8 = 0x14
	MsgKeyboardEvent   uint8 = 0x15
	MsgClipboardText   uint8 = 0x16
	MsgClipboardFiles  uint8 = 0x17
	MsgFileStart       uint8 = 0x18
	MsgFileData        uint8 = 0x19
	MsgFileEnd         uint8 = 0x1A
	MsgFolderStart     uint8 = 0x1B
	MsgFolderEntry     uint8 = 0x1C
	MsgFolderEnd       uint8 = 0x1D
	MsgFileReq         uint8 = 0x1E
	MsgFileNone        uint8 = 0x1F
	MsgPing            uint8 = 0x20
	MsgPong            uint8 = 0x21
	MsgDisconnect      uint8 = 0x22
	MsgHandshakeReject uint8 = 0x23
)

// HandshakeMagic identifies the wire protocol (spec §3 "Handshake").
const HandshakeMagic uint32 = 0x4B324452

// EncodingRLE / EncodingRaw are ScreenRect.encoding values.
const (
	EncodingRLE uint8 = 0
	EncodingRaw uint8 = 1
)

// CompressionRLE is the Handshake.compression value this implementation
// advertises; it mirrors the wire constant, not an actual codec choice
// made by this package (the RLE codec is an external collaborator).
const CompressionRLE uint8 = 0

// Handshake is the fixed-size payload of MSG_HANDSHAKE / MSG_HANDSHAKE_ACK.
type Handshake struct {
	Magic         uint32
	YourID        uint32
	Password      uint32
	ScreenW       uint16
	ScreenH       uint16
	ColorDepth    uint8
	Compression   uint8
	VersionMajor  uint16
	VersionMinor  uint16
}

const handshakeSize = 4 + 4 + 4 + 2 + 2 + 1 + 1 + 2 + 2

// EncodeHandshake serializes a Handshake to its wire form.
func EncodeHandshake(h Handshake) []byte {
	buf := make([]byte, handshakeSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.YourID)
	binary.LittleEndian.PutUint32(buf[8:12], h.Password)
	binary.LittleEndian.PutUint16(buf[12:14], h.ScreenW)
	binary.LittleEndian.PutUint16(buf[14:16], h.ScreenH)
	buf[16] = h.ColorDepth
	buf[17] = h.Compression
	binary.LittleEndian.PutUint16(buf[18:20], h.VersionMajor)
	binary.LittleEndian.PutUint16(buf[20:22], h.VersionMinor)
	return buf
}

// DecodeHandshake parses a Handshake payload.
func DecodeHandshake(b []byte) (Handshake, error) {
	if len(b) < handshakeSize {
		return Handshake{}, deskerrors.New(deskerrors.KindProtocol, "session: short handshake payload")
	}
	return Handshake{
		Magic:        binary.LittleEndian.Uint32(b[0:4]),
		YourID:       binary.LittleEndian.Uint32(b[4:8]),
		Password:     binary.LittleEndian.Uint32(b[8:12]),
		ScreenW:      binary.LittleEndian.Uint16(b[12:14]),
		ScreenH:      binary.LittleEndian.Uint16(b[14:16]),
		ColorDepth:   b[16],
		Compression:  b[17],
		VersionMajor: binary.LittleEndian.Uint16(b[18:20]),
		VersionMinor: binary.LittleEndian.Uint16(b[20:22]),
	}, nil
}

// ScreenRect is the fixed-size header preceding encoded pixel bytes.
type ScreenRect struct {
	X, Y, W, H uint16
	Encoding   uint8
	Reserved   uint8
	DataSize   uint32
}

const screenRectSize = 2 + 2 + 2 + 2 + 1 + 1 + 4

// EncodeScreenRect serializes rect's header; the caller appends the
// encoded pixel bytes itself (they come from the external RLE codec).
func EncodeScreenRect(r ScreenRect) []byte {
	buf := make([]byte, screenRectSize)
	binary.LittleEndian.PutUint16(buf[0:2], r.X)
	binary.LittleEndian.PutUint16(buf[2:4], r.Y)
	binary.LittleEndian.PutUint16(buf[4:6], r.W)
	binary.LittleEndian.PutUint16(buf[6:8], r.H)
	buf[8] = r.Encoding
	buf[9] = r.Reserved
	binary.LittleEndian.PutUint32(buf[10:14], r.DataSize)
	return buf
}

// DecodeScreenRect parses a ScreenRect header and returns the remaining
// bytes as the encoded pixel payload.
func DecodeScreenRect(b []byte) (ScreenRect, []byte, error) {
	if len(b) < screenRectSize {
		return ScreenRect{}, nil, deskerrors.New(deskerrors.KindProtocol, "session: short screen rect header")
	}
	r := ScreenRect{
		X:        binary.LittleEndian.Uint16(b[0:2]),
		Y:        binary.LittleEndian.Uint16(b[2:4]),
		W:        binary.LittleEndian.Uint16(b[4:6]),
		H:        binary.LittleEndian.Uint16(b[6:8]),
		Encoding: b[8],
		Reserved: b[9],
		DataSize: binary.LittleEndian.Uint32(b[10:14]),
	}
	rest := b[screenRectSize:]
	if uint32(len(rest)) < r.DataSize {
		return ScreenRect{}, nil, deskerrors.New(deskerrors.KindProtocol, "session: screen rect data truncated")
	}
	return r, rest[:r.DataSize], nil
}

// Mouse event flag bits.
const (
	MouseFlagMove  uint8 = 0x01
	MouseFlagDown  uint8 = 0x02
	MouseFlagUp    uint8 = 0x04
	MouseFlagWheel uint8 = 0x08
)

// Mouse button bits.
const (
	ButtonLeft   uint8 = 0x01
	ButtonRight  uint8 = 0x02
	ButtonMiddle uint8 = 0x04
)

// MouseEvent is the MSG_MOUSE_EVENT payload.
type MouseEvent struct {
	X, Y       uint16
	Buttons    uint8
	Flags      uint8
	WheelDelta int16
}

const mouseEventSize = 2 + 2 + 1 + 1 + 2

// EncodeMouseEvent serializes a MouseEvent.
func EncodeMouseEvent(m MouseEvent) []byte {
	buf := make([]byte, mouseEventSize)
	binary.LittleEndian.PutUint16(buf[0:2], m.X)
	binary.LittleEndian.PutUint16(buf[2:4], m.Y)
	buf[4] = m.Buttons
	buf[5] = m.Flags
	binary.LittleEndian.PutUint16(buf[6:8], uint16(m.WheelDelta))
	return buf
}

// DecodeMouseEvent parses a MouseEvent payload.
func DecodeMouseEvent(b []byte) (MouseEvent, error) {
	if len(b) < mouseEventSize {
		return MouseEvent{}, deskerrors.New(deskerrors.KindProtocol, "session: short mouse event")
	}
	return MouseEvent{
		X:          binary.LittleEndian.Uint16(b[0:2]),
		Y:          binary.LittleEndian.Uint16(b[2:4]),
		Buttons:    b[4],
		Flags:      b[5],
		WheelDelta: int16(binary.LittleEndian.Uint16(b[6:8])),
	}, nil
}

// Key event flag bits.
const (
	KeyFlagDown     uint8 = 0x01
	KeyFlagUp       uint8 = 0x02
	KeyFlagExtended uint8 = 0x04
)

// KeyEvent is the MSG_KEYBOARD_EVENT payload.
type KeyEvent struct {
	VK, Scan uint16
	Flags    uint8
}

const keyEventSize = 2 + 2 + 1 + 3 // 3 reserved bytes

// EncodeKeyEvent serializes a KeyEvent.
func EncodeKeyEvent(k KeyEvent) []byte {
	buf := make([]byte, keyEventSize)
	binary.LittleEndian.PutUint16(buf[0:2], k.VK)
	binary.LittleEndian.PutUint16(buf[2:4], k.Scan)
	buf[4] = k.Flags
	return buf
}

// DecodeKeyEvent parses a KeyEvent payload.
func DecodeKeyEvent(b []byte) (KeyEvent, error) {
	if len(b) < keyEventSize {
		return KeyEvent{}, deskerrors.New(deskerrors.KindProtocol, "session: short key event")
	}
	return KeyEvent{
		VK:    binary.LittleEndian.Uint16(b[0:2]),
		Scan:  binary.LittleEndian.Uint16(b[2:4]),
		Flags: b[4],
	}, nil
}

// ClipboardPayload is the MSG_CLIPBOARD_TEXT / MSG_CLIPBOARD_FILES header.
type ClipboardPayload struct {
	IsFile bool
	Data   []byte
}

const clipboardHeaderSize = 4 + 1 + 3

// EncodeClipboard serializes a ClipboardPayload.
func EncodeClipboard(c ClipboardPayload) []byte {
	buf := make([]byte, clipboardHeaderSize, clipboardHeaderSize+len(c.Data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(c.Data)))
	if c.IsFile {
		buf[4] = 1
	}
	return append(buf, c.Data...)
}

// DecodeClipboard parses a ClipboardPayload.
func DecodeClipboard(b []byte) (ClipboardPayload, error) {
	if len(b) < clipboardHeaderSize {
		return ClipboardPayload{}, deskerrors.New(deskerrors.KindProtocol, "session: short clipboard header")
	}
	n := binary.LittleEndian.Uint32(b[0:4])
	isFile := b[4] != 0
	rest := b[clipboardHeaderSize:]
	if uint32(len(rest)) < n {
		return ClipboardPayload{}, deskerrors.New(deskerrors.KindProtocol, "session: clipboard data truncated")
	}
	return ClipboardPayload{IsFile: isFile, Data: rest[:n]}, nil
}
