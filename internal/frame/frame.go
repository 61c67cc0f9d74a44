// Package frame implements the length-prefixed, checksummed message frame
// used on every peer-to-peer byte stream (spec §4.1). The on-wire header is
// fixed at 12 bytes, little-endian, followed by exactly data_length payload
// bytes.
package frame

import (
	"encoding/binary"
	"io"

	deskerrors "deskrelay/internal/errors"
)

// HeaderSize is the fixed size of a Frame header on the wire.
const HeaderSize = 12

// DefaultCeiling is the default maximum payload size a decoder accepts
// (buffer_cap in spec §3, invariant 3): 4 MiB.
const DefaultCeiling = 4 * 1024 * 1024

// Header is the 12-byte Frame header of spec §3.
type Header struct {
	MsgType    uint8
	Flags      uint8
	Reserved   uint16
	DataLength uint32
	Checksum   uint32
}

// Checksum computes the spec's additive hash over payload: c = ((c<<5)+c)+b
// starting at c=0. Non-cryptographic; detects accidental corruption only
// (see spec §9 note 3), never use it as an authenticity check.
func Checksum(payload []byte) uint32 {
	var c uint32
	for _, b := range payload {
		c = (c << 5) + c + uint32(b)
	}
	return c
}

// Encode writes the fixed header followed by payload verbatim. The checksum
// is computed from payload before emission.
func Encode(msgType uint8, flags uint8, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = msgType
	buf[1] = flags
	binary.LittleEndian.PutUint16(buf[2:4], 0)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[8:12], Checksum(payload))
	copy(buf[HeaderSize:], payload)
	return buf
}

// DecodeHeader parses the first HeaderSize bytes of buf into a Header. buf
// must be at least HeaderSize bytes.
func DecodeHeader(buf []byte) Header {
	return Header{
		MsgType:    buf[0],
		Flags:      buf[1],
		Reserved:   binary.LittleEndian.Uint16(buf[2:4]),
		DataLength: binary.LittleEndian.Uint32(buf[4:8]),
		Checksum:   binary.LittleEndian.Uint32(buf[8:12]),
	}
}

// Reader is the minimal contract DecodeFrom needs: a blocking, fully
// buffered read of exactly len(p) bytes or an error. internal/transport's
// deadlineReader satisfies this with its bounded-retry recv loop (spec
// §4.4); tests can use any io.Reader via io.ReadFull.
type Reader interface {
	Read(p []byte) (n int, err error)
}

// DecodeFrom reads exactly one Frame from r: a 12-byte header, then exactly
// data_length payload bytes, verifying the checksum. ceiling bounds
// data_length; 0 means DefaultCeiling.
func DecodeFrom(r Reader, ceiling uint32) (Header, []byte, error) {
	if ceiling == 0 {
		ceiling = DefaultCeiling
	}
	hdrBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hdrBuf); err != nil {
		return Header{}, nil, deskerrors.Wrap(deskerrors.KindTransport, err, "frame: read header")
	}
	hdr := DecodeHeader(hdrBuf)
	if hdr.DataLength > ceiling {
		return Header{}, nil, deskerrors.New(deskerrors.KindProtocol, "frame: data_length exceeds ceiling")
	}
	payload := make([]byte, hdr.DataLength)
	if hdr.DataLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Header{}, nil, deskerrors.Wrap(deskerrors.KindTransport, err, "frame: read payload")
		}
	}
	if Checksum(payload) != hdr.Checksum {
		return Header{}, nil, deskerrors.New(deskerrors.KindProtocol, "frame: checksum mismatch")
	}
	return hdr, payload, nil
}
