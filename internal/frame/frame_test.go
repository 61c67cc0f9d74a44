package frame

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		[]byte("hello"),
		bytes.Repeat([]byte{0xAB}, 65536),
	}
	for _, p := range payloads {
		wire := Encode(7, 0, p)
		hdr, got, err := DecodeFrom(bytes.NewReader(wire), 0)
		require.NoError(t, err)
		require.Equal(t, uint8(7), hdr.MsgType)
		require.Equal(t, uint32(len(p)), hdr.DataLength)
		require.Equal(t, p, got)
	}
}

func TestDecodeRejectsOversizeLength(t *testing.T) {
	wire := Encode(1, 0, make([]byte, 100))
	_, _, err := DecodeFrom(bytes.NewReader(wire), 10)
	require.Error(t, err)
}

func TestDecodeDetectsCorruption(t *testing.T) {
	wire := Encode(1, 0, []byte("payload"))
	// Flip a payload byte without touching the header: checksum must fail.
	corrupt := append([]byte(nil), wire...)
	corrupt[len(corrupt)-1] ^= 0xFF
	_, _, err := DecodeFrom(bytes.NewReader(corrupt), 0)
	require.Error(t, err)
}

func TestDecodeDetectsLengthMismatch(t *testing.T) {
	wire := Encode(1, 0, []byte("payload"))
	truncated := wire[:len(wire)-2]
	_, _, err := DecodeFrom(bytes.NewReader(truncated), 0)
	require.Error(t, err)
}

func TestChecksumMatchesAdditiveHash(t *testing.T) {
	var want uint32
	for _, b := range []byte("abc") {
		want = (want << 5) + want + uint32(b)
	}
	require.Equal(t, want, Checksum([]byte("abc")))
}
