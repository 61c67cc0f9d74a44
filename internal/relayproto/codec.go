package relayproto

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	deskerrors "deskrelay/internal/errors"
	"deskrelay/internal/obfuscate"
)

// readBufSize/writeBufSize mirror the buffered-I/O sizing pattern used by
// relay client wrappers in the wild: generous enough that a typical control
// message or one DATA-forwarded peer Frame never spans multiple syscalls.
const (
	readBufSize  = 64 * 1024
	writeBufSize = 64 * 1024
)

// handshakeDeadline is a 10 s bound for control-message exchanges
// (REGISTER, CONNECT_REQUEST, ...). ReadFrame does not apply it: ReadFrame
// blocks until a frame arrives or the connection fails, unless the caller
// has set its own deadline via SetDeadline/SetReadDeadline.
const handshakeDeadline = 10 * time.Second

// Conn wraps a net.Conn with the RelayFrame codec: buffered reads/writes,
// a single writer lock (spec §5: "single logical writer at a time"), and
// transparent obfuscation of payloads per Header.Flags.
type Conn struct {
	nc  net.Conn
	br  *bufio.Reader
	bw  *bufio.Writer
	key [obfuscate.KeySize]byte

	writeMu sync.Mutex
}

// NewConn wraps nc. key is the obfuscation key shared by this deployment.
func NewConn(nc net.Conn, key [obfuscate.KeySize]byte) *Conn {
	return &Conn{
		nc:  nc,
		br:  bufio.NewReaderSize(nc, readBufSize),
		bw:  bufio.NewWriterSize(nc, writeBufSize),
		key: key,
	}
}

// WriteFrame serializes and flushes one RelayFrame. obfuscated controls
// whether payload is OL-encrypted first; control-plane messages always set
// this true (spec §4.5).
func (c *Conn) WriteFrame(msgType uint8, payload []byte, obfuscated bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	wire := Encode(msgType, payload, obfuscated, c.key)
	if _, err := c.bw.Write(wire); err != nil {
		return deskerrors.Wrap(deskerrors.KindTransport, err, "relayproto: write frame")
	}
	if err := c.bw.Flush(); err != nil {
		return deskerrors.Wrap(deskerrors.KindTransport, err, "relayproto: flush frame")
	}
	return nil
}

// ReadFrame reads and decodes exactly one RelayFrame, applying obfuscation
// reversal when the frame's flags request it. The returned payload is
// plaintext.
func (c *Conn) ReadFrame() (Header, []byte, error) {
	hdrBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(c.br, hdrBuf); err != nil {
		return Header{}, nil, deskerrors.Wrap(deskerrors.KindTransport, err, "relayproto: read header")
	}
	h := DecodeHeader(hdrBuf)
	body := make([]byte, h.DataLength)
	if h.DataLength > 0 {
		if _, err := io.ReadFull(c.br, body); err != nil {
			return Header{}, nil, deskerrors.Wrap(deskerrors.KindTransport, err, "relayproto: read payload")
		}
	}
	return h, DecodePayload(h, body, c.key), nil
}

// SetDeadline forwards to the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error { return c.nc.SetDeadline(t) }

// SetReadDeadline forwards to the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.nc.SetReadDeadline(t) }

// RemoteAddr returns the peer address of the underlying connection.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }
