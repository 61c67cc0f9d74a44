package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (*TCPTransport, *TCPTransport) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var server *net.TCPConn
	accepted := make(chan struct{})
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		server = c.(*net.TCPConn)
		close(accepted)
	}()

	clientRaw, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	<-accepted

	client := clientRaw.(*net.TCPConn)
	require.NoError(t, Configure(client))
	require.NoError(t, Configure(server))

	return NewTCPTransport(client, 0), NewTCPTransport(server, 0)
}

func TestSendRecvFrameRoundTrip(t *testing.T) {
	a, b := pipePair(t)
	defer a.Close()
	defer b.Close()

	payload := []byte("screen-rect-bytes")
	require.NoError(t, a.SendFrame(42, payload))

	hdr, got, err := b.RecvFrame()
	require.NoError(t, err)
	require.Equal(t, uint8(42), hdr.MsgType)
	require.Equal(t, payload, got)
}

func TestDataAvailableDoesNotConsume(t *testing.T) {
	a, b := pipePair(t)
	defer a.Close()
	defer b.Close()

	require.False(t, b.DataAvailable())
	require.NoError(t, a.SendFrame(1, []byte("x")))
	time.Sleep(50 * time.Millisecond)
	require.True(t, b.DataAvailable())

	hdr, got, err := b.RecvFrame()
	require.NoError(t, err)
	require.Equal(t, uint8(1), hdr.MsgType)
	require.Equal(t, []byte("x"), got)
}

func TestRecvFrameRejectsOversizeCeiling(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan *net.TCPConn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		accepted <- c.(*net.TCPConn)
	}()

	clientRaw, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	client := clientRaw.(*net.TCPConn)
	require.NoError(t, Configure(client))
	server := <-accepted
	require.NoError(t, Configure(server))

	sender := NewTCPTransport(client, 0)
	receiver := NewTCPTransport(server, 8) // tiny ceiling
	defer sender.Close()
	defer receiver.Close()

	require.NoError(t, sender.SendFrame(1, []byte("longer than eight bytes")))
	_, _, err = receiver.RecvFrame()
	require.Error(t, err)
}
