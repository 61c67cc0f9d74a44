package session

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"deskrelay/internal/errors"
	"deskrelay/internal/transport"
)

func pipePair(t *testing.T) (*transport.TCPTransport, *transport.TCPTransport) {
	t.Helper()
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
	server := <-accepted

	require.NoError(t, transport.Configure(client))
	require.NoError(t, transport.Configure(server))
	return transport.NewTCPTransport(client, 0), transport.NewTCPTransport(server, 0)
}

// TestDirectHandshake is scenario S1: peer A listens, peer B connects, A's
// ack carries its screen dimensions, and B's RemoteScreen reflects them.
func TestDirectHandshake(t *testing.T) {
	a, b := pipePair(t) // a: viewer side (initiator), b: host side (responder)
	defer a.Close()
	defer b.Close()

	const password = 42000
	done := make(chan Handshake, 1)
	go func() {
		peer, err := PerformHandshake(b, false, Handshake{
			Magic: HandshakeMagic, ScreenW: 1024, ScreenH: 768,
			ColorDepth: 24, Compression: CompressionRLE,
		}, password)
		require.NoError(t, err)
		done <- peer
	}()

	peer, err := PerformHandshake(a, true, Handshake{
		Magic: HandshakeMagic, Password: password, ScreenW: 800, ScreenH: 600,
		ColorDepth: 24, Compression: CompressionRLE,
	}, 0)
	require.NoError(t, err)
	require.Equal(t, uint16(1024), peer.ScreenW)
	require.Equal(t, uint16(768), peer.ScreenH)

	<-done

	sess := New(a, RoleViewer, peer, Handlers{}, nil)
	require.Equal(t, uint16(1024), sess.RemoteScreen().Width)
	require.Equal(t, uint16(768), sess.RemoteScreen().Height)
}

// TestAuthFailure is scenario S2: a wrong password at handshake surfaces as
// a Kind=Auth error to both sides — the responder that rejected it, and the
// initiator that only learns about it over the wire (MSG_HANDSHAKE_REJECT).
func TestAuthFailure(t *testing.T) {
	a, b := pipePair(t)
	defer a.Close()
	defer b.Close()

	const password = 42000
	done := make(chan error, 1)
	go func() {
		_, err := PerformHandshake(b, false, Handshake{Magic: HandshakeMagic, ScreenW: 1024, ScreenH: 768}, password)
		done <- err
	}()

	_, initErr := PerformHandshake(a, true, Handshake{Magic: HandshakeMagic, Password: 0}, 0)
	require.Error(t, initErr)
	require.True(t, errors.Is(initErr, errors.KindAuth))

	respErr := <-done
	require.Error(t, respErr)
	require.True(t, errors.Is(respErr, errors.KindAuth))
}

func TestDispatchDisconnectTerminatesSession(t *testing.T) {
	a, b := pipePair(t)
	defer a.Close()
	defer b.Close()

	sess := New(a, RoleHost, Handshake{ScreenW: 640, ScreenH: 480}, Handlers{}, nil)

	require.NoError(t, b.SendFrame(MsgDisconnect, nil))
	require.NoError(t, sess.Run())
	require.Equal(t, StateClosed, sess.State())
}

func TestDispatchUnknownTypeIsIgnored(t *testing.T) {
	a, b := pipePair(t)
	defer a.Close()
	defer b.Close()

	sess := New(a, RoleHost, Handshake{}, Handlers{}, nil)

	require.NoError(t, b.SendFrame(0x7F, []byte("unknown")))
	require.NoError(t, b.SendFrame(MsgDisconnect, nil))
	require.NoError(t, sess.Run())
}
