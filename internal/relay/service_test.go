package relay

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"deskrelay/internal/obfuscate"
	"deskrelay/internal/relayproto"
)

func testService(t *testing.T) (*Service, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var key [obfuscate.KeySize]byte
	copy(key[:], []byte("0123456789abcdef"))

	s := NewService(Config{
		BindAddr:          ln.Addr().String(),
		InactivityTimeout: time.Second,
		RegisteredGrace:   50 * time.Millisecond,
		ObfuscationKey:    key,
	})
	s.ln = ln
	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			tcp := raw.(*net.TCPConn)
			s.wg.Add(1)
			go s.runWorker(relayproto.NewConn(tcp, key))
		}
	}()
	return s, func() { s.Shutdown() }
}

func dialClient(t *testing.T, s *Service, clientID uint32) *relayproto.Conn {
	t.Helper()
	raw, err := net.Dial("tcp", s.cfg.BindAddr)
	require.NoError(t, err)
	conn := relayproto.NewConn(raw, s.cfg.ObfuscationKey)

	require.NoError(t, conn.WriteFrame(relayproto.MsgRegister, relayproto.EncodeRegister(clientID), true))
	h, body, err := conn.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, relayproto.MsgRegisterResponse, h.MsgType)
	status, err := relayproto.DecodeStatus(body)
	require.NoError(t, err)
	require.Equal(t, relayproto.StatusOK, status)
	return conn
}

func TestPairingExclusivity(t *testing.T) {
	s, cleanup := testService(t)
	defer cleanup()

	a := dialClient(t, s, 100)
	b := dialClient(t, s, 200)
	c := dialClient(t, s, 300)
	defer a.Close()
	defer b.Close()
	defer c.Close()

	require.NoError(t, a.WriteFrame(relayproto.MsgConnectRequest,
		relayproto.EncodeConnectRequest(relayproto.ConnectRequest{PartnerID: 200}), true))
	h, body, err := a.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, relayproto.MsgConnectResponse, h.MsgType)
	status, _ := relayproto.DecodeStatus(body)
	require.Equal(t, relayproto.StatusOK, status)

	h, _, err = a.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, relayproto.MsgPartnerConnected, h.MsgType)

	h, _, err = b.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, relayproto.MsgPartnerConnected, h.MsgType)

	// b is now paired to a; c tries to pair with b and must be rejected busy.
	require.NoError(t, c.WriteFrame(relayproto.MsgConnectRequest,
		relayproto.EncodeConnectRequest(relayproto.ConnectRequest{PartnerID: 200}), true))
	h, body, err = c.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, relayproto.MsgConnectResponse, h.MsgType)
	status, _ = relayproto.DecodeStatus(body)
	require.Equal(t, relayproto.StatusBusy, status)
}

func TestConnectRequestNotOnline(t *testing.T) {
	s, cleanup := testService(t)
	defer cleanup()

	a := dialClient(t, s, 1)
	defer a.Close()

	require.NoError(t, a.WriteFrame(relayproto.MsgConnectRequest,
		relayproto.EncodeConnectRequest(relayproto.ConnectRequest{PartnerID: 999}), true))
	h, body, err := a.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, relayproto.MsgConnectResponse, h.MsgType)
	status, _ := relayproto.DecodeStatus(body)
	require.Equal(t, relayproto.StatusNotOnline, status)
}

func TestRegisterIDUniquenessEvictsStale(t *testing.T) {
	s, cleanup := testService(t)
	defer cleanup()

	first := dialClient(t, s, 42)
	defer first.Close()

	// The first connection is merely REGISTERED (not PAIRED), so spec §4.5
	// evicts it rather than keeping it only once its idle time exceeds the
	// grace window (50ms). Sleep past the grace window before re-registering.
	time.Sleep(100 * time.Millisecond)

	raw, err := net.Dial("tcp", s.cfg.BindAddr)
	require.NoError(t, err)
	second := relayproto.NewConn(raw, s.cfg.ObfuscationKey)
	defer second.Close()

	require.NoError(t, second.WriteFrame(relayproto.MsgRegister, relayproto.EncodeRegister(42), true))
	h, body, err := second.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, relayproto.MsgRegisterResponse, h.MsgType)
	status, _ := relayproto.DecodeStatus(body)
	require.Equal(t, relayproto.StatusOK, status)

	// the first connection's socket should now be closed by the relay.
	first.SetDeadline(time.Now().Add(time.Second))
	_, _, err = first.ReadFrame()
	require.Error(t, err)
}

func TestRegisterIDUniquenessKeepsRecentDuplicate(t *testing.T) {
	s, cleanup := testService(t)
	defer cleanup()

	first := dialClient(t, s, 7)
	defer first.Close()

	raw, err := net.Dial("tcp", s.cfg.BindAddr)
	require.NoError(t, err)
	second := relayproto.NewConn(raw, s.cfg.ObfuscationKey)
	defer second.Close()

	require.NoError(t, second.WriteFrame(relayproto.MsgRegister, relayproto.EncodeRegister(7), true))
	h, body, err := second.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, relayproto.MsgRegisterResponse, h.MsgType)
	status, _ := relayproto.DecodeStatus(body)
	require.Equal(t, relayproto.StatusDuplicate, status)
}

func TestForwardingInOrder(t *testing.T) {
	s, cleanup := testService(t)
	defer cleanup()

	a := dialClient(t, s, 11)
	b := dialClient(t, s, 22)
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.WriteFrame(relayproto.MsgConnectRequest,
		relayproto.EncodeConnectRequest(relayproto.ConnectRequest{PartnerID: 22}), true))
	_, _, err := a.ReadFrame() // CONNECT_RESPONSE
	require.NoError(t, err)
	_, _, err = a.ReadFrame() // PARTNER_CONNECTED
	require.NoError(t, err)
	_, _, err = b.ReadFrame() // PARTNER_CONNECTED
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		payload := []byte{byte(i)}
		require.NoError(t, a.WriteFrame(relayproto.MsgData, payload, true))
	}
	for i := 0; i < 20; i++ {
		h, body, err := b.ReadFrame()
		require.NoError(t, err)
		require.Equal(t, relayproto.MsgData, h.MsgType)
		require.Equal(t, []byte{byte(i)}, body)
	}
}
