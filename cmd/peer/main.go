// Command peer is a demo endpoint exercising PS, TR, FT and RC end to end
// from the command line: direct dial/listen, or rendezvous through a relay,
// optionally pushing one file or folder once the session is connected.
// Spec §6 only mandates the relay binary's CLI; this binary exists so the
// module is a runnable system rather than a library with no entrypoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"deskrelay/config"
	deskerrors "deskrelay/internal/errors"
	"deskrelay/internal/identifier"
	"deskrelay/internal/reconnect"
	"deskrelay/internal/relayproto"
	"deskrelay/internal/session"
	"deskrelay/internal/transfer"
	"deskrelay/internal/transport"
	"deskrelay/utils"
)

func main() {
	os.Exit(run())
}

func run() int {
	listenAddr := flag.String("listen", "", "accept one direct connection as host on this address")
	connectAddr := flag.String("connect", "", "dial a peer directly: host:port literal or an identifier token")
	relayAddr := flag.String("relay", "", "rendezvous through a relay at this address instead of dialing directly")
	localID := flag.Uint("id", 0, "client id to register with the relay")
	partnerID := flag.Uint("partner", 0, "relay partner client id to request pairing with (0 = wait to be paired)")
	password := flag.Uint("password", 0, "shared handshake password")
	screenW := flag.Uint("screen-w", 1920, "advertised screen width")
	screenH := flag.Uint("screen-h", 1080, "advertised screen height")
	recvDir := flag.String("recv-dir", "", "directory to receive files/folders into (default: OS temp dir)")
	sendFile := flag.String("send-file", "", "send this file once the session connects")
	sendFolder := flag.String("send-folder", "", "send this folder once the session connects")
	logFile := flag.String("l", "", "log file path")
	noColor := flag.Bool("n", false, "disable colored console output")
	flag.Parse()

	log := utils.NewLogger(*logFile, "info", *noColor)
	defer log.Sync()

	rec := config.GlobalCfg
	transfer.DefaultChunkSize = int64(rec.ChunkSize)
	transfer.FileSizeCap = rec.FileSizeCap

	st, err := config.LoadState(statePath())
	if err != nil {
		log.Warn("peer: failed to load persisted state", zap.Error(err))
		st = &config.State{}
	}
	if *relayAddr == "" && st.Relay.IP != "" {
		*relayAddr = identifier.FormatEndpoint(st.Relay.IP, st.Relay.Port)
	}
	if *localID == 0 {
		*localID = uint(st.Client.ServerID)
	}
	if *partnerID == 0 {
		*partnerID = uint(st.Client.LastPartnerID)
	}

	local := session.Handshake{
		Magic:        session.HandshakeMagic,
		YourID:       uint32(*localID),
		Password:     uint32(*password),
		ScreenW:      uint16(*screenW),
		ScreenH:      uint16(*screenH),
		ColorDepth:   24,
		Compression:  session.CompressionRLE,
		VersionMajor: 1,
	}

	dest := *recvDir
	if dest == "" {
		dest = os.TempDir()
	}
	recv := &transfer.Receiver{DesktopDir: dest, Obs: logObserver{log}}

	var tr transport.Transport
	var closer io.Closer
	var role session.Role
	var peer session.Handshake

	switch {
	case *relayAddr != "":
		tr, closer, role, peer, err = dialViaRelay(*relayAddr, uint32(*localID), uint32(*partnerID), local, uint32(*password), st, log)
	case *connectAddr != "":
		tr, role, peer, err = dialDirect(*connectAddr, local, uint32(*password), log)
		closer = tr
	case *listenAddr != "":
		tr, role, peer, err = acceptDirect(*listenAddr, local, uint32(*password), log)
		closer = tr
	default:
		fmt.Fprintln(os.Stderr, "one of -listen, -connect, or -relay is required")
		return 1
	}
	if err != nil {
		log.Error("peer: failed to establish session", zap.Error(err))
		return 1
	}
	defer closer.Close()

	recv.Sender = tr
	handlers := session.Handlers{Transfer: recv}
	sess := session.New(tr, role, peer, handlers, log)
	log.Info("peer: session connected", zap.Stringer("role", roleString{role}),
		zap.Uint16("remote_w", sess.RemoteScreen().Width), zap.Uint16("remote_h", sess.RemoteScreen().Height))

	if *sendFile != "" {
		go func() {
			if err := transfer.SendFile(sess.Transport(), *sendFile, logObserver{log}, nil); err != nil {
				log.Warn("peer: send-file failed", zap.Error(err))
			}
		}()
	}
	if *sendFolder != "" {
		go func() {
			if err := transfer.SendFolder(sess.Transport(), *sendFolder, logObserver{log}, nil); err != nil {
				log.Warn("peer: send-folder failed", zap.Error(err))
			}
		}()
	}

	runErr := sess.Run()
	if err := st.Save(statePath()); err != nil {
		log.Warn("peer: failed to persist state", zap.Error(err))
	}
	if runErr == nil {
		log.Info("peer: session ended gracefully")
		return 0
	}
	class := reconnect.Classify(runErr)
	log.Warn("peer: session ended", zap.Error(runErr), zap.Stringer("classification", class))
	if class == reconnect.Fatal {
		return 1
	}
	return 0
}

// statePath places the peer's persisted settings file (spec §6 "Persisted
// state") in the same well-known runtime directory the relay binary uses for
// its own lock and state files.
func statePath() string {
	if dir := os.Getenv("DESKRELAY_RUNTIME_DIR"); dir != "" {
		return dir + "/peer.state"
	}
	return os.TempDir() + "/deskrelay-peer.state"
}

func acceptDirect(addr string, local session.Handshake, pw uint32, log *zap.Logger) (transport.Transport, session.Role, session.Handshake, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, 0, session.Handshake{}, deskerrors.Wrap(deskerrors.KindTransport, err, "peer: listen")
	}
	defer ln.Close()
	log.Info("peer: waiting for an incoming connection", zap.String("addr", addr))

	raw, err := ln.Accept()
	if err != nil {
		return nil, 0, session.Handshake{}, deskerrors.Wrap(deskerrors.KindTransport, err, "peer: accept")
	}
	tcp := raw.(*net.TCPConn)
	if err := transport.Configure(tcp); err != nil {
		tcp.Close()
		return nil, 0, session.Handshake{}, err
	}
	tr := transport.NewTCPTransport(tcp, 0)
	peer, err := session.PerformHandshake(tr, false, local, pw)
	if err != nil {
		tr.Close()
		return nil, 0, session.Handshake{}, err
	}
	return tr, session.RoleHost, peer, nil
}

func dialDirect(addr string, local session.Handshake, pw uint32, log *zap.Logger) (transport.Transport, session.Role, session.Handshake, error) {
	resolved := addr
	if identifier.IsToken(addr) {
		ip, port, err := identifier.Decode(addr, identifier.DefaultKey)
		if err != nil {
			return nil, 0, session.Handshake{}, err
		}
		resolved = identifier.FormatEndpoint(ip.String(), port)
	}
	log.Info("peer: dialing directly", zap.String("addr", resolved))

	// A hostname target may resolve to several addresses (e.g. dual-stack);
	// race a connect attempt against all of them instead of waiting on
	// whichever net.Dial tries first.
	tr, err := transport.DialFastTransport(context.Background(), resolved, 0)
	if err != nil {
		return nil, 0, session.Handshake{}, err
	}
	peer, err := session.PerformHandshake(tr, true, local, pw)
	if err != nil {
		tr.Close()
		return nil, 0, session.Handshake{}, err
	}
	return tr, session.RoleViewer, peer, nil
}

// dialViaRelay registers with the relay, pairs with partnerID (or waits to
// be paired by another client), and hands back a RelayTunnel Transport
// ready for the peer handshake (spec §4.5 "Pairing", §4.4 "When operating
// tunnelled").
func dialViaRelay(addr string, localID, partnerID uint32, local session.Handshake, pw uint32, st *config.State, log *zap.Logger) (transport.Transport, io.Closer, session.Role, session.Handshake, error) {
	raw, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, nil, 0, session.Handshake{}, deskerrors.Wrap(deskerrors.KindServerLost, err, "peer: dial relay")
	}
	tcp := raw.(*net.TCPConn)
	if err := transport.Configure(tcp); err != nil {
		tcp.Close()
		return nil, nil, 0, session.Handshake{}, err
	}
	rc := relayproto.NewConn(tcp, identifier.DefaultKey)

	if err := rc.WriteFrame(relayproto.MsgRegister, relayproto.EncodeRegister(localID), true); err != nil {
		rc.Close()
		return nil, nil, 0, session.Handshake{}, err
	}
	h, body, err := rc.ReadFrame()
	if err != nil || h.MsgType != relayproto.MsgRegisterResponse {
		rc.Close()
		return nil, nil, 0, session.Handshake{}, deskerrors.New(deskerrors.KindProtocol, "peer: expected REGISTER_RESPONSE")
	}
	status, _ := relayproto.DecodeStatus(body)
	if status != relayproto.StatusOK {
		rc.Close()
		return nil, nil, 0, session.Handshake{}, deskerrors.New(deskerrors.KindDuplicateID, "peer: relay rejected REGISTER")
	}
	log.Info("peer: registered with relay", zap.Uint32("client_id", localID))

	st.Client.ServerID = localID
	if host, portStr, splitErr := net.SplitHostPort(addr); splitErr == nil {
		st.Relay.IP = host
		if p, convErr := strconv.ParseUint(portStr, 10, 16); convErr == nil {
			st.Relay.Port = uint16(p)
		}
	}
	if err := st.Save(statePath()); err != nil {
		log.Warn("peer: failed to persist state", zap.Error(err))
	}

	var role session.Role
	if partnerID != 0 {
		if err := rc.WriteFrame(relayproto.MsgConnectRequest,
			relayproto.EncodeConnectRequest(relayproto.ConnectRequest{PartnerID: partnerID, Password: pw}), true); err != nil {
			rc.Close()
			return nil, nil, 0, session.Handshake{}, err
		}
		h, body, err := rc.ReadFrame()
		if err != nil || h.MsgType != relayproto.MsgConnectResponse {
			rc.Close()
			return nil, nil, 0, session.Handshake{}, deskerrors.New(deskerrors.KindProtocol, "peer: expected CONNECT_RESPONSE")
		}
		status, _ := relayproto.DecodeStatus(body)
		if status != relayproto.StatusOK {
			rc.Close()
			return nil, nil, 0, session.Handshake{}, deskerrors.New(deskerrors.KindProtocol, "peer: relay refused pairing")
		}
		role = session.RoleViewer
	} else {
		role = session.RoleHost
		log.Info("peer: waiting to be paired by another client")
	}

	pairedWith, err := waitPartnerConnected(rc)
	if err != nil {
		rc.Close()
		return nil, nil, 0, session.Handshake{}, err
	}
	st.Client.LastPartnerID = pairedWith
	if err := st.Save(statePath()); err != nil {
		log.Warn("peer: failed to persist state", zap.Error(err))
	}

	tunnel := transport.NewRelayTunnel(rc, 0)
	peer, err := session.PerformHandshake(tunnel, role == session.RoleViewer, local, pw)
	if err != nil {
		rc.Close()
		return nil, nil, 0, session.Handshake{}, err
	}
	return tunnel, rc, role, peer, nil
}

// waitPartnerConnected reads control frames until PARTNER_CONNECTED
// arrives, answering PING with PONG along the way (spec §4.5 liveness). It
// returns the partner's client id so the caller can persist it.
func waitPartnerConnected(rc *relayproto.Conn) (uint32, error) {
	for {
		h, body, err := rc.ReadFrame()
		if err != nil {
			return 0, err
		}
		switch h.MsgType {
		case relayproto.MsgPartnerConnected:
			partnerID, _ := relayproto.DecodePartnerConnected(body)
			return partnerID, nil
		case relayproto.MsgPing:
			_ = rc.WriteFrame(relayproto.MsgPong, nil, true)
		case relayproto.MsgDisconnect:
			return 0, deskerrors.New(deskerrors.KindServerLost, "peer: relay ended control link before pairing")
		}
	}
}

type roleString struct{ r session.Role }

func (r roleString) String() string {
	if r.r == session.RoleHost {
		return "host"
	}
	return "viewer"
}

// logObserver pushes transfer progress to the logger instead of a GUI
// progress bar.
type logObserver struct{ log *zap.Logger }

func (o logObserver) OnEvent(ev transfer.Event, p transfer.Progress) {
	o.log.Info("peer: transfer progress",
		zap.Int("event", int(ev)), zap.String("name", p.Name),
		zap.Int64("total", p.Total), zap.Int64("transferred", p.Transferred))
}
