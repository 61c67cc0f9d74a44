package session

import (
	"sync"

	"go.uber.org/zap"

	deskerrors "deskrelay/internal/errors"
	"deskrelay/internal/transport"
)

// Role is which end of a session a Session plays (spec §3 "PeerSession").
type Role int

const (
	RoleHost Role = iota
	RoleViewer
)

// State is PS's lifecycle (spec §4.6 "State").
type State int

const (
	StateIdle State = iota
	StateHandshakeSent
	StateHandshakeAckWait
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshakeSent:
		return "handshake_sent"
	case StateHandshakeAckWait:
		return "handshake_ack_wait"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TransferHandler dispatches the file/folder sub-protocol messages (spec
// §4.7); internal/transfer implements this against a Session's Transport.
type TransferHandler interface {
	HandleFileStart(payload []byte) error
	HandleFileData(payload []byte) error
	HandleFileEnd() error
	HandleFolderStart(payload []byte) error
	HandleFolderEntry(payload []byte) error
	HandleFolderEnd() error
	HandleFileReq() error
}

type noopTransfer struct{}

func (noopTransfer) HandleFileStart([]byte) error   { return nil }
func (noopTransfer) HandleFileData([]byte) error    { return nil }
func (noopTransfer) HandleFileEnd() error            { return nil }
func (noopTransfer) HandleFolderStart([]byte) error { return nil }
func (noopTransfer) HandleFolderEntry([]byte) error { return nil }
func (noopTransfer) HandleFolderEnd() error          { return nil }
func (noopTransfer) HandleFileReq() error            { return nil }

// Handlers bundles the external collaborators a Session dispatches to.
// Any left nil get a no-op default, so a viewer-only or host-only
// harness doesn't need to stub every interface.
type Handlers struct {
	Codec     ScreenCodec
	FB        Framebuffer
	Input     InputSynthesizer
	Clipboard ClipboardSink
	Transfer  TransferHandler
}

// RemoteScreen is the peer's advertised screen size, fixed at handshake
// time (spec §4.6 "Screen dimensions from the ACK become the viewer-side
// remote_screen").
type RemoteScreen struct {
	Width, Height uint16
}

// Session is PS: the state machine and dispatch loop over one Transport,
// direct or tunnelled (spec §4.6). The caller is responsible for running
// Run in its own goroutine; Session does not manage its own concurrency
// beyond the single logical writer the Transport already enforces.
type Session struct {
	tr   transport.Transport
	role Role
	log  *zap.Logger

	mu           sync.Mutex
	state        State
	remoteScreen RemoteScreen

	handlers Handlers

	fullFrameRequested bool
}

// New builds a Session around an already-handshaken Transport. peer is the
// Handshake this side received during the handshake exchange.
func New(tr transport.Transport, role Role, peer Handshake, handlers Handlers, log *zap.Logger) *Session {
	if handlers.Input == nil {
		handlers.Input = noopInput{}
	}
	if handlers.Clipboard == nil {
		handlers.Clipboard = noopClipboard{}
	}
	if handlers.Transfer == nil {
		handlers.Transfer = noopTransfer{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		tr:           tr,
		role:         role,
		log:          log,
		state:        StateConnected,
		remoteScreen: RemoteScreen{Width: peer.ScreenW, Height: peer.ScreenH},
		handlers:     handlers,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RemoteScreen returns the peer's advertised screen size.
func (s *Session) RemoteScreen() RemoteScreen {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteScreen
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the dispatch loop until a terminal condition: DISCONNECT,
// transport error, or protocol error (spec §4.6 "State": "Terminal on any
// protocol error, transport error, or DISCONNECT"). The returned error is
// one of the taxonomy Kinds in internal/errors; callers (normally the
// reconnect supervisor) classify it with deskerrors.Classify.
func (s *Session) Run() error {
	for {
		hdr, payload, err := s.tr.RecvFrame()
		if err != nil {
			s.setState(StateClosed)
			return err
		}
		if err := s.dispatch(hdr.MsgType, payload); err != nil {
			s.setState(StateClosed)
			return err
		}
		if s.State() == StateClosed {
			return nil
		}
	}
}

func (s *Session) dispatch(msgType uint8, payload []byte) error {
	switch msgType {
	case MsgScreenUpdate:
		return s.onScreenUpdate(payload)
	case MsgFullScreenReq:
		s.fullFrameRequested = true
		if s.handlers.FB != nil {
			s.handlers.FB.Clear()
		}
		return nil
	case MsgMouseEvent:
		ev, err := DecodeMouseEvent(payload)
		if err != nil {
			return err
		}
		s.handlers.Input.Mouse(ev)
		return nil
	case MsgKeyboardEvent:
		ev, err := DecodeKeyEvent(payload)
		if err != nil {
			return err
		}
		s.handlers.Input.Key(ev)
		return nil
	case MsgClipboardText:
		cp, err := DecodeClipboard(payload)
		if err != nil {
			return err
		}
		s.handlers.Clipboard.SetText(cp.Data)
		return nil
	case MsgClipboardFiles:
		cp, err := DecodeClipboard(payload)
		if err != nil {
			return err
		}
		s.handlers.Clipboard.SetFilePaths(DecodeFilePaths(cp.Data))
		return nil
	case MsgFileStart:
		return s.handlers.Transfer.HandleFileStart(payload)
	case MsgFileData:
		return s.handlers.Transfer.HandleFileData(payload)
	case MsgFileEnd:
		return s.handlers.Transfer.HandleFileEnd()
	case MsgFolderStart:
		return s.handlers.Transfer.HandleFolderStart(payload)
	case MsgFolderEntry:
		return s.handlers.Transfer.HandleFolderEntry(payload)
	case MsgFolderEnd:
		return s.handlers.Transfer.HandleFolderEnd()
	case MsgFileReq:
		return s.handlers.Transfer.HandleFileReq()
	case MsgFileNone:
		s.log.Debug("session: host has no clipboard files to send")
		return nil
	case MsgPing:
		return s.tr.SendFrame(MsgPong, nil)
	case MsgPong:
		return nil
	case MsgDisconnect:
		s.setState(StateClosed)
		return nil
	default:
		s.log.Debug("session: ignoring unknown message type", zap.Uint8("type", msgType))
		return nil
	}
}

func (s *Session) onScreenUpdate(payload []byte) error {
	rect, data, err := DecodeScreenRect(payload)
	if err != nil {
		return err
	}
	if s.handlers.Codec == nil || s.handlers.FB == nil {
		return nil
	}
	return applyScreenRect(s.handlers.Codec, s.handlers.FB, rect, data)
}

// RequestFullScreen asks the host to invalidate its diff buffer so the
// next update is a full-screen refresh (spec §4.6 FULL_SCREEN_REQ).
func (s *Session) RequestFullScreen() error {
	return s.tr.SendFrame(MsgFullScreenReq, nil)
}

// SendMouse forwards a locally-captured mouse event to the host.
func (s *Session) SendMouse(ev MouseEvent) error {
	return s.tr.SendFrame(MsgMouseEvent, EncodeMouseEvent(ev))
}

// SendKey forwards a locally-captured key event to the host.
func (s *Session) SendKey(ev KeyEvent) error {
	return s.tr.SendFrame(MsgKeyboardEvent, EncodeKeyEvent(ev))
}

// SendScreenUpdate emits one already-encoded ScreenRect (host side); the
// pixel encoding itself is produced by the external ScreenCodec.
func (s *Session) SendScreenUpdate(rect ScreenRect, encoded []byte) error {
	payload := append(EncodeScreenRect(rect), encoded...)
	return s.tr.SendFrame(MsgScreenUpdate, payload)
}

// SendClipboardText pushes local clipboard text to the peer.
func (s *Session) SendClipboardText(text []byte) error {
	return s.tr.SendFrame(MsgClipboardText, EncodeClipboard(ClipboardPayload{Data: text}))
}

// SendClipboardFiles pushes a local clipboard file-path list to the peer.
func (s *Session) SendClipboardFiles(paths []string) error {
	return s.tr.SendFrame(MsgClipboardFiles, EncodeClipboard(ClipboardPayload{IsFile: true, Data: EncodeFilePaths(paths)}))
}

// Transport exposes the underlying Transport so FT can send file/folder
// sub-protocol frames through the same single logical writer (spec §5
// "single logical writer at a time").
func (s *Session) Transport() transport.Transport { return s.tr }

// Disconnect sends MSG_DISCONNECT and transitions to Closing; it does not
// close the Transport (spec §5: ownership rules are the caller's).
func (s *Session) Disconnect() error {
	s.setState(StateClosing)
	if err := s.tr.SendFrame(MsgDisconnect, nil); err != nil {
		return deskerrors.Wrap(deskerrors.KindTransport, err, "session: send disconnect")
	}
	s.setState(StateClosed)
	return nil
}
