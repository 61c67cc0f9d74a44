package transfer

import (
	deskerrors "deskrelay/internal/errors"
	"deskrelay/internal/session"
)

// ClipboardFileSource supplies the paths currently on the host's clipboard
// for the MSG_FILE_REQ flow (spec §4.6: "host must send the files
// currently listed in its clipboard back to the viewer. If none, host
// replies FILE_NONE").
type ClipboardFileSource interface {
	ClipboardFilePaths() []string
}

// Receiver implements session.TransferHandler, routing FILE_*/FOLDER_*
// frames to at most one active FileInbound or FolderInbound (spec
// invariant 5: "at most one FT is active per session").
type Receiver struct {
	ExplicitDir, CapturedDir, DesktopDir string
	Obs                                  Observer
	Clipboard                            ClipboardFileSource
	Sender                               frameSender

	file   *FileInbound
	folder *FolderInbound
}

var _ session.TransferHandler = (*Receiver)(nil)

func (r *Receiver) HandleFileStart(payload []byte) error {
	if r.file != nil || r.folder != nil {
		return deskerrors.New(deskerrors.KindProtocol, "transfer: FILE_START while another transfer is active")
	}
	h, err := DecodeFileHeader(payload)
	if err != nil {
		return err
	}
	fi, err := NewFileInbound(h, r.ExplicitDir, r.CapturedDir, r.DesktopDir, r.Obs)
	if err != nil {
		return err
	}
	r.file = fi
	return nil
}

func (r *Receiver) HandleFileData(payload []byte) error {
	switch {
	case r.file != nil:
		return r.file.Write(payload)
	case r.folder != nil:
		return r.folder.Data(payload)
	default:
		return deskerrors.New(deskerrors.KindProtocol, "transfer: FILE_DATA with no active transfer")
	}
}

func (r *Receiver) HandleFileEnd() error {
	if r.file == nil {
		return deskerrors.New(deskerrors.KindProtocol, "transfer: FILE_END with no active file")
	}
	err := r.file.Finish()
	r.file = nil
	return err
}

func (r *Receiver) HandleFolderStart(payload []byte) error {
	if r.file != nil || r.folder != nil {
		return deskerrors.New(deskerrors.KindProtocol, "transfer: FOLDER_START while another transfer is active")
	}
	h, err := DecodeFolderHeader(payload)
	if err != nil {
		return err
	}
	dir := destDir(r.ExplicitDir, r.CapturedDir, r.DesktopDir)
	fd, err := NewFolderInbound(h, dir, r.Obs)
	if err != nil {
		return err
	}
	r.folder = fd
	return nil
}

func (r *Receiver) HandleFolderEntry(payload []byte) error {
	if r.folder == nil {
		return deskerrors.New(deskerrors.KindProtocol, "transfer: FOLDER_ENTRY with no active folder")
	}
	return r.folder.Entry(payload)
}

func (r *Receiver) HandleFolderEnd() error {
	if r.folder == nil {
		return deskerrors.New(deskerrors.KindProtocol, "transfer: FOLDER_END with no active folder")
	}
	err := r.folder.Finish()
	r.folder = nil
	return err
}

// HandleFileReq answers a viewer's MSG_FILE_REQ by sending every file
// currently on the host's clipboard, or MSG_FILE_NONE if there are none.
func (r *Receiver) HandleFileReq() error {
	var paths []string
	if r.Clipboard != nil {
		paths = r.Clipboard.ClipboardFilePaths()
	}
	if len(paths) == 0 {
		return r.Sender.SendFrame(session.MsgFileNone, nil)
	}
	for _, p := range paths {
		if err := SendFile(r.Sender, p, r.Obs, nil); err != nil {
			return err
		}
	}
	return nil
}

// Cancel aborts whichever transfer is currently active, if any.
func (r *Receiver) Cancel() {
	if r.file != nil {
		r.file.Cancel()
		r.file = nil
	}
	if r.folder != nil {
		r.folder.Cancel()
		r.folder = nil
	}
}
