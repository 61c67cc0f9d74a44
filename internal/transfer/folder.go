package transfer

import (
	"encoding/binary"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	deskerrors "deskrelay/internal/errors"
	"deskrelay/internal/session"
)

// FolderHeader is the MSG_FOLDER_START payload (spec §4.7 step 2).
type FolderHeader struct {
	FolderName   string
	TotalFiles   uint32
	TotalFolders uint32
	TotalSizeHi  uint32
	TotalSizeLo  uint32
}

func writeString(s string) []byte {
	b := []byte(s)
	buf := make([]byte, 2+len(b))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(b)))
	copy(buf[2:], b)
	return buf
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, deskerrors.New(deskerrors.KindProtocol, "transfer: truncated string field")
	}
	n := binary.LittleEndian.Uint16(b[0:2])
	if len(b) < 2+int(n) {
		return "", nil, deskerrors.New(deskerrors.KindProtocol, "transfer: truncated string field")
	}
	return string(b[2 : 2+n]), b[2+int(n):], nil
}

// EncodeFolderHeader serializes a FolderHeader.
func EncodeFolderHeader(h FolderHeader) []byte {
	buf := writeString(h.FolderName)
	tail := make([]byte, 16)
	binary.LittleEndian.PutUint32(tail[0:4], h.TotalFiles)
	binary.LittleEndian.PutUint32(tail[4:8], h.TotalFolders)
	binary.LittleEndian.PutUint32(tail[8:12], h.TotalSizeHi)
	binary.LittleEndian.PutUint32(tail[12:16], h.TotalSizeLo)
	return append(buf, tail...)
}

// DecodeFolderHeader parses a FolderHeader payload.
func DecodeFolderHeader(b []byte) (FolderHeader, error) {
	name, rest, err := readString(b)
	if err != nil {
		return FolderHeader{}, err
	}
	if len(rest) < 16 {
		return FolderHeader{}, deskerrors.New(deskerrors.KindProtocol, "transfer: short folder header")
	}
	return FolderHeader{
		FolderName:   name,
		TotalFiles:   binary.LittleEndian.Uint32(rest[0:4]),
		TotalFolders: binary.LittleEndian.Uint32(rest[4:8]),
		TotalSizeHi:  binary.LittleEndian.Uint32(rest[8:12]),
		TotalSizeLo:  binary.LittleEndian.Uint32(rest[12:16]),
	}, nil
}

// FolderEntry is one MSG_FOLDER_ENTRY payload (spec §4.7 step 3).
type FolderEntry struct {
	RelativePath string
	Attributes   uint32
	SizeHi       uint32
	SizeLo       uint32
	Mtime        uint64
}

// Size reassembles the declared 64-bit entry size.
func (e FolderEntry) Size() int64 { return int64(e.SizeHi)<<32 | int64(e.SizeLo) }

// IsDir reports whether the entry is a directory (spec §3
// "FILE_ATTRIBUTE_DIRECTORY set and zero size").
func (e FolderEntry) IsDir() bool { return e.Attributes&FileAttributeDirectory != 0 }

// EncodeFolderEntry serializes a FolderEntry.
func EncodeFolderEntry(e FolderEntry) []byte {
	buf := writeString(e.RelativePath)
	tail := make([]byte, 20)
	binary.LittleEndian.PutUint32(tail[0:4], e.Attributes)
	binary.LittleEndian.PutUint32(tail[4:8], e.SizeHi)
	binary.LittleEndian.PutUint32(tail[8:12], e.SizeLo)
	binary.LittleEndian.PutUint64(tail[12:20], e.Mtime)
	return append(buf, tail...)
}

// DecodeFolderEntry parses a FolderEntry payload.
func DecodeFolderEntry(b []byte) (FolderEntry, error) {
	path, rest, err := readString(b)
	if err != nil {
		return FolderEntry{}, err
	}
	if len(rest) < 20 {
		return FolderEntry{}, deskerrors.New(deskerrors.KindProtocol, "transfer: short folder entry")
	}
	return FolderEntry{
		RelativePath: path,
		Attributes:   binary.LittleEndian.Uint32(rest[0:4]),
		SizeHi:       binary.LittleEndian.Uint32(rest[4:8]),
		SizeLo:       binary.LittleEndian.Uint32(rest[8:12]),
		Mtime:        binary.LittleEndian.Uint64(rest[12:20]),
	}, nil
}

// walkTotals computes total size/file/folder counts (spec §4.7 step 1).
func walkTotals(root string) (totalSize int64, files, folders uint32, err error) {
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if d.IsDir() {
			folders++
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return ierr
		}
		files++
		totalSize += info.Size()
		return nil
	})
	return
}

// SendFolder implements spec §4.7 "Sending a folder": a depth-first walk
// sending FOLDER_ENTRY headers, immediately followed by each file's chunk
// stream (no per-file FILE_START/FILE_END inside a folder transfer).
func SendFolder(tr frameSender, root string, obs Observer, cancel <-chan struct{}) error {
	if obs == nil {
		obs = noopObserver{}
	}
	totalSize, files, folders, err := walkTotals(root)
	if err != nil {
		return classifyFileIO(err, "transfer: walk source folder")
	}
	if totalSize > FileSizeCap {
		return deskerrors.New(deskerrors.KindFolderTooLarge, "transfer: folder exceeds the 100 GiB cap")
	}

	name := filepath.Base(root)
	hi, lo := splitSize(totalSize)
	if err := tr.SendFrame(session.MsgFolderStart, EncodeFolderHeader(FolderHeader{
		FolderName: name, TotalFiles: files, TotalFolders: folders, TotalSizeHi: hi, TotalSizeLo: lo,
	})); err != nil {
		return err
	}
	obs.OnEvent(EventStarted, Progress{Name: name, Total: totalSize})

	var sent int64
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		select {
		case <-cancel:
			return deskerrors.New(deskerrors.KindCancelled, "transfer: folder send cancelled")
		default:
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}

		if d.IsDir() {
			return tr.SendFrame(session.MsgFolderEntry, EncodeFolderEntry(FolderEntry{
				RelativePath: rel, Attributes: FileAttributeDirectory, Mtime: uint64(info.ModTime().Unix()),
			}))
		}

		size := info.Size()
		sHi, sLo := splitSize(size)
		if err := tr.SendFrame(session.MsgFolderEntry, EncodeFolderEntry(FolderEntry{
			RelativePath: rel, SizeHi: sHi, SizeLo: sLo, Mtime: uint64(info.ModTime().Unix()),
		})); err != nil {
			return err
		}

		n, err := sendFileChunkStream(tr, path, size, cancel)
		sent += n
		if err != nil {
			return err
		}
		obs.OnEvent(EventAdvanced, Progress{Name: name, Total: totalSize, Transferred: sent})
		return nil
	})
	if walkErr != nil {
		obs.OnEvent(EventFailed, Progress{Name: name, Total: totalSize, Err: walkErr})
		return walkErr
	}

	if err := tr.SendFrame(session.MsgFolderEnd, nil); err != nil {
		return err
	}
	obs.OnEvent(EventCompleted, Progress{Name: name, Total: totalSize, Transferred: sent})
	return nil
}

// sendFileChunkStream streams one file's FILE_DATA chunks with the same
// pacing and retry rules as SendFile, but without a surrounding
// FILE_START/FILE_END (spec §4.7 step 3: "immediately send its FILE_DATA
// stream ... but without a preceding FILE_START and without per-file
// FILE_END").
func sendFileChunkStream(tr frameSender, path string, size int64, cancel <-chan struct{}) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, classifyFileIO(err, "transfer: open folder entry file")
	}
	defer f.Close()

	if size == 0 {
		return 0, nil
	}

	p := newPacer(size)
	totalChunks := int((size + DefaultChunkSize - 1) / DefaultChunkSize)
	buf := make([]byte, DefaultChunkSize)
	var sent int64

	for idx := 0; idx < totalChunks; idx++ {
		select {
		case <-cancel:
			return sent, deskerrors.New(deskerrors.KindCancelled, "transfer: folder entry send cancelled")
		default:
		}
		n, rerr := io.ReadFull(f, buf)
		if rerr != nil && rerr != io.ErrUnexpectedEOF && rerr != io.EOF {
			return sent, classifyFileIO(rerr, "transfer: read folder entry file")
		}
		chunk := append(EncodeFileChunk(FileChunk{ChunkIndex: uint32(idx), ChunkSize: uint32(n)}), buf[:n]...)
		if err := sendChunkWithRetry(tr, chunk, retriesForMode(false)); err != nil {
			return sent, err
		}
		sent += int64(n)
		p.maybeSleep(idx)
	}
	return sent, nil
}

// FolderInbound tracks a folder receive in progress (spec §4.7 "Receiving
// a folder"): it routes each FILE_DATA stream to the most recently
// announced FolderEntry, treating the arrival of the next FOLDER_ENTRY or
// FOLDER_END as the implicit end of the previous file's chunk stream
// (spec §9 open question 2).
type FolderInbound struct {
	root        string
	header      FolderHeader
	obs         Observer
	current     *os.File
	currentName string
	nextChunk   uint32
	total       int64
	written     int64
	th          throttle
}

// NewFolderInbound validates header.FolderName and creates the staging
// directory under dir (spec §4.7 "use FOLDER_START to allocate a staging
// directory at its chosen destination").
func NewFolderInbound(h FolderHeader, dir string, obs Observer) (*FolderInbound, error) {
	if obs == nil {
		obs = noopObserver{}
	}
	if strings.ContainsAny(h.FolderName, `/\`) || strings.Contains(h.FolderName, "..") {
		return nil, deskerrors.New(deskerrors.KindProtocol, "transfer: unsafe folder name in FOLDER_START")
	}
	root := filepath.Join(dir, h.FolderName)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, classifyFileIO(err, "transfer: create staging directory")
	}
	total := int64(h.TotalSizeHi)<<32 | int64(h.TotalSizeLo)
	obs.OnEvent(EventStarted, Progress{Name: h.FolderName, Total: total})
	return &FolderInbound{root: root, header: h, obs: obs, total: total}, nil
}

func (fd *FolderInbound) closeCurrent() error {
	if fd.current == nil {
		return nil
	}
	err := fd.current.Close()
	fd.current = nil
	fd.nextChunk = 0
	return classifyFileIO(err, "transfer: close folder entry file")
}

func (fd *FolderInbound) safeJoin(rel string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", deskerrors.New(deskerrors.KindProtocol, "transfer: unsafe relative path in FOLDER_ENTRY")
	}
	return filepath.Join(fd.root, cleaned), nil
}

// Entry handles one MSG_FOLDER_ENTRY frame.
func (fd *FolderInbound) Entry(payload []byte) error {
	if err := fd.closeCurrent(); err != nil {
		return err
	}
	e, err := DecodeFolderEntry(payload)
	if err != nil {
		return err
	}
	target, err := fd.safeJoin(e.RelativePath)
	if err != nil {
		return err
	}
	if e.IsDir() {
		return classifyFileIO(os.MkdirAll(target, 0o755), "transfer: create folder entry directory")
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return classifyFileIO(err, "transfer: create parent directory")
	}
	f, err := os.Create(target)
	if err != nil {
		return classifyFileIO(err, "transfer: create folder entry file")
	}
	fd.current = f
	fd.currentName = target
	return nil
}

// Data handles one MSG_FILE_DATA frame routed to the currently open entry.
func (fd *FolderInbound) Data(payload []byte) error {
	if fd.current == nil {
		return deskerrors.New(deskerrors.KindProtocol, "transfer: FILE_DATA with no open folder entry")
	}
	chunk, data, err := DecodeFileChunk(payload)
	if err != nil {
		return err
	}
	if chunk.ChunkSize > MaxChunkSize {
		return deskerrors.New(deskerrors.KindProtocol, "transfer: chunk exceeds 64 KiB ceiling")
	}
	if chunk.ChunkIndex != fd.nextChunk {
		return deskerrors.New(deskerrors.KindProtocol, "transfer: out-of-order chunk index")
	}
	n, err := fd.current.Write(data)
	if err != nil {
		return classifyFileIO(err, "transfer: write folder entry file")
	}
	fd.written += int64(n)
	fd.nextChunk++
	if fd.th.ready(time.Now()) {
		fd.obs.OnEvent(EventAdvanced, Progress{Name: fd.header.FolderName, Total: fd.total, Transferred: fd.written})
	}
	return nil
}

// Finish handles MSG_FOLDER_END.
func (fd *FolderInbound) Finish() error {
	if err := fd.closeCurrent(); err != nil {
		return err
	}
	fd.obs.OnEvent(EventCompleted, Progress{Name: fd.header.FolderName, Total: fd.total, Transferred: fd.written})
	return nil
}

// Cancel closes any open entry file and removes the whole staging
// directory.
func (fd *FolderInbound) Cancel() {
	if fd.current != nil {
		fd.current.Close()
	}
	os.RemoveAll(fd.root)
	fd.obs.OnEvent(EventCancelled, Progress{Name: fd.header.FolderName, Total: fd.total, Transferred: fd.written})
}
