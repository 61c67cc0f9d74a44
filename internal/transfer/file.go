package transfer

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	deskerrors "deskrelay/internal/errors"
	"deskrelay/internal/session"
)

// DefaultChunkSize and FileSizeCap are variables, not constants: the
// configuration record (spec §9 "chunk_size"/"file_size_cap") overrides
// them once at process startup, before any transfer runs.
var (
	// DefaultChunkSize is the chunk this implementation sends (spec §3
	// "default chunk is 32 KiB").
	DefaultChunkSize int64 = 32 * 1024
	// FileSizeCap is the per-file/per-folder ceiling (spec §4.7: "> 100
	// GiB" fails with FileTooLarge/FolderTooLarge).
	FileSizeCap int64 = 100 * 1024 * 1024 * 1024
)

const (
	// MaxChunkSize is the hard ceiling a receiver enforces (spec §3
	// "chunk payload MUST be <= 64 KiB").
	MaxChunkSize = 64 * 1024

	fileNameFieldSize = 260

	// FileAttributeDirectory mirrors the Win32 attribute bit spec §3
	// reuses for FolderEntry ("a directory entry has
	// FILE_ATTRIBUTE_DIRECTORY set").
	FileAttributeDirectory uint32 = 0x10
)

// FileHeader is the MSG_FILE_START payload (spec §3).
type FileHeader struct {
	Name        string
	SizeHi      uint32
	SizeLo      uint32
	FileCount   uint32
	TotalChunks uint32
}

// Size reassembles the 64-bit declared size from SizeHi/SizeLo.
func (h FileHeader) Size() int64 {
	return int64(h.SizeHi)<<32 | int64(h.SizeLo)
}

func splitSize(size int64) (hi, lo uint32) {
	return uint32(size >> 32), uint32(size)
}

const fileHeaderSize = fileNameFieldSize + 4 + 4 + 4 + 4

// EncodeFileHeader serializes a FileHeader; Name is truncated/padded to
// the fixed 260-byte field (spec §3 FileHeader.name[260]).
func EncodeFileHeader(h FileHeader) []byte {
	buf := make([]byte, fileHeaderSize)
	nameBytes := []byte(h.Name)
	if len(nameBytes) > fileNameFieldSize-1 {
		nameBytes = nameBytes[:fileNameFieldSize-1]
	}
	copy(buf[0:fileNameFieldSize], nameBytes)
	off := fileNameFieldSize
	binary.LittleEndian.PutUint32(buf[off:off+4], h.SizeHi)
	binary.LittleEndian.PutUint32(buf[off+4:off+8], h.SizeLo)
	binary.LittleEndian.PutUint32(buf[off+8:off+12], h.FileCount)
	binary.LittleEndian.PutUint32(buf[off+12:off+16], h.TotalChunks)
	return buf
}

// DecodeFileHeader parses a FileHeader payload.
func DecodeFileHeader(b []byte) (FileHeader, error) {
	if len(b) < fileHeaderSize {
		return FileHeader{}, deskerrors.New(deskerrors.KindProtocol, "transfer: short file header")
	}
	nameEnd := 0
	for nameEnd < fileNameFieldSize && b[nameEnd] != 0 {
		nameEnd++
	}
	off := fileNameFieldSize
	return FileHeader{
		Name:        string(b[0:nameEnd]),
		SizeHi:      binary.LittleEndian.Uint32(b[off : off+4]),
		SizeLo:      binary.LittleEndian.Uint32(b[off+4 : off+8]),
		FileCount:   binary.LittleEndian.Uint32(b[off+8 : off+12]),
		TotalChunks: binary.LittleEndian.Uint32(b[off+12 : off+16]),
	}, nil
}

// FileChunk is the MSG_FILE_DATA header preceding chunk bytes.
type FileChunk struct {
	ChunkIndex uint32
	ChunkSize  uint32
}

const fileChunkHeaderSize = 4 + 4

// EncodeFileChunk serializes a FileChunk header; the caller appends the
// chunk's payload bytes.
func EncodeFileChunk(c FileChunk) []byte {
	buf := make([]byte, fileChunkHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], c.ChunkIndex)
	binary.LittleEndian.PutUint32(buf[4:8], c.ChunkSize)
	return buf
}

// DecodeFileChunk parses a FileChunk header, returning the remaining bytes
// as the chunk payload.
func DecodeFileChunk(b []byte) (FileChunk, []byte, error) {
	if len(b) < fileChunkHeaderSize {
		return FileChunk{}, nil, deskerrors.New(deskerrors.KindProtocol, "transfer: short file chunk header")
	}
	c := FileChunk{
		ChunkIndex: binary.LittleEndian.Uint32(b[0:4]),
		ChunkSize:  binary.LittleEndian.Uint32(b[4:8]),
	}
	rest := b[fileChunkHeaderSize:]
	if uint32(len(rest)) < c.ChunkSize {
		return FileChunk{}, nil, deskerrors.New(deskerrors.KindProtocol, "transfer: file chunk data truncated")
	}
	return c, rest[:c.ChunkSize], nil
}

// frameSender is the minimal contract file/folder sending needs; callers
// pass Session.Transport() (any transport.Transport satisfies it) or an
// equivalent wrapper. A *session.Session itself does not satisfy it.
type frameSender interface {
	SendFrame(msgType uint8, payload []byte) error
}

// SendFile implements spec §4.7 "Sending a file" over tr. cancel is polled
// between chunks (spec §5 "Cancellation is cooperative").
func SendFile(tr frameSender, path string, obs Observer, cancel <-chan struct{}) error {
	if obs == nil {
		obs = noopObserver{}
	}
	f, err := os.Open(path)
	if err != nil {
		return classifyFileIO(err, "transfer: open source file")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return classifyFileIO(err, "transfer: stat source file")
	}
	size := info.Size()
	if size == 0 {
		return deskerrors.New(deskerrors.KindFileIO, "transfer: refusing to send an empty file")
	}
	if size > FileSizeCap {
		return deskerrors.New(deskerrors.KindFileTooLarge, "transfer: file exceeds the 100 GiB cap")
	}

	name := filepath.Base(path)
	totalChunks := uint32((size + DefaultChunkSize - 1) / DefaultChunkSize)
	hi, lo := splitSize(size)

	if err := tr.SendFrame(session.MsgFileStart, EncodeFileHeader(FileHeader{
		Name: name, SizeHi: hi, SizeLo: lo, FileCount: 1, TotalChunks: totalChunks,
	})); err != nil {
		return err
	}

	obs.OnEvent(EventStarted, Progress{Name: name, Total: size})

	p := newPacer(size)
	var sent int64
	var th throttle
	buf := make([]byte, DefaultChunkSize)

	for idx := uint32(0); idx < totalChunks; idx++ {
		select {
		case <-cancel:
			obs.OnEvent(EventCancelled, Progress{Name: name, Total: size, Transferred: sent})
			return deskerrors.New(deskerrors.KindCancelled, "transfer: send cancelled")
		default:
		}

		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			obs.OnEvent(EventFailed, Progress{Name: name, Total: size, Err: err})
			return classifyFileIO(err, "transfer: read source file")
		}

		chunk := append(EncodeFileChunk(FileChunk{ChunkIndex: idx, ChunkSize: uint32(n)}), buf[:n]...)
		if err := sendChunkWithRetry(tr, chunk, retriesForMode(false)); err != nil {
			obs.OnEvent(EventFailed, Progress{Name: name, Total: size, Err: err})
			return err
		}

		sent += int64(n)
		if th.ready(time.Now()) || idx == totalChunks-1 {
			obs.OnEvent(EventAdvanced, Progress{Name: name, Total: size, Transferred: sent})
		}
		p.maybeSleep(int(idx))
	}

	time.Sleep(p.quiescence())
	if err := tr.SendFrame(session.MsgFileEnd, nil); err != nil {
		return err
	}
	obs.OnEvent(EventCompleted, Progress{Name: name, Total: size, Transferred: sent})
	return nil
}

// retriesForMode returns the retry ceiling of spec §4.7 step 4c: 3 for the
// async (worker-thread) path, 5 for the sync (inline) path.
func retriesForMode(sync bool) int {
	if sync {
		return 5
	}
	return 3
}

// sendChunkWithRetry retries a transient send failure with the backoff
// spec §4.7 step 4c specifies: 100*attempt ms.
func sendChunkWithRetry(tr frameSender, chunk []byte, maxRetries int) error {
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := tr.SendFrame(session.MsgFileData, chunk); err != nil {
			lastErr = err
			time.Sleep(time.Duration(100*attempt) * time.Millisecond)
			continue
		}
		return nil
	}
	return deskerrors.Wrap(deskerrors.KindTransport, lastErr, "transfer: chunk send exhausted retries")
}

// FileInbound tracks a single file receive in progress (spec §3
// "FileInbound"). It is created on MSG_FILE_START and destroyed on
// MSG_FILE_END or cancellation.
type FileInbound struct {
	header       FileHeader
	f            *os.File
	path         string
	nextChunk    uint32
	bytesWritten int64
	obs          Observer
	th           throttle
}

// destDir picks the destination folder: explicit folder, else captured
// folder, else desktop, else the root of the filesystem (the path
// separator alone, e.g. "/").
func destDir(explicit, captured, desktop string) string {
	for _, d := range []string{explicit, captured, desktop} {
		if d != "" {
			return d
		}
	}
	return string(filepath.Separator)
}

// NewFileInbound validates name and opens the destination file (spec
// §4.7 "Receiving a file" step 1).
func NewFileInbound(h FileHeader, explicitDir, capturedDir, desktopDir string, obs Observer) (*FileInbound, error) {
	if obs == nil {
		obs = noopObserver{}
	}
	if strings.ContainsAny(h.Name, `/\`) || strings.Contains(h.Name, "..") {
		return nil, deskerrors.New(deskerrors.KindProtocol, "transfer: unsafe file name in FILE_START")
	}
	dir := destDir(explicitDir, capturedDir, desktopDir)
	path := filepath.Join(dir, h.Name)

	f, err := os.Create(path)
	if err != nil {
		return nil, classifyFileIO(err, "transfer: create destination file")
	}

	obs.OnEvent(EventStarted, Progress{Name: h.Name, Total: h.Size()})
	return &FileInbound{header: h, f: f, path: path, obs: obs}, nil
}

// Write handles one MSG_FILE_DATA frame (spec §4.7 "Receiving a file"
// step 2): chunk_index must be strictly increasing, chunk_size bounded by
// MaxChunkSize, and the OS buffer is flushed every 32 chunks.
func (fi *FileInbound) Write(payload []byte) error {
	chunk, data, err := DecodeFileChunk(payload)
	if err != nil {
		return err
	}
	if chunk.ChunkSize > MaxChunkSize {
		return deskerrors.New(deskerrors.KindProtocol, "transfer: chunk exceeds 64 KiB ceiling")
	}
	if chunk.ChunkIndex != fi.nextChunk {
		return deskerrors.New(deskerrors.KindProtocol, "transfer: out-of-order chunk index")
	}
	n, err := fi.f.Write(data)
	if err != nil {
		return classifyFileIO(err, "transfer: write destination file")
	}
	fi.bytesWritten += int64(n)
	fi.nextChunk++
	if fi.nextChunk%32 == 0 {
		_ = fi.f.Sync()
	}
	if fi.th.ready(time.Now()) {
		fi.obs.OnEvent(EventAdvanced, Progress{Name: fi.header.Name, Total: fi.header.Size(), Transferred: fi.bytesWritten})
	}
	return nil
}

// Finish closes the destination file on MSG_FILE_END (spec §4.7 step 3).
func (fi *FileInbound) Finish() error {
	if err := fi.f.Close(); err != nil {
		return classifyFileIO(err, "transfer: close destination file")
	}
	fi.obs.OnEvent(EventCompleted, Progress{Name: fi.header.Name, Total: fi.header.Size(), Transferred: fi.bytesWritten})
	return nil
}

// Cancel closes the destination file and removes the partial (spec §3
// "the partially written target file is removed on cancel").
func (fi *FileInbound) Cancel() {
	fi.f.Close()
	os.Remove(fi.path)
	fi.obs.OnEvent(EventCancelled, Progress{Name: fi.header.Name, Total: fi.header.Size(), Transferred: fi.bytesWritten})
}
