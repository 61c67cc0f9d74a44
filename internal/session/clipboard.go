package session

import (
	"bytes"
	"encoding/binary"
)

// ClipboardSink is the external OS clipboard collaborator (spec §1
// non-goals: OS clipboard integration is out of core scope). File-form
// payloads are path lists only; file content arrives separately via the
// FILE_REQ flow (spec §4.6).
type ClipboardSink interface {
	SetText(text []byte)
	SetFilePaths(paths []string)
}

type noopClipboard struct{}

func (noopClipboard) SetText([]byte)       {}
func (noopClipboard) SetFilePaths([]string) {}

// EncodeFilePaths serializes a clipboard file-list payload: a 32-bit count
// followed by null-terminated paths (spec §3 ClipboardPayload).
func EncodeFilePaths(paths []string) []byte {
	var buf bytes.Buffer
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(paths)))
	buf.Write(countBuf[:])
	for _, p := range paths {
		buf.WriteString(p)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// DecodeFilePaths parses a clipboard file-list payload back into paths.
func DecodeFilePaths(data []byte) []string {
	if len(data) < 4 {
		return nil
	}
	count := binary.LittleEndian.Uint32(data[0:4])
	rest := data[4:]
	paths := make([]string, 0, count)
	for i := uint32(0); i < count && len(rest) > 0; i++ {
		idx := bytes.IndexByte(rest, 0)
		if idx < 0 {
			break
		}
		paths = append(paths, string(rest[:idx]))
		rest = rest[idx+1:]
	}
	return paths
}
