package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"deskrelay/internal/session"
)

// fakeSender records every frame sent through it and can replay it into a
// Receiver, standing in for a real Transport for these unit tests.
type fakeSender struct {
	frames []sentFrame
}

type sentFrame struct {
	msgType uint8
	payload []byte
}

func (s *fakeSender) SendFrame(msgType uint8, payload []byte) error {
	cp := append([]byte(nil), payload...)
	s.frames = append(s.frames, sentFrame{msgType, cp})
	return nil
}

func (s *fakeSender) replayInto(t *testing.T, r *Receiver) {
	t.Helper()
	for _, f := range s.frames {
		var err error
		switch f.msgType {
		case session.MsgFileStart:
			err = r.HandleFileStart(f.payload)
		case session.MsgFileData:
			err = r.HandleFileData(f.payload)
		case session.MsgFileEnd:
			err = r.HandleFileEnd()
		case session.MsgFolderStart:
			err = r.HandleFolderStart(f.payload)
		case session.MsgFolderEntry:
			err = r.HandleFolderEntry(f.payload)
		case session.MsgFolderEnd:
			err = r.HandleFolderEnd()
		}
		require.NoError(t, err)
	}
}

func TestFileSizeConservation(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	content := make([]byte, DefaultChunkSize*3+1234)
	for i := range content {
		content[i] = byte(i)
	}
	srcPath := filepath.Join(srcDir, "payload.bin")
	require.NoError(t, os.WriteFile(srcPath, content, 0o644))

	sender := &fakeSender{}
	require.NoError(t, SendFile(sender, srcPath, nil, nil))

	r := &Receiver{ExplicitDir: dstDir}
	sender.replayInto(t, r)

	got, err := os.ReadFile(filepath.Join(dstDir, "payload.bin"))
	require.NoError(t, err)
	require.Equal(t, len(content), len(got))
	require.Equal(t, content, got)
}

func TestChunkMonotonicityRejectsOutOfOrder(t *testing.T) {
	dstDir := t.TempDir()
	r := &Receiver{ExplicitDir: dstDir}

	require.NoError(t, r.HandleFileStart(EncodeFileHeader(FileHeader{Name: "f.bin", SizeLo: 100, TotalChunks: 2})))
	require.NoError(t, r.HandleFileData(append(EncodeFileChunk(FileChunk{ChunkIndex: 0, ChunkSize: 4}), []byte("abcd")...)))
	err := r.HandleFileData(append(EncodeFileChunk(FileChunk{ChunkIndex: 2, ChunkSize: 4}), []byte("efgh")...))
	require.Error(t, err)
}

func TestCancelDeletesPartialFile(t *testing.T) {
	dstDir := t.TempDir()
	r := &Receiver{ExplicitDir: dstDir}

	require.NoError(t, r.HandleFileStart(EncodeFileHeader(FileHeader{Name: "partial.bin", SizeLo: 100, TotalChunks: 2})))
	require.NoError(t, r.HandleFileData(append(EncodeFileChunk(FileChunk{ChunkIndex: 0, ChunkSize: 4}), []byte("abcd")...)))

	r.Cancel()

	_, err := os.Stat(filepath.Join(dstDir, "partial.bin"))
	require.True(t, os.IsNotExist(err))
}

func TestFolderRoundTrip(t *testing.T) {
	srcRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "a.txt"), []byte("0123456789"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(srcRoot, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "sub", "b.txt"), []byte("0123456789012345678901234567890123456789"), 0o644))

	sender := &fakeSender{}
	require.NoError(t, SendFolder(sender, srcRoot, nil, nil))

	dstDir := t.TempDir()
	r := &Receiver{ExplicitDir: dstDir}
	sender.replayInto(t, r)

	folderName := filepath.Base(srcRoot)
	gotA, err := os.ReadFile(filepath.Join(dstDir, folderName, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "0123456789", string(gotA))

	gotB, err := os.ReadFile(filepath.Join(dstDir, folderName, "sub", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "0123456789012345678901234567890123456789", string(gotB))
}
