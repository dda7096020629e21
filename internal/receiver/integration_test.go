package receiver_test

import (
	"io"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orsync/orsync/internal/receiver"
	"github.com/orsync/orsync/internal/sender"
	"github.com/orsync/orsync/internal/session"
	"github.com/orsync/orsync/internal/transport"
	"github.com/orsync/orsync/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runTransfer connects a sender and a receiver over kernel pipes, the
// way the local mode does, and runs one full session.
func runTransfer(t *testing.T, opts session.Options, sources []string, sink string) (snd, rcv *session.Session) {
	t.Helper()

	sEnd, rEnd, err := transport.LocalPair()
	require.NoError(t, err)
	defer sEnd.Close()
	defer rEnd.Close()

	sendOpts := opts
	sendOpts.Sender = true
	snd = session.New(&sendOpts, wire.NewConn(sEnd.R, sEnd.W, discardLogger()), discardLogger())

	recvOpts := opts
	recvOpts.Sender = false
	rcv = session.New(&recvOpts, wire.NewConn(rEnd.R, rEnd.W, discardLogger()), discardLogger())

	errCh := make(chan error, 1)
	go func() {
		if err := snd.Handshake(); err != nil {
			errCh <- err
			return
		}
		errCh <- sender.Run(snd, sources)
	}()

	recvErr := rcv.Handshake()
	if recvErr == nil {
		recvErr = receiver.Run(rcv, sink)
	}
	if recvErr != nil {
		// Unblock the sender goroutine before failing the test.
		sEnd.Close()
		rEnd.Close()
	}
	sndErr := <-errCh
	require.NoError(t, recvErr)
	require.NoError(t, sndErr)
	return snd, rcv
}

func buildTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for path, contents := range files {
		full := filepath.Join(root, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(contents), 0o644))
	}
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		require.NoError(t, err)
		if d.Type().IsRegular() {
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			rel, err := filepath.Rel(root, path)
			require.NoError(t, err)
			out[rel] = string(data)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestTransferIntoEmptySink(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	buildTree(t, src, map[string]string{"a": "hello\n", "b/c": "world\n"})

	_, rcv := runTransfer(t,
		session.Options{Recursive: true}, []string{src + "/"}, dst)

	assert.Equal(t, map[string]string{"a": "hello\n", "b/c": "world\n"}, readTree(t, dst))
	snap := rcv.Stats.Snapshot()
	assert.Equal(t, int64(12), snap.LiteralBytes)
	assert.Zero(t, snap.MatchedBytes)
	assert.Equal(t, int64(12), snap.TotalSize)
}

func TestTransferIdenticalTreesIsAllMatches(t *testing.T) {
	t.Parallel()

	contents := ""
	for range 1000 {
		contents += "0123456789"
	}
	src := t.TempDir()
	dst := t.TempDir()
	buildTree(t, src, map[string]string{"a": contents})
	buildTree(t, dst, map[string]string{"a": contents})

	_, rcv := runTransfer(t,
		session.Options{Recursive: true}, []string{src + "/"}, dst)

	snap := rcv.Stats.Snapshot()
	assert.Zero(t, snap.LiteralBytes)
	assert.Equal(t, int64(len(contents)), snap.MatchedBytes)
	assert.Equal(t, contents, readTree(t, dst)["a"])
}

func TestTransferChangedPrefix(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(5, 5))
	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(rng.UintN(256))
	}

	src := t.TempDir()
	dst := t.TempDir()
	buildTree(t, src, map[string]string{"a": "BBBB" + string(payload)})
	buildTree(t, dst, map[string]string{"a": "AAAA" + string(payload)})

	_, rcv := runTransfer(t,
		session.Options{Recursive: true}, []string{src + "/"}, dst)

	// The changed prefix occupies basis block 0, so exactly that one
	// block travels as literal and the rest rides on matches.
	snap := rcv.Stats.Snapshot()
	assert.Equal(t, int64(700), snap.LiteralBytes)
	assert.Equal(t, "BBBB"+string(payload), readTree(t, dst)["a"])
}

func TestTransferDeleteExtraneous(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	dst := t.TempDir()
	buildTree(t, src, map[string]string{"keep": "k"})
	buildTree(t, dst, map[string]string{"keep": "old", "x": "extra"})

	_, rcv := runTransfer(t,
		session.Options{Recursive: true, Delete: true}, []string{src + "/"}, dst)

	assert.Equal(t, map[string]string{"keep": "k"}, readTree(t, dst))
	assert.NoFileExists(t, filepath.Join(dst, "x"))
	assert.Equal(t, int64(1), rcv.Stats.Snapshot().FilesDeleted)
}

func TestTransferSymlink(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	buildTree(t, src, map[string]string{"target": "data"})
	require.NoError(t, os.Symlink("../target", filepath.Join(src, "link")))

	runTransfer(t,
		session.Options{Recursive: true, PreserveLinks: true}, []string{src + "/"}, dst)

	got, err := os.Readlink(filepath.Join(dst, "link"))
	require.NoError(t, err)
	assert.Equal(t, "../target", got)
}

func TestTransferNonRecursiveSingleFile(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	buildTree(t, src, map[string]string{"f.txt": "contents\n"})

	runTransfer(t,
		session.Options{}, []string{filepath.Join(src, "f.txt")}, dst)

	assert.Equal(t, map[string]string{"f.txt": "contents\n"}, readTree(t, dst))
}

func TestTransferPreservesMetadata(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	buildTree(t, src, map[string]string{"f": "x"})
	require.NoError(t, os.Chmod(filepath.Join(src, "f"), 0o751))

	runTransfer(t,
		session.Options{Recursive: true, PreserveTimes: true, PreservePerms: true},
		[]string{src + "/"}, dst)

	srcSt, err := os.Stat(filepath.Join(src, "f"))
	require.NoError(t, err)
	dstSt, err := os.Stat(filepath.Join(dst, "f"))
	require.NoError(t, err)
	assert.Equal(t, srcSt.Mode().Perm(), dstSt.Mode().Perm())
	assert.Equal(t, srcSt.ModTime().Unix(), dstSt.ModTime().Unix())
}

func inodeOf(t *testing.T, path string) uint64 {
	t.Helper()
	st, err := os.Stat(path)
	require.NoError(t, err)
	sys, ok := st.Sys().(*syscall.Stat_t)
	require.True(t, ok)
	return sys.Ino
}

func TestTransferIdempotent(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	buildTree(t, src, map[string]string{"a": "stable contents\n", "b/c": "more\n"})

	opts := session.Options{Recursive: true, PreserveTimes: true}
	runTransfer(t, opts, []string{src + "/"}, dst)
	ino := inodeOf(t, filepath.Join(dst, "a"))

	_, rcv := runTransfer(t, opts, []string{src + "/"}, dst)
	snap := rcv.Stats.Snapshot()
	assert.Zero(t, snap.LiteralBytes, "second run must send no literals")
	assert.Zero(t, snap.FilesXfer)
	assert.Equal(t, int64(2), snap.FilesUpToDate)

	// No rename happened: the destination keeps its inode.
	assert.Equal(t, ino, inodeOf(t, filepath.Join(dst, "a")))
}

func TestTransferDryRun(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	buildTree(t, src, map[string]string{"a": "hello\n", "b/c": "world\n"})

	dryDst := filepath.Join(t.TempDir(), "out")
	_, dryRcv := runTransfer(t,
		session.Options{Recursive: true, DryRun: true}, []string{src + "/"}, dryDst)
	assert.NoDirExists(t, dryDst)

	realDst := filepath.Join(t.TempDir(), "out")
	_, realRcv := runTransfer(t,
		session.Options{Recursive: true}, []string{src + "/"}, realDst)

	// Same trees, same wire traffic: the dry run consumed and produced
	// exactly the bytes of the real one.
	assert.Equal(t, realRcv.Conn.Nread(), dryRcv.Conn.Nread())
	assert.Equal(t, realRcv.Conn.Nwritten(), dryRcv.Conn.Nwritten())
}

func TestTransferUpdatesChangedFile(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	dst := t.TempDir()
	buildTree(t, src, map[string]string{"f": "new contents that differ"})
	buildTree(t, dst, map[string]string{"f": "old contents"})

	runTransfer(t, session.Options{Recursive: true}, []string{src + "/"}, dst)
	assert.Equal(t, "new contents that differ", readTree(t, dst)["f"])
}

func TestTransferManyFiles(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(21, 34))
	files := map[string]string{}
	for i := range 40 {
		size := int(rng.UintN(3000))
		buf := make([]byte, size)
		for j := range buf {
			buf[j] = byte(rng.UintN(256))
		}
		files[filepath.Join("d", string(rune('a'+i%26))+"-"+string(rune('0'+i/26)))] = string(buf)
	}

	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "out")
	buildTree(t, src, files)

	runTransfer(t, session.Options{Recursive: true}, []string{src + "/"}, dst)
	assert.Equal(t, files, readTree(t, dst))
}
