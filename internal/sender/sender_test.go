package sender_test

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orsync/orsync/internal/flist"
	"github.com/orsync/orsync/internal/sender"
	"github.com/orsync/orsync/internal/session"
	"github.com/orsync/orsync/internal/wire"
)

func newSess(in, out *bytes.Buffer) *session.Session {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return session.New(&session.Options{Sender: true}, wire.NewConn(in, out, log), log)
}

func TestRunRejectsOutOfRangeIndex(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("data"), 0o644))

	var in, out bytes.Buffer
	feed := wire.NewConn(&in, &in, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, feed.WriteInt(9)) // only one file listed

	err := sender.Run(newSess(&in, &out), []string{filepath.Join(dir, "f")})
	assert.ErrorIs(t, err, wire.ErrProtocol)
}

func TestRunEmitsListThenServesNothing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("data"), 0o644))

	// Script the receiver side: end both phases, then say goodbye
	// after the statistics.
	var in, out bytes.Buffer
	feed := wire.NewConn(&in, &in, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, feed.WriteInt(-1))
	require.NoError(t, feed.WriteInt(-1))
	require.NoError(t, feed.WriteInt(-1))

	sess := newSess(&in, &out)
	require.NoError(t, sender.Run(sess, []string{filepath.Join(dir, "f")}))

	// The output must start with a decodable file list naming "f".
	rlog := slog.New(slog.NewTextHandler(io.Discard, nil))
	rsess := session.New(&session.Options{}, wire.NewConn(&out, io.Discard, rlog), rlog)
	fl, err := flist.Recv(rsess)
	require.NoError(t, err)
	require.Len(t, fl, 1)
	assert.Equal(t, "f", fl[0].Wpath)
	assert.Equal(t, int64(4), fl[0].Size)

	ioerrs, err := rsess.Conn.ReadInt()
	require.NoError(t, err)
	assert.Zero(t, ioerrs)
}
