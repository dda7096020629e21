package session_test

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orsync/orsync/internal/session"
	"github.com/orsync/orsync/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pipePair returns two connected Conns, as if sender and receiver sat
// on opposite ends of a duplex stream.
func pipePair(t *testing.T) (a, b *wire.Conn) {
	t.Helper()

	ar, bw, err := os.Pipe()
	require.NoError(t, err)
	br, aw, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		ar.Close()
		aw.Close()
		br.Close()
		bw.Close()
	})
	return wire.NewConn(ar, aw, discardLogger()), wire.NewConn(br, bw, discardLogger())
}

func TestHandshake(t *testing.T) {
	t.Parallel()

	sc, rc := pipePair(t)
	snd := session.New(&session.Options{Sender: true}, sc, discardLogger())
	rcv := session.New(&session.Options{}, rc, discardLogger())

	errCh := make(chan error, 1)
	go func() { errCh <- snd.Handshake() }()
	require.NoError(t, rcv.Handshake())
	require.NoError(t, <-errCh)

	assert.Equal(t, int32(session.ProtocolVersion), snd.Rver)
	assert.Equal(t, int32(session.ProtocolVersion), rcv.Rver)
	assert.Equal(t, snd.Seed, rcv.Seed)
}

func TestHandshakeRejectsOldPeer(t *testing.T) {
	t.Parallel()

	var in, out bytes.Buffer
	c := wire.NewConn(&in, &out, discardLogger())
	require.NoError(t, wire.NewConn(&in, &in, discardLogger()).WriteInt(26))

	s := session.New(&session.Options{}, c, discardLogger())
	err := s.Handshake()
	assert.ErrorIs(t, err, wire.ErrProtocol)
}

func TestStatsExchange(t *testing.T) {
	t.Parallel()

	sc, rc := pipePair(t)
	snd := session.New(&session.Options{Sender: true}, sc, discardLogger())
	rcv := session.New(&session.Options{}, rc, discardLogger())

	errCh := make(chan error, 1)
	go func() { errCh <- snd.Handshake() }()
	require.NoError(t, rcv.Handshake())
	require.NoError(t, <-errCh)

	go func() { errCh <- snd.SendStats(1 << 33) }()
	_, _, total, err := rcv.RecvStats()
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Equal(t, int64(1<<33), total)
}
