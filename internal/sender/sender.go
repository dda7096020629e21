// Package sender drives the source side of a transfer: it owns the
// authoritative file list and answers the receiver's per-file requests
// with token streams.
package sender

import (
	"fmt"
	"os"

	"github.com/orsync/orsync/internal/blocks"
	"github.com/orsync/orsync/internal/flist"
	"github.com/orsync/orsync/internal/session"
	"github.com/orsync/orsync/internal/wire"
)

// Run executes the sender state machine over an established session:
// list out, then serve {index, block set} → token stream until the
// receiver has ended both phases, then the closing statistics.
func Run(sess *session.Session, files []string) error {
	fl, err := flist.Gen(sess, files)
	if err != nil {
		return fmt.Errorf("generate file list: %w", err)
	}
	sess.Stats.AddFilesListed(int64(len(fl)))

	var totalSize int64
	for i := range fl {
		if fl[i].IsReg() {
			totalSize += fl[i].Size
		}
	}
	sess.Stats.SetTotalSize(totalSize)

	if err := flist.Send(sess, fl); err != nil {
		return fmt.Errorf("send file list: %w", err)
	}
	// Trailing I/O error count for the list build; list generation
	// failures abort above, so this is always zero here.
	if err := sess.Conn.WriteInt(0); err != nil {
		return fmt.Errorf("send io error count: %w", err)
	}

	phase := 0
	for phase < 2 {
		idx, err := sess.Conn.ReadInt()
		if err != nil {
			return fmt.Errorf("read file index: %w", err)
		}
		if idx == -1 {
			// End of one request phase; echo and move on.
			if err := sess.Conn.WriteInt(-1); err != nil {
				return fmt.Errorf("acknowledge phase end: %w", err)
			}
			phase++
			sess.Log.Debug("phase complete", "phase", phase)
			continue
		}
		if idx < 0 || int(idx) >= len(fl) {
			return fmt.Errorf("file index %d out of range: %w", idx, wire.ErrProtocol)
		}
		f := &fl[idx]
		if !f.IsReg() {
			return fmt.Errorf("request for non-regular file %q: %w", f.Wpath, wire.ErrProtocol)
		}

		if err := serveFile(sess, f, idx); err != nil {
			return err
		}
	}

	if err := sess.SendStats(totalSize); err != nil {
		return err
	}

	// The receiver's goodbye drains the stream before close.
	bye, err := sess.Conn.ReadInt()
	if err != nil {
		return fmt.Errorf("read goodbye: %w", err)
	}
	if bye != -1 {
		return fmt.Errorf("unexpected goodbye %d: %w", bye, wire.ErrProtocol)
	}
	return nil
}

// serveFile answers one request: decode the receiver's block set, echo
// the index, and emit the token stream for the current file contents.
func serveFile(sess *session.Session, f *flist.Entry, idx int32) error {
	set, err := blocks.Recv(sess)
	if err != nil {
		return fmt.Errorf("%s: receive block set: %w", f.Wpath, err)
	}

	// The source is re-read at request time so the freshest bytes win.
	src, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("%s: read source: %w", f.Wpath, err)
	}

	if err := sess.Conn.WriteInt(idx); err != nil {
		return fmt.Errorf("%s: echo index: %w", f.Wpath, err)
	}
	res, err := blocks.Match(sess, set, src)
	if err != nil {
		return fmt.Errorf("%s: emit delta: %w", f.Wpath, err)
	}
	sess.Stats.AddFilesXfer(1)
	sess.Log.Info("sent file",
		"path", f.Wpath, "literal", res.Literal, "matched", res.Matched)
	return nil
}
