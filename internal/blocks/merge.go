package blocks

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/orsync/orsync/internal/csum"
	"github.com/orsync/orsync/internal/session"
	"github.com/orsync/orsync/internal/wire"
)

// ErrMerge marks a per-file reconstruction failure: a token referencing
// a block the set does not have, an unreadable basis range, or a
// whole-file digest mismatch. The token stream stays in sync, so the
// transfer continues with the next file.
var ErrMerge = errors.New("merge failed")

// MergeResult totals one file's reconstruction.
type MergeResult struct {
	Literal int64
	Matched int64
	Size    int64
	Digest  [csum.PhaseTwoLength]byte
}

// Merge reads the token stream for one file and writes the rebuilt
// contents to out, pulling referenced blocks from basis. A nil basis is
// legal as long as no match token arrives. Errors wrapping ErrMerge
// leave the stream positioned at the next file; any other error is
// fatal to the session.
func Merge(sess *session.Session, s *Set, basis io.ReaderAt, out io.Writer) (MergeResult, error) {
	var (
		res      MergeResult
		mergeErr error
		buf      = make([]byte, MaxChunk)
		blkBuf   []byte // sized to the block length on first use
		digest   = csum.NewDigest(sess.Seed)
	)

	for {
		tok, err := sess.Conn.ReadInt()
		if err != nil {
			return res, fmt.Errorf("token: %w", err)
		}

		switch {
		case tok == 0:
			var want [csum.PhaseTwoLength]byte
			if err := sess.Conn.ReadBuf(want[:]); err != nil {
				return res, fmt.Errorf("file digest: %w", err)
			}
			if mergeErr != nil {
				return res, mergeErr
			}
			res.Digest = digest.Sum()
			if !bytes.Equal(want[:], res.Digest[:]) {
				return res, fmt.Errorf("whole-file digest mismatch: %w", ErrMerge)
			}
			return res, nil

		case tok > 0:
			if tok > MaxChunk {
				return res, fmt.Errorf("literal run of %d bytes: %w", tok, wire.ErrProtocol)
			}
			p := buf[:tok]
			if err := sess.Conn.ReadBuf(p); err != nil {
				return res, fmt.Errorf("literal run: %w", err)
			}
			if mergeErr != nil {
				continue
			}
			if err := writeChunk(out, digest, p); err != nil {
				mergeErr = err
				continue
			}
			res.Literal += int64(tok)
			res.Size += int64(tok)

		default:
			idx := -tok - 1
			if mergeErr != nil {
				continue
			}
			if int(idx) >= len(s.Blocks) {
				sess.Log.Error("token references unknown block", "index", idx, "blocks", len(s.Blocks))
				mergeErr = fmt.Errorf("block index %d out of range: %w", idx, ErrMerge)
				continue
			}
			b := &s.Blocks[idx]
			if blkBuf == nil {
				blkBuf = make([]byte, s.Len)
			}
			p := blkBuf[:b.Len]
			if basis == nil {
				mergeErr = fmt.Errorf("match token without basis file: %w", ErrMerge)
				continue
			}
			if n, err := basis.ReadAt(p, b.Offs); err != nil && !(n == len(p) && errors.Is(err, io.EOF)) {
				mergeErr = fmt.Errorf("basis read at %d: %w: %w", b.Offs, err, ErrMerge)
				continue
			}
			if err := writeChunk(out, digest, p); err != nil {
				mergeErr = err
				continue
			}
			res.Matched += b.Len
			res.Size += b.Len
		}
	}
}

func writeChunk(out io.Writer, digest *csum.Digest, p []byte) error {
	if _, err := out.Write(p); err != nil {
		return fmt.Errorf("write: %w: %w", err, ErrMerge)
	}
	digest.Write(p)
	return nil
}
