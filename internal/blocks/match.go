package blocks

import (
	"bytes"
	"fmt"

	"github.com/orsync/orsync/internal/csum"
	"github.com/orsync/orsync/internal/session"
)

// Result totals one file's token stream from the sender's side.
type Result struct {
	Literal int64
	Matched int64
}

// index maps the low 16 bits of a weak checksum to the blocks carrying
// it, in ascending index order so collisions resolve to the earliest
// block.
type index map[uint16][]int32

func buildIndex(s *Set) index {
	idx := make(index, len(s.Blocks))
	for i := range s.Blocks {
		key := uint16(s.Blocks[i].Weak)
		idx[key] = append(idx[key], s.Blocks[i].Idx)
	}
	return idx
}

// Match scans src against the peer's block set and writes the token
// stream: literal runs, block references, then the zero terminator and
// the whole-file digest. The scan is greedy: the earliest offset wins,
// and among candidate blocks the lowest index wins.
func Match(sess *session.Session, s *Set, src []byte) (Result, error) {
	var res Result
	c := sess.Conn
	size := int64(len(src))

	flush := func(from, to int64) error {
		for from < to {
			n := to - from
			if n > MaxChunk {
				n = MaxChunk
			}
			if err := c.WriteInt(int32(n)); err != nil {
				return fmt.Errorf("literal token: %w", err)
			}
			if err := c.WriteBuf(src[from : from+n]); err != nil {
				return fmt.Errorf("literal run: %w", err)
			}
			res.Literal += n
			from += n
		}
		return nil
	}

	if len(s.Blocks) == 0 {
		if err := flush(0, size); err != nil {
			return res, err
		}
		return res, finish(sess, src, &res)
	}

	idx := buildIndex(s)

	var (
		last int64 // start of the pending literal run
		offs int64
		sum  uint32
		have int64 = -1 // window length sum currently covers, -1 = stale
	)

	for offs < size {
		k := s.Len
		if size-offs < k {
			k = size - offs
		}
		if k != have {
			sum = csum.Weak(src[offs : offs+k])
			have = k
		}

		if blk := findBlock(s, idx, src, offs, k, sum, sess.Seed); blk != nil {
			if err := flush(last, offs); err != nil {
				return res, err
			}
			sess.Log.Debug("matched block", "index", blk.Idx, "offset", offs, "len", blk.Len)
			if err := c.WriteInt(-(blk.Idx + 1)); err != nil {
				return res, fmt.Errorf("match token: %w", err)
			}
			res.Matched += blk.Len
			offs += blk.Len
			last = offs
			have = -1
			continue
		}

		// No match here: the window slides one byte. Rolling only
		// works while a full-length window fits; near EOF the window
		// shrinks and is recomputed.
		if offs+k < size {
			sum = csum.WeakRoll(sum, src[offs], src[offs+k], int(k))
		} else {
			have = -1
		}
		offs++
	}

	if err := flush(last, size); err != nil {
		return res, err
	}
	return res, finish(sess, src, &res)
}

// finish sends the end-of-file token and the whole-file digest.
func finish(sess *session.Session, src []byte, res *Result) error {
	if err := sess.Conn.WriteInt(0); err != nil {
		return fmt.Errorf("end token: %w", err)
	}
	digest := csum.FileDigest(src, sess.Seed)
	if err := sess.Conn.WriteBuf(digest[:]); err != nil {
		return fmt.Errorf("file digest: %w", err)
	}
	sess.Stats.AddLiteralBytes(res.Literal)
	sess.Stats.AddMatchedBytes(res.Matched)
	return nil
}

// findBlock probes the index for a block matching the window of length
// k at offs. The strong digest is computed at most once per position.
func findBlock(s *Set, idx index, src []byte, offs, k int64, sum uint32, seed int32) *Block {
	candidates, ok := idx[uint16(sum)]
	if !ok {
		return nil
	}
	var (
		strong     [csum.PhaseTwoLength]byte
		haveStrong bool
	)
	for _, bi := range candidates {
		b := &s.Blocks[bi]
		if b.Weak != sum || b.Len != k {
			continue
		}
		if !haveStrong {
			strong = csum.Strong(src[offs:offs+k], seed)
			haveStrong = true
		}
		if bytes.Equal(b.Strong[:s.Csum], strong[:s.Csum]) {
			return b
		}
	}
	return nil
}
