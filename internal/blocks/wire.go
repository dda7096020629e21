package blocks

import (
	"fmt"

	"github.com/orsync/orsync/internal/csum"
	"github.com/orsync/orsync/internal/session"
	"github.com/orsync/orsync/internal/wire"
)

// Send serialises a block set: the four header ints, then each block's
// weak checksum and truncated strong digest in index order. The empty
// set goes out as an all-zero header.
func Send(sess *session.Session, s *Set) error {
	c := sess.Conn
	if err := c.WriteInt(int32(len(s.Blocks))); err != nil {
		return fmt.Errorf("block count: %w", err)
	}
	if err := c.WriteInt(int32(s.Len)); err != nil {
		return fmt.Errorf("block length: %w", err)
	}
	csumLen := int32(s.Csum)
	if len(s.Blocks) == 0 {
		csumLen = 0
	}
	if err := c.WriteInt(csumLen); err != nil {
		return fmt.Errorf("checksum length: %w", err)
	}
	if err := c.WriteInt(int32(s.Rem)); err != nil {
		return fmt.Errorf("remainder: %w", err)
	}
	for i := range s.Blocks {
		b := &s.Blocks[i]
		if err := c.WriteInt(int32(b.Weak)); err != nil {
			return fmt.Errorf("block %d weak checksum: %w", i, err)
		}
		if err := c.WriteBuf(b.Strong[:s.Csum]); err != nil {
			return fmt.Errorf("block %d strong checksum: %w", i, err)
		}
	}
	return nil
}

// Recv decodes a block set, reconstructing offsets and lengths from the
// header. The empty form (all header fields zero) is legal and means
// the peer has no basis.
func Recv(sess *session.Session) (*Set, error) {
	c := sess.Conn
	count, err := c.ReadSize()
	if err != nil {
		return nil, fmt.Errorf("block count: %w", err)
	}
	blen, err := c.ReadSize()
	if err != nil {
		return nil, fmt.Errorf("block length: %w", err)
	}
	csumLen, err := c.ReadSize()
	if err != nil {
		return nil, fmt.Errorf("checksum length: %w", err)
	}
	rem, err := c.ReadSize()
	if err != nil {
		return nil, fmt.Errorf("remainder: %w", err)
	}

	if count == 0 {
		if blen != 0 || csumLen != 0 || rem != 0 {
			return nil, fmt.Errorf("empty block set with non-zero header: %w", wire.ErrProtocol)
		}
		return &Set{Csum: csum.PhaseTwoLength}, nil
	}
	if blen == 0 {
		return nil, fmt.Errorf("zero block length: %w", wire.ErrProtocol)
	}
	if csumLen < csum.PhaseOneLength || csumLen > csum.PhaseTwoLength {
		return nil, fmt.Errorf("checksum length %d out of range: %w", csumLen, wire.ErrProtocol)
	}
	if int64(rem) >= int64(blen) {
		return nil, fmt.Errorf("remainder %d not shorter than block length %d: %w",
			rem, blen, wire.ErrProtocol)
	}

	s := &Set{
		Len:    int64(blen),
		Rem:    int64(rem),
		Csum:   csumLen,
		Blocks: make([]Block, count),
	}
	for i := range s.Blocks {
		b := &s.Blocks[i]
		w, err := c.ReadInt()
		if err != nil {
			return nil, fmt.Errorf("block %d weak checksum: %w", i, err)
		}
		if err := c.ReadBuf(b.Strong[:csumLen]); err != nil {
			return nil, fmt.Errorf("block %d strong checksum: %w", i, err)
		}
		b.Weak = uint32(w)
		b.Idx = int32(i)
		b.Offs = int64(i) * s.Len
		b.Len = s.Len
		if i == count-1 && s.Rem > 0 {
			b.Len = s.Rem
		}
	}
	s.Size = int64(count-1)*s.Len + s.Blocks[count-1].Len
	sess.Log.Debug("received block set",
		"blocks", count, "len", s.Len, "rem", s.Rem, "size", s.Size)
	return s, nil
}
