package csum

import (
	"encoding/binary"
	"hash"

	"golang.org/x/crypto/md4" //nolint:staticcheck // SA1019: MD4 is mandated by the wire protocol
)

// Strong computes the per-block confirmation digest:
// MD4(le32(seed) || buf). The seed leads so a peer cannot precompute
// block digests across sessions.
func Strong(buf []byte, seed int32) [PhaseTwoLength]byte {
	h := md4.New()
	writeSeed(h, seed)
	h.Write(buf)
	var d [PhaseTwoLength]byte
	h.Sum(d[:0])
	return d
}

// FileDigest computes the whole-file verification digest:
// MD4(buf || le32(seed)). The seed trails here; the asymmetry with
// Strong is part of the protocol and must not be "fixed".
func FileDigest(buf []byte, seed int32) [PhaseTwoLength]byte {
	d := NewDigest(seed)
	d.Write(buf)
	return d.Sum()
}

// Digest incrementally computes a whole-file verification digest, for
// callers that produce the file in pieces.
type Digest struct {
	h    hash.Hash
	seed int32
}

// NewDigest returns a Digest keyed by seed.
func NewDigest(seed int32) *Digest {
	return &Digest{h: md4.New(), seed: seed}
}

// Write adds p to the digest. It never fails.
func (d *Digest) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

// Sum finalizes the digest by appending the trailing seed. The Digest
// must not be written to afterward.
func (d *Digest) Sum() [PhaseTwoLength]byte {
	writeSeed(d.h, d.seed)
	var out [PhaseTwoLength]byte
	d.h.Sum(out[:0])
	return out
}

func writeSeed(h hash.Hash, seed int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(seed))
	h.Write(b[:])
}
