package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// longMarker escapes a 64-bit value: an int32 of all ones followed by
// the real value as a little-endian int64.
var longMarker = uint32(0xffffffff)

// ReadByte reads a single payload byte.
func (c *Conn) ReadByte() (byte, error) {
	var b [1]byte
	if err := c.ReadBuf(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// WriteByte writes a single payload byte.
func (c *Conn) WriteByte(b byte) error {
	return c.WriteBuf([]byte{b})
}

// ReadInt reads a little-endian signed 32-bit integer.
func (c *Conn) ReadInt() (int32, error) {
	var b [4]byte
	if err := c.ReadBuf(b[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b[:])), nil
}

// WriteInt writes a little-endian signed 32-bit integer.
func (c *Conn) WriteInt(v int32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return c.WriteBuf(b[:])
}

// ReadLong reads a signed 64-bit integer: the 32-bit form unless the
// escape marker announces a full 8-byte value.
func (c *Conn) ReadLong() (int64, error) {
	v, err := c.ReadInt()
	if err != nil {
		return 0, err
	}
	if uint32(v) != longMarker {
		return int64(v), nil
	}
	var b [8]byte
	if err := c.ReadBuf(b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

// WriteLong writes a signed 64-bit integer, using the short 32-bit form
// when the value fits in 31 bits.
func (c *Conn) WriteLong(v int64) error {
	if v >= 0 && v <= math.MaxInt32 {
		return c.WriteInt(int32(v))
	}
	if err := c.WriteInt(int32(longMarker)); err != nil {
		return err
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return c.WriteBuf(b[:])
}

// ReadSize reads a non-negative length. Negative values are a protocol
// error, never a request to allocate.
func (c *Conn) ReadSize() (int, error) {
	v, err := c.ReadInt()
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size %d: %w", v, ErrProtocol)
	}
	return int(v), nil
}

// ReadLine reads up to and including a newline, returning the line with
// the newline stripped. Used only by the plaintext daemon greeting,
// before any framing is active.
func (c *Conn) ReadLine(max int) (string, error) {
	var buf bytes.Buffer
	for buf.Len() < max {
		b, err := c.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			return buf.String(), nil
		}
		buf.WriteByte(b)
	}
	return "", fmt.Errorf("line exceeds %d bytes: %w", max, ErrProtocol)
}

// WriteLine writes s followed by a newline.
func (c *Conn) WriteLine(s string) error {
	return c.WriteBuf(append([]byte(s), '\n'))
}
