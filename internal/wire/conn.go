// Package wire implements the byte-level transport of the protocol:
// blocking and non-blocking descriptor I/O, the multiplex framing layer
// that lets out-of-band log lines share the stream with payload, and the
// typed little-endian codec built on top.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrProtocol marks wire-level violations: short reads, malformed
// lengths, unknown channels, version trouble. Errors wrapping it are
// fatal to the session and map to the protocol exit code.
var ErrProtocol = errors.New("protocol error")

const (
	// mplexBase is added to the multiplex channel number in the top
	// byte of a frame tag. Channel 7 (base + 0) carries payload.
	mplexBase = 7

	// Out-of-band channel codes.
	codeData    = 0
	codeErrXfer = 1
	codeInfo    = 2
	codeError   = 3
	codeWarning = 4

	// maxFrameBody is the largest payload one frame can describe: the
	// tag reserves only 24 bits for the length.
	maxFrameBody = 1<<24 - 1

	// maxLogFrame bounds out-of-band frames; anything larger is a
	// corrupt stream, not a log line.
	maxLogFrame = 1024
)

// Conn is one direction-pair of the session: a reader and a writer,
// usually the two ends of a pipe to the peer process. All protocol I/O
// goes through it so that multiplex state and byte accounting stay in
// one place. Conn is not safe for concurrent use; the protocol is
// strictly sequential within a role.
type Conn struct {
	rd  io.Reader
	wr  io.Writer
	log *slog.Logger

	mplexReads bool
	readRemain uint32

	mplexWrites bool

	nread    int64
	nwritten int64
}

// NewConn wraps a reader/writer pair. The logger receives decoded
// out-of-band log frames from the peer.
func NewConn(rd io.Reader, wr io.Writer, log *slog.Logger) *Conn {
	return &Conn{rd: rd, wr: wr, log: log}
}

// StartMplexReads switches the read side into multiplex decoding. Bytes
// already buffered in the kernel are unaffected; the next read consumes
// a frame tag.
func (c *Conn) StartMplexReads() { c.mplexReads = true }

// StartMplexWrites switches the write side into multiplex encoding:
// every subsequent write is wrapped in payload frames.
func (c *Conn) StartMplexWrites() { c.mplexWrites = true }

// SetBWLimit throttles writes to bytesPerSec using a token bucket.
// Must be called before any write.
func (c *Conn) SetBWLimit(bytesPerSec int64) {
	if bytesPerSec > 0 {
		c.wr = newRateLimitedWriter(c.wr, bytesPerSec)
	}
}

// Nread reports payload and framing bytes consumed so far.
func (c *Conn) Nread() int64 { return c.nread }

// Nwritten reports payload and framing bytes emitted so far.
func (c *Conn) Nwritten() int64 { return c.nwritten }

// readBlocking fills p entirely or fails. A short read is a protocol
// error: the peer never closes the stream mid-message.
func (c *Conn) readBlocking(p []byte) error {
	n, err := io.ReadFull(c.rd, p)
	c.nread += int64(n)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("read %d of %d bytes: unexpected EOF: %w", n, len(p), ErrProtocol)
		}
		return fmt.Errorf("read: %w", err)
	}
	return nil
}

// ReadNonblocking reads whatever is immediately available, up to
// len(p), without sleeping. Only supported when the reader is a real
// descriptor; returns 0 when nothing is pending.
func (c *Conn) ReadNonblocking(p []byte) (int, error) {
	f, ok := c.rd.(*os.File)
	if !ok {
		return 0, errors.New("non-blocking read requires a descriptor")
	}
	ready, err := readable(f)
	if err != nil || !ready {
		return 0, err
	}
	n, err := unix.Read(int(f.Fd()), p)
	if n > 0 {
		c.nread += int64(n)
	}
	if err != nil {
		return n, fmt.Errorf("read: %w", err)
	}
	return n, nil
}

func readable(f *os.File) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(f.Fd()), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, fmt.Errorf("poll: %w", err)
	}
	return n == 1 && fds[0].Revents&unix.POLLIN != 0, nil
}

// fillFrame ensures the current payload frame has bytes remaining,
// consuming and re-logging any out-of-band frames on the way.
func (c *Conn) fillFrame() error {
	for c.readRemain == 0 {
		var tag [4]byte
		if err := c.readBlocking(tag[:]); err != nil {
			return fmt.Errorf("frame tag: %w", err)
		}
		v := binary.LittleEndian.Uint32(tag[:])
		channel := v >> 24
		length := v & maxFrameBody

		if channel == mplexBase+codeData {
			c.readRemain = length
			return nil
		}
		if err := c.readLogFrame(channel, length); err != nil {
			return err
		}
	}
	return nil
}

// readLogFrame consumes one out-of-band frame and re-emits it through
// the local logger, preserving payload stream position.
func (c *Conn) readLogFrame(channel, length uint32) error {
	if channel < mplexBase || channel > mplexBase+codeWarning {
		return fmt.Errorf("unknown multiplex channel %d: %w", channel, ErrProtocol)
	}
	if length > maxLogFrame {
		return fmt.Errorf("multiplex log frame of %d bytes: %w", length, ErrProtocol)
	}
	buf := make([]byte, length)
	if err := c.readBlocking(buf); err != nil {
		return fmt.Errorf("log frame: %w", err)
	}
	msg := strings.TrimRight(string(buf), "\n")
	switch channel - mplexBase {
	case codeInfo:
		c.log.Info(msg, "origin", "remote")
	case codeWarning:
		c.log.Warn(msg, "origin", "remote")
	default: // codeErrXfer, codeError
		c.log.Error(msg, "origin", "remote")
	}
	return nil
}

// DrainLog consumes any out-of-band frames already queued on the
// descriptor without blocking on an idle stream. Callers use this
// between protocol steps, when the peer can have written only log
// frames.
func (c *Conn) DrainLog() error {
	f, ok := c.rd.(*os.File)
	if !ok || !c.mplexReads {
		return nil
	}
	for c.readRemain == 0 {
		ready, err := readable(f)
		if err != nil || !ready {
			return err
		}
		if err := c.fillOneFrame(); err != nil {
			return err
		}
	}
	return nil
}

// fillOneFrame reads exactly one frame tag; a payload tag parks its
// length in readRemain for the next ReadBuf.
func (c *Conn) fillOneFrame() error {
	var tag [4]byte
	if err := c.readBlocking(tag[:]); err != nil {
		return fmt.Errorf("frame tag: %w", err)
	}
	v := binary.LittleEndian.Uint32(tag[:])
	channel := v >> 24
	length := v & maxFrameBody
	if channel == mplexBase+codeData {
		c.readRemain = length
		return nil
	}
	return c.readLogFrame(channel, length)
}

// ReadBuf fills p from the payload stream, decoding frames as needed.
func (c *Conn) ReadBuf(p []byte) error {
	if !c.mplexReads {
		return c.readBlocking(p)
	}
	for len(p) > 0 {
		if err := c.fillFrame(); err != nil {
			return err
		}
		n := len(p)
		if uint32(n) > c.readRemain {
			n = int(c.readRemain)
		}
		if err := c.readBlocking(p[:n]); err != nil {
			return err
		}
		c.readRemain -= uint32(n)
		p = p[n:]
	}
	return nil
}

func (c *Conn) writeBlocking(p []byte) error {
	n, err := c.wr.Write(p)
	c.nwritten += int64(n)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// WriteBuf emits p on the payload stream, wrapping it in channel-7
// frames when multiplex writes are enabled. Frame boundaries carry no
// meaning: a logical message may span frames and a frame may span
// messages.
func (c *Conn) WriteBuf(p []byte) error {
	if !c.mplexWrites {
		return c.writeBlocking(p)
	}
	for len(p) > 0 {
		n := len(p)
		if n > maxFrameBody {
			n = maxFrameBody
		}
		// Tag and body go out in one write so small tokens do not
		// turn into two syscalls.
		frame := make([]byte, 4+n)
		binary.LittleEndian.PutUint32(frame[:4], uint32(mplexBase+codeData)<<24|uint32(n))
		copy(frame[4:], p[:n])
		if err := c.writeBlocking(frame); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// WriteLog sends an out-of-band log line to the peer on the info
// channel. Only meaningful once multiplex writes are on; before that the
// line is dropped.
func (c *Conn) WriteLog(msg string) error {
	if !c.mplexWrites {
		return nil
	}
	body := []byte(msg + "\n")
	if len(body) > maxLogFrame {
		body = body[:maxLogFrame]
	}
	frame := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(frame[:4], uint32(mplexBase+codeInfo)<<24|uint32(len(body)))
	copy(frame[4:], body)
	return c.writeBlocking(frame)
}
