// Package session holds the state shared by one end-to-end transfer:
// options, the negotiated protocol versions, the checksum seed, and the
// wire connection with its multiplex lifecycle.
package session

import (
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/orsync/orsync/internal/stats"
	"github.com/orsync/orsync/internal/wire"
)

// ProtocolVersion is the one protocol revision this implementation
// speaks. Peers announcing anything older are refused.
const ProtocolVersion = 27

// Options is the flat flag record recognized by the core.
type Options struct {
	Sender        bool // --sender: this process is the source side
	Server        bool // --server: spawned by a remote client
	Recursive     bool // -r
	Verbose       int  // -v, repeatable, 0..4
	DryRun        bool // -n
	PreserveTimes bool // -t
	PreservePerms bool // -p
	PreserveLinks bool // -l
	Delete        bool // --delete
	RsyncPath     string
	BWLimit       int64 // bytes per second, 0 = unlimited
}

// Session spans a single transfer between two peers.
type Session struct {
	Opts  *Options
	Conn  *wire.Conn
	Log   *slog.Logger
	Stats *stats.Collector

	Seed int32
	Lver int32
	Rver int32
}

// New builds a Session around an established connection.
func New(opts *Options, conn *wire.Conn, log *slog.Logger) *Session {
	if opts.BWLimit > 0 {
		conn.SetBWLimit(opts.BWLimit)
	}
	return &Session{
		Opts:  opts,
		Conn:  conn,
		Log:   log,
		Stats: stats.NewCollector(),
		Lver:  ProtocolVersion,
	}
}

// Handshake runs the version and seed exchange and flips on the
// multiplex layer: the sender multiplexes what it writes, the receiver
// decodes what it reads. Both sides write their version before reading
// the peer's, so neither blocks the other.
func (s *Session) Handshake() error {
	if err := s.Conn.WriteInt(s.Lver); err != nil {
		return fmt.Errorf("send version: %w", err)
	}
	rver, err := s.Conn.ReadInt()
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	s.Rver = rver
	if rver < ProtocolVersion {
		return fmt.Errorf("remote protocol %d older than %d: %w",
			rver, ProtocolVersion, wire.ErrProtocol)
	}
	s.Log.Debug("version exchange complete", "local", s.Lver, "remote", s.Rver)

	if s.Opts.Sender {
		s.Seed = rand.Int32()
		if err := s.Conn.WriteInt(s.Seed); err != nil {
			return fmt.Errorf("send seed: %w", err)
		}
		s.Conn.StartMplexWrites()
	} else {
		seed, err := s.Conn.ReadInt()
		if err != nil {
			return fmt.Errorf("read seed: %w", err)
		}
		s.Seed = seed
		s.Conn.StartMplexReads()
	}
	s.Log.Debug("handshake complete", "seed", s.Seed)
	return nil
}

// SendStats emits the end-of-transfer accounting: bytes read, bytes
// written, and the total size of the listed files. Sender side only.
func (s *Session) SendStats(totalSize int64) error {
	nread := s.Conn.Nread()
	nwritten := s.Conn.Nwritten()
	if err := s.Conn.WriteLong(nread); err != nil {
		return fmt.Errorf("send read count: %w", err)
	}
	if err := s.Conn.WriteLong(nwritten); err != nil {
		return fmt.Errorf("send write count: %w", err)
	}
	if err := s.Conn.WriteLong(totalSize); err != nil {
		return fmt.Errorf("send total size: %w", err)
	}
	return nil
}

// RecvStats reads the sender's end-of-transfer accounting.
func (s *Session) RecvStats() (read, written, total int64, err error) {
	if read, err = s.Conn.ReadLong(); err != nil {
		return 0, 0, 0, fmt.Errorf("read read count: %w", err)
	}
	if written, err = s.Conn.ReadLong(); err != nil {
		return 0, 0, 0, fmt.Errorf("read write count: %w", err)
	}
	if total, err = s.Conn.ReadLong(); err != nil {
		return 0, 0, 0, fmt.Errorf("read total size: %w", err)
	}
	return read, written, total, nil
}
