// Package flist builds, transmits, and reconciles the list of files a
// transfer covers. Both peers must end up with byte-identical lists so
// that file indices exchanged later mean the same thing on both sides.
package flist

import (
	"io/fs"
	"sort"
	"strings"
)

// POSIX file-type bits as they travel on the wire.
const (
	ModeMask uint32 = 0o170000
	ModeReg  uint32 = 0o100000
	ModeDir  uint32 = 0o040000
	ModeLink uint32 = 0o120000
)

// Entry describes one file in the transfer. Path addresses the file on
// the local side; Wpath is what goes on the wire, relative to the
// transfer root.
type Entry struct {
	Path  string
	Wpath string
	Size  int64
	Mtime int64
	Mode  uint32
	UID   uint32
	GID   uint32
	Link  string // symlink target, empty otherwise
}

// IsReg reports whether the entry is a regular file.
func (e *Entry) IsReg() bool { return e.Mode&ModeMask == ModeReg }

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool { return e.Mode&ModeMask == ModeDir }

// IsLink reports whether the entry is a symbolic link.
func (e *Entry) IsLink() bool { return e.Mode&ModeMask == ModeLink }

// Perm returns the permission bits as an fs.FileMode.
func (e *Entry) Perm() fs.FileMode { return fs.FileMode(e.Mode & 0o777) }

// WireMode converts an fs.FileMode into the on-wire POSIX form.
func WireMode(m fs.FileMode) uint32 {
	bits := uint32(m.Perm())
	switch {
	case m.IsDir():
		bits |= ModeDir
	case m&fs.ModeSymlink != 0:
		bits |= ModeLink
	default:
		bits |= ModeReg
	}
	return bits
}

// SortList orders entries by wire path, the one order both peers agree
// on.
func SortList(fl []Entry) {
	sort.Slice(fl, func(i, j int) bool { return fl[i].Wpath < fl[j].Wpath })
}

// sharedPrefix returns the length of the common leading bytes of a and
// b, capped so it fits the one-byte wire field.
func sharedPrefix(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] && n < 255 {
		n++
	}
	return n
}

// checkWpath enforces the receive-side path rules: relative, non-empty,
// and no upward traversal.
func checkWpath(p string) error {
	switch {
	case p == "":
		return errPath("zero-length pathname", p)
	case p[0] == '/':
		return errPath("absolute pathname", p)
	case p == "..", strings.HasPrefix(p, "../"),
		strings.HasSuffix(p, "/.."), strings.Contains(p, "/../"):
		return errPath("backtracking pathname", p)
	}
	return nil
}
