// Package receiver drives the sink side of a transfer: it requests
// each regular file with a block description of its local copy, merges
// the returned token stream, and moves the result into place.
package receiver

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/orsync/orsync/internal/blocks"
	"github.com/orsync/orsync/internal/csum"
	"github.com/orsync/orsync/internal/flist"
	"github.com/orsync/orsync/internal/session"
	"github.com/orsync/orsync/internal/wire"
)

// Run executes the receiver state machine over an established session,
// materializing the sender's tree under root.
func Run(sess *session.Session, root string) error {
	fl, err := flist.Recv(sess)
	if err != nil {
		return fmt.Errorf("receive file list: %w", err)
	}
	ioerrs, err := sess.Conn.ReadInt()
	if err != nil {
		return fmt.Errorf("read io error count: %w", err)
	}
	if ioerrs != 0 {
		sess.Log.Warn("sender reported list errors", "count", ioerrs)
	}
	sess.Stats.AddFilesListed(int64(len(fl)))

	if len(fl) > 0 && !sess.Opts.DryRun {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("create destination: %w", err)
		}
	}

	// Snapshot the sink before we touch it so --delete later knows
	// what was ours to remove.
	var have []flist.Entry
	if sess.Opts.Delete && sess.Opts.Recursive {
		if _, err := os.Lstat(root); err == nil {
			have, err = flist.GenLocal(sess, root)
			if err != nil {
				return fmt.Errorf("scan destination: %w", err)
			}
		}
	}

	// Directories and symlinks carry no file data; handle them before
	// the transfer loop so parents exist when contents arrive.
	for i := range fl {
		f := &fl[i]
		switch {
		case f.IsDir():
			if err := makeDir(sess, root, f); err != nil {
				return err
			}
		case f.IsLink() && sess.Opts.PreserveLinks:
			if err := makeLink(sess, root, f); err != nil {
				sess.Log.Error("symlink failed", "path", f.Wpath, "error", err)
				sess.Stats.AddFilesFailed(1)
			}
		}
	}

	for phase := 0; phase < 2; phase++ {
		if phase == 0 {
			for i := range fl {
				if !fl[i].IsReg() {
					continue
				}
				if err := fetchFile(sess, int32(i), &fl[i], root); err != nil {
					return err
				}
			}
		}
		// This implementation never re-requests in the second phase;
		// a failed file stays failed.
		if err := sess.Conn.WriteInt(-1); err != nil {
			return fmt.Errorf("end phase: %w", err)
		}
		ack, err := sess.Conn.ReadInt()
		if err != nil {
			return fmt.Errorf("read phase acknowledgement: %w", err)
		}
		if ack != -1 {
			return fmt.Errorf("phase acknowledgement %d: %w", ack, wire.ErrProtocol)
		}
		sess.Log.Debug("phase complete", "phase", phase+1)
	}

	read, written, total, err := sess.RecvStats()
	if err != nil {
		return err
	}
	sess.Stats.SetTotalSize(total)
	sess.Log.Debug("sender statistics", "read", read, "written", written, "total", total)

	if err := sess.Conn.WriteInt(-1); err != nil {
		return fmt.Errorf("send goodbye: %w", err)
	}

	if sess.Opts.Delete && sess.Opts.Recursive {
		if err := flist.Delete(sess, root, have, fl); err != nil {
			return fmt.Errorf("delete extraneous: %w", err)
		}
	}
	return nil
}

// fetchFile transfers one regular file. Reconstruction failures are
// counted and survived; only wire-level trouble propagates.
func fetchFile(sess *session.Session, idx int32, f *flist.Entry, root string) error {
	dest := filepath.Join(root, f.Wpath)

	// The basis is best-effort: anything unreadable just means an
	// empty block set and a full literal transfer.
	basis, err := os.ReadFile(dest)
	hadBasis := err == nil
	if err != nil {
		basis = nil
	}
	set := blocks.NewSet(basis, sess.Seed)

	if err := sess.Conn.WriteInt(idx); err != nil {
		return fmt.Errorf("%s: send index: %w", f.Wpath, err)
	}
	if err := blocks.Send(sess, set); err != nil {
		return fmt.Errorf("%s: send block set: %w", f.Wpath, err)
	}

	// The sender is busy hashing; soak up any log frames it queued.
	if err := sess.Conn.DrainLog(); err != nil {
		return fmt.Errorf("%s: drain log frames: %w", f.Wpath, err)
	}

	ack, err := sess.Conn.ReadInt()
	if err != nil {
		return fmt.Errorf("%s: read index echo: %w", f.Wpath, err)
	}
	if ack != idx {
		return fmt.Errorf("%s: index echo %d != %d: %w", f.Wpath, ack, idx, wire.ErrProtocol)
	}

	var (
		out  io.Writer = io.Discard
		tmp  *os.File
		fail = func(err error) error {
			sess.Log.Error("file failed", "path", f.Wpath, "error", err)
			sess.Stats.AddFilesFailed(1)
			if tmp != nil {
				tmp.Close()
				os.Remove(tmp.Name())
			}
			return nil
		}
	)
	if !sess.Opts.DryRun {
		tmp, err = os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".")
		if err != nil {
			// Still consume the token stream so the session survives.
			if _, merr := blocks.Merge(sess, set, bytes.NewReader(basis), io.Discard); merr != nil &&
				!errors.Is(merr, blocks.ErrMerge) {
				return fmt.Errorf("%s: %w", f.Wpath, merr)
			}
			return fail(fmt.Errorf("create temporary: %w", err))
		}
		out = tmp
	}

	res, err := blocks.Merge(sess, set, bytes.NewReader(basis), out)
	if err != nil {
		if errors.Is(err, blocks.ErrMerge) {
			return fail(err)
		}
		if tmp != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
		return fmt.Errorf("%s: %w", f.Wpath, err)
	}
	sess.Stats.AddLiteralBytes(res.Literal)
	sess.Stats.AddMatchedBytes(res.Matched)

	if sess.Opts.DryRun {
		sess.Stats.AddFilesXfer(1)
		return nil
	}

	// Identical rebuild: nothing to install, keep the sink untouched.
	if hadBasis && res.Digest == csum.FileDigest(basis, sess.Seed) {
		tmp.Close()
		os.Remove(tmp.Name())
		sess.Stats.AddFilesUpToDate(1)
		sess.Log.Debug("file up to date", "path", f.Wpath)
		return nil
	}

	if err := installFile(sess, tmp, dest, f, !hadBasis); err != nil {
		return fail(err)
	}
	sess.Stats.AddFilesXfer(1)
	sess.Log.Info("received file",
		"path", f.Wpath, "literal", res.Literal, "matched", res.Matched)
	return nil
}

// installFile fixes up metadata on the temporary and renames it over
// the destination.
func installFile(sess *session.Session, tmp *os.File, dest string, f *flist.Entry, fresh bool) error {
	if fresh || sess.Opts.PreservePerms {
		if err := tmp.Chmod(f.Perm()); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("chmod: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temporary: %w", err)
	}
	if sess.Opts.PreserveTimes {
		mtime := time.Unix(f.Mtime, 0)
		if err := os.Chtimes(tmp.Name(), mtime, mtime); err != nil {
			os.Remove(tmp.Name())
			return fmt.Errorf("set times: %w", err)
		}
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func makeDir(sess *session.Session, root string, f *flist.Entry) error {
	if sess.Opts.DryRun {
		return nil
	}
	dest := filepath.Join(root, f.Wpath)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", f.Wpath, err)
	}
	if sess.Opts.PreservePerms {
		if err := os.Chmod(dest, f.Perm()); err != nil {
			return fmt.Errorf("chmod %s: %w", f.Wpath, err)
		}
	}
	sess.Stats.AddDirsCreated(1)
	return nil
}

func makeLink(sess *session.Session, root string, f *flist.Entry) error {
	dest := filepath.Join(root, f.Wpath)
	if current, err := os.Readlink(dest); err == nil && current == f.Link {
		return nil
	}
	if sess.Opts.DryRun {
		return nil
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove old: %w", err)
	}
	if err := os.Symlink(f.Link, dest); err != nil {
		return fmt.Errorf("symlink: %w", err)
	}
	sess.Stats.AddSymlinks(1)
	sess.Log.Info("created symlink", "path", f.Wpath, "target", f.Link)
	return nil
}
