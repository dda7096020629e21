package flist

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/orsync/orsync/internal/session"
)

// GenLocal produces the receiver's view of the sink: every entry below
// root with wire paths relative to it, sorted. The walk never crosses a
// mount point, so a bind-mounted subtree cannot be swept by --delete.
func GenLocal(sess *session.Session, root string) ([]Entry, error) {
	var rootStat unix.Stat_t
	if err := unix.Lstat(root, &rootStat); err != nil {
		return nil, fmt.Errorf("lstat %s: %w", root, err)
	}

	var fl []Entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			sess.Log.Warn("unreadable directory entry", "path", path, "error", werr)
			return nil
		}
		if path == root {
			return nil
		}
		if d.IsDir() {
			var st unix.Stat_t
			if err := unix.Lstat(path, &st); err != nil {
				sess.Log.Warn("could not stat", "path", path, "error", err)
				return fs.SkipDir
			}
			if st.Dev != rootStat.Dev {
				sess.Log.Warn("not crossing mount point", "path", path)
				return fs.SkipDir
			}
		}
		st, err := d.Info()
		if err != nil {
			sess.Log.Warn("could not stat", "path", path, "error", err)
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path: %w", err)
		}
		f, err := appendEntry(path, rel, st)
		if err != nil {
			return err
		}
		fl = append(fl, f)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	SortList(fl)
	return fl, nil
}

// Delete removes entries present under the sink ("have") but absent
// from the transfer ("want"). Only trees being updated are touched:
// top-level directories of the wire list, or everything when the
// transfer is rooted at ".". The sink root itself is never removed.
func Delete(sess *session.Session, root string, have, want []Entry) error {
	wanted := make(map[string]struct{}, len(want))
	for i := range want {
		wanted[want[i].Wpath] = struct{}{}
	}

	for i := range want {
		if !want[i].IsDir() {
			continue
		}
		if strings.ContainsRune(want[i].Wpath, '/') {
			continue
		}

		// Scan backward so files inside a directory go before the
		// directory itself.
		prefix := want[i].Wpath
		if prefix == "." {
			prefix = ""
		}
		for j := len(have) - 1; j >= 0; j-- {
			if prefix != "" &&
				!strings.HasPrefix(have[j].Wpath, prefix+"/") {
				continue
			}
			if _, ok := wanted[have[j].Wpath]; ok {
				continue
			}

			sess.Log.Info("deleting", "path", have[j].Wpath)
			sess.Stats.AddFilesDeleted(1)
			if sess.Opts.DryRun {
				continue
			}
			if err := os.Remove(filepath.Join(root, have[j].Wpath)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove %s: %w", have[j].Wpath, err)
			}
		}
	}
	return nil
}
