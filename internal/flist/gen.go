package flist

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/orsync/orsync/internal/session"
)

// Gen produces the sorted, de-duplicated list of files named by the
// command-line arguments. Non-recursive mode accepts only the files
// named; recursive mode descends into directories without following
// symlinks.
func Gen(sess *session.Session, args []string) ([]Entry, error) {
	var (
		fl  []Entry
		err error
	)
	if sess.Opts.Recursive {
		fl, err = genDirs(sess, args)
	} else {
		fl, err = genFiles(sess, args)
	}
	if err != nil {
		return nil, err
	}
	SortList(fl)
	return dedupe(sess, fl)
}

// genFiles handles the non-recursive case: regular files and, with -l,
// symlinks. Everything else is warned about and skipped.
func genFiles(sess *session.Session, args []string) ([]Entry, error) {
	fl := make([]Entry, 0, len(args))
	for _, arg := range args {
		if arg == "" {
			continue
		}
		st, err := os.Lstat(arg)
		if err != nil {
			return nil, fmt.Errorf("lstat: %w", err)
		}
		mode := st.Mode()
		switch {
		case mode.IsDir():
			sess.Log.Warn("skipping directory", "path", arg)
			continue
		case mode&fs.ModeSymlink != 0:
			if !sess.Opts.PreserveLinks {
				sess.Log.Warn("skipping symlink", "path", arg)
				continue
			}
		case !mode.IsRegular():
			sess.Log.Warn("skipping special", "path", arg)
			continue
		}
		f, err := appendEntry(arg, filepath.Base(arg), st)
		if err != nil {
			return nil, err
		}
		fl = append(fl, f)
	}
	sess.Log.Debug("non-recursively generated filenames", "count", len(fl))
	return fl, nil
}

// genDirs handles the recursive case, one root argument at a time.
func genDirs(sess *session.Session, args []string) ([]Entry, error) {
	var fl []Entry
	for _, arg := range args {
		var err error
		fl, err = genDirent(sess, arg, fl)
		if err != nil {
			return nil, err
		}
	}
	sess.Log.Debug("recursively generated filenames", "count", len(fl))
	return fl, nil
}

// genDirent walks a single root, which may also turn out to be a plain
// file or symlink. A trailing slash on a directory root transfers its
// contents without the directory component itself.
func genDirent(sess *session.Session, root string, fl []Entry) ([]Entry, error) {
	st, err := os.Lstat(strings.TrimSuffix(root, "/"))
	if err != nil {
		return nil, fmt.Errorf("lstat: %w", err)
	}
	mode := st.Mode()

	switch {
	case mode.IsRegular():
		f, err := appendEntry(root, filepath.Base(root), st)
		if err != nil {
			return nil, err
		}
		return append(fl, f), nil
	case mode&fs.ModeSymlink != 0:
		if !sess.Opts.PreserveLinks {
			sess.Log.Warn("skipping symlink", "path", root)
			return fl, nil
		}
		f, err := appendEntry(root, filepath.Base(root), st)
		if err != nil {
			return nil, err
		}
		return append(fl, f), nil
	case !mode.IsDir():
		sess.Log.Warn("skipping special", "path", root)
		return fl, nil
	}

	// A trailing slash strips the whole root from wire paths; without
	// one, everything up to the last path component is stripped.
	stripdir := 0
	if strings.HasSuffix(root, "/") {
		stripdir = len(root)
	} else if i := strings.LastIndexByte(root, '/'); i >= 0 {
		stripdir = i + 1
	}

	walkRoot := strings.TrimSuffix(root, "/")
	err = filepath.WalkDir(walkRoot, func(path string, d fs.DirEntry, werr error) error {
		if werr != nil {
			sess.Log.Warn("unreadable directory entry", "path", path, "error", werr)
			return nil
		}
		st, err := d.Info()
		if err != nil {
			sess.Log.Warn("could not stat", "path", path, "error", err)
			return nil
		}
		mode := st.Mode()
		if mode&fs.ModeSymlink != 0 && !sess.Opts.PreserveLinks {
			sess.Log.Warn("skipping symlink", "path", path)
			return nil
		}
		if !mode.IsRegular() && !mode.IsDir() && mode&fs.ModeSymlink == 0 {
			sess.Log.Warn("skipping special", "path", path)
			return nil
		}

		wpath := path[min(stripdir, len(path)):]
		if wpath == "" {
			// The root itself when its whole path is stripped.
			wpath = "."
		}
		f, err := appendEntry(path, wpath, st)
		if err != nil {
			return err
		}
		fl = append(fl, f)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return fl, nil
}

// appendEntry fills an Entry from stat results, reading the symlink
// target when there is one.
func appendEntry(path, wpath string, st fs.FileInfo) (Entry, error) {
	f := Entry{
		Path:  path,
		Wpath: wpath,
		Size:  st.Size(),
		Mtime: st.ModTime().Unix(),
		Mode:  WireMode(st.Mode()),
	}
	if f.IsLink() {
		target, err := os.Readlink(strings.TrimSuffix(path, "/"))
		if err != nil {
			return Entry{}, fmt.Errorf("readlink: %w", err)
		}
		f.Link = target
	}
	return f, nil
}

// dedupe drops consecutive entries sharing a wire path. Identical
// sources collapse with a warning; different sources aiming at the same
// destination path are an error.
func dedupe(sess *session.Session, fl []Entry) ([]Entry, error) {
	if len(fl) == 0 {
		return fl, nil
	}
	out := fl[:0]
	for i := 0; i < len(fl); i++ {
		if i+1 < len(fl) && fl[i].Wpath == fl[i+1].Wpath {
			if fl[i].Path == fl[i+1].Path {
				sess.Log.Warn("duplicate path", "wpath", fl[i].Wpath, "path", fl[i].Path)
				out = append(out, fl[i])
				i++ // skip the twin
				continue
			}
			return nil, fmt.Errorf("duplicate working path for possibly different file %q: %q, %q",
				fl[i].Wpath, fl[i].Path, fl[i+1].Path)
		}
		out = append(out, fl[i])
	}
	return out, nil
}
