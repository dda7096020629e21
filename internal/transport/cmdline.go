package transport

import (
	"strings"

	"github.com/orsync/orsync/internal/session"
)

// Cmdline composes the argument vector for the remote peer. The remote
// side always runs --server; it additionally runs --sender when the
// local side is pulling. The lone "." separates options from paths, as
// the server's argument parser expects.
func Cmdline(opts *session.Options, f *Args) []string {
	path := opts.RsyncPath
	if path == "" {
		path = "rsync"
	}
	argv := []string{path, "--server"}
	if f.Mode == ModeReceiver {
		argv = append(argv, "--sender")
	}

	var short strings.Builder
	for range opts.Verbose {
		short.WriteByte('v')
	}
	if opts.DryRun {
		short.WriteByte('n')
	}
	if opts.PreserveLinks {
		short.WriteByte('l')
	}
	if opts.PreservePerms {
		short.WriteByte('p')
	}
	if opts.Recursive {
		short.WriteByte('r')
	}
	if opts.PreserveTimes {
		short.WriteByte('t')
	}
	if short.Len() > 0 {
		argv = append(argv, "-"+short.String())
	}
	if opts.Delete {
		argv = append(argv, "--delete")
	}

	argv = append(argv, ".")
	if f.Mode == ModeReceiver {
		argv = append(argv, f.Sources...)
	} else {
		argv = append(argv, f.Sink)
	}
	return argv
}
