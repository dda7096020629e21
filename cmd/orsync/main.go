// Command orsync synchronises file trees over the legacy binary wire
// protocol, transferring only the byte ranges that differ.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/orsync/orsync/internal/config"
	"github.com/orsync/orsync/internal/receiver"
	"github.com/orsync/orsync/internal/sender"
	"github.com/orsync/orsync/internal/session"
	"github.com/orsync/orsync/internal/stats"
	"github.com/orsync/orsync/internal/transport"
	"github.com/orsync/orsync/internal/wire"
)

var version = "dev"

const (
	exitOK       = 0
	exitUsage    = 1
	exitProtocol = 2
	exitIO       = 3
)

func main() {
	os.Exit(run())
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageErr(err error) error { return &exitError{code: exitUsage, err: err} }

func classify(err error) error {
	if err == nil {
		return nil
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return err
	}
	if errors.Is(err, wire.ErrProtocol) {
		return &exitError{code: exitProtocol, err: err}
	}
	return &exitError{code: exitIO, err: err}
}

//nolint:gocyclo // main CLI entry point orchestrates flag parsing and mode selection
func run() int {
	var (
		opts        session.Options
		bwLimitStr  string
		showVersion bool
	)

	rootCmd := &cobra.Command{
		Use:   "orsync [flags] source... directory",
		Short: "Synchronise file trees, sending only the bytes that differ",
		Args: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				return nil
			}
			return cobra.MinimumNArgs(2)(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "orsync %s\n", version)
				return nil
			}

			// Config-file defaults apply only where the CLI is silent.
			cfg, err := config.Load()
			if err != nil {
				slog.Warn("failed to load config", "error", err)
			}
			if !cmd.Flags().Changed("verbose") && cfg.Defaults.Verbose != nil {
				opts.Verbose = *cfg.Defaults.Verbose
			}
			if !cmd.Flags().Changed("rsync-path") && cfg.Defaults.RsyncPath != nil {
				opts.RsyncPath = *cfg.Defaults.RsyncPath
			}
			if !cmd.Flags().Changed("bwlimit") && cfg.Defaults.BWLimit != nil {
				bwLimitStr = *cfg.Defaults.BWLimit
			}
			if bwLimitStr != "" {
				opts.BWLimit, err = config.ParseSize(bwLimitStr)
				if err != nil {
					return usageErr(fmt.Errorf("invalid --bwlimit: %w", err))
				}
			}

			logger := newLogger(opts.Verbose)
			slog.SetDefault(logger)

			if opts.Delete && !opts.Recursive {
				return usageErr(errors.New("--delete requires -r"))
			}

			if opts.Server {
				return classify(runServer(&opts, args, logger))
			}
			return classify(runClient(&opts, args, logger))
		},
	}

	fl := rootCmd.Flags()
	fl.BoolVar(&showVersion, "version", false, "print version and exit")
	fl.BoolVarP(&opts.Recursive, "recursive", "r", false, "recurse into directories")
	fl.CountVarP(&opts.Verbose, "verbose", "v", "increase verbosity (repeatable)")
	fl.BoolVarP(&opts.DryRun, "dry-run", "n", false, "show what would be transferred without writing")
	fl.BoolVarP(&opts.PreserveTimes, "times", "t", false, "preserve modification times")
	fl.BoolVarP(&opts.PreservePerms, "perms", "p", false, "preserve permissions")
	fl.BoolVarP(&opts.PreserveLinks, "links", "l", false, "copy symlinks as symlinks")
	fl.BoolVar(&opts.Delete, "delete", false, "delete extraneous files from the destination")
	fl.StringVar(&opts.RsyncPath, "rsync-path", "", "program to run on the remote host")
	fl.StringVar(&bwLimitStr, "bwlimit", "", "bandwidth limit (e.g. 100K, 1M)")

	// Internal flags used between peer processes.
	fl.BoolVar(&opts.Server, "server", false, "")
	fl.BoolVar(&opts.Sender, "sender", false, "")
	_ = fl.MarkHidden("server")
	_ = fl.MarkHidden("sender")

	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			fmt.Fprintf(os.Stderr, "orsync: %v\n", ee.err)
			return ee.code
		}
		// Anything cobra rejects before RunE is a usage problem.
		fmt.Fprintf(os.Stderr, "orsync: %v\n", err)
		return exitUsage
	}
	return exitOK
}

// newLogger maps the -v count onto slog levels: quiet by default,
// informational at one, debug beyond.
func newLogger(verbose int) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case verbose >= 2:
		level = slog.LevelDebug
	case verbose == 1:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// printSummary emits the closing one-liner: always on a terminal, and
// under -v anywhere.
func printSummary(sess *session.Session) {
	if sess.Opts.Verbose == 0 && !term.IsTerminal(int(os.Stderr.Fd())) {
		return
	}
	snap := sess.Stats.Snapshot()
	fmt.Fprintln(os.Stderr, stats.Summary(sess.Conn.Nread(), sess.Conn.Nwritten(), snap.TotalSize))
	if sess.Opts.Verbose > 0 {
		fmt.Fprintln(os.Stderr, snap.String())
	}
}

// runClient drives a user-facing invocation: parse endpoints, connect
// the peer (a remote process or an in-process twin), and run our role.
func runClient(opts *session.Options, argv []string, logger *slog.Logger) error {
	args, err := transport.ParseArgs(argv)
	if err != nil {
		return usageErr(err)
	}

	if args.Remote {
		// rsync:// names a listening daemon. Run the plaintext
		// greeting for a precise diagnostic, but module transfers are
		// out of scope.
		conn, err := transport.DialDaemon(args.Host, args.Port, args.Module, logger)
		if err != nil {
			return err
		}
		conn.Close()
		return transport.ErrDaemonUnsupported
	}

	switch args.Mode {
	case transport.ModeLocal:
		return runLocal(opts, args, logger)
	case transport.ModeSender:
		opts.Sender = true
	case transport.ModeReceiver:
		opts.Sender = false
	}

	peer, err := transport.LaunchSSH(args.Host, 0, transport.Cmdline(opts, args), logger)
	if err != nil {
		return err
	}
	sess := session.New(opts, wire.NewConn(peer.R, peer.W, logger), logger)
	if err := runRole(sess, args); err != nil {
		peer.Close()
		return err
	}
	printSummary(sess)
	return peer.Close()
}

// runLocal wires a sender and a receiver together through kernel pipes
// in one process, byte-for-byte the same protocol a remote pair speaks.
func runLocal(opts *session.Options, args *transport.Args, logger *slog.Logger) error {
	cEnd, sEnd, err := transport.LocalPair()
	if err != nil {
		return err
	}
	defer cEnd.Close()
	defer sEnd.Close()

	sendOpts := *opts
	sendOpts.Sender = true
	sendSess := session.New(&sendOpts, wire.NewConn(sEnd.R, sEnd.W, logger), logger)

	recvOpts := *opts
	recvOpts.Sender = false
	recvSess := session.New(&recvOpts, wire.NewConn(cEnd.R, cEnd.W, logger), logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- runRole(sendSess, args)
	}()
	recvErr := runRole(recvSess, args)
	if recvErr != nil {
		// Unblock the sender if it is still mid-write to a dead peer.
		cEnd.Close()
		sEnd.Close()
	}
	sendErr := <-errCh
	if recvErr != nil {
		return recvErr
	}
	if sendErr != nil {
		return sendErr
	}
	printSummary(recvSess)
	return nil
}

// runServer is the peer spawned over the shell: descriptors are our
// stdin and stdout, and the path arguments follow the lone dot.
func runServer(opts *session.Options, args []string, logger *slog.Logger) error {
	if args[0] != "." {
		return usageErr(fmt.Errorf("server arguments must start with %q", "."))
	}
	paths := args[1:]
	if len(paths) == 0 {
		return usageErr(errors.New("server invoked without paths"))
	}

	sess := session.New(opts, wire.NewConn(os.Stdin, os.Stdout, logger), logger)
	if err := sess.Handshake(); err != nil {
		return err
	}
	if opts.Sender {
		return sender.Run(sess, paths)
	}
	return receiver.Run(sess, paths[0])
}

// runRole runs the handshake and whichever role the options select.
func runRole(sess *session.Session, args *transport.Args) error {
	if err := sess.Handshake(); err != nil {
		return err
	}
	if sess.Opts.Sender {
		return sender.Run(sess, args.Sources)
	}
	return receiver.Run(sess, args.Sink)
}
