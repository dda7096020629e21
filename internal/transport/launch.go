package transport

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
)

// Peer is a spawned remote process with its duplex descriptor pair.
// Writes go to the peer's stdin, reads come from its stdout; stderr
// passes straight through to the operator.
type Peer struct {
	R   *os.File
	W   *os.File
	cmd *exec.Cmd
}

// LaunchSSH starts the remote side of the transfer over the system
// secure shell. argv is the remote command as composed by Cmdline.
func LaunchSSH(host string, port int, argv []string, log *slog.Logger) (*Peer, error) {
	sshArgs := []string{}
	if port > 0 {
		sshArgs = append(sshArgs, "-p", strconv.Itoa(port))
	}
	sshArgs = append(sshArgs, host)
	sshArgs = append(sshArgs, argv...)

	cmd := exec.Command("ssh", sshArgs...)
	cmd.Stderr = os.Stderr

	// Raw pipes rather than StdinPipe/StdoutPipe: the wire layer wants
	// real descriptors so it can poll them for pending log frames.
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return nil, fmt.Errorf("pipe: %w", err)
	}
	cmd.Stdin = inR
	cmd.Stdout = outW

	if err := cmd.Start(); err != nil {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("start ssh: %w", err)
	}
	inR.Close()
	outW.Close()
	log.Debug("launched remote peer", "host", host, "pid", cmd.Process.Pid, "argv", argv)

	return &Peer{R: outR, W: inW, cmd: cmd}, nil
}

// Close tears down the descriptors and reaps the child.
func (p *Peer) Close() error {
	p.W.Close()
	p.R.Close()
	if p.cmd != nil {
		if err := p.cmd.Wait(); err != nil {
			return fmt.Errorf("remote peer: %w", err)
		}
	}
	return nil
}

// PipeEnds is one endpoint of an in-process duplex stream, used when
// both sides of the transfer live on this host.
type PipeEnds struct {
	R *os.File
	W *os.File
}

// Close releases both descriptors.
func (p PipeEnds) Close() {
	p.R.Close()
	p.W.Close()
}

// LocalPair builds two connected endpoints out of two kernel pipes, so
// the local sender and receiver speak exactly the bytes two processes
// would.
func LocalPair() (a, b PipeEnds, err error) {
	ar, bw, err := os.Pipe()
	if err != nil {
		return a, b, fmt.Errorf("pipe: %w", err)
	}
	br, aw, err := os.Pipe()
	if err != nil {
		ar.Close()
		bw.Close()
		return a, b, fmt.Errorf("pipe: %w", err)
	}
	return PipeEnds{R: ar, W: aw}, PipeEnds{R: br, W: bw}, nil
}
