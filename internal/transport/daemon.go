package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/orsync/orsync/internal/wire"
)

// DefaultDaemonPort is the listening port for the rsync:// scheme.
const DefaultDaemonPort = 873

// ErrDaemonUnsupported is returned once the plaintext greeting
// succeeds: module transfers against a daemon need the daemon feature
// set, which this client does not implement.
var ErrDaemonUnsupported = errors.New("rsync:// daemon transfers are not supported")

// DialDaemon connects to an rsync daemon and runs the plaintext
// greeting: version line out, version line back, module request, and
// the daemon's verdict. The connection is returned with the greeting
// consumed; callers currently only use this to produce a precise error
// for the operator.
func DialDaemon(host string, port int, module string, log *slog.Logger) (net.Conn, error) {
	if port == 0 {
		port = DefaultDaemonPort
	}
	nc, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}

	c := wire.NewConn(nc, nc, log)
	if err := c.WriteLine("@RSYNCD: 27"); err != nil {
		nc.Close()
		return nil, fmt.Errorf("greeting: %w", err)
	}
	banner, err := c.ReadLine(128)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("greeting: %w", err)
	}
	if !strings.HasPrefix(banner, "@RSYNCD: ") {
		nc.Close()
		return nil, fmt.Errorf("unexpected daemon banner %q: %w", banner, wire.ErrProtocol)
	}
	log.Debug("daemon banner", "banner", banner)

	if err := c.WriteLine(module); err != nil {
		nc.Close()
		return nil, fmt.Errorf("module request: %w", err)
	}
	reply, err := c.ReadLine(256)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("module reply: %w", err)
	}
	if strings.HasPrefix(reply, "@ERROR") {
		nc.Close()
		return nil, fmt.Errorf("daemon refused module %q: %s", module, reply)
	}
	if reply != "@RSYNCD: OK" {
		nc.Close()
		return nil, fmt.Errorf("unexpected module reply %q: %w", reply, wire.ErrProtocol)
	}
	return nc, nil
}
