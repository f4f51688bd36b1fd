// Package transport provides the remote file session used to talk to
// trading-partner endpoints. FTP and SFTP share one Session contract so the
// engines never branch on protocol.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

// Protocol identifies the wire protocol used to reach a partner.
type Protocol string

const (
	ProtocolFTP  Protocol = "ftp"
	ProtocolSFTP Protocol = "sftp"
)

// ParseProtocol normalizes a configured protocol value.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToLower(strings.TrimSpace(s))) {
	case ProtocolFTP:
		return ProtocolFTP, nil
	case ProtocolSFTP:
		return ProtocolSFTP, nil
	default:
		return "", fmt.Errorf("unknown protocol %q", s)
	}
}

// Error kinds. Every error returned by a Session or Dialer wraps exactly one
// of these so callers can classify with errors.Is.
var (
	ErrConnection = errors.New("connection error")
	ErrPath       = errors.New("path error")
	ErrTransfer   = errors.New("transfer error")
	ErrRename     = errors.New("rename error")
)

// Endpoint is everything needed to open a session to one partner.
type Endpoint struct {
	PartnerID string
	Protocol  Protocol
	Host      string
	Port      int
	Username  string
	Password  string
	KeyFile   string
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Session is an open connection to a partner endpoint. Names passed to
// List, Fetch, Push and Rename are relative to the current directory.
type Session interface {
	// ChangeDir makes path the working directory for subsequent calls.
	ChangeDir(path string) error

	// List returns the names of the regular files in the working directory.
	List() ([]string, error)

	// Fetch streams remoteName into localPath.
	Fetch(remoteName, localPath string) error

	// Push streams localPath to remoteName.
	Push(localPath, remoteName string) error

	// Rename renames oldName to newName.
	Rename(oldName, newName string) error

	// Close releases the session. It is safe to call more than once and
	// never fails; problems are logged by the session.
	Close()
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Session, error)
}

// Options tunes the sessions opened by NewDialer.
type Options struct {
	// Timeout bounds connection setup and individual reads.
	Timeout time.Duration

	// KnownHosts is an OpenSSH known_hosts file used to verify SFTP host
	// keys. Empty disables verification.
	KnownHosts string

	// Debug copies FTP control-channel traffic into the logger.
	Debug bool
}

// ProtocolDialer picks the session implementation from Endpoint.Protocol.
type ProtocolDialer struct {
	opts   Options
	logger *slog.Logger
}

// NewDialer creates a ProtocolDialer.
func NewDialer(opts Options, logger *slog.Logger) *ProtocolDialer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &ProtocolDialer{opts: opts, logger: logger}
}

// Dial opens a session for ep.
func (d *ProtocolDialer) Dial(ctx context.Context, ep Endpoint) (Session, error) {
	log := d.logger.With("partner", ep.PartnerID, "protocol", string(ep.Protocol), "addr", ep.Addr())

	switch ep.Protocol {
	case ProtocolFTP:
		return dialFTP(ctx, ep, d.opts, log)
	case ProtocolSFTP:
		return dialSFTP(ctx, ep, d.opts, log)
	default:
		return nil, fmt.Errorf("%w: unsupported protocol %q", ErrConnection, ep.Protocol)
	}
}
