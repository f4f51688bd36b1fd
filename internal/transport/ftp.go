package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/textproto"
	"os"
	"path"
	"strings"

	"github.com/jlaffaye/ftp"
)

// ftpSession implements Session over plain FTP.
type ftpSession struct {
	conn   *ftp.ServerConn
	logger *slog.Logger
	debug  *logWriter
	closed bool
}

func dialFTP(ctx context.Context, ep Endpoint, opts Options, logger *slog.Logger) (Session, error) {
	logger.Info("connecting to FTP server")

	dialOpts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(opts.Timeout),
	}
	var debug *logWriter
	if opts.Debug {
		debug = newLogWriter(logger)
		dialOpts = append(dialOpts, ftp.DialWithDebugOutput(debug))
	}

	conn, err := ftp.Dial(ep.Addr(), dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, ep.Addr(), err)
	}

	if err := conn.Login(ep.Username, ep.Password); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("%w: login as %s: %v", ErrConnection, ep.Username, err)
	}

	return &ftpSession{conn: conn, logger: logger, debug: debug}, nil
}

func (s *ftpSession) ChangeDir(path string) error {
	if err := s.conn.ChangeDir(path); err != nil {
		return fmt.Errorf("%w: cwd %s: %v", ErrPath, path, err)
	}
	return nil
}

func (s *ftpSession) List() ([]string, error) {
	names, err := s.conn.NameList("")
	if err != nil {
		if emptyListing(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: nlst: %v", ErrTransfer, err)
	}
	return listEntries(names), nil
}

// emptyListing reports whether an NLST failure is the server's way of
// saying the directory is empty. vsftpd and friends answer 550, ProFTPD
// answers 450.
func emptyListing(err error) bool {
	var tpErr *textproto.Error
	if !errors.As(err, &tpErr) {
		return false
	}
	if tpErr.Code != ftp.StatusFileUnavailable && tpErr.Code != ftp.StatusFileActionIgnored {
		return false
	}
	return strings.Contains(strings.ToLower(tpErr.Msg), "no files")
}

// listEntries drops dot entries and reduces path-qualified NLST names to
// their base name.
func listEntries(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = path.Base(strings.TrimSpace(n))
		if n == "" || n == "." || n == ".." || n == "/" {
			continue
		}
		out = append(out, n)
	}
	return out
}

func (s *ftpSession) Fetch(remoteName, localPath string) error {
	resp, err := s.conn.Retr(remoteName)
	if err != nil {
		return fmt.Errorf("%w: retr %s: %v", ErrTransfer, remoteName, err)
	}

	n, werr := writeLocal(localPath, resp)
	// Close reads the final transfer status; it must run even if the copy failed.
	cerr := resp.Close()
	if werr != nil {
		return fmt.Errorf("%w: retr %s: %v", ErrTransfer, remoteName, werr)
	}
	if cerr != nil {
		os.Remove(localPath)
		return fmt.Errorf("%w: retr %s: %v", ErrTransfer, remoteName, cerr)
	}

	s.logger.Debug("fetched file", "remote", remoteName, "local", localPath, "bytes", n)
	return nil
}

func (s *ftpSession) Push(localPath, remoteName string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrTransfer, localPath, err)
	}
	defer f.Close()

	if err := s.conn.Stor(remoteName, f); err != nil {
		return fmt.Errorf("%w: stor %s: %v", ErrTransfer, remoteName, err)
	}
	return nil
}

func (s *ftpSession) Rename(oldName, newName string) error {
	if err := s.conn.Rename(oldName, newName); err != nil {
		return fmt.Errorf("%w: %s -> %s: %v", ErrRename, oldName, newName, err)
	}
	return nil
}

func (s *ftpSession) Close() {
	if s.closed {
		return
	}
	s.closed = true

	if err := s.conn.Quit(); err != nil {
		s.logger.Warn("closing FTP session", "error", err)
	}
	if s.debug != nil {
		s.debug.Flush()
	}
}
