package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sftpSession implements Session over SFTP. The sftp client has no notion
// of a working directory, so the session tracks one itself.
type sftpSession struct {
	client *sftp.Client
	ssh    io.Closer
	cwd    string
	logger *slog.Logger
	closed bool
}

func dialSFTP(ctx context.Context, ep Endpoint, opts Options, logger *slog.Logger) (Session, error) {
	logger.Info("connecting to SFTP server")

	auth, err := authMethods(ep)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if opts.KnownHosts != "" {
		hostKeys, err = knownhosts.New(opts.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("%w: loading known_hosts: %v", ErrConnection, err)
		}
	} else {
		logger.Warn("host key verification disabled, set transport.known_hosts to enable")
	}

	cfg := &ssh.ClientConfig{
		User:            ep.Username,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         opts.Timeout,
	}

	d := net.Dialer{Timeout: opts.Timeout}
	conn, err := d.DialContext(ctx, "tcp", ep.Addr())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, ep.Addr(), err)
	}

	// The handshake is bounded by the same timeout as the dial.
	_ = conn.SetDeadline(time.Now().Add(opts.Timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, ep.Addr(), cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: ssh handshake with %s: %v", ErrConnection, ep.Addr(), err)
	}
	_ = conn.SetDeadline(time.Time{})

	sshClient := ssh.NewClient(c, chans, reqs)
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("%w: starting sftp subsystem: %v", ErrConnection, err)
	}

	return newSFTPSession(client, sshClient, logger), nil
}

func authMethods(ep Endpoint) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if ep.KeyFile != "" {
		pem, err := os.ReadFile(ep.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading key file: %w", err)
		}
		var signer ssh.Signer
		if ep.Password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(ep.Password))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("parsing key file: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if ep.Password != "" {
		password := ep.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no password or key_file configured")
	}
	return methods, nil
}

// newSFTPSession wraps an established sftp client. sshConn may be nil when
// the client runs over a plain pipe.
func newSFTPSession(client *sftp.Client, sshConn io.Closer, logger *slog.Logger) *sftpSession {
	cwd, err := client.Getwd()
	if err != nil || cwd == "" {
		cwd = "."
	}
	return &sftpSession{client: client, ssh: sshConn, cwd: cwd, logger: logger}
}

func (s *sftpSession) resolve(name string) string {
	if path.IsAbs(name) {
		return path.Clean(name)
	}
	return path.Join(s.cwd, name)
}

func (s *sftpSession) ChangeDir(dir string) error {
	target := s.resolve(dir)
	fi, err := s.client.Stat(target)
	if err != nil {
		return fmt.Errorf("%w: cd %s: %v", ErrPath, dir, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: cd %s: not a directory", ErrPath, dir)
	}
	s.cwd = target
	return nil
}

func (s *sftpSession) List() ([]string, error) {
	entries, err := s.client.ReadDir(s.cwd)
	if err != nil {
		return nil, fmt.Errorf("%w: readdir %s: %v", ErrTransfer, s.cwd, err)
	}

	var names []string
	for _, e := range entries {
		// Stat follows links so a symlink to a regular file is listed.
		fi, err := s.client.Stat(s.resolve(e.Name()))
		if err != nil {
			s.logger.Debug("skipping entry with unknown mode", "name", e.Name(), "error", err)
			continue
		}
		if !fi.Mode().IsRegular() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func (s *sftpSession) Fetch(remoteName, localPath string) error {
	f, err := s.client.Open(s.resolve(remoteName))
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrTransfer, remoteName, err)
	}
	defer f.Close()

	n, err := writeLocal(localPath, f)
	if err != nil {
		return fmt.Errorf("%w: get %s: %v", ErrTransfer, remoteName, err)
	}

	s.logger.Debug("fetched file", "remote", remoteName, "local", localPath, "bytes", n)
	return nil
}

func (s *sftpSession) Push(localPath, remoteName string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrTransfer, localPath, err)
	}
	defer src.Close()

	// Write-only drop boxes refuse opens that ask for read access.
	dst, err := s.client.OpenFile(s.resolve(remoteName), os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrTransfer, remoteName, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("%w: put %s: %v", ErrTransfer, remoteName, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrTransfer, remoteName, err)
	}
	return nil
}

func (s *sftpSession) Rename(oldName, newName string) error {
	if err := s.client.Rename(s.resolve(oldName), s.resolve(newName)); err != nil {
		return fmt.Errorf("%w: %s -> %s: %v", ErrRename, oldName, newName, err)
	}
	return nil
}

func (s *sftpSession) Close() {
	if s.closed {
		return
	}
	s.closed = true

	if err := s.client.Close(); err != nil {
		s.logger.Warn("closing SFTP client", "error", err)
	}
	if s.ssh != nil {
		if err := s.ssh.Close(); err != nil {
			s.logger.Warn("closing SSH connection", "error", err)
		}
	}
}
