package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"
	"time"

	ftpserver "github.com/fclairamb/ftpserverlib"
	"github.com/jlaffaye/ftp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testFTPUser     = "edi"
	testFTPPassword = "secret"
)

// memFTPDriver serves one shared in-memory filesystem to every client.
type memFTPDriver struct {
	fs afero.Fs
}

func (d *memFTPDriver) GetSettings() (*ftpserver.Settings, error) {
	return &ftpserver.Settings{ListenAddr: "127.0.0.1:0"}, nil
}

func (d *memFTPDriver) ClientConnected(cc ftpserver.ClientContext) (string, error) {
	return "edirelay test server", nil
}

func (d *memFTPDriver) ClientDisconnected(cc ftpserver.ClientContext) {}

func (d *memFTPDriver) AuthUser(cc ftpserver.ClientContext, user, pass string) (ftpserver.ClientDriver, error) {
	if user != testFTPUser || pass != testFTPPassword {
		return nil, errors.New("bad credentials")
	}
	return d.fs, nil
}

func (d *memFTPDriver) GetTLSConfig() (*tls.Config, error) {
	return nil, errors.New("tls not configured")
}

// newMemFTP starts an FTP server on a loopback socket backed by an
// in-memory filesystem and returns its endpoint and filesystem.
func newMemFTP(t *testing.T) (Endpoint, afero.Fs) {
	t.Helper()

	fs := afero.NewMemMapFs()
	server := ftpserver.NewFtpServer(&memFTPDriver{fs: fs})
	require.NoError(t, server.Listen())
	go func() { _ = server.Serve() }()
	t.Cleanup(func() { _ = server.Stop() })

	host, portStr, err := net.SplitHostPort(server.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return Endpoint{
		PartnerID: "ACME",
		Protocol:  ProtocolFTP,
		Host:      host,
		Port:      port,
		Username:  testFTPUser,
		Password:  testFTPPassword,
	}, fs
}

func dialMemFTP(t *testing.T, ep Endpoint, opts Options, logger *slog.Logger) *ftpSession {
	t.Helper()
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	sess, err := dialFTP(context.Background(), ep, opts, logger)
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	return sess.(*ftpSession)
}

func seedFile(t *testing.T, fs afero.Fs, name, content string) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Dir(name), 0o755))
	require.NoError(t, afero.WriteFile(fs, name, []byte(content), 0o644))
}

func TestFTPSessionList(t *testing.T) {
	ep, fs := newMemFTP(t)
	seedFile(t, fs, "/in/order1.edi", "ISA*00*")
	seedFile(t, fs, "/in/Xorder0.edi", "ISA*00*")

	sess := dialMemFTP(t, ep, Options{}, discardLogger())
	require.NoError(t, sess.ChangeDir("/in"))

	names, err := sess.List()
	require.NoError(t, err)
	sort.Strings(names)
	assert.Equal(t, []string{"Xorder0.edi", "order1.edi"}, names)
}

func TestFTPSessionListEmptyDirectory(t *testing.T) {
	ep, fs := newMemFTP(t)
	require.NoError(t, fs.MkdirAll("/in", 0o755))

	sess := dialMemFTP(t, ep, Options{}, discardLogger())
	require.NoError(t, sess.ChangeDir("/in"))

	names, err := sess.List()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestFTPSessionChangeDirMissing(t *testing.T) {
	ep, _ := newMemFTP(t)
	sess := dialMemFTP(t, ep, Options{}, discardLogger())

	err := sess.ChangeDir("/does-not-exist")
	require.ErrorIs(t, err, ErrPath)
}

func TestFTPSessionFetchPushRename(t *testing.T) {
	ep, fs := newMemFTP(t)
	seedFile(t, fs, "/in/invoice.edi", "ISA*00*payload")
	require.NoError(t, fs.MkdirAll("/out", 0o755))

	sess := dialMemFTP(t, ep, Options{}, discardLogger())
	local := t.TempDir()

	require.NoError(t, sess.ChangeDir("/in"))
	require.NoError(t, sess.Fetch("invoice.edi", filepath.Join(local, "invoice.edi")))

	data, err := os.ReadFile(filepath.Join(local, "invoice.edi"))
	require.NoError(t, err)
	assert.Equal(t, "ISA*00*payload", string(data))

	require.NoError(t, sess.Rename("invoice.edi", "Xinvoice.edi"))
	names, err := sess.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"Xinvoice.edi"}, names)

	require.NoError(t, sess.ChangeDir("/out"))
	require.NoError(t, sess.Push(filepath.Join(local, "invoice.edi"), "invoice.edi"))

	got, err := afero.ReadFile(fs, "/out/invoice.edi")
	require.NoError(t, err)
	assert.Equal(t, "ISA*00*payload", string(got))
}

func TestFTPSessionRenameMissing(t *testing.T) {
	ep, fs := newMemFTP(t)
	require.NoError(t, fs.MkdirAll("/in", 0o755))

	sess := dialMemFTP(t, ep, Options{}, discardLogger())
	require.NoError(t, sess.ChangeDir("/in"))

	err := sess.Rename("nope.edi", "Xnope.edi")
	require.ErrorIs(t, err, ErrRename)
}

func TestFTPSessionFetchLocalFailureKeepsSessionUsable(t *testing.T) {
	ep, fs := newMemFTP(t)
	seedFile(t, fs, "/in/invoice.edi", "ISA*00*payload")

	sess := dialMemFTP(t, ep, Options{}, discardLogger())
	require.NoError(t, sess.ChangeDir("/in"))

	// The local directory does not exist, so the copy fails after RETR
	// succeeded. The transfer must still be closed out on the wire.
	err := sess.Fetch("invoice.edi", filepath.Join(t.TempDir(), "missing", "invoice.edi"))
	require.ErrorIs(t, err, ErrTransfer)

	names, err := sess.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"invoice.edi"}, names)
}

func TestFTPSessionFetchMissing(t *testing.T) {
	ep, fs := newMemFTP(t)
	require.NoError(t, fs.MkdirAll("/in", 0o755))

	sess := dialMemFTP(t, ep, Options{}, discardLogger())
	require.NoError(t, sess.ChangeDir("/in"))

	local := filepath.Join(t.TempDir(), "nope.edi")
	err := sess.Fetch("nope.edi", local)
	require.ErrorIs(t, err, ErrTransfer)

	_, statErr := os.Stat(local)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFTPDialBadLogin(t *testing.T) {
	ep, _ := newMemFTP(t)
	ep.Password = "wrong"

	_, err := dialFTP(context.Background(), ep, Options{Timeout: 5 * time.Second}, discardLogger())
	require.ErrorIs(t, err, ErrConnection)
	assert.Contains(t, err.Error(), "login as edi")
}

func TestFTPSessionCloseIdempotent(t *testing.T) {
	ep, _ := newMemFTP(t)
	sess := dialMemFTP(t, ep, Options{}, discardLogger())

	sess.Close()
	sess.Close()
	assert.True(t, sess.closed)
}

func TestFTPDebugOutputIsLogged(t *testing.T) {
	ep, _ := newMemFTP(t)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	sess := dialMemFTP(t, ep, Options{Debug: true}, logger)
	_, err := sess.List()
	require.NoError(t, err)
	sess.Close()

	out := buf.String()
	assert.Contains(t, out, "protocol debug")
	assert.Contains(t, out, "USER edi")
	assert.Contains(t, out, "NLST")
}

func TestEmptyListing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"proftpd 450", &textproto.Error{Code: ftp.StatusFileActionIgnored, Msg: "No files found"}, true},
		{"vsftpd 550", &textproto.Error{Code: ftp.StatusFileUnavailable, Msg: "No files found."}, true},
		{"550 permission", &textproto.Error{Code: ftp.StatusFileUnavailable, Msg: "Permission denied"}, false},
		{"421 no files", &textproto.Error{Code: ftp.StatusNotAvailable, Msg: "No files, shutting down"}, false},
		{"plain error", errors.New("no files"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, emptyListing(tt.err))
		})
	}
}

func TestListEntries(t *testing.T) {
	got := listEntries([]string{".", "..", "", "order1.edi", "in/order2.edi", "/in/Xorder0.edi "})
	assert.Equal(t, []string{"order1.edi", "order2.edi", "Xorder0.edi"}, got)
}
