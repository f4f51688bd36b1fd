package transport

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newMemSFTP starts an in-memory SFTP request server on a loopback socket
// and returns a session connected to it plus the raw client for seeding.
func newMemSFTP(t *testing.T) (*sftpSession, *sftp.Client) {
	t.Helper()
	return newSFTPWithHandlers(t, sftp.InMemHandler())
}

func newSFTPWithHandlers(t *testing.T, handlers sftp.Handlers) (*sftpSession, *sftp.Client) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		srv := sftp.NewRequestServer(conn, handlers)
		_ = srv.Serve()
		_ = srv.Close()
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	client, err := sftp.NewClientPipe(conn, conn)
	require.NoError(t, err)

	sess := newSFTPSession(client, conn, discardLogger())
	t.Cleanup(sess.Close)
	return sess, client
}

func putRemote(t *testing.T, c *sftp.Client, name, content string) {
	t.Helper()
	f, err := c.Create(name)
	require.NoError(t, err)
	_, err = f.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func readRemote(t *testing.T, c *sftp.Client, name string) string {
	t.Helper()
	f, err := c.Open(name)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return string(data)
}

func TestSFTPSessionListSkipsDirectories(t *testing.T) {
	sess, raw := newMemSFTP(t)

	require.NoError(t, raw.Mkdir("/in"))
	require.NoError(t, raw.Mkdir("/in/archive"))
	putRemote(t, raw, "/in/order1.edi", "ISA*00*")
	putRemote(t, raw, "/in/Xorder0.edi", "ISA*00*")

	require.NoError(t, sess.ChangeDir("/in"))

	names, err := sess.List()
	require.NoError(t, err)
	sort.Strings(names)
	assert.Equal(t, []string{"Xorder0.edi", "order1.edi"}, names)
}

func TestSFTPSessionChangeDirMissing(t *testing.T) {
	sess, raw := newMemSFTP(t)
	putRemote(t, raw, "/afile", "x")

	err := sess.ChangeDir("/does-not-exist")
	require.ErrorIs(t, err, ErrPath)

	err = sess.ChangeDir("/afile")
	require.ErrorIs(t, err, ErrPath, "a regular file is not a directory")
}

func TestSFTPSessionFetchPushRename(t *testing.T) {
	sess, raw := newMemSFTP(t)
	require.NoError(t, raw.Mkdir("/in"))
	require.NoError(t, raw.Mkdir("/out"))
	putRemote(t, raw, "/in/invoice.edi", "ISA*00*payload")

	local := t.TempDir()

	require.NoError(t, sess.ChangeDir("/in"))
	require.NoError(t, sess.Fetch("invoice.edi", filepath.Join(local, "invoice.edi")))

	data, err := os.ReadFile(filepath.Join(local, "invoice.edi"))
	require.NoError(t, err)
	assert.Equal(t, "ISA*00*payload", string(data))

	// No temp files are left behind next to the download.
	entries, err := os.ReadDir(local)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, sess.Rename("invoice.edi", "Xinvoice.edi"))
	names, err := sess.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"Xinvoice.edi"}, names)

	require.NoError(t, sess.ChangeDir("/out"))
	require.NoError(t, sess.Push(filepath.Join(local, "invoice.edi"), "invoice.edi"))
	assert.Equal(t, "ISA*00*payload", readRemote(t, raw, "/out/invoice.edi"))
}

// writeOnlyPut behaves like a drop box that refuses uploads opened with
// read access.
type writeOnlyPut struct {
	sftp.FileWriter
}

func (w writeOnlyPut) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	if r.Pflags().Read {
		return nil, os.ErrPermission
	}
	return w.FileWriter.Filewrite(r)
}

func TestSFTPSessionPushWriteOnlyServer(t *testing.T) {
	handlers := sftp.InMemHandler()
	handlers.FilePut = writeOnlyPut{handlers.FilePut}

	sess, raw := newSFTPWithHandlers(t, handlers)
	require.NoError(t, raw.Mkdir("/out"))
	require.NoError(t, sess.ChangeDir("/out"))

	local := filepath.Join(t.TempDir(), "invoice.edi")
	require.NoError(t, os.WriteFile(local, []byte("ISA*00*payload"), 0o644))

	require.NoError(t, sess.Push(local, "invoice.edi"))
	assert.Equal(t, "ISA*00*payload", readRemote(t, raw, "/out/invoice.edi"))

	// A second push truncates rather than appending.
	require.NoError(t, os.WriteFile(local, []byte("ISA*01"), 0o644))
	require.NoError(t, sess.Push(local, "invoice.edi"))
	assert.Equal(t, "ISA*01", readRemote(t, raw, "/out/invoice.edi"))
}

func TestSFTPSessionFetchMissing(t *testing.T) {
	sess, raw := newMemSFTP(t)
	require.NoError(t, raw.Mkdir("/in"))
	require.NoError(t, sess.ChangeDir("/in"))

	local := t.TempDir()
	err := sess.Fetch("nope.edi", filepath.Join(local, "nope.edi"))
	require.ErrorIs(t, err, ErrTransfer)

	_, statErr := os.Stat(filepath.Join(local, "nope.edi"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestSFTPSessionPushMissingLocal(t *testing.T) {
	sess, _ := newMemSFTP(t)
	err := sess.Push(filepath.Join(t.TempDir(), "missing.edi"), "missing.edi")
	require.ErrorIs(t, err, ErrTransfer)
}

func TestSFTPSessionCloseIdempotent(t *testing.T) {
	sess, _ := newMemSFTP(t)
	sess.Close()
	sess.Close()
	assert.True(t, sess.closed)
}

func TestDialRefused(t *testing.T) {
	// Grab a free port and release it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	d := NewDialer(Options{Timeout: 2 * time.Second}, discardLogger())

	for _, proto := range []Protocol{ProtocolFTP, ProtocolSFTP} {
		t.Run(string(proto), func(t *testing.T) {
			_, err := d.Dial(context.Background(), Endpoint{
				PartnerID: "ACME",
				Protocol:  proto,
				Host:      "127.0.0.1",
				Port:      port,
				Username:  "edi",
				Password:  "secret",
			})
			require.ErrorIs(t, err, ErrConnection)
		})
	}
}

func TestDialUnsupportedProtocol(t *testing.T) {
	d := NewDialer(Options{}, discardLogger())
	_, err := d.Dial(context.Background(), Endpoint{Protocol: "as2", Host: "localhost", Port: 4080})
	require.ErrorIs(t, err, ErrConnection)
	assert.Contains(t, err.Error(), "unsupported protocol")
}

func TestSFTPDialWithoutCredentials(t *testing.T) {
	d := NewDialer(Options{Timeout: time.Second}, discardLogger())
	_, err := d.Dial(context.Background(), Endpoint{Protocol: ProtocolSFTP, Host: "127.0.0.1", Port: 22, Username: "edi"})
	require.ErrorIs(t, err, ErrConnection)
	assert.Contains(t, err.Error(), "no password or key_file")
}

func TestParseProtocol(t *testing.T) {
	tests := []struct {
		in      string
		want    Protocol
		wantErr bool
	}{
		{"ftp", ProtocolFTP, false},
		{"FTP", ProtocolFTP, false},
		{" sftp ", ProtocolSFTP, false},
		{"SFTP", ProtocolSFTP, false},
		{"ftps", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseProtocol(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestEndpointAddr(t *testing.T) {
	assert.Equal(t, "ftp.example.com:21", Endpoint{Host: "ftp.example.com", Port: 21}.Addr())
	assert.Equal(t, "[::1]:22", Endpoint{Host: "::1", Port: 22}.Addr())
}

func TestLogWriterSplitsLines(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	w := newLogWriter(logger.With("partner", "ACME"))

	_, _ = w.Write([]byte("220 Welcome\r\nUSER ed"))
	_, _ = w.Write([]byte("i\r\n331 Password required\r\n"))
	_, _ = w.Write([]byte("PASS ****"))
	w.Flush()

	out := buf.String()
	assert.Equal(t, 4, strings.Count(out, "protocol debug"))
	assert.Contains(t, out, `line="220 Welcome"`)
	assert.Contains(t, out, `line="USER edi"`)
	assert.Contains(t, out, `line="PASS ****"`)
	assert.Contains(t, out, "partner=ACME")
}

func TestWriteLocal(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.edi")

	n, err := writeLocal(dest, strings.NewReader("hello"))
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = writeLocal(filepath.Join(dir, "missing", "out.edi"), strings.NewReader("x"))
	assert.Error(t, err)
}
