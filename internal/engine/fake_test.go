package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/BadgerOps/edirelay/internal/transport"
)

// fakeRemote is one partner's server: directory -> file name -> content.
type fakeRemote struct {
	dirs map[string]map[string][]byte

	dialErr   error
	listErr   error
	fetchErr  map[string]error
	renameErr map[string]error
	pushErr   error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		dirs:      map[string]map[string][]byte{"/": {}},
		fetchErr:  map[string]error{},
		renameErr: map[string]error{},
	}
}

func (r *fakeRemote) put(dir, name, content string) {
	if r.dirs[dir] == nil {
		r.dirs[dir] = map[string][]byte{}
	}
	r.dirs[dir][name] = []byte(content)
}

func (r *fakeRemote) names(dir string) []string {
	var out []string
	for n := range r.dirs[dir] {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// fakeDialer hands out sessions against in-memory remotes keyed by partner ID.
type fakeDialer struct {
	mu      sync.Mutex
	remotes map[string]*fakeRemote
	dials   map[string]int
	fetches map[string]int
	closed  int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		remotes: map[string]*fakeRemote{},
		dials:   map[string]int{},
		fetches: map[string]int{},
	}
}

func (d *fakeDialer) remote(id string) *fakeRemote {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.remotes[id]
	if !ok {
		r = newFakeRemote()
		d.remotes[id] = r
	}
	return r
}

func (d *fakeDialer) totalDials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.dials {
		n += c
	}
	return n
}

func (d *fakeDialer) Dial(ctx context.Context, ep transport.Endpoint) (transport.Session, error) {
	r := d.remote(ep.PartnerID)

	d.mu.Lock()
	d.dials[ep.PartnerID]++
	d.mu.Unlock()

	if r.dialErr != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrConnection, r.dialErr)
	}
	return &fakeSession{dialer: d, partnerID: ep.PartnerID, remote: r, cwd: "/"}, nil
}

type fakeSession struct {
	dialer    *fakeDialer
	partnerID string
	remote    *fakeRemote
	cwd       string
	closed    bool
}

func (s *fakeSession) ChangeDir(path string) error {
	if _, ok := s.remote.dirs[path]; !ok {
		return fmt.Errorf("%w: %s", transport.ErrPath, path)
	}
	s.cwd = path
	return nil
}

func (s *fakeSession) List() ([]string, error) {
	if s.remote.listErr != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrTransfer, s.remote.listErr)
	}
	return s.remote.names(s.cwd), nil
}

func (s *fakeSession) Fetch(remoteName, localPath string) error {
	if err := s.remote.fetchErr[remoteName]; err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransfer, err)
	}
	data, ok := s.remote.dirs[s.cwd][remoteName]
	if !ok {
		return fmt.Errorf("%w: %s not found", transport.ErrTransfer, remoteName)
	}
	s.dialer.mu.Lock()
	s.dialer.fetches[s.partnerID+":"+remoteName]++
	s.dialer.mu.Unlock()
	return os.WriteFile(localPath, data, 0644)
}

func (s *fakeSession) Push(localPath, remoteName string) error {
	if s.remote.pushErr != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransfer, s.remote.pushErr)
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransfer, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransfer, err)
	}
	s.remote.put(s.cwd, remoteName, string(data))
	return nil
}

func (s *fakeSession) Rename(oldName, newName string) error {
	if err := s.remote.renameErr[oldName]; err != nil {
		return fmt.Errorf("%w: %v", transport.ErrRename, err)
	}
	dir := s.remote.dirs[s.cwd]
	data, ok := dir[oldName]
	if !ok {
		return fmt.Errorf("%w: %s not found", transport.ErrRename, oldName)
	}
	if _, exists := dir[newName]; exists {
		return fmt.Errorf("%w: %s already exists", transport.ErrRename, newName)
	}
	delete(dir, oldName)
	dir[newName] = data
	return nil
}

func (s *fakeSession) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.dialer.mu.Lock()
	s.dialer.closed++
	s.dialer.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func isaFor(receiver string) string {
	return "ISA*00*          *00*          *ZZ*SENDER         *ZZ*" +
		fmt.Sprintf("%-15s", receiver) +
		"*210101*1200*^*00501*000000001*0*P*:~\nGS*PO*SENDER*" + strings.TrimSpace(receiver) + "~\n"
}
