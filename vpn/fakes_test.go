package vpn

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yllada/tunnel-supervisor/tunnel"
)

// fakeBroker hands out pipe-backed handles through a real tunnel.Slot.
type fakeBroker struct {
	mu        sync.Mutex
	slot      tunnel.Slot
	err       error
	pending   bool
	requests  int
	gate      chan struct{}
	last      tunnel.Config
	releases  int32
	onConsent func(bool)
	onRevoke  func(*tunnel.Handle)
	closed    bool
}

func (b *fakeBroker) RequestHandle(_ context.Context, cfg tunnel.Config) (*tunnel.Handle, error) {
	b.mu.Lock()
	b.requests++
	b.last = cfg
	err := b.err
	pending := b.pending
	b.pending = false
	gate := b.gate
	b.gate = nil
	b.mu.Unlock()

	if gate != nil {
		<-gate
	}

	if pending {
		return nil, tunnel.ErrConsentPending
	}
	if err != nil {
		return nil, err
	}
	return b.slot.Acquire(func() (*os.File, string, error) {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, "", err
		}
		w.Close()
		return r, "tuntest0", nil
	}, func() {
		atomic.AddInt32(&b.releases, 1)
	})
}

func (b *fakeBroker) SetOnConsent(callback func(bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConsent = callback
}

func (b *fakeBroker) SetOnRevoke(callback func(*tunnel.Handle)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRevoke = callback
}

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBroker) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// lastConfig returns the tunnel parameters of the latest request.
func (b *fakeBroker) lastConfig() tunnel.Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

func (b *fakeBroker) Requests() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests
}

func (b *fakeBroker) Releases() int {
	return int(atomic.LoadInt32(&b.releases))
}

// fakeLauncher tracks pretend processes.
type fakeLauncher struct {
	mu         sync.Mutex
	err        error
	nextPid    int
	alive      map[int]bool
	launches   int
	terminated []int
	lastPath   string
	lastArgs   []string
	lastFiles  []*os.File
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nextPid: 1000, alive: make(map[int]bool)}
}

func (l *fakeLauncher) Launch(path string, args []string, inherited []*os.File) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return 0, l.err
	}
	l.nextPid++
	l.alive[l.nextPid] = true
	l.launches++
	l.lastPath = path
	l.lastArgs = args
	l.lastFiles = inherited
	return l.nextPid, nil
}

func (l *fakeLauncher) IsAlive(pid int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alive[pid]
}

func (l *fakeLauncher) Terminate(pid int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.alive[pid] {
		l.alive[pid] = false
		l.terminated = append(l.terminated, pid)
	}
	return nil
}

// kill simulates the relay dying on its own.
func (l *fakeLauncher) kill(pid int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alive[pid] = false
}

func (l *fakeLauncher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// recordingPublisher keeps every published token.
type recordingPublisher struct {
	mu     sync.Mutex
	tokens []string
}

func (p *recordingPublisher) Publish(token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = append(p.tokens, token)
	return nil
}

func (p *recordingPublisher) Tokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tokens...)
}

func (p *recordingPublisher) Last() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tokens) == 0 {
		return ""
	}
	return p.tokens[len(p.tokens)-1]
}

// fakeRecorder records history calls.
type fakeRecorder struct {
	mu    sync.Mutex
	began map[string]int
	ended map[string]string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{began: make(map[string]int), ended: make(map[string]string)}
}

func (r *fakeRecorder) Begin(id string, port int, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.began[id] = port
	return nil
}

func (r *fakeRecorder) End(id, outcome string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended[id] = outcome
	return nil
}

const testLiveness = 10 * time.Millisecond

type testRig struct {
	session   *Session
	broker    *fakeBroker
	launcher  *fakeLauncher
	publisher *recordingPublisher
	recorder  *fakeRecorder
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	rig := &testRig{
		broker:    &fakeBroker{},
		launcher:  newFakeLauncher(),
		publisher: &recordingPublisher{},
		recorder:  newFakeRecorder(),
	}
	supervisor := NewSupervisor(rig.launcher, testLiveness)
	cfg := SessionConfig{
		Tunnel: tunnel.Config{Name: "tun0", Address: "10.0.0.2/32", Route: "0.0.0.0/0", MTU: 1500},
		Relay: RelaySettings{
			Path:        "/opt/relay/tun2socks",
			Args:        []string{"{device}", "{proxy}"},
			ProxyScheme: "socks5",
			ProxyHost:   "127.0.0.1",
		},
	}
	rig.session = NewSession(cfg, rig.broker, rig.launcher, supervisor, rig.publisher, rig.recorder)

	t.Cleanup(func() {
		rig.session.Stop()
		supervisor.Close()
	})
	return rig
}

func waitFor(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", within)
}

func equalTokens(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
