package vpn

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yllada/tunnel-supervisor/common"
	"github.com/yllada/tunnel-supervisor/config"
	"github.com/yllada/tunnel-supervisor/mailbox"
)

type recordingOpener struct {
	mu   sync.Mutex
	urls []string
}

func (o *recordingOpener) Open(url string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.urls = append(o.urls, url)
	return nil
}

func (o *recordingOpener) Opened() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.urls...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.StateDir = t.TempDir()
	cfg.Relay.Path = "/opt/relay/tun2socks"
	cfg.Intervals.CommandPoll = 10 * time.Millisecond
	cfg.Intervals.Liveness = testLiveness
	return cfg
}

func TestService_CommandsDriveSession(t *testing.T) {
	cfg := testConfig(t)
	broker := &fakeBroker{}
	launcher := newFakeLauncher()
	opener := &recordingOpener{}

	svc := NewService(cfg, Deps{Broker: broker, Launcher: launcher, Opener: opener})

	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(context.Background()) }()

	status := mailbox.NewStatusFile(cfg.StateDir)
	producer := mailbox.NewCommandChannel(cfg.StateDir, cfg.Intervals.CommandPoll, cfg.Relay.DefaultPort)
	readStatus := func() string {
		tok, _ := status.Read()
		return tok
	}

	if err := producer.Send(mailbox.Start(1080)); err != nil {
		t.Fatalf("Send(start) error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return readStatus() == "running" })
	waitFor(t, time.Second, func() bool { return !common.FileExists(producer.Mailbox().Path()) })

	if err := producer.Send(mailbox.Stop()); err != nil {
		t.Fatalf("Send(stop) error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return readStatus() == "stopped" })

	if err := mailbox.NewOpenURLBox(cfg.StateDir).Put("https://example.com/login"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(opener.Opened()) == 1 })
	if got := opener.Opened()[0]; got != "https://example.com/login" {
		t.Errorf("opened %q", got)
	}

	paths, err := os.ReadFile(filepath.Join(cfg.StateDir, common.PathsFileName))
	if err != nil {
		t.Fatalf("paths file not written: %v", err)
	}
	if !strings.Contains(string(paths), "relay_dir=/opt/relay") {
		t.Errorf("paths file = %q", paths)
	}

	svc.Shutdown()
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after Shutdown")
	}
}

func TestService_UnknownCommandDiscarded(t *testing.T) {
	cfg := testConfig(t)
	svc := NewService(cfg, Deps{Broker: &fakeBroker{}, Launcher: newFakeLauncher(), Opener: &recordingOpener{}})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(ctx) }()

	box := mailbox.NewCommandChannel(cfg.StateDir, cfg.Intervals.CommandPoll, 0).Mailbox()
	if err := box.Put("reboot"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return !common.FileExists(box.Path()) })

	if svc.Session().State() != StateNotRunning {
		t.Errorf("State() = %v, want NotRunning", svc.Session().State())
	}

	cancel()
	if err := <-runErr; err != nil {
		t.Errorf("Run() error = %v", err)
	}
	svc.Shutdown()
}

func TestService_ShutdownStopsSession(t *testing.T) {
	cfg := testConfig(t)
	broker := &fakeBroker{}
	launcher := newFakeLauncher()
	svc := NewService(cfg, Deps{Broker: broker, Launcher: launcher, Opener: &recordingOpener{}})

	go svc.Run(context.Background())

	producer := mailbox.NewCommandChannel(cfg.StateDir, cfg.Intervals.CommandPoll, 0)
	if err := producer.Send(mailbox.Start(1080)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return svc.Session().State() == StateRunning })
	pid := svc.Session().Pid()

	svc.Shutdown()

	if svc.Session().State() != StateNotRunning {
		t.Errorf("State() = %v after Shutdown", svc.Session().State())
	}
	if launcher.IsAlive(pid) {
		t.Error("relay should be terminated by Shutdown")
	}
	if broker.Releases() != 1 {
		t.Errorf("handle released %d times, want 1", broker.Releases())
	}
}

func TestService_ShutdownWithoutRun(t *testing.T) {
	svc := NewService(testConfig(t), Deps{Broker: &fakeBroker{}, Launcher: newFakeLauncher()})

	done := make(chan struct{})
	go func() {
		svc.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown() blocked without Run")
	}
}

func TestService_RunClearsStaleStatus(t *testing.T) {
	tests := []struct {
		previous string
		want     string
	}{
		{"running", "stopped"},
		{"requesting", "stopped"},
		{"establishing", "stopped"},
		{"garbage", "stopped"},
		{"error:relay_died", "error:relay_died"},
		{"denied", "denied"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.previous, func(t *testing.T) {
			cfg := testConfig(t)
			status := mailbox.NewStatusFile(cfg.StateDir)
			if tt.previous != "" {
				if err := status.Publish(tt.previous); err != nil {
					t.Fatal(err)
				}
			}

			svc := NewService(cfg, Deps{Broker: &fakeBroker{}, Launcher: newFakeLauncher(), Opener: &recordingOpener{}})
			ctx, cancel := context.WithCancel(context.Background())
			runErr := make(chan error, 1)
			go func() { runErr <- svc.Run(ctx) }()

			waitFor(t, 2*time.Second, func() bool {
				return common.FileExists(filepath.Join(cfg.StateDir, common.PathsFileName))
			})
			cancel()
			<-runErr
			svc.Shutdown()

			if got, _ := status.Read(); got != tt.want {
				t.Errorf("status after restart = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestService_StartCarriesRequesterAndShutdownClosesBroker(t *testing.T) {
	cfg := testConfig(t)
	broker := &fakeBroker{}
	svc := NewService(cfg, Deps{Broker: broker, Launcher: newFakeLauncher(), Opener: &recordingOpener{}})

	go svc.Run(context.Background())

	producer := mailbox.NewCommandChannel(cfg.StateDir, cfg.Intervals.CommandPoll, 0)
	if err := producer.Send(mailbox.Start(1080)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return svc.Session().State() == StateRunning })

	if got := broker.lastConfig().Requester; got != os.Getuid() {
		t.Errorf("handle requested for uid %d, want the command file owner %d", got, os.Getuid())
	}

	svc.Shutdown()
	if !broker.Closed() {
		t.Error("Shutdown should close the broker")
	}
}
