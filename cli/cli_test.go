package cli

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/yllada/tunnel-supervisor/common"
	"github.com/yllada/tunnel-supervisor/config"
	"github.com/yllada/tunnel-supervisor/history"
	"github.com/yllada/tunnel-supervisor/mailbox"
	"github.com/yllada/tunnel-supervisor/vpn"
)

func testCLI(t *testing.T) *CLI {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.StateDir = t.TempDir()
	cfg.HistoryDB = filepath.Join(cfg.StateDir, "history.db")
	c := New(cfg)
	c.timeout = 2 * time.Second
	return c
}

// answer consumes the next command and publishes token, like the daemon.
func answer(t *testing.T, c *CLI, token string) {
	t.Helper()
	go func() {
		box := c.commands.Mailbox()
		for i := 0; i < 100; i++ {
			if _, ok, _ := box.Take(); ok {
				c.status.Publish(token)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
}

func TestCLI_StartWritesCommand(t *testing.T) {
	c := testCLI(t)

	if err := c.Start(context.Background(), 1080, false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	payload, ok, err := c.commands.Mailbox().Peek()
	if err != nil || !ok {
		t.Fatalf("Peek() = %q, %v, %v", payload, ok, err)
	}
	if payload != "start:1080" {
		t.Errorf("command = %q, want start:1080", payload)
	}
}

func TestCLI_StartDefaultPort(t *testing.T) {
	c := testCLI(t)

	if err := c.Start(context.Background(), 0, false); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	payload, _, _ := c.commands.Mailbox().Peek()
	if payload != "start:10808" {
		t.Errorf("command = %q, want start:10808", payload)
	}
}

func TestCLI_StartWait(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{"running", "running", false},
		{"denied", "denied", true},
		{"binary missing", "error:binary_missing", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testCLI(t)
			answer(t, c, tt.token)

			err := c.Start(context.Background(), 1080, true)
			if (err != nil) != tt.wantErr {
				t.Errorf("Start() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCLI_StartAlreadyRunning(t *testing.T) {
	c := testCLI(t)
	if err := c.status.Publish("running"); err != nil {
		t.Fatal(err)
	}

	// Returns at once instead of waiting for a status that never changes.
	if err := c.Start(context.Background(), 1080, true); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// A stale "running" must not keep the command from the daemon.
	payload, ok, _ := c.commands.Mailbox().Peek()
	if !ok || payload != "start:1080" {
		t.Errorf("command = %q, %v; want start:1080 sent despite the running status", payload, ok)
	}
}

func TestCLI_StartWaitTimeout(t *testing.T) {
	c := testCLI(t)
	c.timeout = 300 * time.Millisecond

	err := c.Start(context.Background(), 1080, true)
	if !errors.Is(err, common.ErrTimeout) {
		t.Errorf("Start() error = %v, want ErrTimeout", err)
	}
}

func TestCLI_StopWait(t *testing.T) {
	c := testCLI(t)
	if err := c.status.Publish("running"); err != nil {
		t.Fatal(err)
	}
	answer(t, c, "stopped")

	if err := c.Stop(context.Background(), true); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestCLI_OpenURLAndDeepLink(t *testing.T) {
	c := testCLI(t)

	if err := c.OpenURL("https://example.com"); err != nil {
		t.Fatalf("OpenURL() error = %v", err)
	}
	if got, ok, _ := mailbox.NewOpenURLBox(c.cfg.StateDir).Peek(); !ok || got != "https://example.com" {
		t.Errorf("queued URL = %q, %v", got, ok)
	}
	if err := c.OpenURL(""); !errors.Is(err, common.ErrInvalidURL) {
		t.Errorf("OpenURL(\"\") error = %v, want ErrInvalidURL", err)
	}

	if err := c.DeepLink("tunsup://import/abc"); err != nil {
		t.Fatalf("DeepLink() error = %v", err)
	}
	if err := c.DeepLink("https://elsewhere"); !errors.Is(err, common.ErrInvalidURL) {
		t.Errorf("DeepLink(other scheme) error = %v, want ErrInvalidURL", err)
	}
}

func TestCLI_HistoryAndClear(t *testing.T) {
	c := testCLI(t)

	store, err := history.Open(c.cfg.HistoryDB)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	store.Begin("0123456789abcdef", 1080, now.Add(-time.Minute))
	store.End("0123456789abcdef", "stopped", now)
	store.Close()

	if err := c.History(10); err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if err := c.ClearHistory(); err != nil {
		t.Fatalf("ClearHistory() error = %v", err)
	}

	store, err = history.Open(c.cfg.HistoryDB)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if entries, _ := store.List(0); len(entries) != 0 {
		t.Errorf("history not cleared: %v", entries)
	}
}

func TestCLI_Status(t *testing.T) {
	c := testCLI(t)
	if err := c.Status(); err != nil {
		t.Errorf("Status() with no status file error = %v", err)
	}
	c.status.Publish("error:relay_died")
	c.commands.Send(mailbox.Stop())
	for _, color := range []bool{false, true} {
		c.color = color
		if err := c.Status(); err != nil {
			t.Errorf("Status() color=%v error = %v", color, err)
		}
	}
}

func TestStatusStyle(t *testing.T) {
	tests := []struct {
		status vpn.Status
		style  lipgloss.Style
	}{
		{vpn.Running, okStyle},
		{vpn.Requesting, pendingStyle},
		{vpn.Establishing, pendingStyle},
		{vpn.Revoked, failStyle},
		{vpn.Failed(vpn.ReasonRelayDied), failStyle},
		{vpn.Failed(vpn.ReasonPermissionDenied), failStyle},
		{vpn.Stopped, dimStyle},
		{vpn.NotRunning, dimStyle},
	}

	for _, tt := range tests {
		got := statusStyle(tt.status)
		if got.GetForeground() != tt.style.GetForeground() || got.GetFaint() != tt.style.GetFaint() {
			t.Errorf("statusStyle(%v) picked the wrong style", tt.status)
		}
	}
}

func TestRender_PlainWithoutColor(t *testing.T) {
	c := testCLI(t)
	c.color = false
	if got := c.render(okStyle, "running"); got != "running" {
		t.Errorf("render() = %q, want plain text", got)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d        time.Duration
		expected string
	}{
		{5 * time.Second, "5s"},
		{90 * time.Second, "1m 30s"},
		{2*time.Hour + 3*time.Minute + 4*time.Second, "2h 3m 4s"},
	}

	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.expected {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.expected)
		}
	}
}
