package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/yllada/tunnel-supervisor/common"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Relay.DefaultPort != 10808 {
		t.Errorf("Relay.DefaultPort = %v, want 10808", cfg.Relay.DefaultPort)
	}
	if cfg.Tunnel.MTU != 1500 {
		t.Errorf("Tunnel.MTU = %v, want 1500", cfg.Tunnel.MTU)
	}
	if cfg.Tunnel.Address != "10.0.0.2/32" {
		t.Errorf("Tunnel.Address = %v, want 10.0.0.2/32", cfg.Tunnel.Address)
	}
	if len(cfg.Tunnel.DNS) != 2 {
		t.Errorf("Tunnel.DNS = %v, want two resolvers", cfg.Tunnel.DNS)
	}
	if cfg.Intervals.CommandPoll != 300*time.Millisecond {
		t.Errorf("Intervals.CommandPoll = %v, want 300ms", cfg.Intervals.CommandPoll)
	}
	if cfg.Intervals.Liveness != 2*time.Second {
		t.Errorf("Intervals.Liveness = %v, want 2s", cfg.Intervals.Liveness)
	}
	if got := strings.Join(cfg.Relay.Args, " "); got != "{device} {proxy}" {
		t.Errorf("Relay.Args = %q, want positional device and proxy", got)
	}
}

func TestLoadFrom_WritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if !common.FileExists(path) {
		t.Fatal("LoadFrom() should write a default config file")
	}
	if strings.HasPrefix(cfg.StateDir, "~") {
		t.Errorf("StateDir = %v, want home expanded", cfg.StateDir)
	}

	again, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() reload error = %v", err)
	}
	if again.Intervals.Liveness != cfg.Intervals.Liveness {
		t.Errorf("reloaded Liveness = %v, want %v", again.Intervals.Liveness, cfg.Intervals.Liveness)
	}
	if again.Path() != path {
		t.Errorf("Path() = %v, want %v", again.Path(), path)
	}
}

func TestLoadFrom_Overrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `state_dir: ` + dir + `
relay:
  path: /opt/relay/tun2socks
  args: ["-device", "{device}", "-proxy", "{proxy}"]
  default_port: 0
tunnel:
  mtu: 9
  dns: ["1.1.1.1"]
consent:
  mode: bogus
intervals:
  command_poll: 50ms
  liveness: 1s
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}

	if cfg.StateDir != dir {
		t.Errorf("StateDir = %v, want %v", cfg.StateDir, dir)
	}
	if cfg.Relay.Path != "/opt/relay/tun2socks" {
		t.Errorf("Relay.Path = %v", cfg.Relay.Path)
	}
	if len(cfg.Relay.Args) != 4 {
		t.Errorf("Relay.Args = %v, want the flag template", cfg.Relay.Args)
	}
	if cfg.Relay.DefaultPort != common.DefaultProxyPort {
		t.Errorf("out of range DefaultPort should fall back, got %v", cfg.Relay.DefaultPort)
	}
	if cfg.Tunnel.MTU != common.DefaultMTU {
		t.Errorf("out of range MTU should fall back, got %v", cfg.Tunnel.MTU)
	}
	if cfg.Consent.Mode != common.ConsentModePolkit {
		t.Errorf("unknown consent mode should fall back, got %v", cfg.Consent.Mode)
	}
	if cfg.Intervals.CommandPoll != 50*time.Millisecond {
		t.Errorf("Intervals.CommandPoll = %v, want 50ms", cfg.Intervals.CommandPoll)
	}
	// Unset fields keep their defaults.
	if cfg.Tunnel.Address != "10.0.0.2/32" {
		t.Errorf("Tunnel.Address = %v, want default", cfg.Tunnel.Address)
	}
}

func TestLoadFrom_RejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("theme: dark\n"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFrom(path)
	if !errors.Is(err, common.ErrConfigLoad) {
		t.Errorf("LoadFrom() error = %v, want ErrConfigLoad", err)
	}
}

func TestLoadFrom_RejectsBadAddresses(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"address", "tunnel:\n  address: 10.0.0.2\n"},
		{"route", "tunnel:\n  route: default\n"},
		{"dns", "tunnel:\n  dns: [\"dns.google\"]\n"},
		{"relay path", "relay:\n  path: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadFrom(path); err == nil {
				t.Errorf("LoadFrom() should reject invalid %s", tt.name)
			}
		})
	}
}
