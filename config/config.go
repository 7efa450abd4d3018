// Package config provides configuration management for the tunnel supervisor.
// It handles loading, saving, and validating the daemon settings.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/tunnel-supervisor/common"
)

// Config represents the application configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	// StateDir holds the mailbox files shared with the external control process.
	StateDir string `yaml:"state_dir"`
	// HistoryDB is the SQLite file used for session history.
	HistoryDB string `yaml:"history_db"`
	// DeepLinkScheme is the URL scheme accepted by --deep-link, without "://".
	DeepLinkScheme string `yaml:"deep_link_scheme"`

	Relay     RelayConfig     `yaml:"relay"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
	Consent   ConsentConfig   `yaml:"consent"`
	Intervals IntervalsConfig `yaml:"intervals"`

	path string
}

// RelayConfig describes the external relay program.
type RelayConfig struct {
	// Path is the relay executable.
	Path string `yaml:"path"`
	// Args is the argument template. "{device}" expands to the inherited
	// tunnel handle reference and "{proxy}" to the upstream proxy address.
	Args []string `yaml:"args"`
	// ProxyScheme is the scheme of the upstream proxy address.
	ProxyScheme string `yaml:"proxy_scheme"`
	// ProxyHost is the host of the upstream proxy address.
	ProxyHost string `yaml:"proxy_host"`
	// DefaultPort is used when a start command carries no valid port.
	DefaultPort int `yaml:"default_port"`
}

// TunnelConfig holds the virtual interface parameters.
type TunnelConfig struct {
	Name    string   `yaml:"name"`
	Address string   `yaml:"address"`
	Route   string   `yaml:"route"`
	DNS     []string `yaml:"dns"`
	MTU     int      `yaml:"mtu"`
	// ExcludedUIDs are users whose traffic bypasses the tunnel. The
	// supervisor's own uid is always added.
	ExcludedUIDs []int `yaml:"excluded_uids"`
	// RouteTable is the policy routing table used for the tunnel default route.
	RouteTable int `yaml:"route_table"`
}

// ConsentConfig selects how user consent for the tunnel is obtained.
type ConsentConfig struct {
	// Mode is "polkit" or "none".
	Mode string `yaml:"mode"`
	// Action is the polkit action id checked before opening the tunnel.
	Action string `yaml:"action"`
}

// IntervalsConfig holds the polling cadences.
type IntervalsConfig struct {
	CommandPoll time.Duration `yaml:"command_poll"`
	Liveness    time.Duration `yaml:"liveness"`
	RevokePoll  time.Duration `yaml:"revoke_poll"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dataDir := filepath.Join("~", ".local", "share", common.ConfigDirName)
	return &Config{
		StateDir:       dataDir,
		HistoryDB:      filepath.Join(dataDir, common.HistoryFileName),
		DeepLinkScheme: "tunsup",
		Relay: RelayConfig{
			Path:        filepath.Join(dataDir, "bin", "tun2socks"),
			Args:        []string{"{device}", "{proxy}"},
			ProxyScheme: common.DefaultScheme,
			ProxyHost:   common.DefaultProxyHost,
			DefaultPort: common.DefaultProxyPort,
		},
		Tunnel: TunnelConfig{
			Name:       common.DefaultTunName,
			Address:    "10.0.0.2/32",
			Route:      "0.0.0.0/0",
			DNS:        []string{"8.8.8.8", "8.8.4.4"},
			MTU:        common.DefaultMTU,
			RouteTable: common.DefaultRouteTable,
		},
		Consent: ConsentConfig{
			Mode:   common.ConsentModePolkit,
			Action: "org.freedesktop.NetworkManager.network-control",
		},
		Intervals: IntervalsConfig{
			CommandPoll: common.CommandPollInterval,
			Liveness:    common.LivenessInterval,
			RevokePoll:  common.RevokePollInterval,
		},
	}
}

// Load loads the configuration from the default config file.
// If the file doesn't exist, it creates one with default values.
func Load() (*Config, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(configPath)
}

// LoadFrom loads the configuration from path, writing defaults there
// when the file does not exist yet.
func LoadFrom(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.path = configPath
		if err := cfg.Save(); err != nil {
			return cfg, err
		}
		cfg.expand()
		return cfg, nil
	}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfigLoad, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	config := DefaultConfig()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("%w: error parsing %s: %v", common.ErrConfigLoad, configPath, err)
	}
	config.path = configPath

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	config.expand()

	return config, nil
}

// validate rejects unusable values and falls back to defaults for
// values that are merely out of range.
func (c *Config) validate() error {
	defaults := DefaultConfig()

	if c.StateDir == "" {
		c.StateDir = defaults.StateDir
	}
	if c.Relay.Path == "" {
		return fmt.Errorf("relay.path is required")
	}
	if len(c.Relay.Args) == 0 {
		c.Relay.Args = defaults.Relay.Args
	}
	if c.Relay.DefaultPort <= 0 || c.Relay.DefaultPort > 65535 {
		c.Relay.DefaultPort = common.DefaultProxyPort
	}
	if c.Relay.ProxyScheme == "" {
		c.Relay.ProxyScheme = common.DefaultScheme
	}
	if c.Relay.ProxyHost == "" {
		c.Relay.ProxyHost = common.DefaultProxyHost
	}

	if _, err := netip.ParsePrefix(c.Tunnel.Address); err != nil {
		return fmt.Errorf("tunnel.address: %w", err)
	}
	if _, err := netip.ParsePrefix(c.Tunnel.Route); err != nil {
		return fmt.Errorf("tunnel.route: %w", err)
	}
	for _, dns := range c.Tunnel.DNS {
		if _, err := netip.ParseAddr(dns); err != nil {
			return fmt.Errorf("tunnel.dns: %w", err)
		}
	}
	if c.Tunnel.MTU < 576 || c.Tunnel.MTU > 65535 {
		c.Tunnel.MTU = common.DefaultMTU
	}
	if c.Tunnel.Name == "" {
		c.Tunnel.Name = common.DefaultTunName
	}
	if c.Tunnel.RouteTable <= 0 {
		c.Tunnel.RouteTable = common.DefaultRouteTable
	}

	switch c.Consent.Mode {
	case common.ConsentModePolkit, common.ConsentModeNone:
	default:
		c.Consent.Mode = common.ConsentModePolkit // Fallback to default
	}
	if c.Consent.Action == "" {
		c.Consent.Action = defaults.Consent.Action
	}

	if c.Intervals.CommandPoll <= 0 {
		c.Intervals.CommandPoll = common.CommandPollInterval
	}
	if c.Intervals.Liveness <= 0 {
		c.Intervals.Liveness = common.LivenessInterval
	}
	if c.Intervals.RevokePoll <= 0 {
		c.Intervals.RevokePoll = common.RevokePollInterval
	}

	c.DeepLinkScheme = strings.TrimSuffix(c.DeepLinkScheme, "://")
	if c.DeepLinkScheme == "" {
		c.DeepLinkScheme = defaults.DeepLinkScheme
	}
	return nil
}

// expand resolves "~/" prefixes in path settings.
func (c *Config) expand() {
	c.StateDir = common.ExpandHome(c.StateDir)
	c.HistoryDB = common.ExpandHome(c.HistoryDB)
	c.Relay.Path = common.ExpandHome(c.Relay.Path)
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Save saves the configuration to the file
func (c *Config) Save() error {
	configPath := c.path
	if configPath == "" {
		var err error
		if configPath, err = getConfigPath(); err != nil {
			return err
		}
	}

	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("%w: error creating config directory: %v", common.ErrConfigSave, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: error serializing configuration: %v", common.ErrConfigSave, err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigSave, err)
	}

	return nil
}

func getConfigPath() (string, error) {
	configDir, err := common.GetConfigDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, common.ConfigFileName), nil
}
