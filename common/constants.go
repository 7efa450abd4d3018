// Package common provides shared constants, types, and utilities
// used across the tunnel supervisor.
package common

import "time"

// Application metadata.
const (
	// AppName is the display name of the application.
	AppName = "Tunnel Supervisor"
	// ConfigDirName is the name of the configuration and data directories.
	ConfigDirName = "tunnel-supervisor"
)

// File names used by the application.
const (
	ConfigFileName  = "config.yaml"
	LogFileName     = "tunnel-supervisor.log"
	RelayLogName    = "relay.log"
	HistoryFileName = "history.db"
)

// UnknownUID marks a requesting user that could not be determined.
const UnknownUID = -1

// Mailbox file names inside the state directory. The external control
// process depends on these names; do not rename them.
const (
	CommandFileName  = ".vpn_command"
	StatusFileName   = ".vpn_status"
	DeepLinkFileName = ".deep_link"
	OpenURLFileName  = ".open_url"
	PathsFileName    = ".paths"
)

// Default timeouts and intervals.
const (
	// CommandPollInterval is how often the command mailbox is checked.
	CommandPollInterval = 300 * time.Millisecond
	// LivenessInterval is how often the relay process is checked.
	LivenessInterval = 2 * time.Second
	// RevokePollInterval is how often a held tunnel interface is checked for removal.
	RevokePollInterval = 1 * time.Second
	// StatusWaitTimeout bounds how long the CLI waits for a terminal status.
	StatusWaitTimeout = 30 * time.Second
	// ConsentTimeout bounds an interactive consent prompt.
	ConsentTimeout = 2 * time.Minute
)

// Relay and tunnel defaults.
const (
	// DefaultProxyPort is used when a start command carries no valid port.
	DefaultProxyPort = 10808
	DefaultProxyHost = "127.0.0.1"
	DefaultScheme    = "socks5"
	DefaultTunName   = "tun0"
	DefaultMTU       = 1500
	// DefaultRouteTable is the policy routing table that holds the tunnel default route.
	DefaultRouteTable = 7890
)

// Consent modes.
const (
	ConsentModePolkit = "polkit"
	ConsentModeNone   = "none"
)
