// Package common provides shared constants, types, and utilities
// used across the tunnel supervisor.
package common

import "time"

// StatusWriter persists the session status token for the external
// control process. Each call overwrites the previous token.
type StatusWriter interface {
	Publish(token string) error
}

// URLOpener hands a URL to whatever the desktop uses to open links.
type URLOpener interface {
	Open(url string) error
}

// SessionRecorder keeps a record of tunnel sessions.
type SessionRecorder interface {
	// Begin records the start of a session.
	Begin(sessionID string, port int, at time.Time) error
	// End records the final status token of a session.
	End(sessionID string, outcome string, at time.Time) error
}
