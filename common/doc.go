// Package common provides shared constants, types, utilities, and interfaces
// used throughout the tunnel supervisor.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: mailbox file names, polling intervals, relay and tunnel defaults
//   - Errors: sentinel errors for the session error taxonomy
//   - Interfaces: status sink, URL opener, and session recorder abstractions
//   - Logger: leveled logging with an optional rotating file sink
//   - Utils: directory helpers
//
// # Usage
//
//	// Use constants
//	interval := common.LivenessInterval
//
//	// Use logger
//	common.LogInfo("Relay started with PID %d", pid)
//
//	// Check errors
//	if errors.Is(err, common.ErrBinaryMissing) {
//	    // Report a packaging defect
//	}
package common
