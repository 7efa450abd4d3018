// Package common provides shared constants, types, and utilities
// used across the tunnel supervisor.
package common

import "errors"

// Sentinel errors for tunnel sessions.
// These can be checked with errors.Is() for proper error handling.
var (
	// Session errors. Every one of these ends the current session;
	// none of them is retried here.
	ErrPermissionDenied = errors.New("permission denied")
	ErrEstablishFailed  = errors.New("tunnel establishment failed")
	ErrBinaryMissing    = errors.New("relay binary missing")
	ErrNotExecutable    = errors.New("relay binary not executable")
	ErrLaunchFailed     = errors.New("relay launch failed")
	ErrRelayDied        = errors.New("relay process exited")
	ErrRevoked          = errors.New("tunnel revoked")

	// Lifecycle errors.
	ErrAlreadyRunning = errors.New("session already active")
	ErrNotRunning     = errors.New("no active session")
	ErrHandleInUse    = errors.New("tunnel handle already in use")
	ErrShutdown       = errors.New("subsystem shut down")

	// Channel errors.
	ErrUnknownCommand = errors.New("unknown command")
	ErrInvalidURL     = errors.New("invalid deep link")
	ErrTimeout        = errors.New("operation timed out")

	// Configuration errors.
	ErrConfigLoad = errors.New("failed to load configuration")
	ErrConfigSave = errors.New("failed to save configuration")
)

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
