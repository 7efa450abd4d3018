package vpn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/yllada/tunnel-supervisor/common"
)

// State is the position of the session state machine.
type State int

const (
	// StateNotRunning indicates no session.
	StateNotRunning State = iota
	// StateRequesting indicates the tunnel handle has been requested.
	StateRequesting
	// StateEstablishing indicates the handle is held and the relay is starting.
	StateEstablishing
	// StateRunning indicates the relay is up and monitored.
	StateRunning
	// StateStopping indicates cleanup is in progress.
	StateStopping
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateNotRunning:
		return "NotRunning"
	case StateRequesting:
		return "Requesting"
	case StateEstablishing:
		return "Establishing"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

// StatusKind is the published session status.
type StatusKind int

const (
	StatusNotRunning StatusKind = iota
	StatusRequesting
	StatusEstablishing
	StatusRunning
	StatusStopped
	StatusRevoked
	StatusError
)

// Reason qualifies StatusError.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonPermissionDenied
	ReasonEstablishFailed
	ReasonBinaryMissing
	ReasonNotExecutable
	ReasonLaunchFailed
	ReasonRelayDied
)

var reasonNames = map[Reason]string{
	ReasonPermissionDenied: "permission_denied",
	ReasonEstablishFailed:  "establish_failed",
	ReasonBinaryMissing:    "binary_missing",
	ReasonNotExecutable:    "not_executable",
	ReasonLaunchFailed:     "launch_failed",
	ReasonRelayDied:        "relay_died",
}

// String returns the wire name of the reason.
func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// Status is a published session status. Reason is set only for
// StatusError.
type Status struct {
	Kind   StatusKind
	Reason Reason
}

// Status values without a reason.
var (
	NotRunning   = Status{Kind: StatusNotRunning}
	Requesting   = Status{Kind: StatusRequesting}
	Establishing = Status{Kind: StatusEstablishing}
	Running      = Status{Kind: StatusRunning}
	Stopped      = Status{Kind: StatusStopped}
	Revoked      = Status{Kind: StatusRevoked}
)

// Failed returns the error status for reason.
func Failed(reason Reason) Status {
	return Status{Kind: StatusError, Reason: reason}
}

// Token returns the status as written to the status file. A permission
// denial is written as "denied"; other errors as "error:<reason>".
func (s Status) Token() string {
	switch s.Kind {
	case StatusRequesting:
		return "requesting"
	case StatusEstablishing:
		return "establishing"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	case StatusRevoked:
		return "revoked"
	case StatusError:
		if s.Reason == ReasonPermissionDenied {
			return "denied"
		}
		return "error:" + s.Reason.String()
	default:
		return ""
	}
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if s.Kind == StatusNotRunning {
		return "not_running"
	}
	return s.Token()
}

// Terminal reports whether the status ends a session.
func (s Status) Terminal() bool {
	switch s.Kind {
	case StatusStopped, StatusRevoked, StatusError:
		return true
	default:
		return false
	}
}

// ParseStatus decodes a status file token.
func ParseStatus(token string) (Status, error) {
	token = strings.TrimSpace(token)
	switch token {
	case "":
		return NotRunning, nil
	case "requesting":
		return Requesting, nil
	case "establishing":
		return Establishing, nil
	case "running":
		return Running, nil
	case "stopped":
		return Stopped, nil
	case "revoked":
		return Revoked, nil
	case "denied":
		return Failed(ReasonPermissionDenied), nil
	}

	if detail, ok := strings.CutPrefix(token, "error:"); ok {
		for reason, name := range reasonNames {
			if name == detail {
				return Failed(reason), nil
			}
		}
	}
	return NotRunning, fmt.Errorf("unknown status token %q", token)
}

// statusForError maps a broker or launcher error to the status it ends
// the session with.
func statusForError(err error) Status {
	switch {
	case errors.Is(err, common.ErrPermissionDenied):
		return Failed(ReasonPermissionDenied)
	case errors.Is(err, common.ErrBinaryMissing):
		return Failed(ReasonBinaryMissing)
	case errors.Is(err, common.ErrNotExecutable):
		return Failed(ReasonNotExecutable)
	case errors.Is(err, common.ErrLaunchFailed):
		return Failed(ReasonLaunchFailed)
	case errors.Is(err, common.ErrRelayDied):
		return Failed(ReasonRelayDied)
	case errors.Is(err, common.ErrRevoked):
		return Revoked
	default:
		return Failed(ReasonEstablishFailed)
	}
}
