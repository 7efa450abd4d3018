package vpn

import (
	"errors"
	"fmt"
	"testing"

	"github.com/yllada/tunnel-supervisor/common"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateNotRunning, "NotRunning"},
		{StateRequesting, "Requesting"},
		{StateEstablishing, "Establishing"},
		{StateRunning, "Running"},
		{StateStopping, "Stopping"},
		{State(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("State.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestStatus_Token(t *testing.T) {
	tests := []struct {
		status   Status
		expected string
		terminal bool
	}{
		{NotRunning, "", false},
		{Requesting, "requesting", false},
		{Establishing, "establishing", false},
		{Running, "running", false},
		{Stopped, "stopped", true},
		{Revoked, "revoked", true},
		{Failed(ReasonPermissionDenied), "denied", true},
		{Failed(ReasonEstablishFailed), "error:establish_failed", true},
		{Failed(ReasonBinaryMissing), "error:binary_missing", true},
		{Failed(ReasonNotExecutable), "error:not_executable", true},
		{Failed(ReasonLaunchFailed), "error:launch_failed", true},
		{Failed(ReasonRelayDied), "error:relay_died", true},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			if got := tt.status.Token(); got != tt.expected {
				t.Errorf("Token() = %q, want %q", got, tt.expected)
			}
			if got := tt.status.Terminal(); got != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tt.terminal)
			}
			parsed, err := ParseStatus(tt.expected)
			if err != nil {
				t.Fatalf("ParseStatus(%q) error = %v", tt.expected, err)
			}
			if parsed != tt.status {
				t.Errorf("ParseStatus(%q) = %+v, want %+v", tt.expected, parsed, tt.status)
			}
		})
	}
}

func TestParseStatus_Unknown(t *testing.T) {
	for _, token := range []string{"connected", "error:", "error:exploded"} {
		if _, err := ParseStatus(token); err == nil {
			t.Errorf("ParseStatus(%q) should fail", token)
		}
	}
	if s, err := ParseStatus("  running\n"); err != nil || s != Running {
		t.Errorf("ParseStatus should trim whitespace, got %v, %v", s, err)
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err      error
		expected Status
	}{
		{common.ErrPermissionDenied, Failed(ReasonPermissionDenied)},
		{fmt.Errorf("%w: x", common.ErrBinaryMissing), Failed(ReasonBinaryMissing)},
		{fmt.Errorf("%w: x", common.ErrNotExecutable), Failed(ReasonNotExecutable)},
		{fmt.Errorf("%w: x", common.ErrLaunchFailed), Failed(ReasonLaunchFailed)},
		{common.ErrRelayDied, Failed(ReasonRelayDied)},
		{common.ErrRevoked, Revoked},
		{common.ErrHandleInUse, Failed(ReasonEstablishFailed)},
		{errors.New("anything else"), Failed(ReasonEstablishFailed)},
	}

	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.expected {
			t.Errorf("statusForError(%v) = %v, want %v", tt.err, got, tt.expected)
		}
	}
}
