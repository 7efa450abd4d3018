package tunnel

import (
	"context"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/tunnel-supervisor/common"
)

// Decision is the answer of a consent check.
type Decision int

const (
	// DecisionDenied means the user or policy refused.
	DecisionDenied Decision = iota
	// DecisionAuthorized means the tunnel may be opened.
	DecisionAuthorized
	// DecisionChallenge means the user has to be asked interactively.
	DecisionChallenge
)

// String returns a human-readable representation of the decision.
func (d Decision) String() string {
	switch d {
	case DecisionAuthorized:
		return "authorized"
	case DecisionChallenge:
		return "challenge"
	default:
		return "denied"
	}
}

// ConsentProvider asks whether a user may open a tunnel.
type ConsentProvider interface {
	// Check answers for the user requester, or for the supervisor itself
	// when requester is common.UnknownUID. It answers without prompting
	// when interactive is false; with interactive true it may block until
	// the user answers.
	Check(ctx context.Context, requester int, interactive bool) (Decision, error)
}

// AlwaysConsent authorizes unconditionally. Used when the supervisor
// already runs with the privileges needed to open the interface.
type AlwaysConsent struct{}

// Check implements ConsentProvider.
func (AlwaysConsent) Check(context.Context, int, bool) (Decision, error) {
	return DecisionAuthorized, nil
}

const (
	polkitBusName    = "org.freedesktop.PolicyKit1"
	polkitObjectPath = "/org/freedesktop/PolicyKit1/Authority"
	polkitCheckAuth  = "org.freedesktop.PolicyKit1.Authority.CheckAuthorization"

	polkitAllowUserInteraction uint32 = 0x1

	logindBusName      = "org.freedesktop.login1"
	logindObjectPath   = "/org/freedesktop/login1"
	logindListSessions = "org.freedesktop.login1.Manager.ListSessions"
)

// polkitSubject is the (sa{sv}) subject of CheckAuthorization.
type polkitSubject struct {
	Kind    string
	Details map[string]dbus.Variant
}

// polkitResult is the (bba{ss}) reply of CheckAuthorization.
type polkitResult struct {
	IsAuthorized bool
	IsChallenge  bool
	Details      map[string]string
}

// loginSession is one (susso) entry of logind's ListSessions.
type loginSession struct {
	ID   string
	UID  uint32
	User string
	Seat string
	Path dbus.ObjectPath
}

// PolkitConsent checks a polkit action over the system bus. A request
// made on behalf of a user is checked against that user's login session,
// so the user's authentication agent answers any challenge.
type PolkitConsent struct {
	action string
	pid    uint32
	uid    int32
}

// NewPolkitConsent returns a provider checking action.
func NewPolkitConsent(action string) *PolkitConsent {
	return &PolkitConsent{
		action: action,
		pid:    uint32(os.Getpid()),
		uid:    int32(os.Getuid()),
	}
}

// Check implements ConsentProvider. Root needs no consent.
func (p *PolkitConsent) Check(ctx context.Context, requester int, interactive bool) (Decision, error) {
	if requester == 0 {
		return DecisionAuthorized, nil
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return DecisionDenied, fmt.Errorf("connect system bus: %w", err)
	}

	subject := processSubject(p.pid, p.uid)
	if requester != common.UnknownUID {
		var sessions []loginSession
		call := conn.Object(logindBusName, dbus.ObjectPath(logindObjectPath)).
			CallWithContext(ctx, logindListSessions, 0)
		if err := call.Store(&sessions); err != nil {
			return DecisionDenied, fmt.Errorf("list login sessions: %w", err)
		}
		id, ok := sessionFor(sessions, requester)
		if !ok {
			return DecisionDenied, fmt.Errorf("no login session for uid %d", requester)
		}
		subject = sessionSubject(id)
	}

	var flags uint32
	if interactive {
		flags = polkitAllowUserInteraction
	}

	var result polkitResult
	obj := conn.Object(polkitBusName, dbus.ObjectPath(polkitObjectPath))
	call := obj.CallWithContext(ctx, polkitCheckAuth, 0, subject, p.action, map[string]string{}, flags, "")
	if err := call.Store(&result); err != nil {
		return DecisionDenied, fmt.Errorf("polkit %s: %w", p.action, err)
	}

	common.LogDebug("Polkit %s for %s: authorized=%v challenge=%v",
		p.action, subject.Kind, result.IsAuthorized, result.IsChallenge)

	switch {
	case result.IsAuthorized:
		return DecisionAuthorized, nil
	case result.IsChallenge && !interactive:
		return DecisionChallenge, nil
	default:
		return DecisionDenied, nil
	}
}

// processSubject identifies the supervisor process itself.
func processSubject(pid uint32, uid int32) polkitSubject {
	return polkitSubject{
		Kind: "unix-process",
		Details: map[string]dbus.Variant{
			"pid":        dbus.MakeVariant(pid),
			"start-time": dbus.MakeVariant(uint64(0)),
			"uid":        dbus.MakeVariant(uid),
		},
	}
}

// sessionSubject identifies a logind session.
func sessionSubject(id string) polkitSubject {
	return polkitSubject{
		Kind:    "unix-session",
		Details: map[string]dbus.Variant{"session-id": dbus.MakeVariant(id)},
	}
}

// sessionFor picks the session of uid, preferring one attached to a seat.
func sessionFor(sessions []loginSession, uid int) (string, bool) {
	id := ""
	for _, s := range sessions {
		if int(s.UID) != uid {
			continue
		}
		if s.Seat != "" {
			return s.ID, true
		}
		if id == "" {
			id = s.ID
		}
	}
	return id, id != ""
}
