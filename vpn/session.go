package vpn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yllada/tunnel-supervisor/common"
	"github.com/yllada/tunnel-supervisor/config"
	"github.com/yllada/tunnel-supervisor/tunnel"
)

// Launcher starts relay processes with inherited descriptors.
type Launcher interface {
	ProcessChecker
	// Launch starts path with args. Every file in inherited stays open at
	// the same descriptor number in the child.
	Launch(path string, args []string, inherited []*os.File) (int, error)
}

// RelaySettings describe how the relay is invoked.
type RelaySettings struct {
	Path        string
	Args        []string
	ProxyScheme string
	ProxyHost   string
}

// SessionConfig holds everything a session needs to establish the tunnel
// and start the relay.
type SessionConfig struct {
	Tunnel tunnel.Config
	Relay  RelaySettings
}

// SessionConfigFrom builds the session settings from the loaded
// configuration. The supervisor's own uid is always excluded from the
// tunnel.
func SessionConfigFrom(cfg *config.Config) SessionConfig {
	uid := os.Getuid()
	excluded := append([]int(nil), cfg.Tunnel.ExcludedUIDs...)
	found := false
	for _, u := range excluded {
		if u == uid {
			found = true
			break
		}
	}
	if !found {
		excluded = append(excluded, uid)
	}

	return SessionConfig{
		Tunnel: tunnel.Config{
			Name:         cfg.Tunnel.Name,
			Address:      cfg.Tunnel.Address,
			Route:        cfg.Tunnel.Route,
			DNS:          cfg.Tunnel.DNS,
			MTU:          cfg.Tunnel.MTU,
			ExcludedUIDs: excluded,
			RouteTable:   cfg.Tunnel.RouteTable,
		},
		Relay: RelaySettings{
			Path:        cfg.Relay.Path,
			Args:        cfg.Relay.Args,
			ProxyScheme: cfg.Relay.ProxyScheme,
			ProxyHost:   cfg.Relay.ProxyHost,
		},
	}
}

// Session is the tunnel session state machine. It owns the tunnel handle
// and the relay pid for the duration of one session and releases both
// exactly once, whichever of stop, revocation or relay exit ends it.
type Session struct {
	mu         sync.Mutex
	cfg        SessionConfig
	broker     tunnel.Broker
	launcher   Launcher
	supervisor *Supervisor
	publisher  common.StatusWriter
	recorder   common.SessionRecorder

	state     State
	gen       uint64
	acquiring bool
	consent   *bool
	id        string
	port      int
	requester int
	handle    *tunnel.Handle
	pid       int
	status    Status

	// wg tracks requests retried in the background after consent.
	wg sync.WaitGroup

	onStatusChange func(Status)
}

// NewSession wires a session. recorder may be nil.
func NewSession(cfg SessionConfig, broker tunnel.Broker, launcher Launcher, supervisor *Supervisor,
	publisher common.StatusWriter, recorder common.SessionRecorder) *Session {
	s := &Session{
		cfg:        cfg,
		broker:     broker,
		launcher:   launcher,
		supervisor: supervisor,
		publisher:  publisher,
		recorder:   recorder,
		requester:  common.UnknownUID,
	}
	supervisor.SetOnExit(s.relayExited)
	return s
}

// SetOnStatusChange sets a callback fired asynchronously after each
// published status.
func (s *Session) SetOnStatusChange(callback func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStatusChange = callback
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the last published status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Pid returns the relay pid, or 0 when no relay is running.
func (s *Session) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// Handle returns the held tunnel handle, or nil.
func (s *Session) Handle() *tunnel.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// ID returns the current session id, or "" when not running.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Start begins a session on the supervisor's own behalf. See StartFor.
func (s *Session) Start(ctx context.Context, port int) error {
	return s.StartFor(ctx, port, common.UnknownUID)
}

// StartFor begins a session relaying to the proxy on port, asking
// consent of the user requester. It fails with common.ErrAlreadyRunning
// unless the session is idle. Failures after the request are published
// and also returned.
func (s *Session) StartFor(ctx context.Context, port, requester int) error {
	s.mu.Lock()
	if s.state != StateNotRunning {
		state := s.state
		s.mu.Unlock()
		common.LogWarn("Start on port %d ignored: session is %s", port, state)
		return common.ErrAlreadyRunning
	}

	s.gen++
	s.state = StateRequesting
	s.id = uuid.NewString()
	s.port = port
	s.requester = requester
	s.acquiring = true
	gen := s.gen
	cfg := s.tunnelConfigLocked()

	common.LogInfo("Session %s starting (proxy port %d, uid %d)", s.id, port, requester)
	s.publishLocked(Requesting)
	if s.recorder != nil {
		if err := s.recorder.Begin(s.id, port, time.Now()); err != nil {
			common.LogWarn("Failed to record session start: %v", err)
		}
	}
	s.mu.Unlock()

	return s.establish(ctx, gen, cfg)
}

// HandleConsent applies the answer to a pending consent prompt. A grant
// requests the handle again; a denial ends the session as denied.
func (s *Session) HandleConsent(ctx context.Context, granted bool) {
	s.mu.Lock()
	if s.state != StateRequesting {
		state := s.state
		s.mu.Unlock()
		common.LogDebug("Consent answer ignored in state %s", state)
		return
	}
	if s.acquiring {
		// The request that raised the prompt has not returned yet.
		s.consent = &granted
		s.mu.Unlock()
		return
	}

	if !granted {
		common.LogWarn("Tunnel consent denied")
		s.finishLocked(Failed(ReasonPermissionDenied))
		s.mu.Unlock()
		return
	}

	s.acquiring = true
	gen := s.gen
	cfg := s.tunnelConfigLocked()
	s.mu.Unlock()

	if err := s.establish(ctx, gen, cfg); err != nil {
		common.LogError("Session failed after consent: %v", err)
	}
}

// Wait blocks until requests retried in the background have returned.
func (s *Session) Wait() {
	s.wg.Wait()
}

// tunnelConfigLocked returns the tunnel parameters for the current request.
func (s *Session) tunnelConfigLocked() tunnel.Config {
	cfg := s.cfg.Tunnel
	cfg.Requester = s.requester
	return cfg
}

// establish requests the handle and, once held, launches the relay.
func (s *Session) establish(ctx context.Context, gen uint64, cfg tunnel.Config) error {
	h, err := s.broker.RequestHandle(ctx, cfg)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen || s.state != StateRequesting {
		// The session ended while the handle was being requested.
		if h != nil {
			if cerr := h.Close(); cerr != nil {
				common.LogWarn("Failed to release stale tunnel handle: %v", cerr)
			}
		}
		return common.ErrShutdown
	}
	s.acquiring = false

	if errors.Is(err, tunnel.ErrConsentPending) {
		if s.consent == nil {
			common.LogInfo("Waiting for tunnel consent")
			return nil
		}
		granted := *s.consent
		s.consent = nil
		if !granted {
			common.LogWarn("Tunnel consent denied")
			s.finishLocked(Failed(ReasonPermissionDenied))
			return common.ErrPermissionDenied
		}
		s.acquiring = true
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.establish(ctx, gen, cfg); err != nil {
				common.LogError("Session failed after consent: %v", err)
			}
		}()
		return nil
	}
	if err != nil {
		common.LogError("Tunnel request failed: %v", err)
		s.finishLocked(statusForError(err))
		return err
	}

	s.handle = h
	s.state = StateEstablishing
	s.publishLocked(Establishing)

	device := fmt.Sprintf("fd://%d", h.Fd())
	proxy := fmt.Sprintf("%s://%s", s.cfg.Relay.ProxyScheme,
		net.JoinHostPort(s.cfg.Relay.ProxyHost, strconv.Itoa(s.port)))
	args := expandArgs(s.cfg.Relay.Args, device, proxy)

	pid, err := s.launcher.Launch(s.cfg.Relay.Path, args, []*os.File{h.File()})
	if err != nil {
		common.LogError("Relay launch failed: %v", err)
		s.finishLocked(statusForError(err))
		return err
	}

	s.pid = pid
	s.state = StateRunning
	s.publishLocked(Running)
	s.supervisor.StartMonitoring(pid)

	common.LogInfo("Session %s running (relay pid %d, interface %s)", s.id, pid, h.Name())
	return nil
}

// Stop ends the session and publishes "stopped". Stopping an idle
// session does nothing.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateNotRunning {
		common.LogDebug("Stop ignored: no session")
		return
	}
	common.LogInfo("Stopping session %s", s.id)
	s.finishLocked(Stopped)
}

// Revoke ends the session after the OS withdrew h and publishes
// "revoked". A handle the session no longer holds is ignored.
func (s *Session) Revoke(h *tunnel.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateNotRunning || h == nil || h != s.handle {
		common.LogDebug("Revocation of a released tunnel handle ignored")
		return
	}
	common.LogWarn("Tunnel revoked by the system, ending session %s", s.id)
	s.finishLocked(Revoked)
}

// relayExited handles a relay exit reported by the supervisor. Reports
// for a pid that is no longer the session's are ignored.
func (s *Session) relayExited(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning || s.pid != pid {
		common.LogDebug("Exit of relay pid %d ignored", pid)
		return
	}
	common.LogError("Relay pid %d died unexpectedly", pid)
	s.finishLocked(Failed(ReasonRelayDied))
}

// finishLocked runs cleanup, publishes the final status and returns to
// NotRunning. Callers hold s.mu, so cleanup happens once per session.
func (s *Session) finishLocked(final Status) {
	if s.state == StateNotRunning {
		return
	}
	s.state = StateStopping

	s.supervisor.StopMonitoring()
	if s.pid != 0 {
		if err := s.supervisor.Terminate(s.pid); err != nil {
			common.LogWarn("Failed to terminate relay pid %d: %v", s.pid, err)
		}
		s.pid = 0
	}
	if s.handle != nil {
		if err := s.handle.Close(); err != nil {
			common.LogWarn("Failed to release tunnel handle: %v", err)
		}
		s.handle = nil
	}

	s.publishLocked(final)
	if s.recorder != nil && s.id != "" {
		if err := s.recorder.End(s.id, final.Token(), time.Now()); err != nil {
			common.LogWarn("Failed to record session end: %v", err)
		}
	}

	common.LogInfo("Session %s ended: %s", s.id, final)
	s.id = ""
	s.port = 0
	s.requester = common.UnknownUID
	s.acquiring = false
	s.consent = nil
	s.state = StateNotRunning
}

// publishLocked records and writes st.
func (s *Session) publishLocked(st Status) {
	s.status = st
	if err := s.publisher.Publish(st.Token()); err != nil {
		common.LogError("Failed to publish status %s: %v", st, err)
	}
	if s.onStatusChange != nil {
		go s.onStatusChange(st)
	}
}

// expandArgs substitutes the device and proxy references into the relay
// argument template.
func expandArgs(template []string, device, proxy string) []string {
	r := strings.NewReplacer("{device}", device, "{proxy}", proxy)
	args := make([]string, len(template))
	for i, a := range template {
		args[i] = r.Replace(a)
	}
	return args
}
