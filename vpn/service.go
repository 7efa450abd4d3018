package vpn

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/yllada/tunnel-supervisor/common"
	"github.com/yllada/tunnel-supervisor/config"
	"github.com/yllada/tunnel-supervisor/mailbox"
	"github.com/yllada/tunnel-supervisor/tunnel"
)

// Deps are the collaborators a Service drives. Recorder may be nil.
type Deps struct {
	Broker   tunnel.Broker
	Launcher Launcher
	Opener   common.URLOpener
	Recorder common.SessionRecorder
}

// Service runs the supervisor subsystem: the command loop, the open-URL
// loop and the session they drive.
type Service struct {
	cfg        *config.Config
	deps       Deps
	status     *mailbox.StatusFile
	commands   *mailbox.CommandChannel
	openURLs   *mailbox.Watcher
	supervisor *Supervisor
	session    *Session

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewService wires a service from cfg and deps.
func NewService(cfg *config.Config, deps Deps) *Service {
	if deps.Opener == nil {
		deps.Opener = mailbox.ExecOpener{}
	}

	status := mailbox.NewStatusFile(cfg.StateDir)
	supervisor := NewSupervisor(deps.Launcher, cfg.Intervals.Liveness)
	session := NewSession(SessionConfigFrom(cfg), deps.Broker, deps.Launcher, supervisor, status, deps.Recorder)

	return &Service{
		cfg:        cfg,
		deps:       deps,
		status:     status,
		commands:   mailbox.NewCommandChannel(cfg.StateDir, cfg.Intervals.CommandPoll, cfg.Relay.DefaultPort),
		openURLs:   mailbox.NewWatcher(mailbox.NewOpenURLBox(cfg.StateDir), cfg.Intervals.CommandPoll),
		supervisor: supervisor,
		session:    session,
		done:       make(chan struct{}),
	}
}

// Session returns the session driven by the service.
func (s *Service) Session() *Session {
	return s.session
}

// Run processes commands until ctx is cancelled or Shutdown is called.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return common.ErrAlreadyRunning
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer close(s.done)
	defer cancel()

	if err := common.EnsureDir(s.cfg.StateDir); err != nil {
		return common.WrapError(err, "failed to create state directory")
	}
	if err := mailbox.WritePaths(s.cfg.StateDir, s.cfg.Relay.Path); err != nil {
		common.LogWarn("Failed to write paths file: %v", err)
	}
	s.reconcileStatus()

	s.deps.Broker.SetOnConsent(func(granted bool) {
		s.session.HandleConsent(ctx, granted)
	})
	s.deps.Broker.SetOnRevoke(s.session.Revoke)

	common.LogInfo("Supervisor started (state dir: %s)", s.cfg.StateDir)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.commands.Run(gctx, func(cmd mailbox.Command) {
			s.dispatch(gctx, cmd)
		})
	})
	g.Go(func() error {
		return s.openURLs.Run(gctx, func(msg mailbox.Message) {
			common.LogInfo("Opening URL %s", msg.Payload)
			if err := s.deps.Opener.Open(msg.Payload); err != nil {
				common.LogError("Failed to open URL: %v", err)
			}
		})
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// reconcileStatus replaces a non-terminal status left by a previous
// daemon. This process holds no session yet, so "running" or a pending
// state on disk is stale.
func (s *Service) reconcileStatus() {
	token, err := s.status.Read()
	if err != nil {
		common.LogWarn("Failed to read previous status: %v", err)
		return
	}
	st, err := ParseStatus(token)
	if err == nil && (st == NotRunning || st.Terminal()) {
		return
	}

	common.LogInfo("Clearing stale status %q from a previous run", token)
	if err := s.status.Publish(Stopped.Token()); err != nil {
		common.LogError("Failed to reset status: %v", err)
	}
}

// dispatch applies one command to the session.
func (s *Service) dispatch(ctx context.Context, cmd mailbox.Command) {
	switch cmd.Kind {
	case mailbox.CommandStart:
		if err := s.session.StartFor(ctx, cmd.Port, cmd.Requester); err != nil && !errors.Is(err, common.ErrAlreadyRunning) {
			common.LogError("Start failed: %v", err)
		}
	case mailbox.CommandStop:
		s.session.Stop()
	}
}

// Shutdown stops both loops, waits for them, ends any session and waits
// for the session's background requests, the broker and the liveness
// loop.
func (s *Service) Shutdown() {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if started {
		<-s.done
	}

	s.session.Stop()
	s.session.Wait()
	if err := s.deps.Broker.Close(); err != nil {
		common.LogWarn("Failed to close tunnel broker: %v", err)
	}
	s.supervisor.Close()
	common.LogInfo("Supervisor shut down")
}
