package vpn

import (
	"sync"
	"time"

	"github.com/yllada/tunnel-supervisor/common"
)

// ProcessChecker checks and ends relay processes.
type ProcessChecker interface {
	// IsAlive reports whether pid is running. Unknown states count as alive.
	IsAlive(pid int) bool
	// Terminate requests a graceful exit; unknown or dead pids are a no-op.
	Terminate(pid int) error
}

// Supervisor polls the liveness of one relay process on its own loop and
// reports an exit it did not ask for.
type Supervisor struct {
	mu       sync.Mutex
	checker  ProcessChecker
	interval time.Duration
	running  bool
	pid      int
	stopChan chan struct{}
	onExit   func(pid int)
	wg       sync.WaitGroup
}

// NewSupervisor creates a supervisor checking every interval.
func NewSupervisor(checker ProcessChecker, interval time.Duration) *Supervisor {
	if interval <= 0 {
		interval = common.LivenessInterval
	}
	return &Supervisor{
		checker:   checker,
		interval: interval,
	}
}

// SetOnExit sets the callback fired from the polling loop when the
// monitored process is found dead.
func (s *Supervisor) SetOnExit(callback func(pid int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExit = callback
}

// StartMonitoring begins polling pid, replacing any previous target.
func (s *Supervisor) StartMonitoring(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		close(s.stopChan)
	}
	s.running = true
	s.pid = pid
	s.stopChan = make(chan struct{})

	common.LogInfo("Supervising relay pid %d (interval: %v)", pid, s.interval)

	s.wg.Add(1)
	go s.runLoop(pid, s.stopChan)
}

// StopMonitoring stops the polling loop without waiting for it.
func (s *Supervisor) StopMonitoring() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	s.pid = 0
	close(s.stopChan)
}

// IsMonitoring reports whether a process is being polled and returns its pid.
func (s *Supervisor) IsMonitoring() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid, s.running
}

// Terminate asks pid to exit gracefully.
func (s *Supervisor) Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	return s.checker.Terminate(pid)
}

// Close stops monitoring and waits for every polling loop to return.
func (s *Supervisor) Close() {
	s.StopMonitoring()
	s.wg.Wait()
}

// runLoop is the liveness polling loop for one pid.
func (s *Supervisor) runLoop(pid int, stop chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if s.checker.IsAlive(pid) {
			continue
		}

		s.mu.Lock()
		current := s.running && s.stopChan == stop
		if current {
			s.running = false
			s.pid = 0
		}
		callback := s.onExit
		s.mu.Unlock()

		if !current {
			return
		}

		common.LogWarn("Relay pid %d is no longer running", pid)
		if callback != nil {
			callback(pid)
		}
		return
	}
}
