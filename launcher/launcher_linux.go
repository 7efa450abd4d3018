//go:build linux

package launcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/yllada/tunnel-supervisor/common"
)

const (
	// killGrace is how long a terminated relay gets before SIGKILL.
	killGrace = 5 * time.Second
	// reapInterval is how often a terminated relay is polled for exit.
	reapInterval = 50 * time.Millisecond
)

// Native starts relays with fork/exec. Descriptors passed as inherited
// keep their numbers in the child.
type Native struct {
	mu          sync.Mutex
	output      *os.File
	children    map[int]struct{}
	reaped      map[int]struct{}
	terminating map[int]struct{}
}

// NewNative creates a launcher writing relay stdout and stderr to output.
// A nil output discards them.
func NewNative(output *os.File) *Native {
	return &Native{
		output:      output,
		children:    make(map[int]struct{}),
		reaped:      make(map[int]struct{}),
		terminating: make(map[int]struct{}),
	}
}

// Launch starts path with args, keeping each inherited descriptor open at
// the same number in the child. It returns the child's pid.
func (n *Native) Launch(path string, args []string, inherited []*os.File) (int, error) {
	if err := prepareBinary(path); err != nil {
		return 0, err
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %v", common.ErrLaunchFailed, os.DevNull, err)
	}
	defer devNull.Close()

	out := devNull
	if n.output != nil {
		out = n.output
	}

	maxFd := 2
	fds := make([]int, 0, len(inherited))
	for _, f := range inherited {
		fd := int(f.Fd())
		if fd < 3 {
			return 0, fmt.Errorf("%w: descriptor %d collides with standard streams", common.ErrLaunchFailed, fd)
		}
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
			return 0, fmt.Errorf("%w: descriptor %d: %v", common.ErrLaunchFailed, fd, err)
		}
		fds = append(fds, fd)
		if fd > maxFd {
			maxFd = fd
		}
	}

	// Identity mapping clears close-on-exec in the child; unlisted slots
	// are closed.
	files := make([]uintptr, maxFd+1)
	for i := range files {
		files[i] = ^uintptr(0)
	}
	files[0] = devNull.Fd()
	files[1] = out.Fd()
	files[2] = out.Fd()
	for _, fd := range fds {
		files[fd] = uintptr(fd)
	}

	argv := append([]string{path}, args...)
	common.LogInfo("Launching relay: %s", startMessage(path, args))

	pid, err := syscall.ForkExec(path, argv, &syscall.ProcAttr{
		Env:   os.Environ(),
		Files: files,
		Sys:   &syscall.SysProcAttr{Setpgid: true},
	})
	if err != nil {
		switch {
		case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.ENOEXEC):
			return 0, fmt.Errorf("%w: %s: %v", common.ErrNotExecutable, path, err)
		case errors.Is(err, syscall.ENOENT):
			return 0, &MissingBinaryError{Path: path, Found: common.ListDir(filepath.Dir(path))}
		default:
			return 0, fmt.Errorf("%w: %s: %v", common.ErrLaunchFailed, path, err)
		}
	}

	n.mu.Lock()
	n.children[pid] = struct{}{}
	delete(n.reaped, pid)
	delete(n.terminating, pid)
	n.mu.Unlock()

	common.LogInfo("Relay started with pid %d", pid)
	return pid, nil
}

// IsAlive reports whether pid is still running. A child that exited is
// reaped here. When the state cannot be determined the process counts as
// alive.
func (n *Native) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	return n.aliveLocked(pid)
}

func (n *Native) aliveLocked(pid int) bool {
	if _, ok := n.reaped[pid]; ok {
		return false
	}

	var ws unix.WaitStatus
	wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	switch {
	case err == nil && wpid == pid:
		n.markReapedLocked(pid, ws)
		return false
	case err == nil:
		return true
	case errors.Is(err, unix.ECHILD):
		// Not our child; fall back to signal 0.
		err = unix.Kill(pid, 0)
		if err == nil || errors.Is(err, unix.EPERM) {
			return true
		}
		return !errors.Is(err, unix.ESRCH)
	default:
		common.LogDebug("Liveness check of pid %d inconclusive: %v", pid, err)
		return true
	}
}

func (n *Native) markReapedLocked(pid int, ws unix.WaitStatus) {
	delete(n.children, pid)
	delete(n.terminating, pid)
	n.reaped[pid] = struct{}{}

	switch {
	case ws.Exited():
		common.LogInfo("Relay pid %d exited with status %d", pid, ws.ExitStatus())
	case ws.Signaled():
		common.LogInfo("Relay pid %d killed by signal %v", pid, ws.Signal())
	default:
		common.LogInfo("Relay pid %d ended", pid)
	}
}

// Terminate asks pid to exit with SIGTERM and reaps it in the background,
// escalating to SIGKILL after a grace period. Pids this launcher did not
// start, or that were already reaped or signalled, are ignored.
func (n *Native) Terminate(pid int) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.children[pid]; !ok {
		return nil
	}
	if _, ok := n.terminating[pid]; ok {
		return nil
	}

	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("terminate relay pid %d: %w", pid, err)
	}
	n.terminating[pid] = struct{}{}
	common.LogInfo("Sent SIGTERM to relay pid %d", pid)

	go n.reap(pid)
	return nil
}

// reap waits for a terminated child so it does not linger as a zombie.
func (n *Native) reap(pid int) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	deadline := time.Now().Add(killGrace)
	killed := false
	for range ticker.C {
		n.mu.Lock()
		alive := n.aliveLocked(pid)
		_, stillChild := n.children[pid]
		n.mu.Unlock()

		if !alive || !stillChild {
			return
		}
		if !killed && time.Now().After(deadline) {
			common.LogWarn("Relay pid %d ignored SIGTERM, sending SIGKILL", pid)
			if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				common.LogError("Failed to kill relay pid %d: %v", pid, err)
			}
			killed = true
		}
	}
}
