//go:build unix

package tunnel

import (
	"os"

	"golang.org/x/sys/unix"
)

// ClearCloseOnExec removes FD_CLOEXEC from f so the descriptor survives
// the exec of a child process.
func ClearCloseOnExec(f *os.File) error {
	fd := int(f.Fd())
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return err
	}
	if flags&unix.FD_CLOEXEC == 0 {
		return nil
	}
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags&^unix.FD_CLOEXEC)
	return err
}

// CloseOnExec reports whether FD_CLOEXEC is set on f.
func CloseOnExec(f *os.File) (bool, error) {
	flags, err := unix.FcntlInt(f.Fd(), unix.F_GETFD, 0)
	if err != nil {
		return false, err
	}
	return flags&unix.FD_CLOEXEC != 0, nil
}
