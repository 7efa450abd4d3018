// Package launcher starts the relay binary as a native child process,
// handing it the tunnel descriptor, and checks and terminates it.
package launcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yllada/tunnel-supervisor/common"
)

// MissingBinaryError reports a relay path that does not exist, together
// with what the containing directory does hold.
type MissingBinaryError struct {
	Path  string
	Found []string
}

func (e *MissingBinaryError) Error() string {
	return fmt.Sprintf("relay binary not found: %s (directory contains: %s)",
		e.Path, strings.Join(e.Found, ", "))
}

// Is makes the error match common.ErrBinaryMissing.
func (e *MissingBinaryError) Is(target error) bool {
	return target == common.ErrBinaryMissing
}

// prepareBinary checks that path names an executable regular file,
// restoring the owner's execute permission when it was stripped.
func prepareBinary(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &MissingBinaryError{Path: path, Found: common.ListDir(filepath.Dir(path))}
		}
		return fmt.Errorf("%w: %s: %v", common.ErrLaunchFailed, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", common.ErrNotExecutable, path)
	}
	if info.Mode().Perm()&0o111 != 0 {
		return nil
	}

	common.LogWarn("Relay binary %s is not executable (mode %v), fixing", path, info.Mode().Perm())
	if err := os.Chmod(path, 0o755); err != nil {
		return fmt.Errorf("%w: %s: %v", common.ErrNotExecutable, path, err)
	}
	return nil
}

// startMessage formats the argv logged before a launch.
func startMessage(path string, args []string) string {
	if len(args) == 0 {
		return path
	}
	return path + " " + strings.Join(args, " ")
}
