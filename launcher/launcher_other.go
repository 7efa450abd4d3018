//go:build !linux

package launcher

import (
	"fmt"
	"os"
	"runtime"

	"github.com/yllada/tunnel-supervisor/common"
)

// Native is unavailable on this platform; launches always fail.
type Native struct{}

// NewNative returns a launcher that always fails on this platform.
func NewNative(*os.File) *Native {
	return &Native{}
}

// Launch implements the relay launcher.
func (*Native) Launch(path string, _ []string, _ []*os.File) (int, error) {
	if err := prepareBinary(path); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%w: descriptor passing is not supported on %s", common.ErrLaunchFailed, runtime.GOOS)
}

// IsAlive implements the relay launcher.
func (*Native) IsAlive(int) bool { return false }

// Terminate implements the relay launcher.
func (*Native) Terminate(int) error { return nil }
