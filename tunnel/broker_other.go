//go:build !linux

package tunnel

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/yllada/tunnel-supervisor/common"
)

// LinuxBroker is unavailable on this platform; every request fails.
type LinuxBroker struct{}

// NewLinuxBroker returns a broker that always fails on this platform.
func NewLinuxBroker(ConsentProvider, time.Duration) *LinuxBroker {
	return &LinuxBroker{}
}

// RequestHandle implements Broker.
func (*LinuxBroker) RequestHandle(context.Context, Config) (*Handle, error) {
	return nil, fmt.Errorf("%w: tun devices are not supported on %s", common.ErrEstablishFailed, runtime.GOOS)
}

// SetOnConsent implements Broker.
func (*LinuxBroker) SetOnConsent(func(granted bool)) {}

// SetOnRevoke implements Broker.
func (*LinuxBroker) SetOnRevoke(func(*Handle)) {}

// Close implements Broker.
func (*LinuxBroker) Close() error { return nil }
