// Package tunnel acquires and releases the OS-level tunnel handle: the
// descriptor of the virtual network interface that captures device
// traffic.
package tunnel

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/yllada/tunnel-supervisor/common"
)

// ErrConsentPending is returned by RequestHandle while the user has not
// answered the consent prompt yet. The broker reports the answer through
// its consent callback; the caller then asks again.
var ErrConsentPending = errors.New("consent pending")

// Config describes the interface to establish.
type Config struct {
	// Name is the requested interface name; the OS may pick another.
	Name string
	// Address is the local address and prefix, e.g. 10.0.0.2/32.
	Address string
	// Route is the route captured by the tunnel, e.g. 0.0.0.0/0.
	Route string
	// DNS lists the resolvers used while the tunnel is up.
	DNS []string
	MTU int
	// ExcludedUIDs lists users whose traffic bypasses the tunnel. The
	// controlling application's own user must be among them.
	ExcludedUIDs []int
	// RouteTable is the policy routing table for Route.
	RouteTable int
	// Requester is the uid asking for the tunnel, whose consent is
	// checked, or common.UnknownUID to check the supervisor itself.
	Requester int
}

// Broker obtains tunnel handles under user consent.
type Broker interface {
	// RequestHandle returns an established tunnel handle with
	// close-on-exec cleared, ErrConsentPending, or an error matching
	// common.ErrPermissionDenied or common.ErrEstablishFailed.
	RequestHandle(ctx context.Context, cfg Config) (*Handle, error)
	// SetOnConsent sets the callback receiving the answer to a pending
	// consent prompt.
	SetOnConsent(func(granted bool))
	// SetOnRevoke sets the callback fired when the OS withdraws a handle
	// that is still held. It receives the withdrawn handle.
	SetOnRevoke(func(*Handle))
	// Close abandons pending consent prompts and waits for the broker's
	// background work, which includes watching every handle not yet
	// released. Release held handles first.
	Close() error
}

// Handle is an established tunnel interface. It is released exactly once.
type Handle struct {
	file    *os.File
	fd      int
	name    string
	release func()

	once     sync.Once
	closeErr error
	closed   bool
	mu       sync.Mutex
}

// NewHandle wraps an open interface descriptor. release, if non-nil,
// runs once before the descriptor is closed.
func NewHandle(file *os.File, name string, release func()) *Handle {
	return &Handle{
		file:    file,
		fd:      int(file.Fd()),
		name:    name,
		release: release,
	}
}

// File returns the underlying descriptor.
func (h *Handle) File() *os.File {
	return h.file
}

// Fd returns the descriptor number in this process.
func (h *Handle) Fd() int {
	return h.fd
}

// Name returns the interface name.
func (h *Handle) Name() string {
	return h.name
}

// Close releases the interface. Only the first call has any effect;
// later calls return the first call's result.
func (h *Handle) Close() error {
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
		h.closeErr = h.file.Close()
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
	})
	return h.closeErr
}

// Closed reports whether Close has completed.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Slot enforces that at most one handle is live in the process.
type Slot struct {
	mu     sync.Mutex
	active *Handle
}

// Acquire opens a handle through open unless one is already live, in
// which case it fails with common.ErrHandleInUse. Closing the returned
// handle runs cleanup and frees the slot.
func (s *Slot) Acquire(open func() (*os.File, string, error), cleanup func()) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return nil, common.ErrHandleInUse
	}

	file, name, err := open()
	if err != nil {
		return nil, err
	}

	var h *Handle
	h = NewHandle(file, name, func() {
		if cleanup != nil {
			cleanup()
		}
		s.mu.Lock()
		if s.active == h {
			s.active = nil
		}
		s.mu.Unlock()
	})
	s.active = h
	return h, nil
}

// Active returns the live handle, or nil.
func (s *Slot) Active() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
