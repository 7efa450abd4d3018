//go:build linux

package tunnel

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/songgao/water"

	"github.com/yllada/tunnel-supervisor/common"
)

// Rule priorities: excluded users look up the main table before everyone
// else is sent to the tunnel table.
const (
	excludePriority = 9000
	tunnelPriority  = 9100
)

// LinuxBroker opens a TUN device, configures it with iproute2 and
// watches sysfs for its disappearance.
type LinuxBroker struct {
	consent        ConsentProvider
	slot           Slot
	revokeInterval time.Duration

	// run executes an external configuration command.
	run func(name string, args ...string) error

	mu        sync.Mutex
	granted   map[int]bool
	pending   bool
	closed    bool
	cancel    context.CancelFunc
	onConsent func(granted bool)
	onRevoke  func(*Handle)
	wg        sync.WaitGroup
}

// NewLinuxBroker creates a broker asking consent through consent.
func NewLinuxBroker(consent ConsentProvider, revokeInterval time.Duration) *LinuxBroker {
	if consent == nil {
		consent = AlwaysConsent{}
	}
	if revokeInterval <= 0 {
		revokeInterval = common.RevokePollInterval
	}
	return &LinuxBroker{
		consent:        consent,
		revokeInterval: revokeInterval,
		run:            runCommand,
		granted:        make(map[int]bool),
	}
}

// SetOnConsent implements Broker.
func (b *LinuxBroker) SetOnConsent(callback func(granted bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConsent = callback
}

// SetOnRevoke implements Broker.
func (b *LinuxBroker) SetOnRevoke(callback func(*Handle)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRevoke = callback
}

// RequestHandle implements Broker. A grant is remembered per requester
// until a handle is revoked.
func (b *LinuxBroker) RequestHandle(ctx context.Context, cfg Config) (*Handle, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: broker closed", common.ErrEstablishFailed)
	}
	granted := b.granted[cfg.Requester]
	b.mu.Unlock()

	if !granted {
		decision, err := b.consent.Check(ctx, cfg.Requester, false)
		if err != nil {
			return nil, fmt.Errorf("%w: consent check: %v", common.ErrEstablishFailed, err)
		}
		switch decision {
		case DecisionAuthorized:
			b.mu.Lock()
			b.granted[cfg.Requester] = true
			b.mu.Unlock()
		case DecisionChallenge:
			b.askInteractive(ctx, cfg.Requester)
			return nil, ErrConsentPending
		default:
			return nil, common.ErrPermissionDenied
		}
	}

	stop := make(chan struct{})
	var stopOnce sync.Once
	var ifName string

	h, err := b.slot.Acquire(func() (*os.File, string, error) {
		file, name, err := b.open(cfg)
		ifName = name
		return file, name, err
	}, func() {
		stopOnce.Do(func() { close(stop) })
		b.teardown(ifName, cfg)
	})
	if err != nil {
		return nil, err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.watchRevoke(h, stop)
	}()
	return h, nil
}

// Close implements Broker.
func (b *LinuxBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	return nil
}

// askInteractive starts at most one interactive consent prompt. The
// prompt is abandoned when ctx ends; an abandoned prompt reports nothing.
func (b *LinuxBroker) askInteractive(ctx context.Context, requester int) {
	b.mu.Lock()
	if b.pending || b.closed {
		b.mu.Unlock()
		return
	}
	b.pending = true
	ctx, cancel := context.WithTimeout(ctx, common.ConsentTimeout)
	b.cancel = cancel
	b.wg.Add(1)
	b.mu.Unlock()

	common.LogInfo("Requesting tunnel consent from uid %d", requester)

	go func() {
		defer b.wg.Done()
		defer cancel()

		decision, err := b.consent.Check(ctx, requester, true)
		abandoned := ctx.Err() == context.Canceled
		if err != nil {
			common.LogWarn("Interactive consent failed: %v", err)
		}
		granted := err == nil && decision == DecisionAuthorized

		b.mu.Lock()
		b.pending = false
		b.cancel = nil
		if granted {
			b.granted[requester] = true
		}
		callback := b.onConsent
		b.mu.Unlock()

		if abandoned {
			common.LogInfo("Tunnel consent prompt abandoned")
			return
		}
		common.LogInfo("Tunnel consent %s", decision)
		if callback != nil {
			callback(granted)
		}
	}()
}

// open creates and configures the TUN device. The descriptor comes back
// with close-on-exec cleared.
func (b *LinuxBroker) open(cfg Config) (*os.File, string, error) {
	iface, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: cfg.Name,
		},
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: open tun: %v", common.ErrEstablishFailed, err)
	}

	file, ok := iface.ReadWriteCloser.(*os.File)
	if !ok {
		iface.Close()
		return nil, "", fmt.Errorf("%w: tun device is not backed by a file", common.ErrEstablishFailed)
	}
	name := iface.Name()

	if err := b.configure(name, cfg); err != nil {
		b.teardown(name, cfg)
		file.Close()
		return nil, "", fmt.Errorf("%w: configure %s: %v", common.ErrEstablishFailed, name, err)
	}

	if err := ClearCloseOnExec(file); err != nil {
		common.LogWarn("Could not clear close-on-exec on %s (fd %d): %v", name, file.Fd(), err)
	} else {
		common.LogInfo("Cleared close-on-exec on fd %d", file.Fd())
	}

	common.LogInfo("Tunnel interface %s established (%s, mtu %d)", name, cfg.Address, cfg.MTU)
	return file, name, nil
}

// configure assigns the address, brings the link up and installs the
// policy routes. DNS setup is best effort.
func (b *LinuxBroker) configure(name string, cfg Config) error {
	table := strconv.Itoa(cfg.RouteTable)

	steps := [][]string{
		{"ip", "addr", "add", cfg.Address, "dev", name},
		{"ip", "link", "set", "dev", name, "mtu", strconv.Itoa(cfg.MTU), "up"},
		{"ip", "route", "replace", cfg.Route, "dev", name, "table", table},
	}
	for i, uid := range cfg.ExcludedUIDs {
		r := strconv.Itoa(uid)
		steps = append(steps, []string{"ip", "rule", "add", "uidrange", r + "-" + r,
			"lookup", "main", "priority", strconv.Itoa(excludePriority + i)})
	}
	steps = append(steps, []string{"ip", "rule", "add", "lookup", table, "priority", strconv.Itoa(tunnelPriority)})

	for _, step := range steps {
		if err := b.run(step[0], step[1:]...); err != nil {
			return err
		}
	}

	if len(cfg.DNS) > 0 {
		args := append([]string{"dns", name}, cfg.DNS...)
		if err := b.run("resolvectl", args...); err != nil {
			common.LogWarn("Could not set tunnel DNS: %v", err)
		} else if err := b.run("resolvectl", "domain", name, "~."); err != nil {
			common.LogWarn("Could not route DNS queries to %s: %v", name, err)
		}
	}
	return nil
}

// teardown removes what configure installed. Failures are logged only.
func (b *LinuxBroker) teardown(name string, cfg Config) {
	table := strconv.Itoa(cfg.RouteTable)

	steps := [][]string{
		{"ip", "rule", "del", "lookup", table, "priority", strconv.Itoa(tunnelPriority)},
	}
	for i, uid := range cfg.ExcludedUIDs {
		r := strconv.Itoa(uid)
		steps = append(steps, []string{"ip", "rule", "del", "uidrange", r + "-" + r,
			"lookup", "main", "priority", strconv.Itoa(excludePriority + i)})
	}
	steps = append(steps, []string{"ip", "route", "flush", "table", table})

	for _, step := range steps {
		if err := b.run(step[0], step[1:]...); err != nil {
			common.LogDebug("Tunnel teardown of %s: %v", name, err)
		}
	}
}

// watchRevoke polls sysfs until the interface of h disappears or stop
// closes.
func (b *LinuxBroker) watchRevoke(h *Handle, stop <-chan struct{}) {
	ticker := time.NewTicker(b.revokeInterval)
	defer ticker.Stop()

	sysPath := filepath.Join("/sys/class/net", h.Name())
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, err := os.Stat(sysPath); err == nil {
			continue
		}

		select {
		case <-stop:
			return
		default:
		}

		common.LogWarn("Tunnel interface %s disappeared, treating as revoked", h.Name())
		b.mu.Lock()
		clear(b.granted)
		callback := b.onRevoke
		b.mu.Unlock()
		if callback != nil {
			callback(h)
		}
		return
	}
}

// runCommand runs an external command, folding its output into the error.
func runCommand(name string, args ...string) error {
	output, err := exec.Command(name, args...).CombinedOutput()
	common.LogDebug("Tunnel: %s %s", name, strings.Join(args, " "))
	if err != nil {
		return fmt.Errorf("%s %s: %v - %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}
