// Package cli provides the command-line producer side of the tunnel
// supervisor. It writes commands to the daemon's mailboxes and reads the
// status it publishes, without talking to the daemon directly.
package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/yllada/tunnel-supervisor/common"
	"github.com/yllada/tunnel-supervisor/config"
	"github.com/yllada/tunnel-supervisor/history"
	"github.com/yllada/tunnel-supervisor/mailbox"
	"github.com/yllada/tunnel-supervisor/vpn"
)

const (
	// statusPollInterval is how often the status file is checked while waiting.
	statusPollInterval = 200 * time.Millisecond
	// mtimeSlack allows for file timestamps coming from a coarse clock.
	mtimeSlack = 10 * time.Millisecond
)

// CLI represents the command-line interface.
type CLI struct {
	cfg      *config.Config
	commands *mailbox.CommandChannel
	status   *mailbox.StatusFile
	deepLink *mailbox.DeepLinkBox
	openURL  *mailbox.Mailbox
	timeout  time.Duration
	color    bool
}

// New creates a new CLI instance for the daemon configured by cfg.
func New(cfg *config.Config) *CLI {
	return &CLI{
		cfg:      cfg,
		commands: mailbox.NewCommandChannel(cfg.StateDir, cfg.Intervals.CommandPoll, cfg.Relay.DefaultPort),
		status:   mailbox.NewStatusFile(cfg.StateDir),
		deepLink: mailbox.NewDeepLinkBox(cfg.StateDir, cfg.DeepLinkScheme),
		openURL:  mailbox.NewOpenURLBox(cfg.StateDir),
		timeout:  common.StatusWaitTimeout,
		color:    stdoutIsTerminal(),
	}
}

// Start asks the daemon to start a session on port. A port of zero uses
// the configured default. With wait set it blocks until the session is
// running or has failed.
func (c *CLI) Start(ctx context.Context, port int, wait bool) error {
	if port <= 0 {
		port = c.cfg.Relay.DefaultPort
	}

	current, _, err := c.readStatus()
	if err != nil {
		return err
	}

	// The daemon decides whether a session is already active; the status
	// file may be left over from a daemon that is gone.
	since := time.Now().Add(-mtimeSlack)
	if err := c.commands.Send(mailbox.Start(port)); err != nil {
		return fmt.Errorf("failed to send start command: %w", err)
	}
	fmt.Printf("Start requested (proxy port %d)\n", port)

	if !wait {
		return nil
	}
	if current == vpn.Running {
		// A live daemon ignores the duplicate and publishes nothing new.
		fmt.Println("Tunnel is already reported as running.")
		return nil
	}

	final, err := c.waitForStatus(ctx, since, func(s vpn.Status) bool {
		return s == vpn.Running || s.Terminal()
	})
	if err != nil {
		return err
	}
	if final != vpn.Running {
		return fmt.Errorf("tunnel did not start: %s", final)
	}
	fmt.Println(c.render(okStyle, "✓ Tunnel running"))
	return nil
}

// Stop asks the daemon to end the session. With wait set it blocks until
// a terminal status is published.
func (c *CLI) Stop(ctx context.Context, wait bool) error {
	current, _, err := c.readStatus()
	if err != nil {
		return err
	}

	since := time.Now().Add(-mtimeSlack)
	if err := c.commands.Send(mailbox.Stop()); err != nil {
		return fmt.Errorf("failed to send stop command: %w", err)
	}
	fmt.Println("Stop requested")

	if !wait {
		return nil
	}
	if current.Terminal() || current == vpn.NotRunning {
		fmt.Println("Tunnel is not running.")
		return nil
	}

	final, err := c.waitForStatus(ctx, since, vpn.Status.Terminal)
	if err != nil {
		return err
	}
	fmt.Println(c.render(statusStyle(final), "✓ Tunnel "+final.String()))
	return nil
}

// Status shows the last published status and any command not yet
// consumed by the daemon. When output is not a terminal only the raw
// status token is printed, for scripts.
func (c *CLI) Status() error {
	st, updated, err := c.readStatus()
	if err != nil {
		return err
	}

	token := st.Token()
	if !c.color {
		fmt.Println(token)
		return nil
	}

	if token == "" {
		token = "not running"
	}
	age := "-"
	if !updated.IsZero() {
		age = formatDuration(time.Since(updated)) + " ago"
	}
	pending := "-"
	if payload, ok, err := c.commands.Mailbox().Peek(); err == nil && ok {
		pending = payload
	}

	fmt.Printf("Status:   %s\n", c.render(statusStyle(st), token))
	fmt.Printf("Updated:  %s\n", age)
	fmt.Printf("Pending:  %s\n", pending)
	return nil
}

// DeepLink hands url to the UI-facing collaborator.
func (c *CLI) DeepLink(url string) error {
	if err := c.deepLink.Forward(url); err != nil {
		return err
	}
	fmt.Println("Deep link delivered.")
	return nil
}

// OpenURL asks the daemon to open url in the desktop browser.
func (c *CLI) OpenURL(url string) error {
	if url == "" {
		return common.ErrInvalidURL
	}
	if err := c.openURL.Put(url); err != nil {
		return fmt.Errorf("failed to queue URL: %w", err)
	}
	fmt.Println("URL queued.")
	return nil
}

// History lists the most recent sessions.
func (c *CLI) History(limit int) error {
	store, err := history.Open(c.cfg.HistoryDB)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No sessions recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPORT\tSTARTED\tDURATION\tOUTCOME")
	fmt.Fprintln(w, "--\t----\t-------\t--------\t-------")

	for _, e := range entries {
		shortID := e.ID
		if len(shortID) > 8 {
			shortID = shortID[:8]
		}

		duration := "-"
		if !e.EndedAt.IsZero() {
			duration = formatDuration(e.Duration())
		}
		outcome := e.Outcome
		if outcome == "" {
			outcome = "active"
		}

		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			shortID, e.Port, e.StartedAt.Format("2006-01-02 15:04:05"), duration, outcome)
	}

	w.Flush()
	return nil
}

// ClearHistory deletes all recorded sessions.
func (c *CLI) ClearHistory() error {
	store, err := history.Open(c.cfg.HistoryDB)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Clear(); err != nil {
		return err
	}
	fmt.Println(c.render(okStyle, "✓ History cleared"))
	return nil
}

// readStatus returns the published status and when it was written.
func (c *CLI) readStatus() (vpn.Status, time.Time, error) {
	token, err := c.status.Read()
	if err != nil {
		return vpn.NotRunning, time.Time{}, fmt.Errorf("failed to read status: %w", err)
	}

	st, err := vpn.ParseStatus(token)
	if err != nil {
		common.LogWarn("Unrecognized status %q", token)
		return vpn.NotRunning, time.Time{}, nil
	}

	var updated time.Time
	if info, err := os.Stat(c.status.Path()); err == nil {
		updated = info.ModTime()
	}
	return st, updated, nil
}

// waitForStatus polls until a status written after since satisfies done.
func (c *CLI) waitForStatus(ctx context.Context, since time.Time, done func(vpn.Status) bool) (vpn.Status, error) {
	timeout := time.After(c.timeout)
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return vpn.NotRunning, ctx.Err()
		case <-timeout:
			return vpn.NotRunning, fmt.Errorf("%w: no answer from the supervisor after %v", common.ErrTimeout, c.timeout)
		case <-ticker.C:
			st, updated, err := c.readStatus()
			if err != nil {
				return vpn.NotRunning, err
			}
			if updated.Before(since) {
				continue
			}
			if done(st) {
				return st, nil
			}
		}
	}
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// PrintHelp prints CLI usage help.
func PrintHelp() {
	fmt.Println(`Tunnel Supervisor - Command Line Interface

Usage:
  tunnel-supervisor [OPTIONS]

Options:
  --daemon            Run the supervisor (command and status loops)
  --start PORT        Ask the supervisor to start a tunnel to the local proxy port
  --stop              Ask the supervisor to stop the tunnel
  --wait              With --start or --stop, wait for the outcome
  --status            Show the last published status
  --deep-link URL     Deliver a deep link to the UI collaborator
  --open-url URL      Ask the supervisor to open a URL in the browser
  --history           List recent sessions
  --clear-history     Delete the session history
  --config PATH       Use an alternate configuration file
  --version           Show version and exit
  --verbose           Enable verbose logging
  --help              Show this help message

Examples:
  tunnel-supervisor --daemon
  tunnel-supervisor --start 10808 --wait
  tunnel-supervisor --stop
  tunnel-supervisor --status

Notes:
  - Commands are delivered through files in the state directory; the
    supervisor picks them up on its next poll
  - Commands written faster than the poll interval may coalesce`)
}
