package mailbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/yllada/tunnel-supervisor/common"
)

// CommandKind identifies a control command.
type CommandKind int

const (
	// CommandStart asks for a tunnel session bridged to a proxy port.
	CommandStart CommandKind = iota
	// CommandStop asks for the active session to end.
	CommandStop
)

// String returns the wire keyword of the command kind.
func (k CommandKind) String() string {
	switch k {
	case CommandStart:
		return "start"
	case CommandStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Command is a decoded control command.
type Command struct {
	Kind CommandKind
	// Port is the upstream proxy port; only meaningful for CommandStart.
	Port int
	// Requester is the uid that wrote the command, or common.UnknownUID.
	Requester int
}

// Start returns a start command for port.
func Start(port int) Command {
	return Command{Kind: CommandStart, Port: port, Requester: common.UnknownUID}
}

// Stop returns a stop command.
func Stop() Command {
	return Command{Kind: CommandStop, Requester: common.UnknownUID}
}

// String encodes the command in its wire form: "start:<port>" or "stop".
func (c Command) String() string {
	if c.Kind == CommandStart {
		return fmt.Sprintf("start:%d", c.Port)
	}
	return c.Kind.String()
}

// ParseCommand decodes a wire command. A start command with a missing or
// invalid port gets defaultPort.
func ParseCommand(raw string, defaultPort int) (Command, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "stop":
		return Stop(), nil
	case strings.HasPrefix(raw, "start:"):
		port, err := strconv.Atoi(strings.TrimPrefix(raw, "start:"))
		if err != nil || port <= 0 || port > 65535 {
			port = defaultPort
		}
		return Start(port), nil
	default:
		return Command{}, fmt.Errorf("%w: %q", common.ErrUnknownCommand, raw)
	}
}

// CommandChannel delivers commands written by the external control
// process. Each command file is consumed once; unknown payloads are
// logged and dropped.
type CommandChannel struct {
	box         *Mailbox
	watcher     *Watcher
	defaultPort int
}

// NewCommandChannel creates the command channel rooted at dir.
func NewCommandChannel(dir string, interval time.Duration, defaultPort int) *CommandChannel {
	box := New(dir, common.CommandFileName)
	return &CommandChannel{
		box:         box,
		watcher:     NewWatcher(box, interval),
		defaultPort: defaultPort,
	}
}

// Mailbox returns the underlying mailbox.
func (c *CommandChannel) Mailbox() *Mailbox {
	return c.box
}

// Send writes cmd, replacing any command not yet consumed.
func (c *CommandChannel) Send(cmd Command) error {
	return c.box.Put(cmd.String())
}

// Run delivers decoded commands to handle until ctx is cancelled.
func (c *CommandChannel) Run(ctx context.Context, handle func(Command)) error {
	return c.watcher.Run(ctx, func(msg Message) {
		common.LogInfo("Command received: %s (uid %d)", msg.Payload, msg.Owner)
		cmd, err := ParseCommand(msg.Payload, c.defaultPort)
		if err != nil {
			common.LogWarn("Discarding command: %v", err)
			return
		}
		cmd.Requester = msg.Owner
		handle(cmd)
	})
}
