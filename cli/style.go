package cli

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/yllada/tunnel-supervisor/vpn"
)

var (
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

// stdoutIsTerminal reports whether output goes to a terminal rather than
// a pipe or file.
func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// statusStyle picks the style for st.
func statusStyle(st vpn.Status) lipgloss.Style {
	switch {
	case st == vpn.Running:
		return okStyle
	case st.Kind == vpn.StatusError || st == vpn.Revoked:
		return failStyle
	case st.Terminal() || st == vpn.NotRunning:
		return dimStyle
	default:
		return pendingStyle
	}
}

// render applies style when color is enabled.
func (c *CLI) render(style lipgloss.Style, text string) string {
	if !c.color {
		return text
	}
	return style.Render(text)
}
