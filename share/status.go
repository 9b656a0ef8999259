package ffshare

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Status-line styling: decorative only, no behavior
// depends on it. Palette names follow the same convention as
// pithecene-io-quarry's tui/styles.go.
var (
	statusLabelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	statusGoodStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#10B981"))
	statusWarnStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F59E0B"))
)

// StatusLine renders a single-line scheduler status summary: frame
// progress and live worker count.
func StatusLine(frames *FrameStats, conns *ConnStats) string {
	return fmt.Sprintf("%s %s  %s %s",
		statusLabelStyle.Render("frames:"), frames.String(),
		statusLabelStyle.Render("workers:"), conns.String())
}

// joinedLine renders one line logged when a worker's WELCOME completes,
// styled for terminals that honor ANSI.
func joinedLine(hostname string, coreCount uint32) string {
	style := statusGoodStyle
	if coreCount == 0 {
		style = statusWarnStyle
	}
	return style.Render(fmt.Sprintf("worker joined: %s (%d cores)", hostname, coreCount))
}
