package styles

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/allbin/picobridge/internal/tui/colors"
)

var (
	ContentBorderStyle = lipgloss.NewStyle().
				BorderTop(true).
				BorderStyle(lipgloss.NormalBorder()).
				BorderForeground(colors.Surface1)

	InputStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colors.Surface2).
			Padding(0, 1)

	TimestampStyle = lipgloss.NewStyle().Foreground(colors.Subtext0)

	InfoStyle  = lipgloss.NewStyle().Foreground(colors.Teal)
	WarnStyle  = lipgloss.NewStyle().Foreground(colors.Yellow).Bold(true)
	ErrorStyle = lipgloss.NewStyle().Foreground(colors.Red).Bold(true)
)

// LinkState is the state of one end of the bridge
type LinkState int

const (
	LinkUp LinkState = iota
	LinkDown
	LinkConnecting
	LinkFailed
)

// Indicator returns the one character status marker for s
func Indicator(s LinkState) string {
	switch s {
	case LinkUp:
		return lipgloss.NewStyle().Foreground(colors.Green).Render("●")
	case LinkConnecting:
		return lipgloss.NewStyle().Foreground(colors.Yellow).Render("○")
	case LinkFailed:
		return lipgloss.NewStyle().Foreground(colors.Red).Render("✗")
	default:
		return lipgloss.NewStyle().Foreground(colors.Red).Render("○")
	}
}

// LevelStyle picks the style for a relay status level
func LevelStyle(level string) lipgloss.Style {
	switch level {
	case "warn":
		return WarnStyle
	case "error":
		return ErrorStyle
	default:
		return InfoStyle
	}
}
