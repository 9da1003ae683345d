package components

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/allbin/picobridge"
	"github.com/allbin/picobridge/internal/tui/colors"
	"github.com/allbin/picobridge/internal/tui/styles"
)

// LinkInfo describes both ends of the bridge as shown in the status bar
type LinkInfo struct {
	Device   string
	BaudRate int
	DataBits int
	StopBits int
	Parity   serial.Parity
	Relay    string // server url, empty when running without a relay
}

type StatusBar struct {
	info   LinkInfo
	device styles.LinkState
	relay  styles.LinkState
	repl   string
	width  int
}

func NewStatusBar(info LinkInfo) *StatusBar {
	return &StatusBar{
		info:   info,
		device: styles.LinkConnecting,
		relay:  styles.LinkConnecting,
		repl:   "idle",
	}
}

func (sb *StatusBar) SetWidth(width int) {
	sb.width = width
}

func (sb *StatusBar) SetDevice(s styles.LinkState) {
	sb.device = s
}

func (sb *StatusBar) SetRelay(s styles.LinkState) {
	sb.relay = s
}

func (sb *StatusBar) SetREPL(state string) {
	sb.repl = state
}

func (sb *StatusBar) Device() styles.LinkState {
	return sb.device
}

func (sb *StatusBar) Relay() styles.LinkState {
	return sb.relay
}

func parityToString(p serial.Parity) string {
	switch p {
	case serial.ParityEven:
		return "E"
	case serial.ParityOdd:
		return "O"
	default:
		return "N"
	}
}

// View renders the bar in a vim-like layout: mode, endpoints, line
// settings and the clock
func (sb *StatusBar) View(insert bool, sending, display, clock string) string {
	width := sb.width
	if width <= 0 {
		width = 80
	}

	modeText, modeColor := "NORMAL", colors.Blue
	if insert {
		modeText, modeColor = "INSERT", colors.Green
	}
	mode := lipgloss.NewStyle().
		Foreground(colors.Base).
		Background(modeColor).
		Bold(true).
		Padding(0, 1).
		Render(modeText)

	device := lipgloss.NewStyle().Foreground(colors.Mauve).Bold(true).Padding(0, 1).Render(sb.info.Device)
	divider := lipgloss.NewStyle().Foreground(colors.Surface2).Padding(0, 1).Render("│")

	left := []string{mode, device, styles.Indicator(sb.device)}
	if sb.info.Relay != "" {
		relay := lipgloss.NewStyle().Foreground(colors.Subtext1).Padding(0, 1).Render("relay")
		left = append(left, relay, styles.Indicator(sb.relay))
	}
	if insert {
		left = append(left, lipgloss.NewStyle().Foreground(colors.Peach).Bold(true).Padding(0, 1).
			Render(fmt.Sprintf("[%s] Tab to toggle", sending)))
	}
	left = append(left, divider)
	leftSide := lipgloss.JoinHorizontal(lipgloss.Left, left...)

	details := fmt.Sprintf("⚡ %d %d%s%d  repl:%s  %s",
		sb.info.BaudRate,
		sb.info.DataBits,
		parityToString(sb.info.Parity),
		sb.info.StopBits,
		sb.repl,
		display)
	rightSide := lipgloss.JoinHorizontal(lipgloss.Left,
		lipgloss.NewStyle().Foreground(colors.Subtext0).Padding(0, 1).Render(details),
		divider,
		lipgloss.NewStyle().Foreground(colors.Subtext1).Padding(0, 1).Render(clock),
	)

	spacer := width - lipgloss.Width(leftSide) - lipgloss.Width(rightSide)
	if spacer < 1 {
		spacer = 1
	}

	return lipgloss.NewStyle().
		Foreground(colors.Text).
		Background(colors.Surface0).
		Width(width).
		Render(lipgloss.JoinHorizontal(lipgloss.Left,
			leftSide,
			lipgloss.NewStyle().Width(spacer).Render(""),
			rightSide))
}
