package components

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/allbin/picobridge/internal/tui/colors"
	"github.com/allbin/picobridge/internal/tui/styles"
)

// Source says where a chunk of serial bytes came from
type Source int

const (
	SourceDevice Source = iota // read from the board
	SourceLocal                // typed in this terminal
	SourceRelay                // serial-data forwarded by the server
)

// DataMsg carries serial bytes into the model
type DataMsg struct {
	Timestamp time.Time
	Data      []byte
	Source    Source
	// Err is set when a write to the board failed
	Err error
}

// EventMsg is a one line notice, usually a relay status
type EventMsg struct {
	Timestamp time.Time
	Level     string
	Text      string
}

type DisplayMode int

const (
	DisplayText DisplayMode = iota
	DisplayHex
)

func (m DisplayMode) String() string {
	if m == DisplayHex {
		return "HEX"
	}
	return "TEXT"
}

type DataFormatter struct {
	mode       DisplayMode
	timestamps bool
}

func NewDataFormatter() *DataFormatter {
	return &DataFormatter{}
}

func (df *DataFormatter) Mode() DisplayMode {
	return df.mode
}

func (df *DataFormatter) ToggleHex() {
	if df.mode == DisplayHex {
		df.mode = DisplayText
	} else {
		df.mode = DisplayHex
	}
}

func (df *DataFormatter) ToggleTimestamps() {
	df.timestamps = !df.timestamps
}

func (df *DataFormatter) Timestamps() bool {
	return df.timestamps
}

// Prefix is what starts every new terminal line
func (df *DataFormatter) Prefix(ts time.Time) string {
	if !df.timestamps {
		return ""
	}
	return styles.TimestampStyle.Render("["+ts.Format("15:04:05.000")+"]") + " "
}

// Text cleans device output for the viewport: CR is dropped and other
// control bytes except newline and tab are removed
func (df *DataFormatter) Text(data []byte) string {
	var b strings.Builder
	b.Grow(len(data))
	for _, c := range data {
		switch {
		case c == '\n' || c == '\t':
			b.WriteByte(c)
		case c < 0x20 || c == 0x7f:
		default:
			b.WriteByte(c)
		}
	}
	return strings.ToValidUTF8(b.String(), "?")
}

// Line renders a whole chunk on one line, used in hex mode for every
// source and in text mode for writes only
func (df *DataFormatter) Line(msg DataMsg) string {
	var label string
	var color lipgloss.Color
	switch msg.Source {
	case SourceDevice:
		label, color = "↙ RX", colors.Sky
	case SourceRelay:
		label, color = "↗ TX relay", colors.Peach
	default:
		label, color = "↗ TX", colors.Peach
	}
	if msg.Err != nil {
		label += " ✗"
		color = colors.Red
	}
	indicator := lipgloss.NewStyle().Foreground(color).Bold(true).Render(label)

	body := fmt.Sprintf("% X", msg.Data)
	if df.mode == DisplayText {
		body = fmt.Sprintf("%q", msg.Data)
	}
	if msg.Err != nil {
		body += "  " + styles.ErrorStyle.Render(msg.Err.Error())
	}
	return df.Prefix(msg.Timestamp) + indicator + " " + body
}

func (df *DataFormatter) Event(msg EventMsg) string {
	return df.Prefix(msg.Timestamp) + styles.LevelStyle(msg.Level).Render("» "+msg.Text)
}
