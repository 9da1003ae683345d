package components

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/allbin/picobridge/internal/tui/colors"
	"github.com/allbin/picobridge/internal/tui/styles"
)

type SendingMode int

const (
	SendingModeText SendingMode = iota
	SendingModeHex
)

func (s SendingMode) String() string {
	if s == SendingModeHex {
		return "HEX"
	}
	return "TEXT"
}

const maxHistory = 100

// LineEnding is appended to text lines; the MicroPython REPL accepts a bare CR
const LineEnding = "\r"

var (
	textPlaceholder = "Python, Enter sends the line..."
	hexPlaceholder  = "Hex bytes (e.g. 03 or 0D 0A)..."
)

type Input struct {
	textInput    textinput.Model
	sendingMode  SendingMode
	history      []string
	historyIndex int
	// draft holds the unsent line while browsing history
	draft string
	width int
}

func NewInput() *Input {
	ti := textinput.New()
	ti.Placeholder = textPlaceholder
	ti.CharLimit = 1024
	ti.Prompt = ""

	return &Input{
		textInput:    ti,
		historyIndex: -1,
	}
}

func (i *Input) SetWidth(width int) {
	i.width = width
	// border, padding, prompt and the space after it
	usable := width - 6
	if usable < 20 {
		usable = 20
	}
	i.textInput.Width = usable
}

func (i *Input) Focus() tea.Cmd {
	return i.textInput.Focus()
}

func (i *Input) Blur() {
	i.textInput.Blur()
}

func (i *Input) Value() string {
	return i.textInput.Value()
}

func (i *Input) SetValue(value string) {
	i.textInput.SetValue(value)
}

func (i *Input) Reset() {
	i.textInput.Reset()
}

func (i *Input) ToggleSendingMode() {
	if i.sendingMode == SendingModeText {
		i.sendingMode = SendingModeHex
		i.textInput.Placeholder = hexPlaceholder
		return
	}
	i.sendingMode = SendingModeText
	i.textInput.Placeholder = textPlaceholder
}

func (i *Input) SendingMode() SendingMode {
	return i.sendingMode
}

// Payload encodes the current line for the device. An empty text line still
// yields a line ending, which makes the REPL print a fresh prompt.
func (i *Input) Payload() ([]byte, error) {
	v := i.textInput.Value()
	if i.sendingMode == SendingModeHex {
		return ParseHex(v)
	}
	return []byte(v + LineEnding), nil
}

func (i *Input) Update(msg tea.Msg) (*Input, tea.Cmd) {
	var cmd tea.Cmd
	i.textInput, cmd = i.textInput.Update(msg)
	return i, cmd
}

func (i *Input) View(insert bool) string {
	symbol, color := ">>>", colors.Green
	if i.sendingMode == SendingModeHex {
		symbol, color = "0x", colors.Yellow
	}
	prompt := lipgloss.NewStyle().Foreground(color).Bold(true).Render(symbol)

	var content string
	if insert {
		content = lipgloss.JoinHorizontal(lipgloss.Left, prompt, " ", i.textInput.View())
	} else {
		hint := lipgloss.NewStyle().Foreground(colors.Overlay0).Render("press i to type, x to interrupt")
		content = lipgloss.JoinHorizontal(lipgloss.Left, prompt, " ", hint)
	}

	// rounded border and horizontal padding take 4 columns
	w := i.width - 4
	if w < 10 {
		w = 10
	}
	style := styles.InputStyle.Width(w).AlignHorizontal(lipgloss.Left)
	if insert {
		style = style.BorderForeground(colors.Green)
	}
	return style.Render(content)
}

// AddToHistory records a sent line, skipping blanks and repeats
func (i *Input) AddToHistory(line string) {
	i.historyIndex = -1
	i.draft = ""

	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if n := len(i.history); n > 0 && i.history[n-1] == line {
		return
	}
	i.history = append(i.history, line)
	if len(i.history) > maxHistory {
		i.history = i.history[1:]
	}
}

func (i *Input) HistoryUp() {
	if len(i.history) == 0 {
		return
	}
	if i.historyIndex == -1 {
		i.draft = i.textInput.Value()
		i.historyIndex = len(i.history) - 1
	} else if i.historyIndex > 0 {
		i.historyIndex--
	}
	i.textInput.SetValue(i.history[i.historyIndex])
}

func (i *Input) HistoryDown() {
	if i.historyIndex == -1 {
		return
	}
	if i.historyIndex < len(i.history)-1 {
		i.historyIndex++
		i.textInput.SetValue(i.history[i.historyIndex])
		return
	}
	i.historyIndex = -1
	i.textInput.SetValue(i.draft)
	i.draft = ""
}

// ParseHex turns "0d0a", "0D 0A" or "0x03" into bytes
func ParseHex(s string) ([]byte, error) {
	clean := strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	if clean == "" {
		return nil, errors.New("empty input")
	}
	if len(clean)%2 != 0 {
		return nil, fmt.Errorf("hex input must have an even number of digits (got %d)", len(clean))
	}

	out := make([]byte, 0, len(clean)/2)
	for j := 0; j < len(clean); j += 2 {
		b, err := strconv.ParseUint(clean[j:j+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid hex byte %q", clean[j:j+2])
		}
		out = append(out, byte(b))
	}
	return out, nil
}
