// Package models holds the bubbletea models behind picobridge's terminal
// views.
package models

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/allbin/picobridge/internal/repl"
	"github.com/allbin/picobridge/internal/tui/components"
	"github.com/allbin/picobridge/internal/tui/keys"
	"github.com/allbin/picobridge/internal/tui/styles"
)

// Device is the local end bytes are written to
type Device interface {
	Write(ctx context.Context, p []byte) error
}

// Controller runs REPL control sequences, normally a *repl.Engine
type Controller interface {
	Interrupt(ctx context.Context) error
	SoftReset(ctx context.Context) error
	HardReset(ctx context.Context) error
}

// Link names one end of the bridge
type Link int

const (
	LinkDevice Link = iota
	LinkRelay
)

// LinkMsg reports a state change of the device or relay link
type LinkMsg struct {
	Link  Link
	State styles.LinkState
	Err   error
}

// REPLStateMsg reports an engine state change
type REPLStateMsg struct {
	State repl.State
}

// CommandDoneMsg is sent when a control command finishes
type CommandDoneMsg struct {
	Name string
	Err  error
}

type tickMsg time.Time

// DefaultCommandTimeout bounds control commands started from the keyboard
const DefaultCommandTimeout = 10 * time.Second

// Bridge is the connect monitor: device output on top, a line editor and a
// status bar below
type Bridge struct {
	device     Device
	controller Controller

	terminal  *components.Terminal
	statusBar *components.StatusBar
	input     *components.Input
	formatter *components.DataFormatter
	help      help.Model
	keys      keys.ConnectKeys

	mode    InputMode
	ready   bool
	timeout time.Duration
	now     func() time.Time
}

func NewBridge(device Device, controller Controller, info components.LinkInfo) *Bridge {
	return &Bridge{
		device:     device,
		controller: controller,
		terminal:   components.NewTerminal(0, 0),
		statusBar:  components.NewStatusBar(info),
		input:      components.NewInput(),
		formatter:  components.NewDataFormatter(),
		help:       help.New(),
		keys:       keys.NewConnectKeys(),
		timeout:    DefaultCommandTimeout,
		now:        time.Now,
	}
}

// Terminal exposes the scrollback, mostly for tests
func (m *Bridge) Terminal() *components.Terminal {
	return m.terminal
}

func (m *Bridge) Mode() InputMode {
	return m.mode
}

func (m *Bridge) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Bridge) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		// input box with border plus the status bar
		m.terminal.SetSize(msg.Width, msg.Height-4)
		m.input.SetWidth(msg.Width)
		m.statusBar.SetWidth(msg.Width)
		m.help.Width = msg.Width
		m.ready = true
		return m, nil

	case tickMsg:
		return m, tick()

	case components.DataMsg:
		m.showData(msg)
		return m, nil

	case components.EventMsg:
		m.terminal.Line(m.formatter.Event(msg))
		return m, nil

	case LinkMsg:
		m.setLink(msg)
		return m, nil

	case REPLStateMsg:
		m.statusBar.SetREPL(msg.State.String())
		return m, nil

	case CommandDoneMsg:
		ev := components.EventMsg{Timestamp: m.now(), Level: "info", Text: msg.Name + " done"}
		if msg.Err != nil {
			ev.Level, ev.Text = "error", fmt.Sprintf("%s failed: %v", msg.Name, msg.Err)
		}
		m.terminal.Line(m.formatter.Event(ev))
		return m, nil

	case tea.MouseMsg:
		return m, m.terminal.Update(msg)

	case tea.KeyMsg:
		if m.mode == InputModeInsert {
			return m, m.insertKey(msg)
		}
		return m, m.normalKey(msg)
	}

	// cursor blink and similar
	if m.mode == InputModeInsert {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Bridge) showData(msg components.DataMsg) {
	if msg.Source == components.SourceDevice && m.formatter.Mode() == components.DisplayText {
		m.terminal.Write(m.formatter.Text(msg.Data), m.formatter.Prefix(msg.Timestamp))
		return
	}
	// the REPL echoes input, so text mode only shows writes that failed
	if m.formatter.Mode() == components.DisplayText && msg.Err == nil {
		return
	}
	m.terminal.Line(m.formatter.Line(msg))
}

func (m *Bridge) setLink(msg LinkMsg) {
	name := "device"
	if msg.Link == LinkRelay {
		name = "relay"
		m.statusBar.SetRelay(msg.State)
	} else {
		m.statusBar.SetDevice(msg.State)
	}
	if msg.Err != nil {
		m.terminal.Line(m.formatter.Event(components.EventMsg{
			Timestamp: m.now(),
			Level:     "warn",
			Text:      fmt.Sprintf("%s: %v", name, msg.Err),
		}))
	}
}

func (m *Bridge) insertKey(msg tea.KeyMsg) tea.Cmd {
	switch {
	case key.Matches(msg, m.keys.Escape):
		m.mode = InputModeNormal
		m.input.Blur()
		return nil
	case key.Matches(msg, m.keys.CtrlC):
		return m.write([]byte{repl.CtrlC})
	case key.Matches(msg, m.keys.CtrlD):
		return m.write([]byte{repl.CtrlD})
	case key.Matches(msg, m.keys.Enter):
		payload, err := m.input.Payload()
		if err != nil {
			m.terminal.Line(m.formatter.Event(components.EventMsg{
				Timestamp: m.now(),
				Level:     "error",
				Text:      "invalid input: " + err.Error(),
			}))
			return nil
		}
		m.input.AddToHistory(m.input.Value())
		m.input.Reset()
		return m.write(payload)
	case key.Matches(msg, m.keys.HistoryUp):
		m.input.HistoryUp()
		return nil
	case key.Matches(msg, m.keys.HistoryDown):
		m.input.HistoryDown()
		return nil
	case key.Matches(msg, m.keys.ToggleSendMode):
		m.input.ToggleSendingMode()
		return nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return cmd
}

func (m *Bridge) normalKey(msg tea.KeyMsg) tea.Cmd {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return tea.Quit
	case key.Matches(msg, m.keys.InsertMode):
		m.mode = InputModeInsert
		return m.input.Focus()
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	case key.Matches(msg, m.keys.Clear):
		m.terminal.Clear()
	case key.Matches(msg, m.keys.ToggleHex):
		m.formatter.ToggleHex()
	case key.Matches(msg, m.keys.ToggleTimestamps):
		m.formatter.ToggleTimestamps()
	case key.Matches(msg, m.keys.ToggleSendMode):
		m.input.ToggleSendingMode()
	case key.Matches(msg, m.keys.Up):
		m.terminal.ScrollUp(1)
	case key.Matches(msg, m.keys.Down):
		m.terminal.ScrollDown(1)
	case key.Matches(msg, m.keys.GotoTop):
		m.terminal.GotoTop()
	case key.Matches(msg, m.keys.GotoBottom):
		m.terminal.GotoBottom()
	case key.Matches(msg, m.keys.Interrupt):
		return m.control("interrupt", Controller.Interrupt)
	case key.Matches(msg, m.keys.SoftReset):
		return m.control("soft reset", Controller.SoftReset)
	case key.Matches(msg, m.keys.HardReset):
		return m.control("hard reset", Controller.HardReset)
	}
	return nil
}

func (m *Bridge) write(p []byte) tea.Cmd {
	device, timeout, now := m.device, m.timeout, m.now
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := device.Write(ctx, p)
		return components.DataMsg{Timestamp: now(), Data: p, Source: components.SourceLocal, Err: err}
	}
}

func (m *Bridge) control(name string, fn func(Controller, context.Context) error) tea.Cmd {
	if m.controller == nil {
		return nil
	}
	ctl, timeout := m.controller, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return CommandDoneMsg{Name: name, Err: fn(ctl, ctx)}
	}
}

func (m *Bridge) View() string {
	content := "Initializing..."
	if m.ready {
		content = m.terminal.View()
	}
	insert := m.mode == InputModeInsert

	parts := []string{
		styles.ContentBorderStyle.Render(content),
		m.input.View(insert),
		m.statusBar.View(insert, m.input.SendingMode().String(), m.formatter.Mode().String(), m.now().Format("15:04:05")),
	}
	if m.help.ShowAll {
		parts = append(parts, m.help.View(m.keys))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}
