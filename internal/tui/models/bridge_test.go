package models

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allbin/picobridge/internal/tui/components"
	"github.com/allbin/picobridge/internal/tui/styles"
)

type fakeDevice struct {
	mu     sync.Mutex
	writes [][]byte
	err    error
}

func (d *fakeDevice) Write(_ context.Context, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes = append(d.writes, append([]byte(nil), p...))
	return d.err
}

type fakeController struct {
	calls []string
	err   error
}

func (c *fakeController) Interrupt(context.Context) error {
	c.calls = append(c.calls, "interrupt")
	return c.err
}

func (c *fakeController) SoftReset(context.Context) error {
	c.calls = append(c.calls, "soft")
	return c.err
}

func (c *fakeController) HardReset(context.Context) error {
	c.calls = append(c.calls, "hard")
	return c.err
}

func newBridge(t *testing.T) (*Bridge, *fakeDevice, *fakeController) {
	t.Helper()
	dev := &fakeDevice{}
	ctl := &fakeController{}
	m := NewBridge(dev, ctl, components.LinkInfo{Device: "/dev/ttyACM0", BaudRate: 115200, DataBits: 8, StopBits: 1})
	m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return m, dev, ctl
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// press feeds msg and runs the resulting command back into the model. Keys
// that only edit the input return cursor blink commands and go through
// Update directly instead.
func press(t *testing.T, m *Bridge, msg tea.Msg) {
	t.Helper()
	_, cmd := m.Update(msg)
	if cmd == nil {
		return
	}
	if out := cmd(); out != nil {
		if _, ok := out.(tea.QuitMsg); !ok {
			m.Update(out)
		}
	}
}

func joined(m *Bridge) string {
	return strings.Join(m.Terminal().Lines(), "\n")
}

func TestBridgeSendsTypedLine(t *testing.T) {
	m, dev, _ := newBridge(t)

	m.Update(runes("i"))
	require.Equal(t, InputModeInsert, m.Mode())
	for _, r := range "print(1)" {
		m.Update(runes(string(r)))
	}
	press(t, m, tea.KeyMsg{Type: tea.KeyEnter})

	require.Len(t, dev.writes, 1)
	assert.Equal(t, []byte("print(1)\r"), dev.writes[0])
	assert.Empty(t, m.input.Value())

	press(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, InputModeNormal, m.Mode())
}

func TestBridgeCtrlCInInsertSendsRawByte(t *testing.T) {
	m, dev, ctl := newBridge(t)

	m.Update(runes("i"))
	press(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})

	require.Len(t, dev.writes, 1)
	assert.Equal(t, []byte{0x03}, dev.writes[0])
	assert.Empty(t, ctl.calls)
}

func TestBridgeCtrlCInNormalQuits(t *testing.T) {
	m, _, _ := newBridge(t)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestBridgeControlKeys(t *testing.T) {
	m, _, ctl := newBridge(t)

	press(t, m, runes("x"))
	press(t, m, runes("s"))
	press(t, m, runes("R"))

	assert.Equal(t, []string{"interrupt", "soft", "hard"}, ctl.calls)
	assert.Contains(t, joined(m), "soft reset done")
}

func TestBridgeControlFailureShown(t *testing.T) {
	m, _, ctl := newBridge(t)
	ctl.err = errors.New("repl: command already in progress")

	press(t, m, runes("x"))

	assert.Contains(t, joined(m), "interrupt failed: repl: command already in progress")
}

func TestBridgeWithoutController(t *testing.T) {
	m := NewBridge(&fakeDevice{}, nil, components.LinkInfo{})

	_, cmd := m.Update(runes("x"))
	assert.Nil(t, cmd)
}

func TestBridgeDeviceOutputStreams(t *testing.T) {
	m, _, _ := newBridge(t)

	m.Update(components.DataMsg{Data: []byte("MicroPython v1.22\r\n>"), Source: components.SourceDevice})
	m.Update(components.DataMsg{Data: []byte(">> "), Source: components.SourceDevice})

	assert.Equal(t, []string{"MicroPython v1.22", ">>> "}, m.Terminal().Lines())
}

func TestBridgeTextModeHidesEchoedWrites(t *testing.T) {
	m, _, _ := newBridge(t)

	m.Update(components.DataMsg{Data: []byte("x"), Source: components.SourceRelay})
	assert.Empty(t, m.Terminal().Lines())

	m.Update(components.DataMsg{Data: []byte("x"), Source: components.SourceLocal, Err: errors.New("closed")})
	assert.Contains(t, joined(m), "closed")
}

func TestBridgeHexModeShowsEverything(t *testing.T) {
	m, _, _ := newBridge(t)

	press(t, m, runes("h"))
	m.Update(components.DataMsg{Data: []byte{0x3e}, Source: components.SourceDevice})
	m.Update(components.DataMsg{Data: []byte{0x03}, Source: components.SourceRelay})

	out := joined(m)
	assert.Contains(t, out, "3E")
	assert.Contains(t, out, "03")
}

func TestBridgeInvalidHexNotSent(t *testing.T) {
	m, dev, _ := newBridge(t)

	m.Update(runes("i"))
	press(t, m, tea.KeyMsg{Type: tea.KeyTab})
	m.Update(runes("z"))
	press(t, m, tea.KeyMsg{Type: tea.KeyEnter})

	assert.Empty(t, dev.writes)
	assert.Contains(t, joined(m), "invalid input")
}

func TestBridgeLinkChanges(t *testing.T) {
	m, _, _ := newBridge(t)

	m.Update(LinkMsg{Link: LinkRelay, State: styles.LinkDown, Err: errors.New("dial refused")})
	m.Update(LinkMsg{Link: LinkDevice, State: styles.LinkUp})

	assert.Equal(t, styles.LinkDown, m.statusBar.Relay())
	assert.Equal(t, styles.LinkUp, m.statusBar.Device())
	assert.Contains(t, joined(m), "relay: dial refused")
}

func TestBridgeViewRenders(t *testing.T) {
	m, _, _ := newBridge(t)
	m.Update(components.EventMsg{Level: "info", Text: "device connected"})

	view := m.View()
	assert.Contains(t, view, "/dev/ttyACM0")
	assert.Contains(t, view, "NORMAL")
	assert.Contains(t, view, "device connected")
}
