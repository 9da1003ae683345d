package components

import (
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// DefaultScrollback is how many lines the terminal keeps
const DefaultScrollback = 5000

// Terminal is a scrollback buffer over a viewport. Device output arrives
// in arbitrary chunks, so the last line stays open until a newline.
type Terminal struct {
	viewport   viewport.Model
	lines      []string
	open       bool
	scrollback int
	follow     bool
}

func NewTerminal(width, height int) *Terminal {
	return &Terminal{
		viewport:   viewport.New(width, height),
		scrollback: DefaultScrollback,
		follow:     true,
	}
}

func (t *Terminal) SetSize(width, height int) {
	t.viewport.Width = width
	t.viewport.Height = height
	t.refresh()
}

// Write appends streamed text, starting each new line with prefix
func (t *Terminal) Write(s, prefix string) {
	if s == "" {
		return
	}
	parts := strings.Split(s, "\n")
	for i, part := range parts {
		if i > 0 {
			t.open = false
		}
		if i == len(parts)-1 && part == "" {
			break
		}
		if t.open && len(t.lines) > 0 {
			t.lines[len(t.lines)-1] += part
		} else {
			t.lines = append(t.lines, prefix+part)
		}
		t.open = true
	}
	t.trim()
	t.refresh()
}

// Line appends a complete line, closing any open one first
func (t *Terminal) Line(s string) {
	t.lines = append(t.lines, s)
	t.open = false
	t.trim()
	t.refresh()
}

func (t *Terminal) Lines() []string {
	return t.lines
}

func (t *Terminal) Clear() {
	t.lines = nil
	t.open = false
	t.refresh()
}

func (t *Terminal) ScrollUp(n int) {
	t.viewport.LineUp(n)
	t.follow = t.viewport.AtBottom()
}

func (t *Terminal) ScrollDown(n int) {
	t.viewport.LineDown(n)
	t.follow = t.viewport.AtBottom()
}

func (t *Terminal) GotoTop() {
	t.viewport.GotoTop()
	t.follow = false
}

func (t *Terminal) GotoBottom() {
	t.viewport.GotoBottom()
	t.follow = true
}

func (t *Terminal) Following() bool {
	return t.follow
}

func (t *Terminal) trim() {
	if over := len(t.lines) - t.scrollback; over > 0 {
		t.lines = append(t.lines[:0:0], t.lines[over:]...)
	}
}

func (t *Terminal) refresh() {
	t.viewport.SetContent(strings.Join(t.lines, "\n"))
	if t.follow {
		t.viewport.GotoBottom()
	}
}

// Update only forwards mouse wheel events; keys are bound by the model
func (t *Terminal) Update(msg tea.Msg) tea.Cmd {
	if _, ok := msg.(tea.MouseMsg); !ok {
		return nil
	}
	var cmd tea.Cmd
	t.viewport, cmd = t.viewport.Update(msg)
	t.follow = t.viewport.AtBottom()
	return cmd
}

func (t *Terminal) View() string {
	return t.viewport.View()
}
