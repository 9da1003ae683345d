package keys

import "github.com/charmbracelet/bubbles/key"

// ConnectKeys drive the bridge monitor: line input plus REPL control
type ConnectKeys struct {
	TerminalKeys
	Enter          key.Binding
	ToggleSendMode key.Binding
	HistoryUp      key.Binding
	HistoryDown    key.Binding
	Interrupt      key.Binding
	SoftReset      key.Binding
	HardReset      key.Binding
	// raw control bytes typed while in insert mode
	CtrlC key.Binding
	CtrlD key.Binding
}

func NewConnectKeys() ConnectKeys {
	return ConnectKeys{
		TerminalKeys: NewTerminalKeys(),
		Enter: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "send line"),
		),
		ToggleSendMode: key.NewBinding(
			key.WithKeys("tab"),
			key.WithHelp("tab", "text/hex input"),
		),
		HistoryUp: key.NewBinding(
			key.WithKeys("up"),
			key.WithHelp("↑", "previous"),
		),
		HistoryDown: key.NewBinding(
			key.WithKeys("down"),
			key.WithHelp("↓", "next"),
		),
		Interrupt: key.NewBinding(
			key.WithKeys("x"),
			key.WithHelp("x", "interrupt"),
		),
		SoftReset: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "soft reset"),
		),
		HardReset: key.NewBinding(
			key.WithKeys("R"),
			key.WithHelp("R", "hard reset"),
		),
		CtrlC: key.NewBinding(
			key.WithKeys("ctrl+c"),
			key.WithHelp("ctrl+c", "send 0x03"),
		),
		CtrlD: key.NewBinding(
			key.WithKeys("ctrl+d"),
			key.WithHelp("ctrl+d", "send 0x04"),
		),
	}
}

func (k ConnectKeys) ShortHelp() []key.Binding {
	return []key.Binding{k.Help, k.InsertMode, k.Interrupt, k.SoftReset, k.Quit}
}

func (k ConnectKeys) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.InsertMode, k.Escape, k.Enter, k.ToggleSendMode, k.CtrlC, k.CtrlD},
		{k.Interrupt, k.SoftReset, k.HardReset},
		{k.Clear, k.ToggleHex, k.ToggleTimestamps},
		{k.Up, k.Down, k.GotoTop, k.GotoBottom},
		{k.Help, k.Quit},
	}
}
