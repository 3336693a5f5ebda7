package tui

import "github.com/charmbracelet/bubbles/key"

// keyMap holds the panel bindings.
type keyMap struct {
	Focus    key.Binding
	Left     key.Binding
	Right    key.Binding
	Preset   key.Binding
	Dispense key.Binding
	Stop     key.Binding
	Prev     key.Binding
	Next     key.Binding
	Refresh  key.Binding
	Export   key.Binding
	Help     key.Binding
	Quit     key.Binding
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Dispense, k.Stop, k.Focus, k.Left, k.Right, k.Help, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Focus, k.Left, k.Right, k.Preset},
		{k.Dispense, k.Stop},
		{k.Prev, k.Next, k.Refresh, k.Export},
		{k.Help, k.Quit},
	}
}

func defaultKeyMap() keyMap {
	return keyMap{
		Focus: key.NewBinding(
			key.WithKeys("tab", "shift+tab"),
			key.WithHelp("tab", "water/syrup"),
		),
		Left: key.NewBinding(
			key.WithKeys("left", "h"),
			key.WithHelp("←/h", "less"),
		),
		Right: key.NewBinding(
			key.WithKeys("right", "l"),
			key.WithHelp("→/l", "more"),
		),
		Preset: key.NewBinding(
			key.WithKeys("1", "2", "3", "4", "5", "6", "7", "8", "9"),
			key.WithHelp("1-9", "preset"),
		),
		Dispense: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "dispense"),
		),
		Stop: key.NewBinding(
			key.WithKeys("x", " "),
			key.WithHelp("x/space", "emergency stop"),
		),
		Prev: key.NewBinding(
			key.WithKeys("["),
			key.WithHelp("[", "newer"),
		),
		Next: key.NewBinding(
			key.WithKeys("]"),
			key.WithHelp("]", "older"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refresh history"),
		),
		Export: key.NewBinding(
			key.WithKeys("e"),
			key.WithHelp("e", "export chart"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}
