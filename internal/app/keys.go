package app

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Send      key.Binding
	Copy      key.Binding
	Abort     key.Binding
	Dismiss   key.Binding
	Reasoning key.Binding
	PageUp    key.Binding
	PageDown  key.Binding
	Bottom    key.Binding
	Quit      key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Send:      key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "send")),
		Copy:      key.NewBinding(key.WithKeys("ctrl+y"), key.WithHelp("ctrl+y", "copy last")),
		Abort:     key.NewBinding(key.WithKeys("ctrl+x"), key.WithHelp("ctrl+x", "abort")),
		Dismiss:   key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "dismiss")),
		Reasoning: key.NewBinding(key.WithKeys("ctrl+r"), key.WithHelp("ctrl+r", "reasoning")),
		PageUp:    key.NewBinding(key.WithKeys("pgup", "ctrl+u"), key.WithHelp("pgup", "scroll up")),
		PageDown:  key.NewBinding(key.WithKeys("pgdown", "ctrl+d"), key.WithHelp("pgdn", "scroll down")),
		Bottom:    key.NewBinding(key.WithKeys("ctrl+g"), key.WithHelp("ctrl+g", "follow")),
		Quit:      key.NewBinding(key.WithKeys("ctrl+c"), key.WithHelp("ctrl+c", "quit")),
	}
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Send, k.Copy, k.Abort, k.Dismiss, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Send, k.Copy, k.Abort, k.Dismiss},
		{k.Reasoning, k.PageUp, k.PageDown, k.Bottom, k.Quit},
	}
}
