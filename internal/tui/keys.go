package tui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// KeyMap defines keybindings for the progress screen
type KeyMap struct {
	cancel []string
}

// NewKeyMap creates the default keymap
func NewKeyMap() *KeyMap {
	return &KeyMap{cancel: []string{"q", "esc", "ctrl+c"}}
}

// IsCancel returns true if the key asks to stop the run
func (k *KeyMap) IsCancel(msg tea.KeyMsg) bool {
	s := msg.String()
	for _, c := range k.cancel {
		if s == c {
			return true
		}
	}
	return false
}
