package tui_test

import (
	"testing"

	"github.com/divadsn/UBahnSimBerlinInstaller/internal/tui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
)

func TestKeyMap_IsCancel(t *testing.T) {
	km := tui.NewKeyMap()

	tests := []struct {
		name string
		msg  tea.KeyMsg
		want bool
	}{
		{"q", tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}}, true},
		{"esc", tea.KeyMsg{Type: tea.KeyEsc}, true},
		{"ctrl+c", tea.KeyMsg{Type: tea.KeyCtrlC}, true},
		{"x", tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'x'}}, false},
		{"enter", tea.KeyMsg{Type: tea.KeyEnter}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, km.IsCancel(tt.msg))
		})
	}
}
