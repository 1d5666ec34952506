package tui_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/divadsn/UBahnSimBerlinInstaller/internal/core"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/domain"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/tui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewApp_InitialState(t *testing.T) {
	app := tui.NewApp("U-Bahn Sim Berlin", nil)

	_, done := app.Report()
	assert.False(t, done)
	assert.False(t, app.Cancelling())
	assert.Contains(t, app.View(), "U-Bahn Sim Berlin")
	assert.NotNil(t, app.Init())
}

func TestApp_ProgressRendered(t *testing.T) {
	app := tui.NewApp("Install", nil)

	model, _ := app.Update(tui.ProgressMsg{
		State:      core.StateDownloading,
		Downloaded: 3,
		Total:      10,
		Speed:      2_000_000,
		Installed:  2,
		Current:    core.InstallStatus{Index: 2, Name: "DT3 Wagen", Kuid: domain.MustParseKuid("kuid:400722:1001")},
	})
	view := model.(tui.App).View()

	assert.Contains(t, view, "Downloaded 3/10")
	assert.Contains(t, view, "2.0 MB/s")
	assert.Contains(t, view, "Installed 2")
	assert.Contains(t, view, "DT3 Wagen <kuid:400722:1001>")
}

func TestApp_CancelCallsStopOnce(t *testing.T) {
	var calls atomic.Int32
	stopped := make(chan struct{}, 2)
	app := tui.NewApp("Install", func() {
		calls.Add(1)
		stopped <- struct{}{}
	})

	model, cmd := app.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	assert.Nil(t, cmd, "cancel waits for the session instead of quitting")
	app = model.(tui.App)
	assert.True(t, app.Cancelling())
	assert.Contains(t, app.View(), "Cancelling")

	model, _ = app.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	app = model.(tui.App)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop was not called")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestApp_FinishedQuits(t *testing.T) {
	app := tui.NewApp("Install", nil)

	model, cmd := app.Update(tui.FinishedMsg{Outcome: core.OutcomeSuccess, Installed: 4, ToRevision: 9})
	require.NotNil(t, cmd)
	_, isQuit := cmd().(tea.QuitMsg)
	assert.True(t, isQuit)

	app = model.(tui.App)
	report, done := app.Report()
	require.True(t, done)
	assert.Equal(t, 4, report.Installed)
	assert.Contains(t, app.View(), "Installed 4 assets, now at revision 9")
}

func TestApp_WindowResize(t *testing.T) {
	app := tui.NewApp("Install", nil)

	model, cmd := app.Update(tea.WindowSizeMsg{Width: 200, Height: 50})
	assert.Nil(t, cmd)
	assert.NotEmpty(t, model.(tui.App).View())
}
