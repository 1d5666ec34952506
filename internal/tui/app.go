package tui

import (
	"fmt"
	"strings"

	"github.com/divadsn/UBahnSimBerlinInstaller/internal/core"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#F8B500"))

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A8DADC"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6C757D"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#95E1A3"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFE66D"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#4ECDC4")).
			Padding(0, 1)
)

// ProgressMsg carries a session progress update into the program
type ProgressMsg core.Progress

// FinishedMsg carries the final report into the program
type FinishedMsg core.Report

// App is the install progress screen
type App struct {
	title    string
	keys     *KeyMap
	stop     func()
	spinner  spinner.Model
	progress progress.Model

	current    core.Progress
	report     *core.Report
	cancelling bool
	width      int
}

// NewApp creates the progress screen. stop is called once when the user
// asks to cancel; it must not block the program loop.
func NewApp(title string, stop func()) App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#F8B500"))

	return App{
		title:    title,
		keys:     NewKeyMap(),
		stop:     stop,
		spinner:  sp,
		progress: progress.New(progress.WithDefaultGradient()),
		width:    80,
	}
}

// Report returns the final report once the session has finished.
func (a App) Report() (core.Report, bool) {
	if a.report == nil {
		return core.Report{}, false
	}
	return *a.report, true
}

// Cancelling reports whether the user asked to stop the run.
func (a App) Cancelling() bool {
	return a.cancelling
}

// Init implements tea.Model
func (a App) Init() tea.Cmd {
	return a.spinner.Tick
}

// Update implements tea.Model
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if a.report != nil {
			return a, tea.Quit
		}
		if a.keys.IsCancel(msg) && !a.cancelling {
			a.cancelling = true
			if a.stop != nil {
				go a.stop()
			}
		}
		return a, nil

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.progress.Width = min(max(msg.Width-20, 20), 80)
		return a, nil

	case ProgressMsg:
		a.current = core.Progress(msg)
		return a, nil

	case FinishedMsg:
		report := core.Report(msg)
		a.report = &report
		return a, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}
	return a, nil
}

// View implements tea.Model
func (a App) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(a.title))
	b.WriteString("\n\n")

	if a.report != nil {
		b.WriteString(a.viewReport())
		b.WriteString("\n")
		return b.String()
	}

	p := a.current
	b.WriteString(a.spinner.View())
	b.WriteString(" ")
	b.WriteString(StateLabel(p.State))
	if p.Message != "" {
		b.WriteString(dimStyle.Render(" (" + p.Message + ")"))
	}
	b.WriteString("\n\n")

	if p.Total > 0 {
		b.WriteString(a.progress.ViewAs(float64(p.Downloaded) / float64(p.Total)))
		b.WriteString("\n")
		b.WriteString(infoStyle.Render(fmt.Sprintf("Downloaded %d/%d | %s | Installed %d",
			p.Downloaded, p.Total, FormatSpeed(p.Speed), p.Installed)))
		b.WriteString("\n")
	}
	if p.Current.Name != "" {
		b.WriteString(dimStyle.Render(fmt.Sprintf("#%d %s %s", p.Current.Index, p.Current.Name, p.Current.Kuid.Bracketed())))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if a.cancelling {
		b.WriteString(warningStyle.Render("Cancelling, waiting for the current step to finish..."))
	} else {
		b.WriteString(dimStyle.Render("q: cancel"))
	}
	b.WriteString("\n")
	return b.String()
}

func (a App) viewReport() string {
	r := a.report
	switch r.Outcome {
	case core.OutcomeSuccess, core.OutcomeUpToDate, core.OutcomePartial:
		style := successStyle
		if r.Outcome == core.OutcomePartial {
			style = warningStyle
		}
		return boxStyle.Render(style.Render(Summary(*r)))
	default:
		return boxStyle.Render(errorStyle.Render(Summary(*r)))
	}
}
