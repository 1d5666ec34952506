package tui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/divadsn/UBahnSimBerlinInstaller/internal/core"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
)

// ProgramReporter forwards session updates to a running bubbletea program.
type ProgramReporter struct {
	Program *tea.Program
}

func (r ProgramReporter) Progress(p core.Progress) { r.Program.Send(ProgressMsg(p)) }
func (r ProgramReporter) Finished(rep core.Report) { r.Program.Send(FinishedMsg(rep)) }

// PlainReporter writes one line per visible change. It is used when stdout
// is not a terminal.
type PlainReporter struct {
	mu   sync.Mutex
	w    io.Writer
	last core.Progress
	seen bool
}

// NewPlainReporter creates a reporter that writes to w
func NewPlainReporter(w io.Writer) *PlainReporter {
	return &PlainReporter{w: w}
}

// Progress implements core.Reporter
func (r *PlainReporter) Progress(p core.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seen && p.State == r.last.State && p.Downloaded == r.last.Downloaded &&
		p.Installed == r.last.Installed && p.Message == r.last.Message {
		return
	}
	r.seen = true
	r.last = p

	line := StateLabel(p.State)
	if p.Message != "" {
		line += " (" + p.Message + ")"
	}
	if p.Total > 0 {
		line += fmt.Sprintf(": downloaded %d/%d, installed %d, %s",
			p.Downloaded, p.Total, p.Installed, FormatSpeed(p.Speed))
	}
	fmt.Fprintln(r.w, line)
}

// Finished implements core.Reporter
func (r *PlainReporter) Finished(rep core.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, Summary(rep))
}

// FormatSpeed renders a transfer rate such as "1.2 MB/s".
func FormatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond <= 0 {
		return "0 B/s"
	}
	return humanize.Bytes(uint64(bytesPerSecond)) + "/s"
}

// StateLabel is the human-readable name of a session state.
func StateLabel(s core.State) string {
	switch s {
	case core.StateIdle:
		return "Waiting"
	case core.StateFetchingManifest:
		return "Fetching asset list"
	case core.StateProbingTool:
		return "Starting content manager"
	case core.StateDownloading:
		return "Downloading and installing"
	case core.StateDraining:
		return "Finishing installs"
	case core.StatePostInstall:
		return "Applying settings"
	case core.StateDone:
		return "Done"
	case core.StateFailed:
		return "Failed"
	default:
		return s.String()
	}
}

// Summary renders the final report as a few lines of text.
func Summary(r core.Report) string {
	var b strings.Builder
	switch r.Outcome {
	case core.OutcomeUpToDate:
		fmt.Fprintf(&b, "Up to date (revision %d)", r.ToRevision)
		return b.String()
	case core.OutcomeSuccess:
		fmt.Fprintf(&b, "Installed %d assets, now at revision %d", r.Installed, r.ToRevision)
	case core.OutcomePartial:
		fmt.Fprintf(&b, "Installed %d assets with problems, now at revision %d", r.Installed, r.ToRevision)
	case core.OutcomeCancelled:
		b.WriteString("Cancelled")
	default:
		b.WriteString("Failed")
	}

	if r.Problem != nil && r.Outcome != core.OutcomeCancelled {
		fmt.Fprintf(&b, "\n%s: %s", r.Problem.Title, r.Problem.Message)
	}
	for _, k := range r.FailedAssets {
		fmt.Fprintf(&b, "\n  commit failed: %s", k.Bracketed())
	}
	for _, u := range r.FailedDownloads {
		fmt.Fprintf(&b, "\n  download failed: %s", u)
	}
	if r.Duration > 0 {
		fmt.Fprintf(&b, "\nTook %s", r.Duration.Round(time.Second))
	}
	return b.String()
}
