package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/ksuid"
	"golang.org/x/sync/errgroup"

	"github.com/divadsn/UBahnSimBerlinInstaller/internal/domain"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/metrics"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/storage/cache"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/storage/db"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/storage/state"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/trainz"
)

// DefaultPollInterval is how often progress is republished while
// downloading.
const DefaultPollInterval = 500 * time.Millisecond

const probeMessage = "usbi"

// ErrSessionStarted is returned by Start on a session that already ran.
var ErrSessionStarted = errors.New("session already started")

// State is a step of the install run
type State int32

const (
	StateIdle State = iota
	StateFetchingManifest
	StateProbingTool
	StateDownloading
	StateDraining
	StatePostInstall
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetchingManifest:
		return "fetching-manifest"
	case StateProbingTool:
		return "probing-tool"
	case StateDownloading:
		return "downloading"
	case StateDraining:
		return "draining"
	case StatePostInstall:
		return "post-install"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is how a run ended
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomePartial
	OutcomeFailed
	OutcomeCancelled
	OutcomeUpToDate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePartial:
		return "partial"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeUpToDate:
		return "uptodate"
	default:
		return "unknown"
	}
}

// Progress is published to the Reporter while a run is active
type Progress struct {
	State      State
	Downloaded int
	Total      int
	Speed      float64
	Installed  int
	Current    InstallStatus
	Message    string
}

// Report is the single final result of a run
type Report struct {
	RunID           string
	Outcome         Outcome
	FromRevision    int
	ToRevision      int
	Installed       int
	FailedAssets    []domain.Kuid
	FailedDownloads []string
	Err             error
	Problem         *domain.Problem
	Duration        time.Duration
}

// Reporter receives progress and the final report. Finished is called
// exactly once per run.
type Reporter interface {
	Progress(p Progress)
	Finished(r Report)
}

type nopReporter struct{}

func (nopReporter) Progress(Progress) {}
func (nopReporter) Finished(Report)   {}

// ManifestSource fetches the remote manifest.
type ManifestSource interface {
	Fetch(ctx context.Context, fromRevision int) (*domain.Manifest, error)
}

// SessionConfig holds the settings of one run
type SessionConfig struct {
	InstallPath       string
	AssetBaseURL      string
	Variant           domain.Variant
	FromRevision      int
	MaxDownloads      int // install queue capacity, 0 = unbounded
	DownscaleTextures bool
	VerifyChecksum    bool
	FreeIntCam        bool
	PatchSounds       bool
	KeyboardFile      string
	ProbeTimeout      time.Duration
	StartDelayMin     time.Duration
	StartDelayMax     time.Duration
	PostDelayMin      time.Duration
	PostDelayMax      time.Duration
	PollInterval      time.Duration
	Language          string
}

// SessionDeps are the collaborators of a run. History, Reporter, Logger
// and Metrics are optional.
type SessionDeps struct {
	Manifest ManifestSource
	Engine   *Engine
	Tool     ContentTool
	State    *state.Store
	Staging  *cache.Cache
	History  *db.DB
	Reporter Reporter
	Logger   *slog.Logger
	Metrics  *metrics.Collector
}

// Session drives one install or update run from manifest fetch to the
// persisted state.
type Session struct {
	cfg    SessionConfig
	deps   SessionDeps
	logger *slog.Logger

	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelCauseFunc
	done   chan struct{}
	report Report

	// written by the engine handler, read after the engine has stopped
	failedMu        sync.Mutex
	failedDownloads []domain.Asset
}

// NewSession creates an idle session
func NewSession(cfg SessionConfig, deps SessionDeps) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if deps.Reporter == nil {
		deps.Reporter = nopReporter{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "session"),
	}
}

// State returns the current step.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.logger.Debug("state changed", "state", st.String())
}

// Start runs the session on a new goroutine. A session runs once.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return ErrSessionStarted
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer cancel(nil)
		report := s.run(runCtx)
		s.mu.Lock()
		s.report = report
		s.mu.Unlock()
		close(s.done)
	}()
	return nil
}

// Stop cancels the run and blocks until it and its workers have exited.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel(domain.ErrCancelled)
	<-done
}

// Wait blocks until the run has finished and returns its report.
func (s *Session) Wait() Report {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return Report{Outcome: OutcomeFailed, Err: errors.New("session not started")}
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// Run starts the session and waits for its report.
func (s *Session) Run(ctx context.Context) Report {
	if err := s.Start(ctx); err != nil {
		return Report{Outcome: OutcomeFailed, Err: err}
	}
	return s.Wait()
}

func (s *Session) run(ctx context.Context) Report {
	started := time.Now()
	report := Report{
		RunID:        ksuid.New().String(),
		FromRevision: s.cfg.FromRevision,
		ToRevision:   s.cfg.FromRevision,
	}
	logger := s.logger.With("run", report.RunID)
	logger.Info("run started", "from_revision", s.cfg.FromRevision)

	if h := s.deps.History; h != nil {
		if err := h.StartRun(report.RunID, started, s.cfg.FromRevision); err != nil {
			logger.Warn("recording run start", "error", err)
		}
	}

	err := s.execute(ctx, &report)
	report.Duration = time.Since(started)

	switch {
	case err == nil:
		s.setState(StateDone)
	case isCancellation(ctx, err):
		s.setState(StateFailed)
		report.Outcome = OutcomeCancelled
		report.Err = domain.ErrCancelled
		logger.Info("run cancelled")
	default:
		s.setState(StateFailed)
		report.Outcome = OutcomeFailed
		report.Err = err
		logger.Error("run failed", "error", err)
	}
	if report.Err != nil {
		p := domain.Describe(report.Err, s.cfg.Language)
		report.Problem = &p
	}

	s.recordHistory(report)
	logger.Info("run finished", "outcome", report.Outcome.String(), "installed", report.Installed,
		"failed_assets", len(report.FailedAssets), "failed_downloads", len(report.FailedDownloads),
		"duration", report.Duration)
	s.deps.Reporter.Finished(report)
	return report
}

func isCancellation(ctx context.Context, err error) bool {
	if errors.Is(err, domain.ErrCancelled) {
		return true
	}
	if ctx.Err() == nil {
		return false
	}
	cause := context.Cause(ctx)
	return errors.Is(cause, domain.ErrCancelled) || errors.Is(cause, context.Canceled)
}

func (s *Session) execute(ctx context.Context, report *Report) error {
	s.setState(StateFetchingManifest)
	s.publish(Progress{State: StateFetchingManifest})

	if err := sleepRandom(ctx, s.cfg.StartDelayMin, s.cfg.StartDelayMax); err != nil {
		return err
	}

	m, err := s.deps.Manifest.Fetch(ctx, s.cfg.FromRevision)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.Info("no assets published since revision", "revision", s.cfg.FromRevision)
		report.Outcome = OutcomeUpToDate
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetching manifest: %w", err)
	}

	assets := m.Since(s.cfg.FromRevision)
	if len(assets) == 0 {
		return domain.ErrNoAssets
	}
	s.logger.Info("manifest fetched", "assets", len(assets), "last_revision", m.LastRevision)

	if n, err := s.deps.Staging.Sweep(); err != nil {
		s.logger.Warn("sweeping staging dir", "error", err)
	} else if n > 0 {
		s.logger.Info("removed stale downloads", "count", n)
	}

	for idx, a := range assets {
		if a.Kuid != domain.ScriptsKuid {
			continue
		}
		if err := s.deps.State.Lock(); err != nil {
			return err
		}
		if err := s.installScripts(ctx, a); err != nil {
			return fmt.Errorf("installing scripts: %w", err)
		}
		assets = append(assets[:idx:idx], assets[idx+1:]...)
		break
	}

	s.setState(StateProbingTool)
	s.publish(Progress{State: StateProbingTool})
	if err := s.deps.Tool.Echo(ctx, probeMessage, s.cfg.ProbeTimeout); err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("probing content tool: %w", err)
	}

	if err := s.deps.State.Lock(); err != nil {
		return err
	}

	installer := s.newInstaller(assets)
	if err := s.download(ctx, assets, installer); err != nil {
		return err
	}

	s.setState(StatePostInstall)
	s.publish(Progress{State: StatePostInstall, Installed: installer.Result().Installed})
	if err := s.postInstall(ctx, installer); err != nil {
		return err
	}

	return s.finish(m, installer, report)
}

// download runs the engine and the install worker until the queue is
// drained. The first fatal error of either cancels the other.
func (s *Session) download(ctx context.Context, assets []domain.Asset, installer *Installer) error {
	s.setState(StateDownloading)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	urls := make([]string, len(assets))
	byURL := make(map[string]domain.Asset, len(assets))
	for i, a := range assets {
		urls[i] = a.URL(s.cfg.AssetBaseURL, s.cfg.Variant)
		byURL[urls[i]] = a
	}

	queue := NewInstallQueue(s.cfg.MaxDownloads)
	g, gctx := errgroup.WithContext(runCtx)
	workerDone := make(chan struct{})
	g.Go(func() error {
		defer close(workerDone)
		return queue.Run(gctx, installer.Install)
	})

	handler := func(_ context.Context, ev Event) error {
		a := byURL[ev.URL]
		switch {
		case ev.Kind == EventCompleted:
			if s.cfg.VerifyChecksum {
				if err := VerifyChecksum(ev, a.SHA1); err != nil {
					s.logger.Warn("discarding download", "url", ev.URL, "error", err)
					_ = os.Remove(ev.Path)
					s.recordFailedDownload(a)
					return nil
				}
			}
			return queue.Put(gctx, ev.Path)
		case ev.Fatal:
			return nil
		default:
			s.recordFailedDownload(a)
			return nil
		}
	}

	if err := s.deps.Engine.Start(gctx, urls, s.deps.Staging.Dir(), handler); err != nil {
		cancel(err)
		queue.Close()
		_ = g.Wait()
		return err
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	engineDone := s.deps.Engine.Done()
	for engineDone != nil {
		select {
		case <-ticker.C:
			s.publishDownload(StateDownloading, queue, installer)
		case <-engineDone:
			engineDone = nil
		}
	}

	if err := s.deps.Engine.Wait(); err != nil {
		cancel(err)
	}
	queue.Close()

	s.setState(StateDraining)
	for workerDone != nil {
		select {
		case <-ticker.C:
			s.publishDownload(StateDraining, queue, installer)
		case <-workerDone:
			workerDone = nil
		}
	}
	werr := g.Wait()
	s.deps.Metrics.SetQueueDepth(0)

	if runCtx.Err() != nil {
		return context.Cause(runCtx)
	}
	return werr
}

func (s *Session) publishDownload(st State, queue *InstallQueue, installer *Installer) {
	snap := s.deps.Engine.Snapshot()
	s.deps.Metrics.SetQueueDepth(queue.Len())
	s.publish(Progress{
		State:      st,
		Downloaded: snap.Downloaded,
		Total:      snap.Total,
		Speed:      snap.Speed,
		Installed:  installer.Result().Installed,
		Current:    installer.Status(),
	})
}

func (s *Session) publish(p Progress) {
	s.deps.Reporter.Progress(p)
}

func (s *Session) recordFailedDownload(a domain.Asset) {
	s.failedMu.Lock()
	defer s.failedMu.Unlock()
	s.failedDownloads = append(s.failedDownloads, a)
}

func (s *Session) newInstaller(assets []domain.Asset) *Installer {
	byArchive := make(map[string]domain.Asset, len(assets))
	for _, a := range assets {
		byArchive[a.ArchiveName()] = a
	}

	cfg := InstallerConfig{
		Tool:    s.deps.Tool,
		Staging: s.deps.Staging,
		Logger:  s.deps.Logger,
		Metrics: s.deps.Metrics,
	}
	if s.cfg.DownscaleTextures {
		cfg.Downscaler = NewDownscaler(0, s.deps.Logger)
	}
	if h := s.deps.History; h != nil {
		cfg.OnCommitted = func(_ context.Context, c CommittedAsset) {
			err := h.SaveInstalledAsset(db.InstalledAsset{
				Kuid:     c.Kuid.String(),
				Username: c.Name,
				Revision: byArchive[c.Archive].Revision,
			})
			if err != nil {
				s.logger.Warn("recording installed asset", "kuid", c.Kuid.String(), "error", err)
			}
		}
	}
	return NewInstaller(cfg)
}

// installScripts downloads the scripts package and unpacks it straight
// into the installation. It runs before any other download.
func (s *Session) installScripts(ctx context.Context, a domain.Asset) error {
	s.publish(Progress{State: StateFetchingManifest, Message: "scripts"})
	s.logger.Info("installing scripts", "revision", a.Revision)

	dest := s.deps.Staging.ArchivePath(a.ArchiveName())
	res, err := s.deps.Engine.FetchOne(ctx, a.URL(s.cfg.AssetBaseURL, s.cfg.Variant), dest)
	if err != nil {
		return err
	}
	defer os.Remove(res.Path)

	if s.cfg.VerifyChecksum {
		if err := VerifyChecksum(Event{Path: res.Path, Checksum: res.Checksum}, a.SHA1); err != nil {
			return err
		}
	}

	return NewExtractor().Extract(ctx, res.Path, filepath.Join(s.cfg.InstallPath, "scripts"))
}

func (s *Session) postInstall(ctx context.Context, installer *Installer) error {
	if err := sleepRandom(ctx, s.cfg.PostDelayMin, s.cfg.PostDelayMax); err != nil {
		return err
	}

	if err := installer.RetryFailed(ctx); err != nil {
		return err
	}

	var flags []string
	if s.cfg.FreeIntCam {
		flags = append(flags, trainz.FlagFreeIntCam)
	}
	if s.cfg.PatchSounds {
		flags = append(flags, trainz.FlagDisableRailJointSound)
	}
	if len(flags) > 0 {
		changed, err := trainz.ApplyOptions(trainz.OptionsPath(s.cfg.InstallPath), flags...)
		if err != nil {
			return err
		}
		s.logger.Debug("applied launch options", "flags", flags, "changed", changed)
	}

	if s.cfg.PatchSounds {
		if err := trainz.PatchSounds(trainz.ExecutablePath(s.cfg.InstallPath)); err != nil {
			return fmt.Errorf("patching sounds: %w", err)
		}
	}

	if s.cfg.KeyboardFile != "" {
		dest := filepath.Join(s.cfg.InstallPath, "UserData", "settings", "keyboard.txt")
		if err := copyFile(s.cfg.KeyboardFile, dest); err != nil {
			return fmt.Errorf("installing keyboard settings: %w", err)
		}
	}
	return nil
}

// finish persists the merged manifest and fills in the report. Failed
// downloads hold the persisted revision back so the next update fetches
// them again.
func (s *Session) finish(m *domain.Manifest, installer *Installer, report *Report) error {
	s.failedMu.Lock()
	failedDownloads := s.failedDownloads
	s.failedMu.Unlock()

	revision := m.LastRevision
	skip := make(map[domain.Kuid]bool, len(failedDownloads))
	for _, a := range failedDownloads {
		skip[a.Kuid] = true
		if a.Revision-1 < revision {
			revision = a.Revision - 1
		}
		report.FailedDownloads = append(report.FailedDownloads, a.URL(s.cfg.AssetBaseURL, s.cfg.Variant))
	}
	revision = max(revision, s.cfg.FromRevision)

	next := &domain.Manifest{LastRevision: revision}
	for _, a := range m.Assets {
		if !skip[a.Kuid] {
			next.Assets = append(next.Assets, a)
		}
	}

	prev, err := s.deps.State.Load()
	if err != nil {
		s.logger.Warn("previous state unreadable, replacing it", "error", err)
		prev = nil
	}
	if err := s.deps.State.Save(prev.Merge(next)); err != nil {
		return fmt.Errorf("saving state: %w", err)
	}
	if err := s.deps.State.Unlock(); err != nil {
		return err
	}

	res := installer.Result()
	report.Installed = res.Installed
	report.FailedAssets = res.Failed
	report.ToRevision = revision
	if len(res.Failed) > 0 || len(failedDownloads) > 0 {
		report.Outcome = OutcomePartial
	} else {
		report.Outcome = OutcomeSuccess
	}
	return nil
}

func (s *Session) recordHistory(report Report) {
	h := s.deps.History
	if h == nil {
		return
	}

	run := db.Run{
		ID:         report.RunID,
		FinishedAt: time.Now(),
		ToRevision: report.ToRevision,
		Outcome:    report.Outcome.String(),
		Installed:  report.Installed,
	}
	if report.Err != nil {
		run.Message = report.Err.Error()
	}
	for _, k := range report.FailedAssets {
		run.Failures = append(run.Failures, db.RunFailure{Kind: db.FailureCommit, Ref: k.String()})
	}
	for _, u := range report.FailedDownloads {
		run.Failures = append(run.Failures, db.RunFailure{Kind: db.FailureDownload, Ref: u})
	}
	if err := h.FinishRun(run); err != nil {
		s.logger.Warn("recording run", "error", err)
	}
}

// sleepRandom waits a random duration in [lo, hi] or until ctx ends.
func sleepRandom(ctx context.Context, lo, hi time.Duration) error {
	d := lo
	if hi > lo {
		d += rand.N(hi - lo + 1)
	}
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	_, err = io.Copy(out, in)
	return err
}
