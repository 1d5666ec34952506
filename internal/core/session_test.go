package core_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/divadsn/UBahnSimBerlinInstaller/internal/core"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/domain"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/source/manifest"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/storage/cache"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/storage/db"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/storage/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	mu       sync.Mutex
	progress []core.Progress
	reports  []core.Report
}

func (r *recordingReporter) Progress(p core.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recordingReporter) Finished(rep core.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
}

func (r *recordingReporter) states() []core.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.State
	for _, p := range r.progress {
		out = append(out, p.State)
	}
	return out
}

// assetServer serves a manifest at /assets.json and archives below /full/.
type assetServer struct {
	*httptest.Server

	mu       sync.Mutex
	manifest *domain.Manifest
	archives map[string][]byte
	requests []string
	block    bool
}

func newAssetServer(t *testing.T, m *domain.Manifest) *assetServer {
	s := &assetServer{manifest: m, archives: map[string][]byte{}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *assetServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.URL.Path)
	m, block := s.manifest, s.block
	data, ok := s.archives[r.URL.Path]
	s.mu.Unlock()

	if r.URL.Path == "/assets.json" {
		if m == nil {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(m)
		return
	}
	if block {
		<-r.Context().Done()
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(data)
}

func (s *assetServer) addArchive(t *testing.T, fileID string, files map[string]string) {
	t.Helper()
	path := createTestZip(t, filepath.Join(t.TempDir(), fileID+".zip"), files)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	s.mu.Lock()
	s.archives["/full/"+fileID+".zip"] = data
	s.mu.Unlock()
}

func (s *assetServer) addAsset(t *testing.T, fileID, kuid, name string) {
	t.Helper()
	s.addArchive(t, fileID, map[string]string{"config.txt": assetConfig(kuid, name)})
}

func (s *assetServer) archiveRequests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, p := range s.requests {
		if strings.HasPrefix(p, "/full/") {
			out = append(out, p)
		}
	}
	return out
}

type sessionFixture struct {
	install  string
	tool     *fakeTool
	store    *state.Store
	staging  *cache.Cache
	history  *db.DB
	reporter *recordingReporter
	cfg      core.SessionConfig
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	dataDir := t.TempDir()
	history, err := db.New(filepath.Join(dataDir, db.FileName))
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })

	install := t.TempDir()
	return &sessionFixture{
		install:  install,
		tool:     newFakeTool(),
		store:    state.New(dataDir),
		staging:  cache.New(filepath.Join(dataDir, cache.DirName)),
		history:  history,
		reporter: &recordingReporter{},
		cfg: core.SessionConfig{
			InstallPath:  install,
			ProbeTimeout: time.Second,
			PollInterval: time.Millisecond,
			Language:     "en",
		},
	}
}

func (f *sessionFixture) session(srv *assetServer) *core.Session {
	cfg := f.cfg
	cfg.AssetBaseURL = srv.URL
	return core.NewSession(cfg, core.SessionDeps{
		Manifest: manifest.New(srv.Client(), srv.URL+"/assets.json", "usbi-test"),
		Engine:   newTestEngine(core.EngineConfig{HTTPClient: srv.Client(), MaxRetries: 2}),
		Tool:     f.tool,
		State:    f.store,
		Staging:  f.staging,
		History:  f.history,
		Reporter: f.reporter,
	})
}

func asset(fileID, kuid string, revision int) domain.Asset {
	return domain.Asset{Username: fileID, Kuid: domain.MustParseKuid(kuid), FileID: fileID, Revision: revision}
}

func TestSession_InstallsNewAssets(t *testing.T) {
	f := newSessionFixture(t)
	f.cfg.FromRevision = 1

	srv := newAssetServer(t, &domain.Manifest{
		LastRevision: 2,
		Assets: []domain.Asset{
			asset("a", "kuid:1:1", 1),
			asset("b", "kuid:1:2", 2),
		},
	})
	srv.addAsset(t, "a", "kuid:1:1", "A")
	srv.addAsset(t, "b", "kuid:1:2", "B")

	s := f.session(srv)
	assert.Equal(t, core.StateIdle, s.State())
	report := s.Run(context.Background())

	require.NoError(t, report.Err)
	assert.Equal(t, core.StateDone, s.State())
	assert.Equal(t, core.OutcomeSuccess, report.Outcome)
	assert.Equal(t, 1, report.Installed)
	assert.Equal(t, 1, report.FromRevision)
	assert.Equal(t, 2, report.ToRevision)
	assert.NotEmpty(t, report.RunID)

	assert.Equal(t, []string{"/full/b.zip"}, srv.archiveRequests())
	assert.Equal(t, []string{
		"echo usbi",
		"delete kuid:1:2",
		"install kuid:1:2",
		"commit kuid:1:2",
	}, f.tool.Calls())

	saved, err := f.store.Load()
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, 2, saved.LastRevision)
	assert.Len(t, saved.Assets, 2)
	assert.False(t, f.store.Aborted())

	stale, err := f.staging.Stale()
	require.NoError(t, err)
	assert.Empty(t, stale)

	run, err := f.history.GetRun(report.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "success", run.Outcome)
	assert.True(t, run.Finished())

	installed, err := f.history.GetInstalledAssets()
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, "kuid:1:2", installed[0].Kuid)
	assert.Equal(t, 2, installed[0].Revision)

	require.Len(t, f.reporter.reports, 1)
	assert.Contains(t, f.reporter.states(), core.StateFetchingManifest)
}

func TestSession_CommitFailureIsPartial(t *testing.T) {
	f := newSessionFixture(t)
	f.tool.commitFails["kuid:1:1"] = 2

	srv := newAssetServer(t, &domain.Manifest{
		LastRevision: 2,
		Assets: []domain.Asset{
			asset("a", "kuid:1:1", 1),
			asset("b", "kuid:1:2", 2),
		},
	})
	srv.addAsset(t, "a", "kuid:1:1", "A")
	srv.addAsset(t, "b", "kuid:1:2", "B")

	report := f.session(srv).Run(context.Background())

	require.NoError(t, report.Err)
	assert.Equal(t, core.OutcomePartial, report.Outcome)
	assert.Equal(t, 2, report.Installed)
	assert.Equal(t, []domain.Kuid{domain.MustParseKuid("kuid:1:1")}, report.FailedAssets)
	assert.Equal(t, 2, report.ToRevision)

	stale, err := f.staging.Stale()
	require.NoError(t, err)
	assert.Empty(t, stale)

	run, err := f.history.GetRun(report.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "partial", run.Outcome)
	assert.Equal(t, []db.RunFailure{{Kind: db.FailureCommit, Ref: "kuid:1:1"}}, run.Failures)
}

func TestSession_CommitSucceedsOnRetry(t *testing.T) {
	f := newSessionFixture(t)
	f.tool.commitFails["kuid:1:1"] = 1

	srv := newAssetServer(t, &domain.Manifest{
		LastRevision: 1,
		Assets:       []domain.Asset{asset("a", "kuid:1:1", 1)},
	})
	srv.addAsset(t, "a", "kuid:1:1", "A")

	report := f.session(srv).Run(context.Background())

	assert.Equal(t, core.OutcomeSuccess, report.Outcome)
	assert.Empty(t, report.FailedAssets)
	assert.Equal(t, []string{
		"echo usbi",
		"delete kuid:1:1",
		"install kuid:1:1",
		"commit kuid:1:1",
		"commit kuid:1:1",
	}, f.tool.Calls())
}

func TestSession_FailedDownloadHoldsRevision(t *testing.T) {
	f := newSessionFixture(t)

	srv := newAssetServer(t, &domain.Manifest{
		LastRevision: 3,
		Assets: []domain.Asset{
			asset("a", "kuid:1:1", 1),
			asset("b", "kuid:1:2", 2),
			asset("c", "kuid:1:3", 3),
		},
	})
	srv.addAsset(t, "a", "kuid:1:1", "A")
	srv.addAsset(t, "c", "kuid:1:3", "C")

	report := f.session(srv).Run(context.Background())

	require.NoError(t, report.Err)
	assert.Equal(t, core.OutcomePartial, report.Outcome)
	assert.Equal(t, 2, report.Installed)
	assert.Equal(t, 1, report.ToRevision)
	require.Len(t, report.FailedDownloads, 1)
	assert.Contains(t, report.FailedDownloads[0], "/full/b.zip")

	saved, err := f.store.Load()
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, 1, saved.LastRevision)
	for _, a := range saved.Assets {
		assert.NotEqual(t, "b", a.FileID)
	}
}

func TestSession_ChecksumMismatchIsFailedDownload(t *testing.T) {
	f := newSessionFixture(t)
	f.cfg.VerifyChecksum = true

	bad := asset("a", "kuid:1:1", 1)
	bad.SHA1 = sha1Hex("something else")
	srv := newAssetServer(t, &domain.Manifest{LastRevision: 1, Assets: []domain.Asset{bad}})
	srv.addAsset(t, "a", "kuid:1:1", "A")

	report := f.session(srv).Run(context.Background())

	assert.Equal(t, core.OutcomePartial, report.Outcome)
	assert.Zero(t, report.Installed)
	assert.Len(t, report.FailedDownloads, 1)
	assert.Equal(t, []string{"echo usbi"}, f.tool.Calls())

	stale, err := f.staging.Stale()
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestSession_UpToDate(t *testing.T) {
	f := newSessionFixture(t)
	f.cfg.FromRevision = 7
	srv := newAssetServer(t, nil)

	report := f.session(srv).Run(context.Background())

	require.NoError(t, report.Err)
	assert.Equal(t, core.OutcomeUpToDate, report.Outcome)
	assert.Equal(t, 7, report.ToRevision)
	assert.Empty(t, f.tool.Calls())
	assert.False(t, f.store.Installed())
}

func TestSession_NoAssets(t *testing.T) {
	f := newSessionFixture(t)
	srv := newAssetServer(t, &domain.Manifest{})

	report := f.session(srv).Run(context.Background())

	assert.Equal(t, core.OutcomeFailed, report.Outcome)
	assert.ErrorIs(t, report.Err, domain.ErrNoAssets)
	require.NotNil(t, report.Problem)
	assert.Equal(t, domain.CategoryNoAssets, report.Problem.Category)
}

func TestSession_ToolNotReady(t *testing.T) {
	f := newSessionFixture(t)
	f.tool.echoErr = &domain.ProcessError{Command: "echo", ExitCode: 1}

	srv := newAssetServer(t, &domain.Manifest{
		LastRevision: 1,
		Assets:       []domain.Asset{asset("a", "kuid:1:1", 1)},
	})
	srv.addAsset(t, "a", "kuid:1:1", "A")

	s := f.session(srv)
	report := s.Run(context.Background())

	assert.Equal(t, core.OutcomeFailed, report.Outcome)
	require.NotNil(t, report.Problem)
	assert.Equal(t, domain.CategoryTool, report.Problem.Category)
	assert.Equal(t, core.StateFailed, s.State())
	assert.Empty(t, srv.archiveRequests())
	assert.False(t, f.store.Installed())

	run, err := f.history.GetRun(report.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "failed", run.Outcome)
	assert.NotEmpty(t, run.Message)
}

func TestSession_Stop(t *testing.T) {
	f := newSessionFixture(t)
	srv := newAssetServer(t, &domain.Manifest{
		LastRevision: 1,
		Assets:       []domain.Asset{asset("a", "kuid:1:1", 1)},
	})
	srv.block = true

	s := f.session(srv)
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		return len(srv.archiveRequests()) > 0
	}, 5*time.Second, time.Millisecond)

	s.Stop()
	report := s.Wait()

	assert.Equal(t, core.OutcomeCancelled, report.Outcome)
	assert.ErrorIs(t, report.Err, domain.ErrCancelled)
	assert.True(t, f.store.Aborted(), "lock file stays after a cancelled run")
	assert.False(t, f.store.Installed())
	assert.Len(t, f.reporter.reports, 1)
}

func TestSession_ParentContextCancelled(t *testing.T) {
	f := newSessionFixture(t)
	srv := newAssetServer(t, &domain.Manifest{
		LastRevision: 1,
		Assets:       []domain.Asset{asset("a", "kuid:1:1", 1)},
	})
	srv.block = true

	ctx, cancel := context.WithCancel(context.Background())
	s := f.session(srv)
	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool {
		return len(srv.archiveRequests()) > 0
	}, 5*time.Second, time.Millisecond)
	cancel()

	assert.Equal(t, core.OutcomeCancelled, s.Wait().Outcome)
}

func TestSession_StartTwice(t *testing.T) {
	f := newSessionFixture(t)
	srv := newAssetServer(t, nil)

	s := f.session(srv)
	s.Run(context.Background())
	assert.ErrorIs(t, s.Start(context.Background()), core.ErrSessionStarted)
}

func TestSession_StopBeforeStart(t *testing.T) {
	f := newSessionFixture(t)
	s := f.session(newAssetServer(t, nil))
	s.Stop()
	assert.Equal(t, core.StateIdle, s.State())
}

func TestSession_ScriptsInstalledFirst(t *testing.T) {
	f := newSessionFixture(t)

	scripts := domain.Asset{Kuid: domain.ScriptsKuid, FileID: "scripts", Revision: 1}
	srv := newAssetServer(t, &domain.Manifest{
		LastRevision: 1,
		Assets:       []domain.Asset{asset("a", "kuid:1:1", 1), scripts},
	})
	srv.addAsset(t, "a", "kuid:1:1", "A")
	srv.addArchive(t, "scripts", map[string]string{"lib/door.gs": "include \"door\""})

	report := f.session(srv).Run(context.Background())

	require.NoError(t, report.Err)
	assert.Equal(t, 1, report.Installed)
	assert.Equal(t, []string{"/full/scripts.zip", "/full/a.zip"}, srv.archiveRequests())

	data, err := os.ReadFile(filepath.Join(f.install, "scripts", "lib", "door.gs"))
	require.NoError(t, err)
	assert.Equal(t, "include \"door\"", string(data))

	for _, call := range f.tool.Calls() {
		assert.NotContains(t, call, domain.ScriptsKuid.String())
	}
}

func TestSession_PostInstall(t *testing.T) {
	f := newSessionFixture(t)
	f.cfg.FreeIntCam = true
	f.cfg.KeyboardFile = filepath.Join(t.TempDir(), "keyboard.txt")
	require.NoError(t, os.WriteFile(f.cfg.KeyboardFile, []byte("W forward\n"), 0644))

	srv := newAssetServer(t, &domain.Manifest{
		LastRevision: 1,
		Assets:       []domain.Asset{asset("a", "kuid:1:1", 1)},
	})
	srv.addAsset(t, "a", "kuid:1:1", "A")

	report := f.session(srv).Run(context.Background())
	require.NoError(t, report.Err)

	options, err := os.ReadFile(filepath.Join(f.install, "trainzoptions.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(options), "-freeintcam")

	keyboard, err := os.ReadFile(filepath.Join(f.install, "UserData", "settings", "keyboard.txt"))
	require.NoError(t, err)
	assert.Equal(t, "W forward\n", string(keyboard))
}

func TestSession_InstallErrorFailsRun(t *testing.T) {
	f := newSessionFixture(t)
	f.tool.installErr = errors.New("disk on fire")

	srv := newAssetServer(t, &domain.Manifest{
		LastRevision: 2,
		Assets: []domain.Asset{
			asset("a", "kuid:1:1", 1),
			asset("b", "kuid:1:2", 2),
		},
	})
	srv.addAsset(t, "a", "kuid:1:1", "A")
	srv.addAsset(t, "b", "kuid:1:2", "B")

	report := f.session(srv).Run(context.Background())

	assert.Equal(t, core.OutcomeFailed, report.Outcome)
	assert.ErrorContains(t, report.Err, "disk on fire")
	assert.False(t, f.store.Installed())
	assert.True(t, f.store.Aborted())
}
