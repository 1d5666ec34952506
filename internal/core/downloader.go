package core

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/divadsn/UBahnSimBerlinInstaller/internal/domain"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/metrics"
)

// Engine defaults
const (
	DefaultMaxRetries  = 5
	DefaultRetryDelay  = time.Second
	DefaultIdleTimeout = 60 * time.Second
	DefaultChunkSize   = 32 * 1024

	partSuffix   = ".part"
	maxErrorBody = 10 * 1024
)

var (
	// ErrEngineRunning is returned by Start while a batch is in progress.
	ErrEngineRunning = errors.New("download engine already running")

	errIdleTimeout = errors.New("no data received within idle timeout")
)

// EventKind tags an Event
type EventKind int

const (
	EventCompleted EventKind = iota
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event reports the outcome of one URL. Fatal failures end the batch.
type Event struct {
	Kind     EventKind
	URL      string
	Path     string
	Checksum string // hex SHA-1 of the body
	Size     int64
	Err      error
	Fatal    bool
}

// EventHandler receives events on the engine goroutine. The engine does not
// move on to the next URL until it returns; a non-nil error ends the batch.
type EventHandler func(ctx context.Context, ev Event) error

// Snapshot is a consistent view of the engine's progress
type Snapshot struct {
	Downloaded int
	Total      int
	Speed      float64 // bytes per second of the current download
	Current    string  // file name of the current download
	Running    bool
}

// DownloadResult contains the outcome of a download
type DownloadResult struct {
	Path     string // Final file path
	Size     int64  // Bytes downloaded
	Checksum string // SHA-1 hash of downloaded file
}

// EngineConfig configures an Engine. Zero values select the defaults.
type EngineConfig struct {
	HTTPClient  *http.Client
	UserAgent   string
	MaxRetries  int
	RetryDelay  time.Duration // grows linearly with the attempt number
	IdleTimeout time.Duration
	ChunkSize   int
	Logger      *slog.Logger
	Metrics     *metrics.Collector
}

// Engine downloads a list of URLs one at a time on a single background
// goroutine, retrying transient failures.
type Engine struct {
	cfg     EngineConfig
	logger  *slog.Logger
	metrics *metrics.Collector

	snap atomic.Pointer[Snapshot]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewEngine creates an idle engine
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger.With("component", "engine"),
		metrics: cfg.Metrics,
	}
	e.snap.Store(&Snapshot{})
	return e
}

// Start begins downloading urls into destDir. Events are delivered to
// handler in URL order.
func (e *Engine) Start(ctx context.Context, urls []string, destDir string, handler EventHandler) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done != nil {
		select {
		case <-e.done:
		default:
			return ErrEngineRunning
		}
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("creating download dir: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.err = nil
	e.snap.Store(&Snapshot{Total: len(urls), Running: true})

	urls = append([]string(nil), urls...)
	go e.run(runCtx, urls, destDir, handler, e.done)
	return nil
}

// Stop cancels the batch and blocks until the engine goroutine has exited.
// The partial download is left on disk as a .part file.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// IsRunning reports whether a batch is in progress.
func (e *Engine) IsRunning() bool {
	return e.snap.Load().Running
}

// Snapshot returns the current progress.
func (e *Engine) Snapshot() Snapshot {
	return *e.snap.Load()
}

// Done is closed when the current batch ends. It is closed already if no
// batch was started.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return e.done
}

// Wait blocks until the batch ends and returns the error that ended it:
// nil when every URL was processed, the context cause when cancelled, or the
// fatal error.
func (e *Engine) Wait() error {
	<-e.Done()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Engine) run(ctx context.Context, urls []string, destDir string, handler EventHandler, done chan struct{}) {
	err := e.process(ctx, urls, destDir, handler)

	e.mu.Lock()
	e.err = err
	e.mu.Unlock()

	e.update(func(s *Snapshot) {
		s.Running = false
		s.Speed = 0
		s.Current = ""
	})
	close(done)
}

func (e *Engine) process(ctx context.Context, urls []string, destDir string, handler EventHandler) error {
	for i, rawURL := range urls {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}

		name := fileName(rawURL, i)
		dest := filepath.Join(destDir, name)
		e.update(func(s *Snapshot) {
			s.Current = name
			s.Speed = 0
		})

		res, err := e.fetch(ctx, rawURL, dest, true)
		if err != nil {
			if ctx.Err() != nil {
				e.logger.Debug("download abandoned", "url", rawURL)
				return context.Cause(ctx)
			}

			var netErr *domain.NetworkError
			if !errors.As(err, &netErr) {
				e.logger.Error("download failed fatally", "url", rawURL, "error", err)
				if herr := handler(ctx, Event{Kind: EventFailed, URL: rawURL, Path: dest, Err: err, Fatal: true}); herr != nil {
					e.logger.Debug("handler error after fatal event", "error", herr)
				}
				return err
			}

			e.logger.Warn("download failed", "url", rawURL, "error", err)
			e.metrics.RecordDownloadFailed()
			if herr := handler(ctx, Event{Kind: EventFailed, URL: rawURL, Path: dest, Err: err}); herr != nil {
				return herr
			}
			continue
		}

		e.update(func(s *Snapshot) { s.Downloaded++ })
		e.metrics.RecordDownload(res.Size)
		e.logger.Debug("download completed", "url", rawURL, "path", res.Path, "size", res.Size)

		ev := Event{
			Kind:     EventCompleted,
			URL:      rawURL,
			Path:     res.Path,
			Checksum: res.Checksum,
			Size:     res.Size,
		}
		if err := handler(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// FetchOne downloads a single URL to destPath synchronously, with the same
// retry and part-file rules as a batch.
func (e *Engine) FetchOne(ctx context.Context, rawURL, destPath string) (*DownloadResult, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return nil, fmt.Errorf("creating download dir: %w", err)
	}
	res, err := e.fetch(ctx, rawURL, destPath, false)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, err
	}
	e.metrics.RecordDownload(res.Size)
	return res, nil
}

// fetch downloads rawURL with retries. Only *domain.NetworkError values
// are retried; anything else is returned at once.
func (e *Engine) fetch(ctx context.Context, rawURL, dest string, track bool) (*DownloadResult, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := e.attempt(ctx, rawURL, dest, track)
		if err == nil {
			return res, nil
		}

		var netErr *domain.NetworkError
		if ctx.Err() != nil || !errors.As(err, &netErr) || !netErr.Retryable() || attempt >= e.cfg.MaxRetries {
			return nil, err
		}

		delay := e.cfg.RetryDelay * time.Duration(attempt)
		e.logger.Info("retrying download", "url", rawURL, "attempt", attempt+1, "delay", delay, "error", err)
		e.metrics.RecordRetry()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// attempt performs one request, streaming the body into dest.part and
// renaming it to dest once the body is complete.
func (e *Engine) attempt(ctx context.Context, rawURL, dest string, track bool) (res *DownloadResult, err error) {
	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	idle := time.AfterFunc(e.cfg.IdleTimeout, func() { cancel(errIdleTimeout) })
	defer idle.Stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if e.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", e.cfg.UserAgent)
	}

	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, requestError(ctx, reqCtx, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &domain.NetworkError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}

	partPath := dest + partSuffix
	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating part file: %w", err)
	}
	defer func() {
		if file != nil {
			file.Close()
		}
	}()

	hasher := sha1.New()
	buf := make([]byte, e.cfg.ChunkSize)
	start := time.Now()
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			idle.Reset(e.cfg.IdleTimeout)
			if _, err := file.Write(buf[:n]); err != nil {
				return nil, fmt.Errorf("writing part file: %w", err)
			}
			hasher.Write(buf[:n])
			written += int64(n)

			if track {
				if elapsed := time.Since(start).Seconds(); elapsed > 0 {
					speed := float64(written) / elapsed
					e.update(func(s *Snapshot) { s.Speed = speed })
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, requestError(ctx, reqCtx, rawURL, rerr)
		}
	}

	if resp.ContentLength >= 0 && written != resp.ContentLength {
		return nil, &domain.NetworkError{URL: rawURL, Err: io.ErrUnexpectedEOF}
	}

	closeErr := file.Close()
	file = nil
	if closeErr != nil {
		return nil, fmt.Errorf("closing part file: %w", closeErr)
	}
	if err := os.Rename(partPath, dest); err != nil {
		return nil, fmt.Errorf("renaming part file: %w", err)
	}

	return &DownloadResult{
		Path:     dest,
		Size:     written,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// requestError turns a transport or body error into a *domain.NetworkError
// unless the parent context ended.
func requestError(parent, reqCtx context.Context, rawURL string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if cause := context.Cause(reqCtx); errors.Is(cause, errIdleTimeout) {
		err = cause
	}
	return &domain.NetworkError{URL: rawURL, Err: err}
}

func (e *Engine) update(fn func(*Snapshot)) {
	next := *e.snap.Load()
	fn(&next)
	e.snap.Store(&next)
}

// fileName derives the local file name from the last URL path segment.
func fileName(rawURL string, index int) string {
	u, err := url.Parse(rawURL)
	if err == nil {
		// u.Path is already percent-decoded.
		if name := path.Base(u.Path); name != "" && name != "." && name != "/" {
			return filepath.Base(filepath.FromSlash(name))
		}
	}
	return fmt.Sprintf("download-%d", index)
}

// VerifyChecksum compares a download's SHA-1 with the expected hex digest.
// An empty expectation always matches.
func VerifyChecksum(ev Event, expected string) error {
	if expected == "" || strings.EqualFold(ev.Checksum, expected) {
		return nil
	}
	return fmt.Errorf("%w: %s: got %s, want %s", domain.ErrChecksumMismatch, ev.Path, ev.Checksum, expected)
}
