package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector()

	assert.NotNil(t, collector.registry)
	assert.NotNil(t, collector.downloadsCompleted)
	assert.NotNil(t, collector.installDuration)
	assert.NotNil(t, collector.queueDepth)

	// Separate registries: creating a second collector must not panic.
	assert.NotPanics(t, func() { NewCollector() })
}

func TestCollector_Counters(t *testing.T) {
	collector := NewCollector()

	collector.RecordDownload(100)
	collector.RecordDownload(50)
	collector.RecordDownloadFailed()
	collector.RecordRetry()
	collector.RecordRetry()
	collector.RecordInstall(2 * time.Second)
	collector.RecordCommitFailure()
	collector.SetQueueDepth(3)

	body := scrape(t, collector)
	assert.Contains(t, body, "usbi_downloads_completed_total 2")
	assert.Contains(t, body, "usbi_download_bytes_total 150")
	assert.Contains(t, body, "usbi_downloads_failed_total 1")
	assert.Contains(t, body, "usbi_download_retries_total 2")
	assert.Contains(t, body, "usbi_installs_total 1")
	assert.Contains(t, body, "usbi_commit_failures_total 1")
	assert.Contains(t, body, "usbi_install_queue_depth 3")
	assert.Contains(t, body, "usbi_install_duration_seconds_count 1")
}

func TestCollector_Nil(t *testing.T) {
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.RecordDownload(1)
		collector.RecordDownloadFailed()
		collector.RecordRetry()
		collector.RecordInstall(time.Second)
		collector.RecordCommitFailure()
		collector.SetQueueDepth(1)
	})

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
