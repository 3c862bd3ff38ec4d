package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snaprescue/pkg/config"
	errs "snaprescue/pkg/errors"
	"snaprescue/pkg/ledger"
	"snaprescue/pkg/logger"
	"snaprescue/pkg/models"
	"snaprescue/pkg/progress"
)

func writeItems(t *testing.T, dir string, items []models.WorkItem) string {
	t.Helper()

	type rawItem struct {
		ID        string `json:"id"`
		URL       string `json:"url"`
		Timestamp string `json:"timestamp"`
		Kind      string `json:"kind,omitempty"`
	}
	raw := make([]rawItem, len(items))
	for i, item := range items {
		ts := ""
		if !item.Timestamp.IsZero() {
			ts = item.Timestamp.Format(time.RFC3339)
		}
		raw[i] = rawItem{ID: item.ID, URL: item.URL, Timestamp: ts, Kind: string(item.Kind)}
	}

	data, err := json.Marshal(raw)
	require.NoError(t, err)

	path := filepath.Join(dir, "items.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func testConfig(t *testing.T, itemsFile string, stages ...string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Input.ItemsFile = itemsFile
	cfg.Output.Directory = t.TempDir()
	cfg.Download.Workers = 2
	cfg.Download.RetryAttempts = 1
	cfg.Download.FetchTimeout = 5 * time.Second
	if len(stages) > 0 {
		cfg.Pipeline.Stages = stages
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestRunDownloadAndDedupe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		io.WriteString(w, "jpeg bytes for "+r.URL.Query().Get("mid"))
	}))
	defer server.Close()

	ts := time.Date(2023, 6, 15, 14, 30, 0, 0, time.UTC)
	items := []models.WorkItem{
		{ID: "aaa", URL: server.URL + "/dl?mid=aaa", Timestamp: ts},
		{ID: "bbb", URL: server.URL + "/dl?mid=bbb", Timestamp: ts.Add(time.Hour)},
	}

	cfg := testConfig(t, writeItems(t, t.TempDir(), items), config.StageDownload, config.StageDedupe)

	var events bytes.Buffer
	pipe, err := New(cfg, progress.NewEmitter(&events), logger.NewNopLogger())
	require.NoError(t, err)

	result := pipe.Run(context.Background())
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 2, result.Stats[config.StageDownload].Completed)

	for _, name := range []string{"20230615_143000_aaa.jpg", "20230615_153000_bbb.jpg"} {
		_, err := os.Stat(filepath.Join(cfg.Output.Directory, name))
		assert.NoError(t, err, "asset %s missing", name)
	}

	// The run ends with a success event for each finished stage.
	var sawPipelineSuccess bool
	for _, line := range bytes.Split(bytes.TrimSpace(events.Bytes()), []byte("\n")) {
		ev := progress.Parse(string(line))
		if ev.Type == progress.KindSuccess && ev.Stage == config.StageDownload {
			sawPipelineSuccess = true
		}
	}
	assert.True(t, sawPipelineSuccess, "no download stage summary emitted")
}

func TestRunIsIdempotent(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Type", "image/jpeg")
		io.WriteString(w, "jpeg bytes")
	}))
	defer server.Close()

	items := []models.WorkItem{{ID: "aaa", URL: server.URL + "/dl?mid=aaa"}}
	cfg := testConfig(t, writeItems(t, t.TempDir(), items), config.StageDownload)

	for run := 0; run < 2; run++ {
		pipe, err := New(cfg, progress.NewEmitter(&bytes.Buffer{}), logger.NewNopLogger())
		require.NoError(t, err)
		result := pipe.Run(context.Background())
		assert.Equal(t, StatusCompleted, result.Status)
	}

	assert.Equal(t, 1, requests, "second run must not refetch")
}

func TestRunPartialFailureIsolation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("mid") == "dead" {
			http.Error(w, "gone", http.StatusGone)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		io.WriteString(w, "jpeg bytes")
	}))
	defer server.Close()

	items := []models.WorkItem{
		{ID: "live", URL: server.URL + "/dl?mid=live"},
		{ID: "dead", URL: server.URL + "/dl?mid=dead"},
	}
	cfg := testConfig(t, writeItems(t, t.TempDir(), items), config.StageDownload)

	pipe, err := New(cfg, progress.NewEmitter(&bytes.Buffer{}), logger.NewNopLogger())
	require.NoError(t, err)
	result := pipe.Run(context.Background())

	// One expired link fails its item, not the run.
	assert.Equal(t, StatusCompleted, result.Status)
	stats := result.Stats[config.StageDownload]
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)

	failures := pipe.Ledger().Errors()
	require.Len(t, failures, 1)
	assert.Equal(t, errs.ErrorTypeHTTPStatus, failures["dead"].Reason)
}

func TestRunStoppedByCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	served := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
		if served == 1 {
			cancel()
		}
		w.Header().Set("Content-Type", "image/jpeg")
		io.WriteString(w, "jpeg bytes")
	}))
	defer server.Close()

	var items []models.WorkItem
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("item%d", i)
		items = append(items, models.WorkItem{ID: id, URL: server.URL + "/dl?mid=" + id})
	}
	cfg := testConfig(t, writeItems(t, t.TempDir(), items), config.StageDownload, config.StageDedupe)
	cfg.Download.Workers = 1

	pipe, err := New(cfg, progress.NewEmitter(&bytes.Buffer{}), logger.NewNopLogger())
	require.NoError(t, err)

	result := pipe.Run(ctx)
	assert.Equal(t, StatusStopped, result.Status)
	assert.Less(t, served, len(items), "stop did not cut the run short")

	// Whatever finished before the stop is resumable from the ledger.
	led, err := ledger.Open(cfg.Output.Directory)
	require.NoError(t, err)
	assert.LessOrEqual(t, led.Len(), served)
}

func TestRunFatalOnMissingItemsFile(t *testing.T) {
	cfg := testConfig(t, "/nonexistent/items.json", config.StageDownload)

	pipe, err := New(cfg, progress.NewEmitter(&bytes.Buffer{}), logger.NewNopLogger())
	require.NoError(t, err)

	result := pipe.Run(context.Background())
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, errs.ErrorTypeFatal, errs.TypeOf(result.Err))
}

func TestDedupeOnlyRunNeedsNoItems(t *testing.T) {
	cfg := testConfig(t, "", config.StageDedupe)
	cfg.Input.ItemsFile = ""

	pipe, err := New(cfg, progress.NewEmitter(&bytes.Buffer{}), logger.NewNopLogger())
	require.NoError(t, err)

	result := pipe.Run(context.Background())
	assert.Equal(t, StatusCompleted, result.Status)
}

func TestFilterFailed(t *testing.T) {
	dir := t.TempDir()
	led, err := ledger.Open(dir)
	require.NoError(t, err)

	require.NoError(t, led.RecordError("transient", ledger.StageDownloaded, errs.ErrorTypeTimeout, "slow", ""))
	require.NoError(t, led.RecordError("expired", ledger.StageDownloaded, errs.ErrorTypeHTTPStatus, "410", ""))

	items := []models.WorkItem{
		{ID: "transient", URL: "https://example.com/1"},
		{ID: "expired", URL: "https://example.com/2"},
		{ID: "healthy", URL: "https://example.com/3"},
	}

	retryable := FilterFailed(items, led, false)
	require.Len(t, retryable, 1)
	assert.Equal(t, "transient", retryable[0].ID)

	all := FilterFailed(items, led, true)
	assert.Len(t, all, 2)
}
