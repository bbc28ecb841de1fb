package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"hostsync/internal/config"
	"hostsync/internal/database"
	"hostsync/internal/models"
	"hostsync/internal/service"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	result *service.Result
	err    error
	opts   service.Options
}

func (f *fakeRunner) Run(_ context.Context, opts service.Options) (*service.Result, error) {
	f.opts = opts
	return f.result, f.err
}

func testConfig() config.APIConfig {
	return config.APIConfig{
		Enabled: true,
		Port:    8088,
		Auth: config.APIAuthConfig{
			Enabled: true,
			APIKeys: []config.APIClientKey{{Key: "test-key", Name: "tests"}},
		},
	}
}

func newTestServer(t *testing.T, runner SyncRunner, cfg config.APIConfig) (*Server, *database.DB) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewServer(cfg, db, runner, zerolog.Nop()), db
}

func doRequest(srv *Server, method, target, body string, auth bool) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if auth {
		req.Header.Set("X-API-Key", "test-key")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSyncEndpoint(t *testing.T) {
	runner := &fakeRunner{result: &service.Result{
		OK:           true,
		ScheduleRuns: []service.ScheduleRun{{Account: "host@example.com", RunID: "run-1"}},
		Stats:        models.RunStats{Scanned: 3, Inserted: 2},
	}}
	srv, _ := newTestServer(t, runner, testConfig())

	rec := doRequest(srv, http.MethodPost, "/api/v1/sync", `{"mode":"incremental"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp service.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	require.Len(t, resp.ScheduleRuns, 1)
	assert.Equal(t, "run-1", resp.ScheduleRuns[0].RunID)
	assert.Equal(t, models.TriggerAPI, runner.opts.Trigger)
}

func TestSyncRejectsUnknownFields(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{result: &service.Result{OK: true}}, testConfig())
	rec := doRequest(srv, http.MethodPost, "/api/v1/sync", `{"bogus":1}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncNoAccounts(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{err: service.ErrNoAccounts}, testConfig())
	rec := doRequest(srv, http.MethodPost, "/api/v1/sync", `{"account":"ghost@example.com"}`, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(models.ErrCodeNoAccounts), resp["reason"])
}

func TestSyncSkippedSingleAccountConflict(t *testing.T) {
	runner := &fakeRunner{result: &service.Result{
		OK:           true,
		ScheduleRuns: []service.ScheduleRun{{Account: "host@example.com", RunID: "run-skip"}},
	}}
	srv, db := newTestServer(t, runner, testConfig())

	ctx := context.Background()
	retryAt := time.Now().Add(10 * time.Minute).UTC().Truncate(time.Second)
	run := &models.SyncRun{ID: "run-skip", AccountID: "host@example.com", Trigger: models.TriggerAPI, Status: models.RunStatusRunning}
	require.NoError(t, db.CreateRun(ctx, run))
	run.Status = models.RunStatusSkipped
	run.ErrorCode = string(models.SkipLocked)
	run.ErrorMessage = "retry after " + retryAt.Format(time.RFC3339)
	require.NoError(t, db.FinalizeRun(ctx, run))

	rec := doRequest(srv, http.MethodPost, "/api/v1/sync", `{"account":"host@example.com"}`, true)
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, "locked", resp["reason"])
	assert.Equal(t, retryAt.Format(time.RFC3339), resp["retry_at"])
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{result: &service.Result{OK: true}}, testConfig())

	rec := doRequest(srv, http.MethodPost, "/api/v1/sync", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	rec2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusUnauthorized, rec2.Code)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.APIRateLimitConfig{RPS: 0.001, Burst: 1}
	srv, _ := newTestServer(t, &fakeRunner{result: &service.Result{OK: true}}, cfg)

	first := doRequest(srv, http.MethodPost, "/api/v1/sync", "", true)
	require.Equal(t, http.StatusOK, first.Code)

	second := doRequest(srv, http.MethodPost, "/api/v1/sync", "", true)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestRunsEndpoint(t *testing.T) {
	srv, db := newTestServer(t, &fakeRunner{}, testConfig())

	ctx := context.Background()
	for _, id := range []string{"run-a", "run-b"} {
		run := &models.SyncRun{ID: id, AccountID: "host@example.com", Trigger: models.TriggerCron, Status: models.RunStatusRunning}
		require.NoError(t, db.CreateRun(ctx, run))
		run.Status = models.RunStatusSuccess
		require.NoError(t, db.FinalizeRun(ctx, run))
	}

	rec := doRequest(srv, http.MethodGet, "/api/v1/runs?account=host@example.com&limit=10", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Runs []models.SyncRun `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Runs, 2)
}

func TestRunItemsEndpoint(t *testing.T) {
	srv, db := newTestServer(t, &fakeRunner{}, testConfig())

	ctx := context.Background()
	run := &models.SyncRun{ID: "run-items", AccountID: "host@example.com", Trigger: models.TriggerManual, Status: models.RunStatusRunning}
	require.NoError(t, db.CreateRun(ctx, run))
	item := &models.SyncItem{RunID: run.ID, AccountID: run.AccountID, UID: 7, Status: models.ItemStatusScanned}
	require.NoError(t, db.CreateItem(ctx, item))

	rec := doRequest(srv, http.MethodGet, "/api/v1/runs/run-items/items", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Run   models.SyncRun    `json:"run"`
		Items []models.SyncItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "run-items", resp.Run.ID)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, uint32(7), resp.Items[0].UID)

	missing := doRequest(srv, http.MethodGet, "/api/v1/runs/nope/items", "", true)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestExportEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{}, testConfig())

	rec := doRequest(srv, http.MethodGet, "/api/v1/export?from=2026-01-01&to=2026-02-01", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "spreadsheetml")
	assert.NotZero(t, rec.Body.Len())

	bad := doRequest(srv, http.MethodGet, "/api/v1/export?from=2026-02-01&to=2026-01-01", "", true)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestStagingEndpoints(t *testing.T) {
	srv, db := newTestServer(t, &fakeRunner{}, testConfig())

	ctx := context.Background()
	entry := &models.StagingEntry{
		AccountID:   "host@example.com",
		UID:         42,
		ListingName: "Sunny Villa",
		GuestName:   "Alex Doe",
	}
	require.NoError(t, db.CreateStagingEntry(ctx, entry))

	rec := doRequest(srv, http.MethodGet, "/api/v1/staging", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Entries []models.StagingEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "Sunny Villa", resp.Entries[0].ListingName)

	resolve := doRequest(srv, http.MethodPost,
		"/api/v1/staging/"+strconv.FormatInt(resp.Entries[0].ID, 10)+"/resolve", "", true)
	require.Equal(t, http.StatusOK, resolve.Code)

	after := doRequest(srv, http.MethodGet, "/api/v1/staging", "", true)
	require.Equal(t, http.StatusOK, after.Code)
	var emptied struct {
		Entries []models.StagingEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(after.Body.Bytes(), &emptied))
	assert.Empty(t, emptied.Entries)

	missing := doRequest(srv, http.MethodPost, "/api/v1/staging/9999/resolve", "", true)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestHealthzSkipsAuth(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{}, testConfig())
	rec := doRequest(srv, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
}
