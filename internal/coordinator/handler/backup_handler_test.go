package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/storagefleet/backup-fleet/internal/config"
	"github.com/storagefleet/backup-fleet/internal/coordinator/dispatcher"
	"github.com/storagefleet/backup-fleet/internal/coordinator/domain"
	"github.com/storagefleet/backup-fleet/internal/coordinator/ledger"
	"github.com/storagefleet/backup-fleet/internal/coordinator/registry"
	"github.com/storagefleet/backup-fleet/internal/coordinator/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// acceptingClient answers every dispatch with success
type acceptingClient struct{}

func (acceptingClient) RunJob(context.Context, string, int, string, string) error {
	return nil
}

func (acceptingClient) GetJobStatus(context.Context, string, int, string) (*domain.AgentJobStatus, error) {
	return nil, domain.ErrJobNotFound
}

func (acceptingClient) CancelJob(context.Context, string, int, string) error {
	return nil
}

// stubHistory serves canned archived jobs keyed by job id
type stubHistory struct {
	finished map[string]*storage.FinishedJob
}

func (s *stubHistory) GetFinishedJob(_ context.Context, jobID string) (*storage.FinishedJob, error) {
	job, ok := s.finished[jobID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return job, nil
}

func (s *stubHistory) ListFinishedJobs(context.Context, storage.HistoryFilter) ([]storage.FinishedJob, error) {
	out := make([]storage.FinishedJob, 0, len(s.finished))
	for _, job := range s.finished {
		out = append(out, *job)
	}
	return out, nil
}

func newTestRouter(t *testing.T, maxConcurrent int) (*gin.Engine, *dispatcher.Dispatcher) {
	return newTestRouterWithHistory(t, maxConcurrent, nil)
}

func newTestRouterWithHistory(t *testing.T, maxConcurrent int, history HistoryStore) (*gin.Engine, *dispatcher.Dispatcher) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	nodes := []config.NodeConfig{
		{Name: "storage-1", Address: "10.0.0.11", Port: 8081, MaxConcurrent: 2},
	}
	reg := registry.New(nodes, logger)
	d := dispatcher.New(
		dispatcher.Config{
			QueueDepth:      2,
			OverflowPolicy:  config.OverflowQueue,
			DispatchRetries: 1,
			JobDeadline:     time.Minute,
			PollInterval:    time.Second,
		},
		ledger.New(maxConcurrent, logger),
		reg,
		acceptingClient{},
		nil,
		logger,
	)

	deps := &Dependencies{
		Logger:     logger,
		Dispatcher: d,
		Registry:   reg,
		Storage:    history,
		DataRoot:   "/data",
	}

	engine := gin.New()
	h := NewBackupHandler(deps)
	engine.POST("/api/v1/backups", h.SubmitBackup)
	engine.GET("/api/v1/backups", h.ListBackups)
	engine.GET("/api/v1/backups/history", h.ListHistory)
	engine.GET("/api/v1/backups/:job_id", h.GetBackup)
	engine.POST("/api/v1/backups/:job_id/cancel", h.CancelBackup)
	engine.GET("/api/v1/fleet", h.GetFleet)

	return engine, d
}

func doRequest(engine *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestSubmitBackupAccepted(t *testing.T) {
	engine, _ := newTestRouter(t, 2)

	w := doRequest(engine, http.MethodPost, "/api/v1/backups", `{"path":"/data/photos","client_ref":"nightly"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["job_id"])
	assert.Equal(t, "/data/photos", resp["path"])
	assert.Equal(t, "nightly", resp["client_ref"])
}

func TestSubmitBackupValidation(t *testing.T) {
	engine, _ := newTestRouter(t, 2)

	tests := []struct {
		name string
		body string
	}{
		{"missing path", `{}`},
		{"relative path", `{"path":"photos"}`},
		{"outside data root", `{"path":"/var/lib/secrets"}`},
		{"escaping data root", `{"path":"/data/../etc"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(engine, http.MethodPost, "/api/v1/backups", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestSubmitBackupOverflow(t *testing.T) {
	engine, _ := newTestRouter(t, 1)

	// One running, two queued fills the queue
	for i := 0; i < 3; i++ {
		w := doRequest(engine, http.MethodPost, "/api/v1/backups", `{"path":"/data/a"}`)
		require.Equal(t, http.StatusAccepted, w.Code)
	}

	w := doRequest(engine, http.MethodPost, "/api/v1/backups", `{"path":"/data/a"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestGetBackup(t *testing.T) {
	engine, _ := newTestRouter(t, 2)

	w := doRequest(engine, http.MethodPost, "/api/v1/backups", `{"path":"/data/photos"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	jobID := created["job_id"].(string)

	w = doRequest(engine, http.MethodGet, "/api/v1/backups/"+jobID, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, jobID, resp["job_id"])
}

func TestGetBackupFallsBackToHistory(t *testing.T) {
	jobID := "9f1c9a1e-0000-4000-8000-000000000001"
	history := &stubHistory{finished: map[string]*storage.FinishedJob{
		jobID: {
			JobID:       jobID,
			SourcePath:  "/data/photos",
			Node:        "storage-1",
			Status:      domain.JobStatusCompleted,
			ArchivePath: "/backups/backup_1_storage-1_x.tar.gz",
			SizeBytes:   4096,
			FileCount:   12,
			CreatedAt:   time.Now().Add(-2 * time.Hour),
			FinishedAt:  time.Now().Add(-time.Hour),
		},
	}}
	engine, _ := newTestRouterWithHistory(t, 2, history)

	// Evicted from the in-memory table, still answered from history
	w := doRequest(engine, http.MethodGet, "/api/v1/backups/"+jobID, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, jobID, resp["job_id"])
	assert.Equal(t, domain.JobStatusCompleted, resp["status"])
	assert.Equal(t, "storage-1", resp["node"])

	result, ok := resp["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(4096), result["size_bytes"])

	// Unknown everywhere stays a 404
	w = doRequest(engine, http.MethodGet, "/api/v1/backups/9f1c9a1e-0000-4000-8000-000000000002", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListHistory(t *testing.T) {
	jobID := "9f1c9a1e-0000-4000-8000-000000000003"
	history := &stubHistory{finished: map[string]*storage.FinishedJob{
		jobID: {JobID: jobID, SourcePath: "/data/a", Status: domain.JobStatusFailed},
	}}
	engine, _ := newTestRouterWithHistory(t, 2, history)

	w := doRequest(engine, http.MethodGet, "/api/v1/backups/history", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Jobs []map[string]any `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, jobID, resp.Jobs[0]["job_id"])
}

func TestGetBackupErrors(t *testing.T) {
	engine, _ := newTestRouter(t, 2)

	w := doRequest(engine, http.MethodGet, "/api/v1/backups/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(engine, http.MethodGet, "/api/v1/backups/9f1c9a1e-0000-4000-8000-000000000000", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelBackupErrors(t *testing.T) {
	engine, _ := newTestRouter(t, 2)

	w := doRequest(engine, http.MethodPost, "/api/v1/backups/not-a-uuid/cancel", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(engine, http.MethodPost, "/api/v1/backups/9f1c9a1e-0000-4000-8000-000000000000/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListBackups(t *testing.T) {
	engine, _ := newTestRouter(t, 4)

	doRequest(engine, http.MethodPost, "/api/v1/backups", `{"path":"/data/a"}`)
	doRequest(engine, http.MethodPost, "/api/v1/backups", `{"path":"/data/b"}`)

	w := doRequest(engine, http.MethodGet, "/api/v1/backups", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Jobs []map[string]any `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 2)
}

func TestListHistoryWithoutStore(t *testing.T) {
	engine, _ := newTestRouter(t, 2)

	w := doRequest(engine, http.MethodGet, "/api/v1/backups/history", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetFleet(t *testing.T) {
	engine, _ := newTestRouter(t, 2)

	w := doRequest(engine, http.MethodGet, "/api/v1/fleet", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Nodes []map[string]any `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Nodes, 1)
	assert.Equal(t, "storage-1", resp.Nodes[0]["name"])
	assert.Equal(t, true, resp.Nodes[0]["healthy"])
}
