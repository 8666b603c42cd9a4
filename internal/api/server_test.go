package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"refreshflow/internal/domain"
	"refreshflow/internal/gateway"
	"refreshflow/internal/refresh"
	"refreshflow/internal/store"
)

type stubGateway struct {
	err error
}

func (g *stubGateway) TriggerRefresh(ctx context.Context, workspaceID, datasetID string) (gateway.TriggerResult, error) {
	if g.err != nil {
		return gateway.TriggerResult{}, g.err
	}
	return gateway.TriggerResult{RequestID: "req-1"}, nil
}

func (g *stubGateway) GetLatestRefreshStatus(ctx context.Context, workspaceID, datasetID string) (*gateway.RefreshStatusReport, error) {
	return nil, nil
}

func (g *stubGateway) GetAccessToken(ctx context.Context) (string, error) { return "", nil }

type testServer struct {
	h     http.Handler
	store *store.Memory
	gw    *stubGateway
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewMemory()
	gw := &stubGateway{}
	orch := refresh.New(refresh.DefaultOptions(), st, st, gw, nil)
	return &testServer{h: NewServer(orch, st), store: st, gw: gw}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(PrincipalHeader, "alice")
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) auditEntries(t *testing.T) []domain.AuditEntry {
	t.Helper()
	entries, err := ts.store.ListAudit(context.Background(), 0, 100)
	require.NoError(t, err)
	return entries
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestRunDataset(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/refreshes/datasets/ds-1/run", map[string]any{"workspace_id": "ws-1", "page_id": 4})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode[domain.RefreshRun](t, rec)
	assert.Equal(t, domain.StatusInProgress, run.Status)
	assert.Equal(t, "alice", run.TriggeredBy)
	assert.Equal(t, "ds-1", run.DatasetID)
	require.NotNil(t, run.PageID)
	assert.Equal(t, 4, *run.PageID)

	entries := ts.auditEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.AuditRefreshRun, entries[0].Action)
	assert.Equal(t, "ds-1", entries[0].Resource)
	assert.Equal(t, "alice", entries[0].Principal)
	assert.True(t, entries[0].Success)

	// cooldown
	rec = ts.do(t, http.MethodPost, "/api/refreshes/datasets/ds-1/run", map[string]any{"workspace_id": "ws-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "cooldown")
	entries = ts.auditEntries(t)
	require.Len(t, entries, 2)
	assert.False(t, entries[0].Success)

	rec = ts.do(t, http.MethodGet, "/api/refreshes/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, run.ID, decode[domain.RefreshRun](t, rec).ID)
}

func TestRunDataset_GatewayFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.gw.err = errors.New("refresh API call failed: 403 Forbidden")

	rec := ts.do(t, http.MethodPost, "/api/refreshes/datasets/ds-1/run", map[string]any{"workspace_id": "ws-1"})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	run := decode[domain.RefreshRun](t, rec)
	assert.Equal(t, domain.StatusFailed, run.Status)
	assert.Contains(t, run.FailureReason, "403")
	assert.NotEmpty(t, run.ID)
	assert.False(t, ts.auditEntries(t)[0].Success)
}

func TestRunDataset_BadInput(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/refreshes/datasets/ds-1/run", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/refreshes/datasets/ds-1/run", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDatasetHistory(t *testing.T) {
	ts := newTestServer(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := ts.store.AddRun(context.Background(), domain.RefreshRun{
			DatasetID:   "ds-1",
			WorkspaceID: "ws-1",
			Status:      domain.StatusSucceeded,
			RequestedAt: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	rec := ts.do(t, http.MethodGet, "/api/refreshes/datasets/ds-1/history?skip=1&take=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]domain.RefreshRun](t, rec)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].RequestedAt.Equal(base.Add(3*time.Hour)))

	rec = ts.do(t, http.MethodGet, "/api/refreshes/datasets/ds-1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.RefreshRun](t, rec), 5)

	rec = ts.do(t, http.MethodGet, "/api/refreshes/datasets/ds-1/history?skip=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/refreshes/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/refreshes/schedules", map[string]any{
		"name":         "nightly",
		"workspace_id": "ws-1",
		"dataset_id":   "ds-1",
		"enabled":      true,
		"cron":         "0 2 * * *",
		"notify_targets": []map[string]string{
			{"type": "Email", "target": "ops@example.com"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[scheduleResp](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "UTC", created.TimeZone)
	assert.Equal(t, 2, created.RetryCount)
	assert.Equal(t, 120, created.RetryBackoffSeconds)
	assert.Equal(t, "alice", created.CreatedBy)
	require.NotNil(t, created.NextRunAt)
	assert.Equal(t, 2, created.NextRunAt.Hour())

	rec = ts.do(t, http.MethodGet, "/api/refreshes/schedules/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nightly", decode[scheduleResp](t, rec).Name)

	rec = ts.do(t, http.MethodPut, "/api/refreshes/schedules/"+created.ID, map[string]any{
		"name":          "nightly-amsterdam",
		"workspace_id":  "ws-1",
		"dataset_id":    "ds-1",
		"enabled":       true,
		"cron":          "30 6 * * 1-5",
		"time_zone":     "Europe/Amsterdam",
		"retry_count":   5,
		"notify_targets": nil,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[scheduleResp](t, rec)
	assert.Equal(t, "nightly-amsterdam", updated.Name)
	assert.Equal(t, 5, updated.RetryCount)
	assert.Equal(t, 120, updated.RetryBackoffSeconds, "omitted retry backoff keeps the stored value")
	assert.Empty(t, updated.NotifyTargets)

	rec = ts.do(t, http.MethodPost, "/api/refreshes/schedules/"+created.ID+"/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	toggled := decode[scheduleResp](t, rec)
	assert.False(t, toggled.Enabled)
	assert.Nil(t, toggled.NextRunAt)

	rec = ts.do(t, http.MethodGet, "/api/refreshes/schedules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]scheduleResp](t, rec), 1)

	rec = ts.do(t, http.MethodDelete, "/api/refreshes/schedules/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodDelete, "/api/refreshes/schedules/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	actions := []domain.AuditAction{}
	for _, e := range ts.auditEntries(t) {
		actions = append(actions, e.Action)
		assert.True(t, e.Success)
	}
	assert.Equal(t, []domain.AuditAction{
		domain.AuditScheduleDelete,
		domain.AuditScheduleToggle,
		domain.AuditScheduleUpdate,
		domain.AuditScheduleCreate,
	}, actions)
}

func TestCreateSchedule_Invalid(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/refreshes/schedules", map[string]any{
		"name":         "broken",
		"workspace_id": "ws-1",
		"dataset_id":   "ds-1",
		"cron":         "0 25 * * *",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid schedule")

	list, err := ts.store.ListSchedules(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)

	entries := ts.auditEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.AuditScheduleCreate, entries[0].Action)
	assert.False(t, entries[0].Success)
}

func TestUpdateSchedule_NotFound(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPut, "/api/refreshes/schedules/missing", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, http.MethodPost, "/api/refreshes/schedules/missing/toggle", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAudit(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, ts.store.AppendAudit(context.Background(), domain.AuditEntry{
			Action:    domain.AuditRefreshRun,
			Resource:  "ds-1",
			Timestamp: time.Date(2024, 5, 1, 12, i, 0, 0, time.UTC),
		}))
	}
	rec := ts.do(t, http.MethodGet, "/api/audit?take=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.AuditEntry](t, rec), 2)
}
