package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EdgeRefresh/internal/domain/models"
	domrepo "EdgeRefresh/internal/domain/repository"
	"EdgeRefresh/internal/usecase"
	"EdgeRefresh/pkg/queue"
)

type envelope struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
}

type fakeEnqueuer struct {
	msgType string
	payload interface{}
}

func (q *fakeEnqueuer) Enqueue(_ context.Context, msgType string, payload interface{}) error {
	q.msgType, q.payload = msgType, payload
	return nil
}

func (q *fakeEnqueuer) Stats(context.Context) (queue.Stats, error) {
	return queue.Stats{Waiting: 2, Dead: 1}, nil
}

type stubProcessor struct{ n int }

func (p *stubProcessor) Process(_ context.Context, ev models.EdgeChangeEvent) error {
	if ev.EdgeID == "" {
		return errors.New("empty edge")
	}
	p.n++
	return nil
}

func newTestServer(opt domrepo.Optimizer, opts ...HandlerOption) (*echo.Echo, *usecase.RefreshManager) {
	m := usecase.NewRefreshManager(nil, nil)
	h := NewRefreshEchoHandler(nil, m, opt, &stubProcessor{}, opts...)
	e := echo.New()
	h.RegisterRoutes(e)
	return e, m
}

func do(t *testing.T, e *echo.Echo, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func fixedScore(score float64) domrepo.Optimizer {
	return domrepo.OptimizerFunc(func(context.Context, models.OptimizationRequest) (models.OptimizationResult, error) {
		return models.OptimizationResult{Score: score}, nil
	})
}

func TestRunLifecycle(t *testing.T) {
	e, _ := newTestServer(fixedScore(4))

	rec, env := do(t, e, http.MethodPost, "/api/v1/runs", `{"run_id":"r1","edge_ids":["a","b"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var meta models.RunMetadata
	require.NoError(t, json.Unmarshal(env.Data, &meta))
	assert.Equal(t, "r1", meta.RunID)

	rec, _ = do(t, e, http.MethodPost, "/api/v1/runs", `{"run_id":"r1","edge_ids":["a"]}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = do(t, e, http.MethodPost, "/api/v1/runs", `{"run_id":"r2","edge_ids":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = do(t, e, http.MethodGet, "/api/v1/runs/r1/eligibility", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var el EligibilityResponse
	require.NoError(t, json.Unmarshal(env.Data, &el))
	assert.False(t, el.Eligible)
	assert.Equal(t, "no_baseline", el.Reason)

	rec, env = do(t, e, http.MethodPost, "/api/v1/runs/r1/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res models.RefreshResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.True(t, res.Success)
	assert.Equal(t, 4.0, res.Score)
	assert.Equal(t, models.RefreshFull, res.RefreshType)

	rec, _ = do(t, e, http.MethodPost, "/api/v1/runs/r1/changes", `{"edge_ids":["a"]}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, e, http.MethodGet, "/api/v1/runs", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, e, http.MethodDelete, "/api/v1/runs/r1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = do(t, e, http.MethodGet, "/api/v1/runs/r1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefresh_ProviderFailureIsBadGateway(t *testing.T) {
	failing := domrepo.OptimizerFunc(func(context.Context, models.OptimizationRequest) (models.OptimizationResult, error) {
		return models.OptimizationResult{}, errors.New("down")
	})
	e, m := newTestServer(failing)
	_, err := m.CreateOptimizationRun("r1", []models.EdgeID{"a"})
	require.NoError(t, err)

	rec, _ := do(t, e, http.MethodPost, "/api/v1/runs/r1/refresh", `{"mode":"full"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec, _ = do(t, e, http.MethodPost, "/api/v1/runs/r1/refresh", `{"mode":"sideways"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefresh_Async(t *testing.T) {
	q := &fakeEnqueuer{}
	e, m := newTestServer(fixedScore(1), WithEnqueuer(q))
	_, err := m.CreateOptimizationRun("r1", []models.EdgeID{"a"})
	require.NoError(t, err)

	rec, _ := do(t, e, http.MethodPost, "/api/v1/runs/r1/refresh", `{"async":true,"mode":"full"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, usecase.RefreshJobType, q.msgType)
	assert.Equal(t, usecase.RefreshRequest{RunID: "r1", Mode: "full"}, q.payload)

	rec, _ = do(t, e, http.MethodPost, "/api/v1/runs/missing/refresh", `{"async":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngestAndCorrelations(t *testing.T) {
	e, m := newTestServer(fixedScore(1))

	rec, env := do(t, e, http.MethodPost, "/api/v1/changes", `{"events":[{"edge_id":"a","magnitude":0.5},{"edge_id":""}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var ing IngestResponse
	require.NoError(t, json.Unmarshal(env.Data, &ing))
	assert.Equal(t, IngestResponse{Accepted: 1, Rejected: 1}, ing)

	rec, _ = do(t, e, http.MethodPut, "/api/v1/correlations", `{"pairs":[{"a":"x","b":"y","value":0.9}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, m.Aggregator().Clusters(), 1)

	for _, path := range []string{"/api/v1/clusters", "/api/v1/clusters/impacted", "/api/v1/cache/stats", "/api/v1/stats", "/api/v1/benchmark", "/health"} {
		rec, _ = do(t, e, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec, _ = do(t, e, http.MethodGet, "/api/v1/runs/r1/history", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type memStore struct{ events []models.RefreshEvent }

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) SaveRefreshEvent(_ context.Context, ev models.RefreshEvent) error {
	s.events = append(s.events, ev)
	return nil
}
func (s *memStore) RecentRefreshes(_ context.Context, runID string, limit int) ([]models.RefreshEvent, error) {
	out := make([]models.RefreshEvent, 0, len(s.events))
	for _, ev := range s.events {
		if ev.RunID == runID && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}
func (s *memStore) Health(context.Context) error { return nil }
func (s *memStore) Close() error                 { return nil }

type listData struct {
	Rows  json.RawMessage `json:"rows"`
	Total int64           `json:"total"`
}

func TestHistorySince(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &memStore{events: []models.RefreshEvent{
		{ID: "1", RunID: "r1", Timestamp: base},
		{ID: "2", RunID: "r1", Timestamp: base.Add(time.Hour)},
		{ID: "3", RunID: "r2", Timestamp: base.Add(time.Hour)},
	}}
	e, _ := newTestServer(fixedScore(1), WithRefreshStore(store))

	rec, env := do(t, e, http.MethodGet, "/api/v1/runs/r1/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all listData
	require.NoError(t, json.Unmarshal(env.Data, &all))
	assert.EqualValues(t, 2, all.Total)

	rec, env = do(t, e, http.MethodGet, "/api/v1/runs/r1/history?since=2026-03-01T12:30:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var recent listData
	require.NoError(t, json.Unmarshal(env.Data, &recent))
	assert.EqualValues(t, 1, recent.Total)

	rec, _ = do(t, e, http.MethodGet, "/api/v1/runs/r1/history?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClustersMinSize(t *testing.T) {
	e, m := newTestServer(fixedScore(1))
	m.UpdateCorrelationMatrix([]models.Correlation{{A: "x", B: "y", Value: 0.9}})

	rec, env := do(t, e, http.MethodGet, "/api/v1/clusters?min_size=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var none listData
	require.NoError(t, json.Unmarshal(env.Data, &none))
	assert.EqualValues(t, 0, none.Total)

	rec, env = do(t, e, http.MethodGet, "/api/v1/clusters?min_size=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var two listData
	require.NoError(t, json.Unmarshal(env.Data, &two))
	assert.EqualValues(t, 1, two.Total)
}

func TestQueueStats(t *testing.T) {
	e, _ := newTestServer(fixedScore(1))
	rec, _ := do(t, e, http.MethodGet, "/api/v1/queue/stats", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	e, _ = newTestServer(fixedScore(1), WithEnqueuer(&fakeEnqueuer{}))
	rec, env := do(t, e, http.MethodGet, "/api/v1/queue/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st queue.Stats
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, queue.Stats{Waiting: 2, Dead: 1}, st)
}

func TestToAppError(t *testing.T) {
	assert.Equal(t, http.StatusConflict, toAppError(usecase.ErrDuplicateRun).Status)
	assert.Equal(t, http.StatusNotFound, toAppError(usecase.ErrRunDiscarded).Status)
	assert.Equal(t, http.StatusBadGateway, toAppError(&usecase.ProviderFailure{Op: "full rebuild", Err: errors.New("x")}).Status)
	assert.Equal(t, http.StatusInternalServerError, toAppError(errors.New("x")).Status)
}
