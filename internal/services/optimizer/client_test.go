package optimizer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"EdgeRefresh/internal/domain/models"
)

func TestClient_Optimize(t *testing.T) {
	var got models.OptimizationRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"score":12.5,"solution":{"stakes":[1,2]}}`))
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Timeout: time.Second}, nil)
	res, err := c.Optimize(context.Background(), models.OptimizationRequest{
		RunID:   "r1",
		Mode:    models.RefreshPartial,
		EdgeIDs: []models.EdgeID{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, 12.5, res.Score)
	assert.JSONEq(t, `{"stakes":[1,2]}`, string(res.Solution))
	assert.Equal(t, "r1", got.RunID)
	assert.Equal(t, []models.EdgeID{"a", "b"}, got.EdgeIDs)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"score":3}`))
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Timeout: time.Second, MaxRetries: 2}, nil)
	res, err := c.Optimize(context.Background(), models.OptimizationRequest{RunID: "r1", Mode: models.RefreshFull})
	require.NoError(t, err)
	assert.Equal(t, 3.0, res.Score)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_Errors(t *testing.T) {
	_, err := New(Config{}, nil).Optimize(context.Background(), models.OptimizationRequest{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"solution":null}`))
	}))
	defer srv.Close()
	_, err = New(Config{URL: srv.URL}, nil).Optimize(context.Background(), models.OptimizationRequest{Mode: models.RefreshFull})
	assert.ErrorContains(t, err, "without score")

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer bad.Close()
	_, err = New(Config{URL: bad.URL, MaxRetries: 3}, nil).Optimize(context.Background(), models.OptimizationRequest{Mode: models.RefreshFull})
	assert.Error(t, err)
}
