package http

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
)

func TestSendAndParse_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "r1", body["run_id"])
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]float64{"score": 4.5})
	}))
	defer srv.Close()

	c := NewClient(WithRetry(2, time.Millisecond))
	var out struct {
		Score float64 `json:"score"`
	}
	err := c.SendAndParse(context.Background(), &RequestOptions{
		Method: MethodPost,
		URL:    srv.URL,
		Body:   map[string]string{"run_id": "r1"},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, 4.5, out.Score)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSendAndParse_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad input", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(WithRetry(3, time.Millisecond))
	err := c.SendAndParse(context.Background(), &RequestOptions{Method: MethodGet, URL: srv.URL}, nil)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, "bad input", se.Body)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSendAndParse_QueryAndForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "v", r.PostForm.Get("k"))
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	var raw []byte
	err := NewClient().SendAndParse(context.Background(), &RequestOptions{
		Method:      MethodPost,
		URL:         srv.URL,
		Headers:     map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		QueryParams: map[string][]string{"limit": {"5"}},
		Body:        map[string]string{"k": "v"},
	}, &raw)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(raw))
}
