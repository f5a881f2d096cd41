package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/availability-prober/internal/dispatcher"
	"github.com/JakeFAU/availability-prober/internal/probe"
	"github.com/JakeFAU/availability-prober/internal/store"
)

type fakeStatus struct{ st dispatcher.Status }

func (f fakeStatus) Status() dispatcher.Status { return f.st }

type fakeRuns struct {
	runs map[uuid.UUID]store.Run
	err  error
}

func (f *fakeRuns) UpsertRunStart(context.Context, uuid.UUID, string, time.Time) error { return nil }

func (f *fakeRuns) CompleteRun(context.Context, uuid.UUID, time.Time, store.RunStatus, *string) error {
	return nil
}

func (f *fakeRuns) InsertResults(context.Context, uuid.UUID, []store.ResultRow) error { return nil }

func (f *fakeRuns) GetRun(_ context.Context, id uuid.UUID) (store.Run, error) {
	if f.err != nil {
		return store.Run{}, f.err
	}
	run, ok := f.runs[id]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

func serve(t *testing.T, s *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()
	idle := NewServer(fakeStatus{}, nil, Config{}, zaptest.NewLogger(t))
	assert.Equal(t, http.StatusOK, serve(t, idle, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, idle, http.MethodGet, "/readyz", nil).Code)

	running := NewServer(fakeStatus{st: dispatcher.Status{Running: true}}, nil, Config{}, zaptest.NewLogger(t))
	rec := serve(t, running, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestProgressReturnsStatus(t *testing.T) {
	t.Parallel()
	st := dispatcher.Status{
		Shard:     "4",
		Running:   true,
		Processed: 10,
		Total:     40,
		Counts:    map[probe.Kind]int{probe.KindAvailable: 6, probe.KindTaken: 4},
	}
	s := NewServer(fakeStatus{st: st}, nil, Config{}, zaptest.NewLogger(t))

	rec := serve(t, s, http.MethodGet, "/v1/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got dispatcher.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "4", got.Shard)
	assert.Equal(t, 10, got.Processed)
	assert.Equal(t, 6, got.Counts[probe.KindAvailable])
}

func TestProgressRequiresAPIKey(t *testing.T) {
	t.Parallel()
	s := NewServer(fakeStatus{}, nil, Config{APIKey: "secret"}, zaptest.NewLogger(t))

	assert.Equal(t, http.StatusForbidden, serve(t, s, http.MethodGet, "/v1/progress", nil).Code)
	assert.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/v1/progress", http.Header{"X-Api-Key": {"secret"}}).Code)
	assert.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/v1/progress?api_key=secret", nil).Code)
	assert.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/healthz", nil).Code, "health stays open")
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	s := NewServer(fakeStatus{}, nil, Config{}, zaptest.NewLogger(t))
	serve(t, s, http.MethodGet, "/healthz", nil)

	rec := serve(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestGetRun(t *testing.T) {
	t.Parallel()
	id := uuid.New()
	started := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	repo := &fakeRuns{runs: map[uuid.UUID]store.Run{
		id: {ID: id, Shard: "1", StartedAt: started, Status: store.RunSuccess},
	}}
	s := NewServer(nil, repo, Config{}, zaptest.NewLogger(t))

	rec := serve(t, s, http.MethodGet, "/v1/runs/"+id.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Run runDTO `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "success", body.Run.Status)
	assert.Equal(t, "1", body.Run.Shard)

	assert.Equal(t, http.StatusNotFound, serve(t, s, http.MethodGet, "/v1/runs/"+uuid.NewString(), nil).Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, s, http.MethodGet, "/v1/runs/nope", nil).Code)

	repo.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, serve(t, s, http.MethodGet, "/v1/runs/"+id.String(), nil).Code)
}

func TestGetRunWithoutRepository(t *testing.T) {
	t.Parallel()
	s := NewServer(nil, nil, Config{}, zaptest.NewLogger(t))
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, s, http.MethodGet, "/v1/runs/"+uuid.NewString(), nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, s, http.MethodGet, "/v1/progress", nil).Code)
}
