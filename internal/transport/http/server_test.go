package transporthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecycle/internal/budget"
	"tradecycle/internal/config"
	"tradecycle/internal/gateway/execution"
	"tradecycle/internal/orchestrator"
	"tradecycle/internal/store"
)

type fakeRunner struct {
	startErr  error
	lastStart struct {
		trigger  string
		tickers  []string
		testMode bool
	}
	halted bool
}

func (f *fakeRunner) StartCycle(trigger string, tickers []string, testMode bool) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.lastStart.trigger = trigger
	f.lastStart.tickers = tickers
	f.lastStart.testMode = testMode
	return "cycle-123", nil
}

func (f *fakeRunner) ActiveCycle() (string, orchestrator.Stage, bool) {
	return "", "", false
}

func (f *fakeRunner) Halt()        { f.halted = true }
func (f *fakeRunner) Rearm()       { f.halted = false }
func (f *fakeRunner) Halted() bool { return f.halted }

type fakeCycleStore struct {
	cycles map[string]store.CycleRecord
}

func (s *fakeCycleStore) SaveCycle(_ context.Context, rec store.CycleRecord) error {
	s.cycles[rec.CycleID] = rec
	return nil
}

func (s *fakeCycleStore) GetCycle(_ context.Context, id string) (store.CycleRecord, bool, error) {
	rec, ok := s.cycles[id]
	return rec, ok, nil
}

func (s *fakeCycleStore) ListCycles(_ context.Context, q store.CycleQuery) ([]store.CycleRecord, error) {
	var out []store.CycleRecord
	for _, rec := range s.cycles {
		if !q.From.IsZero() && rec.StartedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && rec.StartedAt.After(q.To) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *fakeCycleStore) ListOrdersByCycle(_ context.Context, _ string) ([]execution.TradeOrder, error) {
	return nil, nil
}

func newTestServer(t *testing.T, runner *fakeRunner, cycles *fakeCycleStore) *Server {
	t.Helper()
	ledger := budget.NewLedger(config.BudgetConfig{
		Window:         "daily",
		LimitCostUnits: 100,
		TierFractions:  map[string]float64{"critical": 0.5, "standard": 0.3, "optional": 0.2},
	})
	srv, err := NewServer(ServerConfig{
		Runner:         runner,
		Ledger:         ledger,
		Cycles:         cycles,
		DefaultTickers: []string{"7203"},
	})
	require.NoError(t, err)
	return srv
}

func doRequest(srv *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{}, &fakeCycleStore{cycles: map[string]store.CycleRecord{}})
	w := doRequest(srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStartCycle(t *testing.T) {
	runner := &fakeRunner{}
	srv := newTestServer(t, runner, &fakeCycleStore{cycles: map[string]store.CycleRecord{}})

	body, _ := json.Marshal(map[string]any{"tickers": []string{"6758"}, "trigger": "manual", "testMode": true})
	w := doRequest(srv, http.MethodPost, "/api/cycles", body)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "cycle-123", resp["cycleId"])
	assert.Equal(t, []string{"6758"}, runner.lastStart.tickers)
	assert.True(t, runner.lastStart.testMode)
}

func TestStartCycleUsesDefaultTickers(t *testing.T) {
	runner := &fakeRunner{}
	srv := newTestServer(t, runner, &fakeCycleStore{cycles: map[string]store.CycleRecord{}})

	w := doRequest(srv, http.MethodPost, "/api/cycles", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"7203"}, runner.lastStart.tickers)
	assert.Equal(t, "manual", runner.lastStart.trigger)
}

func TestStartCycleWhileHalted(t *testing.T) {
	runner := &fakeRunner{startErr: orchestrator.ErrHalted}
	srv := newTestServer(t, runner, &fakeCycleStore{cycles: map[string]store.CycleRecord{}})

	w := doRequest(srv, http.MethodPost, "/api/cycles", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStartCycleInFlight(t *testing.T) {
	runner := &fakeRunner{startErr: orchestrator.ErrCycleInFlight}
	srv := newTestServer(t, runner, &fakeCycleStore{cycles: map[string]store.CycleRecord{}})

	w := doRequest(srv, http.MethodPost, "/api/cycles", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetCycle(t *testing.T) {
	cycles := &fakeCycleStore{cycles: map[string]store.CycleRecord{
		"cycle-1": {CycleID: "cycle-1", Outcome: "completed"},
	}}
	srv := newTestServer(t, &fakeRunner{}, cycles)

	w := doRequest(srv, http.MethodGet, "/api/cycles/cycle-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"completed"`)

	w = doRequest(srv, http.MethodGet, "/api/cycles/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListCyclesValidatesTimeRange(t *testing.T) {
	cycles := &fakeCycleStore{cycles: map[string]store.CycleRecord{
		"cycle-1": {CycleID: "cycle-1", StartedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
		"cycle-2": {CycleID: "cycle-2", StartedAt: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
	}}
	srv := newTestServer(t, &fakeRunner{}, cycles)

	w := doRequest(srv, http.MethodGet, "/api/cycles?from=2026-03-02T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	w = doRequest(srv, http.MethodGet, "/api/cycles?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBudgetCurrent(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{}, &fakeCycleStore{cycles: map[string]store.CycleRecord{}})

	w := doRequest(srv, http.MethodGet, "/api/budget/current", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"usageRatio"`)
}

func TestControlHaltAndArm(t *testing.T) {
	runner := &fakeRunner{}
	srv := newTestServer(t, runner, &fakeCycleStore{cycles: map[string]store.CycleRecord{}})

	w := doRequest(srv, http.MethodPost, "/api/control/halt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, runner.halted)

	w = doRequest(srv, http.MethodGet, "/api/control/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"halted":true`)

	w = doRequest(srv, http.MethodPost, "/api/control/arm", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, runner.halted)
}
