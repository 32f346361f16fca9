package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"confluence-sentry/internal/execution"
	"confluence-sentry/internal/risk"
	"confluence-sentry/pkg/types"
)

type fakeEngine struct {
	stop     bool
	latest   map[string]*types.Signal
	executed int
	result   execution.Result
}

func (f *fakeEngine) RunCycle(ctx context.Context, instrument string) (*types.Signal, error) {
	s, _ := types.NewSignal(types.Signal{Instrument: instrument, Direction: types.DirectionBuy, Confidence: 81})
	f.latest[instrument] = s
	return s, nil
}

func (f *fakeEngine) ExecuteIfAdmitted(ctx context.Context, signal *types.Signal) execution.Result {
	f.executed++
	return f.result
}

func (f *fakeEngine) RiskState() risk.Snapshot {
	return risk.Snapshot{RiskState: types.RiskState{EmergencyStop: f.stop}}
}

func (f *fakeEngine) SetEmergencyStop(stop bool) error {
	f.stop = stop
	return nil
}

func (f *fakeEngine) LatestSignal(instrument string) (*types.Signal, bool) {
	s, ok := f.latest[instrument]
	return s, ok
}

func (f *fakeEngine) Instruments() []string { return []string{"BTC-USDT"} }

func (f *fakeEngine) GetStats() map[string]interface{} { return map[string]interface{}{"cycles": 0} }

func newTestServer(t *testing.T) (*Server, *fakeEngine, *execution.Journal) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	eng := &fakeEngine{latest: map[string]*types.Signal{}}
	journal := execution.NewJournal(10, nil)
	store := risk.NewStore(types.RiskConfig{OutcomeHistoryLimit: 10}, nil)
	observer := execution.NewObserver(journal, store, nil, time.Second)
	return NewServer(eng, journal, observer, nil), eng, journal
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func TestHealthAndRequestID(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := do(s, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestEmergencyStopEndpoint(t *testing.T) {
	s, eng, _ := newTestServer(t)

	if w := do(s, http.MethodPost, "/api/risk/emergency-stop", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing field must be rejected, got %d", w.Code)
	}
	w := do(s, http.MethodPost, "/api/risk/emergency-stop", `{"active":true}`)
	if w.Code != http.StatusOK || !eng.stop {
		t.Fatalf("stop not applied: %d %s", w.Code, w.Body.String())
	}
	w = do(s, http.MethodGet, "/api/risk", "")
	if !strings.Contains(w.Body.String(), `"emergency_stop":true`) {
		t.Fatalf("risk snapshot should show the stop: %s", w.Body.String())
	}
}

func TestCycleAndExecute(t *testing.T) {
	s, eng, _ := newTestServer(t)

	if w := do(s, http.MethodPost, "/api/instruments/DOGE-USDT/cycle", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown instrument must 404, got %d", w.Code)
	}
	if w := do(s, http.MethodPost, "/api/instruments/BTC-USDT/execute", ""); w.Code != http.StatusNotFound {
		t.Fatalf("execute without a signal must 404, got %d", w.Code)
	}

	w := do(s, http.MethodPost, "/api/instruments/BTC-USDT/cycle", "")
	if w.Code != http.StatusOK {
		t.Fatalf("cycle failed: %d", w.Code)
	}
	var sig types.Signal
	if err := json.Unmarshal(w.Body.Bytes(), &sig); err != nil || sig.Direction != types.DirectionBuy {
		t.Fatalf("unexpected signal %s", w.Body.String())
	}

	eng.result = execution.Result{State: execution.StateAborted, Reason: execution.Reason{Code: "EMERGENCY_STOP"}}
	w = do(s, http.MethodPost, "/api/instruments/BTC-USDT/execute", "")
	if w.Code != http.StatusConflict || eng.executed != 1 {
		t.Fatalf("expected 409 for aborted execution, got %d", w.Code)
	}
}

func TestReportOutcome(t *testing.T) {
	s, _, journal := newTestServer(t)
	journal.Add(context.Background(), types.TradeRecord{ID: "t-1", Instrument: "BTC-USDT", Direction: types.DirectionSell, Amount: 10, Result: types.ResultPending})

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"invalid result", "/api/trades/t-1/outcome", `{"result":"draw"}`, http.StatusBadRequest},
		{"negative payout", "/api/trades/t-1/outcome", `{"result":"win","payout":-1}`, http.StatusBadRequest},
		{"unknown trade", "/api/trades/nope/outcome", `{"result":"win","payout":8}`, http.StatusNotFound},
		{"closes once", "/api/trades/t-1/outcome", `{"result":"win","payout":8.5}`, http.StatusOK},
		{"second report conflicts", "/api/trades/t-1/outcome", `{"result":"loss"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(s, http.MethodPost, tt.path, tt.body); w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}

	w := do(s, http.MethodGet, "/api/trades/t-1", "")
	var rec types.TradeRecord
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil || rec.Result != types.ResultWin || rec.Payout != 8.5 {
		t.Fatalf("unexpected record %s", w.Body.String())
	}

	w = do(s, http.MethodGet, "/api/trades?limit=x", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid limit must be rejected, got %d", w.Code)
	}
}

func TestPerformanceDisabled(t *testing.T) {
	s, _, _ := newTestServer(t)
	if w := do(s, http.MethodGet, "/api/performance", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without monitor, got %d", w.Code)
	}
}
