package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/callbench/internal/account"
	"github.com/gateway-fm/callbench/internal/app"
	"github.com/gateway-fm/callbench/internal/bench"
	"github.com/gateway-fm/callbench/internal/metrics"
)

type fakeAPI struct {
	mu      sync.Mutex
	last    *bench.RunResult
	runErr  error
	names   []string
	running bool
}

func (f *fakeAPI) Run(ctx context.Context, names []string) (*bench.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = names
	if f.runErr != nil {
		return nil, f.runErr
	}
	run := &bench.RunResult{
		ID: "run-1",
		Reports: []bench.Report{{
			Name:   "single.read",
			Result: &bench.DetailedResult{SuccessCount: 3, Successes: []bench.SuccessRecord{}, Errors: []bench.ErrorRecord{}},
		}},
		Summary: bench.Summary{TotalOperations: 3, SuccessRatePercent: 100},
	}
	f.last = run
	return run, nil
}

func (f *fakeAPI) lastNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.names
}

func (f *fakeAPI) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeAPI) Last() *bench.RunResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeAPI) Scenarios() []app.ScenarioInfo {
	return []app.ScenarioInfo{{
		Name:        "single.read",
		Description: "single account get counter",
		Spec:        bench.CallSpec{ContractID: "counter", Method: "getCounter", ReadOnly: true},
		Mode:        "single(bench-0 x3)",
		Calls:       3,
	}}
}

func (f *fakeAPI) Accounts() []string { return []string{"bench-0", "bench-1"} }

func (f *fakeAPI) RPCLatency() []metrics.MethodLatency {
	return []metrics.MethodLatency{{Method: "eth_call", LatencySnapshot: &metrics.LatencySnapshot{Count: 3}}}
}

func (f *fakeAPI) InFlight() int { return 0 }

type fakeHealth struct{ err error }

func (h fakeHealth) CheckRPC(ctx context.Context) error { return h.err }

func newTestServer(t *testing.T, api BenchmarkAPI, health HealthChecker) *httptest.Server {
	t.Helper()
	s := NewServer(ServerConfig{
		API:     api,
		Health:  health,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "callbench_calls_total 3\n") }),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.Stop()
	})
	return srv
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestHandleRuns(t *testing.T) {
	api := &fakeAPI{}
	srv := newTestServer(t, api, nil)

	resp, err := http.Post(srv.URL+"/v1/runs", "application/json", strings.NewReader(`{"scenarios":["single.read"]}`))
	if err != nil {
		t.Fatalf("POST /v1/runs: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got struct {
		ID         string `json:"id"`
		Summary    bench.Summary
		RPCLatency []struct {
			Method string `json:"method"`
			Count  int    `json:"count"`
		} `json:"rpcLatency"`
	}
	decodeBody(t, resp, &got)

	if got.ID != "run-1" {
		t.Errorf("id = %q, want run-1", got.ID)
	}
	if got.Summary.TotalOperations != 3 {
		t.Errorf("totalOperations = %d, want 3", got.Summary.TotalOperations)
	}
	if len(got.RPCLatency) != 1 || got.RPCLatency[0].Method != "eth_call" || got.RPCLatency[0].Count != 3 {
		t.Errorf("rpcLatency = %+v", got.RPCLatency)
	}
	if names := api.lastNames(); len(names) != 1 || names[0] != "single.read" {
		t.Errorf("scenario names = %v", names)
	}
}

func TestHandleRuns_EmptyBodyRunsAll(t *testing.T) {
	api := &fakeAPI{}
	srv := newTestServer(t, api, nil)

	resp, err := http.Post(srv.URL+"/v1/runs", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /v1/runs: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if names := api.lastNames(); names != nil {
		t.Errorf("scenario names = %v, want nil", names)
	}
}

func TestHandleRuns_Errors(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		runErr     error
		wantStatus int
		wantErr    string
	}{
		{
			name:       "wrong method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
			wantErr:    "Method not allowed",
		},
		{
			name:       "invalid body",
			method:     http.MethodPost,
			body:       `{"scenarios":`,
			wantStatus: http.StatusBadRequest,
			wantErr:    "Invalid request body",
		},
		{
			name:       "run in progress",
			method:     http.MethodPost,
			runErr:     app.ErrRunInProgress,
			wantStatus: http.StatusConflict,
			wantErr:    "already in progress",
		},
		{
			name:       "unknown scenario",
			method:     http.MethodPost,
			runErr:     fmt.Errorf("%w: no scenario named nope", bench.ErrInvalidScenario),
			wantStatus: http.StatusBadRequest,
			wantErr:    "no scenario named nope",
		},
		{
			name:       "pool too small",
			method:     http.MethodPost,
			runErr:     fmt.Errorf("scenario %q: %w", "multi.write", account.ErrInsufficientAccounts),
			wantStatus: http.StatusBadRequest,
			wantErr:    "insufficient accounts",
		},
		{
			name:       "internal failure",
			method:     http.MethodPost,
			runErr:     errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantErr:    "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeAPI{runErr: tt.runErr}, nil)

			req, _ := http.NewRequest(tt.method, srv.URL+"/v1/runs", strings.NewReader(tt.body))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			var body map[string]string
			decodeBody(t, resp, &body)
			if !strings.Contains(body["error"], tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", body["error"], tt.wantErr)
			}
		})
	}
}

func TestHandleLatestRun(t *testing.T) {
	api := &fakeAPI{}
	srv := newTestServer(t, api, nil)

	resp, err := http.Get(srv.URL + "/v1/runs/latest")
	if err != nil {
		t.Fatalf("GET /v1/runs/latest: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status before any run = %d, want 404", resp.StatusCode)
	}

	if _, err := api.Run(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	resp, err = http.Get(srv.URL + "/v1/runs/latest")
	if err != nil {
		t.Fatalf("GET /v1/runs/latest: %v", err)
	}
	var got bench.RunResult
	decodeBody(t, resp, &got)
	if got.ID != "run-1" {
		t.Errorf("id = %q, want run-1", got.ID)
	}

	resp, err = http.Get(srv.URL + "/v1/status")
	if err != nil {
		t.Fatalf("GET /v1/status: %v", err)
	}
	var st Status
	decodeBody(t, resp, &st)
	if st.LastRunID != "run-1" || st.Running {
		t.Errorf("status = %+v", st)
	}
}

func TestReadOnlyEndpoints(t *testing.T) {
	srv := newTestServer(t, &fakeAPI{}, nil)

	tests := []struct {
		path string
		want string
	}{
		{"/v1/scenarios", `"name":"single.read"`},
		{"/v1/accounts", `"count":2`},
		{"/v1/rpc-latency", `"method":"eth_call"`},
		{"/health", `"status":"healthy"`},
		{"/metrics", "callbench_calls_total 3"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatalf("GET %s: %v", tt.path, err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			if !strings.Contains(string(body), tt.want) {
				t.Errorf("body = %s, want it to contain %s", body, tt.want)
			}
		})
	}
}

func TestHandleReady(t *testing.T) {
	tests := []struct {
		name       string
		health     HealthChecker
		wantStatus int
		wantReady  bool
	}{
		{"no checker", nil, http.StatusOK, true},
		{"rpc up", fakeHealth{}, http.StatusOK, true},
		{"rpc down", fakeHealth{err: errors.New("connection refused")}, http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeAPI{}, tt.health)
			resp, err := http.Get(srv.URL + "/ready")
			if err != nil {
				t.Fatalf("GET /ready: %v", err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			var body struct {
				Ready  bool             `json:"ready"`
				Checks []ReadinessCheck `json:"checks"`
			}
			decodeBody(t, resp, &body)
			if body.Ready != tt.wantReady {
				t.Errorf("ready = %v, want %v", body.Ready, tt.wantReady)
			}
			if !tt.wantReady && (len(body.Checks) != 1 || body.Checks[0].Error != "connection refused") {
				t.Errorf("checks = %+v", body.Checks)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	s := NewServer(ServerConfig{API: &fakeAPI{}, CORSAllowedOrigins: "https://a.example, https://b.example"})
	defer s.Stop()
	h := s.Handler()

	tests := []struct {
		origin string
		want   string
	}{
		{"https://b.example", "https://b.example"},
		{"https://evil.example", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodOptions, "/v1/status", nil)
		req.Header.Set("Origin", tt.origin)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", tt.origin, rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
			t.Errorf("%s: Access-Control-Allow-Origin = %q, want %q", tt.origin, got, tt.want)
		}
	}
}

func TestWebSocketRunEvents(t *testing.T) {
	srv := newTestServer(t, &fakeAPI{}, nil)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	defer conn.Close()

	// Wait for the server to register the client before publishing.
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Post(srv.URL+"/v1/runs", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /v1/runs: %v", err)
	}
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var types []string
	for len(types) < 2 {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		types = append(types, ev.Type)
		if ev.Type == EventRunCompleted && (ev.Run == nil || ev.Run.ID != "run-1") {
			t.Errorf("run_completed event carries %+v", ev.Run)
		}
	}
	if types[0] != EventRunStarted || types[1] != EventRunCompleted {
		t.Errorf("events = %v, want [%s %s]", types, EventRunStarted, EventRunCompleted)
	}
}

func TestWebSocketServer_StopIsIdempotent(t *testing.T) {
	ws := NewWebSocketServer(func() Status { return Status{} }, nil)
	ws.Start()
	ws.Stop()
	ws.Stop()
	ws.Publish(Event{Type: EventStatus})
	if ws.ClientCount() != 0 {
		t.Errorf("ClientCount = %d, want 0", ws.ClientCount())
	}
}

// runnerAPI drives a real bench.Runner whose calls honour cancellation.
type runnerAPI struct {
	fakeAPI
	runner *bench.Runner
	done   chan *bench.RunResult
}

func newRunnerAPI(callTime time.Duration) *runnerAPI {
	caller := bench.CallerFunc(func(ctx context.Context, spec bench.CallSpec, accountID string) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(callTime):
			return uint64(7), nil
		}
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &runnerAPI{
		runner: bench.NewRunner(bench.RunnerConfig{
			Dispatcher: bench.NewDispatcher(bench.DispatcherConfig{Caller: caller, Logger: logger}),
			Logger:     logger,
		}),
		done: make(chan *bench.RunResult, 1),
	}
}

func (a *runnerAPI) Run(ctx context.Context, names []string) (*bench.RunResult, error) {
	run, err := a.runner.Run(ctx, []bench.Scenario{{
		Name: "single.read",
		Spec: bench.CallSpec{ContractID: "counter", Method: "getCounter", ReadOnly: true},
		Mode: bench.SingleAccount("bench-0", 3),
	}})
	if err != nil {
		return nil, err
	}
	a.done <- run
	return run, nil
}

func TestHandleRuns_ClientDisconnectDoesNotCancelCalls(t *testing.T) {
	api := newRunnerAPI(200 * time.Millisecond)
	srv := newTestServer(t, api, nil)

	client := &http.Client{Timeout: 30 * time.Millisecond}
	_, err := client.Post(srv.URL+"/v1/runs", "application/json", strings.NewReader(`{}`))
	if err == nil {
		t.Fatal("expected the client to time out")
	}

	select {
	case run := <-api.done:
		res := run.Reports[0].Result
		if res.SuccessCount != 3 || res.FailedCount != 0 {
			t.Errorf("success=%d failed=%d, want 3/0 (errors: %+v)", res.SuccessCount, res.FailedCount, res.Errors)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not complete")
	}
}
