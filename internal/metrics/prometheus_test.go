package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateway-fm/callbench/internal/bench"
	"github.com/gateway-fm/callbench/internal/rpc"
)

func testResult() *bench.DetailedResult {
	return &bench.DetailedResult{
		SuccessCount: 3,
		FailedCount:  1,
		Elapsed:      1500 * time.Millisecond,
		Successes: []bench.SuccessRecord{
			{Index: 0, LatencyMs: 10},
			{Index: 1, LatencyMs: 20},
			{Index: 3, LatencyMs: 30},
		},
		Errors: []bench.ErrorRecord{
			{Index: 2, Kind: bench.KindNetwork, Message: "network error", LatencyMs: 40},
		},
	}
}

func scrape(t *testing.T, m *PrometheusMetrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestObserveScenario(t *testing.T) {
	m := NewPrometheusMetrics(nil)
	spec := bench.CallSpec{ContractID: "counter", Method: "incrementCounter"}

	m.ObserveScenario("write", spec, testResult())

	text := scrape(t, m)
	assert.Contains(t, text, `callbench_calls_total{contract="counter",method="incrementCounter",outcome="success",scenario="write"} 3`)
	assert.Contains(t, text, `callbench_calls_total{contract="counter",method="incrementCounter",outcome="failed",scenario="write"} 1`)
	assert.Contains(t, text, `callbench_errors_total{kind="network",scenario="write"} 1`)
	assert.Contains(t, text, `callbench_scenario_duration_seconds{scenario="write"} 1.5`)
	assert.Contains(t, text, `callbench_scenario_success_ratio{scenario="write"} 0.75`)
	assert.Contains(t, text, `callbench_call_latency_seconds_count{scenario="write"} 4`)
}

func TestObserveRPCBucketsMethods(t *testing.T) {
	m := NewPrometheusMetrics(nil)

	m.ObserveRPC("eth_call", time.Millisecond, nil)
	m.ObserveRPC("eth_call", time.Millisecond, &rpc.RPCError{Code: 3, Message: "execution reverted"})
	m.ObserveRPC("debug_traceTransaction", time.Millisecond, errors.New("timeout"))

	text := scrape(t, m)
	assert.Contains(t, text, `callbench_rpc_latency_seconds_count{method="eth_call",status="success"} 1`)
	assert.Contains(t, text, `callbench_rpc_latency_seconds_count{method="eth_call",status="rpc_error"} 1`)
	assert.Contains(t, text, `callbench_rpc_latency_seconds_count{method="other",status="error"} 1`)
	assert.NotContains(t, text, "debug_traceTransaction")
}

func TestChainRPC(t *testing.T) {
	var calls []string
	fn := ChainRPC(
		func(method string, d time.Duration, err error) { calls = append(calls, "a:"+method) },
		nil,
		func(method string, d time.Duration, err error) { calls = append(calls, "b:"+method) },
	)
	fn("eth_call", time.Millisecond, nil)
	assert.Equal(t, []string{"a:eth_call", "b:eth_call"}, calls)
}

func TestReset(t *testing.T) {
	m := NewPrometheusMetrics(nil)
	m.ObserveScenario("read", bench.CallSpec{ContractID: "counter", Method: "getCounter"}, testResult())
	m.Reset()

	text := scrape(t, m)
	assert.NotContains(t, text, "callbench_calls_total{")
	assert.Contains(t, text, `callbench_call_latency_seconds_count{scenario="read"} 4`)
}
