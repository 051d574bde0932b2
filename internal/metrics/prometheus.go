package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/callbench/internal/bench"
	"github.com/gateway-fm/callbench/internal/rpc"
)

// PrometheusMetrics holds the Prometheus metrics of a benchmark process.
type PrometheusMetrics struct {
	CallsTotal       *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec
	CallLatency      *prometheus.HistogramVec
	ScenarioDuration *prometheus.GaugeVec
	SuccessRate      *prometheus.GaugeVec
	RPCLatency       *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// NewPrometheusMetrics creates and registers all metrics with reg. A nil reg
// uses a fresh registry so repeated construction (tests, MCP runs) never
// collides.
func NewPrometheusMetrics(reg *prometheus.Registry) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		CallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbench_calls_total",
				Help: "Contract calls by scenario, method and outcome",
			},
			[]string{"scenario", "contract", "method", "outcome"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbench_errors_total",
				Help: "Failed contract calls by scenario and error kind",
			},
			[]string{"scenario", "kind"},
		),

		CallLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callbench_call_latency_seconds",
				Help:    "Per-call latency from launch to settlement",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"scenario"},
		),

		ScenarioDuration: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "callbench_scenario_duration_seconds",
				Help: "Wall-clock time of the last run of each scenario",
			},
			[]string{"scenario"},
		),

		SuccessRate: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "callbench_scenario_success_ratio",
				Help: "Share of successful calls in the last run of each scenario",
			},
			[]string{"scenario"},
		),

		RPCLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callbench_rpc_latency_seconds",
				Help:    "JSON-RPC call latency by method",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "status"},
		),

		gatherer: reg,
	}
}

// ObserveScenario records a reduced scenario. It implements bench.Observer.
func (m *PrometheusMetrics) ObserveScenario(name string, spec bench.CallSpec, result *bench.DetailedResult) {
	m.CallsTotal.WithLabelValues(name, spec.ContractID, spec.Method, "success").Add(float64(result.SuccessCount))
	m.CallsTotal.WithLabelValues(name, spec.ContractID, spec.Method, "failed").Add(float64(result.FailedCount))

	for _, e := range result.Errors {
		m.ErrorsTotal.WithLabelValues(name, string(e.Kind)).Inc()
		m.CallLatency.WithLabelValues(name).Observe(e.LatencyMs / 1000)
	}
	for _, s := range result.Successes {
		m.CallLatency.WithLabelValues(name).Observe(s.LatencyMs / 1000)
	}

	m.ScenarioDuration.WithLabelValues(name).Set(result.Elapsed.Seconds())
	if total := result.Total(); total > 0 {
		m.SuccessRate.WithLabelValues(name).Set(float64(result.SuccessCount) / float64(total))
	}
}

// knownRPCMethods bounds the method label's cardinality.
var knownRPCMethods = map[string]bool{
	"eth_call":                  true,
	"eth_estimateGas":           true,
	"eth_sendRawTransaction":    true,
	"eth_getTransactionCount":   true,
	"eth_getTransactionReceipt": true,
	"eth_blockNumber":           true,
	"eth_getBlockByNumber":      true,
	"eth_chainId":               true,
	"eth_gasPrice":              true,
}

// ObserveRPC records one JSON-RPC call. It matches rpc.ObserveFunc.
func (m *PrometheusMetrics) ObserveRPC(method string, d time.Duration, err error) {
	if !knownRPCMethods[method] {
		method = "other"
	}
	status := "success"
	var rpcErr *rpc.RPCError
	switch {
	case errors.As(err, &rpcErr):
		status = "rpc_error"
	case err != nil:
		status = "error"
	}
	m.RPCLatency.WithLabelValues(method, status).Observe(d.Seconds())
}

// Handler serves the registered metrics in the Prometheus text format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Reset clears counters and gauges. Histograms are cumulative and kept.
func (m *PrometheusMetrics) Reset() {
	m.CallsTotal.Reset()
	m.ErrorsTotal.Reset()
	m.ScenarioDuration.Reset()
	m.SuccessRate.Reset()
}

// ChainRPC returns an rpc.ObserveFunc that calls each fn in order.
func ChainRPC(fns ...rpc.ObserveFunc) rpc.ObserveFunc {
	return func(method string, d time.Duration, err error) {
		for _, fn := range fns {
			if fn != nil {
				fn(method, d, err)
			}
		}
	}
}
