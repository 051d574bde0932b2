package mcp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gateway-fm/callbench/internal/bench"
)

// sampleErrors is how many errors per scenario a run report lists.
const sampleErrors = 3

// formatNumber adds comma separators to integers.
func formatNumber(n any) string {
	var s string
	switch v := n.(type) {
	case float64:
		if v == float64(int64(v)) {
			s = fmt.Sprintf("%d", int64(v))
		} else {
			return fmt.Sprintf("%.1f", v)
		}
	case int64:
		s = fmt.Sprintf("%d", v)
	case int:
		s = fmt.Sprintf("%d", v)
	default:
		return fmt.Sprintf("%v", n)
	}

	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if len(s) <= 3 {
		if neg {
			return "-" + s
		}
		return s
	}

	var result strings.Builder
	if neg {
		result.WriteByte('-')
	}
	start := len(s) % 3
	if start > 0 {
		result.WriteString(s[:start])
	}
	for i := start; i < len(s); i += 3 {
		if i > 0 {
			result.WriteByte(',')
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}

// kv formats a key-value pair with aligned values (20 char key width).
func kv(key string, value any) string {
	return fmt.Sprintf("%-20s %v", key+":", value)
}

// section returns a markdown section header.
func section(title string) string {
	return "## " + title
}

// joinLines joins non-empty lines with newlines.
func joinLines(lines ...string) string {
	var result []string
	for _, l := range lines {
		if l != "" {
			result = append(result, l)
		}
	}
	return strings.Join(result, "\n")
}

func formatPct(v float64) string {
	return fmt.Sprintf("%.1f%%", v)
}

func formatMs(v float64) string {
	return fmt.Sprintf("%.1fms", v)
}

func getStr(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func getNum(m map[string]any, key string) float64 {
	if n, ok := m[key].(float64); ok {
		return n
	}
	return 0
}

func formatStatus(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	state := "IDLE"
	if running, _ := m["running"].(bool); running {
		state = "RUNNING"
	}
	lastRun := getStr(m, "lastRunId")
	if lastRun == "" {
		lastRun = "none"
	}

	return joinLines(
		section("Callbench Status: "+state),
		kv("Calls In Flight", formatNumber(getNum(m, "inFlight"))),
		kv("Last Run", lastRun),
		kv("Uptime", fmt.Sprintf("%.0fs", getNum(m, "uptimeSeconds"))),
	)
}

func formatHealth(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	ready, _ := m["ready"].(bool)
	state := "READY"
	if !ready {
		state = "NOT READY"
	}

	lines := section("Callbench Health: " + state)
	if checks, ok := m["checks"].([]any); ok {
		for _, c := range checks {
			check, ok := c.(map[string]any)
			if !ok {
				continue
			}
			line := fmt.Sprintf("  %-15s %s (%dms)", getStr(check, "name"), getStr(check, "status"), int64(getNum(check, "latency_ms")))
			if errMsg := getStr(check, "error"); errMsg != "" {
				line += " - " + errMsg
			}
			lines += "\n" + line
		}
	}
	return lines
}

// runView is the run report shape served by the API.
type runView struct {
	bench.RunResult
	RPCLatency []struct {
		Method string  `json:"method"`
		Count  int     `json:"count"`
		Errors int     `json:"errors"`
		P50    float64 `json:"p50"`
		P99    float64 `json:"p99"`
	} `json:"rpcLatency"`
}

func formatRun(raw json.RawMessage) string {
	var run runView
	if err := json.Unmarshal(raw, &run); err != nil {
		return fmt.Sprintf("Error parsing run: %v", err)
	}

	var b strings.Builder
	b.WriteString(joinLines(
		section("Benchmark Run "+run.ID),
		kv("Operations", formatNumber(run.Summary.TotalOperations)),
		kv("Errors", formatNumber(run.Summary.TotalErrors)),
		kv("Success Rate", formatPct(run.Summary.SuccessRatePercent)),
	))

	for _, r := range run.Reports {
		res := r.Result
		if res == nil {
			continue
		}
		total := res.SuccessCount + res.FailedCount
		lines := []string{
			"",
			section("Scenario " + r.Name),
			kv("Success", formatNumber(res.SuccessCount)),
			kv("Failed", formatNumber(res.FailedCount)),
			kv("Time", fmt.Sprintf("%.3fs (%d times)", float64(res.ElapsedMs)/1000, total)),
		}
		if lat := res.Latency; lat != nil {
			lines = append(lines, kv("Latency", fmt.Sprintf("p50 %s  p99 %s  max %s", formatMs(lat.P50), formatMs(lat.P99), formatMs(lat.Max))))
		}
		for _, t := range bench.ErrorHistogram(res.Errors) {
			lines = append(lines, fmt.Sprintf("  - %s: %d", t.Message, t.Count))
		}
		for i, e := range res.Errors {
			if i == sampleErrors {
				lines = append(lines, fmt.Sprintf("  ... and %d more errors", len(res.Errors)-sampleErrors))
				break
			}
			line := fmt.Sprintf("  [%d] %s: %s (%s)", e.Index, e.AccountID, e.Message, e.Kind)
			if e.Reason != "" && e.Reason != e.Message {
				line += " - " + e.Reason
			}
			lines = append(lines, line)
		}
		b.WriteString(strings.Join(lines, "\n"))
	}

	if len(run.RPCLatency) > 0 {
		b.WriteString("\n\n" + section("RPC Latency"))
		for _, m := range run.RPCLatency {
			fmt.Fprintf(&b, "\n  %-28s n=%-6d err=%-4d p50 %s  p99 %s", m.Method, m.Count, m.Errors, formatMs(m.P50), formatMs(m.P99))
		}
	}
	return b.String()
}

func formatScenarios(raw json.RawMessage) string {
	var m struct {
		Scenarios []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			Spec        bench.CallSpec `json:"spec"`
			Mode        string         `json:"mode"`
			Calls       int            `json:"calls"`
		} `json:"scenarios"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing scenarios: %v", err)
	}
	if len(m.Scenarios) == 0 {
		return "No scenarios configured."
	}

	lines := []string{section(fmt.Sprintf("Scenarios (%d)", len(m.Scenarios)))}
	for _, sc := range m.Scenarios {
		kind := "write"
		if sc.Spec.ReadOnly {
			kind = "read"
		}
		lines = append(lines, fmt.Sprintf("  %-20s %s.%s (%s) %s, %d calls", sc.Name, sc.Spec.ContractID, sc.Spec.Method, kind, sc.Mode, sc.Calls))
	}
	return strings.Join(lines, "\n")
}

func formatAccounts(raw json.RawMessage) string {
	var m struct {
		Accounts []string `json:"accounts"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing accounts: %v", err)
	}
	lines := []string{section(fmt.Sprintf("Accounts (%s)", formatNumber(len(m.Accounts))))}
	for i, id := range m.Accounts {
		lines = append(lines, fmt.Sprintf("  %d. %s", i+1, id))
	}
	return strings.Join(lines, "\n")
}

func formatRPCLatency(raw json.RawMessage) string {
	var m struct {
		Methods []map[string]any `json:"methods"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing RPC latency: %v", err)
	}
	if len(m.Methods) == 0 {
		return "No RPC calls recorded yet."
	}
	lines := []string{section("RPC Latency")}
	for _, method := range m.Methods {
		lines = append(lines, joinLines(
			"",
			"### "+getStr(method, "method"),
			kv("Calls", formatNumber(getNum(method, "count"))),
			kv("Errors", formatNumber(getNum(method, "errors"))),
			kv("P50", formatMs(getNum(method, "p50"))),
			kv("P90", formatMs(getNum(method, "p90"))),
			kv("P99", formatMs(getNum(method, "p99"))),
		))
	}
	return strings.Join(lines, "\n")
}
