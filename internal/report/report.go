// Package report renders benchmark runs for the console and as JSON.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/gateway-fm/callbench/internal/bench"
	"github.com/gateway-fm/callbench/internal/metrics"
)

// sampleErrors is how many errors per scenario the analysis prints.
const sampleErrors = 3

// Options control console rendering.
type Options struct {
	Color      bool
	RPCLatency []metrics.MethodLatency // Optional section
}

type palette struct {
	title, ok, warn, bad, dim *color.Color
}

func newPalette(enabled bool) palette {
	p := palette{
		title: color.New(color.Bold),
		ok:    color.New(color.FgGreen),
		warn:  color.New(color.FgYellow),
		bad:   color.New(color.FgRed),
		dim:   color.New(color.Faint),
	}
	for _, c := range []*color.Color{p.title, p.ok, p.warn, p.bad, p.dim} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// Console writes the human-readable report: the per-scenario table, the
// error analysis, optional RPC latencies and the overall statistics.
func Console(w io.Writer, run *bench.RunResult, opts Options) error {
	if run == nil {
		return fmt.Errorf("no run to report")
	}
	p := newPalette(opts.Color)

	p.title.Fprintf(w, "Benchmark run %s\n", run.ID)
	fmt.Fprintf(w, "Started at:   %s\n", run.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Completed at: %s\n\n", run.CompletedAt.Format(time.RFC3339))

	if err := writeTable(w, run.Reports); err != nil {
		return err
	}

	fmt.Fprintln(w)
	writeErrorAnalysis(w, p, run.Reports)

	if len(opts.RPCLatency) > 0 {
		fmt.Fprintln(w)
		if err := writeRPCLatency(w, p, opts.RPCLatency); err != nil {
			return err
		}
	}

	fmt.Fprintln(w)
	writeOverall(w, p, run.Summary)
	return nil
}

func writeTable(w io.Writer, reports []bench.Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SCENARIO\tSUCCESS\tFAILED\tTIME\tP50\tP99")
	fmt.Fprintln(tw, "--------\t-------\t------\t----\t---\t---")
	for _, r := range reports {
		p50, p99 := "-", "-"
		if r.Result.Latency != nil {
			p50, p99 = formatMs(r.Result.Latency.P50), formatMs(r.Result.Latency.P99)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\n",
			r.Name,
			r.Result.SuccessCount,
			r.Result.FailedCount,
			r.Result.ProcessTime(),
			p50,
			p99,
		)
	}
	return tw.Flush()
}

func writeErrorAnalysis(w io.Writer, p palette, reports []bench.Report) {
	p.title.Fprintln(w, "ERROR ANALYSIS SUMMARY")
	for _, r := range reports {
		errs := r.Result.Errors
		if len(errs) == 0 {
			p.ok.Fprintf(w, "%s: no errors encountered\n", r.Name)
			continue
		}

		p.bad.Fprintf(w, "%s errors:\n", r.Name)
		fmt.Fprintf(w, "   Total Errors: %d\n", len(errs))
		fmt.Fprintln(w, "   Error Types:")
		for _, et := range bench.ErrorHistogram(errs) {
			fmt.Fprintf(w, "     - %s: %d occurrences\n", et.Message, et.Count)
		}
		fmt.Fprintln(w, "   Sample Errors:")
		for _, e := range errs[:min(sampleErrors, len(errs))] {
			fmt.Fprintf(w, "     [%d] %s: %s (%s)\n", e.Index, e.AccountID, e.Message, e.Kind)
			if e.Reason != "" && e.Reason != e.Message {
				fmt.Fprintf(w, "        Reason: %s\n", e.Reason)
			}
			if e.Trace != "" {
				p.dim.Fprintf(w, "        Trace: %s\n", e.Trace)
			}
		}
		if len(errs) > sampleErrors {
			fmt.Fprintf(w, "     ... and %d more errors\n", len(errs)-sampleErrors)
		}
	}
}

func writeRPCLatency(w io.Writer, p palette, methods []metrics.MethodLatency) error {
	p.title.Fprintln(w, "RPC LATENCY")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "METHOD\tCALLS\tERRORS\tAVG\tP50\tP99")
	for _, m := range methods {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\n",
			m.Method, m.Count, m.Errors, formatMs(m.Avg), formatMs(m.P50), formatMs(m.P99))
	}
	return tw.Flush()
}

func writeOverall(w io.Writer, p palette, s bench.Summary) {
	p.title.Fprintln(w, "OVERALL STATISTICS")
	fmt.Fprintf(w, "   Total Operations: %d\n", s.TotalOperations)
	fmt.Fprintf(w, "   Total Errors: %d\n", s.TotalErrors)
	fmt.Fprintf(w, "   Success Rate: %s%%\n", strconv.FormatFloat(s.SuccessRatePercent, 'f', 2, 64))
	fmt.Fprintln(w)

	switch {
	case s.TotalErrors > 0:
		p.warn.Fprintf(w, "WARNING: %d errors were encountered during testing\n", s.TotalErrors)
	case s.TotalOperations == 0:
		p.warn.Fprintln(w, "WARNING: no operations were executed")
	default:
		p.ok.Fprintln(w, "SUCCESS: All operations completed without errors!")
	}
}

func formatMs(ms float64) string {
	if ms < 1000 {
		return strconv.FormatFloat(ms, 'f', 1, 64) + "ms"
	}
	return strconv.FormatFloat(ms/1000, 'f', 2, 64) + "s"
}

// Document is the JSON form of a run.
type Document struct {
	*bench.RunResult
	RPCLatency []metrics.MethodLatency `json:"rpcLatency,omitempty"`
}

// JSON writes the run as indented JSON.
func JSON(w io.Writer, run *bench.RunResult, rpcLatency []metrics.MethodLatency) error {
	if run == nil {
		return fmt.Errorf("no run to report")
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(Document{RunResult: run, RPCLatency: rpcLatency})
}
