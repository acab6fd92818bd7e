package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/itchyny/gojq"
)

// Mode selects what a WriterSink prints.
type Mode string

const (
	ModeDetail  Mode = "detail"  // full report as JSON
	ModeSummary Mode = "summary" // slot summary as JSON
	ModeLine    Mode = "line"    // one human readable line per slot
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeDetail, ModeSummary, ModeLine:
		return m, nil
	}
	return "", fmt.Errorf("unknown output mode %q (want detail, summary or line)", s)
}

// CompileFilter parses and compiles a jq expression.
func CompileFilter(expr string) (*gojq.Code, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
	}
	return code, nil
}

// WriterSink writes reports to out and failures to errOut.
type WriterSink struct {
	mu     sync.Mutex
	out    io.Writer
	errOut io.Writer
	mode   Mode
	filter *gojq.Code
}

// NewWriterSink creates a sink. filter may be nil; it is applied to the JSON
// payload in detail and summary modes and ignored in line mode.
func NewWriterSink(out, errOut io.Writer, mode Mode, filter *gojq.Code) *WriterSink {
	return &WriterSink{
		out:    out,
		errOut: errOut,
		mode:   mode,
		filter: filter,
	}
}

// Publish implements Sink.
func (w *WriterSink) Publish(ctx context.Context, r *Report) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.mode {
	case ModeLine:
		_, err := fmt.Fprintln(w.out, Line(r))
		return err
	case ModeSummary:
		return w.writeJSON(r.Summary)
	default:
		return w.writeJSON(r)
	}
}

// PublishFailure implements Sink.
func (w *WriterSink) PublishFailure(ctx context.Context, f Failure) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := fmt.Fprintf(w.errOut, "Slot %d: %s: %s\n", f.Slot, f.Kind, f.Message)
	return err
}

// Line renders the one line summary of a report.
func Line(r *Report) string {
	s := r.Summary
	return fmt.Sprintf("Slot %d: %d MEV txs (%d arb, %d sandwich) | $%s profit | %d unresolved | %d CU",
		s.Slot,
		s.MEV.Total,
		s.MEV.Arbitrage,
		s.MEV.Sandwich,
		s.TotalProfitUSD.StringFixed(2),
		s.UnresolvedCount,
		s.MEVComputeUnits,
	)
}

func (w *WriterSink) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if w.filter == nil {
		_, err = fmt.Fprintln(w.out, string(data))
		return err
	}

	// gojq works on plain decoded JSON values.
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to decode report for jq: %w", err)
	}

	iter := w.filter.Run(doc)
	for {
		v, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, isErr := v.(error); isErr {
			return fmt.Errorf("jq filter failed: %w", err)
		}
		out, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal jq result: %w", err)
		}
		if _, err := fmt.Fprintln(w.out, string(out)); err != nil {
			return err
		}
	}
}
