package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/brojonat/pono/service/aggregate"
	"github.com/brojonat/pono/service/metrics"
	"github.com/brojonat/pono/service/mev"
	"github.com/brojonat/pono/service/report"
	"github.com/brojonat/pono/service/solana"
	"github.com/brojonat/pono/service/stream"
)

// Fetcher fetches decoded blocks. *solana.Client satisfies it.
type Fetcher interface {
	FetchBlock(ctx context.Context, slot uint64) (*solana.Block, error)
}

// Pipeline turns blocks into reports: detect, price, summarize.
type Pipeline struct {
	fetcher  Fetcher
	detector *mev.Detector
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a pipeline.
// If metrics is nil, no metrics will be recorded.
func New(fetcher Fetcher, detector *mev.Detector, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		fetcher:  fetcher,
		detector: detector,
		metrics:  m,
		logger:   logger,
	}
}

// AnalyzeBlock detects and values the MEV in block.
func (p *Pipeline) AnalyzeBlock(ctx context.Context, block *solana.Block) *report.Report {
	start := time.Now()

	events := p.detector.Detect(block)
	if block.Timestamp > 0 {
		p.detector.Price(ctx, events, block.Timestamp)
	} else if len(events) > 0 {
		p.logger.WarnContext(ctx, "block has no timestamp, leaving profits unresolved", "slot", block.Slot)
	}
	summary := aggregate.Summarize(block, events)

	if p.metrics != nil {
		p.metrics.RecordDetection(time.Since(start).Seconds())
		for _, ev := range events {
			p.metrics.RecordMEVEvent(string(ev.EventKind()), ev.Totals().Profit.Resolved())
		}
	}

	p.logger.DebugContext(ctx, "slot analyzed",
		"slot", block.Slot,
		"events", summary.MEV.Total,
		"arbitrage", summary.MEV.Arbitrage,
		"sandwich", summary.MEV.Sandwich,
		"unresolved", summary.UnresolvedCount,
		"profit_usd", summary.TotalProfitUSD.String(),
	)

	return report.New(block, events, summary)
}

// AnalyzeSlot fetches slot and analyzes it. Fetch errors are returned as is.
func (p *Pipeline) AnalyzeSlot(ctx context.Context, slot uint64) (*report.Report, error) {
	block, err := p.fetcher.FetchBlock(ctx, slot)
	if err != nil {
		return nil, err
	}
	return p.AnalyzeBlock(ctx, block), nil
}

// Emit returns a stream.EmitFunc that analyzes each block and publishes the
// report to sink. Fetch failures are published as failures.
func (p *Pipeline) Emit(sink report.Sink) stream.EmitFunc {
	return func(ctx context.Context, res stream.Result) error {
		if res.Err != nil {
			return sink.PublishFailure(ctx, report.FailureFrom(res.Err))
		}
		return sink.Publish(ctx, p.AnalyzeBlock(ctx, res.Block))
	}
}
