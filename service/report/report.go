package report

import (
	"context"
	"errors"

	"github.com/brojonat/pono/service/aggregate"
	"github.com/brojonat/pono/service/mev"
	"github.com/brojonat/pono/service/solana"
)

// Header identifies the block a report was built from.
type Header struct {
	Slot         uint64        `json:"slot"`
	ParentSlot   uint64        `json:"parent_slot"`
	Blockhash    string        `json:"blockhash"`
	Timestamp    int64         `json:"timestamp"`
	Counts       solana.Counts `json:"counts"`
	ComputeUnits uint64        `json:"total_compute_units"`
}

// Report is the analysis of one slot. It does not hold on to the block's
// transactions.
type Report struct {
	Block   Header                `json:"block"`
	Events  []mev.Event           `json:"events"`
	Summary aggregate.SlotSummary `json:"summary"`
}

// New builds a report for block.
func New(block *solana.Block, events []mev.Event, summary aggregate.SlotSummary) *Report {
	if events == nil {
		events = []mev.Event{}
	}
	return &Report{
		Block: Header{
			Slot:         block.Slot,
			ParentSlot:   block.ParentSlot,
			Blockhash:    block.Blockhash,
			Timestamp:    block.Timestamp,
			Counts:       block.Counts,
			ComputeUnits: block.ComputeUnits,
		},
		Events:  events,
		Summary: summary,
	}
}

// Failure reports a slot that could not be analyzed.
type Failure struct {
	Slot    uint64 `json:"slot"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// FailureFrom converts a fetch error into a Failure.
func FailureFrom(err *solana.FetchError) Failure {
	return Failure{
		Slot:    err.Slot,
		Kind:    string(err.Kind),
		Message: err.Error(),
	}
}

// Sink receives reports and failures.
type Sink interface {
	Publish(ctx context.Context, r *Report) error
	PublishFailure(ctx context.Context, f Failure) error
}

// MultiSink fans out to every sink in order. All sinks are tried; their
// errors are joined.
type MultiSink []Sink

// Publish implements Sink.
func (m MultiSink) Publish(ctx context.Context, r *Report) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishFailure implements Sink.
func (m MultiSink) PublishFailure(ctx context.Context, f Failure) error {
	var errs []error
	for _, s := range m {
		if err := s.PublishFailure(ctx, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
