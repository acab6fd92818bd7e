package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/pono/service/metrics"
	"github.com/brojonat/pono/service/solana"
)

// Fetcher is the part of the block client the supervisor needs.
type Fetcher interface {
	FetchBlock(ctx context.Context, slot uint64) (*solana.Block, error)
	LatestSlot(ctx context.Context) (uint64, error)
}

// State is the observable lifecycle state of a Supervisor.
type State string

const (
	StateIdle     State = "idle"
	StatePolling  State = "polling"
	StateFetching State = "fetching"
	StateEmitting State = "emitting"
	StateStopped  State = "stopped"
	StateComplete State = "complete"
)

// Gap reasons.
const (
	GapSlotMissing = "slot_missing"
	GapLag         = "lag"
)

// Result is the outcome for one slot. Exactly one of Block or Err is set.
type Result struct {
	Slot  uint64
	Block *solana.Block
	Err   *solana.FetchError
}

// EmitFunc receives results in strictly increasing slot order.
// Returning an error stops the supervisor.
type EmitFunc func(ctx context.Context, res Result) error

const (
	// maxGaps bounds the gap history kept in memory; older gaps are dropped.
	maxGaps = 1024

	// A slot_missing result within missingRetryWindow slots of the tip is
	// re-polled up to missingRetries times before it becomes a gap.
	missingRetryWindow = 8
	missingRetries     = 3
)

// Gap is an inclusive range of slots the stream did not emit blocks for.
type Gap struct {
	Start  uint64 `json:"start"`
	End    uint64 `json:"end"`
	Reason string `json:"reason"`
}

// Config controls supervisor behavior.
type Config struct {
	Concurrency  int           // fetches in flight at once
	PollInterval time.Duration // wait between tip polls once caught up
	MaxLag       uint64        // jump forward when further behind the tip than this; 0 disables

	// MissingRetryDelay is the wait before each re-poll of a slot found
	// missing near the tip. Defaults to 200ms.
	MissingRetryDelay time.Duration
}

// Supervisor turns slot numbers into an ordered stream of blocks.
type Supervisor struct {
	fetcher Fetcher
	config  Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	state State
	gaps  []Gap
}

// NewSupervisor creates a supervisor.
// If metrics is nil, no metrics will be recorded.
func NewSupervisor(fetcher Fetcher, config Config, m *metrics.Metrics, logger *slog.Logger) *Supervisor {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 400 * time.Millisecond
	}
	if config.MissingRetryDelay <= 0 {
		config.MissingRetryDelay = 200 * time.Millisecond
	}
	return &Supervisor{
		fetcher: fetcher,
		config:  config,
		metrics: m,
		logger:  logger,
		state:   StateIdle,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Gaps returns the most recent slot ranges recorded as gaps, oldest first.
func (s *Supervisor) Gaps() []Gap {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Gap, len(s.gaps))
	copy(out, s.gaps)
	return out
}

func (s *Supervisor) recordGap(start, end uint64, reason string) {
	s.mu.Lock()
	if n := len(s.gaps); n > 0 && s.gaps[n-1].Reason == reason && s.gaps[n-1].End+1 == start {
		s.gaps[n-1].End = end
	} else {
		if len(s.gaps) == maxGaps {
			s.gaps = append(s.gaps[:0], s.gaps[1:]...)
		}
		s.gaps = append(s.gaps, Gap{Start: start, End: end, Reason: reason})
	}
	s.mu.Unlock()

	s.logger.Info("gap recorded", "start", start, "end", end, "reason", reason)

	if s.metrics != nil {
		s.metrics.RecordGap(reason, end-start+1)
	}
}

// RunRange processes every slot in [start, end] in order. Each slot yields
// either a block or a failure (including slot_missing).
// It returns ctx.Err() if cancelled before the range completes.
func (s *Supervisor) RunRange(ctx context.Context, start, end uint64, emit EmitFunc) error {
	if end < start {
		return fmt.Errorf("invalid slot range %d-%d: end before start", start, end)
	}

	handled, _, err := s.fetchOrdered(ctx, start, end, emit)
	if err != nil {
		s.setState(StateStopped)
		return err
	}
	if uint64(handled) < end-start+1 {
		s.setState(StateStopped)
		return ctx.Err()
	}

	s.setState(StateComplete)
	s.logger.InfoContext(ctx, "slot range complete", "start", start, "end", end)
	return nil
}

// RunContinuous follows the chain tip starting at start, or at the current
// tip when start is 0. Missing slots near the tip are re-polled a few times;
// slots still missing are recorded as gaps and not emitted. Other failures
// are emitted and the stream moves on.
// It runs until ctx is cancelled, then returns nil once in-flight results
// have been emitted. An error from emit stops the stream and is returned.
func (s *Supervisor) RunContinuous(ctx context.Context, start uint64, emit EmitFunc) error {
	s.setState(StatePolling)

	var last uint64 // last slot handled
	if start > 0 {
		last = start - 1
	} else {
		tip, err := s.fetcher.LatestSlot(ctx)
		if err != nil {
			s.setState(StateStopped)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read latest slot: %w", err)
		}
		if tip > 0 {
			last = tip - 1
		}
	}

	s.logger.InfoContext(ctx, "stream starting", "start_slot", last+1)

	for {
		if ctx.Err() != nil {
			s.setState(StateStopped)
			s.logger.InfoContext(ctx, "stream stopped", "last_slot", last)
			return nil
		}

		s.setState(StatePolling)
		tip, err := s.fetcher.LatestSlot(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.WarnContext(ctx, "failed to read latest slot", "error", err)
			}
			s.sleep(ctx)
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordStreamPosition(last, tip)
		}
		if tip <= last {
			s.sleep(ctx)
			continue
		}

		from := last + 1
		if s.config.MaxLag > 0 && tip-last > s.config.MaxLag {
			jumpTo := tip - s.config.MaxLag + 1
			s.logger.WarnContext(ctx, "stream lagging behind tip, skipping ahead",
				"from", from,
				"to", jumpTo,
				"tip", tip,
			)
			s.recordGap(from, jumpTo-1, GapLag)
			from = jumpTo
			last = jumpTo - 1
		}

		runCtx, polledTip := ctx, tip
		handled, lastHandled, err := s.fetchOrdered(ctx, from, tip, func(ctx context.Context, res Result) error {
			if isMissing(res) && polledTip-res.Slot < missingRetryWindow {
				res = s.refetchMissing(runCtx, res)
			}
			if isMissing(res) {
				s.recordGap(res.Slot, res.Slot, GapSlotMissing)
				return nil
			}
			return emit(ctx, res)
		})
		if handled > 0 {
			last = lastHandled
		}
		if err != nil {
			s.setState(StateStopped)
			return err
		}
		if s.metrics != nil {
			s.metrics.RecordStreamPosition(last, tip)
		}
	}
}

func isMissing(res Result) bool {
	return res.Err != nil && res.Err.Kind == solana.FetchSlotMissing
}

// refetchMissing re-polls a slot reported missing close to the tip, where
// getBlock can briefly trail getSlot. It gives up early once ctx is done.
func (s *Supervisor) refetchMissing(ctx context.Context, res Result) Result {
	for attempt := 1; attempt <= missingRetries; attempt++ {
		timer := time.NewTimer(s.config.MissingRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res
		case <-timer.C:
		}

		retry := s.fetch(context.WithoutCancel(ctx), res.Slot)
		if !isMissing(retry) {
			s.logger.DebugContext(ctx, "missing slot appeared on re-poll", "slot", res.Slot, "attempt", attempt)
			s.recordOutcome(retry)
			return retry
		}
	}
	return res
}

type pendingFetch struct {
	slot uint64
	done chan Result
}

// fetchOrdered fetches [from, to] with up to Concurrency fetches in flight
// and hands results to handle in slot order. New fetches stop launching once
// ctx is cancelled; fetches already in flight run to completion on a
// detached context and are still handled. It returns how many slots were
// handled and the last one.
func (s *Supervisor) fetchOrdered(ctx context.Context, from, to uint64, handle EmitFunc) (int, uint64, error) {
	detached := context.WithoutCancel(ctx)
	queue := make([]pendingFetch, 0, s.config.Concurrency)
	next := from
	handled := 0
	var last uint64

	for {
		for len(queue) < s.config.Concurrency && next <= to && ctx.Err() == nil {
			p := pendingFetch{slot: next, done: make(chan Result, 1)}
			go func() {
				p.done <- s.fetch(detached, p.slot)
			}()
			queue = append(queue, p)
			next++
		}
		if len(queue) == 0 {
			return handled, last, nil
		}

		s.setState(StateFetching)
		res := <-queue[0].done
		queue = queue[1:]

		s.setState(StateEmitting)
		s.recordOutcome(res)
		if err := handle(detached, res); err != nil {
			return handled, last, fmt.Errorf("emit slot %d: %w", res.Slot, err)
		}
		handled++
		last = res.Slot
	}
}

func (s *Supervisor) fetch(ctx context.Context, slot uint64) Result {
	block, err := s.fetcher.FetchBlock(ctx, slot)
	if err == nil {
		return Result{Slot: slot, Block: block}
	}

	var fetchErr *solana.FetchError
	if !errors.As(err, &fetchErr) {
		fetchErr = &solana.FetchError{Slot: slot, Kind: solana.FetchExhausted, Err: err}
	}
	return Result{Slot: slot, Err: fetchErr}
}

func (s *Supervisor) recordOutcome(res Result) {
	outcome := "ok"
	if res.Err != nil {
		outcome = string(res.Err.Kind)
		level := slog.LevelWarn
		if res.Err.Kind == solana.FetchSlotMissing {
			level = slog.LevelDebug
		}
		s.logger.Log(context.Background(), level, "slot failed",
			"slot", res.Slot,
			"kind", res.Err.Kind,
			"error", res.Err.Err,
		)
	}
	if s.metrics != nil {
		s.metrics.RecordSlot(outcome)
	}
}

func (s *Supervisor) sleep(ctx context.Context) {
	timer := time.NewTimer(s.config.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
