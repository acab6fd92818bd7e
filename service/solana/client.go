package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/brojonat/pono/service/metrics"
	"github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"
)

// Limiter gates outbound requests. *rate.Limiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// NewLimiter creates a token bucket that refills rps tokens per second and
// holds at most burst tokens. It is safe to share between goroutines.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// RetryPolicy bounds how the client retries transient upstream failures.
type RetryPolicy struct {
	MaxAttempts    int           // total upstream requests per call, including the first
	BaseDelay      time.Duration // nominal delay before the first retry
	MaxDelay       time.Duration // cap on any single delay
	AttemptTimeout time.Duration // deadline applied to each upstream request
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    4,
		BaseDelay:      250 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}

// FetchErrorKind is the closed set of terminal fetch failures.
type FetchErrorKind string

const (
	FetchSlotMissing FetchErrorKind = "slot_missing"
	FetchExhausted   FetchErrorKind = "exhausted"
	FetchDecode      FetchErrorKind = "decode"
)

// Sentinels matched by errors.Is against a *FetchError of the same kind.
var (
	ErrSlotMissing = errors.New("slot missing")
	ErrExhausted   = errors.New("retries exhausted")
	ErrDecode      = errors.New("block decode failed")
)

// FetchError is the terminal failure for one slot.
type FetchError struct {
	Slot     uint64
	Kind     FetchErrorKind
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("slot %d: %s after %d attempt(s): %v", e.Slot, e.Kind, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for the error's kind.
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrSlotMissing:
		return e.Kind == FetchSlotMissing
	case ErrExhausted:
		return e.Kind == FetchExhausted
	case ErrDecode:
		return e.Kind == FetchDecode
	}
	return false
}

// backoff is the retry state between attempts: the number of retries taken
// so far and the delay computed for the last one.
type backoff struct {
	policy  RetryPolicy
	retries int
	last    time.Duration
	jitter  func() float64 // returns a value in [0, 1)
}

func newBackoff(policy RetryPolicy) *backoff {
	return &backoff{policy: policy, jitter: rand.Float64}
}

// Next returns the delay before the next retry. The nominal delay doubles
// every retry; up to half of it is added as jitter. Delays strictly increase
// until they reach MaxDelay and never exceed it.
func (b *backoff) Next() time.Duration {
	nominal := b.policy.BaseDelay
	for i := 0; i < b.retries && nominal < b.policy.MaxDelay; i++ {
		nominal *= 2
	}
	b.retries++

	delay := nominal + time.Duration(b.jitter()*float64(nominal/2))
	if delay > b.policy.MaxDelay {
		delay = b.policy.MaxDelay
	}
	if delay <= b.last && b.last < b.policy.MaxDelay {
		delay = min(b.last+1, b.policy.MaxDelay)
	}
	b.last = delay
	return delay
}

// Client fetches and decodes blocks from a BlockSource.
// Every upstream request waits on the shared limiter and transient failures
// are retried according to the retry policy.
type Client struct {
	source   BlockSource
	limiter  Limiter
	registry *Registry
	policy   RetryPolicy
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewClient creates a new block fetching client.
// If registry is nil the default decoder registry is used.
// If metrics is nil, no metrics will be recorded.
func NewClient(source BlockSource, limiter Limiter, registry *Registry, policy RetryPolicy, m *metrics.Metrics, logger *slog.Logger) *Client {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.AttemptTimeout <= 0 {
		policy.AttemptTimeout = DefaultRetryPolicy().AttemptTimeout
	}
	return &Client{
		source:   source,
		limiter:  limiter,
		registry: registry,
		policy:   policy,
		metrics:  m,
		logger:   logger,
	}
}

// FetchBlock fetches one slot and decodes it.
// Failures are returned as *FetchError, except caller cancellation which
// returns the context error.
func (c *Client) FetchBlock(ctx context.Context, slot uint64) (*Block, error) {
	var raw *rpc.GetBlockResult
	attempts, err := c.do(ctx, "getBlock", slot, func(ctx context.Context) error {
		var err error
		raw, err = c.source.GetBlock(ctx, slot)
		return err
	})
	if err != nil {
		return nil, err
	}

	block, err := DecodeBlock(slot, raw, c.registry)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to decode block", "slot", slot, "error", err)
		return nil, &FetchError{Slot: slot, Kind: FetchDecode, Attempts: attempts, Err: err}
	}
	if c.metrics != nil {
		c.metrics.RecordBlockDecoded(len(block.Transactions))
	}

	c.logger.DebugContext(ctx, "fetched block",
		"slot", slot,
		"transactions", block.Counts.Total,
		"attempts", attempts,
	)
	return block, nil
}

// LatestSlot returns the latest confirmed slot.
func (c *Client) LatestSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	_, err := c.do(ctx, "getSlot", 0, func(ctx context.Context) error {
		var err error
		slot, err = c.source.GetSlot(ctx)
		return err
	})
	return slot, err
}

// do runs call until it succeeds, fails terminally or runs out of attempts.
// It returns the number of upstream requests made.
func (c *Client) do(ctx context.Context, method string, slot uint64, call func(context.Context) error) (int, error) {
	b := newBackoff(c.policy)

	for attempt := 1; ; attempt++ {
		if err := c.wait(ctx); err != nil {
			if ctx.Err() != nil {
				return attempt - 1, ctx.Err()
			}
			return attempt - 1, &FetchError{Slot: slot, Kind: FetchExhausted, Attempts: attempt - 1, Err: err}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.policy.AttemptTimeout)
		start := time.Now()
		err := call(attemptCtx)
		duration := time.Since(start).Seconds()
		cancel()

		if err == nil {
			if c.metrics != nil {
				c.metrics.RecordRPCCall(method, "success", duration)
			}
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}

		err = ClassifyError(err)
		if c.metrics != nil {
			c.metrics.RecordRPCCall(method, errorStatus(err), duration)
		}

		switch {
		case errors.Is(err, ErrSlotNotFound):
			return attempt, &FetchError{Slot: slot, Kind: FetchSlotMissing, Attempts: attempt, Err: err}
		case errors.Is(err, ErrMalformed):
			return attempt, &FetchError{Slot: slot, Kind: FetchDecode, Attempts: attempt, Err: err}
		}

		if attempt >= c.policy.MaxAttempts {
			c.logger.WarnContext(ctx, "retries exhausted",
				"method", method,
				"slot", slot,
				"attempts", attempt,
				"error", err,
			)
			return attempt, &FetchError{Slot: slot, Kind: FetchExhausted, Attempts: attempt, Err: err}
		}

		delay := b.Next()
		c.logger.WarnContext(ctx, "upstream request failed, retrying",
			"method", method,
			"slot", slot,
			"attempt", attempt,
			"error", err,
			"backoff_seconds", delay.Seconds(),
		)
		if c.metrics != nil {
			c.metrics.RecordRPCRetry(method, errorStatus(err))
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return ctx.Err()
	}
	start := time.Now()
	err := c.limiter.Wait(ctx)
	if c.metrics != nil {
		c.metrics.RecordRateLimitWait(time.Since(start).Seconds())
	}
	return err
}

func errorStatus(err error) string {
	switch {
	case errors.Is(err, ErrSlotNotFound):
		return "not_found"
	case errors.Is(err, ErrServer):
		return "server_error"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	default:
		return "transient"
	}
}
