package solana

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource implements BlockSource for testing.
// It's behavior-focused: we set what it should return, not verify call sequences.
type fakeSource struct {
	mu     sync.Mutex
	blocks map[uint64]*rpc.GetBlockResult
	errs   []error // returned in order by GetBlock before falling back to blocks
	tip    uint64
	calls  int
}

func (f *fakeSource) GetBlock(ctx context.Context, slot uint64) (*rpc.GetBlockResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		if len(f.errs) > 1 {
			f.errs = f.errs[1:]
		}
		if err != nil {
			return nil, err
		}
	}
	if block, ok := f.blocks[slot]; ok {
		return block, nil
	}
	return nil, fmt.Errorf("%w: slot %d", ErrSlotNotFound, slot)
}

func (f *fakeSource) GetSlot(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tip, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// countingLimiter never blocks and records how many tokens were taken.
type countingLimiter struct {
	mu    sync.Mutex
	waits int
}

func (l *countingLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waits++
	return ctx.Err()
}

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    4,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		AttemptTimeout: time.Second,
	}
}

func newTestClient(source BlockSource, limiter Limiter) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(source, limiter, DefaultRegistry(), testPolicy(), nil, logger)
}

func emptyBlock(slot uint64) *rpc.GetBlockResult {
	return &rpc.GetBlockResult{ParentSlot: slot - 1}
}

func TestFetchBlock_Success(t *testing.T) {
	source := &fakeSource{blocks: map[uint64]*rpc.GetBlockResult{100: emptyBlock(100)}}
	limiter := &countingLimiter{}
	client := newTestClient(source, limiter)

	block, err := client.FetchBlock(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), block.Slot)
	assert.Equal(t, uint64(99), block.ParentSlot)
	assert.Equal(t, 1, source.callCount())
	assert.Equal(t, 1, limiter.waits)
}

func TestFetchBlock_SlotMissingIsNotRetried(t *testing.T) {
	source := &fakeSource{errs: []error{fmt.Errorf("%w: skipped", ErrSlotNotFound)}}
	client := newTestClient(source, &countingLimiter{})

	_, err := client.FetchBlock(context.Background(), 100)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSlotMissing)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, FetchSlotMissing, fetchErr.Kind)
	assert.Equal(t, 1, fetchErr.Attempts)
	assert.Equal(t, uint64(100), fetchErr.Slot)
	assert.Equal(t, 1, source.callCount())
}

func TestFetchBlock_TransientExhaustsMaxAttempts(t *testing.T) {
	for _, class := range []error{ErrTransient, ErrServer} {
		t.Run(class.Error(), func(t *testing.T) {
			source := &fakeSource{errs: []error{fmt.Errorf("%w: upstream", class)}}
			limiter := &countingLimiter{}
			client := newTestClient(source, limiter)

			_, err := client.FetchBlock(context.Background(), 100)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrExhausted)
			assert.NotErrorIs(t, err, ErrSlotMissing)

			var fetchErr *FetchError
			require.ErrorAs(t, err, &fetchErr)
			assert.Equal(t, testPolicy().MaxAttempts, fetchErr.Attempts)
			assert.Equal(t, testPolicy().MaxAttempts, source.callCount())
			assert.Equal(t, testPolicy().MaxAttempts, limiter.waits)
		})
	}
}

func TestFetchBlock_RecoversAfterTransientErrors(t *testing.T) {
	source := &fakeSource{
		errs:   []error{fmt.Errorf("%w: 429", ErrTransient), fmt.Errorf("%w: 429", ErrTransient), nil},
		blocks: map[uint64]*rpc.GetBlockResult{100: emptyBlock(100)},
	}
	client := newTestClient(source, &countingLimiter{})

	block, err := client.FetchBlock(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), block.Slot)
	assert.Equal(t, 3, source.callCount())
}

func TestFetchBlock_MalformedIsDecodeError(t *testing.T) {
	t.Run("upstream payload", func(t *testing.T) {
		source := &fakeSource{errs: []error{fmt.Errorf("%w: bad json", ErrMalformed)}}
		client := newTestClient(source, nil)

		_, err := client.FetchBlock(context.Background(), 7)
		assert.ErrorIs(t, err, ErrDecode)
		assert.Equal(t, 1, source.callCount())
	})

	t.Run("undecodable transaction", func(t *testing.T) {
		source := &fakeSource{blocks: map[uint64]*rpc.GetBlockResult{
			7: {Transactions: []rpc.TransactionWithMeta{{Transaction: rpc.DataBytesOrJSONFromBytes([]byte{0xff, 0x01})}}},
		}}
		client := newTestClient(source, nil)

		_, err := client.FetchBlock(context.Background(), 7)
		assert.ErrorIs(t, err, ErrDecode)
		assert.ErrorIs(t, err, ErrMalformed)
		assert.Equal(t, 1, source.callCount())
	})
}

func TestFetchBlock_CancelledContext(t *testing.T) {
	source := &fakeSource{errs: []error{fmt.Errorf("%w: 503", ErrServer)}}
	client := NewClient(source, nil, nil, RetryPolicy{
		MaxAttempts:    10,
		BaseDelay:      time.Hour,
		MaxDelay:       time.Hour,
		AttemptTimeout: time.Second,
	}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.FetchBlock(ctx, 100)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, source.callCount())
}

func TestFetchBlock_UsesRealLimiter(t *testing.T) {
	source := &fakeSource{blocks: map[uint64]*rpc.GetBlockResult{1: emptyBlock(1), 2: emptyBlock(2)}}
	client := newTestClient(source, NewLimiter(1000, 1))

	for _, slot := range []uint64{1, 2} {
		_, err := client.FetchBlock(context.Background(), slot)
		require.NoError(t, err)
	}
}

func TestLatestSlot(t *testing.T) {
	client := newTestClient(&fakeSource{tip: 381165825}, &countingLimiter{})

	slot, err := client.LatestSlot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(381165825), slot)
}

func TestBackoff_StrictlyIncreasingUntilCap(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 12, BaseDelay: 100 * time.Millisecond, MaxDelay: 3 * time.Second}

	for _, jitter := range []float64{0, 0.5, 0.999} {
		t.Run(fmt.Sprintf("jitter %.3f", jitter), func(t *testing.T) {
			b := newBackoff(policy)
			b.jitter = func() float64 { return jitter }

			var prev time.Duration
			for i := 0; i < 10; i++ {
				d := b.Next()
				assert.LessOrEqual(t, d, policy.MaxDelay)
				if prev < policy.MaxDelay {
					assert.Greater(t, d, prev, "retry %d", i)
				} else {
					assert.Equal(t, policy.MaxDelay, d)
				}
				prev = d
			}
			assert.Equal(t, policy.MaxDelay, prev)
		})
	}
}

func TestFetchError_Is(t *testing.T) {
	err := &FetchError{Slot: 1, Kind: FetchExhausted, Attempts: 4, Err: fmt.Errorf("%w: 429", ErrTransient)}

	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, ErrTransient)
	assert.NotErrorIs(t, err, ErrDecode)
	assert.Contains(t, err.Error(), "slot 1: exhausted after 4 attempt(s)")
}
