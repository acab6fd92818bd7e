package pipeline

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brojonat/pono/service/config"
	"github.com/brojonat/pono/service/solana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unreachableConfig() *config.Config {
	return &config.Config{
		SolanaRPCURL:        "http://127.0.0.1:1",
		RateLimitRPS:        100,
		RateLimitBurst:      1,
		FetchMaxAttempts:    1,
		FetchBaseDelay:      time.Millisecond,
		FetchMaxDelay:       time.Millisecond,
		FetchAttemptTimeout: time.Second,
		PythBenchmarksURL:   "http://127.0.0.1:1",
		PriceCacheSize:      16,
	}
}

func TestBuild(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p, client, err := Build(unreachableConfig(), nil, logger)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, client)

	t.Run("empty block needs no upstream", func(t *testing.T) {
		r := p.AnalyzeBlock(context.Background(), &solana.Block{Slot: 9, Timestamp: 1_700_000_000})
		assert.Equal(t, uint64(9), r.Block.Slot)
		assert.Empty(t, r.Events)
		assert.Equal(t, 0, r.Summary.MEV.Total)
	})

	t.Run("unreachable rpc exhausts retries", func(t *testing.T) {
		_, err := p.AnalyzeSlot(context.Background(), 9)
		require.Error(t, err)
		assert.ErrorIs(t, err, solana.ErrExhausted)
	})
}
