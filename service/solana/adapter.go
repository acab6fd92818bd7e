package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/brojonat/pono/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// Block source error classes. Every error returned by a BlockSource wraps
// exactly one of these.
var (
	ErrSlotNotFound = errors.New("slot not found")
	ErrTransient    = errors.New("transient upstream error")
	ErrServer       = errors.New("upstream server error")
	ErrMalformed    = errors.New("malformed upstream data")
)

// JSON-RPC error codes returned by Solana nodes.
const (
	rpcCodeBlockCleanedUp          = -32001
	rpcCodeBlockNotAvailable       = -32004
	rpcCodeNodeUnhealthy           = -32005
	rpcCodeSlotSkipped             = -32007
	rpcCodeLongTermStorageSlotSkip = -32009
)

// BlockSource is the upstream the fetcher reads blocks from.
// This allows us to fake the RPC layer in tests without hitting real Solana nodes.
type BlockSource interface {
	// GetBlock returns the raw block for a slot.
	GetBlock(ctx context.Context, slot uint64) (*rpc.GetBlockResult, error)
	// GetSlot returns the latest confirmed slot.
	GetSlot(ctx context.Context) (uint64, error)
}

// rpcSource adapts the solana-go RPC client to BlockSource.
type rpcSource struct {
	client *rpc.Client
}

// NewRPCSource creates a BlockSource backed by a Solana JSON-RPC endpoint.
// For premium RPC endpoints that require API keys, include the key in the URL:
// - Helius: https://mainnet.helius-rpc.com/?api-key=YOUR-KEY
// - QuickNode: https://YOUR-ENDPOINT.quiknode.pro/YOUR-KEY/
// If metrics is nil, no HTTP metrics will be recorded.
func NewRPCSource(rpcURL string, m *metrics.Metrics) BlockSource {
	httpClient := &http.Client{
		Transport: metrics.InstrumentTransport(m, "solana_rpc", nil),
	}
	rpcClient := jsonrpc.NewClientWithOpts(rpcURL, &jsonrpc.RPCClientOpts{HTTPClient: httpClient})
	return &rpcSource{client: rpc.NewWithCustomRPCClient(rpcClient)}
}

func (s *rpcSource) GetBlock(ctx context.Context, slot uint64) (*rpc.GetBlockResult, error) {
	rewards := false
	out, err := s.client.GetBlockWithOpts(ctx, slot, &rpc.GetBlockOpts{
		Encoding:                       solana.EncodingBase64,
		TransactionDetails:             rpc.TransactionDetailsFull,
		Rewards:                        &rewards,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &rpc.MaxSupportedTransactionVersion0,
	})
	if err != nil {
		return nil, ClassifyError(err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: slot %d returned no block", ErrSlotNotFound, slot)
	}
	return out, nil
}

func (s *rpcSource) GetSlot(ctx context.Context) (uint64, error) {
	slot, err := s.client.GetSlot(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, ClassifyError(err)
	}
	return slot, nil
}

// ClassifyError wraps an error returned by the solana-go RPC client with the
// matching block source error class. Errors already classified are returned
// unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	for _, class := range []error{ErrSlotNotFound, ErrTransient, ErrServer, ErrMalformed} {
		if errors.Is(err, class) {
			return err
		}
	}

	if errors.Is(err, rpc.ErrNotConfirmed) || errors.Is(err, rpc.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrSlotNotFound, err)
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case rpcCodeBlockNotAvailable, rpcCodeSlotSkipped, rpcCodeLongTermStorageSlotSkip, rpcCodeBlockCleanedUp:
			return fmt.Errorf("%w: %v", ErrSlotNotFound, err)
		case rpcCodeNodeUnhealthy:
			return fmt.Errorf("%w: %v", ErrServer, err)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrTransient, err)
		default:
			return fmt.Errorf("%w: %v", ErrServer, err)
		}
	}

	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Code == http.StatusTooManyRequests || httpErr.Code == http.StatusRequestTimeout:
			return fmt.Errorf("%w: %v", ErrTransient, err)
		case httpErr.Code >= 500:
			return fmt.Errorf("%w: %v", ErrServer, err)
		default:
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	// Only payload decoding failures are malformed. The JSON-RPC client
	// decodes with json-iterator, whose errors carry "error found in #".
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	msg := err.Error()
	switch {
	case strings.Contains(msg, "could not decode body"),
		strings.Contains(msg, "rpc response missing"),
		strings.Contains(msg, "error found in #"),
		errors.As(err, &syntaxErr),
		errors.As(err, &typeErr):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	default:
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
}
