package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "not confirmed", err: rpc.ErrNotConfirmed, want: ErrSlotNotFound},
		{name: "block not available", err: &jsonrpc.RPCError{Code: -32004, Message: "Block not available for slot"}, want: ErrSlotNotFound},
		{name: "slot skipped", err: &jsonrpc.RPCError{Code: -32007, Message: "Slot was skipped"}, want: ErrSlotNotFound},
		{name: "long term storage skip", err: &jsonrpc.RPCError{Code: -32009, Message: "Slot was skipped"}, want: ErrSlotNotFound},
		{name: "cleaned up", err: &jsonrpc.RPCError{Code: -32001, Message: "Block cleaned up"}, want: ErrSlotNotFound},
		{name: "node unhealthy", err: &jsonrpc.RPCError{Code: -32005, Message: "Node is behind"}, want: ErrServer},
		{name: "rate limited rpc error", err: &jsonrpc.RPCError{Code: 429, Message: "Too many requests"}, want: ErrTransient},
		{name: "wrapped rpc error", err: fmt.Errorf("call: %w", &jsonrpc.RPCError{Code: -32007}), want: ErrSlotNotFound},
		{name: "deadline", err: fmt.Errorf("rpc call getBlock() on x: %w", context.DeadlineExceeded), want: ErrTransient},
		{name: "network", err: fmt.Errorf("rpc call getBlock() on x: %w", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}), want: ErrTransient},
		{name: "result decoding", err: errors.New("solana.GetBlockResult.ReadObjectCB: expect { or n, but found \"x\", error found in #1 byte of ...|x|..."), want: ErrMalformed},
		{name: "body decoding", err: errors.New("rpc call getBlock() on x status code: 200. could not decode body to rpc response: EOF"), want: ErrMalformed},
		{name: "std json syntax", err: fmt.Errorf("decode: %w", &json.SyntaxError{Offset: 3}), want: ErrMalformed},
		{name: "unknown transport failure", err: errors.New("rpc call getBlock() on x: tls: handshake failure"), want: ErrTransient},
		{name: "unrecognized error", err: errors.New("something odd happened"), want: ErrTransient},
		{name: "already classified", err: fmt.Errorf("%w: boom", ErrServer), want: ErrServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyError(tt.err)
			assert.ErrorIs(t, got, tt.want)
		})
	}

	assert.NoError(t, ClassifyError(nil))
}

// newRPCServer returns a JSON-RPC test endpoint that answers every request
// with the given status and body.
func newRPCServer(t *testing.T, status int, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestRPCSource_GetBlockErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{
			name:   "skipped slot",
			status: http.StatusOK,
			body:   `{"jsonrpc":"2.0","id":1,"error":{"code":-32007,"message":"Slot 5 was skipped"}}`,
			want:   ErrSlotNotFound,
		},
		{
			name:   "null block",
			status: http.StatusOK,
			body:   `{"jsonrpc":"2.0","id":1,"result":null}`,
			want:   ErrSlotNotFound,
		},
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			body:   `Too Many Requests`,
			want:   ErrTransient,
		},
		{
			name:   "bad gateway",
			status: http.StatusBadGateway,
			body:   `<html>bad gateway</html>`,
			want:   ErrServer,
		},
		{
			name:   "garbage body",
			status: http.StatusOK,
			body:   `not json`,
			want:   ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := NewRPCSource(newRPCServer(t, tt.status, tt.body), nil)

			block, err := source.GetBlock(context.Background(), 5)
			assert.Nil(t, block)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRPCSource_GetSlot(t *testing.T) {
	source := NewRPCSource(newRPCServer(t, http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":381165825}`), nil)

	slot, err := source.GetSlot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(381165825), slot)
}
