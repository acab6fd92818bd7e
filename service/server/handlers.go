package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/pono/service/db"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

const (
	maxRequestBodySize = 1 << 10 // a backfill request is two numbers
	maxAddressLength   = 100     // Solana addresses are 44 chars, give buffer
	defaultListLimit   = 50
	maxListLimit       = 1000
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// handleListSlotEvents returns a handler that lists the events of one slot.
// GET /api/v1/slots/{slot}/events
func handleListSlotEvents(store EventStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slot, err := strconv.ParseUint(r.PathValue("slot"), 10, 64)
		if err != nil {
			writeError(w, "invalid slot: must be a non-negative integer", http.StatusBadRequest)
			return
		}

		events, err := store.ListEventsBySlot(r.Context(), slot)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list events", "slot", slot, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.DebugContext(r.Context(), "events listed", "slot", slot, "count", len(events))

		writeJSON(w, map[string]interface{}{
			"slot":   slot,
			"events": eventsToResponse(events),
			"count":  len(events),
		}, http.StatusOK)
	})
}

// handleListSignerEvents returns a handler that lists the most recent events
// signed by an address.
// GET /api/v1/signers/{address}/events?limit=N
func handleListSignerEvents(store EventStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			logger.DebugContext(r.Context(), "invalid address", "address", address, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		limit, err := parseLimit(r.URL.Query().Get("limit"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		events, err := store.ListEventsBySigner(r.Context(), address, limit)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list signer events", "signer", address, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]interface{}{
			"signer": address,
			"events": eventsToResponse(events),
			"count":  len(events),
			"limit":  limit,
		}, http.StatusOK)
	})
}

// handleListFailures returns a handler that lists slots that could not be
// analyzed, most recent first.
// GET /api/v1/failures?limit=N
func handleListFailures(store EventStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, err := parseLimit(r.URL.Query().Get("limit"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		failures, err := store.ListFailures(r.Context(), limit)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list failures", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]failureResponse, len(failures))
		for i, f := range failures {
			resp[i] = failureResponse{
				Slot:        f.Slot,
				Kind:        f.Kind,
				Message:     f.Message,
				Occurrences: f.Occurrences,
				UpdatedAt:   f.UpdatedAt,
			}
		}

		writeJSON(w, map[string]interface{}{
			"failures": resp,
			"count":    len(resp),
			"limit":    limit,
		}, http.StatusOK)
	})
}

// handleStartBackfill returns a handler that starts a durable backfill.
// POST /api/v1/backfills {"start": N, "end": M}
func handleStartBackfill(backfills Backfiller, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Limit request body size to prevent memory exhaustion
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req struct {
			Start *uint64 `json:"start"`
			End   *uint64 `json:"end"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.DebugContext(r.Context(), "failed to decode backfill request", "error", err)
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		if req.Start == nil || req.End == nil {
			writeError(w, "start and end are required", http.StatusBadRequest)
			return
		}
		if *req.End < *req.Start {
			writeError(w, "end must not be before start", http.StatusBadRequest)
			return
		}

		workflowID, runID, err := backfills.StartBackfill(r.Context(), *req.Start, *req.End)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to start backfill",
				"start", *req.Start,
				"end", *req.End,
				"error", err,
			)
			writeError(w, "failed to start backfill", http.StatusInternalServerError)
			return
		}

		logger.InfoContext(r.Context(), "backfill started",
			"workflow_id", workflowID,
			"start", *req.Start,
			"end", *req.End,
		)

		writeJSON(w, backfillResponse{
			WorkflowID: workflowID,
			RunID:      runID,
			Start:      *req.Start,
			End:        *req.End,
		}, http.StatusAccepted)
	})
}

// eventResponse is the JSON response format for a persisted event.
type eventResponse struct {
	Slot            uint64           `json:"slot"`
	Kind            string           `json:"kind"`
	Signature       string           `json:"signature"`
	TxIndex         int              `json:"tx_index"`
	Signer          string           `json:"signer"`
	BlockTime       int64            `json:"block_time"`
	ArbitrageType   *string          `json:"arbitrage_type,omitempty"`
	SandwichedToken *string          `json:"sandwiched_token,omitempty"`
	ComputeUnits    uint64           `json:"compute_units"`
	FeeLamports     uint64           `json:"fee_lamports"`
	JitoTipLamports uint64           `json:"jito_tip_lamports"`
	NetProfitUSD    *decimal.Decimal `json:"net_profit_usd"` // null when unresolved
	Payload         json.RawMessage  `json:"payload,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

func eventsToResponse(events []*db.Event) []eventResponse {
	resp := make([]eventResponse, len(events))
	for i, e := range events {
		resp[i] = eventResponse{
			Slot:            e.Slot,
			Kind:            string(e.Kind),
			Signature:       e.Signature,
			TxIndex:         e.TxIndex,
			Signer:          e.Signer,
			BlockTime:       e.BlockTime,
			ArbitrageType:   e.ArbitrageType,
			SandwichedToken: e.SandwichedToken,
			ComputeUnits:    e.ComputeUnits,
			FeeLamports:     e.FeeLamports,
			JitoTipLamports: e.JitoTipLamports,
			NetProfitUSD:    e.NetProfitUSD,
			Payload:         e.Payload,
			CreatedAt:       e.CreatedAt,
		}
	}
	return resp
}

type failureResponse struct {
	Slot        uint64    `json:"slot"`
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	Occurrences int       `json:"occurrences"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type backfillResponse struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
	Start      uint64 `json:"start"`
	End        uint64 `json:"end"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// parseLimit parses the limit query parameter (default 50, max 1000).
func parseLimit(s string) (int, error) {
	if s == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(s)
	if err != nil {
		return 0, errorf("invalid limit parameter: must be an integer")
	}
	if limit < 1 {
		return 0, errorf("limit must be at least 1")
	}
	if limit > maxListLimit {
		return 0, errorf("limit cannot exceed %d", maxListLimit)
	}
	return limit, nil
}

// validateAddress checks that address is a well-formed Solana public key.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !validAddressRegex.MatchString(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}

	if _, err := solanago.PublicKeyFromBase58(address); err != nil {
		return errorf("invalid address: %v", err)
	}

	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
