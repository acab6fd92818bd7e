package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Event is a persisted MEV event as served by the pono API.
type Event struct {
	Slot            uint64           `json:"slot"`
	Kind            string           `json:"kind"` // arbitrage or sandwich
	Signature       string           `json:"signature"`
	TxIndex         int              `json:"tx_index"`
	Signer          string           `json:"signer"`
	BlockTime       int64            `json:"block_time"`
	ArbitrageType   *string          `json:"arbitrage_type,omitempty"`
	SandwichedToken *string          `json:"sandwiched_token,omitempty"`
	ComputeUnits    uint64           `json:"compute_units"`
	FeeLamports     uint64           `json:"fee_lamports"`
	JitoTipLamports uint64           `json:"jito_tip_lamports"`
	NetProfitUSD    *decimal.Decimal `json:"net_profit_usd"` // nil when unresolved
	Payload         json.RawMessage  `json:"payload,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Failure is a slot the detector could not analyze.
type Failure struct {
	Slot        uint64    `json:"slot"`
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	Occurrences int       `json:"occurrences"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Backfill identifies a started backfill workflow.
type Backfill struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
	Start      uint64 `json:"start"`
	End        uint64 `json:"end"`
}

// Client is the HTTP client for the pono API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new API client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// EventsBySlot lists the events detected in slot, in execution order.
func (c *Client) EventsBySlot(ctx context.Context, slot uint64) ([]*Event, error) {
	var response struct {
		Events []*Event `json:"events"`
	}
	path := fmt.Sprintf("/api/v1/slots/%d/events", slot)
	if err := c.get(ctx, path, nil, &response); err != nil {
		return nil, err
	}

	c.logger.Debug("events retrieved", "slot", slot, "count", len(response.Events))
	return response.Events, nil
}

// EventsBySigner lists the most recent events signed by address. A limit of
// zero uses the server default.
func (c *Client) EventsBySigner(ctx context.Context, address string, limit int) ([]*Event, error) {
	var response struct {
		Events []*Event `json:"events"`
	}
	path := fmt.Sprintf("/api/v1/signers/%s/events", url.PathEscape(address))
	if err := c.get(ctx, path, limitQuery(limit), &response); err != nil {
		return nil, err
	}
	return response.Events, nil
}

// Failures lists the most recently failed slots.
func (c *Client) Failures(ctx context.Context, limit int) ([]*Failure, error) {
	var response struct {
		Failures []*Failure `json:"failures"`
	}
	if err := c.get(ctx, "/api/v1/failures", limitQuery(limit), &response); err != nil {
		return nil, err
	}
	return response.Failures, nil
}

// StartBackfill asks the server to backfill slots start through end.
func (c *Client) StartBackfill(ctx context.Context, start, end uint64) (*Backfill, error) {
	body, err := json.Marshal(map[string]uint64{
		"start": start,
		"end":   end,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/backfills", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return nil, c.parseErrorResponse(resp)
	}

	var backfill Backfill
	if err := json.NewDecoder(resp.Body).Decode(&backfill); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("backfill started", "workflow_id", backfill.WorkflowID, "start", start, "end", end)
	return &backfill, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": []string{strconv.Itoa(limit)}}
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
