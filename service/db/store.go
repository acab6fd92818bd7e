package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/pono/service/metrics"
	"github.com/brojonat/pono/service/mev"
	"github.com/brojonat/pono/service/report"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Store persists MEV events and slot failures in Postgres.
// It implements report.Sink.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If m is nil, no metrics will be recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// Open connects to databaseURL, verifies the connection and ensures the
// schema exists.
func Open(ctx context.Context, databaseURL string, m *metrics.Metrics) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := NewStore(pool, m)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS mev_events (
    slot              BIGINT      NOT NULL,
    kind              TEXT        NOT NULL,
    signature         TEXT        NOT NULL,
    tx_index          INTEGER     NOT NULL,
    signer            TEXT        NOT NULL,
    block_time        BIGINT      NOT NULL,
    arbitrage_type    TEXT,
    sandwiched_token  TEXT,
    compute_units     BIGINT      NOT NULL,
    fee_lamports      BIGINT      NOT NULL,
    jito_tip_lamports BIGINT      NOT NULL,
    net_profit_usd    NUMERIC,
    payload           JSONB       NOT NULL,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (slot, kind, signature)
);

CREATE INDEX IF NOT EXISTS mev_events_signer_idx ON mev_events (signer);

CREATE TABLE IF NOT EXISTS slot_failures (
    slot        BIGINT      NOT NULL,
    kind        TEXT        NOT NULL,
    message     TEXT        NOT NULL,
    occurrences INTEGER     NOT NULL DEFAULT 1,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (slot, kind)
);
`

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, schema)
	s.record("ensure_schema", "all", start, err)
	if err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Event is a persisted MEV event.
type Event struct {
	Slot            uint64
	Kind            mev.Kind
	Signature       string
	TxIndex         int
	Signer          string
	BlockTime       int64
	ArbitrageType   *string // arbitrage only
	SandwichedToken *string // sandwich only
	ComputeUnits    uint64
	FeeLamports     uint64
	JitoTipLamports uint64
	NetProfitUSD    *decimal.Decimal // nil when unresolved
	Payload         json.RawMessage
	CreatedAt       time.Time
}

// Failure is a persisted slot failure.
type Failure struct {
	Slot        uint64
	Kind        string
	Message     string
	Occurrences int
	UpdatedAt   time.Time
}

// eventRow flattens ev into the column values of mev_events.
func eventRow(r *report.Report, ev mev.Event) ([]interface{}, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", ev.EventKind(), err)
	}

	var arbType, token *string
	switch e := ev.(type) {
	case *mev.Arbitrage:
		t := string(e.Type)
		arbType = &t
	case *mev.Sandwich:
		if e.SandwichedToken != "" {
			token = &e.SandwichedToken
		}
	}

	primary := ev.Primary()
	totals := ev.Totals()
	return []interface{}{
		int64(r.Block.Slot),
		string(ev.EventKind()),
		primary.Signature,
		primary.Index,
		primary.Signer,
		r.Block.Timestamp,
		arbType,
		token,
		int64(totals.ComputeUnits),
		int64(totals.FeeLamports),
		int64(totals.JitoTipLamports),
		numericArg(totals.Profit.NetProfitUSD),
		payload,
	}, nil
}

func numericArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

const insertEvent = `
INSERT INTO mev_events (
    slot, kind, signature, tx_index, signer, block_time, arbitrage_type,
    sandwiched_token, compute_units, fee_lamports, jito_tip_lamports,
    net_profit_usd, payload
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::text::numeric, $13)
ON CONFLICT (slot, kind, signature) DO NOTHING`

// InsertReport stores every event of r in one transaction. Events already
// stored for the same (slot, kind, signature) are left untouched, so
// re-analyzing a slot is safe. Failures recorded for the slot are cleared.
// It returns the number of newly inserted events.
func (s *Store) InsertReport(ctx context.Context, r *report.Report) (int, error) {
	start := time.Now()
	inserted, err := s.insertReport(ctx, r)
	s.record("insert", "mev_events", start, err)
	return inserted, err
}

func (s *Store) insertReport(ctx context.Context, r *report.Report) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	inserted := 0
	for _, ev := range r.Events {
		args, err := eventRow(r, ev)
		if err != nil {
			return 0, err
		}
		tag, err := tx.Exec(ctx, insertEvent, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to insert %s event %s: %w", ev.EventKind(), ev.Primary().Signature, err)
		}
		inserted += int(tag.RowsAffected())
	}

	if _, err := tx.Exec(ctx, `DELETE FROM slot_failures WHERE slot = $1`, int64(r.Block.Slot)); err != nil {
		return 0, fmt.Errorf("failed to clear failures for slot %d: %w", r.Block.Slot, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return inserted, nil
}

// InsertFailure records a slot failure. Repeated failures of the same kind
// for a slot bump the occurrence count.
func (s *Store) InsertFailure(ctx context.Context, f report.Failure) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `
INSERT INTO slot_failures (slot, kind, message)
VALUES ($1, $2, $3)
ON CONFLICT (slot, kind) DO UPDATE
SET message = EXCLUDED.message,
    occurrences = slot_failures.occurrences + 1,
    updated_at = now()`,
		int64(f.Slot), f.Kind, f.Message,
	)
	s.record("upsert", "slot_failures", start, err)
	if err != nil {
		return fmt.Errorf("failed to insert failure for slot %d: %w", f.Slot, err)
	}
	return nil
}

const selectEvents = `
SELECT slot, kind, signature, tx_index, signer, block_time, arbitrage_type,
       sandwiched_token, compute_units, fee_lamports, jito_tip_lamports,
       net_profit_usd::text, payload, created_at
FROM mev_events`

// ListEventsBySlot returns the events stored for slot ordered by transaction
// index, arbitrage before sandwich.
func (s *Store) ListEventsBySlot(ctx context.Context, slot uint64) ([]*Event, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, selectEvents+`
WHERE slot = $1
ORDER BY tx_index, kind`, int64(slot))
	events, err := collectEvents(rows, err)
	s.record("select", "mev_events", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for slot %d: %w", slot, err)
	}
	return events, nil
}

// ListEventsBySigner returns the most recent events whose primary
// transaction was signed by signer.
func (s *Store) ListEventsBySigner(ctx context.Context, signer string, limit int) ([]*Event, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, selectEvents+`
WHERE signer = $1
ORDER BY slot DESC, tx_index
LIMIT $2`, signer, limit)
	events, err := collectEvents(rows, err)
	s.record("select", "mev_events", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for signer %s: %w", signer, err)
	}
	return events, nil
}

func collectEvents(rows pgx.Rows, err error) ([]*Event, error) {
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Event, error) {
		var (
			e                 Event
			slot, cu, fee, tp int64
			kind              string
			profit            *string
			payload           []byte
		)
		err := row.Scan(
			&slot, &kind, &e.Signature, &e.TxIndex, &e.Signer, &e.BlockTime,
			&e.ArbitrageType, &e.SandwichedToken, &cu, &fee, &tp,
			&profit, &payload, &e.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		e.Slot = uint64(slot)
		e.Kind = mev.Kind(kind)
		e.ComputeUnits = uint64(cu)
		e.FeeLamports = uint64(fee)
		e.JitoTipLamports = uint64(tp)
		e.Payload = payload
		if profit != nil {
			d, err := decimal.NewFromString(*profit)
			if err != nil {
				return nil, fmt.Errorf("invalid net_profit_usd %q: %w", *profit, err)
			}
			e.NetProfitUSD = &d
		}
		return &e, nil
	})
}

// ListFailures returns the most recently updated slot failures.
func (s *Store) ListFailures(ctx context.Context, limit int) ([]*Failure, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
SELECT slot, kind, message, occurrences, updated_at
FROM slot_failures
ORDER BY updated_at DESC, slot DESC
LIMIT $1`, limit)
	var failures []*Failure
	if err == nil {
		failures, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Failure, error) {
			var f Failure
			var slot int64
			if err := row.Scan(&slot, &f.Kind, &f.Message, &f.Occurrences, &f.UpdatedAt); err != nil {
				return nil, err
			}
			f.Slot = uint64(slot)
			return &f, nil
		})
	}
	s.record("select", "slot_failures", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	return failures, nil
}

// Publish implements report.Sink.
func (s *Store) Publish(ctx context.Context, r *report.Report) error {
	_, err := s.InsertReport(ctx, r)
	return err
}

// PublishFailure implements report.Sink.
func (s *Store) PublishFailure(ctx context.Context, f report.Failure) error {
	return s.InsertFailure(ctx, f)
}

func (s *Store) record(operation, table string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	s.metrics.RecordDBQuery(operation, table, time.Since(start).Seconds(), err)
}
