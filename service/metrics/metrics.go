package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal    *prometheus.CounterVec
	solanaRPCCallDuration  *prometheus.HistogramVec
	solanaRPCRetries       *prometheus.CounterVec
	rateLimitWaitDuration  prometheus.Histogram
	blockTransactionsTotal prometheus.Histogram

	// Stream Metrics
	slotsProcessedTotal *prometheus.CounterVec
	slotGapsTotal       *prometheus.CounterVec
	streamHeadSlot      prometheus.Gauge
	streamLagSlots      prometheus.Gauge

	// Detection Metrics
	mevEventsTotal       *prometheus.CounterVec
	mevUnresolvedTotal   *prometheus.CounterVec
	detectionDuration    prometheus.Histogram
	priceLookupsTotal    *prometheus.CounterVec
	priceCacheEntries    *prometheus.GaugeVec
	outboundHTTPDuration *prometheus.HistogramVec
	outboundHTTPRequests *prometheus.CounterVec

	// Backfill Metrics
	backfillActivityDuration *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections *prometheus.GaugeVec
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method"},
		),
		solanaRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),
		rateLimitWaitDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rate_limit_wait_seconds",
				Help:    "Time spent waiting for a rate limiter token",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		blockTransactionsTotal: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "block_transactions",
				Help:    "Number of transactions per decoded block",
				Buckets: []float64{100, 250, 500, 1000, 2000, 4000, 8000},
			},
		),

		// Stream Metrics
		slotsProcessedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slots_processed_total",
				Help: "Total number of slots processed by outcome",
			},
			[]string{"outcome"},
		),
		slotGapsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slot_gaps_total",
				Help: "Total number of slots skipped by the stream by reason",
			},
			[]string{"reason"},
		),
		streamHeadSlot: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "stream_head_slot",
				Help: "Last slot emitted by the stream supervisor",
			},
		),
		streamLagSlots: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "stream_lag_slots",
				Help: "Number of slots between the last emitted slot and the chain tip",
			},
		),

		// Detection Metrics
		mevEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mev_events_total",
				Help: "Total number of MEV events detected by kind",
			},
			[]string{"kind"},
		),
		mevUnresolvedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mev_unresolved_profit_total",
				Help: "Total number of MEV events whose profit could not be priced",
			},
			[]string{"kind"},
		),
		detectionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mev_detection_duration_seconds",
				Help:    "Duration of detection and valuation per block in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		priceLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "price_lookups_total",
				Help: "Total number of price lookups by source and status",
			},
			[]string{"source", "status"},
		),
		priceCacheEntries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "price_cache_entries",
				Help: "Number of cached price lookups by source",
			},
			[]string{"source"},
		),
		outboundHTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outbound_http_request_duration_seconds",
				Help:    "Duration of outbound HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"client", "method", "status"},
		),
		outboundHTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbound_http_requests_total",
				Help: "Total number of outbound HTTP requests",
			},
			[]string{"client", "method", "status"},
		),

		// Backfill Metrics
		backfillActivityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backfill_activity_duration_seconds",
				Help:    "Duration of backfill activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"activity", "outcome"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
			[]string{"kind"},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"kind"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method).Observe(duration)
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	m.solanaRPCRetries.WithLabelValues(method, reason).Inc()
}

// RecordRateLimitWait records time spent blocked on the rate limiter.
func (m *Metrics) RecordRateLimitWait(duration float64) {
	m.rateLimitWaitDuration.Observe(duration)
}

// RecordBlockDecoded records the size of a decoded block.
func (m *Metrics) RecordBlockDecoded(transactions int) {
	m.blockTransactionsTotal.Observe(float64(transactions))
}

// Stream metric helpers

// RecordSlot records the outcome of processing one slot.
func (m *Metrics) RecordSlot(outcome string) {
	m.slotsProcessedTotal.WithLabelValues(outcome).Inc()
}

// RecordGap records slots skipped by the stream.
func (m *Metrics) RecordGap(reason string, slots uint64) {
	m.slotGapsTotal.WithLabelValues(reason).Add(float64(slots))
}

// RecordStreamPosition records the emitted head and its distance from the tip.
func (m *Metrics) RecordStreamPosition(head, tip uint64) {
	m.streamHeadSlot.Set(float64(head))
	lag := 0.0
	if tip > head {
		lag = float64(tip - head)
	}
	m.streamLagSlots.Set(lag)
}

// Detection metric helpers

// RecordMEVEvent records a detected MEV event and whether its profit resolved.
func (m *Metrics) RecordMEVEvent(kind string, resolved bool) {
	m.mevEventsTotal.WithLabelValues(kind).Inc()
	if !resolved {
		m.mevUnresolvedTotal.WithLabelValues(kind).Inc()
	}
}

// RecordDetection records how long detection and valuation took for one block.
func (m *Metrics) RecordDetection(duration float64) {
	m.detectionDuration.Observe(duration)
}

// RecordPriceLookup records a price lookup. Status is one of hit, miss, absent or error.
func (m *Metrics) RecordPriceLookup(source, status string) {
	m.priceLookupsTotal.WithLabelValues(source, status).Inc()
}

// RecordPriceCacheEntries sets the number of cached lookups for source.
func (m *Metrics) RecordPriceCacheEntries(source string, entries int) {
	m.priceCacheEntries.WithLabelValues(source).Set(float64(entries))
}

// RecordOutboundHTTP records an outbound HTTP request with duration.
func (m *Metrics) RecordOutboundHTTP(client, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.outboundHTTPDuration.WithLabelValues(client, method, status).Observe(duration)
	m.outboundHTTPRequests.WithLabelValues(client, method, status).Inc()
}

// Backfill metric helpers

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity, outcome string, duration float64) {
	m.backfillActivityDuration.WithLabelValues(activity, outcome).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
// kind is the event kind filter, or "all".
func (m *Metrics) RecordSSEConnectionChange(kind string, delta float64) {
	m.sseActiveConnections.WithLabelValues(kind).Add(delta)
}

// RecordSSEEventSent records an MEV event written to an SSE client.
func (m *Metrics) RecordSSEEventSent(kind string) {
	m.sseEventsSent.WithLabelValues(kind).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
