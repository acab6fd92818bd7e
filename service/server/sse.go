package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/pono/service/metrics"
	"github.com/brojonat/pono/service/mev"
	natspkg "github.com/brojonat/pono/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const sseKeepalive = 10 * time.Second

// EventSubscriber delivers raw "pono.mev.*" payloads matching subject to
// handle until stop is called. handle may block.
type EventSubscriber interface {
	Subscribe(ctx context.Context, subject string, handle func(data []byte)) (stop func(), err error)
	Close() error
}

// SSEPublisher relays MEV events from JetStream to Server-Sent Events clients.
// Each client gets its own ephemeral consumer.
type SSEPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSSEPublisher connects to NATS.
func NewSSEPublisher(natsURL string, logger *slog.Logger) (*SSEPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("pono-sse-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("SSE publisher initialized", "nats_url", natsURL)

	return &SSEPublisher{
		nc:     nc,
		js:     js,
		logger: logger,
	}, nil
}

// Subscribe creates an ephemeral consumer that only sees messages published
// after it was created.
func (p *SSEPublisher) Subscribe(ctx context.Context, subject string, handle func(data []byte)) (func(), error) {
	cons, err := p.js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		handle(msg.Data())
		msg.Ack()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming messages: %w", err)
	}
	return cc.Stop, nil
}

// Close closes the NATS connection.
func (p *SSEPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("SSE publisher closed")
	}
	return nil
}

// handleStreamEvents streams MEV events as SSE. The optional {kind} path
// parameter narrows the stream to arbitrage or sandwich events.
// GET /api/v1/stream/events[/{kind}]
func handleStreamEvents(subscriber EventSubscriber, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		kind := r.PathValue("kind")
		subject := natspkg.EventSubjectPrefix + ">"
		label := "all"
		if kind != "" {
			if kind != string(mev.KindArbitrage) && kind != string(mev.KindSandwich) {
				writeError(w, "invalid kind: must be 'arbitrage' or 'sandwich'", http.StatusBadRequest)
				return
			}
			subject = natspkg.EventSubject(mev.Kind(kind))
			label = kind
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		msgChan := make(chan []byte, 10)
		stop, err := subscriber.Subscribe(ctx, subject, func(data []byte) {
			select {
			case msgChan <- data:
			case <-ctx.Done():
			}
		})
		if err != nil {
			logger.ErrorContext(ctx, "failed to subscribe", "subject", subject, "error", err)
			writeError(w, "failed to subscribe", http.StatusServiceUnavailable)
			return
		}
		defer stop()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		if m != nil {
			m.RecordSSEConnectionChange(label, 1)
			defer m.RecordSSEConnectionChange(label, -1)
		}
		logger.DebugContext(ctx, "SSE client connected", "kind", label, "remote_addr", r.RemoteAddr)

		fmt.Fprintf(w, "event: connected\ndata: {\"kind\":%q}\n\n", label)
		flusher.Flush()

		keepalive := time.NewTicker(sseKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flusher.Flush()

			case data := <-msgChan:
				received, err := natspkg.DecodeEventMessage(data)
				if err != nil {
					logger.WarnContext(ctx, "dropping undecodable event", "error", err)
					continue
				}

				fmt.Fprintf(w, "event: mev\ndata: %s\n\n", data)
				flusher.Flush()

				if m != nil {
					m.RecordSSEEventSent(string(received.Kind))
				}
				logger.DebugContext(ctx, "sent mev event",
					"slot", received.Slot,
					"kind", received.Kind,
					"signature", received.Event.Primary().Signature,
				)

			case <-ctx.Done():
				logger.DebugContext(ctx, "SSE client disconnected", "kind", label, "remote_addr", r.RemoteAddr)
				return
			}
		}
	})
}
