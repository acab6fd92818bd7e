package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/pono/service/metrics"
	"github.com/brojonat/pono/service/report"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher is a report.Sink backed by NATS.
type Publisher interface {
	report.Sink

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamPublisher publishes reports to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

const (
	// StreamName is the name of the JetStream stream for MEV reports.
	StreamName = "PONO"

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = "pono.>"

	// StreamRetention is how long messages are retained (30 days by default).
	StreamRetention = 30 * 24 * time.Hour

	// DuplicateWindow bounds how long message IDs are remembered for dedup.
	DuplicateWindow = 10 * time.Minute
)

// NewPublisher creates a new JetStream publisher.
// It connects to NATS and ensures the stream exists.
// If metrics is nil, no metrics will be recorded.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	// Connect to NATS
	nc, err := nats.Connect(natsURL,
		nats.Name("pono-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}

	if err := publisher.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

// ensureStream creates the JetStream stream if it doesn't exist.
func (p *JetStreamPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := p.js.Stream(ctx, StreamName)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			p.logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	p.logger.Info("creating JetStream stream", "stream", StreamName)

	streamConfig := jetstream.StreamConfig{
		Name:        StreamName,
		Description: "MEV events, slot summaries and slot failures",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Duplicates:  DuplicateWindow,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	}

	_, err = p.js.CreateStream(ctx, streamConfig)
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

// Publish implements report.Sink. Every message is attempted; failures are
// logged and returned joined.
func (p *JetStreamPublisher) Publish(ctx context.Context, r *report.Report) error {
	msgs, err := ReportMessages(r, time.Now().UTC())
	if err != nil {
		return err
	}

	var errs []error
	for _, msg := range msgs {
		if err := p.publish(ctx, msg); err != nil {
			p.logger.ErrorContext(ctx, "failed to publish message",
				"subject", msg.Subject,
				"slot", r.Block.Slot,
				"error", err,
			)
			errs = append(errs, err)
		}
	}

	p.logger.DebugContext(ctx, "published slot report",
		"slot", r.Block.Slot,
		"messages", len(msgs),
		"failed", len(errs),
	)
	return errors.Join(errs...)
}

// PublishFailure implements report.Sink.
func (p *JetStreamPublisher) PublishFailure(ctx context.Context, f report.Failure) error {
	msg, err := FailureMessageFor(f, time.Now().UTC())
	if err != nil {
		return err
	}
	return p.publish(ctx, msg)
}

func (p *JetStreamPublisher) publish(ctx context.Context, msg Message) error {
	start := time.Now()
	_, err := p.js.Publish(ctx, msg.Subject, msg.Data, jetstream.WithMsgID(msg.ID))

	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		// Slot subjects are unbounded; label by prefix instead.
		p.metrics.RecordNATSPublish(subjectLabel(msg.Subject), status, time.Since(start).Seconds())
	}

	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Subject, err)
	}
	return nil
}

func subjectLabel(subject string) string {
	if strings.HasPrefix(subject, SlotSubjectPrefix) {
		return SlotSubjectPrefix + "*"
	}
	return subject
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
