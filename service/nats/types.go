package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/brojonat/pono/service/aggregate"
	"github.com/brojonat/pono/service/mev"
	"github.com/brojonat/pono/service/report"
)

// Subjects under the PONO stream.
const (
	// SlotSubjectPrefix is followed by the slot number: "pono.slots.381165825".
	SlotSubjectPrefix = "pono.slots."

	// EventSubjectPrefix is followed by the event kind: "pono.mev.arbitrage".
	EventSubjectPrefix = "pono.mev."

	// FailureSubject receives every slot failure.
	FailureSubject = "pono.failures"
)

// SlotMessage is published to "pono.slots.{slot}" for every analyzed slot.
type SlotMessage struct {
	Summary     aggregate.SlotSummary `json:"summary"`
	PublishedAt time.Time             `json:"published_at"`
}

// EventMessage is published to "pono.mev.{kind}" for every detected event.
type EventMessage struct {
	Slot        uint64    `json:"slot"`
	Blockhash   string    `json:"blockhash"`
	Timestamp   int64     `json:"timestamp"`
	Kind        mev.Kind  `json:"kind"`
	Event       mev.Event `json:"event"`
	PublishedAt time.Time `json:"published_at"`
}

// FailureMessage is published to "pono.failures".
type FailureMessage struct {
	report.Failure
	PublishedAt time.Time `json:"published_at"`
}

// Message is an encoded payload ready to publish.
type Message struct {
	Subject string
	// ID deduplicates republished messages within the stream's duplicate window.
	ID   string
	Data []byte
}

// SlotSubject returns the subject for a slot summary.
func SlotSubject(slot uint64) string {
	return fmt.Sprintf("%s%d", SlotSubjectPrefix, slot)
}

// EventSubject returns the subject for events of kind.
func EventSubject(kind mev.Kind) string {
	return EventSubjectPrefix + string(kind)
}

// ReportMessages encodes a report as one message per event followed by the
// slot summary.
func ReportMessages(r *report.Report, now time.Time) ([]Message, error) {
	msgs := make([]Message, 0, len(r.Events)+1)
	for _, ev := range r.Events {
		data, err := json.Marshal(EventMessage{
			Slot:        r.Block.Slot,
			Blockhash:   r.Block.Blockhash,
			Timestamp:   r.Block.Timestamp,
			Kind:        ev.EventKind(),
			Event:       ev,
			PublishedAt: now,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s event: %w", ev.EventKind(), err)
		}
		msgs = append(msgs, Message{
			Subject: EventSubject(ev.EventKind()),
			ID:      fmt.Sprintf("%s-%d-%s", ev.EventKind(), r.Block.Slot, ev.Primary().Signature),
			Data:    data,
		})
	}

	data, err := json.Marshal(SlotMessage{Summary: r.Summary, PublishedAt: now})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal slot summary: %w", err)
	}
	msgs = append(msgs, Message{
		Subject: SlotSubject(r.Block.Slot),
		ID:      fmt.Sprintf("slot-%d", r.Block.Slot),
		Data:    data,
	})
	return msgs, nil
}

// FailureMessageFor encodes a failure.
func FailureMessageFor(f report.Failure, now time.Time) (Message, error) {
	data, err := json.Marshal(FailureMessage{Failure: f, PublishedAt: now})
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal failure: %w", err)
	}
	return Message{
		Subject: FailureSubject,
		ID:      fmt.Sprintf("failure-%d-%s", f.Slot, f.Kind),
		Data:    data,
	}, nil
}

// ReceivedEvent is an EventMessage decoded by a subscriber.
type ReceivedEvent struct {
	Slot        uint64    `json:"slot"`
	Blockhash   string    `json:"blockhash"`
	Timestamp   int64     `json:"timestamp"`
	Kind        mev.Kind  `json:"kind"`
	Event       mev.Event `json:"-"`
	PublishedAt time.Time `json:"published_at"`
}

// DecodeEventMessage decodes the payload of a "pono.mev.*" message.
func DecodeEventMessage(data []byte) (*ReceivedEvent, error) {
	var envelope struct {
		ReceivedEvent
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event message: %w", err)
	}

	received := envelope.ReceivedEvent
	switch received.Kind {
	case mev.KindArbitrage:
		received.Event = &mev.Arbitrage{}
	case mev.KindSandwich:
		received.Event = &mev.Sandwich{}
	default:
		return nil, fmt.Errorf("unknown event kind %q", received.Kind)
	}
	if err := json.Unmarshal(envelope.Event, received.Event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s event: %w", received.Kind, err)
	}
	return &received, nil
}
