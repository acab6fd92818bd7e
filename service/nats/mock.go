package nats

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/brojonat/pono/service/report"
)

// MockPublisher is a mock implementation of Publisher for testing.
// It encodes messages exactly like JetStreamPublisher and keeps them in memory.
type MockPublisher struct {
	mu           sync.RWMutex
	published    []Message
	publishError error
	failureError error
	closed       bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		published: make([]Message, 0),
	}
}

// Publish records the report's messages and returns any configured error.
func (m *MockPublisher) Publish(ctx context.Context, r *report.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}

	msgs, err := ReportMessages(r, time.Now().UTC())
	if err != nil {
		return err
	}
	m.published = append(m.published, msgs...)
	return nil
}

// PublishFailure records the failure message and returns any configured error.
func (m *MockPublisher) PublishFailure(ctx context.Context, f report.Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failureError != nil {
		return m.failureError
	}

	msg, err := FailureMessageFor(f, time.Now().UTC())
	if err != nil {
		return err
	}
	m.published = append(m.published, msg)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublished returns all published messages (for testing).
func (m *MockPublisher) GetPublished() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Return a copy to avoid race conditions
	msgs := make([]Message, len(m.published))
	copy(msgs, m.published)
	return msgs
}

// GetPublishedCount returns the number of published messages.
func (m *MockPublisher) GetPublishedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.published)
}

// GetPublishedForSubject returns messages whose subject starts with prefix.
func (m *MockPublisher) GetPublishedForSubject(prefix string) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := make([]Message, 0)
	for _, msg := range m.published {
		if strings.HasPrefix(msg.Subject, prefix) {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// SetPublishError configures the mock to return an error on Publish.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// SetFailureError configures the mock to return an error on PublishFailure.
func (m *MockPublisher) SetFailureError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failureError = err
}

// Reset clears all published messages and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = make([]Message, 0)
	m.publishError = nil
	m.failureError = nil
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
