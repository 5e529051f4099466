package entity

import (
	"fmt"
	"time"
)

// Message is a single delivery of a queued message.
// Identity is the (ID, PopReceipt) pair; the receipt is valid for one delete
// and expires with the visibility window.
type Message struct {
	ID            string
	PopReceipt    string
	InsertedAt    time.Time
	ExpiresAt     time.Time
	NextVisibleAt time.Time
	DequeueCount  uint
	Body          string // opaque, never parsed by the consumer
}

// NewMessage creates a new Message entity.
func NewMessage(id, popReceipt, body string, dequeueCount uint, insertedAt, expiresAt, nextVisibleAt time.Time) (*Message, error) {
	m := &Message{
		ID:            id,
		PopReceipt:    popReceipt,
		InsertedAt:    insertedAt,
		ExpiresAt:     expiresAt,
		NextVisibleAt: nextVisibleAt,
		DequeueCount:  dequeueCount,
		Body:          body,
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// validate checks that all fields have valid values.
func (m *Message) validate() error {
	if m.ID == "" {
		return fmt.Errorf("id must not be empty")
	}
	if m.PopReceipt == "" {
		return fmt.Errorf("popReceipt must not be empty")
	}
	if !m.ExpiresAt.IsZero() && !m.InsertedAt.IsZero() && m.ExpiresAt.Before(m.InsertedAt) {
		return fmt.Errorf("expiresAt %s is before insertedAt %s", m.ExpiresAt, m.InsertedAt)
	}
	return nil
}

// ReceiveResult is the outcome of one receive call.
// A non-empty ErrorCode means the call completed but the queue service
// reported an application-level error; Messages must be ignored in that case.
type ReceiveResult struct {
	Messages  []Message
	ErrorCode string
}

// HasError reports whether the queue service flagged the receive as failed.
func (r ReceiveResult) HasError() bool {
	return r.ErrorCode != ""
}

// IDs returns the message IDs in batch order.
func (r ReceiveResult) IDs() []string {
	ids := make([]string, len(r.Messages))
	for i, m := range r.Messages {
		ids[i] = m.ID
	}
	return ids
}

// CreateOutcome is the result of the idempotent create-if-absent call.
type CreateOutcome struct {
	// Created is false when the queue already existed.
	Created bool

	// Location identifies the queue at the service (URL or key prefix).
	Location string

	RequestID string
}

// DeleteOutcome is the result of deleting one message.
type DeleteOutcome struct {
	MessageID string
	RequestID string
}
