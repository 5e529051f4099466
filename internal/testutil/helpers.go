// Package testutil holds fixtures and helpers shared by tests.
package testutil

import (
	"io"
	"log/slog"
	"time"

	"github.com/archon-research/queue-consumer/internal/domain/entity"
)

// DiscardLogger returns an slog.Logger that writes to io.Discard.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// FixtureMessages returns the two-message batch used across consumer tests.
func FixtureMessages() []entity.Message {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return []entity.Message{
		{
			ID:            "abcderhbub",
			PopReceipt:    "#6788888",
			InsertedAt:    now,
			ExpiresAt:     now.Add(7 * 24 * time.Hour),
			NextVisibleAt: now.Add(30 * time.Second),
			Body:          `{"hello":"world","a":5}`,
		},
		{
			ID:            "gjhcvf",
			PopReceipt:    "#1234",
			InsertedAt:    now,
			ExpiresAt:     now.Add(7 * 24 * time.Hour),
			NextVisibleAt: now.Add(30 * time.Second),
			Body:          `{"world":"hello","a":5}`,
		},
	}
}
