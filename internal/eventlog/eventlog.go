// Package eventlog gates webhook events on the persistent billing event log.
// The event id is the table key, so duplicate deliveries are rejected by
// storage even when two arrive concurrently.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"llmready/internal/models"
	"llmready/internal/store"
)

type Decision int

const (
	Apply Decision = iota
	Duplicate
	Stale
)

func (d Decision) String() string {
	switch d {
	case Apply:
		return "apply"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	}
	return "unknown"
}

var now = func() time.Time { return time.Now().UTC() }

// ShouldProcess decides whether an event may be applied. An event older
// than the newest processed event of the same type is recorded as processed
// inside tx and reported as Stale, so it is never considered again.
func ShouldProcess(ctx context.Context, tx store.Tx, eventID, eventType string, created int64) (Decision, error) {
	exists, err := tx.EventExists(ctx, eventID)
	if err != nil {
		return Apply, fmt.Errorf("check event %s: %w", eventID, err)
	}
	if exists {
		return Duplicate, nil
	}

	latest, ok, err := tx.LatestProcessedEventTime(ctx, eventType)
	if err != nil {
		return Apply, fmt.Errorf("latest %s event: %w", eventType, err)
	}
	if ok && latest > created {
		if err := MarkProcessed(ctx, tx, eventID, eventType, created); err != nil {
			if errors.Is(err, store.ErrDuplicateEvent) {
				return Duplicate, nil
			}
			return Apply, err
		}
		return Stale, nil
	}
	return Apply, nil
}

// MarkProcessed appends a processed row. It returns store.ErrDuplicateEvent
// when the id is already logged.
func MarkProcessed(ctx context.Context, tx store.Tx, eventID, eventType string, created int64) error {
	return tx.InsertEvent(ctx, models.BillingEvent{
		EventID:      eventID,
		EventType:    eventType,
		EventCreated: created,
		Status:       models.EventStatusProcessed,
		ProcessedAt:  now(),
	})
}

// MarkFailed records a failed event in its own transaction, after the
// handler's transaction has rolled back. A concurrent record of the same id
// wins and is left untouched.
func MarkFailed(ctx context.Context, s store.Store, eventID, eventType string, created int64, detail string) error {
	err := s.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertEvent(ctx, models.BillingEvent{
			EventID:      eventID,
			EventType:    eventType,
			EventCreated: created,
			Status:       models.EventStatusFailed,
			ProcessedAt:  now(),
			ErrorDetail:  truncate(detail, 2000),
		})
	})
	if errors.Is(err, store.ErrDuplicateEvent) {
		return nil
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
