package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-session-coordinator/internal/progress"
	"github.com/JakeFAU/crawl-session-coordinator/internal/store"
)

// StoreSink persists per-session event tallies. Each batch is collapsed to
// one delta per (session, field) before it reaches the repository.
type StoreSink struct {
	repo   store.EventRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for repo.
func NewStoreSink(repo store.EventRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes the collapsed deltas. It stops at the first repository
// error and returns it.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[tallyKey]*tally)
	var order []tallyKey
	for _, evt := range batch {
		key := tallyKey{sessionID: evt.SessionID, field: evt.Field}
		t, ok := deltas[key]
		if !ok {
			t = &tally{}
			deltas[key] = t
			order = append(order, key)
		}
		t.n++
		if evt.TS.After(t.at) {
			t.at = evt.TS
		}
	}
	for _, key := range order {
		t := deltas[key]
		if err := s.repo.AddEventCount(ctx, key.sessionID, key.field, t.n, t.at); err != nil {
			return fmt.Errorf("add event count %s/%s: %w", key.sessionID, key.field, err)
		}
	}
	s.logger.Debug("Persisted session event tallies", zap.Int("events", len(batch)), zap.Int("rows", len(order)))
	return nil
}

// Close implements progress.Sink.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type tallyKey struct {
	sessionID string
	field     string
}

type tally struct {
	n  int64
	at time.Time
}
