// Package session coordinates crawl sessions shared by many workers through
// a kv.Store. Manager creates, locates, validates, and retires sessions and
// owns the store-wide postponed set; Session exposes the atomic bookkeeping
// operations for one session. Neither type keeps durable state in memory:
// every Session for the same id, in any process, observes the same store.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-session-coordinator/internal/clock/system"
	"github.com/JakeFAU/crawl-session-coordinator/internal/id/uuid"
	"github.com/JakeFAU/crawl-session-coordinator/internal/kv"
	"github.com/JakeFAU/crawl-session-coordinator/internal/metrics"
)

const defaultMaxCreateAttempts = 5

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session ids.
type IDGenerator interface {
	NewID() (string, error)
}

// ManagerConfig tunes the Manager.
type ManagerConfig struct {
	// MaxCreateAttempts bounds id regeneration on collision (default 5).
	MaxCreateAttempts int
}

// Manager is the entry point for session lifecycle operations. It holds the
// one store handle that every Session it hands out shares.
type Manager struct {
	store  kv.Store
	ids    IDGenerator
	clock  Clock
	cfg    ManagerConfig
	logger *zap.Logger
}

// NewManager wires a Manager. Nil ids/clock/logger fall back to UUIDv7 ids,
// the system UTC clock, and a no-op logger.
func NewManager(store kv.Store, ids IDGenerator, clock Clock, cfg ManagerConfig, logger *zap.Logger) *Manager {
	if ids == nil {
		ids = uuid.New()
	}
	if clock == nil {
		clock = system.New()
	}
	if cfg.MaxCreateAttempts <= 0 {
		cfg.MaxCreateAttempts = defaultMaxCreateAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		ids:    ids,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// Session binds id without checking that it exists or is valid. Use Get for
// ids that come from outside.
func (m *Manager) Session(id string) *Session {
	return &Session{
		id:     id,
		store:  m.store,
		clock:  m.clock,
		logger: m.logger.With(zap.String("session_id", id)),
	}
}

// Create writes a fresh session's metadata and returns it bound. The version
// field is claimed with HSETNX first, so an id that already exists in the
// store is rejected and regenerated instead of overwritten.
func (m *Manager) Create(ctx context.Context, hintID, url string) (*Session, error) {
	for attempt := 1; attempt <= m.cfg.MaxCreateAttempts; attempt++ {
		id, err := m.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate session id: %w", err)
		}
		created, err := m.store.HSetNX(ctx, MetaKey(id), FieldVersion, strconv.Itoa(SchemaVersion))
		if err != nil {
			return nil, fmt.Errorf("reserve session %s: %w", id, err)
		}
		if !created {
			m.logger.Warn("Session id collision, regenerating",
				zap.String("session_id", id),
				zap.Int("attempt", attempt),
			)
			continue
		}
		if err := m.store.HSetMap(ctx, MetaKey(id), initialMeta(hintID, url)); err != nil {
			if _, delErr := m.store.Del(ctx, MetaKey(id)); delErr != nil {
				m.logger.Warn("Failed to release half-created session",
					zap.String("session_id", id),
					zap.Error(delErr),
				)
			}
			return nil, fmt.Errorf("write session %s meta: %w", id, err)
		}
		metrics.ObserveSessionCreated()
		m.logger.Info("Session created",
			zap.String("session_id", id),
			zap.String("hint_id", hintID),
			zap.String("url", url),
		)
		return m.Session(id), nil
	}
	return nil, fmt.Errorf("%w: gave up after %d attempts", ErrIDCollision, m.cfg.MaxCreateAttempts)
}

// Has reports whether metadata exists for id, valid or not.
func (m *Manager) Has(ctx context.Context, id string) (bool, error) {
	ok, err := m.store.Exists(ctx, MetaKey(id))
	if err != nil {
		return false, fmt.Errorf("check session %s: %w", id, err)
	}
	return ok, nil
}

// Get returns the session only if it exists and passes schema validation.
// Both failures match ErrSessionNotFound; an invalid schema also matches
// ErrSchemaMismatch so callers can tell the two apart.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	raw, err := m.store.HGetAll(ctx, MetaKey(id))
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if _, err := ValidateMeta(raw); err != nil {
		m.logger.Debug("Session metadata failed validation",
			zap.String("session_id", id),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %s: %w", ErrSessionNotFound, id, err)
	}
	return m.Session(id), nil
}

// Remove deletes the session's five keys and its postponed-set membership.
// Removing an absent session is not an error.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if _, err := m.store.Del(ctx, sessionKeys(id)...); err != nil {
		return fmt.Errorf("remove session %s: %w", id, err)
	}
	if _, err := m.store.SRem(ctx, PostponedKey, id); err != nil {
		return fmt.Errorf("remove session %s from postponed set: %w", id, err)
	}
	metrics.ObserveSessionRemoved()
	m.logger.Info("Session removed", zap.String("session_id", id))
	return nil
}

// IDs lists up to limit session ids by scanning metadata keys. limit <= 0
// lists all of them. Order is unspecified; this is for operational tooling.
func (m *Manager) IDs(ctx context.Context, limit int) ([]string, error) {
	keys, err := m.store.Keys(ctx, MetaKeyPrefix+"*", limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k[len(MetaKeyPrefix):])
	}
	return ids, nil
}

// ListPostponed returns the postponed set; empty if the set does not exist.
func (m *Manager) ListPostponed(ctx context.Context) ([]string, error) {
	ids, err := m.store.SMembers(ctx, PostponedKey)
	if err != nil {
		return nil, fmt.Errorf("list postponed sessions: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// PushPostponed adds id to the postponed set. Adding twice is a no-op.
func (m *Manager) PushPostponed(ctx context.Context, id string) error {
	added, err := m.store.SAdd(ctx, PostponedKey, id)
	if err != nil {
		return fmt.Errorf("postpone session %s: %w", id, err)
	}
	metrics.ObservePostponed("push", outcome(added, "added", "present"))
	return nil
}

// PopPostponed atomically removes id from the postponed set and returns the
// session. ErrNotPostponed means id was not a member and nothing changed.
// After a successful removal the session itself may be gone (the double
// miss), in which case the error matches ErrSessionNotFound.
func (m *Manager) PopPostponed(ctx context.Context, id string) (*Session, error) {
	removed, err := m.store.SRem(ctx, PostponedKey, id)
	if err != nil {
		return nil, fmt.Errorf("pop postponed session %s: %w", id, err)
	}
	if !removed {
		metrics.ObservePostponed("pop", "miss")
		return nil, fmt.Errorf("%w: %s", ErrNotPostponed, id)
	}
	s, err := m.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			metrics.ObservePostponed("pop", "gone")
			m.logger.Warn("Popped postponed session that no longer exists", zap.String("session_id", id))
		}
		return nil, err
	}
	metrics.ObservePostponed("pop", "hit")
	return s, nil
}

// IsReady pings the store. It never returns an error; any failure reads as
// not ready.
func (m *Manager) IsReady(ctx context.Context) bool {
	if err := m.store.Ping(ctx); err != nil {
		m.logger.Debug("Store not ready", zap.Error(err))
		return false
	}
	return true
}

func outcome(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
