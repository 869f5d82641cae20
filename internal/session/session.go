package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-session-coordinator/internal/kv"
	"github.com/JakeFAU/crawl-session-coordinator/internal/metrics"
)

// Session is a stateless handle on one session's keys. It is safe for
// concurrent use; atomicity is exactly that of the individual store commands.
type Session struct {
	id     string
	store  kv.Store
	clock  Clock
	logger *zap.Logger
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Channel returns the pub/sub channel carrying this session's events.
func (s *Session) Channel() string { return Channel(s.id) }

// Meta decodes the metadata hash. It fails with ErrSessionNotFound when the
// hash is absent and ErrSchemaMismatch when fields required by the declared
// version are missing. Prefer IsValid before relying on it.
func (s *Session) Meta(ctx context.Context) (Meta, error) {
	raw, err := s.store.HGetAll(ctx, MetaKey(s.id))
	if err != nil {
		return Meta{}, fmt.Errorf("load session %s meta: %w", s.id, err)
	}
	if len(raw) == 0 {
		return Meta{}, fmt.Errorf("%w: %s", ErrSessionNotFound, s.id)
	}
	m, err := DecodeMeta(raw)
	if err != nil {
		return Meta{}, fmt.Errorf("decode session %s meta: %w", s.id, err)
	}
	return m, nil
}

// IsValid reports whether the metadata carries every field its version
// requires and the version is current. Schema problems are a false result,
// store failures an error.
func (s *Session) IsValid(ctx context.Context) (bool, error) {
	raw, err := s.store.HGetAll(ctx, MetaKey(s.id))
	if err != nil {
		return false, fmt.Errorf("load session %s meta: %w", s.id, err)
	}
	if _, err := ValidateMeta(raw); err != nil {
		s.logger.Debug("Session metadata failed validation", zap.Error(err))
		return false, nil
	}
	return true, nil
}

// Exists reports whether the metadata hash exists at all.
func (s *Session) Exists(ctx context.Context) (bool, error) {
	ok, err := s.store.Exists(ctx, MetaKey(s.id))
	if err != nil {
		return false, fmt.Errorf("check session %s: %w", s.id, err)
	}
	return ok, nil
}

// IsStopped reports whether status is STOPPED. A missing status field reads
// as not stopped.
func (s *Session) IsStopped(ctx context.Context) (bool, error) {
	raw, ok, err := s.store.HGet(ctx, MetaKey(s.id), FieldStatus)
	if err != nil {
		return false, fmt.Errorf("read session %s status: %w", s.id, err)
	}
	if !ok {
		return false, nil
	}
	status, err := ParseStatus(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q", ErrInvalidMeta, FieldStatus, raw)
	}
	return status == StatusStopped, nil
}

// IsAlive is Exists and not IsStopped.
func (s *Session) IsAlive(ctx context.Context) (bool, error) {
	exists, err := s.Exists(ctx)
	if err != nil || !exists {
		return false, err
	}
	stopped, err := s.IsStopped(ctx)
	if err != nil {
		return false, err
	}
	return !stopped, nil
}

// HasURL reports whether url was registered.
func (s *Session) HasURL(ctx context.Context, url string) (bool, error) {
	ok, err := s.store.HExists(ctx, URLsKey(s.id), url)
	if err != nil {
		return false, fmt.Errorf("check url: %w", err)
	}
	return ok, nil
}

// URLWorker returns the owner of url. ok is false when the URL was never
// registered; an empty owner means registered but unclaimed.
func (s *Session) URLWorker(ctx context.Context, url string) (worker string, ok bool, err error) {
	worker, ok, err = s.store.HGet(ctx, URLsKey(s.id), url)
	if err != nil {
		return "", false, fmt.Errorf("read url worker: %w", err)
	}
	return worker, ok, nil
}

// HasContent reports whether content was recorded for url.
func (s *Session) HasContent(ctx context.Context, url string) (bool, error) {
	ok, err := s.store.HExists(ctx, ContentKey(s.id), url)
	if err != nil {
		return false, fmt.Errorf("check content: %w", err)
	}
	return ok, nil
}

// URLCount returns the number of registered URLs.
func (s *Session) URLCount(ctx context.Context) (int64, error) {
	n, err := s.store.HLen(ctx, URLsKey(s.id))
	if err != nil {
		return 0, fmt.Errorf("count urls: %w", err)
	}
	return n, nil
}

// ContentCount returns the number of URLs with recorded content.
func (s *Session) ContentCount(ctx context.Context) (int64, error) {
	n, err := s.store.HLen(ctx, ContentKey(s.id))
	if err != nil {
		return 0, fmt.Errorf("count content: %w", err)
	}
	return n, nil
}

// TagUsage returns the usage and kept-out counts of a tag, zero when absent.
func (s *Session) TagUsage(ctx context.Context, tagID string) (usage, keepout int64, err error) {
	usage, err = s.hashInt(ctx, TagsUsageKey(s.id), tagID)
	if err != nil {
		return 0, 0, err
	}
	keepout, err = s.hashInt(ctx, TagsUsageKey(s.id), keepoutTag(tagID))
	if err != nil {
		return 0, 0, err
	}
	return usage, keepout, nil
}

// TagsUsage returns every tag counter as stored, kept-out entries included
// under their "n/" names.
func (s *Session) TagsUsage(ctx context.Context) (map[string]int64, error) {
	return s.hashInts(ctx, TagsUsageKey(s.id))
}

// SinceLastTagged returns the since_last_tagged counter, zero when absent.
func (s *Session) SinceLastTagged(ctx context.Context) (int64, error) {
	return s.hashInt(ctx, MetaKey(s.id), FieldSinceLastTagged)
}

// Heartbeat returns worker's last heartbeat in unix seconds. A worker that
// never reported reads as 0.
func (s *Session) Heartbeat(ctx context.Context, workerID string) (int64, error) {
	return s.hashInt(ctx, HeartbeatKey(s.id), workerID)
}

// Heartbeats returns the last heartbeat of every worker.
func (s *Session) Heartbeats(ctx context.Context) (map[string]int64, error) {
	return s.hashInts(ctx, HeartbeatKey(s.id))
}

// AddURL registers url as unclaimed. It returns true only for the call that
// created the field, and only that call bumps total_tasks. An existing owner
// is never cleared.
func (s *Session) AddURL(ctx context.Context, url string) (bool, error) {
	created, err := s.store.HSetNX(ctx, URLsKey(s.id), url, "")
	if err != nil {
		return false, fmt.Errorf("register url: %w", err)
	}
	if !created {
		return false, nil
	}
	if _, err := s.store.HIncrBy(ctx, MetaKey(s.id), FieldTotalTasks, 1); err != nil {
		return true, fmt.Errorf("count registered url: %w", err)
	}
	return true, nil
}

// SetURLWorker overwrites the owner of url unconditionally. Use ClaimURL
// when two workers may race for the same URL.
func (s *Session) SetURLWorker(ctx context.Context, url, workerID string) error {
	if _, err := s.store.HSet(ctx, URLsKey(s.id), url, workerID); err != nil {
		return fmt.Errorf("set url worker: %w", err)
	}
	return nil
}

// ClaimURL assigns url to workerID only if it is registered and unclaimed.
// Claiming a URL the worker already owns succeeds. A URL owned by someone
// else yields ErrAlreadyClaimed; an unknown URL yields ErrURLNotRegistered.
func (s *Session) ClaimURL(ctx context.Context, url, workerID string) error {
	if workerID == "" {
		return errors.New("claim url: worker id is required")
	}
	res, err := s.store.HCompareAndSet(ctx, URLsKey(s.id), url, "", workerID)
	if err != nil {
		return fmt.Errorf("claim url: %w", err)
	}
	switch res {
	case kv.CompareSwapped:
		metrics.ObserveClaim("claimed")
		return nil
	case kv.CompareMissing:
		metrics.ObserveClaim("unregistered")
		return fmt.Errorf("%w: %s", ErrURLNotRegistered, url)
	}
	owner, _, err := s.URLWorker(ctx, url)
	if err != nil {
		return err
	}
	if owner == workerID {
		metrics.ObserveClaim("owned")
		return nil
	}
	metrics.ObserveClaim("conflict")
	s.logger.Debug("URL claim lost",
		zap.String("url", url),
		zap.String("worker_id", workerID),
		zap.String("owner", owner),
	)
	return fmt.Errorf("%w: %s owned by %q", ErrAlreadyClaimed, url, owner)
}

// AddContent records that workerID produced content for url.
func (s *Session) AddContent(ctx context.Context, url, workerID string) error {
	if _, err := s.store.HSet(ctx, ContentKey(s.id), url, workerID); err != nil {
		return fmt.Errorf("add content: %w", err)
	}
	return nil
}

// Increment atomically bumps a broadcasting counter and publishes its name on
// the session channel. If only the publish fails the error matches
// ErrBroadcast, the increment has been applied, the returned value is valid,
// and callers must not retry the increment.
func (s *Session) Increment(ctx context.Context, counter Counter) (int64, error) {
	if _, err := ParseCounter(string(counter)); err != nil {
		return 0, err
	}
	n, err := s.store.HIncrBy(ctx, MetaKey(s.id), string(counter), 1)
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", counter, err)
	}
	if err := s.store.Publish(ctx, s.Channel(), string(counter)); err != nil {
		return n, fmt.Errorf("%w: publish %s: %w", ErrBroadcast, counter, err)
	}
	return n, nil
}

// IncCompleteURLs bumps complete_tasks and broadcasts.
func (s *Session) IncCompleteURLs(ctx context.Context) (int64, error) {
	return s.Increment(ctx, CounterCompleteTasks)
}

// IncFailedURLs bumps failed_tasks and broadcasts.
func (s *Session) IncFailedURLs(ctx context.Context) (int64, error) {
	return s.Increment(ctx, CounterFailedTasks)
}

// IncRejectedURLs bumps rejected_tasks and broadcasts.
func (s *Session) IncRejectedURLs(ctx context.Context) (int64, error) {
	return s.Increment(ctx, CounterRejectedTasks)
}

// IncCrawledContent bumps crawled_content and broadcasts.
func (s *Session) IncCrawledContent(ctx context.Context) (int64, error) {
	return s.Increment(ctx, CounterCrawledContent)
}

// IncEvaluatedContent bumps evaluated_content and broadcasts.
func (s *Session) IncEvaluatedContent(ctx context.Context) (int64, error) {
	return s.Increment(ctx, CounterEvaluatedContent)
}

// IncTagUsage bumps the tag's usage counter, or its kept-out counter when
// keepout is set.
func (s *Session) IncTagUsage(ctx context.Context, tagID string, keepout bool) error {
	field := tagID
	if keepout {
		field = keepoutTag(tagID)
	}
	if _, err := s.store.HIncrBy(ctx, TagsUsageKey(s.id), field, 1); err != nil {
		return fmt.Errorf("increment tag usage: %w", err)
	}
	return nil
}

// IncSinceLastTagged bumps since_last_tagged.
func (s *Session) IncSinceLastTagged(ctx context.Context) (int64, error) {
	n, err := s.store.HIncrBy(ctx, MetaKey(s.id), FieldSinceLastTagged, 1)
	if err != nil {
		return 0, fmt.Errorf("increment since_last_tagged: %w", err)
	}
	return n, nil
}

// ResetSinceLastTagged sets since_last_tagged to zero.
func (s *Session) ResetSinceLastTagged(ctx context.Context) error {
	if _, err := s.store.HSet(ctx, MetaKey(s.id), FieldSinceLastTagged, "0"); err != nil {
		return fmt.Errorf("reset since_last_tagged: %w", err)
	}
	return nil
}

// SetStatus writes status and broadcasts status_change. Any transition is
// allowed, including resurrecting a stopped session. A failed publish after
// the write matches ErrBroadcast.
func (s *Session) SetStatus(ctx context.Context, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("set status: unknown status %d", int(status))
	}
	if _, err := s.store.HSet(ctx, MetaKey(s.id), FieldStatus, strconv.Itoa(int(status))); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if err := s.store.Publish(ctx, s.Channel(), StatusChangeEvent); err != nil {
		return fmt.Errorf("%w: publish %s: %w", ErrBroadcast, StatusChangeEvent, err)
	}
	s.logger.Info("Session status changed", zap.Stringer("status", status))
	return nil
}

// SetLastReportedStatus mirrors a status owned by an external reporting
// system. It does not broadcast.
func (s *Session) SetLastReportedStatus(ctx context.Context, status int) error {
	if _, err := s.store.HSet(ctx, MetaKey(s.id), FieldLastReportedStatus, strconv.Itoa(status)); err != nil {
		return fmt.Errorf("set last reported status: %w", err)
	}
	return nil
}

// Postpone stamps last_postponed, bumps total_postponed, and adds the id to
// the store-wide postponed set. Status is left untouched.
func (s *Session) Postpone(ctx context.Context) error {
	now := strconv.FormatInt(s.clock.Now().Unix(), 10)
	if _, err := s.store.HSet(ctx, MetaKey(s.id), FieldLastPostponed, now); err != nil {
		return fmt.Errorf("postpone: %w", err)
	}
	if _, err := s.store.HIncrBy(ctx, MetaKey(s.id), FieldTotalPostponed, 1); err != nil {
		return fmt.Errorf("postpone: %w", err)
	}
	added, err := s.store.SAdd(ctx, PostponedKey, s.id)
	if err != nil {
		return fmt.Errorf("postpone: %w", err)
	}
	metrics.ObservePostponed("push", outcome(added, "added", "present"))
	return nil
}

// AddHeartbeat stamps workerID's heartbeat with the current unix time.
// Staleness is for callers to judge.
func (s *Session) AddHeartbeat(ctx context.Context, workerID string) error {
	now := strconv.FormatInt(s.clock.Now().Unix(), 10)
	if _, err := s.store.HSet(ctx, HeartbeatKey(s.id), workerID, now); err != nil {
		return fmt.Errorf("add heartbeat: %w", err)
	}
	return nil
}

func (s *Session) hashInt(ctx context.Context, key, field string) (int64, error) {
	raw, ok, err := s.store.HGet(ctx, key, field)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", field, err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidMeta, field, raw)
	}
	return n, nil
}

func (s *Session) hashInts(ctx context.Context, key string) (map[string]int64, error) {
	raw, err := s.store.HGetAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	out := make(map[string]int64, len(raw))
	for f, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s[%s]=%q", ErrInvalidMeta, key, f, v)
		}
		out[f] = n
	}
	return out, nil
}
