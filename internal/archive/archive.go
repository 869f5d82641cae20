// Package archive retires finished crawl sessions. Retiring captures a
// snapshot of every session hash, writes it to a blob store with a SHA-256
// digest, records a summary row, and only then removes the live keys.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-session-coordinator/internal/clock/system"
	"github.com/JakeFAU/crawl-session-coordinator/internal/hash/sha256"
	"github.com/JakeFAU/crawl-session-coordinator/internal/metrics"
	"github.com/JakeFAU/crawl-session-coordinator/internal/session"
	"github.com/JakeFAU/crawl-session-coordinator/internal/store"
)

const (
	defaultPrefix       = "sessions"
	snapshotContentType = "application/json"
)

// ErrStillRunning is returned when retiring a session that is not STOPPED
// without force.
var ErrStillRunning = errors.New("session is still running")

// BlobStore persists snapshot bytes.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
	DeleteObject(ctx context.Context, path string) error
}

// Hasher digests snapshot bytes.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Snapshot is the full state of one session at a point in time.
type Snapshot struct {
	SessionID    string           `json:"session_id"`
	Meta         session.Meta     `json:"meta"`
	URLCount     int64            `json:"url_count"`
	ContentCount int64            `json:"content_count"`
	TagsUsage    map[string]int64 `json:"tags_usage"`
	Heartbeats   map[string]int64 `json:"heartbeats"`
	Postponed    bool             `json:"postponed"`
	TakenAt      time.Time        `json:"taken_at"`
}

// Options configures an Archiver. Zero values pick defaults.
type Options struct {
	// Prefix is the blob path prefix (default "sessions").
	Prefix string
	Hasher Hasher
	Clock  Clock
	Logger *zap.Logger
}

// Archiver retires sessions from the live store.
type Archiver struct {
	manager *session.Manager
	blobs   BlobStore
	repo    store.ArchiveRepository
	hasher  Hasher
	clock   Clock
	prefix  string
	logger  *zap.Logger
}

// New wires an Archiver. repo may be nil, in which case only the blob is
// written and the returned record is not persisted.
func New(manager *session.Manager, blobs BlobStore, repo store.ArchiveRepository, opts Options) (*Archiver, error) {
	if manager == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.Hasher == nil {
		opts.Hasher = sha256.New()
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Archiver{
		manager: manager,
		blobs:   blobs,
		repo:    repo,
		hasher:  opts.Hasher,
		clock:   opts.Clock,
		prefix:  opts.Prefix,
		logger:  opts.Logger,
	}, nil
}

// Snapshot reads the session's current state. The session must exist and be
// valid.
func (a *Archiver) Snapshot(ctx context.Context, id string) (Snapshot, error) {
	s, err := a.manager.Get(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	meta, err := s.Meta(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{SessionID: id, Meta: meta, TakenAt: a.clock.Now()}
	if snap.URLCount, err = s.URLCount(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.ContentCount, err = s.ContentCount(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.TagsUsage, err = s.TagsUsage(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.Heartbeats, err = s.Heartbeats(ctx); err != nil {
		return Snapshot{}, err
	}
	postponed, err := a.manager.ListPostponed(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Postponed = slices.Contains(postponed, id)
	return snap, nil
}

// ObjectPath returns the blob path a session's snapshot is written to.
func (a *Archiver) ObjectPath(id string) string {
	return path.Join(a.prefix, id+".json")
}

// Retire archives the session and removes it from the live store. Unless
// force is set the session must be STOPPED. If the summary row cannot be
// saved the blob is deleted and the session is left in place. A failure to
// remove the live keys after a successful save returns the record together
// with the error.
func (a *Archiver) Retire(ctx context.Context, id string, force bool) (store.ArchiveRecord, error) {
	snap, err := a.Snapshot(ctx, id)
	if err != nil {
		metrics.ObserveArchive("snapshot_failed", 0)
		return store.ArchiveRecord{}, err
	}
	if !force && snap.Meta.Status != session.StatusStopped {
		metrics.ObserveArchive("still_running", 0)
		return store.ArchiveRecord{}, fmt.Errorf("%w: %s", ErrStillRunning, id)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return store.ArchiveRecord{}, fmt.Errorf("encode snapshot %s: %w", id, err)
	}
	digest, err := a.hasher.Hash(data)
	if err != nil {
		return store.ArchiveRecord{}, fmt.Errorf("digest snapshot %s: %w", id, err)
	}
	objectPath := a.ObjectPath(id)
	uri, err := a.blobs.PutObject(ctx, objectPath, snapshotContentType, bytes.NewReader(data))
	if err != nil {
		metrics.ObserveArchive("blob_failed", 0)
		return store.ArchiveRecord{}, fmt.Errorf("write snapshot %s: %w", id, err)
	}

	rec := recordFor(snap, uri, digest, int64(len(data)))
	if a.repo != nil {
		if err := a.repo.SaveArchive(ctx, rec); err != nil {
			if delErr := a.blobs.DeleteObject(ctx, objectPath); delErr != nil {
				a.logger.Warn("Failed to delete orphaned snapshot",
					zap.String("session_id", id),
					zap.String("path", objectPath),
					zap.Error(delErr),
				)
			}
			metrics.ObserveArchive("save_failed", 0)
			return store.ArchiveRecord{}, fmt.Errorf("save archive %s: %w", id, err)
		}
	}

	if err := a.manager.Remove(ctx, id); err != nil {
		metrics.ObserveArchive("remove_failed", len(data))
		return rec, fmt.Errorf("archived but not removed: %w", err)
	}
	metrics.ObserveArchive("archived", len(data))
	a.logger.Info("Session archived",
		zap.String("session_id", id),
		zap.String("blob_uri", uri),
		zap.String("digest", digest),
		zap.Bool("forced", force),
	)
	return rec, nil
}

func recordFor(snap Snapshot, uri, digest string, size int64) store.ArchiveRecord {
	m := snap.Meta
	rec := store.ArchiveRecord{
		SessionID:        snap.SessionID,
		HintID:           m.HintID,
		URL:              m.URL,
		Status:           m.Status.String(),
		SchemaVersion:    m.Version,
		TotalTasks:       m.TotalTasks,
		CompleteTasks:    m.CompleteTasks,
		FailedTasks:      m.FailedTasks,
		RejectedTasks:    m.RejectedTasks,
		CrawledContent:   m.CrawledContent,
		EvaluatedContent: m.EvaluatedContent,
		BlobURI:          uri,
		Digest:           digest,
		SnapshotBytes:    size,
		ArchivedAt:       snap.TakenAt,
	}
	if m.TotalPostponed != nil {
		rec.TotalPostponed = *m.TotalPostponed
	}
	return rec
}
