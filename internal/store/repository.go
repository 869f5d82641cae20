package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ArchiveRecord models one row of the session archive table.
type ArchiveRecord struct {
	SessionID        string `json:"session_id"`
	HintID           string `json:"hint_id"`
	URL              string `json:"url"`
	Status           string `json:"status"`
	SchemaVersion    int    `json:"schema_version"`
	TotalTasks       int64  `json:"total_tasks"`
	CompleteTasks    int64  `json:"complete_tasks"`
	FailedTasks      int64  `json:"failed_tasks"`
	RejectedTasks    int64  `json:"rejected_tasks"`
	CrawledContent   int64  `json:"crawled_content"`
	EvaluatedContent int64  `json:"evaluated_content"`
	TotalPostponed   int64  `json:"total_postponed"`
	// BlobURI locates the full JSON snapshot.
	BlobURI string `json:"blob_uri"`
	// Digest is the hex SHA-256 of the snapshot bytes.
	Digest        string    `json:"digest"`
	SnapshotBytes int64     `json:"snapshot_bytes"`
	ArchivedAt    time.Time `json:"archived_at"`
}

// EventCount is the running tally of one event field for one session.
type EventCount struct {
	SessionID  string    `json:"session_id"`
	Field      string    `json:"field"`
	Count      int64     `json:"count"`
	LastUpdate time.Time `json:"last_update"`
}

// ArchiveRepository persists retired sessions.
type ArchiveRepository interface {
	// SaveArchive inserts the record, replacing an earlier archive of the same session.
	SaveArchive(ctx context.Context, rec ArchiveRecord) error
	// GetArchive loads one record or returns ErrNotFound.
	GetArchive(ctx context.Context, sessionID string) (ArchiveRecord, error)
	// ListArchives returns the newest records first.
	ListArchives(ctx context.Context, limit, offset int) ([]ArchiveRecord, error)
}

// EventRepository accumulates session event tallies.
type EventRepository interface {
	// AddEventCount applies delta to the (session, field) tally.
	AddEventCount(ctx context.Context, sessionID, field string, delta int64, at time.Time) error
	// ListEventCounts returns every tally for one session.
	ListEventCounts(ctx context.Context, sessionID string) ([]EventCount, error)
}
