// Package postgres persists session archives and event tallies in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawl-session-coordinator/internal/store"
)

const (
	defaultArchiveTable = "session_archive"
	eventTableSuffix    = "_events"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN string
	// Table holds archive rows; event tallies go to Table + "_events".
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// ArchiveStore implements store.ArchiveRepository and store.EventRepository.
type ArchiveStore struct {
	pool       querier
	table      string
	eventTable string
}

var (
	_ store.ArchiveRepository = (*ArchiveStore)(nil)
	_ store.EventRepository   = (*ArchiveStore)(nil)
)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*ArchiveStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("archive.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ArchiveStore{pool: pool, table: table, eventTable: table + eventTableSuffix}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool querier, table string) (*ArchiveStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &ArchiveStore{pool: pool, table: table, eventTable: table + eventTableSuffix}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultArchiveTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *ArchiveStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates both tables if they do not exist.
func (s *ArchiveStore) Migrate(ctx context.Context) error {
	archiveDDL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	session_id        TEXT PRIMARY KEY,
	hint_id           TEXT NOT NULL,
	url               TEXT NOT NULL,
	status            TEXT NOT NULL,
	schema_version    INTEGER NOT NULL,
	total_tasks       BIGINT NOT NULL,
	complete_tasks    BIGINT NOT NULL,
	failed_tasks      BIGINT NOT NULL,
	rejected_tasks    BIGINT NOT NULL,
	crawled_content   BIGINT NOT NULL,
	evaluated_content BIGINT NOT NULL,
	total_postponed   BIGINT NOT NULL,
	blob_uri          TEXT NOT NULL,
	digest            TEXT NOT NULL,
	snapshot_bytes    BIGINT NOT NULL,
	archived_at       TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, archiveDDL); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	eventDDL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	session_id  TEXT NOT NULL,
	field       TEXT NOT NULL,
	count       BIGINT NOT NULL,
	last_update TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, field)
)`, s.eventTable)
	if _, err := s.pool.Exec(ctx, eventDDL); err != nil {
		return fmt.Errorf("create %s: %w", s.eventTable, err)
	}
	return nil
}

const archiveColumns = `session_id, hint_id, url, status, schema_version,
	total_tasks, complete_tasks, failed_tasks, rejected_tasks,
	crawled_content, evaluated_content, total_postponed,
	blob_uri, digest, snapshot_bytes, archived_at`

// SaveArchive inserts rec, replacing an earlier archive of the same session.
func (s *ArchiveStore) SaveArchive(ctx context.Context, rec store.ArchiveRecord) error {
	if rec.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (session_id) DO UPDATE SET
	hint_id = EXCLUDED.hint_id,
	url = EXCLUDED.url,
	status = EXCLUDED.status,
	schema_version = EXCLUDED.schema_version,
	total_tasks = EXCLUDED.total_tasks,
	complete_tasks = EXCLUDED.complete_tasks,
	failed_tasks = EXCLUDED.failed_tasks,
	rejected_tasks = EXCLUDED.rejected_tasks,
	crawled_content = EXCLUDED.crawled_content,
	evaluated_content = EXCLUDED.evaluated_content,
	total_postponed = EXCLUDED.total_postponed,
	blob_uri = EXCLUDED.blob_uri,
	digest = EXCLUDED.digest,
	snapshot_bytes = EXCLUDED.snapshot_bytes,
	archived_at = EXCLUDED.archived_at`, s.table, archiveColumns)

	args := []any{
		rec.SessionID,
		rec.HintID,
		rec.URL,
		rec.Status,
		rec.SchemaVersion,
		rec.TotalTasks,
		rec.CompleteTasks,
		rec.FailedTasks,
		rec.RejectedTasks,
		rec.CrawledContent,
		rec.EvaluatedContent,
		rec.TotalPostponed,
		rec.BlobURI,
		rec.Digest,
		rec.SnapshotBytes,
		rec.ArchivedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert archive %s: %w", rec.SessionID, err)
	}
	return nil
}

// GetArchive loads the archive row for sessionID.
func (s *ArchiveStore) GetArchive(ctx context.Context, sessionID string) (store.ArchiveRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE session_id = $1`, archiveColumns, s.table)
	rec, err := scanArchive(s.pool.QueryRow(ctx, query, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ArchiveRecord{}, fmt.Errorf("archive %s: %w", sessionID, store.ErrNotFound)
	}
	if err != nil {
		return store.ArchiveRecord{}, fmt.Errorf("get archive %s: %w", sessionID, err)
	}
	return rec, nil
}

// ListArchives returns archive rows newest first.
func (s *ArchiveStore) ListArchives(ctx context.Context, limit, offset int) ([]store.ArchiveRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY archived_at DESC, session_id LIMIT $1 OFFSET $2`,
		archiveColumns, s.table)
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	defer rows.Close()

	var out []store.ArchiveRecord
	for rows.Next() {
		rec, err := scanArchive(rows)
		if err != nil {
			return nil, fmt.Errorf("scan archive: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	return out, nil
}

func scanArchive(row pgx.Row) (store.ArchiveRecord, error) {
	var rec store.ArchiveRecord
	err := row.Scan(
		&rec.SessionID,
		&rec.HintID,
		&rec.URL,
		&rec.Status,
		&rec.SchemaVersion,
		&rec.TotalTasks,
		&rec.CompleteTasks,
		&rec.FailedTasks,
		&rec.RejectedTasks,
		&rec.CrawledContent,
		&rec.EvaluatedContent,
		&rec.TotalPostponed,
		&rec.BlobURI,
		&rec.Digest,
		&rec.SnapshotBytes,
		&rec.ArchivedAt,
	)
	return rec, err
}

// AddEventCount adds delta to the (session, field) tally, creating it at delta.
func (s *ArchiveStore) AddEventCount(ctx context.Context, sessionID, field string, delta int64, at time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (session_id, field, count, last_update)
VALUES ($1, $2, $3, $4)
ON CONFLICT (session_id, field) DO UPDATE SET
	count = %[1]s.count + EXCLUDED.count,
	last_update = GREATEST(%[1]s.last_update, EXCLUDED.last_update)`, s.eventTable)
	if _, err := s.pool.Exec(ctx, query, sessionID, field, delta, at); err != nil {
		return fmt.Errorf("add event count %s/%s: %w", sessionID, field, err)
	}
	return nil
}

// ListEventCounts returns every tally for sessionID ordered by field.
func (s *ArchiveStore) ListEventCounts(ctx context.Context, sessionID string) ([]store.EventCount, error) {
	query := fmt.Sprintf(`SELECT session_id, field, count, last_update FROM %s WHERE session_id = $1 ORDER BY field`,
		s.eventTable)
	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list event counts %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []store.EventCount
	for rows.Next() {
		var c store.EventCount
		if err := rows.Scan(&c.SessionID, &c.Field, &c.Count, &c.LastUpdate); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list event counts %s: %w", sessionID, err)
	}
	return out, nil
}
