package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	pg "github.com/edgeflare/carebus/pkg/pgx"
)

var (
	ErrNotFound        = errors.New("dead-letter record not found")
	ErrAlreadyResolved = errors.New("dead-letter record already resolved")
)

const archiveTable = `CREATE TABLE IF NOT EXISTS carebus_deadletters (
	id text PRIMARY KEY,
	origin_topic text NOT NULL,
	origin_partition integer NOT NULL,
	origin_offset bigint NOT NULL,
	event_id text NOT NULL DEFAULT '',
	event_type text NOT NULL DEFAULT '',
	error_class text NOT NULL DEFAULT '',
	attempts integer NOT NULL,
	record jsonb NOT NULL,
	failed_at timestamptz NOT NULL,
	resolved_at timestamptz,
	resolved_by text
)`

// archiveColumns extends tables created before group and failure window
// tracking.
const archiveColumns = `ALTER TABLE carebus_deadletters
	ADD COLUMN IF NOT EXISTS group_id text NOT NULL DEFAULT '',
	ADD COLUMN IF NOT EXISTS first_failed_at timestamptz,
	ADD COLUMN IF NOT EXISTS last_failed_at timestamptz`

const archiveIndex = `CREATE INDEX IF NOT EXISTS carebus_deadletters_topic_idx
	ON carebus_deadletters (origin_topic, failed_at)`

// Archived is a dead-letter record as stored in the archive.
type Archived struct {
	Record
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
}

// Filter selects archived records.
type Filter struct {
	Topic      string
	Group      string
	Unresolved bool
	// Limit caps the result; 0 means 100.
	Limit int
}

// Archive keeps dead-letter records in PostgreSQL. Records are never deleted;
// resolving one only stamps who handled it and when.
type Archive struct {
	conn   pg.Conn
	notify string
	now    func() time.Time
}

// ArchiveOption customizes an Archive.
type ArchiveOption func(*Archive)

// WithNotifyChannel sends pg_notify(channel, id) for every newly archived
// record, for operators listening on the channel.
func WithNotifyChannel(channel string) ArchiveOption {
	return func(a *Archive) { a.notify = channel }
}

// NewArchive creates the archive table if needed.
func NewArchive(ctx context.Context, conn pg.Conn, opts ...ArchiveOption) (*Archive, error) {
	if err := pg.Migrate(ctx, conn, archiveTable, archiveColumns, archiveIndex); err != nil {
		return nil, err
	}
	a := &Archive{conn: conn, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Put stores r. Archiving the same origin twice keeps the first copy.
func (a *Archive) Put(ctx context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	tag, err := a.conn.Exec(ctx,
		`INSERT INTO carebus_deadletters
			(id, origin_topic, origin_partition, origin_offset, event_id, event_type, group_id, error_class,
			 attempts, record, first_failed_at, last_failed_at, failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $12, $13)
		 ON CONFLICT (id) DO NOTHING`,
		r.ID(), r.OriginTopic, r.OriginPartition, r.OriginOffset, r.EventID, r.EventType, r.Group, r.ErrorClass,
		r.Attempts, string(data), nullTime(r.FirstFailedAt), nullTime(r.LastFailedAt), r.FailedAt)
	if err != nil {
		return fmt.Errorf("archive %s: %w", r.ID(), err)
	}
	if a.notify != "" && tag.RowsAffected() > 0 {
		if _, err := a.conn.Exec(ctx, `SELECT pg_notify($1, $2)`, a.notify, r.ID()); err != nil {
			return fmt.Errorf("notify %s: %w", a.notify, err)
		}
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func scanArchived(row pgx.Row) (Archived, error) {
	var (
		out Archived
		raw []byte
	)
	if err := row.Scan(&raw, &out.ResolvedAt, &out.ResolvedBy); err != nil {
		return Archived{}, err
	}
	if err := json.Unmarshal(raw, &out.Record); err != nil {
		return Archived{}, err
	}
	return out, nil
}

// Get returns one archived record by id.
func (a *Archive) Get(ctx context.Context, id string) (Archived, error) {
	out, err := scanArchived(a.conn.QueryRow(ctx,
		`SELECT record, resolved_at, coalesce(resolved_by, '') FROM carebus_deadletters WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Archived{}, ErrNotFound
	}
	return out, err
}

// List returns archived records, oldest failure first.
func (a *Archive) List(ctx context.Context, f Filter) ([]Archived, error) {
	var (
		where []string
		args  []any
	)
	if f.Topic != "" {
		args = append(args, f.Topic)
		where = append(where, fmt.Sprintf("origin_topic = $%d", len(args)))
	}
	if f.Group != "" {
		args = append(args, f.Group)
		where = append(where, fmt.Sprintf("group_id = $%d", len(args)))
	}
	if f.Unresolved {
		where = append(where, "resolved_at IS NULL")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := `SELECT record, resolved_at, coalesce(resolved_by, '') FROM carebus_deadletters`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY failed_at, id LIMIT $%d", len(args))

	rows, err := a.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Archived
	for rows.Next() {
		r, err := scanArchived(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkResolved stamps the record as handled by operator.
func (a *Archive) MarkResolved(ctx context.Context, id, operator string) error {
	tag, err := a.conn.Exec(ctx,
		`UPDATE carebus_deadletters SET resolved_at = $2, resolved_by = $3
		 WHERE id = $1 AND resolved_at IS NULL`, id, a.now().UTC(), operator)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := a.Get(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyResolved
}
