package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	pg "github.com/edgeflare/carebus/pkg/pgx"
)

const schemaTable = `CREATE TABLE IF NOT EXISTS carebus_schemas (
	event_type text NOT NULL,
	version integer NOT NULL CHECK (version > 0),
	definition jsonb NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (event_type, version)
)`

// PostgresStore keeps schemas in the carebus_schemas table. The primary key
// serializes concurrent registrations of the same version across processes.
type PostgresStore struct {
	conn pg.Conn
}

// NewPostgresStore creates the table if needed.
func NewPostgresStore(ctx context.Context, conn pg.Conn) (*PostgresStore, error) {
	if err := pg.Migrate(ctx, conn, schemaTable); err != nil {
		return nil, err
	}
	return &PostgresStore{conn: conn}, nil
}

func scanVersion(row pgx.Row) (Version, error) {
	var (
		v   Version
		raw []byte
	)
	if err := row.Scan(&v.EventType, &v.Version, &raw, &v.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Version{}, ErrNotFound
		}
		return Version{}, err
	}
	if err := json.Unmarshal(raw, &v.Schema); err != nil {
		return Version{}, fmt.Errorf("schema: decode %s v%d: %w", v.EventType, v.Version, err)
	}
	return v, nil
}

func (s *PostgresStore) Latest(ctx context.Context, eventType string) (Version, error) {
	return scanVersion(s.conn.QueryRow(ctx,
		`SELECT event_type, version, definition, created_at FROM carebus_schemas
		 WHERE event_type = $1 ORDER BY version DESC LIMIT 1`, eventType))
}

func (s *PostgresStore) Get(ctx context.Context, eventType string, version int) (Version, error) {
	return scanVersion(s.conn.QueryRow(ctx,
		`SELECT event_type, version, definition, created_at FROM carebus_schemas
		 WHERE event_type = $1 AND version = $2`, eventType, version))
}

func (s *PostgresStore) List(ctx context.Context, eventType string) ([]Version, error) {
	rows, err := s.conn.Query(ctx,
		`SELECT event_type, version, definition, created_at FROM carebus_schemas
		 WHERE event_type = $1 ORDER BY version`, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) EventTypes(ctx context.Context) ([]string, error) {
	rows, err := s.conn.Query(ctx, `SELECT DISTINCT event_type FROM carebus_schemas ORDER BY event_type`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresStore) Append(ctx context.Context, v Version) error {
	def, err := json.Marshal(v.Schema)
	if err != nil {
		return err
	}
	tag, err := s.conn.Exec(ctx,
		`INSERT INTO carebus_schemas (event_type, version, definition, created_at)
		 SELECT $1::text, $2::integer, $3::jsonb, $4::timestamptz
		 WHERE $2::integer = 1 OR EXISTS (
			SELECT 1 FROM carebus_schemas WHERE event_type = $1::text AND version = $2::integer - 1)`,
		v.EventType, v.Version, string(def), v.CreatedAt)
	if pg.IsUniqueViolation(err) {
		return ErrVersionExists
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schema: version %d of %s would leave a gap", v.Version, v.EventType)
	}
	return nil
}
