// Package pgx holds the PostgreSQL plumbing shared by the schema store and the
// dead-letter archive: a connection interface satisfied by both *pgx.Conn and
// *pgxpool.Pool, named pools, and idempotent table migrations.
package pgx

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn abstracts a single connection or a pool.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	// Begin starts a transaction. The context only affects the begin command.
	Begin(ctx context.Context) (pgx.Tx, error)
}

// UniqueViolation is the SQLSTATE of a unique constraint violation.
const UniqueViolation = "23505"

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == UniqueViolation
}

// Migrate runs idempotent DDL statements in one transaction.
func Migrate(ctx context.Context, conn Conn, statements ...string) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgx: begin migration: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgx: migrate: %w", err)
		}
	}
	return tx.Commit(ctx)
}
