package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore keeps each queue in its own table of a shared database.
// Several processes may serve the same tables.
type PostgresStore struct {
	sqlCore
}

var (
	_ Store         = (*PostgresStore)(nil)
	_ DepthReporter = (*PostgresStore)(nil)
)

const postgresMigrationsSchema = `
CREATE TABLE IF NOT EXISTS dtqueue_schema_migrations (
  version INTEGER NOT NULL
);
`

func NewPostgresStore(dsn string, queues []string, opts ...SQLOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	s := &PostgresStore{}
	if err := s.configure(queues, opts); err != nil {
		return nil, err
	}
	s.isBusy = isPostgresBusyError
	s.queries = make(map[string]sqlQueries, s.allow.Len())
	for _, name := range s.allow.Names() {
		table, err := TableName(name)
		if err != nil {
			return nil, err
		}
		s.queries[name] = postgresQueries(table, s.tombstones)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(s.poolSize)
	db.SetMaxIdleConns(s.poolSize)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.db = db

	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Backend() string { return BackendPostgres }

func (s *PostgresStore) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, postgresMigrationsSchema); err != nil {
		return fmt.Errorf("postgres: init migrations table: %w", err)
	}
	var current int
	err = tx.QueryRowContext(ctx, `SELECT version FROM dtqueue_schema_migrations LIMIT 1`).Scan(&current)
	hasVersion := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("postgres: read schema_version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("postgres: schema_version=%d, want <=%d", current, schemaVersion)
	}

	for _, name := range s.allow.Names() {
		q := s.queries[name]
		if _, err := tx.ExecContext(ctx, postgresQueueSchema(q.table)); err != nil {
			return fmt.Errorf("postgres: create %s: %w", q.table, err)
		}
	}

	if !hasVersion {
		if _, err := tx.ExecContext(ctx, `INSERT INTO dtqueue_schema_migrations(version) VALUES ($1)`, schemaVersion); err != nil {
			return fmt.Errorf("postgres: write schema_version: %w", err)
		}
	} else if current != schemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE dtqueue_schema_migrations SET version = $1`, schemaVersion); err != nil {
			return fmt.Errorf("postgres: write schema_version: %w", err)
		}
	}
	return tx.Commit()
}

func postgresQueueSchema(table string) string {
	return `
CREATE TABLE IF NOT EXISTS ` + table + ` (
  datetime           BIGINT NOT NULL,
  datetime_secondary BIGINT NOT NULL,
  message            TEXT NOT NULL DEFAULT '',
  valid              SMALLINT NOT NULL DEFAULT 1,
  last_modified      BIGINT NOT NULL,
  PRIMARY KEY (datetime, datetime_secondary)
);
CREATE INDEX IF NOT EXISTS idx_` + table + `_active
  ON ` + table + `(valid, datetime, datetime_secondary);
`
}

func postgresQueries(table string, tombstones TombstonePolicy) sqlQueries {
	// SKIP LOCKED lets concurrent dequeuers claim different heads instead of
	// queueing on the same row.
	head := `(
  SELECT datetime, datetime_secondary FROM ` + table + `
  WHERE valid = 1
  ORDER BY datetime ASC, datetime_secondary ASC
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)`
	pop := `
UPDATE ` + table + ` SET valid = 0, last_modified = $1
WHERE (datetime, datetime_secondary) = ` + head + `
  AND valid = 1
RETURNING datetime, datetime_secondary, message
`
	if tombstones == TombstonesPurge {
		pop = `
DELETE FROM ` + table + `
WHERE (datetime, datetime_secondary) = ` + head + `
RETURNING datetime, datetime_secondary, message
`
	}
	return sqlQueries{
		table: table,
		put: `
INSERT INTO ` + table + ` (datetime, datetime_secondary, message, valid, last_modified)
VALUES ($1, $2, $3, 1, $4)
ON CONFLICT (datetime, datetime_secondary) DO UPDATE SET
  message = EXCLUDED.message,
  valid = 1,
  last_modified = EXCLUDED.last_modified
`,
		peek: `
SELECT datetime, datetime_secondary, message FROM ` + table + `
WHERE valid = 1
ORDER BY datetime ASC, datetime_secondary ASC
LIMIT 1
`,
		pop:   pop,
		depth: `SELECT COUNT(*) FROM ` + table + ` WHERE valid = 1`,
		prune: `DELETE FROM ` + table + ` WHERE valid = 0 AND last_modified <= $1`,
		// A head row updated after the pop's snapshot fails the locked
		// re-check and LIMIT 1 yields nothing; retry while rows remain.
		exists: `SELECT EXISTS (SELECT 1 FROM ` + table + ` WHERE valid = 1)`,
	}
}

func isPostgresBusyError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "55P03", // lock_not_available
		"40001", // serialization_failure
		"40P01": // deadlock_detected
		return true
	}
	return false
}
