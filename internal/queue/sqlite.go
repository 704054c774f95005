package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sqlite3 "modernc.org/sqlite"
)

const schemaVersion = 1

// SQLiteStore is the default durable backend: one table per queue in a
// single WAL-mode database file.
type SQLiteStore struct {
	sqlCore
	path string
}

var (
	_ Store         = (*SQLiteStore)(nil)
	_ DepthReporter = (*SQLiteStore)(nil)
)

// sqliteDSN applies the pragmas to every connection the pool opens.
func sqliteDSN(dbPath string) string {
	return dbPath +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(FULL)"
}

func NewSQLiteStore(dbPath string, queues []string, opts ...SQLOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	s := &SQLiteStore{path: dbPath}
	if err := s.configure(queues, opts); err != nil {
		return nil, err
	}
	s.isBusy = isSQLiteBusyError
	s.queries = make(map[string]sqlQueries, s.allow.Len())
	for _, name := range s.allow.Names() {
		table, err := TableName(name)
		if err != nil {
			return nil, err
		}
		q := sqliteQueries(table)
		if s.tombstones == TombstonesPurge {
			q.pop = sqlitePurge(table)
		}
		s.queries[name] = q
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(s.poolSize)
	db.SetMaxIdleConns(s.poolSize)
	s.db = db

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Backend() string { return BackendSQLite }

func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: read journal_mode: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("sqlite: init migrations table: %w", err)
	}

	current, hasVersion, err := readSchemaVersion(ctx, conn)
	if err != nil {
		return err
	}
	if current > schemaVersion {
		return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, schemaVersion)
	}

	// Queue tables follow the allow-list, which may grow between restarts.
	for _, name := range s.allow.Names() {
		q := s.queries[name]
		if _, err := conn.ExecContext(ctx, sqliteQueueSchema(q.table)); err != nil {
			return fmt.Errorf("sqlite: create %s: %w", q.table, err)
		}
	}

	if !hasVersion || current != schemaVersion {
		if err := writeSchemaVersion(ctx, conn, schemaVersion); err != nil {
			return err
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func readSchemaVersion(ctx context.Context, conn *sql.Conn) (int, bool, error) {
	var v int
	err := conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("sqlite: read schema_version: %w", err)
	}
	return v, true, nil
}

func writeSchemaVersion(ctx context.Context, conn *sql.Conn, v int) error {
	if _, err := conn.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(rowid, version) VALUES (1, ?);`, v); err != nil {
		return fmt.Errorf("sqlite: write schema_version: %w", err)
	}
	return nil
}

func sqliteQueueSchema(table string) string {
	return `
CREATE TABLE IF NOT EXISTS ` + table + ` (
  datetime           INTEGER NOT NULL,
  datetime_secondary INTEGER NOT NULL,
  message            TEXT NOT NULL DEFAULT '',
  valid              INTEGER NOT NULL DEFAULT 1,
  last_modified      INTEGER NOT NULL,
  PRIMARY KEY (datetime, datetime_secondary)
);
CREATE INDEX IF NOT EXISTS idx_` + table + `_active
  ON ` + table + `(valid, datetime, datetime_secondary);
`
}

func sqliteQueries(table string) sqlQueries {
	return sqlQueries{
		table: table,
		put: `
INSERT INTO ` + table + ` (datetime, datetime_secondary, message, valid, last_modified)
VALUES (?, ?, ?, 1, ?)
ON CONFLICT (datetime, datetime_secondary) DO UPDATE SET
  message = excluded.message,
  valid = 1,
  last_modified = excluded.last_modified;
`,
		peek: `
SELECT datetime, datetime_secondary, message FROM ` + table + `
WHERE valid = 1
ORDER BY datetime ASC, datetime_secondary ASC
LIMIT 1;
`,
		pop: sqlitePop(table),
		depth: `SELECT COUNT(*) FROM ` + table + ` WHERE valid = 1;`,
		prune: `DELETE FROM ` + table + ` WHERE valid = 0 AND last_modified <= ?;`,
	}
}

// sqlitePop selects and retires the head row in one statement, so the
// database write lock makes it atomic against other connections.
func sqlitePop(table string) string {
	head := `(
  SELECT rowid FROM ` + table + `
  WHERE valid = 1
  ORDER BY datetime ASC, datetime_secondary ASC
  LIMIT 1
)`
	return `
UPDATE ` + table + ` SET valid = 0, last_modified = ?
WHERE rowid = ` + head + `
RETURNING datetime, datetime_secondary, message;
`
}

func sqlitePurge(table string) string {
	return `
DELETE FROM ` + table + `
WHERE rowid = (
  SELECT rowid FROM ` + table + `
  WHERE valid = 1
  ORDER BY datetime ASC, datetime_secondary ASC
  LIMIT 1
)
RETURNING datetime, datetime_secondary, message;
`
}

func isSQLiteBusyError(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended result codes carry the primary code in the low byte.
	const (
		sqliteBusy   = 5
		sqliteLocked = 6
	)
	switch sqliteErr.Code() & 0xff {
	case sqliteBusy, sqliteLocked:
		return true
	}
	return false
}
