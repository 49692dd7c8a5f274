package dedupe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	defaultSQLiteTable = "seen_versions"
)

type SQLiteStore struct {
	db         *sql.DB
	dsn        string
	table      string
	tableIdent string
}

func NewSQLiteStore(dsn string, table string) (*SQLiteStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("sqlite dsn is required")
	}
	if table == "" {
		table = defaultSQLiteTable
	}
	tableIdent, err := quoteSQLiteIdentifier(table)
	if err != nil {
		return nil, err
	}
	if err := ensureSQLiteDir(dsn); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	store := &SQLiteStore{
		db:         db,
		dsn:        dsn,
		table:      table,
		tableIdent: tableIdent,
	}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, store.classify(err)
	}
	return store, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (SeenSet, error) {
	query := fmt.Sprintf("SELECT identity, channel, version FROM %s", s.tableIdent)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, s.classify(fmt.Errorf("query seen-set: %w", err))
	}
	defer rows.Close()

	seen := SeenSet{}
	for rows.Next() {
		var identity, channel, version string
		if err := rows.Scan(&identity, &channel, &version); err != nil {
			return nil, &StoreCorruptError{Backend: "sqlite", Path: s.dsn, Err: err}
		}
		record := seen[identity]
		if record.Channels == nil {
			record.Channels = map[string]string{}
		}
		record.Channels[channel] = version
		seen[identity] = record
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(err)
	}
	return seen, nil
}

func (s *SQLiteStore) Commit(ctx context.Context, advances []Advance) error {
	if len(advances) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify(err)
	}
	selectStmt, err := tx.PrepareContext(
		ctx,
		fmt.Sprintf("SELECT version FROM %s WHERE identity = ? AND channel = ?", s.tableIdent),
	)
	if err != nil {
		_ = tx.Rollback()
		return s.classify(err)
	}
	defer selectStmt.Close()
	upsertStmt, err := tx.PrepareContext(
		ctx,
		fmt.Sprintf("INSERT INTO %s (identity, channel, version, notified_at) VALUES (?, ?, ?, ?) ON CONFLICT(identity, channel) DO UPDATE SET version = excluded.version, notified_at = excluded.notified_at", s.tableIdent),
	)
	if err != nil {
		_ = tx.Rollback()
		return s.classify(err)
	}
	defer upsertStmt.Close()

	now := time.Now().UTC()
	for _, adv := range advances {
		if adv.Identity == "" || adv.Channel == "" {
			continue
		}
		var current string
		err := selectStmt.QueryRowContext(ctx, adv.Identity, adv.Channel).Scan(&current)
		switch {
		case err == nil:
			if CompareVersions(adv.Version, current) < 0 {
				continue
			}
		case errors.Is(err, sql.ErrNoRows):
		default:
			_ = tx.Rollback()
			return s.classify(err)
		}
		if _, err := upsertStmt.ExecContext(ctx, adv.Identity, adv.Channel, adv.Version, now); err != nil {
			_ = tx.Rollback()
			return s.classify(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s.classify(err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	if s.table == "" {
		return fmt.Errorf("sqlite table name is required")
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		identity TEXT NOT NULL,
		channel TEXT NOT NULL,
		version TEXT NOT NULL,
		notified_at TIMESTAMP NOT NULL,
		PRIMARY KEY (identity, channel)
	)`, s.tableIdent)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create sqlite table: %w", err)
	}
	return nil
}

// classify turns SQLite corruption codes into StoreCorruptError.
func (s *SQLiteStore) classify(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_CORRUPT:
			return &StoreCorruptError{Backend: "sqlite", Path: s.dsn, Err: err}
		}
	}
	msg := err.Error()
	if strings.Contains(msg, "file is not a database") || strings.Contains(msg, "database disk image is malformed") {
		return &StoreCorruptError{Backend: "sqlite", Path: s.dsn, Err: err}
	}
	return err
}

func ensureSQLiteDir(dsn string) error {
	path := SQLitePath(dsn)
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// SQLitePath returns the filesystem path behind a DSN, or "" for in-memory databases.
func SQLitePath(dsn string) string {
	if strings.HasPrefix(dsn, "file:") {
		dsn = strings.TrimPrefix(dsn, "file:")
		if idx := strings.IndexRune(dsn, '?'); idx >= 0 {
			dsn = dsn[:idx]
		}
	}
	if dsn == "" || dsn == ":memory:" {
		return ""
	}
	return dsn
}

var sqliteIdentifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func quoteSQLiteIdentifier(identifier string) (string, error) {
	if identifier == "" {
		return "", fmt.Errorf("sqlite table name is required")
	}
	if !sqliteIdentifierPattern.MatchString(identifier) {
		return "", fmt.Errorf("sqlite table name %q must match %s", identifier, sqliteIdentifierPattern.String())
	}
	return `"` + identifier + `"`, nil
}
