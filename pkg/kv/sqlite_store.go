package kv

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on top of a single ordered kv table in
// SQLite. Serializable transactions with an immediate write lock give the
// same first-committer-wins behavior the engine expects from the KV layer;
// busy/locked errors surface as ErrConflict and are retried by UpdateTx.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	retry retryPolicy
}

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{
		path:  cfg.Path,
		retry: defaultRetryPolicy(),
	}, nil
}

// Init opens the database, enables WAL mode, and runs migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return err
	}
	return nil
}

// migrate runs the embedded schema migrations.
func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ReadTx runs fn inside a read-only serializable transaction.
func (s *SQLiteStore) ReadTx(ctx context.Context, fn func(Tx) error) error {
	return runWithRetry(ctx, s.retry, func() error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
			Isolation: sql.LevelSerializable,
			ReadOnly:  true,
		})
		if err != nil {
			return mapSQLiteErr(err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(&sqliteTx{ctx: ctx, tx: tx}); err != nil {
			return mapSQLiteErr(err)
		}
		return nil
	})
}

// UpdateTx runs fn inside a serializable read-write transaction and commits.
func (s *SQLiteStore) UpdateTx(ctx context.Context, fn func(Tx) error) error {
	return runWithRetry(ctx, s.retry, func() error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
			Isolation: sql.LevelSerializable,
		})
		if err != nil {
			return mapSQLiteErr(err)
		}
		wrapped := &sqliteTx{ctx: ctx, tx: tx}
		if err := fn(wrapped); err != nil {
			_ = tx.Rollback()
			return mapSQLiteErr(err)
		}
		if err := wrapped.flush(); err != nil {
			_ = tx.Rollback()
			return mapSQLiteErr(err)
		}
		if err := tx.Commit(); err != nil {
			return mapSQLiteErr(err)
		}
		return nil
	})
}

// mapSQLiteErr folds lock contention into ErrConflict so the retry loop in
// the Store interface handles it uniformly.
func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	}
	return err
}

// sqliteTx adapts a sql.Tx to the kv.Tx interface. Writes are buffered so a
// failed callback leaves nothing behind, mirroring the memory store.
type sqliteTx struct {
	ctx    context.Context
	tx     *sql.Tx
	writes []sqliteWrite
}

type sqliteWrite struct {
	// op is one of "set", "clear", "clear_range".
	op         string
	key, value []byte
	end        []byte
}

func (t *sqliteTx) Get(ctx context.Context, key []byte) ([]byte, error) {
	if v, ok, done := t.pendingGet(key); done {
		if !ok {
			return nil, nil
		}
		return v, nil
	}
	var value []byte
	err := t.tx.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	return value, nil
}

// pendingGet consults the buffered writes, newest first.
func (t *sqliteTx) pendingGet(key []byte) (value []byte, present bool, done bool) {
	for i := len(t.writes) - 1; i >= 0; i-- {
		w := t.writes[i]
		switch w.op {
		case "set":
			if string(w.key) == string(key) {
				return w.value, true, true
			}
		case "clear":
			if string(w.key) == string(key) {
				return nil, false, true
			}
		case "clear_range":
			if inRange(key, w.key, w.end) {
				return nil, false, true
			}
		}
	}
	return nil, false, false
}

func (t *sqliteTx) GetRange(ctx context.Context, begin, end []byte, limit int) ([]KeyValue, error) {
	query := `SELECT k, v FROM kv WHERE k >= ?`
	args := []interface{}{begin}
	if end != nil {
		query += ` AND k < ?`
		args = append(args, end)
	}
	query += ` ORDER BY k ASC`

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan range: %w", err)
	}
	defer rows.Close()

	merged := make(map[string][]byte)
	var order []string
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		merged[string(k)] = v
		order = append(order, string(k))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate range: %w", err)
	}

	// Overlay buffered writes that fall inside the range.
	dirty := false
	for _, w := range t.writes {
		switch w.op {
		case "set":
			if inRange(w.key, begin, end) {
				if _, ok := merged[string(w.key)]; !ok {
					order = append(order, string(w.key))
					dirty = true
				}
				merged[string(w.key)] = w.value
			}
		case "clear":
			if inRange(w.key, begin, end) {
				delete(merged, string(w.key))
			}
		case "clear_range":
			for k := range merged {
				if inRange([]byte(k), w.key, w.end) {
					delete(merged, k)
				}
			}
		}
	}
	if dirty {
		sort.Strings(order)
	}

	out := make([]KeyValue, 0, len(merged))
	seen := make(map[string]struct{}, len(order))
	for _, k := range order {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		v, ok := merged[k]
		if !ok {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, KeyValue{Key: []byte(k), Value: v})
	}
	return out, nil
}

func (t *sqliteTx) Set(key, value []byte) {
	t.writes = append(t.writes, sqliteWrite{
		op:    "set",
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
}

func (t *sqliteTx) Clear(key []byte) {
	t.writes = append(t.writes, sqliteWrite{op: "clear", key: append([]byte(nil), key...)})
}

func (t *sqliteTx) ClearRange(begin, end []byte) {
	t.writes = append(t.writes, sqliteWrite{
		op:  "clear_range",
		key: append([]byte(nil), begin...),
		end: append([]byte(nil), end...),
	})
}

// flush applies the buffered writes in order.
func (t *sqliteTx) flush() error {
	for _, w := range t.writes {
		var err error
		switch w.op {
		case "set":
			_, err = t.tx.ExecContext(t.ctx,
				`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
				w.key, w.value)
		case "clear":
			_, err = t.tx.ExecContext(t.ctx, `DELETE FROM kv WHERE k = ?`, w.key)
		case "clear_range":
			if w.end != nil {
				_, err = t.tx.ExecContext(t.ctx, `DELETE FROM kv WHERE k >= ? AND k < ?`, w.key, w.end)
			} else {
				_, err = t.tx.ExecContext(t.ctx, `DELETE FROM kv WHERE k >= ?`, w.key)
			}
		}
		if err != nil {
			return fmt.Errorf("failed to apply write: %w", err)
		}
	}
	return nil
}
