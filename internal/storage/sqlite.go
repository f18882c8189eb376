package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ongoingai/llmops/migrations"

	_ "modernc.org/sqlite"
)

type SQLiteContainer struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY contention between concurrent evaluator appends.
	writeMu sync.Mutex
}

func NewSQLiteContainer(path string) (*SQLiteContainer, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	c := &SQLiteContainer{
		Path: path,
		db:   db,
	}
	if err := c.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return c, nil
}

func (c *SQLiteContainer) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *SQLiteContainer) Exists(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	var one int
	err := c.db.QueryRowContext(ctx, `SELECT 1 FROM blobs WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup blob %q: %w", name, err)
	}
	return true, nil
}

func (c *SQLiteContainer) Create(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	err := retrySQLiteBusy(ctx, func() error {
		_, err := c.db.ExecContext(ctx, `INSERT OR IGNORE INTO blobs (name, kind) VALUES (?, 'append')`, name)
		return err
	})
	if err != nil {
		return fmt.Errorf("create blob %q: %w", name, err)
	}
	return nil
}

func (c *SQLiteContainer) ReadLines(ctx context.Context, name string) ([][]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, `SELECT line FROM blob_lines WHERE blob_name = ? ORDER BY id`, name)
	if err != nil {
		return nil, fmt.Errorf("read blob %q: %w", name, err)
	}
	lines, err := scanLines(rows)
	if err != nil {
		return nil, fmt.Errorf("read blob %q: %w", name, err)
	}
	if len(lines) > 0 {
		return lines, nil
	}

	exists, err := c.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	return lines, nil
}

func (c *SQLiteContainer) Append(ctx context.Context, name string, line []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	line, err := normalizeLine(line)
	if err != nil {
		return fmt.Errorf("append blob %q: %w", name, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	err = retrySQLiteBusy(ctx, func() error {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite append transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO blobs (name, kind) VALUES (?, 'append')`, name); err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO blob_lines (blob_name, line) VALUES (?, ?)`, name, line); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("append blob %q: %w", name, err)
	}
	return nil
}

func (c *SQLiteContainer) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	var content []byte
	err := c.db.QueryRowContext(ctx, `SELECT content FROM blobs WHERE name = ? AND kind = 'document'`, name).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %q: %w", name, err)
	}
	return content, nil
}

func (c *SQLiteContainer) Put(ctx context.Context, name string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	err := retrySQLiteBusy(ctx, func() error {
		_, err := c.db.ExecContext(ctx, `
INSERT INTO blobs (name, kind, content, updated_at)
VALUES (?, 'document', ?, CURRENT_TIMESTAMP)
ON CONFLICT (name) DO UPDATE SET
    kind = 'document',
    content = excluded.content,
    updated_at = excluded.updated_at`, name, data)
		return err
	})
	if err != nil {
		return fmt.Errorf("write blob %q: %w", name, err)
	}
	return nil
}

func (c *SQLiteContainer) configure() error {
	if _, err := c.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := c.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := c.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func scanLines(rows *sql.Rows) ([][]byte, error) {
	defer rows.Close()

	lines := [][]byte{}
	for rows.Next() {
		var line []byte
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention from other processes
// sharing the database file.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}
