package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/llmops/migrations"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresContainer struct {
	db *sql.DB
}

func NewPostgresContainer(dsn string) (*PostgresContainer, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrations.Apply(ctx, db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	return newPostgresContainer(db), nil
}

func newPostgresContainer(db *sql.DB) *PostgresContainer {
	return &PostgresContainer{db: db}
}

func (c *PostgresContainer) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *PostgresContainer) Exists(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	var exists bool
	if err := c.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM blobs WHERE name = $1)`, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("lookup blob %q: %w", name, err)
	}
	return exists, nil
}

func (c *PostgresContainer) Create(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, `INSERT INTO blobs (name, kind) VALUES ($1, 'append') ON CONFLICT (name) DO NOTHING`, name); err != nil {
		return fmt.Errorf("create blob %q: %w", name, err)
	}
	return nil
}

func (c *PostgresContainer) ReadLines(ctx context.Context, name string) ([][]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, `SELECT line FROM blob_lines WHERE blob_name = $1 ORDER BY id`, name)
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

func (c *PostgresContainer) Append(ctx context.Context, name string, line []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	line, err := normalizeLine(line)
	if err != nil {
		return fmt.Errorf("append blob %q: %w", name, err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres append transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO blobs (name, kind) VALUES ($1, 'append') ON CONFLICT (name) DO NOTHING`, name); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("append blob %q: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO blob_lines (blob_name, line) VALUES ($1, $2)`, name, line); err != nil {
		_ = tx.Rollback()
		if isPostgresForeignKeyViolation(err) {
			return fmt.Errorf("append blob %q: blob row missing: %w", name, err)
		}
		return fmt.Errorf("append blob %q: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres append transaction: %w", err)
	}
	return nil
}

func (c *PostgresContainer) Get(ctx context.Context, name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	var content []byte
	err := c.db.QueryRowContext(ctx, `SELECT content FROM blobs WHERE name = $1 AND kind = 'document'`, name).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %q: %w", name, err)
	}
	return content, nil
}

func (c *PostgresContainer) Put(ctx context.Context, name string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx, `
INSERT INTO blobs (name, kind, content, updated_at)
VALUES ($1, 'document', $2, NOW())
ON CONFLICT (name) DO UPDATE SET
    kind = 'document',
    content = EXCLUDED.content,
    updated_at = EXCLUDED.updated_at`, name, data)
	if err != nil {
		return fmt.Errorf("write blob %q: %w", name, err)
	}
	return nil
}

func isPostgresForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
