package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned when a blob has never been created or written.
var ErrNotFound = errors.New("blob not found")

const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Container holds named blobs. Append blobs are line logs; documents are
// replaced whole by Put.
type Container interface {
	Exists(ctx context.Context, name string) (bool, error)
	// Create makes an empty append blob. Creating an existing blob is a no-op.
	Create(ctx context.Context, name string) error
	// ReadLines returns every complete line of an append blob as one
	// consistent snapshot. Absent blobs return ErrNotFound.
	ReadLines(ctx context.Context, name string) ([][]byte, error)
	// Append adds one line. Concurrent appends never interleave.
	Append(ctx context.Context, name string, line []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte) error
	Close() error
}

type Options struct {
	Driver      string
	Dir         string
	SQLitePath  string
	PostgresDSN string
	RedisURL    string
	RedisPrefix string
}

// Open constructs the container selected by opts.Driver.
func Open(ctx context.Context, opts Options) (Container, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case DriverFile, "":
		return NewFileContainer(opts.Dir)
	case DriverSQLite:
		return NewSQLiteContainer(opts.SQLitePath)
	case DriverPostgres:
		return NewPostgresContainer(opts.PostgresDSN)
	case DriverRedis:
		return NewRedisContainer(ctx, opts.RedisURL, opts.RedisPrefix)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", opts.Driver)
	}
}

// ValidateName rejects blob names that could escape the container root.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("blob name cannot be empty")
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return fmt.Errorf("blob name %q must be a relative slash-separated path", name)
	}
	if cleaned := path.Clean(name); cleaned != name || cleaned == "." || strings.HasPrefix(cleaned, "..") {
		return fmt.Errorf("blob name %q is not a clean path", name)
	}
	return nil
}

func normalizeLine(line []byte) ([]byte, error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, fmt.Errorf("line cannot be empty")
	}
	if bytes.ContainsAny(line, "\r\n") {
		return nil, fmt.Errorf("line cannot contain newlines")
	}
	return line, nil
}
