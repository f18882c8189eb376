// Package ledger reads and appends JSON-lines records stored in a blob
// container, and reads and replaces single JSON documents.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ongoingai/llmops/internal/storage"
)

// ErrMalformedRecord marks a line that could not be decoded or validated.
var ErrMalformedRecord = errors.New("malformed record")

// MalformedError identifies the first bad line of a ledger read.
type MalformedError struct {
	Blob string
	Line int
	Err  error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s line %d: %v: %v", e.Blob, e.Line, ErrMalformedRecord, e.Err)
}

func (e *MalformedError) Unwrap() []error {
	return []error{ErrMalformedRecord, e.Err}
}

// DecodeFunc turns one line into a record, rejecting invalid shapes.
type DecodeFunc[T any] func(line []byte) (T, error)

type Ledger[T any] struct {
	container storage.Container
	name      string
	decode    DecodeFunc[T]
}

// New returns a ledger over the append blob name. A nil decode uses plain
// JSON decoding without validation.
func New[T any](container storage.Container, name string, decode DecodeFunc[T]) *Ledger[T] {
	if decode == nil {
		decode = DecodeJSON[T]
	}
	return &Ledger[T]{container: container, name: name, decode: decode}
}

func (l *Ledger[T]) Name() string {
	return l.name
}

func (l *Ledger[T]) Exists(ctx context.Context) (bool, error) {
	return l.container.Exists(ctx, l.name)
}

// Ensure creates the blob if it does not exist yet.
func (l *Ledger[T]) Ensure(ctx context.Context) error {
	return l.container.Create(ctx, l.name)
}

// ReadAll returns every record in ledger order. An absent blob returns an
// error wrapping storage.ErrNotFound; the first malformed line aborts the
// read with a *MalformedError. Blank lines are skipped.
func (l *Ledger[T]) ReadAll(ctx context.Context) ([]T, error) {
	lines, err := l.container.ReadLines(ctx, l.name)
	if err != nil {
		return nil, fmt.Errorf("read ledger %q: %w", l.name, err)
	}

	records := make([]T, 0, len(lines))
	for i, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		rec, err := l.decode(line)
		if err != nil {
			return nil, &MalformedError{Blob: l.name, Line: i + 1, Err: err}
		}
		records = append(records, rec)
	}
	return records, nil
}

// Append persists one record as one line.
func (l *Ledger[T]) Append(ctx context.Context, rec T) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record for %q: %w", l.name, err)
	}
	if err := l.container.Append(ctx, l.name, line); err != nil {
		return err
	}
	return nil
}

// DecodeJSON decodes one JSON object line into T.
func DecodeJSON[T any](line []byte) (T, error) {
	var rec T
	if err := json.Unmarshal(line, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// Document is a single JSON value replaced whole on every write.
type Document[T any] struct {
	container storage.Container
	name      string
}

func NewDocument[T any](container storage.Container, name string) *Document[T] {
	return &Document[T]{container: container, name: name}
}

func (d *Document[T]) Name() string {
	return d.name
}

// Get returns the stored value or an error wrapping storage.ErrNotFound.
func (d *Document[T]) Get(ctx context.Context) (T, error) {
	var v T
	data, err := d.container.Get(ctx, d.name)
	if err != nil {
		return v, fmt.Errorf("read document %q: %w", d.name, err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, &MalformedError{Blob: d.name, Line: 1, Err: err}
	}
	return v, nil
}

func (d *Document[T]) Put(ctx context.Context, v T) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document %q: %w", d.name, err)
	}
	if err := d.container.Put(ctx, d.name, data); err != nil {
		return err
	}
	return nil
}
