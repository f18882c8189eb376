package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func containerFactories(t *testing.T) map[string]func(t *testing.T) Container {
	t.Helper()

	return map[string]func(t *testing.T) Container{
		DriverFile: func(t *testing.T) Container {
			c, err := NewFileContainer(t.TempDir())
			require.NoError(t, err)
			return c
		},
		DriverSQLite: func(t *testing.T) Container {
			c, err := NewSQLiteContainer(filepath.Join(t.TempDir(), "llmops.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = c.Close() })
			return c
		},
		DriverRedis: func(t *testing.T) Container {
			mr := miniredis.RunT(t)
			c := newRedisContainer(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
			t.Cleanup(func() { _ = c.Close() })
			return c
		},
	}
}

func TestContainerAppendBlobLifecycle(t *testing.T) {
	t.Parallel()

	for driver, open := range containerFactories(t) {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			c := open(t)
			const name = "evaluations/evaluations.jsonl"

			exists, err := c.Exists(ctx, name)
			require.NoError(t, err)
			assert.False(t, exists)

			_, err = c.ReadLines(ctx, name)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, c.Create(ctx, name))
			require.NoError(t, c.Create(ctx, name))
			exists, err = c.Exists(ctx, name)
			require.NoError(t, err)
			assert.True(t, exists)

			lines, err := c.ReadLines(ctx, name)
			require.NoError(t, err)
			assert.Empty(t, lines)

			require.NoError(t, c.Append(ctx, name, []byte(`{"n":1}`)))
			require.NoError(t, c.Append(ctx, name, []byte("{\"n\":2}\n")))

			lines, err = c.ReadLines(ctx, name)
			require.NoError(t, err)
			require.Len(t, lines, 2)
			assert.Equal(t, `{"n":1}`, string(lines[0]))
			assert.Equal(t, `{"n":2}`, string(lines[1]))
		})
	}
}

func TestContainerAppendCreatesMissingBlob(t *testing.T) {
	t.Parallel()

	for driver, open := range containerFactories(t) {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			c := open(t)

			require.NoError(t, c.Append(ctx, "traces/traces.jsonl", []byte(`{"trace_id":"t1"}`)))
			exists, err := c.Exists(ctx, "traces/traces.jsonl")
			require.NoError(t, err)
			assert.True(t, exists)
		})
	}
}

func TestContainerRejectsMultiLineAppend(t *testing.T) {
	t.Parallel()

	for driver, open := range containerFactories(t) {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			c := open(t)

			assert.Error(t, c.Append(context.Background(), "a.jsonl", []byte("{}\n{}")))
			assert.Error(t, c.Append(context.Background(), "a.jsonl", []byte("   ")))
		})
	}
}

func TestContainerDocumentsOverwrite(t *testing.T) {
	t.Parallel()

	for driver, open := range containerFactories(t) {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			c := open(t)
			const name = "aggregates/metrics.json"

			_, err := c.Get(ctx, name)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, c.Put(ctx, name, []byte(`{"v":1}`)))
			require.NoError(t, c.Put(ctx, name, []byte(`{"v":2}`)))

			data, err := c.Get(ctx, name)
			require.NoError(t, err)
			assert.JSONEq(t, `{"v":2}`, string(data))

			exists, err := c.Exists(ctx, name)
			require.NoError(t, err)
			assert.True(t, exists)
		})
	}
}

func TestContainerConcurrentAppendsStayWhole(t *testing.T) {
	t.Parallel()

	for driver, open := range containerFactories(t) {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			c := open(t)
			const writers = 32

			var wg sync.WaitGroup
			errs := make(chan error, writers)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					errs <- c.Append(ctx, "log.jsonl", []byte(fmt.Sprintf(`{"writer":%d}`, i)))
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			lines, err := c.ReadLines(ctx, "log.jsonl")
			require.NoError(t, err)
			require.Len(t, lines, writers)
			seen := make(map[string]bool, writers)
			for _, line := range lines {
				seen[string(line)] = true
			}
			assert.Len(t, seen, writers)
		})
	}
}

func TestFileContainerSkipsUnterminatedTail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, err := NewFileContainer(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, "traces/traces.jsonl", []byte("{\"a\":1}\n{\"a\":2}")))

	lines, err := c.ReadLines(ctx, "traces/traces.jsonl")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, `{"a":1}`, string(lines[0]))

	require.NoError(t, c.Put(ctx, "config/partial.json", []byte(`{"a":`)))
	lines, err = c.ReadLines(ctx, "config/partial.json")
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestFileContainerAppendTerminatesInterruptedLine(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, err := NewFileContainer(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, "traces/traces.jsonl", []byte("{\"a\":1}\n{\"a\":2}")))
	require.NoError(t, c.Append(ctx, "traces/traces.jsonl", []byte(`{"a":3}`)))

	lines, err := c.ReadLines(ctx, "traces/traces.jsonl")
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, `{"a":2}`, string(lines[1]))
	assert.Equal(t, `{"a":3}`, string(lines[2]))
}

func TestValidateName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		wantErr bool
	}{
		{name: "traces/traces.jsonl"},
		{name: "aggregates/metrics.json"},
		{name: "", wantErr: true},
		{name: "/etc/passwd", wantErr: true},
		{name: "../escape.json", wantErr: true},
		{name: "a/../b.json", wantErr: true},
		{name: `a\b.json`, wantErr: true},
	}
	for _, tt := range tests {
		err := ValidateName(tt.name)
		if tt.wantErr {
			assert.Error(t, err, tt.name)
		} else {
			assert.NoError(t, err, tt.name)
		}
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Options{Driver: "s3"})
	require.Error(t, err)

	c, err := Open(context.Background(), Options{Driver: "FILE", Dir: t.TempDir()})
	require.NoError(t, err)
	_, ok := c.(*FileContainer)
	assert.True(t, ok)
}

func TestNewRedisContainerFromURL(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	c, err := NewRedisContainer(context.Background(), "redis://"+mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Append(context.Background(), "x.jsonl", []byte(`{}`)))
	assert.Equal(t, []string{"{}"}, mustList(t, mr, "llmops:lines:x.jsonl"))

	_, err = NewRedisContainer(context.Background(), "", "")
	assert.Error(t, err)
}

func mustList(t *testing.T, mr *miniredis.Miniredis, key string) []string {
	t.Helper()
	values, err := mr.List(key)
	if err != nil && !errors.Is(err, miniredis.ErrKeyNotFound) {
		t.Fatalf("List(%q) error: %v", key, err)
	}
	return values
}
