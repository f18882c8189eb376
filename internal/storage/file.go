package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileContainer stores blobs as files under Root. Append blobs are
// newline-delimited files opened with O_APPEND; documents are replaced via
// temp-file rename so readers never observe a partial write.
type FileContainer struct {
	Root string
	mu   sync.Mutex
}

func NewFileContainer(root string) (*FileContainer, error) {
	if root == "" {
		return nil, fmt.Errorf("storage directory cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory %q: %w", root, err)
	}
	return &FileContainer{Root: root}, nil
}

// Path resolves a blob name to its file on disk.
func (c *FileContainer) Path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(c.Root, filepath.FromSlash(name)), nil
}

func (c *FileContainer) Exists(_ context.Context, name string) (bool, error) {
	p, err := c.Path(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat blob %q: %w", name, err)
	}
	return true, nil
}

func (c *FileContainer) Create(_ context.Context, name string) error {
	p, err := c.Path(name)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := openAppend(p)
	if err != nil {
		return fmt.Errorf("create blob %q: %w", name, err)
	}
	return f.Close()
}

func (c *FileContainer) ReadLines(_ context.Context, name string) ([][]byte, error) {
	p, err := c.Path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read blob %q: %w", name, err)
	}
	return splitLines(data), nil
}

func (c *FileContainer) Append(_ context.Context, name string, line []byte) error {
	p, err := c.Path(name)
	if err != nil {
		return err
	}
	line, err = normalizeLine(line)
	if err != nil {
		return fmt.Errorf("append blob %q: %w", name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := openAppend(p)
	if err != nil {
		return fmt.Errorf("append blob %q: %w", name, err)
	}

	buf := make([]byte, 0, len(line)+2)
	if unterminated, err := endsWithoutNewline(p); err != nil {
		_ = f.Close()
		return fmt.Errorf("append blob %q: %w", name, err)
	} else if unterminated {
		buf = append(buf, '\n')
	}
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("append blob %q: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close blob %q: %w", name, err)
	}
	return nil
}

func (c *FileContainer) Get(_ context.Context, name string) ([]byte, error) {
	p, err := c.Path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read blob %q: %w", name, err)
	}
	return data, nil
}

func (c *FileContainer) Put(_ context.Context, name string, data []byte) error {
	p, err := c.Path(name)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create blob directory %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file for %q: %w", name, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write blob %q: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync blob %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close blob %q: %w", name, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		cleanup()
		return fmt.Errorf("replace blob %q: %w", name, err)
	}
	return nil
}

func (c *FileContainer) Close() error {
	return nil
}

func openAppend(p string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// endsWithoutNewline reports whether a non-empty file lacks a trailing
// newline, as happens when another producer wrote the last line.
func endsWithoutNewline(p string) (bool, error) {
	f, err := os.Open(p)
	if err != nil {
		return false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

// splitLines splits a blob into complete lines. Bytes after the last
// newline belong to an append still in flight and are not returned.
func splitLines(data []byte) [][]byte {
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return [][]byte{}
	}
	parts := bytes.Split(data[:end], []byte{'\n'})
	lines := make([][]byte, 0, len(parts))
	for _, part := range parts {
		lines = append(lines, bytes.TrimRight(part, "\r"))
	}
	return lines
}
