package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// TemplateCatalog is the response shape of the template catalog.
type TemplateCatalog struct {
	UpdatedAt *time.Time      `json:"updated_at"`
	Templates json.RawMessage `json:"templates"`
}

// TemplateFile reads the operator-maintained templates JSON file.
type TemplateFile struct {
	path string
}

func NewTemplateFile(path string) *TemplateFile {
	return &TemplateFile{path: path}
}

// Read returns the file contents with its modification time. A missing file
// is an empty catalog.
func (f *TemplateFile) Read(_ context.Context) (TemplateCatalog, error) {
	empty := TemplateCatalog{Templates: json.RawMessage("[]")}
	if f == nil || f.path == "" {
		return empty, nil
	}

	info, err := os.Stat(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return empty, nil
	}
	if err != nil {
		return TemplateCatalog{}, fmt.Errorf("stat templates file: %w", err)
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return TemplateCatalog{}, fmt.Errorf("read templates file: %w", err)
	}
	if !json.Valid(data) {
		return TemplateCatalog{}, fmt.Errorf("templates file %s is not valid json", f.path)
	}

	updated := info.ModTime().UTC()
	return TemplateCatalog{UpdatedAt: &updated, Templates: json.RawMessage(data)}, nil
}
