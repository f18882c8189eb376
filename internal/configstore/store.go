// Package configstore holds the operator-managed configuration documents:
// evaluator definitions and the read-only template catalog.
package configstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ongoingai/llmops/internal/ledger"
	"github.com/ongoingai/llmops/internal/storage"
)

var ErrNotFound = errors.New("config store record not found")
var ErrConflict = errors.New("config store record conflicts with existing data")
var ErrInvalid = errors.New("config store record is invalid")

// EvaluatorsDocument is the container blob holding every evaluator config.
const EvaluatorsDocument = "config/evaluators.json"

const (
	StatusEnabled  = "enabled"
	StatusDisabled = "disabled"

	defaultTarget = "trace"
)

type TemplateRef struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// EvaluatorConfig describes one evaluator an operator has set up. ID is the
// evaluator registry key.
type EvaluatorConfig struct {
	ID        string         `json:"id"`
	ScoreName string         `json:"score_name"`
	Template  TemplateRef    `json:"template"`
	Target    string         `json:"target"`
	Status    string         `json:"status"`
	Execution map[string]any `json:"execution"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt *time.Time     `json:"updated_at,omitempty"`
}

type evaluatorDocument struct {
	Items []EvaluatorConfig `json:"items"`
}

// EvaluatorStore keeps evaluator configs as one document. Writers are
// serialized within the process.
type EvaluatorStore struct {
	mu  sync.Mutex
	doc *ledger.Document[evaluatorDocument]
	now func() time.Time
}

func NewEvaluatorStore(container storage.Container) *EvaluatorStore {
	return &EvaluatorStore{
		doc: ledger.NewDocument[evaluatorDocument](container, EvaluatorsDocument),
		now: time.Now,
	}
}

// DefaultID derives an evaluator id from its score name.
func DefaultID(scoreName string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(scoreName)), " ", "_")
}

// List returns configs newest first. A store that was never written is empty.
func (s *EvaluatorStore) List(ctx context.Context) ([]EvaluatorConfig, error) {
	doc, _, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	items := append([]EvaluatorConfig(nil), doc.Items...)
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items, nil
}

// EnabledKeys returns the ids of enabled configs and whether any config
// document exists at all.
func (s *EvaluatorStore) EnabledKeys(ctx context.Context) ([]string, bool, error) {
	doc, exists, err := s.load(ctx)
	if err != nil || !exists {
		return nil, false, err
	}
	keys := []string{}
	for _, item := range doc.Items {
		if item.Status == StatusEnabled {
			keys = append(keys, item.ID)
		}
	}
	sort.Strings(keys)
	return keys, true, nil
}

func (s *EvaluatorStore) Create(ctx context.Context, cfg EvaluatorConfig) (EvaluatorConfig, error) {
	cfg.ScoreName = strings.TrimSpace(cfg.ScoreName)
	if cfg.ScoreName == "" {
		return EvaluatorConfig{}, fmt.Errorf("%w: score_name is required", ErrInvalid)
	}
	if strings.TrimSpace(cfg.Template.ID) == "" {
		return EvaluatorConfig{}, fmt.Errorf("%w: template.id is required", ErrInvalid)
	}
	cfg.ID = strings.TrimSpace(cfg.ID)
	if cfg.ID == "" {
		cfg.ID = DefaultID(cfg.ScoreName)
	}
	if cfg.Target == "" {
		cfg.Target = defaultTarget
	}
	if cfg.Status == "" {
		cfg.Status = StatusEnabled
	}
	if err := validateStatus(cfg.Status); err != nil {
		return EvaluatorConfig{}, err
	}
	if cfg.Execution == nil {
		cfg.Execution = map[string]any{}
	}
	cfg.CreatedAt = s.now().UTC()
	cfg.UpdatedAt = nil

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, _, err := s.load(ctx)
	if err != nil {
		return EvaluatorConfig{}, err
	}
	for _, item := range doc.Items {
		if item.ID == cfg.ID {
			return EvaluatorConfig{}, fmt.Errorf("%w: evaluator %q already exists", ErrConflict, cfg.ID)
		}
	}
	doc.Items = append(doc.Items, cfg)
	if err := s.doc.Put(ctx, doc); err != nil {
		return EvaluatorConfig{}, fmt.Errorf("write evaluator configs: %w", err)
	}
	return cfg, nil
}

func (s *EvaluatorStore) UpdateStatus(ctx context.Context, id, status string) (EvaluatorConfig, error) {
	if err := validateStatus(status); err != nil {
		return EvaluatorConfig{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, _, err := s.load(ctx)
	if err != nil {
		return EvaluatorConfig{}, err
	}
	for i := range doc.Items {
		if doc.Items[i].ID != id {
			continue
		}
		doc.Items[i].Status = status
		updated := s.now().UTC()
		doc.Items[i].UpdatedAt = &updated
		if err := s.doc.Put(ctx, doc); err != nil {
			return EvaluatorConfig{}, fmt.Errorf("write evaluator configs: %w", err)
		}
		return doc.Items[i], nil
	}
	return EvaluatorConfig{}, fmt.Errorf("%w: evaluator %q", ErrNotFound, id)
}

func (s *EvaluatorStore) load(ctx context.Context) (evaluatorDocument, bool, error) {
	doc, err := s.doc.Get(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return evaluatorDocument{}, false, nil
	}
	if err != nil {
		return evaluatorDocument{}, false, err
	}
	return doc, true, nil
}

func validateStatus(status string) error {
	if status != StatusEnabled && status != StatusDisabled {
		return fmt.Errorf("%w: status must be %s or %s", ErrInvalid, StatusEnabled, StatusDisabled)
	}
	return nil
}
