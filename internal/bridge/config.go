package bridge

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nidhogg/nuka-memory/internal/memory"
)

// IngestConfig is the runtime-mutable part of the configuration.
type IngestConfig struct {
	IngestEnabled bool    `json:"ingest"`
	MinScore      float64 `json:"min_score"`
	TopK          int     `json:"top_k"`
}

// DefaultIngestConfig returns ingest on, no score floor, top 5.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{IngestEnabled: true, MinScore: 0, TopK: 5}
}

// ConfigPatch is a partial update. Nil fields are left unchanged.
type ConfigPatch struct {
	IngestEnabled *bool    `json:"ingest,omitempty"`
	MinScore      *float64 `json:"min_score,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
}

// Validate checks every field and reports all problems at once.
func (c IngestConfig) Validate() error {
	var errs []error
	if c.MinScore < 0 || c.MinScore > 1 {
		errs = append(errs, fmt.Errorf("min_score must be within [0, 1], got %v", c.MinScore))
	}
	if c.TopK <= 0 {
		errs = append(errs, fmt.Errorf("top_k must be positive, got %d", c.TopK))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", memory.ErrInvalidArgument, errors.Join(errs...))
	}
	return nil
}

// configStore is the single synchronization point for IngestConfig.
type configStore struct {
	mu  sync.RWMutex
	cur IngestConfig
}

func (s *configStore) get() IngestConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// apply validates the patched snapshot and swaps it in whole, or changes
// nothing.
func (s *configStore) apply(p ConfigPatch) (IngestConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cur
	if p.IngestEnabled != nil {
		next.IngestEnabled = *p.IngestEnabled
	}
	if p.MinScore != nil {
		next.MinScore = *p.MinScore
	}
	if p.TopK != nil {
		next.TopK = *p.TopK
	}
	if err := next.Validate(); err != nil {
		return s.cur, err
	}
	s.cur = next
	return next, nil
}
