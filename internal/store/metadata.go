package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// metaSuffix names the side-car record co-located with each artifact.
const metaSuffix = ".meta.json"

// Meta is the per-artifact side-car record. It is only ever written together
// with the artifact it describes, in the same publish.
type Meta struct {
	Description string    `json:"description,omitempty"`
	Revision    string    `json:"revision"`
	Author      string    `json:"author,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// MetaPath returns the side-car path for an artifact path.
func MetaPath(rel string) string {
	return rel + metaSuffix
}

// isMetaPath reports whether rel names a side-car record.
func isMetaPath(rel string) bool {
	return len(rel) > len(metaSuffix) && rel[len(rel)-len(metaSuffix):] == metaSuffix
}

// loadMeta reads the side-car for rel from the working copy. Absent or
// unparseable records start empty; the Warn log keeps discarded corruption
// visible.
func (s *Store) loadMeta(rel string) Meta {
	raw, err := os.ReadFile(s.abs(MetaPath(rel)))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("store.meta.read_failed", "path", rel, "error", err)
		}
		return Meta{}
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		s.logger.Warn("store.meta.corrupted_discarded", "path", rel, "error", err)
		return Meta{}
	}
	return meta
}

// writeMeta stores the side-car for rel in the working copy. The caller is
// responsible for publishing it together with the artifact.
func (s *Store) writeMeta(rel string, meta Meta) error {
	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata for %q: %w", rel, err)
	}
	if err := os.WriteFile(s.abs(MetaPath(rel)), payload, 0o644); err != nil {
		return fmt.Errorf("write metadata for %q: %w", rel, err)
	}
	return nil
}

// GetMeta returns the current side-car record for an artifact.
func (s *Store) GetMeta(path string) (Meta, error) {
	rel, err := s.rel(path)
	if err != nil {
		return Meta{}, err
	}
	return s.loadMeta(rel), nil
}

// UpdateDescription rewrites the side-car description and publishes the
// metadata alone. The revision is untouched; description edits are not
// content changes.
func (s *Store) UpdateDescription(ctx context.Context, path, description, author string) error {
	rel, err := s.rel(path)
	if err != nil {
		return err
	}
	handle, err := s.mutex.Acquire(ctx)
	if err != nil {
		return err
	}
	defer handle.Release()

	meta := s.loadMeta(rel)
	meta.Description = description
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = s.clock.Now()
	}
	if err := s.writeMeta(rel, meta); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	_, err = s.commitAndPushLocked(ctx, []string{MetaPath(rel)},
		fmt.Sprintf("META: %s", filepath.Base(rel)), author)
	return err
}
