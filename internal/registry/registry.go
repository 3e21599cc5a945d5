// Package registry maintains the one-checkout-per-path invariant: advisory
// exclusive locks on logical artifact paths, persisted one record per file so
// they survive process restarts.
//
// The registry never touches the repository mutex; records are pure metadata
// and rely on atomic whole-file create/rename instead of fine-grained
// locking. Two simultaneous creates for different paths never conflict; two
// for the same path race on the exclusive create and exactly one wins.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pdmd/internal/clock"
	"pkt.systems/pdmd/internal/fault"
	"pkt.systems/pdmd/internal/loggingutil"
	"pkt.systems/pslog"
)

const recordSuffix = ".lock"

// Checkout is one advisory exclusive lock. JSON keys match the record layout
// on disk.
type Checkout struct {
	ID       string    `json:"id"`
	Path     string    `json:"file"`
	User     string    `json:"user"`
	LockedAt time.Time `json:"timestamp"`

	// Duration is filled by List: elapsed time since LockedAt. Not persisted.
	Duration time.Duration `json:"-"`
}

// Config carries the registry dependencies.
type Config struct {
	// Dir is the records area. Created on construction.
	Dir string
	// Clock abstracts time. Nil selects the real clock.
	Clock clock.Clock
	// Logger receives structured events. Nil disables logging.
	Logger pslog.Logger
}

// Registry implements the checkout registry over a records directory.
type Registry struct {
	dir     string
	clock   clock.Clock
	logger  pslog.Logger
	metrics *registryMetrics
}

// New constructs a Registry rooted at cfg.Dir.
func New(cfg Config) (*Registry, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("registry: records dir required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("registry: prepare records dir %q: %w", cfg.Dir, err)
	}
	logger := loggingutil.EnsureLogger(cfg.Logger)
	return &Registry{
		dir:     filepath.Clean(cfg.Dir),
		clock:   cfg.Clock,
		logger:  logger,
		metrics: newRegistryMetrics(logger),
	}, nil
}

// Dir returns the records area.
func (r *Registry) Dir() string { return r.dir }

// RecordPath returns the on-disk record location for a logical path. The
// name is a filesystem-safe encoding: separators and dots become
// underscores.
func (r *Registry) RecordPath(path string) string {
	sanitized := strings.NewReplacer("/", "_", "\\", "_", ".", "_").Replace(path)
	return filepath.Join(r.dir, sanitized+recordSuffix)
}

// Create writes a new checkout record for path held by user. It fails with
// already_checked_out when a record exists, unless force is set (reserved
// for administrative override), which unconditionally overwrites.
func (r *Registry) Create(ctx context.Context, path, user string, force bool) (*Checkout, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("registry: path required")
	}
	if strings.TrimSpace(user) == "" {
		return nil, fmt.Errorf("registry: user required")
	}
	co := &Checkout{
		ID:       uuid.NewString(),
		Path:     path,
		User:     user,
		LockedAt: r.clock.Now(),
	}
	payload, err := json.MarshalIndent(co, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("registry: encode record: %w", err)
	}

	recordPath := r.RecordPath(path)
	if force {
		if err := r.writeAtomic(recordPath, payload); err != nil {
			return nil, fmt.Errorf("registry: force create: %w", err)
		}
		r.logger.Info("registry.create.forced", "path", path, "user", user)
		r.metrics.observeCreate(ctx, "forced")
		return co, nil
	}

	f, err := os.OpenFile(recordPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			existing, _ := r.Get(ctx, path)
			detail := fmt.Sprintf("%s is already checked out", path)
			if existing != nil {
				detail = fmt.Sprintf("%s is checked out by %s", path, existing.User)
			}
			r.logger.Debug("registry.create.conflict", "path", path, "user", user)
			r.metrics.observeCreate(ctx, "conflict")
			return nil, fault.Failure{Code: fault.CodeAlreadyCheckedOut, Detail: detail}
		}
		return nil, fmt.Errorf("registry: create record: %w", err)
	}
	_, werr := f.Write(payload)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(recordPath)
		return nil, fmt.Errorf("registry: write record: %w", werr)
	}
	r.logger.Info("registry.create.done", "path", path, "user", user, "id", co.ID)
	r.metrics.observeCreate(ctx, "ok")
	return co, nil
}

// Release deletes the record for path. Idempotent: absence is not an error.
func (r *Registry) Release(ctx context.Context, path string) error {
	err := os.Remove(r.RecordPath(path))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("registry: release %q: %w", path, err)
	}
	if err == nil {
		r.logger.Info("registry.release.done", "path", path)
		r.metrics.observeRelease(ctx)
	}
	return nil
}

// Get returns the record for path, or nil when none exists. A record that
// fails to parse is proactively deleted and reported as absent; the Warn log
// keeps "corrupted-and-discarded" distinguishable from "never existed".
func (r *Registry) Get(ctx context.Context, path string) (*Checkout, error) {
	co, err := r.readRecord(ctx, r.RecordPath(path))
	if err != nil {
		return nil, err
	}
	return co, nil
}

// List returns all current records enriched with elapsed duration, sorted by
// path. Corrupted records are discarded and skipped, never surfaced as
// errors.
func (r *Registry) List(ctx context.Context) ([]Checkout, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("registry: list records: %w", err)
	}
	now := r.clock.Now()
	var out []Checkout
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordSuffix) {
			continue
		}
		co, err := r.readRecord(ctx, filepath.Join(r.dir, entry.Name()))
		if err != nil || co == nil {
			continue
		}
		co.Duration = now.Sub(co.LockedAt)
		out = append(out, *co)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// readRecord loads and parses one record file, self-healing corruption.
func (r *Registry) readRecord(ctx context.Context, recordPath string) (*Checkout, error) {
	raw, err := os.ReadFile(recordPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("registry: read record %q: %w", recordPath, err)
	}
	var co Checkout
	if err := json.Unmarshal(raw, &co); err != nil || co.Path == "" {
		r.logger.Warn("registry.record.corrupted_discarded", "record", recordPath, "error", err)
		r.metrics.observeCorrupted(ctx)
		os.Remove(recordPath)
		return nil, nil
	}
	return &co, nil
}

// writeAtomic replaces recordPath via temp-file-plus-rename so readers never
// observe a partial record.
func (r *Registry) writeAtomic(recordPath string, payload []byte) error {
	tmp, err := os.CreateTemp(r.dir, ".tmp-record-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(payload)
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmpName)
		return werr
	}
	if err := os.Rename(tmpName, recordPath); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
