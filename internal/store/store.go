// Package store owns the local git working copy: clone and repair, atomic
// stage-commit-push transactions, MAJOR.MINOR revision bookkeeping in
// side-car metadata, and on-demand large-object retrieval.
//
// Every mutating operation runs under the repository mutex; read operations
// go straight to the working copy or the object database.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"pkt.systems/pdmd/internal/clock"
	"pkt.systems/pdmd/internal/fault"
	"pkt.systems/pdmd/internal/loggingutil"
	"pkt.systems/pdmd/internal/repolock"
	"pkt.systems/pslog"
)

// State tracks the working-copy lifecycle.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateCloning       State = "cloning"
	StateReady         State = "ready"
	StateCorrupted     State = "corrupted"
)

const (
	// DefaultRepairAttempts caps clone/repair cycles before initialization fails.
	DefaultRepairAttempts = 3
	// DefaultRemoteName is the remote the store clones from and pushes to.
	DefaultRemoteName = "origin"
	// DefaultBranch is the tracked branch.
	DefaultBranch = "main"
)

// Config carries the store dependencies and remote connection parameters.
type Config struct {
	// Path is the working copy directory.
	Path string
	// RemoteURL is the backing repository URL. Local paths are accepted
	// (used by tests); https URLs carry oauth2 token credentials.
	RemoteURL string
	// Token authenticates remote calls. Empty disables auth.
	Token string
	// Branch is the tracked branch. Defaults to DefaultBranch.
	Branch string
	// RemoteName defaults to DefaultRemoteName.
	RemoteName string
	// AllowInsecure disables TLS certificate verification on remote calls.
	AllowInsecure bool
	// RepairAttempts caps corrupted-copy recovery cycles.
	RepairAttempts int

	// Mutex is the repository lock guarding all mutations. Required.
	Mutex *repolock.Mutex
	// Repairer recovers corrupted working copies. Nil selects the system
	// implementation (process kills plus forced tree removal).
	Repairer Repairer
	// LFS fetches large-object content. Nil selects the git-lfs shell client.
	LFS LFSClient
	// Clock abstracts time. Nil selects the real clock.
	Clock clock.Clock
	// Logger receives structured events. Nil disables logging.
	Logger pslog.Logger
}

// Store is the versioned artifact store over one working copy.
type Store struct {
	path       string
	remoteURL  string
	token      string
	branch     string
	remoteName string
	insecure   bool

	repo     *git.Repository
	mutex    *repolock.Mutex
	repairer Repairer
	lfs      LFSClient
	clock    clock.Clock
	logger   pslog.Logger
	metrics  *storeMetrics

	state State
}

// New initializes the working copy, cloning or repairing as needed, and
// returns a Ready store. Exhausting repair attempts surfaces
// corrupted_working_copy; the store never proceeds on a broken copy.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: working copy path required")
	}
	if cfg.RemoteURL == "" {
		return nil, fmt.Errorf("store: remote url required")
	}
	if cfg.Mutex == nil {
		return nil, fmt.Errorf("store: repository mutex required")
	}
	if cfg.Branch == "" {
		cfg.Branch = DefaultBranch
	}
	if cfg.RemoteName == "" {
		cfg.RemoteName = DefaultRemoteName
	}
	if cfg.RepairAttempts <= 0 {
		cfg.RepairAttempts = DefaultRepairAttempts
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := loggingutil.EnsureLogger(cfg.Logger)
	s := &Store{
		path:       filepath.Clean(cfg.Path),
		remoteURL:  cfg.RemoteURL,
		token:      cfg.Token,
		branch:     cfg.Branch,
		remoteName: cfg.RemoteName,
		insecure:   cfg.AllowInsecure,
		mutex:      cfg.Mutex,
		repairer:   cfg.Repairer,
		lfs:        cfg.LFS,
		clock:      cfg.Clock,
		logger:     logger,
		metrics:    newStoreMetrics(logger),
		state:      StateUninitialized,
	}
	if s.repairer == nil {
		s.repairer = SystemRepairer{Logger: logger}
	}
	if s.lfs == nil {
		s.lfs = &shellLFS{token: cfg.Token, insecure: cfg.AllowInsecure, logger: logger}
	}
	// Initialization mutates the working copy (clone, helper kills, tree
	// removal) and serializes with other processes like every other mutation.
	handle, err := s.mutex.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer handle.Release()
	if err := s.initialize(ctx, cfg.RepairAttempts); err != nil {
		return nil, err
	}
	return s, nil
}

// State returns the current lifecycle state.
func (s *Store) State() State { return s.state }

// Path returns the working copy root.
func (s *Store) Path() string { return s.path }

// Branch returns the tracked branch name.
func (s *Store) Branch() string { return s.branch }

// initialize drives Uninitialized → Cloning → Ready with bounded repair.
func (s *Store) initialize(ctx context.Context, attempts int) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		repo, err := s.openOrClone(ctx)
		if err == nil {
			if err = s.verifyRemote(repo); err == nil {
				s.repo = repo
				s.state = StateReady
				s.logger.Info("store.init.ready", "path", s.path, "attempt", attempt)
				return nil
			}
		}
		lastErr = err
		s.state = StateCorrupted
		s.logger.Warn("store.init.corrupted",
			"path", s.path,
			"attempt", attempt,
			"error", err,
		)
		s.metrics.observeRepair(ctx)
		if rerr := s.repair(ctx); rerr != nil {
			s.logger.Error("store.init.repair_failed", "path", s.path, "error", rerr)
		}
		s.state = StateUninitialized
	}
	s.state = StateCorrupted
	return fault.Failure{
		Code:   fault.CodeCorruptedWorkingCopy,
		Detail: fmt.Sprintf("working copy at %s unusable after %d attempts: %v", s.path, attempts, lastErr),
	}
}

// openOrClone opens an existing working copy or clones a fresh one.
func (s *Store) openOrClone(ctx context.Context) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.path)
	if err == nil {
		s.logger.Debug("store.init.opened", "path", s.path)
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open working copy: %w", err)
	}

	s.state = StateCloning
	s.logger.Info("store.init.cloning", "path", s.path, "remote", redactURL(s.remoteURL))
	repo, err = git.PlainCloneContext(ctx, s.path, false, &git.CloneOptions{
		URL:             s.remoteURL,
		Auth:            s.auth(),
		ReferenceName:   plumbing.NewBranchReferenceName(s.branch),
		SingleBranch:    true,
		InsecureSkipTLS: s.insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("clone: %w", err)
	}
	return repo, nil
}

// verifyRemote confirms the opened copy is linked to the configured remote.
func (s *Store) verifyRemote(repo *git.Repository) error {
	remote, err := repo.Remote(s.remoteName)
	if err != nil {
		return fmt.Errorf("remote %q missing: %w", s.remoteName, err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return fmt.Errorf("remote %q has no url", s.remoteName)
	}
	if !sameRemote(urls[0], s.remoteURL) {
		return fmt.Errorf("remote %q points at %s, expected %s",
			s.remoteName, redactURL(urls[0]), redactURL(s.remoteURL))
	}
	return nil
}

// repair tears a corrupted copy down: kill helper processes rooted at the
// path, drop stray git lock files, then force-remove the tree so the next
// attempt starts from a clean clone.
func (s *Store) repair(ctx context.Context) error {
	if err := s.repairer.KillHelpers(ctx, s.path); err != nil {
		s.logger.Warn("store.repair.kill_helpers", "path", s.path, "error", err)
	}
	removeStrayLockFiles(s.path, s.logger)
	if err := s.repairer.RemoveTree(s.path); err != nil {
		return fmt.Errorf("remove tree: %w", err)
	}
	return nil
}

// removeStrayLockFiles drops leftover .git/*.lock files from crashed
// operations so a surviving copy can sometimes reopen without a reclone.
func removeStrayLockFiles(workdir string, logger pslog.Logger) {
	matches, err := filepath.Glob(filepath.Join(workdir, ".git", "*.lock"))
	if err != nil {
		return
	}
	for _, lock := range matches {
		if err := os.Remove(lock); err == nil {
			logger.Info("store.repair.removed_lock", "file", lock)
		}
	}
}

// auth returns remote credentials, or nil for anonymous/local remotes.
func (s *Store) auth() *githttp.BasicAuth {
	if s.token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "oauth2", Password: s.token}
}

// sameRemote compares two remote URLs ignoring embedded credentials and
// trailing slashes.
func sameRemote(a, b string) bool {
	return canonicalRemote(a) == canonicalRemote(b)
}

func canonicalRemote(raw string) string {
	trimmed := strings.TrimRight(raw, "/")
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" {
		return trimmed
	}
	u.User = nil
	return u.String()
}

// redactURL strips credentials for logging.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User("redacted")
	return u.String()
}

// head returns the current HEAD commit.
func (s *Store) head() (*object.Commit, error) {
	ref, err := s.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	commit, err := s.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load head commit: %w", err)
	}
	return commit, nil
}

// signature builds the commit author identity for a holder name.
func (s *Store) signature(author string) *object.Signature {
	name := strings.TrimSpace(author)
	if name == "" {
		name = "pdmd"
	}
	return &object.Signature{
		Name:  name,
		Email: strings.ToLower(strings.ReplaceAll(name, " ", ".")) + "@pdm.local",
		When:  s.clock.Now(),
	}
}

// abs resolves a repository-relative path to the working copy.
func (s *Store) abs(rel string) string {
	return filepath.Join(s.path, filepath.FromSlash(rel))
}

// rel converts any path into the slash-separated repository-relative form.
func (s *Store) rel(path string) (string, error) {
	if filepath.IsAbs(path) {
		r, err := filepath.Rel(s.path, path)
		if err != nil || strings.HasPrefix(r, "..") {
			return "", fmt.Errorf("path %q outside working copy", path)
		}
		return filepath.ToSlash(r), nil
	}
	return filepath.ToSlash(filepath.Clean(path)), nil
}
