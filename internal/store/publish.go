package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"pkt.systems/pdmd/internal/fault"
	"pkt.systems/pdmd/internal/revision"
)

// CommitAndPush publishes the listed paths as one atomic transaction under
// the repository mutex: paths present on disk are staged as additions or
// modifications, paths missing from disk as removals. When nothing is staged
// the call succeeds without creating an empty commit.
//
// On any failure the local copy is resynchronized to the remote's last
// known-good state before the error surfaces; the caller decides whether to
// retry the whole user action.
func (s *Store) CommitAndPush(ctx context.Context, paths []string, message, author string) (string, error) {
	handle, err := s.mutex.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer handle.Release()
	return s.commitAndPushLocked(ctx, paths, message, author)
}

// commitAndPushLocked is the publish transaction body. The caller must hold
// the repository mutex.
func (s *Store) commitAndPushLocked(ctx context.Context, paths []string, message, author string) (string, error) {
	start := s.clock.Now()
	rels := make([]string, 0, len(paths))
	for _, path := range paths {
		rel, err := s.rel(path)
		if err != nil {
			return "", err
		}
		rels = append(rels, rel)
	}
	wt, err := s.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("store: worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("store: status: %w", err)
	}

	staged := 0
	for _, rel := range rels {
		fileStatus, changed := status[rel]
		onDisk := fileExists(s.abs(rel))
		switch {
		case onDisk && changed:
			if _, err := wt.Add(rel); err != nil {
				return "", s.failPublish(ctx, start, rels, fmt.Errorf("stage %q: %w", rel, err))
			}
			staged++
		case !onDisk && changed && fileStatus.Worktree == git.Deleted:
			if _, err := wt.Remove(rel); err != nil {
				return "", s.failPublish(ctx, start, rels, fmt.Errorf("stage removal %q: %w", rel, err))
			}
			staged++
		default:
			// Unchanged or unknown to the index: nothing to stage.
		}
	}
	if staged == 0 {
		s.logger.Debug("store.publish.noop", "paths", len(paths))
		s.metrics.observePublish(ctx, "noop", s.clock.Now().Sub(start))
		return "", nil
	}

	hash, err := wt.Commit(message, &git.CommitOptions{Author: s.signature(author)})
	if err != nil {
		return "", s.failPublish(ctx, start, rels, fmt.Errorf("commit: %w", err))
	}
	if err := s.push(ctx); err != nil {
		return "", s.failPublish(ctx, start, rels, fmt.Errorf("push: %w", err))
	}

	s.logger.Info("store.publish.done",
		"commit", hash.String(),
		"files", staged,
		"author", author,
	)
	s.metrics.observePublish(ctx, "ok", s.clock.Now().Sub(start))
	return hash.String(), nil
}

// failPublish resynchronizes to the remote and wraps the cause as a
// publish_failed failure. The local copy never diverges silently: a local
// commit that could not be pushed is discarded, not kept.
func (s *Store) failPublish(ctx context.Context, start time.Time, rels []string, cause error) error {
	s.logger.Warn("store.publish.failed", "error", cause)
	if err := s.resyncLocked(ctx, rels); err != nil {
		s.logger.Error("store.publish.resync_failed", "error", err)
	}
	s.metrics.observePublish(ctx, "failed", s.clock.Now().Sub(start))
	return fault.Failure{Code: fault.CodePublishFailed, Detail: cause.Error()}
}

// push sends the tracked branch to the remote. Already-up-to-date is success.
func (s *Store) push(ctx context.Context) error {
	err := s.repo.PushContext(ctx, &git.PushOptions{
		RemoteName:      s.remoteName,
		Auth:            s.auth(),
		InsecureSkipTLS: s.insecure,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

// resyncLocked fetches the remote and hard-resets the working copy to its
// head, dropping any local-only commits and staged state. Only the listed
// transaction paths are removed when the reset does not restore them; other
// untracked files, checkout records in particular, are never touched.
func (s *Store) resyncLocked(ctx context.Context, leftovers []string) error {
	err := s.repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName:      s.remoteName,
		Auth:            s.auth(),
		Force:           true,
		InsecureSkipTLS: s.insecure,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch: %w", err)
	}
	ref, err := s.repo.Reference(plumbing.NewRemoteReferenceName(s.remoteName, s.branch), true)
	if err != nil {
		return fmt.Errorf("resolve remote head: %w", err)
	}
	wt, err := s.repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: ref.Hash()}); err != nil {
		return fmt.Errorf("hard reset: %w", err)
	}
	if len(leftovers) > 0 {
		commit, err := s.repo.CommitObject(ref.Hash())
		if err != nil {
			return fmt.Errorf("resolve remote commit: %w", err)
		}
		for _, rel := range leftovers {
			if _, err := commit.File(rel); err == nil {
				// Tracked at the remote head: the reset restored it.
				continue
			}
			if err := os.Remove(s.abs(rel)); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("store.resync.leftover_remove_failed", "path", rel, "error", err)
			}
		}
	}
	s.metrics.observeResync(ctx)
	s.logger.Info("store.resync.done", "head", ref.Hash().String())
	return nil
}

// Resync exposes the fetch-and-reset recovery for operator use.
func (s *Store) Resync(ctx context.Context) error {
	handle, err := s.mutex.Acquire(ctx)
	if err != nil {
		return err
	}
	defer handle.Release()
	return s.resyncLocked(ctx, nil)
}

// Checkin writes new artifact content, bumps the side-car revision, and
// publishes both files as one commit so partial states are never observable.
func (s *Store) Checkin(ctx context.Context, path string, content []byte, message, kind, author, explicitMajor string) (string, error) {
	rel, err := s.rel(path)
	if err != nil {
		return "", err
	}
	handle, err := s.mutex.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer handle.Release()

	if err := s.writeFile(rel, content); err != nil {
		return "", fmt.Errorf("store: write content: %w", err)
	}

	meta := s.loadMeta(rel)
	newRev := revision.Increment(meta.Revision, kind, explicitMajor)
	meta.Revision = newRev
	meta.Author = author
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = s.clock.Now()
	}
	if err := s.writeMeta(rel, meta); err != nil {
		return "", fmt.Errorf("store: %w", err)
	}

	commitMsg := fmt.Sprintf("REV %s: %s", newRev, message)
	hash, err := s.commitAndPushLocked(ctx, []string{rel, MetaPath(rel)}, commitMsg, author)
	if err != nil {
		return "", err
	}
	s.logger.Info("store.checkin.done", "path", rel, "revision", newRev, "commit", hash)
	return newRev, nil
}

// SaveContent writes bytes into the working copy under the mutex without
// publishing. Used for upload staging; the caller follows with CommitAndPush.
func (s *Store) SaveContent(ctx context.Context, path string, content []byte) error {
	rel, err := s.rel(path)
	if err != nil {
		return err
	}
	handle, err := s.mutex.Acquire(ctx)
	if err != nil {
		return err
	}
	defer handle.Release()
	return s.writeFile(rel, content)
}

// GetContent reads the current working-copy bytes for an artifact.
func (s *Store) GetContent(path string) ([]byte, error) {
	rel, err := s.rel(path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.abs(rel))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fault.Failure{Code: fault.CodeNotFound, Detail: fmt.Sprintf("%s not in working copy", rel)}
		}
		return nil, fmt.Errorf("store: read %q: %w", rel, err)
	}
	return raw, nil
}

// DeleteArtifactAndMetadata removes an artifact and its side-car and
// publishes the deletion as one commit.
func (s *Store) DeleteArtifactAndMetadata(ctx context.Context, path, author string) error {
	rel, err := s.rel(path)
	if err != nil {
		return err
	}
	handle, err := s.mutex.Acquire(ctx)
	if err != nil {
		return err
	}
	defer handle.Release()

	removedAny := false
	for _, target := range []string{rel, MetaPath(rel)} {
		if err := os.Remove(s.abs(target)); err == nil {
			removedAny = true
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("store: delete %q: %w", target, err)
		}
	}
	if !removedAny {
		return fault.Failure{Code: fault.CodeNotFound, Detail: fmt.Sprintf("%s not in working copy", rel)}
	}
	_, err = s.commitAndPushLocked(ctx, []string{rel, MetaPath(rel)},
		fmt.Sprintf("DELETE: %s", filepath.Base(rel)), author)
	return err
}

// RevertLocalChanges restores an artifact (and its side-car) to HEAD,
// discarding local edits and any materialized large-object content. A path
// untracked at HEAD is simply deleted.
func (s *Store) RevertLocalChanges(ctx context.Context, path string) error {
	rel, err := s.rel(path)
	if err != nil {
		return err
	}
	handle, err := s.mutex.Acquire(ctx)
	if err != nil {
		return err
	}
	defer handle.Release()

	head, err := s.head()
	if err != nil {
		return err
	}
	for _, target := range []string{rel, MetaPath(rel)} {
		file, err := head.File(target)
		if err != nil {
			// Not tracked at HEAD: drop the local file if present.
			if rmErr := os.Remove(s.abs(target)); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				return fmt.Errorf("store: remove untracked %q: %w", target, rmErr)
			}
			continue
		}
		contents, err := file.Contents()
		if err != nil {
			return fmt.Errorf("store: read %q at head: %w", target, err)
		}
		if err := s.writeFile(target, []byte(contents)); err != nil {
			return fmt.Errorf("store: restore %q: %w", target, err)
		}
	}
	s.logger.Info("store.revert.done", "path", rel)
	return nil
}

// writeFile writes bytes at a repository-relative path, creating parents.
func (s *Store) writeFile(rel string, content []byte) error {
	abs := s.abs(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, content, 0o644)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
