package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"pkt.systems/pdmd/internal/fault"
)

// Commit is one immutable history record.
type Commit struct {
	Hash    string    `json:"hash"`
	Author  string    `json:"author"`
	Date    time.Time `json:"date"`
	Message string    `json:"message"`
}

// HistoryEntry pairs a commit with the revision recorded in the artifact's
// side-car metadata at that point in history. Revision is nil when the
// metadata blob was absent or failed to parse there.
type HistoryEntry struct {
	Commit
	Revision *string `json:"revision"`
}

// ContentAtCommit resolves a path within a historical commit's tree and
// returns its raw bytes, or not_found when the path did not exist there.
func (s *Store) ContentAtCommit(path, commitHash string) ([]byte, error) {
	rel, err := s.rel(path)
	if err != nil {
		return nil, err
	}
	hash := plumbing.NewHash(commitHash)
	commit, err := s.repo.CommitObject(hash)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, fault.Failure{Code: fault.CodeNotFound, Detail: fmt.Sprintf("commit %s not found", commitHash)}
		}
		return nil, fmt.Errorf("store: load commit %s: %w", commitHash, err)
	}
	file, err := commit.File(rel)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, fault.Failure{Code: fault.CodeNotFound, Detail: fmt.Sprintf("%s not present at %s", rel, commitHash)}
		}
		return nil, fmt.Errorf("store: resolve %q at %s: %w", rel, commitHash, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("store: open blob for %q: %w", rel, err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// FileHistory walks commits touching the artifact or its side-car metadata,
// newest first, up to limit (zero means unbounded). Metadata that fails to
// parse at some commit yields a nil revision rather than aborting the walk.
func (s *Store) FileHistory(path string, limit int) ([]HistoryEntry, error) {
	rel, err := s.rel(path)
	if err != nil {
		return nil, err
	}
	head, err := s.head()
	if err != nil {
		return nil, err
	}
	metaRel := MetaPath(rel)
	iter, err := s.repo.Log(&git.LogOptions{
		From:  head.Hash,
		Order: git.LogOrderCommitterTime,
		PathFilter: func(p string) bool {
			return p == rel || p == metaRel
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: log %q: %w", rel, err)
	}
	defer iter.Close()

	var out []HistoryEntry
	err = iter.ForEach(func(c *object.Commit) error {
		entry := HistoryEntry{Commit: commitRecord(c)}
		if rev, ok := s.revisionAt(c, metaRel); ok {
			entry.Revision = &rev
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			return errStopIter
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIter) {
		return nil, fmt.Errorf("store: walk history for %q: %w", rel, err)
	}
	return out, nil
}

// RecentCommits returns the newest commits on the tracked branch, up to
// limit (zero means unbounded).
func (s *Store) RecentCommits(limit int) ([]Commit, error) {
	head, err := s.head()
	if err != nil {
		return nil, err
	}
	iter, err := s.repo.Log(&git.LogOptions{From: head.Hash, Order: git.LogOrderCommitterTime})
	if err != nil {
		return nil, fmt.Errorf("store: log: %w", err)
	}
	defer iter.Close()

	var out []Commit
	err = iter.ForEach(func(c *object.Commit) error {
		out = append(out, commitRecord(c))
		if limit > 0 && len(out) >= limit {
			return errStopIter
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIter) {
		return nil, fmt.Errorf("store: walk log: %w", err)
	}
	return out, nil
}

var errStopIter = errors.New("stop iteration")

func commitRecord(c *object.Commit) Commit {
	return Commit{
		Hash:    c.Hash.String(),
		Author:  c.Author.Name,
		Date:    c.Author.When.UTC(),
		Message: c.Message,
	}
}

// revisionAt reads the revision string from the metadata blob at a commit.
func (s *Store) revisionAt(c *object.Commit, metaRel string) (string, bool) {
	file, err := c.File(metaRel)
	if err != nil {
		return "", false
	}
	contents, err := file.Contents()
	if err != nil {
		return "", false
	}
	var meta Meta
	if err := json.Unmarshal([]byte(contents), &meta); err != nil || meta.Revision == "" {
		return "", false
	}
	return meta.Revision, true
}
