package store

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing/object"
	"pkt.systems/pdmd/internal/fault"
	"pkt.systems/pdmd/internal/validate"
)

// linkSuffix names zero-byte virtual artifacts aliasing a master artifact.
const linkSuffix = ".link"

// Artifact describes one tracked file.
type Artifact struct {
	// Path is the repository-relative logical path.
	Path string `json:"path"`
	// Size is the current on-disk size (pointer size for unmaterialized
	// large objects, per the tracked blob when the file is absent locally).
	Size int64 `json:"size"`
	// ModifiedAt is the working-copy timestamp when available.
	ModifiedAt *time.Time `json:"modified_at,omitempty"`
	// IsPointer marks artifacts currently stored as large-object pointers.
	IsPointer bool `json:"is_pointer"`
	// LinksTo carries the master path for link artifacts.
	LinksTo string `json:"links_to,omitempty"`
}

// FindPath resolves a bare filename to the first tracked path with a
// matching basename, or not_found. When several tracked paths share the
// basename the first match wins; the collision is logged because resolution
// is ambiguous in that case.
func (s *Store) FindPath(filename string) (string, error) {
	base := path.Base(strings.TrimSpace(filename))
	if base == "" || base == "." {
		return "", fault.Failure{Code: fault.CodeInvalidFilename, Detail: "filename required"}
	}
	head, err := s.head()
	if err != nil {
		return "", err
	}
	iter, err := head.Files()
	if err != nil {
		return "", fmt.Errorf("store: list tree: %w", err)
	}
	defer iter.Close()

	var matches []string
	err = iter.ForEach(func(f *object.File) error {
		if path.Base(f.Name) == base {
			matches = append(matches, f.Name)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("store: scan tree: %w", err)
	}
	if len(matches) == 0 {
		return "", fault.Failure{Code: fault.CodeNotFound, Detail: fmt.Sprintf("no tracked file named %s", base)}
	}
	if len(matches) > 1 {
		s.logger.Warn("store.findpath.ambiguous",
			"filename", base,
			"matches", len(matches),
			"selected", matches[0],
		)
	}
	return matches[0], nil
}

// ListFiles walks the tracked file list and returns artifact records.
// Side-car metadata and checkout records are omitted; dangling links are
// silently skipped.
func (s *Store) ListFiles() ([]Artifact, error) {
	head, err := s.head()
	if err != nil {
		return nil, err
	}
	iter, err := head.Files()
	if err != nil {
		return nil, fmt.Errorf("store: list tree: %w", err)
	}
	defer iter.Close()

	tracked := map[string]*object.File{}
	var order []string
	if err := iter.ForEach(func(f *object.File) error {
		tracked[f.Name] = f
		order = append(order, f.Name)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("store: scan tree: %w", err)
	}

	var out []Artifact
	for _, name := range order {
		if isMetaPath(name) || strings.HasPrefix(name, ".") || strings.Contains(name, "/.") {
			continue
		}
		f := tracked[name]
		if strings.HasSuffix(name, linkSuffix) {
			master, err := s.linkTarget(f)
			if err != nil {
				s.logger.Debug("store.list.unreadable_link", "path", name, "error", err)
				continue
			}
			if _, ok := tracked[master]; !ok {
				// Dangling link: tolerated at read time, skipped.
				s.logger.Debug("store.list.dangling_link", "path", name, "master", master)
				continue
			}
			out = append(out, Artifact{
				Path:    name,
				LinksTo: master,
			})
			continue
		}
		art := Artifact{Path: name, Size: f.Size}
		if info, err := os.Stat(s.abs(name)); err == nil {
			art.Size = info.Size()
			mod := info.ModTime().UTC()
			art.ModifiedAt = &mod
			if pointer, err := s.IsPointer(name); err == nil {
				art.IsPointer = pointer
			}
		}
		out = append(out, art)
	}
	return out, nil
}

// CreateLink publishes a virtual artifact aliasing master under linkName.
// The master must exist at creation time; dangling links are rejected here
// and only tolerated when reading.
func (s *Store) CreateLink(ctx context.Context, linkName, masterPath, author string) error {
	if err := validate.LinkName(linkName); err != nil {
		return fault.Failure{Code: fault.CodeInvalidFilename, Detail: err.Error()}
	}
	masterRel, err := s.rel(masterPath)
	if err != nil {
		return err
	}
	head, err := s.head()
	if err != nil {
		return err
	}
	if _, err := head.File(masterRel); err != nil {
		return fault.Failure{Code: fault.CodeNotFound, Detail: fmt.Sprintf("link master %s not tracked", masterRel)}
	}

	rel := linkName + linkSuffix
	handle, err := s.mutex.Acquire(ctx)
	if err != nil {
		return err
	}
	defer handle.Release()
	if err := s.writeFile(rel, []byte(masterRel+"\n")); err != nil {
		return fmt.Errorf("store: write link: %w", err)
	}
	_, err = s.commitAndPushLocked(ctx, []string{rel},
		fmt.Sprintf("LINK: %s -> %s", linkName, masterRel), author)
	return err
}

// linkTarget reads a link blob's master path.
func (s *Store) linkTarget(f *object.File) (string, error) {
	contents, err := f.Contents()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(contents), nil
}
