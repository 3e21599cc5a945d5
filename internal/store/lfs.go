package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"pkt.systems/pdmd/internal/fault"
	"pkt.systems/pslog"
)

// lfsPointerSignature is the first line every git-lfs pointer file carries.
const lfsPointerSignature = "version https://git-lfs.github.com/spec/v1"

// lfsPointerMaxBytes is the size ceiling for the pointer heuristic; real
// pointer files are around 130 bytes, real artifacts are megabytes.
const lfsPointerMaxBytes = 512

const lfsFetchTimeout = 5 * time.Minute

// LFSClient materializes large-object content for a single path. Abstracted
// so tests can fake the network fetch.
type LFSClient interface {
	Fetch(ctx context.Context, workdir, path string) error
}

// shellLFS shells out to git-lfs. Fetches are always scoped to one path,
// never a bulk pull: network and disk cost stays bounded to the artifacts
// users actually open.
type shellLFS struct {
	token    string
	insecure bool
	logger   pslog.Logger
}

// args builds the git invocation. The configured remote carries no
// credentials, so token-protected remotes get the oauth2 credential injected
// as an extra HTTP header the same way clone and push authenticate.
func (l *shellLFS) args(path string) []string {
	var args []string
	if l.token != "" {
		cred := base64.StdEncoding.EncodeToString([]byte("oauth2:" + l.token))
		args = append(args, "-c", "http.extraHeader=Authorization: Basic "+cred)
	}
	return append(args, "lfs", "pull", "--include", path, "--exclude", "")
}

func (l *shellLFS) Fetch(ctx context.Context, workdir, path string) error {
	ctx, cancel := context.WithTimeout(ctx, lfsFetchTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", l.args(path)...)
	cmd.Dir = workdir
	env := append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if l.insecure {
		env = append(env, "GIT_SSL_NO_VERIFY=true")
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return fmt.Errorf("git lfs pull %q: %v: %s", path, err, strings.TrimSpace(stderr.String()))
		}
		return fmt.Errorf("git lfs pull %q: %w", path, err)
	}
	if l.logger != nil {
		l.logger.Debug("store.lfs.pulled", "path", path)
	}
	return nil
}

// IsPointer reports whether the artifact at rel is stored as a lightweight
// large-object pointer: small file beginning with the pointer signature.
func (s *Store) IsPointer(path string) (bool, error) {
	rel, err := s.rel(path)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(s.abs(rel))
	if err != nil {
		if os.IsNotExist(err) {
			return false, fault.Failure{Code: fault.CodeNotFound, Detail: fmt.Sprintf("%s not in working copy", rel)}
		}
		return false, fmt.Errorf("stat %q: %w", rel, err)
	}
	if info.Size() >= lfsPointerMaxBytes {
		return false, nil
	}
	head := make([]byte, len(lfsPointerSignature))
	f, err := os.Open(s.abs(rel))
	if err != nil {
		return false, fmt.Errorf("open %q: %w", rel, err)
	}
	defer f.Close()
	n, _ := f.Read(head)
	return strings.HasPrefix(string(head[:n]), lfsPointerSignature), nil
}

// DownloadContent materializes full content for a pointer file, scoped to
// that single path. No-op when the file already holds real content.
func (s *Store) DownloadContent(ctx context.Context, path string) error {
	rel, err := s.rel(path)
	if err != nil {
		return err
	}
	pointer, err := s.IsPointer(rel)
	if err != nil {
		return err
	}
	if !pointer {
		return nil
	}

	handle, err := s.mutex.Acquire(ctx)
	if err != nil {
		return err
	}
	defer handle.Release()

	start := s.clock.Now()
	if err := s.lfs.Fetch(ctx, s.path, rel); err != nil {
		s.metrics.observeLFSFetch(ctx, "error", s.clock.Now().Sub(start))
		return fmt.Errorf("store: download content: %w", err)
	}
	s.metrics.observeLFSFetch(ctx, "ok", s.clock.Now().Sub(start))
	s.logger.Info("store.lfs.downloaded", "path", rel)
	return nil
}
