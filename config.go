package pdmd

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/pdmd/internal/clock"
	"pkt.systems/pslog"
)

const (
	// DefaultBranch is the remote branch the working copy tracks.
	DefaultBranch = "main"
	// DefaultRemoteName is the git remote the store clones from and pushes to.
	DefaultRemoteName = "origin"
	// DefaultAcquireTimeout bounds how long a caller waits for the repository mutex.
	DefaultAcquireTimeout = 15 * time.Second
	// DefaultStaleLockAge is the marker age past which a repository lock is declared stale.
	DefaultStaleLockAge = 300 * time.Second
	// DefaultLockPollInterval controls how often a blocked acquire re-inspects the marker.
	DefaultLockPollInterval = 250 * time.Millisecond
	// DefaultRepairAttempts caps working-copy clone/repair cycles before the store gives up.
	DefaultRepairAttempts = 3
	// DefaultLFSPointerMaxBytes is the size ceiling below which a file is sniffed for an LFS pointer signature.
	DefaultLFSPointerMaxBytes = 512
	// DefaultRecordsDirName is the directory inside the working copy holding checkout records.
	DefaultRecordsDirName = ".locks"
	// DefaultLockMarkerName is the repository mutex marker file, kept outside the records area.
	DefaultLockMarkerName = ".pdmd-repo.lock"
)

// Config carries everything needed to stand up the check-out/check-in core
// against one working copy. The zero value is not usable; RepoPath and
// RemoteURL are mandatory.
type Config struct {
	// RepoPath is the local working copy directory. Created (cloned into) on
	// first use.
	RepoPath string
	// RemoteURL is the HTTPS URL of the backing repository.
	RemoteURL string
	// Token authenticates against the remote (sent as oauth2 basic auth).
	Token string
	// ProjectID identifies the remote project for log correlation only.
	ProjectID string
	// Branch is the tracked branch. Defaults to DefaultBranch.
	Branch string
	// AllowInsecure disables TLS certificate verification on remote calls.
	AllowInsecure bool

	// AcquireTimeout bounds repository mutex acquisition.
	AcquireTimeout time.Duration
	// StaleLockAge is the age ceiling before a mutex marker is broken.
	StaleLockAge time.Duration
	// RepairAttempts caps corrupted working-copy recovery cycles.
	RepairAttempts int

	// Logger receives structured events. Nil disables logging.
	Logger pslog.Logger
	// Clock abstracts time for tests. Nil selects the real clock.
	Clock clock.Clock
}

// Normalize fills unset fields with defaults. Safe to call repeatedly.
func (c *Config) Normalize() {
	if c.Branch == "" {
		c.Branch = DefaultBranch
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.StaleLockAge <= 0 {
		c.StaleLockAge = DefaultStaleLockAge
	}
	if c.RepairAttempts <= 0 {
		c.RepairAttempts = DefaultRepairAttempts
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.RepoPath != "" {
		c.RepoPath = filepath.Clean(c.RepoPath)
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RepoPath) == "" {
		return fmt.Errorf("config: repo path required")
	}
	if strings.TrimSpace(c.RemoteURL) == "" {
		return fmt.Errorf("config: remote url required")
	}
	// Local filesystem remotes (mirrors, tests) carry no scheme.
	if !strings.Contains(c.RemoteURL, "://") && !filepath.IsAbs(c.RemoteURL) {
		return fmt.Errorf("config: remote url %q missing scheme", c.RemoteURL)
	}
	return nil
}

// RecordsDir returns the checkout record area inside the working copy.
func (c *Config) RecordsDir() string {
	return filepath.Join(c.RepoPath, DefaultRecordsDirName)
}

// LockMarkerPath returns the repository mutex marker location. The marker
// lives next to the working copy, not inside it, so clone/repair cycles never
// delete a held lock out from under its owner.
func (c *Config) LockMarkerPath() string {
	return filepath.Join(filepath.Dir(c.RepoPath), DefaultLockMarkerName)
}
