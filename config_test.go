package pdmd

import (
	"path/filepath"
	"testing"
)

func TestConfigNormalizeFillsDefaults(t *testing.T) {
	cfg := Config{RepoPath: "/tmp/pdm/work", RemoteURL: "https://git.example.com/cad.git"}
	cfg.Normalize()
	if cfg.Branch != DefaultBranch {
		t.Fatalf("branch = %q, want %q", cfg.Branch, DefaultBranch)
	}
	if cfg.AcquireTimeout != DefaultAcquireTimeout {
		t.Fatalf("acquire timeout = %s", cfg.AcquireTimeout)
	}
	if cfg.StaleLockAge != DefaultStaleLockAge {
		t.Fatalf("stale age = %s", cfg.StaleLockAge)
	}
	if cfg.RepairAttempts != DefaultRepairAttempts {
		t.Fatalf("repair attempts = %d", cfg.RepairAttempts)
	}
	if cfg.Clock == nil {
		t.Fatalf("clock not defaulted")
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid https", Config{RepoPath: "/w", RemoteURL: "https://git.example.com/c.git"}, false},
		{"valid local", Config{RepoPath: "/w", RemoteURL: "/srv/git/cad.git"}, false},
		{"missing repo", Config{RemoteURL: "https://git.example.com/c.git"}, true},
		{"missing remote", Config{RepoPath: "/w"}, true},
		{"relative schemeless remote", Config{RepoPath: "/w", RemoteURL: "git.example.com/c.git"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestLockMarkerLivesOutsideWorkingCopy(t *testing.T) {
	cfg := Config{RepoPath: "/data/pdm/work", RemoteURL: "https://git.example.com/c.git"}
	cfg.Normalize()
	marker := cfg.LockMarkerPath()
	if filepath.Dir(marker) == cfg.RepoPath {
		t.Fatalf("marker %s inside the working copy; repair would delete a held lock", marker)
	}
	if filepath.Dir(marker) != filepath.Dir(cfg.RepoPath) {
		t.Fatalf("marker %s not adjacent to working copy", marker)
	}
	if filepath.Dir(cfg.RecordsDir()) != cfg.RepoPath {
		t.Fatalf("records dir %s not inside the working copy", cfg.RecordsDir())
	}
}
