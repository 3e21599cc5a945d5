package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
	"pkt.systems/pslog"
)

// Repairer recovers a corrupted working copy. The narrow interface keeps the
// init state machine testable without real process kills or tree removal.
type Repairer interface {
	// KillHelpers terminates external version-control helper processes
	// operating inside workdir.
	KillHelpers(ctx context.Context, workdir string) error
	// RemoveTree forcibly removes the directory tree, clearing read-only
	// attributes as needed.
	RemoveTree(path string) error
}

// SystemRepairer implements Repairer against the real process table and
// filesystem.
type SystemRepairer struct {
	Logger pslog.Logger
}

// KillHelpers scans the process table for git helpers (git, git-lfs, remote
// helpers) whose working directory or command line is rooted at workdir and
// kills them. Best effort: scan errors on individual processes are skipped.
func (r SystemRepairer) KillHelpers(ctx context.Context, workdir string) error {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return err
	}
	root := filepath.Clean(workdir)
	for _, proc := range procs {
		name, err := proc.NameWithContext(ctx)
		if err != nil || !strings.HasPrefix(name, "git") {
			continue
		}
		cwd, _ := proc.CwdWithContext(ctx)
		cmdline, _ := proc.CmdlineWithContext(ctx)
		if !pathRootedAt(cwd, root) && !strings.Contains(cmdline, root) {
			continue
		}
		if r.Logger != nil {
			r.Logger.Info("store.repair.kill_helper", "pid", proc.Pid, "name", name)
		}
		_ = proc.KillWithContext(ctx)
	}
	return nil
}

// RemoveTree removes path recursively. A first os.RemoveAll failure walks the
// tree clearing read-only modes (git object files are written 0444) before
// one retry.
func (r SystemRepairer) RemoveTree(path string) error {
	err := os.RemoveAll(path)
	if err == nil {
		return nil
	}
	filepath.Walk(path, func(p string, info os.FileInfo, werr error) error {
		if werr != nil {
			return nil
		}
		if info.IsDir() {
			os.Chmod(p, 0o755)
		} else {
			os.Chmod(p, 0o644)
		}
		return nil
	})
	return os.RemoveAll(path)
}

func pathRootedAt(p, root string) bool {
	if p == "" {
		return false
	}
	rel, err := filepath.Rel(root, filepath.Clean(p))
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}
