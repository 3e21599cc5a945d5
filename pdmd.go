package pdmd

import (
	"context"
	"fmt"

	"pkt.systems/pdmd/internal/fault"
	"pkt.systems/pdmd/internal/loggingutil"
	"pkt.systems/pdmd/internal/registry"
	"pkt.systems/pdmd/internal/repolock"
	"pkt.systems/pdmd/internal/store"
	"pkt.systems/pdmd/internal/validate"
	"pkt.systems/pslog"
)

// Checkout is re-exported so callers do not import internal packages.
type Checkout = registry.Checkout

// Artifact is re-exported from the store.
type Artifact = store.Artifact

// HistoryEntry is re-exported from the store.
type HistoryEntry = store.HistoryEntry

// Commit is re-exported from the store.
type Commit = store.Commit

// Meta is re-exported from the store.
type Meta = store.Meta

// Event and EventType are re-exported for checkout watchers.
type (
	Event        = registry.Event
	Subscription = registry.Subscription
)

// Core composes the repository mutex, the checkout registry, and the
// versioned store into the per-user-action contracts: a checkout consults the
// registry before any mutation, every store mutation runs under the mutex,
// and registry release follows a successful publish.
type Core struct {
	cfg      Config
	mutex    *repolock.Mutex
	registry *registry.Registry
	store    *store.Store
	logger   pslog.Logger
}

// New initializes the working copy (cloning or repairing as needed) and
// returns a ready Core.
func New(ctx context.Context, cfg Config) (*Core, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(cfg.Logger)

	mutex, err := repolock.New(repolock.Config{
		Path:           cfg.LockMarkerPath(),
		AcquireTimeout: cfg.AcquireTimeout,
		StaleAge:       cfg.StaleLockAge,
		Clock:          cfg.Clock,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	st, err := store.New(ctx, store.Config{
		Path:           cfg.RepoPath,
		RemoteURL:      cfg.RemoteURL,
		Token:          cfg.Token,
		Branch:         cfg.Branch,
		AllowInsecure:  cfg.AllowInsecure,
		RepairAttempts: cfg.RepairAttempts,
		Mutex:          mutex,
		Clock:          cfg.Clock,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(registry.Config{
		Dir:    cfg.RecordsDir(),
		Clock:  cfg.Clock,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("core.ready",
		"repo", cfg.RepoPath,
		"project", cfg.ProjectID,
		"branch", cfg.Branch,
	)
	return &Core{
		cfg:      cfg,
		mutex:    mutex,
		registry: reg,
		store:    st,
		logger:   logger,
	}, nil
}

// resolve maps a filename (or relative path) to the tracked artifact path.
func (c *Core) resolve(filename string) (string, error) {
	return c.store.FindPath(filename)
}

// Checkout grants the user exclusive editing rights on an artifact. Fails
// with already_checked_out when another checkout exists for the path.
func (c *Core) Checkout(ctx context.Context, filename, user string) (*Checkout, error) {
	path, err := c.resolve(filename)
	if err != nil {
		return nil, err
	}
	co, err := c.registry.Create(ctx, path, user, false)
	if err != nil {
		return nil, err
	}
	c.logger.Info("core.checkout.done", "path", path, "user", user)
	return co, nil
}

// Checkin publishes new content under a bumped revision and releases the
// caller's checkout. Only the current holder may check in; the checkout
// survives a failed publish so the user can retry.
func (c *Core) Checkin(ctx context.Context, filename, user string, content []byte, message, kind, explicitMajor string) (string, error) {
	path, err := c.resolve(filename)
	if err != nil {
		return "", err
	}
	if err := c.requireHolder(ctx, path, user); err != nil {
		return "", err
	}
	if err := c.verifySignature(path, content); err != nil {
		return "", err
	}
	rev, err := c.store.Checkin(ctx, path, content, message, kind, user, explicitMajor)
	if err != nil {
		return "", err
	}
	if err := c.registry.Release(ctx, path); err != nil {
		c.logger.Warn("core.checkin.release_failed", "path", path, "error", err)
	}
	return rev, nil
}

// CancelCheckout discards the holder's local changes and releases the
// checkout without publishing anything.
func (c *Core) CancelCheckout(ctx context.Context, filename, user string) error {
	path, err := c.resolve(filename)
	if err != nil {
		return err
	}
	if err := c.requireHolder(ctx, path, user); err != nil {
		return err
	}
	if err := c.store.RevertLocalChanges(ctx, path); err != nil {
		return err
	}
	return c.registry.Release(ctx, path)
}

// AdminRelease removes a checkout regardless of its holder. Administrative
// override; the holder's local edits are reverted as well.
func (c *Core) AdminRelease(ctx context.Context, filename string) error {
	path, err := c.resolve(filename)
	if err != nil {
		return err
	}
	if co, _ := c.registry.Get(ctx, path); co != nil {
		c.logger.Warn("core.admin_release", "path", path, "holder", co.User)
	}
	if err := c.store.RevertLocalChanges(ctx, path); err != nil {
		return err
	}
	return c.registry.Release(ctx, path)
}

// Upload publishes a brand-new artifact. The filename must follow the naming
// scheme and the content must carry the format's magic number; artifacts that
// already exist cannot be re-uploaded (use Checkout/Checkin instead).
func (c *Core) Upload(ctx context.Context, filename, user string, content []byte, message string) (string, error) {
	if err := validate.ArtifactName(filename); err != nil {
		return "", fault.Failure{Code: fault.CodeInvalidFilename, Detail: err.Error()}
	}
	if err := c.verifySignature(filename, content); err != nil {
		return "", err
	}
	if existing, err := c.resolve(filename); err == nil {
		return "", fault.Failure{
			Code:   fault.CodeInvalidFilename,
			Detail: fmt.Sprintf("%s already exists at %s", filename, existing),
		}
	}
	if message == "" {
		message = "initial upload"
	}
	return c.store.Checkin(ctx, filename, content, message, "minor", user, "")
}

// UpdateDescription rewrites an artifact's description without touching its
// revision.
func (c *Core) UpdateDescription(ctx context.Context, filename, user, description string) error {
	path, err := c.resolve(filename)
	if err != nil {
		return err
	}
	return c.store.UpdateDescription(ctx, path, description, user)
}

// Delete removes an artifact and its metadata. Refused while a checkout is
// held by anyone; release it first.
func (c *Core) Delete(ctx context.Context, filename, user string) error {
	path, err := c.resolve(filename)
	if err != nil {
		return err
	}
	if co, err := c.registry.Get(ctx, path); err != nil {
		return err
	} else if co != nil {
		return fault.Failure{
			Code:   fault.CodeAlreadyCheckedOut,
			Detail: fmt.Sprintf("%s is checked out by %s", path, co.User),
		}
	}
	return c.store.DeleteArtifactAndMetadata(ctx, path, user)
}

// CreateLink publishes a virtual artifact aliasing an existing master.
func (c *Core) CreateLink(ctx context.Context, linkName, masterFilename, user string) error {
	master, err := c.resolve(masterFilename)
	if err != nil {
		return err
	}
	return c.store.CreateLink(ctx, linkName, master, user)
}

// Download returns an artifact's full content, materializing large-object
// pointers on demand, scoped to the single requested path.
func (c *Core) Download(ctx context.Context, filename string) ([]byte, error) {
	path, err := c.resolve(filename)
	if err != nil {
		return nil, err
	}
	if err := c.store.DownloadContent(ctx, path); err != nil {
		return nil, err
	}
	return c.store.GetContent(path)
}

// ContentAtCommit returns an artifact's bytes as of a historical commit.
func (c *Core) ContentAtCommit(filename, commitHash string) ([]byte, error) {
	path, err := c.resolve(filename)
	if err != nil {
		return nil, err
	}
	return c.store.ContentAtCommit(path, commitHash)
}

// History returns the commits touching an artifact, newest first, each paired
// with the revision its metadata recorded there.
func (c *Core) History(ctx context.Context, filename string, limit int) ([]HistoryEntry, error) {
	path, err := c.resolve(filename)
	if err != nil {
		return nil, err
	}
	return c.store.FileHistory(path, limit)
}

// RecentActivity returns the newest commits on the tracked branch.
func (c *Core) RecentActivity(limit int) ([]Commit, error) {
	return c.store.RecentCommits(limit)
}

// ListCheckouts returns all current checkouts with elapsed durations.
func (c *Core) ListCheckouts(ctx context.Context) ([]Checkout, error) {
	return c.registry.List(ctx)
}

// GetCheckout returns the checkout for an artifact, or nil when free.
func (c *Core) GetCheckout(ctx context.Context, filename string) (*Checkout, error) {
	path, err := c.resolve(filename)
	if err != nil {
		return nil, err
	}
	return c.registry.Get(ctx, path)
}

// ListFiles returns all tracked artifacts.
func (c *Core) ListFiles() ([]Artifact, error) {
	return c.store.ListFiles()
}

// GetMeta returns an artifact's side-car metadata.
func (c *Core) GetMeta(filename string) (Meta, error) {
	path, err := c.resolve(filename)
	if err != nil {
		return Meta{}, err
	}
	return c.store.GetMeta(path)
}

// Watch streams checkout registry changes for subscriber notification.
func (c *Core) Watch() (*Subscription, error) {
	return c.registry.Watch()
}

// Resync force-synchronizes the working copy to the remote head. Operator
// escape hatch; held checkouts are untouched.
func (c *Core) Resync(ctx context.Context) error {
	return c.store.Resync(ctx)
}

// requireHolder verifies user currently holds the checkout for path.
func (c *Core) requireHolder(ctx context.Context, path, user string) error {
	co, err := c.registry.Get(ctx, path)
	if err != nil {
		return err
	}
	if co == nil {
		return fault.Failure{
			Code:   fault.CodeNotCheckedOut,
			Detail: fmt.Sprintf("%s is not checked out", path),
		}
	}
	if co.User != user {
		return fault.Failure{
			Code:   fault.CodeNotCheckedOut,
			Detail: fmt.Sprintf("%s is checked out by %s, not %s", path, co.User, user),
		}
	}
	return nil
}

// verifySignature checks content magic numbers for formats that carry them.
func (c *Core) verifySignature(path string, content []byte) error {
	head := content
	if n := validate.SignatureSniffLen(); len(head) > n {
		head = head[:n]
	}
	if err := validate.ContentSignature(path, head); err != nil {
		return fault.Failure{Code: fault.CodeInvalidFilename, Detail: err.Error()}
	}
	return nil
}
