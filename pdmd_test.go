package pdmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"pkt.systems/pdmd/internal/fault"
)

// mcamV1 carries the commercial-build magic number so signature checks pass.
var mcamV1 = []byte("\x89HDF\r\n\x1a\nmodel v1")
var mcamV2 = []byte("\x89HDF\r\n\x1a\nmodel v2")
var mcamV3 = []byte("\x89HDF\r\n\x1a\nmodel v3")

func newCore(t *testing.T) *Core {
	t.Helper()
	core, _ := newCoreWithRemote(t)
	return core
}

// newCoreWithRemote also returns the bare remote path so tests can advance
// the remote behind the core's back.
func newCoreWithRemote(t *testing.T) (*Core, string) {
	t.Helper()
	root := t.TempDir()
	bare := filepath.Join(root, "remote.git")
	seed := filepath.Join(root, "seed")

	if _, err := git.PlainInitWithOptions(bare, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
		Bare:        true,
	}); err != nil {
		t.Fatalf("init bare: %v", err)
	}
	seedRepo, err := git.PlainInitWithOptions(seed, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		t.Fatalf("init seed: %v", err)
	}
	if _, err := seedRepo.CreateRemote(&gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{bare},
	}); err != nil {
		t.Fatalf("seed remote: %v", err)
	}
	if err := os.WriteFile(filepath.Join(seed, "1234567.mcam"), mcamV1, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	wt, err := seedRepo.Worktree()
	if err != nil {
		t.Fatalf("seed worktree: %v", err)
	}
	if _, err := wt.Add("1234567.mcam"); err != nil {
		t.Fatalf("seed add: %v", err)
	}
	if _, err := wt.Commit("initial import", &git.CommitOptions{
		Author: &object.Signature{Name: "seed", Email: "seed@pdm.local", When: time.Now()},
	}); err != nil {
		t.Fatalf("seed commit: %v", err)
	}
	if err := seedRepo.Push(&git.PushOptions{RemoteName: "origin"}); err != nil {
		t.Fatalf("seed push: %v", err)
	}

	core, err := New(context.Background(), Config{
		RepoPath:       filepath.Join(root, "work"),
		RemoteURL:      bare,
		ProjectID:      "test-project",
		AcquireTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("core init: %v", err)
	}
	return core, bare
}

func wantFailure(t *testing.T, err error, code string) {
	t.Helper()
	var failure fault.Failure
	if !errors.As(err, &failure) {
		t.Fatalf("err = %v, want Failure %s", err, code)
	}
	if failure.Code != code {
		t.Fatalf("code = %s, want %s (detail: %s)", failure.Code, code, failure.Detail)
	}
}

func TestCheckoutConflictAndAdminOverride(t *testing.T) {
	core := newCore(t)
	ctx := context.Background()

	co, err := core.Checkout(ctx, "1234567.mcam", "alice")
	if err != nil {
		t.Fatalf("alice checkout: %v", err)
	}
	if co.User != "alice" || co.Path != "1234567.mcam" {
		t.Fatalf("checkout = %+v", co)
	}

	_, err = core.Checkout(ctx, "1234567.mcam", "bob")
	wantFailure(t, err, fault.CodeAlreadyCheckedOut)

	if err := core.AdminRelease(ctx, "1234567.mcam"); err != nil {
		t.Fatalf("admin release: %v", err)
	}
	if _, err := core.Checkout(ctx, "1234567.mcam", "bob"); err != nil {
		t.Fatalf("bob checkout after override: %v", err)
	}
}

func TestCheckinRequiresHolder(t *testing.T) {
	core := newCore(t)
	ctx := context.Background()

	_, err := core.Checkin(ctx, "1234567.mcam", "alice", mcamV2, "tweak", "minor", "")
	wantFailure(t, err, fault.CodeNotCheckedOut)

	if _, err := core.Checkout(ctx, "1234567.mcam", "alice"); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	_, err = core.Checkin(ctx, "1234567.mcam", "bob", mcamV2, "tweak", "minor", "")
	wantFailure(t, err, fault.CodeNotCheckedOut)

	rev, err := core.Checkin(ctx, "1234567.mcam", "alice", mcamV2, "tweak", "minor", "")
	if err != nil {
		t.Fatalf("checkin: %v", err)
	}
	if rev != "0.1" {
		t.Fatalf("revision = %q, want 0.1", rev)
	}

	// A successful checkin releases the checkout.
	co, err := core.GetCheckout(ctx, "1234567.mcam")
	if err != nil {
		t.Fatalf("get checkout: %v", err)
	}
	if co != nil {
		t.Fatalf("checkout survived checkin: %+v", co)
	}

	raw, err := core.Download(ctx, "1234567.mcam")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(raw) != string(mcamV2) {
		t.Fatalf("downloaded content = %q", raw)
	}
}

func TestCheckinRejectsForeignContent(t *testing.T) {
	core := newCore(t)
	ctx := context.Background()
	if _, err := core.Checkout(ctx, "1234567.mcam", "alice"); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	_, err := core.Checkin(ctx, "1234567.mcam", "alice", []byte("plain text, wrong format"), "oops", "minor", "")
	wantFailure(t, err, fault.CodeInvalidFilename)

	// The checkout survives a rejected checkin.
	co, err := core.GetCheckout(ctx, "1234567.mcam")
	if err != nil || co == nil || co.User != "alice" {
		t.Fatalf("checkout lost after rejection: %+v, %v", co, err)
	}
}

func TestCheckoutSurvivesFailedPublish(t *testing.T) {
	core, bare := newCoreWithRemote(t)
	ctx := context.Background()

	if _, err := core.Checkout(ctx, "1234567.mcam", "alice"); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	// The remote advances behind alice's back so her publish is rejected as
	// a non-fast-forward update.
	other := filepath.Join(t.TempDir(), "other")
	otherRepo, err := git.PlainClone(other, false, &git.CloneOptions{URL: bare})
	if err != nil {
		t.Fatalf("other clone: %v", err)
	}
	if err := os.WriteFile(filepath.Join(other, "1234567.mcam"), mcamV3, 0o644); err != nil {
		t.Fatalf("other edit: %v", err)
	}
	wt, err := otherRepo.Worktree()
	if err != nil {
		t.Fatalf("other worktree: %v", err)
	}
	if _, err := wt.Add("1234567.mcam"); err != nil {
		t.Fatalf("other add: %v", err)
	}
	if _, err := wt.Commit("concurrent change", &git.CommitOptions{
		Author: &object.Signature{Name: "mallory", Email: "mallory@pdm.local", When: time.Now()},
	}); err != nil {
		t.Fatalf("other commit: %v", err)
	}
	if err := otherRepo.Push(&git.PushOptions{}); err != nil {
		t.Fatalf("other push: %v", err)
	}

	_, err = core.Checkin(ctx, "1234567.mcam", "alice", mcamV2, "doomed", "minor", "")
	wantFailure(t, err, fault.CodePublishFailed)

	// Alice keeps her checkout through the failed publish so she can retry
	// the whole action without racing other users for the lock.
	co, err := core.GetCheckout(ctx, "1234567.mcam")
	if err != nil {
		t.Fatalf("get checkout: %v", err)
	}
	if co == nil || co.User != "alice" {
		t.Fatalf("checkout lost after failed publish: %+v", co)
	}

	// After the recovery the working copy sits at the remote head, so the
	// retry publishes cleanly and releases the checkout.
	rev, err := core.Checkin(ctx, "1234567.mcam", "alice", mcamV2, "retry", "minor", "")
	if err != nil {
		t.Fatalf("retry checkin: %v", err)
	}
	if rev != "0.1" {
		t.Fatalf("retry revision = %q, want 0.1", rev)
	}
	co, err = core.GetCheckout(ctx, "1234567.mcam")
	if err != nil || co != nil {
		t.Fatalf("checkout survived successful retry: %+v, %v", co, err)
	}
}

func TestCancelCheckoutRevertsLocalEdits(t *testing.T) {
	core := newCore(t)
	ctx := context.Background()
	if _, err := core.Checkout(ctx, "1234567.mcam", "alice"); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	edited := filepath.Join(core.cfg.RepoPath, "1234567.mcam")
	if err := os.WriteFile(edited, []byte("half-finished edits"), 0o644); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if err := core.CancelCheckout(ctx, "1234567.mcam", "alice"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	raw, err := os.ReadFile(edited)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(raw) != string(mcamV1) {
		t.Fatalf("edits survived cancel: %q", raw)
	}
	co, err := core.GetCheckout(ctx, "1234567.mcam")
	if err != nil || co != nil {
		t.Fatalf("checkout survived cancel: %+v, %v", co, err)
	}
}

func TestUploadValidatesNameAndContent(t *testing.T) {
	core := newCore(t)
	ctx := context.Background()

	rev, err := core.Upload(ctx, "7654321.mcam", "alice", mcamV1, "")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if rev != "0.1" {
		t.Fatalf("upload revision = %q, want 0.1", rev)
	}

	// Re-uploading an existing artifact is a naming error, not a lock
	// conflict; the file may not even be checked out.
	_, err = core.Upload(ctx, "7654321.mcam", "alice", mcamV1, "")
	wantFailure(t, err, fault.CodeInvalidFilename)

	_, err = core.Upload(ctx, "not-a-part.mcam", "alice", mcamV1, "")
	wantFailure(t, err, fault.CodeInvalidFilename)

	_, err = core.Upload(ctx, "7654322.mcam", "alice", []byte("no magic number"), "")
	wantFailure(t, err, fault.CodeInvalidFilename)
}

func TestDeleteRefusedWhileCheckedOut(t *testing.T) {
	core := newCore(t)
	ctx := context.Background()
	if _, err := core.Checkout(ctx, "1234567.mcam", "alice"); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	err := core.Delete(ctx, "1234567.mcam", "admin")
	wantFailure(t, err, fault.CodeAlreadyCheckedOut)

	if err := core.AdminRelease(ctx, "1234567.mcam"); err != nil {
		t.Fatalf("admin release: %v", err)
	}
	if err := core.Delete(ctx, "1234567.mcam", "admin"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = core.Download(ctx, "1234567.mcam")
	wantFailure(t, err, fault.CodeNotFound)
}

func TestLinksAndListing(t *testing.T) {
	core := newCore(t)
	ctx := context.Background()
	if err := core.CreateLink(ctx, "7654321", "1234567.mcam", "alice"); err != nil {
		t.Fatalf("link: %v", err)
	}
	files, err := core.ListFiles()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var found bool
	for _, f := range files {
		if f.Path == "7654321.link" && f.LinksTo == "1234567.mcam" {
			found = true
		}
	}
	if !found {
		t.Fatalf("link missing from listing: %+v", files)
	}
}

func TestHistoryThroughFacade(t *testing.T) {
	core := newCore(t)
	ctx := context.Background()
	if _, err := core.Checkout(ctx, "1234567.mcam", "alice"); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if _, err := core.Checkin(ctx, "1234567.mcam", "alice", mcamV2, "tweak", "minor", ""); err != nil {
		t.Fatalf("checkin: %v", err)
	}
	entries, err := core.History(ctx, "1234567.mcam", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2 (import + checkin)", len(entries))
	}
	if entries[0].Revision == nil || *entries[0].Revision != "0.1" {
		t.Fatalf("newest revision = %v, want 0.1", entries[0].Revision)
	}
	raw, err := core.ContentAtCommit("1234567.mcam", entries[1].Hash)
	if err != nil {
		t.Fatalf("content at commit: %v", err)
	}
	if string(raw) != string(mcamV1) {
		t.Fatalf("historical content = %q", raw)
	}
}
