// Package pdmd implements a single-writer-per-artifact check-out/check-in
// core on top of a git backend, built to coordinate exclusive editing of
// binary CAD artifacts by many concurrent users.
//
// Copyright (C) 2026 Michel Blomgren <https://pkt.systems>
//
// Three services collaborate:
//
//   - internal/repolock serializes every mutation of the local working copy
//     across goroutines and across OS processes sharing the same directory.
//   - internal/registry keeps one advisory exclusive checkout record per
//     logical artifact path, durable across restarts.
//   - internal/store owns the working copy itself: clone/repair, atomic
//     stage, commit and push transactions, MAJOR.MINOR revision bookkeeping
//     in side-car metadata, and on-demand large-object retrieval.
//
// The root package wires them into a Core facade exposing the user actions
// an orchestration layer composes per request:
//
//	cfg := pdmd.Config{
//	    RepoPath:  "/var/lib/pdmd/work",
//	    RemoteURL: "https://gitlab.example.com/cad/parts.git",
//	    Token:     os.Getenv("PDMD_TOKEN"),
//	}
//	core, err := pdmd.New(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//
//	if _, err := core.Checkout(ctx, "1234567.mcam", "alice"); err != nil {
//	    var failure pdmd.Failure
//	    if errors.As(err, &failure) && failure.Code == pdmd.CodeAlreadyCheckedOut {
//	        // surface to the user
//	    }
//	}
//
// Authentication, HTTP framing, and serialization are the embedding
// process's responsibility; every operation here returns a result value or a
// Failure with a stable code.
package pdmd
