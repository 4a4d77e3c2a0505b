/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package clonemanager provides pooled git clones for the coding agent. A
// Manager is bound to one repository and hands out Lease handles that:
//   - Hydrate a branch into an isolated working tree.
//   - Expose the working tree through Files, a path-confined file API that
//     stages every write.
//   - Commit and push the agent's changes, either to a fresh branch
//     (MakeAndPushChanges) or on top of the leased branch (PushChanges).
//
// Callers acquire a lease per agent operation and Return it when done, which
// resets the clone and puts it back in the pool.
package clonemanager
