/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package attempts defines the durable retry state kept for every pull
// request that prloop works on.
//
// A Record starts active with zero attempts, gains one attempt per fix-issue
// or fix-pr invocation, and ends in one of two terminal statuses:
//
//	active -> succeeded   (a review approved the pull request)
//	active -> exhausted   (the retry ceiling was reached)
//
// Terminal records are never reopened and never deleted; they remain as an
// audit trail. The Store is the single source of truth across restarts, so
// callers must not cache records in memory.
package attempts
