/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package agents defines the operations prloop delegates to a coding agent.
//
// The orchestration core only depends on Operations. Implementations own
// everything that touches code: cloning, editing, pushing, and talking to
// GitHub on the agent's behalf.
package agents

import (
	"context"
	"fmt"

	"chainguard.dev/prloop/workitem"
)

// Verdict is the outcome of a review.
type Verdict int

const (
	// VerdictChangesRequested leaves the pull request open for a fix pass.
	VerdictChangesRequested Verdict = iota
	// VerdictApproved ends the loop successfully.
	VerdictApproved
	// VerdictPending means the review could not run yet, typically because
	// workflows on the head commit are still in progress.
	VerdictPending
)

func (v Verdict) String() string {
	switch v {
	case VerdictApproved:
		return "approved"
	case VerdictChangesRequested:
		return "changes_requested"
	case VerdictPending:
		return "pending"
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// Operations are the three agent actions. Each call may take minutes.
type Operations interface {
	// FixIssue writes code for issue and opens a pull request for it.
	FixIssue(ctx context.Context, issue workitem.IssueRef) (workitem.PullRequestRef, error)

	// Review reviews pr and posts the result on GitHub.
	Review(ctx context.Context, pr workitem.PullRequestRef) (Verdict, error)

	// FixPullRequest applies outstanding review feedback and CI failures to
	// pr, pushing to its head branch.
	FixPullRequest(ctx context.Context, pr workitem.PullRequestRef) error
}
