/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package agenttest provides a recording agents.Operations for tests.
package agenttest

import (
	"context"
	"sync"

	"chainguard.dev/prloop/agents"
	"chainguard.dev/prloop/workitem"
)

// Fake records every call and answers from its configured fields. The zero
// value requests changes on every review and succeeds everything else.
type Fake struct {
	// FixIssueFunc overrides FixIssue. When nil, FixIssue opens PR NextPR in
	// the issue's repository.
	FixIssueFunc func(context.Context, workitem.IssueRef) (workitem.PullRequestRef, error)
	NextPR       int

	// ReviewFunc overrides Review. When nil, Review returns Verdict.
	ReviewFunc func(context.Context, workitem.PullRequestRef) (agents.Verdict, error)
	Verdict    agents.Verdict

	// FixPullRequestFunc overrides FixPullRequest. When nil, FixPullRequest
	// returns FixErr.
	FixPullRequestFunc func(context.Context, workitem.PullRequestRef) error
	FixErr             error

	mu      sync.Mutex
	issues  []workitem.IssueRef
	reviews []workitem.PullRequestRef
	fixes   []workitem.PullRequestRef
}

var _ agents.Operations = (*Fake)(nil)

// FixIssue implements agents.Operations.
func (f *Fake) FixIssue(ctx context.Context, issue workitem.IssueRef) (workitem.PullRequestRef, error) {
	f.mu.Lock()
	f.issues = append(f.issues, issue)
	fn, next := f.FixIssueFunc, f.NextPR
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, issue)
	}
	if next == 0 {
		next = 1
	}
	return workitem.PullRequestRef{
		Repository: issue.Repository,
		Number:     next,
		URL:        workitem.PullRequestURL(issue.Repository, next),
	}, nil
}

// Review implements agents.Operations.
func (f *Fake) Review(ctx context.Context, pr workitem.PullRequestRef) (agents.Verdict, error) {
	f.mu.Lock()
	f.reviews = append(f.reviews, pr)
	fn, verdict := f.ReviewFunc, f.Verdict
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, pr)
	}
	return verdict, nil
}

// FixPullRequest implements agents.Operations.
func (f *Fake) FixPullRequest(ctx context.Context, pr workitem.PullRequestRef) error {
	f.mu.Lock()
	f.fixes = append(f.fixes, pr)
	fn, err := f.FixPullRequestFunc, f.FixErr
	f.mu.Unlock()

	if fn != nil {
		return fn(ctx, pr)
	}
	return err
}

// FixIssueCalls returns the issues FixIssue was called with.
func (f *Fake) FixIssueCalls() []workitem.IssueRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]workitem.IssueRef(nil), f.issues...)
}

// ReviewCalls returns the pull requests Review was called with.
func (f *Fake) ReviewCalls() []workitem.PullRequestRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]workitem.PullRequestRef(nil), f.reviews...)
}

// FixPullRequestCalls returns the pull requests FixPullRequest was called with.
func (f *Fake) FixPullRequestCalls() []workitem.PullRequestRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]workitem.PullRequestRef(nil), f.fixes...)
}
