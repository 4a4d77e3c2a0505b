/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package events

import (
	"fmt"

	"chainguard.dev/prloop/workitem"
)

// Kind enumerates the agent actions prloop can take.
type Kind int

const (
	KindFixIssue Kind = iota + 1
	KindReview
	KindFixPullRequest
)

func (k Kind) String() string {
	switch k {
	case KindFixIssue:
		return "fix-issue"
	case KindReview:
		return "review"
	case KindFixPullRequest:
		return "fix-pr"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Action is one agent action together with its target. FixIssue actions
// carry Issue; the others carry PullRequest.
type Action struct {
	Kind        Kind
	Issue       workitem.IssueRef
	PullRequest workitem.PullRequestRef
}

// FixIssue returns an action that materializes issue into a pull request.
func FixIssue(issue workitem.IssueRef) Action {
	return Action{Kind: KindFixIssue, Issue: issue}
}

// Review returns an action that reviews pr.
func Review(pr workitem.PullRequestRef) Action {
	return Action{Kind: KindReview, PullRequest: pr}
}

// FixPullRequest returns an action that applies review feedback to pr.
func FixPullRequest(pr workitem.PullRequestRef) Action {
	return Action{Kind: KindFixPullRequest, PullRequest: pr}
}

// Target renders the issue or pull request the action applies to.
func (a Action) Target() string {
	if a.Kind == KindFixIssue {
		return a.Issue.String()
	}
	return a.PullRequest.String()
}

func (a Action) String() string {
	return a.Kind.String() + " " + a.Target()
}

// Validate checks that the action carries the reference its kind needs.
func (a Action) Validate() error {
	switch a.Kind {
	case KindFixIssue:
		if !a.Issue.Valid() || a.Issue.Number <= 0 {
			return fmt.Errorf("%s: invalid issue reference %q", a.Kind, a.Issue)
		}
	case KindReview, KindFixPullRequest:
		if err := a.PullRequest.Key().Validate(); err != nil {
			return fmt.Errorf("%s: %w", a.Kind, err)
		}
	default:
		return fmt.Errorf("unknown action kind %v", a.Kind)
	}
	return nil
}
