/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package events maps GitHub webhook deliveries onto prloop actions.
package events

import (
	"strings"

	"chainguard.dev/prloop/workitem"
	"github.com/google/go-github/v84/github"
)

// Event types as sent in the X-GitHub-Event header.
const (
	EventIssues            = "issues"
	EventPullRequestReview = "pull_request_review"
	EventCheckSuite        = "check_suite"
	EventPing              = "ping"
)

// Classify decides which action, if any, a delivery calls for. It never
// fails: unknown event types, malformed payloads and payloads missing the
// repository or number all report false.
//
//	issues              opened                               -> FixIssue
//	pull_request_review submitted, state changes_requested   -> FixPullRequest
//	check_suite         completed with an associated PR      -> Review (first PR)
func Classify(eventType string, payload []byte) (Action, bool) {
	switch eventType {
	case EventIssues, EventPullRequestReview, EventCheckSuite:
	default:
		return Action{}, false
	}

	parsed, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		return Action{}, false
	}

	var (
		action Action
		ok     bool
	)
	switch e := parsed.(type) {
	case *github.IssuesEvent:
		action, ok = classifyIssue(e)
	case *github.PullRequestReviewEvent:
		action, ok = classifyReview(e)
	case *github.CheckSuiteEvent:
		action, ok = classifyCheckSuite(e)
	}
	if !ok || action.Validate() != nil {
		return Action{}, false
	}
	return action, true
}

func repository(r *github.Repository) (workitem.Repository, bool) {
	repo := workitem.Repository{
		Owner: r.GetOwner().GetLogin(),
		Name:  r.GetName(),
	}
	return repo, repo.Valid()
}

func classifyIssue(e *github.IssuesEvent) (Action, bool) {
	if e.GetAction() != "opened" || e.Issue == nil || e.Issue.IsPullRequest() {
		return Action{}, false
	}
	repo, ok := repository(e.Repo)
	if !ok {
		return Action{}, false
	}
	return FixIssue(workitem.IssueRef{
		Repository: repo,
		Number:     e.Issue.GetNumber(),
		URL:        e.Issue.GetHTMLURL(),
	}), true
}

func classifyReview(e *github.PullRequestReviewEvent) (Action, bool) {
	if e.GetAction() != "submitted" {
		return Action{}, false
	}
	if !strings.EqualFold(e.GetReview().GetState(), "changes_requested") {
		return Action{}, false
	}
	repo, ok := repository(e.Repo)
	if !ok || e.PullRequest == nil {
		return Action{}, false
	}
	return FixPullRequest(pullRequest(repo, e.PullRequest)), true
}

func classifyCheckSuite(e *github.CheckSuiteEvent) (Action, bool) {
	if e.GetAction() != "completed" || e.CheckSuite == nil || len(e.CheckSuite.PullRequests) == 0 {
		return Action{}, false
	}
	repo, ok := repository(e.Repo)
	if !ok || e.CheckSuite.PullRequests[0] == nil {
		return Action{}, false
	}
	return Review(pullRequest(repo, e.CheckSuite.PullRequests[0])), true
}

func pullRequest(repo workitem.Repository, pr *github.PullRequest) workitem.PullRequestRef {
	url := pr.GetHTMLURL()
	if url == "" {
		// check_suite payloads carry API URLs only.
		url = workitem.PullRequestURL(repo, pr.GetNumber())
	}
	return workitem.PullRequestRef{
		Repository: repo,
		Number:     pr.GetNumber(),
		URL:        url,
	}
}
