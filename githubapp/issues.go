/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package githubapp

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"chainguard.dev/prloop/workitem"
	"github.com/chainguard-dev/clog"
	"github.com/shurcooL/githubv4"
)

// ErrNoLinkedIssue is returned when a pull request neither closes an issue
// nor carries the fix-issue title marker.
var ErrNoLinkedIssue = errors.New("pull request has no linked issue")

var titleMarker = regexp.MustCompile(`(?i)\[prloop fix issue #(\d+)\]`)

// TitleMarker is the prefix of every pull request opened for an issue.
func TitleMarker(issue int) string {
	return fmt.Sprintf("[prloop fix issue #%d]", issue)
}

// IssueFromTitle extracts the issue number from a TitleMarker.
func IssueFromTitle(title string) (int, bool) {
	m := titleMarker.FindStringSubmatch(title)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// LinkedIssue finds the issue pr works on. Issues closed by the pull request
// in its own repository win; the title marker is the fallback.
func LinkedIssue(ctx context.Context, gql *githubv4.Client, pr workitem.PullRequestRef, title string) (workitem.IssueRef, error) {
	var query struct {
		Repository struct {
			PullRequest struct {
				ClosingIssuesReferences struct {
					Nodes []struct {
						Number     int
						URL        string
						Repository struct {
							NameWithOwner string
						}
					}
				} `graphql:"closingIssuesReferences(first: 10)"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $repo)"`
	}
	variables := map[string]any{
		"owner":  githubv4.String(pr.Owner),
		"repo":   githubv4.String(pr.Name),
		"number": githubv4.Int(pr.Number),
	}

	if err := gql.Query(ctx, &query, variables); err != nil {
		// The title marker still works when GraphQL is unavailable.
		clog.FromContext(ctx).Warnf("Closing issue lookup failed for %s: %v", pr, err)
	} else {
		for _, node := range query.Repository.PullRequest.ClosingIssuesReferences.Nodes {
			if strings.EqualFold(node.Repository.NameWithOwner, pr.FullName()) {
				return workitem.IssueRef{Repository: pr.Repository, Number: node.Number, URL: node.URL}, nil
			}
		}
	}

	if n, ok := IssueFromTitle(title); ok {
		return workitem.IssueRef{
			Repository: pr.Repository,
			Number:     n,
			URL:        fmt.Sprintf("https://github.com/%s/issues/%d", pr.FullName(), n),
		}, nil
	}
	return workitem.IssueRef{}, fmt.Errorf("%s: %w", pr, ErrNoLinkedIssue)
}
