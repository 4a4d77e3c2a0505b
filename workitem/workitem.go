/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package workitem identifies the GitHub objects that prloop acts on: issues,
// pull requests, and the pull-request scoped Key that attempt tracking uses.
package workitem

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Repository identifies a GitHub repository.
type Repository struct {
	Owner string
	Name  string
}

// FullName returns "owner/name".
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// Valid reports whether both owner and name are set.
func (r Repository) Valid() bool {
	return strings.TrimSpace(r.Owner) != "" && strings.TrimSpace(r.Name) != ""
}

// IssueRef locates a single issue.
type IssueRef struct {
	Repository
	Number int
	URL    string
}

func (r IssueRef) String() string {
	return fmt.Sprintf("%s#%d", r.FullName(), r.Number)
}

// PullRequestRef locates a single pull request.
type PullRequestRef struct {
	Repository
	Number int
	URL    string
}

func (r PullRequestRef) String() string {
	return fmt.Sprintf("%s#%d", r.FullName(), r.Number)
}

// Key returns the attempt-tracking key for the pull request.
func (r PullRequestRef) Key() Key {
	return NewKey(r.Owner, r.Name, r.Number)
}

// Key identifies a unit of retryable work: one pull request in one
// repository. Owner and repo are lower-cased because GitHub treats them
// case-insensitively.
type Key struct {
	Owner  string
	Repo   string
	Number int
}

// NewKey builds a normalized Key.
func NewKey(owner, repo string, number int) Key {
	return Key{
		Owner:  strings.ToLower(strings.TrimSpace(owner)),
		Repo:   strings.ToLower(strings.TrimSpace(repo)),
		Number: number,
	}
}

// String renders the canonical "owner/repo#N" form used as the storage key.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s#%d", k.Owner, k.Repo, k.Number)
}

// Validate checks that the key identifies a pull request.
func (k Key) Validate() error {
	switch {
	case k.Owner == "":
		return errors.New("key owner cannot be empty")
	case k.Repo == "":
		return errors.New("key repo cannot be empty")
	case k.Number <= 0:
		return fmt.Errorf("key number must be positive, got %d", k.Number)
	}
	return nil
}

// ParseKey parses the canonical "owner/repo#N" form.
func ParseKey(s string) (Key, error) {
	slug, num, ok := strings.Cut(s, "#")
	if !ok {
		return Key{}, fmt.Errorf("key %q: missing '#'", s)
	}
	owner, repo, ok := strings.Cut(slug, "/")
	if !ok {
		return Key{}, fmt.Errorf("key %q: missing '/'", s)
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return Key{}, fmt.Errorf("key %q: %w", s, err)
	}
	k := NewKey(owner, repo, n)
	if err := k.Validate(); err != nil {
		return Key{}, fmt.Errorf("key %q: %w", s, err)
	}
	return k, nil
}

var pathPattern = regexp.MustCompile(`^/([^/]+)/([^/]+)/(issues|pull)/(\d+)/?$`)

// ParseIssueURL parses https://github.com/owner/repo/issues/N.
func ParseIssueURL(raw string) (IssueRef, error) {
	repo, kind, n, err := parseURL(raw)
	if err != nil {
		return IssueRef{}, err
	}
	if kind != "issues" {
		return IssueRef{}, fmt.Errorf("invalid issue URL: %s", raw)
	}
	return IssueRef{Repository: repo, Number: n, URL: raw}, nil
}

// ParsePullRequestURL parses https://github.com/owner/repo/pull/N.
func ParsePullRequestURL(raw string) (PullRequestRef, error) {
	repo, kind, n, err := parseURL(raw)
	if err != nil {
		return PullRequestRef{}, err
	}
	if kind != "pull" {
		return PullRequestRef{}, fmt.Errorf("invalid pull request URL: %s", raw)
	}
	return PullRequestRef{Repository: repo, Number: n, URL: raw}, nil
}

func parseURL(raw string) (Repository, string, int, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Repository{}, "", 0, fmt.Errorf("parsing URL %q: %w", raw, err)
	}
	if u.Scheme != "https" || u.Host != "github.com" {
		return Repository{}, "", 0, fmt.Errorf("not a github.com URL: %s", raw)
	}
	m := pathPattern.FindStringSubmatch(u.Path)
	if m == nil {
		return Repository{}, "", 0, fmt.Errorf("unrecognized GitHub URL path: %s", raw)
	}
	n, err := strconv.Atoi(m[4])
	if err != nil || n <= 0 {
		return Repository{}, "", 0, fmt.Errorf("invalid number in URL: %s", raw)
	}
	return Repository{Owner: m[1], Name: m[2]}, m[3], n, nil
}

// PullRequestURL renders the github.com URL for a pull request.
func PullRequestURL(repo Repository, number int) string {
	return fmt.Sprintf("https://github.com/%s/%s/pull/%d", repo.Owner, repo.Name, number)
}
