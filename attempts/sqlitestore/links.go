/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"chainguard.dev/prloop/attempts"
	"chainguard.dev/prloop/workitem"
)

func linkKey(issue workitem.IssueRef) (owner, repo string, number int, err error) {
	owner = strings.ToLower(strings.TrimSpace(issue.Owner))
	repo = strings.ToLower(strings.TrimSpace(issue.Name))
	if owner == "" || repo == "" || issue.Number <= 0 {
		return "", "", 0, fmt.Errorf("invalid issue reference %q", issue)
	}
	return owner, repo, issue.Number, nil
}

// ClaimIssue implements attempts.IssueLinks. A pending claim older than the
// claim lease belongs to a run that never finished and is taken over.
func (s *Store) ClaimIssue(ctx context.Context, issue workitem.IssueRef) error {
	owner, repo, number, err := linkKey(issue)
	if err != nil {
		return err
	}
	affected, err := exec(ctx, "claim issue", func() (int64, error) {
		now := s.stamp()
		res, err := s.db.ExecContext(ctx, `
INSERT INTO issue_links (owner, repo, issue_number, pr_number, created_at, updated_at)
VALUES (?, ?, ?, NULL, ?, ?)
ON CONFLICT (owner, repo, issue_number) DO UPDATE
SET created_at = excluded.created_at, updated_at = excluded.updated_at
WHERE issue_links.pr_number IS NULL AND issue_links.updated_at < ?`,
			owner, repo, number, now, now, now-s.claimLease.Milliseconds(),
		)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", issue, attempts.ErrIssueClaimed)
	}
	return nil
}

// BindIssue implements attempts.IssueLinks.
func (s *Store) BindIssue(ctx context.Context, issue workitem.IssueRef, pullRequest int) error {
	owner, repo, number, err := linkKey(issue)
	if err != nil {
		return err
	}
	if pullRequest <= 0 {
		return fmt.Errorf("pull request number must be positive, got %d", pullRequest)
	}
	affected, err := exec(ctx, "bind issue", func() (int64, error) {
		res, err := s.db.ExecContext(ctx, `
UPDATE issue_links SET pr_number = ?, updated_at = ?
WHERE owner = ? AND repo = ? AND issue_number = ?`,
			pullRequest, s.stamp(), owner, repo, number,
		)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", issue, attempts.ErrNotFound)
	}
	return nil
}

// ReleaseIssue implements attempts.IssueLinks.
func (s *Store) ReleaseIssue(ctx context.Context, issue workitem.IssueRef) error {
	owner, repo, number, err := linkKey(issue)
	if err != nil {
		return err
	}
	_, err = exec(ctx, "release issue", func() (sql.Result, error) {
		return s.db.ExecContext(ctx, `
DELETE FROM issue_links
WHERE owner = ? AND repo = ? AND issue_number = ? AND pr_number IS NULL`,
			owner, repo, number,
		)
	})
	return err
}

// ReleasePendingClaims drops every claim that was never bound. Only call it
// when no other process can be running a fix-issue against the database.
func (s *Store) ReleasePendingClaims(ctx context.Context) (int64, error) {
	return exec(ctx, "release pending claims", func() (int64, error) {
		res, err := s.db.ExecContext(ctx, "DELETE FROM issue_links WHERE pr_number IS NULL")
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
}

// LinkedPullRequest implements attempts.IssueLinks.
func (s *Store) LinkedPullRequest(ctx context.Context, issue workitem.IssueRef) (attempts.IssueLink, error) {
	owner, repo, number, err := linkKey(issue)
	if err != nil {
		return attempts.IssueLink{}, err
	}
	var (
		pr                   sql.NullInt64
		createdAt, updatedAt int64
	)
	err = s.db.QueryRowContext(ctx, `
SELECT pr_number, created_at, updated_at FROM issue_links
WHERE owner = ? AND repo = ? AND issue_number = ?`,
		owner, repo, number,
	).Scan(&pr, &createdAt, &updatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return attempts.IssueLink{}, fmt.Errorf("%s: %w", issue, attempts.ErrNotFound)
	case err != nil:
		return attempts.IssueLink{}, unavailable("linked pull request", err)
	}
	return attempts.IssueLink{
		Issue: workitem.IssueRef{
			Repository: workitem.Repository{Owner: owner, Name: repo},
			Number:     number,
			URL:        issue.URL,
		},
		PullRequest: int(pr.Int64),
		CreatedAt:   time.UnixMilli(createdAt).UTC(),
		UpdatedAt:   time.UnixMilli(updatedAt).UTC(),
	}, nil
}
