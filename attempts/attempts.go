/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package attempts

import (
	"context"
	"errors"
	"time"

	"chainguard.dev/prloop/workitem"
)

// Status is the lifecycle state of a work item.
type Status string

const (
	StatusActive    Status = "active"
	StatusSucceeded Status = "succeeded"
	StatusExhausted Status = "exhausted"
)

// Terminal reports whether no further automated action may be taken.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusExhausted
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSucceeded, StatusExhausted:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("attempt record not found")

	// ErrInvalidState is returned when an operation requires an active record
	// but the record is terminal.
	ErrInvalidState = errors.New("attempt record is in a terminal state")

	// ErrCeilingReached is returned by IncrementBelow when the record already
	// holds at least the requested number of attempts.
	ErrCeilingReached = errors.New("attempt ceiling reached")

	// ErrUnavailable wraps failures to reach durable storage. Callers must not
	// make decisions when they see it.
	ErrUnavailable = errors.New("attempt store unavailable")

	// ErrIssueClaimed is returned by ClaimIssue when the issue is already
	// being materialized or linked to a pull request.
	ErrIssueClaimed = errors.New("issue already claimed")
)

// Record is the persisted retry state of one work item.
type Record struct {
	Key       workitem.Key
	Attempts  int
	Status    Status
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IssueLink binds an issue to the pull request produced for it. A zero
// PullRequest means the fix is still in flight.
type IssueLink struct {
	Issue       workitem.IssueRef
	PullRequest int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Pending reports whether the issue is claimed but not yet bound.
func (l IssueLink) Pending() bool {
	return l.PullRequest == 0
}

// Store is the durable keyed attempt store. Implementations must make every
// method atomic and linearizable per key.
type Store interface {
	// GetOrCreate returns the record for key, inserting an active record with
	// zero attempts when none exists.
	GetOrCreate(ctx context.Context, key workitem.Key) (Record, error)

	// Get returns the record for key or ErrNotFound.
	Get(ctx context.Context, key workitem.Key) (Record, error)

	// Increment adds one attempt to an active record and returns the new
	// count. It fails with ErrNotFound or ErrInvalidState.
	Increment(ctx context.Context, key workitem.Key) (int, error)

	// IncrementBelow is the compare-and-increment form of Increment: it only
	// increments when the current count is below ceiling, and otherwise fails
	// with ErrCeilingReached.
	IncrementBelow(ctx context.Context, key workitem.Key, ceiling int) (int, error)

	// MarkSucceeded moves an active record to StatusSucceeded.
	MarkSucceeded(ctx context.Context, key workitem.Key) error

	// MarkExhausted moves an active record to StatusExhausted.
	MarkExhausted(ctx context.Context, key workitem.Key) error

	// StatusOf returns the status of key; ok is false when no record exists.
	StatusOf(ctx context.Context, key workitem.Key) (status Status, ok bool, err error)

	// RecordFailure stores the most recent agent failure message without
	// touching the attempt count or status.
	RecordFailure(ctx context.Context, key workitem.Key, message string) error

	// List returns the most recently updated records first.
	List(ctx context.Context, limit int) ([]Record, error)

	IssueLinks
}

// IssueLinks persists the issue to pull request mapping used by fix-issue.
type IssueLinks interface {
	// ClaimIssue records that a fix is starting for issue. It fails with
	// ErrIssueClaimed when the issue is bound or a pending claim is still
	// within its lease. An expired pending claim is taken over.
	ClaimIssue(ctx context.Context, issue workitem.IssueRef) error

	// BindIssue attaches the resulting pull request number to a claim.
	BindIssue(ctx context.Context, issue workitem.IssueRef, pullRequest int) error

	// ReleaseIssue drops a pending claim so a later delivery can retry.
	// Bound links are never released.
	ReleaseIssue(ctx context.Context, issue workitem.IssueRef) error

	// LinkedPullRequest returns the link for issue or ErrNotFound.
	LinkedPullRequest(ctx context.Context, issue workitem.IssueRef) (IssueLink, error)
}
