/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"chainguard.dev/prloop/attempts"
	"chainguard.dev/prloop/workitem"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T, opts ...Option) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prloop.db")
	s, err := Open(context.Background(), path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

var key = workitem.NewKey("Octo", "Hello-World", 7)

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)

	_, ok, err := s.StatusOf(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	rec, err := s.GetOrCreate(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 0, rec.Attempts)
	require.Equal(t, attempts.StatusActive, rec.Status)
	require.Equal(t, "octo/hello-world#7", rec.Key.String())

	// A second GetOrCreate must not reset anything.
	n, err := s.Increment(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	rec, err = s.GetOrCreate(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 1, rec.Attempts)

	require.NoError(t, s.MarkSucceeded(ctx, key))
	status, ok, err := s.StatusOf(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, attempts.StatusSucceeded, status)

	_, err = s.Increment(ctx, key)
	require.ErrorIs(t, err, attempts.ErrInvalidState)
	require.ErrorIs(t, s.MarkExhausted(ctx, key), attempts.ErrInvalidState)
	require.ErrorIs(t, s.MarkSucceeded(ctx, key), attempts.ErrInvalidState)

	rec, err = s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, attempts.StatusSucceeded, rec.Status)
	require.Equal(t, 1, rec.Attempts)
}

func TestMissingRecord(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)

	_, err := s.Increment(ctx, key)
	require.ErrorIs(t, err, attempts.ErrNotFound)
	_, err = s.IncrementBelow(ctx, key, 3)
	require.ErrorIs(t, err, attempts.ErrNotFound)
	require.ErrorIs(t, s.MarkSucceeded(ctx, key), attempts.ErrNotFound)
	require.ErrorIs(t, s.MarkExhausted(ctx, key), attempts.ErrNotFound)
	require.ErrorIs(t, s.RecordFailure(ctx, key, "boom"), attempts.ErrNotFound)
	_, err = s.Get(ctx, key)
	require.ErrorIs(t, err, attempts.ErrNotFound)
}

func TestIncrementBelow(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)

	_, err := s.GetOrCreate(ctx, key)
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		n, err := s.IncrementBelow(ctx, key, 3)
		require.NoError(t, err)
		require.Equal(t, want, n)
	}
	_, err = s.IncrementBelow(ctx, key, 3)
	require.ErrorIs(t, err, attempts.ErrCeilingReached)

	rec, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 3, rec.Attempts)
	require.Equal(t, attempts.StatusActive, rec.Status)

	require.NoError(t, s.MarkExhausted(ctx, key))
	_, err = s.IncrementBelow(ctx, key, 10)
	require.ErrorIs(t, err, attempts.ErrInvalidState)

	_, err = s.IncrementBelow(ctx, key, 0)
	require.Error(t, err)
}

func TestConcurrentIncrementBelow(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)
	_, err := s.GetOrCreate(ctx, key)
	require.NoError(t, err)

	const (
		workers = 25
		ceiling = 3
	)
	var (
		wg       sync.WaitGroup
		passed   atomic.Int32
		rejected atomic.Int32
	)
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementBelow(ctx, key, ceiling)
			switch {
			case err == nil:
				passed.Add(1)
			case errors.Is(err, attempts.ErrCeilingReached):
				rejected.Add(1)
			default:
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("IncrementBelow() = %v", err)
	}

	if got := passed.Load(); got != ceiling {
		t.Errorf("passed = %d, want %d", got, ceiling)
	}
	if got := rejected.Load(); got != workers-ceiling {
		t.Errorf("rejected = %d, want %d", got, workers-ceiling)
	}
}

func TestSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "prloop.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = s.GetOrCreate(ctx, key)
	require.NoError(t, err)
	_, err = s.Increment(ctx, key)
	require.NoError(t, err)
	require.NoError(t, s.MarkExhausted(ctx, key))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	rec, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, attempts.StatusExhausted, rec.Status)
	require.Equal(t, 1, rec.Attempts)
}

func TestRecordFailure(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)
	_, err := s.GetOrCreate(ctx, key)
	require.NoError(t, err)

	require.NoError(t, s.RecordFailure(ctx, key, "  agent crashed  "))
	rec, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "agent crashed", rec.LastError)
	require.Equal(t, 0, rec.Attempts)
	require.Equal(t, attempts.StatusActive, rec.Status)

	require.NoError(t, s.RecordFailure(ctx, key, ""))
	rec, err = s.Get(ctx, key)
	require.NoError(t, err)
	require.Empty(t, rec.LastError)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	var tick atomic.Int64
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, _ := openTemp(t, WithClock(func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Second)
	}))

	for _, n := range []int{1, 2, 3} {
		_, err := s.GetOrCreate(ctx, workitem.NewKey("octo", "repo", n))
		require.NoError(t, err)
	}
	_, err := s.Increment(ctx, workitem.NewKey("octo", "repo", 1))
	require.NoError(t, err)

	records, err := s.List(ctx, 2)
	require.NoError(t, err)

	var got []string
	for _, r := range records {
		got = append(got, r.Key.String())
	}
	if diff := cmp.Diff([]string{"octo/repo#1", "octo/repo#3"}, got); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}

	_, err = s.List(ctx, 0)
	require.Error(t, err)
}

func TestIssueLinks(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)
	issue := workitem.IssueRef{Repository: workitem.Repository{Owner: "Octo", Name: "Repo"}, Number: 5}

	_, err := s.LinkedPullRequest(ctx, issue)
	require.ErrorIs(t, err, attempts.ErrNotFound)

	require.NoError(t, s.ClaimIssue(ctx, issue))
	require.ErrorIs(t, s.ClaimIssue(ctx, issue), attempts.ErrIssueClaimed)

	link, err := s.LinkedPullRequest(ctx, issue)
	require.NoError(t, err)
	require.True(t, link.Pending())

	// Releasing a pending claim allows a retry.
	require.NoError(t, s.ReleaseIssue(ctx, issue))
	require.NoError(t, s.ClaimIssue(ctx, issue))

	require.NoError(t, s.BindIssue(ctx, issue, 12))
	link, err = s.LinkedPullRequest(ctx, issue)
	require.NoError(t, err)
	require.Equal(t, 12, link.PullRequest)

	// Bound links are permanent.
	require.NoError(t, s.ReleaseIssue(ctx, issue))
	require.ErrorIs(t, s.ClaimIssue(ctx, issue), attempts.ErrIssueClaimed)

	other := workitem.IssueRef{Repository: workitem.Repository{Owner: "octo", Name: "repo"}, Number: 6}
	require.ErrorIs(t, s.BindIssue(ctx, other, 13), attempts.ErrNotFound)
}

func TestUnavailableAfterClose(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)
	require.NoError(t, s.Close())

	_, _, err := s.StatusOf(ctx, key)
	require.ErrorIs(t, err, attempts.ErrUnavailable)
	_, err = s.GetOrCreate(ctx, key)
	require.ErrorIs(t, err, attempts.ErrUnavailable)
	_, err = s.IncrementBelow(ctx, key, 3)
	require.ErrorIs(t, err, attempts.ErrUnavailable)
	require.ErrorIs(t, s.ClaimIssue(ctx, workitem.IssueRef{Repository: workitem.Repository{Owner: "o", Name: "r"}, Number: 1}), attempts.ErrUnavailable)
}

func TestUpSection(t *testing.T) {
	in := "-- +migrate Up\nCREATE TABLE a (x);\n-- +migrate Down\nDROP TABLE a;\n"
	if got, want := upSection(in), "\nCREATE TABLE a (x);\n"; got != want {
		t.Errorf("upSection() = %q, want %q", got, want)
	}
	if got := upSection("SELECT 1;"); got != "SELECT 1;" {
		t.Errorf("upSection() = %q", got)
	}
}

func TestClaimLease(t *testing.T) {
	ctx := context.Background()
	var now atomic.Int64
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now.Store(start.UnixMilli())
	s, _ := openTemp(t,
		WithClock(func() time.Time { return time.UnixMilli(now.Load()) }),
		WithClaimLease(time.Hour))
	issue := workitem.IssueRef{Repository: workitem.Repository{Owner: "octo", Name: "repo"}, Number: 5}

	require.NoError(t, s.ClaimIssue(ctx, issue))
	now.Store(start.Add(59 * time.Minute).UnixMilli())
	require.ErrorIs(t, s.ClaimIssue(ctx, issue), attempts.ErrIssueClaimed)

	// An expired pending claim is taken over and its lease restarts.
	now.Store(start.Add(61 * time.Minute).UnixMilli())
	require.NoError(t, s.ClaimIssue(ctx, issue))
	require.ErrorIs(t, s.ClaimIssue(ctx, issue), attempts.ErrIssueClaimed)
	link, err := s.LinkedPullRequest(ctx, issue)
	require.NoError(t, err)
	require.Equal(t, start.Add(61*time.Minute), link.CreatedAt)

	// Bound links never expire.
	require.NoError(t, s.BindIssue(ctx, issue, 9))
	now.Store(start.Add(100 * time.Hour).UnixMilli())
	require.ErrorIs(t, s.ClaimIssue(ctx, issue), attempts.ErrIssueClaimed)
	link, err = s.LinkedPullRequest(ctx, issue)
	require.NoError(t, err)
	require.Equal(t, 9, link.PullRequest)

	_, err = Open(ctx, filepath.Join(t.TempDir(), "bad.db"), WithClaimLease(0))
	require.Error(t, err)
}

func TestReleasePendingClaims(t *testing.T) {
	ctx := context.Background()
	s, path := openTemp(t)
	pending := workitem.IssueRef{Repository: workitem.Repository{Owner: "octo", Name: "repo"}, Number: 1}
	bound := workitem.IssueRef{Repository: workitem.Repository{Owner: "octo", Name: "repo"}, Number: 2}
	require.NoError(t, s.ClaimIssue(ctx, pending))
	require.NoError(t, s.ClaimIssue(ctx, bound))
	require.NoError(t, s.BindIssue(ctx, bound, 3))
	require.NoError(t, s.Close())

	s, err := Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	released, err := s.ReleasePendingClaims(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, released)

	_, err = s.LinkedPullRequest(ctx, pending)
	require.ErrorIs(t, err, attempts.ErrNotFound)
	link, err := s.LinkedPullRequest(ctx, bound)
	require.NoError(t, err)
	require.Equal(t, 3, link.PullRequest)
}

func TestRecordFailureKeepsValidUTF8(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)
	_, err := s.GetOrCreate(ctx, key)
	require.NoError(t, err)

	// "é" is two bytes, so the byte limit falls inside a rune.
	message := "x" + strings.Repeat("é", maxErrorLength)
	require.NoError(t, s.RecordFailure(ctx, key, message))

	rec, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, utf8.ValidString(rec.LastError))
	require.Len(t, rec.LastError, maxErrorLength-1)
}

func TestTruncateUTF8(t *testing.T) {
	for _, tc := range []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc"},
		{"aé", 2, "a"},
		{"日本", 4, "日"},
		{"日本", 6, "日本"},
	} {
		if got := truncateUTF8(tc.in, tc.n); got != tc.want {
			t.Errorf("truncateUTF8(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}
