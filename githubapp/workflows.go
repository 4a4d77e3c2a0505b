/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package githubapp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"chainguard.dev/prloop/retry"
	"chainguard.dev/prloop/workitem"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"
)

// maxLogBytes bounds how much of a job log is downloaded.
const maxLogBytes = 4 << 20

// FailedJob is a job that failed or timed out, with the interesting part of
// its log.
type FailedJob struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Conclusion string `json:"conclusion"`
	Log        string `json:"log,omitempty"`
}

// FailedRun is a workflow run that failed or timed out.
type FailedRun struct {
	Name       string      `json:"name"`
	Conclusion string      `json:"conclusion"`
	URL        string      `json:"url"`
	Jobs       []FailedJob `json:"failed_jobs"`
}

type page[T any] struct {
	items T
	resp  *github.Response
}

// WorkflowRuns lists every workflow run for sha.
func WorkflowRuns(ctx context.Context, gh *github.Client, repo workitem.Repository, sha string) ([]*github.WorkflowRun, error) {
	opts := &github.ListWorkflowRunsOptions{
		HeadSHA:     sha,
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var runs []*github.WorkflowRun
	for {
		p, err := retry.Do(ctx, retry.Default(), "list workflow runs", IsTransient, func() (page[*github.WorkflowRuns], error) {
			wr, resp, err := gh.Actions.ListRepositoryWorkflowRuns(ctx, repo.Owner, repo.Name, opts)
			return page[*github.WorkflowRuns]{items: wr, resp: resp}, err
		})
		if err != nil {
			return nil, fmt.Errorf("listing workflow runs for %s@%s: %w", repo.FullName(), sha, err)
		}
		runs = append(runs, p.items.WorkflowRuns...)
		if p.resp == nil || p.resp.NextPage == 0 {
			return runs, nil
		}
		opts.Page = p.resp.NextPage
	}
}

// AllCompleted reports whether every run has finished. No runs counts as
// finished.
func AllCompleted(runs []*github.WorkflowRun) bool {
	for _, run := range runs {
		if run.GetStatus() != "completed" {
			return false
		}
	}
	return true
}

// Failed reports whether a run or job conclusion counts as a failure.
func Failed(conclusion string) bool {
	return conclusion == "failure" || conclusion == "timed_out"
}

// FailedRuns collects the failed runs among runs together with their failed
// jobs and log excerpts. A log that cannot be fetched is left empty.
func FailedRuns(ctx context.Context, gh *github.Client, repo workitem.Repository, runs []*github.WorkflowRun) ([]FailedRun, error) {
	log := clog.FromContext(ctx)
	logClient := &http.Client{Timeout: 30 * time.Second}

	var failed []FailedRun
	for _, run := range runs {
		if !Failed(run.GetConclusion()) {
			continue
		}
		fr := FailedRun{
			Name:       run.GetName(),
			Conclusion: run.GetConclusion(),
			URL:        run.GetHTMLURL(),
		}

		jobs, err := retry.Do(ctx, retry.Default(), "list workflow jobs", IsTransient, func() (*github.Jobs, error) {
			jobs, _, err := gh.Actions.ListWorkflowJobs(ctx, repo.Owner, repo.Name, run.GetID(), &github.ListWorkflowJobsOptions{
				ListOptions: github.ListOptions{PerPage: 100},
			})
			return jobs, err
		})
		if err != nil {
			return nil, fmt.Errorf("listing jobs of run %d: %w", run.GetID(), err)
		}

		for _, job := range jobs.Jobs {
			if !Failed(job.GetConclusion()) {
				continue
			}
			fj := FailedJob{ID: job.GetID(), Name: job.GetName(), Conclusion: job.GetConclusion()}
			text, err := jobLog(ctx, gh, logClient, repo, job.GetID())
			if err != nil {
				log.With("job", job.GetName()).Warnf("Failed to fetch job log: %v", err)
			} else {
				fj.Log = RelevantLogLines(text)
			}
			fr.Jobs = append(fr.Jobs, fj)
		}
		failed = append(failed, fr)
	}
	return failed, nil
}

func jobLog(ctx context.Context, gh *github.Client, hc *http.Client, repo workitem.Repository, jobID int64) (string, error) {
	u, _, err := gh.Actions.GetWorkflowJobLogs(ctx, repo.Owner, repo.Name, jobID, 4)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLogBytes))
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(string(body), "\ufeff"), nil
}

var timestampPrefix = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d+Z\s*`)

const (
	logContextBefore = 50
	logContextAfter  = 20
	maxLogLine       = 1000
)

// RelevantLogLines trims a job log to the lines around its first error, or
// its tail when no error marker is present. Timestamps are stripped and long
// lines truncated.
func RelevantLogLines(text string) string {
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")

	first := -1
	for i, line := range lines {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "##[error]") || strings.Contains(lower, "error:") {
			first = i
			break
		}
	}

	var start, end int
	if first < 0 {
		start, end = max(0, len(lines)-logContextBefore), len(lines)
	} else {
		start, end = max(0, first-logContextBefore), min(len(lines), first+logContextAfter)
	}

	out := make([]string, 0, end-start)
	for _, line := range lines[start:end] {
		line = timestampPrefix.ReplaceAllString(line, "")
		if len(line) > maxLogLine {
			line = line[:maxLogLine] + "... [truncated]"
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
