/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"chainguard.dev/prloop/agents"
	"chainguard.dev/prloop/attempts"
	"chainguard.dev/prloop/dispatcher"
	"chainguard.dev/prloop/events"
	"chainguard.dev/prloop/workitem"
	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
)

var updated = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleRows() []statusRow {
	return toRows([]attempts.Record{{
		Key:       workitem.NewKey("Octo", "Widgets", 7),
		Attempts:  2,
		Status:    attempts.StatusActive,
		LastError: "agent operation failed: fix_pr: " + strings.Repeat("x", 80),
		UpdatedAt: updated,
	}, {
		Key:       workitem.NewKey("octo", "gadgets", 3),
		Attempts:  3,
		Status:    attempts.StatusExhausted,
		UpdatedAt: updated.Add(-time.Hour),
	}}, 3)
}

func TestToRows(t *testing.T) {
	rows := sampleRows()
	if rows[0].PullRequest != "octo/widgets#7" || rows[0].MaxRetries != 3 || rows[1].Status != "exhausted" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestWriteStatusJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := writeStatus(&buf, "json", sampleRows()); err != nil {
		t.Fatalf("writeStatus: %v", err)
	}
	var got []statusRow
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if diff := cmp.Diff(sampleRows(), got); diff != "" {
		t.Errorf("json mismatch (-want +got):\n%s", diff)
	}
	if strings.Contains(buf.String(), `"last_error": ""`) {
		t.Error("empty last_error was not omitted")
	}
}

func TestWriteStatusYAML(t *testing.T) {
	var buf bytes.Buffer
	if err := writeStatus(&buf, "yaml", sampleRows()); err != nil {
		t.Fatalf("writeStatus: %v", err)
	}
	var got []map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not YAML: %v", err)
	}
	if len(got) != 2 || got[1]["pull_request"] != "octo/gadgets#3" || got[1]["attempts"] != 3 {
		t.Errorf("yaml = %v", got)
	}
}

func TestWriteStatusTable(t *testing.T) {
	var buf bytes.Buffer
	if err := writeStatus(&buf, "table", sampleRows()); err != nil {
		t.Fatalf("writeStatus: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"PULL REQUEST", "octo/widgets#7", "2/3", "exhausted", "2026-03-01T12:00:00Z", "..."} {
		if !strings.Contains(out, want) {
			t.Errorf("table lacks %q:\n%s", want, out)
		}
	}
}

func TestWriteStatusUnknownFormat(t *testing.T) {
	if err := writeStatus(&bytes.Buffer{}, "csv", nil); err == nil {
		t.Error("writeStatus accepted csv")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("ääääääääää", 6); got != "äää..." {
		t.Errorf("truncate = %q", got)
	}
}

func TestReport(t *testing.T) {
	tests := []struct {
		kind events.Kind
		res  dispatcher.Result
		want string
	}{
		{events.KindFixIssue, dispatcher.Result{PullRequest: workitem.PullRequestRef{URL: "https://github.com/octo/widgets/pull/9"}}, "Created https://github.com/octo/widgets/pull/9\n"},
		{events.KindReview, dispatcher.Result{Verdict: agents.VerdictApproved}, "Review verdict: approved\n"},
		{events.KindFixPullRequest, dispatcher.Result{}, "Pushed fixes\n"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		if err := report(&buf, tt.kind, tt.res); err != nil {
			t.Fatalf("report: %v", err)
		}
		if buf.String() != tt.want {
			t.Errorf("report(%s) = %q, want %q", tt.kind, buf.String(), tt.want)
		}
	}
}
