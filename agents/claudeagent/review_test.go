/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package claudeagent

import (
	"strings"
	"testing"

	"chainguard.dev/prloop/githubapp"
	"github.com/google/go-cmp/cmp"
)

const sampleDiff = `diff --git a/main.go b/main.go
index 1111111..2222222 100644
--- a/main.go
+++ b/main.go
@@ -1,3 +1,4 @@
 package main
-func old() {}
+func updated() {}
+func extra() {}
 // end
diff --git a/new.txt b/new.txt
new file mode 100644
index 0000000..3333333
--- /dev/null
+++ b/new.txt
@@ -0,0 +1 @@
+hello
diff --git a/gone.txt b/gone.txt
deleted file mode 100644
index 4444444..0000000
--- a/gone.txt
+++ /dev/null
@@ -1,2 +0,0 @@
-bye
-now
`

func TestSummarizeDiff(t *testing.T) {
	got, err := summarizeDiff(sampleDiff)
	if err != nil {
		t.Fatalf("summarizeDiff: %v", err)
	}
	want := []changedFile{
		{Path: "main.go", Status: "modified", Additions: 2, Deletions: 1},
		{Path: "new.txt", Status: "added", Additions: 1},
		{Path: "gone.txt", Status: "removed", Deletions: 2},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("summarizeDiff mismatch (-want +got):\n%s", diff)
	}
}

func TestTruncateDiff(t *testing.T) {
	if got := truncateDiff("small"); got != "small" {
		t.Errorf("truncateDiff(small) = %q", got)
	}
	got := truncateDiff(strings.Repeat("x", maxDiffBytes+10))
	if !strings.HasSuffix(got, "[diff truncated]") || len(got) > maxDiffBytes+20 {
		t.Errorf("truncateDiff(large) has length %d", len(got))
	}
}

func TestFormatReview(t *testing.T) {
	tests := []struct {
		name   string
		result ReviewResult
		failed []githubapp.FailedRun
		want   string
	}{{
		name:   "approved",
		result: ReviewResult{Comment: "Looks good.", Approve: true},
		want: "## ✅ Code Review Result: APPROVED - Ready to merge\n\n" +
			"Looks good.\n\n---\n*🤖 Automated review by prloop agent*",
	}, {
		name:   "changes with failures",
		result: ReviewResult{Comment: "Tests fail."},
		failed: []githubapp.FailedRun{{
			Name:       "ci",
			Conclusion: "failure",
			Jobs:       []githubapp.FailedJob{{Name: "test"}, {Name: "lint"}},
		}},
		want: "## ❌ Code Review Result: CHANGES REQUESTED - Issues need to be fixed\n\n" +
			"### ⚠️ Failed Workflows\n\n" +
			"**ci** (failure)\n" +
			"  - Failed jobs: `test`, `lint`\n" +
			"\n---\n\n" +
			"Tests fail.\n\n---\n*🤖 Automated review by prloop agent*",
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, formatReview(tt.result, tt.failed)); diff != "" {
				t.Errorf("formatReview mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPullRequestBody(t *testing.T) {
	want := "Adds widgets.\n\nCloses #12\n\n---\n*🤖 Automated by prloop agent*"
	if got := pullRequestBody("  Adds widgets.\n", 12); got != want {
		t.Errorf("pullRequestBody = %q, want %q", got, want)
	}
}
