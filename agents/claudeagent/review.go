/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package claudeagent

import (
	"fmt"
	"strings"

	"chainguard.dev/prloop/githubapp"
	"github.com/waigani/diffparser"
)

// maxDiffBytes bounds the raw diff placed in the review prompt.
const maxDiffBytes = 200 << 10

type changedFile struct {
	Path      string `yaml:"path"`
	Status    string `yaml:"status"`
	Additions int    `yaml:"additions"`
	Deletions int    `yaml:"deletions"`
}

// summarizeDiff lists the files touched by a unified diff with line counts.
func summarizeDiff(raw string) ([]changedFile, error) {
	diff, err := diffparser.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}
	files := make([]changedFile, 0, len(diff.Files))
	for _, f := range diff.Files {
		cf := changedFile{Path: f.NewName, Status: "modified"}
		switch f.Mode {
		case diffparser.NEW:
			cf.Status = "added"
		case diffparser.DELETED:
			cf.Path, cf.Status = f.OrigName, "removed"
		}
		for _, h := range f.Hunks {
			for _, l := range h.WholeRange.Lines {
				switch l.Mode {
				case diffparser.ADDED:
					cf.Additions++
				case diffparser.REMOVED:
					cf.Deletions++
				}
			}
		}
		files = append(files, cf)
	}
	return files, nil
}

func truncateDiff(raw string) string {
	if len(raw) <= maxDiffBytes {
		return raw
	}
	return raw[:maxDiffBytes] + "\n[diff truncated]"
}

// signature appends the automation footer.
func signature(text, action string) string {
	return fmt.Sprintf("%s\n\n---\n*🤖 Automated %s prloop agent*", text, action)
}

// formatReview renders the review body posted on the pull request.
func formatReview(r ReviewResult, failed []githubapp.FailedRun) string {
	var b strings.Builder
	if r.Approve {
		b.WriteString("## ✅ Code Review Result: APPROVED - Ready to merge\n\n")
	} else {
		b.WriteString("## ❌ Code Review Result: CHANGES REQUESTED - Issues need to be fixed\n\n")
	}

	if len(failed) > 0 {
		b.WriteString("### ⚠️ Failed Workflows\n\n")
		for _, run := range failed {
			fmt.Fprintf(&b, "**%s** (%s)\n", run.Name, run.Conclusion)
			if len(run.Jobs) > 0 {
				names := make([]string, 0, len(run.Jobs))
				for _, job := range run.Jobs {
					names = append(names, "`"+job.Name+"`")
				}
				fmt.Fprintf(&b, "  - Failed jobs: %s\n", strings.Join(names, ", "))
			}
		}
		b.WriteString("\n---\n\n")
	}

	b.WriteString(r.Comment)
	return signature(b.String(), "review by")
}

// pullRequestBody renders the description of a fix-issue pull request.
func pullRequestBody(body string, issue int) string {
	return signature(fmt.Sprintf("%s\n\nCloses #%d", strings.TrimSpace(body), issue), "by")
}
