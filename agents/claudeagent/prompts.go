/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package claudeagent

import (
	"encoding/xml"
	"errors"
	"strings"
)

const fixIssueSystem = `You are a software engineer working in a clone of a GitHub repository.
Implement the change the issue asks for using the file tools. Read before you write,
keep the change focused, and follow the conventions of the surrounding code.
Do not touch files the issue does not need. When the change is complete, call
submit_result with a pull request title, a Markdown description and a commit message.`

const fixIssuePrompt = `Implement the following issue in {{repository}}.

{{issue}}`

const reviewSystem = `You are a code review agent. Analyze the pull request and provide constructive feedback.

1. Review the code changes in the diff.
2. Check that the changes match the issue requirements.
3. Analyze the CI workflow results and identify the root cause of failures.
4. Decide whether the pull request can be merged.

Be concise and focus on critical issues. Explain what caused each failure and how to fix it.
Approve only if all checks pass and the change is correct; otherwise request changes.
Write the review in the same language as the issue. Call submit_result with your review.`

const reviewPrompt = `Review pull request #{{number}} in {{repository}}.

{{pull_request}}

{{issue}}

Changed files:
{{changed_files}}
Workflow runs:
{{workflows}}
Failed workflows with log excerpts:
{{failed_workflows}}
Full diff:
<diff>
{{diff}}
</diff>`

const fixPullRequestSystem = `You are a software engineer addressing review feedback on a pull request.
The clone is checked out at the pull request's head branch. Use the file tools to fix
the problems raised by reviewers and by failing CI. Keep the fix minimal. When done,
call submit_result with a comment for the pull request summarising what you changed
and a commit message.`

const fixPullRequestPrompt = `Fix pull request #{{number}} in {{repository}}.

{{pull_request}}

{{issue}}

Review feedback:
{{reviews}}
Failed workflows with log excerpts:
{{failed_workflows}}`

type issueXML struct {
	XMLName xml.Name `xml:"issue"`
	Number  int      `xml:"number,attr"`
	Title   string   `xml:"title"`
	Body    string   `xml:"body"`
}

type pullRequestXML struct {
	XMLName xml.Name `xml:"pull_request"`
	Number  int      `xml:"number,attr"`
	Title   string   `xml:"title"`
	Body    string   `xml:"body"`
	Head    string   `xml:"head"`
	Base    string   `xml:"base"`
}

type reviewXML struct {
	XMLName xml.Name `xml:"review"`
	Author  string   `xml:"author,attr"`
	State   string   `xml:"state,attr"`
	Body    string   `xml:",chardata"`
}

type reviewsXML struct {
	XMLName xml.Name    `xml:"reviews"`
	Reviews []reviewXML `xml:"review"`
}

// IssueFix is what the model submits after implementing an issue.
type IssueFix struct {
	Title         string `json:"title" jsonschema:"required" jsonschema_description:"Short pull request title without any prefix."`
	Body          string `json:"body" jsonschema:"required" jsonschema_description:"Pull request description in Markdown."`
	CommitMessage string `json:"commit_message" jsonschema:"required" jsonschema_description:"Git commit message for the change."`
}

func (f *IssueFix) validate() error {
	if strings.TrimSpace(f.Title) == "" {
		return errors.New("title cannot be empty")
	}
	if strings.TrimSpace(f.CommitMessage) == "" {
		return errors.New("commit_message cannot be empty")
	}
	return nil
}

// ReviewResult is the model's review of a pull request.
type ReviewResult struct {
	Comment string `json:"review_comment" jsonschema:"required" jsonschema_description:"Review comment describing findings, errors and suggestions."`
	Approve bool   `json:"approve" jsonschema:"required" jsonschema_description:"True if the pull request can be merged, false if issues need to be fixed."`
}

func (r *ReviewResult) validate() error {
	if strings.TrimSpace(r.Comment) == "" {
		return errors.New("review_comment cannot be empty")
	}
	return nil
}

// PullRequestFix is what the model submits after a fix pass.
type PullRequestFix struct {
	Comment       string `json:"comment" jsonschema:"required" jsonschema_description:"Comment for the pull request summarising the fixes."`
	CommitMessage string `json:"commit_message" jsonschema:"required" jsonschema_description:"Git commit message for the fixes."`
}

func (f *PullRequestFix) validate() error {
	if strings.TrimSpace(f.CommitMessage) == "" {
		return errors.New("commit_message cannot be empty")
	}
	return nil
}
