/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package claudeagent implements agents.Operations on top of Claude.
//
// Each operation leases a clone of the repository, hands the model a small
// set of worktree tools (read_file, write_file, delete_file, list_directory,
// search_codebase) plus submit_result, and loops until the model submits a
// typed result:
//
//	fix-issue  clone the base branch, edit, push prloop/issue-N, open a PR
//	review     wait for workflows on the head commit, review the diff, post
//	fix-pr     clone the head branch, edit, push, comment on the PR
//
// Model calls stream through anthropic-sdk-go and are retried on 429, 503,
// 504 and 529. Token and tool usage is recorded with agents/metrics.
package claudeagent
