/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"chainguard.dev/prloop/dispatcher"
	"chainguard.dev/prloop/events"
	"chainguard.dev/prloop/workitem"
	"github.com/urfave/cli/v3"
)

var errMissingURL = errors.New("expected exactly one URL argument")

func singleArg(c *cli.Command) (string, error) {
	if c.Args().Len() != 1 {
		return "", errMissingURL
	}
	return c.Args().First(), nil
}

func fixIssueCommand(st *state) *cli.Command {
	return &cli.Command{
		Name:      "fixissue",
		Usage:     "Open a pull request that fixes an issue",
		ArgsUsage: "<issue-url>",
		Description: `Runs the fix-issue agent once for the given issue, without consulting or
updating the attempt database.`,
		Action: func(ctx context.Context, c *cli.Command) error {
			arg, err := singleArg(c)
			if err != nil {
				return err
			}
			issue, err := workitem.ParseIssueURL(arg)
			if err != nil {
				return err
			}
			return invoke(ctx, st.cfg, func(ctx context.Context, d *dispatcher.Dispatcher) error {
				res, err := d.Invoke(ctx, events.FixIssue(issue))
				if err != nil {
					return err
				}
				return report(os.Stdout, events.KindFixIssue, res)
			})
		},
	}
}

func reviewCommand(st *state) *cli.Command {
	return &cli.Command{
		Name:      "review",
		Usage:     "Review a pull request and post the verdict",
		ArgsUsage: "<pull-request-url>",
		Action: func(ctx context.Context, c *cli.Command) error {
			arg, err := singleArg(c)
			if err != nil {
				return err
			}
			pr, err := workitem.ParsePullRequestURL(arg)
			if err != nil {
				return err
			}
			return invoke(ctx, st.cfg, func(ctx context.Context, d *dispatcher.Dispatcher) error {
				res, err := d.Invoke(ctx, events.Review(pr))
				if err != nil {
					return err
				}
				return report(os.Stdout, events.KindReview, res)
			})
		},
	}
}

func fixPullRequestCommand(st *state) *cli.Command {
	return &cli.Command{
		Name:      "fixpr",
		Usage:     "Apply review feedback and CI fixes to a pull request",
		ArgsUsage: "<pull-request-url>",
		Action: func(ctx context.Context, c *cli.Command) error {
			arg, err := singleArg(c)
			if err != nil {
				return err
			}
			pr, err := workitem.ParsePullRequestURL(arg)
			if err != nil {
				return err
			}
			return invoke(ctx, st.cfg, func(ctx context.Context, d *dispatcher.Dispatcher) error {
				res, err := d.Invoke(ctx, events.FixPullRequest(pr))
				if err != nil {
					return err
				}
				return report(os.Stdout, events.KindFixPullRequest, res)
			})
		},
	}
}

// report prints the result of a one-shot command.
func report(w io.Writer, kind events.Kind, res dispatcher.Result) error {
	var err error
	switch kind {
	case events.KindFixIssue:
		_, err = fmt.Fprintf(w, "Created %s\n", res.PullRequest.URL)
	case events.KindReview:
		_, err = fmt.Fprintf(w, "Review verdict: %s\n", res.Verdict)
	case events.KindFixPullRequest:
		_, err = fmt.Fprintln(w, "Pushed fixes")
	}
	return err
}
