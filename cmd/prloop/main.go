/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package main is the prloop command: a GitHub webhook server that turns
// issues into pull requests and drives them through review and fix rounds,
// plus one-shot commands for the same agent operations.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"
	"github.com/sethvargo/go-envconfig"
	"github.com/urfave/cli/v3"
)

// Populated at build time via -ldflags.
var version = "dev"

type state struct {
	cfg *config

	// flag overrides
	logLevel string
	dbPath   string
}

func newApp() *cli.Command {
	st := &state{}
	return &cli.Command{
		Name:    "prloop",
		Usage:   "Fix GitHub issues and iterate on the pull requests until review approves",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error); overrides LOG_LEVEL",
				Destination: &st.logLevel,
			},
			&cli.StringFlag{
				Name:        "db",
				Usage:       "path to the attempt database; overrides DB_PATH",
				Destination: &st.dbPath,
			},
		},
		Before: st.before,
		Commands: []*cli.Command{
			serveCommand(st),
			fixIssueCommand(st),
			reviewCommand(st),
			fixPullRequestCommand(st),
			statusCommand(st),
		},
	}
}

func (st *state) before(ctx context.Context, _ *cli.Command) (context.Context, error) {
	cfg, err := loadConfig(ctx, envconfig.OsLookuper())
	if err != nil {
		return ctx, err
	}
	if st.logLevel != "" {
		cfg.LogLevel = st.logLevel
	}
	if st.dbPath != "" {
		cfg.DBPath = st.dbPath
	}
	if err := cfg.validate(); err != nil {
		return ctx, err
	}
	ctx, err = setupLogging(ctx, cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return ctx, err
	}
	st.cfg = cfg
	return ctx, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newApp().Run(ctx, os.Args); err != nil {
		clog.FatalContextf(ctx, "prloop: %v", err)
	}
}
