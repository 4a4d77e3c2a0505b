/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"chainguard.dev/prloop/attempts"
	"chainguard.dev/prloop/attempts/sqlitestore"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// statusRow is one attempt record as printed by prloop status.
type statusRow struct {
	PullRequest string    `json:"pull_request" yaml:"pull_request"`
	Status      string    `json:"status" yaml:"status"`
	Attempts    int       `json:"attempts" yaml:"attempts"`
	MaxRetries  int       `json:"max_retries" yaml:"max_retries"`
	LastError   string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at"`
}

func statusCommand(st *state) *cli.Command {
	var (
		output string
		limit  int64
	)
	return &cli.Command{
		Name:  "status",
		Usage: "List tracked pull requests and their attempt counts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "output format (table, yaml, json)",
				Value:       "table",
				Destination: &output,
			},
			&cli.Int64Flag{
				Name:        "limit",
				Usage:       "maximum number of records, most recently updated first",
				Value:       50,
				Destination: &limit,
			},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			if limit < 1 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			store, err := sqlitestore.Open(ctx, st.cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(ctx, int(limit))
			if err != nil {
				return err
			}
			return writeStatus(os.Stdout, output, toRows(records, st.cfg.MaxRetries))
		},
	}
}

func toRows(records []attempts.Record, maxRetries int) []statusRow {
	rows := make([]statusRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, statusRow{
			PullRequest: r.Key.String(),
			Status:      string(r.Status),
			Attempts:    r.Attempts,
			MaxRetries:  maxRetries,
			LastError:   r.LastError,
			UpdatedAt:   r.UpdatedAt.UTC(),
		})
	}
	return rows
}

func writeStatus(w io.Writer, format string, rows []statusRow) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rows); err != nil {
			return err
		}
		return enc.Close()
	case "table":
		return writeTable(w, rows)
	}
	return fmt.Errorf("unknown output format %q (want table, yaml or json)", format)
}

func writeTable(w io.Writer, rows []statusRow) error {
	table := tablewriter.NewTable(w,
		tablewriter.WithConfig(tablewriter.Config{
			Header: tw.CellConfig{
				Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
				Formatting: tw.CellFormatting{AutoFormat: tw.Off},
			},
			Row: tw.CellConfig{
				Alignment: tw.CellAlignment{Global: tw.AlignLeft},
			},
			Behavior: tw.Behavior{TrimSpace: tw.Off},
		}),
		tablewriter.WithHeader([]string{"PULL REQUEST", "STATUS", "ATTEMPTS", "UPDATED", "LAST ERROR"}),
		tablewriter.WithRenderer(renderer.NewBlueprint()),
		tablewriter.WithRendition(tw.Rendition{
			Symbols: tw.NewSymbols(tw.StyleMarkdown),
			Borders: tw.Border{Left: tw.On, Top: tw.Off, Right: tw.On, Bottom: tw.Off},
		}),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
	)
	for _, r := range rows {
		if err := table.Append([]string{
			r.PullRequest,
			r.Status,
			strconv.Itoa(r.Attempts) + "/" + strconv.Itoa(r.MaxRetries),
			r.UpdatedAt.Format(time.RFC3339),
			truncate(r.LastError, 60),
		}); err != nil {
			return fmt.Errorf("appending row: %w", err)
		}
	}
	return table.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
