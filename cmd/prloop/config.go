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
	"log/slog"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/clog/gcp"
	"github.com/sethvargo/go-envconfig"
)

type config struct {
	Port          int    `env:"PORT,default=8080"`
	MetricsPort   int    `env:"METRICS_PORT,default=2112"`
	WebhookSecret string `env:"GITHUB_WEBHOOK_SECRET"`
	MaxRetries    int    `env:"MAX_RETRIES,default=3"`
	DBPath        string `env:"DB_PATH,default=prloop.db"`
	MaxInFlight   int    `env:"MAX_IN_FLIGHT,default=8"`

	// GitHub App credentials take precedence over GITHUB_TOKEN.
	GitHubAppID             int64  `env:"GITHUB_APP_ID"`
	GitHubAppPrivateKeyPath string `env:"GITHUB_APP_PRIVATE_KEY_PATH"`
	GitHubToken             string `env:"GITHUB_TOKEN"`
	GitHubAPIURL            string `env:"GITHUB_API_URL"`
	GitHubServerURL         string `env:"GITHUB_SERVER_URL,default=https://github.com"`

	// Claude endpoint. VERTEX_PROJECT_ID selects Vertex AI over the Anthropic API.
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	VertexProject   string `env:"VERTEX_PROJECT_ID"`
	VertexRegion    string `env:"VERTEX_REGION,default=us-east5"`
	ClaudeModel     string `env:"CLAUDE_MODEL,default=claude-sonnet-4-5"`

	BaseBranch  string `env:"BASE_BRANCH,default=main"`
	GitIdentity string `env:"GIT_IDENTITY,default=prloop[bot]"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

func loadConfig(ctx context.Context, l envconfig.Lookuper) (*config, error) {
	var cfg config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	}); err != nil {
		return nil, fmt.Errorf("processing config: %w", err)
	}
	return &cfg, nil
}

// validate checks settings every command depends on.
func (c *config) validate() error {
	var errs []error
	if c.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES must be at least 1, got %d", c.MaxRetries))
	}
	if c.MaxInFlight < 1 {
		errs = append(errs, fmt.Errorf("MAX_IN_FLIGHT must be at least 1, got %d", c.MaxInFlight))
	}
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("DB_PATH cannot be empty"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "json", "text", "gcp":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json, text or gcp, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// validateServe checks the settings only the webhook server needs.
func (c *config) validateServe() error {
	var errs []error
	if c.WebhookSecret == "" {
		errs = append(errs, errors.New("GITHUB_WEBHOOK_SECRET is required"))
	}
	for name, port := range map[string]int{"PORT": c.Port, "METRICS_PORT": c.MetricsPort} {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s must be a valid port, got %d", name, port))
		}
	}
	if c.Port == c.MetricsPort {
		errs = append(errs, fmt.Errorf("PORT and METRICS_PORT must differ, both are %d", c.Port))
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return lvl, fmt.Errorf("invalid LOG_LEVEL %q: %w", s, err)
	}
	return lvl, nil
}

// setupLogging installs the configured handler as the slog default and on
// the returned context.
func setupLogging(ctx context.Context, level, format string, w io.Writer) (context.Context, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return ctx, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch format {
	case "text":
		h = slog.NewTextHandler(w, opts)
	case "gcp":
		h = gcp.NewHandler(lvl)
	default:
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
	return clog.WithLogger(ctx, clog.New(h)), nil
}
