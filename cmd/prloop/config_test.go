/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-cmp/cmp"
	"github.com/sethvargo/go-envconfig"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(context.Background(), envconfig.MapLookuper(map[string]string{}))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	want := &config{
		Port:            8080,
		MetricsPort:     2112,
		MaxRetries:      3,
		DBPath:          "prloop.db",
		MaxInFlight:     8,
		GitHubServerURL: "https://github.com",
		VertexRegion:    "us-east5",
		ClaudeModel:     "claude-sonnet-4-5",
		BaseBranch:      "main",
		GitIdentity:     "prloop[bot]",
		LogLevel:        "info",
		LogFormat:       "json",
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
	if err := cfg.validateServe(); err == nil || !strings.Contains(err.Error(), "GITHUB_WEBHOOK_SECRET") {
		t.Errorf("validateServe = %v, want missing secret", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		serve   bool
		wantErr string
	}{{
		name:    "zero retries",
		env:     map[string]string{"MAX_RETRIES": "0"},
		wantErr: "MAX_RETRIES must be at least 1",
	}, {
		name:    "zero in flight",
		env:     map[string]string{"MAX_IN_FLIGHT": "0"},
		wantErr: "MAX_IN_FLIGHT must be at least 1",
	}, {
		name:    "bad level",
		env:     map[string]string{"LOG_LEVEL": "loud"},
		wantErr: "invalid LOG_LEVEL",
	}, {
		name:    "bad format",
		env:     map[string]string{"LOG_FORMAT": "xml"},
		wantErr: "LOG_FORMAT must be",
	}, {
		name:    "same ports",
		env:     map[string]string{"GITHUB_WEBHOOK_SECRET": "s", "PORT": "9000", "METRICS_PORT": "9000"},
		serve:   true,
		wantErr: "must differ",
	}, {
		name:  "serve ok",
		env:   map[string]string{"GITHUB_WEBHOOK_SECRET": "s", "MAX_RETRIES": "5", "LOG_LEVEL": "debug", "LOG_FORMAT": "text"},
		serve: true,
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(context.Background(), envconfig.MapLookuper(tt.env))
			if err != nil {
				t.Fatalf("loadConfig: %v", err)
			}
			err = cfg.validate()
			if err == nil && tt.serve {
				err = cfg.validateServe()
			}
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validation failed: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validation error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigRejectsMalformed(t *testing.T) {
	if _, err := loadConfig(context.Background(), envconfig.MapLookuper(map[string]string{"MAX_RETRIES": "three"})); err == nil {
		t.Error("loadConfig accepted a non-numeric MAX_RETRIES")
	}
}

func TestSetupLogging(t *testing.T) {
	var buf bytes.Buffer
	ctx, err := setupLogging(context.Background(), "warn", "json", &buf)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	log := clog.FromContext(ctx)
	log.Info("hidden")
	log.With("key", "octo/widgets#1").Warn("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("logged %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "shown" || entry["key"] != "octo/widgets#1" {
		t.Errorf("log entry = %v", entry)
	}

	if _, err := setupLogging(context.Background(), "loud", "json", &buf); err == nil {
		t.Error("setupLogging accepted an invalid level")
	}
}
