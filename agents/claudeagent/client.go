/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package claudeagent

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/compute/metadata"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/vertex"
	"github.com/chainguard-dev/clog"
)

// DefaultVertexRegion is used when a Vertex project is set without a region.
const DefaultVertexRegion = "us-east5"

// ClientConfig selects the Claude endpoint. Vertex wins when both are set.
type ClientConfig struct {
	APIKey        string
	VertexProject string
	VertexRegion  string
}

// NewClient builds an Anthropic client for cfg. Without an API key or a
// Vertex project, a process running on GCE uses Vertex in its own project.
func NewClient(ctx context.Context, cfg ClientConfig) (anthropic.Client, error) {
	project := cfg.VertexProject
	if project == "" && cfg.APIKey == "" && metadata.OnGCE() {
		detected, err := metadata.ProjectIDWithContext(ctx)
		if err != nil {
			return anthropic.Client{}, fmt.Errorf("detecting project ID: %w", err)
		}
		clog.FromContext(ctx).With("project_id", detected).Info("Detected Google Cloud project")
		project = detected
	}

	switch {
	case project != "":
		region := cfg.VertexRegion
		if region == "" {
			region = DefaultVertexRegion
		}
		return anthropic.NewClient(vertex.WithGoogleAuth(ctx, region, project)), nil
	case cfg.APIKey != "":
		return anthropic.NewClient(option.WithAPIKey(cfg.APIKey)), nil
	}
	return anthropic.Client{}, errors.New("either an Anthropic API key or a Vertex project is required")
}
