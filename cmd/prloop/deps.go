/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"fmt"
	"strings"

	"chainguard.dev/prloop/agents/claudeagent"
	"chainguard.dev/prloop/clonemanager"
	"chainguard.dev/prloop/dispatcher"
	"chainguard.dev/prloop/githubapp"
	"chainguard.dev/prloop/workitem"
	"github.com/chainguard-dev/clog"
)

// agentStack is everything the agent operations need.
type agentStack struct {
	agent  *claudeagent.Agent
	clones *clonemanager.Meta
}

func (s *agentStack) Close() {
	s.clones.Close()
}

func newAgentStack(ctx context.Context, cfg *config) (*agentStack, error) {
	src, err := githubapp.New(githubapp.Config{
		AppID:          cfg.GitHubAppID,
		PrivateKeyPath: cfg.GitHubAppPrivateKeyPath,
		Token:          cfg.GitHubToken,
		BaseURL:        cfg.GitHubAPIURL,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring GitHub access: %w", err)
	}

	server := strings.TrimSuffix(cfg.GitHubServerURL, "/")
	clones := clonemanager.NewMeta(src.TokenSource, cfg.GitIdentity,
		clonemanager.WithRemoteURL(func(repo workitem.Repository) string {
			return fmt.Sprintf("%s/%s/%s", server, repo.Owner, repo.Name)
		}))

	client, err := claudeagent.NewClient(ctx, claudeagent.ClientConfig{
		APIKey:        cfg.AnthropicAPIKey,
		VertexProject: cfg.VertexProject,
		VertexRegion:  cfg.VertexRegion,
	})
	if err != nil {
		return nil, err
	}

	agent, err := claudeagent.New(client, src, clones,
		claudeagent.WithModel(cfg.ClaudeModel),
		claudeagent.WithBaseBranch(cfg.BaseBranch),
	)
	if err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}
	clog.FromContext(ctx).With("model", cfg.ClaudeModel).Info("Agent configured")
	return &agentStack{agent: agent, clones: clones}, nil
}

// invoke runs one agent operation without attempt tracking.
func invoke(ctx context.Context, cfg *config, run func(context.Context, *dispatcher.Dispatcher) error) error {
	stack, err := newAgentStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer stack.Close()

	d, err := dispatcher.New(nil, stack.agent, dispatcher.WithMaxRetries(cfg.MaxRetries))
	if err != nil {
		return err
	}
	return run(ctx, d)
}
