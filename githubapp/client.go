/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package githubapp authenticates prloop against GitHub, either as a GitHub
// App installation or with a personal access token, and wraps the handful of
// queries the agent needs: workflow state on a commit and the issue a pull
// request closes.
package githubapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"chainguard.dev/prloop/retry"
	"chainguard.dev/prloop/workitem"
	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
)

// Config selects how Source authenticates. App credentials take precedence
// over Token.
type Config struct {
	AppID          int64
	PrivateKeyPath string
	// PrivateKey is the PEM encoded App key. It overrides PrivateKeyPath.
	PrivateKey []byte

	// Token is a personal access token used when no App is configured.
	Token string

	// BaseURL overrides https://api.github.com.
	BaseURL string
}

// Source hands out per-repository GitHub clients and git credentials.
type Source struct {
	baseURL string
	base    http.RoundTripper

	apps   *ghinstallation.AppsTransport
	static oauth2.TokenSource

	mu            sync.Mutex
	installations map[string]*ghinstallation.Transport
}

// New builds a Source from cfg.
func New(cfg Config) (*Source, error) {
	s := &Source{
		baseURL:       strings.TrimSuffix(cfg.BaseURL, "/"),
		base:          http.DefaultTransport,
		installations: make(map[string]*ghinstallation.Transport),
	}

	switch {
	case cfg.AppID != 0:
		var (
			atr *ghinstallation.AppsTransport
			err error
		)
		switch {
		case len(cfg.PrivateKey) > 0:
			atr, err = ghinstallation.NewAppsTransport(s.base, cfg.AppID, cfg.PrivateKey)
		case cfg.PrivateKeyPath != "":
			atr, err = ghinstallation.NewAppsTransportKeyFromFile(s.base, cfg.AppID, cfg.PrivateKeyPath)
		default:
			return nil, errors.New("github app id set without a private key")
		}
		if err != nil {
			return nil, fmt.Errorf("loading github app key: %w", err)
		}
		if s.baseURL != "" {
			atr.BaseURL = s.baseURL
		}
		s.apps = atr
	case cfg.Token != "":
		s.static = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "token"})
	default:
		return nil, errors.New("either github app credentials or a token are required")
	}
	return s, nil
}

// TokenSource returns credentials scoped to repo. It satisfies
// clonemanager.TokenSourceForRepo.
func (s *Source) TokenSource(ctx context.Context, repo workitem.Repository) (oauth2.TokenSource, error) {
	if s.static != nil {
		return s.static, nil
	}
	itr, err := s.installation(ctx, repo)
	if err != nil {
		return nil, err
	}
	return installationTokenSource{itr: itr}, nil
}

// Client returns a REST client authorized for repo.
func (s *Source) Client(ctx context.Context, repo workitem.Repository) (*github.Client, error) {
	hc, err := s.httpClient(ctx, repo)
	if err != nil {
		return nil, err
	}
	client := github.NewClient(hc)
	if s.baseURL != "" {
		u, err := url.Parse(s.baseURL + "/")
		if err != nil {
			return nil, fmt.Errorf("parsing base url: %w", err)
		}
		client.BaseURL = u
	}
	return client, nil
}

// GraphQL returns a v4 client authorized for repo.
func (s *Source) GraphQL(ctx context.Context, repo workitem.Repository) (*githubv4.Client, error) {
	hc, err := s.httpClient(ctx, repo)
	if err != nil {
		return nil, err
	}
	if s.baseURL != "" {
		return githubv4.NewEnterpriseClient(s.baseURL+"/graphql", hc), nil
	}
	return githubv4.NewClient(hc), nil
}

func (s *Source) httpClient(ctx context.Context, repo workitem.Repository) (*http.Client, error) {
	if s.static != nil {
		return &http.Client{Transport: &oauth2.Transport{Source: s.static, Base: s.base}}, nil
	}
	itr, err := s.installation(ctx, repo)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: itr}, nil
}

// installation resolves and caches the App installation covering repo.
func (s *Source) installation(ctx context.Context, repo workitem.Repository) (*ghinstallation.Transport, error) {
	key := strings.ToLower(repo.FullName())

	s.mu.Lock()
	defer s.mu.Unlock()
	if itr, ok := s.installations[key]; ok {
		return itr, nil
	}

	appClient := github.NewClient(&http.Client{Transport: s.apps})
	if s.baseURL != "" {
		u, err := url.Parse(s.baseURL + "/")
		if err != nil {
			return nil, fmt.Errorf("parsing base url: %w", err)
		}
		appClient.BaseURL = u
	}

	inst, err := retry.Do(ctx, retry.Default(), "find installation", IsTransient, func() (*github.Installation, error) {
		inst, _, err := appClient.Apps.FindRepositoryInstallation(ctx, repo.Owner, repo.Name)
		return inst, err
	})
	if err != nil {
		return nil, fmt.Errorf("finding installation for %s: %w", repo.FullName(), err)
	}
	clog.FromContext(ctx).With("repository", repo.FullName()).
		With("installation", inst.GetID()).
		Debug("Resolved GitHub App installation")

	itr := ghinstallation.NewFromAppsTransport(s.apps, inst.GetID())
	if s.baseURL != "" {
		itr.BaseURL = s.baseURL
	}
	s.installations[key] = itr
	return itr, nil
}

type installationTokenSource struct {
	itr *ghinstallation.Transport
}

// Token mints or reuses an installation token; ghinstallation refreshes it
// before expiry.
func (ts installationTokenSource) Token() (*oauth2.Token, error) {
	tok, err := ts.itr.Token(context.Background())
	if err != nil {
		return nil, fmt.Errorf("installation token: %w", err)
	}
	return &oauth2.Token{AccessToken: tok, TokenType: "token"}, nil
}

// IsTransient reports whether a GitHub API error is worth retrying: rate
// limits and server side failures.
func IsTransient(err error) bool {
	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	var arle *github.AbuseRateLimitError
	if errors.As(err, &arle) {
		return true
	}
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		return er.Response.StatusCode >= http.StatusInternalServerError
	}
	return false
}
