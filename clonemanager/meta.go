/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package clonemanager

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"chainguard.dev/prloop/workitem"
	"golang.org/x/oauth2"
)

// TokenSourceForRepo resolves credentials able to push to repo.
type TokenSourceForRepo func(ctx context.Context, repo workitem.Repository) (oauth2.TokenSource, error)

// Meta lazily creates and caches one Manager per repository.
type Meta struct {
	tokenSourceFor TokenSourceForRepo
	identity       string
	opts           []Option

	mu       sync.RWMutex
	managers map[string]*Manager
}

// NewMeta returns a Meta that asks tokenSourceFor for credentials whenever a
// repository is seen for the first time.
func NewMeta(tokenSourceFor TokenSourceForRepo, identity string, opts ...Option) *Meta {
	return &Meta{
		tokenSourceFor: tokenSourceFor,
		identity:       identity,
		opts:           opts,
		managers:       make(map[string]*Manager),
	}
}

// Get returns the Manager for repo.
func (m *Meta) Get(ctx context.Context, repo workitem.Repository) (*Manager, error) {
	key := strings.ToLower(repo.FullName())

	m.mu.RLock()
	mgr, ok := m.managers[key]
	m.mu.RUnlock()
	if ok {
		return mgr, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if mgr, ok := m.managers[key]; ok {
		return mgr, nil
	}

	ts, err := m.tokenSourceFor(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("create token source: %w", err)
	}
	mgr, err = New(ctx, repo, ts, m.identity, m.opts...)
	if err != nil {
		return nil, fmt.Errorf("create clone manager: %w", err)
	}
	m.managers[key] = mgr
	return mgr, nil
}

// Close removes every pooled clone of every repository.
func (m *Meta) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mgr := range m.managers {
		mgr.Close()
	}
}
