/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package clonemanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"chainguard.dev/prloop/workitem"
	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"golang.org/x/oauth2"
)

const cloneDirPrefix = "prloop-clone-"

// ErrNoChanges is returned when an update leaves the working tree clean.
var ErrNoChanges = errors.New("no changes to commit")

func defaultRemoteURL(repo workitem.Repository) string {
	return fmt.Sprintf("https://github.com/%s/%s", repo.Owner, repo.Name)
}

// Option configures a Manager.
type Option func(*Manager)

// WithRemoteURL overrides how the clone URL of a repository is built, for
// GitHub Enterprise hosts or local origins.
func WithRemoteURL(fn func(workitem.Repository) string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.remoteURL = fn
		}
	}
}

// Manager owns a pool of clones of one repository.
type Manager struct {
	repo        workitem.Repository
	tokenSource oauth2.TokenSource
	identity    string
	remoteURL   func(workitem.Repository) string

	mu        sync.Mutex
	available []*clone
}

type clone struct {
	path string
	repo *git.Repository
}

// Lease is a clone checked out at a branch tip.
type Lease struct {
	manager *Manager
	clone   *clone

	ref string
	sha string
}

// UpdateFunc edits the working tree and returns the commit message.
type UpdateFunc func(context.Context, *git.Worktree) (string, error)

// New constructs a Manager for repo. The token source must allow cloning and
// pushing. Identity is the commit author name; without a domain it is
// suffixed with @users.noreply.github.com.
func New(_ context.Context, repo workitem.Repository, tokenSource oauth2.TokenSource, identity string, opts ...Option) (*Manager, error) {
	if !repo.Valid() {
		return nil, fmt.Errorf("invalid repository %q", repo.FullName())
	}
	if tokenSource == nil {
		return nil, errors.New("token source cannot be nil")
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, errors.New("identity cannot be empty")
	}
	m := &Manager{
		repo:        repo,
		tokenSource: tokenSource,
		identity:    identity,
		remoteURL:   defaultRemoteURL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Lease hydrates a clone at the tip of branch ref. Callers must Return it.
func (m *Manager) Lease(ctx context.Context, ref string) (*Lease, error) {
	if ref == "" {
		return nil, errors.New("ref cannot be empty")
	}

	cl, err := m.acquireClone(ctx, ref)
	if err != nil {
		return nil, err
	}

	sha, err := m.prepareClone(ctx, cl, ref)
	if err != nil {
		clog.FromContext(ctx).Warnf("Discarding clone after prepare failure: %v", err)
		m.discardClone(cl)
		return nil, err
	}

	return &Lease{manager: m, clone: cl, ref: ref, sha: sha}, nil
}

// acquireClone takes from the front of the pool; releaseClone appends to the
// back, so a clone that just misbehaved is not picked again right away.
func (m *Manager) acquireClone(ctx context.Context, ref string) (*clone, error) {
	m.mu.Lock()
	if len(m.available) > 0 {
		cl := m.available[0]
		m.available = m.available[1:]
		m.mu.Unlock()
		return cl, nil
	}
	m.mu.Unlock()

	return m.createClone(ctx, ref)
}

func (m *Manager) createClone(ctx context.Context, ref string) (*clone, error) {
	dir, err := os.MkdirTemp("", cloneDirPrefix)
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}

	remote := m.remoteURL(m.repo)
	clog.FromContext(ctx).Infof("Cloning repository %s into %s", remote, dir)

	auth, err := m.auth()
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("getting token: %w", err)
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           remote,
		ReferenceName: plumbing.NewBranchReferenceName(ref),
		SingleBranch:  true,
		Auth:          auth,
	})
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("cloning repository: %w", err)
	}
	return &clone{path: dir, repo: repo}, nil
}

func (m *Manager) prepareClone(ctx context.Context, cl *clone, ref string) (string, error) {
	if err := resetClone(cl); err != nil {
		return "", err
	}

	auth, err := m.auth()
	if err != nil {
		return "", fmt.Errorf("getting token: %w", err)
	}

	clog.FromContext(ctx).Infof("Fetching ref %s", ref)
	if err := cl.repo.FetchContext(ctx, &git.FetchOptions{
		RefSpecs: []gitconfig.RefSpec{gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", ref, ref))},
		Auth:     auth,
		Force:    true,
	}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", fmt.Errorf("fetching ref %s: %w", ref, err)
	}

	remoteRef, err := cl.repo.Reference(plumbing.NewRemoteReferenceName("origin", ref), true)
	if err != nil {
		return "", fmt.Errorf("getting remote ref %s: %w", ref, err)
	}

	worktree, err := cl.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("getting worktree: %w", err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Hash: remoteRef.Hash(), Force: true}); err != nil {
		return "", fmt.Errorf("checking out ref %s: %w", ref, err)
	}

	status, err := worktree.Status()
	if err != nil {
		return "", fmt.Errorf("getting worktree status: %w", err)
	}
	if !status.IsClean() {
		return "", errors.New("worktree is not clean after checkout")
	}
	return remoteRef.Hash().String(), nil
}

func resetClone(cl *clone) error {
	worktree, err := cl.repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}
	if err := worktree.Reset(&git.ResetOptions{Mode: git.HardReset}); err != nil {
		return fmt.Errorf("resetting worktree: %w", err)
	}
	if err := worktree.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("cleaning worktree: %w", err)
	}
	return nil
}

func (m *Manager) releaseClone(cl *clone) {
	m.mu.Lock()
	m.available = append(m.available, cl)
	m.mu.Unlock()
}

func (m *Manager) discardClone(cl *clone) {
	os.RemoveAll(cl.path)
}

func (m *Manager) auth() (*githttp.BasicAuth, error) {
	token, err := m.tokenSource.Token()
	if err != nil {
		return nil, err
	}
	return &githttp.BasicAuth{
		Username: "x-access-token",
		Password: token.AccessToken,
	}, nil
}

// Close removes every pooled clone from disk.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cl := range m.available {
		m.discardClone(cl)
	}
	m.available = nil
}

// BranchExists reports whether origin has a branch with this name.
func (l *Lease) BranchExists(ctx context.Context, branch string) (bool, error) {
	remote, err := l.clone.repo.Remote("origin")
	if err != nil {
		return false, fmt.Errorf("getting origin: %w", err)
	}
	auth, err := l.manager.auth()
	if err != nil {
		return false, fmt.Errorf("getting token: %w", err)
	}
	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: auth})
	if err != nil {
		return false, fmt.Errorf("listing remote refs: %w", err)
	}
	want := plumbing.NewBranchReferenceName(branch)
	for _, r := range refs {
		if r.Name() == want {
			return true, nil
		}
	}
	return false, nil
}

// MakeAndPushChanges creates branchName at the leased commit, applies
// updateFn, commits, and force pushes the branch.
func (l *Lease) MakeAndPushChanges(ctx context.Context, branchName string, updateFn UpdateFunc) error {
	return l.commitAndPush(ctx, branchName, true, updateFn)
}

// PushChanges applies updateFn on top of the leased branch and pushes it
// without force, so concurrent pushes by others are never overwritten.
func (l *Lease) PushChanges(ctx context.Context, updateFn UpdateFunc) error {
	return l.commitAndPush(ctx, l.ref, false, updateFn)
}

func (l *Lease) commitAndPush(ctx context.Context, branchName string, force bool, updateFn UpdateFunc) error {
	if updateFn == nil {
		return errors.New("update function cannot be nil")
	}

	ref, err := l.checkoutBranch(branchName)
	if err != nil {
		return fmt.Errorf("creating branch: %w", err)
	}

	worktree, err := l.clone.repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}

	message, err := updateFn(ctx, worktree)
	if err != nil {
		return fmt.Errorf("applying updates: %w", err)
	}
	if message == "" {
		return errors.New("commit message cannot be empty")
	}

	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("getting worktree status: %w", err)
	}
	if status.IsClean() {
		return ErrNoChanges
	}

	if err := l.manager.commit(worktree, message); err != nil {
		return fmt.Errorf("committing changes: %w", err)
	}
	if err := l.manager.push(ctx, l.clone.repo, ref, force); err != nil {
		return fmt.Errorf("pushing branch: %w", err)
	}
	return nil
}

func (l *Lease) checkoutBranch(branchName string) (plumbing.ReferenceName, error) {
	if branchName == "" {
		return "", errors.New("branch name cannot be empty")
	}
	refName := plumbing.NewBranchReferenceName(branchName)
	if err := l.clone.repo.Storer.SetReference(plumbing.NewHashReference(refName, plumbing.NewHash(l.sha))); err != nil {
		return "", fmt.Errorf("setting branch reference: %w", err)
	}
	worktree, err := l.clone.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("getting worktree: %w", err)
	}
	// Keep pending edits: the callback may already have written files.
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: refName, Keep: true}); err != nil {
		return "", fmt.Errorf("checking out branch: %w", err)
	}
	return refName, nil
}

func (m *Manager) commit(worktree *git.Worktree, message string) error {
	email := m.identity
	if !strings.Contains(email, "@") {
		email = fmt.Sprintf("%s@users.noreply.github.com", email)
	}
	// Stage everything the agent touched, including edits made outside Files.
	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("staging: %w", err)
	}
	if _, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  m.identity,
			Email: email,
			When:  time.Now(),
		},
	}); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

func (m *Manager) push(ctx context.Context, repo *git.Repository, ref plumbing.ReferenceName, force bool) error {
	log := clog.FromContext(ctx)
	auth, err := m.auth()
	if err != nil {
		return fmt.Errorf("getting token: %w", err)
	}

	refSpec := gitconfig.RefSpec(fmt.Sprintf("%s:%s", ref, ref))
	if force {
		refSpec = "+" + refSpec
	}
	log.Infof("Pushing %s", refSpec)

	if err := repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		Auth:       auth,
		RefSpecs:   []gitconfig.RefSpec{refSpec},
	}); err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			log.Info("Branch already up to date")
			return nil
		}
		return fmt.Errorf("pushing: %w", err)
	}
	return nil
}

// ID returns a clone ID based on the working tree path.
func (l *Lease) ID() string {
	return filepath.Base(l.clone.path)
}

// Repo returns the underlying git repository.
func (l *Lease) Repo() *git.Repository {
	return l.clone.repo
}

// WorkingTree returns the absolute path of the working directory.
func (l *Lease) WorkingTree() string {
	return l.clone.path
}

// Ref returns the leased branch.
func (l *Lease) Ref() string {
	return l.ref
}

// SHA returns the commit the lease was checked out at.
func (l *Lease) SHA() string {
	return l.sha
}

// Return resets the working tree and puts the clone back in the pool. The
// lease is invalid afterwards.
func (l *Lease) Return(_ context.Context) error {
	if l.clone == nil {
		return nil
	}
	m, cl := l.manager, l.clone
	l.clone, l.manager, l.sha = nil, nil, ""

	if err := resetClone(cl); err != nil {
		m.discardClone(cl)
		return err
	}
	m.releaseClone(cl)
	return nil
}
