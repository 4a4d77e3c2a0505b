/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package claudeagent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"chainguard.dev/prloop/agents"
	"chainguard.dev/prloop/agents/metrics"
	"chainguard.dev/prloop/clonemanager"
	"chainguard.dev/prloop/githubapp"
	"chainguard.dev/prloop/retry"
	"chainguard.dev/prloop/workitem"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/chainguard-dev/clog"
	gogit "github.com/go-git/go-git/v5"
	"github.com/google/go-github/v84/github"
	"github.com/shurcooL/githubv4"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

// maxBranchSuffix bounds the search for a free fix-issue branch name.
const maxBranchSuffix = 100

// GitHub hands out clients authorized for a repository.
type GitHub interface {
	Client(ctx context.Context, repo workitem.Repository) (*github.Client, error)
	GraphQL(ctx context.Context, repo workitem.Repository) (*githubv4.Client, error)
}

// Clones hands out the clone manager for a repository.
type Clones interface {
	Get(ctx context.Context, repo workitem.Repository) (*clonemanager.Manager, error)
}

// Agent implements agents.Operations with Claude editing a git worktree.
type Agent struct {
	messenger   Messenger
	model       string
	maxTokens   int64
	temperature float64
	maxTurns    int
	retryConfig retry.Config
	genai       *metrics.GenAI

	gh         GitHub
	clones     Clones
	baseBranch string
}

var _ agents.Operations = (*Agent)(nil)

// Option configures an Agent.
type Option func(*Agent) error

// WithModel overrides DefaultModel.
func WithModel(model string) Option {
	return func(a *Agent) error {
		if !strings.HasPrefix(model, "claude-") {
			return fmt.Errorf("model %q does not appear to be a Claude model (expected claude-* format)", model)
		}
		a.model = model
		return nil
	}
}

// WithMaxTokens sets the per-reply token limit.
func WithMaxTokens(tokens int64) Option {
	return func(a *Agent) error {
		if tokens <= 0 || tokens > 32000 {
			return fmt.Errorf("max tokens must be in (0, 32000], got %d", tokens)
		}
		a.maxTokens = tokens
		return nil
	}
}

// WithMaxTurns bounds the number of model round trips per operation.
func WithMaxTurns(turns int) Option {
	return func(a *Agent) error {
		if turns <= 0 {
			return fmt.Errorf("max turns must be positive, got %d", turns)
		}
		a.maxTurns = turns
		return nil
	}
}

// WithBaseBranch sets the branch fix-issue pull requests target. Empty means
// the repository's default branch.
func WithBaseBranch(branch string) Option {
	return func(a *Agent) error {
		a.baseBranch = strings.TrimSpace(branch)
		return nil
	}
}

// WithRetryConfig sets the retry policy for transient Claude API errors.
func WithRetryConfig(cfg retry.Config) Option {
	return func(a *Agent) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		a.retryConfig = cfg
		return nil
	}
}

// WithMessenger replaces the streaming Claude client.
func WithMessenger(m Messenger) Option {
	return func(a *Agent) error {
		if m == nil {
			return errors.New("messenger cannot be nil")
		}
		a.messenger = m
		return nil
	}
}

// WithMetrics replaces the default GenAI instruments.
func WithMetrics(m *metrics.GenAI) Option {
	return func(a *Agent) error {
		if m == nil {
			return errors.New("metrics cannot be nil")
		}
		a.genai = m
		return nil
	}
}

// New creates an Agent.
func New(client anthropic.Client, gh GitHub, clones Clones, opts ...Option) (*Agent, error) {
	if gh == nil {
		return nil, errors.New("github access cannot be nil")
	}
	if clones == nil {
		return nil, errors.New("clone manager cannot be nil")
	}
	a := &Agent{
		messenger:   streamingMessenger{client: client},
		model:       DefaultModel,
		maxTokens:   8192,
		temperature: 0.1,
		maxTurns:    50,
		retryConfig: retry.Default(),
		genai:       metrics.NewGenAI(metrics.MeterName),
		gh:          gh,
		clones:      clones,
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	return a, nil
}

// FixIssue implements agents.Operations.
func (a *Agent) FixIssue(ctx context.Context, ref workitem.IssueRef) (workitem.PullRequestRef, error) {
	ctx = metrics.WithAction(ctx, "fix-issue", ref.FullName())
	log := clog.FromContext(ctx).With("issue", ref.String())
	ctx = clog.WithLogger(ctx, log)

	gh, err := a.gh.Client(ctx, ref.Repository)
	if err != nil {
		return workitem.PullRequestRef{}, err
	}
	issue, err := retry.Do(ctx, retry.Default(), "get issue", githubapp.IsTransient, func() (*github.Issue, error) {
		issue, _, err := gh.Issues.Get(ctx, ref.Owner, ref.Name, ref.Number)
		return issue, err
	})
	if err != nil {
		return workitem.PullRequestRef{}, fmt.Errorf("fetching issue %s: %w", ref, err)
	}
	base, err := a.base(ctx, gh, ref.Repository)
	if err != nil {
		return workitem.PullRequestRef{}, err
	}

	lease, err := a.lease(ctx, ref.Repository, base)
	if err != nil {
		return workitem.PullRequestRef{}, err
	}
	defer a.returnLease(ctx, lease)

	branch, err := uniqueBranch(ctx, fmt.Sprintf("prloop/issue-%d", ref.Number), lease.BranchExists)
	if err != nil {
		return workitem.PullRequestRef{}, err
	}
	log.With("branch", branch).Info("Running code agent")

	prompt, err := render(fixIssuePrompt, map[string]binding{
		"repository": literal(ref.FullName()),
		"issue":      asXML(issueXML{Number: ref.Number, Title: issue.GetTitle(), Body: issue.GetBody()}),
	})
	if err != nil {
		return workitem.PullRequestRef{}, err
	}

	var fix IssueFix
	if err := lease.MakeAndPushChanges(ctx, branch, func(ctx context.Context, wt *gogit.Worktree) (string, error) {
		tools := withSubmit(worktreeTools[IssueFix](clonemanager.NewFiles(wt)), "The pull request to open for this issue.")
		result, err := converse(ctx, a, fixIssueSystem, prompt, tools)
		if err != nil {
			return "", err
		}
		fix = result
		return fix.CommitMessage, nil
	}); err != nil {
		return workitem.PullRequestRef{}, fmt.Errorf("implementing %s: %w", ref, err)
	}

	pr, err := retry.Do(ctx, retry.Default(), "create pull request", githubapp.IsTransient, func() (*github.PullRequest, error) {
		pr, _, err := gh.PullRequests.Create(ctx, ref.Owner, ref.Name, &github.NewPullRequest{
			Title: github.Ptr(githubapp.TitleMarker(ref.Number) + " " + strings.TrimSpace(fix.Title)),
			Head:  github.Ptr(branch),
			Base:  github.Ptr(base),
			Body:  github.Ptr(pullRequestBody(fix.Body, ref.Number)),
		})
		return pr, err
	})
	if err != nil {
		return workitem.PullRequestRef{}, fmt.Errorf("creating pull request for %s: %w", ref, err)
	}

	out := workitem.PullRequestRef{Repository: ref.Repository, Number: pr.GetNumber(), URL: pr.GetHTMLURL()}
	if out.URL == "" {
		out.URL = workitem.PullRequestURL(ref.Repository, out.Number)
	}
	log.With("pull_request", out.URL).Info("Pull request created")
	return out, nil
}

// Review implements agents.Operations.
func (a *Agent) Review(ctx context.Context, ref workitem.PullRequestRef) (agents.Verdict, error) {
	ctx = metrics.WithAction(ctx, "review", ref.FullName())
	log := clog.FromContext(ctx).With("pull_request", ref.String())
	ctx = clog.WithLogger(ctx, log)

	gh, err := a.gh.Client(ctx, ref.Repository)
	if err != nil {
		return agents.VerdictPending, err
	}
	pr, err := a.pullRequest(ctx, gh, ref)
	if err != nil {
		return agents.VerdictPending, err
	}

	runs, err := githubapp.WorkflowRuns(ctx, gh, ref.Repository, pr.GetHead().GetSHA())
	if err != nil {
		return agents.VerdictPending, err
	}
	if !githubapp.AllCompleted(runs) {
		log.Info("Workflows still running, deferring review")
		return agents.VerdictPending, nil
	}

	issue, err := a.issueBinding(ctx, gh, ref, pr)
	if err != nil {
		return agents.VerdictPending, err
	}

	raw, err := retry.Do(ctx, retry.Default(), "get diff", githubapp.IsTransient, func() (string, error) {
		raw, _, err := gh.PullRequests.GetRaw(ctx, ref.Owner, ref.Name, ref.Number, github.RawOptions{Type: github.Diff})
		return raw, err
	})
	if err != nil {
		return agents.VerdictPending, fmt.Errorf("fetching diff of %s: %w", ref, err)
	}
	files, err := summarizeDiff(raw)
	if err != nil {
		log.Warnf("Could not summarize diff: %v", err)
	}

	failed, err := githubapp.FailedRuns(ctx, gh, ref.Repository, runs)
	if err != nil {
		return agents.VerdictPending, err
	}

	prompt, err := render(reviewPrompt, map[string]binding{
		"number":           literal(fmt.Sprint(ref.Number)),
		"repository":       literal(ref.FullName()),
		"pull_request":     asXML(pullRequestData(pr)),
		"issue":            issue,
		"changed_files":    asYAML(files),
		"workflows":        asYAML(summarizeRuns(runs)),
		"failed_workflows": asYAML(failed),
		"diff":             literal(truncateDiff(raw)),
	})
	if err != nil {
		return agents.VerdictPending, err
	}

	log.Info("Running review agent")
	result, err := converse(ctx, a, reviewSystem, prompt, withSubmit(map[string]tool[ReviewResult]{}, "Your review of the pull request."))
	if err != nil {
		return agents.VerdictPending, err
	}

	if err := postReview(ctx, gh, ref, formatReview(result, failed), result.Approve); err != nil {
		return agents.VerdictPending, err
	}
	if result.Approve {
		return agents.VerdictApproved, nil
	}
	return agents.VerdictChangesRequested, nil
}

// FixPullRequest implements agents.Operations.
func (a *Agent) FixPullRequest(ctx context.Context, ref workitem.PullRequestRef) error {
	ctx = metrics.WithAction(ctx, "fix-pr", ref.FullName())
	log := clog.FromContext(ctx).With("pull_request", ref.String())
	ctx = clog.WithLogger(ctx, log)

	gh, err := a.gh.Client(ctx, ref.Repository)
	if err != nil {
		return err
	}
	pr, err := a.pullRequest(ctx, gh, ref)
	if err != nil {
		return err
	}
	if head := pr.GetHead().GetRepo().GetFullName(); head != "" && !strings.EqualFold(head, ref.FullName()) {
		return fmt.Errorf("%s: head branch lives in fork %s", ref, head)
	}

	issue, err := a.issueBinding(ctx, gh, ref, pr)
	if err != nil {
		return err
	}
	reviews, err := reviewFeedback(ctx, gh, ref)
	if err != nil {
		return err
	}
	runs, err := githubapp.WorkflowRuns(ctx, gh, ref.Repository, pr.GetHead().GetSHA())
	if err != nil {
		return err
	}
	failed, err := githubapp.FailedRuns(ctx, gh, ref.Repository, runs)
	if err != nil {
		return err
	}

	prompt, err := render(fixPullRequestPrompt, map[string]binding{
		"number":           literal(fmt.Sprint(ref.Number)),
		"repository":       literal(ref.FullName()),
		"pull_request":     asXML(pullRequestData(pr)),
		"issue":            issue,
		"reviews":          asXML(reviews),
		"failed_workflows": asYAML(failed),
	})
	if err != nil {
		return err
	}

	lease, err := a.lease(ctx, ref.Repository, pr.GetHead().GetRef())
	if err != nil {
		return err
	}
	defer a.returnLease(ctx, lease)

	log.With("branch", lease.Ref()).Info("Running code agent to fix pull request")
	var fix PullRequestFix
	if err := lease.PushChanges(ctx, func(ctx context.Context, wt *gogit.Worktree) (string, error) {
		tools := withSubmit(worktreeTools[PullRequestFix](clonemanager.NewFiles(wt)), "Summary of the fixes applied.")
		result, err := converse(ctx, a, fixPullRequestSystem, prompt, tools)
		if err != nil {
			return "", err
		}
		fix = result
		return fix.CommitMessage, nil
	}); err != nil {
		return fmt.Errorf("fixing %s: %w", ref, err)
	}

	if _, err := retry.Do(ctx, retry.Default(), "create comment", githubapp.IsTransient, func() (*github.IssueComment, error) {
		c, _, err := gh.Issues.CreateComment(ctx, ref.Owner, ref.Name, ref.Number, &github.IssueComment{
			Body: github.Ptr(signature(fix.Comment, "by")),
		})
		return c, err
	}); err != nil {
		return fmt.Errorf("commenting on %s: %w", ref, err)
	}
	log.Info("Pull request fix pushed")
	return nil
}

func (a *Agent) base(ctx context.Context, gh *github.Client, repo workitem.Repository) (string, error) {
	if a.baseBranch != "" {
		return a.baseBranch, nil
	}
	r, err := retry.Do(ctx, retry.Default(), "get repository", githubapp.IsTransient, func() (*github.Repository, error) {
		r, _, err := gh.Repositories.Get(ctx, repo.Owner, repo.Name)
		return r, err
	})
	if err != nil {
		return "", fmt.Errorf("fetching repository %s: %w", repo.FullName(), err)
	}
	if r.GetDefaultBranch() == "" {
		return "", fmt.Errorf("repository %s has no default branch", repo.FullName())
	}
	return r.GetDefaultBranch(), nil
}

func (a *Agent) lease(ctx context.Context, repo workitem.Repository, ref string) (*clonemanager.Lease, error) {
	mgr, err := a.clones.Get(ctx, repo)
	if err != nil {
		return nil, err
	}
	lease, err := mgr.Lease(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("leasing clone of %s at %s: %w", repo.FullName(), ref, err)
	}
	return lease, nil
}

func (a *Agent) returnLease(ctx context.Context, lease *clonemanager.Lease) {
	if err := lease.Return(ctx); err != nil {
		clog.FromContext(ctx).Warnf("Failed to return clone: %v", err)
	}
}

func (a *Agent) pullRequest(ctx context.Context, gh *github.Client, ref workitem.PullRequestRef) (*github.PullRequest, error) {
	pr, err := retry.Do(ctx, retry.Default(), "get pull request", githubapp.IsTransient, func() (*github.PullRequest, error) {
		pr, _, err := gh.PullRequests.Get(ctx, ref.Owner, ref.Name, ref.Number)
		return pr, err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching pull request %s: %w", ref, err)
	}
	return pr, nil
}

// issueBinding resolves the issue pr works on. A pull request without one is
// reviewed on its own description.
func (a *Agent) issueBinding(ctx context.Context, gh *github.Client, ref workitem.PullRequestRef, pr *github.PullRequest) (binding, error) {
	gql, err := a.gh.GraphQL(ctx, ref.Repository)
	if err != nil {
		return nil, err
	}
	linked, err := githubapp.LinkedIssue(ctx, gql, ref, pr.GetTitle())
	if errors.Is(err, githubapp.ErrNoLinkedIssue) {
		clog.FromContext(ctx).Info("No linked issue found")
		return literal("<issue>No linked issue.</issue>"), nil
	}
	if err != nil {
		return nil, err
	}
	issue, err := retry.Do(ctx, retry.Default(), "get issue", githubapp.IsTransient, func() (*github.Issue, error) {
		issue, _, err := gh.Issues.Get(ctx, linked.Owner, linked.Name, linked.Number)
		return issue, err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching linked issue %s: %w", linked, err)
	}
	return asXML(issueXML{Number: linked.Number, Title: issue.GetTitle(), Body: issue.GetBody()}), nil
}

func pullRequestData(pr *github.PullRequest) pullRequestXML {
	return pullRequestXML{
		Number: pr.GetNumber(),
		Title:  pr.GetTitle(),
		Body:   pr.GetBody(),
		Head:   pr.GetHead().GetRef(),
		Base:   pr.GetBase().GetRef(),
	}
}

type runSummary struct {
	Name       string `yaml:"name"`
	Status     string `yaml:"status"`
	Conclusion string `yaml:"conclusion"`
}

func summarizeRuns(runs []*github.WorkflowRun) []runSummary {
	out := make([]runSummary, 0, len(runs))
	for _, r := range runs {
		out = append(out, runSummary{Name: r.GetName(), Status: r.GetStatus(), Conclusion: r.GetConclusion()})
	}
	return out
}

// reviewFeedback gathers review bodies and inline comments.
func reviewFeedback(ctx context.Context, gh *github.Client, ref workitem.PullRequestRef) (reviewsXML, error) {
	reviews, err := retry.Do(ctx, retry.Default(), "list reviews", githubapp.IsTransient, func() ([]*github.PullRequestReview, error) {
		reviews, _, err := gh.PullRequests.ListReviews(ctx, ref.Owner, ref.Name, ref.Number, &github.ListOptions{PerPage: 100})
		return reviews, err
	})
	if err != nil {
		return reviewsXML{}, fmt.Errorf("listing reviews of %s: %w", ref, err)
	}
	comments, err := retry.Do(ctx, retry.Default(), "list review comments", githubapp.IsTransient, func() ([]*github.PullRequestComment, error) {
		comments, _, err := gh.PullRequests.ListComments(ctx, ref.Owner, ref.Name, ref.Number, &github.PullRequestListCommentsOptions{
			ListOptions: github.ListOptions{PerPage: 100},
		})
		return comments, err
	})
	if err != nil {
		return reviewsXML{}, fmt.Errorf("listing review comments of %s: %w", ref, err)
	}

	var out reviewsXML
	for _, r := range reviews {
		if strings.TrimSpace(r.GetBody()) == "" {
			continue
		}
		out.Reviews = append(out.Reviews, reviewXML{Author: r.GetUser().GetLogin(), State: r.GetState(), Body: r.GetBody()})
	}
	for _, c := range comments {
		out.Reviews = append(out.Reviews, reviewXML{
			Author: c.GetUser().GetLogin(),
			State:  "INLINE",
			Body:   fmt.Sprintf("%s:%d: %s", c.GetPath(), c.GetLine(), c.GetBody()),
		})
	}
	return out, nil
}

// postReview submits the review with the verdict as its event. GitHub refuses
// approving or requesting changes on one's own pull request; the review is
// then posted as a plain comment.
func postReview(ctx context.Context, gh *github.Client, ref workitem.PullRequestRef, body string, approve bool) error {
	event := "REQUEST_CHANGES"
	if approve {
		event = "APPROVE"
	}
	create := func(event string) error {
		_, err := retry.Do(ctx, retry.Default(), "create review", githubapp.IsTransient, func() (*github.PullRequestReview, error) {
			r, _, err := gh.PullRequests.CreateReview(ctx, ref.Owner, ref.Name, ref.Number, &github.PullRequestReviewRequest{
				Body:  github.Ptr(body),
				Event: github.Ptr(event),
			})
			return r, err
		})
		return err
	}

	err := create(event)
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil && er.Response.StatusCode == http.StatusUnprocessableEntity {
		clog.FromContext(ctx).With("event", event).Warnf("Review event rejected, posting as comment: %v", err)
		err = create("COMMENT")
	}
	if err != nil {
		return fmt.Errorf("posting review on %s: %w", ref, err)
	}
	return nil
}

// uniqueBranch returns base, or base-2, base-3... for the first name origin
// does not have yet.
func uniqueBranch(ctx context.Context, base string, exists func(context.Context, string) (bool, error)) (string, error) {
	for i := 1; i <= maxBranchSuffix; i++ {
		name := base
		if i > 1 {
			name = fmt.Sprintf("%s-%d", base, i)
		}
		taken, err := exists(ctx, name)
		if err != nil {
			return "", fmt.Errorf("checking branch %s: %w", name, err)
		}
		if !taken {
			if i > 1 {
				clog.FromContext(ctx).Infof("Branch %s already exists, using %s", base, name)
			}
			return name, nil
		}
	}
	return "", fmt.Errorf("no free branch name for %s", base)
}
