/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package dispatcher decides whether an action may run, invokes the agent,
// and records the result in the attempt store.
//
// Dispatch happens in two phases. Begin performs every store check and
// reservation synchronously and cheaply; the returned Ticket's Run invokes
// the agent, which may take minutes, and applies the post-invocation writes.
// The webhook answers after Begin and hands the Ticket to a worker pool.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"chainguard.dev/prloop/agents"
	"chainguard.dev/prloop/attempts"
	"chainguard.dev/prloop/events"
	"chainguard.dev/prloop/retry"
	"chainguard.dev/prloop/workitem"
	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// ErrAgentFailed wraps every error returned by an agent operation.
var ErrAgentFailed = errors.New("agent operation failed")

// Outcome is the result of a dispatch.
type Outcome int

const (
	// Invoked means the agent operation ran.
	Invoked Outcome = iota + 1
	// SkippedTerminal means the pull request already succeeded or exhausted.
	SkippedTerminal
	// SkippedExhausted means this dispatch hit the retry ceiling and moved
	// the record to exhausted.
	SkippedExhausted
	// SkippedDuplicate means a fix for the issue is in flight or done.
	SkippedDuplicate
	// Deferred means the review could not run yet; nothing was recorded.
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Invoked:
		return "invoked"
	case SkippedTerminal:
		return "skipped_terminal"
	case SkippedExhausted:
		return "skipped_exhausted"
	case SkippedDuplicate:
		return "skipped_duplicate"
	case Deferred:
		return "deferred"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Skipped reports whether the agent was not invoked.
func (o Outcome) Skipped() bool {
	return o == SkippedTerminal || o == SkippedExhausted || o == SkippedDuplicate
}

// DefaultMaxRetries is the fix-pr ceiling when none is configured.
const DefaultMaxRetries = 3

// Dispatcher applies the retry state machine to actions.
type Dispatcher struct {
	store      attempts.Store
	agent      agents.Operations
	maxRetries int
	bindRetry  retry.Config
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxRetries sets the number of fix-pr attempts allowed per pull request.
func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) { d.maxRetries = n }
}

// WithBindRetry sets the backoff used when linking an issue to the pull
// request fix-issue opened.
func WithBindRetry(cfg retry.Config) Option {
	return func(d *Dispatcher) { d.bindRetry = cfg }
}

// New returns a Dispatcher. store may be nil when only Invoke is used.
func New(store attempts.Store, agent agents.Operations, opts ...Option) (*Dispatcher, error) {
	if agent == nil {
		return nil, errors.New("agent operations are required")
	}
	d := &Dispatcher{
		store:      store,
		agent:      agent,
		maxRetries: DefaultMaxRetries,
		bindRetry:  retry.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.maxRetries < 1 {
		return nil, fmt.Errorf("max retries must be at least 1, got %d", d.maxRetries)
	}
	if err := d.bindRetry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bind retry config: %w", err)
	}
	return d, nil
}

// MaxRetries returns the configured ceiling.
func (d *Dispatcher) MaxRetries() int {
	return d.maxRetries
}

func tracer() oteltrace.Tracer {
	return otel.Tracer("chainguard.dev/prloop/dispatcher",
		oteltrace.WithInstrumentationVersion("1.0.0"))
}

// Ticket is an admitted action waiting for its agent invocation. A Ticket
// runs at most once.
type Ticket struct {
	d       *Dispatcher
	action  events.Action
	key     workitem.Key
	attempt int
	skipped Outcome
	ran     atomic.Bool
}

// Action returns the admitted action.
func (t *Ticket) Action() events.Action { return t.action }

// Skipped returns the outcome when Begin decided not to invoke the agent,
// and ok=false when Run will invoke it.
func (t *Ticket) Skipped() (Outcome, bool) {
	return t.skipped, t.skipped != 0
}

// Attempt returns the fix-pr attempt number reserved by Begin, or 0.
func (t *Ticket) Attempt() int { return t.attempt }

func (d *Dispatcher) skip(ctx context.Context, action events.Action, outcome Outcome) *Ticket {
	clog.FromContext(ctx).With("outcome", outcome.String()).Info("Skipping action")
	outcomeCounter.WithLabelValues(action.Kind.String(), outcome.String()).Inc()
	return &Ticket{d: d, action: action, skipped: outcome}
}

// Begin runs the synchronous half of a dispatch: status checks, record
// creation, and for fix-pr the atomic attempt reservation. Errors are store
// errors; attempts.ErrUnavailable means nothing was decided.
func (d *Dispatcher) Begin(ctx context.Context, action events.Action) (*Ticket, error) {
	if d.store == nil {
		return nil, errors.New("dispatcher has no attempt store")
	}
	if err := action.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer().Start(ctx, "dispatch.begin", oteltrace.WithAttributes(
		attribute.String("action", action.Kind.String()),
		attribute.String("target", action.Target()),
	))
	defer span.End()
	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With("action", action.Kind.String(), "target", action.Target()))

	t, err := d.begin(ctx, action)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if outcome, ok := t.Skipped(); ok {
		span.SetAttributes(attribute.String("outcome", outcome.String()))
	}
	return t, nil
}

func (d *Dispatcher) begin(ctx context.Context, action events.Action) (*Ticket, error) {
	if action.Kind == events.KindFixIssue {
		return d.beginFixIssue(ctx, action)
	}

	key := action.PullRequest.Key()
	status, ok, err := d.store.StatusOf(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("status of %s: %w", key, err)
	}
	if ok && status.Terminal() {
		return d.skip(ctx, action, SkippedTerminal), nil
	}

	rec, err := d.store.GetOrCreate(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get or create %s: %w", key, err)
	}
	if rec.Status.Terminal() {
		return d.skip(ctx, action, SkippedTerminal), nil
	}

	t := &Ticket{d: d, action: action, key: key}
	if action.Kind == events.KindReview {
		return t, nil
	}

	n, err := d.store.IncrementBelow(ctx, key, d.maxRetries)
	switch {
	case errors.Is(err, attempts.ErrCeilingReached):
		if err := d.store.MarkExhausted(ctx, key); err != nil && !errors.Is(err, attempts.ErrInvalidState) {
			return nil, fmt.Errorf("mark %s exhausted: %w", key, err)
		}
		clog.FromContext(ctx).With("max_retries", d.maxRetries).Warn("Retry ceiling reached")
		return d.skip(ctx, action, SkippedExhausted), nil
	case errors.Is(err, attempts.ErrInvalidState):
		return d.skip(ctx, action, SkippedTerminal), nil
	case err != nil:
		return nil, fmt.Errorf("increment %s: %w", key, err)
	}
	t.attempt = n
	return t, nil
}

func (d *Dispatcher) beginFixIssue(ctx context.Context, action events.Action) (*Ticket, error) {
	issue := action.Issue

	link, err := d.store.LinkedPullRequest(ctx, issue)
	switch {
	case err == nil && link.Pending():
		// ClaimIssue decides whether the pending claim has expired.
	case err == nil:
		key := workitem.NewKey(issue.Owner, issue.Name, link.PullRequest)
		status, ok, err := d.store.StatusOf(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("status of %s: %w", key, err)
		}
		if ok && status.Terminal() {
			return d.skip(ctx, action, SkippedTerminal), nil
		}
		return d.skip(ctx, action, SkippedDuplicate), nil
	case !errors.Is(err, attempts.ErrNotFound):
		return nil, fmt.Errorf("linked pull request for %s: %w", issue, err)
	}

	if err := d.store.ClaimIssue(ctx, issue); err != nil {
		if errors.Is(err, attempts.ErrIssueClaimed) {
			return d.skip(ctx, action, SkippedDuplicate), nil
		}
		return nil, fmt.Errorf("claim %s: %w", issue, err)
	}
	return &Ticket{d: d, action: action}, nil
}

// Run invokes the agent for an admitted ticket and records the result. For
// skipped tickets it returns the skip outcome without side effects. Agent
// errors are returned wrapped in ErrAgentFailed after being recorded; the
// record stays active and the reserved attempt is not returned.
func (t *Ticket) Run(ctx context.Context) (Outcome, error) {
	if outcome, ok := t.Skipped(); ok {
		return outcome, nil
	}
	if !t.ran.CompareAndSwap(false, true) {
		return 0, errors.New("ticket already ran")
	}

	action := t.action
	ctx, span := tracer().Start(ctx, "dispatch.run", oteltrace.WithAttributes(
		attribute.String("action", action.Kind.String()),
		attribute.String("target", action.Target()),
		attribute.Int("attempt", t.attempt),
	))
	defer span.End()
	log := clog.FromContext(ctx).With("action", action.Kind.String(), "target", action.Target())
	if t.attempt > 0 {
		log = log.With("attempt", t.attempt, "max_retries", t.d.maxRetries)
	}
	ctx = clog.WithLogger(ctx, log)

	var (
		outcome Outcome
		err     error
	)
	switch action.Kind {
	case events.KindFixIssue:
		outcome, err = t.d.runFixIssue(ctx, action.Issue)
	case events.KindReview:
		outcome, err = t.d.runReview(ctx, t.key, action.PullRequest)
	case events.KindFixPullRequest:
		outcome, err = t.d.runFixPullRequest(ctx, t.key, action.PullRequest)
	}

	if outcome != 0 {
		outcomeCounter.WithLabelValues(action.Kind.String(), outcome.String()).Inc()
		span.SetAttributes(attribute.String("outcome", outcome.String()))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.With("error", err).Error("Action failed")
		return outcome, err
	}
	log.With("outcome", outcome.String()).Info("Action completed")
	return outcome, nil
}

// Dispatch runs Begin and then Run.
func (d *Dispatcher) Dispatch(ctx context.Context, action events.Action) (Outcome, error) {
	t, err := d.Begin(ctx, action)
	if err != nil {
		return 0, err
	}
	return t.Run(ctx)
}

func (d *Dispatcher) agentFailed(ctx context.Context, kind events.Kind, key workitem.Key, err error) error {
	agentFailureCounter.WithLabelValues(kind.String()).Inc()
	if key != (workitem.Key{}) {
		if rerr := d.store.RecordFailure(ctx, key, err.Error()); rerr != nil {
			clog.FromContext(ctx).With("error", rerr).Warn("Failed to record agent failure")
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrAgentFailed, kind, err)
}

// clearFailure drops the stored failure text after a successful invocation.
func (d *Dispatcher) clearFailure(ctx context.Context, key workitem.Key) {
	if err := d.store.RecordFailure(ctx, key, ""); err != nil {
		clog.FromContext(ctx).With("error", err).Warn("Failed to clear agent failure")
	}
}

func observe(kind events.Kind, start time.Time) {
	agentDuration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
}

func (d *Dispatcher) runFixIssue(ctx context.Context, issue workitem.IssueRef) (Outcome, error) {
	start := time.Now()
	pr, err := d.agent.FixIssue(ctx, issue)
	observe(events.KindFixIssue, start)
	if err == nil {
		err = pr.Key().Validate()
	}
	if err != nil {
		if rerr := d.store.ReleaseIssue(ctx, issue); rerr != nil {
			clog.FromContext(ctx).With("error", rerr).Warn("Failed to release issue claim")
		}
		return Invoked, d.agentFailed(ctx, events.KindFixIssue, workitem.Key{}, err)
	}

	log := clog.FromContext(ctx).With("pull_request", pr.String())
	key := pr.Key()
	bindErr := d.bindIssue(ctx, issue, pr.Number)
	if bindErr != nil {
		log.With("error", bindErr).Error("Failed to link issue to its pull request")
	}

	// The pull request exists either way, so its first attempt is recorded
	// even when the link could not be written.
	if _, err := d.store.GetOrCreate(ctx, key); err != nil {
		return Invoked, errors.Join(bindErr, fmt.Errorf("get or create %s: %w", key, err))
	}
	n, err := d.store.IncrementBelow(ctx, key, d.maxRetries)
	switch {
	case errors.Is(err, attempts.ErrCeilingReached):
		// A fix-pr for the new pull request was admitted before this write.
		if err := d.store.MarkExhausted(ctx, key); err != nil && !errors.Is(err, attempts.ErrInvalidState) {
			return Invoked, errors.Join(bindErr, fmt.Errorf("mark %s exhausted: %w", key, err))
		}
		log.With("max_retries", d.maxRetries).Warn("Retry ceiling reached by the opening attempt")
	case errors.Is(err, attempts.ErrInvalidState):
		log.Info("Pull request already finished")
	case err != nil:
		return Invoked, errors.Join(bindErr, fmt.Errorf("increment %s: %w", key, err))
	default:
		log.With("attempts", n).Info("Opened pull request for issue")
	}
	if bindErr != nil {
		return Invoked, bindErr
	}
	return Invoked, nil
}

// bindIssue links issue to the pull request the agent opened, retrying while
// the store is unreachable.
func (d *Dispatcher) bindIssue(ctx context.Context, issue workitem.IssueRef, number int) error {
	_, err := retry.Do(ctx, d.bindRetry, "bind issue", isUnavailable, func() (struct{}, error) {
		return struct{}{}, d.store.BindIssue(ctx, issue, number)
	})
	if err != nil {
		return fmt.Errorf("bind %s to #%d: %w", issue, number, err)
	}
	return nil
}

func isUnavailable(err error) bool {
	return errors.Is(err, attempts.ErrUnavailable)
}

func (d *Dispatcher) runReview(ctx context.Context, key workitem.Key, pr workitem.PullRequestRef) (Outcome, error) {
	start := time.Now()
	verdict, err := d.agent.Review(ctx, pr)
	observe(events.KindReview, start)
	if err != nil {
		return Invoked, d.agentFailed(ctx, events.KindReview, key, err)
	}

	log := clog.FromContext(ctx).With("verdict", verdict.String())
	switch verdict {
	case agents.VerdictPending:
		log.Info("Review deferred")
		return Deferred, nil
	case agents.VerdictApproved:
		if err := d.store.MarkSucceeded(ctx, key); err != nil && !errors.Is(err, attempts.ErrInvalidState) {
			return Invoked, fmt.Errorf("mark %s succeeded: %w", key, err)
		}
	}
	d.clearFailure(ctx, key)
	log.Info("Review posted")
	return Invoked, nil
}

func (d *Dispatcher) runFixPullRequest(ctx context.Context, key workitem.Key, pr workitem.PullRequestRef) (Outcome, error) {
	start := time.Now()
	err := d.agent.FixPullRequest(ctx, pr)
	observe(events.KindFixPullRequest, start)
	if err != nil {
		return Invoked, d.agentFailed(ctx, events.KindFixPullRequest, key, err)
	}
	d.clearFailure(ctx, key)
	return Invoked, nil
}

// Result is what a direct invocation produced.
type Result struct {
	// PullRequest is set by fix-issue.
	PullRequest workitem.PullRequestRef
	// Verdict is set by review.
	Verdict agents.Verdict
}

// Invoke runs the agent operation for action without consulting or updating
// the attempt store. It backs the one-shot CLI commands.
func (d *Dispatcher) Invoke(ctx context.Context, action events.Action) (Result, error) {
	if err := action.Validate(); err != nil {
		return Result{}, err
	}
	ctx, span := tracer().Start(ctx, "dispatch.invoke", oteltrace.WithAttributes(
		attribute.String("action", action.Kind.String()),
		attribute.String("target", action.Target()),
	))
	defer span.End()

	var (
		res Result
		err error
	)
	start := time.Now()
	switch action.Kind {
	case events.KindFixIssue:
		res.PullRequest, err = d.agent.FixIssue(ctx, action.Issue)
	case events.KindReview:
		res.Verdict, err = d.agent.Review(ctx, action.PullRequest)
	case events.KindFixPullRequest:
		err = d.agent.FixPullRequest(ctx, action.PullRequest)
	}
	observe(action.Kind, start)
	if err != nil {
		agentFailureCounter.WithLabelValues(action.Kind.String()).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, fmt.Errorf("%w: %s: %w", ErrAgentFailed, action.Kind, err)
	}
	return res, nil
}
