/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package webhook receives GitHub webhook deliveries and admits the actions
// they call for.
//
// The handler only answers once the attempt store has made its decision, so
// a 2xx response means the delivery is fully accounted for and a 5xx means
// nothing was recorded and GitHub may redeliver. Agent work runs afterwards
// on the work pool.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"chainguard.dev/prloop/attempts"
	"chainguard.dev/prloop/dispatcher"
	"chainguard.dev/prloop/events"
	"chainguard.dev/prloop/workqueue"
	"github.com/chainguard-dev/clog"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/go-github/v84/github"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// MaxBodyBytes matches the largest payload GitHub sends.
const MaxBodyBytes = 25 << 20

// ErrUnauthorized is reported when a delivery's signature is missing or
// does not match the shared secret.
var ErrUnauthorized = errors.New("webhook signature verification failed")

// Admitter runs the synchronous half of a dispatch.
type Admitter interface {
	Begin(ctx context.Context, action events.Action) (*dispatcher.Ticket, error)
}

// Handler serves /webhook and /health.
type Handler struct {
	secret []byte
	admit  Admitter
	pool   *workqueue.Pool
}

// New returns a Handler. secret must be the webhook secret configured on the
// GitHub App or repository.
func New(secret []byte, admit Admitter, pool *workqueue.Pool) (*Handler, error) {
	if len(secret) == 0 {
		return nil, errors.New("webhook secret is required")
	}
	if admit == nil || pool == nil {
		return nil, errors.New("dispatcher and work pool are required")
	}
	return &Handler{secret: secret, admit: admit, pool: pool}, nil
}

// Routes returns the HTTP routes, instrumented with OpenTelemetry.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/webhook", h.ServeWebhook)
	r.Get("/health", h.ServeHealth)
	return otelhttp.NewHandler(r, "prloop.webhook")
}

type response struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Action  string `json:"action,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		clog.FromContext(ctx).With("error", err).Warn("Failed to write response")
	}
}

// ServeHealth reports liveness.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

// verify checks the X-Hub-Signature-256 header against body.
func (h *Handler) verify(r *http.Request, body []byte) error {
	sig := r.Header.Get(github.SHA256SignatureHeader)
	if sig == "" {
		return fmt.Errorf("%w: missing %s header", ErrUnauthorized, github.SHA256SignatureHeader)
	}
	if err := github.ValidateSignature(sig, body, h.secret); err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return nil
}

// ServeWebhook handles one delivery.
func (h *Handler) ServeWebhook(w http.ResponseWriter, r *http.Request) {
	eventType := github.WebHookType(r)
	delivery := github.DeliveryID(r)
	log := clog.FromContext(r.Context()).With("delivery", delivery, "event", eventType)
	ctx := clog.WithLogger(r.Context(), log)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(ctx, w, http.StatusRequestEntityTooLarge, response{Message: "payload too large"})
			return
		}
		writeJSON(ctx, w, http.StatusBadRequest, response{Message: "failed to read body"})
		return
	}

	if err := h.verify(r, body); err != nil {
		log.With("error", err).Warn("Rejected delivery")
		writeJSON(ctx, w, http.StatusUnauthorized, response{Message: "Unauthorized"})
		return
	}

	if eventType == events.EventPing {
		writeJSON(ctx, w, http.StatusOK, response{OK: true, Message: "pong"})
		return
	}

	action, ok := events.Classify(eventType, body)
	if !ok {
		log.Debug("Ignoring delivery")
		writeJSON(ctx, w, http.StatusOK, response{OK: true, Message: "ignored"})
		return
	}
	log = log.With("action", action.Kind.String(), "target", action.Target())
	ctx = clog.WithLogger(ctx, log)

	reservation, ok := h.pool.TryReserve()
	if !ok {
		log.Warn("Work pool full, asking for redelivery")
		writeJSON(ctx, w, http.StatusServiceUnavailable, response{Message: "busy"})
		return
	}

	ticket, err := h.admit.Begin(ctx, action)
	switch {
	case errors.Is(err, attempts.ErrUnavailable):
		reservation.Release()
		log.With("error", err).Error("Attempt store unavailable")
		writeJSON(ctx, w, http.StatusServiceUnavailable, response{Message: "attempt store unavailable"})
		return
	case err != nil:
		// Redelivering would hit the same state, so the event is dropped.
		reservation.Release()
		log.With("error", err).Error("Dropping delivery")
		writeJSON(ctx, w, http.StatusOK, response{OK: false, Message: "dropped", Action: action.Kind.String()})
		return
	}

	if outcome, skipped := ticket.Skipped(); skipped {
		reservation.Release()
		writeJSON(ctx, w, http.StatusOK, response{OK: true, Action: action.Kind.String(), Outcome: outcome.String()})
		return
	}

	reservation.Go(ctx, func(ctx context.Context) {
		// Run logs its own failures.
		_, _ = ticket.Run(ctx)
	})
	writeJSON(ctx, w, http.StatusAccepted, response{OK: true, Message: "accepted", Action: action.Kind.String()})
}
