/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"chainguard.dev/prloop/attempts/sqlitestore"
	"chainguard.dev/prloop/dispatcher"
	"chainguard.dev/prloop/webhook"
	"chainguard.dev/prloop/workqueue"
	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Minute

func serveCommand(st *state) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the GitHub webhook endpoint",
		Description: `Listens for issues, pull_request_review and check_suite deliveries on
/webhook, with Prometheus metrics on a separate port. In-flight agent work is
drained on SIGINT or SIGTERM.`,
		Action: func(ctx context.Context, _ *cli.Command) error {
			if err := st.cfg.validateServe(); err != nil {
				return err
			}
			return serve(ctx, st.cfg)
		},
	}
}

// setupMeterProvider exports OpenTelemetry instruments through the
// Prometheus default registry.
func setupMeterProvider() (func(context.Context) error, error) {
	exporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}

func serve(ctx context.Context, cfg *config) error {
	log := clog.FromContext(ctx)

	shutdownMetrics, err := setupMeterProvider()
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownMetrics(context.WithoutCancel(ctx)); err != nil {
			log.Warnf("Failed to shut down meter provider: %v", err)
		}
	}()

	store, err := sqlitestore.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	// Claims left pending belong to a previous process that died mid-run.
	released, err := store.ReleasePendingClaims(ctx)
	if err != nil {
		return err
	}
	if released > 0 {
		log.With("released", released).Warn("Released unfinished issue claims")
	}

	stack, err := newAgentStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer stack.Close()

	d, err := dispatcher.New(store, stack.agent, dispatcher.WithMaxRetries(cfg.MaxRetries))
	if err != nil {
		return err
	}
	pool, err := workqueue.NewPool(cfg.MaxInFlight)
	if err != nil {
		return err
	}
	h, err := webhook.New([]byte(cfg.WebhookSecret), d, pool)
	if err != nil {
		return err
	}

	baseContext := func(net.Listener) context.Context { return ctx }
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       baseContext,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       baseContext,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range []*http.Server{srv, metricsSrv} {
		g.Go(func() error {
			log.Infof("Listening on %s", s.Addr)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serving %s: %w", s.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down webhook server: %w", err))
		}
		if err := pool.Drain(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("draining work: %w", err))
		}
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down metrics server: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
