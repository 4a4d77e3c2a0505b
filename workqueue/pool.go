/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package workqueue runs long agent operations off the request path on a
// bounded number of goroutines.
//
// Callers reserve a slot before committing to any work, so a full pool can
// be reported to GitHub (which redelivers on failure) before the attempt
// store is touched.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"
)

var (
	inFlightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "prloop_workqueue_in_flight",
		Help: "Reserved or running work items",
	})

	rejectedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prloop_workqueue_rejected_total",
		Help: "Reservations refused because the pool was full or closed",
	})
)

// ErrClosed is returned by Drain when called twice.
var ErrClosed = errors.New("work pool closed")

// Pool bounds concurrent work.
type Pool struct {
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	inFlight atomic.Int64

	mu     sync.Mutex
	closed bool
}

// NewPool returns a pool running at most size items at once.
func NewPool(size int) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", size)
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size))}, nil
}

// Reservation holds one pool slot until it is used by Go or given back by
// Release.
type Reservation struct {
	p    *Pool
	done atomic.Bool
}

// TryReserve claims a slot without blocking. It reports false when the pool
// is full or draining.
func (p *Pool) TryReserve() (*Reservation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.sem.TryAcquire(1) {
		rejectedCounter.Inc()
		return nil, false
	}
	p.wg.Add(1)
	p.inFlight.Add(1)
	inFlightGauge.Inc()
	return &Reservation{p: p}, true
}

func (r *Reservation) finish() {
	r.p.sem.Release(1)
	r.p.inFlight.Add(-1)
	inFlightGauge.Dec()
	r.p.wg.Done()
}

// Release gives the slot back without running anything.
func (r *Reservation) Release() {
	if r.done.CompareAndSwap(false, true) {
		r.finish()
	}
}

// Go runs fn on its own goroutine and frees the slot when fn returns. fn
// receives a context that keeps ctx's values but is never canceled, since
// the caller's context typically ends with the HTTP request.
func (r *Reservation) Go(ctx context.Context, fn func(context.Context)) {
	if !r.done.CompareAndSwap(false, true) {
		clog.FromContext(ctx).Error("Reservation used twice")
		return
	}
	work := context.WithoutCancel(ctx)
	go func() {
		defer r.finish()
		defer func() {
			if v := recover(); v != nil {
				clog.FromContext(work).With("panic", fmt.Sprint(v)).Error("Work item panicked")
			}
		}()
		fn(work)
	}()
}

// InFlight returns the number of reserved slots.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// Drain stops new reservations and waits for in-flight work to finish or
// ctx to end.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining work pool: %w", ctx.Err())
	}
}
