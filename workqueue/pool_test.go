/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package workqueue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewPoolValidation(t *testing.T) {
	if _, err := NewPool(0); err == nil {
		t.Error("NewPool(0) succeeded")
	}
}

func TestTryReserveBounds(t *testing.T) {
	p, err := NewPool(2)
	if err != nil {
		t.Fatalf("NewPool() = %v", err)
	}

	r1, ok := p.TryReserve()
	if !ok {
		t.Fatal("first TryReserve() failed")
	}
	r2, ok := p.TryReserve()
	if !ok {
		t.Fatal("second TryReserve() failed")
	}
	if _, ok := p.TryReserve(); ok {
		t.Fatal("TryReserve() succeeded on a full pool")
	}
	if got := p.InFlight(); got != 2 {
		t.Errorf("InFlight() = %d, want 2", got)
	}

	r1.Release()
	r1.Release() // second release is a no-op
	if got := p.InFlight(); got != 1 {
		t.Errorf("InFlight() = %d, want 1", got)
	}

	release := make(chan struct{})
	r2.Go(context.Background(), func(context.Context) { <-release })
	r3, ok := p.TryReserve()
	if !ok {
		t.Fatal("TryReserve() failed after a release")
	}
	r3.Release()
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain() = %v", err)
	}
	if got := p.InFlight(); got != 0 {
		t.Errorf("InFlight() = %d, want 0", got)
	}
}

func TestWorkOutlivesCallerContext(t *testing.T) {
	p, _ := NewPool(1)
	r, _ := p.TryReserve()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	result := make(chan error, 1)
	r.Go(ctx, func(work context.Context) {
		close(started)
		time.Sleep(10 * time.Millisecond)
		result <- work.Err()
	})
	<-started
	cancel()

	if err := <-result; err != nil {
		t.Errorf("work context err = %v, want nil", err)
	}
}

func TestDrain(t *testing.T) {
	p, _ := NewPool(1)
	r, _ := p.TryReserve()
	release := make(chan struct{})
	r.Go(context.Background(), func(context.Context) { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain() = %v, want deadline exceeded", err)
	}
	if _, ok := p.TryReserve(); ok {
		t.Error("TryReserve() succeeded while draining")
	}
	if err := p.Drain(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("second Drain() = %v, want ErrClosed", err)
	}
	close(release)
}

func TestPanicFreesSlot(t *testing.T) {
	p, _ := NewPool(1)
	r, _ := p.TryReserve()
	r.Go(context.Background(), func(context.Context) { panic("boom") })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain() = %v", err)
	}
	if got := p.InFlight(); got != 0 {
		t.Errorf("InFlight() = %d, want 0", got)
	}
}
