package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_AddInvalidSpec(t *testing.T) {
	s := New(quietLogger())
	err := s.Add(context.Background(), "not a schedule", "listing", func(context.Context) error { return nil })
	if err == nil {
		t.Fatal("Add() expected error for invalid spec")
	}
}

func TestScheduler_RunsUntilCancelled(t *testing.T) {
	s := New(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	err := s.Add(ctx, "@every 1s", "listing", func(context.Context) error {
		if runs.Add(1) == 1 {
			cancel()
		}
		return errors.New("reported, not fatal")
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
}
