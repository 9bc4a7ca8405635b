package driver

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeTicker struct {
	fn func(ctx context.Context) error
}

func (f fakeTicker) Tick(ctx context.Context) error { return f.fn(ctx) }

func newTestDriver(scaler, reconciler Ticker) *Driver {
	return &Driver{
		Scaler:           scaler,
		Reconciler:       reconciler,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		LoopInterval:     10 * time.Millisecond,
		GCInterval:       time.Hour,
		HostStaleTimeout: time.Minute,
		ShutdownTimeout:  time.Second,
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	var scalerTicks, reconcilerTicks int
	scaler := fakeTicker{fn: func(context.Context) error { scalerTicks++; return nil }}
	reconciler := fakeTicker{fn: func(context.Context) error { reconcilerTicks++; return nil }}

	d := newTestDriver(scaler, reconciler)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if scalerTicks == 0 || reconcilerTicks == 0 {
		t.Errorf("expected both tickers to run at least once, got scaler=%d reconciler=%d", scalerTicks, reconcilerTicks)
	}
}

func TestRunToleratesTickErrors(t *testing.T) {
	scaler := fakeTicker{fn: func(context.Context) error { return errBoom }}
	reconciler := fakeTicker{fn: func(context.Context) error { return nil }}

	d := newTestDriver(scaler, reconciler)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run returned error despite per-tick errors being recoverable: %v", err)
	}
}

var errBoom = boomError{}

type boomError struct{}

func (boomError) Error() string { return "boom" }

func TestRunJoinsPromptlyOnCancelledContext(t *testing.T) {
	d := &Driver{
		Scaler:           fakeTicker{fn: func(context.Context) error { return nil }},
		Reconciler:       fakeTicker{fn: func(context.Context) error { return nil }},
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		LoopInterval:     time.Hour,
		GCInterval:       time.Hour,
		HostStaleTimeout: time.Minute,
		ShutdownTimeout:  20 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run should join promptly when both workers select on an already-cancelled context: %v", err)
	}
}
