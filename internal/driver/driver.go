// Package driver owns the two worker goroutines of control: a scaling
// worker that runs the scaler then the reconciler in sequence on a fixed
// period, and a GC worker that sweeps for stale hosts. It is the only place
// that schedules those ticks; the scaler and reconciler themselves are pure
// single-tick functions.
package driver

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetforge/controlplane/internal/model"
	"github.com/fleetforge/controlplane/internal/store"
	"github.com/fleetforge/controlplane/internal/telemetry"
)

// Ticker is satisfied by *scaler.Scaler and *reconciler.Reconciler.
type Ticker interface {
	Tick(ctx context.Context) error
}

// Driver runs the scaling and GC worker loops until its context is
// cancelled, then waits (bounded) for both to return.
type Driver struct {
	Scaler            Ticker
	Reconciler        Ticker
	Store             *store.Store
	Logger            *slog.Logger
	LoopInterval      time.Duration
	GCInterval        time.Duration
	HostStaleTimeout  time.Duration
	ShutdownTimeout   time.Duration
}

// Run starts the scaling and GC workers and blocks until ctx is cancelled
// and both have returned, or ShutdownTimeout elapses first.
func (d *Driver) Run(ctx context.Context) error {
	done := make(chan struct{}, 2)

	go func() {
		d.runScalingWorker(ctx)
		done <- struct{}{}
	}()
	go func() {
		d.runGCWorker(ctx)
		done <- struct{}{}
	}()

	<-ctx.Done()

	timeout := d.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-deadline.C:
			return errShutdownTimedOut
		}
	}
	return nil
}

var errShutdownTimedOut = shutdownTimeoutError{}

type shutdownTimeoutError struct{}

func (shutdownTimeoutError) Error() string {
	return "driver: workers did not exit before shutdown timeout"
}

func (d *Driver) runScalingWorker(ctx context.Context) {
	d.Logger.Info("scaling worker started", "loop_interval", d.LoopInterval)
	ticker := time.NewTicker(d.LoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.Logger.Info("scaling worker stopped")
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Driver) tick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			d.Logger.Error("scaling worker tick panicked", "panic", rec)
		}
	}()

	if err := d.Scaler.Tick(ctx); err != nil {
		d.Logger.Error("scaler tick", "error", err)
	}

	timer := prometheusTimer()
	if err := d.Reconciler.Tick(ctx); err != nil {
		d.Logger.Error("reconciler tick", "error", err)
	}
	timer()
}

func prometheusTimer() func() {
	start := time.Now()
	return func() {
		telemetry.ReconcileTickDuration.WithLabelValues().Observe(time.Since(start).Seconds())
	}
}

func (d *Driver) runGCWorker(ctx context.Context) {
	d.Logger.Info("gc worker started", "gc_interval", d.GCInterval)
	ticker := time.NewTicker(d.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.Logger.Info("gc worker stopped")
			return
		case <-ticker.C:
			if err := d.sweepStaleHosts(ctx); err != nil {
				d.Logger.Error("gc sweep", "error", err)
			}
		}
	}
}

// sweepStaleHosts emits a host.stale audit event for every enabled host
// whose last heartbeat is older than HostStaleTimeout. It does not mutate
// host rows; availability derivation (model.DeriveAvailability) already
// treats these hosts as STALE for scheduling purposes.
func (d *Driver) sweepStaleHosts(ctx context.Context) error {
	hosts, err := d.Store.ListHosts(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, h := range hosts {
		if model.DeriveAvailability(*h, now, d.HostStaleTimeout) != model.AvailabilityStale {
			continue
		}
		telemetry.HostsStaleTotal.Inc()
		if err := d.Store.AppendEvent(ctx, "host.stale", map[string]any{
			"host_id":   h.HostID,
			"last_seen": h.LastSeen,
		}, nil); err != nil {
			d.Logger.Error("appending host.stale event", "host_id", h.HostID, "error", err)
		}
	}
	return nil
}
