// Package reconciler drives each live lease through its state machine based
// on external probes (CI node runtime status, build binding) and enforces
// the connect/TTL/disconnect deadlines. It performs cleanup that survives
// partial failure of the per-host agent or the CI system.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetforge/controlplane/internal/ciclient"
	"github.com/fleetforge/controlplane/internal/leasestate"
	"github.com/fleetforge/controlplane/internal/model"
	"github.com/fleetforge/controlplane/internal/telemetry"
)

// event is a shorthand for the anonymous event-append type CASLeaseState expects.
type event = struct {
	Type    string
	Payload map[string]any
}

// Store is the subset of the repository the reconciler needs. Satisfied by
// *store.Store; narrowed to an interface so tests can exercise reconcileOne
// against a fake.
type Store interface {
	ListNonTerminalLeases(ctx context.Context) ([]*model.Lease, error)
	GetLease(ctx context.Context, leaseID string) (*model.Lease, error)
	CASLeaseState(ctx context.Context, leaseID string, expected, target leasestate.State, lastError *string, events []struct {
		Type    string
		Payload map[string]any
	}) (ok bool, err error)
	SetDisconnectedAt(ctx context.Context, leaseID string, at *time.Time, eventType string, payload map[string]any) error
	SetBoundBuildURLIfNull(ctx context.Context, leaseID, buildURL string) (set bool, err error)
	EmitUnexpectedReuse(ctx context.Context, leaseID, boundURL, observedURL string) error
	AppendEvent(ctx context.Context, eventType string, payload map[string]any, leaseID *string) error
}

// CI is the subset of the CI-system client the reconciler needs.
type CI interface {
	NodeRuntimeStatus(ctx context.Context, name string) (ciclient.RuntimeStatus, error)
	NodeCurrentBuildURL(ctx context.Context, name string) (string, error)
	IsBuildRunning(ctx context.Context, buildURL string) (bool, error)
	DeleteNode(ctx context.Context, name string) error
}

// Agent is the subset of the per-host agent client the reconciler needs.
type Agent interface {
	DeleteVM(ctx context.Context, vmID, reason string, force bool) error
}

// Deps are the collaborators the reconciler needs.
type Deps struct {
	Store                Store
	CI                   CI
	AgentFor             func(hostID string) (Agent, error)
	DisconnectedGraceSec int
}

// Reconciler advances every non-terminated lease one tick's worth.
type Reconciler struct {
	deps   Deps
	logger *slog.Logger
}

// New builds a Reconciler.
func New(deps Deps, logger *slog.Logger) *Reconciler {
	return &Reconciler{deps: deps, logger: logger}
}

// Tick reconciles every non-terminated lease once. Per-lease errors are
// caught and logged; they do not abort the sweep, and the lease is revisited
// next tick.
func (r *Reconciler) Tick(ctx context.Context) error {
	leases, err := r.deps.Store.ListNonTerminalLeases(ctx)
	if err != nil {
		return fmt.Errorf("listing non-terminal leases: %w", err)
	}

	now := time.Now().UTC()
	for _, lease := range leases {
		if err := r.reconcileOne(ctx, now, lease); err != nil {
			r.logger.Error("reconciling lease", "lease_id", lease.LeaseID, "error", err)
		}
	}
	return nil
}

func inStates(s leasestate.State, set ...leasestate.State) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}

func (r *Reconciler) reconcileOne(ctx context.Context, now time.Time, lease *model.Lease) error {
	if lease.State == leasestate.Terminating {
		return r.terminateLease(ctx, now, lease, "terminate_retry")
	}

	if now.After(lease.ConnectDeadline) && inStates(lease.State, leasestate.Requested, leasestate.Provisioning, leasestate.Booting) {
		return r.terminateLease(ctx, now, lease, "never_connected")
	}

	if now.After(lease.TTLDeadline) {
		return r.terminateLease(ctx, now, lease, "ttl_expired")
	}

	if !inStates(lease.State, leasestate.Booting, leasestate.Connected, leasestate.Running) {
		return nil
	}

	status, err := r.deps.CI.NodeRuntimeStatus(ctx, lease.CINodeName)
	if err != nil {
		return fmt.Errorf("probing runtime status for %s: %w", lease.CINodeName, err)
	}

	state := lease.State
	if status.Connected && state == leasestate.Booting {
		ok, err := r.deps.Store.CASLeaseState(ctx, lease.LeaseID, state, leasestate.Connected, nil,
			[]event{{Type: "lease.connected", Payload: map[string]any{"ci_node_name": lease.CINodeName}}})
		if err != nil {
			return fmt.Errorf("transitioning %s to CONNECTED: %w", lease.LeaseID, err)
		}
		if ok {
			state = leasestate.Connected
		}
	}

	if status.Connected && status.Busy && inStates(state, leasestate.Booting, leasestate.Connected) {
		ok, err := r.deps.Store.CASLeaseState(ctx, lease.LeaseID, state, leasestate.Running, nil,
			[]event{{Type: "lease.running", Payload: map[string]any{"ci_node_name": lease.CINodeName}}})
		if err != nil {
			return fmt.Errorf("transitioning %s to RUNNING: %w", lease.LeaseID, err)
		}
		if ok {
			state = leasestate.Running
		}
	}

	if state != leasestate.Running {
		return nil
	}
	return r.applyRunningPolicies(ctx, now, lease, status)
}

func (r *Reconciler) applyRunningPolicies(ctx context.Context, now time.Time, lease *model.Lease, status ciclient.RuntimeStatus) error {
	if !status.Connected {
		if lease.DisconnectedAt == nil {
			return r.deps.Store.SetDisconnectedAt(ctx, lease.LeaseID, &now,
				"lease.disconnected_detected", map[string]any{"ci_node_name": lease.CINodeName})
		}

		grace := time.Duration(r.deps.DisconnectedGraceSec) * time.Second
		if now.Sub(*lease.DisconnectedAt) < grace {
			return nil
		}

		offlineForSec := now.Sub(*lease.DisconnectedAt).Seconds()
		if err := r.deps.Store.AppendEvent(ctx, "lease.disconnected_grace_expired",
			map[string]any{"offline_for_sec": offlineForSec}, &lease.LeaseID); err != nil {
			return fmt.Errorf("recording disconnect grace expiry: %w", err)
		}
		return r.terminateLease(ctx, now, lease, "unexpected_disconnect")
	}

	if lease.DisconnectedAt != nil {
		offlineForSec := now.Sub(*lease.DisconnectedAt).Seconds()
		if err := r.deps.Store.SetDisconnectedAt(ctx, lease.LeaseID, nil,
			"lease.disconnected_recovered", map[string]any{"offline_for_sec": offlineForSec}); err != nil {
			return fmt.Errorf("clearing disconnected_at: %w", err)
		}
		lease.DisconnectedAt = nil
	}

	if lease.BoundBuildURL == nil {
		buildURL, err := r.deps.CI.NodeCurrentBuildURL(ctx, lease.CINodeName)
		if err != nil {
			return fmt.Errorf("probing current build url for %s: %w", lease.CINodeName, err)
		}
		if buildURL != "" {
			if set, err := r.deps.Store.SetBoundBuildURLIfNull(ctx, lease.LeaseID, buildURL); err != nil {
				return fmt.Errorf("binding build url: %w", err)
			} else if set {
				lease.BoundBuildURL = &buildURL
			}
		}
		if lease.BoundBuildURL == nil {
			return nil
		}
	} else {
		observed, err := r.deps.CI.NodeCurrentBuildURL(ctx, lease.CINodeName)
		if err != nil {
			return fmt.Errorf("probing current build url for %s: %w", lease.CINodeName, err)
		}
		if observed != "" && observed != *lease.BoundBuildURL {
			if err := r.deps.Store.EmitUnexpectedReuse(ctx, lease.LeaseID, *lease.BoundBuildURL, observed); err != nil {
				return fmt.Errorf("recording unexpected reuse: %w", err)
			}
		}
	}

	if status.Busy {
		return nil
	}

	running, err := r.deps.CI.IsBuildRunning(ctx, *lease.BoundBuildURL)
	if err != nil {
		return fmt.Errorf("checking build running state: %w", err)
	}
	if running {
		return nil
	}

	if err := r.deps.Store.AppendEvent(ctx, "lease.job_terminal_detected",
		map[string]any{"build_url": *lease.BoundBuildURL}, &lease.LeaseID); err != nil {
		return fmt.Errorf("recording job terminal detection: %w", err)
	}
	return r.terminateLease(ctx, now, lease, "job_terminal")
}

// terminateLease deletes the VM, best-effort deletes the CI node, and CASes
// the lease to TERMINATED. A delete-VM failure parks the lease in
// TERMINATING with last_error set; the next tick retries via the outer
// TERMINATING branch. Safe to call twice in a row: the final state check
// before appending lease.terminated makes the event append idempotent even
// though delete-VM itself may run twice.
func (r *Reconciler) terminateLease(ctx context.Context, now time.Time, lease *model.Lease, reason string) error {
	agent, err := r.deps.AgentFor(lease.HostID)
	if err != nil {
		return r.parkInTerminating(ctx, lease, reason, fmt.Sprintf("agent_lookup: %v", err))
	}

	if err := agent.DeleteVM(ctx, lease.VMID, reason, false); err != nil {
		return r.parkInTerminating(ctx, lease, reason, fmt.Sprintf("delete_vm_failed: %v", err))
	}

	// Best-effort: downstream CI garbage collection reaps orphan node
	// definitions if this fails.
	_ = r.deps.CI.DeleteNode(ctx, lease.CINodeName)

	current, err := r.deps.Store.GetLease(ctx, lease.LeaseID)
	if err != nil {
		return fmt.Errorf("reloading lease %s before terminal CAS: %w", lease.LeaseID, err)
	}
	if current.State == leasestate.Terminated {
		return nil
	}

	// Every live state routes through TERMINATING before TERMINATED; most
	// states already reach us there via parkInTerminating on a prior tick,
	// but a lease that never failed to delete (e.g. the connect-deadline
	// path straight out of REQUESTED/PROVISIONING/BOOTING) still needs this
	// step materialized since the matrix only allows TERMINATING->TERMINATED.
	if current.State != leasestate.Terminating {
		if _, err := r.deps.Store.CASLeaseState(ctx, lease.LeaseID, current.State, leasestate.Terminating, nil, nil); err != nil {
			return fmt.Errorf("transitioning %s to TERMINATING: %w", lease.LeaseID, err)
		}
	}

	ok, err := r.deps.Store.CASLeaseState(ctx, lease.LeaseID, leasestate.Terminating, leasestate.Terminated, nil,
		[]event{{Type: "lease.terminated", Payload: map[string]any{"reason": reason}}})
	if err != nil {
		return fmt.Errorf("transitioning %s to TERMINATED: %w", lease.LeaseID, err)
	}
	if ok {
		telemetry.LeasesTerminatedTotal.WithLabelValues(reason).Inc()
	}
	return nil
}

func (r *Reconciler) parkInTerminating(ctx context.Context, lease *model.Lease, reason, detail string) error {
	lastError := fmt.Sprintf("%s: %s", reason, detail)
	_, err := r.deps.Store.CASLeaseState(ctx, lease.LeaseID, lease.State, leasestate.Terminating, &lastError,
		[]event{{Type: "lease.terminate_retry", Payload: map[string]any{"reason": reason, "detail": detail}}})
	if err != nil {
		return fmt.Errorf("parking %s in TERMINATING: %w", lease.LeaseID, err)
	}
	return nil
}
