package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fleetforge/controlplane/internal/leasestate"
	"github.com/fleetforge/controlplane/internal/model"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("not found")

// GetLease fetches a lease by id.
func (s *Store) GetLease(ctx context.Context, leaseID string) (*model.Lease, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+leaseColumns+` FROM leases WHERE lease_id = $1`, leaseID)
	lease, err := scanLease(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning lease: %w", err)
	}
	return lease, nil
}

// GetLeaseByVMID fetches a lease by its external VM id.
func (s *Store) GetLeaseByVMID(ctx context.Context, vmID string) (*model.Lease, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+leaseColumns+` FROM leases WHERE vm_id = $1`, vmID)
	lease, err := scanLease(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning lease: %w", err)
	}
	return lease, nil
}

// LeaseFilter narrows ListLeases; zero values mean "no filter on this field".
type LeaseFilter struct {
	Label  string
	State  leasestate.State
	HostID string
}

// ListLeases returns leases matching filter, newest first.
func (s *Store) ListLeases(ctx context.Context, filter LeaseFilter) ([]*model.Lease, error) {
	sql := `SELECT ` + leaseColumns + ` FROM leases WHERE 1=1`
	args := make([]any, 0, 3)
	if filter.Label != "" {
		args = append(args, filter.Label)
		sql += fmt.Sprintf(" AND label = $%d", len(args))
	}
	if filter.State != "" {
		args = append(args, string(filter.State))
		sql += fmt.Sprintf(" AND state = $%d", len(args))
	}
	if filter.HostID != "" {
		args = append(args, filter.HostID)
		sql += fmt.Sprintf(" AND host_id = $%d", len(args))
	}
	sql += " ORDER BY created_at DESC"

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing leases: %w", err)
	}
	defer rows.Close()

	var out []*model.Lease
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning lease row: %w", err)
		}
		out = append(out, lease)
	}
	return out, rows.Err()
}

// ListActiveLeases returns every lease in one of the "active" states
// (PROVISIONING, BOOTING, CONNECTED, RUNNING).
func (s *Store) ListActiveLeases(ctx context.Context) ([]*model.Lease, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+leaseColumns+` FROM leases WHERE state = ANY($1)`, activeStateNames)
	if err != nil {
		return nil, fmt.Errorf("listing active leases: %w", err)
	}
	defer rows.Close()

	var out []*model.Lease
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning lease row: %w", err)
		}
		out = append(out, lease)
	}
	return out, rows.Err()
}

// ListNonTerminalLeases returns every lease not in TERMINATED, for the
// reconciler's sweep.
func (s *Store) ListNonTerminalLeases(ctx context.Context) ([]*model.Lease, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+leaseColumns+` FROM leases WHERE state <> $1`, string(leasestate.Terminated))
	if err != nil {
		return nil, fmt.Errorf("listing non-terminal leases: %w", err)
	}
	defer rows.Close()

	var out []*model.Lease
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning lease row: %w", err)
		}
		out = append(out, lease)
	}
	return out, rows.Err()
}

// leaseNoReturnStates are the states CreateLeaseRequested treats as past the
// point of no return: an external side effect has already happened for this
// lease id, so the existing row is returned unchanged rather than retried.
var leaseNoReturnStates = map[leasestate.State]bool{
	leasestate.Booting:     true,
	leasestate.Connected:   true,
	leasestate.Running:     true,
	leasestate.Terminating: true,
	leasestate.Terminated:  true,
}

// CreateLeaseRequested is the provisioner's idempotency probe: if a lease
// with this id already exists past the point of no return (BOOTING,
// CONNECTED, RUNNING, TERMINATING, or TERMINATED), it is returned unchanged
// and existing=true. A REQUESTED row is reused as-is. A FAILED row (the
// external side effects never completed) is merged back into REQUESTED so
// the caller retries it, and existing=false. Otherwise a new REQUESTED row
// is inserted and existing=false.
func (s *Store) CreateLeaseRequested(ctx context.Context, lease model.Lease) (existing *model.Lease, wasExisting bool, err error) {
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+leaseColumns+` FROM leases WHERE lease_id = $1 FOR UPDATE`, lease.LeaseID)
		found, scanErr := scanLease(row)
		switch {
		case scanErr == nil:
			if found.State == leasestate.Requested || leaseNoReturnStates[found.State] {
				// A REQUESTED row with no further progress, or one already past
				// the point of no return, is safe to reuse/return as-is.
				existing = found
				wasExisting = true
				return nil
			}
			// FAILED (or any other state short of the point of no return): merge
			// a fresh REQUESTED row over it so the caller retries the attempt.
			_, updateErr := tx.Exec(ctx, `
				UPDATE leases SET state = $1, host_id = $2, connect_deadline = $3, ttl_deadline = $4,
					disconnected_at = NULL, bound_build_url = NULL, last_error = NULL, updated_at = now()
				WHERE lease_id = $5`,
				string(leasestate.Requested), lease.HostID, lease.ConnectDeadline, lease.TTLDeadline, lease.LeaseID,
			)
			if updateErr != nil {
				return fmt.Errorf("merging retried lease into REQUESTED: %w", updateErr)
			}
			return appendEvent(ctx, tx, &lease.LeaseID, "lease.created", map[string]any{
				"label": lease.Label, "host_id": lease.HostID, "retry_of_failed": true,
			})
		case errors.Is(scanErr, pgx.ErrNoRows):
			// fall through to insert
		default:
			return fmt.Errorf("probing existing lease: %w", scanErr)
		}

		_, insertErr := tx.Exec(ctx, `
			INSERT INTO leases (lease_id, vm_id, ci_node_name, label, state, host_id, connect_deadline, ttl_deadline)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			lease.LeaseID, lease.VMID, lease.CINodeName, lease.Label, string(leasestate.Requested),
			lease.HostID, lease.ConnectDeadline, lease.TTLDeadline,
		)
		if insertErr != nil {
			return fmt.Errorf("inserting lease: %w", insertErr)
		}
		if evErr := appendEvent(ctx, tx, &lease.LeaseID, "lease.created", map[string]any{
			"label": lease.Label, "host_id": lease.HostID,
		}); evErr != nil {
			return evErr
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return existing, wasExisting, nil
}

// CASLeaseState atomically transitions a lease from expected to target,
// optionally setting last_error, and appends events in the same
// transaction. ok is false (with a nil error) when the current state did
// not match expected, or when the transition is not allowed — both are
// normal, non-error outcomes.
func (s *Store) CASLeaseState(ctx context.Context, leaseID string, expected, target leasestate.State, lastError *string, events []struct {
	Type    string
	Payload map[string]any
}) (ok bool, err error) {
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT state FROM leases WHERE lease_id = $1 FOR UPDATE`, leaseID)
		var current string
		if scanErr := row.Scan(&current); scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return nil // ok stays false
			}
			return fmt.Errorf("reading lease state: %w", scanErr)
		}

		if leasestate.State(current) != expected || !leasestate.CanTransition(expected, target) {
			return nil // ok stays false
		}

		_, execErr := tx.Exec(ctx,
			`UPDATE leases SET state = $1, updated_at = now(), last_error = COALESCE($2, last_error) WHERE lease_id = $3`,
			string(target), lastError, leaseID,
		)
		if execErr != nil {
			return fmt.Errorf("updating lease state: %w", execErr)
		}

		for _, ev := range events {
			if evErr := appendEvent(ctx, tx, &leaseID, ev.Type, ev.Payload); evErr != nil {
				return evErr
			}
		}

		ok = true
		return nil
	})
	return ok, err
}

// SetDisconnectedAt sets or clears the disconnected_at marker for a RUNNING
// lease, appending an accompanying event in the same transaction.
func (s *Store) SetDisconnectedAt(ctx context.Context, leaseID string, at *time.Time, eventType string, payload map[string]any) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE leases SET disconnected_at = $1, updated_at = now() WHERE lease_id = $2`, at, leaseID)
		if err != nil {
			return fmt.Errorf("updating disconnected_at: %w", err)
		}
		return appendEvent(ctx, tx, &leaseID, eventType, payload)
	})
}

// SetBoundBuildURLIfNull sets bound_build_url only if it is currently null,
// returning whether the set actually took effect.
func (s *Store) SetBoundBuildURLIfNull(ctx context.Context, leaseID, buildURL string) (set bool, err error) {
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		tag, execErr := tx.Exec(ctx,
			`UPDATE leases SET bound_build_url = $1, updated_at = now() WHERE lease_id = $2 AND bound_build_url IS NULL`,
			buildURL, leaseID,
		)
		if execErr != nil {
			return fmt.Errorf("binding build url: %w", execErr)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		set = true
		return appendEvent(ctx, tx, &leaseID, "lease.job_bound", map[string]any{"build_url": buildURL})
	})
	return set, err
}

// EmitUnexpectedReuse appends a non-terminating diagnostic event; it does
// not mutate lease state.
func (s *Store) EmitUnexpectedReuse(ctx context.Context, leaseID, boundURL, observedURL string) error {
	return s.AppendEvent(ctx, "lease.unexpected_reuse", map[string]any{
		"bound_build_url": boundURL, "observed_build_url": observedURL,
	}, &leaseID)
}

// UpdateLeaseFromVMStatus is the VM-status callback's write path. Unlike
// CASLeaseState, the agent is trusted as ground truth, so the new state is
// written unconditionally; the write and its event still share one
// transaction.
func (s *Store) UpdateLeaseFromVMStatus(ctx context.Context, vmID string, newState leasestate.State, reason *string) (*model.Lease, error) {
	var lease *model.Lease
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+leaseColumns+` FROM leases WHERE vm_id = $1 FOR UPDATE`, vmID)
		found, scanErr := scanLease(row)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if scanErr != nil {
			return fmt.Errorf("reading lease: %w", scanErr)
		}

		_, execErr := tx.Exec(ctx,
			`UPDATE leases SET state = $1, updated_at = now(), last_error = COALESCE($2, last_error) WHERE vm_id = $3`,
			string(newState), reason, vmID,
		)
		if execErr != nil {
			return fmt.Errorf("updating lease from vm status: %w", execErr)
		}

		payload := map[string]any{"vm_id": vmID, "state": string(newState)}
		if reason != nil {
			payload["reason"] = *reason
		}
		if evErr := appendEvent(ctx, tx, &found.LeaseID, "vm.status", payload); evErr != nil {
			return evErr
		}

		found.State = newState
		lease = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}
