// Package store is the hand-written repository layer for leases, hosts, and
// events. It is built directly against pgx/pgxpool rather than a generated
// query layer: every statement here is raw SQL issued through a pool or an
// explicit transaction.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetforge/controlplane/internal/leasestate"
	"github.com/fleetforge/controlplane/internal/model"
)

// Store is the repository over the control-plane schema.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps a connected pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting the
// lower-level helpers run either standalone or inside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// withTx runs fn inside a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// appendEvent inserts one event row using q, which may be the pool or an
// in-flight transaction. It is always called from inside the caller's
// transaction when it accompanies a state mutation.
func appendEvent(ctx context.Context, q querier, leaseID *string, eventType string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling event payload: %w", err)
	}
	_, err = q.Exec(ctx,
		`INSERT INTO events (lease_id, event_type, payload) VALUES ($1, $2, $3)`,
		leaseID, eventType, raw,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// AppendEvent writes a standalone diagnostic event (no accompanying state
// mutation), e.g. a scaler throttle notice or a GC sweep finding.
func (s *Store) AppendEvent(ctx context.Context, eventType string, payload map[string]any, leaseID *string) error {
	return appendEvent(ctx, s.pool, leaseID, eventType, payload)
}

var activeStateNames = func() []string {
	names := make([]string, 0, len(model.ActiveStates))
	for _, s := range model.ActiveStates {
		names = append(names, string(s))
	}
	return names
}()

var inflightStateNames = func() []string {
	names := make([]string, 0, len(model.InflightStates))
	for _, s := range model.InflightStates {
		names = append(names, string(s))
	}
	return names
}()

func scanLease(row pgx.Row) (*model.Lease, error) {
	var l model.Lease
	var state string
	if err := row.Scan(
		&l.LeaseID, &l.VMID, &l.CINodeName, &l.Label, &state, &l.HostID,
		&l.CreatedAt, &l.UpdatedAt, &l.ConnectDeadline, &l.TTLDeadline,
		&l.DisconnectedAt, &l.BoundBuildURL, &l.LastError,
	); err != nil {
		return nil, err
	}
	l.State = leasestate.State(state)
	return &l, nil
}

const leaseColumns = `lease_id, vm_id, ci_node_name, label, state, host_id,
	created_at, updated_at, connect_deadline, ttl_deadline,
	disconnected_at, bound_build_url, last_error`
