package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fleetforge/controlplane/internal/model"
)

// RecentEvents returns the most recent limit events, excluding the
// high-frequency host.heartbeat type (mirrors the reference dashboard's
// noise filter).
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]*model.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, ts, lease_id, event_type, payload FROM events
		WHERE event_type <> 'host.heartbeat'
		ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent events: %w", err)
	}
	defer rows.Close()

	var out []*model.Event
	for rows.Next() {
		var e model.Event
		var raw []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.LeaseID, &e.EventType, &raw); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshaling event payload: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CountLeasesByState returns the number of leases in each state.
func (s *Store) CountLeasesByState(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, count(*) FROM leases GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("counting leases by state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scanning count row: %w", err)
		}
		out[state] = n
	}
	return out, rows.Err()
}
