package httpserver

import (
	"net/http"
	"time"

	"github.com/fleetforge/controlplane/internal/model"
)

const snapshotRecentEventsLimit = 100

type eventView struct {
	ID        int64          `json:"id"`
	Timestamp string         `json:"ts"`
	LeaseID   *string        `json:"lease_id,omitempty"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func toEventView(e *model.Event) eventView {
	return eventView{
		ID:        e.ID,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		LeaseID:   e.LeaseID,
		EventType: e.EventType,
		Payload:   e.Payload,
	}
}

type snapshotResponse struct {
	CountsByState map[string]int `json:"counts_by_state"`
	Hosts         []hostView     `json:"hosts"`
	Leases        []leaseView    `json:"leases"`
	RecentEvents  []eventView    `json:"recent_events"`
}

// handleSnapshot is the operator's single-call system overview, replacing
// the teacher's HTML dashboard with a JSON equivalent: state counts, hosts
// with derived availability, active leases, and the most recent non-noisy
// events.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := s.Store.CountLeasesByState(ctx)
	if err != nil {
		s.Logger.Error("counting leases by state", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "building snapshot failed")
		return
	}

	hosts, err := s.Store.ListHosts(ctx)
	if err != nil {
		s.Logger.Error("listing hosts for snapshot", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "building snapshot failed")
		return
	}

	leases, err := s.Store.ListActiveLeases(ctx)
	if err != nil {
		s.Logger.Error("listing active leases for snapshot", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "building snapshot failed")
		return
	}

	events, err := s.Store.RecentEvents(ctx, snapshotRecentEventsLimit)
	if err != nil {
		s.Logger.Error("listing recent events for snapshot", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "building snapshot failed")
		return
	}

	now := time.Now().UTC()
	staleTimeout := time.Duration(s.Config.HostStaleTimeoutSec) * time.Second

	resp := snapshotResponse{
		CountsByState: counts,
		Hosts:         make([]hostView, 0, len(hosts)),
		Leases:        make([]leaseView, 0, len(leases)),
		RecentEvents:  make([]eventView, 0, len(events)),
	}
	for _, h := range hosts {
		resp.Hosts = append(resp.Hosts, toHostView(h, now, staleTimeout))
	}
	for _, l := range leases {
		resp.Leases = append(resp.Leases, toLeaseView(l))
	}
	for _, e := range events {
		resp.RecentEvents = append(resp.RecentEvents, toEventView(e))
	}

	Respond(w, http.StatusOK, resp)
}
