package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fleetforge/controlplane/internal/leasestate"
	"github.com/fleetforge/controlplane/internal/model"
	"github.com/fleetforge/controlplane/internal/store"
)

type leaseView struct {
	LeaseID         string  `json:"lease_id"`
	VMID            string  `json:"vm_id"`
	CINodeName      string  `json:"ci_node_name"`
	Label           string  `json:"label"`
	State           string  `json:"state"`
	HostID          string  `json:"host_id"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
	ConnectDeadline string  `json:"connect_deadline"`
	TTLDeadline     string  `json:"ttl_deadline"`
	DisconnectedAt  *string `json:"disconnected_at,omitempty"`
	BoundBuildURL   *string `json:"bound_build_url,omitempty"`
	LastError       *string `json:"last_error,omitempty"`
}

func toLeaseView(l *model.Lease) leaseView {
	v := leaseView{
		LeaseID:         l.LeaseID,
		VMID:            l.VMID,
		CINodeName:      l.CINodeName,
		Label:           l.Label,
		State:           string(l.State),
		HostID:          l.HostID,
		CreatedAt:       l.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       l.UpdatedAt.UTC().Format(time.RFC3339),
		ConnectDeadline: l.ConnectDeadline.UTC().Format(time.RFC3339),
		TTLDeadline:     l.TTLDeadline.UTC().Format(time.RFC3339),
		BoundBuildURL:   l.BoundBuildURL,
		LastError:       l.LastError,
	}
	if l.DisconnectedAt != nil {
		formatted := l.DisconnectedAt.UTC().Format(time.RFC3339)
		v.DisconnectedAt = &formatted
	}
	return v
}

// handleListLeases returns leases filtered by the optional label, state, and
// host_id query parameters, newest first.
func (s *Server) handleListLeases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.LeaseFilter{
		Label:  q.Get("label"),
		State:  leasestate.State(q.Get("state")),
		HostID: q.Get("host_id"),
	}

	params, err := ParseOffsetParams(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	leases, err := s.Store.ListLeases(r.Context(), filter)
	if err != nil {
		s.Logger.Error("listing leases", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "listing leases failed")
		return
	}

	views := make([]leaseView, 0, len(leases))
	for _, l := range leases {
		views = append(views, toLeaseView(l))
	}

	Respond(w, http.StatusOK, NewOffsetPage(pageSlice(views, params), params, len(views)))
}

// pageSlice returns the params.Offset..+PageSize window of items, clamped to
// the slice bounds.
func pageSlice[T any](items []T, params OffsetParams) []T {
	if params.Offset >= len(items) {
		return []T{}
	}
	end := params.Offset + params.PageSize
	if end > len(items) {
		end = len(items)
	}
	return items[params.Offset:end]
}

// handleTerminateLease CASes a non-terminated lease into TERMINATING; the
// reconciler's next tick carries out the actual teardown and final CAS to
// TERMINATED.
func (s *Server) handleTerminateLease(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	leaseID := chi.URLParam(r, "lease_id")

	lease, err := s.Store.GetLease(ctx, leaseID)
	if errors.Is(err, store.ErrNotFound) {
		RespondError(w, http.StatusNotFound, "not_found", "unknown lease")
		return
	}
	if err != nil {
		s.Logger.Error("looking up lease", "lease_id", leaseID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "looking up lease failed")
		return
	}

	if lease.State == leasestate.Terminated {
		Respond(w, http.StatusOK, map[string]string{"state": string(leasestate.Terminated)})
		return
	}

	ok, err := s.Store.CASLeaseState(ctx, leaseID, lease.State, leasestate.Terminating, nil,
		[]struct {
			Type    string
			Payload map[string]any
		}{{Type: "lease.terminate_requested", Payload: map[string]any{"source": "operator_api"}}})
	if err != nil {
		s.Logger.Error("requesting lease termination", "lease_id", leaseID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "terminating lease failed")
		return
	}
	if !ok {
		RespondError(w, http.StatusConflict, "conflict", "lease changed state concurrently; retry")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"state": string(leasestate.Terminating)})
}
