package httpserver

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fleetforge/controlplane/internal/leasestate"
	"github.com/fleetforge/controlplane/internal/store"
)

// vmStatusRequest is the per-host agent's callback reporting a VM's observed
// lifecycle state. The agent is trusted as ground truth for its own VM, so
// the write is unconditional rather than a CAS.
type vmStatusRequest struct {
	State  string  `json:"state" validate:"required,oneof=CONNECTED RUNNING TERMINATED FAILED ORPHANED"`
	Reason *string `json:"reason,omitempty"`
}

func (s *Server) handleVMStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vmID := chi.URLParam(r, "vm_id")

	var req vmStatusRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	lease, err := s.Store.UpdateLeaseFromVMStatus(ctx, vmID, leasestate.State(req.State), req.Reason)
	if errors.Is(err, store.ErrNotFound) {
		RespondError(w, http.StatusNotFound, "not_found", "unknown vm")
		return
	}
	if err != nil {
		s.Logger.Error("updating lease from vm status", "vm_id", vmID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "recording vm status failed")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"lease_id": lease.LeaseID, "state": string(lease.State)})
}
