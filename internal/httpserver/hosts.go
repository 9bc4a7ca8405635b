package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fleetforge/controlplane/internal/hostauth"
	"github.com/fleetforge/controlplane/internal/model"
	"github.com/fleetforge/controlplane/internal/store"
)

const sessionTTL = time.Hour

// registerHostRequest is the capability/identity payload a host presents on
// first registration or session rotation.
type registerHostRequest struct {
	CPUTotal        int      `json:"cpu_total" validate:"required,min=1"`
	RAMTotalMB      int      `json:"ram_total_mb" validate:"required,min=1"`
	OSFamily        string   `json:"os_family" validate:"required"`
	OSFlavor        string   `json:"os_flavor"`
	OSVersion       string   `json:"os_version"`
	CPUArch         string   `json:"cpu_arch" validate:"required"`
	Addr            string   `json:"addr" validate:"required"`
	QEMUBinary      string   `json:"qemu_binary"`
	SupportedAccels []string `json:"supported_accels" validate:"required,min=1"`
	SelectedAccel   string   `json:"selected_accel" validate:"required"`
}

type registerHostResponse struct {
	SessionToken     string `json:"session_token"`
	SessionExpiresAt string `json:"session_expires_at"`
}

// handleRegisterHost issues a fresh session token for a known host that
// presents its correct bootstrap token, or auto-creates an unknown host when
// allow_unknown_host_registration permits it.
func (s *Server) handleRegisterHost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hostID := chi.URLParam(r, "host_id")
	ip := clientIP(r)

	res, err := s.RateLimiter.Check(ctx, ip)
	if err != nil {
		s.Logger.Error("checking registration rate limit", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "rate limit check failed")
		return
	}
	if !res.Allowed {
		w.Header().Set("Retry-After", res.RetryAt.Format(time.RFC1123))
		RespondError(w, http.StatusTooManyRequests, "rate_limited", "too many registration attempts")
		return
	}

	token := bearerToken(r)
	if token == "" {
		RespondError(w, http.StatusUnauthorized, "unauthorized", "missing bootstrap token")
		return
	}

	var req registerHostRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	if !contains(req.SupportedAccels, req.SelectedAccel) {
		RespondError(w, http.StatusBadRequest, "capability_mismatch", "selected_accel is not in supported_accels")
		return
	}

	host, err := s.Store.GetHost(ctx, hostID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if !s.Config.AllowUnknownHostRegistration {
			_ = s.RateLimiter.Record(ctx, ip)
			RespondError(w, http.StatusNotFound, "not_found", "unknown host")
			return
		}
		host = &model.Host{
			HostID:             hostID,
			Enabled:            true,
			BootstrapTokenHash: hostauth.HashToken(token),
		}
	case err != nil:
		s.Logger.Error("looking up host for registration", "host_id", hostID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "looking up host failed")
		return
	default:
		if !hostauth.SecureCompareToken(token, host.BootstrapTokenHash) {
			_ = s.RateLimiter.Record(ctx, ip)
			RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid bootstrap token")
			return
		}
		if !host.Enabled {
			RespondError(w, http.StatusForbidden, "disabled", "host is disabled")
			return
		}
	}

	host.CPUTotal = req.CPUTotal
	host.CPUFree = req.CPUTotal
	host.RAMTotalMB = req.RAMTotalMB
	host.RAMFreeMB = req.RAMTotalMB
	host.OSFamily = req.OSFamily
	host.OSFlavor = req.OSFlavor
	host.OSVersion = req.OSVersion
	host.CPUArch = req.CPUArch
	host.Addr = req.Addr
	host.QEMUBinary = req.QEMUBinary
	host.SupportedAccels = req.SupportedAccels
	host.SelectedAccel = req.SelectedAccel

	if err := s.Store.UpsertHost(ctx, *host); err != nil {
		s.Logger.Error("upserting host", "host_id", hostID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "registering host failed")
		return
	}

	sessionToken, err := hostauth.NewSessionToken()
	if err != nil {
		s.Logger.Error("generating session token", "host_id", hostID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "issuing session failed")
		return
	}
	expiresAt := time.Now().UTC().Add(sessionTTL)
	if err := s.Store.SetHostSession(ctx, hostID, hostauth.HashToken(sessionToken), expiresAt); err != nil {
		s.Logger.Error("setting host session", "host_id", hostID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "issuing session failed")
		return
	}
	if err := s.Store.UpdateHostHeartbeat(ctx, *host); err != nil {
		s.Logger.Error("recording registration heartbeat", "host_id", hostID, "error", err)
	}

	_ = s.RateLimiter.Reset(ctx, ip)

	Respond(w, http.StatusOK, registerHostResponse{
		SessionToken:     sessionToken,
		SessionExpiresAt: expiresAt.Format(time.RFC3339),
	})
}

type heartbeatRequest struct {
	CPUFree         int      `json:"cpu_free" validate:"min=0"`
	RAMFreeMB       int      `json:"ram_free_mb" validate:"min=0"`
	IOPressure      float64  `json:"io_pressure" validate:"min=0"`
	OSFamily        string   `json:"os_family" validate:"required"`
	OSFlavor        string   `json:"os_flavor"`
	OSVersion       string   `json:"os_version"`
	CPUArch         string   `json:"cpu_arch" validate:"required"`
	Addr            string   `json:"addr" validate:"required"`
	QEMUBinary      string   `json:"qemu_binary"`
	SupportedAccels []string `json:"supported_accels" validate:"required,min=1"`
	SelectedAccel   string   `json:"selected_accel" validate:"required"`
}

// handleHeartbeat updates a host's free-resource and capability fields. The
// session token is a bearer credential, compared in constant time against
// its stored hash.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hostID := chi.URLParam(r, "host_id")

	host, ok := s.authenticateSession(w, r, hostID)
	if !ok {
		return
	}

	var req heartbeatRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	if !contains(req.SupportedAccels, req.SelectedAccel) {
		RespondError(w, http.StatusBadRequest, "capability_mismatch", "selected_accel is not in supported_accels")
		return
	}

	host.CPUFree = req.CPUFree
	host.RAMFreeMB = req.RAMFreeMB
	host.IOPressure = req.IOPressure
	host.OSFamily = req.OSFamily
	host.OSFlavor = req.OSFlavor
	host.OSVersion = req.OSVersion
	host.CPUArch = req.CPUArch
	host.Addr = req.Addr
	host.QEMUBinary = req.QEMUBinary
	host.SupportedAccels = req.SupportedAccels
	host.SelectedAccel = req.SelectedAccel

	if err := s.Store.UpdateHostHeartbeat(ctx, *host); err != nil {
		s.Logger.Error("updating host heartbeat", "host_id", hostID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "recording heartbeat failed")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authenticateSession resolves hostID's row and checks the bearer session
// token against it, writing the appropriate error response and returning
// ok=false on any failure.
func (s *Server) authenticateSession(w http.ResponseWriter, r *http.Request, hostID string) (*model.Host, bool) {
	token := bearerToken(r)
	if token == "" {
		RespondError(w, http.StatusUnauthorized, "unauthorized", "missing session token")
		return nil, false
	}

	host, err := s.Store.GetHost(r.Context(), hostID)
	if errors.Is(err, store.ErrNotFound) {
		RespondError(w, http.StatusNotFound, "not_found", "unknown host")
		return nil, false
	}
	if err != nil {
		s.Logger.Error("looking up host", "host_id", hostID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "looking up host failed")
		return nil, false
	}

	if !host.Enabled {
		RespondError(w, http.StatusForbidden, "disabled", "host is disabled")
		return nil, false
	}
	if !hostauth.SecureCompareToken(token, host.SessionTokenHash) {
		RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid session token")
		return nil, false
	}
	if host.SessionExpiresAt == nil || time.Now().UTC().After(*host.SessionExpiresAt) {
		RespondError(w, http.StatusUnauthorized, "unauthorized", "session expired")
		return nil, false
	}

	return host, true
}

// handleSetHostEnabled returns a handler toggling a host's enabled flag.
func (s *Server) handleSetHostEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		hostID := chi.URLParam(r, "host_id")

		if _, err := s.Store.GetHost(ctx, hostID); errors.Is(err, store.ErrNotFound) {
			RespondError(w, http.StatusNotFound, "not_found", "unknown host")
			return
		} else if err != nil {
			s.Logger.Error("looking up host", "host_id", hostID, "error", err)
			RespondError(w, http.StatusInternalServerError, "internal", "looking up host failed")
			return
		}

		if err := s.Store.SetHostEnabled(ctx, hostID, enabled); err != nil {
			s.Logger.Error("setting host enabled", "host_id", hostID, "enabled", enabled, "error", err)
			RespondError(w, http.StatusInternalServerError, "internal", "updating host failed")
			return
		}

		Respond(w, http.StatusOK, map[string]bool{"enabled": enabled})
	}
}

// hostView is the host representation returned to operators, including the
// derived availability the scaler itself uses for eligibility.
type hostView struct {
	HostID          string   `json:"host_id"`
	Enabled         bool     `json:"enabled"`
	Availability    string   `json:"availability"`
	CPUTotal        int      `json:"cpu_total"`
	CPUFree         int      `json:"cpu_free"`
	RAMTotalMB      int      `json:"ram_total_mb"`
	RAMFreeMB       int      `json:"ram_free_mb"`
	IOPressure      float64  `json:"io_pressure"`
	OSFamily        string   `json:"os_family"`
	OSFlavor        string   `json:"os_flavor"`
	OSVersion       string   `json:"os_version"`
	CPUArch         string   `json:"cpu_arch"`
	Addr            string   `json:"addr"`
	QEMUBinary      string   `json:"qemu_binary"`
	SupportedAccels []string `json:"supported_accels"`
	SelectedAccel   string   `json:"selected_accel"`
	LastSeen        *string  `json:"last_seen,omitempty"`
}

func toHostView(h *model.Host, now time.Time, staleTimeout time.Duration) hostView {
	v := hostView{
		HostID:          h.HostID,
		Enabled:         h.Enabled,
		Availability:    string(model.DeriveAvailability(*h, now, staleTimeout)),
		CPUTotal:        h.CPUTotal,
		CPUFree:         h.CPUFree,
		RAMTotalMB:      h.RAMTotalMB,
		RAMFreeMB:       h.RAMFreeMB,
		IOPressure:      h.IOPressure,
		OSFamily:        h.OSFamily,
		OSFlavor:        h.OSFlavor,
		OSVersion:       h.OSVersion,
		CPUArch:         h.CPUArch,
		Addr:            h.Addr,
		QEMUBinary:      h.QEMUBinary,
		SupportedAccels: h.SupportedAccels,
		SelectedAccel:   h.SelectedAccel,
	}
	if h.LastSeen != nil {
		formatted := h.LastSeen.UTC().Format(time.RFC3339)
		v.LastSeen = &formatted
	}
	return v
}

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	params, err := ParseOffsetParams(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	hosts, err := s.Store.ListHosts(r.Context())
	if err != nil {
		s.Logger.Error("listing hosts", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "listing hosts failed")
		return
	}

	now := time.Now().UTC()
	staleTimeout := time.Duration(s.Config.HostStaleTimeoutSec) * time.Second
	views := make([]hostView, 0, len(hosts))
	for _, h := range hosts {
		views = append(views, toHostView(h, now, staleTimeout))
	}

	Respond(w, http.StatusOK, NewOffsetPage(pageSlice(views, params), params, len(views)))
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
