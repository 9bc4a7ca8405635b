// Package scaler turns observed build-queue demand into new leases, subject
// to global, per-label, and per-host admission policy.
package scaler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/fleetforge/controlplane/internal/ciclient"
	"github.com/fleetforge/controlplane/internal/leasestate"
	"github.com/fleetforge/controlplane/internal/model"
	"github.com/fleetforge/controlplane/internal/provisioner"
	"github.com/fleetforge/controlplane/internal/store"
	"github.com/fleetforge/controlplane/internal/telemetry"
)

const diagThrottleWindow = 30 * time.Second

// Config is the scaler's admission policy, reloaded once at startup.
type Config struct {
	LoopInterval    time.Duration
	GlobalMaxVMs    int
	LabelMaxInflight int
	LabelBurst      int
	HostStaleTimeout time.Duration
}

// Scaler owns its own cooldown/throttle bookkeeping; it is constructed once
// by the loop driver and ticked from a single goroutine, so no locking is
// required around its maps.
type Scaler struct {
	store        *store.Store
	ci           *ciclient.Client
	provisioner  *provisioner.Provisioner
	cfg          Config
	logger       *slog.Logger
	cooldowns    map[string]time.Time
	diagThrottle map[string]time.Time
}

// New builds a Scaler.
func New(st *store.Store, ci *ciclient.Client, prov *provisioner.Provisioner, cfg Config, logger *slog.Logger) *Scaler {
	return &Scaler{
		store:        st,
		ci:           ci,
		provisioner:  prov,
		cfg:          cfg,
		logger:       logger,
		cooldowns:    map[string]time.Time{},
		diagThrottle: map[string]time.Time{},
	}
}

type hostCandidate struct {
	host    *model.Host
	profile model.NodeProfile
}

// Tick runs one scaler pass: snapshot the queue, compute deficits per
// label, and launch up to the allowed burst against eligible hosts.
func (s *Scaler) Tick(ctx context.Context) error {
	now := time.Now().UTC()

	snapshot, err := s.ci.QueueSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("taking queue snapshot: %w", err)
	}

	hosts, err := s.store.ListHosts(ctx)
	if err != nil {
		return fmt.Errorf("listing hosts: %w", err)
	}

	activeLeases, err := s.store.ListActiveLeases(ctx)
	if err != nil {
		return fmt.Errorf("listing active leases: %w", err)
	}

	inflightByLabel := map[string]int{}
	activeGlobal := 0
	leaseLabelByNode := map[string]string{}
	for _, l := range activeLeases {
		activeGlobal++
		leaseLabelByNode[l.CINodeName] = l.Label
		for _, st := range model.InflightStates {
			if l.State == st {
				inflightByLabel[l.Label]++
				break
			}
		}
	}

	queuedByLabel := map[string]int{}
	for label, n := range snapshot.QueuedByLabel {
		queuedByLabel[label] += n
	}
	for node, n := range snapshot.QueuedByNode {
		if label, ok := leaseLabelByNode[node]; ok {
			queuedByLabel[label] += n
		}
	}

	for label, queued := range queuedByLabel {
		if queued <= 0 {
			continue
		}
		s.tickLabel(ctx, now, label, queued, inflightByLabel[label], activeGlobal, hosts)
	}

	return nil
}

func (s *Scaler) tickLabel(ctx context.Context, now time.Time, label string, queued, inflight, activeGlobal int, hosts []*model.Host) {
	if cd, ok := s.cooldowns[label]; ok && now.Before(cd) {
		s.throttledDiagEvent(ctx, now, "scale.cooldown_active", label, nil)
		return
	}

	deficit := queued - inflight
	if deficit <= 0 {
		return
	}

	if inflight >= s.cfg.LabelMaxInflight {
		telemetry.ScaleSkipTotal.WithLabelValues(label, "inflight_limit").Inc()
		s.throttledDiagEvent(ctx, now, "scale.inflight_limit", label, map[string]any{"inflight": inflight})
		return
	}

	launchable := min(deficit, s.cfg.LabelBurst, max(s.cfg.GlobalMaxVMs-activeGlobal, 0))
	if launchable <= 0 {
		telemetry.ScaleSkipTotal.WithLabelValues(label, "global_limit").Inc()
		s.throttledDiagEvent(ctx, now, "scale.global_limit", label, map[string]any{"active_global": activeGlobal})
		return
	}

	candidates, rejectReasons := eligibleHostsWithReasons(label, now, s.cfg.HostStaleTimeout, hosts)
	if len(candidates) == 0 {
		for reason, n := range rejectReasons {
			telemetry.ScaleRejectReasonTotal.WithLabelValues(label, reason).Add(float64(n))
		}
		s.throttledDiagEvent(ctx, now, "scale.no_eligible_hosts", label, map[string]any{"reject_reasons": rejectReasons})
		return
	}

	head := candidates[0]
	for i := 0; i < launchable; i++ {
		telemetry.ScaleLaunchAttemptsTotal.WithLabelValues(label).Inc()
		leaseID, err := s.provisioner.Provision(ctx, label, head.host.HostID, "")
		if err != nil {
			telemetry.ScaleLaunchFailedTotal.WithLabelValues(label, "provision").Inc()
			s.logger.Error("scale launch failed", "label", label, "host_id", head.host.HostID, "error", err)
			_ = s.store.AppendEvent(ctx, "scale.launch_failed", map[string]any{
				"label": label, "host_id": head.host.HostID, "error": err.Error(),
			}, nil)
			continue
		}
		_ = s.store.AppendEvent(ctx, "scale.launch", map[string]any{
			"label": label, "host_id": head.host.HostID, "lease_id": leaseID,
		}, &leaseID)
	}

	s.cooldowns[label] = now.Add(3 * s.cfg.LoopInterval)
}

func (s *Scaler) throttledDiagEvent(ctx context.Context, now time.Time, eventType, label string, payload map[string]any) {
	key := eventType + ":" + label
	if last, ok := s.diagThrottle[key]; ok && now.Sub(last) < diagThrottleWindow {
		return
	}
	s.diagThrottle[key] = now
	if payload == nil {
		payload = map[string]any{}
	}
	payload["label"] = label
	_ = s.store.AppendEvent(ctx, eventType, payload, nil)
}

// eligibleHostsWithReasons filters and orders hosts schedulable for label,
// and tallies the rejection reason for every host that did not qualify.
func eligibleHostsWithReasons(label string, now time.Time, staleTimeout time.Duration, hosts []*model.Host) ([]hostCandidate, map[string]int) {
	profile := model.ChooseProfile(label)
	wantAccel := leasestate.InferAccelerator(label)
	wantOS := leasestate.InferOSFamily(label)

	reasons := map[string]int{}
	var out []hostCandidate

	for _, h := range hosts {
		if !h.Enabled {
			reasons["disabled"]++
			continue
		}
		if h.LastSeen == nil || now.Sub(*h.LastSeen) > staleTimeout {
			reasons["stale"]++
			continue
		}
		if wantAccel != "" {
			if h.SelectedAccel == "" || !contains(h.SupportedAccels, h.SelectedAccel) {
				reasons["accel_invalid"]++
				continue
			}
			if h.SelectedAccel != wantAccel {
				reasons["accel_mismatch"]++
				continue
			}
		}
		if wantOS != "" && h.OSFamily != wantOS {
			reasons["os_mismatch"]++
			continue
		}
		if h.CPUFree < profile.VCPU {
			reasons["cpu_insufficient"]++
			continue
		}
		if h.RAMFreeMB < profile.RAMMB {
			reasons["ram_insufficient"]++
			continue
		}
		out = append(out, hostCandidate{host: h, profile: profile})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].host, out[j].host
		if a.IOPressure != b.IOPressure {
			return a.IOPressure < b.IOPressure
		}
		if a.CPUFree != b.CPUFree {
			return a.CPUFree > b.CPUFree
		}
		return a.RAMFreeMB > b.RAMFreeMB
	})

	return out, reasons
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func min(vals ...int) int {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
