package scaler

import (
	"testing"
	"time"

	"github.com/fleetforge/controlplane/internal/model"
)

func host(id string, cpuFree, ramFreeMB int, ioPressure float64, enabled bool, lastSeen *time.Time) *model.Host {
	return &model.Host{
		HostID:          id,
		Enabled:         enabled,
		CPUFree:         cpuFree,
		RAMFreeMB:       ramFreeMB,
		IOPressure:      ioPressure,
		OSFamily:        "linux",
		SupportedAccels: []string{"kvm", "tcg"},
		SelectedAccel:   "kvm",
		LastSeen:        lastSeen,
	}
}

func TestEligibleHostsWithReasonsFiltersAndOrders(t *testing.T) {
	now := time.Now().UTC()
	stale := now.Add(-time.Hour)

	hosts := []*model.Host{
		host("disabled-host", 8, 16384, 0.1, false, &now),
		host("stale-host", 8, 16384, 0.1, true, &stale),
		host("low-cpu", 1, 16384, 0.1, true, &now),
		host("busy-io", 8, 16384, 0.9, true, &now),
		host("quiet-io", 8, 16384, 0.1, true, &now),
	}

	candidates, reasons := eligibleHostsWithReasons("linux-medium", now, time.Minute, hosts)

	if len(candidates) != 2 {
		t.Fatalf("expected 2 eligible hosts, got %d: %+v", len(candidates), candidates)
	}
	if candidates[0].host.HostID != "quiet-io" {
		t.Errorf("expected quiet-io to sort first (lowest io_pressure), got %s", candidates[0].host.HostID)
	}
	if reasons["disabled"] != 1 {
		t.Errorf("expected 1 disabled rejection, got %d", reasons["disabled"])
	}
	if reasons["stale"] != 1 {
		t.Errorf("expected 1 stale rejection, got %d", reasons["stale"])
	}
	if reasons["cpu_insufficient"] != 1 {
		t.Errorf("expected 1 cpu_insufficient rejection, got %d", reasons["cpu_insufficient"])
	}
}

func TestEligibleHostsWithReasonsAccelMismatch(t *testing.T) {
	now := time.Now().UTC()
	h := host("nvmm-only", 8, 16384, 0.1, true, &now)
	h.SupportedAccels = []string{"nvmm"}
	h.SelectedAccel = "nvmm"

	candidates, reasons := eligibleHostsWithReasons("dragonflybsd-kvm", now, time.Minute, []*model.Host{h})
	if len(candidates) != 0 {
		t.Fatalf("expected no eligible hosts for a kvm label against an nvmm-only host, got %d", len(candidates))
	}
	if reasons["accel_mismatch"] != 1 {
		t.Errorf("expected accel_mismatch rejection, got reasons=%+v", reasons)
	}
}

func TestContains(t *testing.T) {
	if !contains([]string{"a", "b"}, "b") {
		t.Errorf("expected contains to find existing element")
	}
	if contains([]string{"a", "b"}, "c") {
		t.Errorf("expected contains to reject missing element")
	}
}

func TestMinMax(t *testing.T) {
	if got := min(3, 1, 2); got != 1 {
		t.Errorf("min(3,1,2) = %d", got)
	}
	if got := max(3, 1); got != 3 {
		t.Errorf("max(3,1) = %d", got)
	}
}
