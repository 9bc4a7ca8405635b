package model

import (
	"testing"
	"time"
)

func TestChooseProfile(t *testing.T) {
	cases := []struct {
		label string
		want  string
	}{
		{"linux-large-kvm", "large"},
		{"linux-medium-kvm", "medium"},
		{"linux-kvm", "small"},
		{"dragonflybsd-large-nvmm", "large"},
	}
	for _, c := range cases {
		if got := ChooseProfile(c.label); got.Name != c.want {
			t.Errorf("ChooseProfile(%q) = %q, want %q", c.label, got.Name, c.want)
		}
	}
}

func TestDeriveAvailability(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-5 * time.Second)
	stale := now.Add(-60 * time.Second)

	cases := []struct {
		name string
		host Host
		want Availability
	}{
		{"disabled wins over everything", Host{Enabled: false, LastSeen: &recent}, AvailabilityDisabled},
		{"never seen", Host{Enabled: true, LastSeen: nil}, AvailabilityUnavailable},
		{"stale", Host{Enabled: true, LastSeen: &stale}, AvailabilityStale},
		{"available", Host{Enabled: true, LastSeen: &recent}, AvailabilityAvailable},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := DeriveAvailability(c.host, now, 20*time.Second); got != c.want {
				t.Errorf("DeriveAvailability() = %v, want %v", got, c.want)
			}
		})
	}
}
