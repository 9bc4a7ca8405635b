package leasestate

import "testing"

func TestCanTransitionMatrix(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{Requested, Provisioning, true},
		{Requested, Booting, false},
		{Requested, Terminating, true},
		{Provisioning, Booting, true},
		{Provisioning, Terminating, true},
		{Booting, Connected, true},
		{Booting, Running, false},
		{Connected, Running, true},
		{Running, Terminating, true},
		{Terminating, Terminated, true},
		{Failed, Terminating, true},
		{Failed, Terminated, true},
		{Orphaned, Terminating, true},
		{Terminated, Requested, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestCanTransitionSelfAndTerminal(t *testing.T) {
	for _, s := range []State{Requested, Provisioning, Booting, Connected, Running, Terminating, Terminated, Failed, Orphaned} {
		if !CanTransition(s, s) {
			t.Errorf("CanTransition(%s, %s) should always be true", s, s)
		}
	}
	for _, s := range []State{Requested, Provisioning, Booting, Connected, Running, Terminating, Failed, Orphaned} {
		if CanTransition(Terminated, s) {
			t.Errorf("CanTransition(TERMINATED, %s) should be false", s)
		}
	}
	if !IsTerminal(Terminated) {
		t.Error("TERMINATED should be terminal")
	}
}

func TestNormalizeNodeLabel(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"linux-kvm || dragonflybsd-nvmm", "linux-kvm dragonflybsd-nvmm"},
		{"(linux && x86_64) || (dragonflybsd && nvmm)", "linux x86_64 dragonflybsd nvmm"},
		{"&& || ( )", "ephemeral"},
		{"", "ephemeral"},
		{"linux linux", "linux"},
	}
	for _, c := range cases {
		if got := NormalizeNodeLabel(c.in); got != c.want {
			t.Errorf("NormalizeNodeLabel(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestInferAccelerator(t *testing.T) {
	cases := []struct{ label, want string }{
		{"linux-nvmm-medium", "nvmm"},
		{"linux-kvm", "kvm"},
		{"windows-nvmm-kvm", "nvmm"},
		{"linux-medium", ""},
	}
	for _, c := range cases {
		if got := InferAccelerator(c.label); got != c.want {
			t.Errorf("InferAccelerator(%q) = %q, want %q", c.label, got, c.want)
		}
	}
}

func TestInferOSFamily(t *testing.T) {
	cases := []struct{ label, want string }{
		{"dragonflybsd-kvm", "dragonflybsd"},
		{"dfly-large", "dragonflybsd"},
		{"linux-medium", "linux"},
		{"windows-medium", ""},
	}
	for _, c := range cases {
		if got := InferOSFamily(c.label); got != c.want {
			t.Errorf("InferOSFamily(%q) = %q, want %q", c.label, got, c.want)
		}
	}
}
