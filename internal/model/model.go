// Package model defines the persisted entities shared by the repository,
// provisioner, scaler, and reconciler.
package model

import (
	"strings"
	"time"

	"github.com/fleetforge/controlplane/internal/leasestate"
)

// Lease is the reservation of one ephemeral build node for one label on one host.
type Lease struct {
	LeaseID          string
	VMID             string
	CINodeName       string
	Label            string
	State            leasestate.State
	HostID           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ConnectDeadline  time.Time
	TTLDeadline      time.Time
	DisconnectedAt   *time.Time
	BoundBuildURL    *string
	LastError        *string
}

// ActiveStates is the set of states counted towards global/per-label caps.
var ActiveStates = []leasestate.State{
	leasestate.Provisioning, leasestate.Booting, leasestate.Connected, leasestate.Running,
}

// InflightStates is the set of states that represent committed-but-not-yet-productive capacity.
var InflightStates = []leasestate.State{
	leasestate.Provisioning, leasestate.Booting, leasestate.Connected,
}

// Host is a registered machine that can run virtual machines.
type Host struct {
	HostID            string
	Enabled           bool
	CPUTotal          int
	CPUFree           int
	RAMTotalMB        int
	RAMFreeMB         int
	IOPressure        float64
	OSFamily          string
	OSFlavor          string
	OSVersion         string
	CPUArch           string
	Addr              string
	QEMUBinary        string
	SupportedAccels   []string
	SelectedAccel     string
	LastSeen          *time.Time
	BootstrapTokenHash string
	SessionTokenHash   string
	SessionExpiresAt   *time.Time
}

// Availability is the derived host availability used by the scaler and the
// operator-facing host listing.
type Availability string

const (
	AvailabilityDisabled    Availability = "DISABLED"
	AvailabilityUnavailable Availability = "UNAVAILABLE"
	AvailabilityStale       Availability = "STALE"
	AvailabilityAvailable   Availability = "AVAILABLE"
)

// DeriveAvailability computes a host's availability as of now, given the
// configured staleness timeout.
func DeriveAvailability(h Host, now time.Time, staleTimeout time.Duration) Availability {
	if !h.Enabled {
		return AvailabilityDisabled
	}
	if h.LastSeen == nil {
		return AvailabilityUnavailable
	}
	if now.Sub(*h.LastSeen) > staleTimeout {
		return AvailabilityStale
	}
	return AvailabilityAvailable
}

// Event is an append-only audit record, optionally associated with a lease.
type Event struct {
	ID        int64
	Timestamp time.Time
	LeaseID   *string
	EventType string
	Payload   map[string]any
}

// NodeProfile is a resource preset derived from a label substring.
type NodeProfile struct {
	Name    string
	VCPU    int
	RAMMB   int
	DiskGB  int
}

var (
	ProfileSmall  = NodeProfile{Name: "small", VCPU: 2, RAMMB: 4096, DiskGB: 40}
	ProfileMedium = NodeProfile{Name: "medium", VCPU: 4, RAMMB: 8192, DiskGB: 80}
	ProfileLarge  = NodeProfile{Name: "large", VCPU: 8, RAMMB: 16384, DiskGB: 120}
)

// ChooseProfile selects a resource profile from label substrings: "large" in
// label wins, then "medium", else small.
func ChooseProfile(label string) NodeProfile {
	switch {
	case strings.Contains(label, "large"):
		return ProfileLarge
	case strings.Contains(label, "medium"):
		return ProfileMedium
	default:
		return ProfileSmall
	}
}
