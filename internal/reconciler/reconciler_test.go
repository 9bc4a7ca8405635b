package reconciler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fleetforge/controlplane/internal/ciclient"
	"github.com/fleetforge/controlplane/internal/leasestate"
	"github.com/fleetforge/controlplane/internal/model"
)

func TestInStates(t *testing.T) {
	cases := []struct {
		s    leasestate.State
		set  []leasestate.State
		want bool
	}{
		{leasestate.Booting, []leasestate.State{leasestate.Booting, leasestate.Connected}, true},
		{leasestate.Running, []leasestate.State{leasestate.Booting, leasestate.Connected}, false},
		{leasestate.Requested, []leasestate.State{leasestate.Requested, leasestate.Provisioning, leasestate.Booting}, true},
		{leasestate.Terminated, nil, false},
	}
	for _, c := range cases {
		if got := inStates(c.s, c.set...); got != c.want {
			t.Errorf("inStates(%s, %v) = %v, want %v", c.s, c.set, got, c.want)
		}
	}
}

// fakeStore mimics enough of store.Store's CAS/lease-lookup contract to drive
// reconcileOne through its state transitions without a database.
type fakeStore struct {
	leases []*model.Lease
	events []string
}

func (f *fakeStore) lease(id string) *model.Lease {
	for _, l := range f.leases {
		if l.LeaseID == id {
			return l
		}
	}
	return nil
}

func (f *fakeStore) ListNonTerminalLeases(ctx context.Context) ([]*model.Lease, error) {
	var out []*model.Lease
	for _, l := range f.leases {
		if l.State != leasestate.Terminated {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) GetLease(ctx context.Context, leaseID string) (*model.Lease, error) {
	l := f.lease(leaseID)
	if l == nil {
		return nil, errors.New("not found")
	}
	return l, nil
}

func (f *fakeStore) CASLeaseState(ctx context.Context, leaseID string, expected, target leasestate.State, lastError *string, events []struct {
	Type    string
	Payload map[string]any
}) (bool, error) {
	l := f.lease(leaseID)
	if l == nil {
		return false, errors.New("not found")
	}
	if l.State != expected || !leasestate.CanTransition(expected, target) {
		return false, nil
	}
	l.State = target
	if lastError != nil {
		l.LastError = lastError
	} else {
		l.LastError = nil
	}
	for _, ev := range events {
		f.events = append(f.events, ev.Type)
	}
	return true, nil
}

func (f *fakeStore) SetDisconnectedAt(ctx context.Context, leaseID string, at *time.Time, eventType string, payload map[string]any) error {
	l := f.lease(leaseID)
	if l == nil {
		return errors.New("not found")
	}
	l.DisconnectedAt = at
	f.events = append(f.events, eventType)
	return nil
}

func (f *fakeStore) SetBoundBuildURLIfNull(ctx context.Context, leaseID, buildURL string) (bool, error) {
	l := f.lease(leaseID)
	if l == nil {
		return false, errors.New("not found")
	}
	if l.BoundBuildURL != nil {
		return false, nil
	}
	l.BoundBuildURL = &buildURL
	return true, nil
}

func (f *fakeStore) EmitUnexpectedReuse(ctx context.Context, leaseID, boundURL, observedURL string) error {
	f.events = append(f.events, "lease.unexpected_reuse")
	return nil
}

func (f *fakeStore) AppendEvent(ctx context.Context, eventType string, payload map[string]any, leaseID *string) error {
	f.events = append(f.events, eventType)
	return nil
}

type fakeCI struct {
	status          ciclient.RuntimeStatus
	statusErr       error
	currentBuildURL string
	buildRunning    bool
	deletedNodes    []string
}

func (f *fakeCI) NodeRuntimeStatus(ctx context.Context, name string) (ciclient.RuntimeStatus, error) {
	return f.status, f.statusErr
}

func (f *fakeCI) NodeCurrentBuildURL(ctx context.Context, name string) (string, error) {
	return f.currentBuildURL, nil
}

func (f *fakeCI) IsBuildRunning(ctx context.Context, buildURL string) (bool, error) {
	return f.buildRunning, nil
}

func (f *fakeCI) DeleteNode(ctx context.Context, name string) error {
	f.deletedNodes = append(f.deletedNodes, name)
	return nil
}

type fakeAgent struct {
	deleteErr   error
	deleteCalls int
}

func (f *fakeAgent) DeleteVM(ctx context.Context, vmID, reason string, force bool) error {
	f.deleteCalls++
	return f.deleteErr
}

func newTestReconciler(st *fakeStore, ci *fakeCI, agent *fakeAgent, agentErr error) *Reconciler {
	return New(Deps{
		Store: st,
		CI:    ci,
		AgentFor: func(hostID string) (Agent, error) {
			if agentErr != nil {
				return nil, agentErr
			}
			return agent, nil
		},
		DisconnectedGraceSec: 60,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func baseLease(state leasestate.State, now time.Time) *model.Lease {
	return &model.Lease{
		LeaseID:         "lease-1",
		VMID:            "vm-lease-1",
		CINodeName:      "ephemeral-lease-1",
		Label:           "linux-medium",
		State:           state,
		HostID:          "host-1",
		ConnectDeadline: now.Add(5 * time.Minute),
		TTLDeadline:     now.Add(time.Hour),
	}
}

func TestReconcileOneConnectDeadlineTerminatesRequested(t *testing.T) {
	now := time.Now().UTC()
	lease := baseLease(leasestate.Requested, now)
	lease.ConnectDeadline = now.Add(-time.Second)

	st := &fakeStore{leases: []*model.Lease{lease}}
	agent := &fakeAgent{}
	r := newTestReconciler(st, &fakeCI{}, agent, nil)

	if err := r.reconcileOne(context.Background(), now, lease); err != nil {
		t.Fatalf("reconcileOne() error = %v", err)
	}
	if lease.State != leasestate.Terminated {
		t.Errorf("state = %s, want TERMINATED", lease.State)
	}
	if agent.deleteCalls != 1 {
		t.Errorf("DeleteVM called %d times, want 1", agent.deleteCalls)
	}
}

func TestReconcileOneConnectDeadlineTerminatesProvisioning(t *testing.T) {
	now := time.Now().UTC()
	lease := baseLease(leasestate.Provisioning, now)
	lease.ConnectDeadline = now.Add(-time.Second)

	st := &fakeStore{leases: []*model.Lease{lease}}
	r := newTestReconciler(st, &fakeCI{}, &fakeAgent{}, nil)

	if err := r.reconcileOne(context.Background(), now, lease); err != nil {
		t.Fatalf("reconcileOne() error = %v", err)
	}
	if lease.State != leasestate.Terminated {
		t.Errorf("state = %s, want TERMINATED", lease.State)
	}
}

func TestReconcileOneConnectDeadlineTerminatesBooting(t *testing.T) {
	now := time.Now().UTC()
	lease := baseLease(leasestate.Booting, now)
	lease.ConnectDeadline = now.Add(-time.Second)

	st := &fakeStore{leases: []*model.Lease{lease}}
	r := newTestReconciler(st, &fakeCI{}, &fakeAgent{}, nil)

	if err := r.reconcileOne(context.Background(), now, lease); err != nil {
		t.Fatalf("reconcileOne() error = %v", err)
	}
	if lease.State != leasestate.Terminated {
		t.Errorf("state = %s, want TERMINATED", lease.State)
	}
}

func TestReconcileOneTTLExpiredTerminatesRunning(t *testing.T) {
	now := time.Now().UTC()
	lease := baseLease(leasestate.Running, now)
	lease.TTLDeadline = now.Add(-time.Second)

	st := &fakeStore{leases: []*model.Lease{lease}}
	r := newTestReconciler(st, &fakeCI{}, &fakeAgent{}, nil)

	if err := r.reconcileOne(context.Background(), now, lease); err != nil {
		t.Fatalf("reconcileOne() error = %v", err)
	}
	if lease.State != leasestate.Terminated {
		t.Errorf("state = %s, want TERMINATED", lease.State)
	}
}

func TestReconcileOneBootingToConnectedToRunning(t *testing.T) {
	now := time.Now().UTC()
	lease := baseLease(leasestate.Booting, now)

	st := &fakeStore{leases: []*model.Lease{lease}}
	ci := &fakeCI{status: ciclient.RuntimeStatus{Connected: true, Busy: false}}
	r := newTestReconciler(st, ci, &fakeAgent{}, nil)

	if err := r.reconcileOne(context.Background(), now, lease); err != nil {
		t.Fatalf("reconcileOne() error = %v", err)
	}
	if lease.State != leasestate.Connected {
		t.Fatalf("state = %s, want CONNECTED", lease.State)
	}

	ci.status = ciclient.RuntimeStatus{Connected: true, Busy: true}
	if err := r.reconcileOne(context.Background(), now, lease); err != nil {
		t.Fatalf("reconcileOne() error = %v", err)
	}
	if lease.State != leasestate.Running {
		t.Errorf("state = %s, want RUNNING", lease.State)
	}
}

func TestReconcileOneDisconnectGraceThenTerminate(t *testing.T) {
	now := time.Now().UTC()
	lease := baseLease(leasestate.Running, now)

	st := &fakeStore{leases: []*model.Lease{lease}}
	ci := &fakeCI{status: ciclient.RuntimeStatus{Connected: false}}
	r := newTestReconciler(st, ci, &fakeAgent{}, nil)

	if err := r.reconcileOne(context.Background(), now, lease); err != nil {
		t.Fatalf("reconcileOne() error = %v", err)
	}
	if lease.DisconnectedAt == nil {
		t.Fatalf("DisconnectedAt not set after first disconnect observation")
	}
	if lease.State != leasestate.Running {
		t.Fatalf("state = %s, want RUNNING (still within grace)", lease.State)
	}

	later := now.Add(2 * time.Minute)
	if err := r.reconcileOne(context.Background(), later, lease); err != nil {
		t.Fatalf("reconcileOne() error = %v", err)
	}
	if lease.State != leasestate.Terminated {
		t.Errorf("state = %s, want TERMINATED after grace expiry", lease.State)
	}
}

func TestReconcileOneDisconnectRecoversWithinGrace(t *testing.T) {
	now := time.Now().UTC()
	lease := baseLease(leasestate.Running, now)
	disconnectedAt := now.Add(-10 * time.Second)
	lease.DisconnectedAt = &disconnectedAt

	st := &fakeStore{leases: []*model.Lease{lease}}
	ci := &fakeCI{status: ciclient.RuntimeStatus{Connected: true, Busy: true}}
	r := newTestReconciler(st, ci, &fakeAgent{}, nil)

	if err := r.reconcileOne(context.Background(), now, lease); err != nil {
		t.Fatalf("reconcileOne() error = %v", err)
	}
	if lease.DisconnectedAt != nil {
		t.Errorf("DisconnectedAt = %v, want nil after recovery", lease.DisconnectedAt)
	}
	if lease.State != leasestate.Running {
		t.Errorf("state = %s, want RUNNING", lease.State)
	}
}

func TestReconcileOneBindsBuildURLAndDetectsUnexpectedReuse(t *testing.T) {
	now := time.Now().UTC()
	lease := baseLease(leasestate.Running, now)

	st := &fakeStore{leases: []*model.Lease{lease}}
	ci := &fakeCI{status: ciclient.RuntimeStatus{Connected: true, Busy: true}, currentBuildURL: "https://ci.example.test/job/a/1/"}
	r := newTestReconciler(st, ci, &fakeAgent{}, nil)

	if err := r.reconcileOne(context.Background(), now, lease); err != nil {
		t.Fatalf("reconcileOne() error = %v", err)
	}
	if lease.BoundBuildURL == nil || *lease.BoundBuildURL != "https://ci.example.test/job/a/1/" {
		t.Fatalf("BoundBuildURL = %v, want bound to first observed build", lease.BoundBuildURL)
	}

	ci.currentBuildURL = "https://ci.example.test/job/b/2/"
	if err := r.reconcileOne(context.Background(), now, lease); err != nil {
		t.Fatalf("reconcileOne() error = %v", err)
	}
	if *lease.BoundBuildURL != "https://ci.example.test/job/a/1/" {
		t.Errorf("BoundBuildURL changed to %s, want unchanged after binding", *lease.BoundBuildURL)
	}
	found := false
	for _, ev := range st.events {
		if ev == "lease.unexpected_reuse" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected lease.unexpected_reuse event, got %v", st.events)
	}
}

func TestReconcileOneJobTerminalDetectedTerminates(t *testing.T) {
	now := time.Now().UTC()
	lease := baseLease(leasestate.Running, now)
	boundURL := "https://ci.example.test/job/a/1/"
	lease.BoundBuildURL = &boundURL

	st := &fakeStore{leases: []*model.Lease{lease}}
	ci := &fakeCI{status: ciclient.RuntimeStatus{Connected: true, Busy: false}, currentBuildURL: boundURL, buildRunning: false}
	r := newTestReconciler(st, ci, &fakeAgent{}, nil)

	if err := r.reconcileOne(context.Background(), now, lease); err != nil {
		t.Fatalf("reconcileOne() error = %v", err)
	}
	if lease.State != leasestate.Terminated {
		t.Errorf("state = %s, want TERMINATED", lease.State)
	}
}

func TestReconcileOneDeleteVMFailureParksThenRetrySucceeds(t *testing.T) {
	now := time.Now().UTC()
	lease := baseLease(leasestate.Requested, now)
	lease.ConnectDeadline = now.Add(-time.Second)

	st := &fakeStore{leases: []*model.Lease{lease}}
	agent := &fakeAgent{deleteErr: errors.New("agent unreachable")}
	r := newTestReconciler(st, &fakeCI{}, agent, nil)

	if err := r.reconcileOne(context.Background(), now, lease); err != nil {
		t.Fatalf("reconcileOne() error = %v", err)
	}
	if lease.State != leasestate.Terminating {
		t.Fatalf("state = %s, want TERMINATING (parked after delete_vm failure)", lease.State)
	}
	if lease.LastError == nil {
		t.Fatalf("LastError not set after parking")
	}

	agent.deleteErr = nil
	if err := r.reconcileOne(context.Background(), now, lease); err != nil {
		t.Fatalf("retry reconcileOne() error = %v", err)
	}
	if lease.State != leasestate.Terminated {
		t.Errorf("state = %s, want TERMINATED after retry", lease.State)
	}
	if agent.deleteCalls != 2 {
		t.Errorf("DeleteVM called %d times, want 2 (initial failure + retry)", agent.deleteCalls)
	}
}

func TestReconcileOneAgentLookupFailureParksInTerminating(t *testing.T) {
	now := time.Now().UTC()
	lease := baseLease(leasestate.Requested, now)
	lease.ConnectDeadline = now.Add(-time.Second)

	st := &fakeStore{leases: []*model.Lease{lease}}
	r := newTestReconciler(st, &fakeCI{}, nil, errors.New("no agent registered"))

	if err := r.reconcileOne(context.Background(), now, lease); err != nil {
		t.Fatalf("reconcileOne() error = %v", err)
	}
	if lease.State != leasestate.Terminating {
		t.Errorf("state = %s, want TERMINATING", lease.State)
	}
}
