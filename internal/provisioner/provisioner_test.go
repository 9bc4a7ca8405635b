package provisioner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fleetforge/controlplane/internal/agentclient"
	"github.com/fleetforge/controlplane/internal/leasestate"
	"github.com/fleetforge/controlplane/internal/model"
)

func TestDeriveIdentifiers(t *testing.T) {
	vmID, nodeName := deriveIdentifiers("abcdef0123456789")
	if vmID != "vm-abcdef012345" {
		t.Errorf("vmID = %q", vmID)
	}
	if nodeName != "ephemeral-abcdef012345" {
		t.Errorf("nodeName = %q", nodeName)
	}
}

func TestDeriveIdentifiersShortLeaseID(t *testing.T) {
	vmID, nodeName := deriveIdentifiers("short")
	if vmID != "vm-short" {
		t.Errorf("vmID = %q", vmID)
	}
	if nodeName != "ephemeral-short" {
		t.Errorf("nodeName = %q", nodeName)
	}
}

// fakeStore mimics store.Store's CreateLeaseRequested/CASLeaseState contract
// closely enough to exercise Provision's fail/retry paths without a database.
type fakeStore struct {
	leases    map[string]*model.Lease
	casEvents []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{leases: map[string]*model.Lease{}}
}

var leaseNoReturnStates = map[leasestate.State]bool{
	leasestate.Booting:     true,
	leasestate.Connected:   true,
	leasestate.Running:     true,
	leasestate.Terminating: true,
	leasestate.Terminated:  true,
}

func (f *fakeStore) CreateLeaseRequested(ctx context.Context, lease model.Lease) (*model.Lease, bool, error) {
	if existing, ok := f.leases[lease.LeaseID]; ok {
		if existing.State == leasestate.Requested || leaseNoReturnStates[existing.State] {
			return existing, true, nil
		}
		// FAILED: merge back into REQUESTED, mirroring store.CreateLeaseRequested.
		existing.State = leasestate.Requested
		existing.HostID = lease.HostID
		existing.LastError = nil
		return nil, false, nil
	}
	l := lease
	l.State = leasestate.Requested
	f.leases[lease.LeaseID] = &l
	return nil, false, nil
}

func (f *fakeStore) CASLeaseState(ctx context.Context, leaseID string, expected, target leasestate.State, lastError *string, events []struct {
	Type    string
	Payload map[string]any
}) (bool, error) {
	l, ok := f.leases[leaseID]
	if !ok || l.State != expected || !leasestate.CanTransition(expected, target) {
		return false, nil
	}
	l.State = target
	if lastError != nil {
		l.LastError = lastError
	}
	for _, ev := range events {
		f.casEvents = append(f.casEvents, ev.Type)
	}
	return true, nil
}

type fakeCI struct {
	createNodeErr error
	secret        string
	secretErr     error
	createdNodes  []string
	deletedNodes  []string
}

func (f *fakeCI) CreateEphemeralNode(ctx context.Context, name, label string, useWebsocket bool) error {
	if f.createNodeErr != nil {
		return f.createNodeErr
	}
	f.createdNodes = append(f.createdNodes, name)
	return nil
}

func (f *fakeCI) GetInboundSecret(ctx context.Context, name string) (string, error) {
	if f.secretErr != nil {
		return "", f.secretErr
	}
	return f.secret, nil
}

func (f *fakeCI) DeleteNode(ctx context.Context, name string) error {
	f.deletedNodes = append(f.deletedNodes, name)
	return nil
}

type fakeAgent struct {
	ensureErr   error
	ensureCalls int
}

func (f *fakeAgent) EnsureVM(ctx context.Context, vmID string, req agentclient.VMEnsureRequest) error {
	f.ensureCalls++
	return f.ensureErr
}

func testDeps(st *fakeStore, ci *fakeCI, agent *fakeAgent, agentErr error) Deps {
	return Deps{
		Store: st,
		CI:    ci,
		AgentFor: func(hostID string) (Agent, error) {
			if agentErr != nil {
				return nil, agentErr
			}
			return agent, nil
		},
		CIBaseURL:          "https://ci.example.test",
		BaseImageID:        "img-base",
		ConnectDeadlineSec: 300,
		VMTTLSec:           3600,
	}
}

func TestProvisionHappyPath(t *testing.T) {
	st := newFakeStore()
	ci := &fakeCI{secret: "s3cr3t"}
	agent := &fakeAgent{}

	p := New(testDeps(st, ci, agent, nil))

	leaseID, err := p.Provision(context.Background(), "linux-medium", "host-1", "")
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}

	lease, ok := st.leases[leaseID]
	if !ok {
		t.Fatalf("lease %s not recorded", leaseID)
	}
	if lease.State != leasestate.Booting {
		t.Errorf("state = %s, want BOOTING", lease.State)
	}
	if len(ci.createdNodes) != 1 {
		t.Errorf("created %d nodes, want 1", len(ci.createdNodes))
	}
	if agent.ensureCalls != 1 {
		t.Errorf("EnsureVM called %d times, want 1", agent.ensureCalls)
	}
}

func TestProvisionCreateNodeFailureMarksFailed(t *testing.T) {
	st := newFakeStore()
	ci := &fakeCI{createNodeErr: errors.New("jenkins unreachable")}
	agent := &fakeAgent{}

	p := New(testDeps(st, ci, agent, nil))

	leaseID, err := p.Provision(context.Background(), "linux-medium", "host-1", "")
	if err == nil {
		t.Fatal("Provision() expected error")
	}
	var provErr *Error
	if !errors.As(err, &provErr) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if provErr.Stage != "create_node" {
		t.Errorf("Stage = %q, want create_node", provErr.Stage)
	}

	lease := st.leases[leaseID]
	if lease.State != leasestate.Failed {
		t.Errorf("state = %s, want FAILED", lease.State)
	}
	if agent.ensureCalls != 0 {
		t.Errorf("EnsureVM should not be called, got %d calls", agent.ensureCalls)
	}
}

func TestProvisionEnsureVMFailureDeletesNodeAndFails(t *testing.T) {
	st := newFakeStore()
	ci := &fakeCI{secret: "s3cr3t"}
	agent := &fakeAgent{ensureErr: errors.New("agent timeout")}

	p := New(testDeps(st, ci, agent, nil))

	leaseID, err := p.Provision(context.Background(), "linux-small", "host-1", "")
	if err == nil {
		t.Fatal("Provision() expected error")
	}
	var provErr *Error
	if !errors.As(err, &provErr) || provErr.Stage != "ensure_vm" {
		t.Fatalf("error = %v, want *Error at stage ensure_vm", err)
	}

	if len(ci.deletedNodes) != 1 {
		t.Errorf("deleted %d nodes, want 1 (best-effort cleanup)", len(ci.deletedNodes))
	}
	if st.leases[leaseID].State != leasestate.Failed {
		t.Errorf("state = %s, want FAILED", st.leases[leaseID].State)
	}
}

func TestProvisionAgentLookupFailureMarksFailedWithoutCreatingNode(t *testing.T) {
	st := newFakeStore()
	ci := &fakeCI{secret: "s3cr3t"}

	p := New(testDeps(st, ci, nil, errors.New("no agent for host")))

	leaseID, err := p.Provision(context.Background(), "linux-small", "host-1", "")
	if err == nil {
		t.Fatal("Provision() expected error")
	}
	var provErr *Error
	if !errors.As(err, &provErr) || provErr.Stage != "agent_lookup" {
		t.Fatalf("error = %v, want *Error at stage agent_lookup", err)
	}
	if len(ci.createdNodes) != 0 {
		t.Errorf("should not create a CI node before the agent is resolved, got %d", len(ci.createdNodes))
	}
	if st.leases[leaseID].State != leasestate.Failed {
		t.Errorf("state = %s, want FAILED", st.leases[leaseID].State)
	}
}

func TestProvisionIdempotentRetrySameLeaseID(t *testing.T) {
	st := newFakeStore()
	ci := &fakeCI{secret: "s3cr3t"}
	agent := &fakeAgent{}

	p := New(testDeps(st, ci, agent, nil))

	leaseID, err := p.Provision(context.Background(), "linux-medium", "host-1", "fixed-lease-id")
	if err != nil {
		t.Fatalf("first Provision() error = %v", err)
	}
	if st.leases[leaseID].State != leasestate.Booting {
		t.Fatalf("precondition: state = %s, want BOOTING", st.leases[leaseID].State)
	}

	again, err := p.Provision(context.Background(), "linux-medium", "host-1", "fixed-lease-id")
	if err != nil {
		t.Fatalf("second Provision() error = %v", err)
	}
	if again != leaseID {
		t.Errorf("leaseID = %q, want %q", again, leaseID)
	}
	if len(ci.createdNodes) != 1 {
		t.Errorf("create_node called %d times, want 1 (idempotency probe should short-circuit)", len(ci.createdNodes))
	}
	if agent.ensureCalls != 1 {
		t.Errorf("EnsureVM called %d times, want 1", agent.ensureCalls)
	}
}

func TestProvisionRetriesAfterFailure(t *testing.T) {
	st := newFakeStore()
	ci := &fakeCI{createNodeErr: errors.New("transient")}
	agent := &fakeAgent{}

	p := New(testDeps(st, ci, agent, nil))

	leaseID, err := p.Provision(context.Background(), "linux-medium", "host-1", "retry-lease-id")
	if err == nil {
		t.Fatal("first Provision() expected error")
	}
	if st.leases[leaseID].State != leasestate.Failed {
		t.Fatalf("precondition: state = %s, want FAILED", st.leases[leaseID].State)
	}

	ci.createNodeErr = nil
	again, err := p.Provision(context.Background(), "linux-medium", "host-1", "retry-lease-id")
	if err != nil {
		t.Fatalf("second Provision() error = %v", err)
	}
	if again != leaseID {
		t.Errorf("leaseID = %q, want %q", again, leaseID)
	}
	if st.leases[leaseID].State != leasestate.Booting {
		t.Errorf("state after retry = %s, want BOOTING", st.leases[leaseID].State)
	}
}

func TestFirstBootScriptEmbedsSecret(t *testing.T) {
	got := firstBootScript("ephemeral-abc", "https://ci.example.test", "s3cr3t")
	if !strings.Contains(got, "CI_SECRET=s3cr3t") {
		t.Errorf("firstBootScript() does not embed secret: %s", got)
	}
	if !strings.Contains(got, "CI_NODE_NAME=ephemeral-abc") {
		t.Errorf("firstBootScript() does not embed node name: %s", got)
	}
}
