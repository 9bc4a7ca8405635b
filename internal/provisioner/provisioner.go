// Package provisioner turns scaler demand into a live lease: it derives
// deterministic external identifiers, creates the ephemeral CI node, and
// instructs the target host's agent to bring up the virtual machine.
package provisioner

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetforge/controlplane/internal/agentclient"
	"github.com/fleetforge/controlplane/internal/leasestate"
	"github.com/fleetforge/controlplane/internal/model"
)

// Error describes a failed provisioning attempt.
type Error struct {
	LeaseID string
	VMID    string
	HostID  string
	Label   string
	Stage   string
	Detail  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provisioning lease %s (vm=%s host=%s label=%s) failed at %s: %s",
		e.LeaseID, e.VMID, e.HostID, e.Label, e.Stage, e.Detail)
}

// Store is the subset of the repository the provisioner needs. Satisfied by
// *store.Store; narrowed to an interface so tests can exercise Provision
// against a fake.
type Store interface {
	CreateLeaseRequested(ctx context.Context, lease model.Lease) (existing *model.Lease, wasExisting bool, err error)
	CASLeaseState(ctx context.Context, leaseID string, expected, target leasestate.State, lastError *string, events []struct {
		Type    string
		Payload map[string]any
	}) (ok bool, err error)
}

// CI is the subset of the CI-system client the provisioner needs.
type CI interface {
	CreateEphemeralNode(ctx context.Context, name, label string, useWebsocket bool) error
	GetInboundSecret(ctx context.Context, name string) (string, error)
	DeleteNode(ctx context.Context, name string) error
}

// Agent is the subset of the per-host agent client the provisioner needs.
type Agent interface {
	EnsureVM(ctx context.Context, vmID string, req agentclient.VMEnsureRequest) error
}

// Deps are the collaborators the provisioner needs.
type Deps struct {
	Store              Store
	CI                 CI
	AgentFor           func(hostID string) (Agent, error)
	CIBaseURL          string
	BaseImageID        string
	ConnectDeadlineSec int
	VMTTLSec           int
}

// Provisioner drives a lease from REQUESTED to BOOTING (or FAILED).
type Provisioner struct {
	deps Deps
}

// New builds a Provisioner.
func New(deps Deps) *Provisioner {
	return &Provisioner{deps: deps}
}

// deriveIdentifiers reproduces the reference derivation rule so that retries
// with the same leaseID touch the same external objects.
func deriveIdentifiers(leaseID string) (vmID, nodeName string) {
	short := leaseID
	if len(short) > 12 {
		short = short[:12]
	}
	return "vm-" + short, "ephemeral-" + short
}

// firstBootScript builds the plaintext cloud-config handed to the agent,
// embedding the inbound-agent secret so the node can self-register with the
// CI system on first boot without a further round trip.
func firstBootScript(nodeName, ciBaseURL, secret string) string {
	return fmt.Sprintf(`#cloud-config
write_files:
  - path: /etc/fleetforge/inbound-agent.env
    permissions: '0600'
    content: |
      CI_URL=%s
      CI_NODE_NAME=%s
      CI_SECRET=%s
runcmd:
  - [ systemctl, enable, --now, fleetforge-inbound-agent.service ]
`, ciBaseURL, nodeName, secret)
}

// Provision creates (or resumes) a lease for label on hostID. leaseID may be
// empty to mint a new one, or supplied by the caller to retry idempotently.
func (p *Provisioner) Provision(ctx context.Context, label, hostID, leaseID string) (string, error) {
	if leaseID == "" {
		leaseID = uuid.New().String()
	}
	vmID, nodeName := deriveIdentifiers(leaseID)
	profile := model.ChooseProfile(label)

	now := time.Now().UTC()
	lease := model.Lease{
		LeaseID:         leaseID,
		VMID:            vmID,
		CINodeName:      nodeName,
		Label:           label,
		HostID:          hostID,
		ConnectDeadline: now.Add(time.Duration(p.deps.ConnectDeadlineSec) * time.Second),
		TTLDeadline:     now.Add(time.Duration(p.deps.VMTTLSec) * time.Second),
	}

	existing, wasExisting, err := p.deps.Store.CreateLeaseRequested(ctx, lease)
	if err != nil {
		return "", fmt.Errorf("creating lease record: %w", err)
	}
	if wasExisting && existing.State != leasestate.Requested {
		// Already past the point of no return; nothing further to do.
		return existing.LeaseID, nil
	}

	agent, err := p.deps.AgentFor(hostID)
	if err != nil {
		return leaseID, p.fail(ctx, leaseID, vmID, hostID, label, "agent_lookup", err)
	}

	normalizedLabel := leasestate.NormalizeNodeLabel(label)
	if err := p.deps.CI.CreateEphemeralNode(ctx, nodeName, normalizedLabel, true); err != nil {
		return leaseID, p.fail(ctx, leaseID, vmID, hostID, label, "create_node", err)
	}

	secret, err := p.deps.CI.GetInboundSecret(ctx, nodeName)
	if err != nil {
		_ = p.deps.CI.DeleteNode(ctx, nodeName)
		return leaseID, p.fail(ctx, leaseID, vmID, hostID, label, "get_secret", err)
	}

	userData := base64.StdEncoding.EncodeToString([]byte(firstBootScript(nodeName, p.deps.CIBaseURL, secret)))

	req := agentclient.VMEnsureRequest{
		VMID:              vmID,
		Label:             label,
		BaseImageID:       p.deps.BaseImageID,
		OverlayPath:       fmt.Sprintf("/var/lib/fleetforge/overlays/%s.qcow2", vmID),
		VCPU:              profile.VCPU,
		RAMMB:             profile.RAMMB,
		DiskGB:            profile.DiskGB,
		LeaseExpiresAt:    lease.TTLDeadline.Format(time.RFC3339),
		ConnectDeadline:   lease.ConnectDeadline.Format(time.RFC3339),
		CIURL:             p.deps.CIBaseURL,
		CINodeName:        nodeName,
		JNLPSecret:        secret,
		CloudInitUserData: userData,
		Metadata:          map[string]string{"lease_id": leaseID},
	}

	if err := agent.EnsureVM(ctx, vmID, req); err != nil {
		_ = p.deps.CI.DeleteNode(ctx, nodeName)
		return leaseID, p.fail(ctx, leaseID, vmID, hostID, label, "ensure_vm", err)
	}

	ok, err := p.deps.Store.CASLeaseState(ctx, leaseID, leasestate.Requested, leasestate.Provisioning, nil, nil)
	if err != nil {
		return "", fmt.Errorf("transitioning lease %s to PROVISIONING: %w", leaseID, err)
	}
	if !ok {
		return "", fmt.Errorf("lease %s was not in REQUESTED when provisioning completed", leaseID)
	}

	ok, err = p.deps.Store.CASLeaseState(ctx, leaseID, leasestate.Provisioning, leasestate.Booting, nil,
		[]struct {
			Type    string
			Payload map[string]any
		}{{Type: "lease.booting", Payload: map[string]any{"vm_id": vmID, "ci_node_name": nodeName}}})
	if err != nil {
		return "", fmt.Errorf("transitioning lease %s to BOOTING: %w", leaseID, err)
	}
	if !ok {
		return "", fmt.Errorf("lease %s was not in PROVISIONING when provisioning completed", leaseID)
	}

	return leaseID, nil
}

func (p *Provisioner) fail(ctx context.Context, leaseID, vmID, hostID, label, stage string, cause error) error {
	detail := fmt.Sprintf("%s: %v", stage, cause)
	lastError := detail
	_, _ = p.deps.Store.CASLeaseState(ctx, leaseID, leasestate.Requested, leasestate.Failed, &lastError,
		[]struct {
			Type    string
			Payload map[string]any
		}{{Type: "lease.failed", Payload: map[string]any{"stage": stage, "detail": cause.Error()}}})

	return &Error{LeaseID: leaseID, VMID: vmID, HostID: hostID, Label: label, Stage: stage, Detail: cause.Error()}
}
