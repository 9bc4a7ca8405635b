// Package agentclient is the outbound HTTP client for the per-host agent
// that actually runs virtual machines.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fleetforge/controlplane/internal/retry"
)

// Client talks to one host's agent.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	retry      retry.Policy
}

// New builds a Client for a single host's agent endpoint.
func New(baseURL, authToken string, retryPolicy retry.Policy) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry:      retryPolicy,
	}
}

// VMEnsureRequest is the full payload the provisioner sends to bring a VM
// into existence on a host.
type VMEnsureRequest struct {
	VMID              string            `json:"vm_id"`
	Label             string            `json:"label"`
	BaseImageID       string            `json:"base_image_id"`
	OverlayPath       string            `json:"overlay_path"`
	VCPU              int               `json:"vcpu"`
	RAMMB             int               `json:"ram_mb"`
	DiskGB            int               `json:"disk_gb"`
	LeaseExpiresAt    string            `json:"lease_expires_at"`
	ConnectDeadline   string            `json:"connect_deadline"`
	CIURL             string            `json:"jenkins_url"`
	CINodeName        string            `json:"jenkins_node_name"`
	JNLPSecret        string            `json:"jnlp_secret"`
	CloudInitUserData string            `json:"cloud_init_user_data_b64"`
	Metadata          map[string]string `json:"metadata"`
}

// VMInfo is the agent's view of one VM.
type VMInfo struct {
	VMID   string `json:"vm_id"`
	State  string `json:"state"`
	Detail string `json:"detail"`
}

// CapacityInfo is a host's self-reported free resources.
type CapacityInfo struct {
	CPUFree    int     `json:"cpu_free"`
	RAMFreeMB  int     `json:"ram_free_mb"`
	IOPressure float64 `json:"io_pressure"`
}

// RequestError is returned when an outbound call exhausts its retries; it
// carries enough detail for callers to build a diagnostic event.
type RequestError struct {
	Method     string
	URL        string
	Attempts   int
	StatusCode int
	Detail     string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempts: status=%d detail=%s",
		e.Method, e.URL, e.Attempts, e.StatusCode, e.Detail)
}

// EnsureVM idempotently creates or updates a VM.
func (c *Client) EnsureVM(ctx context.Context, vmID string, req VMEnsureRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling vm ensure request: %w", err)
	}
	path := fmt.Sprintf("/v1/vms/%s", vmID)
	_, err = retry.Do(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.do(ctx, http.MethodPut, path, body)
	})
	if err != nil {
		return fmt.Errorf("ensuring vm %s: %w", vmID, err)
	}
	return nil
}

// GetVM fetches current agent-side state for a VM.
func (c *Client) GetVM(ctx context.Context, vmID string) (VMInfo, error) {
	path := fmt.Sprintf("/v1/vms/%s", vmID)
	body, err := retry.Do(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.do(ctx, http.MethodGet, path, nil)
	})
	if err != nil {
		return VMInfo{}, fmt.Errorf("getting vm %s: %w", vmID, err)
	}
	var info VMInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return VMInfo{}, fmt.Errorf("parsing vm info for %s: %w", vmID, err)
	}
	return info, nil
}

// DeleteVM tears down a VM. force skips graceful shutdown.
func (c *Client) DeleteVM(ctx context.Context, vmID, reason string, force bool) error {
	q := url.Values{}
	q.Set("reason", reason)
	q.Set("force", strconv.FormatBool(force))
	path := fmt.Sprintf("/v1/vms/%s?%s", vmID, q.Encode())
	_, err := retry.Do(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.do(ctx, http.MethodDelete, path, nil)
	})
	if err != nil {
		return fmt.Errorf("deleting vm %s: %w", vmID, err)
	}
	return nil
}

// Capacity reports the host's current free resources.
func (c *Client) Capacity(ctx context.Context) (CapacityInfo, error) {
	body, err := retry.Do(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.do(ctx, http.MethodGet, "/v1/capacity", nil)
	})
	if err != nil {
		return CapacityInfo{}, fmt.Errorf("fetching capacity: %w", err)
	}
	var info CapacityInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return CapacityInfo{}, fmt.Errorf("parsing capacity: %w", err)
	}
	return info, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("building request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		reqErr := &RequestError{Method: method, URL: c.baseURL + path, StatusCode: resp.StatusCode, Detail: string(respBody)}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, retry.Permanent(reqErr)
		}
		return nil, reqErr
	}

	return respBody, nil
}
