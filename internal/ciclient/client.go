// Package ciclient is the outbound HTTP client for the external CI system
// (a Jenkins-compatible build-job queue). It owns queue introspection,
// ephemeral build-node lifecycle, and CSRF ("crumb") handling for mutating
// calls.
package ciclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/fleetforge/controlplane/internal/retry"
)

// Client talks to the CI system's REST API.
type Client struct {
	baseURL    string
	user       string
	apiToken   string
	httpClient *http.Client
	retry      retry.Policy
}

// New builds a Client. retryPolicy governs every outbound call.
func New(baseURL, user, apiToken string, retryPolicy retry.Policy) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		user:       user,
		apiToken:   apiToken,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry:      retryPolicy,
	}
}

// QueueSnapshot is a point-in-time read of the build queue, by label and by
// the node name a queue item is specifically waiting on.
type QueueSnapshot struct {
	QueuedByLabel map[string]int
	QueuedByNode  map[string]int
}

var (
	labelQuoteRe   = regexp.MustCompile(`label ['"]([^'"]+)['"]`)
	waitingNodeRe  = regexp.MustCompile(`Waiting for next available executor on ['"]([^'"]+)['"]`)
	curlyQuoteRepl = strings.NewReplacer("‘", "'", "’", "'", "“", "\"", "”", "\"")
)

type queueItem struct {
	Task struct {
		LabelExpression string `json:"labelExpression"`
		AssignedLabel   struct {
			Name string `json:"name"`
		} `json:"assignedLabel"`
	} `json:"task"`
	AssignedLabel struct {
		Name string `json:"name"`
	} `json:"assignedLabel"`
	Why string `json:"why"`
}

// extractQueueLabel derives the demanded label for a queue item, in
// priority order: the item's own assignedLabel, the task's labelExpression,
// the task's assignedLabel, then a regex scrape of the "why" string.
func extractQueueLabel(item queueItem) string {
	if item.AssignedLabel.Name != "" {
		return item.AssignedLabel.Name
	}
	if item.Task.LabelExpression != "" {
		return item.Task.LabelExpression
	}
	if item.Task.AssignedLabel.Name != "" {
		return item.Task.AssignedLabel.Name
	}
	why := curlyQuoteRepl.Replace(item.Why)
	if m := labelQuoteRe.FindStringSubmatch(why); m != nil {
		return m[1]
	}
	return ""
}

// extractWaitingNode scrapes the "Waiting for next available executor on"
// message for a specific node name, used when no label could be derived.
func extractWaitingNode(item queueItem) string {
	why := curlyQuoteRepl.Replace(item.Why)
	if m := waitingNodeRe.FindStringSubmatch(why); m != nil {
		return m[1]
	}
	return ""
}

// QueueSnapshot fetches and classifies the current build queue.
func (c *Client) QueueSnapshot(ctx context.Context) (QueueSnapshot, error) {
	snap := QueueSnapshot{QueuedByLabel: map[string]int{}, QueuedByNode: map[string]int{}}

	body, err := retry.Do(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.getJSON(ctx, "/queue/api/json?tree=items[task[labelExpression,assignedLabel[name]],assignedLabel[name],why]")
	})
	if err != nil {
		return snap, fmt.Errorf("fetching queue snapshot: %w", err)
	}

	var parsed struct {
		Items []queueItem `json:"items"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return snap, fmt.Errorf("parsing queue snapshot: %w", err)
	}

	for _, item := range parsed.Items {
		if label := extractQueueLabel(item); label != "" {
			snap.QueuedByLabel[label]++
			continue
		}
		if node := extractWaitingNode(item); node != "" {
			snap.QueuedByNode[node]++
		}
	}
	return snap, nil
}

// CreateEphemeralNode registers a new single-executor, JNLP-launched node.
func (c *Client) CreateEphemeralNode(ctx context.Context, name, label string, useWebsocket bool) error {
	nodeDef := map[string]any{
		"name":                  name,
		"nodeDescription":       "ephemeral build node",
		"numExecutors":          1,
		"mode":                  "EXCLUSIVE",
		"remoteFS":              "/home/jenkins",
		"labelString":           label,
		"retentionStrategy":     map[string]string{"$class": "hudson.slaves.RetentionStrategy$Always"},
		"launcher": map[string]any{
			"$class":       "hudson.slaves.JNLPLauncher",
			"workDirSettings": map[string]any{"disabled": false},
			"webSocket":    useWebsocket,
		},
		"nodeProperties": map[string]any{"$class": "hudson.slaves.EnvironmentVariablesNodeProperty"},
	}
	defJSON, err := json.Marshal(nodeDef)
	if err != nil {
		return fmt.Errorf("marshaling node definition: %w", err)
	}

	form := fmt.Sprintf("name=%s&type=hudson.slaves.DumbSlave&json=%s", name, string(defJSON))
	_, err = retry.Do(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.postForm(ctx, "/computer/doCreateItem", form)
	})
	if err != nil {
		return fmt.Errorf("creating ephemeral node %s: %w", name, err)
	}
	return nil
}

// DeleteNode removes a node definition by name.
func (c *Client) DeleteNode(ctx context.Context, name string) error {
	_, err := retry.Do(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.postForm(ctx, fmt.Sprintf("/computer/%s/doDelete", name), "")
	})
	if err != nil {
		return fmt.Errorf("deleting node %s: %w", name, err)
	}
	return nil
}

// GetInboundSecret returns the JNLP inbound-agent secret for name, preferring
// the JSON API's jnlpMac field and falling back to scraping the JNLP
// descriptor's <argument> element.
func (c *Client) GetInboundSecret(ctx context.Context, name string) (string, error) {
	body, err := retry.Do(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.getJSON(ctx, fmt.Sprintf("/computer/%s/api/json?tree=jnlpMac", name))
	})
	if err == nil {
		var parsed struct {
			JnlpMac string `json:"jnlpMac"`
		}
		if jsonErr := json.Unmarshal(body, &parsed); jsonErr == nil && parsed.JnlpMac != "" {
			return parsed.JnlpMac, nil
		}
	}

	jnlp, err := retry.Do(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.getJSON(ctx, fmt.Sprintf("/computer/%s/slave-agent.jnlp", name))
	})
	if err != nil {
		return "", fmt.Errorf("fetching jnlp descriptor for %s: %w", name, err)
	}
	const openTag, closeTag = "<argument>", "</argument>"
	start := bytes.Index(jnlp, []byte(openTag))
	end := bytes.Index(jnlp, []byte(closeTag))
	if start < 0 || end < 0 || end < start {
		return "", fmt.Errorf("no <argument> secret found in jnlp descriptor for %s", name)
	}
	return string(jnlp[start+len(openTag) : end]), nil
}

// RuntimeStatus reports whether a node is connected and, if connected,
// whether it is currently busy.
type RuntimeStatus struct {
	Connected bool
	Busy      bool
}

// NodeRuntimeStatus probes a node's live connection/executor status.
func (c *Client) NodeRuntimeStatus(ctx context.Context, name string) (RuntimeStatus, error) {
	body, err := retry.Do(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.getJSON(ctx, fmt.Sprintf("/computer/%s/api/json?tree=offline,idle", name))
	})
	if err != nil {
		return RuntimeStatus{}, fmt.Errorf("fetching runtime status for %s: %w", name, err)
	}
	var parsed struct {
		Offline bool `json:"offline"`
		Idle    bool `json:"idle"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return RuntimeStatus{}, fmt.Errorf("parsing runtime status for %s: %w", name, err)
	}
	connected := !parsed.Offline
	return RuntimeStatus{Connected: connected, Busy: connected && !parsed.Idle}, nil
}

// NodeCurrentBuildURL returns the URL of the build currently bound to one of
// the node's executors, or "" if none is running.
func (c *Client) NodeCurrentBuildURL(ctx context.Context, name string) (string, error) {
	body, err := retry.Do(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.getJSON(ctx, fmt.Sprintf(
			"/computer/%s/api/json?tree=offline,executors[currentExecutable[url]],oneOffExecutors[currentExecutable[url]]", name))
	})
	if err != nil {
		return "", fmt.Errorf("fetching current build for %s: %w", name, err)
	}

	type executable struct {
		CurrentExecutable struct {
			URL string `json:"url"`
		} `json:"currentExecutable"`
	}
	var parsed struct {
		Executors      []executable `json:"executors"`
		OneOffExecutors []executable `json:"oneOffExecutors"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parsing current build for %s: %w", name, err)
	}
	for _, e := range append(parsed.Executors, parsed.OneOffExecutors...) {
		if e.CurrentExecutable.URL != "" {
			return e.CurrentExecutable.URL, nil
		}
	}
	return "", nil
}

// IsBuildRunning reports whether buildURL still denotes an in-progress
// build. A 404 (build purged or never existed) is treated as "not running",
// not an error.
func (c *Client) IsBuildRunning(ctx context.Context, buildURL string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(buildURL, "/")+"/api/json?tree=building,result", nil)
	if err != nil {
		return false, fmt.Errorf("building request: %w", err)
	}
	c.authenticate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("checking build status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("unexpected status %d checking build status", resp.StatusCode)
	}

	var parsed struct {
		Building bool `json:"building"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return false, fmt.Errorf("parsing build status: %w", err)
	}
	return parsed.Building, nil
}

func (c *Client) authenticate(req *http.Request) {
	if c.user != "" {
		req.SetBasicAuth(c.user, c.apiToken)
	}
}

// crumb fetches a CSRF token. A failure here is swallowed by callers — the
// mutating request proceeds without the header, matching a CI deployment
// with CSRF protection disabled.
func (c *Client) crumb(ctx context.Context) (field, value string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/crumbIssuer/api/json", nil)
	if err != nil {
		return "", "", err
	}
	c.authenticate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("crumb issuer returned status %d", resp.StatusCode)
	}

	var parsed struct {
		CrumbRequestField string `json:"crumbRequestField"`
		Crumb             string `json:"crumb"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", "", err
	}
	return parsed.CrumbRequestField, parsed.Crumb, nil
}

func (c *Client) getJSON(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.authenticate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *Client) postForm(ctx context.Context, path, form string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.authenticate(req)

	if field, value, crumbErr := c.crumb(ctx); crumbErr == nil {
		req.Header.Set(field, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("POST %s: status %d: %s", path, resp.StatusCode, string(body))
	}
	return body, nil
}
