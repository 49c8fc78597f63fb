// Package sandboxclient is the thin capability layer over the remote
// sandbox-execution provider's HTTP API. It knows nothing about
// sessions, quotas, or the MCP tool surface — it only translates Go
// calls into HTTP requests and HTTP failures into the ConnectionError
// category.
package sandboxclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentserver/sandboxd/internal/sandboxerr"
)

// Ref identifies a sandbox at the provider by its logical namespace and name.
type Ref struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// VolumeMount is a host/container path pair to bind into a sandbox.
type VolumeMount struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
}

// CreateParams describes a sandbox to create and start.
type CreateParams struct {
	Ref         Ref
	Image       string
	CPUCores    int
	MemoryMiB   int
	Volumes     []VolumeMount
}

// ExecResult is the outcome of running code or a command in a sandbox.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Success  bool
}

// RunningSandbox is one entry from the provider's running-sandbox listing.
type RunningSandbox struct {
	Ref       Ref
	CreatedAt time.Time
}

// Client is implemented by sandboxclient.HTTPClient and by test fakes.
type Client interface {
	CreateSandbox(ctx context.Context, params CreateParams) error
	RunCode(ctx context.Context, ref Ref, code string, timeout time.Duration) (ExecResult, error)
	RunCommand(ctx context.Context, ref Ref, command string, args []string, timeout time.Duration) (ExecResult, error)
	StopSandbox(ctx context.Context, ref Ref) error
	ListRunning(ctx context.Context) ([]RunningSandbox, error)
}

// HTTPClient implements Client against the provider's REST API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New builds an HTTPClient. httpClient may be nil to use a sane default.
func New(baseURL, apiKey string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPClient{baseURL: baseURL, apiKey: apiKey, httpClient: httpClient}
}

var _ Client = (*HTTPClient)(nil)

func (c *HTTPClient) CreateSandbox(ctx context.Context, params CreateParams) error {
	body := struct {
		Namespace string        `json:"namespace"`
		Name      string        `json:"name"`
		Image     string        `json:"image"`
		CPUCores  int           `json:"cpu_cores"`
		MemoryMiB int           `json:"memory_mib"`
		Volumes   []VolumeMount `json:"volumes,omitempty"`
	}{
		Namespace: params.Ref.Namespace,
		Name:      params.Ref.Name,
		Image:     params.Image,
		CPUCores:  params.CPUCores,
		MemoryMiB: params.MemoryMiB,
		Volumes:   params.Volumes,
	}
	var out struct{}
	return c.doJSON(ctx, http.MethodPost, "/v1/sandboxes", body, &out)
}

func (c *HTTPClient) RunCode(ctx context.Context, ref Ref, code string, timeout time.Duration) (ExecResult, error) {
	return c.runExec(ctx, ref, "/v1/sandboxes/run-code", map[string]any{"code": code}, timeout)
}

func (c *HTTPClient) RunCommand(ctx context.Context, ref Ref, command string, args []string, timeout time.Duration) (ExecResult, error) {
	return c.runExec(ctx, ref, "/v1/sandboxes/run-command", map[string]any{"command": command, "args": args}, timeout)
}

func (c *HTTPClient) runExec(ctx context.Context, ref Ref, path string, extra map[string]any, timeout time.Duration) (ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body := map[string]any{"namespace": ref.Namespace, "name": ref.Name}
	for k, v := range extra {
		body[k] = v
	}

	var out struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exit_code"`
		Success  bool   `json:"success"`
	}
	if err := c.doJSON(ctx, http.MethodPost, path, body, &out); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ExecResult{}, sandboxerr.Connection(true, ctx.Err(), "provider call to %s timed out", path)
		}
		return ExecResult{}, err
	}
	return ExecResult{Stdout: out.Stdout, Stderr: out.Stderr, ExitCode: out.ExitCode, Success: out.Success}, nil
}

func (c *HTTPClient) StopSandbox(ctx context.Context, ref Ref) error {
	path := fmt.Sprintf("/v1/sandboxes/%s/%s/stop", ref.Namespace, ref.Name)
	var out struct{}
	return c.doJSON(ctx, http.MethodPost, path, nil, &out)
}

func (c *HTTPClient) ListRunning(ctx context.Context) ([]RunningSandbox, error) {
	var out []struct {
		Namespace string    `json:"namespace"`
		Name      string    `json:"name"`
		CreatedAt time.Time `json:"created_at"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sandboxes", nil, &out); err != nil {
		return nil, err
	}
	running := make([]RunningSandbox, 0, len(out))
	for _, s := range out {
		running = append(running, RunningSandbox{Ref: Ref{Namespace: s.Namespace, Name: s.Name}, CreatedAt: s.CreatedAt})
	}
	return running, nil
}

// doJSON issues one request and decodes a JSON response, translating
// transport failures into the ConnectionError category and
// distinguishing retryable (timeouts, connection resets, 5xx) from
// permanent (4xx) categories where the provider permits.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	var reader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return sandboxerr.Connection(false, err, "encode request body for %s", path)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return sandboxerr.Connection(false, err, "build request for %s", path)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return sandboxerr.Connection(true, err, "call provider %s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return sandboxerr.Connection(true, nil, "provider returned %d for %s %s", resp.StatusCode, method, path)
	}
	if resp.StatusCode >= 400 {
		return sandboxerr.Connection(false, nil, "provider returned %d for %s %s", resp.StatusCode, method, path)
	}

	if respBody == nil {
		return nil
	}
	if resp.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(respBody); err != nil && err != io.EOF {
		return sandboxerr.Connection(false, err, "decode provider response for %s %s", method, path)
	}
	return nil
}
