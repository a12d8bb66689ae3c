// Package e2b implements the sandbox provider against an E2B-style
// REST API.
package e2b

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/codefleet/fleet/internal/sandbox"
)

// DefaultBaseURL is the hosted API endpoint.
const DefaultBaseURL = "https://api.e2b.dev"

const apiKeyHeader = "X-API-Key"

// Client talks to the sandbox API. It implements sandbox.Provider.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a client. An empty baseURL uses the hosted endpoint.
func NewClient(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		msg := gjson.GetBytes(raw, "message").String()
		if msg == "" {
			msg = string(raw)
		}
		return nil, fmt.Errorf("%s %s: %s (%d)", method, path, msg, resp.StatusCode)
	}
	return raw, nil
}

// Create provisions a new sandbox from a template.
func (c *Client) Create(ctx context.Context, template string, opts sandbox.CreateOpts) (sandbox.Sandbox, error) {
	payload := map[string]any{
		"templateID": template,
		"timeout":    int(opts.Timeout.Seconds()),
	}
	if len(opts.Metadata) > 0 {
		payload["metadata"] = opts.Metadata
	}

	raw, err := c.do(ctx, http.MethodPost, "/sandboxes", payload)
	if err != nil {
		return nil, err
	}
	id := gjson.GetBytes(raw, "sandboxID").String()
	if id == "" {
		return nil, fmt.Errorf("create sandbox: response carried no sandboxID")
	}
	return &remoteSandbox{client: c, id: id}, nil
}

// Reconnect reattaches to a running sandbox by id.
func (c *Client) Reconnect(ctx context.Context, id string) (sandbox.Sandbox, error) {
	raw, err := c.do(ctx, http.MethodGet, "/sandboxes/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	state := gjson.GetBytes(raw, "state").String()
	if state != "running" {
		return nil, fmt.Errorf("reconnect %s: sandbox state is %q", id, state)
	}
	return &remoteSandbox{client: c, id: id}, nil
}

// remoteSandbox is the HTTP-backed sandbox handle.
type remoteSandbox struct {
	client *Client
	id     string
}

func (s *remoteSandbox) ID() string { return s.id }

func (s *remoteSandbox) path(suffix string) string {
	return "/sandboxes/" + url.PathEscape(s.id) + suffix
}

// RunCommand executes a shell command in the sandbox and waits for it.
func (s *remoteSandbox) RunCommand(ctx context.Context, cmd string, timeout time.Duration) (*sandbox.CommandResult, error) {
	raw, err := s.client.do(ctx, http.MethodPost, s.path("/commands"), map[string]any{
		"cmd":     cmd,
		"timeout": int(timeout.Seconds()),
	})
	if err != nil {
		return nil, err
	}
	return &sandbox.CommandResult{
		Stdout:   gjson.GetBytes(raw, "stdout").String(),
		Stderr:   gjson.GetBytes(raw, "stderr").String(),
		ExitCode: int(gjson.GetBytes(raw, "exitCode").Int()),
	}, nil
}

func (s *remoteSandbox) WriteFile(ctx context.Context, remotePath string, data []byte) error {
	_, err := s.client.do(ctx, http.MethodPut,
		s.path("/files?path="+url.QueryEscape(remotePath)),
		map[string]any{"content": data})
	return err
}

func (s *remoteSandbox) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	raw, err := s.client.do(ctx, http.MethodGet,
		s.path("/files?path="+url.QueryEscape(remotePath)), nil)
	if err != nil {
		return nil, err
	}
	content := gjson.GetBytes(raw, "content")
	if !content.Exists() {
		return nil, fmt.Errorf("read %s: response carried no content", remotePath)
	}
	// WriteFile sends content as a JSON []byte, which travels base64;
	// decode the same way so binary payloads survive the round trip.
	var data []byte
	if err := json.Unmarshal([]byte(content.Raw), &data); err != nil {
		return nil, fmt.Errorf("read %s: decode content: %w", remotePath, err)
	}
	return data, nil
}

func (s *remoteSandbox) IsRunning(ctx context.Context) (bool, error) {
	raw, err := s.client.do(ctx, http.MethodGet, s.path(""), nil)
	if err != nil {
		return false, err
	}
	return gjson.GetBytes(raw, "state").String() == "running", nil
}

func (s *remoteSandbox) Kill(ctx context.Context) error {
	_, err := s.client.do(ctx, http.MethodDelete, s.path(""), nil)
	return err
}

func (s *remoteSandbox) SetTimeout(ctx context.Context, d time.Duration) error {
	_, err := s.client.do(ctx, http.MethodPost, s.path("/timeout"), map[string]any{
		"timeout": int(d.Seconds()),
	})
	return err
}
