// Package client is a Go client for the pipelined admin API.
//
// Use New to connect to a running daemon:
//
//	c := client.New("http://127.0.0.1:8080")
//	topo, err := c.Topology(ctx)
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/upgw/pipelined"
)

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Client talks to the pipelined admin API.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the daemon at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{baseURL: baseURL, http: http.DefaultClient}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ApplyConfig pushes an ordered service configuration.
func (c *Client) ApplyConfig(ctx context.Context, push pipelined.ConfigPush) error {
	return c.do(ctx, http.MethodPost, "/v1/pipeline/config", push, nil)
}

// Topology returns the committed topology.
func (c *Client) Topology(ctx context.Context) (pipelined.Topology, error) {
	var topo pipelined.Topology
	err := c.do(ctx, http.MethodGet, "/v1/pipeline/topology", nil, &topo)
	return topo, err
}

// Flows lists every installed subscriber flow.
func (c *Client) Flows(ctx context.Context) ([]pipelined.Flow, error) {
	var list []pipelined.Flow
	err := c.do(ctx, http.MethodGet, "/v1/flows", nil, &list)
	return list, err
}

// GetFlow returns one flow record.
func (c *Client) GetFlow(ctx context.Context, key pipelined.FlowKey) (pipelined.Flow, error) {
	var flow pipelined.Flow
	err := c.do(ctx, http.MethodGet, flowPath(key), nil, &flow)
	return flow, err
}

// InstallFlow installs a subscriber rule under the named app.
func (c *Client) InstallFlow(ctx context.Context, key pipelined.FlowKey, app string, match pipelined.Match, action pipelined.RuleAction, priority uint16) (pipelined.Flow, error) {
	body := map[string]any{
		"app":      app,
		"match":    match,
		"action":   action,
		"priority": priority,
	}
	var flow pipelined.Flow
	err := c.do(ctx, http.MethodPut, flowPath(key), body, &flow)
	return flow, err
}

// UpdateFlow atomically replaces a flow's action.
func (c *Client) UpdateFlow(ctx context.Context, key pipelined.FlowKey, action pipelined.RuleAction) (pipelined.Flow, error) {
	var flow pipelined.Flow
	err := c.do(ctx, http.MethodPatch, flowPath(key), map[string]any{"action": action}, &flow)
	return flow, err
}

// RemoveFlow deletes a flow's rules and record.
func (c *Client) RemoveFlow(ctx context.Context, key pipelined.FlowKey) error {
	return c.do(ctx, http.MethodDelete, flowPath(key), nil, nil)
}

func flowPath(key pipelined.FlowKey) string {
	return fmt.Sprintf("/v1/flows/%s/%s", key.SubscriberID, key.FlowID)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Buffer
	if in != nil {
		body = &bytes.Buffer{}
		if err := json.NewEncoder(body).Encode(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	} else {
		body = bytes.NewBuffer(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
