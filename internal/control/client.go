// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tidepark Contributors

package control

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/samber/oops"
)

// Client talks to a running server's control socket.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a client for the control socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: evalTimeout + 5*time.Second,
		},
	}
}

// Status fetches the server status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call(ctx, http.MethodGet, "/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Plugins fetches the loaded plugin list.
func (c *Client) Plugins(ctx context.Context) ([]PluginInfo, error) {
	var resp []PluginInfo
	if err := c.call(ctx, http.MethodGet, "/plugins", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Eval evaluates source on the server and returns its console output.
func (c *Client) Eval(ctx context.Context, source string) (*EvalResponse, error) {
	var resp EvalResponse
	if err := c.call(ctx, http.MethodPost, "/eval", EvalRequest{Source: source}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Chat sends a chat message into the simulation.
func (c *Client) Chat(ctx context.Context, playerID int, message string) error {
	return c.call(ctx, http.MethodPost, "/chat", ChatRequest{Player: playerID, Message: message}, nil)
}

// Pause pauses the simulation loop.
func (c *Client) Pause(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/pause", nil, nil)
}

// Resume resumes the simulation loop.
func (c *Client) Resume(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/resume", nil, nil)
}

// Shutdown asks the server to shut down.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/shutdown", nil, nil)
}

// Close releases idle connections held by the client.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return oops.In("control").Wrap(err)
		}
		reader = bytes.NewReader(encoded)
	}

	// The host is ignored by the unix-socket dialer but required by the
	// http package.
	req, err := http.NewRequestWithContext(ctx, method, "http://tidepark"+path, reader)
	if err != nil {
		return oops.In("control").With("path", path).Wrap(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return oops.In("control").With("path", path).Hint("is the server running?").Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return oops.In("control").
			With("path", path).
			With("status", resp.StatusCode).
			New(string(bytes.TrimSpace(msg)))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return oops.In("control").With("path", path).Hint("invalid response body").Wrap(err)
	}
	return nil
}
