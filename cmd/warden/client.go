package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/fyrsmithlabs/warden/internal/config"
	wardenhttp "github.com/fyrsmithlabs/warden/internal/http"
)

const clientTimeout = 10 * time.Second

// apiClient talks to a running warden serve.
type apiClient struct {
	base string
	http *nethttp.Client
}

// newAPIClient resolves the server URL from the flag, then the server config.
func newAPIClient(opts *globalOptions) (*apiClient, error) {
	base := opts.serverURL
	if base == "" {
		cfg, err := config.Load(opts.root, opts.configPath)
		if err != nil {
			return nil, err
		}
		base = "http://" + cfg.Server.Addr()
	}
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &nethttp.Client{Timeout: clientTimeout},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := nethttp.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach warden at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *apiClient) admission(ctx context.Context, req wardenhttp.AdmissionRequest, out any) error {
	return c.do(ctx, nethttp.MethodPost, "/v1/admission", req, out)
}
