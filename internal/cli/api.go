package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/ignite/engagement-tracker/internal/pkg/httpretry"
	"github.com/ignite/engagement-tracker/internal/pkg/httputil"
)

// apiClient calls the tracking service's /api routes.
type apiClient struct {
	base   string
	apiKey string
	doer   httpretry.HTTPDoer
}

func (rt *runtime) api() (*apiClient, error) {
	base, key := rt.globals.Server, rt.globals.APIKey
	if base == "" || key == "" {
		cfg, err := rt.config()
		if err != nil {
			return nil, err
		}
		if base == "" {
			base = cfg.Tracking.BaseURL
		}
		if key == "" {
			key = cfg.Server.APIKey
		}
	}
	doer := rt.doer
	if doer == nil {
		doer = httpretry.NewRetryClient(&http.Client{Timeout: 15 * time.Second}, 3)
	}
	return &apiClient{base: strings.TrimRight(base, "/"), apiKey: key, doer: doer}, nil
}

// call sends in as JSON (when non-nil) and decodes a 2xx body into out.
// Non-2xx responses become errors carrying the server's message.
func (c *apiClient) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e httputil.ErrorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("%s %s: %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
