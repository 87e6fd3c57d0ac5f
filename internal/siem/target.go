package siem

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPTarget posts finding batches as JSON arrays to a single endpoint.
type HTTPTarget struct {
	name     string
	endpoint string
	client   *http.Client
}

// NewHTTPTarget creates an HTTP target. The name labels metrics and logs.
func NewHTTPTarget(name, endpoint string, client *http.Client) *HTTPTarget {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTarget{name: name, endpoint: endpoint, client: client}
}

// Name identifies the target.
func (t *HTTPTarget) Name() string { return t.name }

// Send posts one batch. Any non-2xx response is an error.
func (t *HTTPTarget) Send(ctx context.Context, batch []Finding) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch to %s: %w", t.name, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s responded %d", t.name, resp.StatusCode)
	}
	return nil
}
