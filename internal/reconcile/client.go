// Package reconcile keeps local loom state in step with the authoritative cache.
package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/KevinKickass/loomwatch/internal/config"
	"github.com/KevinKickass/loomwatch/internal/types"
)

// envelope is the cache service's response wrapper.
type envelope[T any] struct {
	OK    bool   `json:"ok"`
	Data  T      `json:"data"`
	Error string `json:"error,omitempty"`
}

// Client calls the authoritative cache service.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(cfg config.CacheConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Upsert pushes this cycle's counters and returns the full current record.
func (c *Client) Upsert(ctx context.Context, update types.CacheUpdate) (*types.CacheRecord, error) {
	body, err := json.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cache update: %w", err)
	}

	rec, err := call[*types.CacheRecord](ctx, c, http.MethodPut, "/cache", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: cache upsert for %s returned no record", types.ErrReconciliationUnavailable, update.Key)
	}
	return rec, nil
}

// Recovery returns every record the cache knows, for seeding at startup.
func (c *Client) Recovery(ctx context.Context) ([]types.CacheRecord, error) {
	return call[[]types.CacheRecord](ctx, c, http.MethodGet, "/cache/recovery", nil)
}

// call performs one request and unwraps the {ok, data} envelope. Every
// failure is reported as ErrReconciliationUnavailable.
func call[T any](ctx context.Context, c *Client, method, path string, body io.Reader) (T, error) {
	var zero T

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return zero, fmt.Errorf("%w: %v", types.ErrReconciliationUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return zero, fmt.Errorf("%w: %s %s: %v", types.ErrReconciliationUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return zero, fmt.Errorf("%w: %s %s: HTTP %d %s", types.ErrReconciliationUnavailable,
			method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var env envelope[T]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return zero, fmt.Errorf("%w: %s %s: decode: %v", types.ErrReconciliationUnavailable, method, path, err)
	}
	if !env.OK {
		msg := env.Error
		if msg == "" {
			msg = "request not ok"
		}
		return zero, fmt.Errorf("%w: %s %s: %s", types.ErrReconciliationUnavailable, method, path, msg)
	}
	return env.Data, nil
}
