package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/KevinKickass/loomwatch/internal/config"
	"github.com/KevinKickass/loomwatch/internal/types"
)

// HTTPSource reads GET {base}/telares?activos=true&view=map.
type HTTPSource struct {
	baseURL   string
	client    *http.Client
	validator *Validator
}

func NewHTTPSource(cfg config.RegistryConfig) (*HTTPSource, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &HTTPSource{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		client:    &http.Client{Timeout: timeout},
		validator: validator,
	}, nil
}

func (s *HTTPSource) Records(ctx context.Context, group string) ([]types.DeviceRecord, error) {
	u, err := url.Parse(s.baseURL + "/telares")
	if err != nil {
		return nil, fmt.Errorf("invalid registry url: %w", err)
	}
	q := u.Query()
	if group != "" {
		q.Set("grupo", group)
	}
	q.Set("activos", "true")
	q.Set("view", "map")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry response: %w", err)
	}

	if err := s.validator.ValidatePayload(data); err != nil {
		return nil, err
	}

	var payload struct {
		Data []types.DeviceRecord `json:"data"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode registry response: %w", err)
	}

	return payload.Data, nil
}

func (s *HTTPSource) Close() {}
