package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/remote-scheduler/internal/scheduler/domain"
)

// maxErrorBody caps how much of a failed response is kept in a DispatchError
const maxErrorBody = 4 << 10

// APIConfig configures the remote scheduling API client
type APIConfig struct {
	BaseURL    string
	PublicKey  string
	PrivateKey string
	Timeout    time.Duration
}

// APIClient talks to the remote scheduling API
type APIClient struct {
	cfg    APIConfig
	base   *url.URL
	client *http.Client
	logger *slog.Logger
}

// APIOption customizes an APIClient
type APIOption func(*APIClient)

// WithHTTPClient injects the HTTP client used for outbound calls
func WithHTTPClient(c *http.Client) APIOption {
	return func(a *APIClient) {
		if c != nil {
			a.client = c
		}
	}
}

// NewAPIClient creates a new APIClient instance
func NewAPIClient(cfg APIConfig, logger *slog.Logger, opts ...APIOption) (*APIClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("%w: queue URL not configured", domain.ErrConfiguration)
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("%w: invalid API base URL: %v", domain.ErrConfiguration, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	a := &APIClient{
		cfg:    cfg,
		base:   base,
		logger: logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.client == nil {
		a.client = &http.Client{Timeout: cfg.Timeout}
	}
	return a, nil
}

type createJobResponse struct {
	ID json.RawMessage `json:"id"`
}

// remoteID accepts both string and numeric ids
func (r createJobResponse) remoteID() string {
	var id string
	if err := json.Unmarshal(r.ID, &id); err == nil {
		return id
	}
	return string(bytes.TrimSpace(r.ID))
}

type queueSizeResponse struct {
	Size int `json:"size"`
}

// CreateJob submits req to scheduler/jobs and returns the remote job id
func (a *APIClient) CreateJob(ctx context.Context, req domain.DispatchRequest) (string, error) {
	var resp createJobResponse
	if err := a.do(ctx, http.MethodPost, "scheduler/jobs", req, &resp); err != nil {
		return "", err
	}
	return resp.remoteID(), nil
}

// QueueSize returns how many jobs of connection are waiting on the remote side
func (a *APIClient) QueueSize(ctx context.Context, connection string) (int, error) {
	var resp queueSizeResponse
	path := "scheduler/queue/" + connection + "/size"
	if err := a.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Size, nil
}

func (a *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	target := a.base.ResolveReference(&url.URL{Path: path})

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return &domain.DispatchError{Err: fmt.Errorf("failed to encode request: %w", err)}
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return &domain.DispatchError{Err: fmt.Errorf("failed to build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.cfg.PublicKey != "" {
		req.SetBasicAuth(a.cfg.PublicKey, a.cfg.PrivateKey)
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Error("Scheduler API request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Any("error", err),
		)
		return &domain.DispatchError{Err: err}
	}
	defer resp.Body.Close()

	a.logger.Debug("Scheduler API request completed",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &domain.DispatchError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.DispatchError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &domain.DispatchError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}
