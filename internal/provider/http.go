package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

const (
	defaultCallTimeout = 30 * time.Second
	defaultMaxTries    = 3
)

// HTTPClient implements Client against a RunPod-style serverless endpoint:
// POST /run, GET /status/{id}, POST /cancel/{id}, bearer auth, JSON bodies.
// Transport errors and 5xx responses are retried with exponential backoff;
// 4xx responses are permanent.
type HTTPClient struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	maxTries uint
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPTimeout sets the per-call timeout.
func WithHTTPTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) { c.client.Timeout = d }
}

// WithMaxTries bounds the retry attempts per call.
func WithMaxTries(n uint) HTTPOption {
	return func(c *HTTPClient) { c.maxTries = n }
}

// NewHTTPClient creates a provider client for the given endpoint.
func NewHTTPClient(baseURL, apiKey string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:  baseURL,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: defaultCallTimeout},
		maxTries: defaultMaxTries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type runRequest struct {
	Input GenerationInput `json:"input"`
}

type runResponse struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

func (c *HTTPClient) Submit(ctx context.Context, input GenerationInput) (string, error) {
	var resp runResponse
	if err := c.call(ctx, http.MethodPost, "/run", runRequest{Input: input}, &resp); err != nil {
		return "", fmt.Errorf("failed to submit job: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("provider returned empty job id")
	}
	return resp.ID, nil
}

func (c *HTTPClient) GetStatus(ctx context.Context, jobID string) (JobStatus, error) {
	var status JobStatus
	if err := c.call(ctx, http.MethodGet, "/status/"+jobID, nil, &status); err != nil {
		return JobStatus{}, fmt.Errorf("failed to get job status: %w", err)
	}
	return status, nil
}

func (c *HTTPClient) Cancel(ctx context.Context, jobID string) error {
	if err := c.call(ctx, http.MethodPost, "/cancel/"+jobID, nil, nil); err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	return nil
}

// call issues one JSON request with retries and decodes the response into out
// when out is non-nil.
func (c *HTTPClient) call(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	raw, err := backoff.Retry(ctx, func() ([]byte, error) {
		return c.do(ctx, method, path, payload)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(c.maxTries))
	if err != nil {
		return err
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return raw, nil
	case resp.StatusCode >= 500:
		log.Debug().
			Int("status", resp.StatusCode).
			Str("path", path).
			Msg("Provider returned server error, retrying")
		return nil, fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(raw))
	default:
		return nil, backoff.Permanent(fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(raw)))
	}
}
