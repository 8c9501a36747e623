package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Iron-Ham/grind/internal/errors"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 8 << 20

// HTTPClient posts prompts to a queue's inference endpoint.
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

// NewHTTPClient creates a client for endpoint. Deadlines come from the
// caller's context, so the default http.Client has no timeout of its own.
func NewHTTPClient(endpoint string, opts ...HTTPOption) (*HTTPClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("inference endpoint is required for the http backend")
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid inference endpoint %q", endpoint)
	}

	c := &HTTPClient{
		endpoint:   endpoint,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type executeRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type executeResponse struct {
	Result string `json:"result"`
	Model  string `json:"model"`
	Error  string `json:"error,omitempty"`
}

// Execute sends the prompt and returns the endpoint's result.
func (c *HTTPClient) Execute(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(executeRequest{Model: req.Model, Prompt: req.Prompt})
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, classify(ctx, req.Model, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, classify(ctx, req.Model, err)
	}

	var out executeResponse
	decodeErr := json.Unmarshal(data, &out)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := out.Error
		if decodeErr != nil || msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return Response{}, errors.NewInferenceError(errors.InferenceProvider, req.Model,
			fmt.Sprintf("status %d: %s", resp.StatusCode, msg), nil)
	}
	if decodeErr != nil {
		return Response{}, errors.NewInferenceError(errors.InferenceProvider, req.Model,
			"malformed response body", decodeErr)
	}
	if out.Error != "" {
		return Response{}, errors.NewInferenceError(errors.InferenceProvider, req.Model, out.Error, nil)
	}

	used := out.Model
	if used == "" {
		used = req.Model
	}
	return Response{Text: out.Result, ModelUsed: used}, nil
}
