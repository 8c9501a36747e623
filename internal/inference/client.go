// Package inference is the boundary to the model that executes task prompts.
//
// Backends implement Client. Every client handed to a worker is wrapped by
// Guard, which refuses models outside the allow-list before any network
// traffic. Failures are returned as *errors.InferenceError so the worker can
// record them as task outcomes.
package inference

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/Iron-Ham/grind/internal/errors"
)

// Backend names accepted by New.
const (
	BackendHTTP   = "http"
	BackendGemini = "gemini"
)

// Request is one prompt execution.
type Request struct {
	Prompt string
	Model  string
}

// Response is the model output for a Request.
type Response struct {
	Text string
	// ModelUsed is the model the provider reports, which may be a pinned
	// version of the requested one.
	ModelUsed string
}

// Client executes prompts.
type Client interface {
	Execute(ctx context.Context, req Request) (Response, error)
}

// defaultModels is the built-in allow-list. Configuration can narrow it but
// never widen it.
var defaultModels = []string{
	"gemini-2.0-flash",
	"gemini-2.0-flash-lite",
	"gemini-2.5-flash",
	"gemini-2.5-pro",
}

// DefaultModels returns a copy of the built-in allow-list.
func DefaultModels() []string {
	return slices.Clone(defaultModels)
}

// AllowList resolves the effective allow-list. An empty configured list keeps
// the defaults; a model outside the defaults is an error.
func AllowList(configured []string) ([]string, error) {
	if len(configured) == 0 {
		return DefaultModels(), nil
	}
	var unknown []string
	out := make([]string, 0, len(configured))
	for _, m := range configured {
		m = strings.TrimSpace(m)
		if !slices.Contains(defaultModels, m) {
			unknown = append(unknown, m)
			continue
		}
		if !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("models not in the built-in allow-list: %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

type guarded struct {
	next    Client
	allowed []string
}

// Guard wraps c so that requests for models outside allowed fail locally.
func Guard(c Client, allowed []string) Client {
	return &guarded{next: c, allowed: slices.Clone(allowed)}
}

func (g *guarded) Execute(ctx context.Context, req Request) (Response, error) {
	if !slices.Contains(g.allowed, req.Model) {
		return Response{}, errors.NewInferenceError(errors.InferenceModelNotAllowed, req.Model,
			"model is not in the allow-list", nil)
	}
	return g.next.Execute(ctx, req)
}

// classify turns a failed call into an InferenceError, preferring the
// context's verdict over the transport error it caused.
func classify(ctx context.Context, model string, err error) error {
	var inferr *errors.InferenceError
	if errors.As(err, &inferr) {
		return err
	}
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return errors.NewInferenceError(errors.InferenceTimeout, model, "call exceeded its deadline", err)
	case context.Canceled:
		return errors.NewInferenceError(errors.InferenceAborted, model, "call aborted", err)
	}
	return errors.NewInferenceError(errors.InferenceTransport, model, "request failed", err)
}

// Config selects and configures a backend.
type Config struct {
	Backend string
	// Endpoint is the queue's inference URL, used by the http backend.
	Endpoint string
	// APIKey authenticates the gemini backend.
	APIKey string
	// Allowed is the effective allow-list; see AllowList.
	Allowed []string
}

// New builds the configured backend wrapped in Guard.
func New(ctx context.Context, cfg Config) (Client, error) {
	var (
		c   Client
		err error
	)
	switch strings.ToLower(cfg.Backend) {
	case BackendHTTP, "":
		c, err = NewHTTPClient(cfg.Endpoint)
	case BackendGemini:
		c, err = NewGeminiClient(ctx, cfg.APIKey)
	default:
		return nil, fmt.Errorf("unknown inference backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	allowed := cfg.Allowed
	if len(allowed) == 0 {
		allowed = DefaultModels()
	}
	return Guard(c, allowed), nil
}
