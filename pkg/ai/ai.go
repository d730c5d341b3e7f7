package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loom-kg/backend/pkg/logger"
)

// CallRequest describes one generation call against a model provider.
type CallRequest struct {
	SystemPrompt string
	UserPrompt   string
	Model        string
	MaxTokens    int
	Temperature  float64
	Timeout      time.Duration

	// SchemaName and Schema, when set, ask the provider to enforce a JSON
	// schema on the output (providers that cannot do so ignore them; the
	// caller still validates the parsed result).
	SchemaName string
	Schema     any
}

// Usage is the token accounting a provider reports for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// CallResponse is the normalized result of one provider call.
type CallResponse struct {
	Content        string        `json:"content"`
	Usage          Usage         `json:"usage"`
	FinishReason   string        `json:"finish_reason"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// Provider is one model backend. Implementations must translate their own
// failure modes into the error types of this package (RateLimitError,
// UnavailableError); anything else is treated as non-retryable upstream.
type Provider interface {
	Name() string
	Call(ctx context.Context, req CallRequest) (*CallResponse, error)
}

// Embedder produces vector embeddings; it is the input half of the
// similarity collaborator used by node deduplication.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

const defaultCallTimeout = 120 * time.Second

// Gateway is a uniform call contract over heterogeneous model providers.
// It routes by model id, enforces a per-call timeout, and guarantees the
// normalized error taxonomy regardless of the underlying provider SDK.
type Gateway struct {
	providers map[string]Provider
}

// NewGateway creates an empty gateway; providers are attached per model id
// with Register.
func NewGateway() *Gateway {
	return &Gateway{providers: make(map[string]Provider)}
}

// Register routes the given model ids to the provider.
func (g *Gateway) Register(provider Provider, models ...string) {
	for _, m := range models {
		g.providers[m] = provider
	}
}

// Knows reports whether a provider is registered for the model id.
func (g *Gateway) Knows(model string) bool {
	_, ok := g.providers[model]
	return ok
}

// Call runs the request against the provider registered for req.Model.
// The call races against req.Timeout (default 120s); on expiry a
// ModelTimeoutError is returned. Provider errors pass through already
// normalized; unrecognized errors are wrapped and non-retryable.
func (g *Gateway) Call(ctx context.Context, req CallRequest) (*CallResponse, error) {
	provider, ok := g.providers[req.Model]
	if !ok {
		return nil, &UnknownModelError{Model: req.Model}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := provider.Call(callCtx, req)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &ModelTimeoutError{Model: req.Model, Timeout: timeout}
		}
		return nil, fmt.Errorf("provider %s: %w", provider.Name(), err)
	}

	resp.ProcessingTime = elapsed
	logger.Debug("[Gateway] call completed",
		"model", req.Model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"duration_ms", elapsed.Milliseconds(),
	)
	return resp, nil
}
