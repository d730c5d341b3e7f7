package ollama

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/pkoukk/tiktoken-go"

	"github.com/loom-kg/backend/pkg/ai"
)

// Provider implements ai.Provider against a locally hosted Ollama server.
// Local models carry no per-token cost; the wiring registers them at a zero
// price in the gateway's table.
type Provider struct {
	client         *api.Client
	embeddingModel string
}

// NewProviderParams configures an Ollama provider.
type NewProviderParams struct {
	BaseURL        string
	APIKey         string
	EmbeddingModel string
}

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// clone so original request isn't modified
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	return t.rt.RoundTrip(r)
}

// NewProvider connects to the Ollama server at BaseURL (default when empty).
func NewProvider(params NewProviderParams) (*Provider, error) {
	var (
		u   *url.URL
		err error
	)
	if params.BaseURL != "" {
		u, err = url.Parse(params.BaseURL)
		if err != nil {
			return nil, err
		}
	}

	httpClient := http.DefaultClient
	if params.APIKey != "" {
		httpClient = &http.Client{
			Transport: &headerTransport{
				headers: map[string]string{
					"Authorization": "Bearer " + params.APIKey,
				},
				rt: http.DefaultTransport,
			},
		}
	}

	return &Provider{
		client:         api.NewClient(u, httpClient),
		embeddingModel: params.EmbeddingModel,
	}, nil
}

// Name identifies the provider in logs and wrapped errors.
func (p *Provider) Name() string {
	return "ollama"
}

// Call runs one non-streaming chat request against the local server.
func (p *Provider) Call(ctx context.Context, req ai.CallRequest) (*ai.CallResponse, error) {
	msgs := []api.Message{}
	if req.SystemPrompt != "" {
		msgs = append(msgs, api.Message{Role: "system", Content: req.SystemPrompt})
	}
	msgs = append(msgs, api.Message{Role: "user", Content: req.UserPrompt})

	stream := false
	chatReq := &api.ChatRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   &stream,
		Options:  map[string]any{"temperature": req.Temperature},
	}
	if req.MaxTokens > 0 {
		chatReq.Options["num_predict"] = req.MaxTokens
	}
	if ctxSize := promptContextSize(req.SystemPrompt + req.UserPrompt); ctxSize > 4096 {
		chatReq.Options["num_ctx"] = ctxSize
	}

	start := time.Now()
	var final api.ChatResponse
	if err := p.client.Chat(ctx, chatReq, func(cr api.ChatResponse) error {
		final.Message.Content += cr.Message.Content
		if cr.Done {
			final.Done = true
			final.DoneReason = cr.DoneReason
			final.Metrics = cr.Metrics
		}
		return nil
	}); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The local server is either down or loading a model; both are
		// worth retrying against a fallback tier.
		return nil, &ai.UnavailableError{Retryable: true, Reason: err.Error()}
	}

	return &ai.CallResponse{
		Content: final.Message.Content,
		Usage: ai.Usage{
			InputTokens:  final.Metrics.PromptEvalCount,
			OutputTokens: final.Metrics.EvalCount,
			TotalTokens:  final.Metrics.PromptEvalCount + final.Metrics.EvalCount,
		},
		FinishReason:   final.DoneReason,
		ProcessingTime: time.Since(start),
	}, nil
}

// Embed returns the embedding vector for the text using the configured
// embedding model.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embed(ctx, &api.EmbedRequest{
		Model: p.embeddingModel,
		Input: text,
	})
	if err != nil {
		return nil, &ai.UnavailableError{Retryable: true, Reason: err.Error()}
	}
	if len(resp.Embeddings) != 1 {
		return nil, &ai.UnavailableError{Retryable: false, Reason: "embedding response size mismatch"}
	}
	return resp.Embeddings[0], nil
}

// promptContextSize estimates the prompt token footprint so num_ctx can be
// widened for oversized chunks, mirroring the server's default 4096 window.
func promptContextSize(prompt string) int {
	enc, err := tiktoken.GetEncoding("o200k_base")
	if err != nil {
		return len(prompt) / 4
	}
	return len(enc.Encode(prompt, nil, nil)) + 200
}
