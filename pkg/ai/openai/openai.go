package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/loom-kg/backend/pkg/ai"
)

// Provider implements ai.Provider over the OpenAI-compatible chat API.
// A custom base URL lets it front any compatible gateway.
type Provider struct {
	client         *openai.Client
	embeddingModel string
}

// NewProviderParams configures a Provider.
type NewProviderParams struct {
	BaseURL        string
	APIKey         string
	EmbeddingModel string
}

// NewProvider creates an OpenAI-backed provider. Returns an error when no API
// key is configured.
func NewProvider(params NewProviderParams) (*Provider, error) {
	if params.APIKey == "" {
		return nil, errors.New("openai: missing API key")
	}
	options := []option.RequestOption{
		option.WithAPIKey(params.APIKey),
	}
	if params.BaseURL != "" {
		options = append(options, option.WithBaseURL(params.BaseURL))
	}
	// The orchestrator owns retries; SDK-level retries would double them up.
	options = append(options, option.WithMaxRetries(0))

	client := openai.NewClient(options...)
	return &Provider{
		client:         &client,
		embeddingModel: params.EmbeddingModel,
	}, nil
}

// Name identifies the provider in logs and wrapped errors.
func (p *Provider) Name() string {
	return "openai"
}

// Call runs one chat completion and normalizes SDK failures into the
// ai package error taxonomy.
func (p *Provider) Call(ctx context.Context, req ai.CallRequest) (*ai.CallResponse, error) {
	msgs := []openai.ChatCompletionMessageParamUnion{}
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(req.SystemPrompt))
	}
	msgs = append(msgs, openai.UserMessage(req.UserPrompt))

	body := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.Model),
		Messages:    msgs,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		body.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Schema != nil {
		body.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   req.SchemaName,
					Schema: req.Schema,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	start := time.Now()
	response, err := p.client.Chat.Completions.New(ctx, body)
	if err != nil {
		return nil, classifyError(err)
	}

	if len(response.Choices) == 0 {
		return nil, &ai.UnavailableError{Retryable: true, Reason: "no choices in response"}
	}

	choice := response.Choices[0]
	return &ai.CallResponse{
		Content: choice.Message.Content,
		Usage: ai.Usage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
			TotalTokens:  int(response.Usage.TotalTokens),
		},
		FinishReason:   string(choice.FinishReason),
		ProcessingTime: time.Since(start),
	}, nil
}

// Embed returns the embedding vector for the text using the configured
// embedding model.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	response, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		Model: openai.EmbeddingModel(p.embeddingModel),
	})
	if err != nil {
		return nil, classifyError(err)
	}
	if len(response.Data) != 1 {
		return nil, fmt.Errorf("openai: embedding response size mismatch: got %d want 1", len(response.Data))
	}

	raw := response.Data[0].Embedding
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}

// classifyError maps SDK/API failures onto the gateway error taxonomy.
// 429 becomes a rate limit (honoring Retry-After), 5xx and 408 are retryable
// outages, everything else propagates as non-retryable.
func classifyError(err error) error {
	var apierr *openai.Error
	if !errors.As(err, &apierr) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return err
		}
		return &ai.UnavailableError{Retryable: true, Reason: err.Error()}
	}

	switch {
	case apierr.StatusCode == http.StatusTooManyRequests:
		return &ai.RateLimitError{RetryAfter: retryAfterHint(apierr)}
	case apierr.StatusCode == http.StatusRequestTimeout:
		return &ai.UnavailableError{Retryable: true, Reason: apierr.Error()}
	case apierr.StatusCode >= 500:
		return &ai.UnavailableError{Retryable: true, Reason: apierr.Error()}
	default:
		return &ai.UnavailableError{Retryable: false, Reason: apierr.Error()}
	}
}

func retryAfterHint(apierr *openai.Error) time.Duration {
	if apierr.Response == nil {
		return 0
	}
	header := apierr.Response.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(header, 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
