package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	sdk "github.com/openai/openai-go/v3"

	"parley/internal/conversation"
	"parley/internal/models"
	"parley/internal/provider"
)

const (
	providerName   = "openai"
	defaultBaseURL = "http://localhost:1234"
	chatPath       = "/v1/chat/completions"
	modelsPath     = "/v1/models"
)

// Dialect speaks the OpenAI-compatible chat completions format used by
// OpenAI itself and by self-hosted servers such as LM Studio.
type Dialect struct{}

// New returns the generic chat dialect.
func New() Dialect {
	return Dialect{}
}

var _ provider.Dialect = Dialect{}

func (Dialect) Name() string { return providerName }

// RequiresKey is false: local servers usually run without authentication.
func (Dialect) RequiresKey() bool { return false }

func (Dialect) DefaultBaseURL() string { return defaultBaseURL }

func (Dialect) DefaultModel() string { return string(sdk.ChatModelGPT4oMini) }

func (Dialect) Defaults() models.Sampling {
	return models.Sampling{
		Temperature: models.Float(0.7),
		Stream:      models.Bool(false),
	}
}

func (Dialect) Limits() models.SamplingLimits {
	return models.SamplingLimits{MaxTemperature: 2, AllowUnlimitedTokens: true}
}

type chatPayload struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func buildChatPayload(env models.RequestEnvelope) chatPayload {
	messages := make([]chatMessage, 0, len(env.Turns))
	for _, turn := range env.Turns {
		messages = append(messages, chatMessage{
			Role:    string(turn.Role()),
			Content: turn.Text(),
		})
	}

	return chatPayload{
		Model:       env.Model,
		Messages:    messages,
		Temperature: env.Sampling.Temperature,
		TopP:        env.Sampling.TopP,
		MaxTokens:   env.Sampling.MaxTokens,
		Stream:      env.Sampling.Streaming(),
	}
}

func (d Dialect) NewChatRequest(ctx context.Context, ep provider.Endpoint, env models.RequestEnvelope) (*http.Request, error) {
	req, err := provider.NewJSONRequest(ctx, http.MethodPost, provider.JoinURL(ep.BaseURL, chatPath), buildChatPayload(env), ep.Headers)
	if err != nil {
		return nil, err
	}
	if env.Sampling.Streaming() {
		req.Header.Set("Accept", "text/event-stream")
	}
	authorize(req, ep.APIKey)
	return req, nil
}

func authorize(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

// DecodeResponse reads the body with the SDK's ChatCompletion type. Choices
// without a message are skipped.
func (Dialect) DecodeResponse(body []byte) (*models.ResponseEnvelope, error) {
	if err := provider.RequireObject(body); err != nil {
		return nil, fmt.Errorf("decode chat completion: %w", err)
	}
	var resp sdk.ChatCompletion
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode chat completion: %w", err)
	}

	env := &models.ResponseEnvelope{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: models.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}

	for _, choice := range resp.Choices {
		if !choice.JSON.Message.Valid() {
			continue
		}
		env.Candidates = append(env.Candidates, models.Candidate{
			Index:        int(choice.Index),
			FinishReason: choice.FinishReason,
			Turn:         conversation.NewText(conversation.RoleAssistant, choice.Message.Content),
		})
	}
	return env, nil
}

// wholeMessage is the non-standard choices[0].message some local servers put
// in stream chunks instead of a delta.
type wholeMessage struct {
	Content string `json:"content"`
}

// DecodeChunk reads choices[0].delta.content, falling back to
// choices[0].message.content for servers that stream whole messages.
func (Dialect) DecodeChunk(data []byte) (provider.Chunk, error) {
	if err := provider.RequireObject(data); err != nil {
		return provider.Chunk{}, fmt.Errorf("decode stream chunk: %w", err)
	}
	var chunk sdk.ChatCompletionChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return provider.Chunk{}, fmt.Errorf("decode stream chunk: %w", err)
	}
	if len(chunk.Choices) == 0 {
		return provider.Chunk{}, nil
	}

	choice := chunk.Choices[0]
	if choice.Delta.Content != "" {
		return provider.Chunk{Text: choice.Delta.Content}, nil
	}
	// Unknown fields are kept raw; Valid reports false for them.
	if raw := choice.JSON.ExtraFields["message"].Raw(); raw != "" && raw != "null" {
		var msg wholeMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return provider.Chunk{}, fmt.Errorf("decode stream message: %w", err)
		}
		return provider.Chunk{Text: msg.Content}, nil
	}
	return provider.Chunk{}, nil
}

func (Dialect) NewModelsRequest(ctx context.Context, ep provider.Endpoint) (*http.Request, error) {
	req, err := provider.NewJSONRequest(ctx, http.MethodGet, provider.JoinURL(ep.BaseURL, modelsPath), nil, ep.Headers)
	if err != nil {
		return nil, err
	}
	authorize(req, ep.APIKey)
	return req, nil
}

type modelsResponse struct {
	Object string      `json:"object"`
	Data   []sdk.Model `json:"data"`
}

func (Dialect) DecodeModels(body []byte) ([]models.ModelDescriptor, error) {
	var resp modelsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode models list: %w", err)
	}

	out := make([]models.ModelDescriptor, 0, len(resp.Data))
	for _, m := range resp.Data {
		out = append(out, models.ModelDescriptor{
			Name:     m.ID,
			Provider: providerName,
			Created:  m.Created,
		})
	}
	return out, nil
}
