package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"

	"parley/internal/conversation"
	"parley/internal/models"
	"parley/internal/provider"
)

const (
	providerName      = "anthropic"
	defaultBaseURL    = "https://api.anthropic.com/v1/"
	defaultAPIVersion = "2023-06-01"
	messagesPath      = "messages"
	modelsPath        = "models"
)

// Dialect speaks the Anthropic Messages API.
type Dialect struct {
	apiVersion string
}

// Option configures a Dialect.
type Option func(*Dialect)

// WithAPIVersion overrides the anthropic-version header.
func WithAPIVersion(version string) Option {
	return func(d *Dialect) {
		if version != "" {
			d.apiVersion = version
		}
	}
}

// New returns the Anthropic dialect.
func New(opts ...Option) Dialect {
	d := Dialect{apiVersion: defaultAPIVersion}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

var _ provider.Dialect = Dialect{}

func (Dialect) Name() string { return providerName }

func (Dialect) RequiresKey() bool { return true }

func (Dialect) DefaultBaseURL() string { return defaultBaseURL }

func (Dialect) DefaultModel() string { return string(anthropic.ModelClaudeSonnet4_5_20250929) }

// APIVersion returns the anthropic-version header value.
func (d Dialect) APIVersion() string { return d.apiVersion }

// Defaults leave top_p unset: Sonnet 4.5 and later reject requests that
// carry both temperature and top_p. 1.0 is the API default.
func (Dialect) Defaults() models.Sampling {
	return models.Sampling{
		Temperature: models.Float(0.7),
		MaxTokens:   models.Int(1024),
		Stream:      models.Bool(false),
	}
}

func (Dialect) Limits() models.SamplingLimits {
	return models.SamplingLimits{MaxTemperature: 1}
}

type messagePayload struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	TopK        *int      `json:"top_k,omitempty"`
	Stream      bool      `json:"stream"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (d Dialect) buildMessagePayload(env models.RequestEnvelope) messagePayload {
	dialogue := env.Dialogue()
	messages := make([]message, 0, len(dialogue))
	for _, turn := range dialogue {
		parts := turn.Parts()
		blocks := make([]contentBlock, 0, len(parts))
		for _, part := range parts {
			blocks = append(blocks, contentBlock{Type: part.Type, Text: part.Text})
		}
		messages = append(messages, message{
			Role:    string(turn.Role()),
			Content: blocks,
		})
	}

	// max_tokens is mandatory on this API.
	maxTokens := *d.Defaults().MaxTokens
	if env.Sampling.MaxTokens != nil {
		maxTokens = *env.Sampling.MaxTokens
	}

	return messagePayload{
		Model:       env.Model,
		Messages:    messages,
		System:      env.System(),
		MaxTokens:   maxTokens,
		Temperature: env.Sampling.Temperature,
		TopP:        env.Sampling.TopP,
		TopK:        env.Sampling.TopK,
		Stream:      env.Sampling.Streaming(),
	}
}

func (d Dialect) NewChatRequest(ctx context.Context, ep provider.Endpoint, env models.RequestEnvelope) (*http.Request, error) {
	req, err := provider.NewJSONRequest(ctx, http.MethodPost, provider.JoinURL(ep.BaseURL, messagesPath), d.buildMessagePayload(env), ep.Headers)
	if err != nil {
		return nil, err
	}
	if env.Sampling.Streaming() {
		req.Header.Set("Accept", "text/event-stream")
	}
	d.authorize(req, ep.APIKey)
	return req, nil
}

func (d Dialect) authorize(req *http.Request, apiKey string) {
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", d.apiVersion)
}

// DecodeResponse keeps text blocks only; other block types cannot be
// replayed without the fields this client does not model.
func (Dialect) DecodeResponse(body []byte) (*models.ResponseEnvelope, error) {
	if err := provider.RequireObject(body); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	var msg anthropic.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	input, output := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	env := &models.ResponseEnvelope{
		ID:    msg.ID,
		Model: string(msg.Model),
		Usage: models.Usage{
			InputTokens:  input,
			OutputTokens: output,
			TotalTokens:  input + output,
		},
	}

	parts := make([]conversation.Part, 0, len(msg.Content))
	for _, block := range msg.Content {
		if block.Type != conversation.PartText {
			continue
		}
		parts = append(parts, conversation.Part{Type: block.Type, Text: block.Text})
	}
	if len(parts) > 0 {
		env.Candidates = []models.Candidate{{
			FinishReason: string(msg.StopReason),
			Turn:         conversation.NewTurn(conversation.RoleAssistant, parts...),
		}}
	}
	return env, nil
}

// streamError is the body of an "error" event, which the SDK's event union
// does not carry.
type streamError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// errorStatus maps stream error types to the status the same error has when
// it is returned before the stream starts.
var errorStatus = map[string]int{
	"invalid_request_error": http.StatusBadRequest,
	"authentication_error":  http.StatusUnauthorized,
	"permission_error":      http.StatusForbidden,
	"not_found_error":       http.StatusNotFound,
	"request_too_large":     http.StatusRequestEntityTooLarge,
	"rate_limit_error":      http.StatusTooManyRequests,
	"api_error":             http.StatusInternalServerError,
	"overloaded_error":      529,
}

// DecodeChunk extracts text_delta payloads; message_stop ends the stream and
// an error event fails it.
func (Dialect) DecodeChunk(data []byte) (provider.Chunk, error) {
	if err := provider.RequireObject(data); err != nil {
		return provider.Chunk{}, fmt.Errorf("decode stream event: %w", err)
	}
	var event anthropic.MessageStreamEventUnion
	if err := json.Unmarshal(data, &event); err != nil {
		return provider.Chunk{}, fmt.Errorf("decode stream event: %w", err)
	}

	switch event.Type {
	case "content_block_delta":
		if event.Delta.Type == "text_delta" || event.Delta.Type == "" {
			return provider.Chunk{Text: event.Delta.Text}, nil
		}
	case "message_stop":
		return provider.Chunk{Done: true}, nil
	case "error":
		var se streamError
		if err := json.Unmarshal(data, &se); err != nil {
			return provider.Chunk{}, fmt.Errorf("decode stream error: %w", err)
		}
		status, ok := errorStatus[se.Error.Type]
		if !ok {
			status = http.StatusInternalServerError
		}
		return provider.Chunk{Err: &provider.StatusError{
			Provider:   providerName,
			StatusCode: status,
			Type:       se.Error.Type,
			Message:    se.Error.Message,
		}}, nil
	}
	return provider.Chunk{}, nil
}

func (d Dialect) NewModelsRequest(ctx context.Context, ep provider.Endpoint) (*http.Request, error) {
	req, err := provider.NewJSONRequest(ctx, http.MethodGet, provider.JoinURL(ep.BaseURL, modelsPath), nil, ep.Headers)
	if err != nil {
		return nil, err
	}
	d.authorize(req, ep.APIKey)
	return req, nil
}

// The current API lists models under "data"; older deployments used "models".
type modelsListResponse struct {
	Data   []modelInfo `json:"data"`
	Models []modelInfo `json:"models"`
}

type modelInfo struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	DisplayName     string `json:"display_name"`
	Description     string `json:"description"`
	ContextWindow   int    `json:"context_window"`
	MaxTokens       int    `json:"max_tokens"`
	Created         int64  `json:"created"`
	SupportsToolUse bool   `json:"supports_tool_use"`
}

func (Dialect) DecodeModels(body []byte) ([]models.ModelDescriptor, error) {
	var resp modelsListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode models list: %w", err)
	}

	entries := append(resp.Data, resp.Models...)
	out := make([]models.ModelDescriptor, 0, len(entries))
	for _, m := range entries {
		name := m.ID
		if name == "" {
			name = m.Name
		}
		out = append(out, models.ModelDescriptor{
			Name:            name,
			DisplayName:     m.DisplayName,
			Description:     m.Description,
			Provider:        providerName,
			ContextWindow:   m.ContextWindow,
			MaxOutputTokens: m.MaxTokens,
			Created:         m.Created,
			SupportsToolUse: m.SupportsToolUse,
		})
	}
	return out, nil
}
