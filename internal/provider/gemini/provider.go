package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"parley/internal/conversation"
	"parley/internal/models"
	"parley/internal/provider"
)

const (
	providerName   = "gemini"
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/models/"
	defaultModel   = "gemini-2.5-flash"
)

// Dialect speaks the Generative Language generateContent API. The key
// travels in the query string, not a header.
type Dialect struct{}

func New() Dialect {
	return Dialect{}
}

var _ provider.Dialect = Dialect{}

func (Dialect) Name() string { return providerName }

func (Dialect) RequiresKey() bool { return true }

func (Dialect) DefaultBaseURL() string { return defaultBaseURL }

func (Dialect) DefaultModel() string { return defaultModel }

func (Dialect) Defaults() models.Sampling {
	return models.Sampling{
		Temperature: models.Float(0.35),
		TopK:        models.Int(1),
		TopP:        models.Float(1),
		MaxTokens:   models.Int(65536),
		Stream:      models.Bool(false),
	}
}

func (Dialect) Limits() models.SamplingLimits {
	return models.SamplingLimits{MaxTemperature: 2}
}

// Request and response bodies reuse the SDK's Content and Part types, which
// marshal to the REST field names.
type generateRequest struct {
	Contents          []*genai.Content  `json:"contents"`
	SystemInstruction *genai.Content    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

// genai.GenerationConfig carries topK as a float and drops nil pointers we
// need to distinguish, so the config stays local.
type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

func wireRole(role conversation.Role) string {
	if role == conversation.RoleAssistant {
		return string(genai.RoleModel)
	}
	return string(genai.RoleUser)
}

func toContent(turn *conversation.Turn, role string) *genai.Content {
	parts := turn.Parts()
	out := &genai.Content{Role: role, Parts: make([]*genai.Part, 0, len(parts))}
	for _, p := range parts {
		if p.Type != conversation.PartText && p.Type != "" {
			continue
		}
		out.Parts = append(out.Parts, genai.NewPartFromText(p.Text))
	}
	return out
}

// textParts returns the non-thought text parts of c.
func textParts(c *genai.Content) []conversation.Part {
	if c == nil {
		return nil
	}
	out := make([]conversation.Part, 0, len(c.Parts))
	for _, p := range c.Parts {
		if p == nil || p.Thought || p.Text == "" {
			continue
		}
		out = append(out, conversation.Part{Type: conversation.PartText, Text: p.Text})
	}
	return out
}

func buildGenerateRequest(env models.RequestEnvelope) generateRequest {
	dialogue := env.Dialogue()
	req := generateRequest{Contents: make([]*genai.Content, 0, len(dialogue))}
	for _, turn := range dialogue {
		req.Contents = append(req.Contents, toContent(turn, wireRole(turn.Role())))
	}

	if system := env.System(); system != "" {
		req.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(system)}}
	}

	s := env.Sampling
	if s.Temperature != nil || s.TopK != nil || s.TopP != nil || s.MaxTokens != nil {
		req.GenerationConfig = &generationConfig{
			Temperature:     s.Temperature,
			TopK:            s.TopK,
			TopP:            s.TopP,
			MaxOutputTokens: s.MaxTokens,
		}
	}
	return req
}

// modelPath accepts both "gemini-x" and the listing form "models/gemini-x".
func modelPath(model string) string {
	return strings.TrimPrefix(model, "models/")
}

func withKey(rawURL, apiKey string, extra url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if apiKey != "" {
		q.Set("key", apiKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (Dialect) NewChatRequest(ctx context.Context, ep provider.Endpoint, env models.RequestEnvelope) (*http.Request, error) {
	method := ":generateContent"
	var extra url.Values
	if env.Sampling.Streaming() {
		method = ":streamGenerateContent"
		extra = url.Values{"alt": {"sse"}}
	}

	target, err := withKey(provider.JoinURL(ep.BaseURL, modelPath(env.Model)+method), ep.APIKey, extra)
	if err != nil {
		return nil, err
	}

	req, err := provider.NewJSONRequest(ctx, http.MethodPost, target, buildGenerateRequest(env), ep.Headers)
	if err != nil {
		return nil, err
	}
	if env.Sampling.Streaming() {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, nil
}

func (Dialect) DecodeResponse(body []byte) (*models.ResponseEnvelope, error) {
	var resp genai.GenerateContentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode generate response: %w", err)
	}

	env := &models.ResponseEnvelope{ID: resp.ResponseID, Model: resp.ModelVersion}
	if u := resp.UsageMetadata; u != nil {
		env.Usage = models.Usage{
			InputTokens:  int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
			TotalTokens:  int(u.TotalTokenCount),
		}
	}

	for _, c := range resp.Candidates {
		if c == nil {
			continue
		}
		parts := textParts(c.Content)
		if len(parts) == 0 {
			continue
		}
		env.Candidates = append(env.Candidates, models.Candidate{
			Index:        int(c.Index),
			FinishReason: string(c.FinishReason),
			Turn:         conversation.NewTurn(conversation.RoleAssistant, parts...),
		})
	}
	return env, nil
}

// DecodeChunk reads the text of the first candidate. Gemini closes the
// stream without a sentinel, so Done is never set here.
func (Dialect) DecodeChunk(data []byte) (provider.Chunk, error) {
	var resp genai.GenerateContentResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return provider.Chunk{}, fmt.Errorf("decode stream chunk: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return provider.Chunk{}, nil
	}

	var sb strings.Builder
	for _, p := range textParts(resp.Candidates[0].Content) {
		sb.WriteString(p.Text)
	}
	return provider.Chunk{Text: sb.String()}, nil
}

func (Dialect) NewModelsRequest(ctx context.Context, ep provider.Endpoint) (*http.Request, error) {
	target, err := withKey(strings.TrimRight(ep.BaseURL, "/"), ep.APIKey, nil)
	if err != nil {
		return nil, err
	}
	return provider.NewJSONRequest(ctx, http.MethodGet, target, nil, ep.Headers)
}

type modelsListResponse struct {
	Models        []modelInfo `json:"models"`
	NextPageToken string      `json:"nextPageToken"`
}

type modelInfo struct {
	Name                       string   `json:"name"`
	Version                    string   `json:"version"`
	DisplayName                string   `json:"displayName"`
	Description                string   `json:"description"`
	InputTokenLimit            int      `json:"inputTokenLimit"`
	OutputTokenLimit           int      `json:"outputTokenLimit"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
}

func (Dialect) DecodeModels(body []byte) ([]models.ModelDescriptor, error) {
	var resp modelsListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode models list: %w", err)
	}

	out := make([]models.ModelDescriptor, 0, len(resp.Models))
	for _, m := range resp.Models {
		out = append(out, models.ModelDescriptor{
			Name:              m.Name,
			DisplayName:       m.DisplayName,
			Description:       m.Description,
			Version:           m.Version,
			Provider:          providerName,
			ContextWindow:     m.InputTokenLimit,
			MaxOutputTokens:   m.OutputTokenLimit,
			GenerationMethods: m.SupportedGenerationMethods,
		})
	}
	return out, nil
}
