package translator

import (
	"time"

	"parley/internal/client"
	"parley/internal/conversation"
	"parley/internal/models"
)

// SessionResponse describes a live session.
type SessionResponse struct {
	ID       string    `json:"id"`
	Provider string    `json:"provider"`
	Model    string    `json:"model"`
	Created  time.Time `json:"created"`
}

// HistoryResponse is the full conversation of a session.
type HistoryResponse struct {
	SessionResponse
	Messages []Message `json:"messages"`
}

// FromHistory renders turns with their text joined.
func FromHistory(turns []*conversation.Turn) []Message {
	out := make([]Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, Message{Role: string(t.Role()), Content: t.Text()})
	}
	return out
}

// TurnResponse is the assistant reply to one turn.
type TurnResponse struct {
	ID           string `json:"id,omitempty"`
	Model        string `json:"model"`
	Role         string `json:"role"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// Usage mirrors the token counters reported upstream.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// FromReply converts a client reply into the relay response shape.
func FromReply(model string, reply *client.Reply) TurnResponse {
	var usage *Usage
	if reply.Usage != (models.Usage{}) {
		usage = &Usage{
			InputTokens:  reply.Usage.InputTokens,
			OutputTokens: reply.Usage.OutputTokens,
			TotalTokens:  reply.Usage.TotalTokens,
		}
	}

	if reply.Model != "" {
		model = reply.Model
	}

	return TurnResponse{
		ID:           reply.ID,
		Model:        model,
		Role:         string(conversation.RoleAssistant),
		Content:      reply.Text,
		FinishReason: reply.FinishReason,
		Usage:        usage,
	}
}

// ChunkEvent carries one streamed text delta.
type ChunkEvent struct {
	Text string `json:"text"`
}

// ModelsResponse lists the models of one configured provider.
type ModelsResponse struct {
	Provider string      `json:"provider"`
	Models   []ModelInfo `json:"models"`
}

// ModelInfo is one model on the relay wire.
type ModelInfo struct {
	Name              string   `json:"name"`
	DisplayName       string   `json:"display_name,omitempty"`
	Description       string   `json:"description,omitempty"`
	Version           string   `json:"version,omitempty"`
	ContextWindow     int      `json:"context_window,omitempty"`
	MaxOutputTokens   int      `json:"max_output_tokens,omitempty"`
	Created           int64    `json:"created,omitempty"`
	SupportsToolUse   bool     `json:"supports_tool_use,omitempty"`
	GenerationMethods []string `json:"generation_methods,omitempty"`
}

// FromModels converts descriptors for the relay wire.
func FromModels(providerName string, list []models.ModelDescriptor) ModelsResponse {
	out := ModelsResponse{Provider: providerName, Models: make([]ModelInfo, 0, len(list))}
	for _, m := range list {
		out.Models = append(out.Models, ModelInfo{
			Name:              m.Name,
			DisplayName:       m.DisplayName,
			Description:       m.Description,
			Version:           m.Version,
			ContextWindow:     m.ContextWindow,
			MaxOutputTokens:   m.MaxOutputTokens,
			Created:           m.Created,
			SupportsToolUse:   m.SupportsToolUse,
			GenerationMethods: m.GenerationMethods,
		})
	}
	return out
}
