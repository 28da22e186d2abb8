// Package translator maps relay HTTP bodies to client calls and back.
package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"parley/internal/conversation"
	"parley/internal/models"
)

var (
	errEmptyProvider  = errors.New("provider must be provided")
	errEmptyText      = errors.New("text must not be empty")
	errEmptyMessages  = errors.New("at least one message is required")
	errInvalidContent = errors.New("invalid message content")
)

// CreateSessionRequest starts a conversation with a configured provider.
type CreateSessionRequest struct {
	Provider string
	System   string
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *CreateSessionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Provider string `json:"provider"`
		System   string `json:"system"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode session request: %w", err)
	}

	r.Provider = strings.TrimSpace(raw.Provider)
	r.System = raw.System
	if r.Provider == "" {
		return errEmptyProvider
	}
	return nil
}

// TurnRequest submits one user turn with optional sampling overrides.
type TurnRequest struct {
	Text        string
	Stream      bool
	Temperature *float64
	TopP        *float64
	TopK        *int
	MaxTokens   *int
}

// UnmarshalJSON accepts text either as a string or as an array of text
// segments, under "text" or "content".
func (r *TurnRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Text        json.RawMessage `json:"text"`
		Content     json.RawMessage `json:"content"`
		Stream      bool            `json:"stream"`
		Temperature *float64        `json:"temperature"`
		TopP        *float64        `json:"top_p"`
		TopK        *int            `json:"top_k"`
		MaxTokens   *int            `json:"max_tokens"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode turn request: %w", err)
	}

	source := raw.Text
	if len(source) == 0 {
		source = raw.Content
	}
	text, err := extractMessageContent(source)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return errEmptyText
	}

	r.Text = text
	r.Stream = raw.Stream
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.TopK = raw.TopK
	r.MaxTokens = raw.MaxTokens
	return nil
}

// Sampling returns the per-call overrides carried by the request.
func (r TurnRequest) Sampling() models.Sampling {
	return models.Sampling{
		Temperature: r.Temperature,
		TopP:        r.TopP,
		TopK:        r.TopK,
		MaxTokens:   r.MaxTokens,
	}
}

// SystemRequest replaces the system instruction; empty text removes it.
type SystemRequest struct {
	Text string `json:"text"`
}

// ClearRequest empties the history.
type ClearRequest struct {
	KeepSystem bool `json:"keep_system"`
}

// HistoryRequest replaces the whole history of a session.
type HistoryRequest struct {
	Messages []Message
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *HistoryRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Messages []Message `json:"messages"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode history request: %w", err)
	}
	if len(raw.Messages) == 0 {
		return errEmptyMessages
	}
	r.Messages = raw.Messages
	return nil
}

// Turns converts the messages into conversation turns.
func (r HistoryRequest) Turns() ([]*conversation.Turn, error) {
	turns := make([]*conversation.Turn, 0, len(r.Messages))
	for i, m := range r.Messages {
		role, err := conversation.ParseRole(m.Role)
		if err != nil {
			return nil, fmt.Errorf("message[%d]: %w", i, err)
		}
		turns = append(turns, conversation.NewText(role, m.Content))
	}
	return turns, nil
}

// Message is one turn on the relay wire.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UnmarshalJSON supports string and array-of-text content formats.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = content
	return nil
}

func extractMessageContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: missing content", errInvalidContent)
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		texts := make([]string, 0, len(segments))
		for _, segment := range segments {
			if segment.Type != conversation.PartText {
				return "", fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
			}
			texts = append(texts, segment.Text)
		}
		return strings.Join(texts, "\n"), nil
	}

	return "", fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}
