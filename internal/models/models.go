package models

import (
	"errors"
	"fmt"

	"parley/internal/conversation"
)

// Sampling carries generation parameters. A nil field is left off the wire.
type Sampling struct {
	Temperature *float64
	TopP        *float64
	TopK        *int
	MaxTokens   *int
	Stream      *bool
}

// Merge returns s with every nil field filled from fallback.
func (s Sampling) Merge(fallback Sampling) Sampling {
	out := s
	if out.Temperature == nil {
		out.Temperature = fallback.Temperature
	}
	if out.TopP == nil {
		out.TopP = fallback.TopP
	}
	if out.TopK == nil {
		out.TopK = fallback.TopK
	}
	if out.MaxTokens == nil {
		out.MaxTokens = fallback.MaxTokens
	}
	if out.Stream == nil {
		out.Stream = fallback.Stream
	}
	return out
}

// Streaming reports whether the stream flag is set and true.
func (s Sampling) Streaming() bool {
	return s.Stream != nil && *s.Stream
}

// SamplingLimits bounds the parameters a provider accepts.
type SamplingLimits struct {
	MaxTemperature float64
	// AllowUnlimitedTokens permits -1 as "no output limit".
	AllowUnlimitedTokens bool
}

// Validate checks s against the limits.
func (s Sampling) Validate(limits SamplingLimits) error {
	if s.Temperature != nil {
		if t := *s.Temperature; t < 0 || t > limits.MaxTemperature {
			return fmt.Errorf("temperature %.2f outside [0, %.1f]", t, limits.MaxTemperature)
		}
	}
	if s.TopP != nil {
		if p := *s.TopP; p < 0 || p > 1 {
			return fmt.Errorf("top_p %.2f outside [0, 1]", p)
		}
	}
	if s.TopK != nil && *s.TopK < 0 {
		return fmt.Errorf("top_k %d must not be negative", *s.TopK)
	}
	if s.MaxTokens != nil {
		n := *s.MaxTokens
		switch {
		case n > 0:
		case n == -1 && limits.AllowUnlimitedTokens:
		default:
			return errors.New("max_tokens must be positive")
		}
	}
	return nil
}

// RequestEnvelope is the provider-neutral snapshot a dialect encodes.
type RequestEnvelope struct {
	Model    string
	Turns    []*conversation.Turn
	Sampling Sampling
}

// System returns the leading system instruction, if any.
func (r RequestEnvelope) System() string {
	for _, t := range r.Turns {
		if t.Role() == conversation.RoleSystem {
			return t.Text()
		}
	}
	return ""
}

// Dialogue returns the turns without the system instruction.
func (r RequestEnvelope) Dialogue() []*conversation.Turn {
	out := make([]*conversation.Turn, 0, len(r.Turns))
	for _, t := range r.Turns {
		if t.Role() != conversation.RoleSystem {
			out = append(out, t)
		}
	}
	return out
}

// ResponseEnvelope captures a parsed provider reply.
type ResponseEnvelope struct {
	ID         string
	Model      string
	Candidates []Candidate
	Usage      Usage
}

// Candidate is one completion offered by the provider.
type Candidate struct {
	Index        int
	FinishReason string
	Turn         *conversation.Turn
}

// Usage records token accounting information.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// ModelDescriptor is static metadata returned by a models listing.
type ModelDescriptor struct {
	Name              string
	DisplayName       string
	Description       string
	Version           string
	Provider          string
	ContextWindow     int
	MaxOutputTokens   int
	Created           int64
	SupportsToolUse   bool
	GenerationMethods []string
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }
