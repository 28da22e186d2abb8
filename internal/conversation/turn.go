package conversation

import (
	"fmt"
	"strings"
)

// Role identifies the speaker of a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartText is the only part type providers exchange with us today.
const PartText = "text"

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// ParseRole normalises a wire role name. Gemini's "model" maps to assistant.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "system":
		return RoleSystem, nil
	case "user":
		return RoleUser, nil
	case "assistant", "model":
		return RoleAssistant, nil
	default:
		return "", fmt.Errorf("unknown role %q", raw)
	}
}

// Part is one typed block of turn content.
type Part struct {
	Type string
	Text string
}

// Turn is one role-tagged message. Turns are never edited after
// construction; buffers hold them by pointer so identity survives copies.
type Turn struct {
	role  Role
	parts []Part
}

// NewTurn builds a turn from typed parts. Parts are copied.
func NewTurn(role Role, parts ...Part) *Turn {
	cp := make([]Part, len(parts))
	copy(cp, parts)
	return &Turn{role: role, parts: cp}
}

// NewText builds a single-part text turn.
func NewText(role Role, text string) *Turn {
	return &Turn{role: role, parts: []Part{{Type: PartText, Text: text}}}
}

// Role returns the speaker.
func (t *Turn) Role() Role {
	return t.role
}

// Parts returns a copy of the content parts.
func (t *Turn) Parts() []Part {
	out := make([]Part, len(t.parts))
	copy(out, t.parts)
	return out
}

// Text joins every text-bearing part with a newline.
func (t *Turn) Text() string {
	texts := make([]string, 0, len(t.parts))
	for _, p := range t.parts {
		if p.Type == PartText || p.Type == "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// HasText reports whether any text-bearing part carries non-empty text.
func (t *Turn) HasText() bool {
	for _, p := range t.parts {
		if (p.Type == PartText || p.Type == "") && p.Text != "" {
			return true
		}
	}
	return false
}
