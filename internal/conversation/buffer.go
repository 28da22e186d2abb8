// Package conversation holds the turn model and the ordered history buffer
// a client sends on every request.
package conversation

import (
	"errors"
	"fmt"
	"slices"
)

// ErrRoleMismatch indicates a turn was appended through the wrong entry point.
var ErrRoleMismatch = errors.New("turn role mismatch")

// Buffer is the ordered history of one conversation. It is not safe for
// concurrent use; callers that share a buffer must serialise access.
type Buffer struct {
	turns []*Turn
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// SetSystemInstruction drops any system turn and, when text is non-empty,
// inserts a fresh one at position 0.
func (b *Buffer) SetSystemInstruction(text string) {
	b.turns = slices.DeleteFunc(b.turns, func(t *Turn) bool {
		return t.Role() == RoleSystem
	})
	if text == "" {
		return
	}
	b.turns = slices.Insert(b.turns, 0, NewText(RoleSystem, text))
}

// System returns the current system instruction, or "" when none is set.
func (b *Buffer) System() string {
	if len(b.turns) > 0 && b.turns[0].Role() == RoleSystem {
		return b.turns[0].Text()
	}
	return ""
}

// AppendUser appends a user turn and returns it so the caller can roll it
// back by identity.
func (b *Buffer) AppendUser(text string) *Turn {
	turn := NewText(RoleUser, text)
	b.turns = append(b.turns, turn)
	return turn
}

// AppendAssistant appends a fully formed assistant turn.
func (b *Buffer) AppendAssistant(turn *Turn) error {
	if turn == nil {
		return errors.New("assistant turn must not be nil")
	}
	if turn.Role() != RoleAssistant {
		return fmt.Errorf("%w: expected %s, got %s", ErrRoleMismatch, RoleAssistant, turn.Role())
	}
	b.turns = append(b.turns, turn)
	return nil
}

// Snapshot returns a copy of the history. Later buffer mutations are not
// visible through it.
func (b *Buffer) Snapshot() []*Turn {
	return slices.Clone(b.turns)
}

// Len returns the number of turns, system turn included.
func (b *Buffer) Len() int {
	return len(b.turns)
}

// Clear removes every turn; with keepSystem the system turn survives.
func (b *Buffer) Clear(keepSystem bool) {
	if keepSystem && len(b.turns) > 0 && b.turns[0].Role() == RoleSystem {
		b.turns = []*Turn{b.turns[0]}
		return
	}
	b.turns = nil
}

// RemoveIfLast removes turn only when it is still the most recent entry.
func (b *Buffer) RemoveIfLast(turn *Turn) bool {
	n := len(b.turns)
	if n == 0 || b.turns[n-1] != turn {
		return false
	}
	b.turns[n-1] = nil
	b.turns = b.turns[:n-1]
	return true
}

// Replace swaps the whole history for a copy of turns. The first system
// turn is moved to the front and any further system turns are dropped.
func (b *Buffer) Replace(turns []*Turn) error {
	next := make([]*Turn, 0, len(turns))
	var system *Turn
	for i, t := range turns {
		if t == nil {
			return fmt.Errorf("turn %d must not be nil", i)
		}
		if !t.Role().Valid() {
			return fmt.Errorf("turn %d: invalid role %q", i, t.Role())
		}
		if t.Role() == RoleSystem {
			if system == nil {
				system = t
			}
			continue
		}
		next = append(next, t)
	}
	if system != nil {
		next = slices.Insert(next, 0, system)
	}
	b.turns = next
	return nil
}
