// Package session tracks the live conversations served by the relay.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"parley/internal/client"
)

// ErrUnknownSession indicates the requested session is not registered.
var ErrUnknownSession = errors.New("unknown session")

// Builder constructs a client for a configured provider name.
type Builder interface {
	Build(name string, opts ...client.Option) (*client.Client, error)
}

// Session is one conversation. Its client is only reachable through Do,
// which serialises callers.
type Session struct {
	ID       string
	Provider string
	Created  time.Time

	mu     sync.Mutex
	client *client.Client
}

// Do runs fn with exclusive access to the session's client.
func (s *Session) Do(fn func(*client.Client) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.client)
}

// Registry maintains a mapping of session IDs to sessions.
type Registry struct {
	builder Builder

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty registry that builds clients with b.
func NewRegistry(b Builder) *Registry {
	return &Registry{
		builder:  b,
		sessions: make(map[string]*Session),
	}
}

// Create starts a conversation with the named provider. A non-empty system
// replaces the configured system instruction.
func (r *Registry) Create(providerName, system string) (*Session, error) {
	var opts []client.Option
	if system != "" {
		opts = append(opts, client.WithSystemInstruction(system))
	}

	c, err := r.builder.Build(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("create session for %q: %w", providerName, err)
	}

	s := &Session{
		ID:       uuid.NewString(),
		Provider: providerName,
		Created:  time.Now().UTC(),
		client:   c,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s, nil
}

// Lookup returns the session with the given ID.
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}

// Delete removes the session and closes its client.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s.Do(func(c *client.Client) error { return c.Close() })
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close drops every session.
func (r *Registry) Close() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Do(func(c *client.Client) error { return c.Close() }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
