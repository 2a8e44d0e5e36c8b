package visor

import (
	"fmt"
	"sync"
)

// SessionMessage is one exchange recorded in an AI session.
type SessionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is a conversational context a provider can continue. Sessions are
// owned by the step that created them; reuse hands either the live session
// (append) or a copy (clone) to the consumer.
type Session struct {
	ID       string
	Owner    string
	Scope    string
	Messages []SessionMessage

	mu sync.Mutex
}

// Append records a message on the session.
func (s *Session) Append(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = append(s.Messages, SessionMessage{Role: role, Content: content})
}

// History returns a copy of the recorded messages.
func (s *Session) History() []SessionMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionMessage, len(s.Messages))
	copy(out, s.Messages)
	return out
}

func (s *Session) clone(newID, owner string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]SessionMessage, len(s.Messages))
	copy(msgs, s.Messages)
	return &Session{ID: newID, Owner: owner, Scope: s.Scope, Messages: msgs}
}

// SessionRegistry tracks AI sessions for one run. Sessions are keyed by
// owning step and iteration scope so parallel fan-out branches never share
// a live context by accident.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: map[string]*Session{}}
}

func sessionKey(step, scope string) string {
	return step + "\x00" + scope
}

// Create registers a fresh session owned by step in the given scope,
// replacing any prior one.
func (r *SessionRegistry) Create(step, scope string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &Session{ID: NewID(), Owner: step, Scope: scope}
	r.sessions[sessionKey(step, scope)] = s
	return s
}

// Get returns the session owned by step in scope, falling back to the root
// scope. Fan-out children inherit the parent's root-scope session when no
// scoped one exists.
func (r *SessionRegistry) Get(step, scope string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionKey(step, scope)]; ok {
		return s, true
	}
	if scope != "" {
		if s, ok := r.sessions[sessionKey(step, "")]; ok {
			return s, true
		}
	}
	return nil, false
}

// Resolve decides the session a step executes with, following its
// reuse_ai_session declaration:
//
//   - absent or false: a fresh session.
//   - true: inherit from the step's single dependency.
//   - "self": continue the step's own session from its previous run.
//   - "<step>": inherit from the named step.
//
// Inheritance honors session_mode: clone (default) hands over an isolated
// copy, append continues the source session in place. A consumer that
// appends sees, and contributes to, the source's live history.
func (r *SessionRegistry) Resolve(step *StepConfig, scope string) (*Session, error) {
	ref := step.ReuseAISession
	if ref == nil || !ref.Enabled {
		return r.Create(step.Name, scope), nil
	}

	if ref.Self {
		if s, ok := r.Get(step.Name, scope); ok {
			return s, nil
		}
		return r.Create(step.Name, scope), nil
	}

	source := ref.Source
	if source == "" {
		if len(step.DependsOn) != 1 {
			return nil, fmt.Errorf("session: step %q: reuse_ai_session needs exactly one dependency, got %d", step.Name, len(step.DependsOn))
		}
		source = step.DependsOn[0]
	}

	src, ok := r.Get(source, scope)
	if !ok {
		return nil, fmt.Errorf("session: step %q: no session recorded for %q", step.Name, source)
	}
	if step.SessionMode == "append" {
		return src, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cloned := src.clone(NewID(), step.Name)
	r.sessions[sessionKey(step.Name, scope)] = cloned
	return cloned, nil
}
