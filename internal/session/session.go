// Package session supplies the local user's identity and an explicit
// session-event source. Components receive the source at construction; there
// is no process-wide subscriber list.
package session

import (
	"errors"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid access token")
	ErrNoSubject    = errors.New("access token has no subject")
)

// Identity is the stable identifier pair handed out by the hosted auth
// provider. The engine treats UserID as opaque.
type Identity struct {
	UserID   string
	Username string
}

// FromToken extracts the identity from a provider-issued JWT access token.
// The token is validated by the backend on every call it accompanies; here
// only the claims are read, so no signing key is needed.
func FromToken(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return Identity{}, ErrInvalidToken
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, ErrNoSubject
	}
	if _, err := uuid.Parse(sub); err != nil {
		return Identity{}, ErrNoSubject
	}

	username, _ := claims["username"].(string)

	return Identity{UserID: sub, Username: username}, nil
}

// Event kinds emitted by the Source.
const (
	SignedIn  = "signed_in"
	SignedOut = "signed_out"
)

type Event struct {
	Kind     string
	Identity Identity
}

// Source is the single session-event feed injected into components that care
// about sign-in state. Tests drive it with synthetic transitions.
type Source struct {
	mu       sync.RWMutex
	identity Identity
	handlers []func(Event)
}

func NewSource(identity Identity) *Source {
	return &Source{identity: identity}
}

// Identity returns the current session identity.
func (s *Source) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Subscribe registers a handler for future session transitions.
func (s *Source) Subscribe(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

// Emit applies a session transition and notifies handlers in order.
func (s *Source) Emit(ev Event) {
	s.mu.Lock()
	if ev.Kind == SignedIn {
		s.identity = ev.Identity
	} else {
		s.identity = Identity{}
	}
	handlers := make([]func(Event), len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}
