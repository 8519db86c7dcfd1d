package pollchat

import (
	"sync"

	"github.com/pkg/errors"
)

// Local rejections. No request is issued when one of these is returned.
var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNoConversation = errors.New("no conversation selected")
	ErrBlocked        = errors.New("conversation is blocked")
	ErrBlockedByPeer  = errors.New("blocked by the other user")
	ErrMissingField   = errors.New("required field is missing")
	ErrLoggedOut      = errors.New("session expired, logged out")
)

// TokenStore holds the credentials of the current session. The client reads
// the access token from it before every request.
type TokenStore interface {
	AccessToken() string
	SetTokens(t Tokens) error
	Clear() error
}

// MemoryTokens is a goroutine-safe in-memory TokenStore.
type MemoryTokens struct {
	mu     sync.RWMutex
	tokens Tokens
}

// NewMemoryTokens returns a store seeded with t.
func NewMemoryTokens(t Tokens) *MemoryTokens {
	return &MemoryTokens{tokens: t}
}

func (m *MemoryTokens) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens.Access
}

// Tokens returns a copy of the stored pair.
func (m *MemoryTokens) Tokens() Tokens {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens
}

func (m *MemoryTokens) SetTokens(t Tokens) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = t
	return nil
}

func (m *MemoryTokens) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = Tokens{}
	return nil
}

// IsUnauthorized reports whether err is a 401 from the chat service.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 401
}
