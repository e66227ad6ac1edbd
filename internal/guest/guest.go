// Package guest persists the lightweight identity of respondents who fill
// out a form without an account. Identities live in session-scoped
// storage and expire after MaxAge.
package guest

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/zach-source/gradtracer/internal/clock"
	"github.com/zach-source/gradtracer/internal/storage"
)

// MaxAge is how long a stored guest identity stays valid.
const MaxAge = 24 * time.Hour

const baseKey = "guest_session"

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// Identity is a guest respondent.
type Identity struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	RememberMe bool   `json:"rememberMe"`
	IsActive   bool   `json:"isActive"`
	// Timestamp is the creation time in epoch milliseconds.
	Timestamp int64  `json:"timestamp"`
	SessionID string `json:"sessionId"`
}

// CreatedAt returns Timestamp as a time.
func (i Identity) CreatedAt() time.Time {
	return time.UnixMilli(i.Timestamp)
}

// Store reads and writes the guest identity under a fixed key.
type Store struct {
	adapter *storage.Adapter
	clock   clock.Clock
	key     string
}

// NewStore returns a guest store. A non-empty discriminator yields the
// key guest_session_<discriminator>, keeping identities of separate
// embeddings apart.
func NewStore(adapter *storage.Adapter, clk clock.Clock, discriminator string) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	key := baseKey
	if discriminator != "" {
		key += "_" + discriminator
	}
	return &Store{adapter: adapter, clock: clk, key: key}
}

// Key returns the storage key of the identity.
func (s *Store) Key() string { return s.key }

// Save stamps the identity with the current time and a fresh session id,
// persists it and returns the stored value.
func (s *Store) Save(ctx context.Context, id Identity) Identity {
	id.Timestamp = s.clock.Now().UnixMilli()
	id.SessionID = uuid.NewString()
	s.adapter.Write(ctx, s.key, id)
	return id
}

// Update overwrites the stored identity without restamping it.
func (s *Store) Update(ctx context.Context, id Identity) {
	s.adapter.Write(ctx, s.key, id)
}

// Get returns the stored identity, or false if there is none or it is
// older than MaxAge. Expired identities are deleted.
func (s *Store) Get(ctx context.Context) (Identity, bool) {
	id, ok := storage.Read[Identity](ctx, s.adapter, s.key)
	if !ok {
		return Identity{}, false
	}
	if s.clock.Now().Sub(id.CreatedAt()) > MaxAge {
		s.adapter.Remove(ctx, s.key)
		return Identity{}, false
	}
	return id, true
}

// Clear removes the stored identity.
func (s *Store) Clear(ctx context.Context) {
	s.adapter.Remove(ctx, s.key)
}

// ValidateEmail reports whether email looks like an address.
func ValidateEmail(email string) bool {
	return emailPattern.MatchString(email)
}
