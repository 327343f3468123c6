// Package confirm issues one-shot, time-boxed confirmation tokens that gate writes to
// critical files.
//
// An Issuer holds at most one outstanding token. Issuing a new token replaces the
// previous one. A token validates at most once.
package confirm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is the lifetime of an issued token.
const DefaultTTL = 60 * time.Second

// Validation errors. They are checked in this order: none, expired, used, mismatch.
var (
	// ErrNoToken indicates no token has been issued.
	ErrNoToken = errors.New("no confirmation token issued")

	// ErrTokenExpired indicates the outstanding token's TTL elapsed.
	ErrTokenExpired = errors.New("confirmation token expired")

	// ErrTokenUsed indicates the outstanding token was already consumed.
	ErrTokenUsed = errors.New("confirmation token already used")

	// ErrTokenMismatch indicates the presented token does not match the outstanding one.
	ErrTokenMismatch = errors.New("confirmation token mismatch")
)

// Token is a one-shot confirmation credential.
type Token struct {
	Value     string    `json:"token"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Used      bool      `json:"used"`
	// Purpose is free text describing what the token was issued for.
	Purpose string `json:"purpose,omitempty"`
}

// Issuer owns the single outstanding token.
type Issuer struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	current *Token
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithTTL overrides DefaultTTL. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithClock injects a time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIssuer creates an Issuer with no outstanding token.
func NewIssuer(opts ...Option) *Issuer {
	i := &Issuer{ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue creates a new token, replacing any outstanding one, and returns a copy.
func (i *Issuer) Issue(purpose string) Token {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	i.current = &Token{
		Value:     uuid.New().String(),
		IssuedAt:  now,
		ExpiresAt: now.Add(i.ttl),
		Purpose:   purpose,
	}
	return *i.current
}

// Consume validates value against the outstanding token and marks it used on success.
func (i *Issuer) Consume(value string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.validateLocked(value); err != nil {
		return err
	}
	i.current.Used = true
	return nil
}

// Validate checks value without consuming it.
func (i *Issuer) Validate(value string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.validateLocked(value)
}

func (i *Issuer) validateLocked(value string) error {
	if i.current == nil {
		return ErrNoToken
	}
	now := i.now()
	if now.After(i.current.ExpiresAt) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, i.current.ExpiresAt.Format(time.RFC3339))
	}
	if i.current.Used {
		return ErrTokenUsed
	}
	if value == "" || value != i.current.Value {
		return ErrTokenMismatch
	}
	return nil
}

// Outstanding returns a copy of the current token, if any.
func (i *Issuer) Outstanding() (Token, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.current == nil {
		return Token{}, false
	}
	return *i.current, true
}

// Revoke discards the outstanding token.
func (i *Issuer) Revoke() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.current = nil
}

// TTL returns the configured token lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}
