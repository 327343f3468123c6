package confirm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestIssuer() (*Issuer, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	return NewIssuer(WithClock(clock.Now)), clock
}

func TestIssuer_OneShot(t *testing.T) {
	issuer, _ := newTestIssuer()
	tok := issuer.Issue("write go.mod")

	require.NoError(t, issuer.Consume(tok.Value))

	err := issuer.Consume(tok.Value)
	require.ErrorIs(t, err, ErrTokenUsed)
	assert.Contains(t, err.Error(), "already used")
}

func TestIssuer_Expiry(t *testing.T) {
	issuer, clock := newTestIssuer()
	tok := issuer.Issue("")
	assert.Equal(t, tok.IssuedAt.Add(DefaultTTL), tok.ExpiresAt)

	clock.Advance(DefaultTTL)
	require.NoError(t, issuer.Validate(tok.Value), "exactly at TTL is still valid")

	clock.Advance(time.Nanosecond)
	err := issuer.Consume(tok.Value)
	require.ErrorIs(t, err, ErrTokenExpired)
	assert.Contains(t, err.Error(), "expired")
}

func TestIssuer_ExpiredBeatsUsed(t *testing.T) {
	issuer, clock := newTestIssuer()
	tok := issuer.Issue("")
	require.NoError(t, issuer.Consume(tok.Value))

	clock.Advance(2 * DefaultTTL)
	assert.ErrorIs(t, issuer.Consume(tok.Value), ErrTokenExpired)
}

func TestIssuer_Mismatch(t *testing.T) {
	issuer, _ := newTestIssuer()
	tok := issuer.Issue("")

	assert.ErrorIs(t, issuer.Consume("not-the-token"), ErrTokenMismatch)
	assert.ErrorIs(t, issuer.Consume(""), ErrTokenMismatch)

	// A failed attempt does not burn the token.
	assert.NoError(t, issuer.Consume(tok.Value))
}

func TestIssuer_NoToken(t *testing.T) {
	issuer, _ := newTestIssuer()
	assert.ErrorIs(t, issuer.Consume("anything"), ErrNoToken)

	_, ok := issuer.Outstanding()
	assert.False(t, ok)
}

func TestIssuer_ReissueReplacesOutstanding(t *testing.T) {
	issuer, _ := newTestIssuer()
	first := issuer.Issue("")
	second := issuer.Issue("")
	require.NotEqual(t, first.Value, second.Value)

	assert.ErrorIs(t, issuer.Consume(first.Value), ErrTokenMismatch)
	assert.NoError(t, issuer.Consume(second.Value))

	out, ok := issuer.Outstanding()
	require.True(t, ok)
	assert.True(t, out.Used)
}

func TestIssuer_Revoke(t *testing.T) {
	issuer, _ := newTestIssuer()
	tok := issuer.Issue("")
	issuer.Revoke()
	assert.ErrorIs(t, issuer.Consume(tok.Value), ErrNoToken)
}

func TestIssuer_WithTTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	issuer := NewIssuer(WithClock(clock.Now), WithTTL(5*time.Second), WithTTL(-1))
	assert.Equal(t, 5*time.Second, issuer.TTL())

	tok := issuer.Issue("")
	clock.Advance(6 * time.Second)
	assert.ErrorIs(t, issuer.Consume(tok.Value), ErrTokenExpired)
}

func TestIssuer_ConcurrentConsumeOnlyOnce(t *testing.T) {
	issuer, _ := newTestIssuer()
	tok := issuer.Issue("")

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if issuer.Consume(tok.Value) == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}
