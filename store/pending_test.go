package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingConsumeIsSingleUse(t *testing.T) {
	p := NewPendingStore(0, nil)
	require.NoError(t, p.Save(PendingAuthorization{AttemptID: "a1", State: "s", Nonce: "n", CodeVerifier: "v"}))
	assert.ErrorIs(t, p.Save(PendingAuthorization{AttemptID: "a1"}), ErrExists)

	pa, err := p.Consume("a1")
	require.NoError(t, err)
	assert.Equal(t, "s", pa.State)
	assert.False(t, pa.CreatedAt.IsZero())

	_, err = p.Consume("a1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, DefaultPendingTTL, p.TTL())
}

func TestPendingExpiry(t *testing.T) {
	clk := &testClock{now: time.Now()}
	p := NewPendingStore(10*time.Minute, clk.Now)
	require.NoError(t, p.Save(PendingAuthorization{AttemptID: "old"}))
	clk.Advance(6 * time.Minute)
	require.NoError(t, p.Save(PendingAuthorization{AttemptID: "new"}))

	clk.Advance(5 * time.Minute)
	_, err := p.Consume("old")
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, 1, p.Len(), "expired entry is dropped on consume")

	clk.Advance(5 * time.Minute)
	assert.Equal(t, 1, p.Sweep())
	assert.Zero(t, p.Len())
}
