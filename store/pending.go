package store

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultPendingTTL is how long an authorization attempt may wait for its
// callback.
const DefaultPendingTTL = 10 * time.Minute

var ErrExpired = errors.New("store: expired")

// PendingAuthorization is the per-attempt PKCE/state/nonce triple held
// between the authorization redirect and the provider callback.
type PendingAuthorization struct {
	AttemptID    string
	CodeVerifier string
	State        string
	Nonce        string
	ReturnPath   string
	CreatedAt    time.Time
}

// PendingStore keeps pending authorizations in process memory. Entries are
// single-use: Consume removes them whether or not they are still live.
type PendingStore struct {
	mu    sync.Mutex
	items map[string]PendingAuthorization
	ttl   time.Duration
	now   func() time.Time
}

// NewPendingStore builds a store; zero ttl means DefaultPendingTTL.
func NewPendingStore(ttl time.Duration, now func() time.Time) *PendingStore {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	if now == nil {
		now = time.Now
	}
	return &PendingStore{items: make(map[string]PendingAuthorization), ttl: ttl, now: now}
}

// TTL returns the attempt lifetime.
func (p *PendingStore) TTL() time.Duration {
	return p.ttl
}

func (p *PendingStore) Save(pa PendingAuthorization) error {
	if pa.AttemptID == "" {
		return fmt.Errorf("store: attempt id required")
	}
	if pa.CreatedAt.IsZero() {
		pa.CreatedAt = p.now()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.items[pa.AttemptID]; ok && !p.expired(existing) {
		return ErrExists
	}
	p.items[pa.AttemptID] = pa
	return nil
}

// Consume atomically removes and returns the attempt. ErrExpired is returned
// (and the entry dropped) when the attempt outlived its TTL.
func (p *PendingStore) Consume(attemptID string) (PendingAuthorization, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pa, ok := p.items[attemptID]
	if !ok {
		return PendingAuthorization{}, ErrNotFound
	}
	delete(p.items, attemptID)
	if p.expired(pa) {
		return PendingAuthorization{}, ErrExpired
	}
	return pa, nil
}

// Sweep drops expired attempts and returns how many were removed.
func (p *PendingStore) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id, pa := range p.items {
		if p.expired(pa) {
			delete(p.items, id)
			n++
		}
	}
	return n
}

func (p *PendingStore) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func (p *PendingStore) expired(pa PendingAuthorization) bool {
	return !p.now().Before(pa.CreatedAt.Add(p.ttl))
}
