package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const shardCount = 32

type shard struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// MemorySessions is a process-local SessionStore. Each id hashes to a shard
// whose mutex serializes every mutation of that id.
type MemorySessions struct {
	shards [shardCount]*shard
	now    func() time.Time

	idxMu     sync.Mutex
	bySubject map[string]map[string]struct{}
}

// NewMemorySessions constructs an empty store. A nil clock means time.Now.
func NewMemorySessions(now func() time.Time) *MemorySessions {
	if now == nil {
		now = time.Now
	}
	m := &MemorySessions{now: now, bySubject: make(map[string]map[string]struct{})}
	for i := range m.shards {
		m.shards[i] = &shard{sessions: make(map[string]Session)}
	}
	return m
}

func (m *MemorySessions) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return m.shards[h.Sum32()%shardCount]
}

func (m *MemorySessions) Create(_ context.Context, sess Session) error {
	if sess.ID == "" || sess.SubjectID == "" {
		return fmt.Errorf("store: session id and subject are required")
	}
	now := m.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastAccessedAt.IsZero() {
		sess.LastAccessedAt = now
	}

	sh := m.shardFor(sess.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.sessions[sess.ID]; ok {
		return ErrExists
	}
	sh.sessions[sess.ID] = sess
	m.index(sess.SubjectID, sess.ID)
	return nil
}

func (m *MemorySessions) Get(_ context.Context, id string) (Session, error) {
	sh := m.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (m *MemorySessions) Update(_ context.Context, id string, fn func(*Session) error) (Session, error) {
	sh := m.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	next := sess
	if err := fn(&next); err != nil {
		return sess, err
	}
	// id and owner are immutable
	next.ID, next.SubjectID = sess.ID, sess.SubjectID
	sh.sessions[id] = next
	return next, nil
}

func (m *MemorySessions) Delete(_ context.Context, id string) (bool, error) {
	sh := m.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[id]
	if !ok {
		return false, nil
	}
	delete(sh.sessions, id)
	m.unindex(sess.SubjectID, id)
	return true, nil
}

func (m *MemorySessions) Touch(ctx context.Context, id string) error {
	_, err := m.Update(ctx, id, func(s *Session) error {
		s.LastAccessedAt = m.now()
		return nil
	})
	return err
}

func (m *MemorySessions) FindBySubject(_ context.Context, subjectID string) ([]Session, error) {
	out := make([]Session, 0)
	for _, id := range m.idsFor(subjectID) {
		sh := m.shardFor(id)
		sh.mu.Lock()
		if sess, ok := sh.sessions[id]; ok && sess.SubjectID == subjectID {
			out = append(out, sess)
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemorySessions) DeleteAllForSubject(_ context.Context, subjectID string) (int, error) {
	n := 0
	for _, id := range m.idsFor(subjectID) {
		sh := m.shardFor(id)
		sh.mu.Lock()
		if sess, ok := sh.sessions[id]; ok && sess.SubjectID == subjectID {
			delete(sh.sessions, id)
			m.unindex(subjectID, id)
			n++
		}
		sh.mu.Unlock()
	}
	return n, nil
}

// SweepExpired removes sessions whose access token expired with no refresh
// token to recover it. Shards are locked one at a time.
func (m *MemorySessions) SweepExpired(_ context.Context) (int, error) {
	now := m.now()
	n := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for id, sess := range sh.sessions {
			if sess.Stale(now) {
				delete(sh.sessions, id)
				m.unindex(sess.SubjectID, id)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n, nil
}

// Len counts stored sessions.
func (m *MemorySessions) Len() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		n += len(sh.sessions)
		sh.mu.Unlock()
	}
	return n
}

// index and unindex are called with the owning shard locked.
func (m *MemorySessions) index(subjectID, id string) {
	m.idxMu.Lock()
	defer m.idxMu.Unlock()
	ids, ok := m.bySubject[subjectID]
	if !ok {
		ids = make(map[string]struct{})
		m.bySubject[subjectID] = ids
	}
	ids[id] = struct{}{}
}

func (m *MemorySessions) unindex(subjectID, id string) {
	m.idxMu.Lock()
	defer m.idxMu.Unlock()
	ids := m.bySubject[subjectID]
	delete(ids, id)
	if len(ids) == 0 {
		delete(m.bySubject, subjectID)
	}
}

func (m *MemorySessions) idsFor(subjectID string) []string {
	m.idxMu.Lock()
	defer m.idxMu.Unlock()
	ids := make([]string, 0, len(m.bySubject[subjectID]))
	for id := range m.bySubject[subjectID] {
		ids = append(ids, id)
	}
	return ids
}
