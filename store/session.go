// Package store holds gateway state: sessions (in memory or in Redis) and
// the transient pending authorizations of the code flow.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrExists   = errors.New("store: already exists")
	// ErrUnavailable wraps failures of a remote backend.
	ErrUnavailable = errors.New("store: backend unavailable")
)

// Flow identifies which orchestrator created a session.
type Flow string

const (
	FlowCode   Flow = "code"
	FlowBearer Flow = "bearer"
)

// Session correlates an opaque client-held id with upstream credentials.
type Session struct {
	ID                        string    `json:"id"`
	Flow                      Flow      `json:"flow"`
	SubjectID                 string    `json:"subject_id"`
	Email                     string    `json:"email,omitempty"`
	DisplayName               string    `json:"display_name,omitempty"`
	ExternalUID               string    `json:"external_uid,omitempty"`
	CommerceAccessToken       string    `json:"commerce_access_token"`
	CommerceAccessTokenExpiry time.Time `json:"commerce_access_token_expiry"`
	CommerceRefreshToken      string    `json:"commerce_refresh_token,omitempty"`
	IDToken                   string    `json:"id_token,omitempty"`
	CreatedAt                 time.Time `json:"created_at"`
	LastAccessedAt            time.Time `json:"last_accessed_at"`
}

// AccessTokenExpired reports whether the commerce token has passed its expiry.
func (s Session) AccessTokenExpired(now time.Time) bool {
	return !now.Before(s.CommerceAccessTokenExpiry)
}

// Stale reports an unrecoverable session: token expired and nothing to
// refresh it with.
func (s Session) Stale(now time.Time) bool {
	return s.AccessTokenExpired(now) && s.CommerceRefreshToken == ""
}

// SessionStore is implemented by MemorySessions and RedisSessions.
// Mutations of one id are serialized; different ids proceed concurrently.
type SessionStore interface {
	Create(ctx context.Context, sess Session) error
	Get(ctx context.Context, id string) (Session, error)
	// Update applies fn to the stored session atomically. Returning an error
	// from fn aborts the update.
	Update(ctx context.Context, id string, fn func(*Session) error) (Session, error)
	Delete(ctx context.Context, id string) (bool, error)
	Touch(ctx context.Context, id string) error
	FindBySubject(ctx context.Context, subjectID string) ([]Session, error)
	DeleteAllForSubject(ctx context.Context, subjectID string) (int, error)
	SweepExpired(ctx context.Context) (int, error)
}
