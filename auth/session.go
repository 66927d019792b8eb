package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"cdcgateway/autherr"
	"cdcgateway/exchange"
	"cdcgateway/metrics"
	"cdcgateway/store"
)

// SessionStatus reports whether a session id still authenticates.
type SessionStatus struct {
	Authenticated bool
	Refreshed     bool
	Session       store.Session
}

// renewal carries the new credentials a refresh produced.
type renewal struct {
	accessToken  string
	refreshToken string
	idToken      string
	expiry       time.Time
}

type refreshFunc func(ctx context.Context, refreshToken string) (renewal, error)

// sessionKeeper holds the session lifecycle shared by both flows; only the
// namespace and the refresh call differ.
type sessionKeeper struct {
	flow     store.Flow
	prefix   string
	sessions store.SessionStore
	refresh  refreshFunc
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
}

// needsRefresh applies the same early-renewal buffer as exchanged tokens.
func (k *sessionKeeper) needsRefresh(s store.Session) bool {
	return !k.now().Before(s.CommerceAccessTokenExpiry.Add(-time.Duration(exchange.BufferMs) * time.Millisecond))
}

func (k *sessionKeeper) create(ctx context.Context, sess store.Session) (store.Session, error) {
	now := k.now()
	sess.ID = newSessionID(k.prefix)
	sess.Flow = k.flow
	sess.CreatedAt = now
	sess.LastAccessedAt = now
	if err := k.sessions.Create(ctx, sess); err != nil {
		return store.Session{}, autherr.Wrap(autherr.Internal, "create session", err)
	}
	k.metrics.SessionCreated(string(k.flow))
	k.logger.Info("session.created", "flow", k.flow, "session_id", sess.ID, "subject", sess.SubjectID)
	return sess, nil
}

// lookup returns the session when id belongs to this flow's namespace.
func (k *sessionKeeper) lookup(ctx context.Context, id string) (store.Session, bool, error) {
	if !inNamespace(id, k.prefix) {
		return store.Session{}, false, nil
	}
	sess, err := k.sessions.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Session{}, false, nil
	}
	if err != nil {
		return store.Session{}, false, autherr.Wrap(autherr.Unavailable, "load session", err)
	}
	if sess.Flow != k.flow {
		return store.Session{}, false, nil
	}
	return sess, true, nil
}

// check refreshes an expiring session transparently. A session that cannot
// be refreshed is deleted and reported unauthenticated, never resurrected.
func (k *sessionKeeper) check(ctx context.Context, id string) (SessionStatus, error) {
	sess, ok, err := k.lookup(ctx, id)
	if err != nil || !ok {
		return SessionStatus{}, err
	}

	// Without a refresh token the early-renewal window buys nothing; the
	// session lives until the access token has actually expired.
	renewable := sess.CommerceRefreshToken != "" || sess.AccessTokenExpired(k.now())
	if !k.needsRefresh(sess) || !renewable {
		touched, err := k.sessions.Update(ctx, id, func(s *store.Session) error {
			s.LastAccessedAt = k.now()
			return nil
		})
		if errors.Is(err, store.ErrNotFound) {
			return SessionStatus{}, nil
		}
		if err != nil {
			return SessionStatus{}, autherr.Wrap(autherr.Unavailable, "touch session", err)
		}
		return SessionStatus{Authenticated: true, Session: touched}, nil
	}

	refreshed, err := k.renew(ctx, sess)
	if err != nil {
		if autherr.HasCode(err, autherr.SessionExpired) {
			return SessionStatus{}, nil
		}
		return SessionStatus{}, err
	}
	return SessionStatus{Authenticated: true, Refreshed: true, Session: refreshed}, nil
}

// forceRefresh renews the session regardless of its expiry.
func (k *sessionKeeper) forceRefresh(ctx context.Context, id string) (store.Session, error) {
	sess, ok, err := k.lookup(ctx, id)
	if err != nil {
		return store.Session{}, err
	}
	if !ok {
		return store.Session{}, autherr.New(autherr.SessionExpired, "no active session")
	}
	return k.renew(ctx, sess)
}

func (k *sessionKeeper) renew(ctx context.Context, sess store.Session) (store.Session, error) {
	if sess.CommerceRefreshToken == "" {
		k.drop(ctx, sess.ID, "no_refresh_token")
		return store.Session{}, autherr.New(autherr.SessionExpired, "session expired; re-authentication required")
	}

	r, err := k.refresh(ctx, sess.CommerceRefreshToken)
	if err != nil {
		k.logger.Warn("session.refresh_failed", "flow", k.flow, "session_id", sess.ID, "error", err)
		k.drop(ctx, sess.ID, "refresh_failed")
		return store.Session{}, autherr.Wrap(autherr.SessionExpired, "refresh failed; re-authentication required", err)
	}

	updated, err := k.sessions.Update(ctx, sess.ID, func(s *store.Session) error {
		s.CommerceAccessToken = r.accessToken
		s.CommerceAccessTokenExpiry = r.expiry
		if r.refreshToken != "" {
			s.CommerceRefreshToken = r.refreshToken
		}
		if r.idToken != "" {
			s.IDToken = r.idToken
		}
		s.LastAccessedAt = k.now()
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		// logged out while the refresh was in flight
		return store.Session{}, autherr.New(autherr.SessionExpired, "session ended during refresh")
	}
	if err != nil {
		return store.Session{}, autherr.Wrap(autherr.Unavailable, "store refreshed session", err)
	}
	k.logger.Info("session.refreshed", "flow", k.flow, "session_id", sess.ID, "subject", sess.SubjectID)
	return updated, nil
}

func (k *sessionKeeper) drop(ctx context.Context, id, reason string) {
	if _, err := k.sessions.Delete(ctx, id); err != nil {
		k.logger.Warn("session.delete_failed", "flow", k.flow, "session_id", id, "error", err)
		return
	}
	k.logger.Info("session.deleted", "flow", k.flow, "session_id", id, "reason", reason)
}

// logout is idempotent: unknown ids are not an error.
func (k *sessionKeeper) logout(ctx context.Context, id string) error {
	if !inNamespace(id, k.prefix) {
		return nil
	}
	deleted, err := k.sessions.Delete(ctx, id)
	if err != nil {
		return autherr.Wrap(autherr.Unavailable, "delete session", err)
	}
	if deleted {
		k.logger.Info("session.logout", "flow", k.flow, "session_id", id)
	}
	return nil
}

// logoutEverywhere removes every session of the subject owning id.
func (k *sessionKeeper) logoutEverywhere(ctx context.Context, id string) (int, error) {
	sess, ok, err := k.lookup(ctx, id)
	if err != nil || !ok {
		return 0, err
	}
	n, err := k.sessions.DeleteAllForSubject(ctx, sess.SubjectID)
	if err != nil {
		return n, autherr.Wrap(autherr.Unavailable, "delete subject sessions", err)
	}
	k.logger.Info("session.logout_all", "flow", k.flow, "subject", sess.SubjectID, "count", n)
	return n, nil
}
