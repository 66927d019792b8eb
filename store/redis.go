package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxUpdateAttempts = 5

// deleteSessionLua removes a session blob and its subject index entry in one
// step. KEYS[1]=session key, KEYS[2]=subject set, ARGV[1]=session id.
var deleteSessionLua = redis.NewScript(`
local existed = redis.call("EXISTS", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
if existed == 1 then
  redis.call("DEL", KEYS[1])
end
return existed
`)

// RedisSessions is a SessionStore shared between gateway replicas. Session
// blobs are JSON under <prefix>:session:<id>; <prefix>:subject:<sub> is a set
// of session ids.
type RedisSessions struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisSessions builds a store. ttl bounds how long Redis keeps a blob
// (the session cookie lifetime); zero disables key expiry.
func NewRedisSessions(rdb redis.UniversalClient, prefix string, ttl time.Duration, now func() time.Time) *RedisSessions {
	if prefix == "" {
		prefix = "cdcgw"
	}
	if now == nil {
		now = time.Now
	}
	return &RedisSessions{rdb: rdb, prefix: prefix, ttl: ttl, now: now}
}

func (r *RedisSessions) key(id string) string {
	return r.prefix + ":session:" + id
}

func (r *RedisSessions) subjectKey(subjectID string) string {
	return r.prefix + ":subject:" + subjectID
}

func (r *RedisSessions) Create(ctx context.Context, sess Session) error {
	if sess.ID == "" || sess.SubjectID == "" {
		return fmt.Errorf("store: session id and subject are required")
	}
	now := r.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastAccessedAt.IsZero() {
		sess.LastAccessedAt = now
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("store: encode session: %w", err)
	}

	ok, err := r.rdb.SetNX(ctx, r.key(sess.ID), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return ErrExists
	}
	if err := r.rdb.SAdd(ctx, r.subjectKey(sess.SubjectID), sess.ID).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RedisSessions) Get(ctx context.Context, id string) (Session, error) {
	data, err := r.rdb.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return decodeSession(data)
}

// Update runs fn inside WATCH/MULTI and retries when another writer touched
// the same key first.
func (r *RedisSessions) Update(ctx context.Context, id string, fn func(*Session) error) (Session, error) {
	key := r.key(id)
	var out Session

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		sess, err := decodeSession(data)
		if err != nil {
			return err
		}
		next := sess
		if err := fn(&next); err != nil {
			out = sess
			return err
		}
		next.ID, next.SubjectID = sess.ID, sess.SubjectID
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("store: encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, redis.KeepTTL)
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := r.rdb.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrNotFound) {
			return Session{}, err
		}
		return out, err
	}
	return Session{}, fmt.Errorf("%w: update of %s kept conflicting", ErrUnavailable, id)
}

func (r *RedisSessions) Delete(ctx context.Context, id string) (bool, error) {
	sess, err := r.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	existed, err := deleteSessionLua.Run(ctx, r.rdb, []string{r.key(id), r.subjectKey(sess.SubjectID)}, id).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return existed == 1, nil
}

func (r *RedisSessions) Touch(ctx context.Context, id string) error {
	_, err := r.Update(ctx, id, func(s *Session) error {
		s.LastAccessedAt = r.now()
		return nil
	})
	return err
}

func (r *RedisSessions) FindBySubject(ctx context.Context, subjectID string) ([]Session, error) {
	subjectKey := r.subjectKey(subjectID)
	ids, err := r.rdb.SMembers(ctx, subjectKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out := make([]Session, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var dangling []any
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// blob expired through its ttl
			dangling = append(dangling, ids[i])
			continue
		}
		sess, err := decodeSession([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if len(dangling) > 0 {
		_ = r.rdb.SRem(ctx, subjectKey, dangling...).Err()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *RedisSessions) DeleteAllForSubject(ctx context.Context, subjectID string) (int, error) {
	subjectKey := r.subjectKey(subjectID)
	ids, err := r.rdb.SMembers(ctx, subjectKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}

	var deleted *redis.IntCmd
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(keys) > 0 {
			deleted = pipe.Del(ctx, keys...)
		}
		pipe.Del(ctx, subjectKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if deleted == nil {
		return 0, nil
	}
	return int(deleted.Val()), nil
}

// SweepExpired scans every session blob and removes stale ones. Each removal
// re-checks the blob under WATCH so a concurrent refresh wins.
func (r *RedisSessions) SweepExpired(ctx context.Context) (int, error) {
	now := r.now()
	removed := 0
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, r.prefix+":session:*", 100).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		for _, key := range keys {
			ok, err := r.sweepKey(ctx, key, now)
			if err != nil {
				return removed, err
			}
			if ok {
				removed++
			}
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (r *RedisSessions) sweepKey(ctx context.Context, key string, now time.Time) (bool, error) {
	swept := false
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return err
		}
		sess, err := decodeSession(data)
		if err != nil || !sess.Stale(now) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, r.subjectKey(sess.SubjectID), sess.ID)
			return nil
		})
		if err == nil {
			swept = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return swept, nil
}

func decodeSession(data []byte) (Session, error) {
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, fmt.Errorf("store: decode session: %w", err)
	}
	return sess, nil
}
