/*
idempotency.go - Idempotency-Key replay for mutating requests

PURPOSE:
  A client that retries POST /purchase after a timeout must not buy twice.
  When the Idempotency-Key header is present, the first response is stored
  and replayed for every retry with the same key from the same caller.

STATES (per key):
  absent  -> reserved by Begin, handler runs
  pending -> a concurrent duplicate gets 409
  done    -> stored response replayed with X-Idempotency-Hit: true

  Server errors (5xx) release the key so the client can retry.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const HeaderIdempotencyKey = "Idempotency-Key"

type StoredResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// IdempotencyStore reserves keys and keeps finished responses.
type IdempotencyStore interface {
	// Begin reserves key. If the key is already finished the stored
	// response is returned; if it is still in flight, started and stored
	// are both zero.
	Begin(ctx context.Context, key string, ttl time.Duration) (stored *StoredResponse, started bool, err error)
	Complete(ctx context.Context, key string, resp StoredResponse, ttl time.Duration) error
	Abort(ctx context.Context, key string) error
}

// Idempotency wraps handlers that must run at most once per key.
func Idempotency(store IdempotencyStore, ttl time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderIdempotencyKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if id, ok := IdentityFrom(r.Context()); ok {
				key = string(id.Account) + ":" + key
			}
			key = "idem:" + r.Method + ":" + r.URL.Path + ":" + key
			ctx := r.Context()

			stored, started, err := store.Begin(ctx, key, ttl)
			if err != nil {
				writeError(w, http.StatusServiceUnavailable, "Idempotency store unavailable", err)
				return
			}
			if stored != nil {
				logger.Info("idempotency hit", "key", key)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Idempotency-Hit", "true")
				w.WriteHeader(stored.Status)
				w.Write(stored.Body)
				return
			}
			if !started {
				writeError(w, http.StatusConflict, "Request with this Idempotency-Key is in progress", nil)
				return
			}

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			// The handler has finished; the client going away must not
			// leave the key reserved.
			bg := context.WithoutCancel(ctx)
			if rec.status >= 500 {
				if err := store.Abort(bg, key); err != nil {
					logger.Error("failed to release idempotency key", "key", key, "error", err)
				}
				return
			}
			if err := store.Complete(bg, key, StoredResponse{Status: rec.status, Body: rec.body.Bytes()}, ttl); err != nil {
				logger.Error("failed to save idempotency key", "key", key, "error", err)
			}
		})
	}
}

type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *recordingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// =============================================================================
// REDIS
// =============================================================================

const pendingMarker = "pending"

type RedisIdempotency struct {
	client *redis.Client
}

func NewRedisIdempotency(client *redis.Client) *RedisIdempotency {
	return &RedisIdempotency{client: client}
}

func (s *RedisIdempotency) Begin(ctx context.Context, key string, ttl time.Duration) (*StoredResponse, bool, error) {
	ok, err := s.client.SetNX(ctx, key, pendingMarker, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if ok {
		return nil, true, nil
	}

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; treat as in flight and let the client retry.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if val == pendingMarker {
		return nil, false, nil
	}
	var stored StoredResponse
	if err := json.Unmarshal([]byte(val), &stored); err != nil {
		return nil, false, err
	}
	return &stored, false, nil
}

func (s *RedisIdempotency) Complete(ctx context.Context, key string, resp StoredResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

func (s *RedisIdempotency) Abort(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// =============================================================================
// MEMORY
// =============================================================================

type MemoryIdempotency struct {
	mu      sync.Mutex
	entries map[string]*idemEntry
	now     func() time.Time
}

type idemEntry struct {
	resp    *StoredResponse // nil while pending
	expires time.Time
}

func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{entries: make(map[string]*idemEntry), now: time.Now}
}

func (s *MemoryIdempotency) Begin(_ context.Context, key string, ttl time.Duration) (*StoredResponse, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expires) {
		return e.resp, false, nil
	}
	s.entries[key] = &idemEntry{expires: now.Add(ttl)}
	return nil, true, nil
}

func (s *MemoryIdempotency) Complete(_ context.Context, key string, resp StoredResponse, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &idemEntry{resp: &resp, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryIdempotency) Abort(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
