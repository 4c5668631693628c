// Package kv abstracts the shared key/value store the gateway coordinates
// through. Keys are opaque strings namespaced by the caller; values are
// JSON blobs. A store may be in-memory (single node), pebble-backed
// (single node, persistent) or redis-backed (multi replica).
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/inconshreveable/log15"
)

// ErrLockBusy is returned by WithLock when the lock is held and the
// caller asked for OnBusyThrow.
var ErrLockBusy = errors.New("kv: lock busy")

// Store is the minimal contract every backend satisfies. A ttl <= 0
// means the key does not expire. SetNX writes only when the key is
// absent and reports whether the write happened; it is the atomic
// primitive scoped locks are built on.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// Pinger is implemented by backends that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// GetJSON reads key and unmarshals it into T. Returns nil without error
// when the key is absent.
func GetJSON[T any](ctx context.Context, s Store, key string) (*T, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("kv: decode %s: %w", key, err)
	}
	return &v, nil
}

// SetJSON marshals v and writes it under key.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv: encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw, ttl)
}

// BusyPolicy selects WithLock's behavior when the lock is already held.
type BusyPolicy int

const (
	// OnBusyThrow makes WithLock return ErrLockBusy.
	OnBusyThrow BusyPolicy = iota
	// OnBusySkip makes WithLock return without running fn.
	OnBusySkip
)

// LockOptions configures WithLock.
type LockOptions struct {
	TTL    time.Duration
	OnBusy BusyPolicy
}

type lockEntry struct {
	Token string `json:"token"`
}

// WithLock acquires a scoped lock on key, runs fn while holding it, and
// releases on every exit path. When the lock is held by someone else it
// either skips (ran=false, no error) or fails with ErrLockBusy,
// depending on opts.OnBusy. Release is best-effort and idempotent: a
// token mismatch (TTL expiry plus re-acquire by another owner) leaves
// the key alone.
func WithLock[T any](ctx context.Context, s Store, key string, opts LockOptions, fn func(context.Context) (T, error)) (result T, ran bool, err error) {
	token := uuid.NewString()
	raw, err := json.Marshal(lockEntry{Token: token})
	if err != nil {
		return result, false, err
	}
	ok, err := s.SetNX(ctx, key, raw, opts.TTL)
	if err != nil {
		return result, false, err
	}
	if !ok {
		if opts.OnBusy == OnBusySkip {
			return result, false, nil
		}
		return result, false, ErrLockBusy
	}
	defer releaseLock(ctx, s, key, token)

	result, err = fn(ctx)
	return result, true, err
}

func releaseLock(ctx context.Context, s Store, key, token string) {
	held, err := GetJSON[lockEntry](ctx, s, key)
	if err != nil {
		log.Warn("lock release read failed", "key", key, "err", err)
		return
	}
	if held == nil || held.Token != token {
		return
	}
	if err := s.Del(ctx, key); err != nil {
		log.Warn("lock release failed", "key", key, "err", err)
	}
}
