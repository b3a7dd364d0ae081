// Package kv defines the typed key/value abstraction every other gateway
// component is built on: get/set/del/exists/listKeys plus a scoped lock
// primitive for short mutual-exclusion sections (the pool's global mutex,
// the fee tracker's per-key usage lock). Persistent, long-lived leases (the
// per-channel in-use lock) are modeled as plain values managed directly by
// internal/channelpool rather than through WithLock.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrLockBusy is returned by WithLock when onBusy is OnBusyThrow and the key
// is already held.
var ErrLockBusy = errors.New("kv: lock busy")

// OnBusy controls WithLock's behaviour when the target key is already locked.
type OnBusy int

const (
	// OnBusyThrow returns ErrLockBusy when the lock cannot be acquired.
	OnBusyThrow OnBusy = iota
	// OnBusySkip returns (false, nil) without invoking fn.
	OnBusySkip
)

// LockOptions configures a WithLock call.
type LockOptions struct {
	TTL    time.Duration
	OnBusy OnBusy
}

// Store is the storage abstraction every component depends on. Keys are
// opaque strings already namespaced by callers (e.g. "<network>:channel:...").
type Store interface {
	// Get returns the raw value for key, or ok=false if absent or expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set writes value for key. ttl<=0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Del removes key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error
	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)
	// ListKeys enumerates keys sharing prefix. Empty prefix lists everything.
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	// WithLock acquires a short-lived mutual-exclusion lock on key, runs fn
	// while held, and releases on every exit path. When the key is already
	// locked, behaviour follows opts.OnBusy. ran reports whether fn executed.
	WithLock(ctx context.Context, key string, opts LockOptions, fn func(context.Context) error) (ran bool, err error)
}

// GetJSON reads key and unmarshals it into T. It returns (nil, nil) when the
// key is absent, mirroring the spec's get<T>(k) -> T|null.
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
		return nil, err
	}
	return &v, nil
}

// SetJSON marshals v and writes it to key with the given ttl (ttl<=0 means
// no expiry).
func SetJSON[T any](ctx context.Context, s Store, key string, v T, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, raw, ttl)
}
