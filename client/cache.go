package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
)

// Keys written to cache slots
const (
	KeyState             = "oauth2state"
	KeyAccessToken       = "access_token"
	KeyCustomAccessToken = "custom_access_token"
)

// ModeSession is the cache mode backed by a SessionSlot registered by New
const ModeSession = "session"

// ErrCacheMiss is returned by CacheSlot.Get for absent keys
var ErrCacheMiss = errors.New("cache miss")

// CacheSlot is an external token cache
type CacheSlot interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// SessionSlot keeps values in process memory for the lifetime of one session
type SessionSlot struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewSessionSlot creates an empty session slot
func NewSessionSlot() *SessionSlot {
	return &SessionSlot{values: make(map[string]string)}
}

// Get returns the value stored under key
func (s *SessionSlot) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[key]
	if !ok || value == "" {
		return "", ErrCacheMiss
	}
	return value, nil
}

// Set stores value under key
func (s *SessionSlot) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
	return nil
}

// Delete removes keys; absent keys are ignored
func (s *SessionSlot) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.values, key)
	}
	return nil
}

// ValkeySlot shares cached values between processes through Valkey
type ValkeySlot struct {
	client valkeygo.Client
	prefix string
	ttl    time.Duration
}

// NewValkeySlot creates a slot storing keys under prefix. A positive ttl
// expires entries; zero keeps them until deleted.
func NewValkeySlot(client valkeygo.Client, prefix string, ttl time.Duration) *ValkeySlot {
	return &ValkeySlot{client: client, prefix: prefix, ttl: ttl}
}

func (s *ValkeySlot) key(key string) string {
	return s.prefix + key
}

// Get returns the value stored under key
func (s *ValkeySlot) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Do(ctx, s.client.B().Get().Key(s.key(key)).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return "", ErrCacheMiss
		}
		return "", fmt.Errorf("failed to read cache key %q: %w", key, err)
	}
	return value, nil
}

// Set stores value under key
func (s *ValkeySlot) Set(ctx context.Context, key, value string) error {
	var err error
	if s.ttl > 0 {
		err = s.client.Do(ctx, s.client.B().Set().Key(s.key(key)).Value(value).Ex(s.ttl).Build()).Error()
	} else {
		err = s.client.Do(ctx, s.client.B().Set().Key(s.key(key)).Value(value).Build()).Error()
	}
	if err != nil {
		return fmt.Errorf("failed to write cache key %q: %w", key, err)
	}
	return nil
}

// Delete removes keys; absent keys are ignored
func (s *ValkeySlot) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = s.key(key)
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(prefixed...).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete cache keys: %w", err)
	}
	return nil
}
