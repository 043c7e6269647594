// Package redispending keeps pending checkout markers in Redis so that every
// instance of the service sees the same open checkout sessions.
package redispending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/splitkit/svc/billing"
)

const defaultPrefix = "billing:pending:"

// Store implements billing.PendingCheckouts. Markers expire with a Redis TTL
// set to their ExpiresAt.
type Store struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithClock sets the time source used to compute TTLs.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns a Redis backed pending checkout store.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: defaultPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(userID uuid.UUID) string {
	return s.prefix + userID.String()
}

func (s *Store) Put(ctx context.Context, p billing.PendingCheckout) error {
	ttl := p.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return s.Clear(ctx, p.UserID)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending checkout: %w", err)
	}
	if err := s.client.Set(ctx, s.key(p.UserID), data, ttl).Err(); err != nil {
		return fmt.Errorf("store pending checkout: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, userID uuid.UUID) (*billing.PendingCheckout, error) {
	data, err := s.client.Get(ctx, s.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, billing.ErrNoPendingCheckout
	}
	if err != nil {
		return nil, fmt.Errorf("load pending checkout: %w", err)
	}

	var p billing.PendingCheckout
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode pending checkout: %w", err)
	}
	// Redis expiry has second granularity on some servers.
	if !p.ExpiresAt.After(s.now()) {
		return nil, billing.ErrNoPendingCheckout
	}
	return &p, nil
}

func (s *Store) Clear(ctx context.Context, userID uuid.UUID) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("clear pending checkout: %w", err)
	}
	return nil
}
