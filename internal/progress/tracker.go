// Package progress keeps transfer progress in Redis so any replica can
// answer progress polls.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"artifactvault/internal/domain"
)

const (
	keyPrefix  = "artifactvault:progress:"
	defaultTTL = 24 * time.Hour
)

type Tracker struct {
	client redis.Cmdable
	ttl    time.Duration
}

func New(client redis.Cmdable, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Tracker{client: client, ttl: ttl}
}

// Connect opens a client for addr and checks it answers.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

func key(id uuid.UUID) string {
	return keyPrefix + id.String()
}

func (t *Tracker) Update(ctx context.Context, p domain.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	if err := t.client.Set(ctx, key(p.ArtifactID), data, t.ttl).Err(); err != nil {
		return fmt.Errorf("store progress: %w", err)
	}
	return nil
}

func (t *Tracker) Get(ctx context.Context, artifactID uuid.UUID) (*domain.Progress, error) {
	data, err := t.client.Get(ctx, key(artifactID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: no progress for artifact %s", domain.ErrNotFound, artifactID)
		}
		return nil, fmt.Errorf("load progress: %w", err)
	}

	var p domain.Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	return &p, nil
}
