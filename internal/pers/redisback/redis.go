// Package redisback is the Redis persistence back end: one JSON string
// per entity under prefix+TSID. Redis durability is whatever the
// deployment configures (AOF or snapshots); the soft hint maps to a
// fire-and-forget SET.
package redisback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"
)

// Store implements pers.Backend on a Redis client.
type Store struct {
	client *redis.Client
	prefix string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr string, db int, prefix string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", addr, err)
	}
	return &Store{client: client, prefix: prefix}, nil
}

func (s *Store) key(tsid string) string {
	return s.prefix + tsid
}

func (s *Store) Read(ctx context.Context, tsid string) (map[string]any, error) {
	raw, err := s.client.Get(ctx, s.key(tsid)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading object %s: %w", tsid, err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decoding object %s: %w", tsid, err)
	}
	return body, nil
}

func (s *Store) Write(ctx context.Context, body map[string]any, soft bool) error {
	tsid, ok := body["tsid"].(string)
	if !ok || tsid == "" {
		return fmt.Errorf("body without tsid")
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding object %s: %w", tsid, err)
	}
	if soft {
		go func() {
			if err := s.client.Set(context.Background(), s.key(tsid), raw, 0).Err(); err != nil {
				slog.Warn("soft write failed", "tsid", tsid, "error", err)
			}
		}()
		return nil
	}
	if err := s.client.Set(ctx, s.key(tsid), raw, 0).Err(); err != nil {
		return fmt.Errorf("writing object %s: %w", tsid, err)
	}
	return nil
}

func (s *Store) Del(ctx context.Context, tsid string) error {
	if err := s.client.Del(ctx, s.key(tsid)).Err(); err != nil {
		return fmt.Errorf("deleting object %s: %w", tsid, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
