package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/titan-scrape/titan/internal/titan"
)

// redisEntry is the JSON-on-the-wire shape, matching the external KV
// contract in spec §6 exactly (cf_clearance, user_agent, cookies,
// created_at, expires_at).
type redisEntry struct {
	Domain          string            `json:"domain"`
	ClearanceCookie string            `json:"cf_clearance"`
	UserAgent       string            `json:"user_agent,omitempty"`
	Cookies         map[string]string `json:"cookies,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
}

func toWire(e *titan.SessionEntry) redisEntry {
	return redisEntry{
		Domain:          e.Domain,
		ClearanceCookie: e.ClearanceCookie,
		UserAgent:       e.UserAgent,
		Cookies:         e.Cookies,
		CreatedAt:       e.CreatedAt,
		ExpiresAt:       e.ExpiresAt,
	}
}

func fromWire(w redisEntry) *titan.SessionEntry {
	return &titan.SessionEntry{
		Domain:          w.Domain,
		ClearanceCookie: w.ClearanceCookie,
		UserAgent:       w.UserAgent,
		Cookies:         w.Cookies,
		CreatedAt:       w.CreatedAt,
		ExpiresAt:       w.ExpiresAt,
	}
}

// redisBackend is the distributed Session Store backend: other
// orchestrator instances observe the same cached clearance immediately.
type redisBackend struct {
	client *redis.Client
}

func NewRedisBackend(client *redis.Client) Backend {
	return &redisBackend{client: client}
}

func (r *redisBackend) Get(ctx context.Context, domain string) (*titan.SessionEntry, error) {
	data, err := r.client.Get(ctx, CacheKey(domain)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, titan.ErrSessionBackendDown
	}
	var w redisEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return fromWire(w), nil
}

func (r *redisBackend) Put(ctx context.Context, entry *titan.SessionEntry, ttl time.Duration) error {
	data, err := json.Marshal(toWire(entry))
	if err != nil {
		return err
	}
	if err := r.client.SetEx(ctx, CacheKey(entry.Domain), data, ttl).Err(); err != nil {
		return titan.ErrSessionBackendDown
	}
	return nil
}

func (r *redisBackend) Invalidate(ctx context.Context, domain string) (bool, error) {
	n, err := r.client.Del(ctx, CacheKey(domain)).Result()
	if err != nil {
		return false, titan.ErrSessionBackendDown
	}
	return n > 0, nil
}

func (r *redisBackend) Enumerate(ctx context.Context) ([]*titan.SessionEntry, error) {
	var out []*titan.SessionEntry
	iter := r.client.Scan(ctx, 0, CacheKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var w redisEntry
		if err := json.Unmarshal(data, &w); err != nil {
			continue
		}
		out = append(out, fromWire(w))
	}
	if err := iter.Err(); err != nil {
		return nil, titan.ErrSessionBackendDown
	}
	return out, nil
}
