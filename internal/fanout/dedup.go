package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupStore remembers alert ids so a resubmitted alert is dropped instead
// of fanned out twice. MarkSeen returns false when the id was already seen.
type DedupStore interface {
	MarkSeen(ctx context.Context, alertID string) (bool, error)
}

type RedisDedup struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisDedup(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisDedup {
	if prefix == "" {
		prefix = "beacon:alert_seen"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisDedup{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisDedup) MarkSeen(ctx context.Context, alertID string) (bool, error) {
	fresh, err := s.client.SetNX(ctx, s.prefix+":"+alertID, 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("alert dedup setnx: %w", err)
	}
	return fresh, nil
}

type MemoryDedup struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	cleanup time.Time
}

func NewMemoryDedup(ttl time.Duration) *MemoryDedup {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryDedup{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		cleanup: time.Now().Add(ttl),
	}
}

func (s *MemoryDedup) MarkSeen(_ context.Context, alertID string) (bool, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.After(s.cleanup) {
		for id, at := range s.seen {
			if now.Sub(at) > s.ttl {
				delete(s.seen, id)
			}
		}
		s.cleanup = now.Add(s.ttl)
	}

	if at, ok := s.seen[alertID]; ok && now.Sub(at) <= s.ttl {
		return false, nil
	}
	s.seen[alertID] = now
	return true, nil
}
