package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Summary is the per-agent record published for other consoles.
type Summary struct {
	AgentID        string    `json:"agent_id"`
	Name           string    `json:"name,omitempty"`
	Status         string    `json:"status"`
	RunID          string    `json:"run_id,omitempty"`
	SessionKey     string    `json:"session_key,omitempty"`
	LatestUpdate   string    `json:"latest_update,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at,omitzero"`
	Owner          string    `json:"owner,omitempty"`
	PublishedAt    time.Time `json:"published_at"`
}

// Store is where summaries are published.
type Store interface {
	Put(ctx context.Context, s Summary, ttl time.Duration) error
	Delete(ctx context.Context, agentID string) error
	Close() error
}

type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL, keyPrefix string) (*RedisStore, error) {
	url := strings.TrimSpace(redisURL)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = "fleet"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) agentKey(id string) string { return fmt.Sprintf("%s:agent:%s", s.prefix, id) }
func (s *RedisStore) statusKey(id string) string {
	return fmt.Sprintf("%s:status:%s", s.prefix, id)
}

func (s *RedisStore) Put(ctx context.Context, sum Summary, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}
	id := strings.TrimSpace(sum.AgentID)
	if id == "" {
		return errors.New("agent_id is required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	data, err := json.Marshal(sum)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.agentKey(id), data, ttl)
	pipe.Set(ctx, s.statusKey(id), sum.Status, ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Delete(ctx context.Context, agentID string) error {
	if s == nil || s.client == nil {
		return nil
	}
	id := strings.TrimSpace(agentID)
	if id == "" {
		return nil
	}
	return s.client.Del(ctx, s.agentKey(id), s.statusKey(id)).Err()
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
