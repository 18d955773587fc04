// Package presence mirrors the set of online nicknames to an external store so
// tools outside the chat server can see who is connected.
package presence

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the Redis set used when none is configured.
const DefaultKey = "linechat:online"

// Publisher receives join and leave events for live sessions.
// Implementations must be safe for concurrent use.
type Publisher interface {
	// Joined records nickname as online.
	Joined(ctx context.Context, nickname string) error

	// Left records nickname as offline.
	Left(ctx context.Context, nickname string) error

	// Reset clears all recorded nicknames, e.g. at server start.
	Reset(ctx context.Context) error

	// Close releases the publisher's resources.
	Close() error
}

// Nop is a Publisher that records nothing.
type Nop struct{}

func (Nop) Joined(context.Context, string) error { return nil }
func (Nop) Left(context.Context, string) error   { return nil }
func (Nop) Reset(context.Context) error          { return nil }
func (Nop) Close() error                         { return nil }

// RedisPublisher keeps online nicknames in a Redis set.
type RedisPublisher struct {
	client *redis.Client
	key    string
}

// NewRedisPublisher creates a publisher writing to the set named key.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	pub := presence.NewRedisPublisher(client, presence.DefaultKey)
//
// Parameters:
//   - client: A configured Redis client; Close closes it
//   - key: Name of the Redis set; DefaultKey when empty
//
// Returns:
//   - A *RedisPublisher
func NewRedisPublisher(client *redis.Client, key string) *RedisPublisher {
	if key == "" {
		key = DefaultKey
	}

	return &RedisPublisher{client: client, key: key}
}

// Joined implements Publisher.
func (p *RedisPublisher) Joined(ctx context.Context, nickname string) error {
	if err := p.client.SAdd(ctx, p.key, nickname).Err(); err != nil {
		return fmt.Errorf("presence add %q: %w", nickname, err)
	}

	return nil
}

// Left implements Publisher.
func (p *RedisPublisher) Left(ctx context.Context, nickname string) error {
	if err := p.client.SRem(ctx, p.key, nickname).Err(); err != nil {
		return fmt.Errorf("presence remove %q: %w", nickname, err)
	}

	return nil
}

// Reset implements Publisher.
func (p *RedisPublisher) Reset(ctx context.Context) error {
	if err := p.client.Del(ctx, p.key).Err(); err != nil {
		return fmt.Errorf("presence reset: %w", err)
	}

	return nil
}

// Members returns the recorded nicknames sorted ascending.
func (p *RedisPublisher) Members(ctx context.Context) ([]string, error) {
	members, err := p.client.SMembers(ctx, p.key).Result()
	if err != nil {
		return nil, fmt.Errorf("presence members: %w", err)
	}

	sort.Strings(members)
	return members, nil
}

// Close implements Publisher.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
