package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var _ Store = (*Redis)(nil)

// Redis is a profile-scoped store backed by a Redis keyspace. Every write is
// published on a change channel in the same transaction so that watchers in
// other processes learn about it without polling.
type Redis struct {
	client    *redis.Client
	namespace string
}

// NewRedis creates a store using client. Keys are stored under namespace,
// which defaults to "pollsync".
func NewRedis(client *redis.Client, namespace string) *Redis {
	if namespace == "" {
		namespace = "pollsync"
	}
	return &Redis{
		client:    client,
		namespace: namespace,
	}
}

// NewRedisFromURL parses a redis:// URL and creates a store using it.
func NewRedisFromURL(ctx context.Context, redisURL, namespace string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedis(client, namespace), nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, r.fullKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get key %q: %w", key, err)
	}
	return value, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	return r.write(ctx, Change{Key: key, Value: value}, func(pipe redis.Pipeliner) {
		pipe.Set(ctx, r.fullKey(key), value, 0)
	})
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.write(ctx, Change{Key: key, Deleted: true}, func(pipe redis.Pipeliner) {
		pipe.Del(ctx, r.fullKey(key))
	})
}

func (r *Redis) Watch(ctx context.Context) (<-chan Change, error) {
	pubsub := r.client.Subscribe(ctx, r.changesChannel())

	// Wait for the subscription to be confirmed so no write is missed
	// between Watch returning and the first message.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to changes: %w", err)
	}

	ch := make(chan Change, watchBuffer)

	go func() {
		defer close(ch)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var change Change
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					log.Warn().Err(err).Msg("failed to decode profile store change")
					continue
				}
				select {
				case ch <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) write(ctx context.Context, change Change, op func(pipe redis.Pipeliner)) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		op(pipe)
		pipe.Publish(ctx, r.changesChannel(), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write key %q: %w", change.Key, err)
	}

	return nil
}

func (r *Redis) fullKey(key string) string {
	return r.namespace + ":" + key
}

func (r *Redis) changesChannel() string {
	return r.namespace + ":changes"
}
