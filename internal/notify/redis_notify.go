package notify

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"
)

// RedisDispatcher publishes events as JSON on a Redis pub/sub channel so
// back-office dashboards can subscribe without polling the ledger.
type RedisDispatcher struct {
	client  *redis.Client
	channel string
}

func NewRedisDispatcher(addr string, password string, db int, channel string) *RedisDispatcher {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisDispatcher{client: client, channel: channel}
}

func (d *RedisDispatcher) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

func (d *RedisDispatcher) Close() error {
	return d.client.Close()
}

func (d *RedisDispatcher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return d.client.Publish(ctx, d.channel, payload).Err()
}
