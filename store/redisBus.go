package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisBus carries changes between server instances over Redis Pub/Sub,
// one channel per topic.
type RedisBus struct {
	rdb    *redis.Client
	prefix string
	logger *logrus.Logger
}

func NewRedisBus(rdb *redis.Client, prefix string, logger *logrus.Logger) (*RedisBus, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if prefix == "" {
		prefix = "garage:"
	}
	return &RedisBus{rdb: rdb, prefix: prefix, logger: logger}, nil
}

func (b *RedisBus) channel(topic string) string {
	return b.prefix + topic
}

func (b *RedisBus) Publish(ctx context.Context, change Change) error {
	raw, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel(change.Topic), raw).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan Change, error) {
	sub := b.rdb.Subscribe(ctx, b.channel(topic))

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan Change, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var change Change
				if err := json.Unmarshal([]byte(m.Payload), &change); err != nil {
					if b.logger != nil {
						b.logger.WithFields(logrus.Fields{
							"field": "RedisBus",
							"topic": topic,
						}).Warn("bad change payload: " + err.Error())
					}
					continue
				}
				select {
				case out <- change:
				default:
				}
			}
		}
	}()
	return out, nil
}

// Close leaves the shared client open; it is owned by config.
func (b *RedisBus) Close() error {
	return nil
}
