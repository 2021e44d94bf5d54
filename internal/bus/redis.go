package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis is a Bus backed by Redis pub/sub, for deployments where the
// Scheduler/channels/dashboard run as separate processes.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Broadcast(ctx context.Context, topic string, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	return r.client.Publish(ctx, topic, b).Err()
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan Event
	done   chan struct{}
}

func (s *redisSub) Events() <-chan Event { return s.ch }

func (s *redisSub) Close() error {
	close(s.done)
	return s.pubsub.Close()
}

func (r *Redis) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", topic, err)
	}

	s := &redisSub{pubsub: pubsub, ch: make(chan Event, 64), done: make(chan struct{})}
	go func() {
		defer close(s.ch)
		raw := pubsub.Channel()
		for {
			select {
			case <-s.done:
				return
			case msg, ok := <-raw:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case s.ch <- ev:
				case <-s.done:
					return
				}
			}
		}
	}()
	return s, nil
}
