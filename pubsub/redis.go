package pubsub

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/b-open-io/wallet-monitor/internal/utils"
)

// RedisPubSub handles both publishing and subscribing to Redis
type RedisPubSub struct {
	redisClient *redis.Client
	ctx         context.Context
	cancel      context.CancelFunc
	mu          sync.Mutex
	subs        []*redis.PubSub
}

// NewRedisPubSub creates a new Redis pub/sub handler
func NewRedisPubSub(redisURL string) (*RedisPubSub, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	log.Println("Connecting to Redis PubSub...", utils.SanitizeConnectionString(redisURL))
	redisClient := redis.NewClient(opts)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RedisPubSub{
		redisClient: redisClient,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Publish publishes an event to Redis. A score is encoded as {score}:{data}.
func (r *RedisPubSub) Publish(ctx context.Context, topic string, data string, score ...float64) error {
	message := data
	if len(score) > 0 {
		message = fmt.Sprintf("%.0f:%s", score[0], data)
	}
	return r.redisClient.Publish(ctx, topic, message).Err()
}

// Subscribe opens a dedicated Redis subscription for topics.
func (r *RedisPubSub) Subscribe(ctx context.Context, topics []string) (<-chan Event, error) {
	sub := r.redisClient.Subscribe(ctx, topics...)
	// Wait for the subscription confirmation so publishes right after return are not lost.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	events := make(chan Event, 1000)
	go r.listenLoop(ctx, sub, events)
	return events, nil
}

// listenLoop converts Redis messages to Events until ctx or the PubSub ends.
func (r *RedisPubSub) listenLoop(ctx context.Context, sub *redis.PubSub, events chan<- Event) {
	defer close(events)
	defer r.drop(sub)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			member, score := parsePayload(msg.Payload)
			select {
			case events <- Event{Topic: msg.Channel, Member: member, Score: score, Source: "redis"}:
			case <-ctx.Done():
				return
			case <-r.ctx.Done():
				return
			}
		}
	}
}

// parsePayload splits {score}:{data}. JSON payloads never start with a number followed by a colon.
func parsePayload(payload string) (string, float64) {
	if colonIndex := strings.Index(payload, ":"); colonIndex > 0 {
		if score, err := strconv.ParseFloat(payload[:colonIndex], 64); err == nil {
			return payload[colonIndex+1:], score
		}
	}
	return payload, 0
}

func (r *RedisPubSub) drop(sub *redis.PubSub) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s == sub {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			break
		}
	}
	sub.Close()
}

// Unsubscribe removes topics from every open subscription
func (r *RedisPubSub) Unsubscribe(topics []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.subs) == 0 {
		return fmt.Errorf("not subscribed")
	}
	for _, sub := range r.subs {
		if err := sub.Unsubscribe(r.ctx, topics...); err != nil {
			return err
		}
	}
	return nil
}

// Stop ends all subscriptions
func (r *RedisPubSub) Stop() error {
	r.cancel()
	return nil
}

// Close ends all subscriptions and closes the Redis connection
func (r *RedisPubSub) Close() error {
	r.cancel()
	return r.redisClient.Close()
}
