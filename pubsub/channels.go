package pubsub

import (
	"context"
	"log"
	"slices"
	"sync"
)

// ChannelPubSub implements the PubSub interface using Go channels
// This provides a no-dependency pub/sub solution for single-process deployments
type ChannelPubSub struct {
	subscribers map[string][]*channelSubscription // topic -> subscriptions
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type channelSubscription struct {
	ch     chan Event
	topics []string
	once   sync.Once
}

// NewChannelPubSub creates a new channel-based pub/sub implementation
func NewChannelPubSub() *ChannelPubSub {
	ctx, cancel := context.WithCancel(context.Background())

	return &ChannelPubSub{
		subscribers: make(map[string][]*channelSubscription),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Publish sends data to all subscribers of a topic. Full subscriber channels are skipped.
func (cp *ChannelPubSub) Publish(ctx context.Context, topic string, data string, score ...float64) error {
	var eventScore float64
	if len(score) > 0 {
		eventScore = score[0]
	}
	event := Event{
		Topic:  topic,
		Member: data,
		Score:  eventScore,
		Source: "channels",
	}

	// Sends happen under the read lock so that a subscription cannot be closed mid-send.
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	for _, sub := range cp.subscribers[topic] {
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			log.Printf("ChannelPubSub: Skipping full channel for topic %s", topic)
		}
	}
	return nil
}

// Subscribe creates a subscription to the given topics
func (cp *ChannelPubSub) Subscribe(ctx context.Context, topics []string) (<-chan Event, error) {
	sub := &channelSubscription{
		ch:     make(chan Event, 100), // Buffered channel to avoid blocking publishers
		topics: slices.Clone(topics),
	}

	cp.mu.Lock()
	for _, topic := range topics {
		cp.subscribers[topic] = append(cp.subscribers[topic], sub)
	}
	cp.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-cp.ctx.Done():
		}
		cp.remove(sub)
	}()

	return sub.ch, nil
}

// Unsubscribe is handled by cancelling the context passed to Subscribe.
func (cp *ChannelPubSub) Unsubscribe(topics []string) error {
	return nil
}

// remove detaches sub from every topic and closes its channel exactly once.
func (cp *ChannelPubSub) remove(sub *channelSubscription) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	for _, topic := range sub.topics {
		cp.subscribers[topic] = slices.DeleteFunc(cp.subscribers[topic], func(s *channelSubscription) bool {
			return s == sub
		})
		if len(cp.subscribers[topic]) == 0 {
			delete(cp.subscribers, topic)
		}
	}
	sub.once.Do(func() { close(sub.ch) })
}

// Stop stops the pub/sub system
func (cp *ChannelPubSub) Stop() error {
	cp.cancel()
	return nil
}

// Close ends every subscription. Their channels are closed by the subscription goroutines.
func (cp *ChannelPubSub) Close() error {
	cp.cancel()
	return nil
}
