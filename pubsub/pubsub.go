package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
)

// Topics published by the monitor.
const (
	// TopicHeaders carries a HeaderMessage for every first, new or reorg tip.
	TopicHeaders = "headers"
	// TopicTxStatus carries a TxStatusMessage whenever a background task moves a record.
	TopicTxStatus = "tx-status"
)

// Event represents a unified event that can come from Redis or channel sources
type Event struct {
	Topic  string  `json:"topic"`
	Member string  `json:"member"` // Payload, JSON for the monitor topics
	Score  float64 `json:"score"`
	Source string  `json:"source"` // "redis" or "channels"
}

// Decode unmarshals the JSON payload of the event into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal([]byte(e.Member), v)
}

// PubSub interface for unified publishing and subscribing
type PubSub interface {
	Publish(ctx context.Context, topic string, data string, score ...float64) error

	// Subscribe returns a channel that is closed once ctx is done or the PubSub is closed.
	Subscribe(ctx context.Context, topics []string) (<-chan Event, error)
	Unsubscribe(topics []string) error

	Stop() error
	Close() error
}

type HeaderMessage struct {
	Kind         string `json:"kind"`
	Height       uint32 `json:"height"`
	Hash         string `json:"hash"`
	PreviousHash string `json:"previousHash,omitempty"`
	Skipped      uint32 `json:"skipped,omitempty"`
}

type TxStatusMessage struct {
	Reference   string `json:"reference"`
	TxID        string `json:"txid,omitempty"`
	Status      string `json:"status"`
	BlockHeight uint32 `json:"blockHeight,omitempty"`
}

// PublishJSON publishes v encoded as JSON with the given score.
func PublishJSON(ctx context.Context, ps PubSub, topic string, v any, score float64) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", topic, err)
	}
	return ps.Publish(ctx, topic, string(data), score)
}
