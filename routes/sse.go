package routes

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/b-open-io/wallet-monitor/pubsub"
)

// SSERoutesConfig holds the configuration for SSE streaming routes
type SSERoutesConfig struct {
	PubSub  pubsub.PubSub
	Context context.Context
	Logger  *slog.Logger
	// KeepAlive is the ping interval, 15s when zero.
	KeepAlive time.Duration
}

// StreamTopics are the topics a client may subscribe to.
var StreamTopics = []string{pubsub.TopicHeaders, pubsub.TopicTxStatus}

// RegisterSSERoutes registers Server-Sent Events streaming of monitor events.
// Clients subscribe with GET /subscribe/headers,tx-status.
func RegisterSSERoutes(group fiber.Router, config *SSERoutesConfig) {
	ps := config.PubSub
	ctx := config.Context
	if ctx == nil {
		ctx = context.Background()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "sse"))
	keepAlive := config.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}

	group.Get("/subscribe/:topics", func(c *fiber.Ctx) error {
		topics := strings.Split(c.Params("topics"), ",")
		for _, topic := range topics {
			if !slices.Contains(StreamTopics, topic) {
				return errorResponse(c, fiber.StatusBadRequest, "Unknown topic: "+topic)
			}
		}

		subCtx, cancel := context.WithCancel(ctx)
		events, err := ps.Subscribe(subCtx, topics)
		if err != nil {
			cancel()
			logger.Error("subscribe failed", slog.Any("error", err))
			return errorResponse(c, fiber.StatusInternalServerError, "Failed to subscribe")
		}
		logger.Debug("client subscribed", slog.Any("topics", topics))

		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Transfer-Encoding", "chunked")
		c.Set("X-Accel-Buffering", "no")
		c.Set("Access-Control-Allow-Origin", "*")

		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			// Cancelling drops the subscription and closes events.
			defer cancel()

			fmt.Fprintf(w, "data: Connected to topics: %s\n\n", strings.Join(topics, ", "))
			if err := w.Flush(); err != nil {
				return // Connection closed
			}

			ticker := time.NewTicker(keepAlive)
			defer ticker.Stop()

			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return
					}
					fmt.Fprintf(w, "event: %s\n", ev.Topic)
					fmt.Fprintf(w, "data: %s\n", ev.Member)
					fmt.Fprintf(w, "id: %.0f\n\n", ev.Score)
					if err := w.Flush(); err != nil {
						return
					}
				case <-ticker.C:
					fmt.Fprintf(w, ": ping\n\n")
					if err := w.Flush(); err != nil {
						return
					}
				case <-subCtx.Done():
					return
				}
			}
		})

		return nil
	})
}
