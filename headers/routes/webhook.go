package routes

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/b-open-io/wallet-monitor/monitor"
)

// WebhookConfig holds configuration for webhook routes
type WebhookConfig struct {
	Tasks        TaskRunner
	WebhookToken string // The token we expect in webhook callbacks
	Logger       *slog.Logger
}

// TaskRunner triggers a scheduled task ahead of its interval.
type TaskRunner interface {
	RunNow(name string) error
}

// RegisterWebhookRoutes registers the headers webhook callback endpoint.
// It should be called with a router like app.Group("/api/v1")
func RegisterWebhookRoutes(router fiber.Router, config WebhookConfig) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "headers_webhook"))
	router.Post("/headers/webhook", authenticateWebhook(config.WebhookToken), handleHeadersWebhook(config.Tasks, logger))
}

// authenticateWebhook middleware validates the webhook auth token
func authenticateWebhook(expectedToken string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// If no token is configured, skip authentication
		if expectedToken == "" {
			return c.Next()
		}

		if c.Get(fiber.HeaderAuthorization) != "Bearer "+expectedToken {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "unauthorized",
			})
		}

		return c.Next()
	}
}

// HeadersWebhookEvent represents the event payload from block headers service
type HeadersWebhookEvent struct {
	Operation string       `json:"operation"` // "ADD" is the only operation
	Header    HeaderDetail `json:"header"`
}

// HeaderDetail contains the header information in the webhook
type HeaderDetail struct {
	Height        int32  `json:"height"`
	Hash          string `json:"hash"`
	Version       int32  `json:"version"`
	MerkleRoot    string `json:"merkleRoot"`
	Timestamp     string `json:"creationTimestamp"`
	Nonce         uint32 `json:"nonce"`
	State         string `json:"state"` // "LONGEST_CHAIN", "STALE", "ORPHAN", "REJECTED"
	PreviousBlock string `json:"prevBlockHash"`
}

// triggersPoll reports whether the header state indicates main chain activity.
func (e HeadersWebhookEvent) triggersPoll() bool {
	return e.Header.State == "LONGEST_CHAIN" || e.Header.State == "STALE"
}

// handleHeadersWebhook schedules an immediate chain tip poll instead of
// waiting for the next interval. The poll itself runs on the scheduler, so
// the webhook returns right away.
func handleHeadersWebhook(tasks TaskRunner, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var event HeadersWebhookEvent
		if err := c.BodyParser(&event); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid event payload",
			})
		}

		logger.Debug("received headers webhook",
			slog.String("operation", event.Operation),
			slog.Int("height", int(event.Header.Height)),
			slog.String("hash", event.Header.Hash),
			slog.String("state", event.Header.State))

		if event.triggersPoll() && tasks != nil {
			if err := tasks.RunNow(monitor.ChainTipTaskName); err != nil {
				logger.Warn("failed to trigger chain tip poll", slog.Any("error", err))
			}
		}

		return c.SendStatus(fiber.StatusOK)
	}
}
