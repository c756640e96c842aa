package routes

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/b-open-io/wallet-monitor/actions"
	"github.com/b-open-io/wallet-monitor/headers"
	"github.com/b-open-io/wallet-monitor/monitor"
	"github.com/b-open-io/wallet-monitor/proofs"
	"github.com/b-open-io/wallet-monitor/replication"
	"github.com/b-open-io/wallet-monitor/storage"
)

// MaxMergeTxids caps the txids accepted by one merge request.
const MaxMergeTxids = 1000

// TaskController exposes the scheduler to the API.
type TaskController interface {
	RunNow(name string) error
	AllStats() []monitor.RunStats
}

type BackupUpdater interface {
	UpdateBackups(ctx context.Context) (*replication.SyncReport, error)
	Cursors(ctx context.Context) (map[string]storage.SyncCursor, error)
}

// ProofAttemptReader reports how often proof lookups have come back empty.
type ProofAttemptReader interface {
	PendingAttempts(ctx context.Context, minAttempts, limit int) ([]monitor.ProofAttempt, int64, error)
	Attempts(ctx context.Context, reference string) (int, error)
}

// RoutesConfig holds the components served by the API. Routes whose
// component is nil are not registered.
type RoutesConfig struct {
	Actions  *actions.Pipeline
	Proofs   proofs.ProofReader
	Backups  BackupUpdater
	Tasks    TaskController
	Attempts ProofAttemptReader
	Chain    headers.ChainTipSource
	// Auth resolves the caller of user scoped routes. Without it those
	// routes answer 401.
	Auth   Authenticator
	Logger *slog.Logger
}

// ProofAttemptsResponse is the body of GET /monitor/proof-attempts.
type ProofAttemptsResponse struct {
	Total    int64                  `json:"total"`
	Attempts []monitor.ProofAttempt `json:"attempts"`
}

// ListActionsRequest is the body of POST /actions/list. The user comes from
// the bearer token, never from the body.
type ListActionsRequest struct {
	Args actions.ListActionsArgs `json:"args"`
}

// MergeProofsRequest is the body of POST /proofs/merge.
type MergeProofsRequest struct {
	Txids           []string `json:"txids"`
	IgnoreNewProven bool     `json:"ignoreNewProven,omitempty"`
}

type FailedProofResponse struct {
	TxID  string `json:"txid"`
	Error string `json:"error"`
}

type MergeProofsResponse struct {
	Beef   string                `json:"beef"`
	Merged []string              `json:"merged"`
	Failed []FailedProofResponse `json:"failed"`
}

// BlockTipResponse renders a chain header with hex hashes.
type BlockTipResponse struct {
	Height       uint32 `json:"height"`
	Hash         string `json:"hash"`
	PreviousHash string `json:"previousHash"`
	MerkleRoot   string `json:"merkleRoot"`
}

func errorResponse(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"message": message,
	})
}

// RegisterRoutes registers the wallet monitor API on group.
func RegisterRoutes(group fiber.Router, config *RoutesConfig) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "api"))

	if config.Actions != nil {
		pipeline := config.Actions
		group.Post("/actions/list", requireAuth(config.Auth), func(c *fiber.Ctx) error {
			var req ListActionsRequest
			if err := c.BodyParser(&req); err != nil {
				return errorResponse(c, fiber.StatusBadRequest, "Invalid request body")
			}
			result, err := pipeline.ListActions(c.Context(), authFrom(c), &req.Args)
			if errors.Is(err, actions.ErrUnauthenticated) {
				return errorResponse(c, fiber.StatusUnauthorized, "Unauthorized")
			}
			if errors.Is(err, actions.ErrInvalidArgs) {
				return errorResponse(c, fiber.StatusBadRequest, err.Error())
			}
			if err != nil {
				logger.Error("list actions failed", slog.Any("error", err))
				return errorResponse(c, fiber.StatusInternalServerError, "Failed to list actions")
			}
			return c.JSON(result)
		})
	}

	if config.Proofs != nil {
		reader := config.Proofs
		group.Post("/proofs/merge", func(c *fiber.Ctx) error {
			var req MergeProofsRequest
			if err := c.BodyParser(&req); err != nil {
				return errorResponse(c, fiber.StatusBadRequest, "Invalid request body")
			}
			if len(req.Txids) == 0 {
				return errorResponse(c, fiber.StatusBadRequest, "No txids provided")
			}
			if len(req.Txids) > MaxMergeTxids {
				return errorResponse(c, fiber.StatusBadRequest, "Too many txids (max "+strconv.Itoa(MaxMergeTxids)+")")
			}

			result, err := proofs.MergeProofs(c.Context(), req.Txids, reader, proofs.MergeOptions{IgnoreNewProven: req.IgnoreNewProven})
			if err != nil {
				logger.Error("merge proofs failed", slog.Any("error", err))
				return errorResponse(c, fiber.StatusInternalServerError, "Failed to merge proofs")
			}

			resp := MergeProofsResponse{
				Beef:   hex.EncodeToString(result.Beef),
				Merged: result.Merged,
				Failed: make([]FailedProofResponse, 0, len(result.Failed)),
			}
			if resp.Merged == nil {
				resp.Merged = []string{}
			}
			for _, f := range result.Failed {
				resp.Failed = append(resp.Failed, FailedProofResponse{TxID: f.TxID, Error: f.Err.Error()})
			}
			return c.JSON(resp)
		})
	}

	if config.Backups != nil {
		backups := config.Backups
		group.Post("/backups/sync", func(c *fiber.Ctx) error {
			report, err := backups.UpdateBackups(c.Context())
			if err != nil {
				logger.Error("backup sync failed", slog.Any("error", err))
				return errorResponse(c, fiber.StatusInternalServerError, "Failed to sync backups")
			}
			return c.JSON(report)
		})
		group.Get("/backups/cursors", func(c *fiber.Ctx) error {
			cursors, err := backups.Cursors(c.Context())
			if err != nil {
				logger.Error("failed to load sync cursors", slog.Any("error", err))
				return errorResponse(c, fiber.StatusInternalServerError, "Failed to load sync cursors")
			}
			return c.JSON(cursors)
		})
	}

	if config.Attempts != nil {
		attempts := config.Attempts
		group.Get("/monitor/proof-attempts", func(c *fiber.Ctx) error {
			minAttempts := c.QueryInt("min", 0)
			limit := c.QueryInt("limit", 100)
			if minAttempts < 0 || limit < 1 || limit > MaxMergeTxids {
				return errorResponse(c, fiber.StatusBadRequest, "Invalid min or limit")
			}
			list, total, err := attempts.PendingAttempts(c.Context(), minAttempts, limit)
			if err != nil {
				logger.Error("failed to list proof attempts", slog.Any("error", err))
				return errorResponse(c, fiber.StatusInternalServerError, "Failed to list proof attempts")
			}
			return c.JSON(ProofAttemptsResponse{Total: total, Attempts: list})
		})
		group.Get("/monitor/proof-attempts/:reference", func(c *fiber.Ctx) error {
			reference := c.Params("reference")
			n, err := attempts.Attempts(c.Context(), reference)
			if err != nil {
				logger.Error("failed to read proof attempts", slog.Any("error", err))
				return errorResponse(c, fiber.StatusInternalServerError, "Failed to read proof attempts")
			}
			return c.JSON(monitor.ProofAttempt{Reference: reference, Attempts: n})
		})
	}

	if config.Tasks != nil {
		tasks := config.Tasks
		group.Get("/monitor/tasks", func(c *fiber.Ctx) error {
			return c.JSON(tasks.AllStats())
		})
		group.Post("/monitor/tasks/:name/run", func(c *fiber.Ctx) error {
			err := tasks.RunNow(c.Params("name"))
			if errors.Is(err, monitor.ErrTaskNotFound) {
				return errorResponse(c, fiber.StatusNotFound, "Task not found")
			}
			if err != nil {
				return errorResponse(c, fiber.StatusInternalServerError, err.Error())
			}
			return c.SendStatus(fiber.StatusAccepted)
		})
	}

	if config.Chain != nil {
		chain := config.Chain
		group.Get("/block/tip", func(c *fiber.Ctx) error {
			tip, err := chain.FindChainTipHeader(c.Context())
			if err != nil {
				logger.Warn("failed to get block tip", slog.Any("error", err))
				return errorResponse(c, fiber.StatusServiceUnavailable, "Failed to get current block tip")
			}
			return c.JSON(BlockTipResponse{
				Height:       tip.Height,
				Hash:         tip.Hash.String(),
				PreviousHash: tip.PreviousHash.String(),
				MerkleRoot:   tip.MerkleRoot.String(),
			})
		})
	}
}
