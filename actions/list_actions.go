package actions

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"

	"github.com/bsv-blockchain/go-sdk/transaction"

	"github.com/b-open-io/wallet-monitor/storage"
)

// DefaultStatusFilter applies when no special operation overrides it.
// Failed actions are only visible through the failed actions operation.
var DefaultStatusFilter = []storage.TxStatus{
	storage.TxStatusCompleted,
	storage.TxStatusUnprocessed,
	storage.TxStatusSending,
	storage.TxStatusUnproven,
	storage.TxStatusUnsigned,
	storage.TxStatusNoSend,
}

// Pipeline runs listings against one wallet storage.
type Pipeline struct {
	storage  storage.WalletStorage
	registry *Registry
	logger   *slog.Logger
}

func NewPipeline(s storage.WalletStorage, registry *Registry, logger *slog.Logger) *Pipeline {
	if registry == nil {
		registry = NewDefaultRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		storage:  s,
		registry: registry,
		logger:   logger.With(slog.String("component", "list_actions")),
	}
}

// ListActions reads the matching records, applies the side effects of at
// most one special operation and returns the caller-facing view.
// Side-effect failures do not fail the call. auth must name a user.
func (p *Pipeline) ListActions(ctx context.Context, auth storage.AuthID, args *ListActionsArgs) (*ListActionsResult, error) {
	if auth.UserID == nil {
		return nil, ErrUnauthenticated
	}
	if err := ValidateListActionsArgs(args); err != nil {
		return nil, err
	}

	filter := storage.ListTransactionsFilter{
		UserID:         auth.UserID,
		Statuses:       DefaultStatusFilter,
		Labels:         args.Labels,
		LabelQueryMode: args.LabelQueryMode,
		Reference:      args.Reference,
		Limit:          args.Limit,
		Offset:         args.Offset,
	}

	activator, op, active := p.registry.Activate(args.Labels)
	var intercepted []string
	if active {
		filter.Labels, intercepted = splitLabels(op, activator, args.Labels)
		filter.Statuses = op.StatusFilter()
	}

	records, total, err := p.storage.ListTransactions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	result := &ListActionsResult{TotalActions: total}
	if active {
		result.PostProcessErrors = op.PostProcess(ctx, p.storage, auth, args, intercepted, records)
		for _, e := range result.PostProcessErrors {
			p.logger.Warn("spec op post-process failed",
				slog.String("specOp", op.Name()),
				slog.String("reference", e.Reference),
				slog.Any("error", e.Err))
		}
	}

	result.Actions = make([]Action, 0, len(records))
	for _, rec := range records {
		result.Actions = append(result.Actions, p.toAction(rec, args))
	}
	return result, nil
}

func (p *Pipeline) toAction(rec *storage.TransactionRecord, args *ListActionsArgs) Action {
	action := Action{
		TxID:        rec.TxID,
		Reference:   rec.Reference,
		Satoshis:    rec.Satoshis,
		Status:      rec.Status.ToStandardizedStatus(),
		IsOutgoing:  rec.IsOutgoing,
		Description: rec.Description,
	}
	if args.IncludeLabels {
		action.Labels = slices.Clone(rec.Labels)
	}
	if len(rec.RawTx) == 0 {
		return action
	}

	tx, err := transaction.NewTransactionFromBytes(rec.RawTx)
	if err != nil {
		p.logger.Warn("failed to parse raw transaction",
			slog.String("reference", rec.Reference),
			slog.Any("error", err))
		return action
	}
	action.Version = tx.Version
	action.LockTime = tx.LockTime

	if args.IncludeInputs {
		sources := inputSources(rec.InputBEEF)
		for _, in := range tx.Inputs {
			input := ActionInput{
				SourceOutpoint: fmt.Sprintf("%s.%d", in.SourceTXID.String(), in.SourceTxOutIndex),
				SequenceNumber: in.SequenceNumber,
			}
			if args.IncludeInputUnlockingScripts && in.UnlockingScript != nil {
				input.UnlockingScript = hex.EncodeToString(*in.UnlockingScript)
			}
			if src := findSource(sources, in.SourceTXID.String()); src != nil && int(in.SourceTxOutIndex) < len(src.Outputs) {
				out := src.Outputs[in.SourceTxOutIndex]
				sats := out.Satoshis
				input.SourceSatoshis = &sats
				if args.IncludeInputSourceLockingScripts {
					input.SourceLockingScript = out.LockingScriptHex()
				}
			}
			action.Inputs = append(action.Inputs, input)
		}
	}

	if args.IncludeOutputs {
		for i, out := range tx.Outputs {
			output := ActionOutput{OutputIndex: uint32(i), Satoshis: out.Satoshis}
			if args.IncludeOutputLockingScripts {
				output.LockingScript = out.LockingScriptHex()
			}
			action.Outputs = append(action.Outputs, output)
		}
	}
	return action
}

// inputSources parses the BEEF carrying a record's input transactions.
func inputSources(inputBEEF []byte) *transaction.Beef {
	if len(inputBEEF) < 4 {
		return nil
	}
	b, err := transaction.NewBeefFromBytes(inputBEEF)
	if err != nil {
		return nil
	}
	return b
}

func findSource(sources *transaction.Beef, txid string) *transaction.Transaction {
	if sources == nil {
		return nil
	}
	return sources.FindTransaction(txid)
}
