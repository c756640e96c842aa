package actions

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/b-open-io/wallet-monitor/storage"
)

// Reserved labels that activate a special operation when passed to ListActions.
const (
	SpecOpFailedActions = "97d4eb1e49215e3374cc2c1939a7c43a55e95c7427bf2d45ed63e3b4e0c88153"
	SpecOpNoSendActions = "ac6b20a3bb320adafecd637b25c84b792ad828d3aa510d05dc841481f664277d"
)

// Directive labels understood by the built-in operations.
const (
	LabelAbort  = "abort"
	LabelUnfail = "unfail"
)

var ErrDuplicateSpecOp = errors.New("spec op already registered")

// SpecOp customizes a listing: it replaces the status filter before the read
// and may apply status side effects to the records afterwards.
type SpecOp interface {
	Name() string
	StatusFilter() []storage.TxStatus
	// LabelsToIntercept lists caller labels consumed as directives.
	// nil intercepts none, an empty slice intercepts all.
	LabelsToIntercept() []string
	// PostProcess mutates records in place to mirror every write it performs.
	PostProcess(ctx context.Context, s storage.WalletStorage, auth storage.AuthID, args *ListActionsArgs, intercepted []string, records []*storage.TransactionRecord) []PostProcessError
}

// Registry maps reserved labels to special operations.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]SpecOp
}

func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]SpecOp)}
}

// NewDefaultRegistry holds the no-send and failed actions operations.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(SpecOpNoSendActions, NoSendActions{})
	r.MustRegister(SpecOpFailedActions, FailedActions{})
	return r
}

// MustRegister is Register for operations wired at startup. It panics on a
// duplicate label.
func (r *Registry) MustRegister(label string, op SpecOp) {
	if err := r.Register(label, op); err != nil {
		panic(err)
	}
}

func (r *Registry) Register(label string, op SpecOp) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ops[label]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSpecOp, label)
	}
	r.ops[label] = op
	return nil
}

func (r *Registry) Lookup(label string) (SpecOp, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[label]
	return op, ok
}

// Activate returns the operation named by the first reserved label in labels.
func (r *Registry) Activate(labels []string) (string, SpecOp, bool) {
	for _, label := range labels {
		if op, ok := r.Lookup(label); ok {
			return label, op, true
		}
	}
	return "", nil, false
}

// splitLabels separates the labels op consumes as directives from the ones
// that still filter the read. The activating label is dropped from both.
func splitLabels(op SpecOp, activator string, labels []string) (filter, intercepted []string) {
	toIntercept := op.LabelsToIntercept()
	for _, label := range labels {
		switch {
		case label == activator:
		case toIntercept == nil:
			filter = append(filter, label)
		case len(toIntercept) == 0 || slices.Contains(toIntercept, label):
			intercepted = append(intercepted, label)
		default:
			filter = append(filter, label)
		}
	}
	return filter, intercepted
}

// NoSendActions lists nosend actions and aborts them when asked to.
type NoSendActions struct{}

func (NoSendActions) Name() string { return "noSendActions" }

func (NoSendActions) StatusFilter() []storage.TxStatus {
	return []storage.TxStatus{storage.TxStatusNoSend}
}

func (NoSendActions) LabelsToIntercept() []string { return []string{LabelAbort} }

func (NoSendActions) PostProcess(ctx context.Context, s storage.WalletStorage, auth storage.AuthID, _ *ListActionsArgs, intercepted []string, records []*storage.TransactionRecord) []PostProcessError {
	if !slices.Contains(intercepted, LabelAbort) {
		return nil
	}
	var errs []PostProcessError
	for _, rec := range records {
		if rec.Status != storage.TxStatusNoSend {
			continue
		}
		if err := s.AbortAction(ctx, auth, rec.Reference); err != nil {
			errs = append(errs, PostProcessError{Reference: rec.Reference, Err: fmt.Errorf("abort: %w", err)})
			continue
		}
		rec.Status = storage.TxStatusFailed
	}
	return errs
}

// FailedActions lists failed actions and queues them for re-examination when asked to.
type FailedActions struct{}

func (FailedActions) Name() string { return "failedActions" }

func (FailedActions) StatusFilter() []storage.TxStatus {
	return []storage.TxStatus{storage.TxStatusFailed}
}

func (FailedActions) LabelsToIntercept() []string { return []string{LabelUnfail} }

func (FailedActions) PostProcess(ctx context.Context, s storage.WalletStorage, _ storage.AuthID, _ *ListActionsArgs, intercepted []string, records []*storage.TransactionRecord) []PostProcessError {
	if !slices.Contains(intercepted, LabelUnfail) {
		return nil
	}
	var errs []PostProcessError
	for _, rec := range records {
		if rec.Status != storage.TxStatusFailed {
			continue
		}
		if err := s.UpdateTransactionStatus(ctx, rec.Reference, storage.TxStatusUnfail, storage.TxStatusFailed); err != nil {
			errs = append(errs, PostProcessError{Reference: rec.Reference, Err: fmt.Errorf("unfail: %w", err)})
			continue
		}
		rec.Status = storage.TxStatusUnfail
	}
	return errs
}
