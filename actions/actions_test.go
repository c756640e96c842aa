package actions_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b-open-io/wallet-monitor/actions"
	"github.com/b-open-io/wallet-monitor/internal/beeftest"
	"github.com/b-open-io/wallet-monitor/storage"
)

func userAuth(id int) storage.AuthID {
	return storage.AuthID{IdentityKey: "03abc", UserID: &id}
}

func seed(t *testing.T, s storage.WalletStorage, recs ...*storage.TransactionRecord) {
	t.Helper()
	for _, rec := range recs {
		require.NoError(t, s.InsertTransaction(context.Background(), rec))
	}
}

func statusOf(t *testing.T, s storage.WalletStorage, ref string) storage.TxStatus {
	t.Helper()
	rec, err := s.FindTransaction(context.Background(), ref)
	require.NoError(t, err)
	return rec.Status
}

func TestNoSendActionsAbort(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryWalletStorage("primary")
	seed(t, s,
		&storage.TransactionRecord{Reference: "ns-1", UserID: 1, Status: storage.TxStatusNoSend},
		&storage.TransactionRecord{Reference: "ns-2", UserID: 1, Status: storage.TxStatusNoSend},
		&storage.TransactionRecord{Reference: "done", UserID: 1, Status: storage.TxStatusCompleted},
		&storage.TransactionRecord{Reference: "other-user", UserID: 2, Status: storage.TxStatusNoSend},
	)
	p := actions.NewPipeline(s, nil, nil)

	res, err := p.ListActions(ctx, userAuth(1), &actions.ListActionsArgs{
		Labels: []string{actions.SpecOpNoSendActions, actions.LabelAbort},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalActions)
	require.Len(t, res.Actions, 2)
	assert.Empty(t, res.PostProcessErrors)
	for _, a := range res.Actions {
		assert.Equal(t, storage.TxStatusFailed, a.Status)
		assert.Equal(t, storage.TxStatusFailed, statusOf(t, s, a.Reference))
	}
	assert.Equal(t, storage.TxStatusNoSend, statusOf(t, s, "other-user"))
	assert.Equal(t, storage.TxStatusCompleted, statusOf(t, s, "done"))

	remaining, total, err := s.ListTransactions(ctx, storage.ListTransactionsFilter{
		UserID:   userAuth(1).UserID,
		Statuses: []storage.TxStatus{storage.TxStatusNoSend},
	})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, remaining)
}

func TestNoSendActionsWithoutDirectiveOnlyLists(t *testing.T) {
	s := storage.NewMemoryWalletStorage("primary")
	seed(t, s, &storage.TransactionRecord{Reference: "ns-1", UserID: 1, Status: storage.TxStatusNoSend})
	p := actions.NewPipeline(s, nil, nil)

	res, err := p.ListActions(context.Background(), userAuth(1), &actions.ListActionsArgs{
		Labels: []string{actions.SpecOpNoSendActions},
	})
	require.NoError(t, err)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, storage.TxStatusNoSend, res.Actions[0].Status)
	assert.Equal(t, storage.TxStatusNoSend, statusOf(t, s, "ns-1"))
}

func TestFailedActionsUnfail(t *testing.T) {
	s := storage.NewMemoryWalletStorage("primary")
	seed(t, s,
		&storage.TransactionRecord{Reference: "f-1", UserID: 1, Status: storage.TxStatusFailed},
		&storage.TransactionRecord{Reference: "ok", UserID: 1, Status: storage.TxStatusCompleted},
	)
	p := actions.NewPipeline(s, nil, nil)

	res, err := p.ListActions(context.Background(), userAuth(1), &actions.ListActionsArgs{
		Labels: []string{actions.LabelUnfail, actions.SpecOpFailedActions},
	})
	require.NoError(t, err)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, "f-1", res.Actions[0].Reference)
	// unfail is internal and surfaces as failed.
	assert.Equal(t, storage.TxStatusFailed, res.Actions[0].Status)
	assert.Equal(t, storage.TxStatusUnfail, statusOf(t, s, "f-1"))

	// A second listing no longer sees the record: it is queued, not failed.
	res, err = p.ListActions(context.Background(), userAuth(1), &actions.ListActionsArgs{
		Labels: []string{actions.SpecOpFailedActions},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Actions)
}

func TestDefaultListingHidesFailed(t *testing.T) {
	s := storage.NewMemoryWalletStorage("primary")
	seed(t, s,
		&storage.TransactionRecord{Reference: "a", UserID: 1, Status: storage.TxStatusCompleted, Labels: []string{"shop"}},
		&storage.TransactionRecord{Reference: "b", UserID: 1, Status: storage.TxStatusFailed, Labels: []string{"shop"}},
		&storage.TransactionRecord{Reference: "c", UserID: 1, Status: storage.TxStatusUnproven},
	)
	p := actions.NewPipeline(s, nil, nil)

	res, err := p.ListActions(context.Background(), userAuth(1), &actions.ListActionsArgs{
		Labels:        []string{"shop"},
		IncludeLabels: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, "a", res.Actions[0].Reference)
	assert.Equal(t, []string{"shop"}, res.Actions[0].Labels)
}

// failingAbort rejects aborts for one reference.
type failingAbort struct {
	*storage.MemoryWalletStorage
	reference string
}

func (f *failingAbort) AbortAction(ctx context.Context, auth storage.AuthID, reference string) error {
	if reference == f.reference {
		return errors.New("disk full")
	}
	return f.MemoryWalletStorage.AbortAction(ctx, auth, reference)
}

func TestPostProcessFailureKeepsListing(t *testing.T) {
	mem := storage.NewMemoryWalletStorage("primary")
	seed(t, mem,
		&storage.TransactionRecord{Reference: "good", UserID: 1, Status: storage.TxStatusNoSend},
		&storage.TransactionRecord{Reference: "bad", UserID: 1, Status: storage.TxStatusNoSend},
	)
	s := &failingAbort{MemoryWalletStorage: mem, reference: "bad"}
	p := actions.NewPipeline(s, nil, nil)

	res, err := p.ListActions(context.Background(), userAuth(1), &actions.ListActionsArgs{
		Labels: []string{actions.SpecOpNoSendActions, actions.LabelAbort},
	})
	require.NoError(t, err)
	require.Len(t, res.Actions, 2)
	require.Len(t, res.PostProcessErrors, 1)
	assert.Equal(t, "bad", res.PostProcessErrors[0].Reference)

	byRef := map[string]storage.TxStatus{}
	for _, a := range res.Actions {
		byRef[a.Reference] = a.Status
	}
	assert.Equal(t, storage.TxStatusFailed, byRef["good"])
	assert.Equal(t, storage.TxStatusNoSend, byRef["bad"])
	assert.Equal(t, storage.TxStatusNoSend, statusOf(t, mem, "bad"))
}

// recordingOp captures which labels reach PostProcess.
type recordingOp struct {
	intercept   []string
	intercepted []string
}

func (r *recordingOp) Name() string                     { return "recording" }
func (r *recordingOp) StatusFilter() []storage.TxStatus { return nil }
func (r *recordingOp) LabelsToIntercept() []string      { return r.intercept }
func (r *recordingOp) PostProcess(_ context.Context, _ storage.WalletStorage, _ storage.AuthID, _ *actions.ListActionsArgs, intercepted []string, _ []*storage.TransactionRecord) []actions.PostProcessError {
	r.intercepted = intercepted
	return nil
}

func TestLabelInterception(t *testing.T) {
	tests := []struct {
		name      string
		intercept []string
		want      []string
	}{
		{name: "nil intercepts none", intercept: nil, want: nil},
		{name: "empty intercepts all", intercept: []string{}, want: []string{"x", "y"}},
		{name: "explicit intercepts listed", intercept: []string{"y"}, want: []string{"y"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &recordingOp{intercept: tt.intercept}
			reg := actions.NewRegistry()
			require.NoError(t, reg.Register("reserved", op))
			p := actions.NewPipeline(storage.NewMemoryWalletStorage("primary"), reg, nil)

			_, err := p.ListActions(context.Background(), userAuth(1), &actions.ListActionsArgs{
				Labels: []string{"x", "reserved", "y"},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, op.intercepted)
		})
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := actions.NewDefaultRegistry()
	err := reg.Register(actions.SpecOpFailedActions, actions.FailedActions{})
	assert.ErrorIs(t, err, actions.ErrDuplicateSpecOp)

	_, op, ok := reg.Activate([]string{"plain", actions.SpecOpNoSendActions})
	require.True(t, ok)
	assert.Equal(t, "noSendActions", op.Name())

	assert.PanicsWithError(t, err.Error(), func() {
		reg.MustRegister(actions.SpecOpFailedActions, actions.FailedActions{})
	})
}

func TestListActionsRequiresUser(t *testing.T) {
	s := storage.NewMemoryWalletStorage("primary")
	seed(t, s,
		&storage.TransactionRecord{Reference: "u1", UserID: 1, Status: storage.TxStatusNoSend},
		&storage.TransactionRecord{Reference: "u2", UserID: 2, Status: storage.TxStatusNoSend},
	)
	p := actions.NewPipeline(s, nil, nil)

	_, err := p.ListActions(context.Background(), storage.AuthID{IdentityKey: "03abc"}, &actions.ListActionsArgs{
		Labels: []string{actions.SpecOpNoSendActions, actions.LabelAbort},
	})
	assert.ErrorIs(t, err, actions.ErrUnauthenticated)

	assert.Equal(t, storage.TxStatusNoSend, statusOf(t, s, "u1"))
	assert.Equal(t, storage.TxStatusNoSend, statusOf(t, s, "u2"))
}

func TestValidateListActionsArgs(t *testing.T) {
	f := false
	tests := []struct {
		name string
		args *actions.ListActionsArgs
		ok   bool
	}{
		{name: "defaults", args: &actions.ListActionsArgs{}, ok: true},
		{name: "nil", args: nil},
		{name: "limit too large", args: &actions.ListActionsArgs{Limit: actions.MaxPaginationLimit + 1}},
		{name: "negative offset", args: &actions.ListActionsArgs{Offset: -1}},
		{name: "bad mode", args: &actions.ListActionsArgs{LabelQueryMode: "some"}},
		{name: "empty label", args: &actions.ListActionsArgs{Labels: []string{""}}},
		{name: "no permission", args: &actions.ListActionsArgs{SeekPermission: &f}},
		{name: "unlocking without inputs", args: &actions.ListActionsArgs{IncludeInputUnlockingScripts: true}},
		{name: "locking without outputs", args: &actions.ListActionsArgs{IncludeOutputLockingScripts: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := actions.ValidateListActionsArgs(tt.args)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, actions.DefaultListLimit, tt.args.Limit)
				assert.Equal(t, storage.LabelQueryModeAny, tt.args.LabelQueryMode)
				return
			}
			assert.ErrorIs(t, err, actions.ErrInvalidArgs)
		})
	}
}

func TestListActionsRendersInputsAndOutputs(t *testing.T) {
	parent := beeftest.NewTx(1)
	child := beeftest.NewTx(2, parent)

	s := storage.NewMemoryWalletStorage("primary")
	seed(t, s, &storage.TransactionRecord{
		Reference: "child",
		UserID:    1,
		TxID:      child.TxID().String(),
		Status:    storage.TxStatusUnproven,
		RawTx:     child.Bytes(),
		InputBEEF: beeftest.BeefBytes(parent),
	})
	p := actions.NewPipeline(s, nil, nil)

	res, err := p.ListActions(context.Background(), userAuth(1), &actions.ListActionsArgs{
		IncludeInputs:                    true,
		IncludeInputSourceLockingScripts: true,
		IncludeOutputs:                   true,
		IncludeOutputLockingScripts:      true,
	})
	require.NoError(t, err)
	require.Len(t, res.Actions, 1)
	a := res.Actions[0]

	require.Len(t, a.Inputs, 1)
	assert.Equal(t, parent.TxID().String()+".0", a.Inputs[0].SourceOutpoint)
	require.NotNil(t, a.Inputs[0].SourceSatoshis)
	assert.Equal(t, uint64(1001), *a.Inputs[0].SourceSatoshis)
	assert.Equal(t, "6a01", a.Inputs[0].SourceLockingScript)
	assert.Empty(t, a.Inputs[0].UnlockingScript)

	require.Len(t, a.Outputs, 1)
	assert.Equal(t, uint64(1002), a.Outputs[0].Satoshis)
	assert.Equal(t, "6a02", a.Outputs[0].LockingScript)
}
