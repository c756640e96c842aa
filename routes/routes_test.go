package routes_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/bsv-blockchain/go-sdk/transaction"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/b-open-io/wallet-monitor/actions"
	"github.com/b-open-io/wallet-monitor/headers"
	"github.com/b-open-io/wallet-monitor/internal/beeftest"
	"github.com/b-open-io/wallet-monitor/monitor"
	"github.com/b-open-io/wallet-monitor/proofs"
	"github.com/b-open-io/wallet-monitor/pubsub"
	"github.com/b-open-io/wallet-monitor/queue"
	"github.com/b-open-io/wallet-monitor/replication"
	"github.com/b-open-io/wallet-monitor/routes"
	"github.com/b-open-io/wallet-monitor/storage"
)

// mapReader serves proven transactions held in memory.
type mapReader map[string]*transaction.Transaction

func (m mapReader) GetProofDataForTransaction(ctx context.Context, txid string, bundle *transaction.Beef, opts proofs.ProofOptions) error {
	tx, ok := m[txid]
	if !ok {
		return proofs.ErrProofNotFound
	}
	_, err := bundle.MergeTransaction(tx)
	return err
}

type fakeTasks struct {
	ran []string
}

func (f *fakeTasks) RunNow(name string) error {
	if name != monitor.CheckForProofsTaskName {
		return monitor.ErrTaskNotFound
	}
	f.ran = append(f.ran, name)
	return nil
}

func (f *fakeTasks) AllStats() []monitor.RunStats {
	return []monitor.RunStats{{Name: monitor.CheckForProofsTaskName, Ready: true, Runs: 3}}
}

type fixedTip struct {
	tip *headers.ChainHeader
	err error
}

func (f fixedTip) FindChainTipHeader(ctx context.Context) (*headers.ChainHeader, error) {
	return f.tip, f.err
}

func do(t *testing.T, app *fiber.App, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	return doAs(t, app, "", method, path, body)
}

// doAs sends the request with token as its bearer credential.
func doAs(t *testing.T, app *fiber.App, token, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func newRoutesApp(cfg *routes.RoutesConfig) *fiber.App {
	app := fiber.New()
	routes.RegisterRoutes(app.Group("/api/v1"), cfg)
	return app
}

func TestListActionsRoute(t *testing.T) {
	s := storage.NewMemoryWalletStorage("primary")
	ctx := context.Background()
	require.NoError(t, s.InsertTransaction(ctx, &storage.TransactionRecord{Reference: "ns", UserID: 7, Status: storage.TxStatusNoSend}))
	require.NoError(t, s.InsertTransaction(ctx, &storage.TransactionRecord{Reference: "mine", UserID: 7, Status: storage.TxStatusCompleted}))
	require.NoError(t, s.InsertTransaction(ctx, &storage.TransactionRecord{Reference: "theirs", UserID: 8, Status: storage.TxStatusNoSend}))
	userID := 7
	app := newRoutesApp(&routes.RoutesConfig{
		Actions: actions.NewPipeline(s, nil, nil),
		Auth:    routes.APIKeys{"wallet-7": {IdentityKey: "03abc", UserID: &userID}},
	})

	resp, body := doAs(t, app, "wallet-7", http.MethodPost, "/api/v1/actions/list", routes.ListActionsRequest{
		Args: actions.ListActionsArgs{Labels: []string{actions.SpecOpNoSendActions, actions.LabelAbort}},
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))

	var result actions.ListActionsResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, 1, result.TotalActions)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, "ns", result.Actions[0].Reference)
	assert.Equal(t, storage.TxStatusFailed, result.Actions[0].Status)

	theirs, err := s.FindTransaction(ctx, "theirs")
	require.NoError(t, err)
	assert.Equal(t, storage.TxStatusNoSend, theirs.Status)

	resp, _ = doAs(t, app, "wallet-7", http.MethodPost, "/api/v1/actions/list", routes.ListActionsRequest{
		Args: actions.ListActionsArgs{Limit: actions.MaxPaginationLimit + 1},
	})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestListActionsRouteRequiresBearerToken(t *testing.T) {
	s := storage.NewMemoryWalletStorage("primary")
	require.NoError(t, s.InsertTransaction(context.Background(), &storage.TransactionRecord{Reference: "ns", UserID: 7, Status: storage.TxStatusNoSend}))
	userID := 7
	keys := routes.APIKeys{
		"wallet-7": {IdentityKey: "03abc", UserID: &userID},
		"no-user":  {IdentityKey: "03abc"},
	}
	args := routes.ListActionsRequest{Args: actions.ListActionsArgs{Labels: []string{actions.SpecOpNoSendActions, actions.LabelAbort}}}

	tests := []struct {
		name  string
		auth  routes.Authenticator
		token string
	}{
		{name: "missing token", auth: keys},
		{name: "unknown token", auth: keys, token: "guess"},
		{name: "token without user", auth: keys, token: "no-user"},
		{name: "no authenticator", token: "wallet-7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newRoutesApp(&routes.RoutesConfig{Actions: actions.NewPipeline(s, nil, nil), Auth: tt.auth})
			resp, _ := doAs(t, app, tt.token, http.MethodPost, "/api/v1/actions/list", args)
			assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
		})
	}

	rec, err := s.FindTransaction(context.Background(), "ns")
	require.NoError(t, err)
	assert.Equal(t, storage.TxStatusNoSend, rec.Status)
}

func TestMergeProofsRoute(t *testing.T) {
	mined := beeftest.NewTx(1)
	beeftest.Prove(mined, 800)
	app := newRoutesApp(&routes.RoutesConfig{Proofs: mapReader{mined.TxID().String(): mined}})

	missing := chainhash.Hash{9}.String()
	resp, body := do(t, app, http.MethodPost, "/api/v1/proofs/merge", routes.MergeProofsRequest{
		Txids: []string{mined.TxID().String(), missing, "nothex"},
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))

	var out routes.MergeProofsResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, []string{mined.TxID().String()}, out.Merged)
	require.Len(t, out.Failed, 2)
	assert.Equal(t, missing, out.Failed[0].TxID)
	assert.Contains(t, out.Failed[0].Error, "proof not found")
	assert.Equal(t, "nothex", out.Failed[1].TxID)

	raw, err := hex.DecodeString(out.Beef)
	require.NoError(t, err)
	bundle, err := transaction.NewBeefFromBytes(raw)
	require.NoError(t, err)
	assert.NotNil(t, bundle.FindTransaction(mined.TxID().String()))

	resp, _ = do(t, app, http.MethodPost, "/api/v1/proofs/merge", routes.MergeProofsRequest{})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestBackupsSyncRoute(t *testing.T) {
	primary := storage.NewMemoryWalletStorage("primary")
	backup := storage.NewMemoryWalletStorage("backup")
	require.NoError(t, primary.InsertTransaction(context.Background(), &storage.TransactionRecord{Reference: "a", UserID: 1, Status: storage.TxStatusUnproven}))
	c := replication.NewCoordinator(primary, queue.NewMemoryQueueStorage(), nil)
	require.NoError(t, c.AddBackupProvider(backup))
	app := newRoutesApp(&routes.RoutesConfig{Backups: c})

	resp, body := do(t, app, http.MethodPost, "/api/v1/backups/sync", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))

	var report replication.SyncReport
	require.NoError(t, json.Unmarshal(body, &report))
	require.Len(t, report.Results, 1)
	assert.Equal(t, 1, report.Results[0].Copied)
	assert.Zero(t, report.Failures)

	resp, body = do(t, app, http.MethodGet, "/api/v1/backups/cursors", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))
	var cursors map[string]storage.SyncCursor
	require.NoError(t, json.Unmarshal(body, &cursors))
	require.Contains(t, cursors, "backup")
	assert.Equal(t, "a", cursors["backup"].Reference)
}

type fakeAttempts map[string]int

func (f fakeAttempts) PendingAttempts(ctx context.Context, minAttempts, limit int) ([]monitor.ProofAttempt, int64, error) {
	var out []monitor.ProofAttempt
	for _, ref := range []string{"a", "b", "c"} {
		if n, ok := f[ref]; ok && n >= minAttempts && len(out) < limit {
			out = append(out, monitor.ProofAttempt{Reference: ref, Attempts: n})
		}
	}
	return out, int64(len(f)), nil
}

func (f fakeAttempts) Attempts(ctx context.Context, reference string) (int, error) {
	return f[reference], nil
}

func TestProofAttemptRoutes(t *testing.T) {
	app := newRoutesApp(&routes.RoutesConfig{Attempts: fakeAttempts{"a": 1, "b": 5, "c": 9}})

	resp, body := do(t, app, http.MethodGet, "/api/v1/monitor/proof-attempts?min=5&limit=1", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode, string(body))
	var out routes.ProofAttemptsResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, int64(3), out.Total)
	assert.Equal(t, []monitor.ProofAttempt{{Reference: "b", Attempts: 5}}, out.Attempts)

	resp, body = do(t, app, http.MethodGet, "/api/v1/monitor/proof-attempts/c", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var one monitor.ProofAttempt
	require.NoError(t, json.Unmarshal(body, &one))
	assert.Equal(t, monitor.ProofAttempt{Reference: "c", Attempts: 9}, one)

	resp, _ = do(t, app, http.MethodGet, "/api/v1/monitor/proof-attempts?limit=0", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestMonitorTaskRoutes(t *testing.T) {
	tasks := &fakeTasks{}
	app := newRoutesApp(&routes.RoutesConfig{Tasks: tasks})

	resp, body := do(t, app, http.MethodGet, "/api/v1/monitor/tasks", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var stats []monitor.RunStats
	require.NoError(t, json.Unmarshal(body, &stats))
	require.Len(t, stats, 1)
	assert.Equal(t, 3, stats[0].Runs)

	resp, _ = do(t, app, http.MethodPost, "/api/v1/monitor/tasks/"+monitor.CheckForProofsTaskName+"/run", nil)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{monitor.CheckForProofsTaskName}, tasks.ran)

	resp, _ = do(t, app, http.MethodPost, "/api/v1/monitor/tasks/Nope/run", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestBlockTipRoute(t *testing.T) {
	tip := &headers.ChainHeader{Height: 850_000, Hash: chainhash.Hash{1}, PreviousHash: chainhash.Hash{2}}
	app := newRoutesApp(&routes.RoutesConfig{Chain: fixedTip{tip: tip}})

	resp, body := do(t, app, http.MethodGet, "/api/v1/block/tip", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var out routes.BlockTipResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, uint32(850_000), out.Height)
	assert.Equal(t, tip.Hash.String(), out.Hash)
	assert.Equal(t, tip.PreviousHash.String(), out.PreviousHash)

	down := newRoutesApp(&routes.RoutesConfig{Chain: fixedTip{err: errors.New("unreachable")}})
	resp, _ = do(t, down, http.MethodGet, "/api/v1/block/tip", nil)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestUnregisteredComponentsHaveNoRoutes(t *testing.T) {
	app := newRoutesApp(&routes.RoutesConfig{})
	resp, _ := do(t, app, http.MethodGet, "/api/v1/monitor/tasks", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestSubscribeRejectsUnknownTopic(t *testing.T) {
	ps := pubsub.NewChannelPubSub()
	defer ps.Close()
	app := fiber.New()
	routes.RegisterSSERoutes(app, &routes.SSERoutesConfig{PubSub: ps})

	req := httptest.NewRequest(http.MethodGet, "/subscribe/headers,mempool", strings.NewReader(""))
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
