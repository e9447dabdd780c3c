package readmodel_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/ledger-bridge/internal/backoff"
	"github.com/richardliu001/ledger-bridge/internal/breaker"
	"github.com/richardliu001/ledger-bridge/internal/identity"
	"github.com/richardliu001/ledger-bridge/internal/ledger"
	"github.com/richardliu001/ledger-bridge/internal/ledger/memledger"
	"github.com/richardliu001/ledger-bridge/internal/model"
	"github.com/richardliu001/ledger-bridge/internal/projector"
	"github.com/richardliu001/ledger-bridge/internal/readmodel"
	"github.com/richardliu001/ledger-bridge/internal/repo"
	"github.com/richardliu001/ledger-bridge/internal/repo/repotest"
	"github.com/richardliu001/ledger-bridge/internal/submitter"
)

const tenant = "t1"

var t0 = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func newProjector(t *testing.T, r *repo.Repository, sub projector.Subscriber) *projector.Projector {
	t.Helper()
	reg := projector.NewRegistry()
	disp := projector.NewDispatcher()
	require.NoError(t, readmodel.NewProjection(tenant, r).Register(reg, disp))
	p, err := projector.New(projector.Config{
		TenantID:  tenant,
		Name:      "balances",
		Channels:  []string{"main"},
		Reconnect: backoff.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond},
	}, r, sub, reg, disp, zap.NewNop().Sugar())
	require.NoError(t, err)
	return p
}

func ev(block uint64, index uint32, name, version string, payload any) ledger.Event {
	raw, _ := json.Marshal(payload)
	return ledger.Event{
		TxID:        "tx",
		BlockNumber: block,
		EventIndex:  index,
		Channel:     "main",
		EventName:   name,
		Version:     version,
		Payload:     raw,
		Timestamp:   t0,
	}
}

func balance(t *testing.T, r *repo.Repository, addr string) decimal.Decimal {
	t.Helper()
	w, err := r.GetWallet(context.Background(), tenant, addr)
	require.NoError(t, err)
	return w.Balance
}

func cursor(t *testing.T, db *gorm.DB, kind, key, channel string) model.RowCursor {
	t.Helper()
	var c model.RowCursor
	require.NoError(t, db.Where("tenant_id = ? AND kind = ? AND row_key = ? AND channel = ?", tenant, kind, key, channel).First(&c).Error)
	return c
}

func TestProjection_MintTransferBurn(t *testing.T) {
	r, db := repotest.NewRepository(t)
	p := newProjector(t, r, memledger.New().Client("reader"))
	ctx := context.Background()

	steps := []ledger.Event{
		ev(1, 0, readmodel.EventTokensMinted, "1", map[string]any{"to": "A", "amount": "100.5"}),
		ev(2, 0, readmodel.EventTokensTransferred, "1", map[string]any{"from": "A", "to": "B", "amount": 10}),
		ev(2, 1, readmodel.EventTokensTransferred, "2", map[string]any{"from": "B", "to": "C", "amount": "2.25", "reference": "inv-7"}),
		ev(3, 0, readmodel.EventTokensBurned, "1", map[string]any{"from": "A", "amount": "0.5"}),
	}
	for _, e := range steps {
		out, err := p.HandleEvent(ctx, e)
		require.NoError(t, err)
		require.Equal(t, projector.Applied, out, e.Position().String())
	}

	assert.True(t, decimal.RequireFromString("90").Equal(balance(t, r, "A")))
	assert.True(t, decimal.RequireFromString("7.75").Equal(balance(t, r, "B")))
	assert.True(t, decimal.RequireFromString("2.25").Equal(balance(t, r, "C")))

	w, err := r.GetWallet(ctx, tenant, "A")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), w.Version)
	c := cursor(t, db, model.RowWallet, "A", "main")
	assert.Equal(t, int64(3), c.Block)
	assert.Equal(t, int64(0), c.Index)
}

func TestProjection_ChannelsKeepSeparateCursors(t *testing.T) {
	r, db := repotest.NewRepository(t)
	p := newProjector(t, r, memledger.New().Client("reader"))
	ctx := context.Background()

	main := ev(10, 0, readmodel.EventTokensMinted, "1", map[string]any{"to": "A", "amount": 5})
	side := ev(5, 0, readmodel.EventTokensMinted, "1", map[string]any{"to": "A", "amount": 7})
	side.Channel = "side"
	sideTransfer := ev(6, 0, readmodel.EventTokensTransferred, "1", map[string]any{"from": "A", "to": "B", "amount": 2})
	sideTransfer.Channel = "side"

	for _, e := range []ledger.Event{main, side, sideTransfer} {
		out, err := p.HandleEvent(ctx, e)
		require.NoError(t, err)
		require.Equal(t, projector.Applied, out, e.Channel+" "+e.Position().String())
	}
	assert.True(t, decimal.NewFromInt(10).Equal(balance(t, r, "A")), balance(t, r, "A").String())
	assert.True(t, decimal.NewFromInt(2).Equal(balance(t, r, "B")))
	assert.Equal(t, int64(10), cursor(t, db, model.RowWallet, "A", "main").Block)
	assert.Equal(t, int64(6), cursor(t, db, model.RowWallet, "A", "side").Block)

	// Replaying either channel changes nothing.
	out, err := p.HandleEvent(ctx, side)
	require.NoError(t, err)
	assert.Equal(t, projector.Skipped, out)
	assert.True(t, decimal.NewFromInt(10).Equal(balance(t, r, "A")))
}

func TestProjection_InsufficientBalanceIsDeadLettered(t *testing.T) {
	r, db := repotest.NewRepository(t)
	p := newProjector(t, r, memledger.New().Client("reader"))
	ctx := context.Background()

	_, err := p.HandleEvent(ctx, ev(1, 0, readmodel.EventTokensMinted, "1", map[string]any{"to": "A", "amount": 5}))
	require.NoError(t, err)
	out, err := p.HandleEvent(ctx, ev(2, 0, readmodel.EventTokensTransferred, "1", map[string]any{"from": "A", "to": "B", "amount": 6}))
	require.NoError(t, err)
	assert.Equal(t, projector.DeadLettered, out)

	assert.True(t, decimal.NewFromInt(5).Equal(balance(t, r, "A")))
	var n int64
	require.NoError(t, db.Model(&model.Wallet{}).Where("address = ?", "B").Count(&n).Error)
	assert.Zero(t, n)

	dls, err := r.ListDeadLetters(ctx, tenant, "main", true, 0)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, model.ReasonHandlerFailed, dls[0].Reason)
	assert.Contains(t, dls[0].Detail, "insufficient balance")
}

func TestProjection_SchemaViolations(t *testing.T) {
	cases := []struct {
		name    string
		version string
		payload map[string]any
		detail  string
	}{
		{"missing amount", "1", map[string]any{"from": "A", "to": "B"}, "Amount failed required"},
		{"self transfer", "1", map[string]any{"from": "A", "to": "A", "amount": 1}, "To failed nefield=From"},
		{"zero amount", "1", map[string]any{"from": "A", "to": "B", "amount": "0"}, "Amount failed positive_amount"},
		{"v2 needs reference", "2", map[string]any{"from": "A", "to": "B", "amount": 1}, "Reference failed required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := repotest.NewRepository(t)
			p := newProjector(t, r, memledger.New().Client("reader"))
			out, err := p.HandleEvent(context.Background(), ev(1, 0, readmodel.EventTokensTransferred, tc.version, tc.payload))
			require.NoError(t, err)
			assert.Equal(t, projector.DeadLettered, out)

			dls, err := r.ListDeadLetters(context.Background(), tenant, "main", true, 0)
			require.NoError(t, err)
			require.Len(t, dls, 1)
			assert.Equal(t, model.ReasonSchemaValidation, dls[0].Reason)
			assert.Contains(t, dls[0].Detail, tc.detail)
		})
	}
}

func TestProjection_AccountStatus(t *testing.T) {
	r, _ := repotest.NewRepository(t)
	p := newProjector(t, r, memledger.New().Client("reader"))
	ctx := context.Background()

	_, err := p.HandleEvent(ctx, ev(1, 0, readmodel.EventAccountStatusChanged, "1", map[string]any{"account_id": "u-1", "status": "ACTIVE"}))
	require.NoError(t, err)
	_, err = p.HandleEvent(ctx, ev(4, 0, readmodel.EventAccountStatusChanged, "1", map[string]any{"account_id": "u-1", "status": "SUSPENDED"}))
	require.NoError(t, err)
	out, err := p.HandleEvent(ctx, ev(5, 0, readmodel.EventAccountStatusChanged, "1", map[string]any{"account_id": "u-1", "status": "GONE"}))
	require.NoError(t, err)
	assert.Equal(t, projector.DeadLettered, out)

	a, err := r.GetAccount(ctx, tenant, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "SUSPENDED", a.Status)
	assert.Equal(t, uint64(2), a.Version)
}

func TestProjection_HandlerIgnoresPositionAlreadyApplied(t *testing.T) {
	r, db := repotest.NewRepository(t)
	reg := projector.NewRegistry()
	disp := projector.NewDispatcher()
	require.NoError(t, readmodel.NewProjection(tenant, r).Register(reg, disp))
	ctx := context.Background()

	h, ok := disp.Lookup(projector.Key{EventName: readmodel.EventTokensMinted, Version: "1"})
	require.True(t, ok)
	e := ev(7, 2, readmodel.EventTokensMinted, "1", nil)
	payload := &readmodel.MintV1{To: "A", Amount: "3"}

	for i := 0; i < 3; i++ {
		require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
			eff, err := h.Apply(ctx, tx, e, payload)
			assert.Equal(t, []string{"A"}, eff.Wallets)
			return err
		}))
	}
	assert.True(t, decimal.NewFromInt(3).Equal(balance(t, r, "A")))
}

// transferContract emits the event the token contract would for each command.
func transferContract(_ string, req ledger.SubmitRequest) ([]memledger.Emit, error) {
	var body map[string]any
	if err := json.Unmarshal([]byte(req.Args[0]), &body); err != nil {
		return nil, ledger.Permanent("BAD_ARGS", err.Error())
	}
	switch req.Function {
	case "TransferTokens":
		return []memledger.Emit{{ContractName: "tokenomics", EventName: readmodel.EventTokensTransferred, Version: "1", Payload: body}}, nil
	case "MintTokens":
		return []memledger.Emit{{ContractName: "tokenomics", EventName: readmodel.EventTokensMinted, Version: "1", Payload: body}}, nil
	}
	return nil, ledger.Permanent("UNKNOWN_FUNCTION", req.Function)
}

func TestBridge_TransferIsProjectedExactlyOnce(t *testing.T) {
	r, _ := repotest.NewRepository(t)
	l := memledger.New(memledger.WithContract(transferContract))
	log := zap.NewNop().Sugar()
	ctx := context.Background()

	pool := ledger.NewPool(breaker.Settings{FailureThreshold: 5, CoolDown: time.Minute}, time.Second, log)
	for _, id := range []string{"admin", "identity", "tokenomics"} {
		pool.Add(id, l.Client(id), nil)
	}
	router, err := identity.NewRouter(identity.DefaultRoutes())
	require.NoError(t, err)
	w, err := submitter.NewWorker(submitter.Config{
		WorkerID:    "w1",
		Concurrency: 1,
		Retry:       submitter.RetryPolicy{MaxAttempts: 5, Backoff: backoff.Default()},
	}, r, router, pool, log)
	require.NoError(t, err)

	for _, c := range []model.Command{
		{TenantID: tenant, Service: "tokenomics", Type: model.CommandMint, IdempotencyKey: "m1", Payload: `{"to":"A","amount":100}`},
		{TenantID: tenant, Service: "tokenomics", Type: model.CommandTransfer, IdempotencyKey: "r1", Payload: `{"from":"A","to":"B","amount":10}`},
	} {
		c := c
		_, _, err := r.Enqueue(ctx, &c, time.Now().UTC().Add(-time.Second))
		require.NoError(t, err)
	}
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	cmd, err := r.GetCommand(ctx, tenant, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCommitted, cmd.Status)
	require.NotNil(t, cmd.TxID)
	assert.NotEmpty(t, *cmd.TxID)

	p := newProjector(t, r, l.Client("tokenomics"))
	require.NoError(t, p.Start(ctx))
	require.Eventually(t, func() bool {
		cp, err := r.GetCheckpoint(ctx, tenant, "balances", "main")
		return err == nil && cp.LastBlock == 2
	}, 2*time.Second, 5*time.Millisecond)

	// Reconnecting replays the checkpoint block; balances must not move.
	l.BreakStreams(ledger.ErrStreamClosed)
	time.Sleep(50 * time.Millisecond)
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(stopCtx))

	assert.True(t, decimal.NewFromInt(90).Equal(balance(t, r, "A")))
	assert.True(t, decimal.NewFromInt(10).Equal(balance(t, r, "B")))

	recs, err := r.ListEventRecords(ctx, tenant, "main", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, *cmd.TxID, recs[1].TxID)
}
