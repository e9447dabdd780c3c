package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/richardliu001/ledger-bridge/internal/breaker"
	"github.com/richardliu001/ledger-bridge/internal/model"
	"github.com/richardliu001/ledger-bridge/internal/projector"
	"github.com/richardliu001/ledger-bridge/internal/repo"
	"github.com/richardliu001/ledger-bridge/internal/repo/repotest"
)

func newTestService(t *testing.T) (*CommandService, *repo.Repository, redismock.ClientMock) {
	db := repotest.NewDB(t)
	rdb, mock := redismock.NewClientMock()
	r := repo.NewRepository(db, rdb, nil, zap.NewNop().Sugar())
	return NewCommandService(r, zap.NewNop().Sugar()), r, mock
}

func transfer(key string) NewCommand {
	return NewCommand{
		TenantID:       "t1",
		Service:        "tokenomics",
		Type:           model.CommandTransfer,
		IdempotencyKey: key,
		Payload:        json.RawMessage(`{"from":"A","to":"B","amount":10}`),
	}
}

func TestCommandService_SubmitIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, created, err := svc.Submit(ctx, transfer("r1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.StatusPending, first.Status)

	again, created, err := svc.Submit(ctx, transfer("r1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	got, err := svc.Get(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"from":"A","to":"B","amount":10}`, got.Payload)

	_, err = svc.Get(ctx, "t1", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCommandService_SubmitRejectsInvalid(t *testing.T) {
	svc, _, _ := newTestService(t)

	noKey := transfer("")
	notObject := transfer("r2")
	notObject.Payload = json.RawMessage(`[1,2]`)
	noTenant := transfer("r3")
	noTenant.TenantID = ""

	for _, in := range []NewCommand{noKey, notObject, noTenant} {
		_, _, err := svc.Submit(context.Background(), in)
		assert.ErrorIs(t, err, ErrInvalidCommand)
	}
}

func TestCommandService_GetBalance(t *testing.T) {
	svc, r, mock := newTestService(t)
	ctx := context.Background()

	require.NoError(t, r.DB(ctx).Create(&model.Wallet{TenantID: "t1", Address: "A", Balance: decimal.NewFromInt(70), Version: 3}).Error)

	mock.ExpectGet("balance:t1:A").RedisNil()
	mock.ExpectEvalSha(repo.BalanceScript.Hash(), []string{"balance:t1:A"}, repo.BalanceArgs(decimal.NewFromInt(70), 3)...).SetVal(int64(1))
	mock.ExpectGet("balance:t1:A").SetVal("3|70")
	mock.ExpectGet("balance:t1:Z").RedisNil()

	bal, err := svc.GetBalance(ctx, "t1", "A")
	require.NoError(t, err)
	assert.Equal(t, "70", bal.StringFixed(0))

	bal, err = svc.GetBalance(ctx, "t1", "A")
	require.NoError(t, err)
	assert.Equal(t, "70", bal.String())

	_, err = svc.GetBalance(ctx, "t1", "Z")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProjectionEffects(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	r := repo.NewRepository(repotest.NewDB(t), rdb, nil, zap.NewNop().Sugar())
	eff := NewProjectionEffects(r, zap.NewNop().Sugar())
	ctx := context.Background()
	require.NoError(t, r.DB(ctx).Create(&model.Wallet{TenantID: "t1", Address: "A", Balance: decimal.NewFromInt(90), Version: 2}).Error)
	require.NoError(t, r.DB(ctx).Create(&model.Wallet{TenantID: "t1", Address: "B", Balance: decimal.NewFromInt(10), Version: 1}).Error)

	// A newer entry already cached for B makes the script a no-op.
	mock.ExpectEvalSha(repo.BalanceScript.Hash(), []string{"balance:t1:A"}, repo.BalanceArgs(decimal.NewFromInt(90), 2)...).SetVal(int64(1))
	mock.ExpectEvalSha(repo.BalanceScript.Hash(), []string{"balance:t1:B"}, repo.BalanceArgs(decimal.NewFromInt(10), 1)...).SetVal(int64(0))
	eff.Applied(ctx, model.EventRecord{TenantID: "t1"}, projector.Effects{Wallets: []string{"A", "B"}})
	// Without a Kafka writer publishing is a no-op.
	eff.DeadLettered(ctx, model.DeadLetter{TenantID: "t1"})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProjectionEffects_DropsWhatItCannotRefresh(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	r := repo.NewRepository(repotest.NewDB(t), rdb, nil, zap.NewNop().Sugar())
	eff := NewProjectionEffects(r, zap.NewNop().Sugar())

	mock.ExpectDel("balance:t1:Z").SetVal(1)
	eff.Applied(context.Background(), model.EventRecord{TenantID: "t1"}, projector.Effects{Wallets: []string{"Z"}})
	assert.NoError(t, mock.ExpectationsWereMet())
}

type openBreakers struct{}

func (openBreakers) BreakerStates() map[string]breaker.State {
	return map[string]breaker.State{"admin": breaker.StateOpen, "tokenomics": breaker.StateClosed}
}

type haltedProjection struct{}

func (haltedProjection) Status() []projector.ChannelStatus {
	return []projector.ChannelStatus{{Channel: "main", Halted: true, LastBlock: 9}}
}

func (haltedProjection) Config() projector.Config {
	return projector.Config{TenantID: "t1", Name: "balances"}
}

func TestStatusService_Snapshot(t *testing.T) {
	svc, r, _ := newTestService(t)
	ctx := context.Background()
	_, _, err := svc.Submit(ctx, transfer("r1"))
	require.NoError(t, err)

	healthy, err := NewStatusService(r, nil).Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, healthy.Healthy)
	assert.Equal(t, int64(1), healthy.Queue[model.StatusPending])
	assert.Empty(t, healthy.Projections)

	st, err := NewStatusService(r, openBreakers{}, haltedProjection{}).Snapshot(ctx)
	require.NoError(t, err)
	assert.False(t, st.Healthy)
	assert.Equal(t, "open", st.Breakers["admin"])
	assert.Equal(t, "closed", st.Breakers["tokenomics"])
	require.Len(t, st.Projections, 1)
	assert.Equal(t, uint64(9), st.Projections[0].Channels[0].LastBlock)
}
