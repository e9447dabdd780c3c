package projector_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/ledger-bridge/internal/backoff"
	"github.com/richardliu001/ledger-bridge/internal/ledger"
	"github.com/richardliu001/ledger-bridge/internal/ledger/memledger"
	"github.com/richardliu001/ledger-bridge/internal/model"
	"github.com/richardliu001/ledger-bridge/internal/projector"
	"github.com/richardliu001/ledger-bridge/internal/repo"
	"github.com/richardliu001/ledger-bridge/internal/repo/repotest"
)

const (
	tenant  = "acme"
	channel = "main"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type noted struct {
	Key  string `json:"key" validate:"required"`
	Mode string `json:"mode" validate:"omitempty,oneof=fail flaky touch"`
}

// recorder is the handler and post-commit hook of the tests.
type recorder struct {
	mu      sync.Mutex
	keys    []string
	flaky   map[string]bool
	applied []model.EventRecord
	dead    []model.DeadLetter
}

func (r *recorder) Apply(_ context.Context, tx *gorm.DB, ev ledger.Event, payload any) (projector.Effects, error) {
	n := payload.(*noted)
	switch n.Mode {
	case "fail":
		// Written and then rolled back with the failure.
		if err := tx.Create(&model.Wallet{TenantID: tenant, Address: n.Key, Balance: decimal.NewFromInt(1)}).Error; err != nil {
			return projector.Effects{}, err
		}
		return projector.Effects{}, projector.Permanent(errors.New("cannot apply " + n.Key))
	case "flaky":
		r.mu.Lock()
		seen := r.flaky[n.Key]
		r.flaky[n.Key] = true
		r.mu.Unlock()
		if !seen {
			return projector.Effects{}, errors.New("database busy")
		}
	}
	r.mu.Lock()
	r.keys = append(r.keys, n.Key)
	r.mu.Unlock()
	return projector.Effects{Wallets: []string{n.Key}}, nil
}

func (r *recorder) Applied(_ context.Context, rec model.EventRecord, _ projector.Effects) {
	r.mu.Lock()
	r.applied = append(r.applied, rec)
	r.mu.Unlock()
}

func (r *recorder) DeadLettered(_ context.Context, dl model.DeadLetter) {
	r.mu.Lock()
	r.dead = append(r.dead, dl)
	r.mu.Unlock()
}

func (r *recorder) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

type harness struct {
	p    *projector.Projector
	repo *repo.Repository
	db   *gorm.DB
	l    *memledger.Ledger
	rec  *recorder
}

func newHarness(t *testing.T, r *repo.Repository, db *gorm.DB) *harness {
	t.Helper()
	if r == nil {
		r, db = repotest.NewRepository(t)
	}
	reg := projector.NewRegistry()
	require.NoError(t, reg.Register(projector.Schema{EventName: "Noted", Version: "1", New: func() any { return &noted{} }}))
	rec := &recorder{flaky: make(map[string]bool)}
	disp := projector.NewDispatcher()
	disp.Handle("Noted", "1", rec)

	l := memledger.New(memledger.WithClock(func() time.Time { return t0 }))
	p, err := projector.New(projector.Config{
		TenantID:  tenant,
		Name:      "test",
		Channels:  []string{channel},
		Reconnect: backoff.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
	}, r, l.Client("reader"), reg, disp, zap.NewNop().Sugar(),
		projector.WithClock(func() time.Time { return t0.Add(time.Minute) }),
		projector.WithPostCommit(rec))
	require.NoError(t, err)
	return &harness{p: p, repo: r, db: db, l: l, rec: rec}
}

func event(block uint64, index uint32, payload string) ledger.Event {
	return ledger.Event{
		TxID:         "tx",
		BlockNumber:  block,
		EventIndex:   index,
		Channel:      channel,
		ContractName: "notes",
		EventName:    "Noted",
		Version:      "1",
		Payload:      json.RawMessage(payload),
		Timestamp:    t0,
	}
}

func checkpoint(t *testing.T, h *harness) ledger.Position {
	t.Helper()
	cp, err := h.repo.GetCheckpoint(context.Background(), tenant, "test", channel)
	require.NoError(t, err)
	return ledger.Position{Block: cp.LastBlock, Index: cp.LastEventIndex}
}

func TestProjector_InvalidPayloadIsDeadLetteredAndProcessingContinues(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	out, err := h.p.HandleEvent(ctx, event(1, 0, `{"key":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, projector.Applied, out)

	out, err = h.p.HandleEvent(ctx, event(2, 0, `{"mode":"touch"}`))
	require.NoError(t, err)
	assert.Equal(t, projector.DeadLettered, out)
	assert.Equal(t, ledger.Position{Block: 2}, checkpoint(t, h))

	out, err = h.p.HandleEvent(ctx, event(2, 1, `{"key":"c"}`))
	require.NoError(t, err)
	assert.Equal(t, projector.Applied, out)

	assert.Equal(t, []string{"a", "c"}, h.rec.Keys())
	assert.Equal(t, ledger.Position{Block: 2, Index: 1}, checkpoint(t, h))

	dls, err := h.repo.ListDeadLetters(ctx, tenant, channel, true, 0)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, model.ReasonSchemaValidation, dls[0].Reason)
	assert.Equal(t, uint64(2), dls[0].BlockNumber)
	assert.Equal(t, `{"mode":"touch"}`, dls[0].Payload)
	assert.Contains(t, dls[0].Detail, "Key failed required")

	recs, err := h.repo.ListEventRecords(ctx, tenant, channel, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Len(t, h.rec.applied, 2)
	assert.Len(t, h.rec.dead, 1)
}

func TestProjector_UnknownEventIsDeadLettered(t *testing.T) {
	h := newHarness(t, nil, nil)
	ev := event(1, 0, `{"key":"a"}`)
	ev.Version = "9"

	out, err := h.p.HandleEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, projector.DeadLettered, out)

	dls, err := h.repo.ListDeadLetters(context.Background(), tenant, "", true, 0)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, model.ReasonUnknownEvent, dls[0].Reason)
	assert.Equal(t, ledger.Position{Block: 1}, checkpoint(t, h))
}

func TestProjector_NamelessEventKeepsItsPlace(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	nameless := event(1, 0, `{}`)
	nameless.EventName, nameless.TxID = "", ""

	out, err := h.p.HandleEvent(ctx, nameless)
	require.NoError(t, err)
	assert.Equal(t, projector.DeadLettered, out)

	out, err = h.p.HandleEvent(ctx, event(2, 0, `{"key":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, projector.Applied, out)

	dls, err := h.repo.ListDeadLetters(ctx, tenant, "", true, 0)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, model.ReasonUnknownEvent, dls[0].Reason)
	assert.Equal(t, uint64(1), dls[0].BlockNumber)
}

func TestProjector_DuplicateEventIsSkipped(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	_, err := h.p.HandleEvent(ctx, event(1, 0, `{"key":"a"}`))
	require.NoError(t, err)
	_, err = h.p.HandleEvent(ctx, event(1, 1, `{"key":"b"}`))
	require.NoError(t, err)

	for _, ev := range []ledger.Event{event(1, 0, `{"key":"a"}`), event(1, 1, `{"key":"b"}`)} {
		out, err := h.p.HandleEvent(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, projector.Skipped, out)
	}
	assert.Equal(t, []string{"a", "b"}, h.rec.Keys())
}

func TestProjector_OutOfOrderEventIsAnomaly(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	var anomaly *projector.AnomalyError
	_, err := h.p.HandleEvent(ctx, event(1, 1, `{"key":"a"}`))
	require.ErrorAs(t, err, &anomaly)
	assert.Nil(t, anomaly.Checkpoint)

	_, err = h.p.HandleEvent(ctx, event(1, 0, `{"key":"a"}`))
	require.NoError(t, err)

	cases := []ledger.Event{
		event(1, 2, `{"key":"gap"}`),
		event(3, 1, `{"key":"late"}`),
	}
	for _, ev := range cases {
		_, err := h.p.HandleEvent(ctx, ev)
		require.ErrorAs(t, err, &anomaly)
		require.NotNil(t, anomaly.Checkpoint)
		assert.Equal(t, ledger.Position{Block: 1}, *anomaly.Checkpoint)
		assert.Equal(t, ev.Position(), anomaly.Got)
	}
	assert.Equal(t, ledger.Position{Block: 1}, checkpoint(t, h))

	_, err = h.p.HandleEvent(ctx, event(5, 0, `{"key":"b"}`))
	require.NoError(t, err)
}

func TestProjector_PermanentHandlerErrorRollsBackAndDeadLetters(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	out, err := h.p.HandleEvent(ctx, event(1, 0, `{"key":"w1","mode":"fail"}`))
	require.NoError(t, err)
	assert.Equal(t, projector.DeadLettered, out)

	var n int64
	require.NoError(t, h.db.Model(&model.Wallet{}).Count(&n).Error)
	assert.Zero(t, n)

	dls, err := h.repo.ListDeadLetters(ctx, tenant, channel, true, 0)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, model.ReasonHandlerFailed, dls[0].Reason)
	assert.Equal(t, "cannot apply w1", dls[0].Detail)
	assert.Equal(t, ledger.Position{Block: 1}, checkpoint(t, h))
}

func TestProjector_TransientHandlerErrorLeavesCheckpoint(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	_, err := h.p.HandleEvent(ctx, event(1, 0, `{"key":"a","mode":"flaky"}`))
	require.Error(t, err)
	assert.False(t, projector.IsPermanent(err))

	_, err = h.repo.GetCheckpoint(ctx, tenant, "test", channel)
	assert.ErrorIs(t, err, repo.ErrCheckpointNotFound)

	out, err := h.p.HandleEvent(ctx, event(1, 0, `{"key":"a","mode":"flaky"}`))
	require.NoError(t, err)
	assert.Equal(t, projector.Applied, out)
	assert.Equal(t, []string{"a"}, h.rec.Keys())
}

func emit(key string) memledger.Emit {
	return memledger.Emit{ContractName: "notes", EventName: "Noted", Version: "1", Payload: map[string]string{"key": key}}
}

func TestProjector_RunReconnectsAndResumes(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.l.Append(channel, emit("a"), emit("b"))
	require.NoError(t, err)

	require.NoError(t, h.p.Start(context.Background()))
	require.Eventually(t, func() bool { return len(h.rec.Keys()) == 2 }, 2*time.Second, 5*time.Millisecond)

	h.l.BreakStreams(errors.New("connection reset"))
	_, err = h.l.Append(channel, emit("c"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.rec.Keys()) == 3 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.p.Stop(ctx))
	require.NoError(t, h.p.Wait())

	assert.Equal(t, []string{"a", "b", "c"}, h.rec.Keys())
	assert.Equal(t, ledger.Position{Block: 2}, checkpoint(t, h))

	st := h.p.Status()
	require.Len(t, st, 1)
	assert.False(t, st[0].Running)
	assert.False(t, st[0].Halted)
	assert.Equal(t, uint64(2), st[0].LastBlock)
	assert.Equal(t, 60.0, st[0].Lag)
}

func TestProjector_RestartDoesNotReapply(t *testing.T) {
	first := newHarness(t, nil, nil)
	for _, ev := range []ledger.Event{
		{TxID: "tx-1", BlockNumber: 1, Channel: channel, EventName: "Noted", Version: "1", Payload: json.RawMessage(`{"key":"a"}`), Timestamp: t0},
		{TxID: "tx-2", BlockNumber: 2, Channel: channel, EventName: "Noted", Version: "1", Payload: json.RawMessage(`{"key":"b"}`), Timestamp: t0},
	} {
		_, err := first.p.HandleEvent(context.Background(), ev)
		require.NoError(t, err)
	}

	// Same database, fresh process: the ledger replays from the checkpoint block.
	second := newHarness(t, first.repo, first.db)
	from, err := second.p.Resume(context.Background(), channel)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), from)

	_, err = second.l.Append(channel, emit("a"))
	require.NoError(t, err)
	_, err = second.l.Append(channel, emit("b"))
	require.NoError(t, err)
	_, err = second.l.Append(channel, emit("c"))
	require.NoError(t, err)

	require.NoError(t, second.p.Start(context.Background()))
	require.Eventually(t, func() bool { return len(second.rec.Keys()) == 1 }, 2*time.Second, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, second.p.Stop(ctx))

	assert.Equal(t, []string{"c"}, second.rec.Keys())
	assert.Equal(t, ledger.Position{Block: 3}, checkpoint(t, second))
}

func TestProjector_RunHaltsOnAnomaly(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.l.Append(channel, emit("a"))
	require.NoError(t, err)
	h.l.Inject(ledger.Event{TxID: "tx-x", BlockNumber: 1, EventIndex: 4, EventName: "Noted", Version: "1", Payload: json.RawMessage(`{"key":"x"}`), Timestamp: t0})

	err = h.p.RunChannel(context.Background(), channel)
	var anomaly *projector.AnomalyError
	require.ErrorAs(t, err, &anomaly)
	assert.Equal(t, ledger.Position{Block: 1, Index: 4}, anomaly.Got)

	st := h.p.Status()
	require.Len(t, st, 1)
	assert.True(t, st[0].Halted)
	assert.Contains(t, st[0].Error, "checkpoint anomaly")
	assert.Equal(t, []string{"a"}, h.rec.Keys())
}

func TestNew_RejectsIncompleteHandlerTable(t *testing.T) {
	r, _ := repotest.NewRepository(t)
	reg := projector.NewRegistry()
	require.NoError(t, reg.Register(projector.Schema{EventName: "Noted", Version: "1", New: func() any { return &noted{} }}))
	require.NoError(t, reg.Register(projector.Schema{EventName: "Noted", Version: "2", New: func() any { return &noted{} }}))
	disp := projector.NewDispatcher()
	disp.Handle("Noted", "1", &recorder{})
	disp.Handle("Other", "1", &recorder{})

	_, err := projector.New(projector.Config{TenantID: tenant, Name: "test", Channels: []string{channel}},
		r, memledger.New().Client("reader"), reg, disp, zap.NewNop().Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler for Noted/2")
	assert.Contains(t, err.Error(), "no schema for Other/1")
}
