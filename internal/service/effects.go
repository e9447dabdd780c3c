package service

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/richardliu001/ledger-bridge/internal/model"
	"github.com/richardliu001/ledger-bridge/internal/projector"
)

// EffectStore is what ProjectionEffects writes to after a projection commits.
type EffectStore interface {
	GetWallet(ctx context.Context, tenantID, address string) (*model.Wallet, error)
	CacheBalance(ctx context.Context, tenantID, address string, bal decimal.Decimal, version uint64) error
	InvalidateBalances(ctx context.Context, tenantID string, addresses ...string) error
	PublishDeadLetter(ctx context.Context, dl model.DeadLetter) error
}

// ProjectionEffects refreshes cached balances of touched wallets and
// announces dead letters on Kafka.
type ProjectionEffects struct {
	store EffectStore
	log   *zap.SugaredLogger
}

func NewProjectionEffects(s EffectStore, log *zap.SugaredLogger) *ProjectionEffects {
	return &ProjectionEffects{store: s, log: log}
}

// Applied implements projector.PostCommit. Each touched wallet is written
// through with its committed version; a wallet that cannot be refreshed is
// dropped from the cache instead.
func (e *ProjectionEffects) Applied(ctx context.Context, rec model.EventRecord, eff projector.Effects) {
	var stale []string
	for _, addr := range eff.Wallets {
		w, err := e.store.GetWallet(ctx, rec.TenantID, addr)
		if err == nil {
			err = e.store.CacheBalance(ctx, rec.TenantID, addr, w.Balance, w.Version)
		}
		if err != nil {
			e.log.Warnw("refresh cached balance", "tenant", rec.TenantID, "tx_id", rec.TxID, "wallet", addr, "err", err)
			stale = append(stale, addr)
		}
	}
	if err := e.store.InvalidateBalances(ctx, rec.TenantID, stale...); err != nil {
		e.log.Warnw("invalidate balances", "tenant", rec.TenantID, "tx_id", rec.TxID, "wallets", stale, "err", err)
	}
}

// DeadLettered implements projector.PostCommit.
func (e *ProjectionEffects) DeadLettered(ctx context.Context, dl model.DeadLetter) {
	if err := e.store.PublishDeadLetter(ctx, dl); err != nil {
		e.log.Warnw("publish dead letter", "tenant", dl.TenantID, "channel", dl.Channel, "block", dl.BlockNumber, "index", dl.EventIndex, "err", err)
	}
}
