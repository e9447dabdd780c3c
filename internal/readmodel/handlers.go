package readmodel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/richardliu001/ledger-bridge/internal/ledger"
	"github.com/richardliu001/ledger-bridge/internal/model"
	"github.com/richardliu001/ledger-bridge/internal/projector"
)

// ErrInsufficientBalance rejects an event that would drive a wallet negative.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Store is the read-model persistence. *repo.Repository implements it.
type Store interface {
	GetWalletForUpdate(ctx context.Context, tx *gorm.DB, tenantID, address string) (*model.Wallet, error)
	UpdateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet, now time.Time) error
	GetAccountForUpdate(ctx context.Context, tx *gorm.DB, tenantID, accountID string) (*model.Account, error)
	UpdateAccount(ctx context.Context, tx *gorm.DB, a *model.Account, now time.Time) error
	GetCursorForUpdate(ctx context.Context, tx *gorm.DB, tenantID, kind, rowKey, channel string) (*model.RowCursor, error)
	AdvanceCursor(ctx context.Context, tx *gorm.DB, c *model.RowCursor, block, index int64, now time.Time) error
}

// Projection applies token and account events for one tenant.
type Projection struct {
	tenantID string
	store    Store
	now      func() time.Time
}

// NewProjection returns the projection of tenantID.
func NewProjection(tenantID string, store Store) *Projection {
	return &Projection{tenantID: tenantID, store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Register declares every schema in reg and its handler in disp.
func (p *Projection) Register(reg *projector.Registry, disp *projector.Dispatcher) error {
	schemas := []struct {
		s projector.Schema
		h projector.HandlerFunc
	}{
		{projector.Schema{EventName: EventTokensTransferred, Version: "1", New: func() any { return &TransferV1{} }}, p.transferV1},
		{projector.Schema{EventName: EventTokensTransferred, Version: "2", New: func() any { return &TransferV2{} }}, p.transferV2},
		{projector.Schema{EventName: EventTokensMinted, Version: "1", New: func() any { return &MintV1{} }}, p.mint},
		{projector.Schema{EventName: EventTokensBurned, Version: "1", New: func() any { return &BurnV1{} }}, p.burn},
		{projector.Schema{EventName: EventAccountStatusChanged, Version: "1", New: func() any { return &AccountStatusV1{} }}, p.accountStatus},
	}
	for _, e := range schemas {
		if err := reg.Register(e.s); err != nil {
			return err
		}
		disp.Handle(e.s.EventName, e.s.Version, e.h)
	}
	return nil
}

// applied reports whether the row behind c already reflects ev. c belongs
// to ev's channel.
func applied(c *model.RowCursor, ev ledger.Event) bool {
	b, i := int64(ev.BlockNumber), int64(ev.EventIndex)
	return c.Block > b || (c.Block == b && c.Index >= i)
}

func amount(n fmt.Stringer) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero, projector.Permanent(err)
	}
	return d, nil
}

func (p *Projection) transferV1(ctx context.Context, tx *gorm.DB, ev ledger.Event, payload any) (projector.Effects, error) {
	t := payload.(*TransferV1)
	amt, err := amount(t.Amount)
	if err != nil {
		return projector.Effects{}, err
	}
	return p.transfer(ctx, tx, ev, t.From, t.To, amt)
}

func (p *Projection) transferV2(ctx context.Context, tx *gorm.DB, ev ledger.Event, payload any) (projector.Effects, error) {
	t := payload.(*TransferV2)
	amt, err := amount(t.Amount)
	if err != nil {
		return projector.Effects{}, err
	}
	return p.transfer(ctx, tx, ev, t.From, t.To, amt)
}

func (p *Projection) transfer(ctx context.Context, tx *gorm.DB, ev ledger.Event, from, to string, amt decimal.Decimal) (projector.Effects, error) {
	// Lock in address order so concurrent transfers cannot deadlock.
	addrs := []string{from, to}
	sort.Strings(addrs)
	wallets := make(map[string]*model.Wallet, 2)
	cursors := make(map[string]*model.RowCursor, 2)
	for _, a := range addrs {
		w, err := p.store.GetWalletForUpdate(ctx, tx, p.tenantID, a)
		if err != nil {
			return projector.Effects{}, err
		}
		wallets[a] = w
	}
	for _, a := range addrs {
		c, err := p.store.GetCursorForUpdate(ctx, tx, p.tenantID, model.RowWallet, a, ev.Channel)
		if err != nil {
			return projector.Effects{}, err
		}
		cursors[a] = c
	}

	src, dst := wallets[from], wallets[to]
	if !applied(cursors[from], ev) {
		next := src.Balance.Sub(amt)
		if next.IsNegative() {
			return projector.Effects{}, projector.Permanent(fmt.Errorf("%w: %s has %s, transfer of %s", ErrInsufficientBalance, from, src.Balance, amt))
		}
		if err := p.save(ctx, tx, src, cursors[from], next, ev); err != nil {
			return projector.Effects{}, err
		}
	}
	if !applied(cursors[to], ev) {
		if err := p.save(ctx, tx, dst, cursors[to], dst.Balance.Add(amt), ev); err != nil {
			return projector.Effects{}, err
		}
	}
	return projector.Effects{Wallets: []string{from, to}}, nil
}

// lockWallet locks one wallet and the cursor of ev's channel on it.
func (p *Projection) lockWallet(ctx context.Context, tx *gorm.DB, ev ledger.Event, address string) (*model.Wallet, *model.RowCursor, error) {
	w, err := p.store.GetWalletForUpdate(ctx, tx, p.tenantID, address)
	if err != nil {
		return nil, nil, err
	}
	c, err := p.store.GetCursorForUpdate(ctx, tx, p.tenantID, model.RowWallet, address, ev.Channel)
	if err != nil {
		return nil, nil, err
	}
	return w, c, nil
}

func (p *Projection) mint(ctx context.Context, tx *gorm.DB, ev ledger.Event, payload any) (projector.Effects, error) {
	m := payload.(*MintV1)
	amt, err := amount(m.Amount)
	if err != nil {
		return projector.Effects{}, err
	}
	w, c, err := p.lockWallet(ctx, tx, ev, m.To)
	if err != nil {
		return projector.Effects{}, err
	}
	if !applied(c, ev) {
		if err := p.save(ctx, tx, w, c, w.Balance.Add(amt), ev); err != nil {
			return projector.Effects{}, err
		}
	}
	return projector.Effects{Wallets: []string{m.To}}, nil
}

func (p *Projection) burn(ctx context.Context, tx *gorm.DB, ev ledger.Event, payload any) (projector.Effects, error) {
	b := payload.(*BurnV1)
	amt, err := amount(b.Amount)
	if err != nil {
		return projector.Effects{}, err
	}
	w, c, err := p.lockWallet(ctx, tx, ev, b.From)
	if err != nil {
		return projector.Effects{}, err
	}
	if !applied(c, ev) {
		next := w.Balance.Sub(amt)
		if next.IsNegative() {
			return projector.Effects{}, projector.Permanent(fmt.Errorf("%w: %s has %s, burn of %s", ErrInsufficientBalance, b.From, w.Balance, amt))
		}
		if err := p.save(ctx, tx, w, c, next, ev); err != nil {
			return projector.Effects{}, err
		}
	}
	return projector.Effects{Wallets: []string{b.From}}, nil
}

func (p *Projection) accountStatus(ctx context.Context, tx *gorm.DB, ev ledger.Event, payload any) (projector.Effects, error) {
	s := payload.(*AccountStatusV1)
	a, err := p.store.GetAccountForUpdate(ctx, tx, p.tenantID, s.AccountID)
	if err != nil {
		return projector.Effects{}, err
	}
	c, err := p.store.GetCursorForUpdate(ctx, tx, p.tenantID, model.RowAccount, s.AccountID, ev.Channel)
	if err != nil {
		return projector.Effects{}, err
	}
	if applied(c, ev) {
		return projector.Effects{}, nil
	}
	now := p.now()
	a.Status = s.Status
	if err := p.store.UpdateAccount(ctx, tx, a, now); err != nil {
		return projector.Effects{}, err
	}
	return projector.Effects{}, p.store.AdvanceCursor(ctx, tx, c, int64(ev.BlockNumber), int64(ev.EventIndex), now)
}

func (p *Projection) save(ctx context.Context, tx *gorm.DB, w *model.Wallet, c *model.RowCursor, balance decimal.Decimal, ev ledger.Event) error {
	now := p.now()
	w.Balance = balance
	if err := p.store.UpdateWallet(ctx, tx, w, now); err != nil {
		return err
	}
	return p.store.AdvanceCursor(ctx, tx, c, int64(ev.BlockNumber), int64(ev.EventIndex), now)
}
