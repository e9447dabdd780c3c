package repo

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/richardliu001/ledger-bridge/internal/model"
)

// GetWalletForUpdate locks the wallet row inside tx, creating an empty wallet
// first when the address is new.
func (r *Repository) GetWalletForUpdate(ctx context.Context, tx *gorm.DB, tenantID, address string) (*model.Wallet, error) {
	db := tx.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.Wallet{
		TenantID: tenantID,
		Address:  address,
		Balance:  decimal.Zero,
	}).Error; err != nil {
		return nil, err
	}
	var w model.Wallet
	if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND address = ?", tenantID, address).
		First(&w).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// UpdateWallet with optimistic lock on version. w.Version is bumped on success.
func (r *Repository) UpdateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet, now time.Time) error {
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("tenant_id = ? AND address = ? AND version = ?", w.TenantID, w.Address, w.Version).
		Updates(map[string]interface{}{
			"balance":    w.Balance,
			"version":    w.Version + 1,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticConflict
	}
	w.Version++
	return nil
}

// GetWallet reads a wallet outside of any transaction.
func (r *Repository) GetWallet(ctx context.Context, tenantID, address string) (*model.Wallet, error) {
	var w model.Wallet
	err := r.db.WithContext(ctx).Where("tenant_id = ? AND address = ?", tenantID, address).First(&w).Error
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetAccountForUpdate locks the account row inside tx, creating a row with
// no status first when the account is new.
func (r *Repository) GetAccountForUpdate(ctx context.Context, tx *gorm.DB, tenantID, accountID string) (*model.Account, error) {
	db := tx.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.Account{
		TenantID:  tenantID,
		AccountID: accountID,
	}).Error; err != nil {
		return nil, err
	}
	var a model.Account
	if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND account_id = ?", tenantID, accountID).
		First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAccount with optimistic lock on version. a.Version is bumped on success.
func (r *Repository) UpdateAccount(ctx context.Context, tx *gorm.DB, a *model.Account, now time.Time) error {
	res := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("tenant_id = ? AND account_id = ? AND version = ?", a.TenantID, a.AccountID, a.Version).
		Updates(map[string]interface{}{
			"status":     a.Status,
			"version":    a.Version + 1,
			"updated_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticConflict
	}
	a.Version++
	return nil
}

// GetAccount reads an account outside of any transaction.
func (r *Repository) GetAccount(ctx context.Context, tenantID, accountID string) (*model.Account, error) {
	var a model.Account
	err := r.db.WithContext(ctx).Where("tenant_id = ? AND account_id = ?", tenantID, accountID).First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetCursorForUpdate locks the cursor of channel on one read-model row,
// creating an unset cursor first.
func (r *Repository) GetCursorForUpdate(ctx context.Context, tx *gorm.DB, tenantID, kind, rowKey, channel string) (*model.RowCursor, error) {
	db := tx.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.RowCursor{
		TenantID: tenantID,
		Kind:     kind,
		RowKey:   rowKey,
		Channel:  channel,
		Block:    -1,
		Index:    -1,
	}).Error; err != nil {
		return nil, err
	}
	var c model.RowCursor
	if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND kind = ? AND row_key = ? AND channel = ?", tenantID, kind, rowKey, channel).
		First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// AdvanceCursor moves c to (block, index) if it still holds the position it
// was read with.
func (r *Repository) AdvanceCursor(ctx context.Context, tx *gorm.DB, c *model.RowCursor, block, index int64, now time.Time) error {
	res := tx.WithContext(ctx).
		Model(&model.RowCursor{}).
		Where("tenant_id = ? AND kind = ? AND row_key = ? AND channel = ? AND block = ? AND event_index = ?",
			c.TenantID, c.Kind, c.RowKey, c.Channel, c.Block, c.Index).
		Updates(map[string]interface{}{
			"block":       block,
			"event_index": index,
			"updated_at":  now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOptimisticConflict
	}
	c.Block, c.Index = block, index
	return nil
}
