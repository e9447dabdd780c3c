package repo

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/richardliu001/ledger-bridge/internal/model"
)

// GetCheckpoint loads the cursor of (tenant, projector, channel).
func (r *Repository) GetCheckpoint(ctx context.Context, tenantID, projector, channel string) (*model.Checkpoint, error) {
	return loadCheckpoint(r.db.WithContext(ctx), tenantID, projector, channel)
}

// GetCheckpointTx is GetCheckpoint inside tx.
func (r *Repository) GetCheckpointTx(ctx context.Context, tx *gorm.DB, tenantID, projector, channel string) (*model.Checkpoint, error) {
	return loadCheckpoint(tx.WithContext(ctx), tenantID, projector, channel)
}

func loadCheckpoint(db *gorm.DB, tenantID, projector, channel string) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	err := db.Where("tenant_id = ? AND projector = ? AND channel = ?", tenantID, projector, channel).First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// ListCheckpoints returns every checkpoint of a projector.
func (r *Repository) ListCheckpoints(ctx context.Context, tenantID, projector string) ([]model.Checkpoint, error) {
	var cps []model.Checkpoint
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND projector = ?", tenantID, projector).
		Order("channel").
		Find(&cps).Error
	return cps, err
}

// AdvanceCheckpoint moves the cursor to cp's position inside tx. The update
// only matches a row strictly behind the new position; when none matches the
// row is created, and if it already exists the advance is a regression.
func (r *Repository) AdvanceCheckpoint(ctx context.Context, tx *gorm.DB, cp model.Checkpoint) error {
	db := tx.WithContext(ctx)
	res := db.Model(&model.Checkpoint{}).
		Where("tenant_id = ? AND projector = ? AND channel = ?", cp.TenantID, cp.Projector, cp.Channel).
		Where("last_block < ? OR (last_block = ? AND last_event_index < ?)", cp.LastBlock, cp.LastBlock, cp.LastEventIndex).
		Updates(map[string]interface{}{
			"last_block":       cp.LastBlock,
			"last_event_index": cp.LastEventIndex,
			"last_tx_id":       cp.LastTxID,
			"last_event_at":    cp.LastEventAt,
			"updated_at":       cp.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	res = db.Clauses(clause.OnConflict{DoNothing: true}).Create(&cp)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	return fmt.Errorf("%w: %s/%s/%s to %d:%d", ErrCheckpointRegression,
		cp.TenantID, cp.Projector, cp.Channel, cp.LastBlock, cp.LastEventIndex)
}
