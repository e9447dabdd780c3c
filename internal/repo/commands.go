package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/richardliu001/ledger-bridge/internal/model"
)

// Enqueue inserts cmd as PENDING. A duplicate (tenant, idempotency key) is
// not inserted again: the existing row is returned with created=false.
func (r *Repository) Enqueue(ctx context.Context, cmd *model.Command, now time.Time) (*model.Command, bool, error) {
	cmd.ID = 0
	cmd.Status = model.StatusPending
	cmd.Attempts = 0
	cmd.NextAttemptAt = now
	cmd.CreatedAt = now
	cmd.UpdatedAt = now
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(cmd)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return cmd, true, nil
	}
	existing, err := r.GetCommand(ctx, cmd.TenantID, cmd.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetCommand loads a command by its idempotency key.
func (r *Repository) GetCommand(ctx context.Context, tenantID, key string) (*model.Command, error) {
	var c model.Command
	err := r.db.WithContext(ctx).Where("tenant_id = ? AND idempotency_key = ?", tenantID, key).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCommandNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ClaimBatch locks up to limit due PENDING commands for owner, oldest first.
// Candidate rows are read with FOR UPDATE SKIP LOCKED and each one is then
// taken with a compare-and-set on its status, so a row is claimed by exactly
// one caller even where the database ignores row locks.
func (r *Repository) ClaimBatch(ctx context.Context, owner string, limit int, now time.Time) ([]model.Command, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []model.Command
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uint64
		if err := tx.Model(&model.Command{}).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND next_attempt_at <= ?", model.StatusPending, now).
			Order("created_at, id").
			Limit(limit).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		taken := make([]uint64, 0, len(ids))
		for _, id := range ids {
			res := tx.Model(&model.Command{}).
				Where("id = ? AND status = ?", id, model.StatusPending).
				Updates(map[string]interface{}{
					"status":     model.StatusLocked,
					"lock_owner": owner,
					"locked_at":  now,
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				taken = append(taken, id)
			}
		}
		if len(taken) == 0 {
			return nil
		}
		return tx.Where("id IN ?", taken).Order("created_at, id").Find(&claimed).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RecoverStaleLocks returns abandoned commands to the pool. A stale LOCKED
// row never reached the ledger and is released as is. A stale SUBMITTED row
// may have, so it consumes an attempt and fails with EXHAUSTED once attempts
// reach maxAttempts.
func (r *Repository) RecoverStaleLocks(ctx context.Context, cutoff time.Time, maxAttempts int, now time.Time) (released, exhausted int64, err error) {
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Command{}).
			Where("status = ? AND locked_at <= ?", model.StatusLocked, cutoff).
			Updates(map[string]interface{}{
				"status":          model.StatusPending,
				"lock_owner":      nil,
				"locked_at":       nil,
				"next_attempt_at": now,
				"updated_at":      now,
			})
		if res.Error != nil {
			return res.Error
		}
		released = res.RowsAffected

		code, msg := model.ErrorCodeExhausted, "lock expired after submission"
		res = tx.Model(&model.Command{}).
			Where("status = ? AND locked_at <= ? AND attempts + 1 >= ?", model.StatusSubmitted, cutoff, maxAttempts).
			Updates(map[string]interface{}{
				"status":        model.StatusFailed,
				"attempts":      gorm.Expr("attempts + 1"),
				"lock_owner":    nil,
				"locked_at":     nil,
				"error_code":    code,
				"error_message": msg,
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		exhausted = res.RowsAffected

		res = tx.Model(&model.Command{}).
			Where("status = ? AND locked_at <= ?", model.StatusSubmitted, cutoff).
			Updates(map[string]interface{}{
				"status":          model.StatusPending,
				"attempts":        gorm.Expr("attempts + 1"),
				"lock_owner":      nil,
				"locked_at":       nil,
				"next_attempt_at": now,
				"updated_at":      now,
			})
		if res.Error != nil {
			return res.Error
		}
		released += res.RowsAffected
		return nil
	})
	return released, exhausted, err
}

func held(tx *gorm.DB, id uint64, owner string, from ...model.CommandStatus) *gorm.DB {
	return tx.Model(&model.Command{}).Where("id = ? AND lock_owner = ? AND status IN ?", id, owner, from)
}

func lockLost(res *gorm.DB) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLockLost
	}
	return nil
}

// MarkSubmitted records that the ledger call for a LOCKED command starts now.
// The lock timestamp is refreshed so the lease covers the call.
func (r *Repository) MarkSubmitted(ctx context.Context, id uint64, owner, identity string, now time.Time) error {
	res := held(r.db.WithContext(ctx), id, owner, model.StatusLocked).
		Updates(map[string]interface{}{
			"status":       model.StatusSubmitted,
			"identity":     identity,
			"submitted_at": now,
			"locked_at":    now,
			"updated_at":   now,
		})
	return lockLost(res)
}

// MarkCommitted terminates a command successfully.
func (r *Repository) MarkCommitted(ctx context.Context, id uint64, owner, txID string, commitBlock *uint64, now time.Time) error {
	res := held(r.db.WithContext(ctx), id, owner, model.StatusLocked, model.StatusSubmitted).
		Updates(map[string]interface{}{
			"status":       model.StatusCommitted,
			"tx_id":        txID,
			"commit_block": commitBlock,
			"lock_owner":   nil,
			"locked_at":    nil,
			"updated_at":   now,
		})
	return lockLost(res)
}

// MarkRetry returns a command to PENDING with its new attempt count, due at next.
func (r *Repository) MarkRetry(ctx context.Context, id uint64, owner string, attempts int, next, now time.Time) error {
	res := held(r.db.WithContext(ctx), id, owner, model.StatusLocked, model.StatusSubmitted).
		Updates(map[string]interface{}{
			"status":          model.StatusPending,
			"attempts":        attempts,
			"next_attempt_at": next,
			"lock_owner":      nil,
			"locked_at":       nil,
			"updated_at":      now,
		})
	return lockLost(res)
}

// MarkFailed terminates a command with an error code and message.
func (r *Repository) MarkFailed(ctx context.Context, id uint64, owner string, attempts int, code, message string, now time.Time) error {
	res := held(r.db.WithContext(ctx), id, owner, model.StatusLocked, model.StatusSubmitted).
		Updates(map[string]interface{}{
			"status":        model.StatusFailed,
			"attempts":      attempts,
			"error_code":    code,
			"error_message": message,
			"lock_owner":    nil,
			"locked_at":     nil,
			"updated_at":    now,
		})
	return lockLost(res)
}

// ReleaseLock returns a claimed command that was never submitted to PENDING
// without consuming an attempt.
func (r *Repository) ReleaseLock(ctx context.Context, id uint64, owner string, now time.Time) error {
	res := held(r.db.WithContext(ctx), id, owner, model.StatusLocked).
		Updates(map[string]interface{}{
			"status":          model.StatusPending,
			"lock_owner":      nil,
			"locked_at":       nil,
			"next_attempt_at": now,
			"updated_at":      now,
		})
	return lockLost(res)
}

// QueueDepth counts commands per status.
func (r *Repository) QueueDepth(ctx context.Context) (map[model.CommandStatus]int64, error) {
	var rows []struct {
		Status model.CommandStatus
		N      int64
	}
	if err := r.db.WithContext(ctx).Model(&model.Command{}).
		Select("status, count(*) AS n").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := map[model.CommandStatus]int64{
		model.StatusPending:   0,
		model.StatusLocked:    0,
		model.StatusSubmitted: 0,
		model.StatusCommitted: 0,
		model.StatusFailed:    0,
	}
	for _, row := range rows {
		out[row.Status] = row.N
	}
	return out, nil
}
