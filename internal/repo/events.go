package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/richardliu001/ledger-bridge/internal/model"
)

// AppendEventRecord writes the immutable record of an applied event inside
// tx. A record already stored at the same position is kept as is.
func (r *Repository) AppendEventRecord(ctx context.Context, tx *gorm.DB, rec *model.EventRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "tenant_id"}, {Name: "channel"}, {Name: "block_number"}, {Name: "event_index"},
			},
			DoNothing: true,
		}).
		Create(rec).Error
}

// ListEventRecords returns applied events of a channel in ledger order.
func (r *Repository) ListEventRecords(ctx context.Context, tenantID, channel string, limit int) ([]model.EventRecord, error) {
	var recs []model.EventRecord
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND channel = ?", tenantID, channel).
		Order("block_number, event_index").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

// CreateDeadLetter stores dl inside tx. Writing the same position twice keeps
// the first entry.
func (r *Repository) CreateDeadLetter(ctx context.Context, tx *gorm.DB, dl *model.DeadLetter) error {
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "tenant_id"}, {Name: "channel"}, {Name: "block_number"}, {Name: "event_index"},
			},
			DoNothing: true,
		}).
		Create(dl).Error
}

// ListDeadLetters returns dead letters of a tenant, newest position last.
// An empty channel matches every channel.
func (r *Repository) ListDeadLetters(ctx context.Context, tenantID, channel string, unresolvedOnly bool, limit int) ([]model.DeadLetter, error) {
	q := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if channel != "" {
		q = q.Where("channel = ?", channel)
	}
	if unresolvedOnly {
		q = q.Where("resolved = ?", false)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []model.DeadLetter
	err := q.Order("channel, block_number, event_index").Find(&out).Error
	return out, err
}

// ResolveDeadLetter marks an unresolved entry as reprocessed.
func (r *Repository) ResolveDeadLetter(ctx context.Context, id uint64, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&model.DeadLetter{}).
		Where("id = ? AND resolved = ?", id, false).
		Updates(map[string]interface{}{"resolved": true, "resolved_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}

// DeadLetterCount is the number of unresolved entries per channel and reason.
type DeadLetterCount struct {
	TenantID string
	Channel  string
	Reason   string
	N        int64
}

// DeadLetterCounts groups unresolved dead letters.
func (r *Repository) DeadLetterCounts(ctx context.Context) ([]DeadLetterCount, error) {
	var out []DeadLetterCount
	err := r.db.WithContext(ctx).Model(&model.DeadLetter{}).
		Select("tenant_id, channel, reason, count(*) AS n").
		Where("resolved = ?", false).
		Group("tenant_id, channel, reason").
		Order("tenant_id, channel, reason").
		Scan(&out).Error
	return out, err
}

// PublishDeadLetter sends dl to Kafka. Without a writer it is a no-op.
func (r *Repository) PublishDeadLetter(ctx context.Context, dl model.DeadLetter) error {
	if r.writer == nil {
		return nil
	}
	payload, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%s:%s:%d:%d", dl.TenantID, dl.Channel, dl.BlockNumber, dl.EventIndex)),
		Value: payload,
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}
