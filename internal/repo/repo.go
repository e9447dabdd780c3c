package repo

import (
	"context"
	"errors"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/ledger-bridge/internal/model"
)

var (
	// ErrOptimisticConflict is returned when a read-model row moved under us.
	ErrOptimisticConflict = errors.New("optimistic lock conflict")
	// ErrLockLost is returned when a command is no longer held by the caller.
	ErrLockLost = errors.New("command lock lost")
	// ErrCommandNotFound is returned for an unknown (tenant, idempotency key).
	ErrCommandNotFound = errors.New("command not found")
	// ErrCheckpointNotFound is returned before the first event of a channel.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrCheckpointRegression is returned when an advance would move a checkpoint backwards.
	ErrCheckpointRegression = errors.New("checkpoint regression")
	// ErrDeadLetterNotFound is returned when resolving an unknown or resolved entry.
	ErrDeadLetterNotFound = errors.New("dead letter not found")
)

// Repository is the relational store of commands, checkpoints, event records,
// dead letters and read models, plus the Redis balance cache and the Kafka
// dead-letter topic.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo. rdb and w may be nil.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// Transaction runs fn in one database transaction.
func (r *Repository) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

// AutoMigrate creates or updates every bridge table.
func (r *Repository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(model.All()...)
}
