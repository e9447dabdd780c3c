package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/ledger-bridge/internal/model"
	"github.com/richardliu001/ledger-bridge/internal/repo"
)

var (
	// ErrInvalidCommand wraps every rejected submission.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrNotFound means the command or read-model row does not exist.
	ErrNotFound = errors.New("not found")
)

// Store is the repository surface used by the services.
type Store interface {
	Enqueue(ctx context.Context, cmd *model.Command, now time.Time) (*model.Command, bool, error)
	GetCommand(ctx context.Context, tenantID, key string) (*model.Command, error)
	GetWallet(ctx context.Context, tenantID, address string) (*model.Wallet, error)
	GetAccount(ctx context.Context, tenantID, accountID string) (*model.Account, error)
	CacheBalance(ctx context.Context, tenantID, address string, bal decimal.Decimal, version uint64) error
	GetCachedBalance(ctx context.Context, tenantID, address string) (decimal.Decimal, error)
}

// NewCommand is an inbound submission.
type NewCommand struct {
	TenantID       string            `json:"tenant_id" validate:"required,max=64"`
	Service        string            `json:"service" validate:"required,max=64"`
	Type           model.CommandType `json:"command_type" validate:"required,max=64"`
	IdempotencyKey string            `json:"idempotency_key" validate:"required,max=128"`
	Payload        json.RawMessage   `json:"payload" validate:"required"`
}

// CommandService accepts commands into the outbox and serves the read models.
type CommandService struct {
	store    Store
	validate *validator.Validate
	log      *zap.SugaredLogger
	now      func() time.Time
}

// NewCommandService returns CommandService.
func NewCommandService(s Store, logger *zap.SugaredLogger) *CommandService {
	return &CommandService{
		store:    s,
		validate: validator.New(),
		log:      logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Submit enqueues in as PENDING. Resubmitting a known (tenant, key) returns
// the stored command and created=false.
func (s *CommandService) Submit(ctx context.Context, in NewCommand) (*model.Command, bool, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(in.Payload, &obj); err != nil {
		return nil, false, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidCommand)
	}
	cmd, created, err := s.store.Enqueue(ctx, &model.Command{
		TenantID:       in.TenantID,
		Service:        in.Service,
		Type:           in.Type,
		IdempotencyKey: in.IdempotencyKey,
		Payload:        string(in.Payload),
	}, s.now())
	if err != nil {
		return nil, false, err
	}
	if created {
		s.log.Infow("command enqueued", "tenant", cmd.TenantID, "idempotency_key", cmd.IdempotencyKey, "command_id", cmd.ID, "type", cmd.Type)
	} else {
		s.log.Debugw("duplicate command", "tenant", cmd.TenantID, "idempotency_key", cmd.IdempotencyKey, "status", cmd.Status)
	}
	return cmd, created, nil
}

// Get returns a command by idempotency key.
func (s *CommandService) Get(ctx context.Context, tenantID, key string) (*model.Command, error) {
	cmd, err := s.store.GetCommand(ctx, tenantID, key)
	if errors.Is(err, repo.ErrCommandNotFound) {
		return nil, ErrNotFound
	}
	return cmd, err
}

// GetBalance returns the projected balance, from Redis when cached.
func (s *CommandService) GetBalance(ctx context.Context, tenantID, address string) (decimal.Decimal, error) {
	bal, err := s.store.GetCachedBalance(ctx, tenantID, address)
	if err == nil {
		return bal, nil
	}
	if !repo.IsCacheMiss(err) {
		s.log.Warnw("read balance cache", "tenant", tenantID, "address", address, "err", err)
	}
	w, err := s.store.GetWallet(ctx, tenantID, address)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	if err := s.store.CacheBalance(ctx, tenantID, address, w.Balance, w.Version); err != nil {
		s.log.Warn(err)
	}
	return w.Balance, nil
}

// GetAccount returns the projected account status.
func (s *CommandService) GetAccount(ctx context.Context, tenantID, accountID string) (*model.Account, error) {
	a, err := s.store.GetAccount(ctx, tenantID, accountID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return a, err
}
