package model

import "time"

// CommandStatus is the lifecycle state of an outbox command.
type CommandStatus string

const (
	StatusPending   CommandStatus = "PENDING"
	StatusLocked    CommandStatus = "LOCKED"
	StatusSubmitted CommandStatus = "SUBMITTED"
	StatusCommitted CommandStatus = "COMMITTED"
	StatusFailed    CommandStatus = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s CommandStatus) Terminal() bool {
	return s == StatusCommitted || s == StatusFailed
}

// CommandType names a business operation that is submitted to the ledger.
type CommandType string

const (
	CommandTransfer         CommandType = "Transfer"
	CommandMint             CommandType = "Mint"
	CommandBurn             CommandType = "Burn"
	CommandSetAccountStatus CommandType = "SetAccountStatus"
	CommandRegisterIdentity CommandType = "RegisterIdentity"
)

// Error codes written to failed commands.
const (
	ErrorCodeExhausted  = "EXHAUSTED"
	ErrorCodeUnroutable = "UNROUTABLE"
)

// Command is one row of the durable command queue.
type Command struct {
	ID             uint64        `gorm:"primaryKey" json:"id"`
	TenantID       string        `gorm:"size:64;not null;uniqueIndex:ux_command_idem,priority:1" json:"tenant_id"`
	Service        string        `gorm:"size:64;not null" json:"service"`
	Type           CommandType   `gorm:"size:64;not null" json:"type"`
	IdempotencyKey string        `gorm:"size:128;not null;uniqueIndex:ux_command_idem,priority:2" json:"idempotency_key"`
	Payload        string        `gorm:"type:jsonb;not null" json:"payload"`
	Status         CommandStatus `gorm:"size:16;not null;index:ix_command_claim,priority:1" json:"status"`
	Attempts       int           `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt  time.Time     `gorm:"not null;index:ix_command_claim,priority:2" json:"next_attempt_at"`
	LockOwner      *string       `gorm:"size:128" json:"lock_owner,omitempty"`
	LockedAt       *time.Time    `json:"locked_at,omitempty"`
	Identity       *string       `gorm:"size:64" json:"identity,omitempty"`
	SubmittedAt    *time.Time    `json:"submitted_at,omitempty"`
	TxID           *string       `gorm:"size:128" json:"tx_id,omitempty"`
	CommitBlock    *uint64       `json:"commit_block,omitempty"`
	ErrorCode      *string       `gorm:"size:64" json:"error_code,omitempty"`
	ErrorMessage   *string       `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt      time.Time     `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Command) TableName() string { return "command" }

var transitions = map[CommandStatus][]CommandStatus{
	StatusPending:   {StatusLocked},
	StatusLocked:    {StatusSubmitted, StatusPending, StatusFailed},
	StatusSubmitted: {StatusCommitted, StatusPending, StatusFailed},
}

// CanTransition reports whether a command may move from one status to another.
func CanTransition(from, to CommandStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
