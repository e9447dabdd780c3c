package model

import "time"

// Dead-letter reasons.
const (
	ReasonSchemaValidation = "schema_validation_failed"
	ReasonUnknownEvent     = "unknown_event"
	ReasonHandlerFailed    = "handler_failed"
)

// EventRecord is the immutable log of every ledger event applied by a projector.
type EventRecord struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	TenantID     string    `gorm:"size:64;not null;uniqueIndex:ux_event_position,priority:1" json:"tenant_id"`
	Channel      string    `gorm:"size:128;not null;uniqueIndex:ux_event_position,priority:2" json:"channel"`
	BlockNumber  uint64    `gorm:"not null;uniqueIndex:ux_event_position,priority:3" json:"block_number"`
	EventIndex   uint32    `gorm:"not null;uniqueIndex:ux_event_position,priority:4" json:"event_index"`
	TxID         string    `gorm:"size:128;not null;index" json:"tx_id"`
	ContractName string    `gorm:"size:64" json:"contract_name"`
	EventName    string    `gorm:"size:64;not null" json:"event_name"`
	Version      string    `gorm:"size:16" json:"version"`
	Payload      string    `gorm:"type:text;not null" json:"payload"`
	LedgerTime   time.Time `json:"ledger_time"`
	IngestedAt   time.Time `gorm:"autoCreateTime" json:"ingested_at"`
}

func (EventRecord) TableName() string { return "ledger_event" }

// DeadLetter captures an event that could not be projected.
type DeadLetter struct {
	ID           uint64     `gorm:"primaryKey" json:"id"`
	TenantID     string     `gorm:"size:64;not null;uniqueIndex:ux_dead_letter_position,priority:1" json:"tenant_id"`
	Projector    string     `gorm:"size:64;not null" json:"projector"`
	Channel      string     `gorm:"size:128;not null;uniqueIndex:ux_dead_letter_position,priority:2" json:"channel"`
	BlockNumber  uint64     `gorm:"not null;uniqueIndex:ux_dead_letter_position,priority:3" json:"block_number"`
	EventIndex   uint32     `gorm:"not null;uniqueIndex:ux_dead_letter_position,priority:4" json:"event_index"`
	TxID         string     `gorm:"size:128" json:"tx_id"`
	ContractName string     `gorm:"size:64" json:"contract_name"`
	EventName    string     `gorm:"size:64" json:"event_name"`
	Version      string     `gorm:"size:16" json:"version"`
	Reason       string     `gorm:"size:64;not null;index" json:"reason"`
	Detail       string     `gorm:"type:text" json:"detail"`
	Payload      string     `gorm:"type:text" json:"payload"`
	LedgerTime   time.Time  `json:"ledger_time"`
	Resolved     bool       `gorm:"not null;default:false" json:"resolved"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func (DeadLetter) TableName() string { return "dead_letter" }
