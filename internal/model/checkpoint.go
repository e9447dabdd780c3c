package model

import "time"

// Checkpoint is the resume cursor of one projector on one channel.
type Checkpoint struct {
	TenantID       string    `gorm:"primaryKey;size:64" json:"tenant_id"`
	Projector      string    `gorm:"primaryKey;size:64" json:"projector"`
	Channel        string    `gorm:"primaryKey;size:128" json:"channel"`
	LastBlock      uint64    `gorm:"not null" json:"last_block"`
	LastEventIndex uint32    `gorm:"not null" json:"last_event_index"`
	LastTxID       string    `gorm:"size:128" json:"last_tx_id"`
	LastEventAt    time.Time `json:"last_event_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Checkpoint) TableName() string { return "projection_checkpoint" }
