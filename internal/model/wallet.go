package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet is the projected token balance of one address. Version increases
// with every applied event.
type Wallet struct {
	TenantID  string          `gorm:"primaryKey;size:64" json:"tenant_id"`
	Address   string          `gorm:"primaryKey;size:128" json:"address"`
	Balance   decimal.Decimal `gorm:"type:numeric(38,18);not null;default:'0'" json:"balance"`
	Version   uint64          `gorm:"not null;default:0" json:"version"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Wallet) TableName() string { return "wallet" }

// Account is the projected status of a user or organization account.
type Account struct {
	TenantID  string    `gorm:"primaryKey;size:64" json:"tenant_id"`
	AccountID string    `gorm:"primaryKey;size:128" json:"account_id"`
	Status    string    `gorm:"size:32;not null" json:"status"`
	Version   uint64    `gorm:"not null;default:0" json:"version"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string { return "account" }

// Read-model row kinds tracked by RowCursor.
const (
	RowWallet  = "wallet"
	RowAccount = "account"
)

// RowCursor is the position of the last event of Channel folded into one
// read-model row. Block numbers are per channel, so every channel that
// touches a row keeps its own cursor. -1 means nothing applied yet.
type RowCursor struct {
	TenantID  string    `gorm:"primaryKey;size:64"`
	Kind      string    `gorm:"primaryKey;size:16"`
	RowKey    string    `gorm:"primaryKey;size:128"`
	Channel   string    `gorm:"primaryKey;size:128"`
	Block     int64     `gorm:"not null;default:-1"`
	Index     int64     `gorm:"column:event_index;not null;default:-1"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (RowCursor) TableName() string { return "read_model_cursor" }

// All lists every table owned by the bridge, in migration order.
func All() []interface{} {
	return []interface{}{
		&Command{}, &Checkpoint{}, &EventRecord{}, &DeadLetter{}, &Wallet{}, &Account{}, &RowCursor{},
	}
}
