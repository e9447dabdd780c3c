// Package readmodel holds the token and account projections.
package readmodel

import "encoding/json"

// Event names emitted by the token and identity contracts.
const (
	EventTokensTransferred    = "TokensTransferred"
	EventTokensMinted         = "TokensMinted"
	EventTokensBurned         = "TokensBurned"
	EventAccountStatusChanged = "AccountStatusChanged"
)

// TransferV1 moves Amount from one wallet to another.
type TransferV1 struct {
	From   string      `json:"from" validate:"required"`
	To     string      `json:"to" validate:"required,nefield=From"`
	Amount json.Number `json:"amount" validate:"required,positive_amount"`
}

// TransferV2 adds a business reference to TransferV1.
type TransferV2 struct {
	From      string      `json:"from" validate:"required"`
	To        string      `json:"to" validate:"required,nefield=From"`
	Amount    json.Number `json:"amount" validate:"required,positive_amount"`
	Reference string      `json:"reference" validate:"required,max=128"`
}

type MintV1 struct {
	To     string      `json:"to" validate:"required"`
	Amount json.Number `json:"amount" validate:"required,positive_amount"`
}

type BurnV1 struct {
	From   string      `json:"from" validate:"required"`
	Amount json.Number `json:"amount" validate:"required,positive_amount"`
}

// AccountStatusV1 sets the lifecycle status of an account.
type AccountStatusV1 struct {
	AccountID string `json:"account_id" validate:"required"`
	Status    string `json:"status" validate:"required,oneof=ACTIVE SUSPENDED CLOSED"`
}
