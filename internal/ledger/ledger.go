// Package ledger defines the contract the bridge needs from a permissioned
// ledger network and the per-identity client pool built on top of it.
//
// Only two operations are required: Submit a transaction under an identity,
// and Subscribe to a channel's ordered event stream from a block. Concrete
// clients live in sub-packages (memledger for tests and dev mode, gateway
// for a real network).
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrStreamClosed is returned by Stream.Recv after Close.
var ErrStreamClosed = errors.New("ledger: stream closed")

// Position is a point in a channel's event order.
type Position struct {
	Block uint64
	Index uint32
}

// Less reports whether p is strictly before o.
func (p Position) Less(o Position) bool {
	if p.Block != o.Block {
		return p.Block < o.Block
	}
	return p.Index < o.Index
}

func (p Position) String() string { return fmt.Sprintf("%d:%d", p.Block, p.Index) }

// Event is one chaincode event emitted by a committed transaction.
type Event struct {
	TxID         string          `json:"tx_id"`
	BlockNumber  uint64          `json:"block_number"`
	EventIndex   uint32          `json:"event_index"`
	Channel      string          `json:"channel"`
	ContractName string          `json:"contract_name"`
	EventName    string          `json:"event_name"`
	Version      string          `json:"version"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Position returns the event's coordinates.
func (e Event) Position() Position { return Position{Block: e.BlockNumber, Index: e.EventIndex} }

// SubmitRequest is a transaction proposal.
type SubmitRequest struct {
	TenantID       string
	IdempotencyKey string
	Function       string
	Args           []string
}

// SubmitResult is returned by a successful Submit. CommitBlock is nil when
// the client does not learn the block synchronously.
type SubmitResult struct {
	TxID        string
	CommitBlock *uint64
}

// Stream yields events in ledger order.
type Stream interface {
	Recv(ctx context.Context) (Event, error)
	Close() error
}

// Client is one persistent connection to the ledger bound to one identity.
type Client interface {
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	Subscribe(ctx context.Context, channel string, fromBlock uint64) (Stream, error)
	Close() error
}
