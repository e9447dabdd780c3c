// Package audit mirrors projected events and dead letters into Elasticsearch
// for search. The mirror is best effort: the database stays the source of
// truth and indexing failures are logged, never returned to the projector.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"go.uber.org/zap"

	"github.com/richardliu001/ledger-bridge/internal/model"
	"github.com/richardliu001/ledger-bridge/internal/projector"
)

// Config locates the cluster.
type Config struct {
	Addresses []string
	Username  string
	Password  string
	Prefix    string
	// Transport overrides the HTTP transport, used by tests.
	Transport http.RoundTripper
}

// ElasticMirror indexes every applied event and dead letter.
type ElasticMirror struct {
	client *elasticsearch.Client
	prefix string
	log    *zap.SugaredLogger
}

// NewElasticMirror returns a mirror for cfg.
func NewElasticMirror(cfg Config, log *zap.SugaredLogger) (*ElasticMirror, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "bridge"
	}
	return &ElasticMirror{client: client, prefix: prefix, log: log}, nil
}

// EventsIndex is the index of applied events.
func (m *ElasticMirror) EventsIndex() string { return m.prefix + "-ledger-events" }

// DeadLettersIndex is the index of dead letters.
func (m *ElasticMirror) DeadLettersIndex() string { return m.prefix + "-dead-letters" }

func docID(tenant, channel string, block uint64, index uint32) string {
	return fmt.Sprintf("%s:%s:%d:%d", tenant, channel, block, index)
}

// Applied implements projector.PostCommit.
func (m *ElasticMirror) Applied(ctx context.Context, rec model.EventRecord, eff projector.Effects) {
	doc := map[string]interface{}{
		"tenant_id":     rec.TenantID,
		"channel":       rec.Channel,
		"block_number":  rec.BlockNumber,
		"event_index":   rec.EventIndex,
		"tx_id":         rec.TxID,
		"contract_name": rec.ContractName,
		"event_name":    rec.EventName,
		"version":       rec.Version,
		"payload":       json.RawMessage(rec.Payload),
		"ledger_time":   rec.LedgerTime,
		"wallets":       eff.Wallets,
	}
	if !json.Valid([]byte(rec.Payload)) {
		doc["payload"] = rec.Payload
	}
	if err := m.index(ctx, m.EventsIndex(), docID(rec.TenantID, rec.Channel, rec.BlockNumber, rec.EventIndex), doc); err != nil {
		m.log.Warnw("mirror event", "tx_id", rec.TxID, "err", err)
	}
}

// DeadLettered implements projector.PostCommit.
func (m *ElasticMirror) DeadLettered(ctx context.Context, dl model.DeadLetter) {
	if err := m.index(ctx, m.DeadLettersIndex(), docID(dl.TenantID, dl.Channel, dl.BlockNumber, dl.EventIndex), dl); err != nil {
		m.log.Warnw("mirror dead letter", "tx_id", dl.TxID, "err", err)
	}
}

func (m *ElasticMirror) index(ctx context.Context, index, id string, doc interface{}) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	req := esapi.IndexRequest{
		Index:      index,
		DocumentID: id,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, m.client)
	if err != nil {
		return fmt.Errorf("index %s: %w", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("index %s: %s", index, res.String())
	}
	return nil
}

// Ping checks the cluster is reachable.
func (m *ElasticMirror) Ping(ctx context.Context) error {
	res, err := m.client.Info(m.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("connect elasticsearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch returned %s", res.String())
	}
	return nil
}
