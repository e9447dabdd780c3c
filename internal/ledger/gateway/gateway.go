// Package gateway talks to a ledger network through its REST gateway for
// submissions and reads committed block events from the Kafka relay the
// network's event service publishes to (one topic per channel).
package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/richardliu001/ledger-bridge/internal/ledger"
)

// Credentials is the TLS material of one identity.
type Credentials struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// Config locates the gateway and the relay.
type Config struct {
	BaseURL     string
	Brokers     []string
	TopicPrefix string
	Timeout     time.Duration
}

// Client is a ledger.Client bound to one identity.
type Client struct {
	identity string
	cfg      Config
	http     *http.Client
	log      *zap.SugaredLogger
	hints    *offsetHints
}

// Dial builds the persistent connection of identity. The HTTP transport keeps
// its connections alive between calls.
func Dial(identity string, creds Credentials, cfg Config, log *zap.SugaredLogger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("gateway: base url is required")
	}
	tlsCfg, err := loadTLS(creds)
	if err != nil {
		return nil, fmt.Errorf("gateway: identity %s: %w", identity, err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "ledger.events"
	}
	return &Client{
		identity: identity,
		cfg:      cfg,
		http:     &http.Client{Transport: transport, Timeout: cfg.Timeout},
		log:      log,
		hints:    newOffsetHints(),
	}, nil
}

func loadTLS(creds Credentials) (*tls.Config, error) {
	if creds.CertFile == "" && creds.CAFile == "" {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if creds.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(creds.CertFile, creds.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if creds.CAFile != "" {
		pem, err := os.ReadFile(creds.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("ca file has no certificates")
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

type submitBody struct {
	TenantID       string   `json:"tenant_id"`
	IdempotencyKey string   `json:"idempotency_key"`
	Function       string   `json:"function"`
	Args           []string `json:"args"`
}

type submitReply struct {
	TxID        string  `json:"tx_id"`
	CommitBlock *uint64 `json:"commit_block"`
	Code        string  `json:"code"`
	Message     string  `json:"message"`
}

// Submit posts a transaction proposal.
func (c *Client) Submit(ctx context.Context, req ledger.SubmitRequest) (ledger.SubmitResult, error) {
	body, err := json.Marshal(submitBody{
		TenantID:       req.TenantID,
		IdempotencyKey: req.IdempotencyKey,
		Function:       req.Function,
		Args:           req.Args,
	})
	if err != nil {
		return ledger.SubmitResult{}, ledger.Permanent("BAD_REQUEST", err.Error())
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/identities/" + c.identity + "/transactions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ledger.SubmitResult{}, ledger.Permanent("BAD_REQUEST", err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ledger.SubmitResult{}, ledger.Transient(ledger.CodeTimeout, err)
		}
		return ledger.SubmitResult{}, ledger.Transient(ledger.CodeUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ledger.SubmitResult{}, ledger.Transient(ledger.CodeUnavailable, err)
	}
	var reply submitReply
	_ = json.Unmarshal(raw, &reply)
	if err := statusError(resp.StatusCode, reply); err != nil {
		return ledger.SubmitResult{}, err
	}
	if reply.TxID == "" {
		return ledger.SubmitResult{}, ledger.Transient(ledger.CodeUnavailable, errors.New("gateway reply without tx id"))
	}
	return ledger.SubmitResult{TxID: reply.TxID, CommitBlock: reply.CommitBlock}, nil
}

// statusError maps a gateway HTTP status to the ledger error taxonomy.
func statusError(status int, reply submitReply) error {
	if status >= 200 && status < 300 {
		return nil
	}
	code := reply.Code
	if code == "" {
		code = fmt.Sprintf("HTTP_%d", status)
	}
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ledger.Transient(ledger.CodeTimeout, fmt.Errorf("%s: %s", code, reply.Message))
	case status == http.StatusTooManyRequests || status >= 500:
		return ledger.Transient(code, errors.New(reply.Message))
	default:
		return ledger.Permanent(code, reply.Message)
	}
}

// Subscribe reads the relay topic of channel and yields events from
// fromBlock on. A reconnect seeks to the first offset of the latest block
// this client has seen at or below fromBlock; otherwise it reads from the
// start of the topic.
func (c *Client) Subscribe(ctx context.Context, channel string, fromBlock uint64) (ledger.Stream, error) {
	if len(c.cfg.Brokers) == 0 {
		return nil, errors.New("gateway: no relay brokers configured")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   c.cfg.Brokers,
		Topic:     c.cfg.TopicPrefix + "." + channel,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
		MaxWait:   500 * time.Millisecond,
	})
	if err := r.SetOffset(c.hints.seek(channel, fromBlock)); err != nil {
		_ = r.Close()
		return nil, ledger.Transient(ledger.CodeUnavailable, err)
	}
	return &stream{reader: r, channel: channel, from: fromBlock, hints: c.hints, log: c.log}, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

type blockOffset struct {
	block  uint64
	offset int64
}

// offsetHints remembers, per channel, the relay offset of the first message
// of blocks already read. The relay topic is a single partition in block order.
type offsetHints struct {
	mu     sync.Mutex
	blocks map[string][]blockOffset
}

const maxHints = 64

func newOffsetHints() *offsetHints {
	return &offsetHints{blocks: map[string][]blockOffset{}}
}

func (h *offsetHints) observe(channel string, block uint64, offset int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	bs := h.blocks[channel]
	if n := len(bs); n > 0 && bs[n-1].block >= block {
		return
	}
	bs = append(bs, blockOffset{block: block, offset: offset})
	if len(bs) > maxHints {
		bs = bs[len(bs)-maxHints:]
	}
	h.blocks[channel] = bs
}

func (h *offsetHints) seek(channel string, fromBlock uint64) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	bs := h.blocks[channel]
	for i := len(bs) - 1; i >= 0; i-- {
		if bs[i].block <= fromBlock {
			return bs[i].offset
		}
	}
	return kafka.FirstOffset
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type stream struct {
	reader  messageReader
	channel string
	from    uint64
	hints   *offsetHints
	log     *zap.SugaredLogger
}

// Recv returns the next event at or after the stream's start block. Messages
// that carry ledger coordinates are always returned, even when their event
// name or tx id is missing, so the projector can dead-letter them in order.
// Only messages without coordinates are skipped.
func (s *stream) Recv(ctx context.Context) (ledger.Event, error) {
	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ledger.Event{}, ctx.Err()
			}
			return ledger.Event{}, ledger.Transient(ledger.CodeUnavailable, err)
		}
		ev, err := decodeEvent(msg.Value, s.channel)
		if err != nil {
			s.log.Errorw("skip relay message without ledger coordinates", "channel", s.channel, "offset", msg.Offset, "err", err)
			continue
		}
		if s.hints != nil {
			s.hints.observe(s.channel, ev.BlockNumber, msg.Offset)
		}
		if ev.BlockNumber < s.from {
			continue
		}
		if ev.EventName == "" || ev.TxID == "" {
			s.log.Warnw("relay message without event name or tx id", "channel", s.channel, "offset", msg.Offset, "block", ev.BlockNumber, "index", ev.EventIndex)
		}
		return ev, nil
	}
}

func (s *stream) Close() error { return s.reader.Close() }

// envelope shadows the coordinates of ledger.Event to tell absent from zero.
type envelope struct {
	ledger.Event
	BlockNumber *uint64 `json:"block_number"`
	EventIndex  *uint32 `json:"event_index"`
}

func decodeEvent(b []byte, channel string) (ledger.Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return ledger.Event{}, err
	}
	if env.BlockNumber == nil || env.EventIndex == nil {
		return ledger.Event{}, errors.New("relay message without block_number or event_index")
	}
	ev := env.Event
	ev.BlockNumber, ev.EventIndex = *env.BlockNumber, *env.EventIndex
	if ev.Channel == "" {
		ev.Channel = channel
	}
	return ev, nil
}
