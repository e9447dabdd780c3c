// Package projector folds ledger events into read models.
//
// One goroutine per channel resumes from the persisted checkpoint, subscribes
// and handles events in order. Every event is one transaction: the handler's
// read-model mutation, the event record and the checkpoint advance commit
// together, or a dead letter and the checkpoint advance do. Events at or
// below the checkpoint are skipped; an event that is neither the next index
// of the checkpoint block nor index 0 of a later block halts the channel.
package projector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/ledger-bridge/internal/backoff"
	"github.com/richardliu001/ledger-bridge/internal/ledger"
	"github.com/richardliu001/ledger-bridge/internal/model"
	"github.com/richardliu001/ledger-bridge/internal/repo"
)

// Store is the persistence the projector needs.
type Store interface {
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error
	GetCheckpoint(ctx context.Context, tenantID, projector, channel string) (*model.Checkpoint, error)
	GetCheckpointTx(ctx context.Context, tx *gorm.DB, tenantID, projector, channel string) (*model.Checkpoint, error)
	AdvanceCheckpoint(ctx context.Context, tx *gorm.DB, cp model.Checkpoint) error
	AppendEventRecord(ctx context.Context, tx *gorm.DB, rec *model.EventRecord) error
	CreateDeadLetter(ctx context.Context, tx *gorm.DB, dl *model.DeadLetter) error
}

// Subscriber opens event streams. ledger.Client implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, fromBlock uint64) (ledger.Stream, error)
}

// PostCommit observes committed outcomes. Implementations must not block for
// long; failures are theirs to log.
type PostCommit interface {
	Applied(ctx context.Context, rec model.EventRecord, eff Effects)
	DeadLettered(ctx context.Context, dl model.DeadLetter)
}

// Config tunes a Projector.
type Config struct {
	TenantID     string
	Name         string
	Channels     []string
	GenesisBlock uint64
	Reconnect    backoff.Policy
	// HookTimeout bounds every PostCommit call.
	HookTimeout time.Duration
}

// ChannelStatus is the observable state of one channel.
type ChannelStatus struct {
	Channel     string    `json:"channel"`
	Running     bool      `json:"running"`
	Halted      bool      `json:"halted"`
	Error       string    `json:"error,omitempty"`
	LastBlock   uint64    `json:"last_block"`
	LastIndex   uint32    `json:"last_index"`
	LastEventAt time.Time `json:"last_event_at"`
	Lag         float64   `json:"lag_seconds"`
	Applied     uint64    `json:"applied"`
	DeadLetters uint64    `json:"dead_letters"`
}

// Outcome of HandleEvent.
type Outcome int

const (
	Applied Outcome = iota
	Skipped
	DeadLettered
)

// Projector runs the listener, validator and dispatcher of one tenant.
type Projector struct {
	cfg        Config
	store      Store
	sub        Subscriber
	registry   *Registry
	dispatcher *Dispatcher
	log        *zap.SugaredLogger
	now        func() time.Time
	hooks      []PostCommit

	mu       sync.Mutex
	status   map[string]*ChannelStatus
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	lastErrs map[string]error
}

// Option customizes a Projector.
type Option func(*Projector)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(p *Projector) { p.now = now } }

// WithPostCommit appends hooks.
func WithPostCommit(h ...PostCommit) Option {
	return func(p *Projector) { p.hooks = append(p.hooks, h...) }
}

// New checks the handler table against the registry and builds a Projector.
func New(cfg Config, store Store, sub Subscriber, reg *Registry, disp *Dispatcher, log *zap.SugaredLogger, opts ...Option) (*Projector, error) {
	if cfg.TenantID == "" || cfg.Name == "" {
		return nil, errors.New("projector: tenant and name are required")
	}
	if err := disp.Check(reg); err != nil {
		return nil, err
	}
	if cfg.Reconnect.Base <= 0 {
		cfg.Reconnect = backoff.Policy{Base: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.2}
	}
	if cfg.HookTimeout <= 0 {
		cfg.HookTimeout = 5 * time.Second
	}
	p := &Projector{
		cfg:        cfg,
		store:      store,
		sub:        sub,
		registry:   reg,
		dispatcher: disp,
		log:        log.With("tenant", cfg.TenantID, "projector", cfg.Name),
		now:        func() time.Time { return time.Now().UTC() },
		status:     make(map[string]*ChannelStatus),
		lastErrs:   make(map[string]error),
	}
	for _, ch := range cfg.Channels {
		p.status[ch] = &ChannelStatus{Channel: ch}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Resume returns the block to subscribe from: the checkpoint block itself,
// whose already applied events are skipped, or the genesis block.
func (p *Projector) Resume(ctx context.Context, channel string) (uint64, error) {
	cp, err := p.store.GetCheckpoint(ctx, p.cfg.TenantID, p.cfg.Name, channel)
	if errors.Is(err, repo.ErrCheckpointNotFound) {
		return p.cfg.GenesisBlock, nil
	}
	if err != nil {
		return 0, err
	}
	p.observeCheckpoint(*cp)
	return cp.LastBlock, nil
}

// Start runs every configured channel until Stop or ctx is done.
func (p *Projector) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("projector: already started")
	}
	p.started = true
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for _, ch := range p.cfg.Channels {
		ch := ch
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.RunChannel(runCtx, ch); err != nil {
				p.mu.Lock()
				p.lastErrs[ch] = err
				p.mu.Unlock()
			}
		}()
	}
	return nil
}

// Stop stops every channel after its in-flight event and waits until ctx is done.
func (p *Projector) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every channel goroutine exits and returns the first
// halting error.
func (p *Projector) Wait() error {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.cfg.Channels {
		if err := p.lastErrs[ch]; err != nil {
			return err
		}
	}
	return nil
}

// RunChannel projects one channel until ctx is done or an anomaly halts it.
// Stream and transient handler errors reconnect with backoff from the
// persisted checkpoint.
func (p *Projector) RunChannel(ctx context.Context, channel string) error {
	log := p.log.With("channel", channel)
	p.setRunning(channel, true)
	defer p.setRunning(channel, false)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		progressed, err := p.consume(ctx, channel)
		var anomaly *AnomalyError
		if errors.As(err, &anomaly) {
			p.halt(channel, err)
			log.Errorw("projection halted", "err", err)
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if progressed {
			attempt = 0
		}
		attempt++
		delay := p.cfg.Reconnect.Delay(attempt)
		log.Warnw("event stream interrupted, reconnecting", "attempt", attempt, "delay", delay, "err", err)
		if backoff.Sleep(ctx, delay) != nil {
			return nil
		}
	}
}

func (p *Projector) consume(ctx context.Context, channel string) (bool, error) {
	from, err := p.Resume(ctx, channel)
	if err != nil {
		return false, fmt.Errorf("resume: %w", err)
	}
	stream, err := p.sub.Subscribe(ctx, channel, from)
	if err != nil {
		return false, fmt.Errorf("subscribe from %d: %w", from, err)
	}
	defer stream.Close()
	p.log.Infow("subscribed", "channel", channel, "from_block", from)

	progressed := false
	for {
		ev, err := stream.Recv(ctx)
		if err != nil {
			return progressed, err
		}
		if ev.Channel == "" {
			ev.Channel = channel
		}
		if _, err := p.HandleEvent(ctx, ev); err != nil {
			return progressed, err
		}
		progressed = true
	}
}

var errSkip = errors.New("already applied")

type handlerFailure struct{ err error }

func (e *handlerFailure) Error() string { return e.err.Error() }

// HandleEvent runs one event through validation, dispatch and checkpointing.
// The transaction runs to completion even if ctx is canceled meanwhile.
func (p *Projector) HandleEvent(ctx context.Context, ev ledger.Event) (Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	log := p.log.With("channel", ev.Channel, "tx_id", ev.TxID, "block", ev.BlockNumber, "index", ev.EventIndex, "event", ev.EventName, "version", ev.Version)

	var (
		outcome Outcome
		rec     model.EventRecord
		dl      *model.DeadLetter
		eff     Effects
	)
	err := p.store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := p.checkOrder(ctx, tx, ev); err != nil {
			return err
		}
		payload, err := p.registry.Decode(ev.EventName, ev.Version, ev.Payload)
		if err != nil {
			dl = p.deadLetter(ev, reasonOf(err), err.Error())
			return p.writeDeadLetter(ctx, tx, dl)
		}
		h, ok := p.dispatcher.Lookup(Key{EventName: ev.EventName, Version: ev.Version})
		if !ok {
			dl = p.deadLetter(ev, model.ReasonUnknownEvent, "no handler registered")
			return p.writeDeadLetter(ctx, tx, dl)
		}
		eff, err = h.Apply(ctx, tx, ev, payload)
		if err != nil {
			if IsPermanent(err) {
				return &handlerFailure{err: err}
			}
			return fmt.Errorf("apply %s: %w", ev.EventName, err)
		}
		rec = p.record(ev)
		if err := p.store.AppendEventRecord(ctx, tx, &rec); err != nil {
			return err
		}
		return p.advance(ctx, tx, ev)
	})

	var hf *handlerFailure
	switch {
	case errors.Is(err, errSkip):
		log.Debugw("skip already applied event")
		return Skipped, nil
	case errors.As(err, &hf):
		// The handler's writes are rolled back; record the failure on its own.
		dl = p.deadLetter(ev, model.ReasonHandlerFailed, hf.err.Error())
		err = p.store.Transaction(ctx, func(tx *gorm.DB) error {
			if err := p.checkOrder(ctx, tx, ev); err != nil {
				return err
			}
			return p.writeDeadLetter(ctx, tx, dl)
		})
		if errors.Is(err, errSkip) {
			return Skipped, nil
		}
	}
	if err != nil {
		var anomaly *AnomalyError
		if !errors.As(err, &anomaly) {
			log.Warnw("event not applied, will retry", "err", err)
		}
		return 0, err
	}

	if dl != nil {
		outcome = DeadLettered
		log.Errorw("event dead-lettered", "reason", dl.Reason, "detail", dl.Detail)
		p.bump(ev, false)
		p.afterDeadLetter(ctx, *dl)
		return outcome, nil
	}
	outcome = Applied
	p.bump(ev, true)
	p.afterApply(ctx, rec, eff)
	return outcome, nil
}

// checkOrder compares ev against the persisted checkpoint. It returns errSkip
// for events already covered and *AnomalyError for gaps and reordering.
func (p *Projector) checkOrder(ctx context.Context, tx *gorm.DB, ev ledger.Event) error {
	got := ev.Position()
	cp, err := p.store.GetCheckpointTx(ctx, tx, p.cfg.TenantID, p.cfg.Name, ev.Channel)
	if errors.Is(err, repo.ErrCheckpointNotFound) {
		if ev.BlockNumber < p.cfg.GenesisBlock {
			return errSkip
		}
		if ev.EventIndex != 0 {
			return &AnomalyError{Channel: ev.Channel, Got: got, Err: errors.New("first event is not at index 0")}
		}
		return nil
	}
	if err != nil {
		return err
	}
	last := ledger.Position{Block: cp.LastBlock, Index: cp.LastEventIndex}
	if !last.Less(got) {
		return errSkip
	}
	next := got.Block == last.Block && got.Index == last.Index+1
	nextBlock := got.Block > last.Block && got.Index == 0
	if !next && !nextBlock {
		return &AnomalyError{Channel: ev.Channel, Checkpoint: &last, Got: got}
	}
	return nil
}

func (p *Projector) advance(ctx context.Context, tx *gorm.DB, ev ledger.Event) error {
	err := p.store.AdvanceCheckpoint(ctx, tx, model.Checkpoint{
		TenantID:       p.cfg.TenantID,
		Projector:      p.cfg.Name,
		Channel:        ev.Channel,
		LastBlock:      ev.BlockNumber,
		LastEventIndex: ev.EventIndex,
		LastTxID:       ev.TxID,
		LastEventAt:    ev.Timestamp.UTC(),
		UpdatedAt:      p.now(),
	})
	if errors.Is(err, repo.ErrCheckpointRegression) {
		return &AnomalyError{Channel: ev.Channel, Got: ev.Position(), Err: err}
	}
	return err
}

func (p *Projector) writeDeadLetter(ctx context.Context, tx *gorm.DB, dl *model.DeadLetter) error {
	if err := p.store.CreateDeadLetter(ctx, tx, dl); err != nil {
		return err
	}
	return p.advance(ctx, tx, ledger.Event{
		TxID:        dl.TxID,
		BlockNumber: dl.BlockNumber,
		EventIndex:  dl.EventIndex,
		Channel:     dl.Channel,
		Timestamp:   dl.LedgerTime,
	})
}

func reasonOf(err error) string {
	if errors.Is(err, ErrUnknownEvent) {
		return model.ReasonUnknownEvent
	}
	return model.ReasonSchemaValidation
}

func (p *Projector) record(ev ledger.Event) model.EventRecord {
	return model.EventRecord{
		TenantID:     p.cfg.TenantID,
		Channel:      ev.Channel,
		BlockNumber:  ev.BlockNumber,
		EventIndex:   ev.EventIndex,
		TxID:         ev.TxID,
		ContractName: ev.ContractName,
		EventName:    ev.EventName,
		Version:      ev.Version,
		Payload:      string(ev.Payload),
		LedgerTime:   ev.Timestamp.UTC(),
		IngestedAt:   p.now(),
	}
}

func (p *Projector) deadLetter(ev ledger.Event, reason, detail string) *model.DeadLetter {
	return &model.DeadLetter{
		TenantID:     p.cfg.TenantID,
		Projector:    p.cfg.Name,
		Channel:      ev.Channel,
		BlockNumber:  ev.BlockNumber,
		EventIndex:   ev.EventIndex,
		TxID:         ev.TxID,
		ContractName: ev.ContractName,
		EventName:    ev.EventName,
		Version:      ev.Version,
		Reason:       reason,
		Detail:       detail,
		Payload:      string(ev.Payload),
		LedgerTime:   ev.Timestamp.UTC(),
		CreatedAt:    p.now(),
	}
}

func (p *Projector) afterApply(ctx context.Context, rec model.EventRecord, eff Effects) {
	for _, h := range p.hooks {
		hctx, cancel := context.WithTimeout(ctx, p.cfg.HookTimeout)
		h.Applied(hctx, rec, eff)
		cancel()
	}
}

func (p *Projector) afterDeadLetter(ctx context.Context, dl model.DeadLetter) {
	for _, h := range p.hooks {
		hctx, cancel := context.WithTimeout(ctx, p.cfg.HookTimeout)
		h.DeadLettered(hctx, dl)
		cancel()
	}
}

func (p *Projector) channelLocked(ch string) *ChannelStatus {
	s, ok := p.status[ch]
	if !ok {
		s = &ChannelStatus{Channel: ch}
		p.status[ch] = s
	}
	return s
}

func (p *Projector) setRunning(ch string, running bool) {
	p.mu.Lock()
	p.channelLocked(ch).Running = running
	p.mu.Unlock()
}

func (p *Projector) halt(ch string, err error) {
	p.mu.Lock()
	s := p.channelLocked(ch)
	s.Halted = true
	s.Error = err.Error()
	p.mu.Unlock()
}

func (p *Projector) observeCheckpoint(cp model.Checkpoint) {
	p.mu.Lock()
	s := p.channelLocked(cp.Channel)
	s.LastBlock, s.LastIndex, s.LastEventAt = cp.LastBlock, cp.LastEventIndex, cp.LastEventAt
	p.mu.Unlock()
}

func (p *Projector) bump(ev ledger.Event, applied bool) {
	p.mu.Lock()
	s := p.channelLocked(ev.Channel)
	s.LastBlock, s.LastIndex, s.LastEventAt = ev.BlockNumber, ev.EventIndex, ev.Timestamp.UTC()
	if applied {
		s.Applied++
	} else {
		s.DeadLetters++
	}
	p.mu.Unlock()
}

// Status returns every channel's state with lag measured against now.
func (p *Projector) Status() []ChannelStatus {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ChannelStatus, 0, len(p.status))
	for _, ch := range p.cfg.Channels {
		s := *p.channelLocked(ch)
		if !s.LastEventAt.IsZero() {
			s.Lag = now.Sub(s.LastEventAt).Seconds()
		}
		out = append(out, s)
	}
	return out
}

// Config returns the projector's configuration.
func (p *Projector) Config() Config { return p.cfg }
