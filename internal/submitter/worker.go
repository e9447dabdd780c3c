// Package submitter drains the command queue into the ledger.
//
// A Worker runs one poll loop. Every tick it returns stale locks to the pool,
// claims a batch and processes the batch with bounded parallelism. Each
// command goes LOCKED -> SUBMITTED right before its ledger call and ends
// COMMITTED, FAILED or back in PENDING with a backoff gate, as decided by
// Decide.
package submitter

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/richardliu001/ledger-bridge/internal/backoff"
	"github.com/richardliu001/ledger-bridge/internal/identity"
	"github.com/richardliu001/ledger-bridge/internal/ledger"
	"github.com/richardliu001/ledger-bridge/internal/model"
	"github.com/richardliu001/ledger-bridge/internal/repo"
)

// Store is the command queue as seen by the worker.
type Store interface {
	RecoverStaleLocks(ctx context.Context, cutoff time.Time, maxAttempts int, now time.Time) (released, exhausted int64, err error)
	ClaimBatch(ctx context.Context, owner string, limit int, now time.Time) ([]model.Command, error)
	MarkSubmitted(ctx context.Context, id uint64, owner, identity string, now time.Time) error
	MarkCommitted(ctx context.Context, id uint64, owner, txID string, commitBlock *uint64, now time.Time) error
	MarkRetry(ctx context.Context, id uint64, owner string, attempts int, next, now time.Time) error
	MarkFailed(ctx context.Context, id uint64, owner string, attempts int, code, message string, now time.Time) error
	ReleaseLock(ctx context.Context, id uint64, owner string, now time.Time) error
}

// Router resolves the identity and function of a command type.
type Router interface {
	Resolve(t model.CommandType) (identity.Route, error)
}

// Ledger submits under an identity. *ledger.Pool implements it.
type Ledger interface {
	Submit(ctx context.Context, identity string, req ledger.SubmitRequest) (ledger.SubmitResult, error)
}

// Observer is notified of every processed command.
type Observer interface {
	CommandProcessed(identity string, outcome Outcome)
}

// Config tunes a Worker.
type Config struct {
	WorkerID     string
	BatchSize    int
	Concurrency  int
	PollInterval time.Duration
	// LockTimeout must exceed the ledger call timeout.
	LockTimeout time.Duration
	Retry       RetryPolicy
}

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("submitter: already started")

// Worker is one submitter replica.
type Worker struct {
	cfg      Config
	store    Store
	router   Router
	ledger   Ledger
	log      *zap.SugaredLogger
	now      func() time.Time
	observer Observer

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option customizes a Worker.
type Option func(*Worker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(w *Worker) { w.now = now } }

// WithObserver installs an Observer.
func WithObserver(o Observer) Option { return func(w *Worker) { w.observer = o } }

// NewWorker validates cfg and builds a Worker.
func NewWorker(cfg Config, store Store, router Router, l Ledger, log *zap.SugaredLogger, opts ...Option) (*Worker, error) {
	if cfg.Retry.MaxAttempts <= 0 {
		return nil, errors.New("submitter: max attempts must be positive")
	}
	if cfg.WorkerID == "" {
		return nil, errors.New("submitter: worker id is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 2 * time.Minute
	}
	if cfg.Retry.Backoff.Base <= 0 {
		cfg.Retry.Backoff = backoff.Default()
	}
	w := &Worker{
		cfg:    cfg,
		store:  store,
		router: router,
		ledger: l,
		log:    log.With("worker", cfg.WorkerID),
		now:    func() time.Time { return time.Now().UTC() },
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *Worker) stopping() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// Start runs the poll loop in the background until Stop or ctx is done.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrAlreadyStarted
	}
	w.started = true
	go func() {
		defer close(w.done)
		w.loop(ctx)
	}()
	return nil
}

// Run is Start followed by waiting for the loop to exit.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-w.done
	return nil
}

// Stop stops claiming, lets in-flight commands finish and waits for the loop
// until ctx is done. Claimed commands that did not start are released.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stop) })
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started {
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop(ctx context.Context) {
	w.log.Infow("submitter started", "batch_size", w.cfg.BatchSize, "concurrency", w.cfg.Concurrency)
	defer w.log.Infow("submitter stopped")
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if w.stopping() || ctx.Err() != nil {
			return
		}
		n, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Errorw("submitter poll", "err", err)
		}
		if err == nil && n == w.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
		}
	}
}

// RunOnce recovers stale locks, claims one batch and processes it. It
// returns the number of claimed commands.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	now := w.now()
	released, exhausted, err := w.store.RecoverStaleLocks(ctx, now.Add(-w.cfg.LockTimeout), w.cfg.Retry.MaxAttempts, now)
	if err != nil {
		return 0, err
	}
	if released > 0 || exhausted > 0 {
		w.log.Warnw("recovered stale command locks", "released", released, "exhausted", exhausted)
	}
	if w.stopping() {
		return 0, nil
	}
	batch, err := w.store.ClaimBatch(ctx, w.cfg.WorkerID, w.cfg.BatchSize, w.now())
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	// Calls and their bookkeeping outlive ctx; the pool's call timeout bounds them.
	detached := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for _, cmd := range batch {
		cmd := cmd
		g.Go(func() error {
			if w.stopping() || ctx.Err() != nil {
				w.release(detached, cmd)
				return nil
			}
			w.process(detached, cmd)
			return nil
		})
	}
	_ = g.Wait()
	return len(batch), nil
}

func (w *Worker) release(ctx context.Context, cmd model.Command) {
	if err := w.store.ReleaseLock(ctx, cmd.ID, w.cfg.WorkerID, w.now()); err != nil {
		w.log.Warnw("release command lock", "command_id", cmd.ID, "idempotency_key", cmd.IdempotencyKey, "err", err)
	}
}

func (w *Worker) process(ctx context.Context, cmd model.Command) {
	log := w.log.With("command_id", cmd.ID, "tenant", cmd.TenantID, "idempotency_key", cmd.IdempotencyKey, "type", cmd.Type)

	route, err := w.router.Resolve(cmd.Type)
	if err != nil {
		w.apply(ctx, log, cmd, "", Decide(cmd.Attempts, err, w.cfg.Retry, w.now()), ledger.SubmitResult{})
		return
	}
	log = log.With("identity", route.Identity)
	if err := w.store.MarkSubmitted(ctx, cmd.ID, w.cfg.WorkerID, route.Identity, w.now()); err != nil {
		if errors.Is(err, repo.ErrLockLost) {
			log.Warnw("command lock lost before submission")
			return
		}
		log.Errorw("mark command submitted", "err", err)
		w.release(ctx, cmd)
		return
	}

	res, err := w.ledger.Submit(ctx, route.Identity, ledger.SubmitRequest{
		TenantID:       cmd.TenantID,
		IdempotencyKey: cmd.IdempotencyKey,
		Function:       route.Function,
		Args:           []string{cmd.Payload},
	})
	d := Decide(cmd.Attempts, err, w.cfg.Retry, w.now())
	if err != nil {
		log = log.With("err", err, "code", ledger.Code(err))
	}
	w.apply(ctx, log, cmd, route.Identity, d, res)
}

func (w *Worker) apply(ctx context.Context, log *zap.SugaredLogger, cmd model.Command, ident string, d Decision, res ledger.SubmitResult) {
	now := w.now()
	var err error
	switch d.Outcome {
	case OutcomeCommitted:
		err = w.store.MarkCommitted(ctx, cmd.ID, w.cfg.WorkerID, res.TxID, res.CommitBlock, now)
		if err == nil {
			log.Infow("command committed", "tx_id", res.TxID)
		}
	case OutcomeRetry:
		err = w.store.MarkRetry(ctx, cmd.ID, w.cfg.WorkerID, d.Attempts, d.NextAttemptAt, now)
		if err == nil {
			log.Warnw("command will be retried", "attempts", d.Attempts, "next_attempt_at", d.NextAttemptAt)
		}
	case OutcomeFailed:
		err = w.store.MarkFailed(ctx, cmd.ID, w.cfg.WorkerID, d.Attempts, d.ErrorCode, d.ErrorMessage, now)
		if err == nil {
			log.Errorw("command failed", "attempts", d.Attempts, "error_code", d.ErrorCode, "error_message", d.ErrorMessage)
		}
	}
	if errors.Is(err, repo.ErrLockLost) {
		log.Warnw("command lock lost before recording outcome", "outcome", d.Outcome.String())
		return
	}
	if err != nil {
		log.Errorw("record command outcome", "outcome", d.Outcome.String(), "store_err", err)
		return
	}
	if w.observer != nil {
		w.observer.CommandProcessed(ident, d.Outcome)
	}
}
