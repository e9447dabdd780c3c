package metrics

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/richardliu001/ledger-bridge/internal/breaker"
	"github.com/richardliu001/ledger-bridge/internal/model"
	"github.com/richardliu001/ledger-bridge/internal/projector"
	"github.com/richardliu001/ledger-bridge/internal/repo"
)

// Store is what the refresher reads from the database.
type Store interface {
	QueueDepth(ctx context.Context) (map[model.CommandStatus]int64, error)
	DeadLetterCounts(ctx context.Context) ([]repo.DeadLetterCount, error)
}

// Breakers reports breaker states. *ledger.Pool implements it.
type Breakers interface {
	BreakerStates() map[string]breaker.State
}

// Projection reports channel state. *projector.Projector implements it.
type Projection interface {
	Status() []projector.ChannelStatus
	Config() projector.Config
}

// Refresher periodically copies queue, breaker and projection state into
// the collector's gauges.
type Refresher struct {
	c           *Collector
	store       Store
	breakers    Breakers
	projections []Projection
	interval    time.Duration
	log         *zap.SugaredLogger
	scheduler   gocron.Scheduler
}

// NewRefresher returns a refresher. breakers and projections may be empty
// when the process runs only one side of the bridge.
func NewRefresher(c *Collector, store Store, breakers Breakers, projections []Projection, interval time.Duration, log *zap.SugaredLogger) *Refresher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Refresher{c: c, store: store, breakers: breakers, projections: projections, interval: interval, log: log}
}

// Refresh reads every source once.
func (r *Refresher) Refresh(ctx context.Context) error {
	depth, err := r.store.QueueDepth(ctx)
	if err != nil {
		return err
	}
	r.c.SetQueueDepth(depth)
	counts, err := r.store.DeadLetterCounts(ctx)
	if err != nil {
		return err
	}
	r.c.SetDeadLetters(counts)
	if r.breakers != nil {
		r.c.SetBreakers(r.breakers.BreakerStates())
	}
	for _, p := range r.projections {
		cfg := p.Config()
		r.c.SetProjection(cfg.TenantID, cfg.Name, p.Status())
	}
	return nil
}

// Start schedules Refresh every interval, the first run immediately.
func (r *Refresher) Start(ctx context.Context) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = s.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(func() {
			rctx, cancel := context.WithTimeout(ctx, r.interval)
			defer cancel()
			if err := r.Refresh(rctx); err != nil {
				r.log.Warnw("refresh metrics", "err", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return err
	}
	r.scheduler = s
	s.Start()
	return nil
}

// Stop shuts the scheduler down.
func (r *Refresher) Stop() error {
	if r.scheduler == nil {
		return nil
	}
	return r.scheduler.Shutdown()
}
