package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/richardliu001/ledger-bridge/internal/audit"
	"github.com/richardliu001/ledger-bridge/internal/backoff"
	"github.com/richardliu001/ledger-bridge/internal/breaker"
	"github.com/richardliu001/ledger-bridge/internal/config"
	"github.com/richardliu001/ledger-bridge/internal/identity"
	"github.com/richardliu001/ledger-bridge/internal/ledger"
	"github.com/richardliu001/ledger-bridge/internal/ledger/gateway"
	"github.com/richardliu001/ledger-bridge/internal/ledger/memledger"
	"github.com/richardliu001/ledger-bridge/internal/logger"
	"github.com/richardliu001/ledger-bridge/internal/metrics"
	"github.com/richardliu001/ledger-bridge/internal/model"
	"github.com/richardliu001/ledger-bridge/internal/projector"
	"github.com/richardliu001/ledger-bridge/internal/readmodel"
	"github.com/richardliu001/ledger-bridge/internal/repo"
	"github.com/richardliu001/ledger-bridge/internal/service"
	"github.com/richardliu001/ledger-bridge/internal/submitter"
)

const devDatabase = "file:bridge-dev.db?_busy_timeout=5000"

// app holds every long-lived dependency of one process.
type app struct {
	cfg     *config.Config
	log     *zap.SugaredLogger
	db      *gorm.DB
	rdb     *redis.Client
	kw      *kafka.Writer
	repo    *repo.Repository
	metrics *metrics.Collector
	pool    *ledger.Pool
}

func newApp(cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	var dialector gorm.Dialector
	switch {
	case cfg.Postgres.DSN != "":
		dialector = postgres.Open(cfg.Postgres.DSN)
	case cfg.Ledger.Dev:
		log.Warnw("no postgres dsn, using local sqlite database", "dsn", devDatabase)
		dialector = sqlite.Open(devDatabase)
	default:
		return nil, errors.New("postgres.dsn is required")
	}
	gdb, err := gorm.Open(dialector, &gorm.Config{PrepareStmt: true})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &app{cfg: cfg, log: log, db: gdb, metrics: metrics.New()}
	if cfg.Redis.Addr != "" {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.DeadLetterTopic != "" {
		a.kw = &kafka.Writer{
			Addr:     kafka.TCP(cfg.Kafka.Brokers...),
			Topic:    cfg.Kafka.DeadLetterTopic,
			Balancer: &kafka.Hash{},
		}
	}
	a.repo = repo.NewRepository(gdb, a.rdb, a.kw, log)
	return a, nil
}

// ping checks the optional backends so a misconfigured process fails fast.
func (a *app) ping(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	if a.rdb != nil {
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}
	return nil
}

// ledgerPool connects every configured identity, or one in-memory ledger
// shared by all identities in dev mode.
func (a *app) ledgerPool() (*ledger.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	bc := a.cfg.Breaker
	pool := ledger.NewPool(breaker.Settings{
		FailureThreshold:   bc.FailureThreshold,
		ErrorRateThreshold: bc.ErrorRateThreshold,
		MinRequests:        bc.MinRequests,
		Window:             bc.Window,
		CoolDown:           bc.CoolDown,
	}, a.cfg.Ledger.CallTimeout, a.log, ledger.WithStateObserver(a.metrics.BreakerChanged))

	if a.cfg.Ledger.Dev {
		dev := memledger.New(memledger.WithContract(devContract))
		ids := map[string]bool{}
		for _, r := range a.routes() {
			ids[r.Identity] = true
		}
		if a.cfg.Projector.Identity != "" {
			ids[a.cfg.Projector.Identity] = true
		}
		for id := range ids {
			pool.Add(id, dev.Client(id), nil)
		}
		a.log.Warnw("using in-memory ledger", "identities", len(ids))
		a.pool = pool
		return pool, nil
	}

	gw := gateway.Config{
		BaseURL:     a.cfg.Ledger.GatewayURL,
		Brokers:     a.cfg.Kafka.Brokers,
		TopicPrefix: a.cfg.Kafka.EventTopicPrefix,
		Timeout:     a.cfg.Ledger.CallTimeout,
	}
	for id, ic := range a.cfg.Ledger.Identities {
		c, err := gateway.Dial(id, gateway.Credentials{CertFile: ic.CertFile, KeyFile: ic.KeyFile, CAFile: ic.CAFile}, gw, a.log)
		if err != nil {
			_ = pool.Close()
			return nil, err
		}
		var lim *rate.Limiter
		if ic.RPS > 0 {
			burst := ic.Burst
			if burst <= 0 {
				burst = 1
			}
			lim = rate.NewLimiter(rate.Limit(ic.RPS), burst)
		}
		pool.Add(id, c, lim)
	}
	a.pool = pool
	return pool, nil
}

func (a *app) routes() map[model.CommandType]identity.Route {
	if len(a.cfg.Routes) == 0 {
		return identity.DefaultRoutes()
	}
	out := make(map[model.CommandType]identity.Route, len(a.cfg.Routes))
	for t, r := range a.cfg.Routes {
		out[t] = identity.Route{Identity: r.Identity, Function: r.Function}
	}
	return out
}

func (a *app) newSubmitter() (*submitter.Worker, error) {
	pool, err := a.ledgerPool()
	if err != nil {
		return nil, err
	}
	router, err := identity.NewRouter(a.routes())
	if err != nil {
		return nil, err
	}
	if err := router.Validate(pool.Has); err != nil {
		return nil, err
	}
	sc := a.cfg.Submitter
	return submitter.NewWorker(submitter.Config{
		WorkerID:     workerID(sc.WorkerID),
		BatchSize:    sc.BatchSize,
		Concurrency:  sc.Concurrency,
		PollInterval: sc.PollInterval,
		LockTimeout:  sc.LockTimeout,
		Retry: submitter.RetryPolicy{
			MaxAttempts: sc.MaxAttempts,
			Backoff:     backoff.Policy{Base: sc.BackoffBase, Max: sc.BackoffMax, Multiplier: 2, Jitter: 0.1},
		},
	}, a.repo, router, pool, a.log, submitter.WithObserver(a.metrics))
}

func (a *app) newProjector() (*projector.Projector, error) {
	pc := a.cfg.Projector
	if pc.TenantID == "" {
		return nil, errors.New("projector.tenant_id is required")
	}
	pool, err := a.ledgerPool()
	if err != nil {
		return nil, err
	}
	sub, err := pool.Client(pc.Identity)
	if err != nil {
		return nil, fmt.Errorf("projector identity: %w", err)
	}

	reg := projector.NewRegistry()
	disp := projector.NewDispatcher()
	if err := readmodel.NewProjection(pc.TenantID, a.repo).Register(reg, disp); err != nil {
		return nil, err
	}
	hooks := []projector.PostCommit{service.NewProjectionEffects(a.repo, a.log), a.metrics}
	if a.cfg.Audit.Enabled {
		mirror, err := audit.NewElasticMirror(audit.Config{
			Addresses: a.cfg.Audit.Addresses,
			Username:  a.cfg.Audit.Username,
			Password:  a.cfg.Audit.Password,
			Prefix:    a.cfg.Audit.Prefix,
		}, a.log)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, mirror)
	}
	return projector.New(projector.Config{
		TenantID:     pc.TenantID,
		Name:         pc.Name,
		Channels:     pc.Channels,
		GenesisBlock: pc.GenesisBlock,
		Reconnect:    backoff.Policy{Base: pc.ReconnectBase, Max: pc.ReconnectMax, Multiplier: 2, Jitter: 0.2},
	}, a.repo, sub, reg, disp, a.log, projector.WithPostCommit(hooks...))
}

func (a *app) close() {
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			a.log.Warnw("close ledger connections", "err", err)
		}
	}
	if a.kw != nil {
		_ = a.kw.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.log.Sync()
}

func shutdownContext(grace time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), grace)
}
