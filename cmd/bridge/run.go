package main

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/richardliu001/ledger-bridge/internal/metrics"
	"github.com/richardliu001/ledger-bridge/internal/service"
	httptransport "github.com/richardliu001/ledger-bridge/internal/transport/http"
)

type roles struct {
	submitter bool
	projector bool
	api       bool
}

func runRoles(cmd *cobra.Command, r roles) error {
	a, err := newApp(cfgPath)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := a.ping(ctx); err != nil {
		return err
	}
	if a.cfg.Ledger.Dev {
		if err := a.repo.AutoMigrate(ctx); err != nil {
			return err
		}
	}

	// Components keep running on work context after a signal until their
	// Stop drains them within the grace period.
	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	grace := a.cfg.Submitter.GracePeriod

	g, gctx := errgroup.WithContext(ctx)
	var (
		breakers    service.Breakers
		projections []service.Projection
		mBreakers   metrics.Breakers
		mProj       []metrics.Projection
	)

	if r.submitter {
		w, err := a.newSubmitter()
		if err != nil {
			return err
		}
		if err := w.Start(work); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := shutdownContext(grace)
			defer cancel()
			if err := w.Stop(sctx); err != nil {
				return fmt.Errorf("stop submitter: %w", err)
			}
			return nil
		})
	}
	if r.projector {
		p, err := a.newProjector()
		if err != nil {
			return err
		}
		if err := p.Start(work); err != nil {
			return err
		}
		projections = append(projections, p)
		mProj = append(mProj, p)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := shutdownContext(grace)
			defer cancel()
			if err := p.Stop(sctx); err != nil {
				return fmt.Errorf("stop projector: %w", err)
			}
			if err := p.Wait(); err != nil {
				a.log.Errorw("projector halted", "err", err)
			}
			return nil
		})
	}
	if a.pool != nil {
		breakers, mBreakers = a.pool, a.pool
	}

	refresher := metrics.NewRefresher(a.metrics, a.repo, mBreakers, mProj, a.cfg.Metrics.RefreshInterval, a.log)
	if err := refresher.Start(work); err != nil {
		return err
	}
	defer func() {
		if err := refresher.Stop(); err != nil {
			a.log.Warnw("stop metrics refresher", "err", err)
		}
	}()

	if r.api {
		status := service.NewStatusService(a.repo, breakers, projections...)
		router := httptransport.NewRouter(service.NewCommandService(a.repo, a.log), status, a.metrics.Handler(), a.cfg.RateLimit, a.log)
		srv := &nethttp.Server{Addr: fmt.Sprintf(":%d", a.cfg.Server.Port), Handler: router}
		g.Go(func() error {
			a.log.Infow("http listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := shutdownContext(grace)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	a.log.Infow("bridge started", "submitter", r.submitter, "projector", r.projector, "api", r.api)
	err = g.Wait()
	a.log.Infow("bridge stopped")
	return err
}
