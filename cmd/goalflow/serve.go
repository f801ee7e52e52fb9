package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rogers-f/goalflow/internal/config"
	"github.com/rogers-f/goalflow/internal/ipc"
	"github.com/rogers-f/goalflow/internal/recovery"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if listen != "" {
				a.cfg.ListenAddr = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "override the listen address")
	return cmd
}

// serve recovers leftovers from a previous run, then runs the API and the
// recovery sweeper until ctx is cancelled.
func (a *app) serve(ctx context.Context) error {
	report, failed, err := a.recover(ctx)
	if err != nil {
		return err
	}
	a.log.WithField("reclaimed", report.Cleaned).
		WithField("interrupted", failed).
		Info("startup recovery finished")

	sweeper := recovery.NewSweeper(a.tracker, a.reclaim, config.Duration(a.cfg.Recovery.SweepIntervalSec))
	sweeper.Start(ctx)
	defer sweeper.Stop()

	handler := &ipc.Handler{
		Engine:  a.engine,
		Store:   a.store,
		Workers: a.bridge,
		Guard:   a.guard,
		Hub:     a.hub,
		Log:     a.log,
	}
	srv := ipc.NewServer(handler, a.cfg.ListenAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.WithField("addr", a.cfg.ListenAddr).Info("goalflow listening")
		return srv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
