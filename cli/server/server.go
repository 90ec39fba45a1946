// Package server implements the gas station daemon command: it wires the
// ledger, the chain client, the batch scheduler, the fee reconciler and the
// REST API together and runs them until a stop signal arrives.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/marigold-dev/gas-station/cli/options"
	"github.com/marigold-dev/gas-station/pkg/chain"
	"github.com/marigold-dev/gas-station/pkg/config"
	"github.com/marigold-dev/gas-station/pkg/ledger"
	"github.com/marigold-dev/gas-station/pkg/policy"
	"github.com/marigold-dev/gas-station/pkg/services/metrics"
	"github.com/marigold-dev/gas-station/pkg/services/reconciler"
	"github.com/marigold-dev/gas-station/pkg/services/restsrv"
	"github.com/marigold-dev/gas-station/pkg/services/scheduler"
	"github.com/urfave/cli"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewCommands returns the server command of the gas station.
func NewCommands() []cli.Command {
	cfgFlags := []cli.Flag{options.ConfigFile, options.Debug}
	return []cli.Command{
		{
			Name:   "server",
			Usage:  "start the gas station relay",
			Action: startServer,
			Flags:  cfgFlags,
		},
	}
}

// newGraceContext returns a context that is canceled by SIGINT and SIGTERM.
func newGraceContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, sigterm)
	go func() {
		<-stop
		cancel()
	}()
	return ctx
}

// station holds every running part of the relay. The REST server is the only
// intake; the scheduler and the reconciler sit behind it.
type station struct {
	store      ledger.Store
	oracle     *chain.Client
	scheduler  *scheduler.Scheduler
	reconciler *reconciler.Reconciler
	rest       *restsrv.Server
}

// initStation opens the ledger, connects to the Tezos node and builds the
// relay pipeline. Nothing is started yet.
func initStation(ctx context.Context, cfg config.Config, log *zap.Logger, errChan chan error) (*station, error) {
	store, err := ledger.NewStore(ctx, cfg.Application.DB)
	if err != nil {
		return nil, fmt.Errorf("could not open the ledger: %w", err)
	}
	oracle, err := chain.NewClient(cfg.Chain, log)
	if err != nil {
		closeErr := store.Close()
		if closeErr != nil {
			log.Warn("failed to close the ledger", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("could not create the chain client: %w", err)
	}
	if err := oracle.Init(ctx); err != nil {
		closeErr := store.Close()
		if closeErr != nil {
			log.Warn("failed to close the ledger", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("could not reach %s: %w", cfg.Chain.RPCEndpoint, err)
	}

	rec := reconciler.New(reconciler.Config{
		Chain:  oracle,
		Ledger: store,
		Log:    log,
	})
	sched := scheduler.New(scheduler.Config{
		Chain:   oracle,
		Log:     log,
		OnBatch: rec.Reconcile,
	})
	rest := restsrv.New(cfg.Application.REST, store, policy.New(store, log),
		oracle, sched, rec, log, errChan)

	return &station{
		store:      store,
		oracle:     oracle,
		scheduler:  sched,
		reconciler: rec,
		rest:       rest,
	}, nil
}

func startServer(ctx *cli.Context) error {
	cfg, err := options.GetConfigFromContext(ctx)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	log, logLevel, err := options.HandleLoggingParams(ctx.Bool("debug"), cfg.Application)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	defer func() { _ = log.Sync() }()

	grace, cancel := context.WithCancel(newGraceContext())
	defer cancel()

	errChan := make(chan error)
	st, err := initStation(grace, cfg, log, errChan)
	if err != nil {
		return cli.NewExitError(err, 1)
	}

	prometheus := metrics.NewPrometheusService(cfg.Application.Prometheus, log)
	pprof := metrics.NewPprofService(cfg.Application.Pprof, log)

	st.scheduler.Start()
	st.rest.Start()
	if err := prometheus.Start(); err != nil {
		return cli.NewExitError(fmt.Errorf("failed to start the Prometheus service: %w", err), 1)
	}
	if err := pprof.Start(); err != nil {
		return cli.NewExitError(fmt.Errorf("failed to start the Pprof service: %w", err), 1)
	}

	log.Info("gas station started",
		zap.String("relayer", st.oracle.Address().String()),
		zap.Strings("endpoints", st.rest.Addresses()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, sighup, sigusr1)

	var shutdownErr error
Main:
	for {
		select {
		case err := <-errChan:
			shutdownErr = fmt.Errorf("server error: %w", err)
			cancel()
		case sig := <-sigCh:
			log.Info("signal received", zap.Stringer("name", sig))
			cfgnew, err := options.GetConfigFromContext(ctx)
			if err != nil {
				log.Warn("can't reread the config file, signal ignored", zap.Error(err))
				break // Continue working.
			}
			switch sig {
			case sighup:
				level := zapcore.InfoLevel
				if len(cfgnew.Application.LogLevel) > 0 {
					level, err = zapcore.ParseLevel(cfgnew.Application.LogLevel)
					if err != nil {
						log.Warn("wrong LogLevel in the new config, signal ignored", zap.Error(err))
						break // Continue working.
					}
				}
				logLevel.SetLevel(level)
				log.Warn("using new logging level", zap.Stringer("level", level))
			case sigusr1:
				pprof.ShutDown()
				prometheus.ShutDown()
				prometheus = metrics.NewPrometheusService(cfgnew.Application.Prometheus, log)
				pprof = metrics.NewPprofService(cfgnew.Application.Pprof, log)
				if err := prometheus.Start(); err != nil {
					log.Error("failed to restart the Prometheus service", zap.Error(err))
				}
				if err := pprof.Start(); err != nil {
					log.Error("failed to restart the Pprof service", zap.Error(err))
				}
			}
			cfg = cfgnew
		case <-grace.Done():
			signal.Stop(sigCh)
			break Main
		}
	}

	log.Info("shutting down the gas station")
	// Close the intake first, then drain the pipeline behind it.
	st.rest.Shutdown()
	st.scheduler.Shutdown()
	st.reconciler.Shutdown()
	prometheus.ShutDown()
	pprof.ShutDown()
	if err := st.store.Close(); err != nil {
		log.Warn("failed to close the ledger", zap.Error(err))
	}

	if shutdownErr != nil {
		return cli.NewExitError(shutdownErr, 1)
	}
	return nil
}
