package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/evtrack/internal/api"
	"codeberg.org/mutker/evtrack/internal/clock"
	"codeberg.org/mutker/evtrack/internal/config"
	"codeberg.org/mutker/evtrack/internal/errors"
	"codeberg.org/mutker/evtrack/internal/goal"
	"codeberg.org/mutker/evtrack/internal/logger"
	"codeberg.org/mutker/evtrack/internal/metrics"
	"codeberg.org/mutker/evtrack/internal/notify"
	"codeberg.org/mutker/evtrack/internal/pid"
	"codeberg.org/mutker/evtrack/internal/poller"
	"codeberg.org/mutker/evtrack/internal/resilience"
	"codeberg.org/mutker/evtrack/internal/session"
	"codeberg.org/mutker/evtrack/internal/store"
	"codeberg.org/mutker/evtrack/internal/summary"
	"codeberg.org/mutker/evtrack/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// app holds everything main builds, in start order.
type app struct {
	cfg     *config.Config
	log     logger.Logger
	pidPath string
	repo    store.Repository
	live    *notify.RedisLiveUpdater
	client  *resilience.Client
	ledger  *session.Ledger
	poller  *poller.Poller
	summary *summary.Computer
	goals   *goal.Scheduler
	server  *api.Server
	metrics metrics.Collector
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.Init(logger.ParseLevel(cfg.LogLevel), logger.IsService())
	log.Debug().Msg("Config loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel, log)

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.ErrorWithCode(err).Msg("Failed to initialize")
		os.Exit(1)
	}

	runErr := a.run(ctx)
	a.shutdown()

	if runErr != nil {
		log.ErrorWithCode(runErr).Msg("Error in main loop")
		os.Exit(1)
	}
}

func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (_ *app, err error) {
	errFactory := errors.New()

	a := &app{cfg: cfg, log: log, pidPath: cfg.PIDFile}
	if a.pidPath == "" {
		a.pidPath = pid.DefaultPath()
	}
	defer func() {
		if err != nil {
			a.shutdown()
		}
	}()

	if err := pid.Write(a.pidPath); err != nil {
		a.pidPath = ""
		return nil, err
	}

	clk := clock.Real()

	a.metrics = metrics.Noop()
	if cfg.Metrics {
		a.metrics, err = metrics.NewService(metrics.Config{Enabled: true, Namespace: "evtrack"}, log.With("metrics"))
		if err != nil {
			return nil, err
		}
	}

	storeCfg := store.DefaultConfig()
	storeCfg.DBPath = cfg.Database
	if a.repo, err = store.NewRepository(storeCfg, log.With("store")); err != nil {
		return nil, err
	}

	provider, err := telemetry.NewHTTPProvider(telemetry.Config{BaseURL: cfg.Upstream.BaseURL, Timeout: cfg.Upstream.Timeout})
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}
	sender, err := notify.NewHTTPSender(notify.PushConfig{URL: cfg.Push.URL, Timeout: cfg.Push.Timeout})
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}

	var live notify.LiveUpdater = notify.NoopLiveUpdater()
	if cfg.Redis.Addr != "" {
		a.live, err = notify.NewRedisLiveUpdater(ctx, notify.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, errFactory.Wrap(errors.ErrInitApp, err)
		}
		live = a.live
	} else {
		log.Info().Msg("No Redis address configured, live progress updates disabled")
	}

	a.client, err = resilience.NewClient(resilience.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		MaxAttempts:      cfg.Queue.MaxAttempts,
		Backoff:          cfg.Queue.Backoff,
		QueueSize:        cfg.Queue.Size,
	}, provider, sender, live, clk, a.metrics, log.With("resilience"))
	if err != nil {
		return nil, err
	}

	a.ledger = session.NewLedger(a.repo, a.client, log.With("session"))

	if a.poller, err = poller.New(poller.Config{Tick: cfg.Poll.Tick}, a.repo, a.client, a.ledger, clk, a.metrics, log.With("poller")); err != nil {
		return nil, err
	}

	a.summary, err = summary.New(summary.Config{
		Interval:  cfg.Summary.Interval,
		BatchSize: cfg.Summary.BatchSize,
	}, a.repo, clk, a.metrics, log.With("summary"))
	if err != nil {
		return nil, err
	}

	if a.goals, err = goal.New(goal.Config{ThresholdInterval: cfg.Goal.ThresholdInterval}, a.repo, a.client, clk, a.metrics, log.With("goal")); err != nil {
		return nil, err
	}
	if err := a.goals.Recover(ctx); err != nil {
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}

	apiCfg := api.DefaultConfig()
	apiCfg.Listen = cfg.Listen
	if a.server, err = api.New(apiCfg, a.repo, a.goals, a.client.BreakerStates, clk, a.metrics, log.With("api")); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *app) run(ctx context.Context) error {
	errFactory := errors.New()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.poller.Run(ctx) })
	g.Go(func() error { return a.summary.Run(ctx) })
	g.Go(func() error { return a.server.Run(ctx) })

	a.log.Info().Str("listen", a.cfg.Listen).Msg("evtrack started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return errFactory.Wrap(errors.ErrMainLoop, err)
	}
	return nil
}

// shutdown releases whatever newApp managed to build, in reverse order.
func (a *app) shutdown() {
	if a.goals != nil {
		a.goals.Close()
	}
	if a.ledger != nil {
		a.ledger.Wait()
	}
	if a.client != nil {
		a.client.Close()
	}
	if a.live != nil {
		if err := a.live.Close(); err != nil {
			a.log.Error().Err(err).Msg("Failed to close Redis client")
		}
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			a.log.ErrorWithCode(err).Msg("Failed to close store")
		}
	}
	if a.pidPath != "" {
		if err := pid.Remove(a.pidPath); err != nil {
			a.log.ErrorWithCode(err).Msg("Failed to remove PID file")
		}
	}
	a.log.Info().Msg("Exiting...")
}

func handleSignals(cancel context.CancelFunc, log logger.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Info().Msg("Received termination signal.")
	cancel()
}
