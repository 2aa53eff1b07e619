package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/driftline/internal/adapters/paper"
	"github.com/sawpanic/driftline/internal/adapters/postgres"
	"github.com/sawpanic/driftline/internal/adapters/redisstore"
	"github.com/sawpanic/driftline/internal/clock"
	"github.com/sawpanic/driftline/internal/engine"
	httpsrv "github.com/sawpanic/driftline/internal/interfaces/http"
	"github.com/sawpanic/driftline/internal/ports"
)

const persistenceTimeout = 5 * time.Second

func loadConfig(cmd *cobra.Command) (engine.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return engine.DefaultConfig(), nil
	}
	return engine.Load(path)
}

func httpConfig(cmd *cobra.Command) httpsrv.Config {
	cfg := httpsrv.DefaultConfig()
	if host, _ := cmd.Flags().GetString("http-host"); host != "" {
		cfg.Host = host
	}
	if port, _ := cmd.Flags().GetInt("http-port"); port != 0 {
		cfg.Port = port
	}
	return cfg
}

// openHistories connects the optional persistence backends. DATABASE_URL
// enables the Postgres depeg history, REDIS_URL the Redis correlation
// seed store; either absent means the subsystem runs on its priors.
func openHistories(ctx context.Context) (ports.DepegHistory, ports.CorrelationHistory, func(), error) {
	var closers []func()
	closeAll := func() {
		for _, fn := range closers {
			fn()
		}
	}

	var depegHist ports.DepegHistory
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		db, err := sqlx.Connect("postgres", dsn)
		if err != nil {
			return nil, nil, closeAll, fmt.Errorf("connect postgres: %w", err)
		}
		closers = append(closers, func() { _ = db.Close() })
		hist := postgres.NewDepegHistory(db, persistenceTimeout, log.Logger)
		if err := hist.EnsureSchema(ctx); err != nil {
			return nil, nil, closeAll, err
		}
		depegHist = hist
		log.Info().Msg("depeg history: postgres connected")
	}

	var corrHist ports.CorrelationHistory
	if url := os.Getenv("REDIS_URL"); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, nil, closeAll, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		closers = append(closers, func() { _ = rdb.Close() })
		store := redisstore.NewCorrelationHistory(redisstore.DefaultConfig(), rdb, log.Logger)
		if err := store.Ping(ctx); err != nil {
			return nil, nil, closeAll, fmt.Errorf("ping redis: %w", err)
		}
		corrHist = store
		log.Info().Msg("correlation history: redis connected")
	}

	return depegHist, corrHist, closeAll, nil
}

func runEngine(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if dir, _ := cmd.Flags().GetString("artifacts"); dir != "" {
		cfg.ArtifactsDir = dir
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	depegHist, corrHist, closeHistories, err := openHistories(ctx)
	defer closeHistories()
	if err != nil {
		return err
	}

	sched := clock.NewWall()
	defer sched.Stop()
	client := paper.NewClient(paper.DefaultClientConfig(), sched, log.Logger)

	eng, err := engine.New(cfg, sched, client, depegHist, corrHist, nil, log.Logger)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	// An optional recorded log streams through the paper feed in real
	// time, at the offsets in the log.
	if path, _ := cmd.Flags().GetString("ticks"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open tick log: %w", err)
		}
		n, err := client.LoadJSONL(f)
		_ = f.Close()
		if err != nil {
			return err
		}
		span := client.Replay(ctx)
		log.Info().Int("ticks", n).Dur("span", span).Str("path", path).Msg("tick log streaming")
	}

	srv := httpsrv.NewServer(httpConfig(cmd), eng, log.Logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	log.Info().Str("addr", srv.Address()).Str("version", version).Msg("driftline running")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("monitor server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runMonitor serves the HTTP surface over an idle engine: useful for
// probing the deployment before any feed is wired.
func runMonitor(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	sched := clock.NewWall()
	defer sched.Stop()
	client := paper.NewClient(paper.DefaultClientConfig(), sched, log.Logger)
	eng, err := engine.New(cfg, sched, client, nil, nil, nil, log.Logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := httpsrv.NewServer(httpConfig(cmd), eng, log.Logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	log.Info().Str("addr", srv.Address()).Msg("monitor only; engine idle")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("monitor server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
