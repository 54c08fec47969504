// Command console runs the rollup lifecycle and settlement pipeline: the
// HTTP/websocket API, the ingestion gateway, the fan-out broker, and the
// periodic settlement scheduler.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Ephemera-Network/rollup_console/internal/broker"
	"github.com/Ephemera-Network/rollup_console/internal/chain"
	"github.com/Ephemera-Network/rollup_console/internal/config"
	"github.com/Ephemera-Network/rollup_console/internal/httpapi"
	"github.com/Ephemera-Network/rollup_console/internal/ingest"
	"github.com/Ephemera-Network/rollup_console/internal/ledger"
	"github.com/Ephemera-Network/rollup_console/internal/lifecycle"
	"github.com/Ephemera-Network/rollup_console/internal/metrics"
	"github.com/Ephemera-Network/rollup_console/internal/notify"
	"github.com/Ephemera-Network/rollup_console/internal/registry"
	"github.com/Ephemera-Network/rollup_console/internal/settlement"
	"github.com/Ephemera-Network/rollup_console/internal/storage"
	"github.com/Ephemera-Network/rollup_console/internal/storage/postgres"
	"github.com/Ephemera-Network/rollup_console/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/console.yaml", "path to the console configuration")
	flag.Parse()

	cfg, err := config.LoadFromPath(*configPath)
	if err != nil {
		logger.Init("info", true)
		root := logger.Root()
		root.Fatal().Err(err).Msg("load configuration")
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Console)
	log := logger.Named("console")

	// Storage: Postgres when a DSN is configured, in-memory otherwise.
	var store storage.Store = storage.NewMemory()
	if cfg.Database.DSN != "" {
		db, err := postgres.Open(cfg.Database.DSN, postgres.OpenOptions{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("open database")
		}
		defer db.Close()

		if err := postgres.Migrate(db, cfg.Database.MigrationsDir); err != nil {
			log.Fatal().Err(err).Msg("run migrations")
		}
		store = postgres.New(db)
	}

	collector := metrics.NewCollector("rollup_console")

	// Lifecycle notifications: RocketMQ when configured, in-process only
	// otherwise.
	inproc := notify.NewInProc()
	var notifier notify.Publisher = inproc
	if len(cfg.RocketMQ.NameServers) > 0 {
		mq := notify.NewRocketMQ(notify.RocketMQConfig{
			NameServers: cfg.RocketMQ.NameServers,
			AccessKey:   cfg.RocketMQ.AccessKey,
			SecretKey:   cfg.RocketMQ.SecretKey,
			Namespace:   cfg.RocketMQ.Namespace,
			TopicPrefix: cfg.RocketMQ.TopicPrefix,
		})
		if err := mq.Start(); err != nil {
			log.Fatal().Err(err).Msg("start rocketmq publisher")
		}
		defer mq.Stop()
		notifier = notify.Multi{inproc, mq}
	}

	reg := registry.New(store)
	machine := lifecycle.New(store, reg, notifier, collector)
	lg := ledger.New(store, store, collector)

	// Viewer checkpoints: Redis when configured.
	var checkpoints broker.CheckpointStore
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		checkpoints = broker.NewRedisCheckpoints(rdb, cfg.Redis.KeyPrefix)
	}

	resolver := func(ctx context.Context, rollupID string) (string, error) {
		inst, err := store.GetInstance(ctx, rollupID)
		if err != nil {
			return "", err
		}
		return inst.ProjectID, nil
	}
	fanout := broker.New(cfg.Broker.QueueDepth, resolver, checkpoints, lg, collector)

	gateway := ingest.New(store, lg, fanout, ingest.Config{
		EventsPerSecond: cfg.Ingest.EventsPerSecond,
		Burst:           cfg.Ingest.Burst,
	})

	machine.OnTerminated(gateway.CloseInstance)
	machine.OnTerminated(fanout.CancelInstance)

	strategy, err := buildStrategy(cfg.Settlement)
	if err != nil {
		log.Fatal().Err(err).Msg("build diff strategy")
	}

	var submitter chain.Submitter
	if cfg.Chain.RPCURL != "" {
		submitter, err = chain.NewClient(chain.Config{
			RPCURL:  cfg.Chain.RPCURL,
			Timeout: cfg.Chain.Timeout,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("create base chain client")
		}
	} else {
		log.Warn().Msg("no base chain RPC configured, settlement submission disabled")
		submitter = unavailableSubmitter{}
	}

	coordinator := settlement.New(store, lg, machine, reg, submitter, strategy, collector, settlement.Config{
		MaxAttempts:  cfg.Settlement.MaxAttempts,
		RetryBackoff: cfg.Settlement.RetryBackoff,
	})

	poller := chain.NewPoller(submitter, cfg.Chain.PollInterval, func(ctx context.Context, out chain.Outcome) {
		coordinator.HandleOutcome(ctx, out)
	})
	coordinator.AttachPoller(poller)
	if err := coordinator.Recover(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("recover in-flight settlements")
	}
	poller.Start()
	defer poller.Stop()

	scheduler := settlement.NewScheduler(coordinator, store, cfg.Settlement.Schedule)
	if err := scheduler.Start(); err != nil {
		log.Fatal().Err(err).Msg("start settlement scheduler")
	}
	defer scheduler.Stop()

	api := httpapi.New(machine, reg, lg, coordinator, fanout, gateway, store, store, collector).Router()
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("console listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}

// unavailableSubmitter rejects submissions when no base chain endpoint is
// configured, leaving the rest of the console usable for local development.
type unavailableSubmitter struct{}

func (unavailableSubmitter) SubmitBatch(context.Context, chain.Submission) (string, error) {
	return "", &chain.RejectionError{Message: "no base chain RPC configured"}
}

func (unavailableSubmitter) BatchStatus(context.Context, string) (chain.ConfirmationStatus, error) {
	return chain.StatusUnknown, &chain.RejectionError{Message: "no base chain RPC configured"}
}

func buildStrategy(cfg config.SettlementConfig) (settlement.DiffStrategy, error) {
	if cfg.Strategy != "script" {
		return settlement.JSONStrategy{}, nil
	}
	source, err := os.ReadFile(cfg.ScriptPath)
	if err != nil {
		return nil, err
	}
	return settlement.NewScriptStrategy("script", string(source))
}
