package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"trade-replicator/internal/api"
	"trade-replicator/internal/capture"
	"trade-replicator/internal/config"
	"trade-replicator/internal/database"
	"trade-replicator/internal/ledger"
	"trade-replicator/internal/logger"
	"trade-replicator/internal/queue"
	"trade-replicator/internal/symbols"
	"trade-replicator/internal/trader"
	"trade-replicator/internal/venue"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	roleAll     = "all"
	roleCapture = "capture"
	roleWorker  = "worker"
)

func main() {
	configDir := flag.String("config", "./configs", "directory holding config.yml")
	role := flag.String("role", roleAll, "process role: all, capture or worker")
	flag.Parse()

	// Load application configuration
	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}
	switch *role {
	case roleAll, roleCapture, roleWorker:
	default:
		panic(fmt.Sprintf("unknown role %q", *role))
	}
	if cfg.Queue.Backend == "memory" && *role != roleAll {
		panic("the memory queue only works with -role all")
	}

	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log = log.With(zap.String("role", *role))
	log.Info("Configuration loaded")

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")
	l := ledger.New(db)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	// Dispatch queue
	var q queue.Queue
	switch cfg.Queue.Backend {
	case "redis":
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Queue.RedisAddr},
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatal("Failed to connect to Redis", zap.String("addr", cfg.Queue.RedisAddr), zap.Error(err))
		}
		streams := queue.NewRedisStreams(client, cfg.Queue, log)
		g.Go(func() error { return streams.Run(gctx) })
		q = streams
	default:
		q = queue.NewMemory()
	}
	defer q.Close()
	log.Info("Dispatch queue ready", zap.String("backend", cfg.Queue.Backend), zap.String("topic", cfg.Queue.Topic))

	mapper := symbols.NewMapper(cfg.Symbols, log)
	deps := api.Deps{Role: *role, Ledger: l, Mapper: mapper}

	if *role != roleWorker {
		deps.Adapter = capture.NewAdapter(l, q, cfg.Queue.Topic, log)
	}

	if *role != roleCapture {
		v, err := newVenue(ctx, cfg, log)
		if err != nil {
			log.Fatal("Failed to connect to destination venue", zap.Error(err))
		}

		results := resultPublisher(cfg, q, log)
		if kp, ok := results.(*queue.KafkaPublisher); ok {
			defer kp.Close()
		}

		processor := trader.NewProcessor(cfg, l, v, mapper, results, log)
		engine := trader.NewEngine(cfg, q, processor, log)
		sweeper := trader.NewSweeper(cfg, l, q, log)
		deps.Concurrency = engine.Concurrency()

		g.Go(func() error { return engine.Run(gctx) })
		g.Go(func() error { return sweeper.Run(gctx) })
	}

	server := api.NewAPIServer(cfg, deps, log)
	g.Go(func() error { return server.Run(gctx) })

	if err := g.Wait(); err != nil {
		log.Error("Replicator stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Replicator has been shut down.")
}

// resultPublisher picks where result events go. Nothing consumes an in-process
// topic, so the memory backend without Kafka brokers publishes no results.
func resultPublisher(cfg *config.Config, q queue.Queue, log *zap.Logger) queue.Publisher {
	switch {
	case len(cfg.Results.Brokers) > 0:
		log.Info("Publishing results to Kafka", zap.Strings("brokers", cfg.Results.Brokers), zap.String("topic", cfg.Results.Topic))
		return queue.NewKafkaPublisher(cfg.Results.Brokers)
	case cfg.Queue.Backend == "memory":
		log.Info("Result events disabled: memory queue and no Kafka brokers")
		return nil
	default:
		return q
	}
}

func newVenue(ctx context.Context, cfg *config.Config, log *zap.Logger) (venue.Venue, error) {
	if cfg.Destination.Mode == "paper" {
		log.Warn("Paper mode enabled. No real orders will be placed.")
		return venue.NewPaper(decimal.NewFromFloat(cfg.Destination.PaperPrice), log), nil
	}

	rc := venue.NewRestClient(cfg.Destination, log)
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Destination.CallTimeout)
	defer cancel()
	if err := rc.Connect(connectCtx); err != nil {
		return nil, err
	}
	log.Info("Connected to destination venue", zap.Stringer("client", rc))
	return rc, nil
}
