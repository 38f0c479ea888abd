package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"homehub/auth"
	"homehub/internal/assistant"
	"homehub/internal/automation"
	"homehub/internal/channels"
	"homehub/internal/config"
	"homehub/internal/db"
	"homehub/internal/discovery"
	"homehub/internal/engine"
	"homehub/internal/esp"
	"homehub/internal/events"
	"homehub/internal/hub"
	"homehub/internal/logging"
	"homehub/internal/metrics"
	"homehub/internal/mqtt"
	"homehub/internal/redis"
	"homehub/internal/scheduler"
	"homehub/internal/services"
	"homehub/internal/store"
	"homehub/internal/taskqueue"
	"homehub/internal/web"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("homehub stopped", zap.Error(err))
	}
}

type repository interface {
	store.Repository
	store.Seeder
}

func openRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository, func(), error) {
	if cfg.Database.URL == "" {
		logger.Warn("database.url not set, using the in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	dbConn, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	if err := dbConn.Migrate(ctx); err != nil {
		dbConn.Close()
		return nil, nil, err
	}
	return dbConn, dbConn.Close, nil
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	repo, closeRepo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()
	if cfg.Database.Seed != "" {
		seed, err := config.LoadSeed(cfg.Database.Seed)
		if err != nil {
			return err
		}
		if err := store.ApplySeed(ctx, repo, seed); err != nil {
			return err
		}
		logger.Info("seed applied", zap.Int("rooms", len(seed.Rooms)), zap.Int("devices", len(seed.Devices)))
	}

	var (
		redisClient *goredis.Client
		cache       hub.Cache
	)
	if cfg.Redis.Addr != "" {
		redisClient, err = redis.NewRedisClient(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		cache = redis.NewStateCache(redisClient, 0)
	}

	registry := channels.NewRegistry(logger.Named("channels"))

	// Interfaces stay nil without a broker so consumers can skip it.
	var (
		statePub  hub.Publisher
		espPub    esp.Publisher
		engBroker engine.Broker
	)
	if cfg.MQTT.Broker != "" {
		broker := mqtt.NewBroker(mqtt.Topics{Prefix: cfg.MQTT.TopicPrefix}, cfg.MQTT.QoS, cfg.MQTT.Timeout, logger.Named("mqtt"))
		client, err := mqtt.NewMQTTClient(cfg.MQTT, logger.Named("mqtt"), broker.Resubscribe)
		if err != nil {
			return err
		}
		broker.Attach(client)
		defer broker.Close()
		statePub, espPub, engBroker = broker, broker, broker
	}

	h := hub.New(repo, cache, registry, statePub, logger.Named("hub"), m)
	adapter := esp.NewAdapter(repo, repo, h, registry, espPub, logger.Named("esp"), m)
	h.AddListener(adapter.OnStateUpdate)

	bus := events.NewBus(cfg.Events.Buffer, logger.Named("events"), m)
	defer bus.Close()

	notifier := engine.Notifier{Emitter: registry}
	if cfg.Telegram.Token != "" {
		tg, err := services.NewTelegramNotifier(cfg.Telegram.Token, logger.Named("telegram"))
		if err != nil {
			return err
		}
		notifier.Messenger = tg
	}

	var (
		upcoming scheduler.Notifier
		failures engine.FailureQueue
	)
	if redisClient != nil {
		queue := taskqueue.NewQueue(cfg.Redis.Addr, logger.Named("taskqueue"))
		defer queue.Close()
		worker := taskqueue.NewWorker(cfg.Redis.Addr, notifier, logger.Named("taskqueue"), m)
		if err := worker.Start(); err != nil {
			return err
		}
		defer worker.Stop()
		upcoming, failures = queue, queue
	} else {
		inline := taskqueue.Inline{Deliverer: notifier}
		upcoming, failures = inline, inline
	}

	sched := scheduler.NewScheduler(scheduler.Deps{
		Tasks:         repo,
		Executor:      automation.NewExecutor(h, logger.Named("automation")),
		Evaluator:     automation.NewEvaluator(h, logger.Named("automation")),
		Events:        bus,
		Notifier:      upcoming,
		SweepInterval: cfg.Scheduler.SweepInterval,
		Logger:        logger.Named("scheduler"),
		Metrics:       m,
	})
	validator, err := automation.NewValidator()
	if err != nil {
		return err
	}
	tasks := automation.NewService(repo, repo, sched, validator, logger.Named("automation"))

	eng := engine.NewEngine(engine.Deps{
		Hub:       h,
		ESP:       adapter,
		Devices:   repo,
		Events:    bus,
		Emitter:   registry,
		Broker:    engBroker,
		Failures:  failures,
		Scheduler: sched,
		Logger:    logger.Named("engine"),
	})
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	if serialCfg := cfg.ESP.Serial; serialCfg.Port != "" {
		bridge := esp.NewSerialBridge(adapter, registry, serialCfg.Port, serialCfg.Baud, serialCfg.RoomID, serialCfg.RoomPassword, logger.Named("serial"))
		go func() {
			if err := bridge.Run(ctx); err != nil {
				logger.Error("serial bridge stopped", zap.Error(err))
			}
		}()
	}

	if cfg.MDNS.LocalName != "" {
		adv, err := discovery.Advertise(cfg.MDNS.LocalName, logger.Named("mdns"))
		if err != nil {
			logger.Warn("mdns disabled", zap.Error(err))
		} else {
			defer adv.Close()
		}
	}

	authModule := auth.NewAuthModule(redisClient, cfg.JWT.Secret)
	var assistantHandler http.Handler
	if cfg.Assistant.Enabled {
		assistantHandler = assistant.NewServer(h, repo, logger.Named("assistant")).HTTPHandler(authModule)
	}

	webServer := web.NewWebServer(web.Deps{
		Addr:      ":" + cfg.App.Port,
		Tokens:    authModule,
		Hub:       h,
		Slots:     adapter,
		Devices:   repo,
		Rooms:     repo,
		Tasks:     tasks,
		Registry:  registry,
		ESP:       adapter,
		Assistant: assistantHandler,
		Gatherer:  reg,
		Logger:    logger.Named("web"),
	})
	errc := make(chan error, 1)
	go func() { errc <- webServer.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	logger.Info("Shutdown complete")
	return nil
}
