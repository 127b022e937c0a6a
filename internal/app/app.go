package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/auth"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/broadcast"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/deadletter"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/dispatch"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/healthchecker"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/httpapi"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/kafka"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/lifecycle"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/lock"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/poller"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/provider"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/redisclient"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/webhook"
	"github.com/panjf2000/ants/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	storeBackendMemory = "memory"
	lockBackendRedis   = "redis"
	transportRedis     = "redis"
)

type Callsync struct {
	DBConn               *gorm.DB
	RedisClient          *redis.Client
	Store                call.Store
	Engine               *lifecycle.Engine
	Scheduler            *poller.Scheduler
	Sweeper              *poller.Sweeper
	ProviderClient       *provider.Client
	Hub                  *broadcast.Hub
	Broadcaster          *broadcast.Broadcaster
	RedisRelay           *broadcast.RedisRelay
	Dispatcher           *dispatch.Dispatcher
	DeadLetterService    *deadletter.DeadLetterService
	DeadLetterWorker     *deadletter.DeadLetterWorker
	KafkaConsumer        *kafka.Consumer
	KafkaProducer        *kafka.Producer
	WorkerPool           *ants.Pool
	Handlers             *httpapi.Handlers
	HealthCheckerService *healthchecker.Healthchecker
}

func NewApp(ctx context.Context, ctxCancelFun context.CancelFunc) (*Callsync, error) {
	logging.Logger.Info("[NewApp] Initializing callsync application...")

	circuitbreak.Init()

	app := &Callsync{
		HealthCheckerService: healthchecker.NewService(ctxCancelFun),
		Hub:                  broadcast.NewHub(),
	}

	err := app.initializeStorage(ctx)
	if err != nil {
		app.shutdown()
		return nil, err
	}

	err = app.initializeRedis(ctx)
	if err != nil {
		app.shutdown()
		return nil, err
	}

	err = app.initializeKafka()
	if err != nil {
		app.shutdown()
		return nil, err
	}

	err = app.initializeServices()
	if err != nil {
		app.shutdown()
		return nil, err
	}

	app.registerHealthChecks()

	logging.Logger.Info("[NewApp] Application initialized",
		zap.String("store_backend", config.Conf.StoreBackend),
		zap.String("lock_backend", config.Conf.LockBackend),
		zap.String("realtime_transport", config.Conf.RealtimeTransport),
		zap.Bool("kafka_enabled", config.Conf.KafkaEnabled),
	)

	return app, nil
}

func (app *Callsync) initializeStorage(ctx context.Context) error {
	if config.Conf.StoreBackend == storeBackendMemory {
		logging.Logger.Warn("[NewApp] Using in-memory call store; records are lost on restart")

		app.Store = call.NewMemoryStore()
		app.DeadLetterService = deadletter.NewService(deadletter.NewMemoryStore())

		return nil
	}

	dbConn, err := database.NewDatabase(ctx)
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to initialize database", zap.String("error", err.Error()))
		return err
	}

	app.DBConn = dbConn
	app.Store = call.NewCallRepository(dbConn)
	app.DeadLetterService = deadletter.NewService(deadletter.NewRepository(dbConn))

	logging.Logger.Info("[NewApp] Database connection established")

	return nil
}

func (app *Callsync) needsRedis() bool {
	return config.Conf.LockBackend == lockBackendRedis || config.Conf.RealtimeTransport == transportRedis
}

func (app *Callsync) initializeRedis(ctx context.Context) error {
	if !app.needsRedis() {
		return nil
	}

	client, err := redisclient.NewClient(ctx)
	if err != nil {
		return err
	}

	app.RedisClient = client

	return nil
}

func (app *Callsync) initializeKafka() error {
	if !config.Conf.KafkaEnabled {
		logging.Logger.Info("[NewApp] Kafka disabled; terminal events are only logged")
		return nil
	}

	producer, err := kafka.NewProducer()
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create Kafka producer", zap.String("error", err.Error()))
		return err
	}

	app.KafkaProducer = producer

	consumer, err := kafka.NewConsumer(config.Conf.KafkaCallCreatedGroupID, "call_created")
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create Kafka consumer", zap.String("error", err.Error()))
		return err
	}

	app.KafkaConsumer = consumer

	workerPool, err := ants.NewPool(config.Conf.WorkerPoolSize, ants.WithPreAlloc(true))
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create worker pool", zap.String("error", err.Error()))
		return err
	}

	app.WorkerPool = workerPool

	return nil
}

func (app *Callsync) initializeServices() error {
	var err error

	handlers := []dispatch.TerminalHandler{dispatch.LogHandler{}}
	if app.KafkaProducer != nil {
		handlers = append(handlers, dispatch.NewKafkaTerminalHandler(app.KafkaProducer, config.Conf.KafkaCallTerminalTopic))
	}

	app.Dispatcher, err = dispatch.NewDispatcher(app.DeadLetterService, handlers...)
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create dispatcher", zap.String("error", err.Error()))
		return err
	}

	app.DeadLetterService.SetRedeliverer(app.Dispatcher)

	app.DeadLetterWorker, err = deadletter.NewWorker(app.DeadLetterService, deadletter.WorkerSettingsFromConfig())
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create dead letter worker", zap.String("error", err.Error()))
		return err
	}

	var publisher broadcast.Publisher = app.Hub
	if config.Conf.RealtimeTransport == transportRedis {
		publisher = broadcast.NewRedisPublisher(app.RedisClient, config.Conf.RealtimeChannelPrefix)
		app.RedisRelay = broadcast.NewRedisRelay(app.RedisClient, config.Conf.RealtimeChannelPrefix, app.Hub)
	}

	app.Broadcaster, err = broadcast.NewBroadcaster(
		publisher,
		config.Conf.BroadcastPoolSize,
		time.Duration(config.Conf.RealtimePublishTimeout)*time.Second,
	)
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create broadcaster", zap.String("error", err.Error()))
		return err
	}

	app.Engine = lifecycle.NewEngine(app.Store, app.newLocker(), app.Broadcaster, app.Dispatcher)
	app.ProviderClient = provider.NewClient()

	app.Scheduler, err = poller.NewScheduler(app.ProviderClient, app.Engine, poller.RealClock{}, poller.SettingsFromConfig())
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create poll scheduler", zap.String("error", err.Error()))
		return err
	}

	app.Engine.SetPoller(app.Scheduler)

	app.Sweeper = poller.NewSweeper(
		app.Store,
		app.Scheduler,
		time.Duration(config.Conf.PollSweepInterval)*time.Second,
		config.Conf.PollRearmLimit,
	)

	sessions, err := auth.NewManagerFromConfig()
	if err != nil {
		logging.Logger.Error("[NewApp] Failed to create session manager", zap.String("error", err.Error()))
		return err
	}

	hook := webhook.NewHandler(
		webhook.NewService(app.Store, app.Engine, app.Scheduler),
		config.Conf.WebhookSecret,
	)

	app.Handlers = httpapi.NewHandlers(app.Engine, hook, sessions, app.Hub)

	return nil
}

func (app *Callsync) newLocker() lock.Locker {
	if config.Conf.LockBackend != lockBackendRedis {
		return lock.NewKeyedMutex()
	}

	return lock.NewRedisLocker(
		app.RedisClient,
		time.Duration(config.Conf.LockTTL)*time.Second,
		time.Duration(config.Conf.LockWait)*time.Second,
		time.Duration(config.Conf.LockRetryInterval)*time.Millisecond,
	)
}

func (app *Callsync) registerHealthChecks() {
	register := func(service string, check healthchecker.Check) {
		app.HealthCheckerService.Register(service, check)
		app.Handlers.Checks[service] = httpapi.HealthCheck(check)
	}

	if app.DBConn != nil {
		register(circuitbreak.DBService, healthchecker.DatabaseCheck(app.DBConn))
	}

	if app.RedisClient != nil {
		register(circuitbreak.RedisService, healthchecker.RedisCheck(app.RedisClient))
	}

	// The provider and Kafka breakers stay local to their callers, so these
	// dependencies never restart the app.
	if app.KafkaProducer != nil {
		app.Handlers.Degraded[circuitbreak.KafkaProducerService] = httpapi.HealthCheck(healthchecker.KafkaCheck())
	}

	app.Handlers.Degraded[circuitbreak.ProviderService] = httpapi.HealthCheck(healthchecker.ProviderCheck(app.ProviderClient))
}

// Run blocks until ctx is cancelled or one of the long running parts fails,
// then shuts everything down.
func (app *Callsync) Run(ctx context.Context) error {
	logging.Logger.Info("[Run] Starting app goroutines...")

	go app.HealthCheckerService.Monitor(ctx)

	if config.Conf.PollRearmOnStart {
		app.rearmPollers(ctx)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	server := httpapi.NewServer(httpapi.NewRouter(groupCtx, app.Handlers))

	group.Go(func() error {
		logging.Logger.Info("[Run] HTTP server listening", zap.String("addr", server.Addr))

		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.shutdownTimeout())
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	group.Go(func() error {
		app.DeadLetterWorker.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		app.Sweeper.Run(groupCtx)
		return nil
	})

	if app.RedisRelay != nil {
		group.Go(func() error {
			return app.RedisRelay.Run(groupCtx)
		})
	}

	if app.KafkaConsumer != nil {
		group.Go(func() error {
			logging.Logger.Info("[Run] Starting call created consumer",
				zap.String("topic", config.Conf.KafkaCallCreatedTopic),
			)

			return app.KafkaConsumer.Consume(groupCtx, config.Conf.KafkaCallCreatedTopic, app.CallCreatedHandler)
		})
	}

	err := group.Wait()
	if err != nil {
		logging.Logger.Error("[Run] App stopped with error", zap.String("error", err.Error()))
	}

	app.shutdown()

	return err
}

// rearmPollers restores the safety net for calls that were in flight when the
// previous process stopped.
func (app *Callsync) rearmPollers(ctx context.Context) {
	armed, err := app.Sweeper.Sweep(ctx)
	if err != nil {
		logging.Logger.Error("[Run] Failed to re-arm pollers", zap.String("error", err.Error()))
		return
	}

	logging.Logger.Info("[Run] Pollers re-armed", zap.Int("armed", armed))
}

func (app *Callsync) shutdownTimeout() time.Duration {
	return time.Duration(config.Conf.ShutdownTimeout) * time.Second
}

func (app *Callsync) shutdown() {
	timeout := app.shutdownTimeout()

	if app.KafkaConsumer != nil {
		_ = app.KafkaConsumer.Close()
	}

	if app.WorkerPool != nil {
		logging.Logger.Info("[Run] Releasing worker pool...", zap.Int("running_workers", app.WorkerPool.Running()))

		err := app.WorkerPool.ReleaseTimeout(timeout)
		if err != nil {
			logging.Logger.Warn("[Run] Worker pool did not drain", zap.String("error", err.Error()))
		}
	}

	if app.Scheduler != nil {
		app.Scheduler.Shutdown()
	}

	if app.Broadcaster != nil {
		app.Broadcaster.Close(timeout)
	}

	if app.Dispatcher != nil {
		app.Dispatcher.Close(timeout)
	}

	if app.KafkaProducer != nil {
		_ = app.KafkaProducer.Close()
	}

	if app.RedisClient != nil {
		err := app.RedisClient.Close()
		if err != nil {
			logging.Logger.Error("[Run] Failed to close redis client", zap.String("error", err.Error()))
		}
	}

	if app.DBConn != nil {
		err := database.Close(app.DBConn)
		if err != nil {
			logging.Logger.Error("[Run] Failed to close database", zap.String("error", err.Error()))
		}
	}

	logging.Logger.Info("[Run] ===== App shutdown complete =====")
}
