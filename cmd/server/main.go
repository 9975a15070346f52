package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"order-fulfillment/config"
	"order-fulfillment/internal/api"
	"order-fulfillment/internal/broker"
	"order-fulfillment/internal/inventory"
	"order-fulfillment/internal/notify"
	"order-fulfillment/internal/payment"
	"order-fulfillment/internal/redisclient"
	"order-fulfillment/internal/store"
	"order-fulfillment/internal/store/memstore"
	"order-fulfillment/internal/util"
	"order-fulfillment/internal/worker"
	"order-fulfillment/internal/workflow"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting order fulfillment service",
		zap.String("env", cfg.Server.Env),
		zap.String("store", cfg.Store.Backend),
		zap.String("queue", cfg.Workflow.Queue))

	tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := map[string]api.ReadinessCheck{}

	var orders store.OrderStore
	var stock store.InventoryStore
	var executions store.ExecutionStore

	switch cfg.Store.Backend {
	case "postgres":
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
		if cfg.Store.Seed {
			if err := db.Seed(ctx); err != nil {
				logger.Fatal("Failed to seed database", zap.Error(err))
			}
		}
		logger.Info("Database connected")

		orders, stock = db, db
		executions = memstore.New()
		checks["database"] = db.Ping
		if cfg.Store.ExecutionStore != "redis" {
			logger.Warn("Workflow handles are kept in process memory; status queries return 404 after a restart and duplicate jobs are only detected within this instance",
				zap.String("execution_store", cfg.Store.ExecutionStore))
		}
	case "memory":
		mem := memstore.New()
		if cfg.Store.Seed {
			mem.Seed()
		}
		orders, stock, executions = mem, mem, mem
	default:
		logger.Fatal("Unknown store backend", zap.String("backend", cfg.Store.Backend))
	}

	if cfg.Store.ExecutionStore == "redis" {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.ExecutionTTL)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		logger.Info("Redis connected")

		executions = redisClient
		checks["redis"] = redisClient.Ping
	}

	var sink notify.Sink = notify.NewLogSink()
	var monitorOpts []inventory.MonitorOption
	if cfg.Workflow.Notifier == "kafka" {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
		defer producer.Close()
		logger.Info("Kafka notification producer initialized")

		sink = notify.NewKafkaSink(producer)
		monitorOpts = append(monitorOpts, inventory.WithEventPublisher(producer))
	}
	monitorOpts = append(monitorOpts, inventory.WithInterval(cfg.Inventory.ScanInterval))

	notifier := notify.NewService(sink)
	reserver := inventory.NewReserver(stock, cfg.Inventory.LowStockThreshold)
	monitor := inventory.NewMonitor(stock, notifier, cfg.Inventory.LowStockThreshold, monitorOpts...)
	authority := payment.NewSimulator(cfg.Workflow.PaymentSuccessRate,
		payment.WithDelay(100*time.Millisecond, 2*time.Second))

	engineOpts := []workflow.Option{
		workflow.WithPaymentTimeout(cfg.Workflow.PaymentTimeout),
		workflow.WithMonitor(monitor),
	}

	var pool *workflow.Pool
	var orderWorker *worker.OrderWorker
	switch cfg.Workflow.Queue {
	case "kafka":
		jobProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicWorkflow)
		defer jobProducer.Close()
		engineOpts = append(engineOpts, workflow.WithQueue(broker.NewJobPublisher(jobProducer)))
	default:
		pool = workflow.NewPool(cfg.Workflow.Workers, cfg.Workflow.QueueCapacity)
		engineOpts = append(engineOpts, workflow.WithQueue(pool))
	}

	engine := workflow.NewEngine(orders, executions, reserver, authority, notifier, engineOpts...)

	if cfg.Workflow.Queue == "kafka" {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicWorkflow, cfg.Kafka.ConsumerGroup)
		orderWorker = worker.NewOrderWorker(consumer, engine)
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Dependencies{
		Engine:         engine,
		Orders:         orders,
		Inventory:      stock,
		Reserver:       reserver,
		Monitor:        monitor,
		Authority:      authority,
		PaymentTimeout: cfg.Workflow.PaymentTimeout,
		Notifier:       notifier,
		Checks:         checks,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if pool != nil {
		g.Go(func() error {
			return pool.Run(gctx, engine.Handle)
		})
	}
	if orderWorker != nil {
		g.Go(func() error {
			return orderWorker.Start(gctx)
		})
	}

	g.Go(func() error {
		return monitor.Run(gctx)
	})

	g.Go(func() error {
		return engine.RunReconciler(gctx, cfg.Workflow.ReconcileInterval, cfg.Workflow.ReconcileOlderThan)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Service stopped with error", zap.Error(err))
	}

	if orderWorker != nil {
		if err := orderWorker.Stop(); err != nil {
			logger.Error("Error stopping order worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
