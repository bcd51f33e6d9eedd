package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	postgresdriver "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/sastafford/crossy/config"
	"github.com/sastafford/crossy/internal/repositories/backfillrun"
	"github.com/sastafford/crossy/internal/repositories/rawcapture"
	"github.com/sastafford/crossy/internal/repositories/record"
	"github.com/sastafford/crossy/pkg/database"
	"github.com/sastafford/crossy/pkg/events"
	"github.com/sastafford/crossy/pkg/generator"
	"github.com/sastafford/crossy/pkg/kafka"
	"github.com/sastafford/crossy/pkg/merging"
	"github.com/sastafford/crossy/pkg/middleware"
	"github.com/sastafford/crossy/pkg/normalizer"
	"github.com/sastafford/crossy/pkg/processor"
	"github.com/sastafford/crossy/pkg/redis"
	backfillhandler "github.com/sastafford/crossy/pkg/routes/backfill"
	capturehandler "github.com/sastafford/crossy/pkg/routes/capture"
	dlqhandler "github.com/sastafford/crossy/pkg/routes/dlq"
	"github.com/sastafford/crossy/pkg/routes/health"
	recordhandler "github.com/sastafford/crossy/pkg/routes/record"
	submithandler "github.com/sastafford/crossy/pkg/routes/submit"
	"github.com/sastafford/crossy/pkg/startup"
	"github.com/sastafford/crossy/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	logger.WithFields(map[string]any{
		"app":     cfg.AppName,
		"version": cfg.AppVersion,
	}).Info("Starting crossy")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := tracing.InitProvider(ctx, tracing.ProviderConfig{
			ServiceName:    cfg.AppName,
			ServiceVersion: cfg.AppVersion,
			Exporter:       cfg.TracingExporter,
			OTLPEndpoint:   cfg.OTLPEndpoint,
			OTLPProtocol:   cfg.OTLPProtocol,
		})
		if err != nil {
			logger.WithError(err).Error("Failed to initialize tracing")
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("Failed to shut down tracer provider")
			}
		}()
	}

	app := &application{cfg: cfg, logger: logger}

	manager := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	manager.AddDependency(&dependency{name: "database", start: app.startDatabase, stop: app.stopDatabase})
	manager.AddDependency(&dependency{name: "redis", start: app.startRedis, stop: app.stopRedis})
	manager.AddDependency(&dependency{name: "kafka-producer", start: app.startProducer, stop: app.stopProducer})
	manager.AddDependency(&dependency{
		name:      "kafka-consumer",
		dependsOn: []string{"database", "redis", "kafka-producer"},
		start:     app.startConsumer,
		stop:      app.stopConsumer,
	})
	manager.AddDependency(&dependency{
		name:      "http-server",
		dependsOn: []string{"database", "redis", "kafka-producer"},
		start:     app.startServer,
		stop:      app.stopServer,
	})

	if err := manager.Start(ctx); err != nil {
		logger.WithError(err).Error("Startup failed")
		os.Exit(1)
	}

	if cfg.BackfillEnabled {
		app.runBackfill(ctx)
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manager.Stop(stopCtx); err != nil {
		logger.WithError(err).Error("Shutdown failed")
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

// application holds the long-lived components the startup dependencies wire.
type application struct {
	cfg    config.Config
	logger ectologger.Logger

	db             database.DB
	redis          *redis.Client
	eventProducer  *kafka.Producer
	changeProducer *kafka.Producer
	consumer       *kafka.Consumer
	server         *echo.Echo
	checker        *health.Checker

	captures    *rawcapture.Repository
	records     *record.Repository
	runs        *backfillrun.Repository
	normalizer  *normalizer.Normalizer
	engine      *merging.Engine
	emitter     *events.Emitter
	dlq         *redis.DeadLetterQueue
	streamProc  *processor.StreamProcessor
	backfillRun *processor.BackfillProcessor
}

func (a *application) startDatabase(ctx context.Context) error {
	db, err := database.Connect(ctx, database.ConnectConfig{
		Driver:          a.cfg.DatabaseDriver,
		Host:            a.cfg.DatabaseHost,
		Port:            a.cfg.DatabasePort,
		User:            a.cfg.DatabaseUserName,
		Password:        a.cfg.DatabasePassword,
		Name:            a.cfg.DatabaseName,
		SSLMode:         a.cfg.DatabaseSSLMode,
		MaxOpenConns:    a.cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    a.cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: a.cfg.DatabaseConnMaxLifetime,
	}, a.logger)
	if err != nil {
		return err
	}
	a.db = db

	driver, err := postgresdriver.WithInstance(db.Unsafe().DB, &postgresdriver.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	migrations := database.NewMigrationService(a.logger, &database.MigrationConfig{
		MigrationFolderPath: a.cfg.DatabaseMigrationFolderPath,
		Version:             uint(a.cfg.DatabaseMigrationVersion),
		Force:               a.cfg.DatabaseMigrationForce,
		AutoRollback:        a.cfg.DatabaseMigrationAutoRollback,
	})
	if err := migrations.Migrate(a.cfg.DatabaseName, driver); err != nil {
		return err
	}

	a.captures = rawcapture.NewRepository(db, a.logger)
	a.records = record.NewRepository(db, a.logger)
	a.runs = backfillrun.NewRepository(db, a.logger)
	a.normalizer = normalizer.New(a.cfg.BackfillSequence)
	a.engine = merging.NewEngine(a.records, a.logger, a.cfg.ApplyMaxRetries, a.cfg.ApplyRetryInterval)
	return nil
}

func (a *application) stopDatabase(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *application) startRedis(ctx context.Context) error {
	client, err := redis.NewClient(redis.Config{
		Addr:     a.cfg.RedisAddr,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	}, a.logger)
	if err != nil {
		return err
	}
	a.redis = client
	a.dlq = redis.NewDeadLetterQueue(client, a.cfg.DLQStream, a.logger)
	return nil
}

func (a *application) stopRedis(ctx context.Context) error {
	if a.redis == nil {
		return nil
	}
	return a.redis.Close()
}

func (a *application) startProducer(ctx context.Context) error {
	base := kafka.ProducerConfig{
		Brokers:      a.cfg.KafkaBrokers,
		BatchSize:    a.cfg.KafkaBatchSize,
		BatchTimeout: time.Duration(a.cfg.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: a.cfg.KafkaRequiredAcks,
		Compression:  a.cfg.KafkaCompression,
	}

	// Lifecycle events go out on the output topic; submissions and requeued
	// dead letters go back onto the change topic the consumer reads.
	eventCfg := base
	eventCfg.Topic = a.cfg.KafkaOutputTopic
	a.eventProducer = kafka.NewProducer(eventCfg, a.logger)

	changeCfg := base
	changeCfg.Topic = a.cfg.KafkaChangeTopic
	a.changeProducer = kafka.NewProducer(changeCfg, a.logger)

	a.emitter = events.NewEmitter(a.eventProducer, a.logger)
	return nil
}

func (a *application) stopProducer(ctx context.Context) error {
	var err error
	if a.eventProducer != nil {
		err = a.eventProducer.Close()
	}
	if a.changeProducer != nil {
		if closeErr := a.changeProducer.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}

func (a *application) startConsumer(ctx context.Context) error {
	if !a.cfg.KafkaConsumerEnabled {
		a.logger.Info("Kafka consumer disabled")
		return nil
	}

	a.streamProc = processor.NewStreamProcessor(a.logger, a.captures, a.normalizer, a.engine, a.dlq, a.emitter)
	a.consumer = kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:       a.cfg.KafkaBrokers,
		Topic:         a.cfg.KafkaChangeTopic,
		ConsumerGroup: a.cfg.KafkaConsumerGroup,
	}, a.logger, a.streamProc.HandleMessage)
	return a.consumer.Start(ctx)
}

func (a *application) stopConsumer(ctx context.Context) error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Stop()
}

func (a *application) startServer(ctx context.Context) error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second

	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: a.cfg.AllowOrigins,
		AllowMethods: a.cfg.AllowMethods,
	}))
	if a.cfg.TracingEnabled {
		e.Use(otelecho.Middleware(a.cfg.AppName))
	}
	e.Use(middleware.Context())
	e.Use(middleware.Logger(a.logger))
	e.HTTPErrorHandler = middleware.Error(a.logger)

	validate := validator.New()

	a.checker = health.NewChecker(a.db, a.redis, a.cfg.AppVersion)
	a.checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	recordhandler.NewHandler(a.db, a.records, a.captures, a.normalizer, a.engine, a.emitter, a.logger).RegisterRoutes(api)
	capturehandler.NewHandler(a.captures, validate).RegisterRoutes(api)
	backfillhandler.NewHandler(a.runs).RegisterRoutes(api)
	dlqhandler.NewHandler(a.dlq, a.changeProducer).RegisterRoutes(api)
	submithandler.NewHandler(a.changeProducer, validate, generator.New(), a.logger).RegisterRoutes(api)

	a.server = e

	go func() {
		addr := fmt.Sprintf(":%d", a.cfg.Port)
		a.logger.Infof("HTTP server listening on %s", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			a.logger.WithError(err).Error("HTTP server stopped unexpectedly")
		}
	}()

	a.checker.SetReady(true)
	return nil
}

func (a *application) stopServer(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	if a.checker != nil {
		a.checker.SetReady(false)
	}
	return a.server.Shutdown(ctx)
}

// runBackfill executes the configured one-time backfill pass. A rerun of an
// already-claimed run key is an expected no-op.
func (a *application) runBackfill(ctx context.Context) {
	if a.cfg.BackfillFilePath == "" {
		a.logger.Warn("Backfill enabled but no file path configured, skipping")
		return
	}

	a.backfillRun = processor.NewBackfillProcessor(a.logger, a.captures, a.normalizer, a.engine, a.runs)

	stats, err := a.backfillRun.Run(ctx, a.cfg.BackfillRunKey, a.cfg.BackfillCollection, a.cfg.BackfillFilePath)
	if err != nil {
		if err == processor.ErrRerunDetected {
			a.logger.WithField("run_key", a.cfg.BackfillRunKey).Info("Backfill run already executed, skipping")
			return
		}
		a.logger.WithError(err).Error("Backfill run failed")
		return
	}

	a.logger.WithFields(map[string]any{
		"total":   stats.Total,
		"applied": stats.Applied,
		"stale":   stats.Stale,
		"errored": stats.Errored,
	}).Info("Backfill run complete")
}

// dependency adapts start/stop funcs to the startup manager.
type dependency struct {
	name      string
	dependsOn []string
	start     func(ctx context.Context) error
	stop      func(ctx context.Context) error
}

func (d *dependency) GetName() string                 { return d.name }
func (d *dependency) DependsOn() []string             { return d.dependsOn }
func (d *dependency) Start(ctx context.Context) error { return d.start(ctx) }
func (d *dependency) Stop(ctx context.Context) error  { return d.stop(ctx) }

var levelRank = map[string]int{"debug": 0, "info": 1, "warn": 2, "warning": 2, "error": 3, "fatal": 4}

// newLogger builds the process logger with a JSON stdout sink, filtered to the
// configured level.
func newLogger(cfg config.Config) ectologger.Logger {
	minRank, ok := levelRank[strings.ToLower(cfg.LogLevel)]
	if !ok {
		minRank = levelRank["info"]
	}

	return ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {
		raw, err := json.Marshal(msg)
		if err != nil {
			return
		}

		var decoded map[string]any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			if lvl, ok := decoded["level"].(string); ok {
				if rank, known := levelRank[strings.ToLower(lvl)]; known && rank < minRank {
					return
				}
			}
		}

		if cfg.PrettyLogs {
			if pretty, err := json.MarshalIndent(msg, "", "  "); err == nil {
				raw = pretty
			}
		}

		fmt.Fprintln(os.Stdout, string(raw))
	})
}
