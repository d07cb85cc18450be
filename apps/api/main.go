package main

import (
	"context"
	"expvar"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	echoapi "github.com/trezcool/masomo-notifier/apps/api/echo"
	"github.com/trezcool/masomo-notifier/core"
	"github.com/trezcool/masomo-notifier/core/dispatch"
	"github.com/trezcool/masomo-notifier/core/notification"
	"github.com/trezcool/masomo-notifier/core/timetable"
	logsvc "github.com/trezcool/masomo-notifier/services/logger"
	metricsvc "github.com/trezcool/masomo-notifier/services/metrics"
	realtimesvc "github.com/trezcool/masomo-notifier/services/realtime"
	"github.com/trezcool/masomo-notifier/storage/database"
	inmemdb "github.com/trezcool/masomo-notifier/storage/database/inmem"
	sqlxrepos "github.com/trezcool/masomo-notifier/storage/database/sqlx"
)

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)

	// set up loggers
	logger := newLogger(conf, "API")
	dbLogger := newLogger(conf, "DB")
	dispatchLogger := newLogger(conf, "DISPATCH")
	wsLogger := newLogger(conf, "WS")

	if err := conf.Validate(validate); err != nil {
		logger.Fatal("invalid configuration", core.TranslateValidationErrors(err, translator))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// set up DB
	var (
		periodRepo timetable.Repository
		notifRepo  notification.Repository
		dbPing     func(context.Context) error
	)
	if conf.Database.Engine == "memory" {
		mem := inmemdb.Open()
		periodRepo = inmemdb.NewTimetableRepository(mem)
		notifRepo = inmemdb.NewNotificationRepository(mem)
		dbLogger.Warn("using the in-memory database; data is lost on exit")
	} else {
		db, err := setUpDB(ctx, conf)
		if err != nil {
			dbLogger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
		}
		defer func() {
			if err = db.Close(); err != nil {
				dbLogger.Error("Failed to close", err)
			}
		}()
		periodRepo = sqlxrepos.NewTimetableRepository(db)
		notifRepo = sqlxrepos.NewNotificationRepository(db)
		dbPing = db.PingContext
	}

	// set up services
	loc := conf.Dispatcher.Location()
	periodSvc := timetable.NewService(periodRepo, loc)
	notifSvc := notification.NewService(notifRepo, validate)

	hub := realtimesvc.NewHub(wsLogger)
	var registry notification.Registry = hub
	if conf.Redis.Addr != "" {
		rdb, err := realtimesvc.NewRedisClient(ctx, conf.Redis)
		if err != nil {
			wsLogger.Fatal(fmt.Sprintf("connecting to redis: %v", err), err)
		}
		defer func() { _ = rdb.Close() }()

		redisRegistry := realtimesvc.NewRedisRegistry(hub, rdb, conf.Redis.Channel, wsLogger)
		go func() {
			if err := redisRegistry.Run(ctx); err != nil {
				wsLogger.Error("redis relay stopped", err)
			}
		}()
		registry = redisRegistry
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsvc.RegisterConnectionsGauge(reg, hub.Len)

	engine, err := dispatch.NewEngine(
		dispatch.OptionsFromConfig(conf.Dispatcher),
		periodSvc,
		notifSvc,
		registry,
		dispatchLogger,
		metricsvc.NewDispatchRecorder(reg),
	)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up dispatcher: %v", err), err)
	}

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	if conf.Dispatcher.Enabled {
		if err = engine.Start(); err != nil {
			dispatchLogger.Fatal(fmt.Sprintf("starting dispatcher: %v", err), err)
		}
	}

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)
	expvar.Publish("dispatcher", expvar.Func(func() interface{} { return engine.Status() }))

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start API Service

	server := echoapi.NewServer(
		echoapi.ServerDeps{
			Conf:        conf,
			Logger:      logger,
			Dispatcher:  engine,
			NotifSvc:    notifSvc,
			Connections: hub,
			Gatherer:    reg,
			DBPing:      dbPing,
			Validate:    validate,
			Translator:  translator,
		},
	)

	go func() {
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err = <-server.Errors():
		logger.Fatal(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))

		// give the running tick and outstanding requests a deadline for completion
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancelShutdown()

		if conf.Dispatcher.Enabled {
			if err = engine.Stop(shutdownCtx); err != nil {
				dispatchLogger.Error(fmt.Sprintf("could not stop dispatcher gracefully: %v", err), err)
			}
		}

		// asking listener to shutdown and shed load
		if err = server.Shutdown(shutdownCtx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Fatal(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}

func newLogger(conf *core.Config, name string) *logsvc.RollbarLogger {
	logger, err := logsvc.New(conf, name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setting up %s logger: %v\n", name, err)
		os.Exit(1)
	}
	return logger
}

func setUpDB(ctx context.Context, conf *core.Config) (*sqlx.DB, error) {
	if err := database.CreateIfNotExist(ctx, conf); err != nil {
		return nil, err
	}

	db, err := database.Open(ctx, conf)
	if err != nil {
		return nil, err
	}

	if err = database.Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
