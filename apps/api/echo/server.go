package echoapi

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trezcool/masomo-notifier/core"
	"github.com/trezcool/masomo-notifier/core/dispatch"
	"github.com/trezcool/masomo-notifier/core/notification"
)

type (
	// Dispatcher is implemented by *dispatch.Engine.
	Dispatcher interface {
		State() dispatch.State
		Status() dispatch.Status
		RunTick(ctx context.Context, now time.Time) dispatch.Report
	}

	// Connections is implemented by *realtimesvc.Hub.
	Connections interface {
		Len() int
		ServeWS(w http.ResponseWriter, r *http.Request) error
	}

	ServerDeps struct {
		Conf        *core.Config
		Logger      core.Logger
		Dispatcher  Dispatcher
		NotifSvc    *notification.Service
		Connections Connections
		Gatherer    prometheus.Gatherer
		DBPing      func(ctx context.Context) error // nil with the memory engine
		Validate    *validator.Validate
		Translator  ut.Translator
	}

	Server struct {
		deps     ServerDeps
		app      *echo.Echo
		errors   chan error
		shutdown chan os.Signal
	}
)

func NewServer(deps ServerDeps) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		deps:     deps,
		app:      echo.New(),
		errors:   make(chan error, 1),
		shutdown: make(chan os.Signal, 1),
	}
	s.setup()
	return s
}

func (s *Server) setup() {
	conf := s.deps.Conf

	s.app.HideBanner = true
	s.app.HidePort = true
	s.app.Validator = &requestValidator{validate: s.deps.Validate}

	s.app.Pre(middleware.RemoveTrailingSlash())
	if !conf.TestMode {
		s.app.Use(requestLogger(s.deps.Logger))
	}
	// do not recover in DEV|TEST mode
	if !(conf.Debug || conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(s.deps.Logger, s.deps.Translator, s.signalShutdown)
	s.app.Debug = conf.Debug

	s.app.GET("/", home)
	s.app.GET("/healthz", s.health)
	s.app.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	s.app.GET("/ws", s.websocket)

	v1 := s.app.Group("/v1")
	registerDispatcherAPI(v1, s.deps.Dispatcher, conf.Debug)
	registerNotificationAPI(v1, s.deps.NotifSvc)
}

// Start serves until the server is shut down. Failures are sent to Errors.
func (s *Server) Start() {
	signal.Notify(s.shutdown, os.Interrupt, syscall.SIGTERM)
	s.deps.Logger.Info("API listening on " + s.deps.Conf.Server.Host)
	if err := s.app.Start(s.deps.Conf.Server.Host); err != nil && err != http.ErrServerClosed {
		s.errors <- err
	}
}

func (s *Server) Errors() <-chan error { return s.errors }

func (s *Server) ShutdownSignal() <-chan os.Signal { return s.shutdown }

func (s *Server) signalShutdown() {
	select {
	case s.shutdown <- syscall.SIGTERM:
	default:
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	signal.Stop(s.shutdown)
	return s.app.Shutdown(ctx)
}

func (s *Server) Close() error {
	return s.app.Close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func home(ctx echo.Context) error {
	return ctx.String(http.StatusOK, "Welcome to Masomo Notifier!")
}

func (s *Server) health(ctx echo.Context) error {
	if s.deps.DBPing != nil {
		pingCtx, cancel := context.WithTimeout(ctx.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.DBPing(pingCtx); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable").SetInternal(err)
		}
	}
	return ctx.JSON(http.StatusOK, echo.Map{
		"status":      "ok",
		"dispatcher":  s.deps.Dispatcher.State().String(),
		"connections": s.deps.Connections.Len(),
	})
}

// websocket hands the connection to the hub; upgrade failures are answered by the upgrader itself.
func (s *Server) websocket(ctx echo.Context) error {
	if err := s.deps.Connections.ServeWS(ctx.Response(), ctx.Request()); err != nil {
		s.deps.Logger.Warn("websocket closed", err)
	}
	return nil
}
