package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/usersvc/apiserver/config"
	"github.com/usersvc/apiserver/internal/db"
	"github.com/usersvc/apiserver/internal/events"
	"github.com/usersvc/apiserver/internal/handlers"
	"github.com/usersvc/apiserver/internal/mq"
	"github.com/usersvc/apiserver/internal/observability"
	"github.com/usersvc/apiserver/internal/services"
	"github.com/usersvc/apiserver/internal/store"
)

// Server wraps the HTTP server and the resources it owns.
type Server struct {
	httpServer *http.Server
	db         *sql.DB
	mq         *mq.MQ
	logger     *slog.Logger
}

// New opens the database (migrating it when configured), connects the
// message queue if enabled and builds the router.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if cfg.Database.AutoMigrate {
		if err := db.MigrateUp(cfg.Database); err != nil {
			return nil, err
		}
	}

	dbConn, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	queue, err := mq.Open(ctx, cfg.MQ)
	if err != nil {
		_ = dbConn.Close()
		return nil, err
	}

	opts := []services.UserServiceOption{services.WithLogger(logger)}
	if queue != nil {
		opts = append(opts, services.WithEventPublisher(events.NewUserEvents(queue, cfg.MQ.Channel)))
	}
	userService := services.NewUserService(store.NewUserRepository(dbConn), opts...)

	metrics := observability.NewMetrics(metricsNamespace(cfg.AppName))

	router := chi.NewRouter()
	router.Use(middlewareStack(cfg, logger, metrics)...)
	router.Get("/", handlers.Liveness)
	router.Get("/healthz", handlers.Readiness(dbConn))
	router.Method(http.MethodGet, "/metrics", metrics.Handler())
	router.Route(strings.TrimRight(cfg.APIPrefix, "/")+"/users", func(r chi.Router) {
		handlers.UserRouter(r, userService, logger)
	})

	return &Server{
		httpServer: newHTTPServer(cfg, router),
		db:         dbConn,
		mq:         queue,
		logger:     logger,
	}, nil
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting http server", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and then releases the queue and database.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.mq != nil {
		if cerr := s.mq.Close(); cerr != nil {
			s.logger.Warn("close message queue", slog.Any("error", cerr))
		}
	}
	if s.db != nil {
		if cerr := s.db.Close(); cerr != nil {
			s.logger.Warn("close database", slog.Any("error", cerr))
		}
	}
	return err
}

// writeTimeoutMargin leaves room for middleware.Timeout to write its 504
// before the server closes the connection.
const writeTimeoutMargin = 5 * time.Second

func requestTimeout(cfg config.Config) time.Duration {
	if cfg.RequestTimeout <= 0 {
		return 60 * time.Second
	}
	return cfg.RequestTimeout
}

func newHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: requestTimeout(cfg) + writeTimeoutMargin,
		IdleTimeout:  60 * time.Second,
	}
}

func metricsNamespace(appName string) string {
	ns := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, appName)
	if ns == "" || (ns[0] >= '0' && ns[0] <= '9') {
		ns = "app_" + ns
	}
	return ns
}
