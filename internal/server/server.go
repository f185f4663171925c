package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	gorillahandlers "github.com/gorilla/handlers"
	"github.com/jjudge-oj/authserver/config"
	"github.com/jjudge-oj/authserver/internal/auth"
	"github.com/jjudge-oj/authserver/internal/db"
	"github.com/jjudge-oj/authserver/internal/events"
	"github.com/jjudge-oj/authserver/internal/handlers"
	"github.com/jjudge-oj/authserver/internal/metrics"
	"github.com/jjudge-oj/authserver/internal/mq"
	"github.com/jjudge-oj/authserver/internal/services"
	"github.com/jjudge-oj/authserver/internal/store"
	"github.com/sirupsen/logrus"
)

// Deps are the collaborators a Server is assembled from. Users is required;
// a nil Queue disables event publishing and a nil AccessLog disables the
// request log.
type Deps struct {
	Users     services.UserRepository
	Queue     *mq.MQ
	AccessLog io.Writer
	Logger    *logrus.Logger
}

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	logger     *logrus.Logger
	metrics    *metrics.Metrics

	db        *sql.DB
	queue     *mq.MQ
	accessLog io.Closer
}

// New validates cfg, connects to PostgreSQL and the configured broker, and
// assembles the server.
func New(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	queue, err := mq.Open(ctx, cfg.Events)
	if err != nil {
		_ = dbConn.Close()
		return nil, err
	}

	accessLog, err := openAccessLog(cfg.Log.AccessLogPath)
	if err != nil {
		_ = dbConn.Close()
		if queue != nil {
			_ = queue.Close()
		}
		return nil, err
	}

	deps := Deps{
		Users:  store.NewUserRepository(dbConn),
		Queue:  queue,
		Logger: logger,
	}
	var logFile io.Closer
	if accessLog != nil {
		deps.AccessLog = accessLog
		if accessLog != os.Stdout {
			logFile = accessLog
		}
	}

	srv, err := NewWithDeps(cfg, deps)
	if err != nil {
		_ = dbConn.Close()
		if queue != nil {
			_ = queue.Close()
		}
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, err
	}
	srv.db = dbConn
	srv.queue = queue
	srv.accessLog = logFile
	return srv, nil
}

// NewWithDeps assembles the server around already-constructed collaborators.
func NewWithDeps(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Users == nil {
		return nil, errors.New("server: user repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	hasher, err := auth.NewPasswordHasher(cfg.Auth.BcryptCost)
	if err != nil {
		return nil, err
	}
	issuer, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	userService := services.NewUserService(deps.Users, hasher)
	authHandler := handlers.NewAuthHandler(
		userService,
		issuer,
		events.NewPublisher(deps.Queue, cfg.Events.Channel),
		m,
		logger,
		handlers.AuthOptions{
			ExposePasswordHash: cfg.API.ExposePasswordHash,
			ExposeErrorDetails: cfg.API.ExposeErrorDetails,
		},
	)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(60*time.Second),
	)
	router.Get("/healthz", handlers.Healthz)
	router.Method(http.MethodGet, "/metrics", m.Handler())
	router.Route("/auth", func(r chi.Router) {
		handlers.AuthRouter(r, authHandler, issuer.RequireAuth)
	})

	var handler http.Handler = router
	if deps.AccessLog != nil {
		handler = gorillahandlers.CombinedLoggingHandler(deps.AccessLog, router)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.ServerPort),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger:  logger,
		metrics: m,
	}, nil
}

// openAccessLog opens path for appending, creating parent directories. An
// empty path disables the access log and "-" selects stdout.
func openAccessLog(path string) (*os.File, error) {
	switch path {
	case "":
		return nil, nil
	case "-":
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create access log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open access log: %w", err)
	}
	return f, nil
}

// Handler returns the root handler including the access log.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("auth server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and releases the database, broker and
// access log.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.db != nil {
		err = errors.Join(err, s.db.Close())
	}
	if s.queue != nil {
		err = errors.Join(err, s.queue.Close())
	}
	if s.accessLog != nil {
		err = errors.Join(err, s.accessLog.Close())
	}
	return err
}
