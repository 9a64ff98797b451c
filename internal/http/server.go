// Package http serves the exambuddy HTTP API: uploads, collection reset,
// chat, job status and operational endpoints.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/exambuddy/internal/chat"
	"github.com/fyrsmithlabs/exambuddy/internal/config"
	"github.com/fyrsmithlabs/exambuddy/internal/logging"
	"github.com/fyrsmithlabs/exambuddy/internal/metrics"
	"github.com/fyrsmithlabs/exambuddy/internal/queue"
	"github.com/fyrsmithlabs/exambuddy/internal/storage"
	"github.com/fyrsmithlabs/exambuddy/internal/vectorstore"
)

// Queue is the job queue as seen by the intake endpoints.
type Queue interface {
	Enqueue(ctx context.Context, job queue.Job) error
	Status(ctx context.Context, id string) (*queue.Status, error)
	Stats(ctx context.Context) ([]queue.LaneStats, error)
	Healthy() error
}

// Collections is the vector store surface the API needs.
type Collections interface {
	DeleteCollection(ctx context.Context, collection string) (bool, error)
	GetCollectionInfo(ctx context.Context, collection string) (*vectorstore.CollectionInfo, error)
	Health(ctx context.Context) error
}

// Uploads persists uploaded files.
type Uploads interface {
	Save(ctx context.Context, original string, r io.Reader) (storage.Stored, error)
	Remove(path string) error
}

// Asker answers chat requests.
type Asker interface {
	Ask(ctx context.Context, req chat.Request) (*chat.Response, error)
}

// Deps are the collaborators behind the API.
type Deps struct {
	Queue   Queue
	Store   Collections
	Uploads Uploads
	Chat    Asker
	// Collection is the shared collection name.
	Collection string
	Logger     *logging.Logger
	Metrics    *metrics.Metrics
	// Registry backs GET /metrics and the HTTP request collectors. Nil
	// disables both.
	Registry *prometheus.Registry
	Version  string
}

// Server provides the HTTP endpoints.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	logger  *logging.Logger
	metrics *metrics.Metrics
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host         string
	Port         int
	BodyLimit    string
	AllowOrigins []string
}

// ConfigFrom maps the server section.
func ConfigFrom(cfg config.ServerConfig) *Config {
	return &Config{
		Host:         cfg.Host,
		Port:         cfg.Port,
		BodyLimit:    cfg.BodyLimit,
		AllowOrigins: cfg.AllowOrigins,
	}
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, cfg *Config) (*Server, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("queue is required")
	case deps.Store == nil:
		return nil, errors.New("vector store is required")
	case deps.Uploads == nil:
		return nil, errors.New("upload store is required")
	case deps.Chat == nil:
		return nil, errors.New("chat service is required")
	}
	if err := vectorstore.ValidateCollectionName(deps.Collection); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8000}
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "64M"
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowOrigins = []string{"*"}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(deps.Logger)

	s := &Server{
		echo:    e,
		deps:    deps,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		config:  cfg,
	}

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: cfg.AllowOrigins}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	if deps.Registry != nil {
		e.Use(NewHTTPMetrics(deps.Registry).MetricsMiddleware())
	}
	e.Use(s.requestLogger)

	s.registerRoutes()

	return s, nil
}

// requestLogger puts the request ID on the context and logs every request.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		rid := c.Response().Header().Get(echo.HeaderXRequestID)
		req := c.Request()
		ctx := logging.WithRequestID(req.Context(), rid)
		c.SetRequest(req.WithContext(ctx))

		err := next(c)
		if err != nil {
			// Let the error handler write the response so the status is final.
			c.Error(err)
		}

		s.logger.Info(ctx, "http request",
			zap.String("method", req.Method),
			zap.String("uri", req.RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/", s.handleRoot)
	s.echo.GET("/health", s.handleHealth)
	if s.deps.Registry != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{})))
	}

	s.echo.POST("/upload/pdf", s.handleUploadPDF)
	s.echo.POST("/upload/ytlink", s.handleUploadLink(queue.KindVideo))
	s.echo.POST("/upload/githubrepo", s.handleUploadLink(queue.KindRepo))

	s.echo.GET("/deleteCollections", s.handleDeleteCollection)
	s.echo.GET("/collection", s.handleCollectionInfo)
	s.echo.GET("/chat", s.handleChat)

	s.echo.POST("/sessions", s.handleNewSession)
	s.echo.GET("/jobs/:id", s.handleJobStatus)
	s.echo.GET("/queue", s.handleQueueStats)
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
