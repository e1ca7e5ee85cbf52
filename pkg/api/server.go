package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/cluster"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/migrate"
	"github.com/cuemby/hutch/pkg/router"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/types"
)

// Options wires a server to the station's moving parts. Registry and
// Migrator are nil on workers.
type Options struct {
	Self     types.Station
	Version  string
	Runtime  *runtime.Runtime
	Source   cluster.Source
	Registry *cluster.Registry
	Router   *router.Router
	Bundles  *migrate.Manager
	Migrator *migrate.Orchestrator
}

// Server is one station's HTTP surface.
type Server struct {
	self     types.Station
	version  string
	rt       *runtime.Runtime
	source   cluster.Source
	registry *cluster.Registry
	router   *router.Router
	bundles  *migrate.Manager
	migrator *migrate.Orchestrator

	echo      *echo.Echo
	logger    zerolog.Logger
	startedAt time.Time
}

// NewServer builds the echo application with all routes registered.
func NewServer(opts Options) *Server {
	s := &Server{
		self:      opts.Self,
		version:   opts.Version,
		rt:        opts.Runtime,
		source:    opts.Source,
		registry:  opts.Registry,
		router:    opts.Router,
		bundles:   opts.Bundles,
		migrator:  opts.Migrator,
		logger:    log.WithComponent("api"),
		startedAt: time.Now(),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit("50M"))
	e.Use(middleware.CORS())
	e.Use(s.requestLogger)

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	e.GET("/objects", s.handleListObjects)
	e.GET("/objects/:addr", s.handleObjectGet)
	e.POST("/objects/:addr", s.handleObjectPost)
	e.PUT("/objects/:addr", s.handleObjectPut)
	e.DELETE("/objects/:addr", s.handleObjectDelete)

	e.GET("/cluster/info", s.handleClusterInfo)
	e.GET("/cluster/heartbeat", s.handleHeartbeatEcho)
	e.POST("/cluster/replicate", s.handleReplicateState)
	e.POST("/cluster/append_log", s.handleAppendLog)
	e.POST("/cluster/replicate_file", s.handleReplicateFile)
	e.GET("/cluster/replicate_file", s.handleReplicateFileEcho)
	e.POST("/cluster/export", s.handleExport)
	e.POST("/cluster/import", s.handleImport)
	e.POST("/cluster/purge", s.handlePurge)

	// Registry routes live on the master only.
	if s.registry != nil {
		e.GET("/cluster/stations", s.handleStations)
		e.POST("/cluster/stations", s.handleRegisterStation)
		e.POST("/cluster/heartbeat", s.handleHeartbeat)
		e.POST("/cluster/migrate", s.handleMigrate)
	}

	s.echo = e
	return s
}

// Echo exposes the underlying application, for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.self.Port)
	s.logger.Info().
		Str("station_id", s.self.StationID).
		Str("addr", addr).
		Msg("HTTP surface listening")
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// requestLogger emits one zerolog event per request and feeds the
// latency histogram.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		timer := metrics.NewTimer()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		kind := "system"
		switch {
		case strings.HasPrefix(c.Path(), "/objects"):
			kind = "object"
		case strings.HasPrefix(c.Path(), "/cluster"):
			kind = "cluster"
		}
		timer.ObserveDurationVec(metrics.RequestDuration, kind)
		s.logger.Info().
			Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Int("status", c.Response().Status).
			Dur("duration", timer.Duration()).
			Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
			Msg("Request")
		return nil
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"station_id":     s.self.StationID,
		"role":           string(types.RoleOf(s.self.StationID)),
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"version":        s.version,
	})
}

// fail renders the error envelope every failure shares.
func fail(c echo.Context, status int, format string, args ...interface{}) error {
	return c.JSON(status, map[string]interface{}{
		"status":  "error",
		"message": fmt.Sprintf(format, args...),
	})
}
