// Package api serves the health, status and seen-set endpoints.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bakkerme/repology-notify/internal/core"
	"github.com/bakkerme/repology-notify/internal/dedupe"
)

const Version = "0.1.0"

// StatusProvider is the view of the runner the server needs.
type StatusProvider interface {
	LastCycle() *core.Cycle
	SeenSet(ctx context.Context) (dedupe.SeenSet, error)
	ChannelNames() []string
	BreakerStates() map[string]string
	RunOnce(ctx context.Context) (*core.Cycle, error)
}

type Server struct {
	logger   *slog.Logger
	provider StatusProvider
	echo     *echo.Echo
}

func NewServer(logger *slog.Logger, provider StatusProvider) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	server := &Server{
		logger:   logger,
		provider: provider,
		echo:     e,
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group("/api/v1")
	api.GET("/health", s.handleHealth)
	api.GET("/status", s.handleStatus)
	api.GET("/seen", s.handleSeen)
	api.POST("/run", s.handleRun)
}

// Handler exposes the routes for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("status server listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "repology-notify",
	})
}

func (s *Server) handleStatus(c echo.Context) error {
	status := "idle"
	last := s.provider.LastCycle()
	if last != nil {
		status = string(last.Status)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":     status,
		"version":    Version,
		"channels":   s.provider.ChannelNames(),
		"breakers":   s.provider.BreakerStates(),
		"last_cycle": last,
	})
}

type seenEntry struct {
	Identity string            `json:"identity"`
	Channels map[string]string `json:"channels"`
}

func (s *Server) handleSeen(c echo.Context) error {
	seen, err := s.provider.SeenSet(c.Request().Context())
	if err != nil {
		var corrupt *dedupe.StoreCorruptError
		if errors.As(err, &corrupt) {
			return echo.NewHTTPError(http.StatusInternalServerError, "seen-set is corrupt: "+corrupt.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	entries := make([]seenEntry, 0, len(seen))
	for identity, record := range seen {
		entries = append(entries, seenEntry{Identity: identity, Channels: record.Channels})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Identity < entries[j].Identity })
	return c.JSON(http.StatusOK, map[string]interface{}{
		"count":    len(entries),
		"packages": entries,
	})
}

func (s *Server) handleRun(c echo.Context) error {
	cycle, err := s.provider.RunOnce(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]interface{}{
			"error": err.Error(),
			"cycle": cycle,
		})
	}
	return c.JSON(http.StatusOK, cycle)
}
