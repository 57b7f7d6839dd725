// Package server provides the HTTP API for go-micgrid
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teslashibe/go-micgrid/internal/button"
	"github.com/teslashibe/go-micgrid/internal/config"
	"github.com/teslashibe/go-micgrid/internal/health"
	"github.com/teslashibe/go-micgrid/internal/locate"
	"github.com/teslashibe/go-micgrid/internal/mic"
	"github.com/teslashibe/go-micgrid/internal/peak"
	"github.com/teslashibe/go-micgrid/internal/sink"
)

// Options carries the optional collaborators. Nil fields disable the
// endpoints that need them.
type Options struct {
	Health     *health.Checker
	Button     *button.Monitor
	Dispatcher *sink.Dispatcher
	Gatherer   prometheus.Gatherer
}

// Server is the HTTP server for go-micgrid
type Server struct {
	app     *fiber.App
	cfg     *config.Config
	session *locate.Session
	opts    Options
	logger  *slog.Logger
	wsHub   *WSHub
	version string
}

// New creates a new HTTP server
func New(cfg *config.Config, session *locate.Session, opts Options, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Health == nil {
		opts.Health = health.NewChecker(version)
	}

	app := fiber.New(fiber.Config{
		AppName:               "go-micgrid",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(LoggingMiddleware(logger))

	s := &Server{
		app:     app,
		cfg:     cfg,
		session: session,
		opts:    opts,
		logger:  logger,
		wsHub:   NewWSHub(session, readingsInterval(cfg.Server.ReadingsHz), logger),
		version: version,
	}

	// Register routes
	s.registerRoutes()

	return s
}

func readingsInterval(hz int) time.Duration {
	if hz < 1 {
		hz = 10
	}
	return time.Second / time.Duration(hz)
}

// registerRoutes sets up all API routes
func (s *Server) registerRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/metrics", s.metricsHandler())

	api := s.app.Group("/api")

	api.Get("/readings", s.readingsHandler)

	peaks := api.Group("/peaks")
	peaks.Get("/", s.peaksHandler)
	peaks.Get("/latest", s.latestHandler)
	peaks.Get("/stream", s.wsHub.UpgradeHandler())

	api.Post("/button", s.buttonHandler)

	api.Get("/config", s.configHandler)
	api.Get("/stats", s.statsHandler)
}

// healthHandler returns service health
func (s *Server) healthHandler(c *fiber.Ctx) error {
	return c.JSON(s.opts.Health.GetStatus())
}

// metricsHandler serves the Prometheus registry
func (s *Server) metricsHandler() fiber.Handler {
	if s.opts.Gatherer == nil {
		return func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusServiceUnavailable).SendString("# metrics disabled\n")
		}
	}
	return adaptor.HTTPHandler(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
}

// ReadingsResponse is the body of GET /api/readings
type ReadingsResponse struct {
	Readings      []mic.Reading `json:"readings"`
	State         peak.State    `json:"state"`
	TimeInStateMs int64         `json:"time_in_state_ms"`
	Timestamp     int64         `json:"ts"`
}

// readingsHandler returns every channel as of the last tick
func (s *Server) readingsHandler(c *fiber.Ctx) error {
	stats := s.session.Stats()

	return c.JSON(ReadingsResponse{
		Readings:      s.session.Readings(),
		State:         stats.State,
		TimeInStateMs: stats.TimeInStateMs,
		Timestamp:     time.Now().UnixMilli(),
	})
}

// peaksHandler returns recent reports, oldest first. ?limit=N keeps the
// newest N.
func (s *Server) peaksHandler(c *fiber.Ctx) error {
	history := s.session.History()

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "limit must be a non-negative integer",
			})
		}
		if limit < len(history) {
			history = history[len(history)-limit:]
		}
	}

	return c.JSON(fiber.Map{
		"count": len(history),
		"peaks": history,
	})
}

// latestHandler returns the most recent report
func (s *Server) latestHandler(c *fiber.Ctx) error {
	report, ok := s.session.Latest()
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no peak detected yet",
		})
	}
	return c.JSON(report)
}

// ButtonRequest is the optional body of POST /api/button
type ButtonRequest struct {
	State *uint32 `json:"state"`
}

// buttonHandler feeds an edge to the button monitor. An empty body is a
// press.
func (s *Server) buttonHandler(c *fiber.Ctx) error {
	if s.opts.Button == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "button disabled",
		})
	}

	state := uint32(1)
	if len(c.Body()) > 0 {
		var req ButtonRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": fmt.Sprintf("invalid body: %v", err),
			})
		}
		if req.State != nil {
			state = *req.State
		}
	}

	s.opts.Button.OnInterrupt(state)

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"state": state,
		"count": s.opts.Button.Count(),
	})
}

// configHandler returns the effective configuration without credentials
func (s *Server) configHandler(c *fiber.Ctx) error {
	cfg := s.cfg

	return c.JSON(fiber.Map{
		"server": fiber.Map{
			"port":             cfg.Server.Port,
			"read_timeout_ms":  cfg.Server.ReadTimeout.Milliseconds(),
			"write_timeout_ms": cfg.Server.WriteTimeout.Milliseconds(),
			"readings_hz":      cfg.Server.ReadingsHz,
		},
		"sampling": fiber.Map{
			"poll_interval_ms": cfg.Sampling.PollInterval.Milliseconds(),
			"window_size":      cfg.Sampling.WindowSize,
			"midpoint":         cfg.Sampling.Midpoint,
			"adc_bits":         cfg.Sampling.ADCBits,
			"history_size":     cfg.Sampling.HistorySize,
		},
		"detector": fiber.Map{
			"threshold":      cfg.Detector.Threshold,
			"stuck_after_ms": cfg.Detector.StuckAfter.Milliseconds(),
		},
		"source": fiber.Map{
			"kind":     cfg.Source.Kind,
			"fallback": cfg.Source.Fallback,
			"pins": fiber.Map{
				"top_left":     cfg.Source.Pins.TopLeft,
				"top_right":    cfg.Source.Pins.TopRight,
				"bottom_left":  cfg.Source.Pins.BottomLeft,
				"bottom_right": cfg.Source.Pins.BottomRight,
			},
		},
		"sinks": fiber.Map{
			"log":    cfg.Sinks.Log,
			"mqtt":   cfg.Sinks.MQTT.Enabled,
			"notify": cfg.Sinks.Notify.Enabled,
			"cloud":  cfg.Sinks.Cloud.Enabled,
		},
	})
}

// StatsResponse is the body of GET /api/stats
type StatsResponse struct {
	Session          locate.Stats          `json:"session"`
	Button           *button.Stats         `json:"button,omitempty"`
	Sinks            *sink.DispatcherStats `json:"sinks,omitempty"`
	WebSocketClients int                   `json:"websocket_clients"`
}

// statsHandler returns pipeline statistics
func (s *Server) statsHandler(c *fiber.Ctx) error {
	return c.JSON(s.stats())
}

func (s *Server) stats() StatsResponse {
	resp := StatsResponse{
		Session:          s.session.Stats(),
		WebSocketClients: s.wsHub.ClientCount(),
	}
	if s.opts.Button != nil {
		b := s.opts.Button.Stats()
		resp.Button = &b
	}
	if s.opts.Dispatcher != nil {
		d := s.opts.Dispatcher.Stats()
		resp.Sinks = &d
	}
	return resp
}

// Start starts the HTTP server on the configured port
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		"port", s.cfg.Server.Port,
	)

	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Server.Port))
}

// Serve serves on an existing listener
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting HTTP server",
		"addr", ln.Addr().String(),
	)

	return s.app.Listener(ln)
}

// WSHub returns the WebSocket hub for external control
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close WebSocket hub
	s.wsHub.Close()

	// Shutdown Fiber with timeout from context
	done := make(chan error, 1)
	go func() {
		done <- s.app.Shutdown()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
