// Package web serves the kiosk display: REST endpoints, a live status
// websocket and prometheus metrics.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teslashibe/go-greeter/pkg/flow"
	"github.com/teslashibe/go-greeter/pkg/hub"
	"github.com/teslashibe/go-greeter/pkg/inventory"
	"github.com/teslashibe/go-greeter/pkg/journal"
	"github.com/teslashibe/go-greeter/pkg/serial"
)

// Websocket envelope kinds.
const (
	KindStatus     = "status"
	KindTransition = "transition"
	KindSerial     = "serial"
	KindInventory  = "inventory"
)

// ErrUnavailable is returned by a Controller when a subsystem is not running.
var ErrUnavailable = errors.New("web: unavailable")

// SerialStatus describes the payment terminal link.
type SerialStatus struct {
	Connected bool      `json:"connected"`
	Fake      bool      `json:"fake"`
	LastRx    time.Time `json:"last_rx,omitempty"`
	LastLine  string    `json:"last_line,omitempty"`
}

// Status is what the display renders.
type Status struct {
	Session   string             `json:"session"`
	State     flow.State         `json:"state"`
	Since     time.Time          `json:"since"`
	Present   bool               `json:"present"`
	Score     float64            `json:"score"`
	Engine    string             `json:"engine"`
	Serial    SerialStatus       `json:"serial"`
	Inventory inventory.Snapshot `json:"inventory"`
	SoldOut   []string           `json:"sold_out,omitempty"`
}

// Controller is the kiosk as seen by the display server.
type Controller interface {
	Status() Status
	Pay() bool
	Speak(ctx context.Context, text string) error
	PingSerial() error
	SerialLog() []serial.Entry
	SetInventory(snap inventory.Snapshot) bool
	Events(ctx context.Context, limit int) ([]journal.Event, error)
}

// Server is the display server.
type Server struct {
	app    *fiber.App
	addr   string
	ctrl   Controller
	hub    *hub.Hub
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	static string
	logger *slog.Logger
}

// WithStatic serves the display page assets from dir.
func WithStatic(dir string) Option {
	return func(o *serverOptions) { o.static = dir }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *serverOptions) { o.logger = l }
}

// NewServer creates a display server listening on addr.
func NewServer(addr string, ctrl Controller, opts ...Option) *Server {
	o := serverOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("component", "web")

	s := &Server{
		addr:   addr,
		ctrl:   ctrl,
		hub:    hub.New("status", o.logger),
		logger: logger,
	}

	app := fiber.New(fiber.Config{
		AppName:               "Greeter Display",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Post("/pay", s.handlePay)
	api.Post("/speak", s.handleSpeak)
	api.Post("/serial/ping", s.handleSerialPing)
	api.Get("/serial/log", s.handleSerialLog)
	api.Put("/inventory", s.handleSetInventory)
	api.Get("/events", s.handleEvents)

	app.Get("/healthz", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", websocket.New(s.handleStatusWS))

	if o.static != "" {
		app.Static("/", o.static)
	}

	s.app = app
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Hub returns the status broadcast hub.
func (s *Server) Hub() *hub.Hub {
	return s.hub
}

// Start runs the hub and listens on the configured address until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.hub.Run(ctx)
	s.logger.Info("display server listening", "addr", ln.Addr().String())
	return s.app.Listener(ln)
}

// Shutdown stops accepting connections and closes open ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// PublishStatus pushes a status snapshot to display clients.
func (s *Server) PublishStatus(st Status) {
	s.publish(KindStatus, st)
}

// PublishTransition pushes a flow transition to display clients.
func (s *Server) PublishTransition(tr flow.Transition) {
	s.publish(KindTransition, tr)
}

// PublishSerial pushes a serial log entry to display clients.
func (s *Server) PublishSerial(e serial.Entry) {
	s.publish(KindSerial, e)
}

// PublishInventory pushes an inventory snapshot to display clients.
func (s *Server) PublishInventory(snap inventory.Snapshot) {
	s.publish(KindInventory, snap)
}

func (s *Server) publish(kind string, v any) {
	if err := s.hub.Publish(kind, v); err != nil {
		s.logger.Warn("publish failed", "kind", kind, "error", err)
	}
}
