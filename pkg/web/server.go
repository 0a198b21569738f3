// Package web exposes the conversation to presentation layers: a JSON
// control API, a websocket feed of every bus event, a websocket monitor of
// the played audio as Opus packets, and the Prometheus endpoint.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	contribws "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-voiceloop/pkg/audioio"
	"github.com/teslashibe/go-voiceloop/pkg/codec"
	"github.com/teslashibe/go-voiceloop/pkg/conversation"
	"github.com/teslashibe/go-voiceloop/pkg/events"
	"github.com/teslashibe/go-voiceloop/pkg/hub"
	"github.com/teslashibe/go-voiceloop/pkg/inference"
	"github.com/teslashibe/go-voiceloop/pkg/metrics"
)

// Config configures the server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr" json:"addr" mapstructure:"addr"`

	// StaticDir, when set, is served at "/".
	StaticDir string `yaml:"static_dir" json:"static_dir" mapstructure:"static_dir"`

	// ConversationLimit caps the retained transcript.
	ConversationLimit int `yaml:"conversation_limit" json:"conversation_limit" mapstructure:"conversation_limit"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" mapstructure:"shutdown_timeout"`

	Logger *slog.Logger `yaml:"-" json:"-" mapstructure:"-"`
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		ConversationLimit: 100,
		ShutdownTimeout:   5 * time.Second,
	}
}

// Controller is the conversation surface driven by the control API.
type Controller interface {
	StartListening() error
	StopListening() error
	ToggleListening() error
	Interrupt() bool
	Speak(text string) (string, error)
	Snapshot() conversation.Snapshot
}

// HistoryStore exposes the model conversation history.
type HistoryStore interface {
	History() []inference.Message
	ClearHistory()
}

// AudioEncoder packs played audio into packets for the monitor feed.
type AudioEncoder interface {
	Write(frame audioio.Frame) ([]codec.Packet, error)
	Flush() ([]codec.Packet, error)
	Reset()
}

// Deps are the components the server reads from and drives. Bus and
// Controller are required; the rest enable optional routes.
type Deps struct {
	Bus        *events.Bus
	Controller Controller
	History    HistoryStore
	Metrics    *metrics.Recorder

	// Monitor and Encoder enable /ws/audio.
	Monitor *audioio.TeeSink
	Encoder AudioEncoder
}

// Server is the presentation and control server.
type Server struct {
	cfg    Config
	deps   Deps
	app    *fiber.App
	logger *slog.Logger

	eventHub *hub.Hub
	audioHub *hub.Hub

	convMu       sync.RWMutex
	conversation []ConversationEntry

	unsubs []func()
}

// New builds the server and subscribes it to the bus.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Bus == nil || deps.Controller == nil {
		return nil, errors.New("web: bus and controller are required")
	}
	if cfg.ConversationLimit <= 0 {
		cfg.ConversationLimit = DefaultConfig().ConversationLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:          cfg,
		deps:         deps,
		logger:       logger.With("component", "web.server"),
		eventHub:     hub.New("events", logger),
		audioHub:     hub.New("audio", logger),
		conversation: make([]ConversationEntry, 0, cfg.ConversationLimit),
	}

	app := fiber.New(fiber.Config{
		AppName:               "voiceloop",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/conversation", s.handleConversation)
	api.Get("/history", s.handleHistory)
	api.Post("/history/clear", s.handleClearHistory)
	api.Post("/listening/start", s.handleListening(deps.Controller.StartListening))
	api.Post("/listening/stop", s.handleListening(deps.Controller.StopListening))
	api.Post("/listening/toggle", s.handleListening(deps.Controller.ToggleListening))
	api.Post("/interrupt", s.handleInterrupt)
	api.Post("/speak", s.handleSpeak)

	if deps.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(deps.Metrics.Handler()))
	}

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(s.handleEventsWS))
	if deps.Monitor != nil && deps.Encoder != nil {
		app.Get("/ws/audio", contribws.New(s.handleAudioWS))
		s.unsubs = append(s.unsubs, s.attachMonitor())
	}

	if cfg.StaticDir != "" {
		app.Static("/", cfg.StaticDir)
	}

	s.unsubs = append(s.unsubs, deps.Bus.SubscribeAll(s.onEvent))
	s.app = app
	return s, nil
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Start listens on cfg.Addr and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hubCtx, stopHubs := context.WithCancel(ctx)
	defer stopHubs()
	go func() { _ = s.eventHub.Run(hubCtx) }()
	go func() { _ = s.audioHub.Run(hubCtx) }()

	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listener(ln) }()
	s.logger.Info("web server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Hubs stop first so websocket handlers unwind before fiber waits on them.
	stopHubs()
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	if err := s.app.ShutdownWithTimeout(timeout); err != nil {
		s.logger.Warn("web shutdown", "error", err)
	}
	<-errCh
	return nil
}

// EventClients returns the number of connected event feed clients.
func (s *Server) EventClients() int { return s.eventHub.ClientCount() }

// AudioClients returns the number of connected audio monitor clients.
func (s *Server) AudioClients() int { return s.audioHub.ClientCount() }

// Close unsubscribes from the bus and the monitor.
func (s *Server) Close() error {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	return nil
}
