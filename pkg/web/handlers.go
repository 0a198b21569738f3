package web

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-voiceloop/pkg/conversation"
	"github.com/teslashibe/go-voiceloop/pkg/metrics"
)

// Status is the body of GET /api/status.
type Status struct {
	Conversation conversation.Snapshot `json:"conversation"`
	LastTurn     *metrics.Turn         `json:"last_turn,omitempty"`
	AverageTurn  *metrics.Turn         `json:"average_turn,omitempty"`
	Published    uint64                `json:"events_published"`
	Panics       uint64                `json:"handler_panics"`
	EventClients int                   `json:"event_clients"`
	AudioClients int                   `json:"audio_clients"`
}

// SpeakRequest is the body of POST /api/speak.
type SpeakRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	published, panics := s.deps.Bus.Stats()
	status := Status{
		Conversation: s.deps.Controller.Snapshot(),
		Published:    published,
		Panics:       panics,
		EventClients: s.eventHub.ClientCount(),
		AudioClients: s.audioHub.ClientCount(),
	}
	if s.deps.Metrics != nil {
		turns := s.deps.Metrics.Turns()
		if history := turns.History(); len(history) > 0 {
			last := history[len(history)-1]
			avg := turns.Average()
			status.LastTurn = &last
			status.AverageTurn = &avg
		}
	}
	return c.JSON(status)
}

func (s *Server) handleConversation(c *fiber.Ctx) error {
	return c.JSON(s.Conversation())
}

func (s *Server) handleHistory(c *fiber.Ctx) error {
	if s.deps.History == nil {
		return fiber.ErrNotFound
	}
	return c.JSON(s.deps.History.History())
}

func (s *Server) handleClearHistory(c *fiber.Ctx) error {
	if s.deps.History == nil {
		return fiber.ErrNotFound
	}
	s.deps.History.ClearHistory()
	s.clearConversation()
	s.logger.Info("history cleared")
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleListening(action func() error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := action(); err != nil {
			return s.controlError(c, err)
		}
		return c.JSON(s.deps.Controller.Snapshot())
	}
}

func (s *Server) handleInterrupt(c *fiber.Ctx) error {
	interrupted := s.deps.Controller.Interrupt()
	return c.JSON(fiber.Map{"interrupted": interrupted})
}

func (s *Server) handleSpeak(c *fiber.Ctx) error {
	var req SpeakRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	if strings.TrimSpace(req.Text) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "text is required"})
	}
	id, err := s.deps.Controller.Speak(req.Text)
	if err != nil {
		return s.controlError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"id": id})
}

// controlError maps orchestrator refusals to HTTP statuses.
func (s *Server) controlError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, conversation.ErrSpeaking), errors.Is(err, conversation.ErrResponding):
		status = fiber.StatusConflict
	case errors.Is(err, conversation.ErrNoSource), errors.Is(err, conversation.ErrClosed):
		status = fiber.StatusServiceUnavailable
	default:
		s.logger.Warn("control request failed", "path", c.Path(), "error", err)
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
