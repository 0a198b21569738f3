package web

import (
	"encoding/json"
	"time"

	contribws "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-voiceloop/pkg/audioio"
	"github.com/teslashibe/go-voiceloop/pkg/events"
	"github.com/teslashibe/go-voiceloop/pkg/hub"
)

// TopicSnapshot tags the envelope sent to a feed client on connect.
const TopicSnapshot events.Topic = "conversation.snapshot"

// Envelope wraps a bus event on the event feed.
type Envelope struct {
	Type events.Topic `json:"type"`
	Time time.Time    `json:"time"`
	Data any          `json:"data"`
}

// ConversationEntry is one line of the displayed transcript.
type ConversationEntry struct {
	Time       time.Time `json:"time"`
	Role       string    `json:"role"`
	ResponseID string    `json:"response_id,omitempty"`
	Message    string    `json:"message"`
}

func (s *Server) onEvent(e events.Event) {
	switch ev := e.(type) {
	case events.UserMessage:
		s.addConversation("user", "", ev.Text)
	case events.AssistantMessage:
		s.addConversation("assistant", ev.ResponseID, ev.Text)
	case events.BotError:
		s.addConversation("error", "", ev.Source+": "+ev.Reason)
	}

	if !s.eventHub.IsRunning() || s.eventHub.ClientCount() == 0 {
		return
	}
	data, err := json.Marshal(Envelope{Type: e.Topic(), Time: time.Now(), Data: e})
	if err != nil {
		s.logger.Warn("encode event", "topic", e.Topic(), "error", err)
		return
	}
	s.eventHub.Broadcast(hub.NewJSONMessage(data))
}

func (s *Server) addConversation(role, responseID, message string) {
	entry := ConversationEntry{
		Time:       time.Now(),
		Role:       role,
		ResponseID: responseID,
		Message:    message,
	}
	s.convMu.Lock()
	s.conversation = append(s.conversation, entry)
	if len(s.conversation) > s.cfg.ConversationLimit {
		s.conversation = s.conversation[1:]
	}
	s.convMu.Unlock()
}

func (s *Server) clearConversation() {
	s.convMu.Lock()
	s.conversation = s.conversation[:0]
	s.convMu.Unlock()
}

// Conversation returns the retained transcript, oldest first.
func (s *Server) Conversation() []ConversationEntry {
	s.convMu.RLock()
	defer s.convMu.RUnlock()
	out := make([]ConversationEntry, len(s.conversation))
	copy(out, s.conversation)
	return out
}

// handleEventsWS sends a snapshot, then every bus event.
func (s *Server) handleEventsWS(c *websocket.Conn) {
	snapshot, err := json.Marshal(Envelope{
		Type: TopicSnapshot,
		Time: time.Now(),
		Data: s.deps.Controller.Snapshot(),
	})
	if err != nil {
		s.logger.Warn("encode snapshot", "error", err)
		return
	}
	client := hub.NewClient(s.eventHub, c, hub.NewJSONMessage(snapshot))
	if client == nil {
		return
	}
	client.Run()
}

// handleAudioWS streams played audio as binary Opus packets.
func (s *Server) handleAudioWS(c *contribws.Conn) {
	client := hub.NewClient(s.audioHub, c)
	if client == nil {
		return
	}
	client.Run()
}

// attachMonitor taps the playback sink and keeps the encoder aligned with
// response boundaries.
func (s *Server) attachMonitor() func() {
	enc := s.deps.Encoder
	removeTap := s.deps.Monitor.AddTap(func(frame audioio.Frame) {
		if s.audioHub.ClientCount() == 0 {
			return
		}
		packets, err := enc.Write(frame)
		if err != nil {
			s.logger.Debug("encode audio", "error", err)
		}
		for _, p := range packets {
			s.audioHub.BroadcastBinary(p.Data)
		}
	})
	unsubEnded := events.On(s.deps.Bus, func(events.SpeechEnded) {
		packets, err := enc.Flush()
		if err != nil {
			s.logger.Debug("flush audio", "error", err)
		}
		for _, p := range packets {
			s.audioHub.BroadcastBinary(p.Data)
		}
	})
	unsubCleared := events.On(s.deps.Bus, func(events.SpeechCleared) {
		enc.Reset()
	})
	return func() {
		removeTap()
		unsubEnded()
		unsubCleared()
	}
}
