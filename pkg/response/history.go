package response

import "github.com/teslashibe/go-voiceloop/pkg/inference"

// AddMessage appends a message to the history. A system message replaces
// any existing one and is always kept at index 0.
func (g *Generator) AddMessage(role inference.Role, content string) {
	g.histMu.Lock()
	defer g.histMu.Unlock()

	if role != inference.RoleSystem {
		g.history = append(g.history, inference.Message{Role: role, Content: content})
		return
	}

	kept := make([]inference.Message, 0, len(g.history)+1)
	kept = append(kept, inference.NewSystemMessage(content))
	for _, m := range g.history {
		if m.Role != inference.RoleSystem {
			kept = append(kept, m)
		}
	}
	g.history = kept
}

// SetSystemPrompt replaces the system message. An empty prompt removes it.
func (g *Generator) SetSystemPrompt(prompt string) {
	if prompt != "" {
		g.AddMessage(inference.RoleSystem, prompt)
		return
	}

	g.histMu.Lock()
	defer g.histMu.Unlock()
	kept := g.history[:0]
	for _, m := range g.history {
		if m.Role != inference.RoleSystem {
			kept = append(kept, m)
		}
	}
	g.history = kept
}

// SystemPrompt returns the current system prompt, or "".
func (g *Generator) SystemPrompt() string {
	g.histMu.Lock()
	defer g.histMu.Unlock()
	if len(g.history) > 0 && g.history[0].Role == inference.RoleSystem {
		return g.history[0].Content
	}
	return ""
}

// History returns a copy of the conversation history.
func (g *Generator) History() []inference.Message {
	g.histMu.Lock()
	defer g.histMu.Unlock()
	out := make([]inference.Message, len(g.history))
	copy(out, g.history)
	return out
}

// ClearHistory drops every message except the system prompt.
func (g *Generator) ClearHistory() {
	g.histMu.Lock()
	defer g.histMu.Unlock()
	if len(g.history) > 0 && g.history[0].Role == inference.RoleSystem {
		g.history = g.history[:1]
		return
	}
	g.history = nil
}
