package conversation

// State is the turn-taking state of a conversation.
type State string

const (
	StateIdle            State = "idle"
	StateListening       State = "listening"
	StateListeningPaused State = "listening_paused"
	StateProcessing      State = "processing"
	StateThinking        State = "thinking"
	StateSpeaking        State = "speaking"
)

func (s State) String() string { return string(s) }

// listeningState reports whether s only describes the capture side. These
// updates are suppressed while a response is in progress so the turn
// states are not overwritten by listener bookkeeping.
func (s State) listeningState() bool {
	switch s {
	case StateListening, StateListeningPaused, StateProcessing:
		return true
	}
	return false
}
