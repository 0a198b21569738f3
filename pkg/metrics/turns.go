package metrics

import (
	"sync"
	"time"
)

// maxTurns bounds the turn history kept for averaging.
const maxTurns = 100

// Turn tracks latency through one conversation turn. Latencies are measured
// from the moment the utterance was captured (the user stopped talking).
type Turn struct {
	UtteranceID string `json:"utterance_id,omitempty"`
	ResponseID  string `json:"response_id,omitempty"`

	UtteranceTime  time.Time `json:"utterance_time"`
	TranscriptTime time.Time `json:"transcript_time"`
	FirstTokenTime time.Time `json:"first_token_time"`
	FirstAudioTime time.Time `json:"first_audio_time"`
	DoneTime       time.Time `json:"done_time"`

	TranscriptLatency time.Duration `json:"transcript_latency"`
	FirstTokenLatency time.Duration `json:"first_token_latency"`
	FirstAudioLatency time.Duration `json:"first_audio_latency"`
	TotalLatency      time.Duration `json:"total_latency"`

	Tokens       int    `json:"tokens"`
	Units        int    `json:"units"`
	ChunksPlayed int    `json:"chunks_played"`
	Outcome      string `json:"outcome,omitempty"`
}

// FormatLatency returns a one-line summary of the turn latencies.
func (t Turn) FormatLatency() string {
	return formatDuration(t.TranscriptLatency) + " ASR | " +
		formatDuration(t.FirstTokenLatency) + " LLM | " +
		formatDuration(t.FirstAudioLatency) + " TTS | " +
		formatDuration(t.TotalLatency) + " TOTAL"
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "---ms"
	}
	return d.Round(time.Millisecond).String()
}

// TurnTracker collects per-turn latencies. It is safe for concurrent use.
type TurnTracker struct {
	mu      sync.Mutex
	current *Turn
	history []Turn
	now     func() time.Time
}

// NewTurnTracker creates an empty tracker.
func NewTurnTracker() *TurnTracker {
	return &TurnTracker{
		history: make([]Turn, 0, maxTurns),
		now:     time.Now,
	}
}

// Begin starts a new turn, discarding an unfinished one.
func (t *TurnTracker) Begin(utteranceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = &Turn{UtteranceID: utteranceID, UtteranceTime: t.now()}
}

// MarkTranscript records the transcript. A transcript without a captured
// utterance starts the turn itself.
func (t *TurnTracker) MarkTranscript() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if t.current == nil {
		t.current = &Turn{UtteranceTime: now}
	}
	t.current.TranscriptTime = now
	t.current.TranscriptLatency = now.Sub(t.current.UtteranceTime)
}

// BindResponse associates the current turn with a response.
func (t *TurnTracker) BindResponse(responseID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil && t.current.ResponseID == "" {
		t.current.ResponseID = responseID
	}
}

// MarkToken counts a generated token. For the first token of the turn it
// returns the latency and true.
func (t *TurnTracker) MarkToken(responseID string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.match(responseID)
	if cur == nil {
		return 0, false
	}
	cur.Tokens++
	if !cur.FirstTokenTime.IsZero() {
		return 0, false
	}
	cur.FirstTokenTime = t.now()
	cur.FirstTokenLatency = cur.FirstTokenTime.Sub(cur.UtteranceTime)
	return cur.FirstTokenLatency, true
}

// MarkUnits records the number of speech units of the response.
func (t *TurnTracker) MarkUnits(responseID string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur := t.match(responseID); cur != nil {
		cur.Units = n
	}
}

// MarkAudio counts a played chunk. For the first chunk of the turn it
// returns the latency and true.
func (t *TurnTracker) MarkAudio(responseID string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.match(responseID)
	if cur == nil {
		return 0, false
	}
	cur.ChunksPlayed++
	if !cur.FirstAudioTime.IsZero() {
		return 0, false
	}
	cur.FirstAudioTime = t.now()
	cur.FirstAudioLatency = cur.FirstAudioTime.Sub(cur.UtteranceTime)
	return cur.FirstAudioLatency, true
}

// Finish archives the turn of responseID with outcome.
func (t *TurnTracker) Finish(responseID, outcome string) (Turn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.match(responseID)
	if cur == nil {
		return Turn{}, false
	}
	cur.DoneTime = t.now()
	cur.TotalLatency = cur.DoneTime.Sub(cur.UtteranceTime)
	cur.Outcome = outcome

	t.history = append(t.history, *cur)
	if len(t.history) > maxTurns {
		t.history = t.history[1:]
	}
	t.current = nil
	return t.history[len(t.history)-1], true
}

// match returns the current turn if it belongs to responseID.
func (t *TurnTracker) match(responseID string) *Turn {
	if t.current == nil || t.current.ResponseID != responseID {
		return nil
	}
	return t.current
}

// Current returns the turn in progress.
func (t *TurnTracker) Current() (Turn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return Turn{}, false
	}
	return *t.current, true
}

// History returns the finished turns, oldest first.
func (t *TurnTracker) History() []Turn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Turn, len(t.history))
	copy(out, t.history)
	return out
}

// Average returns mean latencies over the finished turns.
func (t *TurnTracker) Average() Turn {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.history) == 0 {
		return Turn{}
	}

	var avg Turn
	for _, h := range t.history {
		avg.TranscriptLatency += h.TranscriptLatency
		avg.FirstTokenLatency += h.FirstTokenLatency
		avg.FirstAudioLatency += h.FirstAudioLatency
		avg.TotalLatency += h.TotalLatency
	}

	n := time.Duration(len(t.history))
	avg.TranscriptLatency /= n
	avg.FirstTokenLatency /= n
	avg.FirstAudioLatency /= n
	avg.TotalLatency /= n
	return avg
}
