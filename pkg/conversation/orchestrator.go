// Package conversation runs the turn-taking state machine of the voice
// loop.
//
// The Orchestrator listens to every stage of the pipeline on the event bus
// and decides when capture may run. A user turn moves the conversation
// through Listening, Processing, Thinking and Speaking and back to
// Listening. The orchestrator owns the "response in progress" guard, which
// spans generation and playback: transcripts arriving while it is held, or
// while speech is playing, are ignored so the assistant never answers
// itself.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-voiceloop/pkg/audioio"
	"github.com/teslashibe/go-voiceloop/pkg/events"
)

// Listener is the capture side of the conversation.
type Listener interface {
	Start(ctx context.Context, src audioio.Source) error
	Stop() error
	Pause() bool
	Resume() bool
	IsListening() bool
	IsPaused() bool
}

// Generator produces one response at a time.
type Generator interface {
	// Generate starts a response and returns its ID, or "" when one is
	// already running.
	Generate(ctx context.Context, userText string) string
	Cancel() bool
	IsGenerating() bool
}

// Speaker plays synthesized responses.
type Speaker interface {
	IsSpeaking() bool
	WaitForCompletion(ctx context.Context) error
	Clear()
}

// Components are the pipeline stages driven by an Orchestrator.
type Components struct {
	Listener  Listener
	Source    audioio.Source
	Generator Generator
	Speaker   Speaker
}

// Snapshot is a point-in-time view of the conversation.
type Snapshot struct {
	State           State     `json:"state"`
	Listening       bool      `json:"listening"`
	ListeningPaused bool      `json:"listening_paused"`
	Responding      bool      `json:"responding"`
	Speaking        bool      `json:"speaking"`
	ResponseID      string    `json:"response_id,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Orchestrator coordinates listening, responding and speaking.
type Orchestrator struct {
	listener Listener
	source   audioio.Source
	gen      Generator
	speaker  Speaker
	bus      *events.Bus
	cfg      Config
	logger   *slog.Logger

	mu            sync.Mutex
	state         State
	updated       time.Time
	responding    bool
	responseID    string
	wantListening bool
	closed        bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsubs []func()
}

// New creates an orchestrator and subscribes it to bus. Listening does not
// start until StartListening is called.
func New(c Components, bus *events.Bus, cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if c.Listener == nil || c.Generator == nil || c.Speaker == nil {
		return nil, errors.New("conversation: listener, generator and speaker are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		listener: c.Listener,
		source:   c.Source,
		gen:      c.Generator,
		speaker:  c.Speaker,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With("component", "conversation.orchestrator"),
		state:    StateIdle,
		updated:  time.Now(),
		ctx:      ctx,
		cancel:   cancel,
	}

	o.unsubs = []func(){
		events.On(bus, func(events.ListeningStarted) { o.setState(StateListening) }),
		events.On(bus, func(events.ListeningStopped) { o.setState(StateIdle) }),
		events.On(bus, func(events.ListeningPaused) { o.setState(StateListeningPaused) }),
		events.On(bus, func(events.ListeningResumed) { o.setState(StateListening) }),
		events.On(bus, o.onListeningError),
		events.On(bus, o.onTranscriptionStarted),
		events.On(bus, o.onTranscription),
		events.On(bus, o.onTranscriptionError),
		events.On(bus, o.onTranscriptionFinished),
		events.On(bus, o.onResponseStarted),
		events.On(bus, o.onResponseChunk),
		events.On(bus, o.onResponseCompleted),
		events.On(bus, o.onResponseError),
		events.On(bus, func(e events.ResponseCancelled) { o.finishTurn(e.ResponseID) }),
		events.On(bus, o.onSpeechStarted),
		events.On(bus, func(events.SpeechEnded) { o.afterSpeech("speech ended") }),
		events.On(bus, func(events.SpeechCleared) { o.afterSpeech("speech cleared") }),
	}
	return o, nil
}

// setState records a transition and publishes StateChanged. Listener-only
// states are ignored while a response is in progress.
func (o *Orchestrator) setState(to State) {
	o.mu.Lock()
	if o.closed || (o.responding && to.listeningState()) {
		o.mu.Unlock()
		return
	}
	from := o.state
	if from == to {
		o.mu.Unlock()
		return
	}
	o.state = to
	o.updated = time.Now()
	o.mu.Unlock()

	o.logger.Info("state changed", "from", from, "to", to)
	o.bus.Publish(events.StateChanged{From: string(from), To: string(to)})
}

// listenerState maps the listener onto a conversation state.
func (o *Orchestrator) listenerState() State {
	switch {
	case !o.listener.IsListening():
		return StateIdle
	case o.listener.IsPaused():
		return StateListeningPaused
	default:
		return StateListening
	}
}

func (o *Orchestrator) report(source, reason string, err error) {
	o.logger.Warn(reason, "source", source, "error", err)
	o.bus.Publish(events.BotError{Source: source, Reason: reason, Err: err})
}

func (o *Orchestrator) onListeningError(e events.ListeningError) {
	o.report("listener", e.Reason, e.Err)
	o.setState(StateIdle)
}

func (o *Orchestrator) onTranscriptionStarted(events.TranscriptionStarted) {
	if o.speaker.IsSpeaking() {
		return
	}
	o.setState(StateProcessing)
}

func (o *Orchestrator) onTranscriptionError(e events.TranscriptionError) {
	o.report("transcription", e.Reason, e.Err)
	o.setState(o.listenerState())
}

// onTranscriptionFinished returns to the listener state when the
// transcript did not start a turn. An empty transcript is silence.
func (o *Orchestrator) onTranscriptionFinished(e events.TranscriptionFinished) {
	o.mu.Lock()
	idle := !o.responding && o.state == StateProcessing
	o.mu.Unlock()
	if !idle {
		return
	}
	if e.Empty {
		o.logger.Debug("no speech in utterance", "utterance_id", e.UtteranceID)
	}
	o.setState(o.listenerState())
}

// onTranscription starts a response to a user turn.
func (o *Orchestrator) onTranscription(e events.TranscriptionResult) {
	text := strings.TrimSpace(e.Text)
	if text == "" {
		return
	}
	if o.speaker.IsSpeaking() {
		o.logger.Debug("skipping transcription while speaking", "utterance_id", e.UtteranceID)
		return
	}

	o.mu.Lock()
	if o.closed || o.responding {
		o.mu.Unlock()
		o.logger.Debug("skipping transcription during response", "utterance_id", e.UtteranceID)
		return
	}
	o.responding = true
	o.responseID = ""
	o.mu.Unlock()

	o.bus.Publish(events.UserMessage{Text: text})

	id := o.gen.Generate(o.ctx, text)
	if id == "" {
		o.logger.Warn("generator busy, dropping turn", "utterance_id", e.UtteranceID)
		o.mu.Lock()
		o.responding = false
		o.mu.Unlock()
		o.setState(o.listenerState())
		return
	}

	o.mu.Lock()
	if o.responding && o.responseID == "" {
		o.responseID = id
	}
	o.mu.Unlock()
	o.logger.Info("responding", "response_id", id, "utterance_id", e.UtteranceID)
}

func (o *Orchestrator) onResponseStarted(e events.ResponseStarted) {
	o.mu.Lock()
	if o.responding {
		o.responseID = e.ResponseID
	}
	o.mu.Unlock()
	o.setState(StateThinking)
}

func (o *Orchestrator) onResponseChunk(e events.ResponseChunk) {
	if e.Token == "" {
		return
	}
	o.bus.Publish(events.AssistantChunk{
		ResponseID:  e.ResponseID,
		Token:       e.Token,
		Accumulated: e.Accumulated,
	})
}

func (o *Orchestrator) onResponseCompleted(e events.ResponseCompleted) {
	if strings.TrimSpace(e.Text) != "" {
		o.bus.Publish(events.AssistantMessage{ResponseID: e.ResponseID, Text: e.Text})
	}
	o.finishTurn(e.ResponseID)
}

func (o *Orchestrator) onResponseError(e events.ResponseError) {
	o.report("response", e.Reason, e.Err)
	o.finishTurn(e.ResponseID)
}

// onSpeechStarted pauses capture before the first chunk is played.
func (o *Orchestrator) onSpeechStarted(e events.SpeechStarted) {
	if o.listener.IsListening() {
		o.listener.Pause()
	}
	o.setState(StateSpeaking)
}

// finishTurn waits for the response to be spoken off the publishing
// goroutine, then releases the guard and resumes listening.
func (o *Orchestrator) finishTurn(responseID string) {
	o.spawn("await speech", func() { o.awaitSpeech(responseID) })
}

func (o *Orchestrator) awaitSpeech(responseID string) {
	if !o.sleep(o.cfg.SettleDelay) {
		return
	}

	if o.speaker.IsSpeaking() {
		o.logger.Debug("waiting for speech to finish", "response_id", responseID)
		ctx, cancel := context.WithTimeout(o.ctx, o.cfg.SpeechWaitTimeout)
		err := o.speaker.WaitForCompletion(ctx)
		cancel()
		if err != nil {
			if o.ctx.Err() != nil {
				return
			}
			o.speaker.Clear()
			o.report("speech", "speech did not finish in time", err)
		}
		if !o.sleep(o.cfg.SettleDelay) {
			return
		}
	}

	o.mu.Lock()
	if o.responding && o.responseID == responseID {
		o.responding = false
		o.responseID = ""
	}
	o.mu.Unlock()

	if o.speaker.IsSpeaking() {
		// SpeechEnded resumes listening.
		o.logger.Debug("still speaking, deferring resume", "response_id", responseID)
		return
	}
	o.resume()
}

// afterSpeech resumes listening once playback stopped, unless a response
// is still in progress.
func (o *Orchestrator) afterSpeech(reason string) {
	if o.isResponding() {
		o.logger.Debug("not resuming, response in progress", "reason", reason)
		return
	}
	o.spawn("resume after speech", func() {
		if !o.sleep(o.cfg.SettleDelay) {
			return
		}
		if !o.speaker.IsSpeaking() {
			o.logger.Debug("auto-resuming listening", "reason", reason)
			o.resume()
		}
	})
}

// resume brings capture back after a turn. Speech or a pending response
// leave it paused.
func (o *Orchestrator) resume() {
	if o.speaker.IsSpeaking() || o.isResponding() {
		return
	}
	o.mu.Lock()
	want := o.wantListening && !o.closed
	o.mu.Unlock()

	if o.listener.IsListening() {
		o.listener.Resume()
	} else if want {
		if err := o.startListening(); err != nil {
			o.report("listener", "failed to restart listening", err)
		}
	}
	o.setState(o.listenerState())
}

// spawn runs fn on a tracked goroutine. A panic is reported as a BotError
// and the conversation is forced back to listening.
func (o *Orchestrator) spawn(name string, fn func()) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.recoverTurn(name, fmt.Errorf("panic: %v", r))
			}
		}()
		fn()
	}()
}

// recoverTurn releases the response guard and forces listening back on.
func (o *Orchestrator) recoverTurn(name string, err error) {
	o.logger.Error("turn routine failed, recovering", "routine", name, "error", err)
	o.bus.Publish(events.BotError{Source: "conversation", Reason: name + " failed", Err: err})

	o.mu.Lock()
	o.responding = false
	o.responseID = ""
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return
	}

	if o.listener.IsListening() {
		o.listener.Resume()
	} else if err := o.startListening(); err != nil {
		o.logger.Error("failed to restart listening", "error", err)
	}
	o.setState(o.listenerState())
}

func (o *Orchestrator) sleep(d time.Duration) bool {
	if d <= 0 {
		return o.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-o.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (o *Orchestrator) isResponding() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.responding
}

func (o *Orchestrator) startListening() error {
	if o.listener.IsListening() {
		o.listener.Resume()
		return nil
	}
	if o.source == nil {
		return ErrNoSource
	}
	return o.listener.Start(o.ctx, o.source)
}

// StartListening starts capture. It fails while speech or a response is in
// progress; listening then starts automatically once the turn ends.
func (o *Orchestrator) StartListening() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.wantListening = true
	responding := o.responding
	o.mu.Unlock()

	if o.speaker.IsSpeaking() {
		return ErrSpeaking
	}
	if responding {
		return ErrResponding
	}
	return o.startListening()
}

// StopListening ends capture. Automatic resumption is disabled until the
// next StartListening.
func (o *Orchestrator) StopListening() error {
	o.mu.Lock()
	o.wantListening = false
	o.mu.Unlock()

	if !o.listener.IsListening() {
		return nil
	}
	return o.listener.Stop()
}

// PauseListening pauses capture. It reports whether the state changed.
func (o *Orchestrator) PauseListening() bool {
	return o.listener.Pause()
}

// ResumeListening resumes paused capture unless speech or a response is in
// progress.
func (o *Orchestrator) ResumeListening() error {
	if o.speaker.IsSpeaking() {
		return ErrSpeaking
	}
	if o.isResponding() {
		return ErrResponding
	}
	o.listener.Resume()
	return nil
}

// ToggleListening stops active capture, or starts it otherwise.
func (o *Orchestrator) ToggleListening() error {
	if o.listener.IsListening() && !o.listener.IsPaused() {
		return o.StopListening()
	}
	return o.StartListening()
}

// AcceptUtterance reports whether a captured utterance should be
// transcribed. It is the gate handed to the transcription coordinator.
func (o *Orchestrator) AcceptUtterance() bool {
	o.mu.Lock()
	busy := o.closed || o.responding
	o.mu.Unlock()
	if busy || o.speaker.IsSpeaking() {
		return false
	}
	return o.listener.IsListening() && !o.listener.IsPaused()
}

// Speak says text outside of a model response. Listening is paused while
// it plays and resumed afterwards if it was active. It returns the ID of
// the spoken text, or "" for blank text.
func (o *Orchestrator) Speak(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrClosed
	}
	responding := o.responding
	o.mu.Unlock()
	if responding {
		return "", ErrResponding
	}

	wasListening := o.listener.IsListening() && !o.listener.IsPaused()
	if wasListening {
		o.listener.Pause()
	}

	id := uuid.NewString()
	o.logger.Info("speaking", "id", id, "chars", len(text))
	o.bus.Publish(events.SpeakRequested{ID: id, Text: text})

	o.spawn("direct speech", func() {
		ctx, cancel := context.WithTimeout(o.ctx, o.cfg.DirectSpeechTimeout)
		err := o.speaker.WaitForCompletion(ctx)
		cancel()
		if err != nil && o.ctx.Err() == nil {
			o.logger.Warn("direct speech did not finish in time", "id", id, "error", err)
		}
		if !o.sleep(o.cfg.SettleDelay) {
			return
		}
		if wasListening && !o.speaker.IsSpeaking() && !o.isResponding() {
			o.listener.Resume()
			o.setState(o.listenerState())
		}
	})
	return id, nil
}

// Interrupt cancels the current response and its speech and returns to
// listening. It reports whether anything was interrupted.
func (o *Orchestrator) Interrupt() bool {
	cancelled := o.gen.Cancel()
	speaking := o.speaker.IsSpeaking()

	o.mu.Lock()
	responseID := o.responseID
	o.responding = false
	o.responseID = ""
	o.mu.Unlock()

	if !cancelled && !speaking {
		return false
	}
	o.logger.Info("interrupted", "response_id", responseID, "cancelled", cancelled, "speaking", speaking)
	o.speaker.Clear()
	o.resume()
	return true
}

// State returns the current conversation state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Snapshot returns a view of the conversation for status reporting.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	s := Snapshot{
		State:      o.state,
		Responding: o.responding,
		ResponseID: o.responseID,
		UpdatedAt:  o.updated,
	}
	o.mu.Unlock()

	s.Listening = o.listener.IsListening()
	s.ListeningPaused = s.Listening && o.listener.IsPaused()
	s.Speaking = o.speaker.IsSpeaking()
	return s
}

// Close unsubscribes, stops capture and waits for background routines.
func (o *Orchestrator) Close() error {
	for _, unsub := range o.unsubs {
		unsub()
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.cancel()
	o.mu.Unlock()

	o.wg.Wait()
	if o.listener.IsListening() {
		return o.listener.Stop()
	}
	return nil
}
