package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/teslashibe/go-voiceloop/pkg/events"
)

func newRecorder(t *testing.T) (*events.Bus, *Recorder) {
	t.Helper()
	bus := events.NewBus(nil)
	r := New(bus, nil)
	t.Cleanup(func() {
		r.Close()
		bus.Close()
	})
	return bus, r
}

func playTurn(bus *events.Bus, responseID string) {
	bus.Publish(events.UtteranceReady{Utterance: events.Utterance{ID: "u1", Duration: 2 * time.Second}})
	bus.Publish(events.TranscriptionResult{UtteranceID: "u1", Text: "hi", Latency: 300 * time.Millisecond})
	bus.Publish(events.ResponseStarted{ResponseID: responseID, UserText: "hi"})
	bus.Publish(events.ResponseChunk{ResponseID: responseID, Token: "Hello", Accumulated: "Hello"})
	bus.Publish(events.ResponseChunk{ResponseID: responseID, Token: ".", Accumulated: "Hello."})
	bus.Publish(events.SpeechUnit{ResponseID: responseID, Sequence: 0, Text: "Hello."})
	bus.Publish(events.ResponseCompleted{ResponseID: responseID, Text: "Hello."})
	bus.Publish(events.UnitsComplete{ResponseID: responseID, Total: 1})
	bus.Publish(events.UnitSynthesized{ResponseID: responseID, Sequence: 0, Samples: 100, Latency: 80 * time.Millisecond})
	bus.Publish(events.SpeechChunkStarted{ResponseID: responseID, Sequence: 0, Text: "Hello."})
	bus.Publish(events.SpeechChunkEnded{ResponseID: responseID, Sequence: 0})
	bus.Publish(events.SpeechEnded{ResponseID: responseID})
}

func TestRecorder_Turn(t *testing.T) {
	bus, r := newRecorder(t)

	playTurn(bus, "r1")

	if got := testutil.ToFloat64(r.UtterancesTotal); got != 1 {
		t.Errorf("utterances = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.TranscriptionsTotal.WithLabelValues(statusSuccess)); got != 1 {
		t.Errorf("transcriptions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.ResponsesTotal.WithLabelValues(statusSuccess)); got != 1 {
		t.Errorf("responses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.TokensTotal); got != 2 {
		t.Errorf("tokens = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.SpeechUnitsTotal); got != 1 {
		t.Errorf("units = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.ChunksPlayedTotal.WithLabelValues("false")); got != 1 {
		t.Errorf("chunks played = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(r.TurnLatency); got != 1 {
		t.Errorf("turn latency series = %d, want 1", got)
	}

	history := r.Turns().History()
	if len(history) != 1 {
		t.Fatalf("history = %d turns, want 1", len(history))
	}
	turn := history[0]
	if turn.ResponseID != "r1" || turn.UtteranceID != "u1" {
		t.Errorf("turn ids = %q/%q", turn.UtteranceID, turn.ResponseID)
	}
	if turn.Tokens != 2 || turn.Units != 1 || turn.ChunksPlayed != 1 {
		t.Errorf("turn counts = %d tokens, %d units, %d chunks", turn.Tokens, turn.Units, turn.ChunksPlayed)
	}
	if turn.Outcome != statusSuccess {
		t.Errorf("outcome = %q", turn.Outcome)
	}
	if turn.TotalLatency < turn.FirstAudioLatency {
		t.Errorf("total %v shorter than first audio %v", turn.TotalLatency, turn.FirstAudioLatency)
	}
	if _, ok := r.Turns().Current(); ok {
		t.Error("turn should be archived")
	}
}

func TestRecorder_Failures(t *testing.T) {
	bus, r := newRecorder(t)

	bus.Publish(events.TranscriptionError{UtteranceID: "u1", Reason: "boom", Err: errors.New("boom")})
	bus.Publish(events.TranscriptionFinished{UtteranceID: "u1", Failed: true})
	bus.Publish(events.TranscriptionFinished{UtteranceID: "u3", Empty: true})
	bus.Publish(events.TranscriptionResult{UtteranceID: "u2", Text: "hi"})
	bus.Publish(events.ResponseStarted{ResponseID: "r1"})
	bus.Publish(events.ResponseError{ResponseID: "r1", Reason: "model offline"})
	bus.Publish(events.SpeechError{ResponseID: "r1", Reason: "synthesis failed"})
	bus.Publish(events.BotError{Source: "response", Reason: "model offline"})

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"transcription errors", testutil.ToFloat64(r.TranscriptionsTotal.WithLabelValues(statusError)), 1},
		{"empty transcriptions", testutil.ToFloat64(r.TranscriptionsTotal.WithLabelValues(statusEmpty)), 1},
		{"response errors", testutil.ToFloat64(r.ResponsesTotal.WithLabelValues(statusError)), 1},
		{"speech errors", testutil.ToFloat64(r.SynthesisErrorsTotal), 1},
		{"bot errors", testutil.ToFloat64(r.BotErrorsTotal.WithLabelValues("response")), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}

	history := r.Turns().History()
	if len(history) != 1 || history[0].Outcome != statusError {
		t.Errorf("history = %+v, want one error turn", history)
	}
}

func TestRecorder_EmptyResponseFinishesTurn(t *testing.T) {
	bus, r := newRecorder(t)

	bus.Publish(events.TranscriptionResult{UtteranceID: "u1", Text: "hi"})
	bus.Publish(events.ResponseStarted{ResponseID: "r1"})
	bus.Publish(events.ResponseCompleted{ResponseID: "r1"})
	bus.Publish(events.UnitsComplete{ResponseID: "r1", Total: 0})

	history := r.Turns().History()
	if len(history) != 1 || history[0].Outcome != statusEmpty {
		t.Errorf("history = %+v, want one empty turn", history)
	}
}

func TestRecorder_State(t *testing.T) {
	bus, r := newRecorder(t)

	if got := testutil.ToFloat64(r.State.WithLabelValues("idle")); got != 1 {
		t.Errorf("idle = %v, want 1", got)
	}

	bus.Publish(events.StateChanged{From: "idle", To: "speaking"})
	if got := testutil.ToFloat64(r.State.WithLabelValues("speaking")); got != 1 {
		t.Errorf("speaking = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.State.WithLabelValues("idle")); got != 0 {
		t.Errorf("idle = %v, want 0", got)
	}
}

func TestRecorder_Handler(t *testing.T) {
	bus, r := newRecorder(t)
	playTurn(bus, "r1")

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, name := range []string{
		"voiceloop_utterances_total",
		"voiceloop_turn_latency_seconds",
		"voiceloop_bus_events_published_total",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("exposition missing %s", name)
		}
	}
}

func TestTurnTracker_Average(t *testing.T) {
	tr := NewTurnTracker()
	clock := time.Unix(0, 0)
	tr.now = func() time.Time { return clock }

	for i, total := range []time.Duration{time.Second, 3 * time.Second} {
		tr.Begin("u")
		tr.BindResponse("r")
		clock = clock.Add(total)
		if _, ok := tr.Finish("r", statusSuccess); !ok {
			t.Fatalf("turn %d not finished", i)
		}
	}

	avg := tr.Average()
	if avg.TotalLatency != 2*time.Second {
		t.Errorf("average total = %v, want 2s", avg.TotalLatency)
	}

	if _, ok := tr.Finish("other", statusSuccess); ok {
		t.Error("finishing an unknown response should fail")
	}
}

func TestTurn_FormatLatency(t *testing.T) {
	turn := Turn{TranscriptLatency: 300 * time.Millisecond, TotalLatency: 1500 * time.Millisecond}
	want := "300ms ASR | ---ms LLM | ---ms TTS | 1.5s TOTAL"
	if got := turn.FormatLatency(); got != want {
		t.Errorf("FormatLatency() = %q, want %q", got, want)
	}
}
