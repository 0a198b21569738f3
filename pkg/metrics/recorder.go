// Package metrics exports pipeline activity as Prometheus metrics.
//
// A Recorder subscribes to every topic of the event bus and turns events
// into counters and histograms on its own registry, so several pipelines
// (or tests) never share collectors. It also keeps a rolling per-turn
// latency history for the status API.
package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teslashibe/go-voiceloop/pkg/events"
)

const namespace = "voiceloop"

// Status label values.
const (
	statusSuccess   = "success"
	statusError     = "error"
	statusEmpty     = "empty"
	statusCancelled = "cancelled"
)

// States exported by the state gauge.
var states = []string{"idle", "listening", "listening_paused", "processing", "thinking", "speaking"}

// Recorder records bus events as Prometheus metrics.
type Recorder struct {
	registry *prometheus.Registry
	turns    *TurnTracker
	logger   *slog.Logger
	unsub    func()

	UtterancesTotal       prometheus.Counter
	UtteranceDuration     prometheus.Histogram
	TranscriptionsTotal   *prometheus.CounterVec
	TranscriptionDuration prometheus.Histogram
	ResponsesTotal        *prometheus.CounterVec
	FirstTokenLatency     prometheus.Histogram
	TokensTotal           prometheus.Counter
	SpeechUnitsTotal      prometheus.Counter
	SynthesisDuration     prometheus.Histogram
	SynthesisErrorsTotal  prometheus.Counter
	ChunksPlayedTotal     *prometheus.CounterVec
	SpeechClearedTotal    prometheus.Counter
	TurnLatency           prometheus.Histogram
	BotErrorsTotal        *prometheus.CounterVec
	State                 *prometheus.GaugeVec
}

// New creates a recorder and subscribes it to bus. Runtime collectors and
// bus delivery counters are registered alongside the pipeline metrics.
func New(bus *events.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		turns:    NewTurnTracker(),
		logger:   logger.With("component", "metrics.recorder"),

		UtterancesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "Total number of captured utterances",
		}),
		UtteranceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "utterance_duration_seconds",
			Help:      "Length of captured utterances in seconds",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 20, 30},
		}),
		TranscriptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcriptions_total",
			Help:      "Total number of transcriptions by status",
		}, []string{"status"}),
		TranscriptionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcription_duration_seconds",
			Help:      "Transcription engine latency in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2, 5, 10},
		}),
		ResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Total number of generated responses by status",
		}, []string{"status"}),
		FirstTokenLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_token_latency_seconds",
			Help:      "Time from end of utterance to first generated token",
			Buckets:   []float64{.1, .25, .5, 1, 2, 5, 10},
		}),
		TokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total number of streamed response tokens",
		}),
		SpeechUnitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_units_total",
			Help:      "Total number of speech units cut from responses",
		}),
		SynthesisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_duration_seconds",
			Help:      "Speech synthesis latency per unit in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5},
		}),
		SynthesisErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_errors_total",
			Help:      "Total number of synthesis and playback failures",
		}),
		ChunksPlayedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_played_total",
			Help:      "Total number of played audio chunks",
		}, []string{"interrupted"}),
		SpeechClearedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_cleared_total",
			Help:      "Total number of times queued speech was cleared",
		}),
		TurnLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_seconds",
			Help:      "Time from end of utterance to first played audio",
			Buckets:   []float64{.25, .5, 1, 1.5, 2, 3, 5, 10},
		}),
		BotErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bot_errors_total",
			Help:      "Total number of errors surfaced to the user by source",
		}, []string{"source"}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversation_state",
			Help:      "Current conversation state, 1 for the active state",
		}, []string{"state"}),
	}

	r.registry.MustRegister(
		r.UtterancesTotal,
		r.UtteranceDuration,
		r.TranscriptionsTotal,
		r.TranscriptionDuration,
		r.ResponsesTotal,
		r.FirstTokenLatency,
		r.TokensTotal,
		r.SpeechUnitsTotal,
		r.SynthesisDuration,
		r.SynthesisErrorsTotal,
		r.ChunksPlayedTotal,
		r.SpeechClearedTotal,
		r.TurnLatency,
		r.BotErrorsTotal,
		r.State,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_published_total",
			Help:      "Total number of events published on the bus",
		}, func() float64 {
			published, _ := bus.Stats()
			return float64(published)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_handler_panics_total",
			Help:      "Total number of recovered subscriber panics",
		}, func() float64 {
			_, panics := bus.Stats()
			return float64(panics)
		}),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r.setState("idle")
	r.unsub = bus.SubscribeAll(r.Handle)
	return r
}

// Handle records one event. It is subscribed to all bus topics by New.
func (r *Recorder) Handle(e events.Event) {
	switch ev := e.(type) {
	case events.UtteranceReady:
		r.UtterancesTotal.Inc()
		r.UtteranceDuration.Observe(ev.Utterance.Duration.Seconds())
		r.turns.Begin(ev.Utterance.ID)
	case events.TranscriptionResult:
		r.TranscriptionsTotal.WithLabelValues(statusSuccess).Inc()
		r.TranscriptionDuration.Observe(ev.Latency.Seconds())
		r.turns.MarkTranscript()
	case events.TranscriptionError:
		r.TranscriptionsTotal.WithLabelValues(statusError).Inc()
	case events.TranscriptionFinished:
		if ev.Empty {
			r.TranscriptionsTotal.WithLabelValues(statusEmpty).Inc()
		}
	case events.ResponseStarted:
		r.turns.BindResponse(ev.ResponseID)
	case events.ResponseChunk:
		r.TokensTotal.Inc()
		if d, first := r.turns.MarkToken(ev.ResponseID); first {
			r.FirstTokenLatency.Observe(d.Seconds())
		}
	case events.ResponseCompleted:
		r.ResponsesTotal.WithLabelValues(statusSuccess).Inc()
	case events.ResponseError:
		r.ResponsesTotal.WithLabelValues(statusError).Inc()
		r.finish(ev.ResponseID, statusError)
	case events.ResponseCancelled:
		r.ResponsesTotal.WithLabelValues(statusCancelled).Inc()
		r.finish(ev.ResponseID, statusCancelled)
	case events.SpeechUnit:
		r.SpeechUnitsTotal.Inc()
	case events.UnitsComplete:
		r.turns.MarkUnits(ev.ResponseID, ev.Total)
		if ev.Total == 0 {
			r.finish(ev.ResponseID, statusEmpty)
		}
	case events.UnitSynthesized:
		r.SynthesisDuration.Observe(ev.Latency.Seconds())
	case events.SpeechError:
		r.SynthesisErrorsTotal.Inc()
	case events.SpeechChunkStarted:
		if d, first := r.turns.MarkAudio(ev.ResponseID); first {
			r.TurnLatency.Observe(d.Seconds())
		}
	case events.SpeechChunkEnded:
		interrupted := "false"
		if ev.Interrupted {
			interrupted = "true"
		}
		r.ChunksPlayedTotal.WithLabelValues(interrupted).Inc()
	case events.SpeechEnded:
		r.finish(ev.ResponseID, statusSuccess)
	case events.SpeechCleared:
		r.SpeechClearedTotal.Inc()
		r.finish(ev.ResponseID, statusCancelled)
	case events.BotError:
		r.BotErrorsTotal.WithLabelValues(ev.Source).Inc()
	case events.StateChanged:
		r.setState(ev.To)
	}
}

func (r *Recorder) finish(responseID, outcome string) {
	turn, ok := r.turns.Finish(responseID, outcome)
	if !ok {
		return
	}
	r.logger.Info("turn finished",
		"response_id", responseID,
		"outcome", outcome,
		"latency", turn.FormatLatency())
}

func (r *Recorder) setState(active string) {
	for _, s := range states {
		v := 0.0
		if s == active {
			v = 1
		}
		r.State.WithLabelValues(s).Set(v)
	}
}

// Turns returns the per-turn latency tracker.
func (r *Recorder) Turns() *TurnTracker { return r.turns }

// Registry returns the recorder's registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Close unsubscribes from the bus.
func (r *Recorder) Close() error {
	r.unsub()
	return nil
}
