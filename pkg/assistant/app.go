// Package assistant assembles the voice pipeline from a process
// configuration and runs it until the context ends.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-voiceloop/internal/config"
	"github.com/teslashibe/go-voiceloop/pkg/audioio"
	"github.com/teslashibe/go-voiceloop/pkg/audioio/device"
	"github.com/teslashibe/go-voiceloop/pkg/chunker"
	"github.com/teslashibe/go-voiceloop/pkg/codec"
	"github.com/teslashibe/go-voiceloop/pkg/conversation"
	"github.com/teslashibe/go-voiceloop/pkg/events"
	"github.com/teslashibe/go-voiceloop/pkg/inference"
	"github.com/teslashibe/go-voiceloop/pkg/metrics"
	"github.com/teslashibe/go-voiceloop/pkg/response"
	"github.com/teslashibe/go-voiceloop/pkg/segmenter"
	"github.com/teslashibe/go-voiceloop/pkg/synthesis"
	"github.com/teslashibe/go-voiceloop/pkg/transcription"
	"github.com/teslashibe/go-voiceloop/pkg/tts"
	"github.com/teslashibe/go-voiceloop/pkg/web"
)

// Options override parts of the pipeline. Nil fields are built from the
// configuration.
type Options struct {
	Logger *slog.Logger

	// Out receives the console transcript. Defaults to stdout.
	Out io.Writer

	Source      audioio.Source
	Sink        audioio.Sink
	Transcriber transcription.Engine
	LLM         inference.Provider
	TTS         tts.Provider
}

// App is a running voice assistant.
type App struct {
	cfg    config.Config
	opts   Options
	logger *slog.Logger
	out    io.Writer

	bus         *events.Bus
	source      audioio.Source
	sink        audioio.Sink
	monitor     *audioio.TeeSink
	transcriber transcription.Engine
	llm         inference.Provider
	voice       tts.Provider

	segmenter   *segmenter.Segmenter
	coordinator *transcription.Coordinator
	generator   *response.Generator
	chunker     *chunker.Chunker
	queue       *synthesis.Queue
	orch        *conversation.Orchestrator
	recorder    *metrics.Recorder
	encoder     *codec.Encoder
	web         *web.Server

	unsubs []func()
}

// New validates cfg. Call Init before Run.
func New(cfg config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &App{
		cfg:    cfg,
		opts:   opts,
		logger: logger.With("component", "assistant"),
		out:    out,
	}, nil
}

// Init opens devices, builds engines and wires the pipeline stages.
func (a *App) Init(ctx context.Context) error {
	logger := a.logger
	a.bus = events.NewBus(logger)
	a.recorder = metrics.New(a.bus, logger)

	if err := a.initDevices(ctx); err != nil {
		return fmt.Errorf("devices: %w", err)
	}
	if err := a.initEngines(ctx); err != nil {
		return fmt.Errorf("engines: %w", err)
	}
	if err := a.initPipeline(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if a.cfg.Web.Enabled {
		if err := a.initWeb(); err != nil {
			return fmt.Errorf("web: %w", err)
		}
	}
	a.initConsole()

	a.logger.Info("voice pipeline ready",
		"stt", a.transcriber.Name(),
		"llm", a.llm.Name(),
		"tts", a.voice.Name(),
		"capture", a.source.Name(),
		"playback", a.sink.Name())
	return nil
}

func (a *App) initDevices(ctx context.Context) error {
	var err error
	a.source = a.opts.Source
	if a.source == nil {
		if a.source, err = device.NewSource(a.cfg.Audio.Capture, a.logger); err != nil {
			return err
		}
	}
	a.sink = a.opts.Sink
	if a.sink == nil {
		if a.sink, err = device.NewSink(a.cfg.Audio.Playback, a.logger); err != nil {
			return err
		}
	}
	if err := a.sink.Start(ctx); err != nil {
		return fmt.Errorf("start playback: %w", err)
	}
	a.monitor = audioio.NewTeeSink(a.sink)
	return nil
}

func (a *App) initEngines(ctx context.Context) error {
	var err error
	if a.transcriber = a.opts.Transcriber; a.transcriber == nil {
		if a.transcriber, err = newTranscriber(ctx, a.cfg.Transcription, a.logger); err != nil {
			return err
		}
	}
	if a.llm = a.opts.LLM; a.llm == nil {
		if a.llm, err = newLLM(ctx, a.cfg.Inference, a.logger); err != nil {
			return err
		}
	}
	if a.voice = a.opts.TTS; a.voice == nil {
		if a.voice, err = newTTS(a.cfg.TTS, a.logger); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) initPipeline() error {
	var err error
	cfg := a.cfg

	if a.segmenter, err = segmenter.New(cfg.Segmenter, a.bus, a.logger); err != nil {
		return err
	}

	respCfg := cfg.Response
	respCfg.Logger = a.logger
	a.generator = response.New(a.llm, a.bus, respCfg)

	chunkCfg := cfg.Chunker
	chunkCfg.Logger = a.logger
	if a.chunker, err = chunker.New(a.bus, chunkCfg); err != nil {
		return err
	}

	synthCfg := cfg.Synthesis
	synthCfg.Logger = a.logger
	if a.queue, err = synthesis.New(a.voice, a.monitor, a.bus, synthCfg); err != nil {
		return err
	}

	convCfg := cfg.Conversation
	convCfg.Logger = a.logger
	a.orch, err = conversation.New(conversation.Components{
		Listener:  a.segmenter,
		Source:    a.source,
		Generator: a.generator,
		Speaker:   a.queue,
	}, a.bus, convCfg)
	if err != nil {
		return err
	}

	a.coordinator = transcription.NewCoordinator(a.transcriber, a.bus, transcription.CoordinatorConfig{
		Timeout: cfg.Transcription.Timeout,
		Accept:  a.orch.AcceptUtterance,
		Logger:  a.logger,
	})
	return nil
}

func (a *App) initWeb() error {
	deps := web.Deps{
		Bus:        a.bus,
		Controller: a.orch,
		History:    a.generator,
		Metrics:    a.recorder,
	}
	enc, err := codec.NewEncoder()
	if err != nil {
		a.logger.Warn("audio monitor disabled", "error", err)
	} else {
		a.encoder = enc
		deps.Monitor = a.monitor
		deps.Encoder = enc
	}

	webCfg := a.cfg.Web.Config
	webCfg.Logger = a.logger
	a.web, err = web.New(webCfg, deps)
	return err
}

// initConsole prints the conversation as it happens.
func (a *App) initConsole() {
	a.unsubs = append(a.unsubs,
		events.On(a.bus, func(e events.UserMessage) {
			fmt.Fprintf(a.out, "You: %s\n", e.Text)
		}),
		events.On(a.bus, func(e events.AssistantMessage) {
			fmt.Fprintf(a.out, "Assistant: %s\n", e.Text)
		}),
		events.On(a.bus, func(e events.BotError) {
			fmt.Fprintf(a.out, "Error (%s): %s\n", e.Source, e.Reason)
		}),
	)
}

// Run starts listening and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	if a.orch == nil {
		return errors.New("assistant: Init has not been called")
	}
	g, gctx := errgroup.WithContext(ctx)

	if a.web != nil {
		g.Go(func() error {
			return a.web.Start(gctx)
		})
	}

	g.Go(func() error {
		if a.cfg.Listen {
			if err := a.orch.StartListening(); err != nil {
				return fmt.Errorf("start listening: %w", err)
			}
			fmt.Fprintln(a.out, "Listening. Press Ctrl+C to exit.")
		}
		<-gctx.Done()
		return nil
	})

	return g.Wait()
}

// Shutdown stops every stage, newest first.
func (a *App) Shutdown() error {
	var errs []error
	closeIf := func(c io.Closer) {
		if c != nil {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	for _, unsub := range a.unsubs {
		unsub()
	}
	if a.web != nil {
		closeIf(a.web)
	}
	if a.orch != nil {
		closeIf(a.orch)
	}
	if a.coordinator != nil {
		closeIf(a.coordinator)
	}
	if a.generator != nil {
		closeIf(a.generator)
	}
	if a.chunker != nil {
		closeIf(a.chunker)
	}
	if a.queue != nil {
		closeIf(a.queue)
	}
	if a.encoder != nil {
		a.encoder.Close()
	}
	if a.recorder != nil {
		closeIf(a.recorder)
	}
	if a.llm != nil {
		closeIf(a.llm)
	}
	if a.voice != nil {
		closeIf(a.voice)
	}
	if a.source != nil {
		closeIf(a.source)
	}
	if a.sink != nil {
		closeIf(a.sink)
	}
	if a.bus != nil {
		a.bus.Close()
	}
	return errors.Join(errs...)
}

// Bus returns the event bus.
func (a *App) Bus() *events.Bus { return a.bus }

// Orchestrator returns the conversation orchestrator.
func (a *App) Orchestrator() *conversation.Orchestrator { return a.orch }

// Metrics returns the metrics recorder.
func (a *App) Metrics() *metrics.Recorder { return a.recorder }
