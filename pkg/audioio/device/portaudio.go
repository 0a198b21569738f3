//go:build portaudio

package device

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/teslashibe/go-voiceloop/pkg/audioio"
)

// PortAudio reference counts Initialize/Terminate across open devices.
var (
	paMu   sync.Mutex
	paRefs int
)

func acquire() error {
	paMu.Lock()
	defer paMu.Unlock()
	if paRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("device: initialize portaudio: %w", err)
		}
	}
	paRefs++
	return nil
}

func release() {
	paMu.Lock()
	defer paMu.Unlock()
	if paRefs == 0 {
		return
	}
	paRefs--
	if paRefs == 0 {
		_ = portaudio.Terminate()
	}
}

func listDevices() ([]Info, error) {
	if err := acquire(); err != nil {
		return nil, err
	}
	defer release()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("device: list: %w", err)
	}
	defIn, _ := portaudio.DefaultInputDevice()
	defOut, _ := portaudio.DefaultOutputDevice()

	out := make([]Info, 0, len(devices))
	for _, d := range devices {
		info := Info{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			DefaultInput:      defIn != nil && d.Name == defIn.Name,
			DefaultOutput:     defOut != nil && d.Name == defOut.Name,
		}
		if d.HostApi != nil {
			info.HostAPI = d.HostApi.Name
		}
		out = append(out, info)
	}
	return out, nil
}

// findDevice returns the first device whose name contains name and has
// channels in the wanted direction, or the default device when name is empty.
func findDevice(name string, input bool) (*portaudio.DeviceInfo, error) {
	if name == "" {
		if input {
			return portaudio.DefaultInputDevice()
		}
		return portaudio.DefaultOutputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(name)
	for _, d := range devices {
		if input && d.MaxInputChannels == 0 || !input && d.MaxOutputChannels == 0 {
			continue
		}
		if strings.Contains(strings.ToLower(d.Name), needle) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("device: no device matching %q", name)
}

// capture is a PortAudio microphone source. Frames are copied out of the
// callback into a bounded channel; a full channel drops the frame.
type capture struct {
	cfg    audioio.Config
	logger *slog.Logger

	mu      sync.Mutex
	stream  *portaudio.Stream
	frames  chan audioio.Frame
	running bool
	closed  bool
	err     error

	framesRead  atomic.Int64
	samplesRead atomic.Int64
	overruns    atomic.Int64
}

func newCapture(cfg audioio.Config, logger *slog.Logger) (audioio.Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := acquire(); err != nil {
		return nil, err
	}
	c := &capture{
		cfg:    cfg,
		logger: logger.With("component", "device.capture"),
		frames: make(chan audioio.Frame),
	}
	close(c.frames)
	return c, nil
}

func (c *capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return io.ErrClosedPipe
	}
	if c.running {
		return nil
	}

	dev, err := findDevice(c.cfg.Device, true)
	if err != nil {
		return err
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(c.cfg.SampleRate)
	params.FramesPerBuffer = c.cfg.FrameSize()

	frames := make(chan audioio.Frame, c.cfg.QueueFrames)
	stream, err := portaudio.OpenStream(params, func(in []float32) {
		buf := make([]float32, len(in))
		copy(buf, in)
		select {
		case frames <- audioio.Frame{Samples: buf, SampleRate: c.cfg.SampleRate}:
			c.framesRead.Add(1)
			c.samplesRead.Add(int64(len(buf)))
		default:
			c.overruns.Add(1)
		}
	})
	if err != nil {
		return fmt.Errorf("device: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("device: start input stream: %w", err)
	}

	c.stream = stream
	c.frames = frames
	c.running = true
	c.err = nil

	go func() {
		<-ctx.Done()
		_ = c.Stop()
	}()

	c.logger.Info("capture started",
		"device", dev.Name,
		"sample_rate", c.cfg.SampleRate,
		"frame_samples", params.FramesPerBuffer)
	return nil
}

func (c *capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	c.running = false

	var err error
	if stopErr := c.stream.Stop(); stopErr != nil {
		err = fmt.Errorf("device: stop input stream: %w", stopErr)
		c.err = err
	}
	c.stream.Close()
	c.stream = nil
	close(c.frames)

	c.logger.Debug("capture stopped", "overruns", c.overruns.Load())
	return err
}

func (c *capture) Frames() <-chan audioio.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

func (c *capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *capture) Config() audioio.Config { return c.cfg }
func (c *capture) Name() string           { return string(audioio.BackendPortAudio) }

func (c *capture) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.Stop()
	release()
	return err
}

func (c *capture) Stats() audioio.SourceStats {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	return audioio.SourceStats{
		FramesRead:  c.framesRead.Load(),
		SamplesRead: c.samplesRead.Load(),
		Overruns:    c.overruns.Load(),
		Running:     running,
		Backend:     string(audioio.BackendPortAudio),
	}
}

// playback is a PortAudio speaker sink using blocking writes.
type playback struct {
	cfg    audioio.Config
	logger *slog.Logger

	mu      sync.Mutex
	playMu  sync.Mutex
	stream  *portaudio.Stream
	buf     []float32
	running bool
	closed  bool

	framesPlayed  atomic.Int64
	samplesPlayed atomic.Int64
	interrupted   atomic.Int64
}

func newPlayback(cfg audioio.Config, logger *slog.Logger) (audioio.Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := acquire(); err != nil {
		return nil, err
	}
	return &playback{
		cfg:    cfg,
		logger: logger.With("component", "device.playback"),
	}, nil
}

func (p *playback) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return io.ErrClosedPipe
	}
	if p.running {
		return nil
	}

	dev, err := findDevice(p.cfg.Device, false)
	if err != nil {
		return err
	}

	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = 1
	params.SampleRate = float64(p.cfg.SampleRate)
	params.FramesPerBuffer = p.cfg.FrameSize()

	p.buf = make([]float32, params.FramesPerBuffer)
	stream, err := portaudio.OpenStream(params, &p.buf)
	if err != nil {
		return fmt.Errorf("device: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("device: start output stream: %w", err)
	}

	p.stream = stream
	p.running = true
	p.logger.Info("playback started", "device", dev.Name, "sample_rate", p.cfg.SampleRate)
	return nil
}

// Play writes frame in device-sized blocks, checking ctx between blocks.
func (p *playback) Play(ctx context.Context, frame audioio.Frame) error {
	p.playMu.Lock()
	defer p.playMu.Unlock()

	p.mu.Lock()
	stream := p.stream
	p.mu.Unlock()
	if stream == nil {
		return io.ErrClosedPipe
	}

	samples := audioio.Resample(frame.Samples, frame.SampleRate, p.cfg.SampleRate)
	p.framesPlayed.Add(1)

	for off := 0; off < len(samples); off += len(p.buf) {
		if err := ctx.Err(); err != nil {
			p.interrupted.Add(1)
			return err
		}
		n := copy(p.buf, samples[off:])
		clear(p.buf[n:])
		if err := stream.Write(); err != nil {
			// Underflow is reported but the block was still queued.
			if err != portaudio.OutputUnderflowed {
				return fmt.Errorf("device: write: %w", err)
			}
		}
		p.samplesPlayed.Add(int64(n))
	}

	// Let the device drain the last block before reporting completion.
	latency := time.Duration(stream.Info().OutputLatency)
	if latency > 0 {
		select {
		case <-ctx.Done():
			p.interrupted.Add(1)
			return ctx.Err()
		case <-time.After(latency):
		}
	}
	return nil
}

// Clear aborts and restarts the stream, discarding queued output.
func (p *playback) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil
	}
	if err := p.stream.Abort(); err != nil {
		return fmt.Errorf("device: abort output stream: %w", err)
	}
	return p.stream.Start()
}

func (p *playback) Config() audioio.Config { return p.cfg }
func (p *playback) Name() string           { return string(audioio.BackendPortAudio) }

func (p *playback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.running = false
	if p.stream != nil {
		_ = p.stream.Stop()
		p.stream.Close()
		p.stream = nil
	}
	release()
	return nil
}

func (p *playback) Stats() audioio.SinkStats {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	return audioio.SinkStats{
		FramesPlayed:  p.framesPlayed.Load(),
		SamplesPlayed: p.samplesPlayed.Load(),
		Interruptions: p.interrupted.Load(),
		Running:       running,
		Backend:       string(audioio.BackendPortAudio),
	}
}

var (
	_ audioio.SourceWithStats = (*capture)(nil)
	_ audioio.SinkWithStats   = (*playback)(nil)
)
