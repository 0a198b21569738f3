// Package codec encodes played audio as Opus packets for remote monitors.
package codec

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/hraban/opus.v2"

	"github.com/teslashibe/go-voiceloop/pkg/audioio"
)

// OpusSampleRate is the rate packets are encoded at.
const OpusSampleRate = 48000

// FrameDuration is the duration of one Opus packet.
const FrameDuration = 20 * time.Millisecond

const maxPacketSize = 4000

// ErrClosed is returned when writing to a closed encoder.
var ErrClosed = errors.New("codec: encoder closed")

// Packet is one encoded Opus frame.
type Packet struct {
	Data     []byte
	Duration time.Duration
}

// Encoder buffers mono audio at any sample rate and encodes it into 20 ms
// Opus packets at 48 kHz.
type Encoder struct {
	mu           sync.Mutex
	enc          *opus.Encoder
	pcm          []float32
	frameSamples int
	out          []byte
	closed       bool
}

// NewEncoder creates a VoIP-tuned mono encoder.
func NewEncoder() (*Encoder, error) {
	enc, err := opus.NewEncoder(OpusSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("codec: new opus encoder: %w", err)
	}
	return &Encoder{
		enc:          enc,
		frameSamples: int(OpusSampleRate * FrameDuration / time.Second),
		out:          make([]byte, maxPacketSize),
	}, nil
}

// Write appends frame to the buffer and returns every complete packet.
func (e *Encoder) Write(frame audioio.Frame) ([]Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}

	e.pcm = append(e.pcm, audioio.Resample(frame.Samples, frame.SampleRate, OpusSampleRate)...)

	var packets []Packet
	for len(e.pcm) >= e.frameSamples {
		pkt, err := e.encode(e.pcm[:e.frameSamples])
		if err != nil {
			return packets, err
		}
		packets = append(packets, pkt)
		e.pcm = e.pcm[e.frameSamples:]
	}
	return packets, nil
}

// Flush zero-pads the remaining samples to a full frame and encodes it.
func (e *Encoder) Flush() ([]Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || len(e.pcm) == 0 {
		return nil, nil
	}
	pad := make([]float32, e.frameSamples)
	copy(pad, e.pcm)
	e.pcm = e.pcm[:0]

	pkt, err := e.encode(pad)
	if err != nil {
		return nil, err
	}
	return []Packet{pkt}, nil
}

// Reset discards buffered samples after an interruption.
func (e *Encoder) Reset() {
	e.mu.Lock()
	e.pcm = e.pcm[:0]
	e.mu.Unlock()
}

// Close releases the encoder. Further writes return ErrClosed.
func (e *Encoder) Close() {
	e.mu.Lock()
	e.closed = true
	e.pcm = nil
	e.mu.Unlock()
}

func (e *Encoder) encode(pcm []float32) (Packet, error) {
	n, err := e.enc.EncodeFloat32(pcm, e.out)
	if err != nil {
		return Packet{}, fmt.Errorf("codec: encode: %w", err)
	}
	data := make([]byte, n)
	copy(data, e.out[:n])
	return Packet{Data: data, Duration: FrameDuration}, nil
}

// Decoder turns Opus packets back into 48 kHz mono frames.
type Decoder struct {
	dec *opus.Decoder
	pcm []float32
}

// NewDecoder creates a mono decoder.
func NewDecoder() (*Decoder, error) {
	dec, err := opus.NewDecoder(OpusSampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("codec: new opus decoder: %w", err)
	}
	// 120 ms is the largest Opus frame.
	return &Decoder{dec: dec, pcm: make([]float32, OpusSampleRate*120/1000)}, nil
}

// Decode decodes one packet.
func (d *Decoder) Decode(data []byte) (audioio.Frame, error) {
	n, err := d.dec.DecodeFloat32(data, d.pcm)
	if err != nil {
		return audioio.Frame{}, fmt.Errorf("codec: decode: %w", err)
	}
	samples := make([]float32, n)
	copy(samples, d.pcm[:n])
	return audioio.Frame{Samples: samples, SampleRate: OpusSampleRate}, nil
}
