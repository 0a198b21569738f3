package codec

import (
	"errors"
	"math"
	"testing"

	"github.com/teslashibe/go-voiceloop/pkg/audioio"
)

func sine(n, rate int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.3 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return out
}

func TestEncoder_Packetizes(t *testing.T) {
	enc, err := NewEncoder()
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}
	defer enc.Close()

	// 50 ms at 48 kHz: two full packets and 10 ms left over.
	packets, err := enc.Write(audioio.Frame{Samples: sine(2400, 48000), SampleRate: 48000})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("got %d packets, want 2", len(packets))
	}

	tail, err := enc.Flush()
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if len(tail) != 1 {
		t.Fatalf("Flush returned %d packets, want 1", len(tail))
	}
}

func TestEncoder_Resamples(t *testing.T) {
	enc, err := NewEncoder()
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}
	defer enc.Close()

	// 40 ms at 24 kHz becomes 40 ms at 48 kHz.
	packets, err := enc.Write(audioio.Frame{Samples: sine(960, 24000), SampleRate: 24000})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if len(packets) != 2 {
		t.Errorf("got %d packets, want 2", len(packets))
	}
}

func TestEncoder_ResetAndClose(t *testing.T) {
	enc, err := NewEncoder()
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}

	_, _ = enc.Write(audioio.Frame{Samples: sine(100, 48000), SampleRate: 48000})
	enc.Reset()
	if tail, _ := enc.Flush(); len(tail) != 0 {
		t.Errorf("Flush after Reset returned %d packets", len(tail))
	}

	enc.Close()
	if _, err := enc.Write(audioio.Frame{Samples: sine(960, 48000), SampleRate: 48000}); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Close error = %v, want ErrClosed", err)
	}
}

func TestDecoder_RoundTrip(t *testing.T) {
	enc, err := NewEncoder()
	if err != nil {
		t.Fatalf("NewEncoder failed: %v", err)
	}
	defer enc.Close()
	dec, err := NewDecoder()
	if err != nil {
		t.Fatalf("NewDecoder failed: %v", err)
	}

	packets, err := enc.Write(audioio.Frame{Samples: sine(960, 48000), SampleRate: 48000})
	if err != nil || len(packets) != 1 {
		t.Fatalf("Write = %d packets, %v", len(packets), err)
	}

	frame, err := dec.Decode(packets[0].Data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(frame.Samples) != 960 {
		t.Errorf("decoded %d samples, want 960", len(frame.Samples))
	}
}
