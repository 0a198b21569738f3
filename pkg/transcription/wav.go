package transcription

import (
	"bytes"
	"encoding/binary"

	"github.com/teslashibe/go-voiceloop/pkg/audioio"
)

// EncodeWAV encodes mono float32 samples as a 16-bit PCM WAV file.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	pcm := audioio.Float32ToPCM16(samples)

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))

	le := binary.LittleEndian
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, le, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, le, uint32(16))           // chunk size
	_ = binary.Write(&buf, le, uint16(1))            // PCM
	_ = binary.Write(&buf, le, uint16(1))            // mono
	_ = binary.Write(&buf, le, uint32(sampleRate))   // sample rate
	_ = binary.Write(&buf, le, uint32(sampleRate*2)) // byte rate
	_ = binary.Write(&buf, le, uint16(2))            // block align
	_ = binary.Write(&buf, le, uint16(16))           // bits per sample

	buf.WriteString("data")
	_ = binary.Write(&buf, le, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}
