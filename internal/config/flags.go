package config

import (
	"time"

	"github.com/spf13/pflag"
)

// Flag names.
const (
	FlagConfig           = "config"
	FlagLogLevel         = "log-level"
	FlagLogFormat        = "log-format"
	FlagDebug            = "debug"
	FlagWeb              = "web"
	FlagVoice            = "voice"
	FlagSpeed            = "speed"
	FlagSilenceThreshold = "silence-threshold"
	FlagSilenceDuration  = "silence-duration"
	FlagSampleRate       = "sample-rate"
	FlagModel            = "model"
	FlagPrompt           = "prompt"
	FlagChunkSize        = "chunk-size"
	FlagSTTModel         = "stt-model"
	FlagLLM              = "llm"
	FlagTTS              = "tts"
	FlagSTT              = "stt"
	FlagAudioBackend     = "audio-backend"
	FlagNoListen         = "no-listen"
)

// RegisterFlags adds the configuration flags to fs. Flag defaults are
// informational only; a flag overrides the file and environment only when
// it is set on the command line.
func RegisterFlags(fs *pflag.FlagSet) {
	def := Default()

	fs.StringP(FlagConfig, "c", "", "YAML config file")
	fs.String(FlagLogLevel, def.Log.Level, "log level (debug, info, warn, error)")
	fs.String(FlagLogFormat, def.Log.Format, "log format (text, json)")
	fs.Bool(FlagDebug, false, "shorthand for --log-level=debug")
	fs.String(FlagWeb, "", "serve the control API and event feed on this address, e.g. :8080")

	fs.String(FlagVoice, def.Synthesis.Voice, "voice ID for speech synthesis")
	fs.Float64(FlagSpeed, def.Synthesis.Speed, "speech speed multiplier")
	fs.Float64(FlagSilenceThreshold, def.Segmenter.SilenceThreshold, "mean absolute level below which audio is silence")
	fs.Float64(FlagSilenceDuration, def.Segmenter.SilenceDuration.Seconds(), "seconds of silence that end an utterance")
	fs.Int(FlagSampleRate, def.Segmenter.SampleRate, "capture sample rate in Hz")
	fs.String(FlagModel, def.Inference.OpenAI.Model, "language model")
	fs.String(FlagPrompt, def.Response.SystemPrompt, "system prompt")
	fs.Int(FlagChunkSize, def.Chunker.MaxLength, "maximum characters per spoken chunk")
	fs.String(FlagSTTModel, def.Transcription.Whisper.Model, "speech recognition model")

	fs.String(FlagLLM, def.Inference.Provider, "language model provider (openai, gemini, mock)")
	fs.String(FlagTTS, def.TTS.Provider, "speech synthesis provider (openai, elevenlabs, mock)")
	fs.String(FlagSTT, def.Transcription.Provider, "speech recognition provider (whisper, google, mock)")
	fs.String(FlagAudioBackend, string(def.Audio.Capture.Backend), "audio backend (portaudio, mock)")
	fs.Bool(FlagNoListen, false, "do not start listening automatically")
}

// ApplyFlags copies every flag set on the command line into l.
func ApplyFlags(l *Loader, fs *pflag.FlagSet) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		err = applyFlag(l, fs, f.Name)
	})
	return err
}

func applyFlag(l *Loader, fs *pflag.FlagSet, name string) error {
	switch name {
	case FlagLogLevel:
		v, err := fs.GetString(name)
		l.Set("log.level", v)
		return err
	case FlagLogFormat:
		v, err := fs.GetString(name)
		l.Set("log.format", v)
		return err
	case FlagDebug:
		v, err := fs.GetBool(name)
		if v {
			l.Set("log.level", "debug")
		}
		return err
	case FlagWeb:
		v, err := fs.GetString(name)
		if v != "" {
			l.Set("web.enabled", true)
			l.Set("web.addr", v)
		}
		return err
	case FlagVoice:
		v, err := fs.GetString(name)
		l.Set("synthesis.voice", v)
		return err
	case FlagSpeed:
		v, err := fs.GetFloat64(name)
		l.Set("synthesis.speed", v)
		return err
	case FlagSilenceThreshold:
		v, err := fs.GetFloat64(name)
		l.Set("segmenter.silence_threshold", v)
		return err
	case FlagSilenceDuration:
		v, err := fs.GetFloat64(name)
		l.Set("segmenter.silence_duration", time.Duration(v*float64(time.Second)).String())
		return err
	case FlagSampleRate:
		v, err := fs.GetInt(name)
		l.Set("segmenter.sample_rate", v)
		l.Set("audio.capture.sample_rate", v)
		return err
	case FlagModel:
		v, err := fs.GetString(name)
		l.Set("response.model", v)
		return err
	case FlagPrompt:
		v, err := fs.GetString(name)
		l.Set("response.system_prompt", v)
		return err
	case FlagChunkSize:
		v, err := fs.GetInt(name)
		l.Set("chunker.max_length", v)
		return err
	case FlagSTTModel:
		v, err := fs.GetString(name)
		l.Set("transcription.whisper.model", v)
		l.Set("transcription.google.model", v)
		return err
	case FlagLLM:
		v, err := fs.GetString(name)
		l.Set("inference.provider", v)
		return err
	case FlagTTS:
		v, err := fs.GetString(name)
		l.Set("tts.provider", v)
		return err
	case FlagSTT:
		v, err := fs.GetString(name)
		l.Set("transcription.provider", v)
		return err
	case FlagAudioBackend:
		v, err := fs.GetString(name)
		l.Set("audio.capture.backend", v)
		l.Set("audio.playback.backend", v)
		return err
	case FlagNoListen:
		v, err := fs.GetBool(name)
		if v {
			l.Set("listen", false)
		}
		return err
	}
	return nil
}
