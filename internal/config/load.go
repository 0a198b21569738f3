package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g.
// VOICELOOP_SEGMENTER_SILENCE_THRESHOLD.
const EnvPrefix = "VOICELOOP"

// Conventional key variables honored in addition to the prefixed ones.
var apiKeyEnv = map[string]string{
	"inference.openai.api_key":      "OPENAI_API_KEY",
	"inference.gemini.api_key":      "GEMINI_API_KEY",
	"transcription.whisper.api_key": "OPENAI_API_KEY",
	"tts.openai.api_key":            "OPENAI_API_KEY",
	"tts.elevenlabs.api_key":        "ELEVENLABS_API_KEY",
}

var durationType = reflect.TypeOf(time.Duration(0))

// Loader layers configuration sources over the defaults.
type Loader struct {
	v    *viper.Viper
	file string
}

// NewLoader creates a loader seeded with Default and bound to the
// environment.
func NewLoader() *Loader {
	v := viper.New()
	setDefaults(v, "", reflect.ValueOf(Default()))

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, name := range apiKeyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, prefixed, name)
	}
	return &Loader{v: v}
}

// LoadDotEnv loads variables from the given .env files, or ./.env when
// none are given. Missing files are ignored and existing variables win.
func (l *Loader) LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

// ReadFile merges a YAML file. An empty path is a no-op.
func (l *Loader) ReadFile(path string) error {
	if path == "" {
		return nil
	}
	l.v.SetConfigFile(path)
	l.v.SetConfigType("yaml")
	if err := l.v.MergeInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	l.file = path
	return nil
}

// Set overrides a key, taking precedence over every other source.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

// File returns the merged config file, if any.
func (l *Loader) File() string { return l.file }

// Config decodes and validates the layered configuration.
func (l *Loader) Config() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Dump renders the effective configuration as YAML with API keys redacted.
func (l *Loader) Dump() ([]byte, error) {
	settings := normalize(l.v.AllSettings(), "")
	return yaml.Marshal(settings)
}

// Load is the usual sequence: .env, the optional file, then cfg
// validation. Flag overrides must be applied to l before calling it.
func (l *Loader) Load(path string) (*Config, error) {
	if err := l.LoadDotEnv(); err != nil {
		return nil, err
	}
	if err := l.ReadFile(path); err != nil {
		return nil, err
	}
	return l.Config()
}

// setDefaults registers every leaf of v's struct under its mapstructure key.
func setDefaults(vp *viper.Viper, prefix string, rv reflect.Value) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		name, opts, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
		if name == "-" {
			continue
		}
		fv := rv.Field(i)
		if opts == "squash" {
			setDefaults(vp, prefix, fv)
			continue
		}
		if name == "" {
			name = strings.ToLower(field.Name)
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}

		switch {
		case fv.Type() == durationType:
			vp.SetDefault(key, fv.Interface())
		case fv.Kind() == reflect.Struct:
			setDefaults(vp, key, fv)
		case fv.Kind() == reflect.Pointer, fv.Kind() == reflect.Func:
		case fv.Kind() == reflect.String:
			vp.SetDefault(key, fv.String())
		default:
			vp.SetDefault(key, fv.Interface())
		}
	}
}

// normalize prints durations as strings and hides secrets.
func normalize(m map[string]any, prefix string) map[string]any {
	out := make(map[string]any, len(m))
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch x := val.(type) {
		case map[string]any:
			out[k] = normalize(x, key)
		case time.Duration:
			out[k] = x.String()
		default:
			if strings.HasSuffix(key, "api_key") {
				if s, ok := val.(string); ok && s != "" {
					out[k] = "<redacted>"
					continue
				}
			}
			out[k] = val
		}
	}
	return out
}
