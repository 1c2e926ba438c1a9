package parla

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/parla/pkg/session"
	"github.com/spf13/viper"
)

// Modes select how audio reaches the tutor.
const (
	ModeRelay    = "relay"
	ModeProvider = "provider"
)

type Config struct {
	Mode          string              `mapstructure:"mode"`
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Backend       VendorConfig        `mapstructure:"backend"`
	Transports    VendorConfig        `mapstructure:"transports"`
	Negotiator    VendorConfig        `mapstructure:"negotiator"`
	Media         MediaConfig         `mapstructure:"media"`
	Session       SessionConfig       `mapstructure:"session"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type MediaConfig struct {
	// Source is "silence", "ogg" or, in relay mode, "files".
	Source string   `mapstructure:"source"`
	File   string   `mapstructure:"file"`
	Files  []string `mapstructure:"files"`
	Loop   bool     `mapstructure:"loop"`
	// Utterance is the length of one silent relay clip.
	Utterance  time.Duration `mapstructure:"utterance"`
	RecordDir  string        `mapstructure:"record_dir"`
	SampleRate int           `mapstructure:"sample_rate"`
	Voice      string        `mapstructure:"voice"`
}

func (m MediaConfig) clipPaths() []string {
	paths := append([]string(nil), m.Files...)
	if strings.TrimSpace(m.File) != "" {
		paths = append([]string{m.File}, paths...)
	}
	return paths
}

// SessionConfig describes a session for runs without a backend.
type SessionConfig struct {
	TargetLanguage     string   `mapstructure:"target_language"`
	Level              string   `mapstructure:"level"`
	Topic              string   `mapstructure:"topic"`
	Vocabulary         []string `mapstructure:"vocabulary"`
	VerbTenses         []string `mapstructure:"verb_tenses"`
	RegionVariant      string   `mapstructure:"region_variant"`
	Title              string   `mapstructure:"title"`
	ConversationPrompt string   `mapstructure:"conversation_prompt"`
	CulturalContext    string   `mapstructure:"cultural_context"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string  `mapstructure:"artifacts_dir"`
	RetentionDays int     `mapstructure:"retention_days"`
	Timeline      bool    `mapstructure:"timeline"`
	Summary       bool    `mapstructure:"summary"`
	MetricsFile   string  `mapstructure:"metrics_file"`
	AudioSampling float64 `mapstructure:"audio_sampling"`
	AsyncBuffer   int     `mapstructure:"async_buffer"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PARLA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("mode", ModeRelay)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("transports.provider", "ws")
	v.SetDefault("negotiator.provider", "webrtc")
	v.SetDefault("media.source", "silence")
	v.SetDefault("media.loop", false)
	v.SetDefault("media.sample_rate", 24000)
	v.SetDefault("media.utterance", "2s")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.timeline", true)
	v.SetDefault("observability.summary", true)
	v.SetDefault("observability.audio_sampling", 0.1)
	v.SetDefault("observability.async_buffer", 256)
	v.SetDefault("privacy.redact_pii", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Mode {
	case ModeRelay:
		if strings.TrimSpace(c.Transports.Provider) == "" {
			return fmt.Errorf("transports.provider is required in relay mode")
		}
		if strings.TrimSpace(c.Media.Source) == "files" && len(c.Media.clipPaths()) == 0 {
			return fmt.Errorf("media.files is required for the files source")
		}
	case ModeProvider:
		if strings.TrimSpace(c.Negotiator.Provider) != "webrtc" {
			return fmt.Errorf("negotiator.provider %q is not supported", c.Negotiator.Provider)
		}
		if len(c.Backend.Settings) == 0 {
			return fmt.Errorf("backend.settings is required in provider mode")
		}
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeRelay, ModeProvider, c.Mode)
	}
	if strings.TrimSpace(c.Media.Source) == "ogg" && strings.TrimSpace(c.Media.File) == "" {
		return fmt.Errorf("media.file is required for the ogg source")
	}
	if len(c.Backend.Settings) == 0 && strings.TrimSpace(c.Session.TargetLanguage) == "" {
		return fmt.Errorf("session.target_language is required without a backend")
	}
	if s := c.Observability.AudioSampling; s < 0 || s > 1 {
		return fmt.Errorf("observability.audio_sampling must be within [0,1]")
	}
	return nil
}

// HasBackend reports whether session metadata comes from the backend.
func (c Config) HasBackend() bool { return len(c.Backend.Settings) > 0 }

// Params converts the static session block for sessionID.
func (s SessionConfig) Params(sessionID string) session.Params {
	return session.Params{
		SessionID:          sessionID,
		TargetLanguage:     s.TargetLanguage,
		Level:              s.Level,
		Topic:              s.Topic,
		Vocabulary:         s.Vocabulary,
		VerbTenses:         s.VerbTenses,
		RegionVariant:      s.RegionVariant,
		Title:              s.Title,
		ConversationPrompt: s.ConversationPrompt,
		CulturalContext:    s.CulturalContext,
	}
}

// expandEnvStrings substitutes ${VAR} references in every string field and
// inside the free-form settings maps.
func expandEnvStrings(cfg *Config) {
	expandStruct(reflect.ValueOf(cfg).Elem())
}

func expandStruct(v reflect.Value) {
	for i := 0; i < v.NumField(); i++ {
		f := v.Field(i)
		switch f.Kind() {
		case reflect.Struct:
			expandStruct(f)
		case reflect.String:
			f.SetString(os.ExpandEnv(f.String()))
		case reflect.Slice, reflect.Map:
			if f.IsNil() {
				continue
			}
			if out := reflect.ValueOf(expandEnv(f.Interface())); out.Type().AssignableTo(f.Type()) {
				f.Set(out)
			}
		}
	}
}

func expandEnv(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []string:
		for i := range val {
			val[i] = os.ExpandEnv(val[i])
		}
		return val
	case []any:
		for i := range val {
			val[i] = expandEnv(val[i])
		}
		return val
	case map[string]any:
		for k, item := range val {
			val[k] = expandEnv(item)
		}
		return val
	case map[any]any:
		// yaml v2 style maps; keys are normalized to strings.
		out := make(map[string]any, len(val))
		for k, item := range val {
			if ks, ok := k.(string); ok {
				out[ks] = expandEnv(item)
			}
		}
		return out
	}
	return v
}
