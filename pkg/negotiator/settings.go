package negotiator

import (
	"fmt"
	"net/url"
	"time"

	"github.com/harunnryd/parla/pkg/configutil"
	"github.com/pion/webrtc/v4"
)

const (
	DefaultSignalingURL = "https://api.openai.com/v1/realtime"
	DefaultModel        = "gpt-4o-transcribe"
	DefaultChannelLabel = "oai-events"
)

// Settings configures the WebRTC negotiation.
type Settings struct {
	SignalingURL   string        `mapstructure:"signaling_url"`
	Model          string        `mapstructure:"model"`
	ChannelLabel   string        `mapstructure:"channel_label"`
	ICEServers     []string      `mapstructure:"ice_servers"`
	GatherTimeout  time.Duration `mapstructure:"gather_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

var settingsSchema = configutil.Schema{
	Name: "webrtc",
	Optional: []string{
		"signaling_url", "model", "channel_label", "ice_servers", "gather_timeout", "request_timeout",
	},
}

// DecodeSettings validates and decodes a raw settings map.
func DecodeSettings(raw map[string]any) (Settings, error) {
	if err := configutil.ValidateSettings(raw, settingsSchema); err != nil {
		return Settings{}, err
	}
	var s Settings
	if err := configutil.DecodeSettings(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("webrtc settings: %w", err)
	}
	s = s.withDefaults()
	return s, s.Validate()
}

func (s Settings) withDefaults() Settings {
	if s.SignalingURL == "" {
		s.SignalingURL = DefaultSignalingURL
	}
	if s.Model == "" {
		s.Model = DefaultModel
	}
	if s.ChannelLabel == "" {
		s.ChannelLabel = DefaultChannelLabel
	}
	if s.GatherTimeout == 0 {
		s.GatherTimeout = 5 * time.Second
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = 15 * time.Second
	}
	return s
}

func (s Settings) Validate() error {
	u, err := url.Parse(s.SignalingURL)
	if err != nil {
		return fmt.Errorf("webrtc.signaling_url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("webrtc.signaling_url: scheme must be http or https, got %q", u.Scheme)
	}
	if err := configutil.RequirePositive(s.GatherTimeout, "webrtc.gather_timeout"); err != nil {
		return err
	}
	if err := configutil.RequirePositive(s.RequestTimeout, "webrtc.request_timeout"); err != nil {
		return err
	}
	return configutil.RequireString(s.Model, "webrtc.model")
}

// endpoint returns the signaling URL with the model query parameter set.
func (s Settings) endpoint() (string, error) {
	u, err := url.Parse(s.SignalingURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", s.Model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s Settings) peerConfig() webrtc.Configuration {
	var cfg webrtc.Configuration
	if len(s.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: append([]string(nil), s.ICEServers...)}}
	}
	return cfg
}
