package ws

import (
	"fmt"
	"net/url"
	"time"

	"github.com/harunnryd/parla/pkg/configutil"
	"github.com/harunnryd/parla/pkg/resilience"
)

// Settings configures the relay WebSocket transport. They are decoded from
// the free-form transport.settings block.
type Settings struct {
	URL               string            `mapstructure:"url"`
	Headers           map[string]string `mapstructure:"headers"`
	MaxAttempts       int               `mapstructure:"max_attempts"`
	RetryDelay        time.Duration     `mapstructure:"retry_delay"`
	BackoffMultiplier float64           `mapstructure:"backoff_multiplier"`
	MaxRetryDelay     time.Duration     `mapstructure:"max_retry_delay"`
	HandshakeTimeout  time.Duration     `mapstructure:"handshake_timeout"`
	WriteTimeout      time.Duration     `mapstructure:"write_timeout"`
	PingInterval      time.Duration     `mapstructure:"ping_interval"`
	// Keepalive turns pings off when false. Unset means on.
	Keepalive  *bool `mapstructure:"keepalive"`
	SendBuffer int   `mapstructure:"send_buffer"`
}

var settingsSchema = configutil.Schema{
	Name:     "ws",
	Required: []string{"url"},
	Optional: []string{
		"headers", "max_attempts", "retry_delay", "backoff_multiplier", "max_retry_delay",
		"handshake_timeout", "write_timeout", "ping_interval", "keepalive", "send_buffer",
	},
}

// DecodeSettings validates and decodes a raw settings map.
func DecodeSettings(raw map[string]any) (Settings, error) {
	if err := configutil.ValidateSettings(raw, settingsSchema); err != nil {
		return Settings{}, err
	}
	var s Settings
	if err := configutil.DecodeSettings(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("ws settings: %w", err)
	}
	s = s.withDefaults()
	return s, s.Validate()
}

func (s Settings) withDefaults() Settings {
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 5
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = time.Second
	}
	if s.BackoffMultiplier == 0 {
		s.BackoffMultiplier = 1
	}
	if s.HandshakeTimeout == 0 {
		s.HandshakeTimeout = 10 * time.Second
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = 5 * time.Second
	}
	if s.PingInterval == 0 {
		s.PingInterval = 20 * time.Second
	}
	if s.SendBuffer <= 0 {
		s.SendBuffer = 64
	}
	return s
}

// Validate checks the URL and numeric bounds.
func (s Settings) Validate() error {
	if err := configutil.RequireString(s.URL, "ws.url"); err != nil {
		return err
	}
	u, err := url.Parse(s.URL)
	if err != nil {
		return fmt.Errorf("ws.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("ws.url: scheme must be ws or wss, got %q", u.Scheme)
	}
	if s.MaxAttempts < 0 {
		return fmt.Errorf("ws.max_attempts must not be negative")
	}
	if s.BackoffMultiplier < 1 {
		return fmt.Errorf("ws.backoff_multiplier must be at least 1")
	}
	if err := configutil.RequirePositive(s.HandshakeTimeout, "ws.handshake_timeout"); err != nil {
		return err
	}
	return configutil.RequirePositive(s.WriteTimeout, "ws.write_timeout")
}

// pingInterval is zero when keepalive pings are off.
func (s Settings) pingInterval() time.Duration {
	if !configutil.BoolValue(s.Keepalive, true) {
		return 0
	}
	return s.PingInterval
}

// Policy converts the retry fields into a reconnect policy.
func (s Settings) Policy() resilience.ReconnectPolicy {
	return resilience.ReconnectPolicy{
		MaxAttempts: s.MaxAttempts,
		Delay:       s.RetryDelay,
		Multiplier:  s.BackoffMultiplier,
		MaxDelay:    s.MaxRetryDelay,
	}
}
