// Package backend is the HTTP client for the tutoring backend: session
// metadata, the realtime credential broker and the transcript sink.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/parla/pkg/configutil"
	"github.com/harunnryd/parla/pkg/errorsx"
	"github.com/harunnryd/parla/pkg/events"
	"github.com/harunnryd/parla/pkg/logging"
	"github.com/harunnryd/parla/pkg/redact"
	"github.com/harunnryd/parla/pkg/resilience"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const scopeName = "github.com/harunnryd/parla/pkg/backend"

var tracer = otel.Tracer(scopeName)

// Settings configures the backend client.
type Settings struct {
	BaseURL          string        `mapstructure:"base_url"`
	Token            string        `mapstructure:"token"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

var settingsSchema = configutil.Schema{
	Name:     "backend",
	Required: []string{"base_url"},
	Optional: []string{"token", "timeout", "max_retries", "retry_backoff", "breaker_threshold", "breaker_cooldown"},
}

// DecodeSettings validates and decodes a raw settings map.
func DecodeSettings(raw map[string]any) (Settings, error) {
	if err := configutil.ValidateSettings(raw, settingsSchema); err != nil {
		return Settings{}, err
	}
	var s Settings
	if err := configutil.DecodeSettings(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("backend settings: %w", err)
	}
	s = s.withDefaults()
	return s, s.Validate()
}

func (s Settings) withDefaults() Settings {
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	if s.Timeout <= 0 {
		s.Timeout = 10 * time.Second
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = 2
	}
	if s.RetryBackoff <= 0 {
		s.RetryBackoff = 300 * time.Millisecond
	}
	return s
}

func (s Settings) Validate() error {
	if err := configutil.RequireString(s.BaseURL, "backend.base_url"); err != nil {
		return err
	}
	if _, err := url.ParseRequestURI(s.BaseURL); err != nil {
		return fmt.Errorf("backend.base_url: %w", err)
	}
	return nil
}

// Credential is a short-lived provider secret.
type Credential struct {
	Value     string
	ExpiresAt time.Time
}

// StatusError is a non-2xx backend response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Retryable reports whether the request may succeed if repeated.
func (e StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout
}

type Client struct {
	settings Settings
	http     *http.Client
	retry    resilience.RetryPolicy
	breaker  *resilience.CircuitBreaker
	log      *slog.Logger
}

// New builds a Client. httpClient may be nil; the default is instrumented
// with otelhttp.
func New(settings Settings, httpClient *http.Client, logger *slog.Logger) *Client {
	settings = settings.withDefaults()
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: settings.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "backend " + r.Method + " " + r.URL.Path
				}),
			),
		}
	}
	retry := resilience.NewRetryPolicy(settings.MaxRetries, settings.RetryBackoff)
	retry.Retryable = retryable
	return &Client{
		settings: settings,
		http:     httpClient,
		retry:    retry,
		breaker:  resilience.NewCircuitBreaker(settings.BreakerThreshold, settings.BreakerCooldown),
		log:      logging.NewComponentLogger(logger, "backend"),
	}
}

func retryable(err error) bool {
	var se StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return !resilience.IsRateLimit(err)
}

// FetchSession loads a conversation session with its exam.
func (c *Client) FetchSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	ctx, span := tracer.Start(ctx, "fetch session")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	var rec SessionRecord
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, sessionPath(sessionID, ""), nil, &rec)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SessionRecord{}, errorsx.Wrap(err, errorsx.ReasonBackendRequest)
	}
	if rec.ID == "" {
		rec.ID = sessionID
	}
	return rec, nil
}

// StartSession marks an assigned session as in progress.
func (c *Client) StartSession(ctx context.Context, sessionID string) error {
	ctx, span := tracer.Start(ctx, "start session")
	defer span.End()
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "start"), nil, nil); err != nil {
		span.RecordError(err)
		return errorsx.Wrap(err, errorsx.ReasonBackendRequest)
	}
	return nil
}

// SubmitTranscript hands the finalized transcript to the grading sink.
func (c *Client) SubmitTranscript(ctx context.Context, sessionID string, turns []events.TurnRecord) error {
	ctx, span := tracer.Start(ctx, "submit transcript")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID), attribute.Int("transcript.turns", len(turns)))

	if turns == nil {
		turns = []events.TurnRecord{}
	}
	body := map[string]any{"turns": turns}
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, sessionPath(sessionID, "complete"), body, nil)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errorsx.Wrap(err, errorsx.ReasonBackendRequest)
	}
	c.log.Info("transcript_submitted", "session_id", sessionID, "turns", len(turns))
	return nil
}

type tokenResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// EphemeralCredential asks the broker for a provider secret scoped to
// instructions. Repeated rate limiting opens a circuit breaker.
func (c *Client) EphemeralCredential(ctx context.Context, instructions string) (Credential, error) {
	ctx, span := tracer.Start(ctx, "ephemeral credential")
	defer span.End()

	if !c.breaker.Allow() {
		err := errorsx.Errorf(errorsx.ReasonBrokerCircuitOpen, "credential broker: circuit open")
		span.RecordError(err)
		return Credential{}, err
	}
	var resp tokenResponse
	err := c.do(ctx, http.MethodPost, "/realtime/token", map[string]string{"instructions": instructions}, &resp)
	if err != nil {
		c.breaker.OnError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if resilience.IsRateLimit(err) {
			return Credential{}, errorsx.Wrap(err, errorsx.ReasonBrokerRateLimit)
		}
		return Credential{}, errorsx.Wrap(err, errorsx.ReasonBackendRequest)
	}
	c.breaker.OnSuccess()
	cred := Credential{Value: resp.ClientSecret.Value}
	if resp.ClientSecret.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(resp.ClientSecret.ExpiresAt, 0)
	}
	if strings.TrimSpace(cred.Value) == "" {
		return Credential{}, errorsx.Errorf(errorsx.ReasonNegotiationCredential, "credential broker: no client_secret in response")
	}
	c.log.Debug("credential_issued", "token", redact.Secret(cred.Value), "expires_at", cred.ExpiresAt)
	return cred, nil
}

// EphemeralToken returns only the secret value.
func (c *Client) EphemeralToken(ctx context.Context, instructions string) (string, error) {
	cred, err := c.EphemeralCredential(ctx, instructions)
	if err != nil {
		return "", err
	}
	return cred.Value, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.settings.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.settings.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.settings.Token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("backend_request_failed", "method", method, "path", path, "error", redact.Text(err.Error()))
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	c.log.Debug("backend_request", "method", method, "path", path, "status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode == http.StatusTooManyRequests {
		return resilience.RateLimitError{
			Endpoint:   path,
			Message:    fmt.Sprintf("%s %s: rate limited", method, path),
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: redact.Text(truncate(string(raw), 256))}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func sessionPath(id, action string) string {
	p := "/conversation-sessions/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
