package metrics

import "time"

// Event names emitted by the session engine.
const (
	EventTransportState = "transport_state"
	EventReconnect      = "transport_reconnect"
	EventConfigSent     = "config_sent"
	EventTurnFinalized  = "turn_finalized"
	EventAudioSent      = "audio_sent"
	EventLifecycle      = "lifecycle_state"
	EventNegotiation    = "negotiation_step"
	EventServerError    = "server_error"
	EventSpeechStopped  = "speech_stopped"
	EventTutorFirstText = "tutor_first_text"
	EventResponseDelay  = "tutor_response_latency_ms"
)

// Tag keys shared by emitters and observers.
const (
	TagSessionID = "session_id"
	TagSpeaker   = "speaker"
	TagState     = "state"
	TagTransport = "transport"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Tag returns a tag value or the empty string.
func (ev MetricsEvent) Tag(key string) string {
	if ev.Tags == nil {
		return ""
	}
	return ev.Tags[key]
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Record is a nil-safe helper that stamps the time when missing.
func Record(o Observer, ev MetricsEvent) {
	if o == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	o.RecordEvent(ev)
}
