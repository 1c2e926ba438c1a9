package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/parla/pkg/metrics"
)

// LatencyObserver measures how long the tutor takes to answer: from the end
// of student speech to the first tutor transcript text and to the finalized
// tutor turn. Results are logged and forwarded to next as
// tutor_response_latency_ms events.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	last   map[string]time.Duration
	log    *slog.Logger
	next   metrics.Observer
}

type trace struct {
	speechStopped time.Time
	firstText     time.Time
}

func NewLatencyObserver(log *slog.Logger, next metrics.Observer) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		last:   make(map[string]time.Duration),
		log:    log,
		next:   next,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	sessionID := ev.Tag(metrics.TagSessionID)
	if sessionID == "" {
		return
	}
	o.mu.Lock()
	t := o.traces[sessionID]
	switch ev.Name {
	case metrics.EventSpeechStopped:
		o.traces[sessionID] = &trace{speechStopped: ev.Time}
	case metrics.EventTutorFirstText:
		if t != nil && t.firstText.IsZero() {
			t.firstText = ev.Time
		}
	case metrics.EventTurnFinalized:
		if t == nil || ev.Tag(metrics.TagSpeaker) != "tutor" {
			break
		}
		total := ev.Time.Sub(t.speechStopped)
		o.last[sessionID] = total
		delete(o.traces, sessionID)
		o.mu.Unlock()
		o.report(sessionID, t, total, ev.Time)
		return
	case metrics.EventLifecycle:
		if ev.Tag(metrics.TagState) == "ended" {
			delete(o.traces, sessionID)
		}
	}
	o.mu.Unlock()
}

// Last returns the most recent full response latency for a session.
func (o *LatencyObserver) Last(sessionID string) (time.Duration, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.last[sessionID]
	return d, ok
}

func (o *LatencyObserver) report(sessionID string, t *trace, total time.Duration, at time.Time) {
	o.log.Info("tutor_latency",
		"session_id", sessionID,
		"first_text_ms", durationMs(t.speechStopped, t.firstText),
		"turn_ms", total.Milliseconds(),
	)
	if o.next == nil {
		return
	}
	o.next.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventResponseDelay,
		Time:  at,
		Value: float64(total.Milliseconds()),
		Tags:  map[string]string{metrics.TagSessionID: sessionID},
	})
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
