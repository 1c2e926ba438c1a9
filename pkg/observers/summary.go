package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/parla/pkg/metrics"
)

// SessionSummary aggregates usage for one tutoring session.
type SessionSummary struct {
	SessionID     string  `json:"session_id"`
	StudentTurns  int     `json:"student_turns"`
	TutorTurns    int     `json:"tutor_turns"`
	AudioSentSec  float64 `json:"audio_sent_seconds"`
	ConfigSends   int     `json:"config_sends"`
	Reconnects    int     `json:"reconnects"`
	ServerErrors  int     `json:"server_errors"`
	RecordedAtUTC string  `json:"recorded_at_utc"`
}

// SummaryObserver writes <session>.summary.json when a session ends or on Close.
type SummaryObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*SessionSummary
}

func NewSummaryObserver(dir string) *SummaryObserver {
	return &SummaryObserver{dir: dir, stats: make(map[string]*SessionSummary)}
}

func (o *SummaryObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := ev.Tag(metrics.TagSessionID)
	if id == "" {
		return
	}
	o.mu.Lock()
	stat := o.stats[id]
	if stat == nil {
		stat = &SessionSummary{SessionID: id}
		o.stats[id] = stat
	}
	switch ev.Name {
	case metrics.EventTurnFinalized:
		if ev.Tag(metrics.TagSpeaker) == "tutor" {
			stat.TutorTurns++
		} else {
			stat.StudentTurns++
		}
	case metrics.EventAudioSent:
		stat.AudioSentSec += audioSeconds(ev.Fields)
	case metrics.EventConfigSent:
		stat.ConfigSends++
	case metrics.EventReconnect:
		stat.Reconnects++
	case metrics.EventServerError:
		stat.ServerErrors++
	case metrics.EventLifecycle:
		if ev.Tag(metrics.TagState) == "ended" {
			delete(o.stats, id)
			o.mu.Unlock()
			_ = o.write(stat)
			return
		}
	}
	o.mu.Unlock()
}

// Snapshot returns a copy of the running summary for a session.
func (o *SummaryObserver) Snapshot(sessionID string) (SessionSummary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stat, ok := o.stats[sessionID]
	if !ok {
		return SessionSummary{}, false
	}
	return *stat, true
}

// Close writes summaries for sessions that never reached the ended state.
func (o *SummaryObserver) Close() error {
	o.mu.Lock()
	pending := o.stats
	o.stats = make(map[string]*SessionSummary)
	o.mu.Unlock()
	var errOut error
	for _, stat := range pending {
		errOut = errors.Join(errOut, o.write(stat))
	}
	return errOut
}

func (o *SummaryObserver) write(stat *SessionSummary) error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
	b, err := json.MarshalIndent(stat, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(o.dir, sanitizeID(stat.SessionID)+".summary.json"), b, 0o644)
}

// audioSeconds converts the byte count of a PCM16 chunk into seconds.
func audioSeconds(fields map[string]any) float64 {
	if fields == nil {
		return 0
	}
	n := numberField(fields["bytes"])
	rate := numberField(fields["sample_rate"])
	channels := numberField(fields["channels"])
	if channels <= 0 {
		channels = 1
	}
	if n <= 0 || rate <= 0 {
		return 0
	}
	return n / (rate * channels * 2)
}

func numberField(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	default:
		return 0
	}
}

var _ metrics.Observer = (*SummaryObserver)(nil)
