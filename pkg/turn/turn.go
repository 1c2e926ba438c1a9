// Package turn assembles finalized conversation turns from the server event
// stream and keeps them in conversational order.
package turn

import (
	"time"

	"github.com/harunnryd/parla/pkg/events"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerStudent Speaker = "student"
	SpeakerTutor   Speaker = "tutor"
)

// Turn is one finalized utterance. Number is its position in the
// conversation, not the order in which it was finalized.
type Turn struct {
	Speaker    Speaker
	Transcript string
	Timestamp  time.Time
	Number     int
}

// Record converts the turn to its wire form.
func (t Turn) Record() events.TurnRecord {
	return events.TurnRecord{
		Speaker:    string(t.Speaker),
		Transcript: t.Transcript,
		Number:     t.Number,
		Timestamp:  t.Timestamp,
	}
}

// FromRecord converts a wire record back into a Turn.
func FromRecord(r events.TurnRecord) Turn {
	sp := SpeakerStudent
	if r.Speaker == string(SpeakerTutor) {
		sp = SpeakerTutor
	}
	return Turn{Speaker: sp, Transcript: r.Transcript, Timestamp: r.Timestamp, Number: r.Number}
}
