package turn

import (
	"strings"
	"time"

	"github.com/harunnryd/parla/pkg/events"
)

type pendingStudent struct {
	itemID string
	number int
}

// State is the assembler's value state. Step never mutates its input.
type State struct {
	Counter    int
	pending    []pendingStudent
	studentBuf string
	tutorBuf   string
}

// PendingStudents reports how many student utterances await transcription.
func (s State) PendingStudents() int { return len(s.pending) }

// TutorBuffer returns the tutor text accumulated from deltas.
func (s State) TutorBuffer() string { return s.tutorBuf }

// NewState returns a state whose next allocated number is base+1.
func NewState(base int) State {
	if base < 0 {
		base = 0
	}
	return State{Counter: base}
}

// Step applies one event and returns the next state plus any turns it
// finalized.
//
// A turn number is reserved when the student starts speaking, so a
// transcription that completes after the tutor already answered still sorts
// before that answer. Completions match their reservation by item id when the
// server provides one and otherwise in arrival order.
func Step(s State, ev events.Event, now time.Time) (State, []Turn) {
	switch ev.Kind {
	case events.KindSpeechStarted:
		s.Counter++
		s.pending = appendPending(s.pending, pendingStudent{itemID: ev.ItemID, number: s.Counter})
		s.studentBuf = ""
		return s, nil

	case events.KindTranscriptionDelta:
		s.studentBuf += ev.Text
		return s, nil

	case events.KindTranscriptionCompleted:
		text := ev.Text
		if text == "" {
			text = s.studentBuf
		}
		s.studentBuf = ""
		var number int
		s.pending, number = takePending(s.pending, ev.ItemID)
		if number == 0 {
			number = s.Counter
		}
		if strings.TrimSpace(text) == "" {
			return s, nil
		}
		return s, []Turn{{Speaker: SpeakerStudent, Transcript: strings.TrimSpace(text), Timestamp: now, Number: number}}

	case events.KindTranscript:
		// The relay transcribes a whole utterance at once.
		if strings.TrimSpace(ev.Text) == "" {
			return s, nil
		}
		s.Counter++
		return s, []Turn{{Speaker: SpeakerStudent, Transcript: strings.TrimSpace(ev.Text), Timestamp: now, Number: s.Counter}}

	case events.KindResponseTranscriptDelta:
		s.tutorBuf += ev.Text
		return s, nil

	case events.KindResponseTranscriptDone, events.KindTutorMessage:
		text := ev.Text
		if text == "" {
			text = s.tutorBuf
		}
		s.tutorBuf = ""
		return finalizeTutor(s, text, now)

	case events.KindResponseDone:
		text := s.tutorBuf
		s.tutorBuf = ""
		return finalizeTutor(s, text, now)
	}
	return s, nil
}

func finalizeTutor(s State, text string, now time.Time) (State, []Turn) {
	text = strings.TrimSpace(text)
	if text == "" {
		return s, nil
	}
	s.Counter++
	return s, []Turn{{Speaker: SpeakerTutor, Transcript: text, Timestamp: now, Number: s.Counter}}
}

func appendPending(in []pendingStudent, p pendingStudent) []pendingStudent {
	out := make([]pendingStudent, 0, len(in)+1)
	out = append(out, in...)
	return append(out, p)
}

// takePending removes the reservation for itemID, or the oldest one when the
// id is empty or unknown. It returns 0 when nothing is pending.
func takePending(in []pendingStudent, itemID string) ([]pendingStudent, int) {
	if len(in) == 0 {
		return in, 0
	}
	idx := 0
	if itemID != "" {
		for i, p := range in {
			if p.itemID == itemID {
				idx = i
				break
			}
		}
	}
	number := in[idx].number
	out := make([]pendingStudent, 0, len(in)-1)
	out = append(out, in[:idx]...)
	out = append(out, in[idx+1:]...)
	return out, number
}

// Assembler wraps Step with the state it carries between events. It is not
// safe for concurrent use; the session controller drives it from one
// goroutine.
type Assembler struct {
	state State
	now   func() time.Time
}

// NewAssembler returns an assembler starting at turn number 1.
func NewAssembler() *Assembler {
	return &Assembler{now: time.Now}
}

// Ingest applies ev and returns the turns it finalized.
func (a *Assembler) Ingest(ev events.Event) []Turn {
	var out []Turn
	a.state, out = Step(a.state, ev, a.now())
	return out
}

// Reset clears buffers and reservations. Numbering continues after base so a
// new connection never reuses a number already in the transcript.
func (a *Assembler) Reset(base int) {
	a.state = NewState(base)
}

// State returns a snapshot of the current state.
func (a *Assembler) State() State {
	return a.state
}
