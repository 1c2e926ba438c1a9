// Package events decodes the server event stream of the relay and of the
// realtime voice provider into one tagged union, and encodes the few
// messages the client sends back.
package events

import "time"

// Kind tags an inbound event.
type Kind string

const (
	KindUnknown                 Kind = "unknown"
	KindSessionCreated          Kind = "session_created"
	KindSessionResumed          Kind = "session_resumed"
	KindSessionEnded            Kind = "session_ended"
	KindSpeechStarted           Kind = "speech_started"
	KindSpeechStopped           Kind = "speech_stopped"
	KindTranscriptionDelta      Kind = "transcription_delta"
	KindTranscriptionCompleted  Kind = "transcription_completed"
	KindResponseTranscriptDelta Kind = "response_transcript_delta"
	KindResponseTranscriptDone  Kind = "response_transcript_done"
	KindResponseDone            Kind = "response_done"
	KindTutorMessage            Kind = "tutor_message"
	KindTranscript              Kind = "transcript"
	KindError                   Kind = "error"
)

// Event is one decoded server event. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind
	// Type is the type string as it appeared on the wire.
	Type   string
	ItemID string
	Text   string
	Audio  []byte
	// Message and Code describe KindError events.
	Message string
	Code    string
	// Turns carries the transcript restored by KindSessionResumed.
	Turns []TurnRecord
	// TurnCount is the number of exchanges reported by KindSessionEnded.
	TurnCount int
}

// TurnRecord is a finalized turn as exchanged with the relay and backend.
type TurnRecord struct {
	Speaker    string    `json:"speaker"`
	Transcript string    `json:"transcript"`
	Number     int       `json:"turn_number"`
	Timestamp  time.Time `json:"timestamp"`
}

var wireKinds = map[string]Kind{
	// relay
	"session_created":          KindSessionCreated,
	"session_resumed":          KindSessionResumed,
	"session_ended":            KindSessionEnded,
	"speech_started":           KindSpeechStarted,
	"speech_stopped":           KindSpeechStopped,
	"transcription_completed":  KindTranscriptionCompleted,
	"response_transcript_done": KindResponseTranscriptDone,
	"tutor_message":            KindTutorMessage,
	"transcript":               KindTranscript,
	"error":                    KindError,

	// realtime provider
	"session.created":                                       KindSessionCreated,
	"input_audio_buffer.speech_started":                     KindSpeechStarted,
	"input_audio_buffer.speech_stopped":                     KindSpeechStopped,
	"conversation.item.input_audio_transcription.delta":     KindTranscriptionDelta,
	"conversation.item.input_audio_transcription.completed": KindTranscriptionCompleted,
	"response.audio_transcript.delta":                       KindResponseTranscriptDelta,
	"response.audio_transcript.done":                        KindResponseTranscriptDone,
	"response.output_audio_transcript.delta":                KindResponseTranscriptDelta,
	"response.output_audio_transcript.done":                 KindResponseTranscriptDone,
	"response.done":                                         KindResponseDone,
}

// KindOf maps a wire type string to its Kind.
func KindOf(wireType string) Kind {
	if k, ok := wireKinds[wireType]; ok {
		return k
	}
	return KindUnknown
}
