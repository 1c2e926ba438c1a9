package events

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/harunnryd/parla/pkg/errorsx"
)

type wireEvent struct {
	Type       string          `json:"type"`
	ItemID     string          `json:"item_id"`
	Text       string          `json:"text"`
	Transcript *string         `json:"transcript"`
	Delta      string          `json:"delta"`
	Audio      string          `json:"audio"`
	Message    string          `json:"message"`
	Code       string          `json:"code"`
	Error      json.RawMessage `json:"error"`
	Turns      json.RawMessage `json:"turns"`
}

type wireError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Type    string `json:"type"`
}

// Decode parses one server message. Malformed payloads return a
// protocol_decode error; well-formed messages of an unrecognised type decode
// to KindUnknown without error so callers can skip them quietly.
func Decode(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, errorsx.Wrap(err, errorsx.ReasonProtocolDecode)
	}
	if strings.TrimSpace(w.Type) == "" {
		return Event{}, errorsx.Errorf(errorsx.ReasonProtocolDecode, "event without type")
	}
	ev := Event{Kind: KindOf(w.Type), Type: w.Type, ItemID: w.ItemID}
	switch ev.Kind {
	case KindTranscriptionDelta, KindResponseTranscriptDelta:
		ev.Text = w.Delta
	case KindTranscriptionCompleted, KindResponseTranscriptDone:
		ev.Text = w.Text
		if w.Transcript != nil {
			ev.Text = *w.Transcript
		}
	case KindTutorMessage:
		ev.Text = w.Text
		audio, err := decodeAudio(w.Audio)
		if err != nil {
			return Event{}, err
		}
		ev.Audio = audio
	case KindTranscript:
		ev.Text = w.Text
	case KindError:
		ev.Message, ev.Code = w.Message, w.Code
		if len(w.Error) > 0 && !bytes.Equal(w.Error, []byte("null")) {
			var we wireError
			if err := json.Unmarshal(w.Error, &we); err == nil {
				ev.Message = firstNonEmpty(we.Message, ev.Message)
				ev.Code = firstNonEmpty(we.Code, we.Type, ev.Code)
			} else {
				var s string
				if json.Unmarshal(w.Error, &s) == nil {
					ev.Message = firstNonEmpty(s, ev.Message)
				}
			}
		}
		if ev.Message == "" {
			ev.Message = "unknown server error"
		}
	case KindSessionEnded, KindSessionResumed:
		if err := decodeTurns(w.Turns, &ev); err != nil {
			return Event{}, err
		}
	}
	return ev, nil
}

// decodeTurns accepts either a count or a list of turn records.
func decodeTurns(raw json.RawMessage, ev *Event) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &ev.Turns); err != nil {
			return errorsx.Wrap(err, errorsx.ReasonProtocolDecode)
		}
		ev.TurnCount = len(ev.Turns)
		return nil
	}
	if err := json.Unmarshal(raw, &ev.TurnCount); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonProtocolDecode)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
