package events

import (
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/harunnryd/parla/pkg/errorsx"
	"github.com/harunnryd/parla/pkg/session"
)

// ErrUnsupported is returned when a codec has no message for an intent.
var ErrUnsupported = errors.New("events: message not supported by codec")

// Codec encodes client intents for one peer type.
type Codec interface {
	Name() string
	EncodeConfig(cfg session.Config) ([]byte, error)
	// EncodeEndSession returns nil when the peer has no end-of-session message.
	EncodeEndSession() ([]byte, error)
	EncodeAudio(pcm []byte) ([]byte, error)
}

// RelayCodec speaks the backend relay protocol.
type RelayCodec struct{}

func (RelayCodec) Name() string { return "relay" }

func (RelayCodec) EncodeConfig(cfg session.Config) ([]byte, error) {
	body, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	// {"type":"config", ...config fields}
	out := make([]byte, 0, len(body)+16)
	out = append(out, `{"type":"config"`...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

func (RelayCodec) EncodeEndSession() ([]byte, error) {
	return []byte(`{"type":"end_session"}`), nil
}

func (RelayCodec) EncodeAudio(pcm []byte) ([]byte, error) {
	return json.Marshal(struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}{Type: "audio", Audio: base64.StdEncoding.EncodeToString(pcm)})
}

// ProviderCodec speaks the realtime provider's data channel protocol. The
// session config becomes a session.update; audio travels over WebRTC media.
type ProviderCodec struct {
	TranscriptionModel string
	Voice              string
}

func (ProviderCodec) Name() string { return "provider" }

type providerSession struct {
	Instructions            string                 `json:"instructions"`
	Voice                   string                 `json:"voice,omitempty"`
	InputAudioTranscription *providerTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *providerTurnDetection `json:"turn_detection,omitempty"`
}

type providerTranscription struct {
	Model string `json:"model"`
}

type providerTurnDetection struct {
	Type string `json:"type"`
}

func (c ProviderCodec) EncodeConfig(cfg session.Config) ([]byte, error) {
	model := c.TranscriptionModel
	if model == "" {
		model = "whisper-1"
	}
	return json.Marshal(struct {
		Type    string          `json:"type"`
		Session providerSession `json:"session"`
	}{
		Type: "session.update",
		Session: providerSession{
			Instructions:            cfg.Instructions(),
			Voice:                   c.Voice,
			InputAudioTranscription: &providerTranscription{Model: model},
			TurnDetection:           &providerTurnDetection{Type: "server_vad"},
		},
	})
}

func (ProviderCodec) EncodeEndSession() ([]byte, error) { return nil, nil }

func (ProviderCodec) EncodeAudio([]byte) ([]byte, error) {
	return nil, ErrUnsupported
}

func decodeAudio(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, nil
	}
	out, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonProtocolDecode)
	}
	return out, nil
}
