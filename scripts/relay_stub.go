// Command relay_stub is a local stand-in for the tutoring relay. It greets
// the student once the config arrives, answers every recorded utterance with
// a transcript plus a canned tutor reply carrying a short WAV clip, and
// replays the transcript with session_resumed when a session reconnects.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/parla/pkg/audio"
	"github.com/harunnryd/parla/pkg/events"
	"github.com/harunnryd/parla/pkg/logging"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type inbound struct {
	Type           string `json:"type"`
	Audio          string `json:"audio"`
	TargetLanguage string `json:"targetLanguage"`
	Topic          string `json:"topic"`
}

type relaySession struct {
	mu    sync.Mutex
	turns []events.TurnRecord
}

func (s *relaySession) add(speaker, text string) events.TurnRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := events.TurnRecord{Speaker: speaker, Transcript: text, Number: len(s.turns) + 1, Timestamp: time.Now().UTC()}
	s.turns = append(s.turns, rec)
	return rec
}

func (s *relaySession) snapshot() []events.TurnRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.TurnRecord(nil), s.turns...)
}

type relay struct {
	log      *slog.Logger
	upgrader websocket.Upgrader
	// reply is the WAV clip attached to every tutor message.
	reply []byte

	mu       sync.Mutex
	sessions map[string]*relaySession
}

func main() {
	addr := flag.String("addr", ":8089", "listen address")
	replyLen := flag.Duration("reply", 500*time.Millisecond, "length of the silent tutor clip, 0 to send text only")
	flag.Parse()

	log := logging.New(logging.Options{Level: slog.LevelInfo, Format: "text", Output: os.Stderr})
	r := &relay{
		log:      log,
		sessions: make(map[string]*relaySession),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	if *replyLen > 0 {
		const rate = 24000
		r.reply = audio.EncodeWAV(make([]byte, int(replyLen.Seconds()*rate)*2), rate)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/relay/", r.serve)
	log.Info("relay_stub_listening", "addr", *addr)
	if err := http.ListenAndServe(*addr, otelhttp.NewHandler(mux, "relay_stub")); err != nil {
		log.Error("relay_stub_stopped", "error", err)
		os.Exit(1)
	}
}

func (r *relay) session(id string) (*relaySession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = &relaySession{}
		r.sessions[id] = s
	}
	return s, ok
}

func (r *relay) serve(w http.ResponseWriter, req *http.Request) {
	id := strings.Trim(strings.TrimPrefix(req.URL.Path, "/relay/"), "/")
	if id == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("upgrade_failed", "error", err)
		return
	}
	defer conn.Close()

	log := r.log.With("session_id", id)
	sess, resumed := r.session(id)
	if resumed {
		turns := sess.snapshot()
		log.Info("session_resumed", "turns", len(turns))
		if err := conn.WriteJSON(map[string]any{"type": "session_resumed", "turns": turns}); err != nil {
			return
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Info("client_gone", "error", err)
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("bad_message", "error", err)
			continue
		}
		switch msg.Type {
		case "config":
			log.Info("config_received", "language", msg.TargetLanguage, "topic", msg.Topic)
			if len(sess.snapshot()) > 0 {
				continue
			}
			greeting := fmt.Sprintf("Hello! Let's practice %s today. Tell me about %s.", fallback(msg.TargetLanguage, "your language"), fallback(msg.Topic, "your day"))
			if err := r.tutor(conn, sess, greeting); err != nil {
				return
			}
		case "audio":
			clip, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil || len(clip) == 0 {
				log.Warn("bad_audio", "error", err)
				continue
			}
			rec := sess.add("student", fmt.Sprintf("(student utterance, %d bytes)", len(clip)))
			if err := conn.WriteJSON(map[string]any{"type": "transcript", "text": rec.Transcript}); err != nil {
				return
			}
			if err := r.tutor(conn, sess, "Very good. Can you say a little more?"); err != nil {
				return
			}
		case "end_session":
			count := len(sess.snapshot())
			log.Info("session_ended", "turns", count)
			_ = conn.WriteJSON(map[string]any{"type": "session_ended", "turns": count})
			r.mu.Lock()
			delete(r.sessions, id)
			r.mu.Unlock()
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"), time.Now().Add(time.Second))
			return
		default:
			log.Debug("ignored_message", "type", msg.Type)
		}
	}
}

func (r *relay) tutor(conn *websocket.Conn, sess *relaySession, text string) error {
	rec := sess.add("tutor", text)
	msg := map[string]any{"type": "tutor_message", "text": rec.Transcript}
	if len(r.reply) > 0 {
		msg["audio"] = base64.StdEncoding.EncodeToString(r.reply)
	}
	return conn.WriteJSON(msg)
}

func fallback(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
