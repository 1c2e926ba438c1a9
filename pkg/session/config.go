// Package session holds the immutable parameters a tutoring session is
// configured with.
package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Params is the mutable input used to build a Config.
type Params struct {
	SessionID          string
	ExamID             string
	TargetLanguage     string
	Level              string
	Topic              string
	Vocabulary         []string
	VerbTenses         []string
	RegionVariant      string
	Title              string
	ConversationPrompt string
	CulturalContext    string
}

// Config is the immutable session configuration sent to the relay or the
// voice provider once per connection epoch. The zero value is empty and
// reports IsZero.
type Config struct {
	sessionID          string
	examID             string
	targetLanguage     string
	level              string
	topic              string
	vocabulary         []string
	verbTenses         []string
	regionVariant      string
	title              string
	conversationPrompt string
	culturalContext    string
}

// New validates p and returns a Config. Vocabulary keeps its order; verb
// tenses are a set and are stored sorted without duplicates.
func New(p Params) (Config, error) {
	if strings.TrimSpace(p.TargetLanguage) == "" {
		return Config{}, fmt.Errorf("session: target language is required")
	}
	vocab := make([]string, 0, len(p.Vocabulary))
	for _, v := range p.Vocabulary {
		if v = strings.TrimSpace(v); v != "" {
			vocab = append(vocab, v)
		}
	}
	return Config{
		sessionID:          strings.TrimSpace(p.SessionID),
		examID:             strings.TrimSpace(p.ExamID),
		targetLanguage:     strings.TrimSpace(p.TargetLanguage),
		level:              strings.TrimSpace(p.Level),
		topic:              strings.TrimSpace(p.Topic),
		vocabulary:         vocab,
		verbTenses:         tenseSet(p.VerbTenses),
		regionVariant:      strings.TrimSpace(p.RegionVariant),
		title:              strings.TrimSpace(p.Title),
		conversationPrompt: strings.TrimSpace(p.ConversationPrompt),
		culturalContext:    strings.TrimSpace(p.CulturalContext),
	}, nil
}

func tenseSet(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (c Config) IsZero() bool            { return c.targetLanguage == "" }
func (c Config) SessionID() string       { return c.sessionID }
func (c Config) ExamID() string          { return c.examID }
func (c Config) TargetLanguage() string  { return c.targetLanguage }
func (c Config) Level() string           { return c.level }
func (c Config) Topic() string           { return c.topic }
func (c Config) RegionVariant() string   { return c.regionVariant }
func (c Config) Title() string           { return c.title }
func (c Config) CulturalContext() string { return c.culturalContext }

// Vocabulary returns a copy of the ordered vocabulary list.
func (c Config) Vocabulary() []string { return append([]string(nil), c.vocabulary...) }

// VerbTenses returns a copy of the sorted tense set.
func (c Config) VerbTenses() []string { return append([]string(nil), c.verbTenses...) }

// HasTense reports whether the tense is part of the set.
func (c Config) HasTense(t string) bool {
	t = strings.ToLower(strings.TrimSpace(t))
	i := sort.SearchStrings(c.verbTenses, t)
	return i < len(c.verbTenses) && c.verbTenses[i] == t
}

// ConversationPrompt returns the exam's own prompt, possibly empty.
func (c Config) ConversationPrompt() string { return c.conversationPrompt }

// Instructions is the tutor prompt: the exam's conversation prompt when set,
// otherwise one generated from the session parameters.
func (c Config) Instructions() string {
	if c.conversationPrompt != "" {
		return c.conversationPrompt
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are a friendly %s tutor. Hold a spoken conversation with the student", c.targetLanguage)
	if c.topic != "" {
		fmt.Fprintf(&b, " about %q", c.topic)
	}
	b.WriteString(".")
	if c.level != "" {
		fmt.Fprintf(&b, " Keep your language at a %s level.", c.level)
	}
	if c.regionVariant != "" {
		fmt.Fprintf(&b, " Use the %s variant.", c.regionVariant)
	}
	if len(c.vocabulary) > 0 {
		fmt.Fprintf(&b, " Encourage the student to use: %s.", strings.Join(c.vocabulary, ", "))
	}
	if len(c.verbTenses) > 0 {
		fmt.Fprintf(&b, " Practice these tenses: %s.", strings.Join(c.verbTenses, ", "))
	}
	if c.culturalContext != "" {
		fmt.Fprintf(&b, " Cultural context: %s", c.culturalContext)
	}
	b.WriteString(" Reply only in the target language and keep each answer short.")
	return b.String()
}

type wireExam struct {
	ID                 string `json:"id,omitempty"`
	Title              string `json:"title,omitempty"`
	ConversationPrompt string `json:"conversation_prompt"`
	CulturalContext    string `json:"cultural_context,omitempty"`
}

type wireConfig struct {
	SessionID      string   `json:"sessionId,omitempty"`
	TargetLanguage string   `json:"targetLanguage"`
	Level          string   `json:"level"`
	Topic          string   `json:"topic"`
	Vocabulary     []string `json:"vocabulary"`
	VerbTenses     []string `json:"verbTenses"`
	RegionVariant  string   `json:"regionVariant,omitempty"`
	Exam           wireExam `json:"exam"`
}

// MarshalJSON renders the config fields as carried by the relay config
// message. The exam object always carries the effective instructions.
func (c Config) MarshalJSON() ([]byte, error) {
	vocab := c.Vocabulary()
	if vocab == nil {
		vocab = []string{}
	}
	tenses := c.VerbTenses()
	if tenses == nil {
		tenses = []string{}
	}
	return json.Marshal(wireConfig{
		SessionID:      c.sessionID,
		TargetLanguage: c.targetLanguage,
		Level:          c.level,
		Topic:          c.topic,
		Vocabulary:     vocab,
		VerbTenses:     tenses,
		RegionVariant:  c.regionVariant,
		Exam: wireExam{
			ID:                 c.examID,
			Title:              c.title,
			ConversationPrompt: c.Instructions(),
			CulturalContext:    c.culturalContext,
		},
	})
}

// UnmarshalJSON accepts the same shape MarshalJSON produces.
func (c *Config) UnmarshalJSON(b []byte) error {
	var w wireConfig
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	cfg, err := New(Params{
		SessionID:          w.SessionID,
		ExamID:             w.Exam.ID,
		TargetLanguage:     w.TargetLanguage,
		Level:              w.Level,
		Topic:              w.Topic,
		Vocabulary:         w.Vocabulary,
		VerbTenses:         w.VerbTenses,
		RegionVariant:      w.RegionVariant,
		Title:              w.Exam.Title,
		ConversationPrompt: w.Exam.ConversationPrompt,
		CulturalContext:    w.Exam.CulturalContext,
	})
	if err != nil {
		return err
	}
	*c = cfg
	return nil
}
