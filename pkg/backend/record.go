package backend

import (
	"encoding/json"
	"strings"

	"github.com/harunnryd/parla/pkg/session"
)

// stringList accepts a JSON array, a JSON-encoded array inside a string, or a
// comma separated string.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}
	var raw *string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*l = nil
		return nil
	}
	s := strings.TrimSpace(*raw)
	if strings.HasPrefix(s, "[") {
		if err := json.Unmarshal([]byte(s), &list); err == nil {
			*l = list
			return nil
		}
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*l = out
	return nil
}

// ExamRecord is the exam a session was assigned from.
type ExamRecord struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	ConversationPrompt string     `json:"conversation_prompt"`
	CulturalContext    string     `json:"cultural_context"`
	TargetLanguage     string     `json:"target_language"`
	Topic              string     `json:"topic"`
	Tenses             stringList `json:"tenses"`
	Vocabulary         stringList `json:"vocabulary"`
	DifficultyLevel    string     `json:"difficulty_level"`
	RegionVariant      string     `json:"region_variant"`
}

// SessionRecord is the backend's conversation session. Fields set on the
// session win over the ones inherited from its exam.
type SessionRecord struct {
	ID                 string      `json:"id"`
	Status             string      `json:"status"`
	ConversationPrompt string      `json:"conversation_prompt"`
	CulturalContext    string      `json:"cultural_context"`
	TargetLanguage     string      `json:"target_language"`
	Topic              string      `json:"topic"`
	Tenses             stringList  `json:"tenses"`
	Vocabulary         stringList  `json:"vocabulary"`
	DifficultyLevel    string      `json:"difficulty_level"`
	RegionVariant      string      `json:"region_variant"`
	Exam               *ExamRecord `json:"exam"`
}

// Config builds the immutable session configuration.
func (r SessionRecord) Config() (session.Config, error) {
	var exam ExamRecord
	if r.Exam != nil {
		exam = *r.Exam
	}
	return session.New(session.Params{
		SessionID:          r.ID,
		ExamID:             exam.ID,
		TargetLanguage:     pick(r.TargetLanguage, exam.TargetLanguage),
		Level:              pick(r.DifficultyLevel, exam.DifficultyLevel),
		Topic:              pick(r.Topic, exam.Topic),
		Vocabulary:         pickList(r.Vocabulary, exam.Vocabulary),
		VerbTenses:         pickList(r.Tenses, exam.Tenses),
		RegionVariant:      pick(r.RegionVariant, exam.RegionVariant),
		Title:              exam.Title,
		ConversationPrompt: pick(r.ConversationPrompt, exam.ConversationPrompt),
		CulturalContext:    pick(r.CulturalContext, exam.CulturalContext),
	})
}

func pick(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}

func pickList(a, b stringList) []string {
	if len(a) > 0 {
		return a
	}
	return b
}
