package session

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func sampleParams() Params {
	return Params{
		SessionID:      "sess-1",
		TargetLanguage: "spanish",
		Level:          "beginner",
		Topic:          "Ordering food at a restaurant",
		Vocabulary:     []string{"la cuenta", " ", "el menú"},
		VerbTenses:     []string{"Preterite", "present", "preterite"},
		RegionVariant:  "mexico",
	}
}

func TestNewNormalizes(t *testing.T) {
	cfg, err := New(sampleParams())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := cfg.Vocabulary(); !reflect.DeepEqual(got, []string{"la cuenta", "el menú"}) {
		t.Fatalf("unexpected vocabulary %v", got)
	}
	if got := cfg.VerbTenses(); !reflect.DeepEqual(got, []string{"present", "preterite"}) {
		t.Fatalf("unexpected tenses %v", got)
	}
	if !cfg.HasTense("PRESENT") || cfg.HasTense("future") {
		t.Fatalf("unexpected tense membership")
	}
}

func TestConfigIsImmutable(t *testing.T) {
	p := sampleParams()
	cfg, _ := New(p)
	p.Vocabulary[0] = "changed"
	v := cfg.Vocabulary()
	v[0] = "mutated"
	if cfg.Vocabulary()[0] != "la cuenta" {
		t.Fatalf("config must not share slices with callers")
	}
}

func TestNewRequiresLanguage(t *testing.T) {
	if _, err := New(Params{}); err == nil {
		t.Fatalf("expected error")
	}
	if !(Config{}).IsZero() {
		t.Fatalf("zero config should report IsZero")
	}
}

func TestInstructionsPreferPrompt(t *testing.T) {
	p := sampleParams()
	cfg, _ := New(p)
	generated := cfg.Instructions()
	for _, want := range []string{"spanish", "beginner", "la cuenta", "preterite", "mexico"} {
		if !strings.Contains(generated, want) {
			t.Fatalf("expected %q in %q", want, generated)
		}
	}
	p.ConversationPrompt = "Eres un camarero."
	cfg, _ = New(p)
	if cfg.Instructions() != "Eres un camarero." {
		t.Fatalf("expected exam prompt, got %q", cfg.Instructions())
	}
}

func TestJSONShape(t *testing.T) {
	p := sampleParams()
	p.Title = "Restaurant"
	p.ConversationPrompt = "Eres un camarero."
	cfg, _ := New(p)
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["targetLanguage"] != "spanish" {
		t.Fatalf("unexpected targetLanguage %v", raw["targetLanguage"])
	}
	exam, _ := raw["exam"].(map[string]any)
	if exam["conversation_prompt"] != "Eres un camarero." || exam["title"] != "Restaurant" {
		t.Fatalf("unexpected exam %v", exam)
	}

	var back Config
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Topic() != cfg.Topic() || back.ConversationPrompt() != cfg.ConversationPrompt() {
		t.Fatalf("decoded config differs: %+v", back)
	}
}
