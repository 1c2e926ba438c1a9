package redact

import (
	"strings"
	"testing"
)

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	in := "email a@b.com and phone +62 812 3456 7890"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestRedactEnabled(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	in := "email a@b.com and phone +62 812 3456 7890"
	got := Text(in)
	if got == in {
		t.Fatalf("expected redaction")
	}
	if want := "[REDACTED_EMAIL]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in output", want)
	}
	if want := "[REDACTED_PHONE]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in output", want)
	}
}

func TestBearerAlwaysMasked(t *testing.T) {
	SetEnabled(false)
	got := Text("Authorization: Bearer ek_abc123.def")
	if strings.Contains(got, "ek_abc123") {
		t.Fatalf("expected token masked, got %q", got)
	}
	if !strings.Contains(got, "Bearer [REDACTED_TOKEN]") {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestSecret(t *testing.T) {
	if got := Secret("ek_1234567890"); got != "****7890" {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := Secret("short"); got != "****" {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := Secret(""); got != "" {
		t.Fatalf("expected empty")
	}
}
