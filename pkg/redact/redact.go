package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	emailRe  = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe  = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
	bearerRe = regexp.MustCompile(`(?i)(bearer\s+)[a-z0-9._\-]+`)
)

// SetEnabled toggles PII redaction.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text redacts emails and phone numbers when enabled.
// Bearer tokens are always masked.
func Text(in string) string {
	if strings.TrimSpace(in) == "" {
		return in
	}
	out := bearerRe.ReplaceAllString(in, "${1}[REDACTED_TOKEN]")
	if !enabled.Load() {
		return out
	}
	out = emailRe.ReplaceAllString(out, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// Secret masks a credential, keeping the last four characters for correlation.
func Secret(in string) string {
	in = strings.TrimSpace(in)
	if len(in) <= 8 {
		if in == "" {
			return ""
		}
		return "****"
	}
	return "****" + in[len(in)-4:]
}
