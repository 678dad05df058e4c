package redact

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	emailRe  = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe  = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
	base64Re = regexp.MustCompile(`"(audio_data|chunk_data)"\s*:\s*"([A-Za-z0-9+/=]*)"`)
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
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// URL drops the query string of a media reference when enabled; signed
// links carry their credentials there.
func URL(in string) string {
	if !enabled.Load() || in == "" {
		return in
	}
	u, err := url.Parse(in)
	if err != nil || u.RawQuery == "" {
		return in
	}
	u.RawQuery = "REDACTED"
	return u.String()
}

// Frame shortens a raw wire message for logging: base64 media payloads are
// replaced by their length, then Text applies. Elision happens regardless of
// the redaction switch.
func Frame(in string) string {
	out := base64Re.ReplaceAllStringFunc(in, func(m string) string {
		sub := base64Re.FindStringSubmatch(m)
		return fmt.Sprintf(`"%s":"<%d chars>"`, sub[1], len(sub[2]))
	})
	return Text(out)
}
