package logging

import (
	"context"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

// Attributes that carry job input or output, which may hold user data.
var jobPayloadKeys = map[string]bool{
	"args":   true,
	"result": true,
	"stdout": true,
	"stderr": true,
	"body":   true,
}

// Any key containing one of these names a credential.
var credentialMarkers = []string{"secret", "token", "password", "authorization", "dsn", "database_url"}

// redactor scrubs credentials and job payloads before records reach the
// wrapped handler. String values that look like bearer headers or signed
// tokens are scrubbed whatever their key.
type redactor struct {
	next slog.Handler
}

func newRedactingHandler(next slog.Handler) slog.Handler {
	return redactor{next: next}
}

func (h redactor) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h redactor) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(scrub(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h redactor) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = scrub(a)
	}
	return redactor{next: h.next.WithAttrs(scrubbed)}
}

func (h redactor) WithGroup(name string) slog.Handler {
	return redactor{next: h.next.WithGroup(name)}
}

func scrub(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, redactedValue)
	}
	switch a.Value.Kind() {
	case slog.KindGroup:
		members := a.Value.Group()
		scrubbed := make([]slog.Attr, len(members))
		for i, m := range members {
			scrubbed[i] = scrub(m)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(scrubbed...)}
	case slog.KindString:
		if looksLikeCredential(a.Value.String()) {
			return slog.String(a.Key, redactedValue)
		}
	}
	return a
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(key)
	if jobPayloadKeys[lower] {
		return true
	}
	for _, marker := range credentialMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// looksLikeCredential matches "Bearer ..." headers and compact JWS strings.
func looksLikeCredential(v string) bool {
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return true
	}
	return strings.HasPrefix(v, "eyJ") && strings.Count(v, ".") == 2 && !strings.ContainsAny(v, " \t\n")
}
