package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive values in logs.
const RedactedValue = "[REDACTED]"

// Keys that are safe to log verbatim. Everything else passed through
// MaskField or Settings is masked.
var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"vault":     {},
	"account":   {},
	"asset":     {},
	"chain":     {},
	"method":    {},
	"path":      {},
	"status":    {},
	"listen":    {},
	"interval":  {},
	"datadir":   {},
	"issuer":    {},
	"audience":  {},
	"endpoint":  {},
}

// IsAllowlisted reports whether key may be logged without redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns an attribute that hides value unless key is allowlisted.
// Empty values are kept so missing secrets stay visible.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// Settings turns a flat settings map into masked attributes sorted by key,
// ready for a single startup log line.
func Settings(settings map[string]string) []any {
	keys := make([]string, 0, len(settings))
	for key := range settings {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys))
	for _, key := range keys {
		out = append(out, MaskField(key, settings[key]))
	}
	return out
}
