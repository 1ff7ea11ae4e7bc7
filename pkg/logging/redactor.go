// Package logging provides the slog setup for netprobe. Every record passes
// through a RedactorHandler, which replaces the ipinfo token and the values
// of credential-like attributes with a placeholder, and can optionally hide
// IP addresses.
package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// RedactedValue replaces every redacted value.
const RedactedValue = "[REDACTED]"

var sensitiveKeys = []string{
	"password", "passwd",
	"token", "access_token",
	"key", "api_key",
	"secret", "credential", "auth",
}

var addressKeys = []string{"ip", "address", "addr"}

// redactionState is shared by a handler and every handler derived from it
// through WithAttrs or WithGroup, so UpdateSecrets reaches all of them.
type redactionState struct {
	mu              sync.RWMutex
	explicitStrings []string
	redactIP        bool
}

// RedactorHandler wraps an slog.Handler and redacts sensitive values from
// messages and attributes before they reach it.
type RedactorHandler struct {
	handler slog.Handler
	state   *redactionState
}

func NewRedactorHandler(handler slog.Handler) *RedactorHandler {
	return &RedactorHandler{handler: handler, state: &redactionState{}}
}

// NewRedactorHandlerWithStrings creates a RedactorHandler that also replaces
// each of the given strings wherever it appears.
func NewRedactorHandlerWithStrings(handler slog.Handler, sensitiveStrings []string) *RedactorHandler {
	h := NewRedactorHandler(handler)
	h.UpdateSecrets(sensitiveStrings)
	return h
}

// RedactIP enables or disables redaction of ip and address attributes.
func (h *RedactorHandler) RedactIP(enabled bool) {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	h.state.redactIP = enabled
}

func (h *RedactorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle redacts the message and attributes of record and passes the result
// on to the wrapped handler.
func (h *RedactorHandler) Handle(ctx context.Context, record slog.Record) error {
	newRecord := slog.NewRecord(record.Time, record.Level, h.redactString(record.Message), record.PC)

	record.Attrs(func(attr slog.Attr) bool {
		newRecord.AddAttrs(h.redactAttr(attr))
		return true
	})

	return h.handler.Handle(ctx, newRecord)
}

func (h *RedactorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redactedAttrs := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		redactedAttrs[i] = h.redactAttr(attr)
	}
	return &RedactorHandler{handler: h.handler.WithAttrs(redactedAttrs), state: h.state}
}

func (h *RedactorHandler) WithGroup(name string) slog.Handler {
	return &RedactorHandler{handler: h.handler.WithGroup(name), state: h.state}
}

// isSensitiveKey reports whether the value of key must never be logged
func (h *RedactorHandler) isSensitiveKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, sensitiveKey := range sensitiveKeys {
		if strings.Contains(keyLower, sensitiveKey) {
			return true
		}
	}

	h.state.mu.RLock()
	redactIP := h.state.redactIP
	h.state.mu.RUnlock()

	if redactIP {
		for _, addressKey := range addressKeys {
			// exact or suffixed, so "description" or "zip" are left alone
			if keyLower == addressKey || strings.HasSuffix(keyLower, "_"+addressKey) {
				return true
			}
		}
	}
	return false
}

func (h *RedactorHandler) redactAttr(attr slog.Attr) slog.Attr {
	switch attr.Value.Kind() {
	case slog.KindString:
		if h.isSensitiveKey(attr.Key) {
			return slog.String(attr.Key, RedactedValue)
		}
		return slog.String(attr.Key, h.redactString(attr.Value.String()))
	case slog.KindGroup:
		groupAttrs := attr.Value.Group()
		redactedGroupAttrs := make([]any, 0, len(groupAttrs))
		for _, groupAttr := range groupAttrs {
			redactedGroupAttrs = append(redactedGroupAttrs, h.redactAttr(groupAttr))
		}
		return slog.Group(attr.Key, redactedGroupAttrs...)
	case slog.KindInt64, slog.KindUint64, slog.KindFloat64, slog.KindBool, slog.KindDuration:
		if h.isSensitiveKey(attr.Key) {
			return slog.String(attr.Key, RedactedValue)
		}
		return attr
	default:
		if h.isSensitiveKey(attr.Key) {
			return slog.String(attr.Key, RedactedValue)
		}
		// errors and Stringers are rendered so secrets inside them can be matched
		return slog.String(attr.Key, h.redactString(attr.Value.String()))
	}
}

func (h *RedactorHandler) redactString(s string) string {
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()

	result := s
	for _, sensitiveStr := range h.state.explicitStrings {
		if sensitiveStr != "" && strings.Contains(result, sensitiveStr) {
			result = strings.ReplaceAll(result, sensitiveStr, RedactedValue)
		}
	}
	return result
}

// UpdateSecrets replaces the list of strings redacted wherever they appear.
func (h *RedactorHandler) UpdateSecrets(sensitiveStrings []string) {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	h.state.explicitStrings = make([]string, 0, len(sensitiveStrings))
	for _, s := range sensitiveStrings {
		if s != "" {
			h.state.explicitStrings = append(h.state.explicitStrings, s)
		}
	}
}
