// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package redact scrubs secrets from spans before they leave the process.
package redact

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Mode determines how much of an exported span is redacted.
type Mode string

const (
	// ModeNone exports spans unchanged.
	ModeNone Mode = "none"

	// ModeStandard masks values that match known secret patterns and any
	// attribute whose key names a credential.
	ModeStandard Mode = "standard"

	// ModeStrict replaces every string value. Keys are preserved.
	ModeStrict Mode = "strict"
)

const mask = "[REDACTED]"

// ParseMode validates a configured mode. Empty means ModeStandard.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeStandard, nil
	case ModeNone, ModeStandard, ModeStrict:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown redaction mode %q (want none, standard or strict)", s)
	}
}

// Pattern is a named secret pattern.
type Pattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// StandardPatterns returns the patterns applied in ModeStandard. They cover
// the credentials stage errors tend to echo back from upstream APIs.
func StandardPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "api_key",
			Regex:       regexp.MustCompile(`(?i)(api[_-]?key|apikey)["\s:=]+([a-zA-Z0-9_\-]{16,})`),
			Replacement: "$1=" + mask,
		},
		{
			Name:        "openai_key",
			Regex:       regexp.MustCompile(`sk-[a-zA-Z0-9_\-]{20,}`),
			Replacement: mask,
		},
		{
			Name:        "bearer_token",
			Regex:       regexp.MustCompile(`(?i)(bearer\s+)([a-zA-Z0-9_\-\.]{20,})`),
			Replacement: "$1" + mask,
		},
		{
			Name:        "password",
			Regex:       regexp.MustCompile(`(?i)(password|passwd|pwd)["\s:=]+([^\s"]+)`),
			Replacement: "$1=" + mask,
		},
		{
			Name:        "aws_key",
			Regex:       regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
			Replacement: mask,
		},
		{
			Name:        "jwt",
			Regex:       regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
			Replacement: mask,
		},
		{
			Name:        "generic_secret",
			Regex:       regexp.MustCompile(`(?i)(secret|token)["\s:=]+([a-zA-Z0-9_\-]{16,})`),
			Replacement: "$1=" + mask,
		},
	}
}

var sensitiveKeys = []string{
	"password", "passwd", "secret", "token",
	"api_key", "apikey", "authorization", "cookie",
}

// Redactor applies a mode to strings and attributes.
type Redactor struct {
	mode     Mode
	patterns []Pattern
}

// New creates a redactor using StandardPatterns.
func New(mode Mode) *Redactor {
	return &Redactor{mode: mode, patterns: StandardPatterns()}
}

// String redacts s.
func (r *Redactor) String(s string) string {
	switch r.mode {
	case ModeNone:
		return s
	case ModeStrict:
		if s == "" {
			return s
		}
		return mask
	}
	for _, p := range r.patterns {
		s = p.Regex.ReplaceAllString(s, p.Replacement)
	}
	return s
}

// Attributes returns a redacted copy of attrs.
func (r *Redactor) Attributes(attrs []attribute.KeyValue) []attribute.KeyValue {
	if r.mode == ModeNone || len(attrs) == 0 {
		return attrs
	}
	out := make([]attribute.KeyValue, len(attrs))
	for i, kv := range attrs {
		switch {
		case sensitiveKey(string(kv.Key)):
			out[i] = attribute.String(string(kv.Key), mask)
		case kv.Value.Type() == attribute.STRING:
			out[i] = attribute.String(string(kv.Key), r.String(kv.Value.AsString()))
		default:
			out[i] = kv
		}
	}
	return out
}

func sensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

// Exporter redacts spans before handing them to the wrapped exporter.
// Span processors only see read-only spans, so redaction happens here.
type Exporter struct {
	redactor *Redactor
	next     sdktrace.SpanExporter
}

var _ sdktrace.SpanExporter = (*Exporter)(nil)

// NewExporter wraps next. In ModeNone it returns next unchanged.
func NewExporter(mode Mode, next sdktrace.SpanExporter) sdktrace.SpanExporter {
	if mode == ModeNone {
		return next
	}
	return &Exporter{redactor: New(mode), next: next}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *Exporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	out := make([]sdktrace.ReadOnlySpan, len(spans))
	for i, s := range spans {
		out[i] = e.redact(s)
	}
	return e.next.ExportSpans(ctx, out)
}

// Shutdown implements sdktrace.SpanExporter.
func (e *Exporter) Shutdown(ctx context.Context) error {
	return e.next.Shutdown(ctx)
}

func (e *Exporter) redact(s sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	status := s.Status()
	status.Description = e.redactor.String(status.Description)

	events := s.Events()
	redactedEvents := make([]sdktrace.Event, len(events))
	for i, ev := range events {
		ev.Attributes = e.redactor.Attributes(ev.Attributes)
		redactedEvents[i] = ev
	}

	return redactedSpan{
		ReadOnlySpan: s,
		attrs:        e.redactor.Attributes(s.Attributes()),
		events:       redactedEvents,
		status:       status,
	}
}

type redactedSpan struct {
	sdktrace.ReadOnlySpan
	attrs  []attribute.KeyValue
	events []sdktrace.Event
	status sdktrace.Status
}

func (s redactedSpan) Attributes() []attribute.KeyValue { return s.attrs }
func (s redactedSpan) Events() []sdktrace.Event         { return s.events }
func (s redactedSpan) Status() sdktrace.Status          { return s.status }
