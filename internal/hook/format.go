// ABOUTME: Message body formatting for webhook delivery
// ABOUTME: Serializes webhook payloads as raw, pretty JSON, or block YAML

package hook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf16"

	"gopkg.in/yaml.v3"
)

// Supported message formats.
const (
	FormatRaw  = "raw"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// ValidFormat reports whether the configured message format is one the
// pipeline can serve.
func ValidFormat(format string) bool {
	return format == FormatRaw || format == FormatJSON || format == FormatYAML
}

// formatMessage renders the webhook body in the requested format.
//
// raw is an identity transform. json and yaml first parse the body as
// JSON; a parse failure is logged but does not fail the request — the
// raw string is re-serialized instead (inherited best-effort behavior).
// In json mode a top-level "message" field is extracted and delivered
// directly when recognizable, so chat-style payloads arrive as text
// rather than as a JSON dump.
func formatMessage(format string, allowUnicode bool, body []byte, logger *slog.Logger) string {
	if format == FormatRaw {
		return string(body)
	}

	var data any = string(body)
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		logger.Error("error decoding webhook body as JSON", "error", err)
	} else {
		data = parsed
	}

	if format == FormatJSON {
		if text, ok := extractMessage(data, allowUnicode); ok {
			return text
		}
	}
	return serialize(format, allowUnicode, data, logger)
}

// extractMessage pulls a top-level "message" value out of a JSON object.
// A string is used directly. A list is flattened by collecting each
// element's "content" string, or the "text" of each segment when the
// content is itself a list. Anything else is re-serialized as JSON.
func extractMessage(data any, allowUnicode bool) (string, bool) {
	obj, ok := data.(map[string]any)
	if !ok {
		return "", false
	}
	value, ok := obj["message"]
	if !ok {
		return "", false
	}

	switch v := value.(type) {
	case string:
		return v, true
	case []any:
		var parts []string
		for _, item := range v {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			switch content := entry["content"].(type) {
			case string:
				parts = append(parts, content)
			case []any:
				for _, seg := range content {
					if segMap, ok := seg.(map[string]any); ok {
						if text, ok := segMap["text"].(string); ok {
							parts = append(parts, text)
						}
					}
				}
			}
		}
		if len(parts) > 0 {
			return strings.TrimSpace(strings.Join(parts, "\n")), true
		}
		return marshalJSON(v, allowUnicode), true
	default:
		return marshalJSON(v, allowUnicode), true
	}
}

func serialize(format string, allowUnicode bool, data any, logger *slog.Logger) string {
	switch format {
	case FormatJSON:
		return marshalJSON(data, allowUnicode)
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			logger.Error("failed to serialize body as YAML", "error", err)
			return fmt.Sprintf("%v", data)
		}
		enc.Close()
		return strings.TrimRight(buf.String(), "\n")
	default:
		return fmt.Sprintf("%v", data)
	}
}

// marshalJSON pretty-prints with two-space indent and without HTML
// escaping. When allowUnicode is false, non-ASCII runes are escaped to
// \uXXXX sequences.
func marshalJSON(data any, allowUnicode bool) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return fmt.Sprintf("%v", data)
	}
	out := strings.TrimRight(buf.String(), "\n")
	if !allowUnicode {
		out = escapeNonASCII(out)
	}
	return out
}

// escapeNonASCII rewrites runes above 0x7F as JSON \uXXXX escapes,
// using surrogate pairs for runes outside the basic plane. Safe on
// serialized JSON: non-ASCII bytes only occur inside string literals.
func escapeNonASCII(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r < 0x80:
			b.WriteRune(r)
		case r <= 0xFFFF:
			fmt.Fprintf(&b, `\u%04x`, r)
		default:
			r1, r2 := utf16.EncodeRune(r)
			fmt.Fprintf(&b, `\u%04x\u%04x`, r1, r2)
		}
	}
	return b.String()
}
