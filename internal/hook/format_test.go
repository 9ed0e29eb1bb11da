// ABOUTME: Tests for webhook message formatting
// ABOUTME: Covers raw identity, JSON/YAML serialization, and message extraction

package hook

import (
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFormatRaw_Identity(t *testing.T) {
	body := []byte("plain text\nwith newlines and {not json")

	out := formatMessage(FormatRaw, true, body, testLogger())
	assert.Equal(t, string(body), out)
}

func TestFormatJSON_PrettyPrints(t *testing.T) {
	out := formatMessage(FormatJSON, true, []byte(`{"x":1}`), testLogger())

	assert.Contains(t, out, `"x": 1`)

	var back map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &back))
	assert.Equal(t, float64(1), back["x"])
}

func TestFormatYAML_RoundTrips(t *testing.T) {
	out := formatMessage(FormatYAML, true, []byte(`{"x":1}`), testLogger())

	var back map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &back))
	assert.Equal(t, 1, back["x"])
}

// A body that is not valid JSON still produces output in json/yaml mode:
// the raw string is re-serialized instead of the request failing. This
// pins down inherited best-effort behavior.
func TestFormatJSON_ParseFailureFallsThrough(t *testing.T) {
	out := formatMessage(FormatJSON, true, []byte("not {json"), testLogger())

	var back string
	require.NoError(t, json.Unmarshal([]byte(out), &back))
	assert.Equal(t, "not {json", back)
}

func TestFormatYAML_ParseFailureFallsThrough(t *testing.T) {
	out := formatMessage(FormatYAML, true, []byte("not {json"), testLogger())

	var back string
	require.NoError(t, yaml.Unmarshal([]byte(out), &back))
	assert.Equal(t, "not {json", back)
}

func TestFormatJSON_UnicodeEscaping(t *testing.T) {
	body := []byte(`{"greeting":"szia világ 🌍"}`)

	escaped := formatMessage(FormatJSON, false, body, testLogger())
	for _, r := range escaped {
		assert.Less(t, int(r), 0x80, "escaped output must be pure ASCII")
	}
	// Escapes must decode back to the original text.
	var back map[string]string
	require.NoError(t, json.Unmarshal([]byte(escaped), &back))
	assert.Equal(t, "szia világ 🌍", back["greeting"])

	plain := formatMessage(FormatJSON, true, body, testLogger())
	assert.Contains(t, plain, "szia világ 🌍")
}

func TestExtractMessage_String(t *testing.T) {
	out := formatMessage(FormatJSON, true, []byte(`{"message":"deploy finished"}`), testLogger())
	assert.Equal(t, "deploy finished", out)
}

func TestExtractMessage_ContentList(t *testing.T) {
	body := []byte(`{"message":[{"content":"first"},{"content":"second"}]}`)
	out := formatMessage(FormatJSON, true, body, testLogger())
	assert.Equal(t, "first\nsecond", out)
}

func TestExtractMessage_NestedTextSegments(t *testing.T) {
	body := []byte(`{"message":[{"content":[{"text":"alpha"},{"text":"beta"}]}]}`)
	out := formatMessage(FormatJSON, true, body, testLogger())
	assert.Equal(t, "alpha\nbeta", out)
}

func TestExtractMessage_ListWithoutContentSerializesValue(t *testing.T) {
	body := []byte(`{"message":[1,2,3]}`)
	out := formatMessage(FormatJSON, true, body, testLogger())

	var back []any
	require.NoError(t, json.Unmarshal([]byte(out), &back))
	assert.Len(t, back, 3)
}

func TestExtractMessage_NonStringValueSerialized(t *testing.T) {
	body := []byte(`{"message":{"nested":true}}`)
	out := formatMessage(FormatJSON, true, body, testLogger())
	assert.Contains(t, out, `"nested": true`)
}

// yaml mode does not extract "message"; the whole object is dumped.
func TestFormatYAML_NoMessageExtraction(t *testing.T) {
	out := formatMessage(FormatYAML, true, []byte(`{"message":"hello"}`), testLogger())
	assert.True(t, strings.Contains(out, "message:"), "yaml output should keep the field: %q", out)
}

func TestValidFormat(t *testing.T) {
	assert.True(t, ValidFormat("raw"))
	assert.True(t, ValidFormat("json"))
	assert.True(t, ValidFormat("yaml"))
	assert.False(t, ValidFormat("xml"))
	assert.False(t, ValidFormat(""))
}
