package stream

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandhq/strand/internal/relay"
)

func TestWriterWireFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteEvent(relay.TypeSession, map[string]interface{}{
		"session_id": "conv-1",
	}))
	require.NoError(t, w.WriteKeepalive())
	require.NoError(t, w.WriteEndOfStream())

	body := rec.Body.String()
	records := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
	require.Len(t, records, 3)

	t.Run("headers are set for event streaming", func(t *testing.T) {
		assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
		assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	})

	t.Run("records carry the update event name", func(t *testing.T) {
		for _, record := range records {
			assert.True(t, strings.HasPrefix(record, "event: update\ndata: "), "record %q", record)
		}
	})

	t.Run("payload carries the semantic type", func(t *testing.T) {
		data := strings.TrimPrefix(records[0], "event: update\ndata: ")
		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(data), &payload))
		assert.Equal(t, relay.TypeSession, payload["type"])
		assert.Equal(t, "conv-1", payload["session_id"])

		data = strings.TrimPrefix(records[1], "event: update\ndata: ")
		require.NoError(t, json.Unmarshal([]byte(data), &payload))
		assert.Equal(t, TypeKeepalive, payload["type"])
	})

	t.Run("sentinel is the literal payload", func(t *testing.T) {
		assert.Equal(t, "event: update\ndata: "+EndOfStream, records[2])
	})
}

func TestWriterSanitizesStrings(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteEvent(relay.TypeAnswerStream, map[string]interface{}{
		"text": "“smart” — and broken \xff utf8",
	}))

	body := rec.Body.String()
	assert.Contains(t, body, `\"smart\"`)
	assert.NotContains(t, body, "“")
	assert.NotContains(t, body, "\xff")
}

func TestWriterEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	env := relay.NewEnvelope(relay.TypeToolCall, map[string]interface{}{
		"tool": "search",
	})
	require.NoError(t, w.WriteEnvelope(env))

	var payload map[string]interface{}
	data := strings.TrimPrefix(strings.TrimSpace(rec.Body.String()), "event: update\ndata: ")
	require.NoError(t, json.Unmarshal([]byte(data), &payload))
	assert.Equal(t, relay.TypeToolCall, payload["type"])
	assert.Equal(t, "search", payload["tool"])
}
