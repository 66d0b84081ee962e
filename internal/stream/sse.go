// Package stream implements the client-facing streaming surface: the SSE
// wire protocol, the poll-loop stream handler, and the websocket hub for
// lifecycle broadcasts.
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/strandhq/strand/internal/common/stringutil"
	"github.com/strandhq/strand/internal/relay"
)

// Wire constants. Every record goes out under a single SSE event name; the
// payload's "type" field carries the semantic event type.
const (
	sseEventName = "update"

	// EndOfStream is the literal sentinel payload closing every stream.
	EndOfStream = "</stream>"

	// TypeKeepalive marks synthesized keepalive records. Keepalives never
	// pass through the relay; the stream handler emits them itself.
	TypeKeepalive = "keepalive"
)

// Writer writes the event-delimited streaming wire format:
//
//	event: update
//	data: {"type": "<event-type>", ...fields}
//
// followed by a blank line. Payload strings are sanitized before they reach
// the wire.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares w for event streaming. It fails when the underlying
// connection cannot flush incrementally.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &Writer{w: w, flusher: flusher}, nil
}

// WriteEvent writes one record whose payload is the given fields plus the
// semantic type. A payload that cannot be serialized degrades to a minimal
// error record instead of silently dropping the tick.
func (sw *Writer) WriteEvent(eventType string, fields map[string]interface{}) error {
	payload := make(map[string]interface{}, len(fields)+1)
	payload["type"] = eventType
	for k, v := range fields {
		if s, ok := v.(string); ok {
			payload[k] = stringutil.SanitizeText(s)
			continue
		}
		payload[k] = v
	}

	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"type":%q,"message":"event serialization failed"}`, relay.TypeError))
	}
	return sw.writeRaw(data)
}

// WriteEnvelope writes a relay envelope as one wire record.
func (sw *Writer) WriteEnvelope(env *relay.Envelope) error {
	return sw.WriteEvent(env.Type, env.Data)
}

// WriteKeepalive writes a keepalive record.
func (sw *Writer) WriteKeepalive() error {
	return sw.WriteEvent(TypeKeepalive, nil)
}

// WriteEndOfStream writes the literal end-of-stream sentinel.
func (sw *Writer) WriteEndOfStream() error {
	return sw.writeRaw([]byte(EndOfStream))
}

func (sw *Writer) writeRaw(data []byte) error {
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", sseEventName, data); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}
