package sse

import (
	"fmt"
	"io"
	"strings"

	"github.com/arcline/a2a-busproxy/internal/envelope"
)

// WriteChunk renders one stream-chunk envelope as standard SSE bytes.
// An end chunk produces no bytes; the caller closes the response instead.
func WriteChunk(w io.Writer, env *envelope.Envelope) error {
	meta := env.Stream
	if meta == nil {
		return fmt.Errorf("envelope %s has no stream metadata", env.CorrelationID)
	}
	if meta.ChunkType == envelope.ChunkEnd {
		return nil
	}

	payload, err := env.Chunk()
	if err != nil {
		return err
	}

	name := meta.EventName
	if name == "" {
		name = payload.Event
	}
	if meta.ChunkType == envelope.ChunkError && name == "" {
		name = "error"
	}
	if name != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", name); err != nil {
			return err
		}
	}

	id := meta.LastEventID
	if id == "" {
		id = payload.ID
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}

	retry := meta.Retry
	if retry == 0 {
		retry = payload.Retry
	}
	if retry > 0 {
		if _, err := fmt.Fprintf(w, "retry: %d\n", retry); err != nil {
			return err
		}
	}

	// One data line per payload line, so multi-line payloads survive
	// the SSE framing.
	for _, line := range strings.Split(payload.Data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}
	_, err = io.WriteString(w, "\n")
	return err
}
