// Package envelope defines the wire container for A2A traffic crossing
// the message bus. An envelope is one of three kinds (request, reply, or
// stream chunk) and the validator rejects combinations that mix them.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Protocol is the version tag stamped on every envelope.
const Protocol = "a2a-jsonrpc-sse/1.0"

// DefaultTTL bounds how long an envelope may sit on the bus before a
// receiver discards it.
const DefaultTTL = time.Hour

// Kind discriminates the envelope union.
type Kind string

const (
	KindRequest     Kind = "request"
	KindReply       Kind = "reply"
	KindStreamChunk Kind = "stream-chunk"
)

// ChunkType classifies a stream chunk.
type ChunkType string

const (
	ChunkData  ChunkType = "data"
	ChunkEvent ChunkType = "event"
	ChunkError ChunkType = "error"
	ChunkEnd   ChunkType = "end"
)

// StreamMetadata rides on stream-chunk envelopes only.
type StreamMetadata struct {
	StreamID    string    `json:"stream_id"`
	ChunkType   ChunkType `json:"chunk_type"`
	EventName   string    `json:"event_name,omitempty"`
	Retry       int       `json:"retry,omitempty"`
	LastEventID string    `json:"last_event_id,omitempty"`
	Final       bool      `json:"final"`
}

// ChunkPayload is the payload of a data/event/error chunk.
type ChunkPayload struct {
	Data  string `json:"data"`
	Event string `json:"event,omitempty"`
	ID    string `json:"id,omitempty"`
	Retry int    `json:"retry,omitempty"`
}

// Envelope is the sole payload format on the bus.
type Envelope struct {
	Kind          Kind              `json:"kind"`
	Protocol      string            `json:"protocol"`
	Group         string            `json:"group"`
	ToAgent       string            `json:"to_agent"`
	FromAgent     string            `json:"from_agent"`
	CorrelationID string            `json:"correlation_id"`
	IsStream      bool              `json:"is_stream"`
	Sequence      uint64            `json:"sequence"`
	Timestamp     int64             `json:"timestamp"` // ms since epoch
	TTL           int64             `json:"ttl"`       // ms
	Headers       map[string]string `json:"headers,omitempty"`
	HTTPMethod    string            `json:"http_method,omitempty"`
	HTTPPath      string            `json:"http_path,omitempty"`
	StatusCode    int               `json:"status_code,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Stream        *StreamMetadata   `json:"stream_metadata,omitempty"`
}

// NewRequest builds a request envelope. Headers are filtered of
// hop-by-hop entries by the caller via FilterHeaders.
func NewRequest(group, toAgent, fromAgent, correlationID, method, path string, headers map[string]string, payload []byte, isStream bool, now time.Time) *Envelope {
	return &Envelope{
		Kind:          KindRequest,
		Protocol:      Protocol,
		Group:         group,
		ToAgent:       toAgent,
		FromAgent:     fromAgent,
		CorrelationID: correlationID,
		IsStream:      isStream,
		Timestamp:     now.UnixMilli(),
		TTL:           DefaultTTL.Milliseconds(),
		Headers:       headers,
		HTTPMethod:    method,
		HTTPPath:      path,
		Payload:       payload,
	}
}

// NewReply builds the single non-stream reply for a request envelope.
func NewReply(req *Envelope, status int, payload []byte, now time.Time) *Envelope {
	return &Envelope{
		Kind:          KindReply,
		Protocol:      Protocol,
		Group:         req.Group,
		ToAgent:       req.FromAgent,
		FromAgent:     req.ToAgent,
		CorrelationID: req.CorrelationID,
		Timestamp:     now.UnixMilli(),
		TTL:           DefaultTTL.Milliseconds(),
		StatusCode:    status,
		Payload:       payload,
	}
}

// NewChunk builds one stream-chunk envelope. The caller assigns dense
// ascending sequences starting at 0 and sets meta.Final exactly once on
// the last chunk.
func NewChunk(req *Envelope, seq uint64, meta StreamMetadata, payload *ChunkPayload, now time.Time) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal chunk payload: %w", err)
		}
		raw = b
	}
	return &Envelope{
		Kind:          KindStreamChunk,
		Protocol:      Protocol,
		Group:         req.Group,
		ToAgent:       req.FromAgent,
		FromAgent:     req.ToAgent,
		CorrelationID: req.CorrelationID,
		IsStream:      true,
		Sequence:      seq,
		Timestamp:     now.UnixMilli(),
		TTL:           DefaultTTL.Milliseconds(),
		Payload:       raw,
		Stream:        &meta,
	}, nil
}

// Chunk decodes the payload of a stream-chunk envelope.
func (e *Envelope) Chunk() (*ChunkPayload, error) {
	if e.Kind != KindStreamChunk {
		return nil, fmt.Errorf("envelope %s is not a stream chunk", e.CorrelationID)
	}
	if len(e.Payload) == 0 {
		return &ChunkPayload{}, nil
	}
	var p ChunkPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode chunk payload: %w", err)
	}
	return &p, nil
}

// Final reports whether this envelope terminates its stream.
func (e *Envelope) Final() bool {
	return e.Stream != nil && e.Stream.Final
}

// Expired reports whether the envelope is older than timestamp+ttl.
func (e *Envelope) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.UnixMilli() > e.Timestamp+e.TTL
}

// Validate checks the envelope is internally coherent. It runs at
// deserialisation so no incoherent envelope reaches routing.
func (e *Envelope) Validate() error {
	if e.Protocol == "" {
		return fmt.Errorf("envelope missing protocol")
	}
	if e.Group == "" {
		return fmt.Errorf("envelope missing group")
	}
	if e.ToAgent == "" {
		return fmt.Errorf("envelope missing to_agent")
	}
	if e.CorrelationID == "" {
		return fmt.Errorf("envelope missing correlation_id")
	}
	if e.TTL < 0 {
		return fmt.Errorf("envelope ttl must be non-negative")
	}
	switch e.Kind {
	case KindRequest:
		if e.Stream != nil {
			return fmt.Errorf("request envelope carries stream metadata")
		}
		if e.Sequence != 0 {
			return fmt.Errorf("request envelope has non-zero sequence")
		}
		if e.HTTPPath == "" {
			return fmt.Errorf("request envelope missing http_path")
		}
	case KindReply:
		if e.Stream != nil {
			return fmt.Errorf("reply envelope carries stream metadata")
		}
		if e.IsStream {
			return fmt.Errorf("reply envelope flagged as stream")
		}
		if e.Sequence != 0 {
			return fmt.Errorf("reply envelope has non-zero sequence")
		}
	case KindStreamChunk:
		if e.Stream == nil {
			return fmt.Errorf("stream chunk missing stream metadata")
		}
		if !e.IsStream {
			return fmt.Errorf("stream chunk not flagged as stream")
		}
		switch e.Stream.ChunkType {
		case ChunkData, ChunkEvent, ChunkError, ChunkEnd:
		default:
			return fmt.Errorf("unknown chunk_type %q", e.Stream.ChunkType)
		}
		if e.Stream.ChunkType == ChunkEnd && !e.Stream.Final {
			return fmt.Errorf("end chunk must be final")
		}
	default:
		return fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
	return nil
}

// Decode parses and validates an envelope from its JSON wire form.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Encode serialises the envelope to its JSON wire form.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}
