package sse

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/arcline/a2a-busproxy/internal/envelope"
)

func chunkEnv(t *testing.T, seq uint64, data string, final bool) *envelope.Envelope {
	t.Helper()
	req := envelope.NewRequest("g", "critic", "writer", "corr-1",
		"POST", "/v1/messages:stream", nil, nil, true, time.UnixMilli(1700000000000))

	ct := envelope.ChunkData
	var payload *envelope.ChunkPayload
	if final {
		ct = envelope.ChunkEnd
	} else {
		payload = &envelope.ChunkPayload{Data: data}
	}
	env, err := envelope.NewChunk(req, seq, envelope.StreamMetadata{
		StreamID:  "s-1",
		ChunkType: ct,
		Final:     final,
	}, payload, time.UnixMilli(1700000001000))
	if err != nil {
		t.Fatalf("NewChunk: %v", err)
	}
	return env
}

// =============================================================================
// Reassembler
// =============================================================================

func TestReassemblerInOrder(t *testing.T) {
	r := NewReassembler(8)
	for seq := uint64(0); seq < 3; seq++ {
		out, err := r.Push(chunkEnv(t, seq, "x", false))
		if err != nil {
			t.Fatalf("Push(%d): %v", seq, err)
		}
		if len(out) != 1 || out[0].Sequence != seq {
			t.Fatalf("Push(%d) emitted %v", seq, out)
		}
	}
	if r.NextExpected() != 3 {
		t.Errorf("NextExpected = %d, want 3", r.NextExpected())
	}
}

func TestReassemblerReorders(t *testing.T) {
	r := NewReassembler(8)

	for _, seq := range []uint64{2, 1} {
		out, err := r.Push(chunkEnv(t, seq, "x", false))
		if err != nil {
			t.Fatalf("Push(%d): %v", seq, err)
		}
		if len(out) != 0 {
			t.Fatalf("Push(%d) emitted early: %v", seq, out)
		}
	}
	if r.Buffered() != 2 {
		t.Fatalf("Buffered = %d, want 2", r.Buffered())
	}

	out, err := r.Push(chunkEnv(t, 0, "x", false))
	if err != nil {
		t.Fatalf("Push(0): %v", err)
	}
	var got []uint64
	for _, e := range out {
		got = append(got, e.Sequence)
	}
	if len(got) != 3 || got[0] != 0 || got[1] != 1 || got[2] != 2 {
		t.Errorf("drained sequences = %v, want [0 1 2]", got)
	}
	if r.Buffered() != 0 {
		t.Errorf("Buffered = %d after drain", r.Buffered())
	}
}

func TestReassemblerDropsDuplicates(t *testing.T) {
	r := NewReassembler(8)

	if _, err := r.Push(chunkEnv(t, 0, "a", false)); err != nil {
		t.Fatal(err)
	}
	// Redelivery of an emitted sequence.
	out, err := r.Push(chunkEnv(t, 0, "a", false))
	if err != nil || len(out) != 0 {
		t.Errorf("duplicate emitted %v, err %v", out, err)
	}
	// Duplicate of a buffered out-of-order sequence.
	if _, err := r.Push(chunkEnv(t, 2, "c", false)); err != nil {
		t.Fatal(err)
	}
	out, err = r.Push(chunkEnv(t, 2, "c", false))
	if err != nil || len(out) != 0 {
		t.Errorf("buffered duplicate emitted %v, err %v", out, err)
	}
	if r.Buffered() != 1 {
		t.Errorf("Buffered = %d, want 1", r.Buffered())
	}
}

func TestReassemblerWindowExceeded(t *testing.T) {
	r := NewReassembler(2)

	// Sequences 1 and 2 park; 3 overflows the window.
	for _, seq := range []uint64{1, 2} {
		if _, err := r.Push(chunkEnv(t, seq, "x", false)); err != nil {
			t.Fatalf("Push(%d): %v", seq, err)
		}
	}
	if _, err := r.Push(chunkEnv(t, 3, "x", false)); !errors.Is(err, ErrWindowExceeded) {
		t.Errorf("err = %v, want ErrWindowExceeded", err)
	}
}

// =============================================================================
// Writer
// =============================================================================

func TestWriteChunkData(t *testing.T) {
	var b strings.Builder
	if err := WriteChunk(&b, chunkEnv(t, 0, "hello", false)); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if b.String() != "data: hello\n\n" {
		t.Errorf("output = %q", b.String())
	}
}

func TestWriteChunkMultiLineData(t *testing.T) {
	var b strings.Builder
	if err := WriteChunk(&b, chunkEnv(t, 0, "one\ntwo", false)); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if b.String() != "data: one\ndata: two\n\n" {
		t.Errorf("output = %q", b.String())
	}
}

func TestWriteChunkFullEvent(t *testing.T) {
	req := envelope.NewRequest("g", "critic", "writer", "corr-1",
		"POST", "/v1/messages:stream", nil, nil, true, time.Now())
	env, err := envelope.NewChunk(req, 1, envelope.StreamMetadata{
		StreamID:    "s-1",
		ChunkType:   envelope.ChunkEvent,
		EventName:   "task-update",
		LastEventID: "42",
		Retry:       1500,
	}, &envelope.ChunkPayload{Data: "payload"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	var b strings.Builder
	if err := WriteChunk(&b, env); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	want := "event: task-update\nid: 42\nretry: 1500\ndata: payload\n\n"
	if b.String() != want {
		t.Errorf("output = %q, want %q", b.String(), want)
	}
}

func TestWriteChunkEndProducesNoBytes(t *testing.T) {
	var b strings.Builder
	if err := WriteChunk(&b, chunkEnv(t, 3, "", true)); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if b.Len() != 0 {
		t.Errorf("end chunk wrote %q", b.String())
	}
}

// =============================================================================
// Scanner
// =============================================================================

func TestScannerParsesEvents(t *testing.T) {
	src := "data: A\n\nevent: update\nid: 7\ndata: B\n\nretry: 3000\ndata: C\n\n"
	sc := NewScanner(strings.NewReader(src))

	ev, err := sc.Next()
	if err != nil {
		t.Fatalf("first event: %v", err)
	}
	if ev.Data != "A" || ev.Name != "" {
		t.Errorf("first event = %+v", ev)
	}

	ev, err = sc.Next()
	if err != nil {
		t.Fatalf("second event: %v", err)
	}
	if ev.Name != "update" || ev.ID != "7" || ev.Data != "B" {
		t.Errorf("second event = %+v", ev)
	}

	ev, err = sc.Next()
	if err != nil {
		t.Fatalf("third event: %v", err)
	}
	if ev.Retry != 3000 || ev.Data != "C" {
		t.Errorf("third event = %+v", ev)
	}

	if _, err := sc.Next(); err != io.EOF {
		t.Errorf("err after stream = %v, want io.EOF", err)
	}
}

func TestScannerMultiLineDataAndComments(t *testing.T) {
	src := ": comment\ndata: line1\ndata: line2\n\n"
	sc := NewScanner(strings.NewReader(src))

	ev, err := sc.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Data != "line1\nline2" {
		t.Errorf("data = %q", ev.Data)
	}
}

func TestScannerFlushesUnterminatedEventAtEOF(t *testing.T) {
	sc := NewScanner(strings.NewReader("data: tail"))
	ev, err := sc.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Data != "tail" {
		t.Errorf("data = %q", ev.Data)
	}
	if _, err := sc.Next(); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}
