// Package sse bridges server-sent-event streams across the message bus:
// it reorders chunk envelopes back into publish order, renders them as
// SSE bytes on egress, and parses upstream SSE into events on ingress.
package sse

import (
	"container/heap"
	"fmt"

	"github.com/arcline/a2a-busproxy/internal/envelope"
)

// DefaultWindow bounds how many out-of-order chunks a stream may buffer
// before it is failed.
const DefaultWindow = 64

// ErrWindowExceeded is returned when a stream's out-of-order buffer
// overflows.
var ErrWindowExceeded = fmt.Errorf("stream out-of-order window exceeded")

// Reassembler restores strict sequence order for one stream correlation.
// Chunks may arrive out of order or more than once; Push returns the
// chunks that became ready, in order, and silently drops duplicates.
// Not safe for concurrent use; each stream has a single owner.
type Reassembler struct {
	next   uint64
	window int
	heap   chunkHeap
	seen   map[uint64]struct{} // sequences currently buffered
}

func NewReassembler(window int) *Reassembler {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Reassembler{window: window, seen: make(map[uint64]struct{})}
}

// Push accepts one chunk envelope and returns every chunk now deliverable
// in sequence order. A duplicate yields no output. ErrWindowExceeded
// means the stream is unrecoverable and must be failed.
func (r *Reassembler) Push(env *envelope.Envelope) ([]*envelope.Envelope, error) {
	seq := env.Sequence
	if seq < r.next {
		return nil, nil // duplicate of an already-emitted chunk
	}
	if seq == r.next {
		out := []*envelope.Envelope{env}
		r.next++
		for r.heap.Len() > 0 && r.heap[0].Sequence == r.next {
			next := heap.Pop(&r.heap).(*envelope.Envelope)
			delete(r.seen, next.Sequence)
			out = append(out, next)
			r.next++
		}
		return out, nil
	}
	if _, dup := r.seen[seq]; dup {
		return nil, nil
	}
	if r.heap.Len() >= r.window {
		return nil, ErrWindowExceeded
	}
	heap.Push(&r.heap, env)
	r.seen[seq] = struct{}{}
	return nil, nil
}

// NextExpected reports the next sequence the stream is waiting on.
func (r *Reassembler) NextExpected() uint64 { return r.next }

// Buffered reports how many chunks are parked out of order.
func (r *Reassembler) Buffered() int { return r.heap.Len() }

type chunkHeap []*envelope.Envelope

func (h chunkHeap) Len() int           { return len(h) }
func (h chunkHeap) Less(i, j int) bool { return h[i].Sequence < h[j].Sequence }
func (h chunkHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *chunkHeap) Push(x any)        { *h = append(*h, x.(*envelope.Envelope)) }
func (h *chunkHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}
