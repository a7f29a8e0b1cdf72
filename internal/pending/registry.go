// Package pending matches asynchronous bus replies back to the HTTP
// handlers waiting on them. A waiter is single-shot (one reply envelope)
// or streaming (an ordered sequence of chunk envelopes); exactly one
// terminal event (reply, final chunk, timeout, or cancellation) is ever
// delivered per waiter.
package pending

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/arcline/a2a-busproxy/internal/envelope"
	"github.com/arcline/a2a-busproxy/internal/proxyerror"
	"github.com/arcline/a2a-busproxy/internal/sse"
)

// terminatedGraceSize bounds how many recently-terminated correlations
// are remembered so in-flight bus redeliveries collapse silently.
const terminatedGraceSize = 4096

// Options tunes the registry.
type Options struct {
	SweepInterval   time.Duration // how often expired waiters are collected
	StreamBufferCap int           // default ordered-channel capacity
	StreamWindow    int           // default out-of-order window
}

func (o *Options) applyDefaults() {
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Second
	}
	if o.StreamBufferCap <= 0 {
		o.StreamBufferCap = 32
	}
	if o.StreamWindow <= 0 {
		o.StreamWindow = sse.DefaultWindow
	}
}

// Stats counts envelopes the registry dropped instead of delivering.
type Stats struct {
	LateDropped    int64 // arrivals for unknown or terminated correlations
	KindMismatches int64 // reply for a stream waiter or chunk for a single waiter
	TimedOut       int64
	Cancelled      int64
}

// Registry is the pending-request table. Safe for concurrent use.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	waiters map[string]*waiter

	// Correlations that already saw their terminal event; arrivals for
	// these are expected redeliveries and dropped without noise.
	terminated *lru.Cache[string, time.Time]

	lateDropped    atomic.Int64
	kindMismatches atomic.Int64
	timedOut       atomic.Int64
	cancelled      atomic.Int64
}

func New(opts Options, logger *slog.Logger) (*Registry, error) {
	opts.applyDefaults()
	grace, err := lru.New[string, time.Time](terminatedGraceSize)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	return &Registry{
		opts:       opts,
		logger:     logger,
		waiters:    make(map[string]*waiter),
		terminated: grace,
	}, nil
}

// Start runs the timeout sweeper until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.shutdown()
				return
			case <-ticker.C:
				r.sweep(time.Now())
			}
		}
	}()
}

type kind int

const (
	kindSingle kind = iota
	kindStream
)

type outcome struct {
	env *envelope.Envelope
	err error
}

type waiter struct {
	correlationID string
	kind          kind
	createdAt     time.Time

	// Single waiters expire at deadline; stream waiters expire when idle
	// longer than idleTimeout, refreshed on every chunk.
	deadline     time.Time
	idleTimeout  time.Duration
	lastActivity atomic.Int64 // unix ms

	terminated bool // guarded by Registry.mu
	err        error
	done       chan struct{}

	// single
	result chan outcome

	// stream
	pushMu sync.Mutex
	out    chan *envelope.Envelope
	reasm  *sse.Reassembler
}

func (w *waiter) touch(now time.Time) {
	w.lastActivity.Store(now.UnixMilli())
}

func (w *waiter) expired(now time.Time) bool {
	if w.kind == kindSingle {
		return now.After(w.deadline)
	}
	last := time.UnixMilli(w.lastActivity.Load())
	return now.Sub(last) > w.idleTimeout
}

// SingleWaiter is the caller-side handle for a non-stream reply.
type SingleWaiter struct {
	registry *Registry
	w        *waiter
}

// Wait blocks until the reply arrives, the waiter times out, or ctx is
// done. A ctx cancellation tears the waiter down so late replies are
// dropped silently.
func (sw *SingleWaiter) Wait(ctx context.Context) (*envelope.Envelope, error) {
	select {
	case o := <-sw.w.result:
		return o.env, o.err
	case <-ctx.Done():
		sw.registry.Cancel(sw.w.correlationID, fmt.Errorf("client gone: %w", ctx.Err()))
		return nil, ctx.Err()
	}
}

// StreamWaiter is the caller-side handle for an ordered chunk stream.
type StreamWaiter struct {
	registry *Registry
	w        *waiter
}

// Chunks delivers chunk envelopes in strict sequence order.
func (sw *StreamWaiter) Chunks() <-chan *envelope.Envelope { return sw.w.out }

// Done is closed on any terminal event. After Done, drain Chunks without
// blocking, then consult Err.
func (sw *StreamWaiter) Done() <-chan struct{} { return sw.w.done }

// Err reports why the stream terminated; nil means the final chunk was
// delivered.
func (sw *StreamWaiter) Err() error {
	sw.registry.mu.Lock()
	defer sw.registry.mu.Unlock()
	return sw.w.err
}

// Cancel tears the stream down on behalf of the HTTP handler (client
// disconnect). Releases back-pressure on the bus side.
func (sw *StreamWaiter) Cancel(reason error) {
	sw.registry.Cancel(sw.w.correlationID, reason)
}

// RegisterSingle creates a single-shot waiter for correlationID. At most
// one waiter may exist per correlation.
func (r *Registry) RegisterSingle(correlationID string, deadline time.Time) (*SingleWaiter, error) {
	w := &waiter{
		correlationID: correlationID,
		kind:          kindSingle,
		createdAt:     time.Now(),
		deadline:      deadline,
		done:          make(chan struct{}),
		result:        make(chan outcome, 1),
	}
	if err := r.add(w); err != nil {
		return nil, err
	}
	return &SingleWaiter{registry: r, w: w}, nil
}

// RegisterStream creates a stream waiter. The ordered channel holds up to
// bufferCap chunks; when full, Complete blocks, which stalls bus
// settlement and throttles the publisher. idleTimeout is refreshed on
// every chunk.
func (r *Registry) RegisterStream(correlationID string, idleTimeout time.Duration, bufferCap, window int) (*StreamWaiter, error) {
	if bufferCap <= 0 {
		bufferCap = r.opts.StreamBufferCap
	}
	if window <= 0 {
		window = r.opts.StreamWindow
	}
	w := &waiter{
		correlationID: correlationID,
		kind:          kindStream,
		createdAt:     time.Now(),
		idleTimeout:   idleTimeout,
		done:          make(chan struct{}),
		out:           make(chan *envelope.Envelope, bufferCap),
		reasm:         sse.NewReassembler(window),
	}
	w.touch(time.Now())
	if err := r.add(w); err != nil {
		return nil, err
	}
	return &StreamWaiter{registry: r, w: w}, nil
}

func (r *Registry) add(w *waiter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.waiters[w.correlationID]; exists {
		return fmt.Errorf("waiter already registered for correlation %s", w.correlationID)
	}
	r.waiters[w.correlationID] = w
	return nil
}

// Complete routes an incoming reply or chunk envelope to its waiter.
// Unknown correlations and kind mismatches are dropped with a counter.
// For stream chunks, Complete blocks while the ordered channel is full so
// the caller must not settle the bus message until Complete returns.
func (r *Registry) Complete(ctx context.Context, env *envelope.Envelope) {
	r.mu.Lock()
	w, ok := r.waiters[env.CorrelationID]
	if !ok {
		r.mu.Unlock()
		r.lateDropped.Add(1)
		if _, grace := r.terminated.Get(env.CorrelationID); !grace {
			r.logger.Warn("envelope for unknown correlation dropped",
				slog.String("correlation_id", env.CorrelationID),
				slog.String("kind", string(env.Kind)),
			)
		}
		return
	}

	switch {
	case env.Kind == envelope.KindReply && w.kind == kindSingle:
		r.completeSingleLocked(w, env)
		r.mu.Unlock()
	case env.Kind == envelope.KindStreamChunk && w.kind == kindStream:
		r.mu.Unlock()
		r.completeStream(ctx, w, env)
	default:
		r.mu.Unlock()
		r.kindMismatches.Add(1)
		r.logger.Warn("envelope kind does not match waiter, dropped",
			slog.String("correlation_id", env.CorrelationID),
			slog.String("kind", string(env.Kind)),
		)
	}
}

func (r *Registry) completeSingleLocked(w *waiter, env *envelope.Envelope) {
	if w.terminated {
		r.lateDropped.Add(1)
		return
	}
	w.terminated = true
	w.result <- outcome{env: env}
	close(w.done)
	delete(r.waiters, w.correlationID)
	r.terminated.Add(w.correlationID, time.Now())
}

func (r *Registry) completeStream(ctx context.Context, w *waiter, env *envelope.Envelope) {
	w.pushMu.Lock()
	defer w.pushMu.Unlock()

	r.mu.Lock()
	if w.terminated {
		r.mu.Unlock()
		r.lateDropped.Add(1)
		return
	}
	ready, err := w.reasm.Push(env)
	if err != nil {
		r.terminateLocked(w, proxyerror.StreamBroken("Stream out-of-order window exceeded"))
		r.mu.Unlock()
		return
	}
	w.touch(time.Now())
	r.mu.Unlock()

	sawFinal := false
	for _, chunk := range ready {
		select {
		case w.out <- chunk:
			if chunk.Final() {
				sawFinal = true
			}
		case <-w.done:
			return // terminated mid-push; remaining chunks moot
		case <-ctx.Done():
			return
		}
	}
	if sawFinal {
		r.mu.Lock()
		r.terminateLocked(w, nil)
		r.mu.Unlock()
	}
}

// Cancel removes the waiter and signals its sink with reason. Later
// arrivals for the correlation are dropped silently.
func (r *Registry) Cancel(correlationID string, reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.waiters[correlationID]
	if !ok {
		return
	}
	r.cancelled.Add(1)
	if w.kind == kindSingle {
		r.terminateSingleLocked(w, reason)
		return
	}
	r.terminateLocked(w, reason)
}

// terminateLocked finalises a stream waiter. Terminal transitions are
// mutually exclusive; the first wins.
func (r *Registry) terminateLocked(w *waiter, err error) {
	if w.terminated {
		return
	}
	w.terminated = true
	w.err = err
	close(w.done)
	delete(r.waiters, w.correlationID)
	r.terminated.Add(w.correlationID, time.Now())
}

func (r *Registry) terminateSingleLocked(w *waiter, err error) {
	if w.terminated {
		return
	}
	w.terminated = true
	w.err = err
	w.result <- outcome{err: err}
	close(w.done)
	delete(r.waiters, w.correlationID)
	r.terminated.Add(w.correlationID, time.Now())
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.waiters {
		if !w.expired(now) {
			continue
		}
		r.timedOut.Add(1)
		r.logger.Info("waiter timed out",
			slog.String("correlation_id", w.correlationID),
			slog.Duration("age", now.Sub(w.createdAt)),
		)
		if w.kind == kindSingle {
			r.terminateSingleLocked(w, proxyerror.RequestTimeout())
		} else {
			r.terminateLocked(w, proxyerror.RequestTimeout())
		}
	}
}

func (r *Registry) shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.waiters {
		if w.kind == kindSingle {
			r.terminateSingleLocked(w, fmt.Errorf("registry shutting down"))
		} else {
			r.terminateLocked(w, fmt.Errorf("registry shutting down"))
		}
	}
}

// PendingCount reports how many waiters are open.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// StatsSnapshot returns drop counters.
func (r *Registry) StatsSnapshot() Stats {
	return Stats{
		LateDropped:    r.lateDropped.Load(),
		KindMismatches: r.kindMismatches.Load(),
		TimedOut:       r.timedOut.Load(),
		Cancelled:      r.cancelled.Load(),
	}
}
