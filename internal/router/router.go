// Package router is the routing engine: it wraps ingress HTTP requests
// into envelopes, dispatches them to a co-located agent or across the
// bus, and turns correlated replies back into HTTP responses or SSE
// streams. The background half that serves locally-hosted agents lives
// in receiver.go.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/arcline/a2a-busproxy/internal/bus"
	"github.com/arcline/a2a-busproxy/internal/directory"
	"github.com/arcline/a2a-busproxy/internal/envelope"
	"github.com/arcline/a2a-busproxy/internal/jsonrpc"
	"github.com/arcline/a2a-busproxy/internal/pending"
	"github.com/arcline/a2a-busproxy/internal/proxyerror"
	"github.com/arcline/a2a-busproxy/internal/server"
	"github.com/arcline/a2a-busproxy/internal/sse"
)

const maxBodyBytes = 4 << 20

// Config holds the routing engine's knobs.
type Config struct {
	ProxyID           string
	BaseURL           string // public base, used for agent-card rewrite
	RequestTimeout    time.Duration
	StreamIdleTimeout time.Duration
	StreamBufferCap   int
	StreamWindow      int
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.StreamIdleTimeout <= 0 {
		c.StreamIdleTimeout = 2 * time.Minute
	}
}

// SessionRecorder is the slice of session management the router needs.
// May be nil; the router works without session tracking.
type SessionRecorder interface {
	Begin(agentID, correlationID string) (string, error)
	Touch(sessionID string)
	End(sessionID string)
}

// Router is the ingress half of the routing engine.
type Router struct {
	cfg      Config
	dir      *directory.Directory
	registry *pending.Registry
	adapter  bus.Adapter
	fwd      *Forwarder
	sessions SessionRecorder
	logger   *slog.Logger
}

func New(cfg Config, dir *directory.Directory, registry *pending.Registry, adapter bus.Adapter, fwd *Forwarder, sessions SessionRecorder, logger *slog.Logger) *Router {
	cfg.applyDefaults()
	return &Router{
		cfg:      cfg,
		dir:      dir,
		registry: registry,
		adapter:  adapter,
		fwd:      fwd,
		sessions: sessions,
		logger:   logger,
	}
}

// Routes mounts the A2A ingress surface.
func (rt *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/agents/{agentID}", func(r chi.Router) {
		r.Get("/.well-known/agent.json", rt.handleAgentCard)
		r.Post("/v1/messages:send", rt.handleSync)
		r.Post("/v1/messages:stream", rt.handleStream)
		r.Get("/v1/tasks:get", rt.handleSync)
		r.Post("/v1/tasks:cancel", rt.handleSync)
		r.Post("/v1/tasks:resubscribe", rt.handleStream)
	})
	return r
}

// agentPath recovers the original path suffix (starting at /v1/ or
// /.well-known/) including the query string, forwarded verbatim.
func agentPath(r *http.Request, agentID string) string {
	path := strings.TrimPrefix(r.URL.Path, "/agents/"+agentID)
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	return path
}

func fromAgent(r *http.Request) string {
	if v := r.Header.Get("From-Agent"); v != "" {
		return v
	}
	if v := r.Header.Get("X-From-Agent"); v != "" {
		return v
	}
	return "proxy"
}

func (rt *Router) buildEnvelope(r *http.Request, entry directory.Entry, correlationID string, body []byte, isStream bool) *envelope.Envelope {
	return envelope.NewRequest(
		entry.Group,
		entry.ID,
		fromAgent(r),
		correlationID,
		r.Method,
		agentPath(r, entry.ID),
		envelope.FilterHeaders(r.Header),
		body,
		isStream,
		time.Now(),
	)
}

func (rt *Router) publishRequest(r *http.Request, entry directory.Entry, env *envelope.Envelope) error {
	props := bus.Properties(env, "")
	props[bus.PropFromProxy] = rt.cfg.ProxyID
	return rt.adapter.Publish(r.Context(), bus.RequestsTopic(entry.Group), env, props)
}

// =============================================================================
// Synchronous requests
// =============================================================================

func (rt *Router) handleSync(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		rt.writeError(w, r, nil, proxyerror.InvalidRequest("unreadable request body").WithCause(err))
		return
	}
	rpcID := jsonrpc.RequestID(body)

	entry, ok := rt.dir.Get(agentID)
	if !ok {
		rt.writeError(w, r, rpcID, proxyerror.AgentNotFound())
		return
	}

	correlationID := uuid.New().String()
	w.Header().Set("X-Correlation-ID", correlationID)
	env := rt.buildEnvelope(r, entry, correlationID, body, false)

	if rt.dir.IsLocal(agentID) {
		rt.serveLocal(w, r, entry, env, rpcID, "")
		return
	}
	rt.serveRemoteSync(w, r, entry, env, rpcID)
}

// serveLocal forwards straight to the co-located agent; the bus is never
// touched. sid names the tracked session for streaming calls, empty
// otherwise.
func (rt *Router) serveLocal(w http.ResponseWriter, r *http.Request, entry directory.Entry, env *envelope.Envelope, rpcID any, sid string) {
	ctx := r.Context()
	if !env.IsStream {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.cfg.RequestTimeout)
		defer cancel()
	}

	resp, err := rt.fwd.Forward(ctx, entry.Host, env)
	if err != nil {
		rt.writeError(w, r, rpcID, err)
		return
	}
	defer resp.Body.Close()

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		rt.relayLocalStream(w, resp, sid)
		return
	}

	for k, vs := range resp.Header {
		switch k {
		case "Connection", "Transfer-Encoding", "Keep-Alive", "Upgrade":
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		rt.logger.Debug("local response copy aborted", slog.String("error", err.Error()))
	}
}

// relayLocalStream pipes a local agent's SSE body to the client without
// envelope wrapping.
func (rt *Router) relayLocalStream(w http.ResponseWriter, resp *http.Response, sid string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			flusher.Flush()
			rt.touchSession(sid)
		}
		if err != nil {
			return
		}
	}
}

func (rt *Router) touchSession(sid string) {
	if rt.sessions != nil && sid != "" {
		rt.sessions.Touch(sid)
	}
}

func (rt *Router) serveRemoteSync(w http.ResponseWriter, r *http.Request, entry directory.Entry, env *envelope.Envelope, rpcID any) {
	deadline := time.Now().Add(rt.cfg.RequestTimeout)
	waiter, err := rt.registry.RegisterSingle(env.CorrelationID, deadline)
	if err != nil {
		rt.writeError(w, r, rpcID, proxyerror.InvalidRequest("duplicate correlation").WithCause(err))
		return
	}

	if err := rt.publishRequest(r, entry, env); err != nil {
		rt.registry.Cancel(env.CorrelationID, err)
		rt.writeError(w, r, rpcID, proxyerror.BusPublishFailed().WithCause(err))
		return
	}
	server.AddLogField(r.Context(), "routed", "bus")

	reply, err := waiter.Wait(r.Context())
	if err != nil {
		if r.Context().Err() != nil && errors.Is(err, r.Context().Err()) {
			return // client gone; nothing left to write
		}
		rt.writeError(w, r, rpcID, err)
		return
	}

	status := reply.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(reply.Payload); err != nil {
		rt.logger.Debug("reply write aborted", slog.String("error", err.Error()))
	}
}

// =============================================================================
// Streaming requests
// =============================================================================

func (rt *Router) handleStream(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		rt.writeError(w, r, nil, proxyerror.InvalidRequest("unreadable request body").WithCause(err))
		return
	}
	rpcID := jsonrpc.RequestID(body)

	entry, ok := rt.dir.Get(agentID)
	if !ok {
		rt.writeError(w, r, rpcID, proxyerror.AgentNotFound())
		return
	}

	correlationID := uuid.New().String()
	w.Header().Set("X-Correlation-ID", correlationID)
	env := rt.buildEnvelope(r, entry, correlationID, body, true)

	var sid string
	if rt.sessions != nil {
		var err error
		if sid, err = rt.sessions.Begin(agentID, correlationID); err == nil {
			defer rt.sessions.End(sid)
		} else {
			sid = ""
			rt.logger.Warn("session tracking failed", slog.String("error", err.Error()))
		}
	}

	if rt.dir.IsLocal(agentID) {
		rt.serveLocal(w, r, entry, env, rpcID, sid)
		return
	}
	rt.serveRemoteStream(w, r, entry, env, rpcID, sid)
}

func (rt *Router) serveRemoteStream(w http.ResponseWriter, r *http.Request, entry directory.Entry, env *envelope.Envelope, rpcID any, sid string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		rt.writeError(w, r, rpcID, proxyerror.StreamBroken("streaming not supported"))
		return
	}

	waiter, err := rt.registry.RegisterStream(env.CorrelationID, rt.cfg.StreamIdleTimeout, rt.cfg.StreamBufferCap, rt.cfg.StreamWindow)
	if err != nil {
		rt.writeError(w, r, rpcID, proxyerror.InvalidRequest("duplicate correlation").WithCause(err))
		return
	}

	if err := rt.publishRequest(r, entry, env); err != nil {
		waiter.Cancel(err)
		rt.writeError(w, r, rpcID, proxyerror.BusPublishFailed().WithCause(err))
		return
	}
	server.AddLogField(r.Context(), "routed", "bus")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case chunk := <-waiter.Chunks():
			rt.touchSession(sid)
			if rt.emitChunk(w, flusher, chunk) {
				return
			}
		case <-waiter.Done():
			// Drain chunks queued before termination, then surface the
			// terminal error, if any.
			for {
				select {
				case chunk := <-waiter.Chunks():
					rt.touchSession(sid)
					if rt.emitChunk(w, flusher, chunk) {
						return
					}
				default:
					rt.finishStream(w, flusher, rpcID, waiter.Err())
					return
				}
			}
		case <-r.Context().Done():
			waiter.Cancel(fmt.Errorf("client gone: %w", r.Context().Err()))
			return
		}
	}
}

// emitChunk writes one ordered chunk; reports whether the stream is
// complete.
func (rt *Router) emitChunk(w http.ResponseWriter, flusher http.Flusher, chunk *envelope.Envelope) bool {
	if err := sse.WriteChunk(w, chunk); err != nil {
		rt.logger.Debug("stream write aborted", slog.String("error", err.Error()))
		return true
	}
	flusher.Flush()
	return chunk.Final()
}

// finishStream surfaces a terminal error as one SSE error event before
// the response closes.
func (rt *Router) finishStream(w http.ResponseWriter, flusher http.Flusher, rpcID any, err error) {
	if err == nil {
		return
	}
	pe := proxyerror.AsError(err)
	if pe == nil {
		pe = proxyerror.StreamBroken(err.Error())
	}
	body, merr := json.Marshal(jsonrpc.NewErrorResponse(rpcID, pe.Code, pe.Message))
	if merr != nil {
		return
	}
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", body)
	flusher.Flush()
}

// =============================================================================
// Agent card
// =============================================================================

func (rt *Router) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	entry, ok := rt.dir.Get(agentID)
	if !ok {
		rt.writeError(w, r, nil, proxyerror.AgentNotFound())
		return
	}

	proxyURL := rt.cfg.BaseURL + "/agents/" + agentID
	correlationID := uuid.New().String()
	w.Header().Set("X-Correlation-ID", correlationID)
	env := rt.buildEnvelope(r, entry, correlationID, nil, false)

	raw, err := rt.fetchCard(r, entry, env)
	if err != nil {
		if r.Context().Err() != nil && errors.Is(err, r.Context().Err()) {
			return
		}
		rt.writeCard(w, fallbackCard(agentID, proxyURL, err, rt.logger))
		return
	}

	rewritten, err := rewriteCard(raw, proxyURL)
	if err != nil {
		rt.writeCard(w, fallbackCard(agentID, proxyURL, err, rt.logger))
		return
	}
	rt.writeCard(w, rewritten)
}

func (rt *Router) fetchCard(r *http.Request, entry directory.Entry, env *envelope.Envelope) ([]byte, error) {
	if rt.dir.IsLocal(entry.ID) {
		ctx, cancel := context.WithTimeout(r.Context(), rt.cfg.RequestTimeout)
		defer cancel()
		resp, err := rt.fwd.Forward(ctx, entry.Host, env)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("card fetch returned %d", resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	}

	deadline := time.Now().Add(rt.cfg.RequestTimeout)
	waiter, err := rt.registry.RegisterSingle(env.CorrelationID, deadline)
	if err != nil {
		return nil, err
	}
	if err := rt.publishRequest(r, entry, env); err != nil {
		rt.registry.Cancel(env.CorrelationID, err)
		return nil, err
	}
	reply, err := waiter.Wait(r.Context())
	if err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

func (rt *Router) writeCard(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// =============================================================================
// Error rendering
// =============================================================================

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, rpcID any, err error) {
	pe := proxyerror.AsError(err)
	if pe == nil {
		pe = proxyerror.StreamBroken(err.Error())
	}
	server.AddError(r.Context(), err)

	body, merr := json.Marshal(jsonrpc.NewErrorResponse(rpcID, pe.Code, pe.Message))
	if merr != nil {
		http.Error(w, pe.Message, pe.Status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(pe.Status)
	w.Write(body)
}
