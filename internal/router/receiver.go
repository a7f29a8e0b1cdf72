package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arcline/a2a-busproxy/internal/bus"
	"github.com/arcline/a2a-busproxy/internal/directory"
	"github.com/arcline/a2a-busproxy/internal/envelope"
	"github.com/arcline/a2a-busproxy/internal/jsonrpc"
	"github.com/arcline/a2a-busproxy/internal/pending"
	"github.com/arcline/a2a-busproxy/internal/proxyerror"
	"github.com/arcline/a2a-busproxy/internal/sse"
)

// Receiver runs the bus-facing half of the routing engine: per hosted
// agent it consumes request envelopes, forwards them to the agent over
// local HTTP, and publishes the reply (or the chunked SSE stream) back
// onto the responses topic. It also runs the shared response dispatcher
// that fans replies for this proxy's in-flight calls into the pending
// registry.
type Receiver struct {
	cfg      Config
	dir      *directory.Directory
	registry *pending.Registry
	adapter  bus.Adapter
	fwd      *Forwarder
	logger   *slog.Logger

	subs []bus.Subscription
}

func NewReceiver(cfg Config, dir *directory.Directory, registry *pending.Registry, adapter bus.Adapter, fwd *Forwarder, logger *slog.Logger) *Receiver {
	cfg.applyDefaults()
	return &Receiver{
		cfg:      cfg,
		dir:      dir,
		registry: registry,
		adapter:  adapter,
		fwd:      fwd,
		logger:   logger,
	}
}

// Start opens one request subscription per hosted (group, agent) pair
// and one shared response subscription per group in the registry.
// Distinct subscription names keep each request filter on its own
// consumer group so one agent's traffic never settles another's.
func (rc *Receiver) Start(ctx context.Context) error {
	for _, group := range rc.dir.HostedGroups() {
		for _, agentID := range rc.dir.HostedAgents(group) {
			name := bus.SubscriptionName(rc.cfg.ProxyID, group, "req") + "." + agentID
			sub, err := rc.adapter.Subscribe(ctx, bus.RequestsTopic(group), name,
				bus.Selector{Property: bus.PropToAgent, Value: agentID}, rc.handleRequest)
			if err != nil {
				rc.Close()
				return fmt.Errorf("request subscription for %s: %w", agentID, err)
			}
			rc.subs = append(rc.subs, sub)
		}
	}

	for _, group := range rc.dir.Groups() {
		name := bus.SubscriptionName(rc.cfg.ProxyID, group, "resp")
		sub, err := rc.adapter.Subscribe(ctx, bus.ResponsesTopic(group), name,
			bus.Selector{Property: bus.PropToProxy, Value: rc.cfg.ProxyID}, rc.handleResponse)
		if err != nil {
			rc.Close()
			return fmt.Errorf("response subscription for group %s: %w", group, err)
		}
		rc.subs = append(rc.subs, sub)
	}
	return nil
}

func (rc *Receiver) Close() {
	for _, sub := range rc.subs {
		sub.Close()
	}
	rc.subs = nil
}

// handleResponse fans a reply or chunk envelope into the pending
// registry. Complete blocks while a stream's ordered channel is full, so
// the bus message is not settled until the chunk is accepted; that stall
// is the back-pressure path.
func (rc *Receiver) handleResponse(ctx context.Context, d *bus.Delivery) {
	rc.registry.Complete(ctx, d.Envelope)
	if err := d.Ack(ctx); err != nil {
		rc.logger.Warn("response ack failed",
			slog.String("correlation_id", d.CorrelationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleRequest serves one request envelope against the local agent.
// The reply is published before the request is acked: a crash between
// the two re-executes the call on redelivery, and the duplicate reply
// collapses on the requester side.
func (rc *Receiver) handleRequest(ctx context.Context, d *bus.Delivery) {
	env := d.Envelope
	requester := d.Properties[bus.PropFromProxy]

	entry, ok := rc.dir.Get(env.ToAgent)
	if !ok || !rc.dir.IsLocal(env.ToAgent) {
		rc.logger.Error("request for agent this proxy does not host",
			slog.String("to_agent", env.ToAgent),
		)
		if err := d.DeadLetter(ctx, "agent not hosted here"); err != nil {
			rc.logger.Error("dead-letter failed", slog.String("error", err.Error()))
		}
		return
	}

	fwdCtx := ctx
	if !env.IsStream {
		var cancel context.CancelFunc
		fwdCtx, cancel = context.WithTimeout(ctx, rc.cfg.RequestTimeout)
		defer cancel()
	}

	resp, err := rc.fwd.Forward(fwdCtx, entry.Host, env)
	if err != nil {
		rc.publishFailure(ctx, d, env, requester, err)
		return
	}
	defer resp.Body.Close()

	if env.IsStream && strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		rc.relayStream(ctx, d, env, requester, resp.Body)
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		rc.publishFailure(ctx, d, env, requester, proxyerror.AgentUnavailable().WithCause(err))
		return
	}

	if env.IsStream {
		// The agent answered a stream request with a plain body, usually
		// a JSON-RPC error. Deliver it as an error chunk so the waiting
		// stream terminates cleanly.
		rc.publishErrorStream(ctx, d, env, requester, string(body))
		return
	}

	reply := envelope.NewReply(env, resp.StatusCode, body, time.Now())
	rc.publishReplyAndAck(ctx, d, env, requester, reply)
}

// publishReplyAndAck publishes reply, then settles the request. Publish
// failure abandons the request for redelivery.
func (rc *Receiver) publishReplyAndAck(ctx context.Context, d *bus.Delivery, env *envelope.Envelope, requester string, reply *envelope.Envelope) {
	props := bus.Properties(reply, requester)
	if err := rc.adapter.Publish(ctx, bus.ResponsesTopic(env.Group), reply, props); err != nil {
		rc.logger.Error("reply publish failed, abandoning request",
			slog.String("correlation_id", env.CorrelationID),
			slog.String("error", err.Error()),
		)
		if aerr := d.Abandon(ctx); aerr != nil {
			rc.logger.Error("abandon failed", slog.String("error", aerr.Error()))
		}
		return
	}
	if err := d.Ack(ctx); err != nil {
		rc.logger.Warn("request ack failed",
			slog.String("correlation_id", env.CorrelationID),
			slog.String("error", err.Error()),
		)
	}
}

// publishFailure turns a local forwarding failure into the reply the
// requester is waiting on.
func (rc *Receiver) publishFailure(ctx context.Context, d *bus.Delivery, env *envelope.Envelope, requester string, cause error) {
	pe := proxyerror.AsError(cause)
	if pe == nil {
		pe = proxyerror.AgentUnavailable().WithCause(cause)
	}
	rc.logger.Warn("local forward failed",
		slog.String("to_agent", env.ToAgent),
		slog.String("correlation_id", env.CorrelationID),
		slog.String("error", cause.Error()),
	)

	body, _ := json.Marshal(jsonrpc.NewErrorResponse(jsonrpc.RequestID(env.Payload), pe.Code, pe.Message))
	if env.IsStream {
		rc.publishErrorStream(ctx, d, env, requester, string(body))
		return
	}
	reply := envelope.NewReply(env, pe.Status, body, time.Now())
	rc.publishReplyAndAck(ctx, d, env, requester, reply)
}

// publishErrorStream emits an error chunk followed by the final end
// chunk, then settles the request.
func (rc *Receiver) publishErrorStream(ctx context.Context, d *bus.Delivery, env *envelope.Envelope, requester, data string) {
	streamID := uuid.New().String()
	errChunk, err := envelope.NewChunk(env, 0, envelope.StreamMetadata{
		StreamID:  streamID,
		ChunkType: envelope.ChunkError,
	}, &envelope.ChunkPayload{Data: data}, time.Now())
	if err == nil {
		err = rc.publishChunk(ctx, env, requester, errChunk)
	}
	if err == nil {
		err = rc.publishEnd(ctx, env, requester, streamID, 1)
	}
	if err != nil {
		rc.logger.Error("error-stream publish failed, abandoning request",
			slog.String("correlation_id", env.CorrelationID),
			slog.String("error", err.Error()),
		)
		_ = d.Abandon(ctx)
		return
	}
	_ = d.Ack(ctx)
}

// relayStream chunks the agent's SSE body onto the responses topic with
// dense ascending sequences and acks the request only once the final
// chunk is accepted by the bus.
func (rc *Receiver) relayStream(ctx context.Context, d *bus.Delivery, env *envelope.Envelope, requester string, upstream io.Reader) {
	streamID := uuid.New().String()
	scanner := sse.NewScanner(upstream)
	var seq uint64

	for {
		event, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Upstream died mid-stream: error chunk, then end.
			rc.logger.Warn("upstream stream broke",
				slog.String("correlation_id", env.CorrelationID),
				slog.String("error", err.Error()),
			)
			body, _ := json.Marshal(jsonrpc.NewErrorResponse(
				jsonrpc.RequestID(env.Payload), proxyerror.CodeInternal, "Agent stream interrupted"))
			errChunk, cerr := envelope.NewChunk(env, seq, envelope.StreamMetadata{
				StreamID:  streamID,
				ChunkType: envelope.ChunkError,
			}, &envelope.ChunkPayload{Data: string(body)}, time.Now())
			if cerr == nil && rc.publishChunk(ctx, env, requester, errChunk) == nil {
				seq++
				if rc.publishEnd(ctx, env, requester, streamID, seq) == nil {
					_ = d.Ack(ctx)
					return
				}
			}
			_ = d.Abandon(ctx)
			return
		}

		chunkType := envelope.ChunkData
		if event.Name != "" {
			chunkType = envelope.ChunkEvent
		}
		chunk, cerr := envelope.NewChunk(env, seq, envelope.StreamMetadata{
			StreamID:    streamID,
			ChunkType:   chunkType,
			EventName:   event.Name,
			Retry:       event.Retry,
			LastEventID: event.ID,
		}, &envelope.ChunkPayload{Data: event.Data, Event: event.Name, ID: event.ID, Retry: event.Retry}, time.Now())
		if cerr != nil {
			rc.logger.Error("chunk build failed", slog.String("error", cerr.Error()))
			_ = d.DeadLetter(ctx, "unchunkable event: "+cerr.Error())
			return
		}
		if err := rc.publishChunk(ctx, env, requester, chunk); err != nil {
			rc.logger.Error("chunk publish failed, abandoning request",
				slog.String("correlation_id", env.CorrelationID),
				slog.Uint64("sequence", seq),
				slog.String("error", err.Error()),
			)
			_ = d.Abandon(ctx)
			return
		}
		seq++
	}

	if err := rc.publishEnd(ctx, env, requester, streamID, seq); err != nil {
		rc.logger.Error("final chunk publish failed, abandoning request",
			slog.String("correlation_id", env.CorrelationID),
			slog.String("error", err.Error()),
		)
		_ = d.Abandon(ctx)
		return
	}
	_ = d.Ack(ctx)
}

func (rc *Receiver) publishChunk(ctx context.Context, req *envelope.Envelope, requester string, chunk *envelope.Envelope) error {
	return rc.adapter.Publish(ctx, bus.ResponsesTopic(req.Group), chunk, bus.Properties(chunk, requester))
}

func (rc *Receiver) publishEnd(ctx context.Context, req *envelope.Envelope, requester, streamID string, seq uint64) error {
	end, err := envelope.NewChunk(req, seq, envelope.StreamMetadata{
		StreamID:  streamID,
		ChunkType: envelope.ChunkEnd,
		Final:     true,
	}, nil, time.Now())
	if err != nil {
		return err
	}
	return rc.publishChunk(ctx, req, requester, end)
}
