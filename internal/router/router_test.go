package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arcline/a2a-busproxy/internal/bus"
	"github.com/arcline/a2a-busproxy/internal/directory"
	"github.com/arcline/a2a-busproxy/internal/envelope"
	"github.com/arcline/a2a-busproxy/internal/pending"
)

// =============================================================================
// Fakes
// =============================================================================

type published struct {
	topic string
	env   *envelope.Envelope
	props map[string]string
}

type fakeAdapter struct {
	mu          sync.Mutex
	messages    []published
	failPublish bool

	subs []fakeSubEntry
}

type fakeSubEntry struct {
	topic    string
	name     string
	selector bus.Selector
	handler  bus.Handler
}

type fakeSub struct{}

func (fakeSub) Close() error { return nil }

func (f *fakeAdapter) EnsureTopology(ctx context.Context, groups []string) error { return nil }

func (f *fakeAdapter) Subscribe(ctx context.Context, topic, name string, sel bus.Selector, h bus.Handler) (bus.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fakeSubEntry{topic, name, sel, h})
	return fakeSub{}, nil
}

func (f *fakeAdapter) Publish(ctx context.Context, topic string, env *envelope.Envelope, props map[string]string) error {
	if f.failPublish {
		return fmt.Errorf("broker down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, published{topic, env, props})
	return nil
}

func (f *fakeAdapter) Close() error { return nil }

func (f *fakeAdapter) publishedTo(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, m := range f.messages {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// waitForPublish polls until at least n messages hit topic.
func (f *fakeAdapter) waitForPublish(t *testing.T, topic string, n int) []published {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := f.publishedTo(topic); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no publish to %s", topic)
	return nil
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	router   *Router
	registry *pending.Registry
	adapter  *fakeAdapter
	dir      *directory.Directory
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness wires a proxy that hosts "writer" at agentHost and knows
// "critic" as remote on proxy-2.
func newHarness(t *testing.T, agentHost string, cfg Config) *harness {
	t.Helper()
	logger := discard()

	entries := []directory.Entry{
		{ID: "writer", Group: "blog-agents", Host: agentHost, HostingProxyID: "proxy-1"},
		{ID: "critic", Group: "blog-agents", HostingProxyID: "proxy-2"},
	}
	var hosted []string
	if agentHost != "" {
		hosted = []string{"writer"}
	}
	dir, err := directory.New("proxy-1", entries, hosted)
	if err != nil {
		t.Fatalf("directory: %v", err)
	}

	registry, err := pending.New(pending.Options{SweepInterval: 10 * time.Millisecond}, logger)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	registry.Start(ctx)

	adapter := &fakeAdapter{}
	fwd := NewForwarder(ForwarderOptions{RequestTimeout: 2 * time.Second}, logger)

	if cfg.ProxyID == "" {
		cfg.ProxyID = "proxy-1"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://proxy-1:8080"
	}
	rt := New(cfg, dir, registry, adapter, fwd, nil, logger)
	return &harness{router: rt, registry: registry, adapter: adapter, dir: dir}
}

func hostOf(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	return strings.TrimPrefix(srv.URL, "http://")
}

// =============================================================================
// Scenario: local sync
// =============================================================================

func TestLocalSyncPassesThroughWithoutBus(t *testing.T) {
	const reply = `{"jsonrpc":"2.0","result":{"id":"task-1"},"id":"r1"}`
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages:send" {
			t.Errorf("agent saw path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, reply)
	}))
	defer agent.Close()

	h := newHarness(t, hostOf(t, agent), Config{})
	srv := httptest.NewServer(h.router.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/agents/writer/v1/messages:send", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","method":"message/send","params":{},"id":"r1"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != reply {
		t.Errorf("body = %s", body)
	}
	if len(h.adapter.messages) != 0 {
		t.Errorf("bus traffic on local call: %+v", h.adapter.messages)
	}
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Error("missing X-Correlation-ID")
	}
}

// =============================================================================
// Scenario: agent unknown
// =============================================================================

func TestUnknownAgentReturns404(t *testing.T) {
	h := newHarness(t, "", Config{})
	srv := httptest.NewServer(h.router.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/agents/ghost/v1/messages:send", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","method":"message/send","id":"r9"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	var rpc struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		ID any `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		t.Fatal(err)
	}
	if rpc.Error.Code != -32001 || rpc.Error.Message != "Agent not found" {
		t.Errorf("error = %+v", rpc.Error)
	}
	if rpc.ID != "r9" {
		t.Errorf("id = %v", rpc.ID)
	}
}

// =============================================================================
// Scenario: cross-proxy sync
// =============================================================================

func TestRemoteSyncRoundTrip(t *testing.T) {
	h := newHarness(t, "", Config{RequestTimeout: 2 * time.Second})
	srv := httptest.NewServer(h.router.Routes())
	defer srv.Close()

	const agentReply = `{"jsonrpc":"2.0","result":{"verdict":"ok"},"id":"r2"}`
	go func() {
		msgs := h.adapter.waitForPublish(t, "a2a.blog-agents.requests", 1)
		req := msgs[0].env
		reply := envelope.NewReply(req, http.StatusOK, []byte(agentReply), time.Now())
		h.registry.Complete(context.Background(), reply)
	}()

	resp, err := http.Post(srv.URL+"/agents/critic/v1/messages:send", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","method":"message/send","params":{},"id":"r2"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != agentReply {
		t.Errorf("body = %s", body)
	}

	msgs := h.adapter.publishedTo("a2a.blog-agents.requests")
	if len(msgs) != 1 {
		t.Fatalf("published %d request envelopes", len(msgs))
	}
	env := msgs[0].env
	if env.ToAgent != "critic" || env.Kind != envelope.KindRequest || env.IsStream {
		t.Errorf("request envelope = %+v", env)
	}
	if msgs[0].props[bus.PropFromProxy] != "proxy-1" {
		t.Errorf("fromProxy prop = %q", msgs[0].props[bus.PropFromProxy])
	}
}

// =============================================================================
// Scenario: request timeout
// =============================================================================

func TestRemoteSyncTimeout(t *testing.T) {
	h := newHarness(t, "", Config{RequestTimeout: 50 * time.Millisecond})
	srv := httptest.NewServer(h.router.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/agents/critic/v1/messages:send", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","method":"message/send","id":"r3"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	want := `{"jsonrpc":"2.0","id":"r3","error":{"code":-32603,"message":"Request timeout"}}`
	var gotJSON, wantJSON any
	json.Unmarshal(body, &gotJSON)
	json.Unmarshal([]byte(want), &wantJSON)
	if fmt.Sprint(gotJSON) != fmt.Sprint(wantJSON) {
		t.Errorf("body = %s", body)
	}

	// A late reply is dropped with a counter bump, not delivered.
	msgs := h.adapter.publishedTo("a2a.blog-agents.requests")
	late := envelope.NewReply(msgs[0].env, http.StatusOK, []byte(`{}`), time.Now())
	before := h.registry.StatsSnapshot().LateDropped
	h.registry.Complete(context.Background(), late)
	if h.registry.StatsSnapshot().LateDropped != before+1 {
		t.Error("late reply not counted as dropped")
	}
}

// =============================================================================
// Scenario: bus publish failure
// =============================================================================

func TestRemoteSyncPublishFailure(t *testing.T) {
	h := newHarness(t, "", Config{})
	h.adapter.failPublish = true
	srv := httptest.NewServer(h.router.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/agents/critic/v1/messages:send", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","method":"message/send","id":"r4"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Bus publish failed") {
		t.Errorf("body = %s", body)
	}
	if h.registry.PendingCount() != 0 {
		t.Error("waiter leaked after publish failure")
	}
}

// =============================================================================
// Scenario: cross-proxy stream
// =============================================================================

func TestRemoteStreamOrderedDelivery(t *testing.T) {
	h := newHarness(t, "", Config{StreamIdleTimeout: 2 * time.Second})
	srv := httptest.NewServer(h.router.Routes())
	defer srv.Close()

	go func() {
		msgs := h.adapter.waitForPublish(t, "a2a.blog-agents.requests", 1)
		req := msgs[0].env
		ctx := context.Background()
		for i, data := range []string{"A", "B", "C"} {
			chunk, _ := envelope.NewChunk(req, uint64(i), envelope.StreamMetadata{
				StreamID:  "s-1",
				ChunkType: envelope.ChunkData,
			}, &envelope.ChunkPayload{Data: data}, time.Now())
			h.registry.Complete(ctx, chunk)
		}
		end, _ := envelope.NewChunk(req, 3, envelope.StreamMetadata{
			StreamID:  "s-1",
			ChunkType: envelope.ChunkEnd,
			Final:     true,
		}, nil, time.Now())
		h.registry.Complete(ctx, end)
	}()

	resp, err := http.Post(srv.URL+"/agents/critic/v1/messages:stream", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","method":"message/stream","id":"r5"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	want := "data: A\n\ndata: B\n\ndata: C\n\n"
	if string(body) != want {
		t.Errorf("stream body = %q, want %q", body, want)
	}

	if req := h.adapter.publishedTo("a2a.blog-agents.requests"); !req[0].env.IsStream {
		t.Error("stream request envelope not flagged is_stream")
	}
}

type fakeSessions struct {
	mu      sync.Mutex
	began   []string
	touched int
	ended   []string
}

func (f *fakeSessions) Begin(agentID, correlationID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sid := "sess-" + agentID
	f.began = append(f.began, sid)
	return sid, nil
}

func (f *fakeSessions) Touch(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched++
}

func (f *fakeSessions) End(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, sessionID)
}

func TestRemoteStreamTracksSession(t *testing.T) {
	h := newHarness(t, "", Config{StreamIdleTimeout: 2 * time.Second})
	sessions := &fakeSessions{}
	h.router.sessions = sessions
	srv := httptest.NewServer(h.router.Routes())
	defer srv.Close()

	go func() {
		msgs := h.adapter.waitForPublish(t, "a2a.blog-agents.requests", 1)
		req := msgs[0].env
		ctx := context.Background()
		for i, data := range []string{"A", "B"} {
			chunk, _ := envelope.NewChunk(req, uint64(i), envelope.StreamMetadata{
				StreamID:  "s-2",
				ChunkType: envelope.ChunkData,
			}, &envelope.ChunkPayload{Data: data}, time.Now())
			h.registry.Complete(ctx, chunk)
		}
		end, _ := envelope.NewChunk(req, 2, envelope.StreamMetadata{
			StreamID:  "s-2",
			ChunkType: envelope.ChunkEnd,
			Final:     true,
		}, nil, time.Now())
		h.registry.Complete(ctx, end)
	}()

	resp, err := http.Post(srv.URL+"/agents/critic/v1/messages:stream", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","method":"message/stream","id":"r6"}`))
	if err != nil {
		t.Fatal(err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	if len(sessions.began) != 1 || sessions.began[0] != "sess-critic" {
		t.Errorf("began = %v", sessions.began)
	}
	if sessions.touched < 3 {
		t.Errorf("touched = %d, want one per delivered chunk", sessions.touched)
	}
	if len(sessions.ended) != 1 || sessions.ended[0] != "sess-critic" {
		t.Errorf("ended = %v", sessions.ended)
	}
}

// =============================================================================
// Agent card
// =============================================================================

func TestAgentCardRewrite(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/agent.json" {
			t.Errorf("agent saw path %q", r.URL.Path)
		}
		io.WriteString(w, `{"name":"writer","url":"http://writer.internal:9101","version":"1.2.0","capabilities":{"streaming":true}}`)
	}))
	defer agent.Close()

	h := newHarness(t, hostOf(t, agent), Config{BaseURL: "http://proxy-1:8080"})
	srv := httptest.NewServer(h.router.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/agents/writer/.well-known/agent.json")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var card map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		t.Fatal(err)
	}
	if card["url"] != "http://proxy-1:8080/agents/writer" {
		t.Errorf("url = %v", card["url"])
	}
	if card["version"] != "1.2.0" || card["name"] != "writer" {
		t.Errorf("card fields rewritten unexpectedly: %v", card)
	}
}

func TestAgentCardFallbackOnFetchFailure(t *testing.T) {
	// Host points at a closed port.
	h := newHarness(t, "127.0.0.1:1", Config{BaseURL: "http://proxy-1:8080"})
	srv := httptest.NewServer(h.router.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/agents/writer/.well-known/agent.json")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 fallback", resp.StatusCode)
	}
	var card map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		t.Fatal(err)
	}
	if card["name"] != "writer" || card["version"] != "unknown" {
		t.Errorf("fallback card = %v", card)
	}
	if card["error"] == nil {
		t.Error("fallback card missing error reason")
	}
}
