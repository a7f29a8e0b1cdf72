package directory

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testEntries() []Entry {
	return []Entry{
		{ID: "writer", Group: "blog-agents", Host: "127.0.0.1:9101", HostingProxyID: "proxy-1"},
		{ID: "critic", Group: "blog-agents", HostingProxyID: "proxy-2"},
		{ID: "indexer", Group: "search-agents", Host: "127.0.0.1:9201", HostingProxyID: "proxy-1"},
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
		hosted  []string
	}{
		{"hosted agent missing from registry", testEntries(), []string{"ghost"}},
		{"hosted agent on other proxy", testEntries(), []string{"critic"}},
		{"duplicate id", append(testEntries(), Entry{ID: "writer", Group: "g", HostingProxyID: "proxy-1"}), nil},
		{"missing group", []Entry{{ID: "x", HostingProxyID: "proxy-1"}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New("proxy-1", tt.entries, tt.hosted); err == nil {
				t.Error("New accepted invalid input")
			}
		})
	}
}

func TestLookups(t *testing.T) {
	d, err := New("proxy-1", testEntries(), []string{"writer", "indexer"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !d.IsLocal("writer") {
		t.Error("writer should be local")
	}
	if d.IsLocal("critic") {
		t.Error("critic is hosted on proxy-2")
	}
	if d.IsLocal("ghost") {
		t.Error("unknown agent reported local")
	}

	if g, ok := d.GroupOf("critic"); !ok || g != "blog-agents" {
		t.Errorf("GroupOf(critic) = %q, %v", g, ok)
	}
	if _, ok := d.Get("ghost"); ok {
		t.Error("Get(ghost) found an entry")
	}

	entry, ok := d.Get("writer")
	if !ok || entry.Host != "127.0.0.1:9101" {
		t.Errorf("Get(writer) = %+v, %v", entry, ok)
	}
	if entry.AgentCardEndpoint != "/.well-known/agent.json" {
		t.Errorf("card endpoint default = %q", entry.AgentCardEndpoint)
	}

	groups := d.HostedGroups()
	if len(groups) != 2 || groups[0] != "blog-agents" || groups[1] != "search-agents" {
		t.Errorf("HostedGroups = %v", groups)
	}
	if ids := d.HostedAgents("blog-agents"); len(ids) != 1 || ids[0] != "writer" {
		t.Errorf("HostedAgents(blog-agents) = %v", ids)
	}
	if all := d.Groups(); len(all) != 2 {
		t.Errorf("Groups = %v", all)
	}
}

func TestProberStatuses(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()

	entries := []Entry{
		{ID: "up", Group: "g", Host: strings.TrimPrefix(healthy.URL, "http://"), HostingProxyID: "proxy-1"},
		{ID: "down", Group: "g", Host: strings.TrimPrefix(unhealthy.URL, "http://"), HostingProxyID: "proxy-1"},
		{ID: "gone", Group: "g", Host: "127.0.0.1:1", HostingProxyID: "proxy-1"},
	}
	d, err := New("proxy-1", entries, []string{"up", "down", "gone"})
	if err != nil {
		t.Fatal(err)
	}

	p := NewProber(d, slog.New(slog.NewTextHandler(io.Discard, nil)))
	snap := p.Snapshot(context.Background())

	if snap["up"] != HealthHealthy {
		t.Errorf("up = %s", snap["up"])
	}
	if snap["down"] != HealthUnhealthy {
		t.Errorf("down = %s", snap["down"])
	}
	if snap["gone"] != HealthUnreachable {
		t.Errorf("gone = %s", snap["gone"])
	}

	// Second call within the TTL serves the cache.
	healthy.Close()
	snap = p.Snapshot(context.Background())
	if snap["up"] != HealthHealthy {
		t.Errorf("cached up = %s", snap["up"])
	}
}
