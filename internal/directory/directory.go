// Package directory holds the static agent map the proxy routes by. The
// directory is built once at startup from configuration and is read-only
// afterwards; a registry change requires a proxy restart.
package directory

import (
	"fmt"
	"sort"
)

// Entry describes one agent in the network.
type Entry struct {
	ID                string
	Group             string
	Host              string // host:port of the agent process; empty when remote
	HostingProxyID    string
	Capabilities      []string
	AgentCardEndpoint string
	HealthEndpoint    string
}

// Directory answers is-local? and where-is? queries. Lock-free: the maps
// are never mutated after New.
type Directory struct {
	proxyID string
	agents  map[string]Entry
	hosted  map[string]struct{} // agent ids this proxy fronts
}

// New builds the directory for proxyID. hosted lists the agent ids this
// proxy fronts locally; each must appear in entries with a host and a
// matching hosting proxy id.
func New(proxyID string, entries []Entry, hosted []string) (*Directory, error) {
	agents := make(map[string]Entry, len(entries))
	for _, e := range entries {
		if e.ID == "" || e.Group == "" {
			return nil, fmt.Errorf("agent entry missing id or group: %+v", e)
		}
		if _, dup := agents[e.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id %q", e.ID)
		}
		if e.AgentCardEndpoint == "" {
			e.AgentCardEndpoint = "/.well-known/agent.json"
		}
		if e.HealthEndpoint == "" {
			e.HealthEndpoint = "/health"
		}
		agents[e.ID] = e
	}

	hostedSet := make(map[string]struct{}, len(hosted))
	for _, id := range hosted {
		e, ok := agents[id]
		if !ok {
			return nil, fmt.Errorf("hosted agent %q not in registry", id)
		}
		if e.HostingProxyID != proxyID {
			return nil, fmt.Errorf("hosted agent %q belongs to proxy %q", id, e.HostingProxyID)
		}
		if e.Host == "" {
			return nil, fmt.Errorf("hosted agent %q has no host:port", id)
		}
		hostedSet[id] = struct{}{}
	}

	return &Directory{proxyID: proxyID, agents: agents, hosted: hostedSet}, nil
}

// Get returns the entry for agentID.
func (d *Directory) Get(agentID string) (Entry, bool) {
	e, ok := d.agents[agentID]
	return e, ok
}

// IsLocal reports whether this proxy fronts agentID.
func (d *Directory) IsLocal(agentID string) bool {
	e, ok := d.agents[agentID]
	if !ok {
		return false
	}
	if e.HostingProxyID != d.proxyID {
		return false
	}
	_, hosted := d.hosted[agentID]
	return hosted
}

// GroupOf returns the agent's group.
func (d *Directory) GroupOf(agentID string) (string, bool) {
	e, ok := d.agents[agentID]
	return e.Group, ok
}

// HostedAgents returns the ids of locally-hosted agents in group, sorted.
func (d *Directory) HostedAgents(group string) []string {
	var ids []string
	for id := range d.hosted {
		if d.agents[id].Group == group {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// HostedGroups returns the groups with at least one locally-hosted agent,
// sorted.
func (d *Directory) HostedGroups() []string {
	seen := make(map[string]struct{})
	for id := range d.hosted {
		seen[d.agents[id].Group] = struct{}{}
	}
	groups := make([]string, 0, len(seen))
	for g := range seen {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}

// Groups returns every group present in the registry, sorted.
func (d *Directory) Groups() []string {
	seen := make(map[string]struct{})
	for _, e := range d.agents {
		seen[e.Group] = struct{}{}
	}
	groups := make([]string, 0, len(seen))
	for g := range seen {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}

// ProxyID returns this proxy's id.
func (d *Directory) ProxyID() string { return d.proxyID }
