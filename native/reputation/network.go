package reputation

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	coreerrors "agentmarket/core/errors"
)

const (
	// DefaultMaxHops bounds trust path searches.
	DefaultMaxHops = 3
	// MinEdgeTrust is the exclusive lower bound for an edge to carry trust.
	MinEdgeTrust = 0.5
)

// Relationship is a directed trust edge.
type Relationship struct {
	Trustor   string    `json:"trustor"`
	Trustee   string    `json:"trustee"`
	Level     float64   `json:"level"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Network holds direct trust relationships and operator allow/block lists.
type Network struct {
	mu      sync.RWMutex
	edges   map[string]map[string]Relationship
	blocked map[string]string
	allowed map[string]string
}

// NewNetwork constructs an empty network.
func NewNetwork() *Network {
	return &Network{
		edges:   make(map[string]map[string]Relationship),
		blocked: make(map[string]string),
		allowed: make(map[string]string),
	}
}

// AddRelationship records or updates trustor's trust in trustee.
func (n *Network) AddRelationship(trustor, trustee string, level float64, at time.Time) error {
	trustor = strings.TrimSpace(trustor)
	trustee = strings.TrimSpace(trustee)
	if trustor == "" || trustee == "" || trustor == trustee {
		return fmt.Errorf("reputation: relationship requires two distinct agents: %w", coreerrors.ErrForbidden)
	}
	if math.IsNaN(level) || level < 0 || level > 1 {
		return fmt.Errorf("reputation: trust level %v outside [0,1]: %w", level, coreerrors.ErrInvalidAmount)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	out, ok := n.edges[trustor]
	if !ok {
		out = make(map[string]Relationship)
		n.edges[trustor] = out
	}
	rel, exists := out[trustee]
	if !exists {
		rel = Relationship{Trustor: trustor, Trustee: trustee, CreatedAt: at}
	}
	rel.Level = level
	rel.UpdatedAt = at
	out[trustee] = rel
	return nil
}

// Relationship returns the direct edge from trustor to trustee.
func (n *Network) Relationship(trustor, trustee string) (Relationship, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	rel, ok := n.edges[trustor][trustee]
	return rel, ok
}

// TrustPath returns the shortest path from src to dst over edges with level
// above MinEdgeTrust, or nil when none exists within maxHops edges. Ties are
// broken by lexical agent order. maxHops <= 0 selects DefaultMaxHops.
func (n *Network) TrustPath(src, dst string, maxHops int) []string {
	src = strings.TrimSpace(src)
	dst = strings.TrimSpace(dst)
	if src == dst {
		return []string{src}
	}
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	n.mu.RLock()
	defer n.mu.RUnlock()

	parent := map[string]string{src: ""}
	frontier := []string{src}
	for depth := 0; depth < maxHops && len(frontier) > 0; depth++ {
		var next []string
		for _, node := range frontier {
			for _, peer := range n.trustedPeers(node) {
				if _, seen := parent[peer]; seen {
					continue
				}
				parent[peer] = node
				if peer == dst {
					return buildPath(parent, src, dst)
				}
				next = append(next, peer)
			}
		}
		frontier = next
	}
	return nil
}

func (n *Network) trustedPeers(node string) []string {
	out := n.edges[node]
	peers := make([]string, 0, len(out))
	for peer, rel := range out {
		if rel.Level > MinEdgeTrust {
			peers = append(peers, peer)
		}
	}
	sort.Strings(peers)
	return peers
}

func buildPath(parent map[string]string, src, dst string) []string {
	path := []string{dst}
	for node := dst; node != src; {
		node = parent[node]
		path = append(path, node)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// IndirectTrust is the product of edge levels along TrustPath(src, dst), or
// zero when no path exists.
func (n *Network) IndirectTrust(src, dst string) float64 {
	path := n.TrustPath(src, dst, DefaultMaxHops)
	if path == nil {
		return 0
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	trust := 1.0
	for i := 0; i+1 < len(path); i++ {
		rel, ok := n.edges[path[i]][path[i+1]]
		if !ok {
			return 0
		}
		trust *= rel.Level
	}
	return trust
}

// Block places agent on the block list.
func (n *Network) Block(agent, reason string) {
	agent = strings.TrimSpace(agent)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[agent] = strings.TrimSpace(reason)
}

// Allow places agent on the allow list.
func (n *Network) Allow(agent, reason string) {
	agent = strings.TrimSpace(agent)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.allowed[agent] = strings.TrimSpace(reason)
}

// Blocked reports whether agent is on the block list.
func (n *Network) Blocked(agent string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.blocked[strings.TrimSpace(agent)]
	return ok
}

// Allowed reports whether agent is on the allow list.
func (n *Network) Allowed(agent string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.allowed[strings.TrimSpace(agent)]
	return ok
}

// IsTrusted applies the lists: blocked agents are untrusted, everyone else
// is trusted.
func (n *Network) IsTrusted(agent string) bool {
	return !n.Blocked(agent)
}
