// Package depgraph maintains the per-campaign state-variable dependency
// graph (C8): directed "X depends on Y" edges derived from scanning each
// derived variable's formula for references to sibling variables, with
// Tarjan's SCC used to reject cycles before they're written.
package depgraph

import (
	"context"
	"strings"
	"sync"

	"campaignstate.io/core/internal/domain"
	"campaignstate.io/core/internal/eval"
	domainerrors "campaignstate.io/core/internal/pkg/errors"
)

// VariableLister supplies every live state variable belonging to a
// campaign, regardless of scope.
type VariableLister interface {
	ListForCampaign(ctx context.Context, campaignID string) ([]*domain.StateVariable, error)
}

// Graph is a directed adjacency list over DependencyNode, edges pointing
// from a dependent variable to the variables it reads.
type Graph struct {
	edges map[domain.DependencyNode][]domain.DependencyNode
}

// DependsOn returns the nodes node directly depends on.
func (g *Graph) DependsOn(node domain.DependencyNode) []domain.DependencyNode {
	return g.edges[node]
}

// cacheKey identifies one cached graph. branchID is carried because the
// spec scopes the cache per (campaignId, branchId) even though the
// underlying state_variable_records table is not itself branch-scoped;
// entity resolution differences across branches may still change which
// scope entities exist, so the cache is invalidated per branch rather
// than shared.
type cacheKey struct {
	campaignID string
	branchID   string
}

// Service builds, caches, and invalidates dependency graphs.
type Service struct {
	variables VariableLister

	mu    sync.RWMutex
	cache map[cacheKey]*Graph
}

// New constructs a Service backed by variables.
func New(variables VariableLister) *Service {
	return &Service{variables: variables, cache: make(map[cacheKey]*Graph)}
}

// GetGraph returns the cached graph for (campaignID, branchID), building
// and caching it on first access.
func (s *Service) GetGraph(ctx context.Context, campaignID, branchID string) (*Graph, error) {
	key := cacheKey{campaignID: campaignID, branchID: branchID}

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	vars, err := s.variables.ListForCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	graph := buildGraph(vars)

	s.mu.Lock()
	s.cache[key] = graph
	s.mu.Unlock()
	return graph, nil
}

// InvalidateGraph drops every cached graph for campaignID across all
// branches, forcing the next GetGraph call for any of them to rebuild
// from storage (§4.8's `invalidateGraph(campaignId)` contract).
func (s *Service) InvalidateGraph(campaignID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.cache {
		if key.campaignID == campaignID {
			delete(s.cache, key)
		}
	}
}

// CampaignAccessChecker resolves campaign membership for a user. Passed
// per-call rather than baked into the Service so the same cache can serve
// callers with different access policies in tests.
type CampaignAccessChecker interface {
	CheckCampaignAccess(ctx context.Context, campaignID, userID string) error
}

// ValidateNoCycles always rebuilds the graph (never serves the cache)
// before checking, per §5's "validateNoCycles always rebuilds" ordering
// guarantee, then reports whether a cycle exists and every SCC that forms
// one — per P7, two independent cycles in the graph both come back.
func (s *Service) ValidateNoCycles(ctx context.Context, campaignID, branchID, userID string, access CampaignAccessChecker) (bool, [][]string, error) {
	if access != nil {
		if err := access.CheckCampaignAccess(ctx, campaignID, userID); err != nil {
			return false, nil, err
		}
	}
	s.InvalidateGraph(campaignID)
	graph, err := s.GetGraph(ctx, campaignID, branchID)
	if err != nil {
		return false, nil, err
	}
	cycles := DetectCycles(graph)
	return cycles != nil, cycles, nil
}

// BuildGraph constructs a Graph directly from vars without consulting or
// populating the Service cache. Used by callers (e.g. internal/variables)
// that need to validate a not-yet-committed formula against the rest of a
// campaign's variables before writing it.
func BuildGraph(vars []*domain.StateVariable) *Graph {
	return buildGraph(vars)
}

// buildGraph scans every variable's formula for sibling-variable
// references. A var path with no "." is a reference to another variable
// at the same (scope, scopeId) by key; a dotted path reads the scope
// entity's own fields (built by evalctx) and is not a variable edge.
func buildGraph(vars []*domain.StateVariable) *Graph {
	g := &Graph{edges: make(map[domain.DependencyNode][]domain.DependencyNode)}
	for _, v := range vars {
		if v.Type != domain.VarDerived || v.Formula == nil {
			continue
		}
		from := nodeOf(v)
		for _, path := range eval.ExtractVarPaths(v.Formula) {
			if strings.Contains(path, ".") {
				continue
			}
			to := domain.DependencyNode{Scope: v.Scope, ScopeID: scopeIDOf(v), Key: path}
			if to == from {
				continue
			}
			g.edges[from] = append(g.edges[from], to)
		}
	}
	return g
}

func nodeOf(v *domain.StateVariable) domain.DependencyNode {
	return domain.DependencyNode{Scope: v.Scope, ScopeID: scopeIDOf(v), Key: v.Key}
}

func scopeIDOf(v *domain.StateVariable) string {
	if v.ScopeID == nil {
		return ""
	}
	return *v.ScopeID
}

// DetectCycles runs Tarjan's SCC over graph and returns the names of
// every qualifying cyclic component (any SCC of size > 1, or a one-node
// SCC with a self-edge) — per P7, "every SCC appears in cycles" — or nil
// if the graph is acyclic. Each entry in the returned slice is one SCC's
// member names; two independent cycles in the same graph both appear.
func DetectCycles(graph *Graph) [][]string {
	t := &tarjan{
		graph:   graph,
		index:   make(map[domain.DependencyNode]int),
		lowlink: make(map[domain.DependencyNode]int),
		onStack: make(map[domain.DependencyNode]bool),
	}
	for node := range graph.edges {
		if _, visited := t.index[node]; !visited {
			t.strongConnect(node)
		}
	}
	var cycles [][]string
	for _, scc := range t.sccs {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfEdge(graph, scc[0])) {
			cycles = append(cycles, nodeNames(scc))
		}
	}
	return cycles
}

// ValidateNoCycles is DetectCycles wrapped as an error, for callers (e.g.
// formula validation on variable create/update) that want to fail hard
// rather than inspect the cycle membership themselves. The error names
// every cyclic member across every qualifying SCC, not just the first.
func ValidateNoCycles(graph *Graph) error {
	if cycles := DetectCycles(graph); cycles != nil {
		var members []string
		for _, scc := range cycles {
			members = append(members, scc...)
		}
		return domainerrors.ErrDependencyCyclef(members)
	}
	return nil
}

func hasSelfEdge(graph *Graph, node domain.DependencyNode) bool {
	for _, to := range graph.edges[node] {
		if to == node {
			return true
		}
	}
	return false
}

func nodeNames(nodes []domain.DependencyNode) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = string(n.Scope) + ":" + n.ScopeID + ":" + n.Key
	}
	return out
}

// FindTransitiveDependents returns every node that transitively depends
// on target (a reverse reachability walk), used to know which computed
// fields must be invalidated when target changes.
func FindTransitiveDependents(graph *Graph, target domain.DependencyNode) []domain.DependencyNode {
	reverse := make(map[domain.DependencyNode][]domain.DependencyNode)
	for from, tos := range graph.edges {
		for _, to := range tos {
			reverse[to] = append(reverse[to], from)
		}
	}

	visited := map[domain.DependencyNode]bool{target: true}
	queue := []domain.DependencyNode{target}
	var out []domain.DependencyNode
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dependent := range reverse[cur] {
			if visited[dependent] {
				continue
			}
			visited[dependent] = true
			out = append(out, dependent)
			queue = append(queue, dependent)
		}
	}
	return out
}

// tarjan implements Tarjan's strongly-connected-components algorithm
// recursively over a map-backed adjacency list.
type tarjan struct {
	graph   *Graph
	index   map[domain.DependencyNode]int
	lowlink map[domain.DependencyNode]int
	onStack map[domain.DependencyNode]bool
	stack   []domain.DependencyNode
	counter int
	sccs    [][]domain.DependencyNode
}

func (t *tarjan) strongConnect(v domain.DependencyNode) {
	t.index[v] = t.counter
	t.lowlink[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, w := range t.graph.edges[v] {
		if _, visited := t.index[w]; !visited {
			t.strongConnect(w)
			if t.lowlink[w] < t.lowlink[v] {
				t.lowlink[v] = t.lowlink[w]
			}
		} else if t.onStack[w] {
			if t.index[w] < t.lowlink[v] {
				t.lowlink[v] = t.index[w]
			}
		}
	}

	if t.lowlink[v] == t.index[v] {
		var scc []domain.DependencyNode
		for {
			n := len(t.stack) - 1
			w := t.stack[n]
			t.stack = t.stack[:n]
			t.onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		t.sccs = append(t.sccs, scc)
	}
}
