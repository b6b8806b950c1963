package graph

import (
	"sync"

	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Graph owns all nodes via stable NodeID handles (spec.md §4.5 "Layout").
// Its dependency *shape* is built once during parsing (single-threaded);
// thereafter only per-node build state mutates: state, stamp, command-line
// stamp and cost hint under the node's own mutex, and recorded edge stamps
// through RefreshEdgeStamps (spec.md §5's "Shared mutable state").
type Graph struct {
	mu       sync.Mutex
	nodes    map[NodeID]*Node
	byName   map[string]NodeID
	nextID   NodeID
	dg       *simple.DirectedGraph
}

func New() *Graph {
	return &Graph{
		nodes:  make(map[NodeID]*Node),
		byName: make(map[string]NodeID),
		dg:     simple.NewDirectedGraph(),
	}
}

// AddNode registers a new node, or returns an "already exists" error if name
// is already present (spec.md §3 invariant: "Node names are canonical and
// unique within the graph").
func (g *Graph) AddNode(name string, typ Type) (*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.byName[name]; exists {
		return nil, xerrors.Errorf("fbuild: node %q already exists", name)
	}
	g.nextID++
	id := g.nextID
	n := &Node{ID: id, Name: name, Type: typ}
	g.nodes[id] = n
	g.byName[name] = id
	g.dg.AddNode(simpleNode(id))
	return n, nil
}

func (g *Graph) Node(id NodeID) (*Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	return n, ok
}

func (g *Graph) ByName(name string) (*Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.byName[name]
	if !ok {
		return nil, false
	}
	return g.nodes[id], true
}

// Kind selects which of a node's three dependency lists an AddDependency
// call appends to.
type Kind int

const (
	Static Kind = iota
	Dynamic
	PreBuild
)

// AddDependency records that src depends on target, appending to the list
// Kind selects and adding the corresponding edge to the topology graph used
// for scheduling order.
func (g *Graph) AddDependency(src, target NodeID, kind Kind) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	sn, ok := g.nodes[src]
	if !ok {
		return xerrors.Errorf("fbuild: unknown source node %d", src)
	}
	if _, ok := g.nodes[target]; !ok {
		return xerrors.Errorf("fbuild: unknown target node %d", target)
	}
	e := Edge{Target: target}
	switch kind {
	case Static:
		sn.StaticDependencies = append(sn.StaticDependencies, e)
	case Dynamic:
		sn.DynamicDependencies = append(sn.DynamicDependencies, e)
	case PreBuild:
		sn.PreBuildDependencies = append(sn.PreBuildDependencies, e)
	}
	// Edge direction in the topology graph points from dependent to
	// dependency, matching internal/batch/batch.go's g.SetEdge(g.NewEdge(n, d)).
	if !g.dg.HasEdgeFromTo(int64(src), int64(target)) {
		g.dg.SetEdge(g.dg.NewEdge(simpleNode(src), simpleNode(target)))
	}
	return nil
}

// simpleNode adapts a NodeID to gonum's graph.Node interface.
type simpleNode NodeID

func (s simpleNode) ID() int64 { return int64(s) }

// BuildOrder returns node IDs in dependency-first (topological) order: a
// node never precedes anything it depends on. Cyclic components are broken
// by dropping their outgoing edges; the nodes involved are returned as the
// second result, mirroring internal/batch/batch.go's cycle-breaking fallback.
func (g *Graph) BuildOrder() ([]NodeID, []NodeID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	sorted, err := topo.Sort(g.dg)
	var broken []NodeID
	if err != nil {
		uo, ok := err.(topo.Unorderable)
		if !ok {
			return nil, nil, xerrors.Errorf("fbuild: topological sort: %w", err)
		}
		for _, component := range uo {
			for _, n := range component {
				id := NodeID(n.ID())
				broken = append(broken, id)
				from := g.dg.From(n.ID())
				var toRemove []int64
				for from.Next() {
					toRemove = append(toRemove, from.Node().ID())
				}
				for _, t := range toRemove {
					g.dg.RemoveEdge(n.ID(), t)
				}
			}
		}
		sorted, err = topo.Sort(g.dg)
		if err != nil {
			return nil, nil, xerrors.Errorf("fbuild: could not break cycles: %w", err)
		}
	}
	// topo.Sort returns dependents-before-dependencies when edges point
	// dependent->dependency (as AddDependency constructs them); reverse so
	// dependencies are scheduled first.
	order := make([]NodeID, len(sorted))
	for i, n := range sorted {
		order[len(sorted)-1-i] = NodeID(n.ID())
	}
	return order, broken, nil
}

// Dirty reports whether n must be rebuilt (spec.md §4.5 "Change
// detection"): never built, any dependency's current stamp differs from
// the recorded edge stamp, or cmdLineStamp (the node's own command-line /
// compiler-identity hash) differs from what was recorded at last build.
func (g *Graph) Dirty(n *Node, cmdLineStamp uint64, recordedCmdLineStamp uint64) bool {
	if n.State() == NotProcessed {
		return true
	}
	if cmdLineStamp != recordedCmdLineStamp {
		return true
	}
	for _, e := range n.AllDependencies() {
		dep, ok := g.Node(e.Target)
		if !ok {
			return true
		}
		if dep.Stamp() != e.StampAtBuild {
			return true
		}
	}
	return false
}

// RefreshEdgeStamps updates every recorded edge stamp on n to match its
// dependencies' current stamps. Called only after n successfully builds
// (spec.md §3 invariant: "Recorded edge stamps are updated only after a
// successful build of the target").
func (g *Graph) RefreshEdgeStamps(n *Node) error {
	refresh := func(edges []Edge) error {
		for i := range edges {
			dep, ok := g.Node(edges[i].Target)
			if !ok {
				return xerrors.Errorf("fbuild: dangling dependency %d on node %q", edges[i].Target, n.Name)
			}
			edges[i].StampAtBuild = dep.Stamp()
		}
		return nil
	}
	if err := refresh(n.StaticDependencies); err != nil {
		return err
	}
	if err := refresh(n.DynamicDependencies); err != nil {
		return err
	}
	return refresh(n.PreBuildDependencies)
}

// Nodes returns every node in the graph, for introspection (-showtargets,
// -dot, -showdeps).
func (g *Graph) Nodes() []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	return out
}

// Alias expands an Alias node's transitive children for walking purposes
// (spec.md §4.5: "Alias nodes expand transparently when walked").
func (g *Graph) Alias(n *Node) []NodeID {
	var out []NodeID
	seen := make(map[NodeID]bool)
	var walk func(*Node)
	walk = func(cur *Node) {
		for _, e := range cur.StaticDependencies {
			if seen[e.Target] {
				continue
			}
			seen[e.Target] = true
			child, ok := g.Node(e.Target)
			if !ok {
				continue
			}
			if child.Type == TypeAlias {
				walk(child)
				continue
			}
			out = append(out, e.Target)
		}
	}
	walk(n)
	return out
}
