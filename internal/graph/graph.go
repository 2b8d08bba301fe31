// Package graph holds the in-memory polyhierarchy snapshot produced by a crawl and
// read by the analysis passes.
package graph

import (
	"math/big"
)

const (
	// RootID is the reserved id of the hierarchy root.
	RootID = "root"
	// UnknownTitle is recorded for nodes whose fetch failed.
	UnknownTitle = "?"
)

// Metrics are the per-node values computed by the analysis stage.
type Metrics struct {
	DescendantCount int      `json:"descendantCount"`
	Height          int      `json:"height"`
	Depth           int      `json:"depth"`
	MaxDepth        int      `json:"maxDepth"`
	PathCount       *big.Int `json:"pathCount,omitempty"`
}

// Node is one entity of the hierarchy. Parents and Children may reference ids that
// are not present in the graph.
type Node struct {
	Title    string   `json:"title"`
	Parents  []string `json:"parents"`
	Children []string `json:"children"`

	// nil until the analysis stage has run
	*Metrics
}

// NewNode creates a node with non-nil edge lists.
func NewNode(title string, parents, children []string) *Node {
	if title == "" {
		title = UnknownTitle
	}
	if parents == nil {
		parents = []string{}
	}
	if children == nil {
		children = []string{}
	}
	return &Node{Title: title, Parents: parents, Children: children}
}

// NewStub creates the placeholder recorded for an entity that could not be fetched.
func NewStub() *Node {
	return NewNode(UnknownTitle, nil, nil)
}

// IsStub reports whether n looks like a failed-fetch placeholder.
func (n *Node) IsStub() bool {
	return n.Title == UnknownTitle && len(n.Parents) == 0 && len(n.Children) == 0
}

// Graph maps ids to nodes and remembers insertion order.
type Graph struct {
	nodes map[string]*Node
	order []string
}

// New creates an empty graph.
func New() *Graph {
	return NewWithCapacity(0)
}

// NewWithCapacity creates an empty graph sized for n nodes.
func NewWithCapacity(n int) *Graph {
	return &Graph{
		nodes: make(map[string]*Node, n),
		order: make([]string, 0, n),
	}
}

// Insert adds a node. It returns false and leaves the graph unchanged if id is
// already present.
func (g *Graph) Insert(id string, n *Node) bool {
	if _, ok := g.nodes[id]; ok {
		return false
	}
	g.nodes[id] = n
	g.order = append(g.order, id)
	return true
}

// Get returns the node for id.
func (g *Graph) Get(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Has reports whether id is present.
func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.order)
}

// IDs returns node ids in insertion order.
func (g *Graph) IDs() []string {
	ids := make([]string, len(g.order))
	copy(ids, g.order)
	return ids
}

// Range calls fn for every node in insertion order until fn returns false.
func (g *Graph) Range(fn func(id string, n *Node) bool) {
	for _, id := range g.order {
		if !fn(id, g.nodes[id]) {
			return
		}
	}
}

// ChildEdgeCount returns the total length of all children lists.
func (g *Graph) ChildEdgeCount() int {
	total := 0
	for _, n := range g.nodes {
		total += len(n.Children)
	}
	return total
}

// StubCount returns the number of failed-fetch placeholders.
func (g *Graph) StubCount() int {
	count := 0
	for _, n := range g.nodes {
		if n.IsStub() {
			count++
		}
	}
	return count
}

// Analyzed reports whether every node carries metrics.
func (g *Graph) Analyzed() bool {
	if len(g.nodes) == 0 {
		return false
	}
	for _, n := range g.nodes {
		if n.Metrics == nil {
			return false
		}
	}
	return true
}
