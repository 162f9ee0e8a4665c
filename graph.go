package tributary

import "fmt"

// Graph is the arena of dataflow nodes plus their adjacency lists. It is
// acyclic by construction: a node's parents must exist before the node is
// added, and edges are only ever added from existing parents to new children.
//
// The Graph itself is owned by the engine's migrator and is never touched by
// running domains; each domain works from per-node copies installed into it by
// control messages, so graph access needs no locking beyond the migrator's own
// serialization.
type Graph struct {
	nodes  map[NodeID]*Node
	order  []NodeID // insertion order, which is a topological order
	nextID NodeID
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:  make(map[NodeID]*Node),
		nextID: 1,
	}
}

// AddNode creates a node of the given kind and wires it below parents.
// Parents must already exist. Returns the new node's id.
func (g *Graph) AddNode(cfg OperatorConfig, parents ...NodeID) (NodeID, error) {
	kind, err := configKind(cfg)
	if err != nil {
		return InvalidNode, err
	}
	if err := g.checkArity(kind, parents); err != nil {
		return InvalidNode, err
	}
	for _, p := range parents {
		pn, ok := g.nodes[p]
		if !ok {
			return InvalidNode, fmt.Errorf("%w: parent %d", ErrNoSuchNode, p)
		}
		if pn.Kind == OpReader {
			return InvalidNode, fmt.Errorf("reader %d is terminal and cannot be a parent", p)
		}
	}
	if err := g.checkConfig(kind, cfg, parents); err != nil {
		return InvalidNode, err
	}

	id := g.nextID
	g.nextID++
	n := &Node{
		ID:      id,
		Kind:    kind,
		Config:  cfg,
		Parents: append([]NodeID(nil), parents...),
	}
	g.nodes[id] = n
	g.order = append(g.order, id)
	for _, p := range parents {
		pn := g.nodes[p]
		pn.Children = append(pn.Children, id)
	}
	return id, nil
}

func (g *Graph) checkArity(kind OpKind, parents []NodeID) error {
	switch kind {
	case OpBase:
		if len(parents) != 0 {
			return fmt.Errorf("base table takes no parents, got %d", len(parents))
		}
	case OpJoin:
		if len(parents) != 2 {
			return fmt.Errorf("join takes exactly 2 parents, got %d", len(parents))
		}
	case OpUnion:
		if len(parents) < 2 {
			return fmt.Errorf("union takes at least 2 parents, got %d", len(parents))
		}
	case OpFilter, OpProject, OpAggregation, OpReader:
		if len(parents) != 1 {
			return fmt.Errorf("%s takes exactly 1 parent, got %d", kind, len(parents))
		}
	default:
		return fmt.Errorf("unknown operator kind %d", kind)
	}
	return nil
}

func (g *Graph) checkConfig(kind OpKind, cfg OperatorConfig, parents []NodeID) error {
	switch c := cfg.(type) {
	case BaseConfig:
		if c.Columns <= 0 {
			return fmt.Errorf("base table %q: columns must be positive", c.Name)
		}
		for _, k := range c.Key {
			if k < 0 || k >= c.Columns {
				return fmt.Errorf("base table %q: key column %d out of range", c.Name, k)
			}
		}
		if len(c.Key) == 0 {
			return fmt.Errorf("base table %q: primary key required", c.Name)
		}
	case FilterConfig:
		w := g.Columns(parents[0])
		for _, cond := range c.Where {
			if cond.Column < 0 || cond.Column >= w {
				return fmt.Errorf("filter condition column %d out of range (parent width %d)", cond.Column, w)
			}
		}
	case ProjectConfig:
		w := g.Columns(parents[0])
		if len(c.Columns) == 0 {
			return fmt.Errorf("projection must keep at least one column")
		}
		for _, col := range c.Columns {
			if col < 0 || col >= w {
				return fmt.Errorf("projection column %d out of range (parent width %d)", col, w)
			}
		}
	case JoinConfig:
		if len(c.On) == 0 {
			return fmt.Errorf("join requires at least one column pair")
		}
		lw, rw := g.Columns(parents[0]), g.Columns(parents[1])
		for _, pair := range c.On {
			if pair[0] < 0 || pair[0] >= lw {
				return fmt.Errorf("join left column %d out of range (width %d)", pair[0], lw)
			}
			if pair[1] < 0 || pair[1] >= rw {
				return fmt.Errorf("join right column %d out of range (width %d)", pair[1], rw)
			}
		}
	case AggregationConfig:
		w := g.Columns(parents[0])
		if len(c.GroupBy) == 0 {
			return fmt.Errorf("aggregation requires group-by columns")
		}
		for _, col := range c.GroupBy {
			if col < 0 || col >= w {
				return fmt.Errorf("group-by column %d out of range (width %d)", col, w)
			}
		}
		if c.Func != AggCount && (c.On < 0 || c.On >= w) {
			return fmt.Errorf("aggregate column %d out of range (width %d)", c.On, w)
		}
	case UnionConfig:
		w := g.Columns(parents[0])
		for _, p := range parents[1:] {
			if g.Columns(p) != w {
				return fmt.Errorf("union parents disagree on width: %d vs %d", w, g.Columns(p))
			}
		}
	case ReaderConfig:
		w := g.Columns(parents[0])
		if len(c.Key) == 0 {
			return fmt.Errorf("reader requires key columns")
		}
		for _, col := range c.Key {
			if col < 0 || col >= w {
				return fmt.Errorf("reader key column %d out of range (width %d)", col, w)
			}
		}
	}
	return nil
}

// Node returns the node for id, or nil.
func (g *Graph) Node(id NodeID) *Node {
	return g.nodes[id]
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Columns returns the output width of a node's rows.
func (g *Graph) Columns(id NodeID) int {
	n := g.nodes[id]
	if n == nil {
		return 0
	}
	switch c := n.Config.(type) {
	case BaseConfig:
		return c.Columns
	case FilterConfig, UnionConfig, ReaderConfig:
		return g.Columns(n.Parents[0])
	case ProjectConfig:
		return len(c.Columns)
	case JoinConfig:
		return g.Columns(n.Parents[0]) + g.Columns(n.Parents[1]) - len(c.On)
	case AggregationConfig:
		return len(c.GroupBy) + 1
	default:
		return 0
	}
}

// Topology returns all node ids in dependency order: every node appears after
// all of its parents.
func (g *Graph) Topology() []NodeID {
	out := make([]NodeID, len(g.order))
	copy(out, g.order)
	return out
}

// Stateful reports whether a node materializes state.
func (g *Graph) Stateful(id NodeID) bool {
	n := g.nodes[id]
	if n == nil {
		return false
	}
	switch n.Kind {
	case OpBase, OpJoin, OpAggregation, OpReader:
		return true
	default:
		return false
	}
}

// StateKey returns the index columns a node's state is keyed on, or nil for
// stateless nodes. A join keeps one store per input side, each indexed on
// that side's join columns; the left side's index is returned as the
// representative.
func (g *Graph) StateKey(id NodeID) []int {
	n := g.nodes[id]
	if n == nil {
		return nil
	}
	switch c := n.Config.(type) {
	case BaseConfig:
		return append([]int(nil), c.Key...)
	case JoinConfig:
		return joinSideCols(c, sideLeft)
	case AggregationConfig:
		cols := make([]int, len(c.GroupBy))
		for i := range c.GroupBy {
			cols[i] = i
		}
		return cols
	case ReaderConfig:
		return append([]int(nil), c.Key...)
	default:
		return nil
	}
}

// Readers returns the ids of all reader nodes in dependency order.
func (g *Graph) Readers() []NodeID {
	var out []NodeID
	for _, id := range g.order {
		if g.nodes[id].Kind == OpReader {
			out = append(out, id)
		}
	}
	return out
}

// Bases returns the ids of all base tables in dependency order.
func (g *Graph) Bases() []NodeID {
	var out []NodeID
	for _, id := range g.order {
		if g.nodes[id].Kind == OpBase {
			out = append(out, id)
		}
	}
	return out
}

// BaseByName resolves a base table by its external name.
func (g *Graph) BaseByName(name string) (NodeID, bool) {
	for _, id := range g.order {
		if c, ok := g.nodes[id].Config.(BaseConfig); ok && c.Name == name {
			return id, true
		}
	}
	return InvalidNode, false
}

// removeNode deletes a node and its incoming edges. Only the migrator calls
// this, and only for nodes added by an aborted migration, so children are
// guaranteed absent.
func (g *Graph) removeNode(id NodeID) error {
	n := g.nodes[id]
	if n == nil {
		return fmt.Errorf("%w: node %d", ErrNoSuchNode, id)
	}
	if len(n.Children) != 0 {
		return fmt.Errorf("%w: node %d still has children", ErrGraphInconsistency, id)
	}
	for _, p := range n.Parents {
		pn := g.nodes[p]
		if pn == nil {
			continue
		}
		for i, c := range pn.Children {
			if c == id {
				pn.Children = append(pn.Children[:i], pn.Children[i+1:]...)
				break
			}
		}
	}
	delete(g.nodes, id)
	for i, o := range g.order {
		if o == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	return nil
}
