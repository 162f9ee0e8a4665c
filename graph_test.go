package tributary

import (
	"errors"
	"testing"
)

func buildTestGraph(t *testing.T) (*Graph, NodeID, NodeID, NodeID) {
	t.Helper()
	g := NewGraph()
	base, err := g.AddNode(BaseConfig{Name: "votes", Key: []int{0}, Columns: 2})
	if err != nil {
		t.Fatalf("add base: %v", err)
	}
	agg, err := g.AddNode(AggregationConfig{Func: AggCount, GroupBy: []int{1}}, base)
	if err != nil {
		t.Fatalf("add aggregation: %v", err)
	}
	reader, err := g.AddNode(ReaderConfig{Key: []int{0}}, agg)
	if err != nil {
		t.Fatalf("add reader: %v", err)
	}
	return g, base, agg, reader
}

func TestGraphAddNodeWiring(t *testing.T) {
	g, base, agg, reader := buildTestGraph(t)

	if got := g.Node(base).Children; len(got) != 1 || got[0] != agg {
		t.Errorf("base children = %v", got)
	}
	if got := g.Node(reader).Parents; len(got) != 1 || got[0] != agg {
		t.Errorf("reader parents = %v", got)
	}
	topo := g.Topology()
	if len(topo) != 3 || topo[0] != base || topo[2] != reader {
		t.Errorf("topology = %v", topo)
	}
}

func TestGraphAddNodeValidation(t *testing.T) {
	g, base, _, reader := buildTestGraph(t)

	cases := []struct {
		name    string
		cfg     OperatorConfig
		parents []NodeID
	}{
		{"base with parent", BaseConfig{Name: "x", Key: []int{0}, Columns: 1}, []NodeID{base}},
		{"base without key", BaseConfig{Name: "x", Columns: 2}, nil},
		{"missing parent", FilterConfig{}, []NodeID{999}},
		{"reader as parent", FilterConfig{}, []NodeID{reader}},
		{"filter column out of range", FilterConfig{Where: []Condition{{Column: 9, Op: CmpEq, Value: 1}}}, []NodeID{base}},
		{"empty projection", ProjectConfig{}, []NodeID{base}},
		{"projection out of range", ProjectConfig{Columns: []int{5}}, []NodeID{base}},
		{"join arity", JoinConfig{On: [][2]int{{0, 0}}}, []NodeID{base}},
		{"join without pairs", JoinConfig{}, []NodeID{base, base}},
		{"union arity", UnionConfig{}, []NodeID{base}},
		{"aggregation without groups", AggregationConfig{Func: AggCount}, []NodeID{base}},
		{"reader without key", ReaderConfig{}, []NodeID{base}},
	}
	for _, tc := range cases {
		if _, err := g.AddNode(tc.cfg, tc.parents...); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
	if g.Len() != 3 {
		t.Errorf("rejected nodes must not be added, len = %d", g.Len())
	}
}

func TestGraphUnionWidthCheck(t *testing.T) {
	g := NewGraph()
	a, _ := g.AddNode(BaseConfig{Name: "a", Key: []int{0}, Columns: 2})
	b, _ := g.AddNode(BaseConfig{Name: "b", Key: []int{0}, Columns: 2})
	c, _ := g.AddNode(BaseConfig{Name: "c", Key: []int{0}, Columns: 3})

	if _, err := g.AddNode(UnionConfig{}, a, b); err != nil {
		t.Errorf("same-width union: %v", err)
	}
	if _, err := g.AddNode(UnionConfig{}, a, c); err == nil {
		t.Error("width mismatch must be rejected")
	}
}

func TestGraphColumns(t *testing.T) {
	g := NewGraph()
	stories, _ := g.AddNode(BaseConfig{Name: "stories", Key: []int{0}, Columns: 2})
	votes, _ := g.AddNode(BaseConfig{Name: "votes", Key: []int{0, 1}, Columns: 2})
	join, _ := g.AddNode(JoinConfig{On: [][2]int{{0, 1}}}, stories, votes)
	proj, _ := g.AddNode(ProjectConfig{Columns: []int{0, 2}}, join)
	agg, _ := g.AddNode(AggregationConfig{Func: AggCount, GroupBy: []int{0}}, proj)

	for _, tc := range []struct {
		id   NodeID
		want int
	}{
		{stories, 2}, {votes, 2}, {join, 3}, {proj, 2}, {agg, 2},
	} {
		if got := g.Columns(tc.id); got != tc.want {
			t.Errorf("Columns(%d) = %d, want %d", tc.id, got, tc.want)
		}
	}
}

func TestGraphStateKey(t *testing.T) {
	g := NewGraph()
	stories, _ := g.AddNode(BaseConfig{Name: "stories", Key: []int{0}, Columns: 2})
	votes, _ := g.AddNode(BaseConfig{Name: "votes", Key: []int{0, 1}, Columns: 2})
	join, _ := g.AddNode(JoinConfig{On: [][2]int{{0, 1}}}, stories, votes)
	filt, _ := g.AddNode(FilterConfig{}, join)

	if !g.Stateful(join) || g.Stateful(filt) {
		t.Error("join is stateful, filter is not")
	}
	if got := g.StateKey(join); !colsEqual(got, []int{0}) {
		t.Errorf("join StateKey = %v", got)
	}
	if got := g.StateKey(votes); !colsEqual(got, []int{0, 1}) {
		t.Errorf("base StateKey = %v", got)
	}
	if g.StateKey(filt) != nil {
		t.Error("stateless node has no state key")
	}
}

func TestGraphLookups(t *testing.T) {
	g, base, _, reader := buildTestGraph(t)

	if got := g.Bases(); len(got) != 1 || got[0] != base {
		t.Errorf("Bases() = %v", got)
	}
	if got := g.Readers(); len(got) != 1 || got[0] != reader {
		t.Errorf("Readers() = %v", got)
	}
	if id, ok := g.BaseByName("votes"); !ok || id != base {
		t.Errorf("BaseByName(votes) = %d, %v", id, ok)
	}
	if _, ok := g.BaseByName("missing"); ok {
		t.Error("BaseByName(missing) must fail")
	}
}

func TestGraphRemoveNode(t *testing.T) {
	g, base, agg, reader := buildTestGraph(t)

	if err := g.removeNode(agg); !errors.Is(err, ErrGraphInconsistency) {
		t.Errorf("removing a node with children: %v", err)
	}
	if err := g.removeNode(reader); err != nil {
		t.Fatalf("remove reader: %v", err)
	}
	if err := g.removeNode(agg); err != nil {
		t.Fatalf("remove aggregation: %v", err)
	}
	if got := g.Node(base).Children; len(got) != 0 {
		t.Errorf("base still has children: %v", got)
	}
	if err := g.removeNode(999); !errors.Is(err, ErrNoSuchNode) {
		t.Errorf("removing unknown node: %v", err)
	}
}
