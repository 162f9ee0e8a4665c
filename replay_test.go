package tributary

import "testing"

func allFull(storeRef) bool { return false }

func TestPlanKeyReplayThroughFilter(t *testing.T) {
	g := NewGraph()
	base, _ := g.AddNode(BaseConfig{Name: "votes", Key: []int{0}, Columns: 2})
	filt, _ := g.AddNode(FilterConfig{Where: []Condition{{Column: 1, Op: CmpGt, Value: 0}}}, base)
	reader, _ := g.AddNode(ReaderConfig{Key: []int{0}}, filt)

	target := storeRef{node: reader, side: sideOut}
	partial := func(ref storeRef) bool { return ref == target }
	plan, err := planKeyReplay(g, target, 1, partial)
	if err != nil {
		t.Fatalf("planKeyReplay: %v", err)
	}
	if plan.Full {
		t.Error("key plan must not be full")
	}
	if len(plan.Branches) != 1 {
		t.Fatalf("branches = %d", len(plan.Branches))
	}
	hops := plan.Branches[0].Hops
	if len(hops) != 3 || hops[0].Node != base || hops[1].Node != filt || hops[2].Node != reader {
		t.Fatalf("hops = %+v", hops)
	}
	if !hops[2].Fill || hops[0].Fill {
		t.Error("only the target hop fills")
	}
	if !colsEqual(plan.Branches[0].SourceCols, []int{0}) {
		t.Errorf("source cols = %v", plan.Branches[0].SourceCols)
	}
}

func TestPlanKeyReplayProjectRemapsColumns(t *testing.T) {
	g := NewGraph()
	base, _ := g.AddNode(BaseConfig{Name: "t", Key: []int{0}, Columns: 3})
	proj, _ := g.AddNode(ProjectConfig{Columns: []int{2, 0}}, base)
	reader, _ := g.AddNode(ReaderConfig{Key: []int{0}}, proj)

	target := storeRef{node: reader, side: sideOut}
	plan, err := planKeyReplay(g, target, 1, func(ref storeRef) bool { return ref == target })
	if err != nil {
		t.Fatalf("planKeyReplay: %v", err)
	}
	// Reader key column 0 is projection output 0, which is base column 2.
	if !colsEqual(plan.Branches[0].SourceCols, []int{2}) {
		t.Errorf("source cols = %v", plan.Branches[0].SourceCols)
	}
}

func TestPlanKeyReplayUntraceableKey(t *testing.T) {
	g := NewGraph()
	base, _ := g.AddNode(BaseConfig{Name: "votes", Key: []int{0}, Columns: 2})
	agg, _ := g.AddNode(AggregationConfig{Func: AggCount, GroupBy: []int{1}}, base)
	reader, _ := g.AddNode(ReaderConfig{Key: []int{1}}, agg)

	target := storeRef{node: reader, side: sideOut}
	partial := func(ref storeRef) bool {
		return ref == target || ref == storeRef{node: agg, side: sideOut}
	}
	// Column 1 of the aggregation output is the count, which no upstream
	// state is indexed on.
	if _, err := planKeyReplay(g, target, 1, partial); err == nil {
		t.Fatal("aggregate-valued key must not be traceable")
	}
}

func TestPlanKeyReplayStopsAtFullState(t *testing.T) {
	g := NewGraph()
	base, _ := g.AddNode(BaseConfig{Name: "votes", Key: []int{0}, Columns: 2})
	agg, _ := g.AddNode(AggregationConfig{Func: AggCount, GroupBy: []int{1}}, base)
	reader, _ := g.AddNode(ReaderConfig{Key: []int{0}}, agg)

	target := storeRef{node: reader, side: sideOut}
	// Aggregation is full, so the branch sources there instead of walking to
	// the base.
	plan, err := planKeyReplay(g, target, 1, func(ref storeRef) bool { return ref == target })
	if err != nil {
		t.Fatalf("planKeyReplay: %v", err)
	}
	hops := plan.Branches[0].Hops
	if len(hops) != 2 || hops[0].Node != agg {
		t.Fatalf("hops = %+v", hops)
	}
}

func TestPlanKeyReplayPartialChainFillsIntermediates(t *testing.T) {
	g := NewGraph()
	base, _ := g.AddNode(BaseConfig{Name: "votes", Key: []int{0}, Columns: 2})
	agg, _ := g.AddNode(AggregationConfig{Func: AggCount, GroupBy: []int{0}}, base)
	reader, _ := g.AddNode(ReaderConfig{Key: []int{0}}, agg)

	plan, err := planKeyReplay(g, storeRef{node: reader, side: sideOut}, 1, func(ref storeRef) bool {
		return ref.node == reader || ref.node == agg
	})
	if err != nil {
		t.Fatalf("planKeyReplay: %v", err)
	}
	hops := plan.Branches[0].Hops
	if len(hops) != 3 || hops[0].Node != base {
		t.Fatalf("hops = %+v", hops)
	}
	if !hops[1].Fill {
		t.Error("partial aggregation on the path must fill in passing")
	}
}

func TestPlanKeyReplayUnionFansOut(t *testing.T) {
	g := NewGraph()
	a, _ := g.AddNode(BaseConfig{Name: "a", Key: []int{0}, Columns: 2})
	b, _ := g.AddNode(BaseConfig{Name: "b", Key: []int{0}, Columns: 2})
	u, _ := g.AddNode(UnionConfig{}, a, b)
	reader, _ := g.AddNode(ReaderConfig{Key: []int{0}}, u)

	target := storeRef{node: reader, side: sideOut}
	plan, err := planKeyReplay(g, target, 1, func(ref storeRef) bool { return ref == target })
	if err != nil {
		t.Fatalf("planKeyReplay: %v", err)
	}
	if len(plan.Branches) != 2 {
		t.Fatalf("branches = %d", len(plan.Branches))
	}
	if plan.UnionCount[u] != 2 {
		t.Errorf("union count = %d, want 2", plan.UnionCount[u])
	}
}

func TestPlanKeyReplayJoinMapsRightSide(t *testing.T) {
	g := NewGraph()
	stories, _ := g.AddNode(BaseConfig{Name: "stories", Key: []int{0}, Columns: 2})
	votes, _ := g.AddNode(BaseConfig{Name: "votes", Key: []int{0, 1}, Columns: 2})
	join, _ := g.AddNode(JoinConfig{On: [][2]int{{0, 1}}}, stories, votes)
	// Join output: story id, title, voter. Key on the voter column, which
	// lives on the right parent.
	reader, _ := g.AddNode(ReaderConfig{Key: []int{2}}, join)

	target := storeRef{node: reader, side: sideOut}
	plan, err := planKeyReplay(g, target, 1, func(ref storeRef) bool { return ref == target })
	if err != nil {
		t.Fatalf("planKeyReplay: %v", err)
	}
	hops := plan.Branches[0].Hops
	if hops[0].Node != join || hops[0].Side != sideRight {
		t.Fatalf("hops = %+v", hops)
	}
	// Output column 2 is the right parent's voter column 0.
	if !colsEqual(plan.Branches[0].SourceCols, []int{0}) {
		t.Errorf("source cols = %v", plan.Branches[0].SourceCols)
	}
}

func TestPlanBackfillRejectsPartialAncestor(t *testing.T) {
	g := NewGraph()
	base, _ := g.AddNode(BaseConfig{Name: "votes", Key: []int{0}, Columns: 2})
	agg, _ := g.AddNode(AggregationConfig{Func: AggCount, GroupBy: []int{0}}, base)
	reader, _ := g.AddNode(ReaderConfig{Key: []int{0}, Full: true}, agg)

	partialAgg := func(ref storeRef) bool { return ref == storeRef{node: agg, side: sideOut} }
	if _, err := planBackfill(g, storeRef{node: reader, side: sideOut}, 1, partialAgg); err == nil {
		t.Fatal("backfill through partial state must fail")
	}
	if plan, err := planBackfill(g, storeRef{node: reader, side: sideOut}, 1, allFull); err != nil || !plan.Full {
		t.Fatalf("backfill over full state: %v", err)
	}
}

func TestMapJoinColsMixed(t *testing.T) {
	g := NewGraph()
	l, _ := g.AddNode(BaseConfig{Name: "l", Key: []int{0}, Columns: 2})
	r, _ := g.AddNode(BaseConfig{Name: "r", Key: []int{0}, Columns: 3})
	join, _ := g.AddNode(JoinConfig{On: [][2]int{{0, 1}}}, l, r)
	n := g.Node(join)
	cfg := n.Config.(JoinConfig)

	// Output space: l0 l1 r0 r2.
	side, mapped, ok := mapJoinCols(g, n, cfg, []int{1})
	if !ok || side != sideLeft || !colsEqual(mapped, []int{1}) {
		t.Errorf("left map = %d %v %v", side, mapped, ok)
	}
	side, mapped, ok = mapJoinCols(g, n, cfg, []int{3})
	if !ok || side != sideRight || !colsEqual(mapped, []int{2}) {
		t.Errorf("right map = %d %v %v", side, mapped, ok)
	}
	// A join column maps right through its pairing.
	side, mapped, ok = mapJoinCols(g, n, cfg, []int{0, 2})
	if !ok || side != sideRight || !colsEqual(mapped, []int{1, 0}) {
		t.Errorf("mixed map = %d %v %v", side, mapped, ok)
	}
	// A non-join left column cannot map right.
	if _, _, ok := mapJoinCols(g, n, cfg, []int{1, 3}); ok {
		t.Error("left non-join column mixed with right must not map")
	}
}
