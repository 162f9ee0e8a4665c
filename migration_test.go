package tributary

import (
	"context"
	"errors"
	"testing"
)

func TestMigrateBuildErrorRollsBack(t *testing.T) {
	eng := testEngine(t, DefaultConfig())

	err := eng.Migrate(func(m *Migration) error {
		_, err := m.AddNode(BaseConfig{Name: "votes", Key: []int{0}, Columns: 2})
		return err
	})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	before := eng.graph.Len()

	err = eng.Migrate(func(m *Migration) error {
		if _, err := m.AddNode(BaseConfig{Name: "stories", Key: []int{0}, Columns: 2}); err != nil {
			return err
		}
		return errors.New("changed my mind")
	})
	if !errors.Is(err, ErrMigrationAborted) {
		t.Fatalf("build error must abort: %v", err)
	}
	var merr *MigrationError
	if !errors.As(err, &merr) {
		t.Fatalf("error type = %T", err)
	}

	if eng.graph.Len() != before {
		t.Errorf("staged nodes survived rollback: %d nodes, want %d", eng.graph.Len(), before)
	}
	if _, ok := eng.Base("stories"); ok {
		t.Error("rolled-back base is still routable")
	}
	// The pre-existing graph keeps serving.
	if err := eng.Write(context.Background(), "votes", Mutation{Inserts: []Row{{"a", 1}}}); err != nil {
		t.Errorf("write after rollback: %v", err)
	}
}

func TestMigrateEmptyBuildIsNoop(t *testing.T) {
	eng := testEngine(t, DefaultConfig())
	if err := eng.Migrate(func(*Migration) error { return nil }); err != nil {
		t.Fatalf("empty migration: %v", err)
	}
	if eng.graph.Len() != 0 {
		t.Errorf("empty migration changed the graph: %d nodes", eng.graph.Len())
	}
}

func TestMigrateCannotForceExistingPartialFull(t *testing.T) {
	eng := testEngine(t, DefaultConfig())

	var agg NodeID
	err := eng.Migrate(func(m *Migration) error {
		base, err := m.AddNode(BaseConfig{Name: "votes", Key: []int{0, 1}, Columns: 2})
		if err != nil {
			return err
		}
		agg, err = m.AddNode(AggregationConfig{Func: AggCount, GroupBy: []int{1}}, base)
		if err != nil {
			return err
		}
		_, err = m.AddNode(ReaderConfig{Key: []int{0}}, agg)
		return err
	})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	before := eng.graph.Len()

	// A fully materialized view cannot sit below the existing partial
	// aggregation: that would require converting live state.
	err = eng.Migrate(func(m *Migration) error {
		_, err := m.AddNode(ReaderConfig{Key: []int{0}, Full: true}, agg)
		return err
	})
	if !errors.Is(err, ErrMigrationAborted) {
		t.Fatalf("expected abort, got %v", err)
	}
	if eng.graph.Len() != before {
		t.Errorf("graph changed by aborted migration: %d nodes, want %d", eng.graph.Len(), before)
	}
	// The surviving aggregation stays partial.
	if p := eng.clonePartiality(); !p[storeRef{node: agg, side: sideOut}] {
		t.Error("existing aggregation was converted")
	}
}

func TestMigrateUntraceableKeyFallsBackToFull(t *testing.T) {
	eng := testEngine(t, DefaultConfig())
	ctx := context.Background()

	// The reader keys on the aggregate value itself, which no upstream state
	// is indexed on. The planner falls back to full materialization for the
	// reader, which in turn forces the new aggregation full.
	var agg, view NodeID
	err := eng.Migrate(func(m *Migration) error {
		base, err := m.AddNode(BaseConfig{Name: "votes", Key: []int{0, 1}, Columns: 2})
		if err != nil {
			return err
		}
		agg, err = m.AddNode(AggregationConfig{Func: AggCount, GroupBy: []int{1}}, base)
		if err != nil {
			return err
		}
		view, err = m.AddNode(ReaderConfig{Key: []int{1}}, agg)
		return err
	})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	p := eng.clonePartiality()
	if p[storeRef{node: view, side: sideOut}] {
		t.Error("untraceable reader must be full")
	}
	if p[storeRef{node: agg, side: sideOut}] {
		t.Error("aggregation below a full reader must be full")
	}

	err = eng.Write(ctx, "votes", Mutation{Inserts: []Row{
		{"alice", "s1"}, {"bob", "s1"}, {"carol", "s2"},
	}})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	waitRows(t, eng, view, []Row{{"s2", int64(1)}}, int64(1))
	waitRows(t, eng, view, []Row{{"s1", int64(2)}}, int64(2))
}

func TestMigrateChainedViewsOverOneBase(t *testing.T) {
	eng := testEngine(t, DefaultConfig())
	ctx := context.Background()

	err := eng.Migrate(func(m *Migration) error {
		_, err := m.AddNode(BaseConfig{Name: "votes", Key: []int{0, 1}, Columns: 2})
		return err
	})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := eng.Write(ctx, "votes", Mutation{Inserts: []Row{{"alice", "s1"}}}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Two successive migrations hang separate views off the same base; each
	// must see both pre-existing and later writes.
	var byStory, byUser NodeID
	err = eng.Migrate(func(m *Migration) error {
		base, _ := eng.Base("votes")
		agg, err := m.AddNode(AggregationConfig{Func: AggCount, GroupBy: []int{1}}, base)
		if err != nil {
			return err
		}
		byStory, err = m.AddNode(ReaderConfig{Key: []int{0}}, agg)
		return err
	})
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	err = eng.Migrate(func(m *Migration) error {
		base, _ := eng.Base("votes")
		agg, err := m.AddNode(AggregationConfig{Func: AggCount, GroupBy: []int{0}}, base)
		if err != nil {
			return err
		}
		byUser, err = m.AddNode(ReaderConfig{Key: []int{0}}, agg)
		return err
	})
	if err != nil {
		t.Fatalf("third migrate: %v", err)
	}

	waitRows(t, eng, byStory, []Row{{"s1", int64(1)}}, "s1")
	waitRows(t, eng, byUser, []Row{{"alice", int64(1)}}, "alice")

	if err := eng.Write(ctx, "votes", Mutation{Inserts: []Row{{"alice", "s2"}}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitRows(t, eng, byStory, []Row{{"s2", int64(1)}}, "s2")
	waitRows(t, eng, byUser, []Row{{"alice", int64(2)}}, "alice")
}
