package tributary

import (
	"testing"
)

func TestStoreFullApplyAndLookup(t *testing.T) {
	s := newStore([]int{0}, false)

	s.Apply([]Record{
		{Row: Row{"a", 1}, Token: 1, Base: 1},
		{Row: Row{"a", 2}, Token: 2, Base: 1},
		{Row: Row{"b", 3}, Token: 3, Base: 1},
	})

	rows, ok := s.Lookup("a")
	if !ok || len(rows) != 2 {
		t.Fatalf("Lookup(a) = %v, %v; want 2 rows", rows, ok)
	}
	if s.Rows() != 3 {
		t.Errorf("Rows() = %d, want 3", s.Rows())
	}

	s.Apply([]Record{{Row: Row{"a", 1}, Negative: true, Token: 4, Base: 1}})
	rows, _ = s.Lookup("a")
	if len(rows) != 1 || !rows[0].Equal(Row{"a", 2}) {
		t.Errorf("after retraction Lookup(a) = %v", rows)
	}
}

func TestStorePartialHoleSemantics(t *testing.T) {
	s := newStore([]int{0}, true)

	if _, ok := s.Lookup("a"); ok {
		t.Fatal("unfilled key must be a hole")
	}

	// Deltas for holes are dropped.
	kept := s.Apply([]Record{{Row: Row{"a", 1}, Token: 1, Base: 1}})
	if len(kept) != 0 {
		t.Fatalf("delta for hole applied: %v", kept)
	}

	// Filled-empty is authoritative, distinct from a hole.
	s.Fill("a", nil, 0)
	rows, ok := s.Lookup("a")
	if !ok {
		t.Fatal("filled key must not be a hole")
	}
	if len(rows) != 0 {
		t.Fatalf("filled-empty key has rows: %v", rows)
	}

	kept = s.Apply([]Record{{Row: Row{"a", 2}, Token: 2, Base: 1}})
	if len(kept) != 1 {
		t.Fatal("delta for filled key must apply")
	}
	rows, _ = s.Lookup("a")
	if len(rows) != 1 {
		t.Errorf("Lookup(a) = %v", rows)
	}
}

func TestStoreTokenDeduplication(t *testing.T) {
	s := newStore([]int{0}, false)

	rec := Record{Row: Row{"a", 1}, Token: 5, Base: 1}
	if kept := s.Apply([]Record{rec}); len(kept) != 1 {
		t.Fatal("first delivery must apply")
	}
	if kept := s.Apply([]Record{rec}); len(kept) != 0 {
		t.Fatal("duplicate delivery must be dropped")
	}
	if kept := s.Apply([]Record{{Row: Row{"a", 2}, Token: 3, Base: 1}}); len(kept) != 0 {
		t.Fatal("older token must be dropped")
	}
	if kept := s.Apply([]Record{{Row: Row{"a", 2}, Token: 6, Base: 1}}); len(kept) != 1 {
		t.Fatal("newer token must apply")
	}
}

func TestStoreTokenMarksPerBase(t *testing.T) {
	s := newStore([]int{0}, false)

	// Below a union, one key interleaves tokens from two bases; each base's
	// stream gates independently.
	s.Apply([]Record{{Row: Row{"a", 1}, Token: 10, Base: 1}})
	if kept := s.Apply([]Record{{Row: Row{"a", 2}, Token: 4, Base: 2}}); len(kept) != 1 {
		t.Fatal("other base's older token must still apply")
	}
	if kept := s.Apply([]Record{{Row: Row{"a", 3}, Token: 4, Base: 1}}); len(kept) != 0 {
		t.Fatal("same base's older token must be dropped")
	}
}

func TestStoreRetractInsertPairSharesToken(t *testing.T) {
	s := newStore([]int{0}, false)
	s.Apply([]Record{{Row: Row{"g", int64(1)}, Token: 1, Base: 1}})

	// An aggregation's output: retract old row, insert new, one token.
	kept := s.Apply([]Record{
		{Row: Row{"g", int64(1)}, Negative: true, Token: 2, Base: 1},
		{Row: Row{"g", int64(2)}, Token: 2, Base: 1},
	})
	if len(kept) != 2 {
		t.Fatalf("paired records sharing a token must both apply, got %d", len(kept))
	}
	rows, _ := s.Lookup("g")
	if len(rows) != 1 || !rows[0].Equal(Row{"g", int64(2)}) {
		t.Errorf("Lookup(g) = %v", rows)
	}

	// Redelivering the same pair is a duplicate.
	kept = s.Apply([]Record{
		{Row: Row{"g", int64(1)}, Negative: true, Token: 2, Base: 1},
		{Row: Row{"g", int64(2)}, Token: 2, Base: 1},
	})
	if len(kept) != 0 {
		t.Fatalf("redelivered pair must be dropped, got %d", len(kept))
	}
}

func TestStoreFillIdempotent(t *testing.T) {
	s := newStore([]int{0}, true)
	s.Fill("a", []Row{{"a", 1}}, 0)
	s.Fill("a", []Row{{"a", 1}, {"a", 2}}, 0)

	rows, _ := s.Lookup("a")
	if len(rows) != 1 {
		t.Errorf("second fill must be a no-op, got %v", rows)
	}
}

func TestStoreEvict(t *testing.T) {
	s := newStore([]int{0}, true)
	s.Fill("a", []Row{{"a", 1}}, 0)
	s.Apply([]Record{{Row: Row{"a", 2}, Token: 7, Base: 1}})

	if !s.Evict("a") {
		t.Fatal("evicting a filled key must succeed")
	}
	if _, ok := s.Lookup("a"); ok {
		t.Fatal("evicted key must revert to a hole")
	}
	if s.Rows() != 0 || s.Bytes() != 0 {
		t.Errorf("footprint after evict: %d rows, %d bytes", s.Rows(), s.Bytes())
	}

	// Token marks go with the key: a re-fill covers those tokens again.
	s.Fill("a", []Row{{"a", 1}, {"a", 2}}, 7)
	if kept := s.Apply([]Record{{Row: Row{"a", 3}, Token: 8, Base: 1}}); len(kept) != 1 {
		t.Error("post-refill delta must apply")
	}

	if s.Evict("missing") {
		t.Error("evicting a hole must report false")
	}
}

func TestStoreEvictToBudgetLRUOrder(t *testing.T) {
	s := newStore([]int{0}, true)
	s.Fill("a", []Row{{"a", 1}}, 0)
	s.Fill("b", []Row{{"b", 1}}, 0)
	s.Fill("c", []Row{{"c", 1}}, 0)

	// Touch "a" so "b" becomes the least recently used.
	s.Lookup("a")

	evicted := s.EvictToBudget(s.Bytes() - 1)
	if len(evicted) == 0 || evicted[0] != "b" {
		t.Errorf("evicted = %v, want b first", evicted)
	}

	all := s.EvictToBudget(0)
	if s.Rows() != 0 {
		t.Errorf("store not empty after evicting to zero: %d rows, evicted %v", s.Rows(), all)
	}
}

func TestStoreLookupByCols(t *testing.T) {
	s := newStore([]int{0}, false)
	s.Apply([]Record{
		{Row: Row{"a", "x", 1}, Token: 1, Base: 1},
		{Row: Row{"b", "x", 2}, Token: 2, Base: 1},
		{Row: Row{"c", "y", 3}, Token: 3, Base: 1},
	})

	// Index columns take the fast path.
	if rows := s.LookupByCols([]int{0}, "b"); len(rows) != 1 {
		t.Errorf("LookupByCols(index) = %v", rows)
	}
	// Non-index columns scan.
	if rows := s.LookupByCols([]int{1}, "x"); len(rows) != 2 {
		t.Errorf("LookupByCols(scan) = %v", rows)
	}
	if rows := s.LookupByCols([]int{1}, "z"); len(rows) != 0 {
		t.Errorf("LookupByCols(absent) = %v", rows)
	}
}

func TestStoreSnapshotDeterministic(t *testing.T) {
	s := newStore([]int{0}, false)
	s.Apply([]Record{
		{Row: Row{"b", 2}, Token: 1, Base: 1},
		{Row: Row{"a", 1}, Token: 2, Base: 1},
	})

	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() = %v", snap)
	}
	if !snap[0].Equal(Row{"a", 1}) || !snap[1].Equal(Row{"b", 2}) {
		t.Errorf("snapshot not key-ordered: %v", snap)
	}

	// Snapshot rows are copies.
	snap[0][1] = 99
	rows, _ := s.Lookup("a")
	if rows[0][1] != 1 {
		t.Error("snapshot aliases live rows")
	}
}

func TestKeyOfSeparatesColumns(t *testing.T) {
	a := KeyOf(Row{"ab", "c"}, []int{0, 1})
	b := KeyOf(Row{"a", "bc"}, []int{0, 1})
	if a == b {
		t.Error(`("ab","c") and ("a","bc") must produce distinct keys`)
	}
	if KeyOf(Row{"x", 7}, []int{1}) != KeyOfValues([]Value{7}) {
		t.Error("KeyOf and KeyOfValues disagree on a single column")
	}
	if KeyOf(Row{nil}, []int{0}) == KeyOf(Row{""}, []int{0}) {
		t.Error("nil and empty string must produce distinct keys")
	}
}
