package tributary

import "testing"

func TestFilterRecords(t *testing.T) {
	cfg := FilterConfig{Where: []Condition{
		{Column: 1, Op: CmpGe, Value: 10},
		{Column: 0, Op: CmpNe, Value: "skip"},
	}}
	in := []Record{
		{Row: Row{"a", 15}},
		{Row: Row{"b", 5}},
		{Row: Row{"skip", 20}},
		{Row: Row{"c", 10}, Negative: true},
	}
	out := filterRecords(cfg, in)
	if len(out) != 2 {
		t.Fatalf("filtered = %v", out)
	}
	if out[0].Row[0] != "a" || out[1].Row[0] != "c" {
		t.Errorf("filtered = %v", out)
	}
	if !out[1].Negative {
		t.Error("sign must survive filtering")
	}
}

func TestFilterComparisonOps(t *testing.T) {
	row := Row{5}
	cases := []struct {
		op   CmpOp
		val  Value
		want bool
	}{
		{CmpEq, 5, true}, {CmpEq, 6, false},
		{CmpNe, 6, true}, {CmpNe, 5, false},
		{CmpLt, 6, true}, {CmpLt, 5, false},
		{CmpLe, 5, true}, {CmpLe, 4, false},
		{CmpGt, 4, true}, {CmpGt, 5, false},
		{CmpGe, 5, true}, {CmpGe, 6, false},
	}
	for _, tc := range cases {
		got := rowMatches([]Condition{{Column: 0, Op: tc.op, Value: tc.val}}, row)
		if got != tc.want {
			t.Errorf("5 %v %v = %v, want %v", tc.op, tc.val, got, tc.want)
		}
	}
	// Incomparable types never match.
	if rowMatches([]Condition{{Column: 0, Op: CmpEq, Value: "5"}}, row) {
		t.Error("int and string must not compare equal")
	}
}

func TestProjectRecords(t *testing.T) {
	cfg := ProjectConfig{Columns: []int{2, 0}}
	out := projectRecords(cfg, []Record{{Row: Row{"a", "b", "c"}, Token: 9, Base: 3}})
	if len(out) != 1 || !out[0].Row.Equal(Row{"c", "a"}) {
		t.Fatalf("projected = %v", out)
	}
	if out[0].Token != 9 || out[0].Base != 3 {
		t.Error("token and base must survive projection")
	}
}

func TestJoinRows(t *testing.T) {
	cfg := JoinConfig{On: [][2]int{{0, 1}}}
	got := joinRows(cfg, Row{"s1", "title"}, Row{"alice", "s1"})
	if !got.Equal(Row{"s1", "title", "alice"}) {
		t.Errorf("joinRows = %v", got)
	}

	// A record arriving on the right side still produces left-first output.
	rec := joinRecord(cfg, sideRight, Record{Row: Row{"alice", "s1"}, Token: 4, Base: 2}, Row{"s1", "title"})
	if !rec.Row.Equal(Row{"s1", "title", "alice"}) {
		t.Errorf("joinRecord = %v", rec.Row)
	}
	if rec.Token != 4 || rec.Base != 2 {
		t.Error("token and base must come from the driving record")
	}
}

func TestJoinSideCols(t *testing.T) {
	cfg := JoinConfig{On: [][2]int{{1, 0}, {2, 3}}}
	if got := joinSideCols(cfg, sideLeft); !colsEqual(got, []int{1, 2}) {
		t.Errorf("left cols = %v", got)
	}
	if got := joinSideCols(cfg, sideRight); !colsEqual(got, []int{0, 3}) {
		t.Errorf("right cols = %v", got)
	}
}

func TestAggValue(t *testing.T) {
	g := &aggGroup{count: 3, sum: 12.5, vals: []Value{5, 2.5, 5}}

	if got := aggValue(AggCount, g); got != int64(3) {
		t.Errorf("count = %v", got)
	}
	if got := aggValue(AggSum, g); got != 12.5 {
		t.Errorf("sum = %v", got)
	}
	if got := aggValue(AggMin, g); got != 2.5 {
		t.Errorf("min = %v", got)
	}
	if got := aggValue(AggMax, g); got != 5.0 {
		t.Errorf("max = %v", got)
	}
}

func TestAggExtremumAfterRetraction(t *testing.T) {
	cfg := AggregationConfig{Func: AggMax, On: 1, GroupBy: []int{0}}
	g := &aggGroup{}
	for _, v := range []int{3, 9, 7} {
		foldAggRecord(cfg, g, Record{Row: Row{"g", v}})
	}
	foldAggRecord(cfg, g, Record{Row: Row{"g", 9}, Negative: true})

	if got := aggValue(AggMax, g); got != 7.0 {
		t.Errorf("max after retracting 9 = %v", got)
	}
	if g.count != 2 {
		t.Errorf("count = %d", g.count)
	}
}

func TestAggOutputRow(t *testing.T) {
	cfg := AggregationConfig{Func: AggSum, On: 2, GroupBy: []int{1, 0}}
	g := &aggGroup{count: 1, sum: 4}
	got := aggOutputRow(cfg, Row{"a", "b", 4}, g)
	if !got.Equal(Row{"b", "a", 4.0}) {
		t.Errorf("output row = %v", got)
	}
}

func TestFoldAggGroup(t *testing.T) {
	cfg := AggregationConfig{Func: AggCount, GroupBy: []int{0}}
	g, sample := foldAggGroup(cfg, []Record{
		{Row: Row{"g", 1}},
		{Row: Row{"g", 2}},
		{Row: Row{"g", 1}, Negative: true},
	})
	if g.count != 1 {
		t.Errorf("count = %d", g.count)
	}
	if sample == nil || sample[0] != "g" {
		t.Errorf("sample = %v", sample)
	}
}
