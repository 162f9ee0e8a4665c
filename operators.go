package tributary

// Stateless operator transforms plus the row-level helpers the stateful
// operators share. Everything here is a pure function of its inputs; stateful
// processing (join lookups, aggregation accumulators) lives on the domain,
// which owns the stores.

// filterRecords keeps records whose rows satisfy every condition.
func filterRecords(cfg FilterConfig, recs []Record) []Record {
	out := recs[:0:0]
	for _, rec := range recs {
		if rowMatches(cfg.Where, rec.Row) {
			out = append(out, rec)
		}
	}
	return out
}

func rowMatches(where []Condition, row Row) bool {
	for _, c := range where {
		cmp, ok := compareValues(row[c.Column], c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case CmpEq:
			if cmp != 0 {
				return false
			}
		case CmpNe:
			if cmp == 0 {
				return false
			}
		case CmpLt:
			if cmp >= 0 {
				return false
			}
		case CmpLe:
			if cmp > 0 {
				return false
			}
		case CmpGt:
			if cmp <= 0 {
				return false
			}
		case CmpGe:
			if cmp < 0 {
				return false
			}
		}
	}
	return true
}

// projectRecords maps each row onto the configured column subset.
func projectRecords(cfg ProjectConfig, recs []Record) []Record {
	out := make([]Record, len(recs))
	for i, rec := range recs {
		row := make(Row, len(cfg.Columns))
		for j, c := range cfg.Columns {
			row[j] = rec.Row[c]
		}
		out[i] = Record{Row: row, Negative: rec.Negative, Token: rec.Token, Base: rec.Base}
	}
	return out
}

// joinSideCols returns the join columns of side s in that side's own row
// space.
func joinSideCols(cfg JoinConfig, s int) []int {
	cols := make([]int, len(cfg.On))
	for i, pair := range cfg.On {
		cols[i] = pair[s]
	}
	return cols
}

// joinRecord builds one join output: the left row followed by the right row
// with its join columns removed. rec came in on side s; orow is the matched
// row from the opposite side. The output carries rec's sign and token.
func joinRecord(cfg JoinConfig, s int, rec Record, orow Row) Record {
	var left, right Row
	if s == sideLeft {
		left, right = rec.Row, orow
	} else {
		left, right = orow, rec.Row
	}
	return Record{
		Row:      joinRows(cfg, left, right),
		Negative: rec.Negative,
		Token:    rec.Token,
		Base:     rec.Base,
	}
}

func joinRows(cfg JoinConfig, left, right Row) Row {
	skip := make(map[int]bool, len(cfg.On))
	for _, pair := range cfg.On {
		skip[pair[1]] = true
	}
	out := make(Row, 0, len(left)+len(right)-len(cfg.On))
	out = append(out, left...)
	for i, v := range right {
		if !skip[i] {
			out = append(out, v)
		}
	}
	return out
}

// aggOutputRow builds an aggregation's output row for the group inRow belongs
// to: the group-by values followed by the aggregate. Counts are int64,
// everything else float64.
func aggOutputRow(cfg AggregationConfig, inRow Row, g *aggGroup) Row {
	row := make(Row, 0, len(cfg.GroupBy)+1)
	for _, c := range cfg.GroupBy {
		row = append(row, inRow[c])
	}
	return append(row, aggValue(cfg.Func, g))
}

func aggValue(f AggFunc, g *aggGroup) Value {
	switch f {
	case AggCount:
		return g.count
	case AggSum:
		return g.sum
	case AggMin:
		return extremum(g.vals, -1)
	case AggMax:
		return extremum(g.vals, 1)
	default:
		return g.sum
	}
}

// extremum scans the group's live values for the min (dir < 0) or max
// (dir > 0), returned as float64.
func extremum(vals []Value, dir int) Value {
	if len(vals) == 0 {
		return float64(0)
	}
	best := toFloat(vals[0])
	for _, v := range vals[1:] {
		f := toFloat(v)
		if (dir < 0 && f < best) || (dir > 0 && f > best) {
			best = f
		}
	}
	return best
}

// removeValue drops one instance of v from the group's value multiset.
func removeValue(g *aggGroup, v Value) {
	for i, gv := range g.vals {
		if gv == v {
			g.vals[i] = g.vals[len(g.vals)-1]
			g.vals = g.vals[:len(g.vals)-1]
			return
		}
	}
}

func toFloat(v Value) float64 {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case float64:
		return t
	case bool:
		if t {
			return 1
		}
		return 0
	default:
		return 0
	}
}

// compareValues orders two scalars of compatible types. ok is false when the
// types cannot be compared.
func compareValues(a, b Value) (int, bool) {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}
	if !isNumeric(a) || !isNumeric(b) {
		if a == b {
			return 0, true
		}
		return 0, false
	}
	af, bf := toFloat(a), toFloat(b)
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	default:
		return 0, true
	}
}

func isNumeric(v Value) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64, bool:
		return true
	default:
		return false
	}
}
