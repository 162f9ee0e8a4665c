package tributary

import (
	"fmt"
	"strings"
)

// Value is a single column value. Tributary treats values as opaque scalars;
// the query front end is responsible for schema agreement between operators.
type Value = any

// Row is an ordered tuple of column values.
type Row []Value

// Clone returns a copy of the row that shares no backing storage.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// Equal reports whether two rows have the same length and equal values.
func (r Row) Equal(other Row) bool {
	if len(r) != len(other) {
		return false
	}
	for i := range r {
		if r[i] != other[i] {
			return false
		}
	}
	return true
}

// Key identifies one materialized entry: the projection of a row onto a set of
// index columns, rendered into a comparable form.
type Key string

// keySep separates encoded column values inside a Key. Unit separator keeps
// ("a","bc") distinct from ("ab","c").
const keySep = "\x1f"

// KeyOf projects row onto cols and builds the index key.
func KeyOf(row Row, cols []int) Key {
	if len(cols) == 1 {
		return Key(formatValue(row[cols[0]]))
	}
	var sb strings.Builder
	for i, c := range cols {
		if i > 0 {
			sb.WriteString(keySep)
		}
		sb.WriteString(formatValue(row[c]))
	}
	return Key(sb.String())
}

// KeyOfValues builds a key directly from already-projected values, in the same
// form KeyOf produces. Used by client reads, which supply key values rather
// than whole rows.
func KeyOfValues(vals []Value) Key {
	if len(vals) == 1 {
		return Key(formatValue(vals[0]))
	}
	var sb strings.Builder
	for i, v := range vals {
		if i > 0 {
			sb.WriteString(keySep)
		}
		sb.WriteString(formatValue(v))
	}
	return Key(sb.String())
}

func formatValue(v Value) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "\x00"
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Token is the total-order identifier the checktable assigns to each
// base-table write. Tokens are strictly increasing; every record derived from
// a write carries that write's token so downstream state can detect and
// discard duplicate deliveries.
type Token uint64

// Record is a signed row change: an insertion when Negative is false, a
// retraction when true. Records are the unit of propagation between operators
// and between domains, and the unit replay fills holes with.
//
// Token and Base identify the base-table write the record derives from. Each
// base's token stream is strictly increasing along any one path, which is
// what lets state drop duplicate deliveries: per key, per originating base,
// an already-applied token is never applied again.
type Record struct {
	Row      Row
	Negative bool
	Token    Token
	Base     NodeID
}

// Insert builds a positive record. The token is stamped by the base table.
func Insert(row Row) Record { return Record{Row: row} }

// Retract builds a negative record.
func Retract(row Row) Record { return Record{Row: row, Negative: true} }

// Mutation is one client write against a base table: rows to insert and rows
// to retract, applied atomically under a single token.
type Mutation struct {
	Inserts []Row
	Deletes []Row
}

func (m Mutation) records() []Record {
	recs := make([]Record, 0, len(m.Inserts)+len(m.Deletes))
	for _, r := range m.Inserts {
		recs = append(recs, Insert(r))
	}
	for _, r := range m.Deletes {
		recs = append(recs, Retract(r))
	}
	return recs
}

// keysOf collects the distinct base-table keys a mutation touches.
func (m Mutation) keysOf(keyCols []int) []Key {
	seen := make(map[Key]struct{}, len(m.Inserts)+len(m.Deletes))
	var keys []Key
	add := func(rows []Row) {
		for _, r := range rows {
			k := KeyOf(r, keyCols)
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	add(m.Inserts)
	add(m.Deletes)
	return keys
}
