package tributary

import (
	"container/list"
	"sort"
)

// Store is the materialized state of one stateful node: a mapping from index
// key to the rows currently live under that key.
//
// A store is either full (every key the node ever produced is present) or
// partial (only keys explicitly filled by replay are present; everything else
// is a hole). For partial stores the distinction between "filled with zero
// rows" and "hole" is load-bearing: the former is an authoritative empty
// result, the latter means nothing is known.
//
// Each key remembers, per originating base table, the last token applied
// under it. A base's tokens arrive in increasing order along any one path, so
// reapplying a record whose token is not newer than that mark is a duplicate
// delivery and a no-op. Tracking the mark per base matters below joins and
// unions, where one key legitimately interleaves tokens from several bases.
type Store struct {
	keyCols []int
	partial bool

	rows      map[Key][]Row
	lastToken map[Key][]originMark
	maxToken  Token

	// Partial-store bookkeeping: filled keys and LRU order for eviction.
	filled map[Key]*list.Element
	lru    *list.List // front = most recently used; values are Key

	rowCount int
	memBytes int64
}

// originMark records the newest token a given base table has applied under
// one key.
type originMark struct {
	base NodeID
	tok  Token
}

// newStore builds a store indexed on keyCols. Partial stores start empty with
// every key a hole; full stores treat every key as filled.
func newStore(keyCols []int, partial bool) *Store {
	s := &Store{
		keyCols:   append([]int(nil), keyCols...),
		partial:   partial,
		rows:      make(map[Key][]Row),
		lastToken: make(map[Key][]originMark),
	}
	if partial {
		s.filled = make(map[Key]*list.Element)
		s.lru = list.New()
	}
	return s
}

// Partial reports whether the store keeps partial state.
func (s *Store) Partial() bool { return s.partial }

// KeyColumns returns the index columns.
func (s *Store) KeyColumns() []int { return s.keyCols }

// Rows returns the total number of live rows.
func (s *Store) Rows() int { return s.rowCount }

// Bytes returns the approximate memory footprint of live rows.
func (s *Store) Bytes() int64 { return s.memBytes }

// LastToken returns the newest token ever applied to the store.
func (s *Store) LastToken() Token { return s.maxToken }

// Filled reports whether key is present (not a hole). Always true for full
// stores.
func (s *Store) Filled(k Key) bool {
	if !s.partial {
		return true
	}
	_, ok := s.filled[k]
	return ok
}

// Lookup returns the rows under key. ok is false when the key is a hole in a
// partial store; a filled key with no rows returns (nil, true).
func (s *Store) Lookup(k Key) (rows []Row, ok bool) {
	if s.partial {
		el, f := s.filled[k]
		if !f {
			return nil, false
		}
		s.lru.MoveToFront(el)
	}
	return s.rows[k], true
}

// Apply folds a batch of records into the store and returns the records that
// were actually applied. Records for holes are dropped (nobody asked for that
// key, and downstream state derived from it is necessarily a hole too);
// records whose token is not newer than the key's last applied token are
// dropped as duplicate deliveries.
//
// Records in one batch that share a token against the same key (a retraction
// plus its replacement from an aggregation) are applied together before the
// token gate advances.
func (s *Store) Apply(recs []Record) []Record {
	if len(recs) == 0 {
		return nil
	}
	kept := recs[:0:0]
	type batchMark struct {
		key  Key
		base NodeID
	}
	inBatch := make(map[batchMark]Token, len(recs))
	for _, rec := range recs {
		k := KeyOf(rec.Row, s.keyCols)
		if s.partial {
			if _, ok := s.filled[k]; !ok {
				continue
			}
		}
		bm := batchMark{key: k, base: rec.Base}
		if tok, ok := inBatch[bm]; !ok || tok != rec.Token {
			if rec.Token != 0 && !s.advanceMark(k, rec.Base, rec.Token) {
				continue
			}
			inBatch[bm] = rec.Token
		}
		s.applyOne(k, rec)
		kept = append(kept, rec)
	}
	return kept
}

// advanceMark moves the (key, base) token mark to tok and reports whether the
// record should be applied. A token at or below the current mark is a
// duplicate delivery and is rejected; records of one write that share a token
// (a retraction paired with its replacement) pass together via the caller's
// batch bookkeeping.
func (s *Store) advanceMark(k Key, base NodeID, tok Token) bool {
	marks := s.lastToken[k]
	for i := range marks {
		if marks[i].base == base {
			if tok <= marks[i].tok {
				return false
			}
			marks[i].tok = tok
			if tok > s.maxToken {
				s.maxToken = tok
			}
			return true
		}
	}
	s.lastToken[k] = append(marks, originMark{base: base, tok: tok})
	if tok > s.maxToken {
		s.maxToken = tok
	}
	return true
}

func (s *Store) applyOne(k Key, rec Record) {
	if rec.Negative {
		live := s.rows[k]
		for i, row := range live {
			if row.Equal(rec.Row) {
				s.rows[k] = append(live[:i], live[i+1:]...)
				s.rowCount--
				s.memBytes -= rowBytes(row)
				break
			}
		}
		if len(s.rows[k]) == 0 && !s.partial {
			delete(s.rows, k)
		}
		return
	}
	s.rows[k] = append(s.rows[k], rec.Row)
	s.rowCount++
	s.memBytes += rowBytes(rec.Row)
}

// Fill installs replay results for a key, marking it filled. cut is the token
// position the rows were read at: buffered deltas with tokens at or below cut
// are duplicates of what the fill already contains and will be dropped by the
// token gate.
func (s *Store) Fill(k Key, rows []Row, cut Token) {
	if !s.partial {
		return
	}
	if el, ok := s.filled[k]; ok {
		s.lru.MoveToFront(el)
		return
	}
	for _, r := range rows {
		s.rowCount++
		s.memBytes += rowBytes(r)
	}
	if len(rows) > 0 {
		s.rows[k] = rows
	}
	s.filled[k] = s.lru.PushFront(k)
	if cut > s.maxToken {
		s.maxToken = cut
	}
}

// LookupByCols scans a full store for rows whose projection onto cols equals
// key. Lets a full ancestor answer replay requests keyed on columns it has no
// index for; the scan cost is accepted in exchange for not maintaining
// secondary indexes.
func (s *Store) LookupByCols(cols []int, key Key) []Row {
	if colsEqual(cols, s.keyCols) {
		rows, _ := s.Lookup(key)
		return rows
	}
	var out []Row
	for _, rows := range s.rows {
		for _, r := range rows {
			if KeyOf(r, cols) == key {
				out = append(out, r)
			}
		}
	}
	return out
}

func colsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Evict drops a filled key back to hole status. Safe at any time: the next
// read triggers a correct re-fill.
func (s *Store) Evict(k Key) bool {
	if !s.partial {
		return false
	}
	el, ok := s.filled[k]
	if !ok {
		return false
	}
	s.lru.Remove(el)
	delete(s.filled, k)
	for _, r := range s.rows[k] {
		s.rowCount--
		s.memBytes -= rowBytes(r)
	}
	delete(s.rows, k)
	delete(s.lastToken, k)
	return true
}

// EvictToBudget evicts least-recently-used keys until the store's footprint
// is at or below budget bytes. Returns the evicted keys.
func (s *Store) EvictToBudget(budget int64) []Key {
	if !s.partial {
		return nil
	}
	var evicted []Key
	for s.memBytes > budget {
		back := s.lru.Back()
		if back == nil {
			break
		}
		k := back.Value.(Key)
		s.Evict(k)
		evicted = append(evicted, k)
	}
	return evicted
}

// Snapshot returns every live row, ordered by key for determinism. Used by
// migration backfill to stream a node's full contents downstream.
func (s *Store) Snapshot() []Row {
	keys := make([]string, 0, len(s.rows))
	for k := range s.rows {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	var out []Row
	for _, k := range keys {
		for _, r := range s.rows[Key(k)] {
			out = append(out, r.Clone())
		}
	}
	return out
}

// rowBytes approximates the heap footprint of a row.
func rowBytes(r Row) int64 {
	n := int64(24) // slice header
	for _, v := range r {
		n += 16
		if s, ok := v.(string); ok {
			n += int64(len(s))
		}
	}
	return n
}
