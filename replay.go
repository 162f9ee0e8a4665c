package tributary

import (
	"fmt"
	"log"
)

// keyAll is the sentinel key a migration backfill fills under: the whole
// store, not one key. It cannot collide with a real key because formatted
// values never start with a NUL byte.
const keyAll Key = "\x00*"

// overflowFactor sizes a domain's fill overflow queue relative to its
// in-flight limit. Requests beyond the queue are rejected with
// ErrReplayBackpressure.
const overflowFactor = 4

// fillState tracks where a pending fill is in its lifecycle.
type fillState int

const (
	// fillQueued is waiting for an in-flight slot.
	fillQueued fillState = iota
	// fillInFlight has its request walking the replay path.
	fillInFlight
	// fillParked is held open by a passing response that is itself waiting
	// on another fill (a join waiting for its opposite side).
	fillParked
)

// fill is one pending hole fill. While it is open, deltas for its key are
// buffered here instead of being applied; what happens to them on resolve
// depends on how the entry was created. Entries created by a fill request
// drop their buffer: anything buffered arrived at this domain before the
// response did, so it passed the source before the source answered and is
// already part of the fill. Entries parked by a passing response replay
// their buffer: those deltas arrived after the response and are not in it.
type fill struct {
	state         fillState
	counted       bool // holds one of the domain's in-flight slots
	dropOnResolve bool

	waiters []*readMsg
	bufs    []bufferedDelta
	conts   []func()
}

func (f *fill) buffer(b bufferedDelta) { f.bufs = append(f.bufs, b) }

// bufferedDelta is a delta batch parked under a pending fill, with enough
// context to rerun it through its node once the fill resolves.
type bufferedDelta struct {
	from       NodeID
	recs       []Record
	outputOnly bool
}

// heldRecords accumulates the records of one batch that hit pending fills.
// Records sharing a fill stay in a single buffered entry: a retraction and
// its replacement can share a token, and splitting them across entries would
// split them across Apply calls when the buffer replays.
type heldRecords struct {
	byFill map[*fill][]Record
	order  []*fill
}

func (h *heldRecords) add(f *fill, rec Record) {
	if h.byFill == nil {
		h.byFill = make(map[*fill][]Record)
	}
	if _, ok := h.byFill[f]; !ok {
		h.order = append(h.order, f)
	}
	h.byFill[f] = append(h.byFill[f], rec)
}

func (h *heldRecords) flush(from NodeID, outputOnly bool) {
	for _, f := range h.order {
		f.buffer(bufferedDelta{from: from, recs: h.byFill[f], outputOnly: outputOnly})
	}
}

// fillRequest is one entry in a domain's overflow queue.
type fillRequest struct {
	ref storeRef
	key Key
}

// gatherID names one in-progress union merge: responses for the same key on
// the same path meeting at the same union node.
type gatherID struct {
	tag  int
	node NodeID
	key  Key
	full bool
}

type gather struct {
	got  int
	recs []Record
}

// replayHop is one step of a replay path. Side names a join input store;
// everything else uses sideOut. Fill marks hops whose partial store is
// filled as the response passes through.
type replayHop struct {
	Domain DomainID
	Node   NodeID
	Side   int
	Fill   bool
}

// replayPath is one branch of a replay plan, source hop first, target hop
// last. SourceCols are the traced key columns in the source's own row space;
// the key string itself is identical at every hop because each operator on
// the path preserves the key's values.
type replayPath struct {
	Hops       []replayHop
	SourceCols []int
}

// replayPlan is the precomputed routing for filling one store, installed
// into every domain on the path at migration time so that replay traffic
// carries only a tag. Plans with Full set rebuild the whole store during
// migration backfill; the rest fill single keys on demand.
type replayPlan struct {
	Tag          int
	Target       storeRef
	TargetDomain DomainID
	KeyCols      []int
	Full         bool
	Branches     []*replayPath

	// UnionCount maps each union node on the path to the number of
	// responses that meet there. Branches arriving through the same parent
	// have already merged further up, so this counts distinct prior hops,
	// not branches.
	UnionCount map[NodeID]int
}

// domains returns the distinct domains the plan touches.
func (p *replayPlan) domains() []DomainID {
	seen := make(map[DomainID]bool)
	var out []DomainID
	add := func(id DomainID) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, br := range p.Branches {
		for _, hop := range br.Hops {
			add(hop.Domain)
		}
	}
	add(p.TargetDomain)
	return out
}

// fillFor returns the pending fill for (ref, key), or nil.
func (d *domain) fillFor(ref storeRef, k Key) *fill {
	byKey := d.pending[ref]
	if byKey == nil {
		return nil
	}
	return byKey[k]
}

func (d *domain) setFill(ref storeRef, k Key, f *fill) {
	byKey := d.pending[ref]
	if byKey == nil {
		byKey = make(map[Key]*fill)
		d.pending[ref] = byKey
	}
	byKey[k] = f
}

// requestFill starts (or joins) a hole fill for one key of a local partial
// store. waiter, if non-nil, is a client read answered when the fill lands;
// cont, if non-nil, runs after resolve and is never rejected, because the
// callers passing one are holding a replay response that must not be lost.
func (d *domain) requestFill(ref storeRef, k Key, waiter *readMsg, cont func()) {
	if f := d.fillFor(ref, k); f != nil {
		if waiter != nil {
			f.waiters = append(f.waiters, waiter)
		}
		if cont != nil {
			f.conts = append(f.conts, cont)
		}
		return
	}

	plan := d.planByRef[ref]
	if plan == nil || plan.Full {
		log.Printf("tributary: domain %d: no replay plan for node %d side %d",
			d.id, ref.node, ref.side)
		if waiter != nil {
			waiter.resp <- readResult{err: &ReplayError{
				Node: ref.node, Key: k, Message: "no replay path", Cause: ErrGraphInconsistency,
			}}
		}
		return
	}

	limit := d.eng.cfg.Replay.MaxConcurrentFills
	if d.inflight >= limit {
		if cont == nil && len(d.overflow) >= overflowFactor*limit {
			d.eng.metrics.incReplaysRejected()
			if waiter != nil {
				waiter.resp <- readResult{err: &ReplayError{
					Node: ref.node, Key: k, Message: "fill queue full", Cause: ErrReplayBackpressure,
				}}
			}
			return
		}
		f := &fill{state: fillQueued, dropOnResolve: true}
		if waiter != nil {
			f.waiters = append(f.waiters, waiter)
		}
		if cont != nil {
			f.conts = append(f.conts, cont)
		}
		d.setFill(ref, k, f)
		d.overflow = append(d.overflow, fillRequest{ref: ref, key: k})
		return
	}

	f := &fill{state: fillInFlight, counted: true, dropOnResolve: true}
	if waiter != nil {
		f.waiters = append(f.waiters, waiter)
	}
	if cont != nil {
		f.conts = append(f.conts, cont)
	}
	d.setFill(ref, k, f)
	d.inflight++
	d.dispatchFill(plan, k)
}

// dispatchFill sends one request per branch, starting at the hop just above
// the target so the walk can answer from the nearest filled state.
func (d *domain) dispatchFill(plan *replayPlan, k Key) {
	d.eng.metrics.incReplays()
	for bi, br := range plan.Branches {
		start := len(br.Hops) - 2
		if start < 0 {
			start = 0
		}
		d.sendRequest(plan, br, &replayRequestMsg{tag: plan.Tag, branch: bi, hop: start, key: k})
	}
}

func (d *domain) sendRequest(plan *replayPlan, br *replayPath, m *replayRequestMsg) {
	dest := br.Hops[m.hop].Domain
	if dest == d.id {
		d.handleReplayRequest(m)
		return
	}
	env := &Envelope{
		Kind:   EnvReplayRequest,
		Domain: dest,
		Node:   br.Hops[m.hop].Node,
		Tag:    plan.Tag,
		Branch: m.branch,
		Hop:    m.hop,
		Key:    m.key,
		Full:   m.full,
	}
	if err := d.eng.transport.Send(env); err != nil {
		log.Printf("tributary: domain %d: replay request to domain %d failed: %v", d.id, dest, err)
		d.eng.fail(err)
	}
}

// handleReplayRequest walks a fill request upstream along its branch until
// it reaches state that can answer: a filled key, a fill already in flight
// (the answer is attached to it), or the source hop.
func (d *domain) handleReplayRequest(m *replayRequestMsg) {
	plan := d.plans[m.tag]
	if plan == nil {
		log.Printf("tributary: domain %d: replay request for unknown tag %d", d.id, m.tag)
		return
	}
	br := plan.Branches[m.branch]
	for h := m.hop; h >= 0; h-- {
		hop := br.Hops[h]
		if hop.Domain != d.id {
			next := *m
			next.hop = h
			d.sendRequest(plan, br, &next)
			return
		}
		if h == 0 {
			d.answerFrom(plan, m.branch, 0, m.key, m.full)
			return
		}
		ref, ok := hopStore(d, hop)
		if !ok {
			continue
		}
		st := d.storeFor(ref)
		if st == nil {
			continue
		}
		if st.Filled(m.key) {
			d.answerFrom(plan, m.branch, h, m.key, false)
			return
		}
		if f := d.fillFor(ref, m.key); f != nil {
			branch, hopIdx, key := m.branch, h, m.key
			f.conts = append(f.conts, func() {
				d.answerFrom(plan, branch, hopIdx, key, false)
			})
			return
		}
	}
}

// hopStore resolves the store a path hop reads or fills, if it has one.
func hopStore(d *domain, hop replayHop) (storeRef, bool) {
	n := d.nodes[hop.Node]
	if n == nil {
		return storeRef{}, false
	}
	switch n.Kind {
	case OpJoin:
		if hop.Side >= 0 {
			return storeRef{node: hop.Node, side: hop.Side}, true
		}
		return storeRef{}, false
	case OpBase, OpAggregation, OpReader:
		return storeRef{node: hop.Node, side: sideOut}, true
	default:
		return storeRef{}, false
	}
}

// answerFrom reads the fill data out of the hop's state and starts the
// response moving back down the path. A join-side hop answers in its input
// row space and must run through the join before continuing.
func (d *domain) answerFrom(plan *replayPlan, branchIdx, h int, k Key, full bool) {
	br := plan.Branches[branchIdx]
	hop := br.Hops[h]
	n := d.nodes[hop.Node]
	if n == nil {
		log.Printf("tributary: domain %d: replay source node %d missing", d.id, hop.Node)
		return
	}

	if n.Kind == OpJoin && hop.Side >= 0 {
		st := d.storeFor(storeRef{node: hop.Node, side: hop.Side})
		var rows []Row
		switch {
		case full:
			rows = st.Snapshot()
		case st.Partial():
			got, _ := st.Lookup(k)
			rows = cloneRows(got)
		default:
			rows = cloneRows(st.LookupByCols(br.SourceCols, k))
		}
		out, parked, post := d.replayJoinHop(plan, branchIdx, h, k, insertRecords(rows), full)
		if parked {
			return
		}
		d.continueReplay(plan, branchIdx, h+1, k, out, full)
		if post != nil {
			post()
		}
		return
	}

	st := d.storeFor(storeRef{node: hop.Node, side: sideOut})
	if st == nil {
		log.Printf("tributary: domain %d: replay source node %d has no state", d.id, hop.Node)
		return
	}
	var rows []Row
	switch {
	case full:
		rows = st.Snapshot()
	case st.Partial():
		got, _ := st.Lookup(k)
		rows = cloneRows(got)
	default:
		rows = cloneRows(st.LookupByCols(br.SourceCols, k))
	}
	d.continueReplay(plan, branchIdx, h+1, k, insertRecords(rows), full)
}

func (d *domain) handleReplayResponse(m *replayResponseMsg) {
	plan := d.plans[m.tag]
	if plan == nil {
		log.Printf("tributary: domain %d: replay response for unknown tag %d", d.id, m.tag)
		return
	}
	d.continueReplay(plan, m.branch, m.hop, m.key, m.records, m.full)
}

// continueReplay pushes a response through the path hops local to this
// domain, transforming it at each operator, until it leaves the domain,
// parks at a join, merges into a union gather, or lands in the target.
// Deferred work (flushing deltas buffered under a join-side fill) runs only
// after the response itself has moved on, so replayed deltas can never
// overtake the fill they must follow.
func (d *domain) continueReplay(plan *replayPlan, branchIdx, j int, k Key, recs []Record, full bool) {
	var after []func()
	defer func() {
		for _, fn := range after {
			fn()
		}
	}()

	br := plan.Branches[branchIdx]
	for j < len(br.Hops) {
		hop := br.Hops[j]
		if hop.Domain != d.id {
			env := &Envelope{
				Kind:    EnvReplayResponse,
				Domain:  hop.Domain,
				Node:    hop.Node,
				Tag:     plan.Tag,
				Branch:  branchIdx,
				Hop:     j,
				Key:     k,
				Full:    full,
				Records: recs,
			}
			if err := d.eng.transport.Send(env); err != nil {
				log.Printf("tributary: domain %d: replay response to domain %d failed: %v",
					d.id, hop.Domain, err)
				d.eng.fail(err)
			}
			return
		}
		if j == len(br.Hops)-1 {
			d.resolveFill(plan, k, recs, full)
			return
		}
		n := d.nodes[hop.Node]
		if n == nil {
			log.Printf("tributary: domain %d: replay hop node %d missing", d.id, hop.Node)
			return
		}
		switch cfg := n.Config.(type) {
		case FilterConfig:
			recs = filterRecords(cfg, recs)
		case ProjectConfig:
			recs = projectRecords(cfg, recs)
		case UnionConfig:
			merged, ready := d.gatherUnion(plan, n.ID, k, full, recs)
			if !ready {
				return
			}
			recs = merged
		case JoinConfig:
			out, parked, post := d.replayJoinHop(plan, branchIdx, j, k, recs, full)
			if post != nil {
				after = append(after, post)
			}
			if parked {
				return
			}
			recs = out
		case AggregationConfig:
			recs = d.replayAggHop(n, cfg, k, recs)
		default:
			log.Printf("tributary: domain %d: replay cannot pass through %s node %d",
				d.id, n.Kind, n.ID)
			return
		}
		j++
	}
}

// replayJoinHop runs a response through a join hop. recs are side-Side input
// rows. If any opposite-side key is a hole, the response parks: the opposite
// fills are requested and the hop reruns when the last one lands. The
// returned post closure, if any, installs the side fill and flushes its
// buffer; the caller runs it after the response has continued downstream.
func (d *domain) replayJoinHop(plan *replayPlan, branchIdx, j int, k Key, recs []Record, full bool) (out []Record, parked bool, post func()) {
	br := plan.Branches[branchIdx]
	hop := br.Hops[j]
	n := d.nodes[hop.Node]
	cfg := n.Config.(JoinConfig)
	s := hop.Side
	sides := d.sides[n.ID]
	other := sides[1-s]
	otherRef := storeRef{node: n.ID, side: 1 - s}
	myCols := joinSideCols(cfg, s)

	if !full {
		need := make(map[Key]bool)
		for _, rec := range recs {
			ok := KeyOf(rec.Row, myCols)
			if !other.Filled(ok) {
				need[ok] = true
			}
		}
		if len(need) > 0 {
			myRef := storeRef{node: n.ID, side: s}
			if hop.Fill && d.fillFor(myRef, k) == nil {
				d.setFill(myRef, k, &fill{state: fillParked})
			}
			remaining := len(need)
			resume := func() {
				remaining--
				if remaining == 0 {
					d.resumeJoinReplay(plan, branchIdx, j, k, recs)
				}
			}
			for okey := range need {
				d.requestFill(otherRef, okey, nil, resume)
			}
			return nil, true, nil
		}
	}

	for _, rec := range recs {
		rows, ok := other.Lookup(KeyOf(rec.Row, myCols))
		if !ok {
			continue
		}
		for _, orow := range rows {
			out = append(out, joinRecord(cfg, s, rec, orow))
		}
	}

	if hop.Fill && !full {
		myRef := storeRef{node: n.ID, side: s}
		st := sides[s]
		post = func() {
			st.Fill(k, recordRows(recs), 0)
			d.finalizeFill(myRef, k, st)
		}
	}
	return out, false, post
}

// resumeJoinReplay reruns a parked join hop once its opposite-side fills
// have landed. An eviction racing in between reverts the key to a hole, in
// which case the hop simply parks again.
func (d *domain) resumeJoinReplay(plan *replayPlan, branchIdx, j int, k Key, recs []Record) {
	out, parked, post := d.replayJoinHop(plan, branchIdx, j, k, recs, false)
	if parked {
		return
	}
	d.continueReplay(plan, branchIdx, j+1, k, out, false)
	if post != nil {
		post()
	}
}

// replayAggHop fills a partial aggregation mid-path: the response carries
// the group's input rows, which are folded into the accumulator and
// replaced by the group's output row.
func (d *domain) replayAggHop(n *Node, cfg AggregationConfig, k Key, recs []Record) []Record {
	st := d.stores[n.ID]
	ref := storeRef{node: n.ID, side: sideOut}
	if st.Filled(k) {
		rows, _ := st.Lookup(k)
		return insertRecords(cloneRows(rows))
	}
	g, sample := foldAggGroup(cfg, recs)
	var rows []Row
	if g.count > 0 {
		d.aggAux[n.ID][k] = g
		rows = []Row{aggOutputRow(cfg, sample, g)}
	}
	st.Fill(k, rows, 0)
	out := insertRecords(cloneRows(rows))
	d.finalizeFill(ref, k, st)
	return out
}

// gatherUnion merges replay responses meeting at a union hop. Only the last
// arrival carries the merged batch onward.
func (d *domain) gatherUnion(plan *replayPlan, node NodeID, k Key, full bool, recs []Record) ([]Record, bool) {
	expected := plan.UnionCount[node]
	if expected <= 1 {
		return recs, true
	}
	id := gatherID{tag: plan.Tag, node: node, key: k, full: full}
	g := d.gathers[id]
	if g == nil {
		g = &gather{}
		d.gathers[id] = g
	}
	g.got++
	g.recs = append(g.recs, recs...)
	if g.got < expected {
		return nil, false
	}
	delete(d.gathers, id)
	return g.recs, true
}

// resolveFill lands a response in the plan's target store. The batch is in
// the target's input row space.
func (d *domain) resolveFill(plan *replayPlan, k Key, recs []Record, full bool) {
	ref := plan.Target
	st := d.storeFor(ref)
	n := d.nodes[ref.node]
	if st == nil || n == nil {
		log.Printf("tributary: domain %d: replay target node %d missing", d.id, ref.node)
		return
	}
	if full {
		d.applyBackfill(ref, n, st, recs)
		return
	}
	if st.Filled(k) {
		// A racing fill for the same key got here first.
		d.finalizeFill(ref, k, st)
		return
	}

	var rows []Row
	switch cfg := n.Config.(type) {
	case AggregationConfig:
		g, sample := foldAggGroup(cfg, recs)
		if g.count > 0 {
			d.aggAux[n.ID][k] = g
			rows = []Row{aggOutputRow(cfg, sample, g)}
		}
	default:
		// Readers and join sides store the incoming rows as-is.
		rows = recordRows(recs)
	}
	st.Fill(k, rows, 0)
	d.eng.metrics.incFills()
	d.finalizeFill(ref, k, st)
}

// applyBackfill folds a migration backfill into its full store and releases
// the migration step waiting on it.
func (d *domain) applyBackfill(ref storeRef, n *Node, st *Store, recs []Record) {
	switch cfg := n.Config.(type) {
	case AggregationConfig:
		aux := d.aggAux[n.ID]
		samples := make(map[Key]Row)
		for _, rec := range recs {
			k := KeyOf(rec.Row, cfg.GroupBy)
			g := aux[k]
			if g == nil {
				g = &aggGroup{}
				aux[k] = g
				samples[k] = rec.Row
			}
			foldAggRecord(cfg, g, rec)
		}
		var out []Record
		for k, g := range aux {
			if g.count <= 0 {
				delete(aux, k)
				continue
			}
			if sample, ok := samples[k]; ok {
				out = append(out, Record{Row: aggOutputRow(cfg, sample, g)})
			}
		}
		st.Apply(out)
	default:
		st.Apply(recs)
	}

	d.finalizeFill(ref, keyAll, st)
	if ch := d.backfillWait[ref]; ch != nil {
		delete(d.backfillWait, ref)
		ch <- nil
	}
}

// finalizeFill closes the pending entry for (ref, key): buffered deltas are
// dropped or replayed per the entry's mode, parked continuations run, and
// waiting reads are answered from the now-filled store.
func (d *domain) finalizeFill(ref storeRef, k Key, st *Store) {
	byKey := d.pending[ref]
	if byKey == nil {
		return
	}
	f := byKey[k]
	if f == nil {
		return
	}
	delete(byKey, k)
	if len(byKey) == 0 {
		delete(d.pending, ref)
	}

	if f.counted {
		d.fillDone()
	}
	if !f.dropOnResolve {
		d.reprocessBuffered(ref, f.bufs)
	}
	for _, cont := range f.conts {
		cont()
	}
	for _, w := range f.waiters {
		rows, _ := st.Lookup(w.key)
		w.resp <- readResult{rows: cloneRows(rows)}
	}
}

// fillDone releases an in-flight slot and drains the overflow queue into
// freed slots.
func (d *domain) fillDone() {
	d.inflight--
	limit := d.eng.cfg.Replay.MaxConcurrentFills
	for d.inflight < limit && len(d.overflow) > 0 {
		req := d.overflow[0]
		d.overflow = d.overflow[1:]
		f := d.fillFor(req.ref, req.key)
		if f == nil || f.state != fillQueued {
			continue
		}
		plan := d.planByRef[req.ref]
		if plan == nil {
			continue
		}
		f.state = fillInFlight
		f.counted = true
		d.inflight++
		d.dispatchFill(plan, req.key)
	}
}

// startBackfill kicks off the migration backfill of a local full store and
// arranges for done to fire when the snapshot has landed. Deltas arriving
// before then are buffered under the keyAll entry and dropped on resolve,
// since the snapshot is taken after they passed the source.
func (d *domain) startBackfill(ref storeRef, done chan error) {
	plan := d.planByRef[ref]
	if plan == nil || !plan.Full {
		done <- nil
		return
	}
	d.eng.metrics.incBackfills()
	d.backfillWait[ref] = done
	f := d.fillFor(ref, keyAll)
	if f == nil {
		f = &fill{dropOnResolve: true}
		d.setFill(ref, keyAll, f)
	}
	f.state = fillInFlight
	for bi := range plan.Branches {
		d.sendRequest(plan, plan.Branches[bi], &replayRequestMsg{
			tag: plan.Tag, branch: bi, hop: 0, key: keyAll, full: true,
		})
	}
}

// insertRecords wraps replay rows as positive untokenized records.
func insertRecords(rows []Row) []Record {
	if len(rows) == 0 {
		return nil
	}
	out := make([]Record, len(rows))
	for i, r := range rows {
		out[i] = Record{Row: r}
	}
	return out
}

// recordRows extracts the rows of a positive batch.
func recordRows(recs []Record) []Row {
	var out []Row
	for _, rec := range recs {
		if !rec.Negative {
			out = append(out, rec.Row.Clone())
		}
	}
	return out
}

// foldAggGroup folds a replay batch, all rows of one group, into a fresh
// accumulator. sample is a row of the group for extracting group-by values.
func foldAggGroup(cfg AggregationConfig, recs []Record) (*aggGroup, Row) {
	g := &aggGroup{}
	var sample Row
	for _, rec := range recs {
		if sample == nil {
			sample = rec.Row
		}
		foldAggRecord(cfg, g, rec)
	}
	return g, sample
}

func foldAggRecord(cfg AggregationConfig, g *aggGroup, rec Record) {
	v := rec.Row[cfg.On]
	if rec.Negative {
		g.count--
		g.sum -= toFloat(v)
		removeValue(g, v)
		return
	}
	g.count++
	g.sum += toFloat(v)
	if cfg.Func == AggMin || cfg.Func == AggMax {
		g.vals = append(g.vals, v)
	}
}

// planKeyReplay builds the path table for filling single keys of a partial
// store. It traces the store's key columns upstream through operators that
// preserve their values, stopping each branch at full state. A store whose
// key cannot be traced is not plannable; the migrator falls back to full
// materialization for it.
func planKeyReplay(g *Graph, target storeRef, tag int, partial func(storeRef) bool) (*replayPlan, error) {
	n := g.Node(target.node)
	if n == nil {
		return nil, fmt.Errorf("%w: node %d", ErrNoSuchNode, target.node)
	}
	var start NodeID
	var cols []int
	switch cfg := n.Config.(type) {
	case ReaderConfig:
		start, cols = n.Parents[0], cfg.Key
	case AggregationConfig:
		start, cols = n.Parents[0], cfg.GroupBy
	case JoinConfig:
		if target.side < 0 {
			return nil, fmt.Errorf("join %d has no output store", target.node)
		}
		start, cols = n.Parents[target.side], joinSideCols(cfg, target.side)
	default:
		return nil, fmt.Errorf("node %d (%s) has no partial store to plan for", target.node, n.Kind)
	}

	tr := &tracer{g: g, partial: partial}
	branches, err := tr.traceKey(start, cols)
	if err != nil {
		return nil, err
	}
	targetHop := replayHop{Domain: n.Domain, Node: n.ID, Side: target.side, Fill: true}
	for _, br := range branches {
		br.Hops = append(br.Hops, targetHop)
	}
	return &replayPlan{
		Tag:          tag,
		Target:       target,
		TargetDomain: n.Domain,
		KeyCols:      append([]int(nil), cols...),
		Branches:     branches,
		UnionCount:   unionArrivals(g, branches),
	}, nil
}

// planBackfill builds the path table for rebuilding a full store during
// migration. Each branch sources at the nearest full state upstream; a
// partial ancestor is an error, because full state may never depend on
// partial state.
func planBackfill(g *Graph, target storeRef, tag int, partial func(storeRef) bool) (*replayPlan, error) {
	n := g.Node(target.node)
	if n == nil {
		return nil, fmt.Errorf("%w: node %d", ErrNoSuchNode, target.node)
	}
	var start NodeID
	switch n.Config.(type) {
	case ReaderConfig, AggregationConfig:
		start = n.Parents[0]
	case JoinConfig:
		if target.side < 0 {
			return nil, fmt.Errorf("join %d has no output store", target.node)
		}
		start = n.Parents[target.side]
	default:
		return nil, fmt.Errorf("node %d (%s) has no store to backfill", target.node, n.Kind)
	}

	tr := &tracer{g: g, partial: partial}
	branches, err := tr.traceFull(start)
	if err != nil {
		return nil, err
	}
	targetHop := replayHop{Domain: n.Domain, Node: n.ID, Side: target.side, Fill: true}
	for _, br := range branches {
		br.Hops = append(br.Hops, targetHop)
	}
	return &replayPlan{
		Tag:          tag,
		Target:       target,
		TargetDomain: n.Domain,
		Full:         true,
		Branches:     branches,
		UnionCount:   unionArrivals(g, branches),
	}, nil
}

type tracer struct {
	g       *Graph
	partial func(storeRef) bool
}

// traceKey walks cols (in id's output row space) upstream, building one
// branch per source. The key string is identical at every hop: every
// operator on a traceable path carries the key's values through unchanged.
func (t *tracer) traceKey(id NodeID, cols []int) ([]*replayPath, error) {
	n := t.g.Node(id)
	if n == nil {
		return nil, fmt.Errorf("%w: node %d", ErrNoSuchNode, id)
	}
	hop := replayHop{Domain: n.Domain, Node: id, Side: sideOut}

	switch cfg := n.Config.(type) {
	case BaseConfig:
		return []*replayPath{{
			Hops:       []replayHop{hop},
			SourceCols: append([]int(nil), cols...),
		}}, nil

	case AggregationConfig:
		if !t.partial(storeRef{node: id, side: sideOut}) {
			return []*replayPath{{
				Hops:       []replayHop{hop},
				SourceCols: append([]int(nil), cols...),
			}}, nil
		}
		if !colsEqual(cols, groupPositions(len(cfg.GroupBy))) {
			return nil, fmt.Errorf("aggregation %d: key %v is not its group index", id, cols)
		}
		branches, err := t.traceKey(n.Parents[0], cfg.GroupBy)
		if err != nil {
			return nil, err
		}
		hop.Fill = true
		return appendHop(branches, hop), nil

	case JoinConfig:
		s, mapped, ok := mapJoinCols(t.g, n, cfg, cols)
		if !ok {
			return nil, fmt.Errorf("join %d: key %v does not map onto one side", id, cols)
		}
		sideHop := replayHop{Domain: n.Domain, Node: id, Side: s}
		if !t.partial(storeRef{node: id, side: s}) {
			return []*replayPath{{
				Hops:       []replayHop{sideHop},
				SourceCols: mapped,
			}}, nil
		}
		if !colsEqual(mapped, joinSideCols(cfg, s)) {
			return nil, fmt.Errorf("join %d: key %v is not side %d's index", id, cols, s)
		}
		branches, err := t.traceKey(n.Parents[s], mapped)
		if err != nil {
			return nil, err
		}
		sideHop.Fill = true
		return appendHop(branches, sideHop), nil

	case FilterConfig:
		branches, err := t.traceKey(n.Parents[0], cols)
		if err != nil {
			return nil, err
		}
		return appendHop(branches, hop), nil

	case ProjectConfig:
		parentCols := make([]int, len(cols))
		for i, c := range cols {
			parentCols[i] = cfg.Columns[c]
		}
		branches, err := t.traceKey(n.Parents[0], parentCols)
		if err != nil {
			return nil, err
		}
		return appendHop(branches, hop), nil

	case UnionConfig:
		var all []*replayPath
		for _, par := range n.Parents {
			sub, err := t.traceKey(par, cols)
			if err != nil {
				return nil, err
			}
			all = append(all, appendHop(sub, hop)...)
		}
		return all, nil

	default:
		return nil, fmt.Errorf("node %d (%s) cannot feed a replay path", id, n.Kind)
	}
}

// traceFull walks upstream to the nearest full state for migration
// backfill.
func (t *tracer) traceFull(id NodeID) ([]*replayPath, error) {
	n := t.g.Node(id)
	if n == nil {
		return nil, fmt.Errorf("%w: node %d", ErrNoSuchNode, id)
	}
	hop := replayHop{Domain: n.Domain, Node: id, Side: sideOut}

	switch n.Config.(type) {
	case BaseConfig:
		return []*replayPath{{Hops: []replayHop{hop}}}, nil

	case AggregationConfig:
		if t.partial(storeRef{node: id, side: sideOut}) {
			return nil, fmt.Errorf("full state cannot be rebuilt through partial aggregation %d", id)
		}
		return []*replayPath{{Hops: []replayHop{hop}}}, nil

	case JoinConfig:
		if t.partial(storeRef{node: id, side: sideLeft}) || t.partial(storeRef{node: id, side: sideRight}) {
			return nil, fmt.Errorf("full state cannot be rebuilt through partial join %d", id)
		}
		// Snapshot the left side and run it through the join; the right
		// side is full, so every match is present.
		return []*replayPath{{Hops: []replayHop{{Domain: n.Domain, Node: id, Side: sideLeft}}}}, nil

	case FilterConfig, ProjectConfig:
		branches, err := t.traceFull(n.Parents[0])
		if err != nil {
			return nil, err
		}
		return appendHop(branches, hop), nil

	case UnionConfig:
		var all []*replayPath
		for _, par := range n.Parents {
			sub, err := t.traceFull(par)
			if err != nil {
				return nil, err
			}
			all = append(all, appendHop(sub, hop)...)
		}
		return all, nil

	default:
		return nil, fmt.Errorf("node %d (%s) cannot feed a backfill path", id, n.Kind)
	}
}

func appendHop(branches []*replayPath, hop replayHop) []*replayPath {
	for _, br := range branches {
		br.Hops = append(br.Hops, hop)
	}
	return branches
}

// mapJoinCols maps a traced key, given in the join's output row space, onto
// one input side. Output columns past the left width are right columns; an
// output column inside the left width maps right only if it is a left join
// column, whose value equals its paired right column.
func mapJoinCols(g *Graph, n *Node, cfg JoinConfig, cols []int) (side int, mapped []int, ok bool) {
	lw := g.Columns(n.Parents[0])
	left := true
	for _, c := range cols {
		if c >= lw {
			left = false
			break
		}
	}
	if left {
		return sideLeft, append([]int(nil), cols...), true
	}

	rightOut := nonJoinRightCols(g, n, cfg)
	mapped = make([]int, len(cols))
	for i, c := range cols {
		if c >= lw {
			if c-lw >= len(rightOut) {
				return 0, nil, false
			}
			mapped[i] = rightOut[c-lw]
			continue
		}
		rc := -1
		for _, pair := range cfg.On {
			if pair[0] == c {
				rc = pair[1]
				break
			}
		}
		if rc < 0 {
			return 0, nil, false
		}
		mapped[i] = rc
	}
	return sideRight, mapped, true
}

// nonJoinRightCols lists the right-parent columns that survive into the join
// output, in output order.
func nonJoinRightCols(g *Graph, n *Node, cfg JoinConfig) []int {
	skip := make(map[int]bool, len(cfg.On))
	for _, pair := range cfg.On {
		skip[pair[1]] = true
	}
	rw := g.Columns(n.Parents[1])
	out := make([]int, 0, rw-len(cfg.On))
	for c := 0; c < rw; c++ {
		if !skip[c] {
			out = append(out, c)
		}
	}
	return out
}

// groupPositions is the identity index of an aggregation's output: columns
// 0..n-1 are its group-by values.
func groupPositions(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// unionArrivals counts, per union node, how many responses meet there: the
// distinct hops immediately upstream of the union across all branches.
// Branches sharing the upstream hop have already merged above it.
func unionArrivals(g *Graph, branches []*replayPath) map[NodeID]int {
	prev := make(map[NodeID]map[NodeID]bool)
	for _, br := range branches {
		for i := 1; i < len(br.Hops); i++ {
			id := br.Hops[i].Node
			n := g.Node(id)
			if n == nil || n.Kind != OpUnion {
				continue
			}
			set := prev[id]
			if set == nil {
				set = make(map[NodeID]bool)
				prev[id] = set
			}
			set[br.Hops[i-1].Node] = true
		}
	}
	out := make(map[NodeID]int, len(prev))
	for id, set := range prev {
		out[id] = len(set)
	}
	return out
}
