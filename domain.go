package tributary

import (
	"log"
)

// message is one entry in a domain's inbox. The set of implementations is
// closed: data deltas, base writes, reads, replay traffic, migration control
// and eviction hints.
type message interface{ isMessage() }

// deltaMsg carries a batch of records from one parent node to a local node's
// ingress.
type deltaMsg struct {
	node    NodeID
	from    NodeID
	records []Record
}

// writeMsg is an external client write entering a base table. The ack fires
// once the write has passed checktable validation and been accepted into the
// base node's outgoing queue, before full propagation.
type writeMsg struct {
	node    NodeID
	table   string
	token   Token
	keys    []Key
	records []Record
	ack     chan error
}

// readResult resolves one client read.
type readResult struct {
	rows []Row
	err  error
}

// readMsg is a client read against a reader node's state.
type readMsg struct {
	node NodeID
	key  Key
	resp chan readResult
}

// replayRequestMsg asks the path hop at index hop to answer a fill. The
// request walks upstream hop by hop until it finds state that can answer.
type replayRequestMsg struct {
	tag    int
	branch int
	hop    int
	key    Key
	full   bool
}

// replayResponseMsg carries fill data into the domain owning the path hop at
// index hop, in the previous hop's output space.
type replayResponseMsg struct {
	tag     int
	branch  int
	hop     int
	key     Key
	full    bool
	cut     Token
	records []Record
}

// evictMsg asks the domain to bring its partial state under budget bytes.
type evictMsg struct {
	budget int64
}

// evictKeysMsg tells a domain that upstream state backing these keys was
// evicted; the named store must drop its filled copies too.
type evictKeysMsg struct {
	node NodeID
	side int
	keys []Key
}

// controlMsg is a migration (or shutdown) control operation, acknowledged
// once applied.
type controlMsg struct {
	op  func(*domain) error
	ack chan error
}

func (*deltaMsg) isMessage()          {}
func (*writeMsg) isMessage()          {}
func (*readMsg) isMessage()           {}
func (*replayRequestMsg) isMessage()  {}
func (*replayResponseMsg) isMessage() {}
func (*evictMsg) isMessage()          {}
func (*evictKeysMsg) isMessage()      {}
func (*controlMsg) isMessage()        {}

// edge is one forwarding entry: deltas produced by a local node flow to
// (child, domain). Cross-domain entries are the explicit egress boundary; the
// receiving side's ingress is the (domain, node) address on the envelope.
type edge struct {
	child  NodeID
	domain DomainID
}

// storeRef names one store: a node's output store (sideOut) or one side of a
// join's input state.
type storeRef struct {
	node NodeID
	side int
}

const (
	sideOut   = -1
	sideLeft  = 0
	sideRight = 1
)

// aggGroup is the running accumulator for one aggregation group: the live row
// count, the running sum, and, for min/max, the multiset of aggregate-column
// values needed to recompute the extremum after a retraction.
type aggGroup struct {
	count int64
	sum   float64
	vals  []Value
}

// domain is one sequential execution context. It owns the state of its nodes
// and processes inbox messages strictly one at a time; no other goroutine
// ever touches its stores. All cross-domain effects go through the engine's
// transport.
type domain struct {
	id  DomainID
	eng *Engine

	inbox chan message
	quit  chan struct{}
	done  chan struct{}

	nodes    map[NodeID]*Node
	order    []NodeID
	children map[NodeID][]edge

	stores map[NodeID]*Store     // output stores: base, aggregation, reader
	sides  map[NodeID]*[2]*Store // join input state, left and right
	aggAux map[NodeID]map[Key]*aggGroup

	plans     map[int]*replayPlan
	planByRef map[storeRef]*replayPlan

	pending      map[storeRef]map[Key]*fill
	gathers      map[gatherID]*gather
	backfillWait map[storeRef]chan error
	inflight     int
	overflow     []fillRequest
}

func newDomain(id DomainID, eng *Engine, inboxSize int) *domain {
	return &domain{
		id:           id,
		eng:          eng,
		inbox:        make(chan message, inboxSize),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		nodes:        make(map[NodeID]*Node),
		children:     make(map[NodeID][]edge),
		stores:       make(map[NodeID]*Store),
		sides:        make(map[NodeID]*[2]*Store),
		aggAux:       make(map[NodeID]map[Key]*aggGroup),
		plans:        make(map[int]*replayPlan),
		planByRef:    make(map[storeRef]*replayPlan),
		pending:      make(map[storeRef]map[Key]*fill),
		gathers:      make(map[gatherID]*gather),
		backfillWait: make(map[storeRef]chan error),
	}
}

// run is the domain's message loop. It never blocks on anything but its own
// inbox: work that must wait (a hole being filled) is parked in the pending
// table and resumed by a later message.
func (d *domain) run() {
	defer close(d.done)
	for {
		select {
		case <-d.quit:
			return
		case m := <-d.inbox:
			d.handle(m)
		}
	}
}

func (d *domain) stop() {
	close(d.quit)
	<-d.done
}

func (d *domain) handle(m message) {
	switch t := m.(type) {
	case *deltaMsg:
		d.process(t.node, t.from, t.records)
	case *writeMsg:
		d.handleWrite(t)
	case *readMsg:
		d.handleRead(t)
	case *replayRequestMsg:
		d.handleReplayRequest(t)
	case *replayResponseMsg:
		d.handleReplayResponse(t)
	case *evictMsg:
		d.handleEvict(t.budget)
	case *evictKeysMsg:
		d.evictKeys(t.node, t.side, t.keys)
	case *controlMsg:
		t.ack <- t.op(d)
	default:
		log.Printf("tributary: domain %d: dropping unknown message %T", d.id, m)
	}
}

// handleWrite validates a base-table write against the checktable and, if it
// is still current, acknowledges it and propagates its records.
func (d *domain) handleWrite(m *writeMsg) {
	n := d.nodes[m.node]
	if n == nil || n.Kind != OpBase {
		m.ack <- ErrNoSuchNode
		return
	}
	if !d.eng.check.Validate(m.table, m.token, m.keys) {
		d.eng.metrics.incStaleWrites()
		log.Printf("tributary: domain %d: stale write to %q rejected (token %d)", d.id, m.table, m.token)
		m.ack <- ErrStaleWrite
		return
	}
	// Accepted into the outgoing queue; the client unblocks here, before
	// propagation.
	m.ack <- nil
	st := d.stores[m.node]
	kept := st.Apply(m.records)
	d.eng.metrics.incWrites()
	d.forward(n, kept)
}

// handleRead serves a client read from reader state, or hands the miss to the
// replay machinery.
func (d *domain) handleRead(m *readMsg) {
	st := d.stores[m.node]
	if st == nil {
		m.resp <- readResult{err: ErrNoSuchNode}
		return
	}
	if f := d.fillFor(storeRef{node: m.node, side: sideOut}, keyAll); f != nil {
		// Full store mid-backfill; answer once the snapshot lands.
		f.waiters = append(f.waiters, m)
		return
	}
	if rows, ok := st.Lookup(m.key); ok {
		d.eng.metrics.incReadHits()
		m.resp <- readResult{rows: cloneRows(rows)}
		return
	}
	d.eng.metrics.incReadMisses()
	d.requestFill(storeRef{node: m.node, side: sideOut}, m.key, m, nil)
}

// process runs a batch of records through one local node and forwards the
// results. Within a domain, propagation is depth-first in dependency order.
func (d *domain) process(id NodeID, from NodeID, recs []Record) {
	if len(recs) == 0 {
		return
	}
	n := d.nodes[id]
	if n == nil {
		tok := Token(0)
		if len(recs) > 0 {
			tok = recs[0].Token
		}
		log.Printf("tributary: domain %d: dropping delta for unknown node %d (token %d)", d.id, id, tok)
		d.eng.metrics.incDropped()
		return
	}
	switch cfg := n.Config.(type) {
	case BaseConfig:
		// Journal recovery injects deltas directly at the base.
		st := d.stores[id]
		d.forward(n, st.Apply(recs))
	case FilterConfig:
		d.forward(n, filterRecords(cfg, recs))
	case ProjectConfig:
		d.forward(n, projectRecords(cfg, recs))
	case UnionConfig:
		d.forward(n, recs)
	case JoinConfig:
		d.processJoin(n, cfg, from, recs)
	case AggregationConfig:
		d.processAggregation(n, cfg, recs)
	case ReaderConfig:
		d.processReader(n, recs)
	default:
		log.Printf("tributary: domain %d: node %d has unknown operator %T", d.id, id, n.Config)
	}
}

// forward sends a node's output batch to every child: same-domain children
// are processed inline in dependency order, cross-domain children through the
// egress to the child domain's ingress.
func (d *domain) forward(n *Node, recs []Record) {
	if len(recs) == 0 {
		return
	}
	for _, e := range d.children[n.ID] {
		if e.domain == d.id {
			d.process(e.child, n.ID, recs)
			continue
		}
		env := &Envelope{
			Kind:    EnvDelta,
			Domain:  e.domain,
			Node:    e.child,
			From:    n.ID,
			Base:    recs[0].Base,
			Records: recs,
		}
		if err := d.eng.transport.Send(env); err != nil {
			log.Printf("tributary: domain %d: egress to domain %d failed (token %d): %v",
				d.id, e.domain, recs[0].Token, err)
			d.eng.fail(err)
		}
	}
}

// gate partitions a batch against a store's partial-state status: records for
// filled keys pass; records for keys with an in-flight fill are buffered and
// replayed (or discarded as already-covered) when the fill resolves; records
// for plain holes are dropped, since no downstream state can have the key
// filled either.
func (d *domain) gate(ref storeRef, st *Store, from NodeID, recs []Record, outputOnly bool) []Record {
	if !st.Partial() {
		if f := d.fillFor(ref, keyAll); f != nil {
			// Full store awaiting migration backfill.
			f.buffer(bufferedDelta{from: from, recs: recs, outputOnly: outputOnly})
			return nil
		}
		return recs
	}
	pass := recs[:0:0]
	var held heldRecords
	for _, rec := range recs {
		k := KeyOf(rec.Row, st.KeyColumns())
		if st.Filled(k) {
			pass = append(pass, rec)
			continue
		}
		if f := d.fillFor(ref, k); f != nil {
			held.add(f, rec)
			continue
		}
		d.eng.metrics.incDropped()
	}
	held.flush(from, outputOnly)
	return pass
}

func (d *domain) processJoin(n *Node, cfg JoinConfig, from NodeID, recs []Record) {
	s := sideLeft
	if from == n.Parents[1] && from != n.Parents[0] {
		s = sideRight
	}
	sides := d.sides[n.ID]
	my := sides[s]
	myRef := storeRef{node: n.ID, side: s}

	pass := d.gate(myRef, my, from, recs, false)
	applied := my.Apply(pass)
	d.emitJoin(n, cfg, s, applied)
}

// emitJoin produces join outputs for records already applied to side s,
// looking up matches in the opposite side's state. A record whose opposite
// key is mid-fill is buffered under that fill and re-emitted when it lands.
func (d *domain) emitJoin(n *Node, cfg JoinConfig, s int, recs []Record) {
	sides := d.sides[n.ID]
	other := sides[1-s]
	otherRef := storeRef{node: n.ID, side: 1 - s}
	myCols := joinSideCols(cfg, s)

	var out []Record
	var held heldRecords
	for _, rec := range recs {
		k := KeyOf(rec.Row, myCols)
		rows, ok := other.Lookup(k)
		if !ok {
			if f := d.fillFor(otherRef, k); f != nil {
				held.add(f, rec)
			} else {
				d.eng.metrics.incDropped()
			}
			continue
		}
		for _, orow := range rows {
			out = append(out, joinRecord(cfg, s, rec, orow))
		}
	}
	held.flush(n.Parents[s], true)
	d.forward(n, out)
}

// processAggregation folds an input batch into its groups and emits, per
// touched group, the retraction of the old output row plus the insertion of
// the new one. Downstream consumers only ever see inserts and retracts, never
// in-place updates. Records of one batch can share a token, so the whole
// batch folds before anything is emitted and every group's output pair lands
// in a single Apply; emitting per record would trip the store's duplicate-
// delivery mark on the second record of a group.
func (d *domain) processAggregation(n *Node, cfg AggregationConfig, recs []Record) {
	st := d.stores[n.ID]
	ref := storeRef{node: n.ID, side: sideOut}
	aux := d.aggAux[n.ID]

	type groupDelta struct {
		key    Key
		oldRow Row
		sample Row
		token  Token
		base   NodeID
	}
	var order []*groupDelta
	touched := make(map[Key]*groupDelta)
	var held heldRecords

	for _, rec := range recs {
		k := KeyOf(rec.Row, cfg.GroupBy)
		if st.Partial() && !st.Filled(k) {
			if f := d.fillFor(ref, k); f != nil {
				held.add(f, rec)
			} else {
				d.eng.metrics.incDropped()
			}
			continue
		}
		g := aux[k]
		if g == nil {
			if rec.Negative {
				log.Printf("tributary: domain %d: aggregation %d: retraction for empty group %q dropped (token %d)",
					d.id, n.ID, k, rec.Token)
				continue
			}
			g = &aggGroup{}
			aux[k] = g
		}
		gd := touched[k]
		if gd == nil {
			gd = &groupDelta{key: k}
			if cur, _ := st.Lookup(k); len(cur) > 0 {
				gd.oldRow = cur[0]
			}
			touched[k] = gd
			order = append(order, gd)
		}
		foldAggRecord(cfg, g, rec)
		gd.sample = rec.Row
		if rec.Token >= gd.token {
			gd.token = rec.Token
			gd.base = rec.Base
		}
	}
	held.flush(n.Parents[0], false)

	var out []Record
	for _, gd := range order {
		g := aux[gd.key]
		var newRow Row
		if g.count > 0 {
			newRow = aggOutputRow(cfg, gd.sample, g)
		} else {
			delete(aux, gd.key)
		}
		if gd.oldRow != nil && newRow != nil && gd.oldRow.Equal(newRow) {
			// The batch netted out to no change for this group.
			continue
		}
		if gd.oldRow != nil {
			out = append(out, Record{Row: gd.oldRow, Negative: true, Token: gd.token, Base: gd.base})
		}
		if newRow != nil {
			out = append(out, Record{Row: newRow, Token: gd.token, Base: gd.base})
		}
	}
	d.forward(n, st.Apply(out))
}

func (d *domain) processReader(n *Node, recs []Record) {
	st := d.stores[n.ID]
	ref := storeRef{node: n.ID, side: sideOut}
	pass := d.gate(ref, st, n.Parents[0], recs, false)
	kept := st.Apply(pass)
	if len(kept) > 0 {
		d.eng.streams.publish(n.ID, kept)
	}
}

// handleEvict brings the domain's partial stores back under budget,
// least-recently-used keys first. Evicted keys revert to holes; correctness
// is unaffected because the next read re-fills them.
func (d *domain) handleEvict(budget int64) {
	partials := d.partialStores()
	if len(partials) == 0 {
		return
	}
	per := budget / int64(len(partials))
	for ref, st := range partials {
		evicted := st.EvictToBudget(per)
		if len(evicted) == 0 {
			continue
		}
		d.eng.metrics.addEvictions(len(evicted))
		if aux, ok := d.aggAux[ref.node]; ok && ref.side == sideOut {
			for _, k := range evicted {
				delete(aux, k)
			}
		}
		d.cascadeEvict(ref, evicted)
	}
}

// cascadeEvict drops the evicted keys from every store downstream of ref on
// an installed replay path. Deltas for a hole here are discarded, so a
// downstream store left filled would serve the key stale forever. Key-replay
// paths carry the same key string at every hop, so the evicted keys name the
// downstream entries directly.
func (d *domain) cascadeEvict(ref storeRef, keys []Key) {
	seen := make(map[storeRef]bool)
	for _, plan := range d.plans {
		if plan.Full {
			continue
		}
		for _, br := range plan.Branches {
			at := -1
			for i, hop := range br.Hops {
				if hop.Node == ref.node && hop.Side == ref.side {
					at = i
					break
				}
			}
			if at < 0 {
				continue
			}
			for _, hop := range br.Hops[at+1:] {
				if !hop.Fill {
					continue
				}
				below := storeRef{node: hop.Node, side: hop.Side}
				if below == ref || seen[below] {
					continue
				}
				seen[below] = true
				if hop.Domain == d.id {
					d.evictKeys(below.node, below.side, keys)
					continue
				}
				env := &Envelope{
					Kind:   EnvEvict,
					Domain: hop.Domain,
					Node:   below.node,
					Side:   below.side,
					Keys:   keys,
				}
				if err := d.eng.transport.Send(env); err != nil {
					log.Printf("tributary: domain %d: evict cascade to domain %d failed: %v",
						d.id, hop.Domain, err)
					d.eng.fail(err)
				}
			}
		}
	}
}

// evictKeys drops filled keys from one local store after the upstream state
// backing them was evicted.
func (d *domain) evictKeys(node NodeID, side int, keys []Key) {
	st := d.storeFor(storeRef{node: node, side: side})
	if st == nil || !st.Partial() {
		return
	}
	dropped := 0
	for _, k := range keys {
		if st.Evict(k) {
			dropped++
			if aux, ok := d.aggAux[node]; ok && side == sideOut {
				delete(aux, k)
			}
		}
	}
	if dropped > 0 {
		d.eng.metrics.addEvictions(dropped)
	}
}

func (d *domain) partialStores() map[storeRef]*Store {
	out := make(map[storeRef]*Store)
	for id, st := range d.stores {
		if st.Partial() {
			out[storeRef{node: id, side: sideOut}] = st
		}
	}
	for id, sides := range d.sides {
		for s, st := range sides {
			if st != nil && st.Partial() {
				out[storeRef{node: id, side: s}] = st
			}
		}
	}
	return out
}

// storeFor resolves a store reference.
func (d *domain) storeFor(ref storeRef) *Store {
	if ref.side == sideOut {
		return d.stores[ref.node]
	}
	if sides := d.sides[ref.node]; sides != nil {
		return sides[ref.side]
	}
	return nil
}

// reprocessBuffered replays deltas that were parked while ref's key was being
// filled, in their original arrival order.
func (d *domain) reprocessBuffered(ref storeRef, entries []bufferedDelta) {
	n := d.nodes[ref.node]
	if n == nil {
		return
	}
	for _, e := range entries {
		switch cfg := n.Config.(type) {
		case JoinConfig:
			if e.outputOnly {
				// Already applied to its own side; only the matched outputs
				// were waiting on the opposite side's fill.
				s := sideLeft
				if e.from == n.Parents[1] && e.from != n.Parents[0] {
					s = sideRight
				}
				d.emitJoin(n, cfg, s, e.recs)
			} else {
				d.processJoin(n, cfg, e.from, e.recs)
			}
		case AggregationConfig:
			d.processAggregation(n, cfg, e.recs)
		case ReaderConfig:
			d.processReader(n, e.recs)
		default:
			d.process(ref.node, e.from, e.recs)
		}
	}
}

func cloneRows(rows []Row) []Row {
	if len(rows) == 0 {
		return nil
	}
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}
