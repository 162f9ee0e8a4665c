package tributary

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Migration stages additive changes to a live dataflow graph. New nodes hang
// below existing ones; existing nodes and edges are never modified or
// removed, which is what lets the running graph keep serving reads and
// writes while the migration is in flight.
//
// A migration runs in four phases. Plan adds the nodes to the graph and
// decides state placement; Wire spins up the new domains and installs nodes,
// replay plans and finally edges, at which point live deltas start flowing
// into the new (still invisible) nodes; Backfill rebuilds every new fully
// materialized store from upstream state, in dependency order; Cutover
// atomically exposes the new readers and base tables. Any failure rolls the
// graph back to its pre-migration shape.
type Migration struct {
	eng   *Engine
	id    string
	added []NodeID
}

// ID returns the migration's unique identifier.
func (m *Migration) ID() string { return m.id }

// AddNode stages a new operator below its parents. Parents may be existing
// nodes or nodes added earlier in the same migration.
func (m *Migration) AddNode(cfg OperatorConfig, parents ...NodeID) (NodeID, error) {
	id, err := m.eng.graph.AddNode(cfg, parents...)
	if err != nil {
		return InvalidNode, err
	}
	m.added = append(m.added, id)
	return id, nil
}

// Migrate runs build against the live graph and, if it stages anything,
// executes the migration through to cutover. On any error the graph is
// rolled back and the returned error wraps ErrMigrationAborted.
func (e *Engine) Migrate(build func(*Migration) error) error {
	if e.isClosed() {
		return ErrClosed
	}
	e.migrateMu.Lock()
	defer e.migrateMu.Unlock()

	e.metrics.incMigrations()
	m := &Migration{eng: e, id: uuid.NewString()}
	if err := build(m); err != nil {
		m.removeAdded()
		e.metrics.incMigrationsFailed()
		return &MigrationError{ID: m.id, Message: "plan rejected", Cause: err}
	}
	if len(m.added) == 0 {
		return nil
	}

	run := &migrationRun{Migration: m, isNew: make(map[NodeID]bool)}
	for _, id := range m.added {
		run.isNew[id] = true
	}
	if err := run.execute(); err != nil {
		run.rollback()
		e.metrics.incMigrationsFailed()
		return &MigrationError{ID: m.id, Message: "rolled back", Cause: err}
	}
	log.Printf("tributary: migration %s: %d nodes live", m.id, len(m.added))
	return nil
}

// removeAdded unwinds the staged graph changes, newest first.
func (m *Migration) removeAdded() {
	for i := len(m.added) - 1; i >= 0; i-- {
		if err := m.eng.graph.removeNode(m.added[i]); err != nil {
			log.Printf("tributary: migration %s: rollback of node %d: %v", m.id, m.added[i], err)
		}
	}
	m.added = nil
}

type installedPlan struct {
	dom DomainID
	tag int
}

type installedEdge struct {
	dom    DomainID
	parent NodeID
	child  NodeID
}

type migrationRun struct {
	*Migration

	isNew   map[NodeID]bool
	partial map[storeRef]bool

	newDomains []*domain
	plans      []*replayPlan
	inPlans    []installedPlan
	inEdges    []installedEdge
}

func (m *migrationRun) isPartial(ref storeRef) bool { return m.partial[ref] }

func (m *migrationRun) execute() error {
	if err := m.assignDomains(); err != nil {
		return err
	}
	if err := m.placeState(); err != nil {
		return err
	}
	if err := m.buildPlans(); err != nil {
		return err
	}
	if err := m.wire(); err != nil {
		return err
	}
	if err := m.backfill(); err != nil {
		return err
	}
	m.eng.commit(m.added, m.partial)
	return nil
}

// assignDomains places each new node: base tables and readers each get their
// own domain, so one table's write volume or one view's read volume never
// stalls another; the migration's interior nodes share one compute domain.
func (m *migrationRun) assignDomains() error {
	g := m.eng.graph
	var compute *domain
	for _, id := range m.added {
		n := g.Node(id)
		var d *domain
		switch n.Kind {
		case OpBase, OpReader:
			d = m.eng.spawnDomain()
			m.newDomains = append(m.newDomains, d)
		default:
			if compute == nil {
				compute = m.eng.spawnDomain()
				m.newDomains = append(m.newDomains, compute)
			}
			d = compute
		}
		n.Domain = d.id
	}
	return nil
}

// placeState decides full versus partial for every new store, then enforces
// that no full store sits downstream of partial state: full stores force
// their upstream store frontier full. Forcing may only touch stores added by
// this migration; needing to convert an existing partial store means the
// requested view cannot be built against the live graph.
func (m *migrationRun) placeState() error {
	g := m.eng.graph
	m.partial = m.eng.clonePartiality()
	for _, id := range m.added {
		n := g.Node(id)
		switch cfg := n.Config.(type) {
		case BaseConfig:
			m.partial[storeRef{node: id, side: sideOut}] = false
		case AggregationConfig:
			m.partial[storeRef{node: id, side: sideOut}] = true
		case JoinConfig:
			m.partial[storeRef{node: id, side: sideLeft}] = cfg.Partial
			m.partial[storeRef{node: id, side: sideRight}] = cfg.Partial
		case ReaderConfig:
			m.partial[storeRef{node: id, side: sideOut}] = !cfg.Full
		}
	}
	return m.forceFullUpstream()
}

func (m *migrationRun) forceFullUpstream() error {
	g := m.eng.graph
	for changed := true; changed; {
		changed = false
		for ref, p := range m.partial {
			if p {
				continue
			}
			for _, up := range upstreamStores(g, ref) {
				if !m.partial[up] {
					continue
				}
				if !m.isNew[up.node] {
					return fmt.Errorf("full state at node %d would require converting existing partial state at node %d",
						ref.node, up.node)
				}
				m.partial[up] = false
				changed = true
			}
		}
	}
	return nil
}

// buildPlans computes replay plans for every new store: key plans for
// partial stores, backfill plans for full ones. A partial store whose key
// cannot be traced upstream falls back to full materialization, which may
// force further stores full, so planning loops until stable.
func (m *migrationRun) buildPlans() error {
	g := m.eng.graph
	for {
		retry := false
		for _, ref := range m.newStores() {
			if !m.partial[ref] {
				continue
			}
			if _, err := planKeyReplay(g, ref, 0, m.isPartial); err != nil {
				log.Printf("tributary: migration %s: %v; using full materialization", m.id, err)
				m.partial[ref] = false
				if err := m.forceFullUpstream(); err != nil {
					return err
				}
				retry = true
				break
			}
		}
		if !retry {
			break
		}
	}

	for _, ref := range m.newStores() {
		n := g.Node(ref.node)
		var (
			plan *replayPlan
			err  error
		)
		if m.partial[ref] {
			plan, err = planKeyReplay(g, ref, m.eng.nextTag(), m.isPartial)
		} else if n.Kind != OpBase {
			plan, err = planBackfill(g, ref, m.eng.nextTag(), m.isPartial)
		} else {
			continue
		}
		if err != nil {
			return err
		}
		m.plans = append(m.plans, plan)
	}
	return nil
}

// newStores lists the stores of the added nodes in dependency order.
func (m *migrationRun) newStores() []storeRef {
	g := m.eng.graph
	var out []storeRef
	for _, id := range m.added {
		switch g.Node(id).Kind {
		case OpBase, OpAggregation, OpReader:
			out = append(out, storeRef{node: id, side: sideOut})
		case OpJoin:
			out = append(out,
				storeRef{node: id, side: sideLeft},
				storeRef{node: id, side: sideRight})
		}
	}
	return out
}

// wire installs the new nodes into their domains, distributes the replay
// plans to every domain on their paths, and only then adds the forwarding
// edges. Once an edge lands, live deltas reach the new node; new full stores
// buffer them under their backfill entry, new partial stores drop deltas for
// holes, so nothing is double counted and nothing is lost.
func (m *migrationRun) wire() error {
	e := m.eng
	g := e.graph

	for _, id := range m.added {
		n := g.Node(id)
		p := m.isPartial
		if err := e.control(n.Domain, func(d *domain) error {
			return d.installNode(n, p)
		}); err != nil {
			return err
		}
	}

	for _, plan := range m.plans {
		for _, dom := range plan.domains() {
			pl := plan
			if err := e.control(dom, func(d *domain) error {
				return d.installPlan(pl)
			}); err != nil {
				return err
			}
			m.inPlans = append(m.inPlans, installedPlan{dom: dom, tag: plan.Tag})
		}
	}

	for _, id := range m.added {
		n := g.Node(id)
		for _, pid := range n.Parents {
			parent := g.Node(pid)
			child, childDom := id, n.Domain
			pnode := pid
			if err := e.control(parent.Domain, func(d *domain) error {
				return d.addEdge(pnode, child, childDom)
			}); err != nil {
				return err
			}
			m.inEdges = append(m.inEdges, installedEdge{dom: parent.Domain, parent: pid, child: id})
		}
	}
	return nil
}

// backfill rebuilds every new full store from upstream, in dependency order
// so each backfill sources from state that is already complete.
func (m *migrationRun) backfill() error {
	e := m.eng
	timeout := time.Duration(e.cfg.Migration.Timeout)
	for _, plan := range m.plans {
		if !plan.Full {
			continue
		}
		done := make(chan error, 1)
		target := plan.Target
		if err := e.control(plan.TargetDomain, func(d *domain) error {
			d.startBackfill(target, done)
			return nil
		}); err != nil {
			return err
		}
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("backfill of node %d: %w", target.node, err)
			}
		case <-time.After(timeout):
			return fmt.Errorf("backfill of node %d: %w", target.node, ErrReplayTimeout)
		}
	}
	return nil
}

// rollback undoes a partially executed migration: edges out of surviving
// domains first, so deltas stop flowing, then plans, then the new domains,
// then the staged graph nodes.
func (m *migrationRun) rollback() {
	e := m.eng
	fresh := make(map[DomainID]bool, len(m.newDomains))
	for _, d := range m.newDomains {
		fresh[d.id] = true
	}
	for i := len(m.inEdges) - 1; i >= 0; i-- {
		ie := m.inEdges[i]
		if fresh[ie.dom] {
			continue
		}
		if err := e.control(ie.dom, func(d *domain) error {
			return d.removeEdge(ie.parent, ie.child)
		}); err != nil {
			log.Printf("tributary: migration %s: rollback edge %d->%d: %v", m.id, ie.parent, ie.child, err)
		}
	}
	for _, ip := range m.inPlans {
		if fresh[ip.dom] {
			continue
		}
		tag := ip.tag
		if err := e.control(ip.dom, func(d *domain) error {
			return d.removePlan(tag)
		}); err != nil {
			log.Printf("tributary: migration %s: rollback plan %d: %v", m.id, tag, err)
		}
	}
	for _, d := range m.newDomains {
		e.dropDomain(d)
	}
	m.removeAdded()
}

// upstreamStores returns the nearest stateful stores a store's contents
// derive from.
func upstreamStores(g *Graph, ref storeRef) []storeRef {
	n := g.Node(ref.node)
	if n == nil {
		return nil
	}
	var start NodeID
	switch n.Kind {
	case OpBase:
		return nil
	case OpJoin:
		if ref.side < 0 {
			return nil
		}
		start = n.Parents[ref.side]
	default:
		start = n.Parents[0]
	}

	var out []storeRef
	var walk func(id NodeID)
	walk = func(id NodeID) {
		nn := g.Node(id)
		if nn == nil {
			return
		}
		switch nn.Kind {
		case OpBase, OpAggregation:
			out = append(out, storeRef{node: id, side: sideOut})
		case OpJoin:
			out = append(out,
				storeRef{node: id, side: sideLeft},
				storeRef{node: id, side: sideRight})
		default:
			for _, p := range nn.Parents {
				walk(p)
			}
		}
	}
	walk(start)
	return out
}

// installNode adds a node and its state to the domain. New full stores that
// will be backfilled open their keyAll entry immediately, so live deltas
// arriving before the backfill are buffered rather than applied twice.
func (d *domain) installNode(n *Node, partial func(storeRef) bool) error {
	if _, ok := d.nodes[n.ID]; ok {
		return fmt.Errorf("%w: node %d already installed", ErrGraphInconsistency, n.ID)
	}
	nc := *n
	nc.Children = nil
	d.nodes[n.ID] = &nc
	d.order = append(d.order, n.ID)

	switch cfg := n.Config.(type) {
	case BaseConfig:
		d.stores[n.ID] = newStore(cfg.Key, false)
	case AggregationConfig:
		ref := storeRef{node: n.ID, side: sideOut}
		p := partial(ref)
		d.stores[n.ID] = newStore(groupPositions(len(cfg.GroupBy)), p)
		d.aggAux[n.ID] = make(map[Key]*aggGroup)
		if !p {
			d.setFill(ref, keyAll, &fill{dropOnResolve: true})
		}
	case JoinConfig:
		var sides [2]*Store
		for s := sideLeft; s <= sideRight; s++ {
			ref := storeRef{node: n.ID, side: s}
			p := partial(ref)
			sides[s] = newStore(joinSideCols(cfg, s), p)
			if !p {
				d.setFill(ref, keyAll, &fill{dropOnResolve: true})
			}
		}
		d.sides[n.ID] = &sides
	case ReaderConfig:
		ref := storeRef{node: n.ID, side: sideOut}
		p := partial(ref)
		d.stores[n.ID] = newStore(cfg.Key, p)
		if !p {
			d.setFill(ref, keyAll, &fill{dropOnResolve: true})
		}
	}
	return nil
}

func (d *domain) installPlan(p *replayPlan) error {
	d.plans[p.Tag] = p
	if p.TargetDomain == d.id {
		d.planByRef[p.Target] = p
	}
	return nil
}

func (d *domain) removePlan(tag int) error {
	p := d.plans[tag]
	if p == nil {
		return nil
	}
	delete(d.plans, tag)
	if p.TargetDomain == d.id {
		delete(d.planByRef, p.Target)
	}
	return nil
}

func (d *domain) addEdge(parent, child NodeID, childDomain DomainID) error {
	if d.nodes[parent] == nil {
		return fmt.Errorf("%w: edge parent %d", ErrNoSuchNode, parent)
	}
	d.children[parent] = append(d.children[parent], edge{child: child, domain: childDomain})
	return nil
}

func (d *domain) removeEdge(parent, child NodeID) error {
	edges := d.children[parent]
	for i, e := range edges {
		if e.child == child {
			d.children[parent] = append(edges[:i], edges[i+1:]...)
			return nil
		}
	}
	return nil
}
