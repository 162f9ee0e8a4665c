package tributary

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// baseMeta is the engine-side routing entry for one base table.
type baseMeta struct {
	node    NodeID
	domain  DomainID
	key     []int
	columns int
}

// Engine is a running dataflow instance: the graph, its domains, the
// checktable ordering writes, and the client-facing read/write surface.
//
// The graph itself is only ever touched under migrateMu. Everything the hot
// paths need (table and reader routing, partiality) lives in maps guarded by
// mu and updated atomically at migration cutover, so reads and writes never
// observe a half-applied migration.
type Engine struct {
	cfg       Config
	graph     *Graph
	check     *Checktable
	metrics   *metrics
	streams   *StreamHub
	retry     *Retryer
	journal   *Journal
	archive   ArchiveBackend
	local     *chanTransport
	transport Transport

	mu         sync.RWMutex
	domains    map[DomainID]*domain
	nodeDomain map[NodeID]DomainID
	bases      map[string]baseMeta
	readers    map[NodeID]DomainID
	partiality map[storeRef]bool
	nextDomain DomainID

	migrateMu sync.Mutex
	tags      atomic.Int64

	closed    atomic.Bool
	quitEvict chan struct{}
	wg        sync.WaitGroup

	failMu  sync.Mutex
	failErr error
}

// Open starts an engine with an empty graph. Tables and views are added
// through Migrate; journaled writes from a previous run are reapplied by
// Recover once the schema has been recreated.
func Open(cfg Config) (*Engine, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		graph:      NewGraph(),
		check:      NewChecktable(),
		metrics:    newMetrics(cfg.Metrics.RingSize),
		streams:    newStreamHub(),
		retry:      NewRetryer(cfg.Retry),
		local:      newChanTransport(),
		domains:    make(map[DomainID]*domain),
		nodeDomain: make(map[NodeID]DomainID),
		bases:      make(map[string]baseMeta),
		readers:    make(map[NodeID]DomainID),
		partiality: make(map[storeRef]bool),
		quitEvict:  make(chan struct{}),
	}
	e.transport = cfg.Transport
	if e.transport == nil {
		e.transport = e.local
	}

	if cfg.Journal.Path != "" {
		j, err := openJournal(cfg.Journal.Path)
		if err != nil {
			return nil, err
		}
		e.journal = j
	}
	if cfg.Archive.Backend != "" {
		b, err := newArchiveBackend(cfg.Archive)
		if err != nil {
			if e.journal != nil {
				e.journal.Close()
			}
			return nil, err
		}
		e.archive = b
	}

	if cfg.Eviction.MemoryBudget > 0 {
		e.wg.Add(1)
		go e.evictLoop()
	}
	return e, nil
}

// Close stops all domains and releases the journal. Outstanding reads fail.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	close(e.quitEvict)
	e.wg.Wait()

	e.mu.Lock()
	doms := make([]*domain, 0, len(e.domains))
	for _, d := range e.domains {
		doms = append(doms, d)
	}
	e.domains = make(map[DomainID]*domain)
	e.mu.Unlock()

	for _, d := range doms {
		d.stop()
		e.local.unregister(d.id)
	}
	e.streams.closeAll()
	if e.journal != nil {
		return e.journal.Close()
	}
	return nil
}

func (e *Engine) isClosed() bool { return e.closed.Load() }

// fail records the first fatal error. Partial state is only correct while
// every domain is reachable, so after a delivery failure the engine stops
// accepting work rather than serving wrong answers.
func (e *Engine) fail(err error) {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	if e.failErr == nil {
		e.failErr = err
		log.Printf("tributary: engine failed: %v", err)
	}
}

func (e *Engine) failed() error {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	return e.failErr
}

// Base resolves a base table by name.
func (e *Engine) Base(name string) (NodeID, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	meta, ok := e.bases[name]
	return meta.node, ok
}

// Write applies a mutation to a base table. It blocks until the write has
// been ordered by the checktable and accepted by the table's domain; full
// downstream propagation is asynchronous. A write that loses its ordering
// race is retried with a fresh token.
func (e *Engine) Write(ctx context.Context, table string, mut Mutation) error {
	if e.isClosed() {
		return ErrClosed
	}
	if err := e.failed(); err != nil {
		return err
	}
	if len(mut.Inserts) == 0 && len(mut.Deletes) == 0 {
		return nil
	}

	e.mu.RLock()
	meta, ok := e.bases[table]
	e.mu.RUnlock()
	if !ok {
		return &WriteError{Message: fmt.Sprintf("unknown table %q", table), Cause: ErrNoSuchNode}
	}
	for _, rows := range [][]Row{mut.Inserts, mut.Deletes} {
		for _, r := range rows {
			if len(r) != meta.columns {
				return &WriteError{
					Table:   meta.node,
					Message: fmt.Sprintf("row width %d, table %q has %d columns", len(r), table, meta.columns),
				}
			}
		}
	}

	keys := mut.keysOf(meta.key)
	err := e.retry.Do(ctx, func() error {
		tok := e.check.Claim(table, keys)
		recs := mut.records()
		for i := range recs {
			recs[i].Token = tok
			recs[i].Base = meta.node
		}
		ack := make(chan error, 1)
		msg := &writeMsg{node: meta.node, table: table, token: tok, keys: keys, records: recs, ack: ack}
		if err := e.post(meta.domain, msg); err != nil {
			return err
		}
		select {
		case err := <-ack:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
		if e.journal != nil {
			if err := e.journal.Append(table, tok, recs); err != nil {
				return fmt.Errorf("journal: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStaleWrite) {
			return &WriteError{Table: meta.node, Message: "lost ordering race after retries", Cause: err}
		}
		return err
	}
	return nil
}

// ViewFuture is a pending read. A miss on partial state resolves once the
// hole has been filled by replay.
type ViewFuture struct {
	resp chan readResult
}

// Await blocks until the read resolves or the context ends.
func (f *ViewFuture) Await(ctx context.Context) ([]Row, error) {
	select {
	case r := <-f.resp:
		return r.rows, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReadAsync looks up key values in a reader's state without blocking.
func (e *Engine) ReadAsync(view NodeID, vals ...Value) *ViewFuture {
	f := &ViewFuture{resp: make(chan readResult, 1)}
	if e.isClosed() {
		f.resp <- readResult{err: ErrClosed}
		return f
	}
	if err := e.failed(); err != nil {
		f.resp <- readResult{err: err}
		return f
	}
	e.mu.RLock()
	dom, ok := e.readers[view]
	e.mu.RUnlock()
	if !ok {
		f.resp <- readResult{err: fmt.Errorf("%w: view %d", ErrNoSuchNode, view)}
		return f
	}
	msg := &readMsg{node: view, key: KeyOfValues(vals), resp: f.resp}
	if err := e.post(dom, msg); err != nil {
		f.resp <- readResult{err: err}
	}
	return f
}

// Read looks up key values in a reader's state, waiting out a hole fill up
// to the configured replay timeout. A filled key with no rows returns an
// empty, non-error result.
func (e *Engine) Read(ctx context.Context, view NodeID, vals ...Value) ([]Row, error) {
	f := e.ReadAsync(view, vals...)
	tctx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.Replay.Timeout))
	defer cancel()
	rows, err := f.Await(tctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &ReplayError{
			Node: view, Key: KeyOfValues(vals), Message: "fill did not land in time", Cause: ErrReplayTimeout,
		}
	}
	return rows, err
}

// Recover reapplies journaled writes, in token order, to the current graph.
// Call it after migrations have recreated the schema; journal entries for
// tables that no longer exist are skipped.
func (e *Engine) Recover(ctx context.Context) error {
	if e.journal == nil {
		return nil
	}
	var maxTok Token
	err := e.journal.Replay(ctx, func(table string, tok Token, recs []Record) error {
		e.mu.RLock()
		meta, ok := e.bases[table]
		e.mu.RUnlock()
		if !ok {
			log.Printf("tributary: recover: skipping %d records for unknown table %q", len(recs), table)
			return nil
		}
		for i := range recs {
			recs[i].Token = tok
			recs[i].Base = meta.node
		}
		if tok > maxTok {
			maxTok = tok
		}
		return e.post(meta.domain, &deltaMsg{node: meta.node, from: meta.node, records: recs})
	})
	if err != nil {
		return err
	}
	e.check.Advance(maxTok)
	return nil
}

// ArchiveJournal exports the journal's contents to the configured archive
// backend, encrypting if so configured.
func (e *Engine) ArchiveJournal(ctx context.Context, name string) error {
	if e.journal == nil || e.archive == nil {
		return fmt.Errorf("journal archiving is not configured")
	}
	data, err := e.journal.Export(ctx)
	if err != nil {
		return err
	}
	if enc := e.cfg.Archive.Encryption; enc != nil && enc.Enabled {
		data, err = encryptSegment(data, enc.Passphrase)
		if err != nil {
			return err
		}
	}
	return e.archive.Put(ctx, name, data)
}

// post delivers a message straight into a domain's inbox.
func (e *Engine) post(dom DomainID, m message) error {
	e.mu.RLock()
	d, ok := e.domains[dom]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: domain %d", ErrDomainUnavailable, dom)
	}
	d.inbox <- m
	return nil
}

// control runs op inside the domain's message loop and waits for it.
func (e *Engine) control(dom DomainID, op func(*domain) error) error {
	ack := make(chan error, 1)
	if err := e.post(dom, &controlMsg{op: op, ack: ack}); err != nil {
		return err
	}
	return <-ack
}

// spawnDomain creates, registers and starts a fresh domain.
func (e *Engine) spawnDomain() *domain {
	e.mu.Lock()
	e.nextDomain++
	d := newDomain(e.nextDomain, e, e.cfg.Domain.InboxSize)
	e.domains[d.id] = d
	e.mu.Unlock()
	e.local.register(d.id, d.inbox)
	go d.run()
	return d
}

// dropDomain stops and unregisters a domain created by a failed migration.
func (e *Engine) dropDomain(d *domain) {
	d.stop()
	e.local.unregister(d.id)
	e.mu.Lock()
	delete(e.domains, d.id)
	e.mu.Unlock()
}

func (e *Engine) nextTag() int {
	return int(e.tags.Add(1))
}

func (e *Engine) clonePartiality() map[storeRef]bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[storeRef]bool, len(e.partiality))
	for ref, p := range e.partiality {
		out[ref] = p
	}
	return out
}

// commit is migration cutover: the staged nodes become routable, new base
// tables writable and new readers readable, in one step.
func (e *Engine) commit(added []NodeID, partial map[storeRef]bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range added {
		n := e.graph.Node(id)
		e.nodeDomain[id] = n.Domain
		switch cfg := n.Config.(type) {
		case BaseConfig:
			e.bases[cfg.Name] = baseMeta{node: id, domain: n.Domain, key: cfg.Key, columns: cfg.Columns}
		case ReaderConfig:
			e.readers[id] = n.Domain
		}
	}
	e.partiality = partial
}

// evictLoop periodically asks every domain to bring its partial state back
// under the memory budget.
func (e *Engine) evictLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Duration(e.cfg.Eviction.Interval))
	defer ticker.Stop()
	for {
		select {
		case <-e.quitEvict:
			return
		case <-ticker.C:
			e.mu.RLock()
			doms := make([]*domain, 0, len(e.domains))
			for _, d := range e.domains {
				doms = append(doms, d)
			}
			e.mu.RUnlock()
			for _, d := range doms {
				select {
				case d.inbox <- &evictMsg{budget: e.cfg.Eviction.MemoryBudget}:
				default:
					// A saturated domain skips this round.
				}
			}
		}
	}
}
