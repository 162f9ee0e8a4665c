// Package tributary is an incrementally maintained materialized-view engine.
//
// Applications declare base tables and a dataflow of relational operators
// over them (filters, projections, joins, aggregations, unions) ending in
// readers. Writes to base tables stream through the graph as signed row
// changes, so reader state is always a maintained view rather than a query
// re-executed on demand.
//
// # Basic Usage
//
// Open an engine and declare a view:
//
//	eng, err := tributary.Open(tributary.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
//	var votes tributary.NodeID
//	err = eng.Migrate(func(m *tributary.Migration) error {
//	    stories, _ := m.AddNode(tributary.BaseConfig{Name: "stories", Columns: 2, Key: []int{0}})
//	    counts, _ := m.AddNode(tributary.AggregationConfig{
//	        Func: tributary.AggCount, GroupBy: []int{0},
//	    }, stories)
//	    votes, _ = m.AddNode(tributary.ReaderConfig{Key: []int{0}}, counts)
//	    return nil
//	})
//
// Write and read:
//
//	err = eng.Write(ctx, "stories", tributary.Mutation{
//	    Inserts: []tributary.Row{{"s1", "A story"}},
//	})
//	rows, err := eng.Read(ctx, votes, "s1")
//
// # Features
//
// Dataflow core:
//   - Relational operator graph compiled into domains, each a sequential
//     execution context with an ordered inbox
//   - Checktable write ordering with monotonic tokens and idempotent
//     delivery, so retries and duplicate transport delivery are safe
//   - Partial materialization: reader and operator state is filled on
//     demand by replaying upstream, and evicted back under a memory budget
//
// Live migration:
//   - Views are added to a running engine without stopping writes
//   - Staged wiring and backfill, with rollback when planning or backfill
//     fails
//
// Durability and operations:
//   - SQLite-backed write journal with token-ordered recovery
//   - Journal archiving to memory, file or S3 backends, with optional
//     AES-256-GCM encryption at rest
//   - Change streaming over channels or WebSocket
//   - Internal metrics counters and a recent-events ring
package tributary
