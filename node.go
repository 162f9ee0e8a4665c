package tributary

import "fmt"

// NodeID is the stable identity of one node in the dataflow graph.
type NodeID int

// DomainID identifies one execution context. Every node is assigned to
// exactly one domain.
type DomainID int

// InvalidNode is the zero NodeID; valid ids start at 1.
const InvalidNode NodeID = 0

// OpKind enumerates the closed set of relational operators.
type OpKind int

const (
	// OpBase is an externally mutable source table.
	OpBase OpKind = iota
	// OpFilter drops rows that fail a predicate. Stateless.
	OpFilter
	// OpProject emits a column subset of each row. Stateless.
	OpProject
	// OpJoin matches rows from two parents on join columns. Stateful on both
	// sides.
	OpJoin
	// OpAggregation maintains a per-group accumulator. Stateful.
	OpAggregation
	// OpUnion merges schema-identical parents. Stateless.
	OpUnion
	// OpReader is a terminal node exposing a queryable view; the only
	// operator directly addressable by client reads.
	OpReader
)

func (k OpKind) String() string {
	switch k {
	case OpBase:
		return "base"
	case OpFilter:
		return "filter"
	case OpProject:
		return "project"
	case OpJoin:
		return "join"
	case OpAggregation:
		return "aggregation"
	case OpUnion:
		return "union"
	case OpReader:
		return "reader"
	default:
		return fmt.Sprintf("opkind(%d)", int(k))
	}
}

// OperatorConfig is the per-kind configuration payload carried by a node. The
// set of implementations is closed; engine code dispatches on the concrete
// type with exhaustive switches.
type OperatorConfig interface {
	kind() OpKind
}

// BaseConfig configures a base table.
type BaseConfig struct {
	// Name is the external name of the table, used for checktable claims and
	// journal records.
	Name string

	// Key lists the primary-key column indexes. Tokens are ordered per
	// (table, key).
	Key []int

	// Columns is the table width. Mutations are validated against it.
	Columns int
}

func (BaseConfig) kind() OpKind { return OpBase }

// CmpOp is a filter comparison operator.
type CmpOp int

const (
	CmpEq CmpOp = iota
	CmpNe
	CmpLt
	CmpLe
	CmpGt
	CmpGe
)

// Condition is one column comparison inside a filter.
type Condition struct {
	Column int
	Op     CmpOp
	Value  Value
}

// FilterConfig configures a filter node. All conditions must hold (AND).
type FilterConfig struct {
	Where []Condition
}

func (FilterConfig) kind() OpKind { return OpFilter }

// ProjectConfig configures a projection: output column i is input column
// Columns[i].
type ProjectConfig struct {
	Columns []int
}

func (ProjectConfig) kind() OpKind { return OpProject }

// JoinConfig configures an inner equi-join of two parents. On[i] pairs a left
// column with a right column. The output row is the left row followed by the
// right row with its join columns removed.
type JoinConfig struct {
	On [][2]int

	// Partial keeps the join's two input-side states partial, filled on
	// demand by replay. Default is full side state. The migration planner
	// forces full sides anyway when a fully materialized view sits
	// downstream, since full state may never depend on partial state.
	Partial bool
}

func (JoinConfig) kind() OpKind { return OpJoin }

// AggFunc enumerates supported aggregate functions.
type AggFunc int

const (
	AggCount AggFunc = iota
	AggSum
	AggMin
	AggMax
)

func (f AggFunc) String() string {
	switch f {
	case AggCount:
		return "count"
	case AggSum:
		return "sum"
	case AggMin:
		return "min"
	case AggMax:
		return "max"
	default:
		return fmt.Sprintf("aggfunc(%d)", int(f))
	}
}

// AggregationConfig configures a group aggregation. The output row is the
// group-by values followed by the aggregate value. On is ignored for
// AggCount.
type AggregationConfig struct {
	Func    AggFunc
	On      int
	GroupBy []int
}

func (AggregationConfig) kind() OpKind { return OpAggregation }

// UnionConfig configures a union of schema-identical parents.
type UnionConfig struct{}

func (UnionConfig) kind() OpKind { return OpUnion }

// ReaderConfig configures a reader node. Key lists the columns client reads
// look up by; the reader's state is indexed on them.
type ReaderConfig struct {
	Key []int

	// Full forces full materialization: every key the reader ever produces is
	// retained and reads never miss. Default is partial state with on-demand
	// replay.
	Full bool
}

func (ReaderConfig) kind() OpKind { return OpReader }

// Node is one operator in the graph. Immutable once created except for child
// edges added during migration; owned by the Graph.
type Node struct {
	ID       NodeID
	Kind     OpKind
	Config   OperatorConfig
	Parents  []NodeID
	Children []NodeID
	Domain   DomainID
}

// configKind checks that a config payload matches the declared kind.
func configKind(cfg OperatorConfig) (OpKind, error) {
	if cfg == nil {
		return 0, fmt.Errorf("nil operator config")
	}
	return cfg.kind(), nil
}
