package tributary

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the tributary package.
var (
	// ErrClosed is returned when operations are attempted on a closed engine.
	ErrClosed = errors.New("engine is closed")

	// ErrNoSuchNode is returned when a node id does not resolve in the graph.
	ErrNoSuchNode = errors.New("no such node")

	// ErrStaleWrite is returned when checktable validation fails: a newer
	// token has touched one of the write's keys, so the write must be retried
	// against current state.
	ErrStaleWrite = errors.New("stale write")

	// ErrReplayTimeout is returned when an upstream domain never answered a
	// replay request within the configured bound.
	ErrReplayTimeout = errors.New("replay timeout")

	// ErrGraphInconsistency is returned when a migration references a missing
	// node or edge. The migration is rolled back.
	ErrGraphInconsistency = errors.New("graph inconsistency")

	// ErrDomainUnavailable is returned when the transport reports loss of a
	// domain. Fatal to the dataflow instance: partial state is only correct
	// while every domain's state is reachable.
	ErrDomainUnavailable = errors.New("domain unavailable")

	// ErrMigrationAborted is returned when a migration could not complete and
	// the graph was reverted to its pre-migration shape.
	ErrMigrationAborted = errors.New("migration aborted")

	// ErrReplayBackpressure is returned when a domain is already sustaining
	// its configured limit of in-flight fills and its overflow queue is full.
	ErrReplayBackpressure = errors.New("replay backpressure")
)

// WriteError reports a failed base-table write with its ordering context.
type WriteError struct {
	Table   NodeID
	Token   Token
	Message string
	Cause   error
}

func (e *WriteError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("write to node %d (token %d): %s: %v", e.Table, e.Token, e.Message, e.Cause)
	}
	return fmt.Sprintf("write to node %d (token %d): %s", e.Table, e.Token, e.Message)
}

func (e *WriteError) Unwrap() error { return e.Cause }

// ReplayError reports a failed hole fill for a specific node and key.
type ReplayError struct {
	Node    NodeID
	Key     Key
	Message string
	Cause   error
}

func (e *ReplayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("replay for node %d key %q: %s: %v", e.Node, e.Key, e.Message, e.Cause)
	}
	return fmt.Sprintf("replay for node %d key %q: %s", e.Node, e.Key, e.Message)
}

func (e *ReplayError) Unwrap() error { return e.Cause }

// MigrationError reports a failed migration. The graph has been rolled back to
// its pre-migration shape by the time this error is observed.
type MigrationError struct {
	ID      string
	Message string
	Cause   error
}

func (e *MigrationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("migration %s: %s: %v", e.ID, e.Message, e.Cause)
	}
	return fmt.Sprintf("migration %s: %s", e.ID, e.Message)
}

func (e *MigrationError) Unwrap() error { return e.Cause }

// Is lets errors.Is match a MigrationError against ErrMigrationAborted.
func (e *MigrationError) Is(target error) bool {
	return target == ErrMigrationAborted
}
