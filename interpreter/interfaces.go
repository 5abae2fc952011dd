// Package interpreter contains the I/O interfaces of the controller
// and the executor that interprets reified actions against them. This
// is the only layer that touches the backend or the store.
package interpreter

import (
	"context"
	"io"

	"github.com/upgw/pipelined"
)

// Backend is the flow-table dataplane, treated as an ordered
// transaction service. The controller does not define the backend's
// own wire protocol.
//
// InstallRule has replace semantics: reusing a rule id atomically
// swaps the rule with no interval where neither version matches.
// SetJump stages a jump change; staged changes become visible as one
// transaction when Barrier acknowledges.
type Backend interface {
	InstallRule(ctx context.Context, table pipelined.TableID, ruleID string, match pipelined.Match, priority uint16, act pipelined.RuleAction) error
	RemoveRule(ctx context.Context, table pipelined.TableID, ruleID string) error
	SetJump(ctx context.Context, table, target pipelined.TableID) error
	Barrier(ctx context.Context) error
	ReadCounters(ctx context.Context, table pipelined.TableID) (map[string]pipelined.Counters, error)
	RuleCount(ctx context.Context, table pipelined.TableID) (int, error)
}

// TopologyReader reads the committed topology.
// GetTopology returns store.ErrNotFound before the first commit.
type TopologyReader interface {
	GetTopology(ctx context.Context) (pipelined.Topology, error)
}

// TopologyWriter persists a committed topology, replacing the
// previous one.
type TopologyWriter interface {
	SaveTopology(ctx context.Context, topo pipelined.Topology) error
}

// FlowStore persists per-subscriber flow records. Records are what
// the reconciler replays when an app's table moves.
type FlowStore interface {
	GetFlow(ctx context.Context, key pipelined.FlowKey) (pipelined.Flow, error)
	SaveFlow(ctx context.Context, flow pipelined.Flow) error
	DeleteFlow(ctx context.Context, key pipelined.FlowKey) error
	ListFlows(ctx context.Context) ([]pipelined.Flow, error)
	ListFlowsByApp(ctx context.Context, app string) ([]pipelined.Flow, error)
}

// BaselineStore persists stats relay baselines so a restarted
// controller does not re-report usage already exported.
type BaselineStore interface {
	GetBaseline(ctx context.Context, ruleID string) (pipelined.CounterBaseline, error)
	SaveBaseline(ctx context.Context, b pipelined.CounterBaseline) error
	DeleteBaseline(ctx context.Context, ruleID string) error
}

// Transactional runs store operations atomically. The callback
// receives a Store bound to the transaction; a nil return commits, an
// error rolls back.
type Transactional interface {
	RunInTransaction(ctx context.Context, fn func(Store) error) error
}

// Store combines all metadata store operations.
type Store interface {
	io.Closer
	TopologyReader
	TopologyWriter
	FlowStore
	BaselineStore
	Transactional
}
