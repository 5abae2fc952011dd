// Package action contains reified effects: descriptions of backend
// and store mutations without the mutation itself. Plans built by the
// compute package are slices of these, executed by the interpreter.
package action

import (
	"github.com/upgw/pipelined"
)

// Action describes one effect to execute.
type Action interface {
	isAction()
}

// Backend actions - operations on the flow-table dataplane

// InstallRule installs or atomically replaces a rule. A rule id that
// already exists in the table is replaced in place with no interval
// where neither rule matches.
type InstallRule struct {
	Table    pipelined.TableID
	RuleID   string
	Match    pipelined.Match
	Priority uint16
	Action   pipelined.RuleAction
}

func (InstallRule) isAction() {}

// RemoveRule deletes a rule from a table.
type RemoveRule struct {
	Table  pipelined.TableID
	RuleID string
}

func (RemoveRule) isAction() {}

// SetJump stages a change of a table's jump target. Staged jumps
// become visible atomically at the next Barrier.
type SetJump struct {
	Table  pipelined.TableID
	Target pipelined.TableID
}

func (SetJump) isAction() {}

// Barrier commits all staged jumps as one transaction and waits for
// the backend acknowledgement.
type Barrier struct{}

func (Barrier) isAction() {}

// ClearTable removes every rule from a table, returning it to the pool.
type ClearTable struct {
	Table pipelined.TableID
}

func (ClearTable) isAction() {}

// Store actions - operations on the metadata store

// SaveTopology persists a committed topology.
type SaveTopology struct {
	Topology pipelined.Topology
}

func (SaveTopology) isAction() {}

// SaveFlow persists a flow record.
type SaveFlow struct {
	Flow pipelined.Flow
}

func (SaveFlow) isAction() {}

// DeleteFlow removes a flow record.
type DeleteFlow struct {
	Key pipelined.FlowKey
}

func (DeleteFlow) isAction() {}

// Sequence executes actions in order, stopping on the first error.
type Sequence struct {
	Actions []Action
}

func (Sequence) isAction() {}
