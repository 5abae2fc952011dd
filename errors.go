package pipelined

import (
	"fmt"
	"time"
)

// OwnershipConflictError is returned when a register is claimed by an
// app while a different owner is already registered.
type OwnershipConflictError struct {
	Register string
	Owner    string
	Claimant string
}

func (e *OwnershipConflictError) Error() string {
	return fmt.Sprintf("register %q is owned by %s, cannot be claimed by %s", e.Register, e.Owner, e.Claimant)
}

// UnknownScopeError is returned for a register scope outside the
// defined set.
type UnknownScopeError struct {
	Scope RegisterScope
}

func (e *UnknownScopeError) Error() string {
	return fmt.Sprintf("unknown register scope %q", e.Scope)
}

// CapacityExceededError is returned when an ordered service list is
// longer than the configurable band.
type CapacityExceededError struct {
	Requested int
	Capacity  int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("%d configurable apps requested, band holds %d", e.Requested, e.Capacity)
}

// ScratchExhaustedError is returned when scratch demand exceeds the
// remaining scratch band.
type ScratchExhaustedError struct {
	App       string
	Requested int
	Free      int
}

func (e *ScratchExhaustedError) Error() string {
	return fmt.Sprintf("app %s needs %d scratch tables, %d free in scratch band", e.App, e.Requested, e.Free)
}

// ConfigError rejects a malformed configuration push wholesale.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration rejected: %s", e.Reason)
}

// UnknownAppError is returned when a push names an app the catalog
// does not know.
type UnknownAppError struct {
	App string
}

func (e *UnknownAppError) Error() string {
	return fmt.Sprintf("unknown app %q", e.App)
}

// BackendError wraps a flow-table backend RPC failure. Backend errors
// during a reconciliation trigger rollback to the committed topology.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// StaleGenerationError reports that a reconciliation attempt was
// abandoned because a newer configuration push superseded it.
type StaleGenerationError struct {
	Generation uint64
	Newest     uint64
}

func (e *StaleGenerationError) Error() string {
	return fmt.Sprintf("generation %d superseded by %d", e.Generation, e.Newest)
}

// TopologyUnstableError reports that a flow operation timed out
// waiting for a reconciliation touching its app to settle. The caller
// may retry.
type TopologyUnstableError struct {
	App    string
	Waited time.Duration
}

func (e *TopologyUnstableError) Error() string {
	return fmt.Sprintf("topology for app %s still reconciling after %s", e.App, e.Waited)
}

// CounterAnomalyError reports a counter decrease without a detected
// rule-generation change. The relay re-baselines instead of
// propagating negative usage.
type CounterAnomalyError struct {
	RuleID   string
	Previous uint64
	Current  uint64
}

func (e *CounterAnomalyError) Error() string {
	return fmt.Sprintf("counter for rule %s went backwards: %d -> %d", e.RuleID, e.Previous, e.Current)
}
