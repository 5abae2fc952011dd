// Package memory is an in-process flow-table backend.
//
// It implements the full Backend contract: install/replace rules with
// per-rule counters, staged jump changes that flip atomically at a
// barrier, and counter reads. It backs local runs (--backend memory)
// and every reconciliation property test; the operation log and the
// reachability probe exist so tests can observe ordering and
// make-before-break behaviour from the dataplane's point of view.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/upgw/pipelined"
)

// Op records one backend operation for verification.
type Op struct {
	Kind   string // "install", "remove", "set-jump", "barrier", "clear"
	Table  pipelined.TableID
	RuleID string
	Target pipelined.TableID
}

type rule struct {
	match    pipelined.Match
	priority uint16
	action   pipelined.RuleAction
	counters pipelined.Counters
}

// Backend is the in-memory dataplane.
type Backend struct {
	mu     sync.Mutex
	tables map[pipelined.TableID]map[string]*rule
	jumps  map[pipelined.TableID]pipelined.TableID
	staged map[pipelined.TableID]pipelined.TableID
	ops    []Op

	// Error injection.
	failInstallOn map[pipelined.TableID]error
	failBarrierN  int // fail the Nth barrier (1-based); 0 never fails
	barrierCount  int
}

// New creates an empty backend.
func New() *Backend {
	return &Backend{
		tables:        make(map[pipelined.TableID]map[string]*rule),
		jumps:         make(map[pipelined.TableID]pipelined.TableID),
		staged:        make(map[pipelined.TableID]pipelined.TableID),
		failInstallOn: make(map[pipelined.TableID]error),
	}
}

// InstallRule installs or atomically replaces a rule. Replacement
// resets the rule's counters, as a real switch does.
func (b *Backend) InstallRule(ctx context.Context, table pipelined.TableID, ruleID string, match pipelined.Match, priority uint16, act pipelined.RuleAction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failInstallOn[table]; err != nil {
		return err
	}
	if b.tables[table] == nil {
		b.tables[table] = make(map[string]*rule)
	}
	b.tables[table][ruleID] = &rule{match: match, priority: priority, action: act}
	b.record(Op{Kind: "install", Table: table, RuleID: ruleID})
	return nil
}

// RemoveRule deletes a rule. Removing an absent rule is an error: the
// controller should never issue blind deletes.
func (b *Backend) RemoveRule(ctx context.Context, table pipelined.TableID, ruleID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rules := b.tables[table]
	if _, ok := rules[ruleID]; !ok {
		return fmt.Errorf("rule %s not present in table %d", ruleID, table)
	}
	delete(rules, ruleID)
	b.record(Op{Kind: "remove", Table: table, RuleID: ruleID})
	return nil
}

// SetJump stages a jump change, visible at the next Barrier.
func (b *Backend) SetJump(ctx context.Context, table, target pipelined.TableID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.staged[table] = target
	b.record(Op{Kind: "set-jump", Table: table, Target: target})
	return nil
}

// Barrier applies all staged jumps as one transaction.
func (b *Backend) Barrier(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.barrierCount++
	if b.failBarrierN != 0 && b.barrierCount == b.failBarrierN {
		b.staged = make(map[pipelined.TableID]pipelined.TableID)
		return fmt.Errorf("barrier rejected")
	}
	for table, target := range b.staged {
		b.jumps[table] = target
	}
	b.staged = make(map[pipelined.TableID]pipelined.TableID)
	b.record(Op{Kind: "barrier"})
	return nil
}

// ReadCounters returns a copy of the per-rule counters of a table.
func (b *Backend) ReadCounters(ctx context.Context, table pipelined.TableID) (map[string]pipelined.Counters, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]pipelined.Counters, len(b.tables[table]))
	for id, r := range b.tables[table] {
		out[id] = r.counters
	}
	return out, nil
}

// RuleCount returns the number of rules in a table.
func (b *Backend) RuleCount(ctx context.Context, table pipelined.TableID) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tables[table]), nil
}

// JumpTarget returns the committed jump target of a table.
func (b *Backend) JumpTarget(table pipelined.TableID) (pipelined.TableID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.jumps[table]
	return t, ok
}

// Reachable walks committed jumps from a table and reports every
// table a packet entering there can traverse.
func (b *Backend) Reachable(from pipelined.TableID) []pipelined.TableID {
	b.mu.Lock()
	defer b.mu.Unlock()
	var path []pipelined.TableID
	seen := make(map[pipelined.TableID]bool)
	for cur := from; ; {
		if seen[cur] {
			break
		}
		seen[cur] = true
		path = append(path, cur)
		next, ok := b.jumps[cur]
		if !ok {
			break
		}
		cur = next
	}
	return path
}

// HasRule reports whether the rule exists in the table.
func (b *Backend) HasRule(table pipelined.TableID, ruleID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.tables[table][ruleID]
	return ok
}

// AddTraffic bumps a rule's counters, simulating matched packets.
func (b *Backend) AddTraffic(table pipelined.TableID, ruleID string, packets, bytes uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.tables[table][ruleID]; ok {
		r.counters.Packets += packets
		r.counters.Bytes += bytes
	}
}

// Ops returns a copy of the recorded operation log.
func (b *Backend) Ops() []Op {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Op, len(b.ops))
	copy(out, b.ops)
	return out
}

// FailInstallOn makes installs into the given table fail with err.
func (b *Backend) FailInstallOn(table pipelined.TableID, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failInstallOn[table] = err
}

// FailBarrier makes the nth barrier (1-based, counted from now) fail.
func (b *Backend) FailBarrier(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failBarrierN = b.barrierCount + n
}

func (b *Backend) record(op Op) {
	b.ops = append(b.ops, op)
}
