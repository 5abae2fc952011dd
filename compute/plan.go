package compute

import (
	"slices"
	"sort"

	"github.com/upgw/pipelined"
	"github.com/upgw/pipelined/action"
)

// InstallTables returns the candidate tables the install phase must
// populate before any predecessor jump may point at them, sorted.
// Added apps contribute all their tables; moved apps only the tables
// that actually changed, so a scratch table an app keeps across the
// move is left alone and its counters survive.
func InstallTables(committed, candidate pipelined.Topology, diff Diff) []pipelined.TableID {
	var out []pipelined.TableID
	for _, name := range diff.Added {
		a, ok := candidate.Assignments[name]
		if !ok {
			continue
		}
		out = append(out, a.Primary)
		out = append(out, a.Scratch...)
	}
	for _, name := range diff.Moved {
		next, ok := candidate.Assignments[name]
		if !ok {
			continue
		}
		prev := committed.Assignments[name]
		if next.Primary != prev.Primary {
			out = append(out, next.Primary)
		}
		for _, s := range next.Scratch {
			if !slices.Contains(prev.Scratch, s) {
				out = append(out, s)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PlanInstall builds the actions that populate tables for apps the
// candidate adds or moves. rules maps each table to the rules it must
// carry: the app's default rule plus any re-anchored subscriber rules.
//
// A table unoccupied in the committed topology carries no traffic, so
// its outgoing jump is staged and committed here with no visible
// cutover. A table reused from a departing app is still live: its new
// rules coexist with the old ones until cleanup, and its jump flip is
// deferred to the rewire barrier. The committed path stays intact
// either way until PlanRewire runs.
func PlanInstall(committed, candidate pipelined.Topology, diff Diff, rules map[pipelined.TableID][]action.InstallRule) []action.Action {
	targets := InstallTables(committed, candidate, diff)
	if len(targets) == 0 {
		return nil
	}

	live := occupiedSet(committed)
	var actions []action.Action
	for _, table := range targets {
		for _, rule := range rules[table] {
			actions = append(actions, rule)
		}
	}
	staged := 0
	for _, table := range targets {
		if _, isLive := live[table]; isLive {
			continue
		}
		if target, ok := candidate.Jumps[table]; ok {
			actions = append(actions, action.SetJump{Table: table, Target: target})
			staged++
		}
	}
	if staged > 0 {
		actions = append(actions, action.Barrier{})
	}
	return actions
}

// PlanRewire builds the atomic cutover: every jump whose source table
// is occupied in both topologies and whose target changed is staged,
// then committed behind one barrier. Before the barrier traffic
// traverses the committed wiring; after it, only the candidate's.
func PlanRewire(committed, candidate pipelined.Topology) []action.Action {
	var actions []action.Action
	for _, table := range sharedTables(committed, candidate) {
		target, ok := candidate.Jumps[table]
		if !ok {
			continue
		}
		if prev, had := committed.Jumps[table]; had && prev == target {
			continue
		}
		actions = append(actions, action.SetJump{Table: table, Target: target})
	}
	if len(actions) == 0 {
		return nil
	}
	return append(actions, action.Barrier{})
}

// PlanRollback undoes a failed install attempt. The cutover never
// happened, so clearing the tables only the candidate occupies and
// deleting the rules installed into still-live tables restores the
// dataplane the committed topology describes.
func PlanRollback(committed, candidate pipelined.Topology, diff Diff, installed map[pipelined.TableID][]string) []action.Action {
	live := occupiedSet(committed)
	var actions []action.Action
	for _, table := range InstallTables(committed, candidate, diff) {
		if _, isLive := live[table]; isLive {
			for _, ruleID := range installed[table] {
				actions = append(actions, action.RemoveRule{Table: table, RuleID: ruleID})
			}
			continue
		}
		actions = append(actions, action.ClearTable{Table: table})
	}
	return actions
}

// PlanCleanup runs after the cutover barrier. Tables the candidate no
// longer occupies are cleared whole; tables handed from a departing app
// to a new one keep only the new rules, so the stale rule ids passed in
// are removed individually.
func PlanCleanup(committed, candidate pipelined.Topology, stale map[pipelined.TableID][]string) []action.Action {
	var actions []action.Action
	for _, table := range FreedTables(committed, candidate) {
		actions = append(actions, action.ClearTable{Table: table})
	}
	occupied := occupiedSet(candidate)
	tables := make([]pipelined.TableID, 0, len(stale))
	for table := range stale {
		tables = append(tables, table)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i] < tables[j] })
	for _, table := range tables {
		if _, ok := occupied[table]; !ok {
			continue // freed outright, ClearTable already covers it
		}
		for _, ruleID := range stale[table] {
			actions = append(actions, action.RemoveRule{Table: table, RuleID: ruleID})
		}
	}
	return actions
}

func occupiedSet(t pipelined.Topology) map[pipelined.TableID]struct{} {
	set := make(map[pipelined.TableID]struct{})
	for _, id := range t.Tables() {
		set[id] = struct{}{}
	}
	return set
}

func sharedTables(a, b pipelined.Topology) []pipelined.TableID {
	occupied := occupiedSet(b)
	var out []pipelined.TableID
	for _, id := range a.Tables() {
		if _, ok := occupied[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
