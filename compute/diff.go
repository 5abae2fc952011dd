package compute

import (
	"slices"
	"sort"

	"github.com/upgw/pipelined"
)

// Diff classifies the configurable apps of a candidate topology against
// the committed one.
type Diff struct {
	// Added apps appear only in the candidate.
	Added []string
	// Removed apps appear only in the committed topology.
	Removed []string
	// Moved apps appear in both but occupy different tables.
	Moved []string
	// Unchanged apps keep their exact assignment.
	Unchanged []string
}

// Empty reports whether the diff requires no dataplane work.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Moved) == 0
}

// DiffTopologies compares the configurable apps of two topologies.
// Static apps never move, so they are left out.
func DiffTopologies(committed, candidate pipelined.Topology) Diff {
	var d Diff
	inCommitted := make(map[string]pipelined.Assignment, len(committed.Order))
	for _, name := range committed.Order {
		inCommitted[name] = committed.Assignments[name]
	}

	inCandidate := make(map[string]struct{}, len(candidate.Order))
	for _, name := range candidate.Order {
		inCandidate[name] = struct{}{}
		prev, ok := inCommitted[name]
		if !ok {
			d.Added = append(d.Added, name)
			continue
		}
		next := candidate.Assignments[name]
		if prev.Primary == next.Primary && slices.Equal(prev.Scratch, next.Scratch) {
			d.Unchanged = append(d.Unchanged, name)
		} else {
			d.Moved = append(d.Moved, name)
		}
	}

	for _, name := range committed.Order {
		if _, ok := inCandidate[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	return d
}

// NewTables returns the candidate tables not occupied in the committed
// topology, sorted. These are the tables the install phase populates.
func NewTables(committed, candidate pipelined.Topology) []pipelined.TableID {
	return tableDifference(candidate, committed)
}

// FreedTables returns the committed tables not occupied in the
// candidate, sorted. These return to the pool during cleanup.
func FreedTables(committed, candidate pipelined.Topology) []pipelined.TableID {
	return tableDifference(committed, candidate)
}

func tableDifference(a, b pipelined.Topology) []pipelined.TableID {
	occupied := make(map[pipelined.TableID]struct{})
	for _, id := range b.Tables() {
		occupied[id] = struct{}{}
	}
	var out []pipelined.TableID
	for _, id := range a.Tables() {
		if _, ok := occupied[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
