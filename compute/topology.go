// Package compute contains pure functions for pipeline planning.
// Functions in this package perform no I/O - they transform committed
// and candidate topologies into actions for the interpreter to execute.
package compute

import (
	"fmt"
	"sort"

	"github.com/upgw/pipelined"
)

// BuildTopology wires a candidate topology from an assignment plan.
//
// Static apps chain in fixed-table order. The last preamble table jumps
// to the first configurable primary, each configurable primary jumps to
// the next, and the last one jumps to the postamble. Scratch tables
// return to the successor of their owning app, which keeps every
// round-trip moving strictly forward.
func BuildTopology(generation uint64, statics, order []pipelined.App, assignments map[string]pipelined.Assignment, bands pipelined.Bands) (pipelined.Topology, error) {
	topo := pipelined.Topology{
		Generation:  generation,
		Order:       make([]string, 0, len(order)),
		Assignments: make(map[string]pipelined.Assignment, len(statics)+len(order)),
		Jumps:       make(map[pipelined.TableID]pipelined.TableID),
	}

	preamble := make([]pipelined.App, 0, len(statics))
	for _, app := range statics {
		if !app.IsStatic() {
			return pipelined.Topology{}, fmt.Errorf("app %s is not static", app.Name)
		}
		topo.Assignments[app.Name] = pipelined.Assignment{Primary: app.FixedTable}
		if app.FixedTable < bands.ConfigurableStart {
			preamble = append(preamble, app)
		}
	}
	sort.Slice(preamble, func(i, j int) bool { return preamble[i].FixedTable < preamble[j].FixedTable })

	// Entry into the configurable band: first primary in order, or
	// straight to the postamble when no configurable apps are active.
	head := bands.Postamble
	if len(order) > 0 {
		first, ok := assignments[order[0].Name]
		if !ok {
			return pipelined.Topology{}, fmt.Errorf("app %s has no assignment", order[0].Name)
		}
		head = first.Primary
	}

	for i, app := range preamble {
		if i+1 < len(preamble) {
			topo.Jumps[app.FixedTable] = preamble[i+1].FixedTable
			continue
		}
		topo.Jumps[app.FixedTable] = head
	}

	for i, app := range order {
		assignment, ok := assignments[app.Name]
		if !ok {
			return pipelined.Topology{}, fmt.Errorf("app %s has no assignment", app.Name)
		}
		topo.Order = append(topo.Order, app.Name)
		topo.Assignments[app.Name] = assignment

		next := bands.Postamble
		if i+1 < len(order) {
			succ, ok := assignments[order[i+1].Name]
			if !ok {
				return pipelined.Topology{}, fmt.Errorf("app %s has no assignment", order[i+1].Name)
			}
			next = succ.Primary
		}
		topo.Jumps[assignment.Primary] = next
		for _, scratch := range assignment.Scratch {
			topo.Jumps[scratch] = next
		}
	}

	if err := topo.Validate(); err != nil {
		return pipelined.Topology{}, fmt.Errorf("candidate topology: %w", err)
	}
	return topo, nil
}
