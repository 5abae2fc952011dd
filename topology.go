package pipelined

import (
	"fmt"
	"slices"
	"sort"
)

// Assignment maps an app to the tables it occupies.
type Assignment struct {
	// Primary is the table traffic traverses.
	Primary TableID `json:"primary"`
	// Scratch lists auxiliary tables, if the app declared any.
	Scratch []TableID `json:"scratch,omitempty"`
}

// Topology is the committed mapping from apps to table ids plus the
// inter-table jump wiring. Exactly one topology is committed at any
// time; candidates exist only while a reconciliation is in flight.
//
// Topology values are immutable once built. Mutation happens by
// constructing a new value and committing it through the reconciler.
type Topology struct {
	// Generation is the configuration push this topology was built for.
	// Zero for the cold-start topology of static apps only.
	Generation uint64 `json:"generation"`

	// Order lists the configurable apps in traversal order.
	Order []string `json:"order"`

	// Assignments maps every app, static and configurable, to its tables.
	Assignments map[string]Assignment `json:"assignments"`

	// Jumps is the inter-table wiring: for each table, the table
	// traffic continues to. Scratch tables map to their return target.
	Jumps map[TableID]TableID `json:"jumps"`
}

// TableOf returns the assignment for the named app.
func (t Topology) TableOf(app string) (Assignment, bool) {
	a, ok := t.Assignments[app]
	return a, ok
}

// OwnerOf returns the app occupying the given table, primary or scratch.
func (t Topology) OwnerOf(table TableID) (string, bool) {
	for name, a := range t.Assignments {
		if a.Primary == table || slices.Contains(a.Scratch, table) {
			return name, true
		}
	}
	return "", false
}

// Tables returns every table id the topology occupies, sorted.
func (t Topology) Tables() []TableID {
	var ids []TableID
	for _, a := range t.Assignments {
		ids = append(ids, a.Primary)
		ids = append(ids, a.Scratch...)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone returns a deep copy.
func (t Topology) Clone() Topology {
	c := Topology{
		Generation:  t.Generation,
		Order:       slices.Clone(t.Order),
		Assignments: make(map[string]Assignment, len(t.Assignments)),
		Jumps:       make(map[TableID]TableID, len(t.Jumps)),
	}
	for name, a := range t.Assignments {
		c.Assignments[name] = Assignment{Primary: a.Primary, Scratch: slices.Clone(a.Scratch)}
	}
	for from, to := range t.Jumps {
		c.Jumps[from] = to
	}
	return c
}

// SameWiring reports whether two topologies place every app on the same
// tables with the same jump wiring, ignoring generation.
func (t Topology) SameWiring(o Topology) bool {
	if !slices.Equal(t.Order, o.Order) || len(t.Assignments) != len(o.Assignments) || len(t.Jumps) != len(o.Jumps) {
		return false
	}
	for name, a := range t.Assignments {
		b, ok := o.Assignments[name]
		if !ok || a.Primary != b.Primary || !slices.Equal(a.Scratch, b.Scratch) {
			return false
		}
	}
	for from, to := range t.Jumps {
		if o.Jumps[from] != to {
			return false
		}
	}
	return true
}

// Validate checks the topology invariants: pairwise distinct tables,
// and jumps that only move to strictly higher ids, except scratch
// round-trips which must return strictly above the dispatching app.
func (t Topology) Validate() error {
	seen := make(map[TableID]string)
	for name, a := range t.Assignments {
		if prev, dup := seen[a.Primary]; dup {
			return fmt.Errorf("table %d assigned to both %s and %s", a.Primary, prev, name)
		}
		seen[a.Primary] = name
		for _, s := range a.Scratch {
			if prev, dup := seen[s]; dup {
				return fmt.Errorf("scratch table %d assigned to both %s and %s", s, prev, name)
			}
			seen[s] = name
		}
	}
	scratch := make(map[TableID]string)
	for name, a := range t.Assignments {
		for _, s := range a.Scratch {
			scratch[s] = name
		}
	}
	for from, to := range t.Jumps {
		owner, isScratch := scratch[from]
		if isScratch {
			// Scratch round-trip: must land strictly above the owner's
			// primary table, or the packet could loop.
			primary := t.Assignments[owner].Primary
			if to <= primary {
				return fmt.Errorf("scratch table %d of %s returns to %d, not above primary %d", from, owner, to, primary)
			}
			continue
		}
		if to <= from {
			return fmt.Errorf("jump %d -> %d does not move forward", from, to)
		}
	}
	return nil
}
