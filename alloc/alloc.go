// Package alloc assigns flow-table ids to configurable apps.
//
// Assignment is a pure function of the ordered app list, the band
// layout and the scratch tables already held: the same input always
// yields the same table ids, which is what makes reconciliation
// retries idempotent.
package alloc

import (
	"fmt"

	"github.com/upgw/pipelined"
)

// Allocator plans table assignments inside a fixed band layout.
type Allocator struct {
	bands pipelined.Bands
}

// New creates an allocator for the given band layout.
func New(bands pipelined.Bands) (*Allocator, error) {
	if err := bands.Validate(); err != nil {
		return nil, fmt.Errorf("invalid band layout: %w", err)
	}
	return &Allocator{bands: bands}, nil
}

// Bands returns the layout the allocator plans within.
func (a *Allocator) Bands() pipelined.Bands { return a.bands }

// Plan maps each app, in order, to a primary table assigned
// sequentially from the low end of the configurable band, and scratch
// tables assigned from the high end of the scratch band, first-fit.
//
// held carries the scratch tables apps hold in the committed
// topology. A surviving app keeps its scratch ids; ids held by apps
// absent from order are released. Scratch ids are never handed to a
// second app while the holder still appears in order.
func (a *Allocator) Plan(order []pipelined.App, held map[string][]pipelined.TableID) (map[string]pipelined.Assignment, error) {
	if len(order) > a.bands.Capacity() {
		return nil, &pipelined.CapacityExceededError{
			Requested: len(order),
			Capacity:  a.bands.Capacity(),
		}
	}

	surviving := make(map[string]struct{}, len(order))
	for _, app := range order {
		surviving[app.Name] = struct{}{}
	}

	// Scratch ids still referenced by surviving apps stay reserved.
	reserved := make(map[pipelined.TableID]struct{})
	for name, ids := range held {
		if _, ok := surviving[name]; !ok {
			continue
		}
		for _, id := range ids {
			reserved[id] = struct{}{}
		}
	}

	assignments := make(map[string]pipelined.Assignment, len(order))
	next := a.bands.ScratchTop
	for i, app := range order {
		assignment := pipelined.Assignment{
			Primary: a.bands.ConfigurableStart + pipelined.TableID(i),
		}
		if app.ScratchTables > 0 {
			scratch, err := a.planScratch(app, held[app.Name], reserved, &next)
			if err != nil {
				return nil, err
			}
			assignment.Scratch = scratch
		}
		assignments[app.Name] = assignment
	}
	return assignments, nil
}

// planScratch keeps an app's held scratch ids when the count still
// matches, otherwise assigns fresh ids downward from the scratch top.
func (a *Allocator) planScratch(app pipelined.App, heldIDs []pipelined.TableID, reserved map[pipelined.TableID]struct{}, next *pipelined.TableID) ([]pipelined.TableID, error) {
	if len(heldIDs) == app.ScratchTables {
		return append([]pipelined.TableID(nil), heldIDs...), nil
	}

	scratch := make([]pipelined.TableID, 0, app.ScratchTables)
	for len(scratch) < app.ScratchTables {
		if *next <= a.bands.Postamble {
			return nil, &pipelined.ScratchExhaustedError{
				App:       app.Name,
				Requested: app.ScratchTables,
				Free:      len(scratch),
			}
		}
		id := *next
		*next--
		if _, taken := reserved[id]; taken {
			continue
		}
		reserved[id] = struct{}{}
		scratch = append(scratch, id)
	}
	return scratch, nil
}
