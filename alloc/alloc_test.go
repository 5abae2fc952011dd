package alloc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upgw/pipelined"
	"github.com/upgw/pipelined/alloc"
)

func newAllocator(t *testing.T) *alloc.Allocator {
	t.Helper()
	a, err := alloc.New(pipelined.DefaultBands())
	require.NoError(t, err)
	return a
}

func apps(specs ...pipelined.App) []pipelined.App { return specs }

func TestPlanSequentialFromBandStart(t *testing.T) {
	a := newAllocator(t)
	got, err := a.Plan(apps(
		pipelined.App{Name: "access_control_ext"},
		pipelined.App{Name: "metering"},
		pipelined.App{Name: "enforcement"},
	), nil)
	require.NoError(t, err)

	assert.Equal(t, pipelined.TableID(4), got["access_control_ext"].Primary)
	assert.Equal(t, pipelined.TableID(5), got["metering"].Primary)
	assert.Equal(t, pipelined.TableID(6), got["enforcement"].Primary)
}

func TestPlanDistinctStrictlyIncreasingIDs(t *testing.T) {
	a := newAllocator(t)
	order := apps(
		pipelined.App{Name: "a", ScratchTables: 1},
		pipelined.App{Name: "b"},
		pipelined.App{Name: "c", ScratchTables: 2},
		pipelined.App{Name: "d"},
	)
	got, err := a.Plan(order, nil)
	require.NoError(t, err)

	seen := make(map[pipelined.TableID]bool)
	var prev pipelined.TableID
	for i, app := range order {
		assignment := got[app.Name]
		if i > 0 {
			assert.Greater(t, assignment.Primary, prev, "primary ids must follow input order")
		}
		prev = assignment.Primary
		for _, id := range append([]pipelined.TableID{assignment.Primary}, assignment.Scratch...) {
			assert.False(t, seen[id], "table %d assigned twice", id)
			seen[id] = true
		}
	}
}

func TestPlanDeterministic(t *testing.T) {
	a := newAllocator(t)
	order := apps(
		pipelined.App{Name: "metering", ScratchTables: 1},
		pipelined.App{Name: "enforcement", ScratchTables: 1},
	)
	first, err := a.Plan(order, nil)
	require.NoError(t, err)
	second, err := a.Plan(order, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPlanScratchFromHighEnd(t *testing.T) {
	a := newAllocator(t)
	got, err := a.Plan(apps(pipelined.App{Name: "metering", ScratchTables: 1}), nil)
	require.NoError(t, err)
	require.Len(t, got["metering"].Scratch, 1)
	assert.Equal(t, pipelined.TableID(254), got["metering"].Scratch[0])
}

func TestPlanKeepsHeldScratch(t *testing.T) {
	a := newAllocator(t)
	held := map[string][]pipelined.TableID{
		"enforcement": {253},
	}
	got, err := a.Plan(apps(
		pipelined.App{Name: "metering", ScratchTables: 1},
		pipelined.App{Name: "enforcement", ScratchTables: 1},
	), held)
	require.NoError(t, err)

	assert.Equal(t, []pipelined.TableID{253}, got["enforcement"].Scratch, "surviving app keeps its scratch ids")
	require.Len(t, got["metering"].Scratch, 1)
	assert.NotEqual(t, pipelined.TableID(253), got["metering"].Scratch[0], "held scratch id must not be reassigned")
}

func TestPlanCapacityExceeded(t *testing.T) {
	a := newAllocator(t)
	var order []pipelined.App
	for i := 0; i <= a.Bands().Capacity(); i++ {
		order = append(order, pipelined.App{Name: string(rune('a' + i))})
	}
	_, err := a.Plan(order, nil)
	var capErr *pipelined.CapacityExceededError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, a.Bands().Capacity(), capErr.Capacity)
}

func TestPlanScratchExhausted(t *testing.T) {
	tight, err := alloc.New(pipelined.Bands{ConfigurableStart: 4, Postamble: 20, ScratchTop: 22})
	require.NoError(t, err)

	_, err = tight.Plan(apps(pipelined.App{Name: "dpi", ScratchTables: 3}), nil)
	var scratchErr *pipelined.ScratchExhaustedError
	require.ErrorAs(t, err, &scratchErr)
	assert.Equal(t, "dpi", scratchErr.App)
}
