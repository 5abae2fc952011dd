package reconciler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upgw/pipelined"
	"github.com/upgw/pipelined/alloc"
	"github.com/upgw/pipelined/apps"
	"github.com/upgw/pipelined/config"
	"github.com/upgw/pipelined/interpreter"
	"github.com/upgw/pipelined/interpreter/backend/memory"
	"github.com/upgw/pipelined/interpreter/store/sqlite"
	"github.com/upgw/pipelined/logging"
	"github.com/upgw/pipelined/reconciler"
)

// samplingBackend lets a test observe or fail specific backend calls
// while delegating to the in-memory dataplane.
type samplingBackend struct {
	*memory.Backend
	onBarrier     func()
	failRuleCount map[pipelined.TableID]bool
}

func (s *samplingBackend) Barrier(ctx context.Context) error {
	if s.onBarrier != nil {
		s.onBarrier()
	}
	return s.Backend.Barrier(ctx)
}

func (s *samplingBackend) RuleCount(ctx context.Context, table pipelined.TableID) (int, error) {
	if s.failRuleCount[table] {
		return 0, nil
	}
	return s.Backend.RuleCount(ctx, table)
}

// flakyStore fails commit transactions on demand while delegating
// everything else to the real store.
type flakyStore struct {
	interpreter.Store
	failTx bool
}

func (s *flakyStore) RunInTransaction(ctx context.Context, fn func(interpreter.Store) error) error {
	if s.failTx {
		return errors.New("disk full")
	}
	return s.Store.RunInTransaction(ctx, fn)
}

type fixture struct {
	backend *samplingBackend
	store   *flakyStore
	rec     *reconciler.Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	bands := pipelined.DefaultBands()
	catalog, contract, err := apps.Default(bands)
	require.NoError(t, err)
	allocator, err := alloc.New(bands)
	require.NoError(t, err)
	sq, err := sqlite.NewInMemory(ctx, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	st := &flakyStore{Store: sq}

	backend := &samplingBackend{Backend: memory.New()}
	rec, err := reconciler.New(reconciler.Options{
		Catalog:      catalog,
		Contract:     contract,
		Allocator:    allocator,
		Store:        st,
		Backend:      backend,
		Logger:       logging.Discard(),
		Retry:        config.Retry{Attempts: 1},
		TopologyWait: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, rec.Start(ctx))

	return &fixture{backend: backend, store: st, rec: rec}
}

func push(generation uint64, services ...string) pipelined.ConfigPush {
	return pipelined.ConfigPush{Generation: generation, Services: services}
}

func TestStartBootstrapsStaticChain(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, []pipelined.TableID{0, 1, 2, 3, 20}, f.backend.Reachable(0),
		"cold start wires preamble straight through to egress")
	assert.True(t, f.backend.HasRule(0, "default:ingress"))
	assert.True(t, f.backend.HasRule(20, "default:egress"))
	assert.Equal(t, uint64(0), f.rec.Generation())
}

func TestApplyEndToEndScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Generation 1: three configurable apps land on tables 4, 5, 6.
	require.NoError(t, f.rec.Apply(ctx, push(1, "access_control_ext", "metering", "enforcement")))

	topo1 := f.rec.Committed()
	assert.Equal(t, pipelined.TableID(4), topo1.Assignments["access_control_ext"].Primary)
	assert.Equal(t, pipelined.TableID(5), topo1.Assignments["metering"].Primary)
	assert.Equal(t, pipelined.TableID(6), topo1.Assignments["enforcement"].Primary)
	assert.Equal(t, []pipelined.TableID{0, 1, 2, 3, 4, 5, 6, 20}, f.backend.Reachable(0))

	// The preamble was rewired into the band only after the band's
	// tables had their rules.
	ops := f.backend.Ops()
	jumpIdx := -1
	for i, op := range ops {
		if op.Kind == "set-jump" && op.Table == 3 && op.Target == 4 {
			jumpIdx = i
		}
	}
	require.GreaterOrEqual(t, jumpIdx, 0)
	for i, op := range ops {
		if op.Kind == "install" && op.Table >= 4 && op.Table <= 6 {
			assert.Less(t, i, jumpIdx, "rules must exist before the preamble points at them")
		}
	}

	// Generation 2: access_control_ext dropped. Table 4 is freed and
	// immediately reused by metering; enforcement slides to 5; both
	// keep their scratch tables.
	require.NoError(t, f.rec.Apply(ctx, push(2, "metering", "enforcement")))

	topo2 := f.rec.Committed()
	assert.Equal(t, pipelined.TableID(4), topo2.Assignments["metering"].Primary)
	assert.Equal(t, pipelined.TableID(5), topo2.Assignments["enforcement"].Primary)
	assert.Equal(t, topo1.Assignments["metering"].Scratch, topo2.Assignments["metering"].Scratch)
	assert.Equal(t, topo1.Assignments["enforcement"].Scratch, topo2.Assignments["enforcement"].Scratch)

	assert.Equal(t, []pipelined.TableID{0, 1, 2, 3, 4, 5, 20}, f.backend.Reachable(0))

	// The departing app's table and rules are gone.
	count, err := f.backend.Backend.RuleCount(ctx, 6)
	require.NoError(t, err)
	assert.Zero(t, count, "freed table returns to the pool empty")
	assert.False(t, f.backend.HasRule(4, "default:access_control_ext"))
	assert.True(t, f.backend.HasRule(4, "default:metering"))
}

func TestRoundTripIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Apply(ctx, push(1, "access_control_ext", "metering", "enforcement")))
	topo1 := f.rec.Committed()

	require.NoError(t, f.rec.Apply(ctx, push(2, "metering", "enforcement")))
	require.NoError(t, f.rec.Apply(ctx, push(3, "access_control_ext", "metering", "enforcement")))

	topo3 := f.rec.Committed()
	assert.True(t, topo1.SameWiring(topo3),
		"returning to an earlier ordering reproduces the same table ids")
	assert.Equal(t, uint64(3), topo3.Generation)
}

func TestMakeBeforeBreak(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two barriers run during the attempt: one committing jumps out of
	// the still-unreachable band tables, one for the cutover. At both
	// instants the old path must be intact and the new tables already
	// populated.
	var samples int
	f.backend.onBarrier = func() {
		samples++
		oldPathIntact := false
		for _, id := range f.backend.Reachable(0) {
			if id == 20 {
				oldPathIntact = true
			}
		}
		assert.True(t, oldPathIntact, "sample %d: committed path must stay whole", samples)
		assert.True(t, f.backend.HasRule(4, "default:access_control_ext"),
			"sample %d: new tables are populated before any cutover", samples)
		if samples == 1 {
			assert.Equal(t, []pipelined.TableID{0, 1, 2, 3, 20}, f.backend.Reachable(0),
				"before the cutover only the old wiring is reachable")
		}
	}

	require.NoError(t, f.rec.Apply(ctx, push(1, "access_control_ext", "metering", "enforcement")))
	f.backend.onBarrier = nil

	assert.Equal(t, 2, samples)
	assert.Equal(t, []pipelined.TableID{0, 1, 2, 3, 4, 5, 6, 20}, f.backend.Reachable(0),
		"after the cutover only the new wiring is reachable")
}

func TestVerifyFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Apply(ctx, push(1, "access_control_ext", "metering", "enforcement")))
	topo1 := f.rec.Committed()
	pathBefore := f.backend.Reachable(0)

	f.backend.failRuleCount = map[pipelined.TableID]bool{4: true}
	err := f.rec.Apply(ctx, push(2, "metering", "enforcement"))
	f.backend.failRuleCount = nil

	var backendErr *pipelined.BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "verify", backendErr.Op)

	// Pre-attempt topology retained, wiring flipped back whole, and
	// nothing of the failed candidate left allocated.
	assert.True(t, topo1.SameWiring(f.rec.Committed()))
	assert.Equal(t, uint64(1), f.rec.Generation())
	assert.Equal(t, pathBefore, f.backend.Reachable(0))
	assert.False(t, f.backend.HasRule(4, "default:metering"))
	assert.True(t, f.backend.HasRule(4, "default:access_control_ext"))
	assert.True(t, f.backend.HasRule(6, "default:enforcement"))
}

func TestInstallFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.backend.FailInstallOn(4, errors.New("table full"))
	err := f.rec.Apply(ctx, push(1, "access_control_ext"))

	var backendErr *pipelined.BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "install", backendErr.Op)
	assert.Equal(t, uint64(0), f.rec.Generation())
	assert.Equal(t, []pipelined.TableID{0, 1, 2, 3, 20}, f.backend.Reachable(0))
}

func TestCommitFailureKeepsOldRulesWired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Apply(ctx, push(1, "access_control_ext")))

	f.store.failTx = true
	err := f.rec.Apply(ctx, push(2, "metering"))
	f.store.failTx = false

	var backendErr *pipelined.BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "commit", backendErr.Op)

	// The old topology is rewired back into tables that still hold
	// every rule it had: cleanup must not run before the commit lands.
	assert.Equal(t, uint64(1), f.rec.Generation())
	assert.Equal(t, []pipelined.TableID{0, 1, 2, 3, 4, 20}, f.backend.Reachable(0))
	assert.True(t, f.backend.HasRule(4, "default:access_control_ext"),
		"every table on the restored path keeps its rules")
	assert.False(t, f.backend.HasRule(4, "default:metering"),
		"the failed candidate's rules are rolled back")

	// The next push converges normally.
	require.NoError(t, f.rec.Apply(ctx, push(3, "metering")))
	assert.True(t, f.backend.HasRule(4, "default:metering"))
	assert.False(t, f.backend.HasRule(4, "default:access_control_ext"))
}

func TestRejectedPushDoesNotConsumeGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Apply(ctx, push(1, "metering")))

	var unknown *pipelined.UnknownAppError
	require.ErrorAs(t, f.rec.Apply(ctx, push(2, "bogus")), &unknown)
	assert.Equal(t, uint64(1), f.rec.Newest(), "a rejected push leaves its generation unclaimed")

	// The same generation number is still usable by a valid push.
	require.NoError(t, f.rec.Apply(ctx, push(2, "enforcement")))
	assert.Equal(t, uint64(2), f.rec.Generation())
}

func TestStalePushRejectedOutright(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Apply(ctx, push(2, "metering")))

	err := f.rec.Apply(ctx, push(1, "enforcement"))
	var stale *pipelined.StaleGenerationError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, uint64(2), stale.Newest)
	assert.False(t, f.backend.HasRule(5, "default:enforcement"))
}

func TestSupersededAttemptAbandonsBeforeRewiring(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Apply(ctx, push(1, "metering")))

	// Generation 3 arrives while generation 2 is still installing
	// enforcement's fresh tables. Generation 2 must abandon without
	// committing any rewiring; generation 3 reconciles from the last
	// actually committed topology.
	gen3Done := make(chan error, 1)
	fired := false
	f.backend.onBarrier = func() {
		if fired {
			return
		}
		fired = true
		go func() { gen3Done <- f.rec.Apply(ctx, push(3, "metering")) }()
		deadline := time.Now().Add(2 * time.Second)
		for f.rec.Newest() != 3 {
			if time.Now().After(deadline) {
				t.Error("generation 3 was never accepted")
				return
			}
			time.Sleep(time.Millisecond)
		}
	}

	err := f.rec.Apply(ctx, push(2, "metering", "enforcement"))
	f.backend.onBarrier = nil

	var stale *pipelined.StaleGenerationError
	require.ErrorAs(t, err, &stale)
	require.NoError(t, <-gen3Done)

	assert.Equal(t, uint64(3), f.rec.Generation())
	assert.False(t, f.backend.HasRule(5, "default:enforcement"),
		"the abandoned attempt's rules are rolled back")
	topo := f.rec.Committed()
	_, hasEnforcement := topo.Assignments["enforcement"]
	assert.False(t, hasEnforcement)
}

func TestRejectUnknownService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.rec.Apply(ctx, push(1, "metering", "bogus"))
	var unknown *pipelined.UnknownAppError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "bogus", unknown.App)
	assert.Equal(t, uint64(0), f.rec.Generation())
}

func TestRejectDuplicateService(t *testing.T) {
	f := newFixture(t)

	err := f.rec.Apply(context.Background(), push(1, "metering", "metering"))
	var cfgErr *pipelined.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestRestartReplaysStoredFlows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Apply(ctx, push(1, "metering")))
	flow := pipelined.Flow{
		Key:       pipelined.FlowKey{SubscriberID: "imsi-1", FlowID: "f1"},
		App:       "metering",
		RuleID:    "flow:imsi-1:f1",
		Match:     pipelined.Match{FiveTuple: "10.0.0.1->8.8.8.8/udp"},
		Action:    pipelined.RuleAction{Action: "allow"},
		Priority:  100,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.SaveFlow(ctx, flow))

	// A fresh backend simulates a dataplane wiped by a restart; the
	// reconciler converges it from the store alone.
	bands := pipelined.DefaultBands()
	catalog, contract, err := apps.Default(bands)
	require.NoError(t, err)
	allocator, err := alloc.New(bands)
	require.NoError(t, err)
	backend := memory.New()
	rec, err := reconciler.New(reconciler.Options{
		Catalog:   catalog,
		Contract:  contract,
		Allocator: allocator,
		Store:     f.store,
		Backend:   backend,
		Logger:    logging.Discard(),
	})
	require.NoError(t, err)
	require.NoError(t, rec.Start(ctx))

	assert.Equal(t, uint64(1), rec.Generation())
	assert.Equal(t, []pipelined.TableID{0, 1, 2, 3, 4, 20}, backend.Reachable(0))
	assert.True(t, backend.HasRule(4, "flow:imsi-1:f1"), "subscriber rule replayed into metering's table")
	scratch := rec.Committed().Assignments["metering"].Scratch
	require.Len(t, scratch, 1)
	assert.True(t, backend.HasRule(scratch[0], "flow:imsi-1:f1:rx"), "accounting mirror replayed")
}

func TestAwaitStableReturnsCommittedSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.rec.Apply(ctx, push(1, "metering")))
	topo, err := f.rec.AwaitStable(ctx, "metering")
	require.NoError(t, err)
	assert.Equal(t, pipelined.TableID(4), topo.Assignments["metering"].Primary)
}
