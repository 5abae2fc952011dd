// Package reconciler drives make-before-break topology changes using
// the fetch/compute/execute pattern.
//
// # Make-Before-Break Model
//
// A configuration push never mutates the running pipeline in place.
// The reconciler builds a candidate topology, populates every table
// the candidate introduces while the committed wiring still carries
// all traffic, and only then flips the surviving jumps behind a single
// backend barrier. A packet in flight observes either the old wiring
// or the new wiring, never a jump into an unpopulated table.
//
// The attempt model:
//  1. Diff the candidate against the committed topology (pure)
//  2. Install rules into new tables; commit jumps out of unreachable
//     tables (no visible change)
//  3. Flip surviving jumps as one barrier transaction (the cutover)
//  4. Verify rule counts; on failure flip back and clear the candidate
//  5. On success: persist topology and flow metadata in a single
//     transaction, then clean up departed rules
//
// Either the candidate commits whole or the previous topology remains
// whole. No failure path leaves the wiring in between.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go"

	"github.com/upgw/pipelined"
	"github.com/upgw/pipelined/action"
	"github.com/upgw/pipelined/alloc"
	"github.com/upgw/pipelined/apps"
	"github.com/upgw/pipelined/compute"
	"github.com/upgw/pipelined/config"
	"github.com/upgw/pipelined/epoch"
	"github.com/upgw/pipelined/interpreter"
	"github.com/upgw/pipelined/interpreter/store"
	"github.com/upgw/pipelined/metrics"
	"github.com/upgw/pipelined/registers"
)

// Options configures a Reconciler.
type Options struct {
	Catalog   *apps.Catalog
	Contract  *registers.Contract
	Allocator *alloc.Allocator
	Store     interpreter.Store
	Backend   interpreter.Backend
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// Retry is the backend RPC retry policy per phase.
	Retry config.Retry
	// BackendRPC bounds one execution attempt of a phase plan.
	BackendRPC time.Duration
	// TopologyWait bounds AwaitStable.
	TopologyWait time.Duration
}

// Reconciler owns the committed topology and serializes configuration
// pushes against it.
type Reconciler struct {
	catalog   *apps.Catalog
	contract  *registers.Contract
	allocator *alloc.Allocator
	store     interpreter.Store
	backend   interpreter.Backend
	executor  interpreter.ActionExecutor
	guard     *epoch.Guard
	metrics   *metrics.Metrics
	logger    *slog.Logger

	retryCfg     config.Retry
	backendRPC   time.Duration
	topologyWait time.Duration

	// newest is the highest generation accepted so far. An in-flight
	// attempt compares its own generation against this at phase
	// boundaries and abandons itself once superseded.
	newest atomic.Uint64

	mu        sync.Mutex
	committed pipelined.Topology
	// busy names the apps whose tables the in-flight attempt touches.
	busy map[string]struct{}
	// settled is closed when the in-flight attempt leaves its epoch.
	settled chan struct{}
}

// New creates a Reconciler. Call Start before accepting pushes.
func New(opts Options) (*Reconciler, error) {
	if opts.Catalog == nil || opts.Allocator == nil || opts.Store == nil || opts.Backend == nil {
		return nil, fmt.Errorf("reconciler: catalog, allocator, store and backend are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewUnregistered()
	}
	retryCfg := opts.Retry
	if retryCfg.Attempts == 0 {
		retryCfg.Attempts = 1
	}
	topologyWait := opts.TopologyWait
	if topologyWait <= 0 {
		topologyWait = 5 * time.Second
	}
	return &Reconciler{
		catalog:      opts.Catalog,
		contract:     opts.Contract,
		allocator:    opts.Allocator,
		store:        opts.Store,
		backend:      opts.Backend,
		executor:     interpreter.NewExecutor(opts.Store, opts.Backend),
		guard:        epoch.NewGuard(),
		metrics:      m,
		logger:       WithOpIDHandler(logger).With("component", "reconciler"),
		retryCfg:     retryCfg,
		backendRPC:   opts.BackendRPC,
		topologyWait: topologyWait,
	}, nil
}

// Start converges the dataplane with the stored topology. At cold
// start with an empty store it builds and persists the static-only
// topology. Stored subscriber flows are replayed into the tables their
// apps occupy, so a controller restart does not strand live sessions.
func (r *Reconciler) Start(ctx context.Context) error {
	ctx = WithOpID(ctx)

	// FETCH
	topo, err := r.store.GetTopology(ctx)
	if errors.Is(err, store.ErrNotFound) {
		topo, err = compute.BuildTopology(0, r.catalog.Statics(), nil, nil, r.allocator.Bands())
		if err != nil {
			return fmt.Errorf("build static topology: %w", err)
		}
		if err := r.store.SaveTopology(ctx, topo); err != nil {
			return fmt.Errorf("persist static topology: %w", err)
		}
		r.logger.InfoContext(ctx, "cold start, committed static topology")
	} else if err != nil {
		return fmt.Errorf("load topology: %w", err)
	}

	flows, err := r.store.ListFlows(ctx)
	if err != nil {
		return fmt.Errorf("list flows: %w", err)
	}

	// COMPUTE
	plan, skipped := r.bootstrapActions(topo, flows)
	for _, f := range skipped {
		r.logger.WarnContext(ctx, "stored flow references app absent from topology, skipping",
			"flow", f.Key, "app", f.App)
	}

	// EXECUTE
	if err := r.execute(ctx, plan); err != nil {
		return &pipelined.BackendError{Op: "bootstrap", Err: err}
	}

	r.setCommitted(topo)
	r.newest.Store(topo.Generation)
	r.logger.InfoContext(ctx, "converged with stored topology",
		"generation", topo.Generation,
		"apps", len(topo.Assignments),
		"flows", len(flows)-len(skipped))
	return nil
}

// bootstrapActions builds the full dataplane state for a topology:
// default rules, replayed subscriber rules, and all jumps behind one
// barrier. Pure.
func (r *Reconciler) bootstrapActions(topo pipelined.Topology, flows []pipelined.Flow) ([]action.Action, []pipelined.Flow) {
	var plan []action.Action
	for _, id := range topo.Tables() {
		owner, ok := topo.OwnerOf(id)
		if !ok {
			continue
		}
		app, ok := r.catalog.Lookup(owner)
		if !ok || app.Name == "" {
			continue
		}
		if topo.Assignments[owner].Primary == id {
			plan = append(plan, apps.DefaultRule(app, id))
		}
	}

	var skipped []pipelined.Flow
	for _, f := range flows {
		app, known := r.catalog.Lookup(f.App)
		assignment, placed := topo.TableOf(f.App)
		if !known || !placed {
			skipped = append(skipped, f)
			continue
		}
		for _, rule := range apps.FlowRules(app, assignment, f) {
			plan = append(plan, rule)
		}
	}

	for _, id := range topo.Tables() {
		if target, ok := topo.Jumps[id]; ok {
			plan = append(plan, action.SetJump{Table: id, Target: target})
		}
	}
	return append(plan, action.Barrier{}), skipped
}

// Committed returns a snapshot of the committed topology.
func (r *Reconciler) Committed() pipelined.Topology {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed.Clone()
}

// Generation returns the generation of the committed topology.
func (r *Reconciler) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed.Generation
}

// Newest returns the highest configuration generation accepted so far,
// committed or not.
func (r *Reconciler) Newest() uint64 {
	return r.newest.Load()
}

// AwaitStable returns the committed topology once no reconciliation is
// touching app's tables, waiting up to the configured bound. On
// timeout it returns TopologyUnstableError; the caller may retry.
func (r *Reconciler) AwaitStable(ctx context.Context, app string) (pipelined.Topology, error) {
	deadline := time.Now().Add(r.topologyWait)
	for {
		r.mu.Lock()
		_, reconciling := r.busy[app]
		settled := r.settled
		topo := r.committed
		r.mu.Unlock()

		if !reconciling {
			return topo.Clone(), nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return pipelined.Topology{}, &pipelined.TopologyUnstableError{App: app, Waited: r.topologyWait}
		}
		timer := time.NewTimer(remaining)
		select {
		case <-settled:
			timer.Stop()
		case <-timer.C:
			return pipelined.Topology{}, &pipelined.TopologyUnstableError{App: app, Waited: r.topologyWait}
		case <-ctx.Done():
			timer.Stop()
			return pipelined.Topology{}, ctx.Err()
		}
	}
}

// Apply reconciles a configuration push. Pushes are validated and
// ordered by generation; a push superseded before or during its
// attempt returns StaleGenerationError with no wiring change from it
// committed.
func (r *Reconciler) Apply(ctx context.Context, push pipelined.ConfigPush) error {
	ctx = WithOpID(ctx)
	start := time.Now()

	err := r.apply(ctx, push)
	r.metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	r.metrics.ReconcileAttempts.WithLabelValues(outcome(err)).Inc()
	return err
}

func (r *Reconciler) apply(ctx context.Context, push pipelined.ConfigPush) error {
	if err := push.Validate(); err != nil {
		return err
	}

	order, err := r.catalog.Resolve(push.Services)
	if err != nil {
		return err
	}
	if r.contract != nil {
		for _, app := range order {
			if err := r.contract.ValidateApp(app); err != nil {
				return &pipelined.ConfigError{Reason: err.Error()}
			}
		}
	}

	// A push claims its generation only once fully validated, so a
	// rejected push neither supersedes an in-flight attempt nor burns
	// the number. The claim precedes queueing for the epoch, letting
	// an in-flight older attempt see it has been superseded.
	for {
		n := r.newest.Load()
		if push.Generation <= n {
			return &pipelined.StaleGenerationError{Generation: push.Generation, Newest: n}
		}
		if r.newest.CompareAndSwap(n, push.Generation) {
			break
		}
	}

	var alerted *pipelined.CapacityExceededError
	var scratchErr *pipelined.ScratchExhaustedError
	err = r.guard.Run(ctx, push.Generation, func(ctx context.Context, scope epoch.WriterScope) error {
		return r.reconcile(ctx, scope, order)
	})
	if errors.As(err, &alerted) || errors.As(err, &scratchErr) {
		r.metrics.CapacityAlerts.Inc()
	}
	return err
}

// reconcile is one attempt inside the topology epoch.
func (r *Reconciler) reconcile(ctx context.Context, scope epoch.WriterScope, order []pipelined.App) error {
	generation := scope.Generation()
	if n := r.newest.Load(); n != generation {
		r.logger.InfoContext(ctx, "attempt superseded while queued", "generation", generation, "newest", n)
		return &pipelined.StaleGenerationError{Generation: generation, Newest: n}
	}

	committed := r.Committed()

	// Diffing: plan the candidate. Failure here rejects the push with
	// no backend mutation performed.
	assignments, err := r.allocator.Plan(order, heldScratch(committed))
	if err != nil {
		return err
	}
	candidate, err := compute.BuildTopology(generation, r.catalog.Statics(), order, assignments, r.allocator.Bands())
	if err != nil {
		return err
	}
	diff := compute.DiffTopologies(committed, candidate)

	r.logger.InfoContext(ctx, "planned candidate topology",
		"generation", generation,
		"added", diff.Added,
		"removed", diff.Removed,
		"moved", diff.Moved)

	if diff.Empty() && committed.SameWiring(candidate) {
		if err := r.store.SaveTopology(ctx, candidate); err != nil {
			return fmt.Errorf("persist generation %d: %w", generation, err)
		}
		r.setCommitted(candidate)
		r.logger.InfoContext(ctx, "wiring unchanged, committed generation", "generation", generation)
		return nil
	}

	r.beginEpoch(diff)
	defer r.endEpoch()

	// Installing: populate every table the candidate introduces while
	// the committed wiring still carries all traffic.
	rules, err := r.installRules(ctx, candidate, diff)
	if err != nil {
		return err
	}
	if err := r.execute(ctx, compute.PlanInstall(committed, candidate, diff, rules)); err != nil {
		r.rollbackInstall(ctx, committed, candidate, diff, rules)
		return &pipelined.BackendError{Op: "install", Err: err}
	}

	// A newer push arrived during install: abandon before any rewiring
	// so nothing of this generation is ever committed.
	if n := r.newest.Load(); n != generation {
		r.logger.InfoContext(ctx, "attempt superseded during install, abandoning", "generation", generation, "newest", n)
		r.rollbackInstall(ctx, committed, candidate, diff, rules)
		return &pipelined.StaleGenerationError{Generation: generation, Newest: n}
	}

	// Re-wiring: the cutover barrier. A failed barrier discards the
	// staged flips, so the committed wiring is still whole.
	if err := r.execute(ctx, compute.PlanRewire(committed, candidate)); err != nil {
		r.rollbackInstall(ctx, committed, candidate, diff, rules)
		return &pipelined.BackendError{Op: "rewire", Err: err}
	}

	// Verifying: confirm the backend holds everything we installed.
	if err := r.verify(ctx, committed, candidate, diff, rules); err != nil {
		r.logger.ErrorContext(ctx, "verification failed, rolling back", "generation", generation, "error", err)
		if rbErr := r.execute(ctx, compute.PlanRewire(candidate, committed)); rbErr != nil {
			r.logger.ErrorContext(ctx, "rollback rewire failed", "generation", generation, "error", rbErr)
			return errors.Join(&pipelined.BackendError{Op: "verify", Err: err},
				fmt.Errorf("rollback failed: %w", rbErr))
		}
		r.rollbackInstall(ctx, committed, candidate, diff, rules)
		return &pipelined.BackendError{Op: "verify", Err: err}
	}

	// Departed rule ids are listed now, before the commit transaction
	// deletes their flow records. Touching the backend waits for the
	// commit: a failed commit rewires the old topology back, and every
	// table it routes through must still hold its rules.
	stale, staleErr := r.staleRules(ctx, committed, candidate, diff)
	if staleErr != nil {
		r.logger.WarnContext(ctx, "listing departed rules failed, leaving cleanup to the next attempt", "error", staleErr)
	}

	// Commit: topology and flow metadata change together or not at all.
	err = r.store.RunInTransaction(ctx, func(tx interpreter.Store) error {
		if err := tx.SaveTopology(ctx, candidate); err != nil {
			return err
		}
		return dropDepartedFlows(ctx, tx, diff.Removed)
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "commit failed, rewiring back", "generation", generation, "error", err)
		if rbErr := r.execute(ctx, compute.PlanRewire(candidate, committed)); rbErr != nil {
			return errors.Join(&pipelined.BackendError{Op: "commit", Err: err},
				fmt.Errorf("rollback failed: %w", rbErr))
		}
		r.rollbackInstall(ctx, committed, candidate, diff, rules)
		return &pipelined.BackendError{Op: "commit", Err: err}
	}

	r.setCommitted(candidate)

	// Cleanup: departed rules and freed tables are unreachable after
	// the cutover, so a failure here cannot un-wire the candidate; it
	// is logged and the next attempt retakes the leftovers.
	if staleErr == nil {
		if err := r.execute(ctx, compute.PlanCleanup(committed, candidate, stale)); err != nil {
			r.logger.WarnContext(ctx, "cleanup incomplete", "generation", generation, "error", err)
		}
	}

	r.logger.InfoContext(ctx, "committed topology",
		"generation", generation,
		"order", candidate.Order)
	return nil
}

// installRules builds the desired rule set per install-phase table:
// each arriving or moving app's default rule plus its stored
// subscriber rules, re-anchored to the candidate tables.
func (r *Reconciler) installRules(ctx context.Context, candidate pipelined.Topology, diff compute.Diff) (map[pipelined.TableID][]action.InstallRule, error) {
	rules := make(map[pipelined.TableID][]action.InstallRule)
	for _, name := range append(append([]string(nil), diff.Added...), diff.Moved...) {
		app, ok := r.catalog.Lookup(name)
		if !ok {
			return nil, &pipelined.UnknownAppError{App: name}
		}
		assignment := candidate.Assignments[name]
		rules[assignment.Primary] = append(rules[assignment.Primary], apps.DefaultRule(app, assignment.Primary))

		flows, err := r.store.ListFlowsByApp(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("list flows for %s: %w", name, err)
		}
		for _, f := range flows {
			for _, rule := range apps.FlowRules(app, assignment, f) {
				rules[rule.Table] = append(rules[rule.Table], rule)
			}
		}
	}
	return rules, nil
}

// staleRules lists the rule ids departing apps leave behind in tables
// the candidate still occupies, keyed by the table they sit in. Tables
// an app keeps across a move are not stale: their rules, counters
// included, stay live.
func (r *Reconciler) staleRules(ctx context.Context, committed, candidate pipelined.Topology, diff compute.Diff) (map[pipelined.TableID][]string, error) {
	stale := make(map[pipelined.TableID][]string)
	for _, name := range append(append([]string(nil), diff.Removed...), diff.Moved...) {
		prev, ok := committed.TableOf(name)
		if !ok {
			continue
		}
		next, _ := candidate.TableOf(name)
		primaryStale := prev.Primary != next.Primary
		scratchStale := len(prev.Scratch) > 0 &&
			(len(next.Scratch) == 0 || prev.Scratch[0] != next.Scratch[0])

		if primaryStale {
			stale[prev.Primary] = append(stale[prev.Primary], apps.DefaultRuleID(name))
		}
		if !primaryStale && !scratchStale {
			continue
		}
		flows, err := r.store.ListFlowsByApp(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("list flows for %s: %w", name, err)
		}
		app, _ := r.catalog.Lookup(name)
		for _, f := range flows {
			if primaryStale {
				stale[prev.Primary] = append(stale[prev.Primary], f.RuleID)
			}
			if app.Accounting && scratchStale {
				stale[prev.Scratch[0]] = append(stale[prev.Scratch[0]], apps.AccountingRuleIDs(f.RuleID)...)
			}
		}
	}
	return stale, nil
}

// verify checks that every install-phase table holds at least the
// rules this attempt put there. The barrier acknowledgements were
// already required by the executor.
func (r *Reconciler) verify(ctx context.Context, committed, candidate pipelined.Topology, diff compute.Diff, rules map[pipelined.TableID][]action.InstallRule) error {
	for _, table := range compute.InstallTables(committed, candidate, diff) {
		want := len(rules[table])
		if want == 0 {
			continue
		}
		got, err := r.backend.RuleCount(ctx, table)
		if err != nil {
			return fmt.Errorf("count rules in table %d: %w", table, err)
		}
		if got < want {
			return fmt.Errorf("table %d holds %d rules, expected at least %d", table, got, want)
		}
	}
	return nil
}

// rollbackInstall removes everything the install phase added. Best
// effort: the cutover never happened, so leftovers are unreachable and
// the next attempt's cleanup will retake them.
func (r *Reconciler) rollbackInstall(ctx context.Context, committed, candidate pipelined.Topology, diff compute.Diff, rules map[pipelined.TableID][]action.InstallRule) {
	installed := make(map[pipelined.TableID][]string, len(rules))
	for table, tableRules := range rules {
		for _, rule := range tableRules {
			installed[table] = append(installed[table], rule.RuleID)
		}
	}
	if err := r.execute(ctx, compute.PlanRollback(committed, candidate, diff, installed)); err != nil {
		r.logger.ErrorContext(ctx, "install rollback incomplete", "error", err)
	}
}

// execute runs a phase plan against the backend with the configured
// retry policy. Plans are idempotent: installs replace, jump staging
// overwrites, so a retry after partial failure converges.
func (r *Reconciler) execute(ctx context.Context, plan []action.Action) error {
	if len(plan) == 0 {
		return nil
	}
	return retry.Do(
		func() error {
			attemptCtx := ctx
			if r.backendRPC > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, r.backendRPC)
				defer cancel()
			}
			return r.executor.ExecuteAll(attemptCtx, plan)
		},
		retry.Attempts(r.retryCfg.Attempts),
		retry.Delay(r.retryCfg.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
}

func (r *Reconciler) setCommitted(topo pipelined.Topology) {
	r.mu.Lock()
	r.committed = topo
	r.mu.Unlock()
	r.metrics.CommittedGeneration.Set(float64(topo.Generation))
}

func (r *Reconciler) beginEpoch(diff compute.Diff) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy = make(map[string]struct{})
	for _, names := range [][]string{diff.Added, diff.Removed, diff.Moved} {
		for _, name := range names {
			r.busy[name] = struct{}{}
		}
	}
	r.settled = make(chan struct{})
}

func (r *Reconciler) endEpoch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy = nil
	if r.settled != nil {
		close(r.settled)
		r.settled = nil
	}
}

// dropDepartedFlows deletes the flow records and counter baselines of
// removed apps inside the commit transaction.
func dropDepartedFlows(ctx context.Context, tx interpreter.Store, removed []string) error {
	for _, name := range removed {
		flows, err := tx.ListFlowsByApp(ctx, name)
		if err != nil {
			return fmt.Errorf("list flows for %s: %w", name, err)
		}
		for _, f := range flows {
			if err := tx.DeleteFlow(ctx, f.Key); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			for _, id := range apps.AccountingRuleIDs(f.RuleID) {
				if err := tx.DeleteBaseline(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
					return err
				}
			}
		}
	}
	return nil
}

// heldScratch extracts the scratch tables apps hold in a topology.
func heldScratch(topo pipelined.Topology) map[string][]pipelined.TableID {
	held := make(map[string][]pipelined.TableID)
	for _, name := range topo.Order {
		if s := topo.Assignments[name].Scratch; len(s) > 0 {
			held[name] = s
		}
	}
	return held
}

// outcome maps an Apply error to the attempts metric label.
func outcome(err error) string {
	if err == nil {
		return "committed"
	}
	var stale *pipelined.StaleGenerationError
	if errors.As(err, &stale) {
		return "stale"
	}
	var backend *pipelined.BackendError
	if errors.As(err, &backend) {
		return "rolled_back"
	}
	return "rejected"
}
