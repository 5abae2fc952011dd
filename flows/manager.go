// Package flows manages the lifecycle of per-subscriber rules inside
// whatever table their owning app currently occupies.
//
// Every operation resolves the app's table from the committed topology
// at call time, blocking briefly if a reconciliation is moving that
// app. Updates are a single atomic rule replacement: there is never an
// interval where neither the old nor the new rule matches.
package flows

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/upgw/pipelined"
	"github.com/upgw/pipelined/action"
	"github.com/upgw/pipelined/apps"
	"github.com/upgw/pipelined/interpreter"
	"github.com/upgw/pipelined/interpreter/store"
	"github.com/upgw/pipelined/metrics"
)

// TopologyProvider yields a stable committed topology for an app's
// tables, or TopologyUnstableError after the bounded wait.
type TopologyProvider interface {
	AwaitStable(ctx context.Context, app string) (pipelined.Topology, error)
}

// Manager installs, updates and removes subscriber rules.
type Manager struct {
	provider TopologyProvider
	catalog  *apps.Catalog
	store    interpreter.Store
	executor interpreter.ActionExecutor
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Manager.
func New(provider TopologyProvider, catalog *apps.Catalog, st interpreter.Store, backend interpreter.Backend, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Manager{
		provider: provider,
		catalog:  catalog,
		store:    st,
		executor: interpreter.NewExecutor(st, backend),
		metrics:  m,
		logger:   logger.With("component", "flows"),
	}
}

// RuleID names a subscriber rule in the backend. Stable across
// updates and re-anchors.
func RuleID(key pipelined.FlowKey) string {
	return fmt.Sprintf("flow:%s:%s", key.SubscriberID, key.FlowID)
}

// Install creates a subscriber rule for app. The rule's priority is
// raised above the app's default rule if necessary, so subscriber
// rules always take precedence.
func (m *Manager) Install(ctx context.Context, key pipelined.FlowKey, appName string, match pipelined.Match, act pipelined.RuleAction, priority uint16) (pipelined.Flow, error) {
	app, ok := m.catalog.Lookup(appName)
	if !ok {
		m.metrics.FlowOps.WithLabelValues("install", "rejected").Inc()
		return pipelined.Flow{}, &pipelined.UnknownAppError{App: appName}
	}
	if priority <= app.DefaultPriority {
		priority = app.DefaultPriority + 1
	}

	topo, err := m.provider.AwaitStable(ctx, appName)
	if err != nil {
		m.metrics.FlowOps.WithLabelValues("install", "unstable").Inc()
		return pipelined.Flow{}, err
	}
	assignment, placed := topo.TableOf(appName)
	if !placed {
		m.metrics.FlowOps.WithLabelValues("install", "rejected").Inc()
		return pipelined.Flow{}, fmt.Errorf("app %s is not in the committed topology", appName)
	}

	flow := pipelined.Flow{
		Key:            key,
		App:            appName,
		RuleID:         RuleID(key),
		Match:          match,
		Action:         act,
		Priority:       priority,
		RuleGeneration: 1,
		CreatedAt:      time.Now().UTC(),
	}

	if err := m.apply(ctx, app, assignment, flow); err != nil {
		m.metrics.FlowOps.WithLabelValues("install", "backend_rejected").Inc()
		return pipelined.Flow{}, &pipelined.BackendError{Op: "install flow", Err: err}
	}
	if err := m.store.SaveFlow(ctx, flow); err != nil {
		m.metrics.FlowOps.WithLabelValues("install", "error").Inc()
		return pipelined.Flow{}, fmt.Errorf("persist flow %s: %w", key, err)
	}
	if err := m.reanchor(ctx, app, flow, assignment); err != nil {
		m.logger.WarnContext(ctx, "post-save table check failed, restart convergence will repair", "flow", key, "error", err)
	}

	m.metrics.FlowOps.WithLabelValues("install", "ok").Inc()
	m.logger.InfoContext(ctx, "installed flow", "flow", key, "app", appName, "table", assignment.Primary)
	return flow, nil
}

// Update atomically replaces a flow's action. The backend swaps the
// rule in place under the same rule id, so no packet interval exists
// where the flow matches zero rules or two.
func (m *Manager) Update(ctx context.Context, key pipelined.FlowKey, act pipelined.RuleAction) (pipelined.Flow, error) {
	flow, err := m.store.GetFlow(ctx, key)
	if err != nil {
		m.metrics.FlowOps.WithLabelValues("update", "not_found").Inc()
		return pipelined.Flow{}, fmt.Errorf("flow %s: %w", key, err)
	}
	app, ok := m.catalog.Lookup(flow.App)
	if !ok {
		return pipelined.Flow{}, &pipelined.UnknownAppError{App: flow.App}
	}

	topo, err := m.provider.AwaitStable(ctx, flow.App)
	if err != nil {
		m.metrics.FlowOps.WithLabelValues("update", "unstable").Inc()
		return pipelined.Flow{}, err
	}
	assignment, placed := topo.TableOf(flow.App)
	if !placed {
		return pipelined.Flow{}, fmt.Errorf("app %s is not in the committed topology", flow.App)
	}

	flow.Action = act
	flow.RuleGeneration++

	if err := m.apply(ctx, app, assignment, flow); err != nil {
		m.metrics.FlowOps.WithLabelValues("update", "backend_rejected").Inc()
		return pipelined.Flow{}, &pipelined.BackendError{Op: "update flow", Err: err}
	}
	if err := m.store.SaveFlow(ctx, flow); err != nil {
		m.metrics.FlowOps.WithLabelValues("update", "error").Inc()
		return pipelined.Flow{}, fmt.Errorf("persist flow %s: %w", key, err)
	}
	if err := m.reanchor(ctx, app, flow, assignment); err != nil {
		m.logger.WarnContext(ctx, "post-save table check failed, restart convergence will repair", "flow", key, "error", err)
	}

	m.metrics.FlowOps.WithLabelValues("update", "ok").Inc()
	m.logger.InfoContext(ctx, "updated flow", "flow", key, "rule_generation", flow.RuleGeneration)
	return flow, nil
}

// Remove deletes a flow's rules and record. Removing an unknown flow
// returns store.ErrNotFound.
func (m *Manager) Remove(ctx context.Context, key pipelined.FlowKey) error {
	flow, err := m.store.GetFlow(ctx, key)
	if err != nil {
		m.metrics.FlowOps.WithLabelValues("remove", "not_found").Inc()
		return fmt.Errorf("flow %s: %w", key, err)
	}
	app, _ := m.catalog.Lookup(flow.App)

	topo, err := m.provider.AwaitStable(ctx, flow.App)
	if err != nil {
		m.metrics.FlowOps.WithLabelValues("remove", "unstable").Inc()
		return err
	}

	var plan []action.Action
	if assignment, placed := topo.TableOf(flow.App); placed {
		plan = append(plan, action.RemoveRule{Table: assignment.Primary, RuleID: flow.RuleID})
		if app.Accounting && len(assignment.Scratch) > 0 {
			for _, id := range apps.AccountingRuleIDs(flow.RuleID) {
				plan = append(plan, action.RemoveRule{Table: assignment.Scratch[0], RuleID: id})
			}
		}
	}
	if err := m.executor.ExecuteAll(ctx, plan); err != nil {
		m.metrics.FlowOps.WithLabelValues("remove", "backend_rejected").Inc()
		return &pipelined.BackendError{Op: "remove flow", Err: err}
	}

	err = m.store.RunInTransaction(ctx, func(tx interpreter.Store) error {
		if err := tx.DeleteFlow(ctx, key); err != nil {
			return err
		}
		for _, id := range apps.AccountingRuleIDs(flow.RuleID) {
			if err := tx.DeleteBaseline(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		m.metrics.FlowOps.WithLabelValues("remove", "error").Inc()
		return fmt.Errorf("delete flow %s: %w", key, err)
	}

	m.metrics.FlowOps.WithLabelValues("remove", "ok").Inc()
	m.logger.InfoContext(ctx, "removed flow", "flow", key, "app", flow.App)
	return nil
}

// Get returns a flow record.
func (m *Manager) Get(ctx context.Context, key pipelined.FlowKey) (pipelined.Flow, error) {
	return m.store.GetFlow(ctx, key)
}

// List returns every flow record.
func (m *Manager) List(ctx context.Context) ([]pipelined.Flow, error) {
	return m.store.ListFlows(ctx)
}

// reanchor closes the gap between the stability check and the saved
// record: a reconciliation starting in that window re-anchors every
// stored flow except this one. Re-reading the committed topology after
// the save and reinstalling on a mismatch converges; installs replace
// in place, so repeating one is harmless.
func (m *Manager) reanchor(ctx context.Context, app pipelined.App, flow pipelined.Flow, installed pipelined.Assignment) error {
	for {
		topo, err := m.provider.AwaitStable(ctx, app.Name)
		if err != nil {
			return err
		}
		current, placed := topo.TableOf(app.Name)
		if !placed || sameAssignment(current, installed) {
			return nil
		}
		m.logger.InfoContext(ctx, "app moved while installing flow, re-anchoring",
			"flow", flow.Key, "app", app.Name, "table", current.Primary)
		if err := m.apply(ctx, app, current, flow); err != nil {
			return err
		}
		installed = current
	}
}

func sameAssignment(a, b pipelined.Assignment) bool {
	if a.Primary != b.Primary || len(a.Scratch) != len(b.Scratch) {
		return false
	}
	for i := range a.Scratch {
		if a.Scratch[i] != b.Scratch[i] {
			return false
		}
	}
	return true
}

// apply installs the flow's backend rules: the match rule in the
// primary table and, for accounting apps, the counting mirrors.
func (m *Manager) apply(ctx context.Context, app pipelined.App, assignment pipelined.Assignment, flow pipelined.Flow) error {
	var plan []action.Action
	for _, rule := range apps.FlowRules(app, assignment, flow) {
		plan = append(plan, rule)
	}
	return m.executor.ExecuteAll(ctx, plan)
}
