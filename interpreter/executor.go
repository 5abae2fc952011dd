package interpreter

import (
	"context"
	"fmt"

	"github.com/upgw/pipelined/action"
)

// ActionExecutor executes reified actions.
type ActionExecutor interface {
	Execute(ctx context.Context, a action.Action) error
	ExecuteAll(ctx context.Context, actions []action.Action) error
}

// executor interprets actions against the backend and the store.
type executor struct {
	store   Store
	backend Backend
}

// NewExecutor creates an executor over the given store and backend.
func NewExecutor(store Store, backend Backend) ActionExecutor {
	return &executor{store: store, backend: backend}
}

// Execute runs a single action.
func (e *executor) Execute(ctx context.Context, a action.Action) error {
	switch a := a.(type) {
	case action.InstallRule:
		return e.backend.InstallRule(ctx, a.Table, a.RuleID, a.Match, a.Priority, a.Action)

	case action.RemoveRule:
		return e.backend.RemoveRule(ctx, a.Table, a.RuleID)

	case action.SetJump:
		return e.backend.SetJump(ctx, a.Table, a.Target)

	case action.Barrier:
		return e.backend.Barrier(ctx)

	case action.ClearTable:
		return e.clearTable(ctx, a)

	case action.SaveTopology:
		return e.store.SaveTopology(ctx, a.Topology)

	case action.SaveFlow:
		return e.store.SaveFlow(ctx, a.Flow)

	case action.DeleteFlow:
		return e.store.DeleteFlow(ctx, a.Key)

	case action.Sequence:
		return e.ExecuteAll(ctx, a.Actions)

	default:
		return fmt.Errorf("unknown action type: %T", a)
	}
}

// ExecuteAll runs actions in order, stopping on the first error.
func (e *executor) ExecuteAll(ctx context.Context, actions []action.Action) error {
	for _, a := range actions {
		if err := e.Execute(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func (e *executor) clearTable(ctx context.Context, a action.ClearTable) error {
	counters, err := e.backend.ReadCounters(ctx, a.Table)
	if err != nil {
		return err
	}
	for ruleID := range counters {
		if err := e.backend.RemoveRule(ctx, a.Table, ruleID); err != nil {
			return err
		}
	}
	return nil
}
