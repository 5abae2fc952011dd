package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/upgw/pipelined"
	"github.com/upgw/pipelined/interpreter/store"
)

// GetFlow returns a flow record, or store.ErrNotFound.
func (s *sqliteStore) GetFlow(ctx context.Context, key pipelined.FlowKey) (pipelined.Flow, error) {
	var (
		app, ruleID, matchDoc, actionDoc string
		priority                         uint16
		ruleGeneration                   uint64
		createdAt                        time.Time
	)
	err := s.stmtGetFlow.QueryRowContext(ctx, key.SubscriberID, key.FlowID).
		Scan(&app, &ruleID, &matchDoc, &actionDoc, &priority, &ruleGeneration, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pipelined.Flow{}, store.ErrNotFound
	}
	if err != nil {
		return pipelined.Flow{}, fmt.Errorf("get flow %s: %w", key, err)
	}
	return decodeFlow(key, app, ruleID, matchDoc, actionDoc, priority, ruleGeneration, createdAt)
}

// SaveFlow inserts or updates a flow record.
func (s *sqliteStore) SaveFlow(ctx context.Context, flow pipelined.Flow) error {
	matchDoc, err := json.Marshal(flow.Match)
	if err != nil {
		return fmt.Errorf("encode match: %w", err)
	}
	actionDoc, err := json.Marshal(flow.Action)
	if err != nil {
		return fmt.Errorf("encode action: %w", err)
	}
	_, err = s.stmtSaveFlow.ExecContext(ctx,
		flow.Key.SubscriberID, flow.Key.FlowID, flow.App, flow.RuleID,
		string(matchDoc), string(actionDoc), flow.Priority, flow.RuleGeneration, flow.CreatedAt)
	if err != nil {
		return fmt.Errorf("save flow %s: %w", flow.Key, err)
	}
	return nil
}

// DeleteFlow removes a flow record. Deleting an absent flow returns
// store.ErrNotFound so callers can tell the difference.
func (s *sqliteStore) DeleteFlow(ctx context.Context, key pipelined.FlowKey) error {
	res, err := s.stmtDeleteFlow.ExecContext(ctx, key.SubscriberID, key.FlowID)
	if err != nil {
		return fmt.Errorf("delete flow %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListFlows returns every flow record.
func (s *sqliteStore) ListFlows(ctx context.Context) ([]pipelined.Flow, error) {
	rows, err := s.stmtListFlows.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()
	return scanFlows(rows)
}

// ListFlowsByApp returns the flow records owned by an app.
func (s *sqliteStore) ListFlowsByApp(ctx context.Context, app string) ([]pipelined.Flow, error) {
	rows, err := s.stmtListFlowsByApp.QueryContext(ctx, app)
	if err != nil {
		return nil, fmt.Errorf("list flows for %s: %w", app, err)
	}
	defer rows.Close()
	return scanFlows(rows)
}

func scanFlows(rows *sql.Rows) ([]pipelined.Flow, error) {
	var flows []pipelined.Flow
	for rows.Next() {
		var (
			key                              pipelined.FlowKey
			app, ruleID, matchDoc, actionDoc string
			priority                         uint16
			ruleGeneration                   uint64
			createdAt                        time.Time
		)
		if err := rows.Scan(&key.SubscriberID, &key.FlowID, &app, &ruleID,
			&matchDoc, &actionDoc, &priority, &ruleGeneration, &createdAt); err != nil {
			return nil, fmt.Errorf("scan flow: %w", err)
		}
		flow, err := decodeFlow(key, app, ruleID, matchDoc, actionDoc, priority, ruleGeneration, createdAt)
		if err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}
	return flows, rows.Err()
}

func decodeFlow(key pipelined.FlowKey, app, ruleID, matchDoc, actionDoc string, priority uint16, ruleGeneration uint64, createdAt time.Time) (pipelined.Flow, error) {
	flow := pipelined.Flow{
		Key:            key,
		App:            app,
		RuleID:         ruleID,
		Priority:       priority,
		RuleGeneration: ruleGeneration,
		CreatedAt:      createdAt,
	}
	if err := json.Unmarshal([]byte(matchDoc), &flow.Match); err != nil {
		return pipelined.Flow{}, fmt.Errorf("decode match for %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(actionDoc), &flow.Action); err != nil {
		return pipelined.Flow{}, fmt.Errorf("decode action for %s: %w", key, err)
	}
	return flow, nil
}
