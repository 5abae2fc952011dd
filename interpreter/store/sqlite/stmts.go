package sqlite

import (
	"context"
	"fmt"
)

// prepareStatements compiles every SQL statement the store uses.
func (s *sqliteStore) prepareStatements(ctx context.Context) error {
	var err error

	const sqlGetTopology = `SELECT generation, doc FROM topology WHERE id = 1`
	if s.stmtGetTopology, err = s.db.PrepareContext(ctx, sqlGetTopology); err != nil {
		return fmt.Errorf("prepare GetTopology: %w", err)
	}

	const sqlSaveTopology = `
		INSERT INTO topology (id, generation, doc, committed_at)
		VALUES (1, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
		  generation = excluded.generation,
		  doc = excluded.doc,
		  committed_at = excluded.committed_at`
	if s.stmtSaveTopology, err = s.db.PrepareContext(ctx, sqlSaveTopology); err != nil {
		return fmt.Errorf("prepare SaveTopology: %w", err)
	}

	const sqlGetFlow = `
		SELECT app, rule_id, match_doc, action_doc, priority, rule_generation, created_at
		FROM flows
		WHERE subscriber_id = ? AND flow_id = ?`
	if s.stmtGetFlow, err = s.db.PrepareContext(ctx, sqlGetFlow); err != nil {
		return fmt.Errorf("prepare GetFlow: %w", err)
	}

	const sqlSaveFlow = `
		INSERT INTO flows
		(subscriber_id, flow_id, app, rule_id, match_doc, action_doc, priority, rule_generation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subscriber_id, flow_id) DO UPDATE SET
		  app = excluded.app,
		  rule_id = excluded.rule_id,
		  match_doc = excluded.match_doc,
		  action_doc = excluded.action_doc,
		  priority = excluded.priority,
		  rule_generation = excluded.rule_generation,
		  created_at = excluded.created_at`
	if s.stmtSaveFlow, err = s.db.PrepareContext(ctx, sqlSaveFlow); err != nil {
		return fmt.Errorf("prepare SaveFlow: %w", err)
	}

	const sqlDeleteFlow = `DELETE FROM flows WHERE subscriber_id = ? AND flow_id = ?`
	if s.stmtDeleteFlow, err = s.db.PrepareContext(ctx, sqlDeleteFlow); err != nil {
		return fmt.Errorf("prepare DeleteFlow: %w", err)
	}

	const sqlListFlows = `
		SELECT subscriber_id, flow_id, app, rule_id, match_doc, action_doc, priority, rule_generation, created_at
		FROM flows
		ORDER BY subscriber_id, flow_id`
	if s.stmtListFlows, err = s.db.PrepareContext(ctx, sqlListFlows); err != nil {
		return fmt.Errorf("prepare ListFlows: %w", err)
	}

	const sqlListFlowsByApp = `
		SELECT subscriber_id, flow_id, app, rule_id, match_doc, action_doc, priority, rule_generation, created_at
		FROM flows
		WHERE app = ?
		ORDER BY subscriber_id, flow_id`
	if s.stmtListFlowsByApp, err = s.db.PrepareContext(ctx, sqlListFlowsByApp); err != nil {
		return fmt.Errorf("prepare ListFlowsByApp: %w", err)
	}

	const sqlGetBaseline = `
		SELECT rule_generation, packets, bytes FROM counter_baselines WHERE rule_id = ?`
	if s.stmtGetBaseline, err = s.db.PrepareContext(ctx, sqlGetBaseline); err != nil {
		return fmt.Errorf("prepare GetBaseline: %w", err)
	}

	const sqlSaveBaseline = `
		INSERT INTO counter_baselines (rule_id, rule_generation, packets, bytes)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(rule_id) DO UPDATE SET
		  rule_generation = excluded.rule_generation,
		  packets = excluded.packets,
		  bytes = excluded.bytes`
	if s.stmtSaveBaseline, err = s.db.PrepareContext(ctx, sqlSaveBaseline); err != nil {
		return fmt.Errorf("prepare SaveBaseline: %w", err)
	}

	const sqlDeleteBaseline = `DELETE FROM counter_baselines WHERE rule_id = ?`
	if s.stmtDeleteBaseline, err = s.db.PrepareContext(ctx, sqlDeleteBaseline); err != nil {
		return fmt.Errorf("prepare DeleteBaseline: %w", err)
	}

	return nil
}
