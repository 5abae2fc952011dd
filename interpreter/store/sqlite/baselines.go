package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/upgw/pipelined"
	"github.com/upgw/pipelined/interpreter/store"
)

// GetBaseline returns the stored baseline for a rule, or
// store.ErrNotFound for a rule never seen.
func (s *sqliteStore) GetBaseline(ctx context.Context, ruleID string) (pipelined.CounterBaseline, error) {
	b := pipelined.CounterBaseline{RuleID: ruleID}
	err := s.stmtGetBaseline.QueryRowContext(ctx, ruleID).Scan(&b.RuleGeneration, &b.Packets, &b.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return pipelined.CounterBaseline{}, store.ErrNotFound
	}
	if err != nil {
		return pipelined.CounterBaseline{}, fmt.Errorf("get baseline %s: %w", ruleID, err)
	}
	return b, nil
}

// SaveBaseline inserts or updates a baseline.
func (s *sqliteStore) SaveBaseline(ctx context.Context, b pipelined.CounterBaseline) error {
	if _, err := s.stmtSaveBaseline.ExecContext(ctx, b.RuleID, b.RuleGeneration, b.Packets, b.Bytes); err != nil {
		return fmt.Errorf("save baseline %s: %w", b.RuleID, err)
	}
	return nil
}

// DeleteBaseline removes a baseline once its rule is gone.
func (s *sqliteStore) DeleteBaseline(ctx context.Context, ruleID string) error {
	if _, err := s.stmtDeleteBaseline.ExecContext(ctx, ruleID); err != nil {
		return fmt.Errorf("delete baseline %s: %w", ruleID, err)
	}
	return nil
}
