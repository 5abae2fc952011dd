package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/upgw/pipelined"
	"github.com/upgw/pipelined/interpreter/store"
)

// GetTopology returns the committed topology, or store.ErrNotFound at
// cold start.
func (s *sqliteStore) GetTopology(ctx context.Context) (pipelined.Topology, error) {
	var (
		generation uint64
		doc        string
	)
	err := s.stmtGetTopology.QueryRowContext(ctx).Scan(&generation, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return pipelined.Topology{}, store.ErrNotFound
	}
	if err != nil {
		return pipelined.Topology{}, fmt.Errorf("get topology: %w", err)
	}

	var topo pipelined.Topology
	if err := json.Unmarshal([]byte(doc), &topo); err != nil {
		return pipelined.Topology{}, fmt.Errorf("decode topology: %w", err)
	}
	topo.Generation = generation
	return topo, nil
}

// SaveTopology replaces the committed topology.
func (s *sqliteStore) SaveTopology(ctx context.Context, topo pipelined.Topology) error {
	doc, err := json.Marshal(topo)
	if err != nil {
		return fmt.Errorf("encode topology: %w", err)
	}
	if _, err := s.stmtSaveTopology.ExecContext(ctx, topo.Generation, string(doc)); err != nil {
		return fmt.Errorf("save topology: %w", err)
	}
	return nil
}
