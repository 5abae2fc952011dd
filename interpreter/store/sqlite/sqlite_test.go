package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upgw/pipelined"
	"github.com/upgw/pipelined/interpreter"
	"github.com/upgw/pipelined/interpreter/store"
	"github.com/upgw/pipelined/interpreter/store/sqlite"
	"github.com/upgw/pipelined/logging"
)

func newStore(t *testing.T) interpreter.Store {
	t.Helper()
	s, err := sqlite.NewInMemory(context.Background(), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTopology(generation uint64) pipelined.Topology {
	return pipelined.Topology{
		Generation: generation,
		Order:      []string{"metering", "enforcement"},
		Assignments: map[string]pipelined.Assignment{
			"ingress":     {Primary: 0},
			"metering":    {Primary: 4, Scratch: []pipelined.TableID{254}},
			"enforcement": {Primary: 5, Scratch: []pipelined.TableID{253}},
			"egress":      {Primary: 20},
		},
		Jumps: map[pipelined.TableID]pipelined.TableID{
			0: 4, 4: 5, 5: 20, 254: 5, 253: 20,
		},
	}
}

func TestTopologyRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.GetTopology(ctx)
	require.ErrorIs(t, err, store.ErrNotFound, "cold start has no committed topology")

	want := sampleTopology(3)
	require.NoError(t, s.SaveTopology(ctx, want))

	got, err := s.GetTopology(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Generation)
	assert.True(t, want.SameWiring(got))

	// Saving again replaces the single committed row.
	next := sampleTopology(4)
	next.Order = []string{"enforcement"}
	require.NoError(t, s.SaveTopology(ctx, next))
	got, err = s.GetTopology(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.Generation)
	assert.Equal(t, []string{"enforcement"}, got.Order)
}

func TestFlowCRUD(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	flow := pipelined.Flow{
		Key:            pipelined.FlowKey{SubscriberID: "imsi-001", FlowID: "f1"},
		App:            "metering",
		RuleID:         "flow-imsi-001-f1",
		Match:          pipelined.Match{FiveTuple: "10.0.0.1:1234->8.8.8.8:53/udp"},
		Action:         pipelined.RuleAction{Action: "allow"},
		Priority:       100,
		RuleGeneration: 1,
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveFlow(ctx, flow))

	got, err := s.GetFlow(ctx, flow.Key)
	require.NoError(t, err)
	assert.Equal(t, flow.Match, got.Match)
	assert.Equal(t, flow.RuleID, got.RuleID)

	// Update bumps the rule generation in place.
	flow.Action = pipelined.RuleAction{Action: "drop"}
	flow.RuleGeneration = 2
	require.NoError(t, s.SaveFlow(ctx, flow))
	got, err = s.GetFlow(ctx, flow.Key)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.RuleGeneration)
	assert.Equal(t, "drop", got.Action.Action)

	byApp, err := s.ListFlowsByApp(ctx, "metering")
	require.NoError(t, err)
	require.Len(t, byApp, 1)

	require.NoError(t, s.DeleteFlow(ctx, flow.Key))
	_, err = s.GetFlow(ctx, flow.Key)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteFlow(ctx, flow.Key), store.ErrNotFound)
}

func TestBaselineRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.GetBaseline(ctx, "r1")
	require.ErrorIs(t, err, store.ErrNotFound)

	b := pipelined.CounterBaseline{RuleID: "r1", RuleGeneration: 1, Packets: 10, Bytes: 1000}
	require.NoError(t, s.SaveBaseline(ctx, b))
	got, err := s.GetBaseline(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, b, got)

	require.NoError(t, s.DeleteBaseline(ctx, "r1"))
	_, err = s.GetBaseline(ctx, "r1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunInTransactionRollsBack(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.RunInTransaction(ctx, func(tx interpreter.Store) error {
		if err := tx.SaveTopology(ctx, sampleTopology(1)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetTopology(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound, "rolled-back topology must not be visible")
}

func TestRunInTransactionCommits(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	flow := pipelined.Flow{
		Key:       pipelined.FlowKey{SubscriberID: "imsi-002", FlowID: "f1"},
		App:       "enforcement",
		RuleID:    "flow-imsi-002-f1",
		Action:    pipelined.RuleAction{Action: "allow"},
		CreatedAt: time.Now().UTC(),
	}
	err := s.RunInTransaction(ctx, func(tx interpreter.Store) error {
		if err := tx.SaveTopology(ctx, sampleTopology(1)); err != nil {
			return err
		}
		return tx.SaveFlow(ctx, flow)
	})
	require.NoError(t, err)

	_, err = s.GetTopology(ctx)
	assert.NoError(t, err)
	_, err = s.GetFlow(ctx, flow.Key)
	assert.NoError(t, err)
}
