// Package epoch provides the exclusive topology-mutation section of a
// reconciliation attempt.
//
// Design principle: "Illegal states unrepresentable" - use a
// non-forgeable scope token that proves the epoch is held. Mutating
// operations on the pipeline wiring require this token (compiler
// enforced). No context abuse.
//
// A WriterScope is only obtained by executing code under Guard.Run.
// The interface cannot be implemented outside this package due to the
// unexported marker method.
package epoch

import (
	"context"
	"fmt"
)

// WriterScope represents the dynamic execution region in which the
// topology epoch is held.
//
// Possession of a WriterScope is proof that the caller holds the
// exclusive right to mutate table wiring. WriterScope is a capability,
// not a mutex: it cannot be constructed, locked, or unlocked by
// callers.
type WriterScope interface {
	// Generation returns the configuration generation the epoch was
	// entered for (for logging/diagnostics).
	Generation() uint64

	// writerScopeMarker is unexported to prevent external implementations.
	writerScopeMarker()
}

type writerScope struct {
	generation uint64
}

func (*writerScope) writerScopeMarker() {}

func (s *writerScope) Generation() uint64 { return s.generation }

// Guard serializes topology epochs. One reconciliation attempt holds
// the epoch from install through commit or rollback; everything else
// waits or observes.
type Guard struct {
	sem chan struct{}
}

// NewGuard creates an unheld guard.
func NewGuard() *Guard {
	return &Guard{sem: make(chan struct{}, 1)}
}

// Run enters the epoch for a generation, executes fn, then leaves.
// The WriterScope proves to callees that the epoch is held. Blocks
// until the current holder leaves, respecting ctx cancellation.
func (g *Guard) Run(ctx context.Context, generation uint64, fn func(context.Context, WriterScope) error) error {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("enter epoch for generation %d: %w", generation, ctx.Err())
	}
	defer func() { <-g.sem }()

	return fn(ctx, &writerScope{generation: generation})
}

// Held reports whether an epoch is currently in progress. Advisory
// only: the answer may be stale by the time the caller acts on it.
func (g *Guard) Held() bool {
	return len(g.sem) == 1
}
