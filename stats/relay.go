// Package stats periodically reads per-flow counters from the
// accounting tables and forwards normalized, non-negative usage deltas
// to the external collector.
//
// Counter readings are raw monotonic values that reset to zero when a
// rule is replaced. The relay keeps a per-rule baseline tagged with
// the flow's rule generation: a generation change means the reset was
// expected and the delta is the new raw reading; a decrease without a
// generation change is an anomaly the relay re-baselines from rather
// than propagating negative usage.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/upgw/pipelined"
	"github.com/upgw/pipelined/apps"
	"github.com/upgw/pipelined/interpreter"
	"github.com/upgw/pipelined/interpreter/store"
	"github.com/upgw/pipelined/metrics"
)

// CommittedProvider yields the committed topology snapshot.
type CommittedProvider interface {
	Committed() pipelined.Topology
}

// Options configures a Relay.
type Options struct {
	Backend  interpreter.Backend
	Store    interpreter.Store
	Provider CommittedProvider
	Catalog  *apps.Catalog
	Exporter Exporter
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// Interval between counter sweeps.
	Interval time.Duration
	// BufferLimit caps samples held across failed exports.
	BufferLimit int
}

// Relay is the usage relay.
type Relay struct {
	backend     interpreter.Backend
	store       interpreter.Store
	provider    CommittedProvider
	catalog     *apps.Catalog
	exporter    Exporter
	metrics     *metrics.Metrics
	logger      *slog.Logger
	interval    time.Duration
	bufferLimit int

	mu      sync.Mutex
	pending []pipelined.UsageSample
}

// New creates a Relay.
func New(opts Options) (*Relay, error) {
	if opts.Backend == nil || opts.Store == nil || opts.Provider == nil || opts.Catalog == nil {
		return nil, fmt.Errorf("stats: backend, store, provider and catalog are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "stats")
	exporter := opts.Exporter
	if exporter == nil {
		exporter = &LogExporter{Logger: logger}
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewUnregistered()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	bufferLimit := opts.BufferLimit
	if bufferLimit <= 0 {
		bufferLimit = 4096
	}
	return &Relay{
		backend:     opts.Backend,
		store:       opts.Store,
		provider:    opts.Provider,
		catalog:     opts.Catalog,
		exporter:    exporter,
		metrics:     m,
		logger:      logger,
		interval:    interval,
		bufferLimit: bufferLimit,
	}, nil
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.ErrorContext(ctx, "sweep failed", "error", err)
			}
		}
	}
}

// Sweep reads every accounting table once, queues the resulting
// samples, and attempts an export. Queued samples survive a failed
// export up to the buffer limit; beyond it the oldest are dropped and
// counted as lost.
func (r *Relay) Sweep(ctx context.Context) error {
	topo := r.provider.Committed()

	var fresh []pipelined.UsageSample
	for _, name := range topo.Order {
		app, ok := r.catalog.Lookup(name)
		if !ok || !app.Accounting {
			continue
		}
		assignment := topo.Assignments[name]
		if len(assignment.Scratch) == 0 {
			continue
		}
		samples, err := r.sweepTable(ctx, name, assignment.Scratch[0], topo.Generation)
		if err != nil {
			r.logger.WarnContext(ctx, "reading accounting table failed", "app", name, "error", err)
			continue
		}
		fresh = append(fresh, samples...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, fresh...)
	if len(r.pending) == 0 {
		return nil
	}

	if err := r.exporter.Export(ctx, r.pending); err != nil {
		r.metrics.StatsExportFailures.Inc()
		if overflow := len(r.pending) - r.bufferLimit; overflow > 0 {
			r.metrics.StatsSamplesDropped.Add(float64(overflow))
			r.logger.WarnContext(ctx, "usage buffer full, dropping oldest samples",
				"dropped", overflow, "error", err)
			r.pending = append([]pipelined.UsageSample(nil), r.pending[overflow:]...)
		} else {
			r.logger.WarnContext(ctx, "usage export failed, buffering", "buffered", len(r.pending), "error", err)
		}
		return nil
	}
	r.pending = nil
	return nil
}

// Pending returns the number of samples awaiting export.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// sweepTable reads one accounting table and computes per-flow deltas.
func (r *Relay) sweepTable(ctx context.Context, appName string, table pipelined.TableID, generation uint64) ([]pipelined.UsageSample, error) {
	counters, err := r.backend.ReadCounters(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("read counters of table %d: %w", table, err)
	}
	flows, err := r.store.ListFlowsByApp(ctx, appName)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}

	var samples []pipelined.UsageSample
	for _, flow := range flows {
		ids := apps.AccountingRuleIDs(flow.RuleID)
		rx, err := r.delta(ctx, ids[0], flow.RuleGeneration, counters[ids[0]])
		if err != nil {
			return nil, err
		}
		tx, err := r.delta(ctx, ids[1], flow.RuleGeneration, counters[ids[1]])
		if err != nil {
			return nil, err
		}
		if rx.Bytes == 0 && tx.Bytes == 0 {
			continue
		}
		samples = append(samples, pipelined.UsageSample{
			SubscriberID:       flow.Key.SubscriberID,
			FlowID:             flow.Key.FlowID,
			BytesRx:            rx.Bytes,
			BytesTx:            tx.Bytes,
			IntervalGeneration: generation,
		})
	}
	return samples, nil
}

// delta computes a non-negative usage delta for one counting rule and
// advances its baseline to the current raw reading.
func (r *Relay) delta(ctx context.Context, ruleID string, ruleGeneration uint64, raw pipelined.Counters) (pipelined.Counters, error) {
	baseline, err := r.store.GetBaseline(ctx, ruleID)
	var d pipelined.Counters
	switch {
	case errors.Is(err, store.ErrNotFound):
		// First sighting: the whole raw reading is new usage.
		d = raw
	case err != nil:
		return pipelined.Counters{}, fmt.Errorf("baseline for %s: %w", ruleID, err)
	case ruleGeneration != baseline.RuleGeneration:
		// The rule was replaced and its counter reset to zero. The raw
		// reading is the usage since, not raw minus the pre-reset value.
		d = raw
	case raw.Bytes < baseline.Bytes || raw.Packets < baseline.Packets:
		anomaly := &pipelined.CounterAnomalyError{RuleID: ruleID, Previous: baseline.Bytes, Current: raw.Bytes}
		r.logger.WarnContext(ctx, "counter went backwards without rule replacement, re-baselining", "error", anomaly)
		r.metrics.CounterAnomalies.Inc()
	default:
		d = pipelined.Counters{
			Packets: raw.Packets - baseline.Packets,
			Bytes:   raw.Bytes - baseline.Bytes,
		}
	}

	err = r.store.SaveBaseline(ctx, pipelined.CounterBaseline{
		RuleID:         ruleID,
		RuleGeneration: ruleGeneration,
		Packets:        raw.Packets,
		Bytes:          raw.Bytes,
	})
	if err != nil {
		return pipelined.Counters{}, fmt.Errorf("save baseline for %s: %w", ruleID, err)
	}
	return d, nil
}
