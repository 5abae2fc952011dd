package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upgw/pipelined"
	"github.com/upgw/pipelined/alloc"
	"github.com/upgw/pipelined/apps"
	"github.com/upgw/pipelined/config"
	"github.com/upgw/pipelined/flows"
	"github.com/upgw/pipelined/interpreter/backend/memory"
	"github.com/upgw/pipelined/interpreter/store/sqlite"
	"github.com/upgw/pipelined/logging"
	"github.com/upgw/pipelined/metrics"
	"github.com/upgw/pipelined/reconciler"
	"github.com/upgw/pipelined/server"
)

type fixture struct {
	backend *memory.Backend
	srv     *server.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	bands := pipelined.DefaultBands()
	catalog, contract, err := apps.Default(bands)
	require.NoError(t, err)
	allocator, err := alloc.New(bands)
	require.NoError(t, err)
	st, err := sqlite.NewInMemory(ctx, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	backend := memory.New()
	rec, err := reconciler.New(reconciler.Options{
		Catalog:      catalog,
		Contract:     contract,
		Allocator:    allocator,
		Store:        st,
		Backend:      backend,
		Metrics:      m,
		Logger:       logging.Discard(),
		Retry:        config.Retry{Attempts: 1},
		TopologyWait: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, rec.Start(ctx))

	mgr := flows.New(rec, catalog, st, backend, m, logging.Discard())
	srv, err := server.New(server.Options{
		Config:     config.Default(),
		Reconciler: rec,
		Flows:      mgr,
		Gatherer:   registry,
		Logger:     logging.Discard(),
	})
	require.NoError(t, err)
	return &fixture{backend: backend, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestConfigPushAndTopology(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/pipeline/config",
		pipelined.ConfigPush{Generation: 1, Services: []string{"metering", "enforcement"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/pipeline/topology", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var topo pipelined.Topology
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &topo))
	assert.Equal(t, uint64(1), topo.Generation)
	assert.Equal(t, []string{"metering", "enforcement"}, topo.Order)
	assert.Equal(t, pipelined.TableID(4), topo.Assignments["metering"].Primary)
}

func TestStalePushConflicts(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/pipeline/config",
		pipelined.ConfigPush{Generation: 2, Services: []string{"metering"}}).Code)
	rec := f.do(t, http.MethodPost, "/v1/pipeline/config",
		pipelined.ConfigPush{Generation: 1, Services: []string{"metering"}})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUnknownServiceRejected(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/pipeline/config",
		pipelined.ConfigPush{Generation: 1, Services: []string{"bogus"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCapacityExceededRejected(t *testing.T) {
	f := newFixture(t)

	// A one-table configurable band makes any two-service push exceed
	// capacity.
	bands := pipelined.Bands{ConfigurableStart: 4, Postamble: 5, ScratchTop: 254}
	catalog, contract, err := apps.Default(bands)
	require.NoError(t, err)
	allocator, err := alloc.New(bands)
	require.NoError(t, err)
	ctx := context.Background()
	st, err := sqlite.NewInMemory(ctx, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	rec, err := reconciler.New(reconciler.Options{
		Catalog: catalog, Contract: contract, Allocator: allocator,
		Store: st, Backend: memory.New(), Logger: logging.Discard(),
	})
	require.NoError(t, err)
	require.NoError(t, rec.Start(ctx))
	mgr := flows.New(rec, catalog, st, memory.New(), nil, logging.Discard())
	srv, err := server.New(server.Options{
		Config: config.Default(), Reconciler: rec, Flows: mgr, Logger: logging.Discard(),
	})
	require.NoError(t, err)
	f.srv = srv

	resp := f.do(t, http.MethodPost, "/v1/pipeline/config",
		pipelined.ConfigPush{Generation: 1, Services: []string{"metering", "enforcement"}})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
}

func TestFlowLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/pipeline/config",
		pipelined.ConfigPush{Generation: 1, Services: []string{"metering"}}).Code)

	path := "/v1/flows/imsi-1/f1"
	rec := f.do(t, http.MethodPut, path, map[string]any{
		"app":      "metering",
		"match":    pipelined.Match{FiveTuple: "10.0.0.1->8.8.8.8/udp"},
		"action":   pipelined.RuleAction{Action: "allow"},
		"priority": 100,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var flow pipelined.Flow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &flow))
	assert.Equal(t, "flow:imsi-1:f1", flow.RuleID)
	assert.True(t, f.backend.HasRule(4, flow.RuleID))

	rec = f.do(t, http.MethodPatch, path, map[string]any{
		"action": pipelined.RuleAction{Action: "drop"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &flow))
	assert.Equal(t, uint64(2), flow.RuleGeneration)

	rec = f.do(t, http.MethodGet, "/v1/flows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []pipelined.Flow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, path, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, path, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, path, nil).Code)
}

func TestFlowInstallUnknownApp(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/v1/flows/imsi-1/f1", map[string]any{
		"app": "bogus", "action": pipelined.RuleAction{Action: "allow"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/pipeline/config",
		pipelined.ConfigPush{Generation: 1, Services: []string{"metering"}}).Code)

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pipelined_committed_generation 1")
	assert.Contains(t, rec.Body.String(),
		fmt.Sprintf("pipelined_reconcile_attempts_total{outcome=%q} 1", "committed"))
}
