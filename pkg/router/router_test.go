package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atoniolo76/radarfleet/pkg/costcache"
	"github.com/atoniolo76/radarfleet/pkg/db"
	"github.com/atoniolo76/radarfleet/pkg/fingerprint"
	"github.com/atoniolo76/radarfleet/pkg/fleet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testQuery = "w=10&h=10&x0=0&x1=10&y0=0&y1=10&xS=5&yS=5&s=GRID_SCAN&i=map1"

// memStore is an in-memory CostStore
type memStore struct {
	mu       sync.Mutex
	costs    map[string]float64
	order    []string
	fetchErr error
	fetched  [][]string
}

func newMemStore() *memStore {
	return &memStore{costs: make(map[string]float64)}
}

func (s *memStore) FetchAll(ctx context.Context, limit int) ([]db.RequestCost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []db.RequestCost
	for _, q := range s.order {
		if len(out) == limit {
			break
		}
		out = append(out, db.RequestCost{Query: q, Cost: s.costs[q]})
	}
	return out, nil
}

func (s *memStore) FetchFiltered(ctx context.Context, queries []string) ([]db.RequestCost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sorted := append([]string(nil), queries...)
	sort.Strings(sorted)
	s.fetched = append(s.fetched, sorted)
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []db.RequestCost
	for _, q := range queries {
		if c, ok := s.costs[q]; ok {
			out = append(out, db.RequestCost{Query: q, Cost: c})
		}
	}
	return out, nil
}

func (s *memStore) Store(ctx context.Context, query string, cost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.costs[query]; !ok {
		s.order = append(s.order, query)
	}
	s.costs[query] = cost
	return nil
}

func (s *memStore) get(query string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.costs[query]
	return c, ok
}

func mustParse(t *testing.T, q string) fingerprint.Fingerprint {
	t.Helper()
	fp, err := fingerprint.Parse(q)
	require.NoError(t, err)
	return fp
}

func newTestCache(t *testing.T) *costcache.Cache {
	t.Helper()
	c, err := costcache.New(1000, 20)
	require.NoError(t, err)
	return c
}

func newTestRouter(t *testing.T, registry *fleet.Registry, store CostStore) *Router {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RequestTimeout = 2 * time.Second
	cfg.ProbeTimeout = 200 * time.Millisecond
	cfg.MaintenanceInterval = time.Hour
	if store == nil {
		store = newMemStore()
	}
	r := NewRouter(context.Background(), cfg, registry, newTestCache(t), store, nil, zaptest.NewLogger(t))
	t.Cleanup(r.Stop)
	return r
}

// healthyInstance returns an instance that accepts requests
func healthyInstance(id, address string) *fleet.Instance {
	inst := fleet.NewInstance(id, address, fleet.DefaultThresholds())
	inst.RegisterHealthy()
	return inst
}

// worker starts a fake worker and returns its host:port
func worker(t *testing.T, scanStatus, healthStatus int, hits *atomic.Int32) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(healthStatus)
		case "/scan":
			if hits != nil {
				hits.Add(1)
			}
			w.Header().Set("Content-Type", "image/png")
			w.WriteHeader(scanStatus)
			w.Write([]byte("png-bytes:" + r.URL.RawQuery))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Host
}

func TestEndToEndPlacementAndRelease(t *testing.T) {
	fp := mustParse(t, testQuery)
	assert.Equal(t, fingerprint.Grid, fp.Strategy)
	assert.Equal(t, 100.0, fp.Area())
	assert.Equal(t, fingerprint.Point{X: 5, Y: 5}, fp.Start)

	registry := fleet.NewRegistry()
	inst := healthyInstance("only", "10.0.0.1")
	registry.Add(inst)
	r := newTestRouter(t, registry, nil)

	before := inst.CurrentCost()
	p, err := r.OnReceiveRequest(fp)
	require.NoError(t, err)
	assert.Same(t, inst, p.Instance)
	assert.Equal(t, 0.0, p.EstimatedCost)
	assert.Equal(t, before, inst.CurrentCost())

	r.OnInstanceSuccess(testQuery, p)
	assert.Equal(t, before, inst.CurrentCost())
	assert.Equal(t, 1, r.PendingQueries())

	// with a cached cost the estimate is charged and released again
	r.cache.Put(fp, 500)
	p, err = r.OnReceiveRequest(fp)
	require.NoError(t, err)
	assert.Equal(t, 500.0, p.EstimatedCost)
	assert.Equal(t, before+500, inst.CurrentCost())

	r.OnInstanceSuccess(testQuery, p)
	assert.Equal(t, before, inst.CurrentCost())
	assert.Equal(t, 1, r.PendingQueries())
}

func TestOnReceiveRequestNoCapacity(t *testing.T) {
	registry := fleet.NewRegistry()
	r := newTestRouter(t, registry, nil)
	fp := mustParse(t, testQuery)

	_, err := r.OnReceiveRequest(fp)
	require.ErrorIs(t, err, ErrNoCapacity)

	// uninitialized members are not eligible
	registry.Add(fleet.NewInstance("fresh", "10.0.0.1", fleet.DefaultThresholds()))
	_, err = r.OnReceiveRequest(fp)
	require.ErrorIs(t, err, ErrNoCapacity)
}

func TestOnReceiveRequestPicksLeastLoaded(t *testing.T) {
	registry := fleet.NewRegistry()
	busy := healthyInstance("busy", "10.0.0.1")
	busy.AddCost(1000)
	idle := healthyInstance("idle", "10.0.0.2")
	idle.AddCost(10)
	degraded := healthyInstance("degraded", "10.0.0.3")
	degraded.RegisterUnhealthy()
	registry.Add(busy)
	registry.Add(idle)
	registry.Add(degraded)

	r := newTestRouter(t, registry, nil)
	fp := mustParse(t, testQuery)
	r.cache.Put(fp, 2000)

	p, err := r.OnReceiveRequest(fp)
	require.NoError(t, err)
	assert.Equal(t, "idle", p.Instance.ID)
	assert.Equal(t, 2010.0, idle.CurrentCost())

	// idle is now the busiest healthy member
	p, err = r.OnReceiveRequest(fp)
	require.NoError(t, err)
	assert.Equal(t, "busy", p.Instance.ID)
}

func TestOnInstanceFailure(t *testing.T) {
	registry := fleet.NewRegistry()
	inst := healthyInstance("a", "10.0.0.1")
	registry.Add(inst)
	r := newTestRouter(t, registry, nil)
	fp := mustParse(t, testQuery)
	r.cache.Put(fp, 300)

	p, err := r.OnReceiveRequest(fp)
	require.NoError(t, err)
	r.OnInstanceFailure(p)

	assert.Equal(t, 0.0, inst.CurrentCost())
	assert.False(t, inst.IsHealthy())
	assert.Equal(t, 0, r.PendingQueries())
}

func TestDispatchRetriesOnAnotherInstance(t *testing.T) {
	var badHits, goodHits atomic.Int32
	registry := fleet.NewRegistry()
	bad := healthyInstance("bad", worker(t, http.StatusInternalServerError, http.StatusOK, &badHits))
	good := healthyInstance("good", worker(t, http.StatusOK, http.StatusOK, &goodHits))
	good.AddCost(50) // bad is cheaper and gets picked first
	registry.Add(bad)
	registry.Add(good)

	r := newTestRouter(t, registry, nil)
	result, err := r.Dispatch(context.Background(), mustParse(t, testQuery), testQuery, "req-1")
	require.NoError(t, err)

	assert.Equal(t, "good", result.InstanceID)
	assert.Equal(t, "png-bytes:"+testQuery, string(result.Body))
	assert.EqualValues(t, 1, badHits.Load())
	assert.EqualValues(t, 1, goodHits.Load())
	assert.False(t, bad.IsHealthy())
	assert.Equal(t, 0.0, bad.CurrentCost())
	assert.Equal(t, 50.0, good.CurrentCost())
	assert.Equal(t, 1, r.PendingQueries())
}

func TestDispatchIsBoundedByFleetSize(t *testing.T) {
	var hits atomic.Int32
	registry := fleet.NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		registry.Add(healthyInstance(id, worker(t, http.StatusBadGateway, http.StatusOK, &hits)))
	}

	r := newTestRouter(t, registry, nil)
	_, err := r.Dispatch(context.Background(), mustParse(t, testQuery), testQuery, "req-1")
	require.ErrorIs(t, err, ErrNoCapacity)
	require.ErrorIs(t, err, ErrDispatchFailed)

	assert.EqualValues(t, 3, hits.Load())
	assert.Equal(t, 0, registry.HealthyCount())
	assert.Equal(t, 0.0, registry.TotalCost())
}

func TestDispatchUnreachableInstance(t *testing.T) {
	registry := fleet.NewRegistry()
	// nothing listens on port 1
	registry.Add(healthyInstance("gone", "127.0.0.1:1"))

	r := newTestRouter(t, registry, nil)
	_, err := r.Dispatch(context.Background(), mustParse(t, testQuery), testQuery, "req-1")
	require.ErrorIs(t, err, ErrNoCapacity)
}

func TestInstanceURL(t *testing.T) {
	r := newTestRouter(t, fleet.NewRegistry(), nil)
	r.config.WorkerPort = 8000

	assert.Equal(t, "http://10.0.0.1:8000/scan?a=1",
		r.instanceURL(fleet.NewInstance("x", "10.0.0.1", fleet.DefaultThresholds()), "/scan", "a=1"))
	assert.Equal(t, "http://127.0.0.1:9999/health",
		r.instanceURL(fleet.NewInstance("y", "127.0.0.1:9999", fleet.DefaultThresholds()), "/health", ""))
}

func TestNewRouterWarmsCache(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	require.NoError(t, store.Store(ctx, testQuery, 1234))
	require.NoError(t, store.Store(ctx, "w=1&h=1", 99)) // incomplete, skipped
	require.NoError(t, store.Store(ctx, "w=20&h=20&x0=0&x1=20&y0=0&y1=20&xS=1&yS=1&s=GREEDY_RANGE_SCAN&i=map2", 42))

	r := newTestRouter(t, fleet.NewRegistry(), store)
	assert.Equal(t, 2, r.cache.Len())
	cost, ok := r.cache.Get(mustParse(t, testQuery))
	require.True(t, ok)
	assert.Equal(t, 1234.0, cost)
}

func TestNewRouterSurvivesWarmupFailure(t *testing.T) {
	store := newMemStore()
	store.fetchErr = errors.New("store down")

	r := newTestRouter(t, fleet.NewRegistry(), store)
	assert.Equal(t, 0, r.cache.Len())
}

func TestRunMaintenanceProbesInstances(t *testing.T) {
	registry := fleet.NewRegistry()
	fresh := fleet.NewInstance("fresh", worker(t, http.StatusOK, http.StatusOK, nil), fleet.DefaultThresholds())
	failing := healthyInstance("failing", worker(t, http.StatusOK, http.StatusServiceUnavailable, nil))
	registry.Add(fresh)
	registry.Add(failing)

	r := newTestRouter(t, registry, nil)
	require.True(t, r.RunMaintenance(context.Background()))

	assert.True(t, fresh.IsHealthy())
	assert.False(t, failing.IsHealthy())
	assert.False(t, failing.IsUnhealthy())

	require.True(t, r.RunMaintenance(context.Background()))
	assert.True(t, failing.IsUnhealthy())
}

func TestProbeTimeoutCountsAsFailure(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(slow.Close)
	u, err := url.Parse(slow.URL)
	require.NoError(t, err)

	registry := fleet.NewRegistry()
	inst := healthyInstance("slow", u.Host)
	registry.Add(inst)

	r := newTestRouter(t, registry, nil)
	start := time.Now()
	r.RunMaintenance(context.Background())

	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.False(t, inst.IsHealthy())
}

func TestRunMaintenanceRefreshesPendingCosts(t *testing.T) {
	store := newMemStore()
	r := newTestRouter(t, fleet.NewRegistry(), store)
	inst := healthyInstance("a", "10.0.0.1")

	fp := mustParse(t, testQuery)
	r.OnInstanceSuccess(testQuery, Placement{Instance: inst})
	require.NoError(t, store.Store(context.Background(), testQuery, 777))

	require.True(t, r.RunMaintenance(context.Background()))
	assert.Equal(t, 0, r.PendingQueries())
	cost, ok := r.cache.Get(fp)
	require.True(t, ok)
	assert.Equal(t, 777.0, cost)

	// a newer observation overwrites the cached value
	require.NoError(t, store.Store(context.Background(), testQuery, 800))
	r.OnInstanceSuccess(testQuery, Placement{Instance: inst})
	r.RunMaintenance(context.Background())
	cost, _ = r.cache.Get(fp)
	assert.Equal(t, 800.0, cost)
}

func TestRefreshRequeuesOnStoreError(t *testing.T) {
	store := newMemStore()
	r := newTestRouter(t, fleet.NewRegistry(), store)
	inst := healthyInstance("a", "10.0.0.1")

	store.fetchErr = errors.New("store down")
	r.OnInstanceSuccess(testQuery, Placement{Instance: inst})
	r.RunMaintenance(context.Background())
	assert.Equal(t, 1, r.PendingQueries())

	store.fetchErr = nil
	r.RunMaintenance(context.Background())
	assert.Equal(t, 0, r.PendingQueries())
}

func TestRefreshSkipsEmptyPendingSet(t *testing.T) {
	store := newMemStore()
	r := newTestRouter(t, fleet.NewRegistry(), store)

	r.RunMaintenance(context.Background())
	assert.Empty(t, store.fetched)
}

func TestRunMaintenanceIsSingleFlight(t *testing.T) {
	r := newTestRouter(t, fleet.NewRegistry(), nil)
	r.maintaining.Store(true)
	assert.False(t, r.RunMaintenance(context.Background()))

	r.maintaining.Store(false)
	assert.True(t, r.RunMaintenance(context.Background()))
}

func TestStartRunsFirstCycleImmediately(t *testing.T) {
	registry := fleet.NewRegistry()
	inst := fleet.NewInstance("fresh", worker(t, http.StatusOK, http.StatusOK, nil), fleet.DefaultThresholds())
	registry.Add(inst)

	r := newTestRouter(t, registry, nil)
	require.NoError(t, r.Start())
	require.Error(t, r.Start())

	require.Eventually(t, inst.IsHealthy, 2*time.Second, 10*time.Millisecond)
	r.Stop()
}
