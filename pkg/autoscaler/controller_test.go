package autoscaler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atoniolo76/radarfleet/pkg/db"
	"github.com/atoniolo76/radarfleet/pkg/fleet"
	"github.com/atoniolo76/radarfleet/pkg/metrics"
	"github.com/atoniolo76/radarfleet/pkg/remote"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeProvider is a scriptable FleetProvider
type fakeProvider struct {
	mu sync.Mutex

	launched   []string
	terminated []string

	// launchErrs makes the first n Launch calls fail
	launchErrs int
	// scripts[i] is the sequence of states the i-th launched node reports; the
	// last state repeats. Launches beyond the scripts go straight to running.
	scripts [][]remote.NodeState
	polls   map[string]int
	script  map[string][]remote.NodeState

	running []remote.Node

	cpu      map[string]float64
	cpuErr   map[string]error
	cpuCalls int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		polls:  make(map[string]int),
		script: make(map[string][]remote.NodeState),
		cpu:    make(map[string]float64),
		cpuErr: make(map[string]error),
	}
}

func (p *fakeProvider) Launch(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.launchErrs > 0 {
		p.launchErrs--
		return "", errors.New("insufficient capacity")
	}
	id := "node-" + uuid.NewString()
	if n := len(p.launched); n < len(p.scripts) {
		p.script[id] = p.scripts[n]
	}
	p.launched = append(p.launched, id)
	return id, nil
}

func (p *fakeProvider) PollStatus(ctx context.Context, nodeID string) (remote.NodeStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := remote.NodeRunning
	if s, ok := p.script[nodeID]; ok {
		i := p.polls[nodeID]
		if i >= len(s) {
			i = len(s) - 1
		}
		state = s[i]
	}
	p.polls[nodeID]++
	return remote.NodeStatus{
		Node:  remote.Node{ID: nodeID, Address: "10.1.0.1"},
		State: state,
		Raw:   state.String(),
	}, nil
}

func (p *fakeProvider) Terminate(ctx context.Context, nodeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = append(p.terminated, nodeID)
	return nil
}

func (p *fakeProvider) ListRunning(ctx context.Context) ([]remote.Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]remote.Node(nil), p.running...), nil
}

func (p *fakeProvider) CPUUtilization(ctx context.Context, node remote.Node, window time.Duration) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cpuCalls++
	if err, ok := p.cpuErr[node.ID]; ok {
		return 0, err
	}
	if v, ok := p.cpu[node.ID]; ok {
		return v, nil
	}
	return 50, nil // neutral for any fleet size
}

func (p *fakeProvider) launchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.launched)
}

func (p *fakeProvider) terminatedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.terminated...)
}

func (p *fakeProvider) cpuCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cpuCalls
}

type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestController(t *testing.T, p *fakeProvider, registry *fleet.Registry) (*Controller, *testClock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.LaunchPollInterval = time.Millisecond
	c := New(cfg, p, registry, nil, nil, zaptest.NewLogger(t))
	clock := &testClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c.now = clock.now
	return c, clock
}

// fleetWithCosts registers one instance per cost, named i0, i1, ...
func fleetWithCosts(costs ...float64) *fleet.Registry {
	registry := fleet.NewRegistry()
	for i, cost := range costs {
		inst := fleet.NewInstance("i"+string(rune('0'+i)), "10.0.0.1", fleet.DefaultThresholds())
		inst.AddCost(cost)
		registry.Add(inst)
	}
	return registry
}

func TestBootstrapLaunchesMinInstances(t *testing.T) {
	p := newFakeProvider()
	registry := fleet.NewRegistry()
	c, _ := newTestController(t, p, registry)

	require.NoError(t, c.Bootstrap(context.Background()))
	assert.Equal(t, 2, registry.Len())
	assert.Equal(t, 2, p.launchCount())

	// fresh instances wait for their first probe before taking requests
	for _, inst := range registry.Members() {
		assert.False(t, inst.IsHealthy())
		assert.False(t, inst.IsUnhealthy())
	}
}

func TestBootstrapAdoptsRunningNodes(t *testing.T) {
	p := newFakeProvider()
	p.running = []remote.Node{{ID: "existing", Address: "10.0.0.9"}}
	registry := fleet.NewRegistry()
	c, _ := newTestController(t, p, registry)
	c.config.AdoptRunning = true

	require.NoError(t, c.Bootstrap(context.Background()))
	assert.Equal(t, 2, registry.Len())
	assert.Equal(t, 1, p.launchCount())
	inst, ok := registry.Get("existing")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.9", inst.Address)
}

func TestBootstrapStopsWithContext(t *testing.T) {
	p := newFakeProvider()
	p.launchErrs = 1 << 30
	c, _ := newTestController(t, p, fleet.NewRegistry())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Bootstrap(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBootstrapJournalsNodes(t *testing.T) {
	store, err := db.Open(filepath.Join(t.TempDir(), "costs.db"))
	require.NoError(t, err)
	defer store.Close()

	p := newFakeProvider()
	registry := fleet.NewRegistry()
	c, _ := newTestController(t, p, registry)
	c.journal = store

	require.NoError(t, c.Bootstrap(context.Background()))

	nodes, err := store.ListNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	for _, n := range nodes {
		assert.Equal(t, "running", n.State)
		assert.Equal(t, "10.1.0.1", n.Address)
	}
}

func TestScaleUpOnCost(t *testing.T) {
	p := newFakeProvider()
	registry := fleetWithCosts(3_100_000, 3_100_001) // 6,200,001 > 3,000,000 x 2
	c, _ := newTestController(t, p, registry)

	c.Tick(context.Background())

	assert.Equal(t, 1, p.launchCount())
	assert.Equal(t, 3, registry.Len())
	assert.Empty(t, p.terminatedIDs())
	assert.True(t, c.state.inCooldown)
}

func TestScaleDownOnCostRemovesCheapest(t *testing.T) {
	p := newFakeProvider()
	registry := fleetWithCosts(1_500_000, 299_999, 1_500_000) // 3,299,999 < 1,100,000 x 3
	c, _ := newTestController(t, p, registry)

	c.Tick(context.Background())

	assert.Equal(t, []string{"i1"}, p.terminatedIDs())
	assert.Equal(t, 2, registry.Len())
	_, ok := registry.Get("i1")
	assert.False(t, ok)
	assert.Equal(t, 0, p.launchCount())
}

func TestNeverScalesBelowMinimum(t *testing.T) {
	p := newFakeProvider()
	p.cpu["i0"], p.cpu["i1"] = 0, 0
	registry := fleetWithCosts(0, 0)
	c, clock := newTestController(t, p, registry)

	for i := 0; i < 6; i++ {
		c.Tick(context.Background())
		clock.advance(10 * time.Second)
	}

	assert.Empty(t, p.terminatedIDs())
	assert.Equal(t, 2, registry.Len())
	assert.False(t, c.state.inCooldown)
}

func TestCooldownSuppressesActions(t *testing.T) {
	p := newFakeProvider()
	registry := fleetWithCosts(5_000_000, 5_000_000)
	c, clock := newTestController(t, p, registry)

	c.Tick(context.Background())
	require.Equal(t, 1, p.launchCount())

	// still overloaded: 10,000,000 > 3,000,000 x 3
	clock.advance(10 * time.Second)
	c.Tick(context.Background())
	clock.advance(10 * time.Second)
	c.Tick(context.Background())
	assert.Equal(t, 1, p.launchCount())

	clock.advance(10 * time.Second)
	c.Tick(context.Background())
	assert.Equal(t, 2, p.launchCount())
}

func TestCPUCheckedEveryThirdTick(t *testing.T) {
	p := newFakeProvider()
	registry := fleetWithCosts(2_000_000, 2_000_000) // within the cost band
	c, clock := newTestController(t, p, registry)

	want := []int{2, 2, 2, 4, 4, 4, 6}
	for i, n := range want {
		c.Tick(context.Background())
		assert.Equal(t, n, p.cpuCallCount(), "tick %d", i+1)
		clock.advance(10 * time.Second)
	}
	assert.Equal(t, 0, p.launchCount())
}

func TestCPUCounterRestartsAfterCooldown(t *testing.T) {
	p := newFakeProvider()
	registry := fleetWithCosts(2_000_000, 2_000_000)
	c, clock := newTestController(t, p, registry)

	c.Tick(context.Background()) // tick 1 checks CPU
	clock.advance(10 * time.Second)
	c.Tick(context.Background()) // tick 2 does not

	// cost spike triggers an action on tick 3
	registry.Members()[0].AddCost(5_000_000)
	clock.advance(10 * time.Second)
	c.Tick(context.Background())
	require.Equal(t, 1, p.launchCount())
	require.Equal(t, 2, p.cpuCallCount())

	// back in the band with 3 members
	registry.Members()[0].RemoveCost(5_000_000)
	clock.advance(31 * time.Second)
	c.Tick(context.Background())
	assert.Equal(t, 5, p.cpuCallCount(), "first tick after cooldown checks CPU")
}

func TestScaleUpOnCPU(t *testing.T) {
	p := newFakeProvider()
	p.cpu["i0"], p.cpu["i1"] = 85, 90 // 175 > 80 x 2
	registry := fleetWithCosts(2_000_000, 2_000_000)
	c, _ := newTestController(t, p, registry)

	c.Tick(context.Background())
	assert.Equal(t, 1, p.launchCount())
	assert.True(t, c.state.inCooldown)
}

func TestScaleDownOnCPU(t *testing.T) {
	p := newFakeProvider()
	p.cpu["i0"], p.cpu["i1"], p.cpu["i2"] = 20, 5, 20 // 45 < 30 x 3
	registry := fleetWithCosts(2_000_000, 2_000_000, 2_000_000)
	c, _ := newTestController(t, p, registry)

	c.Tick(context.Background())
	assert.Equal(t, []string{"i1"}, p.terminatedIDs())
}

func TestMissingCPUMetricSkipsEvaluation(t *testing.T) {
	p := newFakeProvider()
	p.cpu["i0"] = 100
	p.cpuErr["i1"] = remote.ErrMetricUnavailable
	registry := fleetWithCosts(2_000_000, 2_000_000)
	c, _ := newTestController(t, p, registry)

	c.Tick(context.Background())
	assert.Equal(t, 0, p.launchCount())
	assert.False(t, c.state.inCooldown)
}

func TestReplacesUnhealthyInstances(t *testing.T) {
	p := newFakeProvider()
	registry := fleetWithCosts(2_000_000, 2_000_000)
	sick, _ := registry.Get("i0")
	sick.RegisterHealthy()
	sick.RegisterUnhealthy()
	sick.RegisterUnhealthy()
	require.True(t, sick.IsUnhealthy())

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	c, _ := newTestController(t, p, registry)
	c.metrics = m

	c.Tick(context.Background())

	assert.Equal(t, []string{"i0"}, p.terminatedIDs())
	assert.Equal(t, 1, p.launchCount())
	assert.Equal(t, 2, registry.Len())
	_, ok := registry.Get("i0")
	assert.False(t, ok)
	assert.False(t, c.state.inCooldown, "replacement is not a scaling action")

	expected := `
# HELP radarfleet_autoscaler_actions_total Scaling actions taken by the fleet controller
# TYPE radarfleet_autoscaler_actions_total counter
radarfleet_autoscaler_actions_total{action="replace",signal="unhealthy"} 1
# HELP radarfleet_fleet_size Number of instances in the fleet
# TYPE radarfleet_fleet_size gauge
radarfleet_fleet_size 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		metrics.AutoscalerActionsTotal, metrics.FleetSize))
}

func TestLaunchRetriesFailedRequests(t *testing.T) {
	p := newFakeProvider()
	p.launchErrs = 3
	registry := fleet.NewRegistry()
	c, _ := newTestController(t, p, registry)

	inst, err := c.launchInstance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.launchCount())
	assert.Equal(t, 1, registry.Len())
	_, ok := registry.Get(inst.ID)
	assert.True(t, ok)
}

func TestLaunchRelaunchesNodesThatFailToStart(t *testing.T) {
	p := newFakeProvider()
	p.scripts = [][]remote.NodeState{
		{remote.NodePending, remote.NodePending, remote.NodeOther},
		{remote.NodePending, remote.NodeRunning},
	}
	registry := fleet.NewRegistry()
	c, _ := newTestController(t, p, registry)

	inst, err := c.launchInstance(context.Background())
	require.NoError(t, err)

	require.Equal(t, 2, p.launchCount())
	if diff := cmp.Diff([]string{p.launched[0]}, p.terminatedIDs()); diff != "" {
		t.Errorf("terminated nodes mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, p.launched[1], inst.ID)
	assert.Equal(t, 1, registry.Len())
}

func TestRunStopsWithContext(t *testing.T) {
	p := newFakeProvider()
	registry := fleet.NewRegistry()
	c, _ := newTestController(t, p, registry)
	c.config.TickInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return registry.Len() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
