/*
Copyright © 2025 ALESSIO TONIOLO

controller.go implements the fleet controller. Every tick it replaces the
instances the router gave up on, then scales the fleet on the summed in-flight
cost and, every few ticks, on summed CPU utilization. Any scaling action starts
a cooldown during which neither signal is evaluated.
*/
package autoscaler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atoniolo76/radarfleet/pkg/config"
	"github.com/atoniolo76/radarfleet/pkg/db"
	"github.com/atoniolo76/radarfleet/pkg/fleet"
	"github.com/atoniolo76/radarfleet/pkg/metrics"
	"github.com/atoniolo76/radarfleet/pkg/remote"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config configures the controller
type Config struct {
	MinInstances     int
	CostThresholdMin float64
	CostThresholdMax float64
	CPUThresholdMin  float64
	CPUThresholdMax  float64

	TickInterval       time.Duration
	Cooldown           time.Duration
	CPUCheckEvery      int
	CPUWindow          time.Duration
	MetricTimeout      time.Duration
	LaunchPollInterval time.Duration

	// AdoptRunning registers nodes already running at the provider during
	// bootstrap instead of launching fresh ones
	AdoptRunning bool

	Health fleet.Thresholds
}

// DefaultConfig returns the controller defaults
func DefaultConfig() *Config {
	return &Config{
		MinInstances:       config.DefaultMinInstances,
		CostThresholdMin:   config.DefaultCostThresholdMin,
		CostThresholdMax:   config.DefaultCostThresholdMax,
		CPUThresholdMin:    config.DefaultCPUThresholdMin,
		CPUThresholdMax:    config.DefaultCPUThresholdMax,
		TickInterval:       config.DefaultTickInterval,
		Cooldown:           config.DefaultCooldown,
		CPUCheckEvery:      config.DefaultCPUCheckEvery,
		CPUWindow:          config.DefaultCPUWindow,
		MetricTimeout:      config.DefaultMetricTimeout,
		LaunchPollInterval: config.DefaultLaunchPollInterval,
		Health: fleet.Thresholds{
			Healthy:   config.DefaultHealthyThreshold,
			Unhealthy: config.DefaultUnhealthyThreshold,
		},
	}
}

// NodeJournal records the nodes the controller owns. Optional.
type NodeJournal interface {
	SaveNode(ctx context.Context, node db.Node) error
	DeleteNode(ctx context.Context, id string) error
}

// scaleState is only touched from Tick
type scaleState struct {
	inCooldown    bool
	cooldownUntil time.Time
	cpuTick       int
}

// Controller keeps the fleet sized to its load
type Controller struct {
	config   *Config
	provider remote.FleetProvider
	fleet    *fleet.Registry
	journal  NodeJournal

	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	tickMu sync.Mutex
	state  scaleState
}

func New(cfg *Config, provider remote.FleetProvider, registry *fleet.Registry, journal NodeJournal,
	m *metrics.Metrics, logger *zap.Logger) *Controller {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		config:   cfg,
		provider: provider,
		fleet:    registry,
		journal:  journal,
		metrics:  m,
		logger:   logger.Named("autoscaler"),
		now:      time.Now,
	}
}

// Run bootstraps the fleet and then ticks until ctx is done. The first tick
// runs right after bootstrap.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Bootstrap(ctx); err != nil {
		return err
	}

	c.Tick(ctx)

	ticker := time.NewTicker(c.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Bootstrap brings the fleet up to MinInstances, launching in parallel, and
// blocks until every launched node is running.
func (c *Controller) Bootstrap(ctx context.Context) error {
	missing := c.config.MinInstances - c.fleet.Len()

	if c.config.AdoptRunning && missing > 0 {
		nodes, err := c.provider.ListRunning(ctx)
		if err != nil {
			c.logger.Warn("failed to list running nodes, launching fresh ones", zap.Error(err))
		}
		for _, node := range nodes {
			if _, ok := c.fleet.Get(node.ID); ok {
				continue
			}
			c.register(ctx, node)
			c.logger.Info("adopted running node", zap.String("node", node.ID), zap.String("address", node.Address))
			missing--
		}
	}

	if missing <= 0 {
		return nil
	}

	c.logger.Info("bootstrapping fleet", zap.Int("launching", missing))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < missing; i++ {
		g.Go(func() error {
			_, err := c.launchInstance(gctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("bootstrap interrupted: %w", err)
	}

	c.metrics.SetFleet(c.fleet.Len(), c.fleet.TotalCost())
	c.logger.Info("fleet bootstrapped", zap.Int("instances", c.fleet.Len()))
	return nil
}

// Tick runs one evaluation. Calls are serialized.
func (c *Controller) Tick(ctx context.Context) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	c.replaceUnhealthy(ctx)
	defer func() {
		c.metrics.SetFleet(c.fleet.Len(), c.fleet.TotalCost())
	}()

	if c.state.inCooldown {
		if c.now().Before(c.state.cooldownUntil) {
			return
		}
		c.state.inCooldown = false
		c.state.cpuTick = 0
	}

	if c.state.cpuTick >= c.config.CPUCheckEvery {
		c.state.cpuTick = 0
	}
	checkCPU := c.state.cpuTick == 0
	c.state.cpuTick++

	acted := c.scaleOnCost(ctx)
	if !acted && checkCPU {
		acted = c.scaleOnCPU(ctx)
	}

	if acted {
		c.state.inCooldown = true
		c.state.cooldownUntil = c.now().Add(c.config.Cooldown)
		c.logger.Debug("cooldown started", zap.Time("until", c.state.cooldownUntil))
	}
}

// replaceUnhealthy terminates every instance the router marked unhealthy and
// launches one replacement for each
func (c *Controller) replaceUnhealthy(ctx context.Context) {
	for _, inst := range c.fleet.Members() {
		if !inst.IsUnhealthy() {
			continue
		}
		c.logger.Warn("instance unhealthy, replacing it", zap.String("instance", inst.ID))
		c.fleet.Remove(inst.ID)
		c.terminate(ctx, inst.ID)
		c.metrics.ScalingAction(metrics.ActionReplace, metrics.SignalUnhealthy)

		if _, err := c.launchInstance(ctx); err != nil {
			c.logger.Warn("replacement launch interrupted", zap.String("instance", inst.ID), zap.Error(err))
			return
		}
	}
}

// scaleOnCost applies the thresholds to the summed in-flight cost
func (c *Controller) scaleOnCost(ctx context.Context) bool {
	members := c.fleet.Members()
	if len(members) == 0 {
		return false
	}

	sum := 0.0
	var minInst *fleet.Instance
	minCost := 0.0
	for _, inst := range members {
		cost := inst.CurrentCost()
		c.logger.Debug("instance cost", zap.String("instance", inst.ID), zap.Float64("cost", cost))
		sum += cost
		if minInst == nil || cost < minCost {
			minInst = inst
			minCost = cost
		}
	}

	return c.takeAction(ctx, metrics.SignalCost, sum, len(members),
		c.config.CostThresholdMax, c.config.CostThresholdMin, minInst.ID)
}

// scaleOnCPU applies the thresholds to summed CPU utilization. A missing sample
// for any instance skips the evaluation.
func (c *Controller) scaleOnCPU(ctx context.Context) bool {
	members := c.fleet.Members()
	if len(members) == 0 {
		return false
	}

	sum := 0.0
	minID := ""
	minCPU := 0.0
	for _, inst := range members {
		cpu, err := c.cpuUtilization(ctx, inst)
		if err != nil {
			c.logger.Warn("insufficient CPU utilization metrics, skipping CPU evaluation",
				zap.String("instance", inst.ID), zap.Error(err))
			return false
		}
		c.logger.Debug("instance cpu", zap.String("instance", inst.ID), zap.Float64("cpu", cpu))
		sum += cpu
		if minID == "" || cpu < minCPU {
			minID = inst.ID
			minCPU = cpu
		}
	}

	return c.takeAction(ctx, metrics.SignalCPU, sum, len(members),
		c.config.CPUThresholdMax, c.config.CPUThresholdMin, minID)
}

func (c *Controller) cpuUtilization(ctx context.Context, inst *fleet.Instance) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.MetricTimeout)
	defer cancel()
	return c.provider.CPUUtilization(ctx, remote.Node{ID: inst.ID, Address: inst.Address}, c.config.CPUWindow)
}

// takeAction launches one instance when sum exceeds upper per instance, or
// terminates minID when sum is below lower per instance and the fleet is above
// its floor. size is the fleet size the sum was taken over.
func (c *Controller) takeAction(ctx context.Context, signal string, sum float64, size int,
	upper, lower float64, minID string) bool {
	n := float64(size)

	if sum > upper*n {
		c.logger.Info("scaling up",
			zap.String("signal", signal), zap.Float64("sum", sum), zap.Float64("limit", upper*n))
		c.metrics.ScalingAction(metrics.ActionScaleUp, signal)
		if _, err := c.launchInstance(ctx); err != nil {
			c.logger.Warn("scale up interrupted", zap.Error(err))
		}
		return true
	}

	if sum < lower*n && size > c.config.MinInstances {
		c.logger.Info("scaling down",
			zap.String("signal", signal), zap.Float64("sum", sum), zap.Float64("limit", lower*n),
			zap.String("instance", minID))
		c.metrics.ScalingAction(metrics.ActionScaleDown, signal)
		c.fleet.Remove(minID)
		c.terminate(ctx, minID)
		return true
	}

	return false
}

// terminate releases a node at the provider. Failures are logged only; the
// node is already out of the fleet.
func (c *Controller) terminate(ctx context.Context, id string) {
	c.logger.Warn("removing instance", zap.String("instance", id))
	if err := c.provider.Terminate(ctx, id); err != nil {
		c.logger.Warn("terminate failed", zap.String("instance", id), zap.Error(err))
	}
	if c.journal != nil {
		if err := c.journal.DeleteNode(ctx, id); err != nil {
			c.logger.Debug("failed to drop node record", zap.String("instance", id), zap.Error(err))
		}
	}
}
