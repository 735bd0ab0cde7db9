package router

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/atoniolo76/radarfleet/pkg/fleet"
	"go.uber.org/zap"
)

// =============================================================================
// MAINTENANCE
// =============================================================================

// maintenanceLoop runs one cycle right away and then one per interval
func (r *Router) maintenanceLoop() {
	defer r.wg.Done()

	r.RunMaintenance(r.ctx)

	ticker := time.NewTicker(r.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.RunMaintenance(r.ctx)
		}
	}
}

// RunMaintenance probes every instance and then refreshes the cache from the
// store. Returns false without doing anything if a cycle is already running.
func (r *Router) RunMaintenance(ctx context.Context) bool {
	if !r.maintaining.CompareAndSwap(false, true) {
		r.logger.Debug("maintenance already running, skipping cycle")
		return false
	}
	defer r.maintaining.Store(false)

	r.probeAllInstances(ctx)
	r.refreshCosts(ctx)

	r.metrics.SetFleet(r.fleet.Len(), r.fleet.TotalCost())
	r.metrics.SetCacheEntries(r.cache.Len())
	return true
}

// probeAllInstances probes every member concurrently
func (r *Router) probeAllInstances(ctx context.Context) {
	members := r.fleet.Members()

	var wg sync.WaitGroup
	for _, inst := range members {
		wg.Add(1)
		go func(inst *fleet.Instance) {
			defer wg.Done()
			r.probeInstance(ctx, inst)
		}(inst)
	}
	wg.Wait()
}

// probeInstance issues one liveness probe. A timeout counts as a failure.
func (r *Router) probeInstance(ctx context.Context, inst *fleet.Instance) {
	ctx, cancel := context.WithTimeout(ctx, r.config.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.instanceURL(inst, r.config.HealthEndpoint, ""), nil)
	if err != nil {
		inst.RegisterUnhealthy()
		return
	}

	resp, err := r.probeClient.Do(req)
	if err != nil {
		inst.RegisterUnhealthy()
		r.logger.Warn("health probe failed", zap.String("instance", inst.ID), zap.Error(err))
		return
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		inst.RegisterUnhealthy()
		r.logger.Warn("health probe failed", zap.String("instance", inst.ID), zap.Int("status", resp.StatusCode))
		return
	}

	inst.RegisterHealthy()
	r.logger.Debug("health probe ok", zap.String("instance", inst.ID))
}

// refreshCosts pulls the observed costs of completed queries into the cache.
// Queries are put back when the store cannot be reached.
func (r *Router) refreshCosts(ctx context.Context) {
	if r.store == nil {
		return
	}
	queries := r.takePending()
	if len(queries) == 0 {
		return
	}

	rows, err := r.store.FetchFiltered(ctx, queries)
	if err != nil {
		r.requeue(queries)
		r.logger.Warn("cost refresh failed", zap.Int("queries", len(queries)), zap.Error(err))
		return
	}

	entries := toEntries(rows, r.logger)
	r.cache.PutAll(entries)
	r.metrics.CostsRefreshed(len(entries))
	r.logger.Debug("costs refreshed", zap.Int("queries", len(queries)), zap.Int("found", len(entries)))
}
