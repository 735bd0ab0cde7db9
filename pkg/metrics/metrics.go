package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names
const (
	RouterRequestsTotal         = "radarfleet_router_requests_total"
	RouterDispatchRetriesTotal  = "radarfleet_router_dispatch_retries_total"
	FleetSize                   = "radarfleet_fleet_size"
	FleetCostSum                = "radarfleet_fleet_cost_sum"
	AutoscalerActionsTotal      = "radarfleet_autoscaler_actions_total"
	CostCacheEntries            = "radarfleet_costcache_entries"
	MaintenanceRefreshedEntries = "radarfleet_router_refreshed_costs_total"
)

// Request outcomes
const (
	OutcomeOK          = "ok"
	OutcomeBadRequest  = "bad_request"
	OutcomeNoCapacity  = "no_capacity"
	OutcomeDispatchErr = "dispatch_failed"
)

// Scaling actions and the signal that triggered them
const (
	ActionScaleUp   = "scale_up"
	ActionScaleDown = "scale_down"
	ActionReplace   = "replace"

	SignalCost      = "cost"
	SignalCPU       = "cpu"
	SignalUnhealthy = "unhealthy"
)

// Metrics holds the control plane collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	requests        *prometheus.CounterVec
	dispatchRetries prometheus.Counter
	fleetSize       prometheus.Gauge
	fleetCost       prometheus.Gauge
	actions         *prometheus.CounterVec
	cacheEntries    prometheus.Gauge
	refreshed       prometheus.Counter
}

// New creates the collectors and registers them with registry
func New(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: RouterRequestsTotal,
				Help: "Scan requests handled by the router, by outcome",
			},
			[]string{"outcome"},
		),
		dispatchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: RouterDispatchRetriesTotal,
			Help: "Forwarding attempts that failed and were re-placed on another instance",
		}),
		fleetSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: FleetSize,
			Help: "Number of instances in the fleet",
		}),
		fleetCost: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: FleetCostSum,
			Help: "Sum of the estimated in-flight cost over all instances",
		}),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: AutoscalerActionsTotal,
				Help: "Scaling actions taken by the fleet controller",
			},
			[]string{"action", "signal"},
		),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: CostCacheEntries,
			Help: "Number of fingerprints held in the cost estimation cache",
		}),
		refreshed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MaintenanceRefreshedEntries,
			Help: "Observed costs pulled from the metadata store into the cache",
		}),
	}

	collectors := map[string]prometheus.Collector{
		RouterRequestsTotal:         m.requests,
		RouterDispatchRetriesTotal:  m.dispatchRetries,
		FleetSize:                   m.fleetSize,
		FleetCostSum:                m.fleetCost,
		AutoscalerActionsTotal:      m.actions,
		CostCacheEntries:            m.cacheEntries,
		MaintenanceRefreshedEntries: m.refreshed,
	}
	for name, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register %s metric: %w", name, err)
		}
	}
	return m, nil
}

func (m *Metrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DispatchRetry() {
	if m == nil {
		return
	}
	m.dispatchRetries.Inc()
}

func (m *Metrics) SetFleet(size int, costSum float64) {
	if m == nil {
		return
	}
	m.fleetSize.Set(float64(size))
	m.fleetCost.Set(costSum)
}

func (m *Metrics) ScalingAction(action, signal string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, signal).Inc()
}

func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

func (m *Metrics) CostsRefreshed(n int) {
	if m == nil {
		return
	}
	m.refreshed.Add(float64(n))
}
