/*
Copyright © 2025 ALESSIO TONIOLO

instance.go tracks one worker node: the estimated cost of the requests it is
currently serving and a health state with hysteresis, so a single failed or
successful signal does not flip it.
*/
package fleet

import (
	"fmt"
	"sync"
)

// Thresholds configure the health hysteresis
type Thresholds struct {
	Healthy   int // consecutive good signals to heal
	Unhealthy int // consecutive bad signals to be replaced
}

// DefaultThresholds heal after 4 good signals and fail after 2 bad ones
func DefaultThresholds() Thresholds {
	return Thresholds{Healthy: 4, Unhealthy: 2}
}

// Instance is shared between the router and the autoscaler. All mutable state
// sits behind the instance's own lock so unrelated instances never contend.
type Instance struct {
	ID      string
	Address string

	thresholds Thresholds

	mu          sync.Mutex
	currentCost float64
	healthy     int
	unhealthy   int
	initialized bool
}

// Status is a point-in-time copy of an Instance
type Status struct {
	ID                   string  `json:"id"`
	Address              string  `json:"address"`
	CurrentCost          float64 `json:"current_cost"`
	ConsecutiveHealthy   int     `json:"consecutive_healthy"`
	ConsecutiveUnhealthy int     `json:"consecutive_unhealthy"`
	Initialized          bool    `json:"initialized"`
	Healthy              bool    `json:"healthy"`
}

func NewInstance(id, address string, thresholds Thresholds) *Instance {
	return &Instance{ID: id, Address: address, thresholds: thresholds}
}

// AddCost adds a signed delta to the in-flight cost. No floor is enforced.
func (i *Instance) AddCost(cost float64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.currentCost += cost
}

func (i *Instance) RemoveCost(cost float64) {
	i.AddCost(-cost)
}

func (i *Instance) CurrentCost() float64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.currentCost
}

// RegisterHealthy records a successful probe or request.
func (i *Instance) RegisterHealthy() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.isHealthy() {
		return
	}
	i.initialized = true
	i.healthy++
	if i.healthy >= i.thresholds.Healthy {
		i.unhealthy = 0
	}
}

// RegisterUnhealthy records a failed probe or request. Ignored until the
// instance answered at least once.
func (i *Instance) RegisterUnhealthy() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.initialized {
		return
	}
	i.unhealthy++
	i.healthy = 0
}

// IsHealthy reports whether requests may be routed to the instance
func (i *Instance) IsHealthy() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.isHealthy()
}

func (i *Instance) isHealthy() bool {
	return i.initialized && i.unhealthy == 0
}

// IsUnhealthy reports whether the instance should be replaced
func (i *Instance) IsUnhealthy() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.unhealthy >= i.thresholds.Unhealthy
}

func (i *Instance) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Status{
		ID:                   i.ID,
		Address:              i.Address,
		CurrentCost:          i.currentCost,
		ConsecutiveHealthy:   i.healthy,
		ConsecutiveUnhealthy: i.unhealthy,
		Initialized:          i.initialized,
		Healthy:              i.isHealthy(),
	}
}

func (i *Instance) String() string {
	s := i.Status()
	return fmt.Sprintf("Instance{id=%s, cost=%.1f, unhealthy=%d, healthy=%d}",
		s.ID, s.CurrentCost, s.ConsecutiveUnhealthy, s.ConsecutiveHealthy)
}
