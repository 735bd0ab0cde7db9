package fleet

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry is the fleet membership map shared by the router and the autoscaler.
// It is safe to range over while other goroutines add or remove members.
type Registry struct {
	members *xsync.MapOf[string, *Instance]
}

func NewRegistry() *Registry {
	return &Registry{members: xsync.NewMapOf[string, *Instance]()}
}

// Add registers inst, replacing any member with the same ID
func (r *Registry) Add(inst *Instance) {
	r.members.Store(inst.ID, inst)
}

// Remove drops the member and returns it if it was present
func (r *Registry) Remove(id string) (*Instance, bool) {
	return r.members.LoadAndDelete(id)
}

func (r *Registry) Get(id string) (*Instance, bool) {
	return r.members.Load(id)
}

func (r *Registry) Len() int {
	return r.members.Size()
}

// Range calls f for every member until f returns false
func (r *Registry) Range(f func(inst *Instance) bool) {
	r.members.Range(func(_ string, inst *Instance) bool {
		return f(inst)
	})
}

// Members returns the current members sorted by ID
func (r *Registry) Members() []*Instance {
	out := make([]*Instance, 0, r.members.Size())
	r.Range(func(inst *Instance) bool {
		out = append(out, inst)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LeastLoadedHealthy returns the healthy member with the lowest current cost
func (r *Registry) LeastLoadedHealthy() *Instance {
	var best *Instance
	bestCost := 0.0
	r.Range(func(inst *Instance) bool {
		if !inst.IsHealthy() {
			return true
		}
		cost := inst.CurrentCost()
		if best == nil || cost < bestCost {
			best = inst
			bestCost = cost
		}
		return true
	})
	return best
}

// HealthyCount counts members that currently accept requests
func (r *Registry) HealthyCount() int {
	n := 0
	r.Range(func(inst *Instance) bool {
		if inst.IsHealthy() {
			n++
		}
		return true
	})
	return n
}

// TotalCost sums the in-flight cost of every member
func (r *Registry) TotalCost() float64 {
	sum := 0.0
	r.Range(func(inst *Instance) bool {
		sum += inst.CurrentCost()
		return true
	})
	return sum
}

// Statuses snapshots every member, sorted by ID
func (r *Registry) Statuses() []Status {
	members := r.Members()
	out := make([]Status, 0, len(members))
	for _, inst := range members {
		out = append(out, inst.Status())
	}
	return out
}
