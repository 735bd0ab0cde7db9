package remote

import (
	"context"
	"errors"
	"time"
)

// ErrMetricUnavailable means no usable CPU sample exists for the requested window
var ErrMetricUnavailable = errors.New("metric unavailable")

// NodeState is the provisioning state of a node as seen by the autoscaler
type NodeState int

const (
	NodePending NodeState = iota
	NodeRunning
	NodeOther // failed, terminated, preempted, ... never becomes Running
)

func (s NodeState) String() string {
	switch s {
	case NodePending:
		return "pending"
	case NodeRunning:
		return "running"
	default:
		return "other"
	}
}

// Node identifies a worker node and where to reach it
type Node struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// NodeStatus is the result of polling a node
type NodeStatus struct {
	Node
	State NodeState
	Raw   string // provider specific status string
}

// FleetProvider provisions worker nodes and reports on them.
type FleetProvider interface {
	// Launch requests one new node and returns its ID without waiting for it
	Launch(ctx context.Context) (string, error)
	PollStatus(ctx context.Context, nodeID string) (NodeStatus, error)
	Terminate(ctx context.Context, nodeID string) error
	ListRunning(ctx context.Context) ([]Node, error)
	// CPUUtilization returns the latest CPU percent sampled within window, or ErrMetricUnavailable
	CPUUtilization(ctx context.Context, node Node, window time.Duration) (float64, error)
}
