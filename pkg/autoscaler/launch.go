package autoscaler

import (
	"context"
	"time"

	"github.com/atoniolo76/radarfleet/pkg/db"
	"github.com/atoniolo76/radarfleet/pkg/fleet"
	"github.com/atoniolo76/radarfleet/pkg/remote"
	"go.uber.org/zap"
)

// launchInstance provisions one node and blocks until it is running and in the
// fleet. Launch requests that fail, and nodes that end up in any state other
// than pending or running, are retried with a new launch. Only ctx ends the loop.
func (c *Controller) launchInstance(ctx context.Context) (*fleet.Instance, error) {
	for {
		nodeID, err := c.provider.Launch(ctx)
		if err != nil {
			c.logger.Warn("launch request failed, retrying", zap.Error(err))
			if err := c.sleep(ctx); err != nil {
				return nil, err
			}
			continue
		}

		c.logger.Warn("creating new instance", zap.String("node", nodeID))
		c.journalNode(ctx, remote.NodeStatus{Node: remote.Node{ID: nodeID}, State: remote.NodePending})

		inst, err := c.waitRunning(ctx, nodeID)
		if err != nil {
			return nil, err
		}
		if inst != nil {
			return inst, nil
		}
		// node failed to come up, launch another
	}
}

// waitRunning polls nodeID until it is running (returns the registered
// instance) or reaches another terminal state (returns nil, nil).
func (c *Controller) waitRunning(ctx context.Context, nodeID string) (*fleet.Instance, error) {
	for {
		status, err := c.provider.PollStatus(ctx, nodeID)
		if err != nil {
			c.logger.Debug("status poll failed", zap.String("node", nodeID), zap.Error(err))
		} else {
			switch status.State {
			case remote.NodeRunning:
				c.logger.Info("instance is running", zap.String("node", nodeID), zap.String("address", status.Address))
				return c.register(ctx, status.Node), nil
			case remote.NodePending:
			default:
				c.logger.Warn("instance failed to start, relaunching",
					zap.String("node", nodeID), zap.String("status", status.Raw))
				c.terminate(ctx, nodeID)
				return nil, nil
			}
		}

		if err := c.sleep(ctx); err != nil {
			c.logger.Warn("abandoning launch", zap.String("node", nodeID), zap.Error(err))
			return nil, err
		}
	}
}

// register adds a running node to the fleet as a fresh instance
func (c *Controller) register(ctx context.Context, node remote.Node) *fleet.Instance {
	inst := fleet.NewInstance(node.ID, node.Address, c.config.Health)
	c.fleet.Add(inst)
	c.journalNode(ctx, remote.NodeStatus{Node: node, State: remote.NodeRunning})
	return inst
}

func (c *Controller) journalNode(ctx context.Context, status remote.NodeStatus) {
	if c.journal == nil {
		return
	}
	err := c.journal.SaveNode(ctx, db.Node{ID: status.ID, Address: status.Address, State: status.State.String()})
	if err != nil {
		c.logger.Debug("failed to record node", zap.String("node", status.ID), zap.Error(err))
	}
}

func (c *Controller) sleep(ctx context.Context) error {
	t := time.NewTimer(c.config.LaunchPollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
