// Copyright 2026 The Keel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coordinator

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keelkv/keel/common"
	"github.com/keelkv/keel/common/metrics"
	"github.com/keelkv/keel/wire"
)

type NodeStatus uint32

const (
	Running NodeStatus = iota
	NotRunning
)

const (
	heartbeatProbeInterval = 2 * time.Second
	heartbeatProbeTimeout  = 2 * time.Second
)

// NodeController polls one storage node's heartbeat and notifies the
// availability listener when it stops answering. The heartbeat payload also
// carries the replication progress of every hosted shard, consumed by the
// migration engine.
type NodeController interface {
	io.Closer

	Status() NodeStatus

	// LastHeartbeat is the most recent liveness report from the node.
	LastHeartbeat() *wire.Heartbeat
}

type nodeController struct {
	sync.Mutex

	node     string
	status   NodeStatus
	rpc      NodeRpcProvider
	listener NodeAvailabilityListener

	lastHeartbeat *wire.Heartbeat

	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	nodeIsRunningGauge metrics.Gauge
	failedHealthChecks metrics.Counter
}

func NewNodeController(node string, rpc NodeRpcProvider, listener NodeAvailabilityListener) NodeController {
	labels := map[string]any{"node": node}
	nc := &nodeController{
		node:     node,
		status:   Running,
		rpc:      rpc,
		listener: listener,
		log: log.With().
			Str("component", "node-controller").
			Str("node", node).
			Logger(),

		failedHealthChecks: metrics.NewCounter("keel_coordinator_node_health_checks_failed",
			"The number of failed health checks to a node", metrics.Count, labels),
	}

	nc.ctx, nc.cancel = context.WithCancel(context.Background())

	nc.nodeIsRunningGauge = metrics.NewGauge("keel_coordinator_node_running",
		"Whether the node is considered to be running by the coordinator",
		metrics.Count, labels, func() int64 {
			if nc.Status() == Running {
				return 1
			}
			return 0
		})

	go common.DoWithLabels(map[string]string{
		"keel": "node-controller",
		"node": node,
	}, nc.healthCheckWithRetries)

	nc.log.Info().Msg("Started node controller")
	return nc
}

func (n *nodeController) Status() NodeStatus {
	n.Lock()
	defer n.Unlock()
	return n.status
}

func (n *nodeController) LastHeartbeat() *wire.Heartbeat {
	n.Lock()
	defer n.Unlock()
	return n.lastHeartbeat
}

func (n *nodeController) healthCheckWithRetries() {
	backOff := common.NewBackOff(n.ctx)
	_ = backoff.RetryNotify(func() error {
		return n.healthCheck(backOff)
	}, backOff, func(err error, duration time.Duration) {
		n.log.Warn().Err(err).
			Dur("retry-after", duration).
			Msg("Storage node health check failed")

		n.Lock()
		wasRunning := n.status == Running
		n.status = NotRunning
		n.Unlock()

		if wasRunning {
			n.failedHealthChecks.Inc()
			n.listener.NodeBecameUnavailable(n.node)
		}
	})
}

func (n *nodeController) healthCheck(backOff backoff.BackOff) error {
	ticker := time.NewTicker(heartbeatProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			probeCtx, probeCancel := context.WithTimeout(n.ctx, heartbeatProbeTimeout)
			hb, err := n.rpc.GetHeartbeat(probeCtx, n.node)
			probeCancel()
			if err != nil {
				return err
			}

			n.Lock()
			if n.status == NotRunning {
				n.log.Info().Msg("Storage node is back online")
			}
			n.status = Running
			n.lastHeartbeat = hb
			n.Unlock()

			backOff.Reset()

		case <-n.ctx.Done():
			return backoff.Permanent(n.ctx.Err())
		}
	}
}

func (n *nodeController) Close() error {
	n.nodeIsRunningGauge.Unregister()
	n.cancel()

	n.log.Info().Msg("Closed node controller")
	return nil
}
