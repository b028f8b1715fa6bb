package env

import (
	"sync"
	"time"

	"github.com/netfabric/meshguard/internal/config"
	"github.com/netfabric/meshguard/internal/node"
	"github.com/netfabric/meshguard/pkg/types"
)

// trafficSource emits scheduled background traffic from one node, giving
// the monitors a baseline of benign activity.
type trafficSource struct {
	src  *node.Node
	spec config.TrafficSpec

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func newTrafficSource(src *node.Node, spec config.TrafficSpec) *trafficSource {
	return &trafficSource{src: src, spec: spec, stopCh: make(chan struct{})}
}

func (t *trafficSource) Start() {
	t.wg.Add(1)
	go t.run()
}

func (t *trafficSource) run() {
	defer t.wg.Done()

	var task *types.TaskSpec
	if t.spec.TaskCPU > 0 || t.spec.TaskBW > 0 {
		task = &types.TaskSpec{
			CPULoad:  t.spec.TaskCPU,
			BWLoad:   t.spec.TaskBW,
			Duration: t.spec.TaskDuration,
		}
	}

	ticker := time.NewTicker(t.spec.Interval)
	defer ticker.Stop()

	for sent := 0; ; {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.src.SendData(types.Identity(t.spec.To), t.spec.Body, task)
			sent++
			if t.spec.Count > 0 && sent >= t.spec.Count {
				return
			}
		}
	}
}

func (t *trafficSource) Stop() {
	t.once.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}
