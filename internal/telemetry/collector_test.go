package telemetry

import (
	"testing"
	"time"

	"github.com/netfabric/meshguard/pkg/types"
)

type stubSource struct {
	id    types.Identity
	calls int
}

func (s *stubSource) Snapshot() types.AgentSnapshot {
	s.calls++
	return types.AgentSnapshot{ID: s.id, Kind: "node", CPUUsage: 42}
}

func TestCollectorAggregates(t *testing.T) {
	dropped := func() map[string]int64 { return map[string]int64{"overflow": 3} }
	c := NewCollector(dropped, time.Hour)
	c.Register(&stubSource{id: "node0"})
	c.Register(&stubSource{id: "node1"})

	r := c.Report()
	if len(r.Agents) != 2 {
		t.Fatalf("agents = %d, want 2", len(r.Agents))
	}
	if r.Dropped["overflow"] != 3 {
		t.Errorf("dropped = %+v", r.Dropped)
	}
	if r.Process.Goroutines <= 0 {
		t.Errorf("process stats missing: %+v", r.Process)
	}
}

func TestCollectorCachesWithinTTL(t *testing.T) {
	src := &stubSource{id: "node0"}
	c := NewCollector(nil, time.Hour)
	c.Register(src)

	c.Report()
	c.Report()
	c.Report()
	if src.calls != 1 {
		t.Errorf("snapshot calls = %d, want 1 inside the TTL", src.calls)
	}
}
