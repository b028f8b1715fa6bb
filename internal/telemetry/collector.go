// Package telemetry exposes the simulation's observable state: periodic
// agent snapshots over a websocket stream, plus optional incident-event
// sinks (Redis list, Postgres table).
package telemetry

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/netfabric/meshguard/pkg/types"
)

// Source is anything producing an agent snapshot. Snapshot must not block
// on agent progress.
type Source interface {
	Snapshot() types.AgentSnapshot
}

// ProcessStats is the host-process view attached to every report.
type ProcessStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Goroutines int     `json:"goroutines"`
}

// Report is one full telemetry frame.
type Report struct {
	TakenAt time.Time             `json:"taken_at"`
	Agents  []types.AgentSnapshot `json:"agents"`
	Dropped map[string]int64      `json:"dropped,omitempty"`
	Process ProcessStats          `json:"process"`
}

// DroppedFunc reads the bus's drop counters.
type DroppedFunc func() map[string]int64

// Collector aggregates snapshots from every registered source. Reports are
// cached briefly so concurrent websocket clients share one collection pass.
type Collector struct {
	dropped DroppedFunc
	proc    *process.Process
	ttl     time.Duration

	mu      sync.Mutex
	sources []Source
	cached  Report
	takenAt time.Time
}

// NewCollector creates a collector with the given cache TTL.
func NewCollector(dropped DroppedFunc, ttl time.Duration) *Collector {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	return &Collector{dropped: dropped, proc: proc, ttl: ttl}
}

// Register adds a snapshot source. Call during environment assembly, before
// the stream starts.
func (c *Collector) Register(s Source) {
	c.mu.Lock()
	c.sources = append(c.sources, s)
	c.mu.Unlock()
}

// Report returns the current telemetry frame, reusing the cached one inside
// the TTL.
func (c *Collector) Report() Report {
	now := time.Now()

	c.mu.Lock()
	if now.Sub(c.takenAt) < c.ttl {
		r := c.cached
		c.mu.Unlock()
		return r
	}
	sources := make([]Source, len(c.sources))
	copy(sources, c.sources)
	c.mu.Unlock()

	r := Report{
		TakenAt: now,
		Agents:  make([]types.AgentSnapshot, 0, len(sources)),
		Process: c.processStats(),
	}
	for _, s := range sources {
		r.Agents = append(r.Agents, s.Snapshot())
	}
	if c.dropped != nil {
		r.Dropped = c.dropped()
	}

	c.mu.Lock()
	c.cached = r
	c.takenAt = now
	c.mu.Unlock()
	return r
}

func (c *Collector) processStats() ProcessStats {
	stats := ProcessStats{Goroutines: runtime.NumGoroutine()}
	if c.proc == nil {
		return stats
	}
	if cpu, err := c.proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := c.proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSBytes = mem.RSS
	}
	return stats
}
