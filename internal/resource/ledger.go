// Package resource implements the per-agent CPU/bandwidth accounting model.
//
// # Model
//
// Usage is base load plus the sum of all currently active task charges. Tasks
// expire once now - created_at >= duration and are pruned lazily on each
// read; there is no background timer. The model is deterministic given a
// clock reading: no randomness feeds any load value.
package resource

import (
	"fmt"
	"sync"
	"time"
)

// Task is one temporary resource charge.
type Task struct {
	ID        string
	CPULoad   float64
	BWLoad    float64
	CreatedAt time.Time
	Duration  time.Duration
}

// active reports whether the task still charges at now.
func (t Task) active(now time.Time) bool {
	return now.Sub(t.CreatedAt) < t.Duration
}

// Usage is a point-in-time reading of a ledger.
type Usage struct {
	CPU         float64
	BW          float64
	ActiveTasks int
}

// Ledger tracks one agent's resource charges. Mutated only by its owning
// agent; safe for concurrent reads from the telemetry surface.
type Ledger struct {
	mu      sync.Mutex
	baseCPU float64
	baseBW  float64
	tasks   []Task
	counter uint64
}

// NewLedger creates a ledger with the given base loads (percentage points).
func NewLedger(baseCPU, baseBW float64) *Ledger {
	return &Ledger{baseCPU: baseCPU, baseBW: baseBW}
}

// Record appends a task charge starting now.
func (l *Ledger) Record(cpu, bw float64, d time.Duration) string {
	return l.RecordAt(cpu, bw, d, time.Now())
}

// RecordAt appends a task charge starting at the given instant.
func (l *Ledger) RecordAt(cpu, bw float64, d time.Duration, now time.Time) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.counter++
	id := fmt.Sprintf("t%d-%d", l.counter, now.UnixMilli())
	l.tasks = append(l.tasks, Task{
		ID:        id,
		CPULoad:   cpu,
		BWLoad:    bw,
		CreatedAt: now,
		Duration:  d,
	})
	return id
}

// UsageAt returns usage at the given instant, pruning expired tasks.
// Totals are capped at 100 like any utilization figure.
func (l *Ledger) UsageAt(now time.Time) Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.tasks[:0]
	cpu, bw := l.baseCPU, l.baseBW
	for _, t := range l.tasks {
		if !t.active(now) {
			continue
		}
		kept = append(kept, t)
		cpu += t.CPULoad
		bw += t.BWLoad
	}
	l.tasks = kept

	return Usage{
		CPU:         min(100.0, cpu),
		BW:          min(100.0, bw),
		ActiveTasks: len(kept),
	}
}

// Usage returns usage at the current instant.
func (l *Ledger) Usage() Usage {
	return l.UsageAt(time.Now())
}

// Base returns the configured base loads.
func (l *Ledger) Base() (cpu, bw float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.baseCPU, l.baseBW
}
