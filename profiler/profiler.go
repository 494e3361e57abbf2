// Package profiler - wall-clock statistics for the phases of a training step.
package profiler

import (
	"runtime"
	"sort"
	"sync"
	"time"
)

// TimeTracker tracks operation timing statistics.
type TimeTracker struct {
	Count int64
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
}

// Mean returns the average duration, 0 when nothing was recorded.
func (t TimeTracker) Mean() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.Total / time.Duration(t.Count)
}

func (t *TimeTracker) add(d time.Duration) {
	if t.Count == 0 || d < t.Min {
		t.Min = d
	}
	if d > t.Max {
		t.Max = d
	}
	t.Count++
	t.Total += d
}

// StepProfiler accumulates durations per named operation between resets. It
// is safe for concurrent use.
type StepProfiler struct {
	mu  sync.Mutex
	ops map[string]*TimeTracker
	now func() time.Time
}

// NewStepProfiler returns an empty profiler.
func NewStepProfiler() *StepProfiler {
	return &StepProfiler{ops: make(map[string]*TimeTracker), now: time.Now}
}

// StartOperation begins timing an operation.
//
// Arguments:
// - name: The name of the operation
//
// Returns:
// - A function to call when the operation completes
//
// @example
// done := p.StartOperation("forward")
// out, err := net.Forward(ctx, imgs, k)
// done()
func (p *StepProfiler) StartOperation(name string) func() {
	start := p.now()
	return func() {
		p.Record(name, p.now().Sub(start))
	}
}

// Record adds one duration to the statistics of name.
func (p *StepProfiler) Record(name string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.ops[name]
	if !ok {
		t = &TimeTracker{}
		p.ops[name] = t
	}
	t.add(d)
}

// Snapshot returns a copy of the statistics of every operation.
func (p *StepProfiler) Snapshot() map[string]TimeTracker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]TimeTracker, len(p.ops))
	for name, t := range p.ops {
		out[name] = *t
	}
	return out
}

// Names returns the recorded operation names in lexical order.
func (p *StepProfiler) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.ops))
	for name := range p.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset drops all statistics.
func (p *StepProfiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = make(map[string]*TimeTracker)
}

// HeapMB returns the live heap size in MiB.
func HeapMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.HeapAlloc) / (1 << 20)
}
