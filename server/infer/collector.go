package infer

import (
	"sync"
	"sync/atomic"

	"github.com/huangchao99/infer-server/pkg/nn"
)

// Collector aggregates the per-model results of one frame. All tasks
// produced for the frame share one Collector; up to N workers call
// AddResult concurrently, and exactly one of them (the one that completes
// the set) receives the finished frame result.
//
// If a contributing task is lost (worker error, stream removed mid-flight)
// the collector simply never completes and is garbage collected with its
// tasks; no result is emitted for that frame.
type Collector struct {
	total     int
	mu        sync.Mutex
	result    nn.FrameResult
	completed atomic.Int32
}

// NewCollector creates a collector expecting total model results.
// base carries the frame identity; its Results list must be empty.
func NewCollector(total int, base nn.FrameResult) *Collector {
	base.Results = make([]nn.ModelResult, 0, total)
	return &Collector{
		total:  total,
		result: base,
	}
}

// AddResult contributes one model result. The call that completes the set
// returns (result, true); every earlier call returns (zero, false).
// Results appear in completion order, not configuration order.
// Calling after completion is a usage error and panics.
func (c *Collector) AddResult(mr nn.ModelResult) (nn.FrameResult, bool) {
	c.mu.Lock()
	if int(c.completed.Load()) >= c.total {
		c.mu.Unlock()
		panic("Collector.AddResult called after completion")
	}
	c.result.Results = append(c.result.Results, mr)
	done := int(c.completed.Add(1))
	if done == c.total {
		result := c.result
		c.mu.Unlock()
		return result, true
	}
	c.mu.Unlock()
	return nn.FrameResult{}, false
}

// TotalModels returns the number of results the collector waits for.
func (c *Collector) TotalModels() int {
	return c.total
}

// CompletedCount returns how many results have arrived so far.
func (c *Collector) CompletedCount() int {
	return int(c.completed.Load())
}

// IsComplete reports whether every result has arrived.
func (c *Collector) IsComplete() bool {
	return int(c.completed.Load()) >= c.total
}
