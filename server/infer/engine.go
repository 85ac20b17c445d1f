package infer

import (
	"fmt"
	"sync/atomic"

	"github.com/cyclopcam/logs"
	"github.com/huangchao99/infer-server/pkg/nn"
	"github.com/huangchao99/infer-server/pkg/queue"
	"github.com/huangchao99/infer-server/server/config"
	"github.com/huangchao99/infer-server/server/npu"
)

// Publisher is the outbound side of the engine: completed frame results
// are serialized and broadcast on the message bus. Implemented by the
// output package; nil disables publishing.
type Publisher interface {
	Init() error
	Publish(result *nn.FrameResult)
	PublishedCount() uint64
	Shutdown()
}

// Engine owns the model registry, the global bounded task queue, the
// worker pool, and the publisher. The stream pipelines only ever see
// Submit and LoadModels.
type Engine struct {
	log       logs.Log
	cfg       *config.Config
	registry  npu.Registry
	queue     *queue.BoundedQueue[Task]
	workers   []*worker
	publisher Publisher

	// resultCallback is invoked in addition to publishing; the stream
	// manager uses it to advance per-stream counters.
	resultCallback func(*nn.FrameResult)

	initialized atomic.Bool
}

// NewEngine creates the engine. publisher may be nil, in which case
// results are only delivered through the callback.
func NewEngine(logger logs.Log, cfg *config.Config, registry npu.Registry, publisher Publisher) *Engine {
	return &Engine{
		log:       logger,
		cfg:       cfg,
		registry:  registry,
		queue:     queue.NewBoundedQueue[Task](cfg.InferQueueSize),
		publisher: publisher,
	}
}

// SetResultCallback installs the auxiliary result sink. Must be called
// before Init.
func (e *Engine) SetResultCallback(cb func(*nn.FrameResult)) {
	e.resultCallback = cb
}

// Init starts the publisher and the worker pool.
func (e *Engine) Init() error {
	if e.initialized.Load() {
		e.log.Warnf("InferenceEngine already initialized")
		return nil
	}

	e.log.Infof("Initializing InferenceEngine: workers=%v queue=%v npu_cores=%v",
		e.cfg.NumInferWorkers, e.cfg.InferQueueSize, e.cfg.NumNPUCores)

	if e.publisher != nil {
		if err := e.publisher.Init(); err != nil {
			return fmt.Errorf("publisher init failed: %w", err)
		}
	}

	for i := 0; i < e.cfg.NumInferWorkers; i++ {
		coreMask := npu.CoreMaskForWorker(i, e.cfg.NumNPUCores)
		w := newWorker(i, coreMask, e.log, e.registry, e.queue, e.onResultComplete)
		e.workers = append(e.workers, w)
	}
	for _, w := range e.workers {
		w.start()
	}

	e.initialized.Store(true)
	return nil
}

// LoadModels loads every referenced model once and synchronously
// pre-creates each (worker, model) context. All context creation completes
// before this returns, so no context duplication can race with the 2D
// accelerator once frames start flowing.
func (e *Engine) LoadModels(models []config.ModelConfig) error {
	var firstErr error
	for _, mc := range models {
		if e.registry.IsLoaded(mc.ModelPath) {
			continue
		}
		e.log.Infof("Pre-loading model: %v (task=%v)", mc.ModelPath, mc.TaskName)
		if err := e.registry.Load(mc.ModelPath); err != nil {
			e.log.Errorf("Failed to load model %v: %v", mc.ModelPath, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, w := range e.workers {
			if err := w.preCreateContext(mc.ModelPath); err != nil {
				e.log.Errorf("Failed to pre-create context for worker %v: %v", w.id, err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// Submit pushes a task into the global queue. Returns false only when the
// engine is not initialized or already shut down; queue overflow silently
// drops the oldest task instead.
func (e *Engine) Submit(task Task) bool {
	if !e.initialized.Load() {
		e.log.Warnf("InferenceEngine not initialized, dropping task")
		return false
	}
	return e.queue.Push(task)
}

// Shutdown stops the queue, joins every worker, stops the publisher, and
// unloads all models, in that order.
func (e *Engine) Shutdown() {
	if !e.initialized.Swap(false) {
		return
	}
	e.log.Infof("InferenceEngine shutting down...")
	e.queue.Stop()
	for _, w := range e.workers {
		w.join()
	}
	e.workers = nil
	if e.publisher != nil {
		e.publisher.Shutdown()
	}
	e.registry.UnloadAll()
	e.log.Infof("InferenceEngine shutdown complete")
}

func (e *Engine) onResultComplete(result *nn.FrameResult) {
	if e.publisher != nil {
		e.publisher.Publish(result)
	}
	if e.resultCallback != nil {
		e.resultCallback(result)
	}
}

// ---- Observers ----

func (e *Engine) IsInitialized() bool {
	return e.initialized.Load()
}

func (e *Engine) QueueSize() int {
	return e.queue.Size()
}

func (e *Engine) QueueDropped() uint64 {
	return e.queue.DroppedCount()
}

func (e *Engine) WorkerCount() int {
	return len(e.workers)
}

// TotalProcessed is the sum of tasks consumed by all workers.
func (e *Engine) TotalProcessed() uint64 {
	total := uint64(0)
	for _, w := range e.workers {
		total += w.processed.Load()
	}
	return total
}

func (e *Engine) PublishedCount() uint64 {
	if e.publisher == nil {
		return 0
	}
	return e.publisher.PublishedCount()
}
