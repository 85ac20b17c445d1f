package infer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/huangchao99/infer-server/pkg/nn"
	"github.com/huangchao99/infer-server/pkg/queue"
	"github.com/huangchao99/infer-server/server/npu"
)

// popTimeout bounds how long a worker waits on the queue, so a Stop()
// is observed promptly.
const popTimeout = 500 * time.Millisecond

// worker is a long-running actor with its own NPU contexts, one per model,
// pinned to the worker's core mask. All inference state is owned by the
// worker's goroutine; only the context map is shared, because the engine
// pre-creates contexts at LoadModels time.
type worker struct {
	id         int
	coreMask   npu.CoreMask
	log        logs.Log
	registry   npu.Registry
	queue      *queue.BoundedQueue[Task]
	onComplete func(*nn.FrameResult)

	processed atomic.Uint64
	stopped   chan bool

	ctxLock  sync.Mutex
	contexts map[string]npu.Context
}

func newWorker(id int, coreMask npu.CoreMask, logger logs.Log, registry npu.Registry,
	q *queue.BoundedQueue[Task], onComplete func(*nn.FrameResult)) *worker {
	return &worker{
		id:         id,
		coreMask:   coreMask,
		log:        logger,
		registry:   registry,
		queue:      q,
		onComplete: onComplete,
		stopped:    make(chan bool),
		contexts:   map[string]npu.Context{},
	}
}

func (w *worker) start() {
	w.log.Infof("InferWorker[%v] started (core_mask=%v)", w.id, w.coreMask)
	go w.run()
}

// join waits for the worker goroutine to exit. The queue must have been
// stopped first.
func (w *worker) join() {
	<-w.stopped
	w.log.Infof("InferWorker[%v] stopped (processed %v tasks)", w.id, w.processed.Load())
}

func (w *worker) run() {
	for {
		task, ok := w.queue.PopBlocking(popTimeout)
		if !ok {
			if w.queue.IsStopped() {
				break
			}
			continue
		}
		if w.processTask(&task) {
			w.processed.Add(1)
		}
	}
	w.releaseAllContexts()
	close(w.stopped)
}

// processTask runs one task. Returns true when a result was produced and
// dispatched; a dropped task does not advance the processed counter.
func (w *worker) processTask(task *Task) bool {
	start := time.Now()

	ctx := w.getOrCreateContext(task.ModelPath)
	if ctx == nil {
		w.log.Errorf("InferWorker[%v]: no context for model %v, dropping task", w.id, task.ModelPath)
		return false
	}
	info, err := w.registry.ModelInfo(task.ModelPath)
	if err != nil {
		w.log.Errorf("InferWorker[%v]: %v, dropping task", w.id, err)
		return false
	}

	if len(task.Input) != 3*task.InputWidth*task.InputHeight {
		w.log.Errorf("InferWorker[%v]: bad input size %v for [%v] frame %v (want %v)",
			w.id, len(task.Input), task.CamID, task.FrameID, 3*task.InputWidth*task.InputHeight)
		return false
	}

	outputs, err := ctx.Run(task.Input, task.InputWidth, task.InputHeight)
	if err != nil {
		w.log.Warnf("InferWorker[%v]: inference failed on [%v] frame %v model %v: %v",
			w.id, task.CamID, task.FrameID, task.TaskName, err)
		return false
	}

	detections, err := nn.Process(task.ModelType, outputs, info.OutputAttrs,
		task.InputWidth, task.InputHeight,
		task.OriginalWidth, task.OriginalHeight,
		task.ConfThreshold, task.NMSThreshold, task.Labels)
	if err != nil {
		w.log.Warnf("InferWorker[%v]: post-process failed on [%v] frame %v model %v: %v",
			w.id, task.CamID, task.FrameID, task.TaskName, err)
		return false
	}

	totalMS := float64(time.Since(start)) / float64(time.Millisecond)
	w.log.Debugf("InferWorker[%v]: [%v] frame %v model=%v -> %v dets (%.1fms)",
		w.id, task.CamID, task.FrameID, task.TaskName, len(detections), totalMS)

	modelResult := nn.ModelResult{
		TaskName:        task.TaskName,
		ModelPath:       task.ModelPath,
		InferenceTimeMS: totalMS,
		Detections:      detections,
	}

	if task.Collector != nil {
		if result, done := task.Collector.AddResult(modelResult); done {
			w.onComplete(&result)
		}
	} else {
		result := task.baseResult()
		result.Results = []nn.ModelResult{modelResult}
		w.onComplete(&result)
	}
	return true
}

// preCreateContext mints the (worker, model) context ahead of streaming.
// Called by the engine during LoadModels, before any task for the model
// can be submitted.
func (w *worker) preCreateContext(modelPath string) error {
	w.ctxLock.Lock()
	defer w.ctxLock.Unlock()
	if _, ok := w.contexts[modelPath]; ok {
		return nil
	}
	ctx, err := w.registry.CreateWorkerContext(modelPath, w.coreMask)
	if err != nil {
		return err
	}
	w.contexts[modelPath] = ctx
	return nil
}

// getOrCreateContext is the lazy fallback. The engine pre-creates all
// contexts, so hitting the create path here means a task slipped in for a
// model that was never loaded through LoadModels.
func (w *worker) getOrCreateContext(modelPath string) npu.Context {
	w.ctxLock.Lock()
	defer w.ctxLock.Unlock()
	if ctx, ok := w.contexts[modelPath]; ok {
		return ctx
	}
	w.log.Warnf("InferWorker[%v]: lazily creating context for model %v", w.id, modelPath)
	ctx, err := w.registry.CreateWorkerContext(modelPath, w.coreMask)
	if err != nil {
		w.log.Errorf("InferWorker[%v]: context creation failed for %v: %v", w.id, modelPath, err)
		return nil
	}
	w.contexts[modelPath] = ctx
	return ctx
}

func (w *worker) releaseAllContexts() {
	w.ctxLock.Lock()
	defer w.ctxLock.Unlock()
	for path, ctx := range w.contexts {
		if err := ctx.Release(); err != nil {
			w.log.Warnf("InferWorker[%v]: releasing context for %v: %v", w.id, path, err)
		}
	}
	w.contexts = map[string]npu.Context{}
}
