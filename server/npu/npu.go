// Package npu defines the interface between the inference engine and the
// neural processing unit driver. The rknn subpackage implements it on the
// Rockchip NPU; tests substitute their own implementations.
package npu

import (
	"github.com/huangchao99/infer-server/pkg/nn"
)

// CoreMask selects which NPU cores a context is pinned to.
// core0=1, core1=2, core2=4, 0=automatic.
type CoreMask int

const (
	CoreAuto CoreMask = 0
	Core0    CoreMask = 1
	Core1    CoreMask = 2
	Core2    CoreMask = 4
)

// CoreMaskForWorker derives the core pinning for a worker: worker i gets
// core i for i < 3, everything beyond that (or beyond the advertised core
// count) is scheduled automatically.
func CoreMaskForWorker(workerID, numCores int) CoreMask {
	if workerID >= 3 {
		return CoreAuto
	}
	if numCores > 0 && workerID >= numCores {
		return CoreAuto
	}
	return CoreMask(1 << workerID)
}

// ModelInfo is the immutable metadata queried from the driver when a model
// is loaded.
type ModelInfo struct {
	Path          string
	NumInputs     int
	NumOutputs    int
	InputWidth    int
	InputHeight   int
	InputChannels int
	OutputAttrs   []nn.TensorAttr
}

// Context is a single NPU execution context. Contexts are never shared:
// each belongs to exactly one (worker, model) pair, so Run needs no
// external locking.
type Context interface {
	// Run executes the model on a packed RGB888 input of exactly
	// 3*width*height bytes and returns every output tensor as float32.
	Run(input []byte, width, height int) ([][]float32, error)

	// Release destroys the context. The context is unusable afterwards.
	Release() error
}

// Registry owns the loaded models and mints per-worker contexts.
// Implementations are safe for concurrent use.
type Registry interface {
	// Load reads the model and queries its IO metadata. Idempotent:
	// loading an already-loaded model succeeds without side effects.
	Load(path string) error

	IsLoaded(path string) bool

	// ModelInfo returns the metadata for a loaded model.
	ModelInfo(path string) (*ModelInfo, error)

	// CreateWorkerContext mints a context for a loaded model, bound to the
	// given cores. Binding is best effort: if the pinning fails the context
	// comes back with automatic core selection.
	CreateWorkerContext(path string, core CoreMask) (Context, error)

	Unload(path string)
	UnloadAll()
	LoadedCount() int
}
