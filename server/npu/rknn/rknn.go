// Package rknn implements npu.Registry on the Rockchip NPU via go-rknnlite.
//
// Loading a model creates a master runtime that is kept only for metadata
// queries and to hold the model resident. Worker contexts are independent
// runtimes bound to a core mask, so no two workers ever share driver state.
package rknn

import (
	"fmt"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/huangchao99/infer-server/pkg/nn"
	"github.com/huangchao99/infer-server/server/npu"
	"github.com/swdee/go-rknnlite"
	"gocv.io/x/gocv"
)

type loadedModel struct {
	master *rknnlite.Runtime
	info   npu.ModelInfo
}

// Registry implements npu.Registry.
type Registry struct {
	log    logs.Log
	mu     sync.Mutex
	models map[string]*loadedModel
}

func NewRegistry(logger logs.Log) *Registry {
	return &Registry{
		log:    logger,
		models: map[string]*loadedModel{},
	}
}

func toRknnCore(core npu.CoreMask) rknnlite.CoreMask {
	switch core {
	case npu.Core0:
		return rknnlite.NPUCore0
	case npu.Core1:
		return rknnlite.NPUCore1
	case npu.Core2:
		return rknnlite.NPUCore2
	default:
		return rknnlite.NPUCoreAuto
	}
}

func (r *Registry) Load(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.models[path]; ok {
		r.log.Debugf("Model already loaded: %v", path)
		return nil
	}

	r.log.Infof("Loading RKNN model: %v", path)
	master, err := rknnlite.NewRuntime(path, rknnlite.NPUCoreAuto)
	if err != nil {
		return fmt.Errorf("rknn init failed for %v: %w", path, err)
	}

	info, err := queryModelInfo(master, path)
	if err != nil {
		master.Close()
		return err
	}
	r.log.Infof("  Inputs: %v, Outputs: %v, input %vx%vx%v",
		info.NumInputs, info.NumOutputs, info.InputWidth, info.InputHeight, info.InputChannels)

	r.models[path] = &loadedModel{
		master: master,
		info:   *info,
	}
	return nil
}

func queryModelInfo(rt *rknnlite.Runtime, path string) (*npu.ModelInfo, error) {
	ioNum, err := rt.QueryModelIONumber()
	if err != nil {
		return nil, fmt.Errorf("query IO number failed for %v: %w", path, err)
	}
	inputAttrs, err := rt.QueryInputTensors()
	if err != nil {
		return nil, fmt.Errorf("query input tensors failed for %v: %w", path, err)
	}
	outputAttrs, err := rt.QueryOutputTensors()
	if err != nil {
		return nil, fmt.Errorf("query output tensors failed for %v: %w", path, err)
	}
	if len(inputAttrs) == 0 {
		return nil, fmt.Errorf("model %v reports no input tensors", path)
	}

	info := &npu.ModelInfo{
		Path:       path,
		NumInputs:  int(ioNum.NumberInput),
		NumOutputs: int(ioNum.NumberOutput),
	}
	// Input layout is NHWC
	inDims := tensorDims(inputAttrs[0].Dims[:])
	if len(inDims) >= 4 {
		info.InputHeight = inDims[1]
		info.InputWidth = inDims[2]
		info.InputChannels = inDims[3]
	}
	for _, attr := range outputAttrs {
		dims := tensorDims(attr.Dims[:])
		nElems := 1
		for _, d := range dims {
			nElems *= d
		}
		info.OutputAttrs = append(info.OutputAttrs, nn.TensorAttr{
			NElems: nElems,
			Dims:   dims,
		})
	}
	return info, nil
}

// tensorDims converts the driver's fixed-size dims array, dropping the
// unused trailing slots.
func tensorDims(dims []uint32) []int {
	out := []int{}
	for _, d := range dims {
		out = append(out, int(d))
	}
	for len(out) > 0 && out[len(out)-1] == 0 {
		out = out[:len(out)-1]
	}
	return out
}

func (r *Registry) IsLoaded(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.models[path]
	return ok
}

func (r *Registry) ModelInfo(path string) (*npu.ModelInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[path]
	if !ok {
		return nil, fmt.Errorf("model not loaded: %v", path)
	}
	info := m.info
	return &info, nil
}

func (r *Registry) CreateWorkerContext(path string, core npu.CoreMask) (npu.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[path]
	if !ok {
		return nil, fmt.Errorf("model not loaded: %v", path)
	}

	rt, err := rknnlite.NewRuntime(path, toRknnCore(core))
	if err != nil && core != npu.CoreAuto {
		// Core binding is best effort
		r.log.Warnf("Failed to bind NPU core mask %v for %v, falling back to auto: %v", core, path, err)
		rt, err = rknnlite.NewRuntime(path, rknnlite.NPUCoreAuto)
	}
	if err != nil {
		return nil, fmt.Errorf("context creation failed for %v: %w", path, err)
	}
	rt.SetWantFloat(true)

	return &context{
		rt:         rt,
		numOutputs: m.info.NumOutputs,
	}, nil
}

func (r *Registry) Unload(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.models[path]; ok {
		m.master.Close()
		delete(r.models, path)
		r.log.Infof("Unloaded model: %v", path)
	}
}

func (r *Registry) UnloadAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, m := range r.models {
		m.master.Close()
		delete(r.models, path)
	}
}

func (r *Registry) LoadedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.models)
}

// context implements npu.Context over one runtime.
type context struct {
	rt         *rknnlite.Runtime
	numOutputs int
}

func (c *context) Run(input []byte, width, height int) ([][]float32, error) {
	mat, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC3, input)
	if err != nil {
		return nil, fmt.Errorf("input wrap failed: %w", err)
	}
	defer mat.Close()

	outputs, err := c.rt.Inference([]gocv.Mat{mat})
	if err != nil {
		return nil, err
	}

	// Copy out and release the driver-owned buffers immediately
	outs := make([][]float32, len(outputs.Output))
	for i := range outputs.Output {
		buf := make([]float32, len(outputs.Output[i].BufFloat))
		copy(buf, outputs.Output[i].BufFloat)
		outs[i] = buf
	}
	if err := outputs.Free(); err != nil {
		return nil, fmt.Errorf("output release failed: %w", err)
	}
	return outs, nil
}

func (c *context) Release() error {
	return c.rt.Close()
}
