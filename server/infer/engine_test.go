package infer

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/huangchao99/infer-server/pkg/nn"
	"github.com/huangchao99/infer-server/server/config"
	"github.com/huangchao99/infer-server/server/npu"
	"github.com/stretchr/testify/require"
)

// fakeRegistry implements npu.Registry without hardware. Its contexts
// produce a fixed fused-head tensor with one confident detection.
type fakeRegistry struct {
	mu             sync.Mutex
	loaded         map[string]bool
	contextCreated map[string]int
	failLoad       bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		loaded:         map[string]bool{},
		contextCreated: map[string]int{},
	}
}

func (r *fakeRegistry) Load(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failLoad {
		return fmt.Errorf("driver rejected model %v", path)
	}
	r.loaded[path] = true
	return nil
}

func (r *fakeRegistry) IsLoaded(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded[path]
}

func (r *fakeRegistry) ModelInfo(path string) (*npu.ModelInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded[path] {
		return nil, fmt.Errorf("model not loaded: %v", path)
	}
	return &npu.ModelInfo{
		Path:          path,
		NumInputs:     1,
		NumOutputs:    1,
		InputWidth:    4,
		InputHeight:   4,
		InputChannels: 3,
		OutputAttrs:   []nn.TensorAttr{{NElems: 5 * 2, Dims: []int{1, 5, 2}}},
	}, nil
}

func (r *fakeRegistry) CreateWorkerContext(path string, core npu.CoreMask) (npu.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.loaded[path] {
		return nil, fmt.Errorf("model not loaded: %v", path)
	}
	r.contextCreated[path]++
	return &fakeContext{}, nil
}

func (r *fakeRegistry) Unload(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loaded, path)
}

func (r *fakeRegistry) UnloadAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = map[string]bool{}
}

func (r *fakeRegistry) LoadedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loaded)
}

type fakeContext struct {
	released bool
}

// Run emits a [1, 5, 2] fused head: anchor 0 holds one box with class
// probability 0.9.
func (c *fakeContext) Run(input []byte, width, height int) ([][]float32, error) {
	const numAnchors = 2
	data := make([]float32, 5*numAnchors)
	data[0*numAnchors] = 2 // cx
	data[1*numAnchors] = 2 // cy
	data[2*numAnchors] = 2 // w
	data[3*numAnchors] = 2 // h
	data[4*numAnchors] = 0.9
	return [][]float32{data}, nil
}

func (c *fakeContext) Release() error {
	c.released = true
	return nil
}

func testEngine(t *testing.T, numWorkers int) (*Engine, *fakeRegistry, chan *nn.FrameResult) {
	cfg := config.Default()
	cfg.NumInferWorkers = numWorkers
	cfg.InferQueueSize = 32
	registry := newFakeRegistry()
	engine := NewEngine(logs.NewTestingLog(t), &cfg, registry, nil)

	results := make(chan *nn.FrameResult, 64)
	engine.SetResultCallback(func(result *nn.FrameResult) {
		results <- result
	})
	require.NoError(t, engine.Init())
	return engine, registry, results
}

func modelBinding(path, task string) config.ModelConfig {
	return config.ModelConfig{
		ModelPath:     path,
		TaskName:      task,
		ModelType:     nn.ModelYOLOv11,
		InputWidth:    4,
		InputHeight:   4,
		ConfThreshold: 0.5,
		NMSThreshold:  0.45,
	}
}

func makeTask(camID string, frameID uint64, mc config.ModelConfig, collector *Collector) Task {
	return Task{
		CamID:          camID,
		FrameID:        frameID,
		OriginalWidth:  4,
		OriginalHeight: 4,
		ModelPath:      mc.ModelPath,
		TaskName:       mc.TaskName,
		ModelType:      mc.ModelType,
		ConfThreshold:  mc.ConfThreshold,
		NMSThreshold:   mc.NMSThreshold,
		Labels:         []string{"person"},
		Input:          make([]byte, 3*4*4),
		InputWidth:     4,
		InputHeight:    4,
		Collector:      collector,
	}
}

func TestEngineLoadModelsPreCreatesContexts(t *testing.T) {
	engine, registry, _ := testEngine(t, 3)
	defer engine.Shutdown()

	models := []config.ModelConfig{
		modelBinding("/models/a.rknn", "task-a"),
		modelBinding("/models/b.rknn", "task-b"),
	}
	require.NoError(t, engine.LoadModels(models))

	// One context per (worker, model) pair, created before any submission
	registry.mu.Lock()
	defer registry.mu.Unlock()
	require.Equal(t, 3, registry.contextCreated["/models/a.rknn"])
	require.Equal(t, 3, registry.contextCreated["/models/b.rknn"])
}

func TestEngineLoadModelsIdempotent(t *testing.T) {
	engine, registry, _ := testEngine(t, 2)
	defer engine.Shutdown()

	models := []config.ModelConfig{modelBinding("/models/a.rknn", "task-a")}
	require.NoError(t, engine.LoadModels(models))
	require.NoError(t, engine.LoadModels(models))
	require.NoError(t, engine.LoadModels(models))

	require.Equal(t, 1, registry.LoadedCount())
	registry.mu.Lock()
	defer registry.mu.Unlock()
	require.Equal(t, 2, registry.contextCreated["/models/a.rknn"])
}

func TestEngineLoadModelsFailure(t *testing.T) {
	engine, registry, _ := testEngine(t, 1)
	defer engine.Shutdown()

	registry.failLoad = true
	err := engine.LoadModels([]config.ModelConfig{modelBinding("/models/bad.rknn", "task")})
	require.Error(t, err)
}

func TestEngineSingleModelResult(t *testing.T) {
	engine, _, results := testEngine(t, 2)
	defer engine.Shutdown()

	mc := modelBinding("/models/a.rknn", "task-a")
	require.NoError(t, engine.LoadModels([]config.ModelConfig{mc}))

	require.True(t, engine.Submit(makeTask("cam-1", 5, mc, nil)))

	select {
	case result := <-results:
		require.Equal(t, "cam-1", result.CamID)
		require.Equal(t, uint64(5), result.FrameID)
		require.Len(t, result.Results, 1)
		require.Equal(t, "task-a", result.Results[0].TaskName)
		require.Len(t, result.Results[0].Detections, 1)
		require.Equal(t, "person", result.Results[0].Detections[0].ClassName)
	case <-time.After(5 * time.Second):
		t.Fatal("no result arrived")
	}
	require.Equal(t, uint64(1), engine.TotalProcessed())
}

func TestEngineMultiModelAggregation(t *testing.T) {
	engine, _, results := testEngine(t, 3)
	defer engine.Shutdown()

	mcA := modelBinding("/models/a.rknn", "task-a")
	mcB := modelBinding("/models/b.rknn", "task-b")
	require.NoError(t, engine.LoadModels([]config.ModelConfig{mcA, mcB}))

	collector := NewCollector(2, nn.FrameResult{CamID: "cam-2", FrameID: 9})
	require.True(t, engine.Submit(makeTask("cam-2", 9, mcA, collector)))
	require.True(t, engine.Submit(makeTask("cam-2", 9, mcB, collector)))

	select {
	case result := <-results:
		require.Equal(t, "cam-2", result.CamID)
		require.Len(t, result.Results, 2)
		tasks := map[string]bool{}
		for _, mr := range result.Results {
			tasks[mr.TaskName] = true
		}
		require.True(t, tasks["task-a"])
		require.True(t, tasks["task-b"])
	case <-time.After(5 * time.Second):
		t.Fatal("no aggregated result arrived")
	}

	// Only one combined result for the frame
	select {
	case extra := <-results:
		t.Fatalf("unexpected second result: %+v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEngineSubmitBeforeInit(t *testing.T) {
	cfg := config.Default()
	engine := NewEngine(logs.NewTestingLog(t), &cfg, newFakeRegistry(), nil)
	require.False(t, engine.Submit(Task{}))
}

func TestEngineShutdownUnloadsModels(t *testing.T) {
	engine, registry, _ := testEngine(t, 2)
	require.NoError(t, engine.LoadModels([]config.ModelConfig{modelBinding("/models/a.rknn", "task-a")}))
	engine.Shutdown()
	require.Equal(t, 0, registry.LoadedCount())
	require.Equal(t, 0, engine.WorkerCount())
}
