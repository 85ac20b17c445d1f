package stream

import (
	"fmt"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/huangchao99/infer-server/pkg/nn"
	"github.com/huangchao99/infer-server/server/accel"
	"github.com/huangchao99/infer-server/server/cache"
	"github.com/huangchao99/infer-server/server/config"
	"github.com/huangchao99/infer-server/server/decoder"
	"github.com/huangchao99/infer-server/server/infer"
)

// InferEngine is the slice of the inference engine the manager needs.
type InferEngine interface {
	LoadModels(models []config.ModelConfig) error
	Submit(task infer.Task) bool
}

// FrameCache is the slice of the image cache the manager needs.
type FrameCache interface {
	AddStream(camID string)
	RemoveStream(camID string)
	AddFrame(frame cache.Frame)
}

// Manager owns the set of stream pipelines: CRUD, lifecycle, status
// snapshots, and persistence of the configured streams.
type Manager struct {
	log    logs.Log
	cfg    *config.Config
	engine InferEngine
	cache  FrameCache

	// Swapped for stubs in tests
	openDecoder decoder.OpenFunc
	processor   accel.Processor

	mu      sync.Mutex
	streams map[string]*streamContext
}

func NewManager(logger logs.Log, cfg *config.Config, engine InferEngine, frameCache FrameCache) *Manager {
	return &Manager{
		log:         logger,
		cfg:         cfg,
		engine:      engine,
		cache:       frameCache,
		openDecoder: decoder.Open,
		processor:   accel.NewProcessor(),
		streams:     map[string]*streamContext{},
	}
}

// AddStream validates the config, loads the referenced models, registers
// the stream in the cache, starts the decode pipeline, and persists the
// stream list.
func (m *Manager) AddStream(streamConfig config.StreamConfig) error {
	if err := streamConfig.Validate(); err != nil {
		return fmt.Errorf("invalid stream config: %w", err)
	}

	m.mu.Lock()
	if _, exists := m.streams[streamConfig.CamID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("stream %v already exists", streamConfig.CamID)
	}

	m.log.Infof("Adding stream: [%v] %v (skip=%v, %v model(s))",
		streamConfig.CamID, streamConfig.RtspURL, streamConfig.FrameSkip, len(streamConfig.Models))

	ctx := &streamContext{
		config:  streamConfig,
		stopped: make(chan bool),
		encoder: cache.NewJpegEncoder(m.cfg.CacheJpegQuality),
		labels:  map[string][]string{},
	}
	for _, mc := range streamConfig.Models {
		if mc.LabelsFile == "" {
			continue
		}
		if _, done := ctx.labels[mc.ModelPath]; done {
			continue
		}
		labels, err := nn.LoadClassFile(mc.LabelsFile)
		if err != nil {
			m.log.Warnf("Cannot open labels file %v: %v", mc.LabelsFile, err)
			continue
		}
		ctx.labels[mc.ModelPath] = labels
	}

	// Model load failures are fatal to the add; a stream whose models
	// cannot load is not created.
	if m.engine != nil {
		if err := m.engine.LoadModels(streamConfig.Models); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("model load failed for stream %v: %w", streamConfig.CamID, err)
		}
	}

	if m.cache != nil {
		m.cache.AddStream(streamConfig.CamID)
	}

	ctx.running.Store(true)
	ctx.setState(StateStarting)
	ctx.startTime = time.Now()
	go m.runPipeline(ctx)

	m.streams[streamConfig.CamID] = ctx
	m.mu.Unlock()

	// Persist outside the lock
	m.saveConfigs()
	return nil
}

// RemoveStream stops the pipeline, waits for it to exit, erases the
// stream, deregisters it from the cache, and persists. Removing a stream
// that does not exist is a no-op (returns false).
func (m *Manager) RemoveStream(camID string) bool {
	m.mu.Lock()
	ctx, exists := m.streams[camID]
	if !exists {
		m.mu.Unlock()
		m.log.Warnf("Cannot remove stream %v: not found", camID)
		return false
	}
	m.log.Infof("Removing stream: [%v]", camID)
	ctx.stopRequested.Store(true)
	stopped := ctx.stopped
	delete(m.streams, camID)
	m.mu.Unlock()

	// Join outside the lock so other operations are not blocked
	<-stopped

	if m.cache != nil {
		m.cache.RemoveStream(camID)
	}
	m.saveConfigs()
	return true
}

// StartStream restarts a stream that was stopped. Statistics are reset.
func (m *Manager) StartStream(camID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, exists := m.streams[camID]
	if !exists {
		return fmt.Errorf("stream %v not found", camID)
	}
	if ctx.running.Load() {
		m.log.Warnf("Stream %v is already running", camID)
		return nil
	}
	m.log.Infof("Starting stream: [%v]", camID)

	ctx.decodedFrames.Store(0)
	ctx.inferredFrames.Store(0)
	ctx.reconnectCount.Store(0)
	ctx.setError("")

	ctx.stopRequested.Store(false)
	ctx.stopped = make(chan bool)
	ctx.running.Store(true)
	ctx.setState(StateStarting)
	ctx.startTime = time.Now()
	go m.runPipeline(ctx)
	return nil
}

// StopStream signals the pipeline and waits for it to exit. The stream
// stays configured.
func (m *Manager) StopStream(camID string) error {
	m.mu.Lock()
	ctx, exists := m.streams[camID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("stream %v not found", camID)
	}
	if ctx.running.Load() {
		m.log.Infof("Stopping stream: [%v]", camID)
		ctx.stopRequested.Store(true)
	}
	stopped := ctx.stopped
	m.mu.Unlock()

	<-stopped
	return nil
}

// StartAll starts every stopped stream.
func (m *Manager) StartAll() {
	ids := []string{}
	m.mu.Lock()
	for id, ctx := range m.streams {
		if !ctx.running.Load() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.StartStream(id); err != nil {
			m.log.Errorf("StartAll: %v", err)
		}
	}
}

// StopAll signals every stream, then joins them all outside the lock.
func (m *Manager) StopAll() {
	stoppedChans := []chan bool{}
	m.mu.Lock()
	for _, ctx := range m.streams {
		if ctx.running.Load() {
			ctx.stopRequested.Store(true)
		}
		stoppedChans = append(stoppedChans, ctx.stopped)
	}
	m.mu.Unlock()
	for _, stopped := range stoppedChans {
		<-stopped
	}
}

// GetAllStatus returns a snapshot of every stream.
func (m *Manager) GetAllStatus() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Status, 0, len(m.streams))
	for _, ctx := range m.streams {
		result = append(result, m.buildStatus(ctx))
	}
	return result
}

// GetStatus returns the snapshot of one stream.
func (m *Manager) GetStatus(camID string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, exists := m.streams[camID]
	if !exists {
		return Status{}, false
	}
	return m.buildStatus(ctx), true
}

// GetAllConfigs returns the configured streams.
func (m *Manager) GetAllConfigs() []config.StreamConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]config.StreamConfig, 0, len(m.streams))
	for _, ctx := range m.streams {
		result = append(result, ctx.config)
	}
	return result
}

func (m *Manager) HasStream(camID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.streams[camID]
	return exists
}

func (m *Manager) StreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

func (m *Manager) buildStatus(ctx *streamContext) Status {
	s := Status{
		CamID:          ctx.config.CamID,
		RtspURL:        ctx.config.RtspURL,
		Status:         ctx.getState().String(),
		FrameSkip:      ctx.config.FrameSkip,
		Models:         ctx.config.Models,
		DecodedFrames:  ctx.decodedFrames.Load(),
		InferredFrames: ctx.inferredFrames.Load(),
		ReconnectCount: ctx.reconnectCount.Load(),
		LastError:      ctx.getError(),
	}
	s.UptimeSeconds = time.Since(ctx.startTime).Seconds()
	if s.UptimeSeconds > 0 {
		s.DecodeFPS = float64(s.DecodedFrames) / s.UptimeSeconds
		s.InferFPS = float64(s.InferredFrames) / s.UptimeSeconds
	}
	// The only drop point is the engine's global queue; per-stream drops
	// are reported as zero and the queue counter is the source of truth.
	s.DroppedFrames = 0
	return s
}

// OnInferResult is the engine's auxiliary sink: it advances the
// inferred-frames counter of the matching stream. A result for a stream
// that was removed mid-flight is a no-op.
func (m *Manager) OnInferResult(result *nn.FrameResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx, exists := m.streams[result.CamID]; exists {
		ctx.inferredFrames.Add(1)
	}
}

// LoadAndStart applies AddStream over a persisted stream list, in order.
func (m *Manager) LoadAndStart(configs []config.StreamConfig) {
	m.log.Infof("Loading %v persisted stream(s)...", len(configs))
	for _, c := range configs {
		if err := m.AddStream(c); err != nil {
			m.log.Errorf("Failed to add persisted stream [%v]: %v", c.CamID, err)
		}
	}
}

// Shutdown stops every pipeline and waits for them to drain.
func (m *Manager) Shutdown() {
	m.log.Infof("StreamManager shutting down...")
	m.StopAll()
	m.log.Infof("StreamManager shutdown complete")
}

// saveConfigs persists the current stream list. Never called with the
// manager lock held.
func (m *Manager) saveConfigs() {
	if m.cfg.StreamsSavePath == "" {
		return
	}
	configs := m.GetAllConfigs()
	if err := config.SaveStreams(m.cfg.StreamsSavePath, configs); err != nil {
		m.log.Errorf("Failed to save stream configs: %v", err)
		return
	}
	m.log.Debugf("Saved %v stream config(s) to %v", len(configs), m.cfg.StreamsSavePath)
}
