// Package stream manages the per-camera decode pipelines: one goroutine
// per stream that pulls frames from the hardware decoder, preprocesses
// them, submits inference tasks, and feeds the JPEG ring cache.
package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/huangchao99/infer-server/server/cache"
	"github.com/huangchao99/infer-server/server/config"
)

// State is the pipeline lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateReconnecting
	// StateError is terminal: the pipeline hit a non-recoverable condition.
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Status is a point-in-time snapshot of one stream, served on the
// management API.
type Status struct {
	CamID          string               `json:"cam_id"`
	RtspURL        string               `json:"rtsp_url"`
	Status         string               `json:"status"`
	FrameSkip      int                  `json:"frame_skip"`
	Models         []config.ModelConfig `json:"models"`
	DecodedFrames  uint64               `json:"decoded_frames"`
	InferredFrames uint64               `json:"inferred_frames"`
	DroppedFrames  uint64               `json:"dropped_frames"`
	DecodeFPS      float64              `json:"decode_fps"`
	InferFPS       float64              `json:"infer_fps"`
	ReconnectCount uint32               `json:"reconnect_count"`
	LastError      string               `json:"last_error"`
	UptimeSeconds  float64              `json:"uptime_seconds"`
}

// streamContext is the internal per-stream state. Counters are relaxed
// atomics so status reads never contend with the pipeline; the error
// string has its own little mutex.
type streamContext struct {
	config config.StreamConfig

	state         atomic.Int32
	stopRequested atomic.Bool
	running       atomic.Bool
	stopped       chan bool // closed when the pipeline goroutine exits

	decodedFrames  atomic.Uint64
	inferredFrames atomic.Uint64
	reconnectCount atomic.Uint32

	errLock   sync.Mutex
	lastError string

	startTime time.Time

	// Each stream owns its JPEG encoder; the underlying compressor state
	// is not shareable.
	encoder *cache.JpegEncoder

	// Labels snapshot per model path, loaded once at add time
	labels map[string][]string
}

func (ctx *streamContext) setState(s State) {
	ctx.state.Store(int32(s))
}

func (ctx *streamContext) getState() State {
	return State(ctx.state.Load())
}

func (ctx *streamContext) setError(err string) {
	ctx.errLock.Lock()
	ctx.lastError = err
	ctx.errLock.Unlock()
}

func (ctx *streamContext) getError() string {
	ctx.errLock.Lock()
	defer ctx.errLock.Unlock()
	return ctx.lastError
}
