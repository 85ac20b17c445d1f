package stream

import (
	"fmt"
	"time"

	"github.com/huangchao99/infer-server/pkg/nn"
	"github.com/huangchao99/infer-server/server/accel"
	"github.com/huangchao99/infer-server/server/cache"
	"github.com/huangchao99/infer-server/server/decoder"
	"github.com/huangchao99/infer-server/server/infer"
)

const (
	connectTimeout = 5 * time.Second
	readTimeout    = 5 * time.Second

	initialBackoff = 1 * time.Second
	maxBackoff     = 8 * time.Second

	// stopPollInterval is how often a sleeping pipeline re-checks its stop
	// flag.
	stopPollInterval = 100 * time.Millisecond
)

// runPipeline is the per-stream thread: open decoder, decode/skip frames,
// preprocess, submit inference tasks, cache JPEGs; reconnect with
// exponential backoff on any failure until stop is requested.
func (m *Manager) runPipeline(ctx *streamContext) {
	camID := ctx.config.CamID
	defer close(ctx.stopped)
	m.log.Infof("[%v] Decode pipeline started", camID)

	// Frame numbers are per stream and survive reconnects, so they stay
	// strictly increasing and contiguous.
	frameNum := uint64(0)
	backoff := initialBackoff

	for !ctx.stopRequested.Load() {
		ctx.setState(StateStarting)
		m.log.Infof("[%v] Opening RTSP stream: %v", camID, ctx.config.RtspURL)
		src, err := m.openDecoder(decoder.Config{
			RtspURL:        ctx.config.RtspURL,
			ConnectTimeout: connectTimeout,
			ReadTimeout:    readTimeout,
			TCPTransport:   true,
		})
		if err != nil {
			ctx.setError(fmt.Sprintf("Failed to open RTSP stream: %v", err))
			ctx.setState(StateReconnecting)
			ctx.reconnectCount.Add(1)
			m.log.Warnf("[%v] Failed to open, retrying in %v: %v", camID, backoff, err)
			if !sleepUnlessStopped(ctx, backoff) {
				break
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = initialBackoff
		ctx.setState(StateRunning)
		ctx.setError("")
		info := src.Info()
		m.log.Infof("[%v] Stream opened: %vx%v @ %.1ffps codec=%v",
			camID, info.Width, info.Height, info.FPS, info.CodecName)

		sessionOK := m.decodeLoop(ctx, src, &frameNum)
		src.Close()

		if ctx.stopRequested.Load() {
			break
		}
		if !sessionOK {
			ctx.setState(StateReconnecting)
			ctx.reconnectCount.Add(1)
			m.log.Warnf("[%v] Decode failed, reconnecting in %v...", camID, backoff)
			if !sleepUnlessStopped(ctx, backoff) {
				break
			}
			backoff = nextBackoff(backoff)
		}
	}

	ctx.setState(StateStopped)
	ctx.running.Store(false)
	m.log.Infof("[%v] Decode pipeline stopped (decoded %v frames)", camID, ctx.decodedFrames.Load())
}

// decodeLoop runs one open decoder session. Returns false when the session
// ended on a decode failure (the caller reconnects), true on stop request.
func (m *Manager) decodeLoop(ctx *streamContext, src decoder.FrameSource, frameNum *uint64) bool {
	skip := ctx.config.FrameSkip
	sessionFrame := uint64(0)

	for !ctx.stopRequested.Load() {
		sessionFrame++

		// Frames the skip factor rejects take the cheap path: the decoder
		// advances, but no pixel data crosses to the CPU.
		process := skip <= 1 || sessionFrame%uint64(skip) == 0
		if !process {
			if err := src.SkipFrame(); err != nil {
				ctx.setError("Decode failed or stream ended")
				return false
			}
			*frameNum++
			ctx.decodedFrames.Add(1)
			continue
		}

		frame, err := src.DecodeFrame()
		if err != nil {
			ctx.setError("Decode failed or stream ended")
			return false
		}
		*frameNum++
		ctx.decodedFrames.Add(1)

		m.submitInference(ctx, frame, *frameNum)
		m.cacheFrame(ctx, frame, *frameNum)

		frame.Release()
	}
	return true
}

// submitInference builds one task per configured model and submits them in
// configuration order. With two or more models the tasks share a collector
// that fires the combined frame result when the last model finishes.
func (m *Manager) submitInference(ctx *streamContext, frame *decoder.Frame, frameNum uint64) {
	models := ctx.config.Models
	if m.engine == nil || len(models) == 0 {
		return
	}
	camID := ctx.config.CamID

	var collector *infer.Collector
	if len(models) > 1 {
		collector = infer.NewCollector(len(models), nn.FrameResult{
			CamID:          camID,
			RtspURL:        ctx.config.RtspURL,
			FrameID:        frameNum,
			TimestampMS:    frame.TimestampMS,
			PTS:            frame.PTS,
			OriginalWidth:  frame.Width,
			OriginalHeight: frame.Height,
		})
	}

	for i := range models {
		mc := &models[i]
		rgb, err := m.processor.ResizeToModel(frame, mc.InputWidth, mc.InputHeight)
		if err != nil {
			m.log.Warnf("[%v] Resize failed for model %v: %v", camID, mc.TaskName, err)
			continue
		}
		task := infer.Task{
			CamID:          camID,
			RtspURL:        ctx.config.RtspURL,
			FrameID:        frameNum,
			PTS:            frame.PTS,
			TimestampMS:    frame.TimestampMS,
			OriginalWidth:  frame.Width,
			OriginalHeight: frame.Height,
			ModelPath:      mc.ModelPath,
			TaskName:       mc.TaskName,
			ModelType:      mc.ModelType,
			ConfThreshold:  mc.ConfThreshold,
			NMSThreshold:   mc.NMSThreshold,
			Labels:         ctx.labels[mc.ModelPath],
			Input:          rgb,
			InputWidth:     mc.InputWidth,
			InputHeight:    mc.InputHeight,
			Collector:      collector,
		}
		m.engine.Submit(task)
	}
}

// cacheFrame produces the snapshot-resolution RGB buffer, JPEG-encodes it,
// and deposits it in the ring cache tagged with the frame timestamp.
func (m *Manager) cacheFrame(ctx *streamContext, frame *decoder.Frame, frameNum uint64) {
	if m.cache == nil || ctx.encoder == nil {
		return
	}
	cacheW := m.cfg.CacheResizeWidth
	if cacheW <= 0 {
		cacheW = frame.Width
	}
	cacheH := m.cfg.CacheResizeHeight
	if cacheH <= 0 {
		cacheH = accel.ProportionalHeight(frame.Width, frame.Height, cacheW)
	}

	rgb, err := m.processor.ResizeForCache(frame, cacheW, cacheH)
	if err != nil {
		m.log.Debugf("[%v] Cache resize failed: %v", ctx.config.CamID, err)
		return
	}
	jpeg, err := ctx.encoder.Encode(rgb, cacheW, cacheH)
	if err != nil {
		m.log.Debugf("[%v] JPEG encode failed: %v", ctx.config.CamID, err)
		return
	}
	m.cache.AddFrame(cache.Frame{
		CamID:       ctx.config.CamID,
		FrameID:     frameNum,
		TimestampMS: frame.TimestampMS,
		Width:       cacheW,
		Height:      cacheH,
		JPEG:        jpeg,
	})
}

// sleepUnlessStopped sleeps for the backoff duration, polling the stop
// flag every 100ms. Returns false if stop was requested.
func sleepUnlessStopped(ctx *streamContext, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if ctx.stopRequested.Load() {
			return false
		}
		time.Sleep(stopPollInterval)
	}
	return !ctx.stopRequested.Load()
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
