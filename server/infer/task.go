// Package infer contains the inference engine: the worker pool that
// consumes preprocessed frames from the bounded queue, runs them on the
// NPU, and assembles per-frame results.
package infer

import (
	"github.com/huangchao99/infer-server/pkg/nn"
)

// Task is one unit of work on the queue: a single (frame, model) pair with
// the preprocessed input. A task is produced by one pipeline and consumed
// by exactly one worker; the input buffer moves with it.
type Task struct {
	// Frame identity
	CamID          string
	RtspURL        string
	FrameID        uint64
	PTS            int64
	TimestampMS    int64
	OriginalWidth  int
	OriginalHeight int

	// Model parameters
	ModelPath     string
	TaskName      string
	ModelType     string
	ConfThreshold float32
	NMSThreshold  float32
	Labels        []string

	// Packed RGB888 at InputWidth x InputHeight, owned by the task
	Input       []byte
	InputWidth  int
	InputHeight int

	// Collector shared by all tasks of one multi-model frame.
	// Nil when the frame runs a single model.
	Collector *Collector
}

func (t *Task) baseResult() nn.FrameResult {
	return nn.FrameResult{
		CamID:          t.CamID,
		RtspURL:        t.RtspURL,
		FrameID:        t.FrameID,
		TimestampMS:    t.TimestampMS,
		PTS:            t.PTS,
		OriginalWidth:  t.OriginalWidth,
		OriginalHeight: t.OriginalHeight,
	}
}
