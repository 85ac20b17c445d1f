// Package config holds the server configuration and the stream
// configuration schema, plus persistence of configured streams so that
// they survive a restart.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the server-wide configuration, loaded from a JSON file.
type Config struct {
	HTTPPort        int    `json:"http_port"`
	ZMQEndpoint     string `json:"zmq_endpoint"`
	NumInferWorkers int    `json:"num_infer_workers"`
	NumNPUCores     int    `json:"num_npu_cores"`
	// DecodeQueueSize is read for forward compatibility but unused: the
	// decoder applies its own backpressure by blocking on network IO.
	DecodeQueueSize int    `json:"decode_queue_size"`
	InferQueueSize  int    `json:"infer_queue_size"`
	StreamsSavePath string `json:"streams_save_path"`
	LogLevel        string `json:"log_level"`

	CacheDurationSec  int `json:"cache_duration_sec"`
	CacheJpegQuality  int `json:"cache_jpeg_quality"`  // 1-100
	CacheResizeWidth  int `json:"cache_resize_width"`  // 0 = original width
	CacheResizeHeight int `json:"cache_resize_height"` // 0 = proportional
	CacheMaxMemoryMB  int `json:"cache_max_memory_mb"` // 0 = unlimited
}

// ModelConfig binds one detection model to a stream. The model path acts
// as the model identity key.
type ModelConfig struct {
	ModelPath     string  `json:"model_path"`
	TaskName      string  `json:"task_name"`
	ModelType     string  `json:"model_type"` // yolov5 | yolov8 | yolov11
	InputWidth    int     `json:"input_width"`
	InputHeight   int     `json:"input_height"`
	ConfThreshold float32 `json:"conf_threshold"`
	NMSThreshold  float32 `json:"nms_threshold"`
	LabelsFile    string  `json:"labels_file"`
}

// StreamConfig configures one RTSP stream. Immutable after creation;
// changing a stream means remove-then-add.
type StreamConfig struct {
	CamID     string        `json:"cam_id"`
	RtspURL   string        `json:"rtsp_url"`
	FrameSkip int           `json:"frame_skip"`
	Models    []ModelConfig `json:"models"`
}

var knownModelTypes = map[string]bool{
	"yolov5":     true,
	"yolov8":     true,
	"yolov11":    true,
	"yolov11dfl": true,
}

// Validate checks a stream configuration before it is accepted.
func (s *StreamConfig) Validate() error {
	if s.CamID == "" {
		return fmt.Errorf("cam_id is empty")
	}
	if s.RtspURL == "" {
		return fmt.Errorf("rtsp_url is empty")
	}
	if s.FrameSkip < 1 {
		return fmt.Errorf("frame_skip must be >= 1, got %v", s.FrameSkip)
	}
	for i := range s.Models {
		if err := s.Models[i].Validate(); err != nil {
			return fmt.Errorf("models[%v]: %w", i, err)
		}
	}
	return nil
}

func (m *ModelConfig) Validate() error {
	if m.ModelPath == "" {
		return fmt.Errorf("model_path is empty")
	}
	if !knownModelTypes[m.ModelType] {
		return fmt.Errorf("unknown model_type %q", m.ModelType)
	}
	if m.InputWidth <= 0 || m.InputHeight <= 0 {
		return fmt.Errorf("invalid input size %vx%v", m.InputWidth, m.InputHeight)
	}
	if m.ConfThreshold < 0 || m.ConfThreshold > 1 {
		return fmt.Errorf("conf_threshold %v outside [0,1]", m.ConfThreshold)
	}
	if m.NMSThreshold < 0 || m.NMSThreshold > 1 {
		return fmt.Errorf("nms_threshold %v outside [0,1]", m.NMSThreshold)
	}
	return nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPPort:          8080,
		ZMQEndpoint:       "ipc:///tmp/infer_server.ipc",
		NumInferWorkers:   3,
		NumNPUCores:       3,
		DecodeQueueSize:   2,
		InferQueueSize:    18,
		StreamsSavePath:   "/etc/infer-server/streams.json",
		LogLevel:          "info",
		CacheDurationSec:  5,
		CacheJpegQuality:  75,
		CacheResizeWidth:  640,
		CacheResizeHeight: 0,
		CacheMaxMemoryMB:  64,
	}
}

// Load reads the config file. A missing file yields the defaults; a file
// that exists but fails to parse is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %v: %w", path, err)
	}
	if cfg.NumInferWorkers < 1 {
		cfg.NumInferWorkers = 1
	}
	if cfg.InferQueueSize < 1 {
		cfg.InferQueueSize = 1
	}
	return cfg, nil
}

// streamsFile is the on-disk layout of the persisted stream list.
type streamsFile struct {
	Streams []StreamConfig `json:"streams"`
}

// LoadStreams reads the persisted stream configurations. A missing file is
// an empty list.
func LoadStreams(path string) ([]StreamConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	file := streamsFile{}
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse %v: %w", path, err)
	}
	return file.Streams, nil
}

// SaveStreams writes the stream configurations atomically
// (write-then-rename), so a crash mid-write never corrupts the file.
func SaveStreams(path string, streams []StreamConfig) error {
	if streams == nil {
		streams = []StreamConfig{}
	}
	raw, err := json.MarshalIndent(streamsFile{Streams: streams}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
