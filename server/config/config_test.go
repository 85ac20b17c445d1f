package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, 18, cfg.InferQueueSize)
	require.Equal(t, 3, cfg.NumInferWorkers)
	require.Equal(t, 75, cfg.CacheJpegQuality)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"http_port": 9000, "infer_queue_size": 4, "zmq_endpoint": "tcp://0.0.0.0:5555"}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.HTTPPort)
	require.Equal(t, 4, cfg.InferQueueSize)
	require.Equal(t, "tcp://0.0.0.0:5555", cfg.ZMQEndpoint)
	// Unspecified fields keep their defaults
	require.Equal(t, 5, cfg.CacheDurationSec)
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0644))
	_, err := Load(path)
	require.Error(t, err)
}

func streamFixture(camID string) StreamConfig {
	return StreamConfig{
		CamID:     camID,
		RtspURL:   "rtsp://192.168.1.10:554/main",
		FrameSkip: 5,
		Models: []ModelConfig{
			{
				ModelPath:     "/models/person.rknn",
				TaskName:      "person_detection",
				ModelType:     "yolov5",
				InputWidth:    640,
				InputHeight:   640,
				ConfThreshold: 0.25,
				NMSThreshold:  0.45,
				LabelsFile:    "/models/coco.txt",
			},
		},
	}
}

func TestStreamsPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streams.json")

	// Missing file is an empty list
	streams, err := LoadStreams(path)
	require.NoError(t, err)
	require.Len(t, streams, 0)

	saved := []StreamConfig{streamFixture("cam-1"), streamFixture("cam-2")}
	require.NoError(t, SaveStreams(path, saved))

	loaded, err := LoadStreams(path)
	require.NoError(t, err)
	require.Equal(t, saved, loaded)

	// The temp file from the atomic rename never survives
	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))

	// Rewriting with an empty list truncates
	require.NoError(t, SaveStreams(path, nil))
	loaded, err = LoadStreams(path)
	require.NoError(t, err)
	require.Len(t, loaded, 0)
}

func TestSaveStreamsCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "streams.json")
	require.NoError(t, SaveStreams(path, []StreamConfig{streamFixture("cam-1")}))
	loaded, err := LoadStreams(path)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
}

func TestStreamConfigValidate(t *testing.T) {
	good := streamFixture("cam-1")
	require.NoError(t, good.Validate())

	bad := streamFixture("")
	require.Error(t, bad.Validate())

	bad = streamFixture("cam-1")
	bad.RtspURL = ""
	require.Error(t, bad.Validate())

	bad = streamFixture("cam-1")
	bad.FrameSkip = 0
	require.Error(t, bad.Validate())

	bad = streamFixture("cam-1")
	bad.Models[0].ModelType = "yolo9000"
	require.Error(t, bad.Validate())

	bad = streamFixture("cam-1")
	bad.Models[0].ConfThreshold = 1.5
	require.Error(t, bad.Validate())

	bad = streamFixture("cam-1")
	bad.Models[0].InputWidth = 0
	require.Error(t, bad.Validate())
}
