package nn

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameResultJSONRoundTrip(t *testing.T) {
	original := FrameResult{
		CamID:          "cam-7",
		RtspURL:        "rtsp://10.0.0.5:554/main",
		FrameID:        1234567,
		TimestampMS:    1700000000123,
		PTS:            40033,
		OriginalWidth:  1920,
		OriginalHeight: 1080,
		Results: []ModelResult{
			{
				TaskName:        "phone_detection",
				ModelPath:       "/models/phone.rknn",
				InferenceTimeMS: 12.5,
				Detections: []Detection{
					{
						ClassID:    0,
						ClassName:  "phone",
						Confidence: 0.875,
						Box:        Box{X1: 100.5, Y1: 200.25, X2: 300, Y2: 400},
					},
				},
			},
			{
				TaskName:        "person_detection",
				ModelPath:       "/models/person.rknn",
				InferenceTimeMS: 8.25,
				Detections:      []Detection{},
			},
		},
	}

	raw, err := json.Marshal(&original)
	require.NoError(t, err)

	decoded := FrameResult{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, original, decoded)
}

func TestFrameResultFieldNames(t *testing.T) {
	raw, err := json.Marshal(&FrameResult{})
	require.NoError(t, err)
	m := map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, key := range []string{"cam_id", "rtsp_url", "frame_id", "timestamp_ms", "pts", "original_width", "original_height", "results"} {
		require.Contains(t, m, key)
	}

	raw, err = json.Marshal(&Detection{})
	require.NoError(t, err)
	m = map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, key := range []string{"class_id", "class_name", "confidence", "bbox"} {
		require.Contains(t, m, key)
	}
}

func TestLoadClassFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.txt")
	require.NoError(t, os.WriteFile(path, []byte("person\ncar \n\nbicycle\r\n"), 0644))

	classes, err := LoadClassFile(path)
	require.NoError(t, err)
	require.Equal(t, []string{"person", "car", "bicycle"}, classes)

	_, err = LoadClassFile(filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}
