// Package nn holds the detection result model and the YOLO post-processing
// code. Everything in here is pure CPU work with no hardware dependency,
// so it can be tested on any machine.
package nn

import (
	"bufio"
	"os"
	"strings"
)

// Model family tags accepted in stream configurations.
const (
	ModelYOLOv5  = "yolov5"
	ModelYOLOv8  = "yolov8"
	ModelYOLOv11 = "yolov11"
	// ModelYOLOv11DFL selects the alternate YOLOv11 decode where the box
	// channels are DFL distances instead of anchor-decoded boxes. Some
	// model-conversion toolchains emit this layout. The family tag is
	// authoritative; we never guess between the two.
	ModelYOLOv11DFL = "yolov11dfl"
)

// Box is an axis-aligned bounding box in original-frame pixels.
type Box struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

// Detection is a single detected object.
type Detection struct {
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
	Confidence float32 `json:"confidence"`
	Box        Box     `json:"bbox"`
}

// ModelResult is the output of one model over one frame.
type ModelResult struct {
	TaskName        string      `json:"task_name"`
	ModelPath       string      `json:"model_path"`
	InferenceTimeMS float64     `json:"inference_time_ms"`
	Detections      []Detection `json:"detections"`
}

// FrameResult is the aggregated output of all models over one frame.
// This is the payload published on the message bus. The order of Results
// is completion order, not configuration order; consumers must look up by
// TaskName.
type FrameResult struct {
	CamID          string        `json:"cam_id"`
	RtspURL        string        `json:"rtsp_url"`
	FrameID        uint64        `json:"frame_id"`
	TimestampMS    int64         `json:"timestamp_ms"`
	PTS            int64         `json:"pts"`
	OriginalWidth  int           `json:"original_width"`
	OriginalHeight int           `json:"original_height"`
	Results        []ModelResult `json:"results"`
}

// TensorAttr describes one output tensor of a model, as queried from the
// NPU driver at load time. The post-processor only ever sees these, never
// driver types.
type TensorAttr struct {
	NElems int   // Total element count
	Dims   []int // eg [1, 80, 80, 255]

	// Quantization parameters, meaningful when IsInt8 is true
	ZP     int32
	Scale  float32
	IsInt8 bool
}

// LoadClassFile reads a label file: one class name per line, index in the
// file is the class id. Trailing whitespace and CR are stripped, blank
// lines are ignored.
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r\n")
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, scanner.Err()
}
