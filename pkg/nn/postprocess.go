package nn

import (
	"fmt"
	"sort"

	"github.com/chewxy/math32"
)

// YOLO output decoding. The three model families produce different tensor
// layouts; Process dispatches on the family tag from the stream config.
//
//	YOLOv5:  3 heads, [1, Hg, Wg, 3*(5+C)], anchor-based, raw logits
//	YOLOv8:  3 heads, [1, Hg, Wg, 64+C], DFL box regression, raw class logits
//	YOLOv11: 1 head, [1, 4+C, A] channel-major, boxes already anchor-decoded
//	         as [cx,cy,w,h] and class scores already in [0,1]
//
// All decoding happens in model-input coordinates; ScaleCoords maps back to
// the original frame by inverting the letterbox.

// Anchor table for YOLOv5 (COCO), (w,h) pairs per stride.
var yolov5Anchors = [3][6]float32{
	{10, 13, 16, 30, 33, 23},     // stride 8
	{30, 61, 62, 45, 59, 119},    // stride 16
	{116, 90, 156, 198, 373, 326}, // stride 32
}

var yoloStrides = [3]int{8, 16, 32}

const yolov5NumAnchors = 3

const dflRegMax = 16

func sigmoid(x float32) float32 {
	return 1.0 / (1.0 + math32.Exp(-x))
}

// IoU of two boxes. Returns 0 when the union is degenerate.
func IoU(a, b Box) float32 {
	interX1 := math32.Max(a.X1, b.X1)
	interY1 := math32.Max(a.Y1, b.Y1)
	interX2 := math32.Min(a.X2, b.X2)
	interY2 := math32.Min(a.Y2, b.Y2)

	interArea := math32.Max(0, interX2-interX1) * math32.Max(0, interY2-interY1)
	areaA := (a.X2 - a.X1) * (a.Y2 - a.Y1)
	areaB := (b.X2 - b.X1) * (b.Y2 - b.Y1)
	union := areaA + areaB - interArea
	if union <= 0 {
		return 0
	}
	return interArea / union
}

// DequantizeInt8 converts an INT8 quantized tensor to float32.
func DequantizeInt8(data []int8, zp int32, scale float32) []float32 {
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = (float32(v) - float32(zp)) * scale
	}
	return out
}

// dflDecode collapses one 16-bin DFL distribution into its expected value.
// Softmax is stabilized by subtracting the max before exponentiation.
func dflDecode(data []float32) float32 {
	maxVal := data[0]
	for _, v := range data[1:] {
		maxVal = math32.Max(maxVal, v)
	}
	sumExp := float32(0)
	var expVals [dflRegMax]float32
	for i, v := range data {
		expVals[i] = math32.Exp(v - maxVal)
		sumExp += expVals[i]
	}
	result := float32(0)
	for i := range data {
		result += float32(i) * (expVals[i] / sumExp)
	}
	return result
}

// NMS performs greedy per-class non-maximum suppression and returns the
// surviving detections ordered by descending confidence.
func NMS(detections []Detection, threshold float32) []Detection {
	if len(detections) == 0 {
		return detections
	}
	sort.Slice(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})
	suppressed := make([]bool, len(detections))
	result := make([]Detection, 0, len(detections))
	for i := 0; i < len(detections); i++ {
		if suppressed[i] {
			continue
		}
		result = append(result, detections[i])
		for j := i + 1; j < len(detections); j++ {
			if suppressed[j] || detections[i].ClassID != detections[j].ClassID {
				continue
			}
			if IoU(detections[i].Box, detections[j].Box) > threshold {
				suppressed[j] = true
			}
		}
	}
	return result
}

// ScaleCoords maps detections from model-input coordinates back to the
// original frame by inverting the letterbox resize, then clamps to the
// frame bounds.
func ScaleCoords(dets []Detection, modelW, modelH, origW, origH int) {
	scale := math32.Min(float32(modelW)/float32(origW), float32(modelH)/float32(origH))
	padX := (float32(modelW) - float32(origW)*scale) / 2
	padY := (float32(modelH) - float32(origH)*scale) / 2

	for i := range dets {
		b := &dets[i].Box
		b.X1 = clamp((b.X1-padX)/scale, 0, float32(origW))
		b.Y1 = clamp((b.Y1-padY)/scale, 0, float32(origH))
		b.X2 = clamp((b.X2-padX)/scale, 0, float32(origW))
		b.Y2 = clamp((b.Y2-padY)/scale, 0, float32(origH))
	}
}

func clamp(v, lo, hi float32) float32 {
	return math32.Max(lo, math32.Min(v, hi))
}

func classNameOf(labels []string, classID int) string {
	if classID >= 0 && classID < len(labels) {
		return labels[classID]
	}
	return ""
}

// Process dispatches to the decoder for the given model family, then runs
// NMS and maps coordinates back to the original frame.
func Process(modelType string, outputs [][]float32, attrs []TensorAttr,
	modelW, modelH, origW, origH int,
	confThresh, nmsThresh float32, labels []string) ([]Detection, error) {

	var dets []Detection
	var err error
	switch modelType {
	case ModelYOLOv5:
		dets, err = decodeYOLOv5(outputs, attrs, confThresh, labels)
	case ModelYOLOv8:
		dets, err = decodeYOLOv8(outputs, attrs, confThresh, labels)
	case ModelYOLOv11:
		dets, err = decodeYOLOv11(outputs, attrs, confThresh, labels)
	case ModelYOLOv11DFL:
		dets, err = decodeYOLOv11DFL(outputs, attrs, modelH, confThresh, labels)
	default:
		return nil, fmt.Errorf("unknown model type %q (supported: yolov5, yolov8, yolov11, yolov11dfl)", modelType)
	}
	if err != nil {
		return nil, err
	}

	dets = NMS(dets, nmsThresh)
	ScaleCoords(dets, modelW, modelH, origW, origH)
	return dets, nil
}

// decodeYOLOv5 decodes the three anchor-based output heads.
// Head layout: [1, Hg, Wg, 3*(5+C)], entries are raw logits.
func decodeYOLOv5(outputs [][]float32, attrs []TensorAttr, confThresh float32, labels []string) ([]Detection, error) {
	if len(outputs) != 3 || len(attrs) != 3 {
		return nil, fmt.Errorf("yolov5 expects 3 output heads, got %v", len(outputs))
	}

	var all []Detection
	for head := 0; head < 3; head++ {
		data := outputs[head]
		attr := attrs[head]
		if len(attr.Dims) < 4 {
			return nil, fmt.Errorf("yolov5 head %v expects 4D tensor, got %vD", head, len(attr.Dims))
		}
		gridH := attr.Dims[1]
		gridW := attr.Dims[2]
		channel := attr.Dims[3]
		numClasses := channel/yolov5NumAnchors - 5
		if numClasses <= 0 {
			return nil, fmt.Errorf("yolov5 head %v: invalid channel count %v", head, channel)
		}
		stride := float32(yoloStrides[head])
		entrySize := 5 + numClasses

		for y := 0; y < gridH; y++ {
			for x := 0; x < gridW; x++ {
				for a := 0; a < yolov5NumAnchors; a++ {
					offset := ((y*gridW+x)*yolov5NumAnchors + a) * entrySize
					entry := data[offset : offset+entrySize]

					objConf := sigmoid(entry[4])
					if objConf < confThresh {
						continue
					}

					bestClass := 0
					bestScore := entry[5]
					for c := 1; c < numClasses; c++ {
						if entry[5+c] > bestScore {
							bestScore = entry[5+c]
							bestClass = c
						}
					}
					finalConf := objConf * sigmoid(bestScore)
					if finalConf < confThresh {
						continue
					}

					cx := (sigmoid(entry[0])*2 - 0.5 + float32(x)) * stride
					cy := (sigmoid(entry[1])*2 - 0.5 + float32(y)) * stride
					sw := sigmoid(entry[2]) * 2
					sh := sigmoid(entry[3]) * 2
					bw := sw * sw * yolov5Anchors[head][a*2]
					bh := sh * sh * yolov5Anchors[head][a*2+1]

					all = append(all, Detection{
						ClassID:    bestClass,
						ClassName:  classNameOf(labels, bestClass),
						Confidence: finalConf,
						Box: Box{
							X1: cx - bw/2,
							Y1: cy - bh/2,
							X2: cx + bw/2,
							Y2: cy + bh/2,
						},
					})
				}
			}
		}
	}
	return all, nil
}

// decodeYOLOv8 decodes the three anchor-free heads. Head layout is
// [1, Hg, Wg, 64+C]: 64 channels of DFL box regression (4 sides x 16 bins)
// followed by raw class logits.
func decodeYOLOv8(outputs [][]float32, attrs []TensorAttr, confThresh float32, labels []string) ([]Detection, error) {
	if len(outputs) != 3 || len(attrs) != 3 {
		return nil, fmt.Errorf("yolov8 expects 3 output heads, got %v", len(outputs))
	}
	const boxChannels = 4 * dflRegMax

	var all []Detection
	for head := 0; head < 3; head++ {
		data := outputs[head]
		attr := attrs[head]
		if len(attr.Dims) < 4 {
			return nil, fmt.Errorf("yolov8 head %v expects 4D tensor, got %vD", head, len(attr.Dims))
		}
		gridH := attr.Dims[1]
		gridW := attr.Dims[2]
		channel := attr.Dims[3]
		numClasses := channel - boxChannels
		if numClasses <= 0 {
			return nil, fmt.Errorf("yolov8 head %v: channel=%v, expected > %v", head, channel, boxChannels)
		}
		stride := float32(yoloStrides[head])

		for y := 0; y < gridH; y++ {
			for x := 0; x < gridW; x++ {
				offset := (y*gridW + x) * channel
				entry := data[offset : offset+channel]
				scores := entry[boxChannels:]

				bestClass := 0
				bestScore := scores[0]
				for c := 1; c < numClasses; c++ {
					if scores[c] > bestScore {
						bestScore = scores[c]
						bestClass = c
					}
				}
				conf := sigmoid(bestScore)
				if conf < confThresh {
					continue
				}

				left := dflDecode(entry[0*dflRegMax:1*dflRegMax]) * stride
				top := dflDecode(entry[1*dflRegMax:2*dflRegMax]) * stride
				right := dflDecode(entry[2*dflRegMax:3*dflRegMax]) * stride
				bottom := dflDecode(entry[3*dflRegMax:4*dflRegMax]) * stride

				cx := (float32(x) + 0.5) * stride
				cy := (float32(y) + 0.5) * stride

				all = append(all, Detection{
					ClassID:    bestClass,
					ClassName:  classNameOf(labels, bestClass),
					Confidence: conf,
					Box: Box{
						X1: cx - left,
						Y1: cy - top,
						X2: cx + right,
						Y2: cy + bottom,
					},
				})
			}
		}
	}
	return all, nil
}

// decodeYOLOv11 decodes the fused single-head layout [1, 4+C, A],
// channel-major. The model has already performed DFL and anchor decoding:
// the first four channels are [cx, cy, w, h] in model-input pixels and the
// class channels are probabilities in [0,1], so no sigmoid is applied.
func decodeYOLOv11(outputs [][]float32, attrs []TensorAttr, confThresh float32, labels []string) ([]Detection, error) {
	if len(outputs) == 0 || len(attrs) == 0 {
		return nil, fmt.Errorf("yolov11: no output data")
	}
	data := outputs[0]
	attr := attrs[0]
	if len(attr.Dims) < 3 {
		return nil, fmt.Errorf("yolov11 expects 3D tensor [1, 4+C, A], got %vD", len(attr.Dims))
	}
	numChannels := attr.Dims[1]
	numAnchors := attr.Dims[2]
	numClasses := numChannels - 4
	if numClasses <= 0 {
		return nil, fmt.Errorf("yolov11: invalid channel count %v", numChannels)
	}

	var all []Detection
	for i := 0; i < numAnchors; i++ {
		bestClass := -1
		bestScore := float32(-1)
		for c := 0; c < numClasses; c++ {
			score := data[(4+c)*numAnchors+i]
			if score > bestScore {
				bestScore = score
				bestClass = c
			}
		}
		if bestScore < confThresh {
			continue
		}

		cx := data[0*numAnchors+i]
		cy := data[1*numAnchors+i]
		w := data[2*numAnchors+i]
		h := data[3*numAnchors+i]

		all = append(all, Detection{
			ClassID:    bestClass,
			ClassName:  classNameOf(labels, bestClass),
			Confidence: bestScore,
			Box: Box{
				X1: cx - w/2,
				Y1: cy - h/2,
				X2: cx + w/2,
				Y2: cy + h/2,
			},
		})
	}
	return all, nil
}

// decodeYOLOv11DFL decodes the alternate fused layout where the first 64
// channels are raw DFL distances over an implicit anchor grid, and class
// scores are raw logits. Selected only by the explicit "yolov11dfl" tag.
func decodeYOLOv11DFL(outputs [][]float32, attrs []TensorAttr, modelH int, confThresh float32, labels []string) ([]Detection, error) {
	if len(outputs) == 0 || len(attrs) == 0 {
		return nil, fmt.Errorf("yolov11dfl: no output data")
	}
	const boxChannels = 4 * dflRegMax
	data := outputs[0]
	attr := attrs[0]
	if len(attr.Dims) < 3 {
		return nil, fmt.Errorf("yolov11dfl expects 3D tensor [1, 64+C, A], got %vD", len(attr.Dims))
	}
	numChannels := attr.Dims[1]
	numAnchors := attr.Dims[2]
	numClasses := numChannels - boxChannels
	if numClasses <= 0 {
		return nil, fmt.Errorf("yolov11dfl: invalid channel count %v", numChannels)
	}

	// The fused head concatenates the three stride grids. Recover each
	// grid's extent from the model input size.
	type gridSpan struct {
		start, w, h, stride int
	}
	spans := []gridSpan{}
	start := 0
	for _, s := range yoloStrides {
		gw := modelH / s // square inputs only, which is all the RKNN exports use
		spans = append(spans, gridSpan{start: start, w: gw, h: gw, stride: s})
		start += gw * gw
	}
	if start != numAnchors {
		return nil, fmt.Errorf("yolov11dfl: anchor count %v does not match %v grid cells for input %v", numAnchors, start, modelH)
	}

	var dfl [dflRegMax]float32
	var all []Detection
	for _, span := range spans {
		for y := 0; y < span.h; y++ {
			for x := 0; x < span.w; x++ {
				i := span.start + y*span.w + x

				bestClass := 0
				bestScore := data[(boxChannels+0)*numAnchors+i]
				for c := 1; c < numClasses; c++ {
					score := data[(boxChannels+c)*numAnchors+i]
					if score > bestScore {
						bestScore = score
						bestClass = c
					}
				}
				conf := sigmoid(bestScore)
				if conf < confThresh {
					continue
				}

				stride := float32(span.stride)
				var sides [4]float32
				for side := 0; side < 4; side++ {
					for k := 0; k < dflRegMax; k++ {
						dfl[k] = data[(side*dflRegMax+k)*numAnchors+i]
					}
					sides[side] = dflDecode(dfl[:]) * stride
				}
				cx := (float32(x) + 0.5) * stride
				cy := (float32(y) + 0.5) * stride

				all = append(all, Detection{
					ClassID:    bestClass,
					ClassName:  classNameOf(labels, bestClass),
					Confidence: conf,
					Box: Box{
						X1: cx - sides[0],
						Y1: cy - sides[1],
						X2: cx + sides[2],
						Y2: cy + sides[3],
					},
				})
			}
		}
	}
	return all, nil
}
