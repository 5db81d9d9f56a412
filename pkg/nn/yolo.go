package nn

import "fmt"

// DecodeYOLOv8 turns the raw output tensor of a YOLOv8/YOLO11 detection head into objects.
//
// The tensor has shape [1, 4+numClasses, numAnchors], stored row major, so that the value
// for channel c of anchor i is output[c*numAnchors+i]. Channels 0..3 are the box center X,
// center Y, width and height in model input pixels, and the rest are per-class scores.
//
// scale maps model input pixels back to image pixels, and the boxes are clipped to
// imgWidth x imgHeight.
func DecodeYOLOv8(output []float32, numClasses int, params DetectionParams, scale float32, imgWidth, imgHeight int) ([]ObjectDetection, error) {
	if numClasses <= 0 {
		return nil, fmt.Errorf("Invalid number of classes %v", numClasses)
	}
	nchan := 4 + numClasses
	if len(output) == 0 || len(output)%nchan != 0 {
		return nil, fmt.Errorf("YOLO output size %v is not a multiple of %v channels", len(output), nchan)
	}
	params = params.WithDefaults()
	nanchor := len(output) / nchan

	var candidates []ObjectDetection
	for i := 0; i < nanchor; i++ {
		bestClass := -1
		bestScore := float32(0)
		for c := 0; c < numClasses; c++ {
			score := output[(4+c)*nanchor+i]
			if score > bestScore {
				bestScore = score
				bestClass = c
			}
		}
		if bestClass < 0 || bestScore < params.ProbabilityThreshold {
			continue
		}
		box := RectFromCenter(output[i], output[nanchor+i], output[2*nanchor+i], output[3*nanchor+i], scale)
		box = box.Clip(imgWidth, imgHeight)
		if box.Area() == 0 {
			continue
		}
		candidates = append(candidates, ObjectDetection{
			Class:      bestClass,
			Confidence: bestScore,
			Box:        box,
		})
	}

	return NMS(candidates, params.NmsIouThreshold), nil
}
