package nn

import "sort"

// ObjectDetection is an object that a neural network has found in an image
type ObjectDetection struct {
	Class      int     `json:"class"`
	Confidence float32 `json:"confidence"`
	Box        Rect    `json:"box"`
}

// FrameResult is the raw output of the model for one processed unit of video.
type FrameResult struct {
	Frame       int               `json:"frame"`
	ImageWidth  int               `json:"imageWidth"`
	ImageHeight int               `json:"imageHeight"`
	Objects     []ObjectDetection `json:"objects"`
}

// Record is the structured form of a single detection.
// The JSON shape is the same as the ultralytics Results.to_json(normalize=True) output,
// because that is what remote inference servers emit.
type Record struct {
	Name       string    `json:"name"`
	Class      int       `json:"class"`
	Confidence float32   `json:"confidence"`
	Box        RecordBox `json:"box"`
}

// Box corners, normalized to [0,1] when the image size is known, otherwise in pixels
type RecordBox struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

// Records returns the detections of this frame as structured records, highest confidence first.
// Classes that the model config doesn't know about get an empty name.
func (f *FrameResult) Records(classes []string) []Record {
	records := make([]Record, 0, len(f.Objects))
	sx, sy := float32(1), float32(1)
	if f.ImageWidth > 0 && f.ImageHeight > 0 {
		sx = 1 / float32(f.ImageWidth)
		sy = 1 / float32(f.ImageHeight)
	}
	for _, obj := range f.Objects {
		name := ""
		if obj.Class >= 0 && obj.Class < len(classes) {
			name = classes[obj.Class]
		}
		records = append(records, Record{
			Name:       name,
			Class:      obj.Class,
			Confidence: obj.Confidence,
			Box: RecordBox{
				X1: float32(obj.Box.X) * sx,
				Y1: float32(obj.Box.Y) * sy,
				X2: float32(obj.Box.X2()) * sx,
				Y2: float32(obj.Box.Y2()) * sy,
			},
		})
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Confidence > records[j].Confidence
	})
	return records
}

// Top returns the highest confidence record of the frame, or nil if nothing was detected.
func (f *FrameResult) Top(classes []string) *Record {
	if f == nil || len(f.Objects) == 0 {
		return nil
	}
	r := f.Records(classes)
	return &r[0]
}

// VideoLabels contains labels for each video frame
type VideoLabels struct {
	Classes []string       `json:"classes"`
	Frames  []*ImageLabels `json:"frames"`
}

type ImageLabels struct {
	Frame   int               `json:"frame,omitempty"` // For video, this is the frame number
	Objects []ObjectDetection `json:"objects"`
}

// Add appends the frame to the label set, if the frame has any objects
func (v *VideoLabels) Add(f *FrameResult) {
	if len(f.Objects) == 0 {
		return
	}
	v.Frames = append(v.Frames, &ImageLabels{
		Frame:   f.Frame,
		Objects: f.Objects,
	})
}

// TopLabels returns the class name of the most confident object in each labelled frame.
// Class indices that are out of range give an empty name.
func (v *VideoLabels) TopLabels() []string {
	config := ModelConfig{Classes: v.Classes}
	labels := make([]string, 0, len(v.Frames))
	for _, f := range v.Frames {
		best := -1
		for i := range f.Objects {
			if best == -1 || f.Objects[i].Confidence > f.Objects[best].Confidence {
				best = i
			}
		}
		if best != -1 {
			labels = append(labels, config.ClassName(f.Objects[best].Class))
		}
	}
	return labels
}
