package nn

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
)

// NMS performs per-class non-maximum suppression.
// The result is sorted by descending confidence.
func NMS(input []ObjectDetection, iouThreshold float32) []ObjectDetection {
	if len(input) == 0 {
		return nil
	}

	order := make([]int, len(input))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return input[order[a]].Confidence > input[order[b]].Confidence
	})
	// rank[i] is the position of input[i] in 'order'
	rank := make([]int, len(input))
	for r, i := range order {
		rank[i] = r
	}

	// Create spatial index to avoid O(N^2) comparisons
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(input))
	for _, d := range input {
		fb.Add(int32(d.Box.X), int32(d.Box.Y), int32(d.Box.X2()), int32(d.Box.Y2()))
	}
	fb.Finish()

	suppressed := make([]bool, len(input))
	keep := make([]ObjectDetection, 0, len(input))
	for _, i := range order {
		if suppressed[i] {
			continue
		}
		a := input[i]
		keep = append(keep, a)
		for _, j := range fb.Search(int32(a.Box.X), int32(a.Box.Y), int32(a.Box.X2()), int32(a.Box.Y2())) {
			if j == i || suppressed[j] || rank[j] < rank[i] {
				continue
			}
			if input[j].Class != a.Class {
				continue
			}
			if a.Box.IOU(input[j].Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return keep
}
