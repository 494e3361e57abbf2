package postprocess

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-rrnet/images"
)

// DefaultNMSThreshold is the overlap above which the weaker of two boxes is
// suppressed.
const DefaultNMSThreshold = 0.3

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	IoUThreshold float32 // Overlap threshold for suppression.
	ClassAware   bool    // If true, suppress only within same class.
}

// DefaultNMSConfig returns the per-class configuration used for visual logs and
// predictions.
func DefaultNMSConfig() *NMSConfig {
	return &NMSConfig{IoUThreshold: DefaultNMSThreshold, ClassAware: true}
}

// ApplyNMS filters overlapping detections using Non-Maximum Suppression.
//
// Arguments:
//   - detections: Detections in any order.
//   - config: NMS configuration. If ClassAware is set boxes only suppress boxes
//     of their own class and the kept results are grouped by ascending class.
//
// Returns:
//   - Filtered slice of detections, highest score first within each class. If
//     no detections are provided, returns nil.
func ApplyNMS(detections []Result, config *NMSConfig) []Result {
	if len(detections) == 0 {
		return nil
	}
	if !config.ClassAware {
		return NMS(detections, config.IoUThreshold)
	}
	return PerClassNMS(detections, config.IoUThreshold)
}

// PerClassNMS runs NMS independently for every class and concatenates the
// survivors in ascending class order.
func PerClassNMS(detections []Result, threshold float32) []Result {
	byClass := make(map[int][]Result)
	var classes []int
	for _, d := range detections {
		if _, ok := byClass[d.Class]; !ok {
			classes = append(classes, d.Class)
		}
		byClass[d.Class] = append(byClass[d.Class], d)
	}
	sort.Ints(classes)

	var out []Result
	for _, c := range classes {
		out = append(out, NMS(byClass[c], threshold)...)
	}
	return out
}

// NMS performs greedy Non-Maximum Suppression regardless of class.
//
// Detections are visited by descending score. Each kept detection suppresses
// every remaining one whose IoU with it exceeds threshold. Candidate pairs come
// from a flatbush spatial index so disjoint boxes are never compared.
//
// Arguments:
//   - detections: Slice of detections in any order. Non-finite ones are dropped.
//   - threshold: IoU threshold above which overlapping boxes are suppressed.
//
// Returns:
//   - Filtered slice of detections, highest score first.
func NMS(detections []Result, threshold float32) []Result {
	sorted := make([]Result, 0, len(detections))
	for _, d := range detections {
		if d.Finite() {
			sorted = append(sorted, d)
		}
	}
	n := len(sorted)
	if n == 0 {
		return nil
	}

	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(n)
	for _, d := range sorted {
		x1, y1, x2, y2 := indexBounds(d.Box)
		fb.Add(x1, y1, x2, y2)
	}
	fb.Finish()

	filtered := make([]Result, 0, n)
	used := make([]bool, n)
	for i := 0; i < n; i++ {
		if used[i] {
			continue
		}
		anchor := sorted[i]
		filtered = append(filtered, anchor)
		used[i] = true

		x1, y1, x2, y2 := indexBounds(anchor.Box)
		for _, j := range fb.Search(x1, y1, x2, y2) {
			if j <= i || used[j] {
				continue
			}
			if images.CalculateIoU(anchor.Box, sorted[j].Box) > threshold {
				used[j] = true
			}
		}
	}
	return filtered
}

// indexBounds rounds a box outwards to the integer grid of the spatial index,
// clamped to indexLimit. The index only proposes pairs, the exact IoU decides.
func indexBounds(r images.Rect) (x1, y1, x2, y2 int32) {
	return gridFloor(r.X1), gridFloor(r.Y1), gridCeil(r.X2), gridCeil(r.Y2)
}

// indexLimit keeps finite but huge coordinates inside int32.
const indexLimit = 1 << 30

func gridFloor(v float32) int32 {
	return int32(math32.Max(-indexLimit, math32.Min(indexLimit, math32.Floor(v))))
}

func gridCeil(v float32) int32 {
	return int32(math32.Max(-indexLimit, math32.Min(indexLimit, math32.Ceil(v))))
}
