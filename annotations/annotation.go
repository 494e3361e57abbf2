// Package annotations - object annotation records and the box geometry the
// augmentation pipeline applies to them.
//
// Every record uses the 8-field layout
//
//	x, y, w, h, score, class, truncation, occlusion
//
// with pixel coordinates in width/height form and a top-left origin. Functions
// in this package return new slices and never modify their inputs.
package annotations

import (
	"fmt"

	"github.com/nvr-ai/go-rrnet/images"
	"github.com/pkg/errors"
)

// NumFields is the canonical width of an annotation record.
const NumFields = 8

// IgnoredClass marks regions that carry no supervision.
const IgnoredClass = 0

// Annotation is one object record.
type Annotation struct {
	// X is the left edge in pixels.
	X float32 `json:"x" yaml:"x"`
	// Y is the top edge in pixels.
	Y float32 `json:"y" yaml:"y"`
	// W is the box width in pixels.
	W float32 `json:"w" yaml:"w"`
	// H is the box height in pixels.
	H float32 `json:"h" yaml:"h"`
	// Score is the annotation confidence (1 for ground truth).
	Score float32 `json:"score" yaml:"score"`
	// Class is the object category.
	Class int `json:"class" yaml:"class"`
	// Truncation is the truncation level, -1 if unknown.
	Truncation int `json:"truncation" yaml:"truncation"`
	// Occlusion is the occlusion level, -1 if unknown.
	Occlusion int `json:"occlusion" yaml:"occlusion"`
}

// Sentinel returns the placeholder record emitted when no annotation survives
// augmentation: [0, 0, 1, 1, 1, 0, -1, -1].
func Sentinel() Annotation {
	return Annotation{X: 0, Y: 0, W: 1, H: 1, Score: 1, Class: IgnoredClass, Truncation: -1, Occlusion: -1}
}

// IsSentinel reports whether a is the placeholder record.
func (a Annotation) IsSentinel() bool {
	return a == Sentinel()
}

// Fields returns the record as its 8 numeric fields.
func (a Annotation) Fields() [NumFields]float32 {
	return [NumFields]float32{a.X, a.Y, a.W, a.H, a.Score, float32(a.Class), float32(a.Truncation), float32(a.Occlusion)}
}

// FromFields builds a record from a 6, 7 or 8 wide row. Missing trailing
// truncation/occlusion fields are set to -1.
//
// Arguments:
// - row: The numeric fields in canonical order.
//
// Returns:
// - The annotation.
// - An error if the row is narrower than 6 or wider than 8 fields.
//
// @example
// a, err := FromFields([]float32{10, 20, 30, 40, 1, 4})
// fmt.Println(a.Truncation) // -1
func FromFields(row []float32) (Annotation, error) {
	if len(row) < 6 || len(row) > NumFields {
		return Annotation{}, errors.Errorf("annotation row has %d fields, want 6 to %d", len(row), NumFields)
	}
	a := Annotation{
		X:          row[0],
		Y:          row[1],
		W:          row[2],
		H:          row[3],
		Score:      row[4],
		Class:      int(row[5]),
		Truncation: -1,
		Occlusion:  -1,
	}
	if len(row) > 6 {
		a.Truncation = int(row[6])
	}
	if len(row) > 7 {
		a.Occlusion = int(row[7])
	}
	return a, nil
}

// Corners converts the box to corner form.
func (a Annotation) Corners() images.Rect {
	return images.Rect{X1: a.X, Y1: a.Y, X2: a.X + a.W, Y2: a.Y + a.H}
}

// Area returns the box area, or 0 for degenerate boxes.
func (a Annotation) Area() float32 {
	if a.W <= 0 || a.H <= 0 {
		return 0
	}
	return a.W * a.H
}

func (a Annotation) String() string {
	return fmt.Sprintf("[%.1f %.1f %.1f %.1f %.2f %d %d %d]",
		a.X, a.Y, a.W, a.H, a.Score, a.Class, a.Truncation, a.Occlusion)
}

// Clone returns a copy of annos that shares no memory with it.
func Clone(annos []Annotation) []Annotation {
	out := make([]Annotation, len(annos))
	copy(out, annos)
	return out
}
