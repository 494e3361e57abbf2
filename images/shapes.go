package images

// Rect is a corner-form bounding box in continuous pixel coordinates.
type Rect struct {
	// X2,Y2 are exclusive (like image.Rectangle).
	X1, Y1, X2, Y2 float32
}

// Width returns the horizontal extent of the rectangle, or 0 if it is inverted.
func (r Rect) Width() float32 {
	return max(r.X2-r.X1, 0)
}

// Height returns the vertical extent of the rectangle, or 0 if it is inverted.
func (r Rect) Height() float32 {
	return max(r.Y2-r.Y1, 0)
}

// Area returns the area of the rectangle.
func (r Rect) Area() float32 {
	return r.Width() * r.Height()
}

// Intersect returns the overlapping region of r and o. Disjoint rectangles give
// an empty (zero area) rectangle.
func (r Rect) Intersect(o Rect) Rect {
	return Rect{
		X1: max(r.X1, o.X1),
		Y1: max(r.Y1, o.Y1),
		X2: min(r.X2, o.X2),
		Y2: min(r.Y2, o.Y2),
	}
}

// CalculateIoU measures how much two rectangles overlap.
//
//	IoU = Area of Intersection / Area of Union
//
// The top-left corner of the intersection is the maximum of the two top-left
// corners and the bottom-right corner is the minimum of the bottom-right corners.
// If the rectangles do not overlap the intersection width or height is zero or
// negative and 0 is returned immediately, which also avoids dividing by a zero
// union for degenerate boxes.
//
// Union uses inclusion-exclusion:
//
//	Area(Union) = Area(A) + Area(B) - Area(Intersection)
//
// Widths are x2-x1 without a +1 pixel convention.
//
// Arguments:
//   - r: The first rectangle.
//   - o: The other rectangle to compare against.
//
// Returns:
//   - float32: A value between 0.0 and 1.0 representing the IoU score.
//
// Example Usage:
// ```go
//
//	rect1 := Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}
//	rect2 := Rect{X1: 5, Y1: 5, X2: 15, Y2: 15}
//	iouScore := CalculateIoU(rect1, rect2) // 25 / 175 = 0.142857
//
// ```
func CalculateIoU(r, o Rect) float32 {
	inter := r.Intersect(o)
	interW := inter.X2 - inter.X1
	interH := inter.Y2 - inter.Y1
	if interW <= 0 || interH <= 0 {
		return 0.0
	}
	interArea := interW * interH

	unionArea := r.Area() + o.Area() - interArea
	if unionArea <= 0 {
		return 0.0
	}
	return interArea / unionArea
}
