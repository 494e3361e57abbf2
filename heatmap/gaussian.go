package heatmap

import (
	"github.com/chewxy/math32"
)

// DefaultMinOverlap is the IoU a box shifted by the radius must still reach.
const DefaultMinOverlap = 0.7

// machineEpsilon is the float32 machine epsilon.
const machineEpsilon = 1.1920929e-07

// GaussianRadius returns the largest corner displacement that keeps a box of the
// given size above minOverlap IoU with the original, as the smallest root of the
// three CenterNet overlap cases (both corners inside, both outside, one of each).
//
// Arguments:
// - height: The box height in output-map pixels.
// - width: The box width in output-map pixels.
// - minOverlap: The IoU that must be preserved, usually DefaultMinOverlap.
//
// Returns:
// - The radius in output-map pixels.
//
// @example
// r := GaussianRadius(10, 10, DefaultMinOverlap) // ~2.3
func GaussianRadius(height, width, minOverlap float32) float32 {
	a1 := float32(1)
	b1 := height + width
	c1 := width * height * (1 - minOverlap) / (1 + minOverlap)
	sq1 := math32.Sqrt(b1*b1 - 4*a1*c1)
	r1 := (b1 + sq1) / 2

	a2 := float32(4)
	b2 := 2 * (height + width)
	c2 := (1 - minOverlap) * width * height
	sq2 := math32.Sqrt(b2*b2 - 4*a2*c2)
	r2 := (b2 + sq2) / 2

	a3 := 4 * minOverlap
	b3 := -2 * minOverlap * (height + width)
	c3 := (minOverlap - 1) * width * height
	sq3 := math32.Sqrt(b3*b3 - 4*a3*c3)
	r3 := (b3 + sq3) / 2

	return min(r1, r2, r3)
}

// gaussian2D builds a (2r+1)x(2r+1) kernel with sigma = diameter/6 and a peak of 1.
func gaussian2D(radius int) []float32 {
	diameter := 2*radius + 1
	sigma := float32(diameter) / 6
	kernel := make([]float32, diameter*diameter)
	for y := -radius; y <= radius; y++ {
		for x := -radius; x <= radius; x++ {
			v := math32.Exp(-float32(x*x+y*y) / (2 * sigma * sigma))
			// Drop values below float32 resolution relative to the peak.
			if v < machineEpsilon {
				v = 0
			}
			kernel[(y+radius)*diameter+x+radius] = v
		}
	}
	return kernel
}

// DrawGaussian writes a gaussian peak centered at (cx, cy) into a single
// [height,width] plane, keeping the element-wise maximum with the existing
// values. Parts of the kernel that fall outside the plane are clipped.
//
// Arguments:
// - plane: The row-major heatmap channel.
// - height, width: The plane dimensions.
// - cx, cy: The integer center.
// - radius: The kernel radius; negative values are treated as 0.
func DrawGaussian(plane []float32, height, width, cx, cy, radius int) {
	radius = max(radius, 0)
	diameter := 2*radius + 1
	kernel := gaussian2D(radius)

	left, right := min(cx, radius), min(width-cx, radius+1)
	top, bottom := min(cy, radius), min(height-cy, radius+1)

	for dy := -top; dy < bottom; dy++ {
		y := cy + dy
		if y < 0 || y >= height {
			continue
		}
		for dx := -left; dx < right; dx++ {
			x := cx + dx
			if x < 0 || x >= width {
				continue
			}
			v := kernel[(dy+radius)*diameter+dx+radius]
			if v > plane[y*width+x] {
				plane[y*width+x] = v
			}
		}
	}
}
