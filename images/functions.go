// Package images - provides idempotent tensor image operations used by the
// augmentation pipeline. Every operation allocates a new backing buffer and
// never mutates its input.
package images

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ResampleFilter defines the resampling algorithm used for tensor scaling.
type ResampleFilter int

const (
	// NearestNeighborFilter uses nearest-neighbor interpolation (fastest, lowest quality).
	NearestNeighborFilter ResampleFilter = iota
	// BilinearFilter uses bilinear interpolation with half-pixel centers.
	BilinearFilter
	// BilinearAlignCornersFilter uses bilinear interpolation that maps the corner
	// pixels of the source onto the corner pixels of the destination.
	BilinearAlignCornersFilter
)

// tap is one source sample contributing to a destination coordinate.
type tap struct {
	// lo and hi are the neighbouring source indices.
	lo, hi int
	// frac is the weight of hi; lo receives 1-frac.
	frac float32
}

// sourceTaps precomputes the source sampling positions for one axis.
//
// Arguments:
// - in: The source length along the axis.
// - out: The destination length along the axis.
// - filter: The resampling filter.
//
// Returns:
// - One tap per destination index.
func sourceTaps(in, out int, filter ResampleFilter) []tap {
	taps := make([]tap, out)
	for i := 0; i < out; i++ {
		var src float32
		switch filter {
		case BilinearAlignCornersFilter:
			if out > 1 {
				src = float32(i) * float32(in-1) / float32(out-1)
			}
		case NearestNeighborFilter:
			src = float32(int((float32(i) + 0.5) * float32(in) / float32(out)))
		default:
			src = (float32(i)+0.5)*float32(in)/float32(out) - 0.5
			if src < 0 {
				src = 0
			}
		}

		lo := int(src)
		if lo > in-1 {
			lo = in - 1
		}
		hi := lo + 1
		if hi > in-1 {
			hi = in - 1
		}
		frac := src - float32(lo)
		if filter == NearestNeighborFilter {
			frac = 0
		}
		taps[i] = tap{lo: lo, hi: hi, frac: frac}
	}
	return taps
}

// Resize scales a [C,H,W] float32 tensor to [C,height,width].
//
// The horizontal and vertical taps are computed once and rows are processed in
// parallel partitions.
//
// Arguments:
// - t: The source tensor in CHW layout.
// - height: The target height in pixels.
// - width: The target width in pixels.
// - filter: The resampling filter to use for interpolation.
//
// Returns:
// - A new tensor with the target spatial size.
// - An error if the tensor is not CHW float32 or the size is invalid.
//
// @example
// resized, err := Resize(img, 512, 512, BilinearFilter)
func Resize(t *tensor.Dense, height, width int, filter ResampleFilter) (*tensor.Dense, error) {
	c, h, w, err := CheckCHW(t)
	if err != nil {
		return nil, err
	}
	if height <= 0 || width <= 0 {
		return nil, errors.Errorf("invalid resize target %dx%d", width, height)
	}

	src := t.Data().([]float32)
	dst := make([]float32, c*height*width)

	// Early return if no resizing needed (caller still gets a new buffer).
	if h == height && w == width {
		copy(dst, src)
		return tensor.New(tensor.WithShape(c, height, width), tensor.WithBacking(dst)), nil
	}

	xTaps := sourceTaps(w, width, filter)
	yTaps := sourceTaps(h, height, filter)

	Parallel(c*height, func(partStart, partEnd int) {
		for row := partStart; row < partEnd; row++ {
			ch := row / height
			y := row % height
			ty := yTaps[y]
			plane := src[ch*h*w : (ch+1)*h*w]
			top := plane[ty.lo*w : (ty.lo+1)*w]
			bottom := plane[ty.hi*w : (ty.hi+1)*w]
			out := dst[ch*height*width+y*width : ch*height*width+(y+1)*width]
			for x, tx := range xTaps {
				a := top[tx.lo] + (top[tx.hi]-top[tx.lo])*tx.frac
				b := bottom[tx.lo] + (bottom[tx.hi]-bottom[tx.lo])*tx.frac
				out[x] = a + (b-a)*ty.frac
			}
		}
	})

	return tensor.New(tensor.WithShape(c, height, width), tensor.WithBacking(dst)), nil
}

// ResizeBilinear is Resize with a bilinear filter, optionally aligning corners.
func ResizeBilinear(t *tensor.Dense, height, width int, alignCorners bool) (*tensor.Dense, error) {
	if alignCorners {
		return Resize(t, height, width, BilinearAlignCornersFilter)
	}
	return Resize(t, height, width, BilinearFilter)
}

// Clamp restricts a value to the [min, max] range.
func Clamp(value, min, max float32) float32 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// Parallel processes data in parallel using multiple goroutines.
// This function divides the work into partitions and processes them concurrently,
// automatically determining the optimal number of goroutines based on CPU count.
//
// Arguments:
// - dataSize: The total size of data to process.
// - fn: Function to process a partition, receiving start and end indices.
//
// @example
// Parallel(height, func(start, end int) { processRows(start, end) })
func Parallel(dataSize int, fn func(partStart, partEnd int)) {
	numGoroutines := runtime.NumCPU()

	// For small data sizes, parallel processing overhead isn't worth it.
	if dataSize < numGoroutines*2 {
		fn(0, dataSize)
		return
	}

	partSize := dataSize / numGoroutines

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		partStart := i * partSize
		partEnd := partStart + partSize

		// Last partition gets any remaining data.
		if i == numGoroutines-1 {
			partEnd = dataSize
		}

		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(partStart, partEnd)
	}

	wg.Wait()
}
