package images

import (
	"image"
	"image/color"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrShape is returned when a tensor does not have the [C,H,W] float32 layout an
// operation expects.
var ErrShape = errors.New("tensor shape mismatch")

// CheckCHW asserts that t is a rank-3 float32 tensor and returns its dimensions.
//
// Arguments:
// - t: The tensor to check.
//
// Returns:
// - The channel, height and width of the tensor.
// - ErrShape (wrapped) if t is nil, not rank 3, or not float32.
func CheckCHW(t *tensor.Dense) (c, h, w int, err error) {
	if t == nil {
		return 0, 0, 0, errors.Wrap(ErrShape, "nil tensor")
	}
	if t.Dtype() != tensor.Float32 {
		return 0, 0, 0, errors.Wrapf(ErrShape, "expected float32 tensor, got %v", t.Dtype())
	}
	shape := t.Shape()
	if len(shape) != 3 {
		return 0, 0, 0, errors.Wrapf(ErrShape, "expected [C,H,W] tensor, got %v", shape)
	}
	return shape[0], shape[1], shape[2], nil
}

// Zeros allocates an all-zero [c,h,w] float32 tensor.
func Zeros(c, h, w int) *tensor.Dense {
	return tensor.New(tensor.WithShape(c, h, w), tensor.WithBacking(make([]float32, c*h*w)))
}

// FromImage converts an image into a [3,H,W] float32 tensor with values in [0,1].
//
// Arguments:
// - img: The source image in any color model.
//
// Returns:
// - The RGB tensor of the image.
//
// @example
// t := FromImage(decoded)
// fmt.Println(t.Shape()) // (3, 480, 640)
func FromImage(img image.Image) *tensor.Dense {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	data := make([]float32, 3*h*w)
	plane := h * w

	Parallel(h, func(partStart, partEnd int) {
		for y := partStart; y < partEnd; y++ {
			for x := 0; x < w; x++ {
				c := color.NRGBAModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
				i := y*w + x
				data[i] = float32(c.R) / 255
				data[plane+i] = float32(c.G) / 255
				data[2*plane+i] = float32(c.B) / 255
			}
		}
	})

	return tensor.New(tensor.WithShape(3, h, w), tensor.WithBacking(data))
}

// ToImage converts a [3,H,W] tensor with values in [0,1] back into an image.
// Values outside [0,1] are clamped.
func ToImage(t *tensor.Dense) (*image.NRGBA, error) {
	c, h, w, err := CheckCHW(t)
	if err != nil {
		return nil, err
	}
	if c != 3 {
		return nil, errors.Wrapf(ErrShape, "expected 3 channels, got %d", c)
	}

	data := t.Data().([]float32)
	plane := h * w
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(Clamp(data[i], 0, 1)*255 + 0.5),
				G: uint8(Clamp(data[plane+i], 0, 1)*255 + 0.5),
				B: uint8(Clamp(data[2*plane+i], 0, 1)*255 + 0.5),
				A: 255,
			})
		}
	}
	return img, nil
}

// FlipHorizontal mirrors a [C,H,W] tensor along its width axis.
func FlipHorizontal(t *tensor.Dense) (*tensor.Dense, error) {
	c, h, w, err := CheckCHW(t)
	if err != nil {
		return nil, err
	}

	src := t.Data().([]float32)
	dst := make([]float32, len(src))
	for row := 0; row < c*h; row++ {
		base := row * w
		for x := 0; x < w; x++ {
			dst[base+x] = src[base+w-1-x]
		}
	}
	return tensor.New(tensor.WithShape(c, h, w), tensor.WithBacking(dst)), nil
}

// Pad zero-pads a [C,H,W] tensor on the bottom and right edges up to
// [C,height,width]. Dimensions that are already large enough are kept.
//
// Arguments:
// - t: The source tensor.
// - height: The minimum output height.
// - width: The minimum output width.
//
// Returns:
// - The padded tensor. The original content stays anchored at the top-left.
func Pad(t *tensor.Dense, height, width int) (*tensor.Dense, error) {
	c, h, w, err := CheckCHW(t)
	if err != nil {
		return nil, err
	}
	height = max(height, h)
	width = max(width, w)

	src := t.Data().([]float32)
	dst := make([]float32, c*height*width)
	for ch := 0; ch < c; ch++ {
		for y := 0; y < h; y++ {
			copy(dst[ch*height*width+y*width:ch*height*width+y*width+w], src[ch*h*w+y*w:ch*h*w+(y+1)*w])
		}
	}
	return tensor.New(tensor.WithShape(c, height, width), tensor.WithBacking(dst)), nil
}

// Crop copies the window [x, x+width) x [y, y+height) out of a [C,H,W] tensor.
// The window must lie inside the tensor.
func Crop(t *tensor.Dense, x, y, width, height int) (*tensor.Dense, error) {
	c, h, w, err := CheckCHW(t)
	if err != nil {
		return nil, err
	}
	if x < 0 || y < 0 || width <= 0 || height <= 0 || x+width > w || y+height > h {
		return nil, errors.Errorf("crop window (%d,%d,%d,%d) outside %dx%d tensor", x, y, width, height, w, h)
	}

	src := t.Data().([]float32)
	dst := make([]float32, c*height*width)
	for ch := 0; ch < c; ch++ {
		for row := 0; row < height; row++ {
			s := ch*h*w + (y+row)*w + x
			copy(dst[ch*height*width+row*width:ch*height*width+(row+1)*width], src[s:s+width])
		}
	}
	return tensor.New(tensor.WithShape(c, height, width), tensor.WithBacking(dst)), nil
}

// Normalize applies (v - mean[c]) / std[c] to every pixel of channel c.
//
// Arguments:
// - t: The source tensor.
// - mean: Per-channel means; its length must equal the channel count.
// - std: Per-channel standard deviations; zero entries are rejected.
//
// Returns:
// - The normalized tensor.
//
// @example
// out, err := Normalize(img, []float32{0.485, 0.456, 0.406}, []float32{0.229, 0.224, 0.225})
func Normalize(t *tensor.Dense, mean, std []float32) (*tensor.Dense, error) {
	return affine(t, mean, std, false)
}

// Denormalize inverts Normalize: v*std[c] + mean[c].
func Denormalize(t *tensor.Dense, mean, std []float32) (*tensor.Dense, error) {
	return affine(t, mean, std, true)
}

func affine(t *tensor.Dense, mean, std []float32, inverse bool) (*tensor.Dense, error) {
	c, h, w, err := CheckCHW(t)
	if err != nil {
		return nil, err
	}
	if len(mean) != c || len(std) != c {
		return nil, errors.Wrapf(ErrShape, "mean/std length %d/%d does not match %d channels", len(mean), len(std), c)
	}

	src := t.Data().([]float32)
	dst := make([]float32, len(src))
	plane := h * w
	for ch := 0; ch < c; ch++ {
		if std[ch] == 0 {
			return nil, errors.Errorf("zero std for channel %d", ch)
		}
		for i := ch * plane; i < (ch+1)*plane; i++ {
			if inverse {
				dst[i] = src[i]*std[ch] + mean[ch]
			} else {
				dst[i] = (src[i] - mean[ch]) / std[ch]
			}
		}
	}
	return tensor.New(tensor.WithShape(c, h, w), tensor.WithBacking(dst)), nil
}
