// Package vis - draws boxes onto network inputs for the training visual logs.
package vis

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/nvr-ai/go-rrnet/annotations"
	"github.com/nvr-ai/go-rrnet/images"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
)

// goldenAngle spaces consecutive class hues far apart.
const goldenAngle = 137.508

// classColor colors boxes by class. Class 0 (ignored regions) is gray.
func classColor(class int) color.RGBA {
	if class <= 0 {
		return color.RGBA{128, 128, 128, 0}
	}
	r, g, b := colorful.Hsv(math.Mod(float64(class)*goldenAngle, 360), 0.78, 1).Clamped().RGB255()
	return color.RGBA{r, g, b, 0}
}

// Render draws boxes onto a normalized network input.
//
// Arguments:
// - img: A normalized [3,H,W] tensor.
// - mean, std: The normalization to undo. Empty slices leave the tensor as is.
// - boxes: Boxes in x, y, w, h pixel form, colored by class.
// - withScore: Label every box with its class and score.
//
// Returns:
// - A new [3,H,W] tensor in [0,1].
// - An error if the tensor is not [3,H,W] or OpenCV fails.
func Render(img *tensor.Dense, mean, std []float32, boxes []annotations.Annotation, withScore bool) (*tensor.Dense, error) {
	if c, _, _, err := images.CheckCHW(img); err != nil {
		return nil, err
	} else if c != 3 {
		return nil, errors.Wrapf(images.ErrShape, "render needs 3 channels, got %d", c)
	}
	if len(mean) > 0 {
		var err error
		if img, err = images.Denormalize(img, mean, std); err != nil {
			return nil, err
		}
	}

	mat, err := toMat(img)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	for _, b := range boxes {
		c := classColor(b.Class)
		rect := image.Rect(int(b.X), int(b.Y), int(b.X+b.W), int(b.Y+b.H))
		gocv.Rectangle(&mat, rect, c, 1)
		if withScore {
			label := fmt.Sprintf("%d:%.2f", b.Class, b.Score)
			gocv.PutText(&mat, label, image.Pt(rect.Min.X, max(rect.Min.Y-2, 8)), gocv.FontHersheyPlain, 0.7, c, 1)
		}
	}

	out, err := mat.ToImage()
	if err != nil {
		return nil, errors.Wrap(err, "convert rendered image")
	}
	return images.FromImage(out), nil
}

// toMat converts a [3,H,W] tensor in [0,1] to an 8-bit OpenCV image.
func toMat(t *tensor.Dense) (gocv.Mat, error) {
	img, err := images.ToImage(t)
	if err != nil {
		return gocv.Mat{}, err
	}
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return gocv.Mat{}, errors.Wrap(err, "convert image to mat")
	}
	return mat, nil
}

// Renderer binds the normalization of the training pipeline to Render.
type Renderer struct {
	Mean []float32
	Std  []float32
}

// Render draws boxes onto the normalized tensor img.
func (r *Renderer) Render(img *tensor.Dense, boxes []annotations.Annotation, withScore bool) (*tensor.Dense, error) {
	return Render(img, r.Mean, r.Std, boxes, withScore)
}
