// Package heatmap - encodes sparse box annotations into the dense supervision
// tensors of a keypoint detector head: a gaussian peaked class heatmap plus
// size, offset and index targets for up to K object centers.
package heatmap

import (
	"github.com/chewxy/math32"
	"github.com/nvr-ai/go-rrnet/annotations"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

const (
	// DefaultScaleFactor is the output stride of the detector head.
	DefaultScaleFactor = 4
	// DefaultClsNum is the number of heatmap channels.
	DefaultClsNum = 4
	// DefaultMaxObjects is the fixed slot capacity K.
	DefaultMaxObjects = 500
)

// Targets holds the supervision tensors of one sample.
type Targets struct {
	// HM is the [cls,H',W'] gaussian heatmap.
	HM *tensor.Dense
	// WH is the [K,2] box size in output-map pixels.
	WH *tensor.Dense
	// Ind is the [K] flattened index cy*W'+cx of every slot (Int).
	Ind *tensor.Dense
	// Offset is the [K,2] sub-pixel center offset.
	Offset *tensor.Dense
	// RegMask is the [K] slot validity mask.
	RegMask *tensor.Dense
	// Count is the number of valid slots.
	Count int
}

// Encoder converts annotations into heatmap targets at a fixed output stride.
type Encoder struct {
	ScaleFactor int
	ClsNum      int
	MaxObjects  int
	MinOverlap  float32
}

// NewEncoder returns an Encoder with the default overlap.
func NewEncoder(scaleFactor, clsNum, maxObjects int) *Encoder {
	return &Encoder{
		ScaleFactor: scaleFactor,
		ClsNum:      clsNum,
		MaxObjects:  maxObjects,
		MinOverlap:  DefaultMinOverlap,
	}
}

// OutputSize returns the heatmap size for an input image size.
func (e *Encoder) OutputSize(imgH, imgW int) (int, int) {
	return imgH / e.ScaleFactor, imgW / e.ScaleFactor
}

// Encode builds the targets for one image.
//
// Annotations with a class outside [1, ClsNum], a non-positive size, or a
// center outside the output map are skipped. Once MaxObjects slots are filled
// the remaining annotations are ignored; the tensor sizes never change.
//
// Arguments:
// - annos: The annotations in input-image pixels.
// - imgH: The input image height.
// - imgW: The input image width.
//
// Returns:
// - The encoded targets.
// - An error if the encoder or image size is invalid.
//
// @example
// enc := NewEncoder(4, 4, 500)
// targets, err := enc.Encode(sample.Annos, 512, 512)
func (e *Encoder) Encode(annos []annotations.Annotation, imgH, imgW int) (*Targets, error) {
	if e.ScaleFactor <= 0 || e.ClsNum <= 0 || e.MaxObjects <= 0 {
		return nil, errors.Errorf("invalid encoder: scale %d, classes %d, max objects %d",
			e.ScaleFactor, e.ClsNum, e.MaxObjects)
	}
	outH, outW := e.OutputSize(imgH, imgW)
	if outH <= 0 || outW <= 0 {
		return nil, errors.Errorf("image %dx%d is smaller than the output stride %d", imgW, imgH, e.ScaleFactor)
	}

	k := e.MaxObjects
	hm := make([]float32, e.ClsNum*outH*outW)
	wh := make([]float32, k*2)
	ind := make([]int, k)
	offset := make([]float32, k*2)
	mask := make([]float32, k)

	sf := float32(e.ScaleFactor)
	slot := 0
	for _, a := range annos {
		if slot == k {
			break
		}
		if a.Class < 1 || a.Class > e.ClsNum {
			continue
		}
		w, h := a.W/sf, a.H/sf
		if w <= 0 || h <= 0 {
			continue
		}
		ctrX, ctrY := (a.X+a.W/2)/sf, (a.Y+a.H/2)/sf
		cx, cy := int(math32.Floor(ctrX)), int(math32.Floor(ctrY))
		if cx < 0 || cy < 0 || cx >= outW || cy >= outH {
			continue
		}

		radius := int(GaussianRadius(math32.Ceil(h), math32.Ceil(w), e.MinOverlap))
		plane := hm[(a.Class-1)*outH*outW : a.Class*outH*outW]
		DrawGaussian(plane, outH, outW, cx, cy, radius)

		wh[slot*2], wh[slot*2+1] = w, h
		ind[slot] = cy*outW + cx
		offset[slot*2], offset[slot*2+1] = ctrX-float32(cx), ctrY-float32(cy)
		mask[slot] = 1
		slot++
	}

	return &Targets{
		HM:      tensor.New(tensor.WithShape(e.ClsNum, outH, outW), tensor.WithBacking(hm)),
		WH:      tensor.New(tensor.WithShape(k, 2), tensor.WithBacking(wh)),
		Ind:     tensor.New(tensor.WithShape(k), tensor.WithBacking(ind)),
		Offset:  tensor.New(tensor.WithShape(k, 2), tensor.WithBacking(offset)),
		RegMask: tensor.New(tensor.WithShape(k), tensor.WithBacking(mask)),
		Count:   slot,
	}, nil
}

// Encode is a convenience wrapper around Encoder.Encode.
func Encode(annos []annotations.Annotation, imgH, imgW, scaleFactor, clsNum, maxObjects int) (*Targets, error) {
	return NewEncoder(scaleFactor, clsNum, maxObjects).Encode(annos, imgH, imgW)
}

// Batch holds collated targets with a leading batch dimension.
type Batch struct {
	HM      *tensor.Dense // [B,cls,H',W']
	WH      *tensor.Dense // [B,K,2]
	Ind     *tensor.Dense // [B,K] Int
	Offset  *tensor.Dense // [B,K,2]
	RegMask *tensor.Dense // [B,K]
}

// Collate stacks per-sample targets. All samples must share the same shapes.
func Collate(targets []*Targets) (*Batch, error) {
	if len(targets) == 0 {
		return nil, errors.New("no targets to collate")
	}
	first := targets[0]
	for i, t := range targets {
		if t == nil {
			return nil, errors.Errorf("sample %d has no targets", i)
		}
		if !t.HM.Shape().Eq(first.HM.Shape()) || !t.WH.Shape().Eq(first.WH.Shape()) {
			return nil, errors.Errorf("sample %d targets %v/%v do not match %v/%v",
				i, t.HM.Shape(), t.WH.Shape(), first.HM.Shape(), first.WH.Shape())
		}
	}

	b := len(targets)
	return &Batch{
		HM:      stackFloat32(targets, func(t *Targets) *tensor.Dense { return t.HM }, b),
		WH:      stackFloat32(targets, func(t *Targets) *tensor.Dense { return t.WH }, b),
		Ind:     stackInt(targets, b),
		Offset:  stackFloat32(targets, func(t *Targets) *tensor.Dense { return t.Offset }, b),
		RegMask: stackFloat32(targets, func(t *Targets) *tensor.Dense { return t.RegMask }, b),
	}, nil
}

func stackFloat32(targets []*Targets, field func(*Targets) *tensor.Dense, b int) *tensor.Dense {
	shape := field(targets[0]).Shape().Clone()
	size := shape.TotalSize()
	data := make([]float32, 0, b*size)
	for _, t := range targets {
		data = append(data, field(t).Data().([]float32)...)
	}
	return tensor.New(tensor.WithShape(append([]int{b}, shape...)...), tensor.WithBacking(data))
}

func stackInt(targets []*Targets, b int) *tensor.Dense {
	k := targets[0].Ind.Shape()[0]
	data := make([]int, 0, b*k)
	for _, t := range targets {
		data = append(data, t.Ind.Data().([]int)...)
	}
	return tensor.New(tensor.WithShape(b, k), tensor.WithBacking(data))
}
