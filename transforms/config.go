package transforms

import (
	"github.com/nvr-ai/go-rrnet/heatmap"
)

// Config describes the training augmentation pipeline.
type Config struct {
	// FillDuck enables donor pasting into ignored regions.
	FillDuck    bool    `json:"fill_duck" yaml:"fill_duck"`
	DuckClasses []int   `json:"duck_classes" yaml:"duck_classes"`
	DuckFactor  float32 `json:"duck_factor" yaml:"duck_factor"`
	// WhiteBalance enables random gray-world balancing.
	WhiteBalance bool `json:"white_balance" yaml:"white_balance"`
	// Jitter is the brightness, contrast and saturation strength; 0 disables it.
	Jitter float32   `json:"jitter" yaml:"jitter"`
	Scales []float32 `json:"scales" yaml:"scales"`
	FlipP  float64   `json:"flip_p" yaml:"flip_p"`

	CropHeight int     `json:"crop_height" yaml:"crop_height"`
	CropWidth  int     `json:"crop_width" yaml:"crop_width"`
	KeepIoU    float32 `json:"keep_iou" yaml:"keep_iou"`

	Mean []float32 `json:"mean" yaml:"mean"`
	Std  []float32 `json:"std" yaml:"std"`

	ScaleFactor int `json:"scale_factor" yaml:"scale_factor"`
	ClsNum      int `json:"cls_num" yaml:"cls_num"`
	MaxObjects  int `json:"max_objects" yaml:"max_objects"`
}

// DefaultConfig returns the VisDrone training pipeline settings.
func DefaultConfig() Config {
	return Config{
		FillDuck:     false,
		DuckClasses:  DefaultDuckClasses,
		DuckFactor:   DefaultDuckFactor,
		WhiteBalance: false,
		Jitter:       0.5,
		Scales:       DefaultScales,
		FlipP:        0.5,
		CropHeight:   512,
		CropWidth:    512,
		KeepIoU:      0.5,
		Mean:         []float32{0.485, 0.456, 0.406},
		Std:          []float32{0.229, 0.224, 0.225},
		ScaleFactor:  heatmap.DefaultScaleFactor,
		ClsNum:       heatmap.DefaultClsNum,
		MaxObjects:   heatmap.DefaultMaxObjects,
	}
}

// Build assembles the pipeline: raw pixel augmentations, ToTensor, geometric
// augmentations, Normalize and finally ToHeatmap.
func (c Config) Build() *Pipeline {
	var ts []Transform
	if c.FillDuck {
		ts = append(ts, &FillDuck{Classes: c.DuckClasses, Factor: c.DuckFactor})
	}
	if c.WhiteBalance {
		ts = append(ts, WhiteBalance{})
	}
	if c.Jitter > 0 {
		ts = append(ts, &ColorJitter{Brightness: c.Jitter, Contrast: c.Jitter, Saturation: c.Jitter})
	}
	ts = append(ts, ToTensor{})
	if len(c.Scales) > 0 {
		ts = append(ts, &MultiScale{Scales: c.Scales})
	}
	if c.FlipP > 0 {
		ts = append(ts, &HorizontalFlip{P: c.FlipP})
	}
	if c.CropHeight > 0 && c.CropWidth > 0 {
		ts = append(ts, &RandomCrop{Height: c.CropHeight, Width: c.CropWidth, KeepIoU: c.KeepIoU})
	}
	if len(c.Mean) > 0 {
		ts = append(ts, &Normalize{Mean: c.Mean, Std: c.Std})
	}
	ts = append(ts, &ToHeatmap{ScaleFactor: c.ScaleFactor, ClsNum: c.ClsNum, MaxObjects: c.MaxObjects})
	return NewPipeline(ts...)
}
