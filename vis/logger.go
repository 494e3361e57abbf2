package vis

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cyclopcam/logs"
	"github.com/nvr-ai/go-rrnet/train"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
)

// ImageDir is the subdirectory of the log directory that receives images.
const ImageDir = "imgs"

// FileLogger writes scalars to a log and images as PNG files.
type FileLogger struct {
	log logs.Log
	dir string
}

// NewFileLogger creates <logDir>/imgs.
func NewFileLogger(log logs.Log, logDir string) (*FileLogger, error) {
	dir := filepath.Join(logDir, ImageDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create image directory")
	}
	return &FileLogger{log: log, dir: dir}, nil
}

// Log writes one record. Images are saved as <tag>-<step>-<index>.png.
func (l *FileLogger) Log(rec *train.Record, step int) error {
	names := make([]string, 0, len(rec.Scalars))
	for name := range rec.Scalars {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%.5g", name, rec.Scalars[name])
	}
	l.log.Infof("step %d: %s", step, strings.Join(parts, " "))

	for tag, imgs := range rec.Images {
		for i, img := range imgs {
			if err := WritePNG(l.ImagePath(tag, step, i), img); err != nil {
				return err
			}
		}
	}
	return nil
}

// ImagePath returns the file Log writes for image index of tag at step.
func (l *FileLogger) ImagePath(tag string, step, index int) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s-%d-%d.png", strings.ToLower(tag), step, index))
}

// WritePNG saves a [3,H,W] tensor in [0,1] as an image file.
func WritePNG(path string, t *tensor.Dense) error {
	mat, err := toMat(t)
	if err != nil {
		return err
	}
	defer mat.Close()
	if !gocv.IMWrite(path, mat) {
		return errors.Errorf("write %s", path)
	}
	return nil
}
