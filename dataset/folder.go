package dataset

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/nvr-ai/go-rrnet/annotations"
	"github.com/nvr-ai/go-rrnet/transforms"
	"github.com/pkg/errors"

	// Decoders beyond the standard library's jpeg/png/gif.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ImageExtensions are the file extensions FolderDataset picks up.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".webp"}

// AnnotationSource returns the annotations of the image at path. Annotation
// file formats are the caller's business.
type AnnotationSource func(path string) ([]annotations.Annotation, error)

// FolderDataset serves the images of one directory.
type FolderDataset struct {
	paths []string
	annos AnnotationSource
}

// NewFolderDataset lists the image files of dir.
//
// Arguments:
// - dir: Directory path containing image files. Subdirectories are ignored.
// - source: Supplies the annotations of each image. Nil means no annotations.
//
// Returns:
// - The dataset, with files in lexical order.
// - An error if the directory cannot be read or holds no images.
func NewFolderDataset(dir string, source AnnotationSource) (*FolderDataset, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read image directory %s", dir)
	}

	var paths []string
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(file.Name()))
		for _, want := range ImageExtensions {
			if ext == want {
				paths = append(paths, filepath.Join(dir, file.Name()))
				break
			}
		}
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no images in %s", dir)
	}
	sort.Strings(paths)

	return &FolderDataset{paths: paths, annos: source}, nil
}

// Len returns the number of images.
func (d *FolderDataset) Len() int {
	return len(d.paths)
}

// Path returns the file of sample i.
func (d *FolderDataset) Path(i int) string {
	return d.paths[i]
}

// Get decodes image i, applying its EXIF orientation, and attaches its
// annotations.
func (d *FolderDataset) Get(i int) (*transforms.Sample, error) {
	if i < 0 || i >= len(d.paths) {
		return nil, errors.Wrapf(ErrIndex, "%d of %d", i, len(d.paths))
	}
	path := d.paths[i]
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}

	var annos []annotations.Annotation
	if d.annos != nil {
		if annos, err = d.annos(path); err != nil {
			return nil, errors.Wrapf(err, "annotations of %s", path)
		}
	}
	return &transforms.Sample{Name: filepath.Base(path), Raw: img, Annos: annos}, nil
}
