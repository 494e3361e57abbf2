package main

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nvr-ai/go-rrnet/annotations"
	"github.com/nvr-ai/go-rrnet/dataset"
	"github.com/pkg/errors"
)

// textAnnotations reads <dir>/<image stem>.txt, one comma separated record per
// line (x, y, w, h, score, class[, truncation, occlusion]). A missing file
// means an image without objects.
func textAnnotations(dir string) dataset.AnnotationSource {
	return func(path string) ([]annotations.Annotation, error) {
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		f, err := os.Open(filepath.Join(dir, stem+".txt"))
		if os.IsNotExist(err) {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "open annotations")
		}
		defer f.Close()
		return parseAnnotations(f.Name(), bufio.NewScanner(f))
	}
}

func parseAnnotations(name string, sc *bufio.Scanner) ([]annotations.Annotation, error) {
	var annos []annotations.Annotation
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		fields := strings.Split(strings.TrimSuffix(text, ","), ",")
		row := make([]float32, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 32)
			if err != nil {
				return nil, errors.Wrapf(err, "%s:%d", name, line)
			}
			row[i] = float32(v)
		}
		a, err := annotations.FromFields(row)
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d", name, line)
		}
		annos = append(annos, a)
	}
	return annos, errors.Wrapf(sc.Err(), "read %s", name)
}
