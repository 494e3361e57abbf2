// Package checkpoint - saves and restores model parameters.
//
// A checkpoint is a zip archive with one NumPy .npy entry per parameter,
// named after the parameter, so it can be inspected with numpy.load.
package checkpoint

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nvr-ai/go-rrnet/optim"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

const entrySuffix = ".npy"

// Path returns the file name of the checkpoint taken at step.
func Path(dir string, step int) string {
	return filepath.Join(dir, fmt.Sprintf("ckp-%d.pth", step))
}

// Save writes tensors to path, replacing any existing file.
//
// Arguments:
// - path: The destination file.
// - tensors: The tensors by name.
//
// Returns:
// - An error if the file cannot be written. A partial file is removed.
func Save(path string, tensors map[string]*tensor.Dense) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create checkpoint")
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
		}
	}()

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	zw := zip.NewWriter(f)
	for _, name := range names {
		w, err := zw.Create(name + entrySuffix)
		if err != nil {
			return errors.Wrapf(err, "add %s", name)
		}
		if err := tensors[name].WriteNpy(w); err != nil {
			return errors.Wrapf(err, "encode %s", name)
		}
	}
	return errors.Wrap(zw.Close(), "finish checkpoint")
}

// Load reads every tensor of the checkpoint at path.
func Load(path string) (map[string]*tensor.Dense, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, errors.Wrap(err, "open checkpoint")
	}
	defer zr.Close()

	out := make(map[string]*tensor.Dense, len(zr.File))
	for _, file := range zr.File {
		if !strings.HasSuffix(file.Name, entrySuffix) {
			continue
		}
		r, err := file.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "open %s", file.Name)
		}
		t := new(tensor.Dense)
		err = t.ReadNpy(r)
		r.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s", file.Name)
		}
		out[strings.TrimSuffix(file.Name, entrySuffix)] = t
	}
	return out, nil
}

// SaveParams writes the parameter values to path.
func SaveParams(path string, params []*optim.Param) error {
	tensors := make(map[string]*tensor.Dense, len(params))
	for _, p := range params {
		if _, dup := tensors[p.Name]; dup {
			return errors.Errorf("duplicate parameter %q", p.Name)
		}
		tensors[p.Name] = p.Value
	}
	return Save(path, tensors)
}

// LoadParams copies the values stored at path into params.
//
// Returns:
// - An error if a parameter is missing from the checkpoint or has another shape.
func LoadParams(path string, params []*optim.Param) error {
	tensors, err := Load(path)
	if err != nil {
		return err
	}
	for _, p := range params {
		t, ok := tensors[p.Name]
		if !ok {
			return errors.Errorf("checkpoint has no parameter %q", p.Name)
		}
		if !t.Shape().Eq(p.Value.Shape()) {
			return errors.Errorf("parameter %q: checkpoint shape %v, model shape %v", p.Name, t.Shape(), p.Value.Shape())
		}
		src, ok := t.Data().([]float32)
		if !ok {
			return errors.Errorf("parameter %q: checkpoint holds %v, want float32", p.Name, t.Dtype())
		}
		copy(p.Value.Data().([]float32), src)
	}
	return nil
}
