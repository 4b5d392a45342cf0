package photprep

import (
	"fmt"
	"os"
	"path/filepath"
)

// LayerName is the EXTNAME written for layer i. Names are positional only.
func LayerName(i int) string { return fmt.Sprintf("LAYER%d", i) }

// WriteArtifact writes the result layers to path as one FITS file: layer 0 in
// the primary HDU, layers 1 and 2 as image extensions. The file appears at
// path only once it has been written completely.
func WriteArtifact(path string, res FitResult) (err error) {
	const op = "writing artifact"
	for i, l := range res.Layers {
		if l.Empty() {
			return shapef(op, "layer %d is empty", i)
		}
		if !sameShape(l, res.Layers[0]) {
			return shapef(op, "layer %d is %dx%d, layer 0 is %dx%d",
				i, l.Cols(), l.Rows(), res.Layers[0].Cols(), res.Layers[0].Rows())
		}
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return ioError(op, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	for i, l := range res.Layers {
		if werr := writeFitsImage(tmp, l, i == 0, stringCard("EXTNAME", LayerName(i), "")); werr != nil {
			return ioError(op, fmt.Errorf("layer %d: %w", i, werr))
		}
	}
	if serr := tmp.Sync(); serr != nil {
		return ioError(op, serr)
	}
	if cerr := tmp.Close(); cerr != nil {
		return ioError(op, cerr)
	}
	if rerr := os.Rename(tmpName, path); rerr != nil {
		return ioError(op, rerr)
	}
	return nil
}

// ReadArtifact loads the layers of a file written by WriteArtifact.
func ReadArtifact(path string) (FitResult, error) {
	hdus, err := ReadFitsAll(path)
	if err != nil {
		return FitResult{}, ioError("reading artifact", err)
	}
	if len(hdus) != LayerCount {
		return FitResult{}, ioError("reading artifact",
			fmt.Errorf("%s has %d image HDUs, want %d", path, len(hdus), LayerCount))
	}
	var res FitResult
	for i, h := range hdus {
		res.Layers[i] = MatFromFloat64(h.Pixels, h.Width, h.Height)
	}
	return res, nil
}
