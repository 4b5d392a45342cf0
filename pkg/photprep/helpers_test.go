package photprep

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func matFromRows(rows [][]float32) Mat {
	h, w := len(rows), len(rows[0])
	flat := make([]float32, 0, w*h)
	for _, r := range rows {
		flat = append(flat, r...)
	}
	return MatFromFloat32(flat, w, h)
}

func requireMatEqual(t *testing.T, want, got Mat) {
	t.Helper()
	require.Equal(t, want.Rows(), got.Rows())
	require.Equal(t, want.Cols(), got.Cols())
	n := want.Rows() * want.Cols()
	require.Equal(t, want.DataFloat32()[:n], got.DataFloat32()[:n])
}

func maskRows(m SaturationMask) [][]bool {
	out := make([][]bool, m.Rows())
	for r := range out {
		out[r] = make([]bool, m.Cols())
		for c := range out[r] {
			out[r][c] = m.At(r, c)
		}
	}
	return out
}

// captureLog routes the global logger into a buffer for the duration of the test.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	log.Logger = zerolog.New(&buf)
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})
	return &buf
}

// writeRawFits writes a primary HDU with a hand-built header and data verbatim,
// so tests can declare sizes the data does not back.
func writeRawFits(t *testing.T, bitpix, naxis1, naxis2 int, data []byte) string {
	t.Helper()
	var buf []byte
	for _, c := range []fitsCard{
		boolCard("SIMPLE", true, ""),
		intCard("BITPIX", bitpix, ""),
		intCard("NAXIS", 2, ""),
		intCard("NAXIS1", naxis1, ""),
		intCard("NAXIS2", naxis2, ""),
		{Key: "END"},
	} {
		buf = append(buf, c.String()...)
	}
	buf = append(buf, make([]byte, padding(int64(len(buf))))...)
	buf = append(buf, data...)
	buf = append(buf, make([]byte, padding(int64(len(data))))...)

	path := filepath.Join(t.TempDir(), "raw.fits")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

// float64Bytes encodes values as big-endian IEEE doubles for BITPIX -64.
func float64Bytes(values ...float64) []byte {
	out := make([]byte, 8*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}
