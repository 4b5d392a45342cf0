package photprep

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDebayer(t *testing.T) {
	flat := FilledMat(6, 4, 7)
	defer flat.Close()
	lum, err := Debayer(flat)
	require.NoError(t, err)
	defer lum.Close()
	for _, v := range lum.DataFloat32()[:24] {
		require.InDelta(t, 7, float64(v), 1e-6)
	}

	// pure red, green, blue cells average to a third of the channel level
	raw := matFromRows([][]float32{
		{3, 0, 3, 0},
		{0, 0, 0, 0},
		{3, 0, 3, 0},
		{0, 0, 0, 0},
	})
	defer raw.Close()
	lum2, err := Debayer(raw)
	require.NoError(t, err)
	defer lum2.Close()
	for _, v := range lum2.DataFloat32()[:16] {
		require.InDelta(t, 1, float64(v), 1e-6)
	}

	tiny := FilledMat(1, 3, 1)
	defer tiny.Close()
	_, err = Debayer(tiny)
	require.Error(t, err)
}
