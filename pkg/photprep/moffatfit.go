/*
Extracted from HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

package photprep

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// moffatFit is the result of fitting amplitude, alpha and beta to a stamp.
type moffatFit struct {
	Amplitude float64
	Alpha     float64
	Beta      float64
	RSquared  float64
}

// p = [A, alpha, beta]; input = [dx, dy] from the stamp centre.
func moffatValue(p, input []float64) float64 {
	r2 := (input[0]*input[0] + input[1]*input[1]) / (p[1] * p[1])
	return p[0] * math.Pow(1+r2, -p[2])
}

func moffatGradient(p, input, grad []float64) {
	A, alpha, beta := p[0], p[1], p[2]
	rr := input[0]*input[0] + input[1]*input[1]
	u := 1 + rr/(alpha*alpha)
	base := math.Pow(u, -beta)

	grad[0] = base
	grad[1] = A * beta * 2 * rr / (alpha * alpha * alpha) * base / u
	grad[2] = -A * math.Log(u) * base
}

// fitMoffatStamp fits a circular Moffat profile to a centred stamp.
func fitMoffatStamp(stamp Mat, alpha0, beta0 float64) (moffatFit, bool) {
	rows, cols := stamp.Rows(), stamp.Cols()
	cy := float64(rows-1) / 2
	cx := float64(cols-1) / 2
	data := stamp.DataFloat32()

	inputs := make([][]float64, 0, rows*cols)
	outputs := make([]float64, 0, rows*cols)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			inputs = append(inputs, []float64{float64(x) - cx, float64(y) - cy})
			outputs = append(outputs, float64(data[y*cols+x]))
		}
	}
	peak := floats.Max(outputs)
	if !(peak > 0) {
		return moffatFit{}, false
	}

	half := math.Min(cx, cy)
	x0 := []float64{peak, alpha0, beta0}
	lower := []float64{0, 0.1, 1.01}
	upper := []float64{2 * peak, math.Max(half, 0.2), 20}
	scale := []float64{peak, 1, 1}

	solution := levenbergMarquardt(moffatValue, moffatGradient, inputs, outputs, x0, lower, upper, scale, 1e-10, 200)
	if solution == nil || math.IsNaN(solution[1]) || math.IsNaN(solution[2]) {
		return moffatFit{}, false
	}

	estimates := make([]float64, len(inputs))
	for i := range inputs {
		estimates[i] = moffatValue(solution, inputs[i])
	}
	return moffatFit{
		Amplitude: solution[0],
		Alpha:     solution[1],
		Beta:      solution[2],
		RSquared:  stat.RSquaredFrom(estimates, outputs, nil),
	}, true
}

type modelFunc func(p, input []float64) float64
type gradientFunc func(p, input, grad []float64)

// levenbergMarquardt minimizes the squared residuals of model against outputs
// with box constraints on every parameter.
func levenbergMarquardt(
	model modelFunc, gradient gradientFunc,
	inputs [][]float64, outputs,
	x0, lower, upper, scale []float64,
	tolerance float64, maxIter int,
) []float64 {
	n := len(x0)
	m := len(inputs)

	x := make([]float64, n)
	copy(x, x0)
	for j := 0; j < n; j++ {
		x[j] = clampLM(x[j], lower[j], upper[j])
	}

	fi := make([]float64, m)
	jac := mat.NewDense(m, n, nil)
	grad := make([]float64, n)

	computeResidualsAndJacobian(model, gradient, inputs, outputs, x, fi, jac, grad)
	cost := floats.Dot(fi, fi)

	lambda := 1e-3
	nu := 2.0

	var JtJ mat.SymDense
	var Jtf mat.VecDense
	A := mat.NewSymDense(n, nil)
	rhs := mat.NewVecDense(n, nil)
	var dx mat.VecDense
	var chol mat.Cholesky
	xNew := make([]float64, n)
	fiNew := make([]float64, m)

	for iter := 0; iter < maxIter; iter++ {
		JtJ.SymOuterK(1, jac.T())
		Jtf.MulVec(jac.T(), mat.NewVecDense(m, fi))

		if mat.Norm(&Jtf, 2) < tolerance*cost {
			break
		}

		improved := false
		for tries := 0; tries < 20; tries++ {
			for i := 0; i < n; i++ {
				for j := i; j < n; j++ {
					A.SetSym(i, j, JtJ.At(i, j))
				}
				A.SetSym(i, i, JtJ.At(i, i)+lambda*scale[i]*scale[i])
				rhs.SetVec(i, -Jtf.AtVec(i))
			}

			if !chol.Factorize(A) || chol.SolveVecTo(&dx, rhs) != nil {
				lambda *= nu
				continue
			}

			for j := 0; j < n; j++ {
				xNew[j] = clampLM(x[j]+dx.AtVec(j), lower[j], upper[j])
			}
			for k := 0; k < m; k++ {
				fiNew[k] = model(xNew, inputs[k]) - outputs[k]
			}
			costNew := floats.Dot(fiNew, fiNew)

			if costNew < cost {
				improvement := (cost - costNew) / cost
				copy(x, xNew)
				copy(fi, fiNew)
				cost = costNew
				lambda = math.Max(lambda/3.0, 1e-15)
				nu = 2.0

				computeResidualsAndJacobian(model, gradient, inputs, outputs, x, fi, jac, grad)

				if improvement < tolerance {
					return x
				}
				improved = true
				break
			}
			lambda *= nu
			nu *= 2.0
			if lambda > 1e16 {
				return x
			}
		}
		if !improved {
			break
		}
	}
	return x
}

func computeResidualsAndJacobian(
	model modelFunc, gradient gradientFunc,
	inputs [][]float64, outputs, x, fi []float64,
	jac *mat.Dense, grad []float64,
) {
	for k := range inputs {
		fi[k] = model(x, inputs[k]) - outputs[k]
		gradient(x, inputs[k], grad)
		jac.SetRow(k, grad)
	}
}

func clampLM(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
