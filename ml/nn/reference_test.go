// MODUL: reference_test
// ZWECK: float64-Referenz der Attention mit gonum/mat fuer Vergleiche
// INPUT: Attention-Gewichte, Eingabe, optionale Padding-Maske
// OUTPUT: Ausgabe als []float64 in [b, n, dim]
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: gonum/mat, math/rand/v2
// HINWEISE: Maskierung folgt derselben Vorrangregel wie Attention.applyMasks

package nn

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/7blacky7/ringattention/ml"
)

func toDense(t *ml.Tensor) *mat.Dense {
	s := t.Shape()
	data := make([]float64, t.Len())
	for i, v := range t.Floats() {
		data[i] = float64(v)
	}
	return mat.NewDense(s[0], s[1], data)
}

// reference berechnet die Attention in float64. x ist [b, n, dim] als
// flache Werte, mask [b][n] oder nil.
func reference(a *Attention, x []float64, b, n int, mask [][]bool) []float64 {
	dim := a.Dim()
	inner := a.Heads * a.HeadDim
	wqkv, wout := toDense(a.ToQKV.Weight), toDense(a.ToOut.Weight)
	scale := math.Pow(float64(a.HeadDim), -0.5)

	out := make([]float64, 0, b*n*dim)
	for bb := range b {
		xb := mat.NewDense(n, dim, x[bb*n*dim:(bb+1)*n*dim])

		var qkv mat.Dense
		qkv.Mul(xb, wqkv.T())

		merged := mat.NewDense(n, inner, nil)
		for h := range a.Heads {
			q := qkv.Slice(0, n, h*a.HeadDim, (h+1)*a.HeadDim)
			k := qkv.Slice(0, n, inner+h*a.HeadDim, inner+(h+1)*a.HeadDim)
			v := qkv.Slice(0, n, 2*inner+h*a.HeadDim, 2*inner+(h+1)*a.HeadDim)

			var s mat.Dense
			s.Mul(q, k.T())
			s.Scale(scale, &s)

			for i := range n {
				for j := range n {
					causal := a.Causal && j > i
					padded := mask != nil && !mask[bb][j]
					switch {
					case a.Causal && a.ComposeMasks && mask != nil:
						if causal || padded {
							s.Set(i, j, MaskValue)
						}
					case a.Causal:
						if causal {
							s.Set(i, j, MaskValue)
						}
					case padded:
						s.Set(i, j, MaskValue)
					}
				}

				row := s.RawRowView(i)
				m := math.Inf(-1)
				for _, v := range row {
					m = max(m, v)
				}
				var sum float64
				for j, v := range row {
					row[j] = math.Exp(v - m)
					sum += row[j]
				}
				for j := range row {
					row[j] /= sum
				}
			}

			var o mat.Dense
			o.Mul(&s, v)
			merged.Slice(0, n, h*a.HeadDim, (h+1)*a.HeadDim).(*mat.Dense).Copy(&o)
		}

		var y mat.Dense
		y.Mul(merged, wout.T())
		out = append(out, y.RawMatrix().Data...)
	}
	return out
}

func randomInput(rng *rand.Rand, shape ...int) *ml.Tensor {
	x := ml.Zeros(ml.DTypeF32, shape...)
	for i := range x.Floats() {
		x.Floats()[i] = float32(2*rng.Float64() - 1)
	}
	return x
}

func float64s(t *ml.Tensor) []float64 {
	out := make([]float64, t.Len())
	for i, v := range t.Floats() {
		out[i] = float64(v)
	}
	return out
}
