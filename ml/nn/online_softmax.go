// online_softmax.go - Inkrementelle Softmax ueber Key-Shards
//
// Enthaelt:
// - OnlineSoftmax: laufendes Maximum, Exp-Summe und gewichtete V-Summe
//   je (batch, head, query)
// - Update: einen Block maskierter Scores einfalten
// - Output/Stats: Normierung nach dem letzten Block
package nn

import (
	"fmt"
	"math"
	"slices"

	"github.com/7blacky7/ringattention/ml"
)

// OnlineSoftmax accumulates softmax(scores) * V across blocks of keys
// without keeping earlier blocks. Per query row it keeps the running max m,
// the running sum l of exp(s - m) and the running sum of exp(s - m) * v.
// When a block raises the max, earlier sums are rescaled by exp(m_old - m).
type OnlineSoftmax struct {
	batch, heads, rows, headDim int

	max []float64
	sum []float64
	acc []float64
}

func NewOnlineSoftmax(batch, heads, rows, headDim int) *OnlineSoftmax {
	n := batch * heads * rows
	o := &OnlineSoftmax{
		batch:   batch,
		heads:   heads,
		rows:    rows,
		headDim: headDim,
		max:     make([]float64, n),
		sum:     make([]float64, n),
		acc:     make([]float64, n*headDim),
	}
	for i := range o.max {
		o.max[i] = math.Inf(-1)
	}
	return o
}

// Update folds in the masked scores sim [b, h, i, j] of one key block and
// its values v [b, h, j, d].
func (o *OnlineSoftmax) Update(sim, v *ml.Tensor) {
	b, h, i, j := dims4(sim)
	vb, vh, vj, d := dims4(v)
	if b != o.batch || h != o.heads || i != o.rows || vb != b || vh != h || vj != j || d != o.headDim {
		panic(fmt.Errorf("inconsistent block (scores: %v, values: %v, accumulator: [%d %d %d %d])",
			sim.Shape(), v.Shape(), o.batch, o.heads, o.rows, o.headDim))
	}

	s, vs := sim.Floats(), v.Floats()
	for bh := range b * h {
		values := vs[bh*j*d : (bh+1)*j*d]
		for r := range i {
			row := s[(bh*i+r)*j : (bh*i+r+1)*j]
			idx := bh*i + r
			acc := o.acc[idx*d : (idx+1)*d]

			blockMax := math.Inf(-1)
			for _, x := range row {
				blockMax = max(blockMax, float64(x))
			}

			m := max(o.max[idx], blockMax)
			correction := math.Exp(o.max[idx] - m)
			o.sum[idx] *= correction
			for c := range acc {
				acc[c] *= correction
			}

			for c, x := range row {
				p := math.Exp(float64(x) - m)
				o.sum[idx] += p
				for e, val := range values[c*d : (c+1)*d] {
					acc[e] += p * float64(val)
				}
			}
			o.max[idx] = m
		}
	}
}

// Output returns the normalized result [b, h, i, d].
func (o *OnlineSoftmax) Output() *ml.Tensor {
	out := ml.Zeros(ml.DTypeF32, o.batch, o.heads, o.rows, o.headDim)
	dst := out.Floats()
	for idx, l := range o.sum {
		if l == 0 {
			continue
		}
		for e := range o.headDim {
			dst[idx*o.headDim+e] = float32(o.acc[idx*o.headDim+e] / l)
		}
	}
	return out
}

// Stats returns copies of the running max and exp-sum per row, indexed
// like [b, h, i]. The softmax weight of a score s in row r is
// exp(s - max[r]) / sum[r]. Max and sum are kept apart because a
// log-sum-exp would lose the log(count) term of rows scored entirely at
// MaskValue.
func (o *OnlineSoftmax) Stats() (rowMax, rowSum []float64) {
	return slices.Clone(o.max), slices.Clone(o.sum)
}
