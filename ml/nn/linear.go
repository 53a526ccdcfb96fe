// linear.go - Dichte Projektion ohne Bias
//
// Enthaelt:
// - Linear: y = x * W^T mit W der Form [out, in]
// - Backward: dx = dy * W, dW += dy^T * x
package nn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/7blacky7/ringattention/ml"
)

type Linear struct {
	Weight *ml.Tensor
	Grad   *ml.Tensor
}

// NewLinear initializes W uniformly in [-1/sqrt(in), 1/sqrt(in)].
func NewLinear(in, out int, rng *rand.Rand) *Linear {
	bound := 1 / math.Sqrt(float64(in))
	w := ml.Zeros(ml.DTypeF32, out, in)
	for i := range w.Floats() {
		w.Floats()[i] = float32((2*rng.Float64() - 1) * bound)
	}
	return &Linear{Weight: w, Grad: ml.Zeros(ml.DTypeF32, out, in)}
}

func (l *Linear) In() int {
	return l.Weight.Dim(1)
}

func (l *Linear) Out() int {
	return l.Weight.Dim(0)
}

func (l *Linear) rows(x *ml.Tensor, width int) int {
	shape := x.Shape()
	if len(shape) == 0 || shape[len(shape)-1] != width {
		panic(fmt.Errorf("inconsistent projection input (shape: %v, expected last dimension: %v)", shape, width))
	}
	return x.Len() / width
}

func (l *Linear) Forward(x *ml.Tensor) *ml.Tensor {
	rows := l.rows(x, l.In())

	shape := x.Shape()
	shape[len(shape)-1] = l.Out()
	y := ml.Zeros(ml.DTypeF32, shape...)

	ml.Gemm(false, true, rows, l.Out(), l.In(), 1, x.Floats(), l.Weight.Floats(), 0, y.Floats())
	return y
}

// Backward returns the gradient with respect to x and accumulates the
// weight gradient into Grad.
func (l *Linear) Backward(x, dy *ml.Tensor) *ml.Tensor {
	rows := l.rows(x, l.In())
	if l.rows(dy, l.Out()) != rows {
		panic(fmt.Errorf("inconsistent gradient (input: %v, gradient: %v)", x.Shape(), dy.Shape()))
	}

	dx := ml.Zeros(ml.DTypeF32, x.Shape()...)
	ml.Gemm(false, false, rows, l.In(), l.Out(), 1, dy.Floats(), l.Weight.Floats(), 0, dx.Floats())
	ml.Gemm(true, false, l.Out(), l.In(), rows, 1, dy.Floats(), x.Floats(), 1, l.Grad.Floats())
	return dx
}

func (l *Linear) ZeroGrad() {
	clear(l.Grad.Floats())
}
