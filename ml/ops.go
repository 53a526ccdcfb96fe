// ops.go - Matrix-Operationen ueber gonum BLAS
//
// Enthaelt:
// - Gemm: C = alpha*op(A)*op(B) + beta*C auf float32-Slices (blas32)
// - Mulmat: 2D-Tensor-Produkt mit optionaler Transposition
package ml

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func transpose(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data[:rows*cols]}
}

// Gemm computes c = alpha*op(a)*op(b) + beta*c for dense row-major blocks.
// op(a) is m x k, op(b) is k x n and c is m x n.
func Gemm(transA, transB bool, m, n, k int, alpha float32, a, b []float32, beta float32, c []float32) {
	if m == 0 || n == 0 {
		return
	}
	if k == 0 {
		for i := range c[:m*n] {
			c[i] *= beta
		}
		return
	}

	ar, ac := m, k
	if transA {
		ar, ac = k, m
	}
	br, bc := k, n
	if transB {
		br, bc = n, k
	}

	blas32.Gemm(transpose(transA), transpose(transB), alpha, general(ar, ac, a), general(br, bc, b), beta, general(m, n, c))
}

// Mulmat multiplies two 2D tensors: op(a) x op(b).
func Mulmat(a, b *Tensor, transA, transB bool) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic(fmt.Errorf("mulmat needs 2D tensors, got %v and %v", a.shape, b.shape))
	}

	m, k := a.shape[0], a.shape[1]
	if transA {
		m, k = k, m
	}
	kb, n := b.shape[0], b.shape[1]
	if transB {
		kb, n = n, kb
	}
	if k != kb {
		panic(fmt.Errorf("mulmat shape mismatch: %v x %v", a.shape, b.shape))
	}

	out := Zeros(DTypeF32, m, n)
	Gemm(transA, transB, m, n, k, 1, a.data, b.data, 0, out.data)
	return out
}
