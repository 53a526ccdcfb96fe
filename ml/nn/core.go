// core.go - Scaled-Dot-Product Bausteine
//
// Enthaelt:
// - Similarity: q * k^T je (batch, head)
// - ApplyCausalMask/ApplyPaddingMask: Maskierung mit MaskValue
// - Softmax: numerisch stabil ueber die Key-Achse
// - Aggregate: gewichtete Summe ueber V
// - splitHeads/mergeHeads: b n (qkv h d) <-> qkv b h n d
package nn

import (
	"fmt"
	"math"

	"github.com/7blacky7/ringattention/ml"
)

// MaskValue replaces masked scores. It is the most negative finite float32,
// so a masked score softmaxes to zero without producing infinities or NaNs.
const MaskValue = -math.MaxFloat32

func dims4(t *ml.Tensor) (int, int, int, int) {
	s := t.Shape()
	if len(s) != 4 {
		panic(fmt.Errorf("expected [batch, heads, seq, dim] tensor, got %v", s))
	}
	return s[0], s[1], s[2], s[3]
}

// Similarity computes q * k^T for every batch and head.
// q is [b, h, i, d], k is [b, h, j, d], the result is [b, h, i, j].
func Similarity(q, k *ml.Tensor) *ml.Tensor {
	b, h, i, d := dims4(q)
	kb, kh, j, kd := dims4(k)
	if b != kb || h != kh || d != kd {
		panic(fmt.Errorf("inconsistent query/key shapes (query: %v, key: %v)", q.Shape(), k.Shape()))
	}

	sim := ml.Zeros(ml.DTypeF32, b, h, i, j)
	qs, ks, ss := q.Floats(), k.Floats(), sim.Floats()
	for bh := range b * h {
		ml.Gemm(false, true, i, j, d, 1, qs[bh*i*d:(bh+1)*i*d], ks[bh*j*d:(bh+1)*j*d], 0, ss[bh*i*j:(bh+1)*i*j])
	}
	return sim
}

// ApplyCausalMask masks every (i, j) whose key position kOffset+j lies
// ahead of the query position qOffset+i.
func ApplyCausalMask(sim *ml.Tensor, qOffset, kOffset int) {
	b, h, i, j := dims4(sim)
	s := sim.Floats()
	for bh := range b * h {
		for r := range i {
			row := s[(bh*i+r)*j : (bh*i+r+1)*j]
			for c := range row {
				if kOffset+c > qOffset+r {
					row[c] = MaskValue
				}
			}
		}
	}
}

// ApplyPaddingMask masks key positions whose entry in mask [b, j] is zero.
func ApplyPaddingMask(sim, mask *ml.Tensor) {
	b, h, i, j := dims4(sim)
	if ms := mask.Shape(); len(ms) != 2 || ms[0] != b || ms[1] != j {
		panic(fmt.Errorf("inconsistent padding mask (mask: %v, scores: %v)", ms, sim.Shape()))
	}

	s, m := sim.Floats(), mask.Floats()
	for bb := range b {
		valid := m[bb*j : (bb+1)*j]
		for hh := range h {
			for r := range i {
				row := s[((bb*h+hh)*i+r)*j : ((bb*h+hh)*i+r+1)*j]
				for c, ok := range valid {
					if ok == 0 {
						row[c] = MaskValue
					}
				}
			}
		}
	}
}

// Softmax normalizes over the last axis, subtracting the row maximum first.
func Softmax(sim *ml.Tensor) *ml.Tensor {
	out := sim.Cast(ml.DTypeF32)
	shape := out.Shape()
	j := shape[len(shape)-1]
	s := out.Floats()

	for r := range out.Len() / j {
		row := s[r*j : (r+1)*j]
		m := math.Inf(-1)
		for _, v := range row {
			m = max(m, float64(v))
		}

		var sum float64
		for c, v := range row {
			e := math.Exp(float64(v) - m)
			row[c] = float32(e)
			sum += e
		}
		for c := range row {
			row[c] = float32(float64(row[c]) / sum)
		}
	}
	return out
}

// Aggregate computes attn * v: [b, h, i, j] x [b, h, j, d] -> [b, h, i, d].
func Aggregate(attn, v *ml.Tensor) *ml.Tensor {
	b, h, i, j := dims4(attn)
	vb, vh, vj, d := dims4(v)
	if b != vb || h != vh || j != vj {
		panic(fmt.Errorf("inconsistent attention/value shapes (attention: %v, value: %v)", attn.Shape(), v.Shape()))
	}

	out := ml.Zeros(ml.DTypeF32, b, h, i, d)
	as, vs, os := attn.Floats(), v.Floats(), out.Floats()
	for bh := range b * h {
		ml.Gemm(false, false, i, d, j, 1, as[bh*i*j:(bh+1)*i*j], vs[bh*j*d:(bh+1)*j*d], 0, os[bh*i*d:(bh+1)*i*d])
	}
	return out
}

// splitHeads rearranges 'b n (qkv h d) -> qkv b h n d'.
func splitHeads(qkv *ml.Tensor, heads, headDim int) (q, k, v *ml.Tensor) {
	s := qkv.Shape()
	if len(s) != 3 || s[2] != 3*heads*headDim {
		panic(fmt.Errorf("inconsistent qkv projection (shape: %v, heads: %v, head dim: %v)", s, heads, headDim))
	}
	b, n := s[0], s[1]

	parts := [3]*ml.Tensor{}
	for c := range parts {
		parts[c] = ml.Zeros(ml.DTypeF32, b, heads, n, headDim)
	}

	src := qkv.Floats()
	for bb := range b {
		for t := range n {
			row := src[(bb*n+t)*3*heads*headDim:]
			for c := range 3 {
				dst := parts[c].Floats()
				for hh := range heads {
					copy(dst[((bb*heads+hh)*n+t)*headDim:((bb*heads+hh)*n+t+1)*headDim],
						row[(c*heads+hh)*headDim:(c*heads+hh+1)*headDim])
				}
			}
		}
	}
	return parts[0], parts[1], parts[2]
}

// joinHeads is the inverse of splitHeads for any number of parts:
// 'parts b h n d -> b n (parts h d)'.
func joinHeads(parts ...*ml.Tensor) *ml.Tensor {
	b, h, n, d := dims4(parts[0])
	width := len(parts) * h * d
	out := ml.Zeros(ml.DTypeF32, b, n, width)

	dst := out.Floats()
	for c, p := range parts {
		src := p.Floats()
		for bb := range b {
			for hh := range h {
				for t := range n {
					copy(dst[(bb*n+t)*width+(c*h+hh)*d:(bb*n+t)*width+(c*h+hh+1)*d],
						src[((bb*h+hh)*n+t)*d:((bb*h+hh)*n+t+1)*d])
				}
			}
		}
	}
	return out
}

// mergeHeads rearranges 'b h n d -> b n (h d)'.
func mergeHeads(o *ml.Tensor) *ml.Tensor {
	return joinHeads(o)
}

// unmergeHeads rearranges 'b n (h d) -> b h n d'.
func unmergeHeads(x *ml.Tensor, heads, headDim int) *ml.Tensor {
	s := x.Shape()
	b, n := s[0], s[1]
	out := ml.Zeros(ml.DTypeF32, b, heads, n, headDim)

	src, dst := x.Floats(), out.Floats()
	for bb := range b {
		for hh := range heads {
			for t := range n {
				copy(dst[((bb*heads+hh)*n+t)*headDim:((bb*heads+hh)*n+t+1)*headDim],
					src[(bb*n+t)*heads*headDim+hh*headDim:(bb*n+t)*heads*headDim+(hh+1)*headDim])
			}
		}
	}
	return out
}
