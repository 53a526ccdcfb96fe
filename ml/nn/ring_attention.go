// ring_attention.go - Attention ueber den ganzen Ring
//
// Enthaelt:
// - RingAttention: Rotations-Treiber ueber ring.Pass
// - Forward: je Schritt Scores gegen den gehaltenen K/V-Shard, OnlineSoftmax,
//   dann K/V (und Maske) nach rechts weiterreichen
// - Backward: Neuberechnung der Gewichte, K/V-Gradienten laufen mit
//   Pass.Backward zu ihrem Ursprung zurueck
package nn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/7blacky7/ringattention/ml"
	"github.com/7blacky7/ringattention/ring"
)

// ErrNoForward is returned by Backward without a preceding Forward.
var ErrNoForward = errors.New("nn: backward called before forward")

// RingAttention runs Attention with the sequence sharded across a ring.
// Every worker holds seq/size consecutive positions, worker r holding
// positions [r*n, (r+1)*n). All workers must use the same weights and the
// same shard length.
type RingAttention struct {
	*Attention

	// ShardDType is the precision K/V shards are rotated in.
	ShardDType ml.DType

	pass  *ring.Pass
	saved *ringState
}

type ringState struct {
	x, mask *ml.Tensor
	q, k, v *ml.Tensor
	out     *ml.Tensor
	merged  *ml.Tensor

	rowMax, rowSum []float64
}

// NewRingAttention binds attn to comm. A nil comm uses the process runtime.
func NewRingAttention(attn *Attention, comm ring.Comm) *RingAttention {
	return &RingAttention{Attention: attn, ShardDType: ml.DTypeF32, pass: ring.NewPass(comm)}
}

func (r *RingAttention) Topology() ring.Topology {
	return r.pass.Topology()
}

// skip reports whether the shard of origin lies entirely after this
// worker's queries under causal masking. A skipped shard contributes zero
// weight; it still has to be rotated.
func (r *RingAttention) skip(origin int, mask *ml.Tensor) bool {
	topo := r.Topology()
	return r.Causal && origin > topo.Rank && !(r.ComposeMasks && mask != nil)
}

func (r *RingAttention) rotate(ctx context.Context, step func(context.Context, *ml.Tensor) (*ml.Tensor, error), ts ...*ml.Tensor) error {
	for i, t := range ts {
		if t == nil {
			continue
		}
		out, err := step(ctx, t)
		if err != nil {
			return err
		}
		*ts[i] = *out
	}
	return nil
}

// Forward attends the local shard x [b, n, dim] against the shards of every
// worker. mask [b, n] marks valid key positions of the local shard and is
// rotated along with K/V; it must be nil on every worker or on none.
func (r *RingAttention) Forward(ctx context.Context, x, mask *ml.Tensor) (*ml.Tensor, error) {
	topo := r.Topology()
	q, k, v := r.project(x)
	b, h, n, d := dims4(q)

	k, v = k.Cast(r.ShardDType), v.Cast(r.ShardDType)
	kCur, vCur := k.Clone(), v.Clone()
	var mCur *ml.Tensor
	if mask != nil {
		mCur = mask.Clone()
	}

	acc := NewOnlineSoftmax(b, h, n, d)
	for step := range topo.Size {
		origin := topo.Origin(step)
		if !r.skip(origin, mCur) {
			sim := Similarity(q, kCur)
			r.applyMasks(sim, mCur, topo.Rank*n, origin*n)
			acc.Update(sim, vCur)
		}

		if err := r.rotate(ctx, r.pass.Forward, kCur, vCur, mCur); err != nil {
			return nil, fmt.Errorf("ring attention step %d: %w", step, err)
		}
	}

	out := acc.Output()
	merged := mergeHeads(out)
	rowMax, rowSum := acc.Stats()
	r.saved = &ringState{
		x: x, mask: mask,
		q: q, k: k, v: v,
		out: out, merged: merged,
		rowMax: rowMax, rowSum: rowSum,
	}

	slog.Debug("ring attention forward", "topology", topo, "batch", b, "heads", h, "shard", n)
	return r.ToOut.Forward(merged), nil
}

// Backward propagates dOut [b, n, dim] of the last Forward. It returns the
// gradient with respect to the local x and accumulates the local
// contribution to the weight gradients.
//
// The shard held at step s is the input shard rotated s times, so its
// gradient reaches the origin by walking the steps backwards: at each step
// the travelling gradient moves one hop left and the direct contribution of
// that step is added.
func (r *RingAttention) Backward(ctx context.Context, dOut *ml.Tensor) (*ml.Tensor, error) {
	s := r.saved
	if s == nil {
		return nil, ErrNoForward
	}
	r.saved = nil

	topo := r.Topology()
	b, h, n, d := dims4(s.q)

	dMerged := r.ToOut.Backward(s.merged, dOut)
	dO := unmergeHeads(dMerged, h, d)

	// delta_i = dO_i . O_i
	delta := make([]float64, b*h*n)
	dOs, os := dO.Floats(), s.out.Floats()
	for idx := range delta {
		var sum float64
		for e := range d {
			sum += float64(dOs[idx*d+e]) * float64(os[idx*d+e])
		}
		delta[idx] = sum
	}

	dQ := ml.Zeros(ml.DTypeF32, b, h, n, d)
	kCur, vCur := s.k.Clone(), s.v.Clone()
	var mCur *ml.Tensor
	if s.mask != nil {
		mCur = s.mask.Clone()
	}

	var gK, gV *ml.Tensor
	for step := topo.Size - 1; step >= 0; step-- {
		if err := r.rotate(ctx, r.pass.Backward, kCur, vCur, mCur); err != nil {
			return nil, fmt.Errorf("ring attention backward step %d: %w", step, err)
		}

		if gK == nil {
			gK, gV = ml.Zeros(ml.DTypeF32, b, h, n, d), ml.Zeros(ml.DTypeF32, b, h, n, d)
		} else if err := r.rotate(ctx, r.pass.Backward, gK, gV); err != nil {
			return nil, fmt.Errorf("ring attention backward step %d: %w", step, err)
		}

		origin := topo.Origin(step)
		if r.skip(origin, mCur) {
			continue
		}

		sim := Similarity(s.q, kCur)
		r.applyMasks(sim, mCur, topo.Rank*n, origin*n)
		r.backwardBlock(s, sim, kCur, vCur, dO, delta, dQ, gK, gV)
	}

	// q was scaled before the scores
	dQ.Scale(r.Scale)
	dX := r.ToQKV.Backward(s.x, joinHeads(dQ, gK, gV))

	slog.Debug("ring attention backward", "topology", topo)
	return dX, nil
}

// backwardBlock adds the contribution of one key block to dQ, gK and gV.
func (r *RingAttention) backwardBlock(s *ringState, sim, k, v, dO *ml.Tensor, delta []float64, dQ, gK, gV *ml.Tensor) {
	b, h, n, d := dims4(s.q)
	j := k.Dim(2)

	p := make([]float32, n*j)
	dS := make([]float32, n*j)

	ss, qs, ks, vs := sim.Floats(), s.q.Floats(), k.Floats(), v.Floats()
	dOs, dQs, gKs, gVs := dO.Floats(), dQ.Floats(), gK.Floats(), gV.Floats()
	for bh := range b * h {
		qBlk, dOBlk, dQBlk := qs[bh*n*d:(bh+1)*n*d], dOs[bh*n*d:(bh+1)*n*d], dQs[bh*n*d:(bh+1)*n*d]
		kBlk, vBlk := ks[bh*j*d:(bh+1)*j*d], vs[bh*j*d:(bh+1)*j*d]
		gKBlk, gVBlk := gKs[bh*j*d:(bh+1)*j*d], gVs[bh*j*d:(bh+1)*j*d]

		for i := range n {
			idx := bh*n + i
			for c := range j {
				score := ss[idx*j+c]
				p[i*j+c] = float32(math.Exp(float64(score)-s.rowMax[idx]) / s.rowSum[idx])
			}
		}

		// dV += P^T dO
		ml.Gemm(true, false, j, d, n, 1, p, dOBlk, 1, gVBlk)

		// dP = dO V^T, dS = P (dP - delta); masked scores are constants
		ml.Gemm(false, true, n, j, d, 1, dOBlk, vBlk, 0, dS)
		for i := range n {
			idx := bh*n + i
			for c := range j {
				if ss[idx*j+c] == MaskValue {
					dS[i*j+c] = 0
					continue
				}
				dS[i*j+c] = float32(float64(p[i*j+c]) * (float64(dS[i*j+c]) - delta[idx]))
			}
		}

		// dQ += dS K, dK += dS^T Q
		ml.Gemm(false, false, n, d, j, 1, dS, kBlk, 1, dQBlk)
		ml.Gemm(true, false, j, d, n, 1, dS, qBlk, 1, gKBlk)
	}
}
