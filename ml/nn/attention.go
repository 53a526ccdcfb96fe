// attention.go - Multi-Head Self-Attention (ein Shard)
//
// Enthaelt:
// - Attention: fusionierte QKV-Projektion, Maskierung, Softmax, Ausgabe
// - NewAttention + Optionen (WithHeads, WithHeadDim, WithCausal, ...)
// - NewPaddingMask: bool-Maske [batch][seq] als Tensor
package nn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/7blacky7/ringattention/ml"
)

// Attention computes multi-head scaled dot-product self-attention.
//
// x has shape [batch, seq, dim]. ToQKV projects dim to 3*Heads*HeadDim,
// which is split as 'b n (qkv h d) -> qkv b h n d'. ToOut projects the merged
// heads back to dim.
type Attention struct {
	Heads   int
	HeadDim int
	Scale   float32

	// Causal masks keys ahead of the query. When set, a padding mask is
	// ignored unless ComposeMasks is also set.
	Causal       bool
	ComposeMasks bool

	ToQKV *Linear
	ToOut *Linear
}

type attentionConfig struct {
	heads, headDim int
	causal         bool
	composeMasks   bool
	seed           uint64
}

type AttentionOption func(*attentionConfig)

func WithHeads(n int) AttentionOption {
	return func(c *attentionConfig) { c.heads = n }
}

func WithHeadDim(d int) AttentionOption {
	return func(c *attentionConfig) { c.headDim = d }
}

func WithCausal() AttentionOption {
	return func(c *attentionConfig) { c.causal = true }
}

// WithComposedMasks applies a padding mask on top of the causal mask.
func WithComposedMasks() AttentionOption {
	return func(c *attentionConfig) { c.composeMasks = true }
}

// WithSeed seeds the weight initialization. Workers of one ring must use the
// same seed (or load the same weights) to act as one module.
func WithSeed(seed uint64) AttentionOption {
	return func(c *attentionConfig) { c.seed = seed }
}

func NewAttention(dim int, opts ...AttentionOption) *Attention {
	cfg := attentionConfig{heads: 8, headDim: 64}
	for _, opt := range opts {
		opt(&cfg)
	}

	rng := rand.New(rand.NewPCG(cfg.seed, cfg.seed^0x9e3779b97f4a7c15))
	inner := cfg.heads * cfg.headDim
	return &Attention{
		Heads:        cfg.heads,
		HeadDim:      cfg.headDim,
		Scale:        float32(math.Pow(float64(cfg.headDim), -0.5)),
		Causal:       cfg.causal,
		ComposeMasks: cfg.composeMasks,
		ToQKV:        NewLinear(dim, 3*inner, rng),
		ToOut:        NewLinear(inner, dim, rng),
	}
}

// Dim is the model dimension.
func (a *Attention) Dim() int {
	return a.ToQKV.In()
}

// NewPaddingMask converts valid[b][j] into a [batch, seq] tensor with 1 for
// valid and 0 for padded key positions.
func NewPaddingMask(valid [][]bool) *ml.Tensor {
	if len(valid) == 0 {
		panic("empty padding mask")
	}

	n := len(valid[0])
	m := ml.Zeros(ml.DTypeF32, len(valid), n)
	for b, row := range valid {
		if len(row) != n {
			panic(fmt.Errorf("ragged padding mask (row %d: %d, expected: %d)", b, len(row), n))
		}
		for j, ok := range row {
			if ok {
				m.Floats()[b*n+j] = 1
			}
		}
	}
	return m
}

// project returns q (already scaled), k and v as [b, h, n, d].
func (a *Attention) project(x *ml.Tensor) (q, k, v *ml.Tensor) {
	q, k, v = splitHeads(a.ToQKV.Forward(x), a.Heads, a.HeadDim)
	q.Scale(a.Scale)
	return q, k, v
}

// applyMasks masks sim for queries starting at qOffset against keys
// starting at kOffset.
func (a *Attention) applyMasks(sim, mask *ml.Tensor, qOffset, kOffset int) {
	switch {
	case a.Causal && a.ComposeMasks && mask != nil:
		ApplyCausalMask(sim, qOffset, kOffset)
		ApplyPaddingMask(sim, mask)
	case a.Causal:
		ApplyCausalMask(sim, qOffset, kOffset)
	case mask != nil:
		ApplyPaddingMask(sim, mask)
	}
}

// Weights returns the attention distribution [b, h, i, j] of x attending
// to itself.
func (a *Attention) Weights(x, mask *ml.Tensor) *ml.Tensor {
	q, k, _ := a.project(x)
	sim := Similarity(q, k)
	a.applyMasks(sim, mask, 0, 0)
	return Softmax(sim)
}

// Forward attends x [b, n, dim] to itself within a single shard. mask may
// be nil.
func (a *Attention) Forward(x, mask *ml.Tensor) *ml.Tensor {
	q, k, v := a.project(x)

	sim := Similarity(q, k)
	a.applyMasks(sim, mask, 0, 0)

	out := Aggregate(Softmax(sim), v)
	return a.ToOut.Forward(mergeHeads(out))
}

func (a *Attention) ZeroGrad() {
	a.ToQKV.ZeroGrad()
	a.ToOut.ZeroGrad()
}
