// MODUL: attention_test
// ZWECK: Tests fuer Single-Shard-Attention, Masken und OnlineSoftmax
// INPUT: Zufallsgewichte (fester Seed), Zufallseingaben
// OUTPUT: Testresultate
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: testing, go-cmp, gonum/mat (ueber reference_test.go)
// HINWEISE: Toleranzen beziehen sich auf float32-Rechnung gegen float64-Referenz

package nn

import (
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/7blacky7/ringattention/ml"
)

func TestAttentionMatchesReference(t *testing.T) {
	cases := []struct {
		name string
		opts []AttentionOption
		mask [][]bool
	}{
		{name: "ohne Maske"},
		{name: "kausal", opts: []AttentionOption{WithCausal()}},
		{name: "padding", mask: [][]bool{{true, true, false, true}}},
		{name: "kausal ignoriert padding", opts: []AttentionOption{WithCausal()}, mask: [][]bool{{true, false, true, true}}},
		{name: "kombiniert", opts: []AttentionOption{WithCausal(), WithComposedMasks()}, mask: [][]bool{{true, false, true, true}}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			opts := append([]AttentionOption{WithHeads(2), WithHeadDim(8), WithSeed(1)}, tt.opts...)
			a := NewAttention(16, opts...)
			x := randomInput(rand.New(rand.NewPCG(2, 3)), 1, 4, 16)

			var mask *ml.Tensor
			if tt.mask != nil {
				mask = NewPaddingMask(tt.mask)
			}

			got := a.Forward(x, mask)
			want := reference(a, float64s(x), 1, 4, tt.mask)
			if diff := cmp.Diff(want, float64s(got), cmpopts.EquateApprox(0, 1e-4)); diff != "" {
				t.Errorf("Ausgabe weicht von der Referenz ab (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEndToEndShape(t *testing.T) {
	a := NewAttention(16, WithHeads(2), WithHeadDim(8), WithCausal())
	x := randomInput(rand.New(rand.NewPCG(4, 5)), 1, 5, 16)

	out := a.Forward(x, nil)
	if diff := cmp.Diff([]int{1, 5, 16}, out.Shape()); diff != "" {
		t.Errorf("Shape (-want +got):\n%s", diff)
	}
}

func TestCausalWeights(t *testing.T) {
	a := NewAttention(8, WithHeads(2), WithHeadDim(4), WithCausal(), WithSeed(7))
	x := randomInput(rand.New(rand.NewPCG(1, 1)), 2, 5, 8)

	w := a.Weights(x, nil)
	b, h, n, _ := dims4(w)
	for bh := range b * h {
		for i := range n {
			var sum float32
			for j := range n {
				p := w.Floats()[(bh*n+i)*n+j]
				if j > i && p != 0 {
					t.Errorf("Gewicht[%d][%d][%d] = %v, erwartet 0", bh, i, j, p)
				}
				sum += p
			}
			if sum < 0.9999 || sum > 1.0001 {
				t.Errorf("Zeilensumme[%d][%d] = %v, erwartet 1", bh, i, sum)
			}
		}
	}
}

func TestPaddingWeights(t *testing.T) {
	valid := [][]bool{
		{true, true, false, true},
		{false, true, true, true},
	}
	a := NewAttention(8, WithHeads(1), WithHeadDim(8), WithSeed(3))
	x := randomInput(rand.New(rand.NewPCG(9, 9)), 2, 4, 8)

	w := a.Weights(x, NewPaddingMask(valid))
	for bb, row := range valid {
		for i := range 4 {
			for j, ok := range row {
				p := w.Floats()[(bb*4+i)*4+j]
				if !ok && p != 0 {
					t.Errorf("batch %d: Gewicht[%d][%d] = %v fuer gepaddeten Key", bb, i, j, p)
				}
				if ok && p == 0 {
					t.Errorf("batch %d: Gewicht[%d][%d] ist 0 fuer gueltigen Key", bb, i, j)
				}
			}
		}
	}
}

func TestComposedMasks(t *testing.T) {
	valid := [][]bool{{false, true, true, true}}
	x := randomInput(rand.New(rand.NewPCG(6, 6)), 1, 4, 8)

	causal := NewAttention(8, WithHeads(1), WithHeadDim(8), WithCausal(), WithSeed(5))
	w := causal.Weights(x, NewPaddingMask(valid))
	if w.Floats()[1*4+0] == 0 {
		t.Errorf("kausal ohne Kombination: Padding darf nicht greifen")
	}

	composed := NewAttention(8, WithHeads(1), WithHeadDim(8), WithCausal(), WithComposedMasks(), WithSeed(5))
	w = composed.Weights(x, NewPaddingMask(valid))
	for i := 1; i < 4; i++ {
		if p := w.Floats()[i*4+0]; p != 0 {
			t.Errorf("kombiniert: Gewicht[%d][0] = %v, erwartet 0", i, p)
		}
		for j := i + 1; j < 4; j++ {
			if p := w.Floats()[i*4+j]; p != 0 {
				t.Errorf("kombiniert: Gewicht[%d][%d] = %v, erwartet 0", i, j, p)
			}
		}
	}

	// Zeile 0 sieht nur den gepaddeten Key 0 und wird gleichverteilt
	for j := range 4 {
		if p := w.Floats()[j]; p < 0.2499 || p > 0.2501 {
			t.Errorf("kombiniert: Gewicht[0][%d] = %v, erwartet 0.25", j, p)
		}
	}
}

func TestNewPaddingMaskRagged(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("erwartet panic fuer ungleich lange Zeilen")
		}
	}()
	NewPaddingMask([][]bool{{true, true}, {true}})
}

func TestOnlineSoftmaxMatchesFull(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	sim := randomInput(rng, 1, 2, 4, 6)
	v := randomInput(rng, 1, 2, 6, 3)

	// Zeile 3 ist im ersten Block komplett maskiert
	for bh := range 2 {
		for j := range 2 {
			sim.Floats()[(bh*4+3)*6+j] = MaskValue
		}
	}

	want := Aggregate(Softmax(sim), v)

	acc := NewOnlineSoftmax(1, 2, 4, 3)
	for start := 0; start < 6; start += 2 {
		acc.Update(sim.Narrow(3, start, 2), v.Narrow(2, start, 2))
	}

	if diff := cmp.Diff(want.Floats(), acc.Output().Floats(), cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("OnlineSoftmax weicht ab (-want +got):\n%s", diff)
	}
}

func TestOnlineSoftmaxFullyMasked(t *testing.T) {
	sim := ml.Zeros(ml.DTypeF32, 1, 1, 1, 4)
	for i := range sim.Floats() {
		sim.Floats()[i] = MaskValue
	}
	v := ml.FromFloats([]float32{1, 2, 3, 4}, 1, 1, 4, 1)

	acc := NewOnlineSoftmax(1, 1, 1, 1)
	acc.Update(sim.Narrow(3, 0, 2), v.Narrow(2, 0, 2))
	acc.Update(sim.Narrow(3, 2, 2), v.Narrow(2, 2, 2))

	if got := acc.Output().Floats()[0]; got < 2.4999 || got > 2.5001 {
		t.Errorf("Ausgabe = %v, erwartet Mittelwert 2.5", got)
	}

	rowMax, rowSum := acc.Stats()
	if rowMax[0] != MaskValue || rowSum[0] != 4 {
		t.Errorf("Stats = (%v, %v), erwartet (%v, 4)", rowMax[0], rowSum[0], float64(MaskValue))
	}
}

func TestOnlineSoftmaxShapeMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("erwartet panic fuer falsche Blockform")
		}
	}()
	acc := NewOnlineSoftmax(1, 1, 2, 3)
	acc.Update(ml.Zeros(ml.DTypeF32, 1, 1, 2, 4), ml.Zeros(ml.DTypeF32, 1, 1, 5, 3))
}
