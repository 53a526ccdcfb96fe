// cmd_utils.go - Gemeinsame Hilfsfunktionen der Commands
// Hauptfunktionen: runConfigFromFlags, globale Eingabe, Sharding, Tabellen
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/7blacky7/ringattention/envconfig"
	"github.com/7blacky7/ringattention/logutil"
	"github.com/7blacky7/ringattention/ml"
	"github.com/7blacky7/ringattention/ml/nn"
)

// setupLogging - Installiert den Default-Logger nach RING_DEBUG
func setupLogging() {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
}

// runConfig - Modell und globale Eingabe eines Laufs
type runConfig struct {
	dim, heads, dimHead int
	causal, compose     bool
	seed                uint64
	weights             string

	batch, seq, pad int
	inputSeed       uint64
	backward        bool
}

// runConfigFromFlags - Liest die Flags aus addAttentionFlags
func runConfigFromFlags(cmd *cobra.Command) (runConfig, error) {
	var c runConfig
	var err error

	f := cmd.Flags()
	for _, v := range []struct {
		name string
		dst  *int
	}{
		{"dim", &c.dim}, {"heads", &c.heads}, {"dim-head", &c.dimHead},
		{"batch", &c.batch}, {"seq", &c.seq}, {"pad", &c.pad},
	} {
		if *v.dst, err = f.GetInt(v.name); err != nil {
			return c, err
		}
	}
	if c.causal, err = f.GetBool("causal"); err != nil {
		return c, err
	}
	if c.compose, err = f.GetBool("compose-masks"); err != nil {
		return c, err
	}
	if c.backward, err = f.GetBool("backward"); err != nil {
		return c, err
	}
	if c.seed, err = f.GetUint64("seed"); err != nil {
		return c, err
	}
	if c.inputSeed, err = f.GetUint64("input-seed"); err != nil {
		return c, err
	}
	if c.weights, err = f.GetString("weights"); err != nil {
		return c, err
	}

	c.compose = c.compose || envconfig.ComposeMasks()
	return c, c.validate()
}

func (c runConfig) validate() error {
	switch {
	case c.dim < 1 || c.heads < 1 || c.dimHead < 1:
		return fmt.Errorf("dim, heads and dim-head must be positive")
	case c.batch < 1 || c.seq < 1:
		return fmt.Errorf("batch and seq must be positive")
	case c.pad < 0 || c.pad > c.seq:
		return fmt.Errorf("pad must be between 0 and seq (%d)", c.seq)
	}
	return nil
}

// checkShardable - Die Sequenz muss sich gleichmaessig auf den Ring verteilen
func (c runConfig) checkShardable(world int) error {
	if world < 1 {
		return fmt.Errorf("ring size must be positive, got %d", world)
	}
	if c.seq%world != 0 {
		return fmt.Errorf("sequence length %d is not divisible by ring size %d", c.seq, world)
	}
	return nil
}

// attention - Baut das Modell, optional mit Gewichten aus --weights
func (c runConfig) attention() (*nn.Attention, error) {
	opts := []nn.AttentionOption{nn.WithHeads(c.heads), nn.WithHeadDim(c.dimHead), nn.WithSeed(c.seed)}
	if c.causal {
		opts = append(opts, nn.WithCausal())
	}
	if c.compose {
		opts = append(opts, nn.WithComposedMasks())
	}

	a := nn.NewAttention(c.dim, opts...)
	if c.weights != "" {
		if err := a.LoadWeights(c.weights); err != nil {
			return nil, fmt.Errorf("load weights: %w", err)
		}
	}
	return a, nil
}

func randomTensor(seed uint64, shape ...int) *ml.Tensor {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	t := ml.Zeros(ml.DTypeF32, shape...)
	for i := range t.Floats() {
		t.Floats()[i] = float32(2*rng.Float64() - 1)
	}
	return t
}

// input - Globale Eingabe [batch, seq, dim]; jeder Worker erzeugt dieselbe
func (c runConfig) input() *ml.Tensor {
	return randomTensor(c.inputSeed, c.batch, c.seq, c.dim)
}

// gradOutput - Globaler Gradient der Ausgabe fuer --backward
func (c runConfig) gradOutput() *ml.Tensor {
	return randomTensor(c.inputSeed^0xabcdef, c.batch, c.seq, c.dim)
}

// mask - Padding-Maske mit den letzten pad Positionen gepaddet, nil ohne --pad
func (c runConfig) mask() *ml.Tensor {
	if c.pad == 0 {
		return nil
	}

	valid := make([][]bool, c.batch)
	for b := range valid {
		valid[b] = make([]bool, c.seq)
		for j := range c.seq - c.pad {
			valid[b][j] = true
		}
	}
	return nn.NewPaddingMask(valid)
}

// shard - Positionen [rank*n, (rank+1)*n) entlang der Sequenzachse
func shard(t *ml.Tensor, rank, world int) *ml.Tensor {
	if t == nil {
		return nil
	}
	n := t.Dim(1) / world
	return t.Narrow(1, rank*n, n)
}

func maxAbsDiff(a, b []float32) float64 {
	var d float64
	for i := range a {
		d = max(d, math.Abs(float64(a[i])-float64(b[i])))
	}
	return d
}

func norm(s []float32) float64 {
	var sum float64
	for _, v := range s {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// newTable - Tabelle im Stil von list/show; mit Rahmen nur auf einem Terminal
func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		table.SetBorder(true)
		return table
	}

	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}
