// cmd_simulate.go - Lokale Commands ohne Netzwerk
// Hauptfunktionen: SimulateHandler, TopologyHandler, WeightsHandler
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/7blacky7/ringattention/envconfig"
	"github.com/7blacky7/ringattention/ml"
	"github.com/7blacky7/ringattention/ml/nn"
	"github.com/7blacky7/ringattention/ring"
)

// simulation - Ring- und Einzel-Worker-Ergebnisse auf derselben Eingabe
type simulation struct {
	world    int
	outs     []*ml.Tensor
	dxs      []*ml.Tensor
	want     *ml.Tensor
	wantGrad *ml.Tensor
}

// simulate - Fuehrt world Worker im Prozess aus und dazu einen Worker allein
func simulate(ctx context.Context, cfg runConfig, world int, shardDType ml.DType) (*simulation, error) {
	if err := cfg.checkShardable(world); err != nil {
		return nil, err
	}

	x, mask := cfg.input(), cfg.mask()
	sim := &simulation{world: world, outs: make([]*ml.Tensor, world), dxs: make([]*ml.Tensor, world)}

	ref, err := cfg.attention()
	if err != nil {
		return nil, err
	}
	sim.want = ref.Forward(x, mask)

	if cfg.backward {
		single := nn.NewRingAttention(ref, ring.NewWorld(1).Endpoint(0))
		if _, err := single.Forward(ctx, x, mask); err != nil {
			return nil, err
		}
		if sim.wantGrad, err = single.Backward(ctx, cfg.gradOutput()); err != nil {
			return nil, err
		}
	}

	w := ring.NewWorld(world)
	defer w.Close()

	g, gctx := errgroup.WithContext(ctx)
	for rank, comm := range w.Endpoints() {
		g.Go(func() error {
			attn, err := cfg.attention()
			if err != nil {
				return err
			}

			ra := nn.NewRingAttention(attn, comm)
			ra.ShardDType = shardDType

			out, err := ra.Forward(gctx, shard(x, rank, world), shard(mask, rank, world))
			if err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			sim.outs[rank] = out

			if cfg.backward {
				dx, err := ra.Backward(gctx, shard(cfg.gradOutput(), rank, world))
				if err != nil {
					return fmt.Errorf("rank %d: %w", rank, err)
				}
				sim.dxs[rank] = dx
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return sim, nil
}

// rows - Eine Tabellenzeile pro Rank mit der Abweichung zum Einzel-Worker
func (s *simulation) rows() [][]string {
	n := s.want.Dim(1) / s.world
	rows := make([][]string, s.world)
	for rank := range s.world {
		want := shard(s.want, rank, s.world)
		row := []string{
			strconv.Itoa(rank),
			fmt.Sprintf("%d-%d", rank*n, (rank+1)*n-1),
			fmt.Sprintf("%.3g", maxAbsDiff(want.Floats(), s.outs[rank].Floats())),
		}
		if s.wantGrad != nil {
			wantGrad := shard(s.wantGrad, rank, s.world)
			row = append(row, fmt.Sprintf("%.3g", maxAbsDiff(wantGrad.Floats(), s.dxs[rank].Floats())))
		}
		rows[rank] = row
	}
	return rows
}

func (s *simulation) render(w io.Writer) {
	header := []string{"RANK", "POSITIONS", "OUTPUT DIFF"}
	if s.wantGrad != nil {
		header = append(header, "GRAD DIFF")
	}

	table := newTable(w, header)
	table.AppendBulk(s.rows())
	table.Render()
}

// SimulateHandler - Ring im Prozess gegen den Einzel-Worker vergleichen
func SimulateHandler(cmd *cobra.Command, _ []string) error {
	setupLogging()

	world, err := cmd.Flags().GetInt("world")
	if err != nil {
		return err
	}

	cfg, err := runConfigFromFlags(cmd)
	if err != nil {
		return err
	}

	dtype := envconfig.ShardDType()
	slog.Debug("simulate", "world", world, "shard_dtype", dtype, "causal", cfg.causal, "compose_masks", cfg.compose)

	sim, err := simulate(cmd.Context(), cfg, world, dtype)
	if err != nil {
		return err
	}

	sim.render(os.Stdout)
	return nil
}

// topologyRows - Nachbarn und Herkunft des gehaltenen Shards pro Schritt
func topologyRows(world int) [][]string {
	rows := make([][]string, world)
	for rank := range world {
		t := ring.NewTopology(rank, world)
		origins := make([]string, world)
		for step := range world {
			origins[step] = strconv.Itoa(t.Origin(step))
		}
		rows[rank] = []string{
			strconv.Itoa(rank),
			strconv.Itoa(t.Left()),
			strconv.Itoa(t.Right()),
			strings.Join(origins, " "),
		}
	}
	return rows
}

// TopologyHandler - Zeigt die Ringtopologie fuer --world Worker
func TopologyHandler(cmd *cobra.Command, _ []string) error {
	world, err := cmd.Flags().GetInt("world")
	if err != nil {
		return err
	}
	if world < 1 {
		return fmt.Errorf("ring size must be positive, got %d", world)
	}

	table := newTable(cmd.OutOrStdout(), []string{"RANK", "LEFT", "RIGHT", "ORIGIN PER STEP"})
	table.AppendBulk(topologyRows(world))
	table.Render()
	return nil
}

// WeightsHandler - Schreibt frisch initialisierte Gewichte als safetensors
func WeightsHandler(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	dim, err := f.GetInt("dim")
	if err != nil {
		return err
	}
	heads, err := f.GetInt("heads")
	if err != nil {
		return err
	}
	dimHead, err := f.GetInt("dim-head")
	if err != nil {
		return err
	}
	seed, err := f.GetUint64("seed")
	if err != nil {
		return err
	}
	name, err := f.GetString("dtype")
	if err != nil {
		return err
	}

	dtype, err := ml.ParseDType(name)
	if err != nil {
		return err
	}
	if dim < 1 || heads < 1 || dimHead < 1 {
		return fmt.Errorf("dim, heads and dim-head must be positive")
	}

	attn := nn.NewAttention(dim, nn.WithHeads(heads), nn.WithHeadDim(dimHead), nn.WithSeed(seed))
	if err := attn.SaveWeights(args[0], dtype); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s, dim %d, %d heads of %d)\n", args[0], dtype, dim, heads, dimHead)
	return nil
}
