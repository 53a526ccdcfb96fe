// cmd_builders.go - Command-Builder Funktionen
// Hauptfunktionen: newServeCmd, newWorkerCmd, newSimulateCmd, newTopologyCmd
package cmd

import (
	"github.com/spf13/cobra"
)

// addAttentionFlags - Flags fuer Modell und globale Eingabe
func addAttentionFlags(cmd *cobra.Command) {
	cmd.Flags().Int("dim", 16, "Model dimension")
	cmd.Flags().Int("heads", 2, "Number of attention heads")
	cmd.Flags().Int("dim-head", 8, "Dimension per head")
	cmd.Flags().Bool("causal", false, "Mask keys ahead of each query")
	cmd.Flags().Bool("compose-masks", false, "Apply the padding mask on top of the causal mask")
	cmd.Flags().Uint64("seed", 0, "Seed for the weight initialization")
	cmd.Flags().String("weights", "", "Load weights from a safetensors file")

	cmd.Flags().Int("batch", 1, "Batch size of the generated input")
	cmd.Flags().Int("seq", 8, "Global sequence length of the generated input")
	cmd.Flags().Int("pad", 0, "Mark the last N positions of every sequence as padding")
	cmd.Flags().Uint64("input-seed", 1, "Seed for the generated input")
	cmd.Flags().Bool("backward", false, "Also run the backward pass")
}

// newServeCmd - Erstellt den serve Command
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the rendezvous server for a ring",
		Args:    cobra.ExactArgs(0),
		RunE:    RunServer,
	}

	cmd.Flags().Int("world", 0, "Number of workers in the ring (default RING_WORLD_SIZE)")
	return cmd
}

// newWorkerCmd - Erstellt den worker Command
func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Join a ring and compute attention for one shard",
		Args:  cobra.ExactArgs(0),
		RunE:  WorkerHandler,
	}

	addAttentionFlags(cmd)
	return cmd
}

// newSimulateCmd - Erstellt den simulate Command
func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a ring of in-process workers and compare against a single worker",
		Args:  cobra.ExactArgs(0),
		RunE:  SimulateHandler,
	}

	cmd.Flags().Int("world", 4, "Number of simulated workers")
	addAttentionFlags(cmd)
	return cmd
}

// newTopologyCmd - Erstellt den topology Command
func newTopologyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Show neighbors and the shard every rank holds at each step",
		Args:  cobra.ExactArgs(0),
		RunE:  TopologyHandler,
	}

	cmd.Flags().Int("world", 4, "Number of workers in the ring")
	return cmd
}

// newWeightsCmd - Erstellt den weights Command
func newWeightsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weights PATH",
		Short: "Write freshly initialized weights to a safetensors file",
		Args:  cobra.ExactArgs(1),
		RunE:  WeightsHandler,
	}

	cmd.Flags().Int("dim", 16, "Model dimension")
	cmd.Flags().Int("heads", 2, "Number of attention heads")
	cmd.Flags().Int("dim-head", 8, "Dimension per head")
	cmd.Flags().Uint64("seed", 0, "Seed for the weight initialization")
	cmd.Flags().String("dtype", "f32", "Storage dtype: f32, f16 or bf16")
	return cmd
}
