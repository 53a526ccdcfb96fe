// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/7blacky7/ringattention/envconfig"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "ringattn",
		Short:         "Self-attention with the sequence sharded across a ring of workers",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	serveCmd := newServeCmd()
	workerCmd := newWorkerCmd()
	simulateCmd := newSimulateCmd()
	topologyCmd := newTopologyCmd()
	weightsCmd := newWeightsCmd()

	envVars := envconfig.AsMap()
	for _, cmd := range []*cobra.Command{serveCmd, workerCmd, simulateCmd} {
		switch cmd {
		case serveCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["RING_DEBUG"],
				envVars["RING_HOST"],
				envVars["RING_WORLD_SIZE"],
			})
		case workerCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["RING_DEBUG"],
				envVars["RING_HOST"],
				envVars["RING_ADDR"],
				envVars["RING_RANK"],
				envVars["RING_TIMEOUT"],
				envVars["RING_SHARD_DTYPE"],
				envVars["RING_COMPOSE_MASKS"],
			})
		default:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["RING_DEBUG"],
				envVars["RING_SHARD_DTYPE"],
				envVars["RING_COMPOSE_MASKS"],
			})
		}
	}

	rootCmd.AddCommand(
		serveCmd,
		workerCmd,
		simulateCmd,
		topologyCmd,
		weightsCmd,
	)

	return rootCmd
}
