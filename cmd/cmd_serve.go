// cmd_serve.go - Rendezvous-Server starten
// Hauptfunktionen: RunServer
package cmd

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/7blacky7/ringattention/envconfig"
	"github.com/7blacky7/ringattention/server"
)

// RunServer - Startet den Rendezvous-Server auf RING_HOST
func RunServer(cmd *cobra.Command, _ []string) error {
	world, err := cmd.Flags().GetInt("world")
	if err != nil {
		return err
	}
	if world == 0 {
		world = int(envconfig.WorldSize())
	}
	if world < 1 {
		return fmt.Errorf("ring size unknown: pass --world or set RING_WORLD_SIZE")
	}

	ln, err := net.Listen("tcp", envconfig.Host().Host)
	if err != nil {
		return err
	}

	err = server.Serve(ln, world)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}
