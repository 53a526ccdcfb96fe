// config_features.go - Ring-Position und Feature-Flags
//
// Dieses Modul enthaelt:
// - Rank/WorldSize: feste Ring-Position eines Workers
// - ComposeMasks: kausale Maske und Padding-Maske kombinieren
package envconfig

import (
	"log/slog"
	"strconv"
)

var (
	// WorldSize ist die erwartete Anzahl Worker im Ring (0 = vom Server)
	WorldSize = Uint("RING_WORLD_SIZE", 0)

	// ComposeMasks wendet eine Padding-Maske auch bei kausaler Maskierung an
	ComposeMasks = Bool("RING_COMPOSE_MASKS")

	// ungeprueft, Addr und Rank validieren
	rawAddr = String("RING_ADDR")
	rawRank = String("RING_RANK")
)

// Rank gibt den gewuenschten Rank eines Workers zurueck
// Konfigurierbar via RING_RANK
// ok ist false, wenn der Server den Rank vergeben soll
func Rank() (rank int, ok bool) {
	s := rawRank()
	if s == "" {
		return 0, false
	}

	n, err := strconv.ParseUint(s, 10, 31)
	if err != nil {
		slog.Warn("invalid RING_RANK, letting the server assign one", "value", s)
		return 0, false
	}
	return int(n), true
}
