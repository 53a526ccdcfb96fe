// config_utils.go - Utility-Funktionen und Export fuer Konfiguration
//
// Dieses Modul enthaelt:
// - BoolWithDefault/Bool: Boolean-Getter mit Default-Wert
// - String: String-Getter
// - Uint: Integer-Getter mit Default-Wert
// - EnvVar: Struktur fuer Environment-Variablen-Info
// - AsMap: Gibt alle Konfigurationen als Map zurueck
// - Values: Gibt alle Konfigurationswerte als String-Map zurueck
package envconfig

import (
	"fmt"
	"log/slog"
	"strconv"
)

// BoolWithDefault gibt eine Funktion zurueck, die einen Bool mit Default-Wert liest
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool gibt eine Funktion zurueck, die einen Bool liest (Default: false)
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// String gibt eine Funktion zurueck, die einen String liest
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// Uint gibt eine Funktion zurueck, die einen uint mit Default-Wert liest
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// EnvVar repraesentiert eine Environment-Variable mit Metadaten
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func rankValue() any {
	if r, ok := Rank(); ok {
		return r
	}
	return "assigned by server"
}

// AsMap gibt alle Konfigurationen als Map zurueck
// Enthaelt Namen, aktuelle Werte und Beschreibungen
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"RING_DEBUG":         {"RING_DEBUG", LogLevel(), "Show additional debug information (e.g. RING_DEBUG=1, RING_DEBUG=2 for ring traffic)"},
		"RING_HOST":          {"RING_HOST", Host(), "Address of the rendezvous server (default 127.0.0.1:29500)"},
		"RING_ADDR":          {"RING_ADDR", Addr(), "Listen address for ring connections of a worker (default 127.0.0.1:0)"},
		"RING_RANK":          {"RING_RANK", rankValue(), "Fixed rank of a worker"},
		"RING_WORLD_SIZE":    {"RING_WORLD_SIZE", WorldSize(), "Number of workers in the ring"},
		"RING_TIMEOUT":       {"RING_TIMEOUT", Timeout(), "How long a ring read or write may stall before giving up (default \"5m\")"},
		"RING_SHARD_DTYPE":   {"RING_SHARD_DTYPE", ShardDType(), "Precision of rotating key/value shards: f32, f16 or bf16 (default f32)"},
		"RING_COMPOSE_MASKS": {"RING_COMPOSE_MASKS", ComposeMasks(), "Apply the padding mask on top of the causal mask"},
	}
}

// Values gibt alle Konfigurationswerte als String-Map zurueck
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
