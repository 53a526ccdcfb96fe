// config.go - Haupt-Konfigurationsfunktionen fuer ringattn
//
// Dieses Modul enthaelt:
// - Host: Adresse des Rendezvous-Servers (RING_HOST)
// - Addr: Listen-Adresse eines Workers (RING_ADDR)
// - Timeout: Netzwerk-Timeout der Ring-Laufzeit (RING_TIMEOUT)
// - ShardDType: Praezision der rotierenden K/V-Shards (RING_SHARD_DTYPE)
// - LogLevel: Gibt Log-Level zurueck (RING_DEBUG)
//
// Weitere Konfigurationen sind ausgelagert:
// - config_features.go: Ring-Position und Feature-Flags
// - config_utils.go: Utility-Funktionen und AsMap/Values
package envconfig

import (
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/7blacky7/ringattention/ml"
)

// Host gibt Scheme und Host des Rendezvous-Servers zurueck
// Konfigurierbar via RING_HOST
// Default: http://127.0.0.1:29500
func Host() *url.URL {
	defaultPort := "29500"

	s := strings.TrimSpace(Var("RING_HOST"))
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
}

// Addr gibt die Listen-Adresse fuer Ring-Verbindungen zurueck
// Konfigurierbar via RING_ADDR
// Default: 127.0.0.1:0 (freier Port)
func Addr() string {
	if s := rawAddr(); s != "" {
		if _, _, err := net.SplitHostPort(s); err == nil {
			return s
		}
		slog.Warn("invalid RING_ADDR, using default", "value", s)
	}
	return "127.0.0.1:0"
}

// Timeout gibt das Timeout fuer Lese-/Schreibvorgaenge im Ring zurueck
// Konfigurierbar via RING_TIMEOUT (Dauer oder Sekunden)
// 0 oder negative Werte = kein Timeout (Rueckgabe 0)
// Default: 5 Minuten
func Timeout() (timeout time.Duration) {
	timeout = 5 * time.Minute
	if s := Var("RING_TIMEOUT"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			timeout = d
		} else if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			timeout = time.Duration(n) * time.Second
		}
	}

	return max(timeout, 0)
}

// ShardDType gibt die Praezision der rotierenden K/V-Shards zurueck
// Konfigurierbar via RING_SHARD_DTYPE (f32, f16, bf16)
// Default: f32
func ShardDType() ml.DType {
	s := Var("RING_SHARD_DTYPE")
	d, err := ml.ParseDType(s)
	if err != nil {
		slog.Warn("invalid RING_SHARD_DTYPE, using f32", "value", s)
		return ml.DTypeF32
	}
	return d
}

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via RING_DEBUG
// Werte: 0/false = INFO (Default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("RING_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
