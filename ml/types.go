// types.go - Datentypen und Konstanten fuer ML-Operationen
// Dieses Modul definiert den DType der Shard-Puffer und das Parsen aus der
// Konfiguration (RING_SHARD_DTYPE).
package ml

import (
	"fmt"
	"strings"
)

// DType represents the storage and wire type of tensor elements. Values are
// always computed in float32; the DType controls the precision a tensor is
// rounded to and how it is encoded on the wire.
type DType int

const (
	DTypeOther DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
)

// Size gibt die Anzahl Bytes pro Element zurueck
func (d DType) Size() int {
	switch d {
	case DTypeF32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	default:
		return "other"
	}
}

// ParseDType parst die Namen aus RING_SHARD_DTYPE und Safetensors-Headern.
// Leerer String ergibt DTypeF32.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "f32", "float32", "fp32":
		return DTypeF32, nil
	case "f16", "float16", "fp16":
		return DTypeF16, nil
	case "bf16", "bfloat16":
		return DTypeBF16, nil
	default:
		return DTypeOther, fmt.Errorf("unsupported dtype %q", s)
	}
}
