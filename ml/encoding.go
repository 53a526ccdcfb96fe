// encoding.go - Byte-Kodierung der Shard-Puffer
//
// Enthaelt:
// - Bytes/FromBytes: little-endian Kodierung je DType
// - round: Rundung auf F16/BF16 Praezision
//
// F16 nutzt github.com/x448/float16, BF16 github.com/d4l3k/go-bfloat16.
package ml

import (
	"encoding/binary"
	"fmt"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Bytes encodes the tensor data in its dtype.
func (t *Tensor) Bytes() []byte {
	switch t.dtype {
	case DTypeF16:
		b := make([]byte, 2*len(t.data))
		for i, v := range t.data {
			binary.LittleEndian.PutUint16(b[2*i:], float16.Fromfloat32(v).Bits())
		}
		return b
	case DTypeBF16:
		return bfloat16.EncodeFloat32(t.data)
	default:
		b := make([]byte, 4*len(t.data))
		for i, v := range t.data {
			binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
		}
		return b
	}
}

// FromBytes decodes b, encoded in the tensor's dtype, into the tensor.
func (t *Tensor) FromBytes(b []byte) error {
	if want := len(t.data) * t.dtype.Size(); len(b) != want {
		return fmt.Errorf("decode %v: got %d bytes, want %d", t, len(b), want)
	}

	switch t.dtype {
	case DTypeF16:
		for i := range t.data {
			t.data[i] = float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32()
		}
	case DTypeBF16:
		copy(t.data, bfloat16.DecodeFloat32(b))
	default:
		for i := range t.data {
			t.data[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
		}
	}
	return nil
}

func round(dtype DType, s []float32) {
	switch dtype {
	case DTypeF16:
		for i, v := range s {
			s[i] = float16.Fromfloat32(v).Float32()
		}
	case DTypeBF16:
		copy(s, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(s)))
	}
}
