// frame.go - Wire-Format der TCP-Laufzeit
//
// Enthaelt:
// - writeFrame/readFrame: 8 Byte Typ + 8 Byte Laenge (little-endian) + Inhalt
// - hello/tensorFrame/barrierFrame: Inhalte im protobuf wire format (protowire)
package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/7blacky7/ringattention/ml"
)

const (
	msgHello uint64 = iota + 1
	msgTensor
	msgBarrier
)

// maxFrameLength bounds the content of a single frame.
const maxFrameLength = 1 << 34

var errFrame = errors.New("malformed frame")

func writeFrame(w *timeoutWriter, msgType uint64, content []byte) error {
	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[:8], msgType)
	binary.LittleEndian.PutUint64(hdr[8:], uint64(len(content)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(content); err != nil {
		return err
	}
	return w.Flush()
}

func readFrame(r io.Reader) (uint64, []byte, error) {
	var hdr [16]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}

	msgType := binary.LittleEndian.Uint64(hdr[:8])
	length := binary.LittleEndian.Uint64(hdr[8:])
	if length > maxFrameLength {
		return 0, nil, fmt.Errorf("%w: length %d exceeds %d", errFrame, length, uint64(maxFrameLength))
	}

	content := make([]byte, length)
	if _, err := io.ReadFull(r, content); err != nil {
		return 0, nil, err
	}
	return msgType, content, nil
}

// fields calls fn for every field of a protowire message. fn returns the
// number of bytes consumed or a negative protowire error code; returning 0
// skips the field.
func fields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", errFrame, protowire.ParseError(n))
		}
		b = b[n:]

		n = fn(num, typ, b)
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %w", errFrame, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

type hello struct {
	job  uuid.UUID
	rank int
}

func (h hello) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, h.job[:])
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.rank))
	return b
}

func (h *hello) unmarshal(b []byte) error {
	var job []byte
	err := fields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			job = v
			return n
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			h.rank = int(v)
			return n
		}
		return 0
	})
	if err != nil {
		return err
	}

	h.job, err = uuid.FromBytes(job)
	if err != nil {
		return fmt.Errorf("%w: job: %w", errFrame, err)
	}
	return nil
}

type tensorFrame struct {
	seq     uint64
	dtype   ml.DType
	shape   []int
	payload []byte
}

func newTensorFrame(seq uint64, x *ml.Tensor) tensorFrame {
	return tensorFrame{seq: seq, dtype: x.DType(), shape: x.Shape(), payload: x.Bytes()}
}

func (f tensorFrame) marshal() []byte {
	var shape []byte
	for _, d := range f.shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}

	b := make([]byte, 0, len(f.payload)+len(shape)+32)
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, f.seq)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.dtype))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, f.payload)
	return b
}

func (f *tensorFrame) unmarshal(b []byte) error {
	return fields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			f.seq = v
			return n
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			f.dtype = ml.DType(v)
			return n
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			f.shape = f.shape[:0]
			for len(v) > 0 {
				d, m := protowire.ConsumeVarint(v)
				if m < 0 {
					return m
				}
				f.shape = append(f.shape, int(d))
				v = v[m:]
			}
			return n
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			f.payload = v
			return n
		}
		return 0
	})
}

// decode writes the frame into buf after checking that shape and dtype
// agree.
func (f tensorFrame) decode(buf *ml.Tensor) error {
	if f.dtype != buf.DType() || !slices.Equal(f.shape, buf.Shape()) {
		return fmt.Errorf("got %v %s, want %v", f.shape, f.dtype, buf)
	}
	return buf.FromBytes(f.payload)
}

type barrierFrame struct {
	lap uint64
}

func (f barrierFrame) marshal() []byte {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	return protowire.AppendVarint(b, f.lap)
}

func (f *barrierFrame) unmarshal(b []byte) error {
	return fields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			f.lap = v
			return n
		}
		return 0
	})
}
