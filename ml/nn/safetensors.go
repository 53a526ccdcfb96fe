// safetensors.go - Gewichte laden und speichern
//
// Enthaelt:
// - LoadSafetensors/SaveSafetensors: Tensor-Map <-> safetensors-Datei
// - Attention.LoadWeights/SaveWeights: to_qkv.weight und to_out.weight
package nn

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/7blacky7/ringattention/ml"
)

const (
	keyToQKV = "to_qkv.weight"
	keyToOut = "to_out.weight"
)

// ErrMissingTensor is returned when a checkpoint lacks a required weight.
var ErrMissingTensor = errors.New("missing tensor")

type tensorInfo struct {
	DType   string `json:"dtype"`
	Shape   []int  `json:"shape"`
	Offsets [2]int `json:"data_offsets"`
}

func safetensorsDType(s string) (ml.DType, error) {
	switch s {
	case "F32":
		return ml.DTypeF32, nil
	case "F16":
		return ml.DTypeF16, nil
	case "BF16":
		return ml.DTypeBF16, nil
	default:
		return ml.DTypeOther, fmt.Errorf("unsupported dtype %q", s)
	}
}

func safetensorsName(d ml.DType) string {
	switch d {
	case ml.DTypeF16:
		return "F16"
	case ml.DTypeBF16:
		return "BF16"
	default:
		return "F32"
	}
}

// ReadSafetensors decodes every tensor of a safetensors stream. Tensors
// keep the dtype they were stored in.
func ReadSafetensors(r io.Reader) (map[string]*ml.Tensor, error) {
	var size uint64
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, fmt.Errorf("read header size: %w", err)
	}

	header := make([]byte, size)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}

	tensors := make(map[string]*ml.Tensor, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}

		var info tensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}

		dtype, err := safetensorsDType(info.DType)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}

		start, end := info.Offsets[0], info.Offsets[1]
		if start < 0 || start > end || end > len(data) {
			return nil, fmt.Errorf("tensor %s: data offsets [%d, %d) out of bounds", name, start, end)
		}

		t := ml.Zeros(dtype, info.Shape...)
		if err := t.FromBytes(data[start:end]); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		tensors[name] = t
	}
	return tensors, nil
}

// WriteSafetensors encodes tensors in name order, each in its own dtype.
func WriteSafetensors(w io.Writer, tensors map[string]*ml.Tensor) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]tensorInfo, len(names))
	payloads := make([][]byte, 0, len(names))
	offset := 0
	for _, name := range names {
		t := tensors[name]
		b := t.Bytes()
		header[name] = tensorInfo{
			DType:   safetensorsName(t.DType()),
			Shape:   t.Shape(),
			Offsets: [2]int{offset, offset + len(b)},
		}
		payloads = append(payloads, b)
		offset += len(b)
	}

	bts, err := json.Marshal(header)
	if err != nil {
		return err
	}

	// the data section starts 8-byte aligned
	for len(bts)%8 != 0 {
		bts = append(bts, ' ')
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(bts))); err != nil {
		return err
	}
	if _, err := w.Write(bts); err != nil {
		return err
	}
	for _, b := range payloads {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func LoadSafetensors(path string) (map[string]*ml.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ReadSafetensors(f)
}

func SaveSafetensors(path string, tensors map[string]*ml.Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := WriteSafetensors(f, tensors); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadWeights replaces the projection weights with the ones stored at path.
// Weights stored as F16 or BF16 are widened to F32.
func (a *Attention) LoadWeights(path string) error {
	tensors, err := LoadSafetensors(path)
	if err != nil {
		return err
	}

	for _, w := range []struct {
		name   string
		linear *Linear
	}{
		{keyToQKV, a.ToQKV},
		{keyToOut, a.ToOut},
	} {
		t, ok := tensors[w.name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingTensor, w.name)
		}
		if !slices.Equal(t.Shape(), w.linear.Weight.Shape()) {
			return fmt.Errorf("tensor %s: shape %v, expected %v", w.name, t.Shape(), w.linear.Weight.Shape())
		}
		w.linear.Weight = t.Cast(ml.DTypeF32)
	}
	return nil
}

// SaveWeights stores the projection weights at path in dtype.
func (a *Attention) SaveWeights(path string, dtype ml.DType) error {
	return SaveSafetensors(path, map[string]*ml.Tensor{
		keyToQKV: a.ToQKV.Weight.Cast(dtype),
		keyToOut: a.ToOut.Weight.Cast(dtype),
	})
}
