// tensor.go - Dichter Tensor fuer Shard-Puffer und Attention-Mathematik
//
// Enthaelt:
// - Tensor: Shape, DType und float32-Daten (row-major)
// - Zeros/FromFloats: Konstruktoren
// - Reshape/Clone/Cast: Views und Kopien
// - Narrow/Concat: Sequenz-Sharding entlang einer Achse
package ml

import (
	"fmt"
	"slices"
)

// Tensor is a dense row-major tensor. The backing store is always float32;
// DType records the precision the values were rounded to and the encoding
// used by Bytes.
type Tensor struct {
	shape []int
	dtype DType
	data  []float32
}

func elements(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Errorf("negative dimension in shape %v", shape))
		}
		n *= d
	}
	return n
}

// Zeros allocates a zero-initialized tensor.
func Zeros(dtype DType, shape ...int) *Tensor {
	if dtype == DTypeOther {
		dtype = DTypeF32
	}
	return &Tensor{
		shape: slices.Clone(shape),
		dtype: dtype,
		data:  make([]float32, elements(shape)),
	}
}

// FromFloats wraps s without copying.
func FromFloats(s []float32, shape ...int) *Tensor {
	if n := elements(shape); n != len(s) {
		panic(fmt.Errorf("cannot create tensor of shape %v from %d values", shape, len(s)))
	}
	return &Tensor{shape: slices.Clone(shape), dtype: DTypeF32, data: s}
}

func (t *Tensor) Dim(n int) int {
	return t.shape[n]
}

func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *Tensor) DType() DType {
	return t.dtype
}

// Len gibt die Anzahl Elemente zurueck
func (t *Tensor) Len() int {
	return len(t.data)
}

// Floats returns the backing slice; writes are visible in the tensor.
func (t *Tensor) Floats() []float32 {
	return t.data
}

// SameLayout reports whether t and o have identical shape and dtype.
func (t *Tensor) SameLayout(o *Tensor) bool {
	return t.dtype == o.dtype && slices.Equal(t.shape, o.shape)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%v, %s)", t.shape, t.dtype)
}

// Reshape returns a view sharing the backing data.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	if elements(shape) != len(t.data) {
		panic(fmt.Errorf("cannot reshape %v to %v", t.shape, shape))
	}
	return &Tensor{shape: slices.Clone(shape), dtype: t.dtype, data: t.data}
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), dtype: t.dtype, data: slices.Clone(t.data)}
}

// Cast returns a copy rounded to dtype. Casting to the current dtype is a
// plain copy.
func (t *Tensor) Cast(dtype DType) *Tensor {
	out := t.Clone()
	if dtype == DTypeOther || dtype == t.dtype {
		return out
	}
	out.dtype = dtype
	round(dtype, out.data)
	return out
}

// Scale multipliziert in-place und gibt t zurueck
func (t *Tensor) Scale(s float32) *Tensor {
	for i := range t.data {
		t.data[i] *= s
	}
	return t
}

// Add addiert o elementweise in-place.
func (t *Tensor) Add(o *Tensor) *Tensor {
	if len(t.data) != len(o.data) {
		panic(fmt.Errorf("inconsistent sizes (%v, %v)", t.shape, o.shape))
	}
	for i, v := range o.data {
		t.data[i] += v
	}
	return t
}

func axisStrides(shape []int, axis int) (outer, inner int) {
	outer, inner = 1, 1
	for i := range axis {
		outer *= shape[i]
	}
	for i := axis + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	return outer, inner
}

// Narrow copies the slice [start, start+length) of axis.
func (t *Tensor) Narrow(axis, start, length int) *Tensor {
	if start < 0 || length < 0 || start+length > t.shape[axis] {
		panic(fmt.Errorf("narrow [%d, %d) out of range for axis %d of %v", start, start+length, axis, t.shape))
	}

	shape := t.Shape()
	shape[axis] = length
	out := Zeros(t.dtype, shape...)

	outer, inner := axisStrides(t.shape, axis)
	dim := t.shape[axis]
	for o := range outer {
		src := t.data[(o*dim+start)*inner : (o*dim+start+length)*inner]
		copy(out.data[o*length*inner:(o+1)*length*inner], src)
	}
	return out
}

// Concat joins tensors along axis. All other dimensions and the dtype must
// agree.
func Concat(axis int, ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("concat of zero tensors")
	}

	shape := ts[0].Shape()
	total := 0
	for _, t := range ts {
		if len(t.shape) != len(shape) || t.dtype != ts[0].dtype {
			panic(fmt.Errorf("cannot concat %v with %v", ts[0], t))
		}
		for i := range shape {
			if i != axis && t.shape[i] != shape[i] {
				panic(fmt.Errorf("cannot concat %v with %v on axis %d", ts[0], t, axis))
			}
		}
		total += t.shape[axis]
	}
	shape[axis] = total
	out := Zeros(ts[0].dtype, shape...)

	outer, inner := axisStrides(shape, axis)
	offset := 0
	for _, t := range ts {
		n := t.shape[axis] * inner
		for o := range outer {
			copy(out.data[o*total*inner+offset:], t.data[o*n:(o+1)*n])
		}
		offset += n
	}
	return out
}
