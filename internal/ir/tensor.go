package ir

import (
	"fmt"
	"slices"
)

// Tensor is an opaque numeric handle recorded as a node input or output.
//
// Data is stored row-major. A tensor with an empty Shape is a scalar and
// holds exactly one element.
type Tensor struct {
	Shape        []int     `json:"shape"`
	Data         []float64 `json:"data"`
	RequiresGrad bool      `json:"requires_grad,omitempty"`
}

// NewTensor creates a tensor and checks that data fills shape exactly.
func NewTensor(shape []int, data []float64) (Tensor, error) {
	t := Tensor{Shape: slices.Clone(shape), Data: slices.Clone(data)}
	if n := t.Numel(); n != len(data) {
		return Tensor{}, fmt.Errorf("tensor shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return t, nil
}

// MustTensor is like NewTensor but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustTensor(shape []int, data []float64) Tensor {
	t, err := NewTensor(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

// Vector creates a 1-D tensor.
func Vector(data ...float64) Tensor {
	return Tensor{Shape: []int{len(data)}, Data: slices.Clone(data)}
}

// Scalar creates a 0-D tensor.
func Scalar(v float64) Tensor {
	return Tensor{Shape: []int{}, Data: []float64{v}}
}

// Grad marks the tensor as gradient-bearing and returns it.
func (t Tensor) Grad() Tensor {
	t.RequiresGrad = true
	return t
}

// Numel returns the number of elements implied by Shape.
func (t Tensor) Numel() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// SameShape reports whether t and o have identical shapes.
func (t Tensor) SameShape(o Tensor) bool {
	return slices.Equal(t.Shape, o.Shape)
}

// Clone returns a deep copy of t.
func (t Tensor) Clone() Tensor {
	return Tensor{
		Shape:        slices.Clone(t.Shape),
		Data:         slices.Clone(t.Data),
		RequiresGrad: t.RequiresGrad,
	}
}

// String renders a short description, not the data.
func (t Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, numel=%d)", t.Shape, len(t.Data))
}

// GradLeaves counts the gradient-bearing tensors in ts.
// A backward record sizes its input-grad slots with this.
func GradLeaves(ts []Tensor) int {
	n := 0
	for _, t := range ts {
		if t.RequiresGrad {
			n++
		}
	}
	return n
}
