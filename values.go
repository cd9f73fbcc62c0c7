package gofactors

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// VectorValues is an assignment of a tangent-space vector to each variable key.
// It is the value type consumed and produced by all linear operations.
type VectorValues map[Key]*mat.VecDense

// NewZeroVectorValues builds an all-zero assignment from a key-dimension map.
func NewZeroVectorValues(dims map[Key]int) VectorValues {
	x := make(VectorValues, len(dims))
	for k, d := range dims {
		x[k] = mat.NewVecDense(d, nil)
	}
	return x
}

// Clone returns a deep copy.
func (x VectorValues) Clone() VectorValues {
	c := make(VectorValues, len(x))
	for k, v := range x {
		c[k] = mat.VecDenseCopyOf(v)
	}
	return c
}

// Keys returns the assigned keys in increasing order.
func (x VectorValues) Keys() []Key {
	keys := make([]Key, 0, len(x))
	for k := range x {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Dot returns the inner product of two assignments over their shared keys.
// Both assignments must cover the same keys with the same dimensions.
func (x VectorValues) Dot(y VectorValues) float64 {
	var total float64
	for k, v := range x {
		if w, found := y[k]; found {
			total += mat.Dot(v, w)
		}
	}
	return total
}

// SquaredNorm returns the squared Euclidean norm of the assignment.
func (x VectorValues) SquaredNorm() float64 {
	return x.Dot(x)
}

// Scale returns a copy of the assignment scaled by alpha.
func (x VectorValues) Scale(alpha float64) VectorValues {
	s := make(VectorValues, len(x))
	for k, v := range x {
		sv := mat.VecDenseCopyOf(v)
		sv.ScaleVec(alpha, sv)
		s[k] = sv
	}
	return s
}

// Add returns the entry-wise sum of two assignments; keys present in only one
// operand carry over unchanged.
func (x VectorValues) Add(y VectorValues) VectorValues {
	s := x.Clone()
	for k, w := range y {
		if v, found := s[k]; found {
			v.AddVec(v, w)
		} else {
			s[k] = mat.VecDenseCopyOf(w)
		}
	}
	return s
}

// AddInPlace accumulates alpha times y into x, creating entries as needed.
func (x VectorValues) AddInPlace(alpha float64, y VectorValues) {
	for k, w := range y {
		if v, found := x[k]; found {
			v.AddScaledVec(v, alpha, w)
		} else {
			sv := mat.NewVecDense(w.Len(), nil)
			sv.AddScaledVec(sv, alpha, w)
			x[k] = sv
		}
	}
}

// Equals compares two assignments within a tolerance.
func (x VectorValues) Equals(y VectorValues, tol float64) bool {
	if len(x) != len(y) {
		return false
	}
	for k, v := range x {
		w, found := y[k]
		if !found || w.Len() != v.Len() {
			return false
		}
		for i := 0; i < v.Len(); i++ {
			if math.Abs(v.AtVec(i)-w.AtVec(i)) > tol {
				return false
			}
		}
	}
	return true
}

// String implements the Stringer interface.
func (x VectorValues) String() string {
	var b strings.Builder
	for _, k := range x.Keys() {
		fmt.Fprintf(&b, "%s: %v\n", k, mat.Formatted(x[k].T()))
	}
	return b.String()
}

// FactorErrors holds one residual vector per factor, in factor order. A nil
// entry corresponds to a removed factor slot.
type FactorErrors []*mat.VecDense

// Dot returns the inner product of two residual lists.
func (e FactorErrors) Dot(other FactorErrors) float64 {
	var total float64
	for i, v := range e {
		if v != nil && other[i] != nil {
			total += mat.Dot(v, other[i])
		}
	}
	return total
}

// SquaredNorm returns the total squared norm over all residuals.
func (e FactorErrors) SquaredNorm() float64 {
	return e.Dot(e)
}
