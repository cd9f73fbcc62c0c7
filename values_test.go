package gofactors

import (
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestSymbolKeys(t *testing.T) {
	k := Symbol('x', 42)
	if k.String() != "x42" {
		t.Fatalf("key prints as %s", k)
	}
	if Symbol('x', 1) <= Symbol('x', 0) {
		t.Fatal("keys of one symbol must order by index")
	}
	if Symbol('l', 99) >= Symbol('x', 0) {
		t.Fatal("keys must order by character first")
	}

	s := make(KeySet)
	s.Add(Symbol('x', 1))
	s.Add(Symbol('x', 0))
	s.Add(Symbol('l', 0))
	s.Add(Symbol('x', 1))
	sorted := s.Sorted()
	if len(sorted) != 3 {
		t.Fatalf("got %d keys", len(sorted))
	}
	if sorted[0] != Symbol('l', 0) || sorted[2] != Symbol('x', 1) {
		t.Fatalf("wrong order: %v", sorted)
	}
	ord := NaturalOrdering(s)
	if !ord.Contains(Symbol('l', 0)) || ord.Contains(Symbol('z', 0)) {
		t.Fatal("ordering membership broken")
	}
}

func TestVectorValuesAlgebra(t *testing.T) {
	dims := map[Key]int{keyX0: 2, keyX1: 1}
	z := NewZeroVectorValues(dims)
	if z.SquaredNorm() != 0 {
		t.Fatal("zero values have non-zero norm")
	}
	x := VectorValues{
		keyX0: mat.NewVecDense(2, []float64{1, 2}),
		keyX1: mat.NewVecDense(1, []float64{3}),
	}
	y := VectorValues{
		keyX0: mat.NewVecDense(2, []float64{4, 5}),
		keyX1: mat.NewVecDense(1, []float64{6}),
	}
	if got := x.Dot(y); got != 1*4+2*5+3*6 {
		t.Fatalf("dot = %f", got)
	}
	if got := x.SquaredNorm(); got != 14 {
		t.Fatalf("squared norm = %f", got)
	}

	sum := x.Add(y)
	if sum[keyX1].AtVec(0) != 9 {
		t.Fatalf("sum = %s", sum)
	}
	scaled := x.Scale(-2)
	if scaled[keyX0].AtVec(1) != -4 {
		t.Fatalf("scaled = %s", scaled)
	}
	// Add and Scale must not touch their receiver.
	if x[keyX0].AtVec(0) != 1 || x[keyX1].AtVec(0) != 3 {
		t.Fatal("receiver mutated")
	}

	cl := x.Clone()
	cl[keyX0].SetVec(0, -100)
	if x[keyX0].AtVec(0) != 1 {
		t.Fatal("clone shares storage")
	}

	x.AddInPlace(2, y)
	if x[keyX0].AtVec(0) != 9 || x[keyX1].AtVec(0) != 15 {
		t.Fatalf("add in place = %s", x)
	}

	if !x.Equals(x.Clone(), 0) {
		t.Fatal("values not equal to their clone")
	}
	if x.Equals(y, 1e-9) {
		t.Fatal("distinct values said equal")
	}
	if x.Equals(VectorValues{keyX0: x[keyX0]}, 1e-9) {
		t.Fatal("values with different key sets said equal")
	}

	if !strings.Contains(x.String(), "x0") {
		t.Fatalf("string misses key: %s", x)
	}
}

func TestFactorErrors(t *testing.T) {
	e := FactorErrors{
		mat.NewVecDense(2, []float64{1, 2}),
		nil,
		mat.NewVecDense(1, []float64{3}),
	}
	if got := e.SquaredNorm(); got != 14 {
		t.Fatalf("squared norm = %f", got)
	}
	f := FactorErrors{
		mat.NewVecDense(2, []float64{1, 1}),
		nil,
		mat.NewVecDense(1, []float64{2}),
	}
	if got := e.Dot(f); got != 1+2+6 {
		t.Fatalf("dot = %f", got)
	}
}
