package gofactors

import (
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestIdentity(t *testing.T) {
	n := 3
	i33 := Identity(n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			expected := 0.0
			if i == j {
				expected = 1
			}
			if i33.At(i, j) != expected {
				t.Fatalf("i33(%d, %d) = %f", i, j, i33.At(i, j))
			}
		}
	}
}

func TestIsNil(t *testing.T) {
	if !IsNil(mat.NewDense(2, 3, nil)) {
		t.Fatal("zero matrix said to be non nil")
	}
	m := mat.NewDense(2, 3, nil)
	m.Set(1, 2, 1e-15)
	if IsNil(m) {
		t.Fatal("non-zero matrix said to be nil")
	}
}

func TestAsSymDense(t *testing.T) {
	d := mat.NewDense(3, 3, []float64{1, 2, 3, 2, 5, 6, 3, 6, 9})
	s, err := AsSymDense(d)
	if err != nil {
		t.Fatal(err)
	}
	r, c := d.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if s.At(i, j) != d.At(i, j) {
				t.Fatalf("s(%d, %d) = %f", i, j, s.At(i, j))
			}
		}
	}
	if _, err = AsSymDense(mat.NewDense(2, 3, nil)); err == nil {
		t.Fatal("non square matrix can't be symmetric")
	}
	if _, err = AsSymDense(mat.NewDense(2, 2, []float64{1, 2, 3, 4})); err == nil {
		t.Fatal("non symmetric matrix accepted")
	}
}

func TestCheckMatDims(t *testing.T) {
	a := mat.NewDense(2, 3, nil)
	b := mat.NewDense(3, 2, nil)
	if err := checkMatDims(a, b, "a", "b", rows2cols); err != nil {
		t.Fatal(err)
	}
	if err := checkMatDims(a, b, "a", "b", rows2rows); err == nil {
		t.Fatal("2 rows cannot agree with 3 rows")
	}
	if err := checkMatDims(a, b, "a", "b", cols2cols); err == nil {
		t.Fatal("3 cols cannot agree with 2 cols")
	}
	if err := checkMatDims(a, a, "a", "a", rowsAndcols); err != nil {
		t.Fatal(err)
	}
	if err := checkMatDims(a, b, "a", "b", rowsAndcols); err == nil {
		t.Fatal("transposed dims cannot fully agree")
	}
}

func TestCheckVecDim(t *testing.T) {
	v := mat.NewVecDense(3, nil)
	if err := checkVecDim(v, 3, "v"); err != nil {
		t.Fatal(err)
	}
	if err := checkVecDim(v, 2, "v"); err == nil {
		t.Fatal("a 3 vector is not a 2 vector")
	}
}
