package gofactors

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrIndeterminantSystem reports that a dense solve encountered a singular or
// severely ill-conditioned system. Callers can test for it with errors.Is to
// decide on a fallback decomposition.
var ErrIndeterminantSystem = errors.New("system is indeterminant")

// DimensionAgreement defines how two matrices' dimensions should agree.
type DimensionAgreement uint8

const (
	dimErrMsg                    = "dimensions must agree: "
	rows2cols DimensionAgreement = iota + 1
	cols2rows
	cols2cols
	rows2rows
	rowsAndcols
)

// checkMatDims checks the matrix dimensions match provided a DimensionAgreement. Returns an error if not.
func checkMatDims(m1, m2 mat.Matrix, name1, name2 string, method DimensionAgreement) error {
	r1, c1 := m1.Dims()
	r2, c2 := m2.Dims()
	switch method {
	case rows2cols:
		if r1 != c2 {
			return fmt.Errorf("%s%s(%dx...) %s(...x%d)", dimErrMsg, name1, r1, name2, c2)
		}
	case cols2rows:
		if c1 != r2 {
			return fmt.Errorf("%s%s(...x%d) %s(%dx...)", dimErrMsg, name1, c1, name2, r2)
		}
	case cols2cols:
		if c1 != c2 {
			return fmt.Errorf("%s%s(...x%d) %s(...x%d)", dimErrMsg, name1, c1, name2, c2)
		}
	case rows2rows:
		if r1 != r2 {
			return fmt.Errorf("%s%s(%dx...) %s(%dx...)", dimErrMsg, name1, r1, name2, r2)
		}
	case rowsAndcols:
		if c1 != c2 || r1 != r2 {
			return fmt.Errorf("%s%s(%dx%d) %s(%dx%d)", dimErrMsg, name1, r1, c1, name2, r2, c2)
		}
	}
	return nil
}

// checkVecDim checks that a vector has the expected length.
func checkVecDim(v *mat.VecDense, dim int, name string) error {
	if v.Len() != dim {
		return fmt.Errorf("%s%s(%dx1) expected (%dx1)", dimErrMsg, name, v.Len(), dim)
	}
	return nil
}
