package gofactors

import "gonum.org/v1/gonum/mat"

// LieGroup is the capability contract a manifold value must satisfy to be
// usable as a relative measurement. The library never implements a manifold
// itself; concrete types (rigid transforms, rotations, vector spaces) are
// supplied by the caller.
//
// Jacobian output arguments are optional: passing nil means "not requested",
// and a non-nil *mat.Dense is resized and overwritten with the Dim()×Dim()
// Jacobian of the operation with respect to that argument.
type LieGroup interface {
	// Dim returns the tangent-space dimension.
	Dim() int
	// Between returns the relative transform from the receiver to other,
	// i.e. inverse(receiver) * other, optionally with Jacobians with
	// respect to the receiver and to other.
	Between(other LieGroup, jacSelf, jacOther *mat.Dense) LieGroup
	// Local returns the tangent-space coordinates of other relative to the
	// receiver (the logarithm map), optionally with the Jacobian with
	// respect to other (the chart Jacobian).
	Local(other LieGroup, jacOther *mat.Dense) *mat.VecDense
	// Retract applies a tangent-space update to the receiver.
	Retract(delta *mat.VecDense) LieGroup
	// Equals compares two values within a tolerance.
	Equals(other LieGroup, tol float64) bool
	// String implements the Stringer interface.
	String() string
}

// ResidualPolicy selects how a relative-measurement residual folds the chart
// Jacobian of the Local map into the returned factor Jacobians.
type ResidualPolicy uint8

const (
	// FastResidual assumes the chart Jacobian of Local is the identity and
	// returns the Between Jacobians unchanged. This is exact for groups
	// whose local coordinates are chart-independent and a first-order
	// approximation otherwise.
	FastResidual ResidualPolicy = iota
	// ExactResidual chains the chart Jacobian of Local through the Between
	// Jacobians.
	ExactResidual
)

// String implements the Stringer interface.
func (p ResidualPolicy) String() string {
	if p == ExactResidual {
		return "exact"
	}
	return "fast"
}

// Evaluation is the result of evaluating a relative-measurement factor.
// J1 and J2 are nil unless Jacobians were requested, which makes "not
// requested" a first-class state rather than an output-argument convention.
type Evaluation struct {
	Residual *mat.VecDense
	J1, J2   *mat.Dense
}
