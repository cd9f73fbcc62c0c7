package gofactors

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// NoiseModel allows to weight a residual and its Jacobians consistently.
type NoiseModel interface {
	Dim() int                                     // Dimension of the residuals this model applies to
	Whiten(v *mat.VecDense) *mat.VecDense         // Returns the whitened residual
	WhitenSystem(A []*mat.Dense, b *mat.VecDense) // Whitens Jacobian blocks and rhs in place
	IsConstrained() bool                          // Whether this model approximates a hard constraint
	Equals(other NoiseModel, tol float64) bool
	String() string // Stringer interface implementation
}

// UnitNoise is a unit-covariance Gaussian noise model: whitening is the identity.
type UnitNoise struct {
	dim int
}

// NewUnitNoise creates a unit noise model of the given dimension.
func NewUnitNoise(dim int) (*UnitNoise, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("noise dimension must be positive, got %d", dim)
	}
	return &UnitNoise{dim}, nil
}

// Dim implements the NoiseModel interface.
func (n UnitNoise) Dim() int {
	return n.dim
}

// Whiten implements the NoiseModel interface.
func (n UnitNoise) Whiten(v *mat.VecDense) *mat.VecDense {
	return mat.VecDenseCopyOf(v)
}

// WhitenSystem implements the NoiseModel interface.
func (n UnitNoise) WhitenSystem(A []*mat.Dense, b *mat.VecDense) {}

// IsConstrained implements the NoiseModel interface.
func (n UnitNoise) IsConstrained() bool {
	return false
}

// Equals implements the NoiseModel interface.
func (n UnitNoise) Equals(other NoiseModel, tol float64) bool {
	o, ok := other.(*UnitNoise)
	return ok && o.dim == n.dim
}

// String implements the Stringer interface.
func (n UnitNoise) String() string {
	return fmt.Sprintf("UnitNoise{dim=%d}", n.dim)
}

// IsotropicNoise is a Gaussian noise model with a single standard deviation
// shared by all residual components.
type IsotropicNoise struct {
	dim   int
	sigma float64
}

// NewIsotropicNoise creates an isotropic noise model from a standard deviation.
func NewIsotropicNoise(dim int, sigma float64) (*IsotropicNoise, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("noise dimension must be positive, got %d", dim)
	}
	if sigma <= 0 {
		return nil, fmt.Errorf("standard deviation must be positive, got %f", sigma)
	}
	return &IsotropicNoise{dim, sigma}, nil
}

// Dim implements the NoiseModel interface.
func (n IsotropicNoise) Dim() int {
	return n.dim
}

// Whiten implements the NoiseModel interface.
func (n IsotropicNoise) Whiten(v *mat.VecDense) *mat.VecDense {
	w := mat.VecDenseCopyOf(v)
	w.ScaleVec(1/n.sigma, w)
	return w
}

// WhitenSystem implements the NoiseModel interface.
func (n IsotropicNoise) WhitenSystem(A []*mat.Dense, b *mat.VecDense) {
	for _, a := range A {
		a.Scale(1/n.sigma, a)
	}
	b.ScaleVec(1/n.sigma, b)
}

// IsConstrained implements the NoiseModel interface.
func (n IsotropicNoise) IsConstrained() bool {
	return false
}

// Equals implements the NoiseModel interface.
func (n IsotropicNoise) Equals(other NoiseModel, tol float64) bool {
	o, ok := other.(*IsotropicNoise)
	return ok && o.dim == n.dim && scalar.EqualWithinAbs(o.sigma, n.sigma, tol)
}

// String implements the Stringer interface.
func (n IsotropicNoise) String() string {
	return fmt.Sprintf("IsotropicNoise{dim=%d, σ=%g}", n.dim, n.sigma)
}

// DiagonalNoise is a Gaussian noise model with one standard deviation per
// residual component.
type DiagonalNoise struct {
	sigmas *mat.VecDense
}

// NewDiagonalNoise creates a diagonal noise model from per-component standard
// deviations.
func NewDiagonalNoise(sigmas ...float64) (*DiagonalNoise, error) {
	if len(sigmas) == 0 {
		return nil, errors.New("at least one standard deviation must be provided")
	}
	for i, s := range sigmas {
		if s <= 0 {
			return nil, fmt.Errorf("standard deviation #%d must be positive, got %f", i, s)
		}
	}
	return &DiagonalNoise{mat.NewVecDense(len(sigmas), sigmas)}, nil
}

// Dim implements the NoiseModel interface.
func (n DiagonalNoise) Dim() int {
	return n.sigmas.Len()
}

// Whiten implements the NoiseModel interface.
func (n DiagonalNoise) Whiten(v *mat.VecDense) *mat.VecDense {
	w := mat.VecDenseCopyOf(v)
	for i := 0; i < w.Len(); i++ {
		w.SetVec(i, w.AtVec(i)/n.sigmas.AtVec(i))
	}
	return w
}

// WhitenSystem implements the NoiseModel interface.
func (n DiagonalNoise) WhitenSystem(A []*mat.Dense, b *mat.VecDense) {
	for _, a := range A {
		r, c := a.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				a.Set(i, j, a.At(i, j)/n.sigmas.AtVec(i))
			}
		}
	}
	for i := 0; i < b.Len(); i++ {
		b.SetVec(i, b.AtVec(i)/n.sigmas.AtVec(i))
	}
}

// IsConstrained implements the NoiseModel interface.
func (n DiagonalNoise) IsConstrained() bool {
	return false
}

// Equals implements the NoiseModel interface.
func (n DiagonalNoise) Equals(other NoiseModel, tol float64) bool {
	o, ok := other.(*DiagonalNoise)
	if !ok || o.Dim() != n.Dim() {
		return false
	}
	for i := 0; i < n.sigmas.Len(); i++ {
		if !scalar.EqualWithinAbs(o.sigmas.AtVec(i), n.sigmas.AtVec(i), tol) {
			return false
		}
	}
	return true
}

// String implements the Stringer interface.
func (n DiagonalNoise) String() string {
	return fmt.Sprintf("DiagonalNoise{σ=%v}", mat.Formatted(n.sigmas.T()))
}

// GaussianNoise is a full-covariance Gaussian noise model. Whitening applies
// the inverse of the lower Cholesky factor of the covariance.
type GaussianNoise struct {
	covar    *mat.SymDense
	whitener *mat.Dense // inverse of the lower Cholesky factor of covar
}

// NewGaussianNoise creates a noise model from a full covariance matrix. The
// covariance must be symmetric positive definite.
func NewGaussianNoise(covar *mat.SymDense) (*GaussianNoise, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(covar); !ok {
		return nil, fmt.Errorf("covariance is not positive definite: %w", ErrIndeterminantSystem)
	}
	var l mat.TriDense
	chol.LTo(&l)
	var whitener mat.Dense
	if err := whitener.Inverse(&l); err != nil {
		return nil, fmt.Errorf("covariance factor is not invertible: %w", ErrIndeterminantSystem)
	}
	kept := mat.NewSymDense(covar.SymmetricDim(), nil)
	kept.CopySym(covar)
	return &GaussianNoise{kept, &whitener}, nil
}

// Dim implements the NoiseModel interface.
func (n GaussianNoise) Dim() int {
	r, _ := n.whitener.Dims()
	return r
}

// Whiten implements the NoiseModel interface.
func (n GaussianNoise) Whiten(v *mat.VecDense) *mat.VecDense {
	w := mat.NewVecDense(v.Len(), nil)
	w.MulVec(n.whitener, v)
	return w
}

// WhitenSystem implements the NoiseModel interface.
func (n GaussianNoise) WhitenSystem(A []*mat.Dense, b *mat.VecDense) {
	for _, a := range A {
		var wa mat.Dense
		wa.Mul(n.whitener, a)
		a.CloneFrom(&wa)
	}
	var wb mat.VecDense
	wb.MulVec(n.whitener, b)
	b.CloneFromVec(&wb)
}

// IsConstrained implements the NoiseModel interface.
func (n GaussianNoise) IsConstrained() bool {
	return false
}

// Sample draws a zero-mean perturbation distributed per this model's
// covariance, e.g. to corrupt synthetic measurements.
func (n GaussianNoise) Sample(src rand.Source) (*mat.VecDense, error) {
	normal, ok := distmv.NewNormal(make([]float64, n.Dim()), n.covar, src)
	if !ok {
		return nil, fmt.Errorf("covariance is not positive definite: %w", ErrIndeterminantSystem)
	}
	return mat.NewVecDense(n.Dim(), normal.Rand(nil)), nil
}

// Equals implements the NoiseModel interface.
func (n GaussianNoise) Equals(other NoiseModel, tol float64) bool {
	o, ok := other.(*GaussianNoise)
	return ok && mat.EqualApprox(o.covar, n.covar, tol)
}

// String implements the Stringer interface.
func (n GaussianNoise) String() string {
	return fmt.Sprintf("GaussianNoise{\nΣ=%v}", mat.Formatted(n.covar, mat.Prefix("  ")))
}

// ConstrainedNoise approximates an equality constraint by a diagonal model of
// precision mu: the whitening weight is √mu on every component, so the
// effective penalty scales monotonically with mu.
type ConstrainedNoise struct {
	dim    int
	mu     float64
	weight float64
}

// NewConstrainedNoise creates a hard-constraint noise model with penalty mu.
func NewConstrainedNoise(dim int, mu float64) (*ConstrainedNoise, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("noise dimension must be positive, got %d", dim)
	}
	if mu == 0 {
		return nil, errors.New("constraint penalty must be non-zero")
	}
	mu = math.Abs(mu)
	return &ConstrainedNoise{dim, mu, math.Sqrt(mu)}, nil
}

// Dim implements the NoiseModel interface.
func (n ConstrainedNoise) Dim() int {
	return n.dim
}

// Mu returns the constraint penalty.
func (n ConstrainedNoise) Mu() float64 {
	return n.mu
}

// Whiten implements the NoiseModel interface.
func (n ConstrainedNoise) Whiten(v *mat.VecDense) *mat.VecDense {
	w := mat.VecDenseCopyOf(v)
	w.ScaleVec(n.weight, w)
	return w
}

// WhitenSystem implements the NoiseModel interface.
func (n ConstrainedNoise) WhitenSystem(A []*mat.Dense, b *mat.VecDense) {
	for _, a := range A {
		a.Scale(n.weight, a)
	}
	b.ScaleVec(n.weight, b)
}

// IsConstrained implements the NoiseModel interface.
func (n ConstrainedNoise) IsConstrained() bool {
	return true
}

// Equals implements the NoiseModel interface.
func (n ConstrainedNoise) Equals(other NoiseModel, tol float64) bool {
	o, ok := other.(*ConstrainedNoise)
	return ok && o.dim == n.dim && scalar.EqualWithinAbs(o.mu, n.mu, tol)
}

// String implements the Stringer interface.
func (n ConstrainedNoise) String() string {
	return fmt.Sprintf("ConstrainedNoise{dim=%d, μ=%g}", n.dim, n.mu)
}
