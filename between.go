package gofactors

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// BetweenFactor ties two manifold-valued variables through one measured
// relative transform: the predicted measurement is Between(p1, p2) and the
// residual is the local-coordinate difference to the measured value. The
// measured value is immutable after construction.
type BetweenFactor struct {
	key1, key2 Key
	measured   LieGroup
	noise      NoiseModel
	policy     ResidualPolicy
}

// NewBetweenFactor creates a relative-measurement factor with the fast
// residual policy. The noise model dimension must match the manifold
// dimension.
func NewBetweenFactor(key1, key2 Key, measured LieGroup, noise NoiseModel) (*BetweenFactor, error) {
	return NewBetweenFactorWithPolicy(key1, key2, measured, noise, FastResidual)
}

// NewBetweenFactorWithPolicy creates a relative-measurement factor with an
// explicit residual policy.
func NewBetweenFactorWithPolicy(key1, key2 Key, measured LieGroup, noise NoiseModel, policy ResidualPolicy) (*BetweenFactor, error) {
	if key1 == key2 {
		return nil, fmt.Errorf("a between factor requires two distinct keys, got %s twice", key1)
	}
	if noise != nil && noise.Dim() != measured.Dim() {
		return nil, fmt.Errorf("%snoise(%dx1) measured(%dx1)", dimErrMsg, noise.Dim(), measured.Dim())
	}
	return &BetweenFactor{key1, key2, measured, noise, policy}, nil
}

// NewBetweenConstraint creates a relative-measurement factor whose noise model
// forces the measurement to hold as a penalty-weighted equality constraint.
// The default penalty is mu = 1000; the weight scales monotonically with mu.
func NewBetweenConstraint(key1, key2 Key, measured LieGroup, mu float64) (*BetweenFactor, error) {
	if mu == 0 {
		mu = 1000
	}
	noise, err := NewConstrainedNoise(measured.Dim(), mu)
	if err != nil {
		return nil, err
	}
	return NewBetweenFactor(key1, key2, measured, noise)
}

// Keys returns the two variable keys.
func (f *BetweenFactor) Keys() []Key {
	return []Key{f.key1, f.key2}
}

// Measured returns the measured relative transform.
func (f *BetweenFactor) Measured() LieGroup {
	return f.measured
}

// Noise returns the noise model.
func (f *BetweenFactor) Noise() NoiseModel {
	return f.noise
}

// Policy returns the residual policy.
func (f *BetweenFactor) Policy() ResidualPolicy {
	return f.policy
}

// Evaluate computes the raw (unwhitened) residual at (p1, p2) and, when
// requested, the residual Jacobians with respect to both variables.
func (f *BetweenFactor) Evaluate(p1, p2 LieGroup, withJacobians bool) Evaluation {
	return evaluateBetween(f.measured, p1, p2, f.policy, withJacobians)
}

// evaluateBetween is the shared residual computation of the factor family:
// hx = Between(p1, p2), residual = Local(measured, hx).
func evaluateBetween(measured, p1, p2 LieGroup, policy ResidualPolicy, withJacobians bool) Evaluation {
	var j1, j2 *mat.Dense
	dim := measured.Dim()
	if withJacobians {
		j1 = mat.NewDense(dim, dim, nil)
		j2 = mat.NewDense(dim, dim, nil)
	}
	hx := p1.Between(p2, j1, j2)
	if policy == ExactResidual && withJacobians {
		jLocal := mat.NewDense(dim, dim, nil)
		residual := measured.Local(hx, jLocal)
		var c1, c2 mat.Dense
		c1.Mul(jLocal, j1)
		c2.Mul(jLocal, j2)
		j1.CloneFrom(&c1)
		j2.CloneFrom(&c2)
		return Evaluation{residual, j1, j2}
	}
	return Evaluation{measured.Local(hx, nil), j1, j2}
}

// Error returns half the squared whitened residual at (p1, p2).
func (f *BetweenFactor) Error(p1, p2 LieGroup) float64 {
	residual := f.Evaluate(p1, p2, false).Residual
	if f.noise != nil {
		residual = f.noise.Whiten(residual)
	}
	return 0.5 * mat.Dot(residual, residual)
}

// Linearize evaluates the factor at (p1, p2) and returns the whitened linear
// factor for the tangent-space system A·δx = b.
func (f *BetweenFactor) Linearize(p1, p2 LieGroup) (*JacobianFactor, error) {
	ev := f.Evaluate(p1, p2, true)
	b := mat.VecDenseCopyOf(ev.Residual)
	b.ScaleVec(-1, b)
	return NewBinaryJacobianFactor(f.key1, ev.J1, f.key2, ev.J2, b, f.noise)
}

// Clone returns a deep copy of the factor. The measured value is shared: it
// is immutable by contract.
func (f *BetweenFactor) Clone() *BetweenFactor {
	return &BetweenFactor{f.key1, f.key2, f.measured, f.noise, f.policy}
}

// Equals returns whether the keys, measured values and noise models match
// within a tolerance.
func (f *BetweenFactor) Equals(other *BetweenFactor, tol float64) bool {
	if f.key1 != other.key1 || f.key2 != other.key2 {
		return false
	}
	if !f.measured.Equals(other.measured, tol) {
		return false
	}
	if (f.noise == nil) != (other.noise == nil) {
		return false
	}
	return f.noise == nil || f.noise.Equals(other.noise, tol)
}

// String implements the Stringer interface.
func (f *BetweenFactor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "BetweenFactor(%s,%s)\n  measured: %s\n", f.key1, f.key2, f.measured)
	if f.noise != nil {
		fmt.Fprintf(&b, "  noise model: %s\n", f.noise)
	}
	return b.String()
}

// MHBetweenFactor is the multi-hypothesis variant of BetweenFactor: it holds
// an ordered list of candidate measurements and evaluates the residual of a
// single selected hypothesis. A mode index outside the hypothesis range
// selects the detached branch, which contributes nothing.
type MHBetweenFactor struct {
	key1, key2 Key
	measured   []LieGroup
	// noises holds one model per hypothesis; with a shared model every
	// entry references the same model.
	noises       []NoiseModel
	sharedNoise  bool
	isDetachable bool
	policy       ResidualPolicy
}

// NewMHBetweenFactor creates a multi-hypothesis factor whose hypotheses all
// share a single noise model.
func NewMHBetweenFactor(key1, key2 Key, measured []LieGroup, noise NoiseModel, isDetachable bool) (*MHBetweenFactor, error) {
	if err := checkMHArgs(key1, key2, measured); err != nil {
		return nil, err
	}
	noises := make([]NoiseModel, len(measured))
	for i, m := range measured {
		if noise != nil && noise.Dim() != m.Dim() {
			return nil, fmt.Errorf("%snoise(%dx1) measured#%d(%dx1)", dimErrMsg, noise.Dim(), i, m.Dim())
		}
		noises[i] = noise
	}
	return &MHBetweenFactor{key1, key2, measured, noises, true, isDetachable, FastResidual}, nil
}

// NewMHBetweenFactorPerMode creates a multi-hypothesis factor with one noise
// model per hypothesis. The model count must match the measurement count.
func NewMHBetweenFactorPerMode(key1, key2 Key, measured []LieGroup, noises []NoiseModel, isDetachable bool) (*MHBetweenFactor, error) {
	if err := checkMHArgs(key1, key2, measured); err != nil {
		return nil, err
	}
	if len(noises) != len(measured) {
		return nil, fmt.Errorf("%d noise models for %d hypotheses", len(noises), len(measured))
	}
	kept := make([]NoiseModel, len(noises))
	for i, n := range noises {
		if n != nil && n.Dim() != measured[i].Dim() {
			return nil, fmt.Errorf("%snoise#%d(%dx1) measured#%d(%dx1)", dimErrMsg, i, n.Dim(), i, measured[i].Dim())
		}
		kept[i] = n
	}
	return &MHBetweenFactor{key1, key2, measured, kept, false, isDetachable, FastResidual}, nil
}

func checkMHArgs(key1, key2 Key, measured []LieGroup) error {
	if key1 == key2 {
		return fmt.Errorf("a between factor requires two distinct keys, got %s twice", key1)
	}
	if len(measured) == 0 {
		return fmt.Errorf("at least one hypothesis must be provided")
	}
	return nil
}

// SetPolicy selects the residual policy for all hypotheses.
func (f *MHBetweenFactor) SetPolicy(policy ResidualPolicy) {
	f.policy = policy
}

// Keys returns the two variable keys.
func (f *MHBetweenFactor) Keys() []Key {
	return []Key{f.key1, f.key2}
}

// MeasuredAll returns the ordered hypothesis measurements.
func (f *MHBetweenFactor) MeasuredAll() []LieGroup {
	return f.measured
}

// NumModes returns the number of hypotheses.
func (f *MHBetweenFactor) NumModes() int {
	return len(f.measured)
}

// IsDetachable returns whether the factor may be evaluated as absent.
func (f *MHBetweenFactor) IsDetachable() bool {
	return f.isDetachable
}

// NoiseFor returns the noise model of one hypothesis index; out-of-range
// indices return nil.
func (f *MHBetweenFactor) NoiseFor(mode int) NoiseModel {
	if mode < 0 || mode >= len(f.noises) {
		return nil
	}
	return f.noises[mode]
}

// EvaluateSingle computes the residual of one hypothesis at (p1, p2). A mode
// outside [0, NumModes()) is the detached branch: the residual is the zero
// vector of the tangent dimension and requested Jacobians are zero matrices,
// so the factor contributes as if absent.
func (f *MHBetweenFactor) EvaluateSingle(p1, p2 LieGroup, mode int, withJacobians bool) Evaluation {
	if mode < 0 || mode >= len(f.measured) {
		dim := p1.Dim()
		ev := Evaluation{Residual: mat.NewVecDense(dim, nil)}
		if withJacobians {
			ev.J1 = mat.NewDense(dim, dim, nil)
			ev.J2 = mat.NewDense(dim, dim, nil)
		}
		return ev
	}
	return evaluateBetween(f.measured[mode], p1, p2, f.policy, withJacobians)
}

// ErrorSingle returns half the squared whitened residual of one hypothesis;
// the detached branch contributes zero.
func (f *MHBetweenFactor) ErrorSingle(p1, p2 LieGroup, mode int) float64 {
	residual := f.EvaluateSingle(p1, p2, mode, false).Residual
	if n := f.NoiseFor(mode); n != nil {
		residual = n.Whiten(residual)
	}
	return 0.5 * mat.Dot(residual, residual)
}

// LinearizeSingle linearizes one hypothesis at (p1, p2). The detached branch
// yields an all-zero linear factor of the tangent dimension.
func (f *MHBetweenFactor) LinearizeSingle(p1, p2 LieGroup, mode int) (*JacobianFactor, error) {
	ev := f.EvaluateSingle(p1, p2, mode, true)
	b := mat.VecDenseCopyOf(ev.Residual)
	b.ScaleVec(-1, b)
	return NewBinaryJacobianFactor(f.key1, ev.J1, f.key2, ev.J2, b, f.NoiseFor(mode))
}

// Clone returns a deep copy of the factor. The measured values are shared:
// they are immutable by contract.
func (f *MHBetweenFactor) Clone() *MHBetweenFactor {
	measured := make([]LieGroup, len(f.measured))
	copy(measured, f.measured)
	noises := make([]NoiseModel, len(f.noises))
	copy(noises, f.noises)
	return &MHBetweenFactor{f.key1, f.key2, measured, noises, f.sharedNoise, f.isDetachable, f.policy}
}

// Equals compares keys, detachability and every hypothesis with its noise
// model pairwise, in order.
func (f *MHBetweenFactor) Equals(other *MHBetweenFactor, tol float64) bool {
	if f.key1 != other.key1 || f.key2 != other.key2 || f.isDetachable != other.isDetachable {
		return false
	}
	if len(f.measured) != len(other.measured) {
		return false
	}
	for i, m := range f.measured {
		if !m.Equals(other.measured[i], tol) {
			return false
		}
		if (f.noises[i] == nil) != (other.noises[i] == nil) {
			return false
		}
		if f.noises[i] != nil && !f.noises[i].Equals(other.noises[i], tol) {
			return false
		}
	}
	return true
}

// String lists every hypothesis with its measurement and noise model.
func (f *MHBetweenFactor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "MHBetweenFactor(%s,%s) %d modes", f.key1, f.key2, len(f.measured))
	if f.isDetachable {
		b.WriteString(", detachable")
	}
	b.WriteString("\n")
	for i, m := range f.measured {
		fmt.Fprintf(&b, "  mode %d measured: %s\n", i, m)
		if f.noises[i] != nil {
			fmt.Fprintf(&b, "  mode %d noise model: %s\n", i, f.noises[i])
		}
	}
	return b.String()
}
