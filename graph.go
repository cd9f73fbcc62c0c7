package gofactors

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// GaussianFactorGraph is an ordered collection of linear factors over a shared
// variable-key space. A nil entry marks a removed factor; removed slots are
// kept so that outside indices into the factor list stay valid, and every
// operation skips them silently.
type GaussianFactorGraph struct {
	factors []GaussianFactor
}

// NewGaussianFactorGraph returns an empty linear factor graph.
func NewGaussianFactorGraph() *GaussianFactorGraph {
	return &GaussianFactorGraph{}
}

// Add appends a factor and returns its slot index.
func (g *GaussianFactorGraph) Add(f GaussianFactor) int {
	g.factors = append(g.factors, f)
	return len(g.factors) - 1
}

// AddUnary appends a single-variable measurement factor.
func (g *GaussianFactorGraph) AddUnary(k Key, A *mat.Dense, b *mat.VecDense, model NoiseModel) error {
	f, err := NewUnaryJacobianFactor(k, A, b, model)
	if err != nil {
		return err
	}
	g.Add(f)
	return nil
}

// AddBinary appends a two-variable measurement factor.
func (g *GaussianFactorGraph) AddBinary(k1 Key, A1 *mat.Dense, k2 Key, A2 *mat.Dense, b *mat.VecDense, model NoiseModel) error {
	f, err := NewBinaryJacobianFactor(k1, A1, k2, A2, b, model)
	if err != nil {
		return err
	}
	g.Add(f)
	return nil
}

// AddTerms appends an n-ary measurement factor.
func (g *GaussianFactorGraph) AddTerms(terms []Term, b *mat.VecDense, model NoiseModel) error {
	f, err := NewJacobianFactor(terms, b, model)
	if err != nil {
		return err
	}
	g.Add(f)
	return nil
}

// Remove marks the slot at index i as removed. Indices of the other slots are
// unaffected.
func (g *GaussianFactorGraph) Remove(i int) {
	g.factors[i] = nil
}

// At returns the factor in slot i, nil for a removed slot.
func (g *GaussianFactorGraph) At(i int) GaussianFactor {
	return g.factors[i]
}

// Len returns the number of slots, including removed ones.
func (g *GaussianFactorGraph) Len() int {
	return len(g.factors)
}

// Keys returns the union of variable keys referenced by the live factors.
func (g *GaussianFactorGraph) Keys() KeySet {
	keys := make(KeySet)
	for _, f := range g.factors {
		if f == nil {
			continue
		}
		for _, k := range f.Keys() {
			keys.Add(k)
		}
	}
	return keys
}

// KeyDims returns the tangent dimension of every referenced variable, derived
// from factor structure.
func (g *GaussianFactorGraph) KeyDims() map[Key]int {
	dims := make(map[Key]int)
	for _, f := range g.factors {
		if f == nil {
			continue
		}
		for _, k := range f.Keys() {
			dims[k] = f.Dim(k)
		}
	}
	return dims
}

// Error returns the sum of each live factor's error at x.
func (g *GaussianFactorGraph) Error(x VectorValues) float64 {
	var total float64
	for _, f := range g.factors {
		if f != nil {
			total += f.Error(x)
		}
	}
	return total
}

// ProbPrime returns the unnormalized likelihood exp(−0.5·Error(x)).
func (g *GaussianFactorGraph) ProbPrime(x VectorValues) float64 {
	return math.Exp(-0.5 * g.Error(x))
}

// Equals compares two graphs slot by slot within a tolerance, including the
// placement of removed slots.
func (g *GaussianFactorGraph) Equals(other *GaussianFactorGraph, tol float64) bool {
	if len(g.factors) != len(other.factors) {
		return false
	}
	for i, f := range g.factors {
		o := other.factors[i]
		if (f == nil) != (o == nil) {
			return false
		}
		if f != nil && !f.Equals(o, tol) {
			return false
		}
	}
	return true
}

// Clone performs a deep copy of the graph including every factor. Removed
// slots are preserved, so indices into the original remain valid for the
// clone.
func (g *GaussianFactorGraph) Clone() *GaussianFactorGraph {
	c := &GaussianFactorGraph{factors: make([]GaussianFactor, len(g.factors))}
	for i, f := range g.factors {
		if f != nil {
			c.factors[i] = f.Clone()
		}
	}
	return c
}

// CloneCompact returns a structural copy sharing the factor handles, with
// removed slots dropped. Indices are not preserved.
func (g *GaussianFactorGraph) CloneCompact() *GaussianFactorGraph {
	c := &GaussianFactorGraph{}
	for _, f := range g.factors {
		if f != nil {
			c.factors = append(c.factors, f)
		}
	}
	return c
}

// Negate returns the anti-graph: each live factor's information negated.
// All factors become information-form since negated information has no
// measurement form. Removed slots are preserved.
func (g *GaussianFactorGraph) Negate() *GaussianFactorGraph {
	n := &GaussianFactorGraph{factors: make([]GaussianFactor, len(g.factors))}
	for i, f := range g.factors {
		if f != nil {
			n.factors[i] = f.Negate()
		}
	}
	return n
}

// columnLayout computes per-key column offsets for a dense assembly ordered by
// the given ordering, or the natural key order if ordering is nil. Every key
// referenced by the graph must appear in the ordering exactly once.
func (g *GaussianFactorGraph) columnLayout(ordering Ordering) (map[Key]int, int, error) {
	dims := g.KeyDims()
	if ordering == nil {
		ordering = NaturalOrdering(g.Keys())
	}
	offsets := make(map[Key]int, len(ordering))
	col := 0
	for _, k := range ordering {
		d, found := dims[k]
		if !found {
			return nil, 0, fmt.Errorf("ordering contains key %s not present in the graph", k)
		}
		if _, dup := offsets[k]; dup {
			return nil, 0, fmt.Errorf("ordering contains key %s twice", k)
		}
		offsets[k] = col
		col += d
	}
	if len(offsets) != len(dims) {
		return nil, 0, fmt.Errorf("ordering covers %d of %d graph keys", len(offsets), len(dims))
	}
	return offsets, col, nil
}

// jacobianFactors returns every live factor in measurement form, converting
// information-form factors through their Cholesky factor.
func (g *GaussianFactorGraph) jacobianFactors() ([]*JacobianFactor, error) {
	var out []*JacobianFactor
	for _, f := range g.factors {
		switch jf := f.(type) {
		case nil:
		case *JacobianFactor:
			out = append(out, jf)
		case *HessianFactor:
			conv, err := jf.AsJacobian()
			if err != nil {
				return nil, err
			}
			out = append(out, conv)
		default:
			return nil, fmt.Errorf("factor type %T has no measurement form", f)
		}
	}
	return out, nil
}

// AugmentedJacobian returns the dense augmented matrix [A b] with the noise
// models baked in. A nil ordering means the natural key order.
func (g *GaussianFactorGraph) AugmentedJacobian(ordering Ordering) (*mat.Dense, error) {
	offsets, n, err := g.columnLayout(ordering)
	if err != nil {
		return nil, err
	}
	jfs, err := g.jacobianFactors()
	if err != nil {
		return nil, err
	}
	rows := 0
	for _, f := range jfs {
		rows += f.Rows()
	}
	ab := mat.NewDense(rows, n+1, nil)
	row := 0
	for _, f := range jfs {
		for _, k := range f.Keys() {
			block := f.Block(k)
			r, c := block.Dims()
			ab.Slice(row, row+r, offsets[k], offsets[k]+c).(*mat.Dense).Copy(block)
		}
		for i := 0; i < f.Rows(); i++ {
			ab.Set(row+i, n, f.RHS().AtVec(i))
		}
		row += f.Rows()
	}
	return ab, nil
}

// Jacobian returns the dense whitened Jacobian A and right-hand side b such
// that the negative log-likelihood is 0.5‖Ax − b‖².
func (g *GaussianFactorGraph) Jacobian(ordering Ordering) (*mat.Dense, *mat.VecDense, error) {
	ab, err := g.AugmentedJacobian(ordering)
	if err != nil {
		return nil, nil, err
	}
	rows, cols := ab.Dims()
	n := cols - 1
	A := mat.DenseCopyOf(ab.Slice(0, rows, 0, n))
	b := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		b.SetVec(i, ab.At(i, n))
	}
	return A, b, nil
}

// AugmentedHessian returns the dense augmented information matrix
// [Λ η; ηᵗ c], accumulated factor by factor.
func (g *GaussianFactorGraph) AugmentedHessian(ordering Ordering) (*mat.SymDense, error) {
	offsets, n, err := g.columnLayout(ordering)
	if err != nil {
		return nil, err
	}
	info := mat.NewSymDense(n+1, nil)
	for _, f := range g.factors {
		if f == nil {
			continue
		}
		keys := f.Keys()
		finfo := f.AugmentedInformation()
		// Column offsets of each block inside the factor's own layout.
		local := make([]int, len(keys)+1)
		for i, k := range keys {
			local[i+1] = local[i] + f.Dim(k)
		}
		fn := finfo.SymmetricDim() - 1
		global := func(idx int) int {
			if idx == fn {
				return n
			}
			for i := len(keys) - 1; i >= 0; i-- {
				if idx >= local[i] {
					return offsets[keys[i]] + idx - local[i]
				}
			}
			return -1
		}
		for i := 0; i <= fn; i++ {
			gi := global(i)
			for j := i; j <= fn; j++ {
				gj := global(j)
				r, c := gi, gj
				if r > c {
					r, c = c, r
				}
				info.SetSym(r, c, info.At(r, c)+finfo.At(i, j))
			}
		}
	}
	return info, nil
}

// Hessian returns the dense normal-equations system Λ = AᵗA and η = Aᵗb.
func (g *GaussianFactorGraph) Hessian(ordering Ordering) (*mat.SymDense, *mat.VecDense, error) {
	info, err := g.AugmentedHessian(ordering)
	if err != nil {
		return nil, nil, err
	}
	n := info.SymmetricDim() - 1
	lambda := mat.NewSymDense(n, nil)
	lambda.CopySym(info.SliceSym(0, n).(*mat.SymDense))
	eta := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		eta.SetVec(i, info.At(i, n))
	}
	return lambda, eta, nil
}

// HessianDiagonal returns the diagonal of the implicit Hessian AᵗA without
// materializing it.
func (g *GaussianFactorGraph) HessianDiagonal() VectorValues {
	d := make(VectorValues)
	for _, f := range g.factors {
		if f != nil {
			f.HessianDiagonal(d)
		}
	}
	return d
}

// HessianBlockDiagonal returns the per-variable diagonal blocks of the
// implicit Hessian.
func (g *GaussianFactorGraph) HessianBlockDiagonal() map[Key]*mat.Dense {
	out := make(map[Key]*mat.Dense)
	for _, f := range g.factors {
		if f == nil {
			continue
		}
		for k, block := range f.HessianBlockDiagonal() {
			if acc, found := out[k]; found {
				acc.Add(acc, block)
			} else {
				out[k] = block
			}
		}
	}
	return out
}

// Gradient returns Aᵗ(Ax₀ − b) at the given point, factor by factor.
func (g *GaussianFactorGraph) Gradient(x0 VectorValues) VectorValues {
	grad := NewZeroVectorValues(g.KeyDims())
	for _, f := range g.factors {
		if f != nil {
			f.GradientAdd(x0, grad)
		}
	}
	return grad
}

// GradientAtZero returns the gradient −Aᵗb evaluated at x = 0.
func (g *GaussianFactorGraph) GradientAtZero() VectorValues {
	return g.Gradient(VectorValues{})
}

// GaussianErrors returns A·x − b for each live factor; removed slots yield a
// nil entry so the list aligns with factor indices.
func (g *GaussianFactorGraph) GaussianErrors(x VectorValues) (FactorErrors, error) {
	errs := make(FactorErrors, len(g.factors))
	for i, f := range g.factors {
		if f == nil {
			continue
		}
		jf, ok := f.(*JacobianFactor)
		if !ok {
			hf, isHessian := f.(*HessianFactor)
			if !isHessian {
				return nil, fmt.Errorf("factor type %T has no measurement form", f)
			}
			var err error
			if jf, err = hf.AsJacobian(); err != nil {
				return nil, err
			}
		}
		errs[i] = jf.UnweightedResidual(x)
	}
	return errs, nil
}

// Multiply returns A·x for each live factor, aligned with factor indices.
func (g *GaussianFactorGraph) Multiply(x VectorValues) (FactorErrors, error) {
	errs := make(FactorErrors, len(g.factors))
	for i, f := range g.factors {
		if f == nil {
			continue
		}
		jf, ok := f.(*JacobianFactor)
		if !ok {
			hf, isHessian := f.(*HessianFactor)
			if !isHessian {
				return nil, fmt.Errorf("factor type %T has no measurement form", f)
			}
			var err error
			if jf, err = hf.AsJacobian(); err != nil {
				return nil, err
			}
		}
		errs[i] = jf.Multiply(x)
	}
	return errs, nil
}

// MultiplyInPlace overwrites e with A·x, slot-aligned like Multiply.
func (g *GaussianFactorGraph) MultiplyInPlace(x VectorValues, e FactorErrors) error {
	if len(e) != len(g.factors) {
		return fmt.Errorf("residual list has %d slots, graph has %d", len(e), len(g.factors))
	}
	fresh, err := g.Multiply(x)
	if err != nil {
		return err
	}
	copy(e, fresh)
	return nil
}

// TransposeMultiply returns Aᵗe accumulated over all live factors. The
// residual list must be slot-aligned with the graph.
func (g *GaussianFactorGraph) TransposeMultiply(e FactorErrors) (VectorValues, error) {
	x := NewZeroVectorValues(g.KeyDims())
	if err := g.TransposeMultiplyAdd(1, e, x); err != nil {
		return nil, err
	}
	return x, nil
}

// TransposeMultiplyAdd accumulates x += alpha·Aᵗe.
func (g *GaussianFactorGraph) TransposeMultiplyAdd(alpha float64, e FactorErrors, x VectorValues) error {
	if len(e) != len(g.factors) {
		return fmt.Errorf("residual list has %d slots, graph has %d", len(e), len(g.factors))
	}
	for i, f := range g.factors {
		if f == nil || e[i] == nil {
			continue
		}
		jf, ok := f.(*JacobianFactor)
		if !ok {
			return fmt.Errorf("factor type %T has no measurement form", f)
		}
		jf.TransposeMultiplyAdd(alpha, e[i], x)
	}
	return nil
}

// MultiplyHessianAdd accumulates y += alpha·AᵗAx without forming the Hessian.
func (g *GaussianFactorGraph) MultiplyHessianAdd(alpha float64, x, y VectorValues) {
	for _, f := range g.factors {
		if f != nil {
			f.MultiplyHessianAdd(alpha, x, y)
		}
	}
}

// OptimizeDensely solves the normal equations Λδx = η with a dense Cholesky
// factorization, bypassing elimination. Small systems and diagnostics only.
func (g *GaussianFactorGraph) OptimizeDensely() (VectorValues, error) {
	ordering := NaturalOrdering(g.Keys())
	lambda, eta, err := g.Hessian(ordering)
	if err != nil {
		return nil, err
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(lambda); !ok {
		return nil, fmt.Errorf("normal equations are not positive definite: %w", ErrIndeterminantSystem)
	}
	var delta mat.VecDense
	if err := chol.SolveVecTo(&delta, eta); err != nil {
		return nil, fmt.Errorf("dense solve failed: %w", ErrIndeterminantSystem)
	}
	return unstack(&delta, ordering, g.KeyDims()), nil
}

// OptimizeGradientSearch performs a closed-form line search along the gradient
// evaluated at δx = 0: δx = α̂·g with α̂ = −(gᵗg)/(gᵗGg). The denominator is
// the squared norm of the residual-matrix application to g, accumulated factor
// by factor, so the Hessian G is never materialized.
func (g *GaussianFactorGraph) OptimizeGradientSearch() (VectorValues, error) {
	grad := g.GradientAtZero()
	num := grad.SquaredNorm()
	if num == 0 {
		return grad, nil
	}
	gg := NewZeroVectorValues(g.KeyDims())
	g.MultiplyHessianAdd(1, grad, gg)
	denom := grad.Dot(gg)
	if denom <= 0 {
		return nil, fmt.Errorf("gradient direction has non-positive curvature: %w", ErrIndeterminantSystem)
	}
	return grad.Scale(-num / denom), nil
}

// unstack splits a stacked solution vector back into per-key entries.
func unstack(v *mat.VecDense, ordering Ordering, dims map[Key]int) VectorValues {
	x := make(VectorValues, len(ordering))
	off := 0
	for _, k := range ordering {
		d := dims[k]
		kv := mat.NewVecDense(d, nil)
		for i := 0; i < d; i++ {
			kv.SetVec(i, v.AtVec(off+i))
		}
		x[k] = kv
		off += d
	}
	return x
}

// HasConstraints returns true if any live factor carries a hard-constraint
// noise model.
func HasConstraints(g *GaussianFactorGraph) bool {
	for _, f := range g.factors {
		if f != nil && f.IsConstrained() {
			return true
		}
	}
	return false
}

// String implements the Stringer interface.
func (g *GaussianFactorGraph) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "GaussianFactorGraph with %d slots:\n", len(g.factors))
	for i, f := range g.factors {
		if f == nil {
			fmt.Fprintf(&b, "#%d: removed\n", i)
			continue
		}
		fmt.Fprintf(&b, "#%d: %s", i, f)
	}
	return b.String()
}
