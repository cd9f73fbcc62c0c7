package gofactors

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// GaussianFactor is a linear (already-linearized) factor contributing a
// quadratic error term over a subset of variables.
type GaussianFactor interface {
	Keys() []Key                 // Variable keys in term order
	Dim(k Key) int               // Tangent dimension of one variable, 0 if absent
	Error(x VectorValues) float64 // 0.5 times the squared whitened residual at x
	Clone() GaussianFactor       // Deep copy
	Negate() GaussianFactor      // Information-form negation (anti-factor)
	// AugmentedInformation returns [Λ η; ηᵗ c] over this factor's keys in
	// Keys() order, where the negative log-likelihood is
	// 0.5 xᵗΛx − ηᵗx + 0.5 c.
	AugmentedInformation() *mat.SymDense
	HessianDiagonal(into VectorValues)       // into += diag(Λ), per key block
	HessianBlockDiagonal() map[Key]*mat.Dense // key → diagonal block of Λ
	GradientAdd(x VectorValues, g VectorValues) // g += Λx − η
	MultiplyHessianAdd(alpha float64, x, y VectorValues) // y += alpha·Λx
	IsConstrained() bool // Whether the underlying noise is a hard constraint
	Equals(other GaussianFactor, tol float64) bool
	String() string // Stringer interface implementation
}

// Term is one (key, Jacobian block) pair of a linear factor.
type Term struct {
	Key Key
	A   *mat.Dense
}

// JacobianFactor is a Gaussian factor in measurement form: its negative
// log-likelihood is 0.5‖A·x − b‖² with the noise model already baked into A
// and b at construction.
type JacobianFactor struct {
	keys        []Key
	blocks      []*mat.Dense
	b           *mat.VecDense
	constrained bool
}

// NewJacobianFactor creates a linear factor from Jacobian terms, a right-hand
// side and an optional noise model. A nil model means A and b are already
// whitened. The same key may not appear twice, every block must have as many
// rows as b, and a non-nil model must match the row count.
func NewJacobianFactor(terms []Term, b *mat.VecDense, model NoiseModel) (*JacobianFactor, error) {
	if len(terms) == 0 {
		return nil, fmt.Errorf("a linear factor requires at least one term")
	}
	seen := make(KeySet, len(terms))
	keys := make([]Key, len(terms))
	blocks := make([]*mat.Dense, len(terms))
	for i, t := range terms {
		if seen.Contains(t.Key) {
			return nil, fmt.Errorf("duplicate key %s in linear factor", t.Key)
		}
		seen.Add(t.Key)
		if err := checkMatDims(t.A, b, fmt.Sprintf("A[%s]", t.Key), "b", rows2rows); err != nil {
			return nil, err
		}
		keys[i] = t.Key
		blocks[i] = mat.DenseCopyOf(t.A)
	}
	rhs := mat.VecDenseCopyOf(b)
	constrained := false
	if model != nil {
		if err := checkVecDim(rhs, model.Dim(), "b"); err != nil {
			return nil, err
		}
		model.WhitenSystem(blocks, rhs)
		constrained = model.IsConstrained()
	}
	return &JacobianFactor{keys, blocks, rhs, constrained}, nil
}

// NewUnaryJacobianFactor creates a linear factor over a single variable.
func NewUnaryJacobianFactor(k Key, A *mat.Dense, b *mat.VecDense, model NoiseModel) (*JacobianFactor, error) {
	return NewJacobianFactor([]Term{{k, A}}, b, model)
}

// NewBinaryJacobianFactor creates a linear factor over two variables.
func NewBinaryJacobianFactor(k1 Key, A1 *mat.Dense, k2 Key, A2 *mat.Dense, b *mat.VecDense, model NoiseModel) (*JacobianFactor, error) {
	return NewJacobianFactor([]Term{{k1, A1}, {k2, A2}}, b, model)
}

// Keys implements the GaussianFactor interface.
func (f *JacobianFactor) Keys() []Key {
	return f.keys
}

// Rows returns the number of whitened residual rows.
func (f *JacobianFactor) Rows() int {
	return f.b.Len()
}

// Dim implements the GaussianFactor interface.
func (f *JacobianFactor) Dim(k Key) int {
	for i, key := range f.keys {
		if key == k {
			_, c := f.blocks[i].Dims()
			return c
		}
	}
	return 0
}

// Block returns the whitened Jacobian block for a key, or nil if absent.
func (f *JacobianFactor) Block(k Key) *mat.Dense {
	for i, key := range f.keys {
		if key == k {
			return f.blocks[i]
		}
	}
	return nil
}

// RHS returns the whitened right-hand side b.
func (f *JacobianFactor) RHS() *mat.VecDense {
	return f.b
}

// UnweightedResidual returns A·x − b. Keys missing from x count as zero.
func (f *JacobianFactor) UnweightedResidual(x VectorValues) *mat.VecDense {
	e := f.Multiply(x)
	e.SubVec(e, f.b)
	return e
}

// Multiply returns A·x. Keys missing from x count as zero.
func (f *JacobianFactor) Multiply(x VectorValues) *mat.VecDense {
	e := mat.NewVecDense(f.b.Len(), nil)
	for i, k := range f.keys {
		if v, found := x[k]; found {
			var t mat.VecDense
			t.MulVec(f.blocks[i], v)
			e.AddVec(e, &t)
		}
	}
	return e
}

// TransposeMultiplyAdd accumulates x += alpha·Aᵗe.
func (f *JacobianFactor) TransposeMultiplyAdd(alpha float64, e *mat.VecDense, x VectorValues) {
	for i, k := range f.keys {
		_, c := f.blocks[i].Dims()
		var t mat.VecDense
		t.MulVec(f.blocks[i].T(), e)
		if v, found := x[k]; found {
			v.AddScaledVec(v, alpha, &t)
		} else {
			v = mat.NewVecDense(c, nil)
			v.AddScaledVec(v, alpha, &t)
			x[k] = v
		}
	}
}

// Error implements the GaussianFactor interface.
func (f *JacobianFactor) Error(x VectorValues) float64 {
	e := f.UnweightedResidual(x)
	return 0.5 * mat.Dot(e, e)
}

// Clone implements the GaussianFactor interface.
func (f *JacobianFactor) Clone() GaussianFactor {
	keys := make([]Key, len(f.keys))
	copy(keys, f.keys)
	blocks := make([]*mat.Dense, len(f.blocks))
	for i, a := range f.blocks {
		blocks[i] = mat.DenseCopyOf(a)
	}
	return &JacobianFactor{keys, blocks, mat.VecDenseCopyOf(f.b), f.constrained}
}

// Negate implements the GaussianFactor interface. Negated information is not
// representable in measurement form, so the result is a negated HessianFactor.
func (f *JacobianFactor) Negate() GaussianFactor {
	return NewHessianFactorFromJacobian(f).Negate()
}

// AugmentedInformation implements the GaussianFactor interface.
func (f *JacobianFactor) AugmentedInformation() *mat.SymDense {
	n := 0
	for _, a := range f.blocks {
		_, c := a.Dims()
		n += c
	}
	// Stack [A b] and form [A b]ᵗ[A b].
	ab := mat.NewDense(f.b.Len(), n+1, nil)
	col := 0
	for _, a := range f.blocks {
		r, c := a.Dims()
		ab.Slice(0, r, col, col+c).(*mat.Dense).Copy(a)
		col += c
	}
	for i := 0; i < f.b.Len(); i++ {
		ab.Set(i, n, f.b.AtVec(i))
	}
	var info mat.SymDense
	info.SymOuterK(1, ab.T())
	return &info
}

// HessianDiagonal implements the GaussianFactor interface.
func (f *JacobianFactor) HessianDiagonal(into VectorValues) {
	for i, k := range f.keys {
		r, c := f.blocks[i].Dims()
		v, found := into[k]
		if !found {
			v = mat.NewVecDense(c, nil)
			into[k] = v
		}
		for j := 0; j < c; j++ {
			var sum float64
			for row := 0; row < r; row++ {
				a := f.blocks[i].At(row, j)
				sum += a * a
			}
			v.SetVec(j, v.AtVec(j)+sum)
		}
	}
}

// HessianBlockDiagonal implements the GaussianFactor interface.
func (f *JacobianFactor) HessianBlockDiagonal() map[Key]*mat.Dense {
	out := make(map[Key]*mat.Dense, len(f.keys))
	for i, k := range f.keys {
		var block mat.Dense
		block.Mul(f.blocks[i].T(), f.blocks[i])
		out[k] = &block
	}
	return out
}

// GradientAdd implements the GaussianFactor interface: g += Aᵗ(Ax − b).
func (f *JacobianFactor) GradientAdd(x VectorValues, g VectorValues) {
	f.TransposeMultiplyAdd(1, f.UnweightedResidual(x), g)
}

// MultiplyHessianAdd implements the GaussianFactor interface: y += alpha·AᵗAx.
func (f *JacobianFactor) MultiplyHessianAdd(alpha float64, x, y VectorValues) {
	f.TransposeMultiplyAdd(alpha, f.Multiply(x), y)
}

// IsConstrained implements the GaussianFactor interface.
func (f *JacobianFactor) IsConstrained() bool {
	return f.constrained
}

// Equals implements the GaussianFactor interface.
func (f *JacobianFactor) Equals(other GaussianFactor, tol float64) bool {
	o, ok := other.(*JacobianFactor)
	if !ok || len(o.keys) != len(f.keys) || o.constrained != f.constrained {
		return false
	}
	for i, k := range f.keys {
		if o.keys[i] != k || !mat.EqualApprox(o.blocks[i], f.blocks[i], tol) {
			return false
		}
	}
	return mat.EqualApprox(o.b, f.b, tol)
}

// String implements the Stringer interface.
func (f *JacobianFactor) String() string {
	var b strings.Builder
	b.WriteString("JacobianFactor(")
	for i, k := range f.keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k.String())
	}
	b.WriteString(")\n")
	for i, k := range f.keys {
		fmt.Fprintf(&b, "  A[%s]=%v\n", k, mat.Formatted(f.blocks[i], mat.Prefix("         ")))
	}
	fmt.Fprintf(&b, "  b=%v\n", mat.Formatted(f.b.T()))
	return b.String()
}

// HessianFactor is a Gaussian factor in information (quadratic) form: its
// negative log-likelihood is 0.5 xᵗΛx − ηᵗx + 0.5 c, stored as the augmented
// matrix [Λ η; ηᵗ c]. It is the only form closed under negation.
type HessianFactor struct {
	keys        []Key
	dims        []int
	info        *mat.SymDense
	constrained bool
}

// NewHessianFactor builds an information-form factor from its augmented matrix
// [Λ η; ηᵗ c] over the given keys. The matrix must be symmetric and its size
// the total variable dimension plus one.
func NewHessianFactor(keys []Key, dims []int, augmented *mat.Dense) (*HessianFactor, error) {
	if len(keys) == 0 || len(keys) != len(dims) {
		return nil, fmt.Errorf("%d keys with %d dimensions", len(keys), len(dims))
	}
	seen := make(KeySet, len(keys))
	total := 0
	for i, k := range keys {
		if seen.Contains(k) {
			return nil, fmt.Errorf("duplicate key %s in linear factor", k)
		}
		seen.Add(k)
		if dims[i] <= 0 {
			return nil, fmt.Errorf("dimension of %s must be positive, got %d", k, dims[i])
		}
		total += dims[i]
	}
	info, err := AsSymDense(augmented)
	if err != nil {
		return nil, err
	}
	if info.SymmetricDim() != total+1 {
		return nil, fmt.Errorf("%saugmented(%dx%d) expected (%dx%d)", dimErrMsg,
			info.SymmetricDim(), info.SymmetricDim(), total+1, total+1)
	}
	return &HessianFactor{append([]Key(nil), keys...), append([]int(nil), dims...), info, false}, nil
}

// NewHessianFactorFromJacobian converts a measurement-form factor to
// information form: Λ = AᵗA, η = Aᵗb, c = bᵗb. The constraint status of the
// source factor carries over.
func NewHessianFactorFromJacobian(f *JacobianFactor) *HessianFactor {
	keys := make([]Key, len(f.keys))
	copy(keys, f.keys)
	dims := make([]int, len(f.blocks))
	for i, a := range f.blocks {
		_, c := a.Dims()
		dims[i] = c
	}
	return &HessianFactor{keys, dims, f.AugmentedInformation(), f.constrained}
}

// Keys implements the GaussianFactor interface.
func (f *HessianFactor) Keys() []Key {
	return f.keys
}

// Dim implements the GaussianFactor interface.
func (f *HessianFactor) Dim(k Key) int {
	for i, key := range f.keys {
		if key == k {
			return f.dims[i]
		}
	}
	return 0
}

// offset returns the column offset of the i-th key block.
func (f *HessianFactor) offset(i int) int {
	off := 0
	for j := 0; j < i; j++ {
		off += f.dims[j]
	}
	return off
}

// n returns the total variable dimension (info is (n+1)×(n+1)).
func (f *HessianFactor) n() int {
	return f.info.SymmetricDim() - 1
}

// stack concatenates the per-key vectors of x into block order. Keys missing
// from x count as zero.
func (f *HessianFactor) stack(x VectorValues) *mat.VecDense {
	v := mat.NewVecDense(f.n(), nil)
	for i, k := range f.keys {
		if xv, found := x[k]; found {
			off := f.offset(i)
			for j := 0; j < f.dims[i]; j++ {
				v.SetVec(off+j, xv.AtVec(j))
			}
		}
	}
	return v
}

// Error implements the GaussianFactor interface.
func (f *HessianFactor) Error(x VectorValues) float64 {
	n := f.n()
	v := f.stack(x)
	lambda := f.info.SliceSym(0, n)
	var lx mat.VecDense
	lx.MulVec(lambda, v)
	var etaDot float64
	for i := 0; i < n; i++ {
		etaDot += f.info.At(i, n) * v.AtVec(i)
	}
	return 0.5*mat.Dot(&lx, v) - etaDot + 0.5*f.info.At(n, n)
}

// Clone implements the GaussianFactor interface.
func (f *HessianFactor) Clone() GaussianFactor {
	keys := make([]Key, len(f.keys))
	copy(keys, f.keys)
	dims := make([]int, len(f.dims))
	copy(dims, f.dims)
	info := mat.NewSymDense(f.info.SymmetricDim(), nil)
	info.CopySym(f.info)
	return &HessianFactor{keys, dims, info, f.constrained}
}

// Negate implements the GaussianFactor interface.
func (f *HessianFactor) Negate() GaussianFactor {
	neg := f.Clone().(*HessianFactor)
	n := neg.info.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			neg.info.SetSym(i, j, -neg.info.At(i, j))
		}
	}
	return neg
}

// AugmentedInformation implements the GaussianFactor interface.
func (f *HessianFactor) AugmentedInformation() *mat.SymDense {
	info := mat.NewSymDense(f.info.SymmetricDim(), nil)
	info.CopySym(f.info)
	return info
}

// AsJacobian converts back to measurement form: Λ = RᵗR and Rᵗb = η. A
// positive-definite Λ goes through Cholesky; a semidefinite Λ (e.g. the zero
// remainder of a gauge direction) through a symmetric eigendecomposition.
// Fails for indefinite information, such as a negated factor.
func (f *HessianFactor) AsJacobian() (*JacobianFactor, error) {
	n := f.n()
	lambda := mat.NewSymDense(n, nil)
	lambda.CopySym(f.info.SliceSym(0, n).(*mat.SymDense))
	eta := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		eta.SetVec(i, f.info.At(i, n))
	}

	r := mat.NewDense(n, n, nil)
	b := mat.NewVecDense(n, nil)
	var chol mat.Cholesky
	if chol.Factorize(lambda) {
		var u mat.TriDense
		chol.UTo(&u)
		r.Copy(&u)
		var bv mat.VecDense
		if err := bv.SolveVec(u.T(), eta); err != nil {
			return nil, fmt.Errorf("forward substitution failed: %w", ErrIndeterminantSystem)
		}
		b.CloneFromVec(&bv)
	} else {
		var eig mat.EigenSym
		if ok := eig.Factorize(lambda, true); !ok {
			return nil, fmt.Errorf("eigendecomposition failed: %w", ErrIndeterminantSystem)
		}
		vals := eig.Values(nil)
		var vecs mat.Dense
		eig.VectorsTo(&vecs)
		const semidefTol = 1e-12
		// R = D^{1/2}Vᵗ row by row; b = D^{-1/2}Vᵗη where D is non-zero.
		for i := 0; i < n; i++ {
			var proj float64
			for j := 0; j < n; j++ {
				proj += vecs.At(j, i) * eta.AtVec(j)
			}
			switch {
			case vals[i] < -semidefTol:
				return nil, fmt.Errorf("information matrix is indefinite: %w", ErrIndeterminantSystem)
			case vals[i] <= semidefTol:
				if math.Abs(proj) > semidefTol {
					return nil, fmt.Errorf("information vector outside the column space: %w", ErrIndeterminantSystem)
				}
			default:
				s := math.Sqrt(vals[i])
				for j := 0; j < n; j++ {
					r.Set(i, j, s*vecs.At(j, i))
				}
				b.SetVec(i, proj/s)
			}
		}
	}

	terms := make([]Term, len(f.keys))
	for i, k := range f.keys {
		off := f.offset(i)
		block := mat.NewDense(n, f.dims[i], nil)
		for row := 0; row < n; row++ {
			for c := 0; c < f.dims[i]; c++ {
				block.Set(row, c, r.At(row, off+c))
			}
		}
		terms[i] = Term{k, block}
	}
	return NewJacobianFactor(terms, b, nil)
}

// HessianDiagonal implements the GaussianFactor interface.
func (f *HessianFactor) HessianDiagonal(into VectorValues) {
	for i, k := range f.keys {
		off := f.offset(i)
		v, found := into[k]
		if !found {
			v = mat.NewVecDense(f.dims[i], nil)
			into[k] = v
		}
		for j := 0; j < f.dims[i]; j++ {
			v.SetVec(j, v.AtVec(j)+f.info.At(off+j, off+j))
		}
	}
}

// HessianBlockDiagonal implements the GaussianFactor interface.
func (f *HessianFactor) HessianBlockDiagonal() map[Key]*mat.Dense {
	out := make(map[Key]*mat.Dense, len(f.keys))
	for i, k := range f.keys {
		off := f.offset(i)
		block := mat.NewDense(f.dims[i], f.dims[i], nil)
		for r := 0; r < f.dims[i]; r++ {
			for c := 0; c < f.dims[i]; c++ {
				block.Set(r, c, f.info.At(off+r, off+c))
			}
		}
		out[k] = block
	}
	return out
}

// GradientAdd implements the GaussianFactor interface: g += Λx − η.
func (f *HessianFactor) GradientAdd(x VectorValues, g VectorValues) {
	n := f.n()
	v := f.stack(x)
	var lx mat.VecDense
	lx.MulVec(f.info.SliceSym(0, n), v)
	for i := 0; i < n; i++ {
		lx.SetVec(i, lx.AtVec(i)-f.info.At(i, n))
	}
	f.scatterAdd(1, &lx, g)
}

// MultiplyHessianAdd implements the GaussianFactor interface.
func (f *HessianFactor) MultiplyHessianAdd(alpha float64, x, y VectorValues) {
	n := f.n()
	var lx mat.VecDense
	lx.MulVec(f.info.SliceSym(0, n), f.stack(x))
	f.scatterAdd(alpha, &lx, y)
}

// scatterAdd accumulates alpha times a stacked vector into per-key entries.
func (f *HessianFactor) scatterAdd(alpha float64, v *mat.VecDense, out VectorValues) {
	for i, k := range f.keys {
		off := f.offset(i)
		ov, found := out[k]
		if !found {
			ov = mat.NewVecDense(f.dims[i], nil)
			out[k] = ov
		}
		for j := 0; j < f.dims[i]; j++ {
			ov.SetVec(j, ov.AtVec(j)+alpha*v.AtVec(off+j))
		}
	}
}

// IsConstrained implements the GaussianFactor interface.
func (f *HessianFactor) IsConstrained() bool {
	return f.constrained
}

// Equals implements the GaussianFactor interface.
func (f *HessianFactor) Equals(other GaussianFactor, tol float64) bool {
	o, ok := other.(*HessianFactor)
	if !ok || len(o.keys) != len(f.keys) || o.constrained != f.constrained {
		return false
	}
	for i, k := range f.keys {
		if o.keys[i] != k || o.dims[i] != f.dims[i] {
			return false
		}
	}
	return mat.EqualApprox(o.info, f.info, tol)
}

// String implements the Stringer interface.
func (f *HessianFactor) String() string {
	var b strings.Builder
	b.WriteString("HessianFactor(")
	for i, k := range f.keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k.String())
	}
	fmt.Fprintf(&b, ")\n  [Λ η; ηᵗ c]=%v\n", mat.Formatted(f.info, mat.Prefix("             ")))
	return b.String()
}
