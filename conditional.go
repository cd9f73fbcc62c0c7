package gofactors

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// GaussianConditional is one elimination step's output: the density of the
// frontal variables given the parents, parameterized as
// R·x(frontals) + Σ Sⱼ·x(parentⱼ) = d with R upper triangular.
type GaussianConditional struct {
	frontals    []Key
	frontalDims []int
	parents     []Key
	parentDims  []int
	r           *mat.Dense
	s           []*mat.Dense
	d           *mat.VecDense
}

// NewGaussianConditional builds a conditional from its square-root form. R
// must be square and match the total frontal dimension; each parent block must
// have as many rows as R.
func NewGaussianConditional(frontals []Key, r *mat.Dense, parents []Key, s []*mat.Dense, d *mat.VecDense) (*GaussianConditional, error) {
	rr, rc := r.Dims()
	if rr != rc {
		return nil, fmt.Errorf("R must be square, got %dx%d", rr, rc)
	}
	if err := checkVecDim(d, rr, "d"); err != nil {
		return nil, err
	}
	if len(parents) != len(s) {
		return nil, fmt.Errorf("%d parents with %d S blocks", len(parents), len(s))
	}
	frontalDims := splitDims(frontals, rc)
	parentDims := make([]int, len(parents))
	for i, block := range s {
		br, bc := block.Dims()
		if br != rr {
			return nil, fmt.Errorf("S[%s] has %d rows, R has %d", parents[i], br, rr)
		}
		parentDims[i] = bc
	}
	return &GaussianConditional{frontals, frontalDims, parents, parentDims, r, s, d}, nil
}

// splitDims divides a total dimension evenly across keys. Uneven frontal
// blocks are set by the eliminator through setFrontalDims.
func splitDims(keys []Key, total int) []int {
	dims := make([]int, len(keys))
	if len(keys) == 0 {
		return dims
	}
	each := total / len(keys)
	rest := total
	for i := range dims {
		if i == len(dims)-1 {
			dims[i] = rest
		} else {
			dims[i] = each
			rest -= each
		}
	}
	return dims
}

func (c *GaussianConditional) setFrontalDims(dims []int) {
	c.frontalDims = dims
}

// Frontals returns the frontal keys.
func (c *GaussianConditional) Frontals() []Key {
	return c.frontals
}

// Parents returns the parent keys.
func (c *GaussianConditional) Parents() []Key {
	return c.parents
}

// R returns the upper-triangular square-root information block.
func (c *GaussianConditional) R() *mat.Dense {
	return c.r
}

// D returns the right-hand side d.
func (c *GaussianConditional) D() *mat.VecDense {
	return c.d
}

// Solve computes the frontal solution given parent values already present in
// x, and stores it into x. Back-substitution: R·xf = d − Σ Sⱼ·x(parentⱼ).
func (c *GaussianConditional) Solve(x VectorValues) error {
	n := c.d.Len()
	rhs := mat.VecDenseCopyOf(c.d)
	for j, p := range c.parents {
		pv, found := x[p]
		if !found {
			return fmt.Errorf("parent %s has no value yet", p)
		}
		var t mat.VecDense
		t.MulVec(c.s[j], pv)
		rhs.SubVec(rhs, &t)
	}
	// Pivots far below the largest one are numerically zero, and a rhs residue
	// at roundoff scale does not make the system inconsistent.
	const solveRelTol = 1e-11
	var rScale, rhsScale float64
	for i := 0; i < n; i++ {
		if p := math.Abs(c.r.At(i, i)); p > rScale {
			rScale = p
		}
		if v := math.Abs(rhs.AtVec(i)); v > rhsScale {
			rhsScale = v
		}
	}
	pivotTol := solveRelTol * rScale
	rhsTol := solveRelTol * (rScale + rhsScale)
	xf := mat.NewVecDense(n, nil)
	for i := n - 1; i >= 0; i-- {
		sum := rhs.AtVec(i)
		for j := i + 1; j < n; j++ {
			sum -= c.r.At(i, j) * xf.AtVec(j)
		}
		pivot := c.r.At(i, i)
		if math.Abs(pivot) <= pivotTol {
			// A zero pivot with a zero right-hand side is an unconstrained
			// (gauge) direction: the minimum-norm solution keeps it at zero.
			if math.Abs(sum) > rhsTol {
				return fmt.Errorf("zero pivot in row %d with non-zero rhs: %w", i, ErrIndeterminantSystem)
			}
			xf.SetVec(i, 0)
			continue
		}
		xf.SetVec(i, sum/pivot)
	}
	off := 0
	for i, k := range c.frontals {
		d := c.frontalDims[i]
		kv := mat.NewVecDense(d, nil)
		for j := 0; j < d; j++ {
			kv.SetVec(j, xf.AtVec(off+j))
		}
		x[k] = kv
		off += d
	}
	return nil
}

// AsJacobianFactor views the conditional as the linear factor
// ‖R·xf + S·xp − d‖², whose rows are the residual matrix of the Bayes net.
func (c *GaussianConditional) AsJacobianFactor() (*JacobianFactor, error) {
	terms := make([]Term, 0, len(c.frontals)+len(c.parents))
	off := 0
	n := c.d.Len()
	for i, k := range c.frontals {
		d := c.frontalDims[i]
		block := mat.NewDense(n, d, nil)
		for r := 0; r < n; r++ {
			for col := 0; col < d; col++ {
				block.Set(r, col, c.r.At(r, off+col))
			}
		}
		terms = append(terms, Term{k, block})
		off += d
	}
	for j, p := range c.parents {
		terms = append(terms, Term{p, mat.DenseCopyOf(c.s[j])})
	}
	return NewJacobianFactor(terms, c.d, nil)
}

// Equals compares two conditionals within a tolerance.
func (c *GaussianConditional) Equals(other *GaussianConditional, tol float64) bool {
	if len(c.frontals) != len(other.frontals) || len(c.parents) != len(other.parents) {
		return false
	}
	for i, k := range c.frontals {
		if other.frontals[i] != k {
			return false
		}
	}
	for i, k := range c.parents {
		if other.parents[i] != k || !mat.EqualApprox(c.s[i], other.s[i], tol) {
			return false
		}
	}
	return mat.EqualApprox(c.r, other.r, tol) && mat.EqualApprox(c.d, other.d, tol)
}

// String implements the Stringer interface.
func (c *GaussianConditional) String() string {
	var b strings.Builder
	b.WriteString("p(")
	for i, k := range c.frontals {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k.String())
	}
	if len(c.parents) > 0 {
		b.WriteString(" | ")
		for i, k := range c.parents {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(k.String())
		}
	}
	fmt.Fprintf(&b, ")\n  R=%v\n  d=%v\n", mat.Formatted(c.r, mat.Prefix("    ")), mat.Formatted(c.d.T()))
	return b.String()
}

// GaussianBayesNet is the factorized posterior produced by sequential
// elimination: conditionals in elimination order.
type GaussianBayesNet struct {
	conditionals []*GaussianConditional
}

// Len returns the number of conditionals.
func (bn *GaussianBayesNet) Len() int {
	return len(bn.conditionals)
}

// At returns the i-th conditional in elimination order.
func (bn *GaussianBayesNet) At(i int) *GaussianConditional {
	return bn.conditionals[i]
}

// Push appends a conditional in elimination order.
func (bn *GaussianBayesNet) Push(c *GaussianConditional) {
	bn.conditionals = append(bn.conditionals, c)
}

// Optimize back-substitutes through the net in reverse elimination order and
// returns the full solution.
func (bn *GaussianBayesNet) Optimize() (VectorValues, error) {
	x := make(VectorValues)
	for i := len(bn.conditionals) - 1; i >= 0; i-- {
		if err := bn.conditionals[i].Solve(x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// AsFactorGraph views the net's rows ‖Rδx − d‖² as a linear factor graph.
func (bn *GaussianBayesNet) AsFactorGraph() (*GaussianFactorGraph, error) {
	g := NewGaussianFactorGraph()
	for _, c := range bn.conditionals {
		f, err := c.AsJacobianFactor()
		if err != nil {
			return nil, err
		}
		g.Add(f)
	}
	return g, nil
}

// GradientAtZero returns g = −Rᵗd, the gradient of 0.5‖Rδx − d‖² at δx = 0.
func (bn *GaussianBayesNet) GradientAtZero() (VectorValues, error) {
	g, err := bn.AsFactorGraph()
	if err != nil {
		return nil, err
	}
	return g.GradientAtZero(), nil
}

// OptimizeGradientSearch performs the closed-form line search along the
// gradient at δx = 0: δx = α̂·g with α̂ = −(gᵗg)/((Rg)ᵗ(Rg)). The denominator
// applies the residual matrix R row by row, so the Hessian RᵗR is never
// formed.
func (bn *GaussianBayesNet) OptimizeGradientSearch() (VectorValues, error) {
	fg, err := bn.AsFactorGraph()
	if err != nil {
		return nil, err
	}
	grad := fg.GradientAtZero()
	num := grad.SquaredNorm()
	if num == 0 {
		return grad, nil
	}
	rg, err := fg.Multiply(grad)
	if err != nil {
		return nil, err
	}
	denom := rg.SquaredNorm()
	if denom <= 0 {
		return nil, fmt.Errorf("gradient direction has non-positive curvature: %w", ErrIndeterminantSystem)
	}
	return grad.Scale(-num / denom), nil
}

// String implements the Stringer interface.
func (bn *GaussianBayesNet) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "GaussianBayesNet with %d conditionals:\n", len(bn.conditionals))
	for _, c := range bn.conditionals {
		b.WriteString(c.String())
	}
	return b.String()
}
