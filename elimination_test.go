package gofactors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"gonum.org/v1/gonum/mat"
)

func TestOptimizeTwoPose(t *testing.T) {
	g := twoPoseGraph(t)
	dense, err := g.OptimizeDensely()
	require.NoError(t, err)
	solved, err := g.Optimize(nil, nil)
	require.NoError(t, err)
	require.True(t, dense.Equals(solved, 1e-9), "elimination and dense solve disagree:\n%s\n%s", dense, solved)

	// The gradient vanishes at the minimum.
	grad := g.Gradient(solved)
	require.InDelta(t, 0, grad.SquaredNorm(), 1e-12)

	// An explicit reversed ordering reaches the same minimum.
	reversed, err := g.Optimize(Ordering{keyX1, keyX0}, nil)
	require.NoError(t, err)
	require.True(t, dense.Equals(reversed, 1e-9))
}

func TestOptimizeZeroUpdateScenario(t *testing.T) {
	// A two-variable graph with one between factor measuring the identity,
	// linearized where both poses are the identity: zero error, zero update.
	unit, err := NewUnitNoise(2)
	require.NoError(t, err)
	origin := newPoint(0, 0)
	f, err := NewBetweenFactor(keyX0, keyX1, origin.Between(origin, nil, nil), unit)
	require.NoError(t, err)
	require.InDelta(t, 0, f.Error(origin, origin), 1e-12)

	jf, err := f.Linearize(origin, origin)
	require.NoError(t, err)
	g := NewGaussianFactorGraph()
	g.Add(jf)
	require.InDelta(t, 0, g.Error(NewZeroVectorValues(g.KeyDims())), 1e-12)

	delta, err := g.Optimize(nil, nil)
	require.NoError(t, err)
	require.True(t, delta.Equals(NewZeroVectorValues(g.KeyDims()), 1e-9), "non-zero update:\n%s", delta)
}

func TestEliminateQRMatchesCholesky(t *testing.T) {
	g := twoPoseGraph(t)
	qr := EliminationStrategy{Eliminate: EliminateQR}
	chol := EliminationStrategy{Eliminate: EliminateCholesky}
	xQR, err := g.Optimize(nil, &qr)
	require.NoError(t, err)
	xChol, err := g.Optimize(nil, &chol)
	require.NoError(t, err)
	require.True(t, xQR.Equals(xChol, 1e-9))
}

func TestDefaultStrategySolvesConstrained(t *testing.T) {
	g := twoPoseGraph(t)
	c, err := NewConstrainedNoise(2, 1e12)
	require.NoError(t, err)
	require.NoError(t, g.AddBinary(keyX0, Identity(2), keyX1, mat.NewDense(2, 2, []float64{-1, 0, 0, -1}), mat.NewVecDense(2, []float64{0, -1}), c))

	// The default strategy must still solve it (QR fallback), and the
	// constraint must dominate: x0 − x1 ≈ (0, -1).
	x, err := g.Optimize(nil, nil)
	require.NoError(t, err)
	var diff mat.VecDense
	diff.SubVec(x[keyX0], x[keyX1])
	require.InDelta(t, 0, diff.AtVec(0), 1e-3)
	require.InDelta(t, -1, diff.AtVec(1), 1e-3)
}

func TestEliminateSingleStep(t *testing.T) {
	g := twoPoseGraph(t)
	cond, remaining, err := EliminatePreferCholesky(g, Ordering{keyX0})
	require.NoError(t, err)
	require.Equal(t, []Key{keyX0}, cond.Frontals())
	require.Equal(t, []Key{keyX1}, cond.Parents())
	require.NotNil(t, remaining)

	// The conditional factor plus the remaining factor reproduce the joint
	// error up to the constant term.
	condFactor, err := cond.AsJacobianFactor()
	require.NoError(t, err)
	joint := NewGaussianFactorGraph()
	joint.Add(condFactor)
	joint.Add(remaining)
	want, err := g.AugmentedHessian(Ordering{keyX0, keyX1})
	require.NoError(t, err)
	got, err := joint.AugmentedHessian(Ordering{keyX0, keyX1})
	require.NoError(t, err)
	require.True(t, mat.EqualApprox(want, got, 1e-9))
}

func TestEliminateSequentialErrors(t *testing.T) {
	g := twoPoseGraph(t)
	_, err := g.EliminateSequential(Ordering{keyX0}, nil)
	require.Error(t, err)
	_, err = g.EliminateSequential(Ordering{keyX0, keyX1, Symbol('z', 0)}, nil)
	require.Error(t, err)
}

func TestGaussianConditionalSolve(t *testing.T) {
	// R·x0 = d − S·x1 with hand-picked numbers.
	r := mat.NewDense(2, 2, []float64{2, 1, 0, 4})
	s := mat.NewDense(2, 1, []float64{1, 0})
	d := mat.NewVecDense(2, []float64{5, 8})
	cond, err := NewGaussianConditional([]Key{keyX0}, r, []Key{keyX1}, []*mat.Dense{s}, d)
	require.NoError(t, err)

	x := VectorValues{keyX1: mat.NewVecDense(1, []float64{1})}
	require.NoError(t, cond.Solve(x))
	// Back-substitution: x0[1] = 8/4 = 2, x0[0] = (5 − 1 − 2)/2 = 1.
	require.InDelta(t, 1, x[keyX0].AtVec(0), 1e-12)
	require.InDelta(t, 2, x[keyX0].AtVec(1), 1e-12)

	// A missing parent is an error.
	require.Error(t, cond.Solve(VectorValues{}))
}

func TestGaussianConditionalValidation(t *testing.T) {
	r := mat.NewDense(2, 3, nil)
	_, err := NewGaussianConditional([]Key{keyX0}, r, nil, nil, mat.NewVecDense(2, nil))
	require.Error(t, err, "non-square R must fail")
	r = mat.NewDense(2, 2, nil)
	_, err = NewGaussianConditional([]Key{keyX0}, r, nil, nil, mat.NewVecDense(3, nil))
	require.Error(t, err, "d of wrong length must fail")
	_, err = NewGaussianConditional([]Key{keyX0}, r, []Key{keyX1}, []*mat.Dense{mat.NewDense(1, 1, nil)}, mat.NewVecDense(2, nil))
	require.Error(t, err, "S with wrong row count must fail")
}

func TestBayesNetOptimize(t *testing.T) {
	g := twoPoseGraph(t)
	bn, err := g.EliminateSequential(nil, nil)
	require.NoError(t, err)
	require.Equal(t, 2, bn.Len())
	x, err := bn.Optimize()
	require.NoError(t, err)
	dense, err := g.OptimizeDensely()
	require.NoError(t, err)
	require.True(t, x.Equals(dense, 1e-9))
}

func TestBayesNetGradientSearch(t *testing.T) {
	// A single conditional with known R and d: every quantity of the
	// closed-form line search can be computed densely.
	r := mat.NewDense(2, 2, []float64{2, 1, 0, 3})
	d := mat.NewVecDense(2, []float64{4, 6})
	cond, err := NewGaussianConditional([]Key{keyX0}, r, nil, nil, d)
	require.NoError(t, err)
	bn := &GaussianBayesNet{}
	bn.Push(cond)

	// g = −Rᵗd, α̂ = −(gᵗg)/((Rg)ᵗ(Rg)), δx = α̂·g.
	var grad mat.VecDense
	grad.MulVec(r.T(), d)
	grad.ScaleVec(-1, &grad)
	var rg mat.VecDense
	rg.MulVec(r, &grad)
	alpha := -mat.Dot(&grad, &grad) / mat.Dot(&rg, &rg)

	step, err := bn.OptimizeGradientSearch()
	require.NoError(t, err)
	require.InDelta(t, alpha*grad.AtVec(0), step[keyX0].AtVec(0), 1e-9)
	require.InDelta(t, alpha*grad.AtVec(1), step[keyX0].AtVec(1), 1e-9)

	gz, err := bn.GradientAtZero()
	require.NoError(t, err)
	require.InDelta(t, grad.AtVec(0), gz[keyX0].AtVec(0), 1e-9)
}

func TestGraphGradientSearchMatchesDense(t *testing.T) {
	g := twoPoseGraph(t)
	A, b, err := g.Jacobian(Ordering{keyX0, keyX1})
	require.NoError(t, err)

	var grad mat.VecDense
	grad.MulVec(A.T(), b)
	grad.ScaleVec(-1, &grad)
	var ag mat.VecDense
	ag.MulVec(A, &grad)
	alpha := -mat.Dot(&grad, &grad) / mat.Dot(&ag, &ag)

	step, err := g.OptimizeGradientSearch()
	require.NoError(t, err)
	require.InDelta(t, alpha*grad.AtVec(0), step[keyX0].AtVec(0), 1e-9)
	require.InDelta(t, alpha*grad.AtVec(3), step[keyX1].AtVec(1), 1e-9)

	// The step must decrease the error from zero.
	require.Less(t, g.Error(step), g.Error(NewZeroVectorValues(g.KeyDims())))
}

func TestOptimizeDenselySingular(t *testing.T) {
	// A single between factor leaves the gauge free: the normal equations
	// are singular and the dense path must say so, not return NaN.
	g := NewGaussianFactorGraph()
	negI := mat.NewDense(2, 2, []float64{-1, 0, 0, -1})
	require.NoError(t, g.AddBinary(keyX0, negI, keyX1, Identity(2), mat.NewVecDense(2, []float64{0, 1}), nil))
	_, err := g.OptimizeDensely()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrIndeterminantSystem))
}

type recordingSolver struct {
	called   bool
	ordering Ordering
}

func (r *recordingSolver) EliminateMultifrontal(g *GaussianFactorGraph, ordering Ordering) (*GaussianBayesTree, error) {
	r.called = true
	r.ordering = ordering
	return g.EliminateMultifrontal(ordering, nil)
}

func TestOptimizeDelegatesToMultifrontal(t *testing.T) {
	g := twoPoseGraph(t)
	solver := &recordingSolver{}
	s := EliminationStrategy{Eliminate: EliminateQR, Multifrontal: solver}
	x, err := g.Optimize(nil, &s)
	require.NoError(t, err)
	require.True(t, solver.called)
	require.Equal(t, Ordering{keyX0, keyX1}, solver.ordering)
	dense, err := g.OptimizeDensely()
	require.NoError(t, err)
	require.True(t, x.Equals(dense, 1e-9))
}

func TestJunctionTreeChain(t *testing.T) {
	// x0 — x1 — x2 chain: eliminating x1 fills in exactly {x2}, so x1 and x2
	// share a clique; x0's separator {x1} is not the whole parent clique, so
	// it stays its own clique below them.
	keyX2 := Symbol('x', 2)
	g := NewGaussianFactorGraph()
	negI := mat.NewDense(2, 2, []float64{-1, 0, 0, -1})
	require.NoError(t, g.AddUnary(keyX0, Identity(2), mat.NewVecDense(2, nil), nil))
	require.NoError(t, g.AddBinary(keyX0, negI, keyX1, Identity(2), mat.NewVecDense(2, nil), nil))
	require.NoError(t, g.AddBinary(keyX1, negI, keyX2, Identity(2), mat.NewVecDense(2, nil), nil))

	jt, err := NewJunctionTree(g, nil)
	require.NoError(t, err)
	require.Equal(t, 2, jt.Len())
	require.Equal(t, []Key{keyX1, keyX2}, jt.Clique(0).Frontals)
	require.Empty(t, jt.Clique(0).Separator)
	require.Equal(t, -1, jt.Parent(0))
	require.Equal(t, []Key{keyX0}, jt.Clique(1).Frontals)
	require.Equal(t, []Key{keyX1}, jt.Clique(1).Separator)
	require.Equal(t, 0, jt.Parent(1))

	_, err = NewJunctionTree(g, Ordering{keyX0})
	require.Error(t, err, "ordering missing keys must fail")
}

func TestEliminateMultifrontalMatchesDense(t *testing.T) {
	keyX2 := Symbol('x', 2)
	g := NewGaussianFactorGraph()
	iso, err := NewIsotropicNoise(2, 0.5)
	require.NoError(t, err)
	negI := mat.NewDense(2, 2, []float64{-1, 0, 0, -1})
	require.NoError(t, g.AddUnary(keyX0, Identity(2), mat.NewVecDense(2, []float64{1, 0}), nil))
	require.NoError(t, g.AddBinary(keyX0, negI, keyX1, Identity(2), mat.NewVecDense(2, []float64{0, 1}), iso))
	require.NoError(t, g.AddBinary(keyX1, negI, keyX2, Identity(2), mat.NewVecDense(2, []float64{1, 1}), iso))

	tree, err := g.EliminateMultifrontal(nil, nil)
	require.NoError(t, err)
	require.Equal(t, 2, tree.Len())
	require.Equal(t, -1, tree.Parent(0))
	require.Equal(t, []Key{keyX1, keyX2}, tree.At(0).Frontals())
	require.Equal(t, []Key{keyX0}, tree.At(1).Frontals())

	x, err := tree.Optimize()
	require.NoError(t, err)
	dense, err := g.OptimizeDensely()
	require.NoError(t, err)
	require.True(t, x.Equals(dense, 1e-9), "multifrontal and dense solve disagree:\n%s\n%s", x, dense)
}

func TestGaussianConditionalSolveTinyPivot(t *testing.T) {
	// A pivot eleven orders below the largest one is numerically zero; with a
	// rhs residue at roundoff scale the row is a gauge direction, not garbage.
	r := mat.NewDense(2, 2, []float64{2, 0, 0, 1e-16})
	d := mat.NewVecDense(2, []float64{4, 1e-17})
	cond, err := NewGaussianConditional([]Key{keyX0}, r, nil, nil, d)
	require.NoError(t, err)
	x := VectorValues{}
	require.NoError(t, cond.Solve(x))
	require.InDelta(t, 2, x[keyX0].AtVec(0), 1e-12)
	require.InDelta(t, 0, x[keyX0].AtVec(1), 1e-12)

	// A rhs well above roundoff on a dead pivot is still inconsistent.
	r = mat.NewDense(2, 2, []float64{2, 0, 0, 0})
	d = mat.NewVecDense(2, []float64{4, 1})
	cond, err = NewGaussianConditional([]Key{keyX0}, r, nil, nil, d)
	require.NoError(t, err)
	err = cond.Solve(VectorValues{})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrIndeterminantSystem))
}

func TestEliminationTreeChain(t *testing.T) {
	// x0 — x1 — x2 chain: with the natural ordering each key's parent is
	// its successor.
	keyX2 := Symbol('x', 2)
	g := NewGaussianFactorGraph()
	negI := mat.NewDense(2, 2, []float64{-1, 0, 0, -1})
	require.NoError(t, g.AddUnary(keyX0, Identity(2), mat.NewVecDense(2, nil), nil))
	require.NoError(t, g.AddBinary(keyX0, negI, keyX1, Identity(2), mat.NewVecDense(2, nil), nil))
	require.NoError(t, g.AddBinary(keyX1, negI, keyX2, Identity(2), mat.NewVecDense(2, nil), nil))

	tree, err := NewEliminationTree(g, nil)
	require.NoError(t, err)
	p, ok := tree.Parent(keyX0)
	require.True(t, ok)
	require.Equal(t, keyX1, p)
	p, ok = tree.Parent(keyX1)
	require.True(t, ok)
	require.Equal(t, keyX2, p)
	_, ok = tree.Parent(keyX2)
	require.False(t, ok)
	require.Equal(t, []Key{keyX2}, tree.Roots())

	_, err = NewEliminationTree(g, Ordering{keyX0})
	require.Error(t, err, "ordering missing keys must fail")
}

func TestEliminationTreeMatchesSolveStructure(t *testing.T) {
	g := twoPoseGraph(t)
	tree, err := NewEliminationTree(g, Ordering{keyX0, keyX1})
	require.NoError(t, err)
	// Eliminating x0 first makes x1 its parent, and x1 the root.
	p, ok := tree.Parent(keyX0)
	require.True(t, ok)
	require.Equal(t, keyX1, p)
	require.Equal(t, []Key{keyX1}, tree.Roots())
}
