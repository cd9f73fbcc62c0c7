package gofactors

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Eliminator performs one dense elimination step: it removes the given frontal
// keys from the graph, producing the conditional density of the frontals given
// the remaining (separator) keys and a factor over the separators. The
// remaining factor is nil when the frontals had no separators.
type Eliminator func(g *GaussianFactorGraph, frontals Ordering) (*GaussianConditional, GaussianFactor, error)

// MultifrontalSolver is the hook for an external multifrontal engine. When set
// on a strategy, Optimize obtains the Bayes tree from it instead of running
// sequential elimination. EliminateMultifrontal on the graph is the built-in
// implementation.
type MultifrontalSolver interface {
	EliminateMultifrontal(g *GaussianFactorGraph, ordering Ordering) (*GaussianBayesTree, error)
}

// EliminationStrategy bundles the pluggable pieces of a solve: the per-step
// dense eliminator and an optional multifrontal engine.
type EliminationStrategy struct {
	Eliminate    Eliminator
	Multifrontal MultifrontalSolver
}

// DefaultStrategy prefers a dense Cholesky factorization and falls back to QR
// when the system carries hard constraints or is not positive definite.
func DefaultStrategy() EliminationStrategy {
	return EliminationStrategy{Eliminate: EliminatePreferCholesky}
}

// EliminatePreferCholesky eliminates with Cholesky when the subproblem is
// unconstrained and well-conditioned, and with QR otherwise.
func EliminatePreferCholesky(g *GaussianFactorGraph, frontals Ordering) (*GaussianConditional, GaussianFactor, error) {
	if !HasConstraints(g) {
		cond, remaining, err := EliminateCholesky(g, frontals)
		if err == nil {
			return cond, remaining, nil
		}
		if !errors.Is(err, ErrIndeterminantSystem) {
			return nil, nil, err
		}
	}
	return EliminateQR(g, frontals)
}

// frontalLayout orders the graph's keys frontals-first and returns the
// separator keys along with per-key dimensions.
func frontalLayout(g *GaussianFactorGraph, frontals Ordering) (Ordering, []Key, map[Key]int, error) {
	dims := g.KeyDims()
	for _, k := range frontals {
		if _, found := dims[k]; !found {
			return nil, nil, nil, fmt.Errorf("frontal key %s not present in the graph", k)
		}
	}
	var separators []Key
	for _, k := range NaturalOrdering(g.Keys()) {
		if !frontals.Contains(k) {
			separators = append(separators, k)
		}
	}
	ordering := make(Ordering, 0, len(frontals)+len(separators))
	ordering = append(ordering, frontals...)
	ordering = append(ordering, separators...)
	return ordering, separators, dims, nil
}

// EliminateQR eliminates the frontal keys by a dense QR factorization of the
// stacked augmented Jacobian. It handles hard-constraint noise models and
// rank-deficient frontal blocks that Cholesky cannot.
func EliminateQR(g *GaussianFactorGraph, frontals Ordering) (*GaussianConditional, GaussianFactor, error) {
	ordering, separators, dims, err := frontalLayout(g, frontals)
	if err != nil {
		return nil, nil, err
	}
	ab, err := g.AugmentedJacobian(ordering)
	if err != nil {
		return nil, nil, err
	}
	rows, cols := ab.Dims()
	n := cols - 1
	if rows < cols {
		// Pad with zero rows; QR requires at least as many rows as columns.
		padded := mat.NewDense(cols, cols, nil)
		padded.Slice(0, rows, 0, cols).(*mat.Dense).Copy(ab)
		ab = padded
		rows = cols
	}
	var qr mat.QR
	qr.Factorize(ab)
	var r mat.Dense
	qr.RTo(&r)

	fd := 0
	frontalDims := make([]int, len(frontals))
	for i, k := range frontals {
		frontalDims[i] = dims[k]
		fd += dims[k]
	}
	// Zero frontal pivots are kept: they denote gauge directions and are
	// resolved to a zero update during back-substitution, or surface as
	// ErrIndeterminantSystem there if the right-hand side is inconsistent.
	condR := mat.DenseCopyOf(r.Slice(0, fd, 0, fd))
	d := mat.NewVecDense(fd, nil)
	for i := 0; i < fd; i++ {
		d.SetVec(i, r.At(i, n))
	}
	sBlocks := make([]*mat.Dense, len(separators))
	off := fd
	for j, k := range separators {
		sBlocks[j] = mat.DenseCopyOf(r.Slice(0, fd, off, off+dims[k]))
		off += dims[k]
	}
	cond, err := NewGaussianConditional(frontals, condR, separators, sBlocks, d)
	if err != nil {
		return nil, nil, err
	}
	cond.setFrontalDims(frontalDims)

	if len(separators) == 0 {
		return cond, nil, nil
	}
	remRows := n - fd
	if remRows <= 0 {
		return cond, nil, nil
	}
	terms := make([]Term, len(separators))
	off = fd
	for j, k := range separators {
		terms[j] = Term{k, mat.DenseCopyOf(r.Slice(fd, fd+remRows, off, off+dims[k]))}
		off += dims[k]
	}
	rb := mat.NewVecDense(remRows, nil)
	for i := 0; i < remRows; i++ {
		rb.SetVec(i, r.At(fd+i, n))
	}
	remaining, err := NewJacobianFactor(terms, rb, nil)
	if err != nil {
		return nil, nil, err
	}
	return cond, remaining, nil
}

// EliminateCholesky eliminates the frontal keys by a dense Cholesky
// factorization of the frontal block of the joint information matrix. Fails
// with ErrIndeterminantSystem when that block is not positive definite.
func EliminateCholesky(g *GaussianFactorGraph, frontals Ordering) (*GaussianConditional, GaussianFactor, error) {
	ordering, separators, dims, err := frontalLayout(g, frontals)
	if err != nil {
		return nil, nil, err
	}
	info, err := g.AugmentedHessian(ordering)
	if err != nil {
		return nil, nil, err
	}
	total := info.SymmetricDim() - 1
	fd := 0
	frontalDims := make([]int, len(frontals))
	for i, k := range frontals {
		frontalDims[i] = dims[k]
		fd += dims[k]
	}

	haa := mat.NewSymDense(fd, nil)
	haa.CopySym(info.SliceSym(0, fd).(*mat.SymDense))
	var chol mat.Cholesky
	if ok := chol.Factorize(haa); !ok {
		return nil, nil, fmt.Errorf("frontal information is not positive definite: %w", ErrIndeterminantSystem)
	}
	var u mat.TriDense
	chol.UTo(&u)

	// M solves Rᵗ·M = [Hab η_a]: the separator blocks and d of the conditional.
	rest := total + 1 - fd
	hab := mat.NewDense(fd, rest, nil)
	for i := 0; i < fd; i++ {
		for j := 0; j < rest; j++ {
			hab.Set(i, j, info.At(i, fd+j))
		}
	}
	var m mat.Dense
	if err := m.Solve(u.T(), hab); err != nil {
		return nil, nil, fmt.Errorf("forward substitution failed: %w", ErrIndeterminantSystem)
	}

	condR := mat.NewDense(fd, fd, nil)
	for i := 0; i < fd; i++ {
		for j := i; j < fd; j++ {
			condR.Set(i, j, u.At(i, j))
		}
	}
	sBlocks := make([]*mat.Dense, len(separators))
	col := 0
	for j, k := range separators {
		sBlocks[j] = mat.DenseCopyOf(m.Slice(0, fd, col, col+dims[k]))
		col += dims[k]
	}
	d := mat.NewVecDense(fd, nil)
	for i := 0; i < fd; i++ {
		d.SetVec(i, m.At(i, rest-1))
	}
	cond, err := NewGaussianConditional(frontals, condR, separators, sBlocks, d)
	if err != nil {
		return nil, nil, err
	}
	cond.setFrontalDims(frontalDims)

	if len(separators) == 0 {
		return cond, nil, nil
	}
	// Remaining information: [Hbb η_b; η_bᵗ c] − MᵗM.
	var mtm mat.SymDense
	mtm.SymOuterK(1, m.T())
	remInfo := mat.NewSymDense(rest, nil)
	for i := 0; i < rest; i++ {
		for j := i; j < rest; j++ {
			remInfo.SetSym(i, j, info.At(fd+i, fd+j)-mtm.At(i, j))
		}
	}
	sepDims := make([]int, len(separators))
	for i, k := range separators {
		sepDims[i] = dims[k]
	}
	remaining := &HessianFactor{
		keys:        append([]Key(nil), separators...),
		dims:        sepDims,
		info:        remInfo,
		constrained: HasConstraints(g),
	}
	return cond, remaining, nil
}

// EliminateSequential eliminates every variable one by one in the given order
// (natural key order if nil), producing the Bayes net of the posterior.
func (g *GaussianFactorGraph) EliminateSequential(ordering Ordering, strategy *EliminationStrategy) (*GaussianBayesNet, error) {
	s := DefaultStrategy()
	if strategy != nil {
		s = *strategy
	}
	if s.Eliminate == nil {
		s.Eliminate = EliminatePreferCholesky
	}
	if ordering == nil {
		ordering = NaturalOrdering(g.Keys())
	}

	working := make([]GaussianFactor, 0, g.Len())
	for _, f := range g.factors {
		if f != nil {
			working = append(working, f)
		}
	}
	bn := &GaussianBayesNet{}
	for _, k := range ordering {
		sub := NewGaussianFactorGraph()
		var rest []GaussianFactor
		for _, f := range working {
			involved := false
			for _, fk := range f.Keys() {
				if fk == k {
					involved = true
					break
				}
			}
			if involved {
				sub.Add(f)
			} else {
				rest = append(rest, f)
			}
		}
		if sub.Len() == 0 {
			return nil, fmt.Errorf("ordering key %s is not referenced by any remaining factor", k)
		}
		cond, remaining, err := s.Eliminate(sub, Ordering{k})
		if err != nil {
			return nil, err
		}
		bn.Push(cond)
		if remaining != nil {
			rest = append(rest, remaining)
		}
		working = rest
	}
	if len(working) != 0 {
		return nil, fmt.Errorf("ordering covers %d keys but %d factors remain", len(ordering), len(working))
	}
	return bn, nil
}

// Optimize solves the graph: sequential elimination in the given order
// (natural key order if nil) followed by back-substitution through the
// resulting Bayes net. A nil strategy means DefaultStrategy; a strategy with a
// Multifrontal engine obtains the Bayes tree from it and back-substitutes
// through that instead.
func (g *GaussianFactorGraph) Optimize(ordering Ordering, strategy *EliminationStrategy) (VectorValues, error) {
	if strategy != nil && strategy.Multifrontal != nil {
		if ordering == nil {
			ordering = NaturalOrdering(g.Keys())
		}
		tree, err := strategy.Multifrontal.EliminateMultifrontal(g, ordering)
		if err != nil {
			return nil, err
		}
		return tree.Optimize()
	}
	bn, err := g.EliminateSequential(ordering, strategy)
	if err != nil {
		return nil, err
	}
	return bn.Optimize()
}

// EliminationTree is the per-variable parent structure induced by a graph and
// an elimination ordering: the parent of a key is the first key of its
// separator to be eliminated after it. Roots have no parent.
type EliminationTree struct {
	order   Ordering
	parents map[Key]Key
}

// NewEliminationTree computes the elimination tree symbolically, without any
// numerical work.
func NewEliminationTree(g *GaussianFactorGraph, ordering Ordering) (*EliminationTree, error) {
	if ordering == nil {
		ordering = NaturalOrdering(g.Keys())
	}
	_, parents, err := symbolicEliminate(g, ordering)
	if err != nil {
		return nil, err
	}
	return &EliminationTree{ordering, parents}, nil
}

// symbolicEliminate runs the elimination sweep on factor scopes only,
// returning each key's separator set and its elimination-tree parent (the
// first separator key to be eliminated after it).
func symbolicEliminate(g *GaussianFactorGraph, ordering Ordering) (map[Key]KeySet, map[Key]Key, error) {
	position := make(map[Key]int, len(ordering))
	for i, k := range ordering {
		position[k] = i
	}
	for k := range g.Keys() {
		if _, found := position[k]; !found {
			return nil, nil, fmt.Errorf("ordering is missing key %s", k)
		}
	}

	var scopes []KeySet
	for _, f := range g.factors {
		if f == nil {
			continue
		}
		scope := make(KeySet)
		for _, k := range f.Keys() {
			scope.Add(k)
		}
		scopes = append(scopes, scope)
	}
	separators := make(map[Key]KeySet, len(ordering))
	parents := make(map[Key]Key)
	for _, k := range ordering {
		separator := make(KeySet)
		var rest []KeySet
		for _, scope := range scopes {
			if scope.Contains(k) {
				for sk := range scope {
					if sk != k {
						separator.Add(sk)
					}
				}
			} else {
				rest = append(rest, scope)
			}
		}
		separators[k] = separator
		if len(separator) > 0 {
			first := Key(0)
			best := -1
			for sk := range separator {
				if p := position[sk]; best == -1 || p < best {
					best = p
					first = sk
				}
			}
			parents[k] = first
			rest = append(rest, separator)
		}
		scopes = rest
	}
	return separators, parents, nil
}

// Parent returns the parent of a key and whether it has one.
func (t *EliminationTree) Parent(k Key) (Key, bool) {
	p, found := t.parents[k]
	return p, found
}

// Roots returns the keys with no parent, in elimination order.
func (t *EliminationTree) Roots() []Key {
	var roots []Key
	for _, k := range t.order {
		if _, found := t.parents[k]; !found {
			roots = append(roots, k)
		}
	}
	return roots
}

// JunctionTreeClique is one clique of a junction tree: its frontal keys in
// elimination order and the separator connecting it to the parent clique.
type JunctionTreeClique struct {
	Frontals  []Key
	Separator []Key
}

// JunctionTree groups the elimination tree's variables into cliques: a
// variable joins its parent's clique when its separator is exactly the parent
// plus the parent's separator, so each clique is one dense elimination step of
// a multifrontal solve. Cliques are stored parents-first, roots at index 0.
type JunctionTree struct {
	cliques []JunctionTreeClique
	parents []int
}

// NewJunctionTree computes the junction tree symbolically, without any
// numerical work.
func NewJunctionTree(g *GaussianFactorGraph, ordering Ordering) (*JunctionTree, error) {
	if ordering == nil {
		ordering = NaturalOrdering(g.Keys())
	}
	separators, parents, err := symbolicEliminate(g, ordering)
	if err != nil {
		return nil, err
	}
	t := &JunctionTree{}
	keyClique := make(map[Key]int, len(ordering))
	for i := len(ordering) - 1; i >= 0; i-- {
		k := ordering[i]
		sep := separators[k]
		parentClique := -1
		if p, hasParent := parents[k]; hasParent {
			parentClique = keyClique[p]
			psep := separators[p]
			if len(sep) == len(psep)+1 {
				merged := true
				for sk := range sep {
					if sk != p && !psep.Contains(sk) {
						merged = false
						break
					}
				}
				if merged {
					c := &t.cliques[parentClique]
					c.Frontals = append([]Key{k}, c.Frontals...)
					keyClique[k] = parentClique
					continue
				}
			}
		}
		t.cliques = append(t.cliques, JunctionTreeClique{[]Key{k}, sep.Sorted()})
		t.parents = append(t.parents, parentClique)
		keyClique[k] = len(t.cliques) - 1
	}
	return t, nil
}

// Len returns the number of cliques.
func (t *JunctionTree) Len() int {
	return len(t.cliques)
}

// Clique returns the i-th clique.
func (t *JunctionTree) Clique(i int) JunctionTreeClique {
	return t.cliques[i]
}

// Parent returns the parent clique index, -1 at a root.
func (t *JunctionTree) Parent(i int) int {
	return t.parents[i]
}

// GaussianBayesTree is the clique-structured posterior produced by
// multifrontal elimination: one conditional per junction-tree clique, stored
// parents-first so back-substitution is a forward sweep.
type GaussianBayesTree struct {
	conditionals []*GaussianConditional
	parents      []int
}

// Len returns the number of cliques.
func (t *GaussianBayesTree) Len() int {
	return len(t.conditionals)
}

// At returns the i-th clique's conditional.
func (t *GaussianBayesTree) At(i int) *GaussianConditional {
	return t.conditionals[i]
}

// Parent returns the parent clique index, -1 at a root.
func (t *GaussianBayesTree) Parent(i int) int {
	return t.parents[i]
}

// Optimize back-substitutes from the roots down and returns the full solution.
func (t *GaussianBayesTree) Optimize() (VectorValues, error) {
	x := make(VectorValues)
	for _, c := range t.conditionals {
		if err := c.Solve(x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// String implements the Stringer interface.
func (t *GaussianBayesTree) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "GaussianBayesTree with %d cliques:\n", len(t.conditionals))
	for _, c := range t.conditionals {
		b.WriteString(c.String())
	}
	return b.String()
}

// EliminateMultifrontal eliminates whole junction-tree cliques at a time, in
// the given variable order (natural key order if nil), and returns the Bayes
// tree of the posterior. The per-clique dense step comes from the strategy,
// DefaultStrategy if nil.
func (g *GaussianFactorGraph) EliminateMultifrontal(ordering Ordering, strategy *EliminationStrategy) (*GaussianBayesTree, error) {
	s := DefaultStrategy()
	if strategy != nil {
		s = *strategy
	}
	if s.Eliminate == nil {
		s.Eliminate = EliminatePreferCholesky
	}
	if ordering == nil {
		ordering = NaturalOrdering(g.Keys())
	}
	jt, err := NewJunctionTree(g, ordering)
	if err != nil {
		return nil, err
	}

	working := make([]GaussianFactor, 0, g.Len())
	for _, f := range g.factors {
		if f != nil {
			working = append(working, f)
		}
	}
	// Children before parents: cliques are stored parents-first.
	conditionals := make([]*GaussianConditional, jt.Len())
	for i := jt.Len() - 1; i >= 0; i-- {
		clique := jt.Clique(i)
		frontals := make(KeySet, len(clique.Frontals))
		for _, k := range clique.Frontals {
			frontals.Add(k)
		}
		sub := NewGaussianFactorGraph()
		var rest []GaussianFactor
		for _, f := range working {
			involved := false
			for _, fk := range f.Keys() {
				if frontals.Contains(fk) {
					involved = true
					break
				}
			}
			if involved {
				sub.Add(f)
			} else {
				rest = append(rest, f)
			}
		}
		if sub.Len() == 0 {
			return nil, fmt.Errorf("clique of %s is not referenced by any remaining factor", clique.Frontals[0])
		}
		cond, remaining, err := s.Eliminate(sub, Ordering(clique.Frontals))
		if err != nil {
			return nil, err
		}
		conditionals[i] = cond
		if remaining != nil {
			rest = append(rest, remaining)
		}
		working = rest
	}
	if len(working) != 0 {
		return nil, fmt.Errorf("%d factors remain after eliminating every clique", len(working))
	}
	return &GaussianBayesTree{conditionals, append([]int(nil), jt.parents...)}, nil
}
