// Package trajopt solves the corridor-constrained smoothing problem: a
// piecewise degree-5 Bezier minimizing integrated squared snap, subject to
// endpoint states, C² junctions, corridor membership of the control net and
// kinematic caps. Corridor and cap violations are repaired iteratively by
// shrinking the corridor and stretching the time allocation.
package trajopt

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/flightplan/corridor"
	"go.viam.com/flightplan/trajectory"
)

// ErrNoSolution reports an infeasible problem, before or after retries.
var ErrNoSolution = errors.New("no solution for these corridors")

// ErrOptimizerCrashed wraps a panic escaping the linear algebra layer.
var ErrOptimizerCrashed = errors.New("optimizer crashed")

// BoundaryState fixes position, velocity and acceleration at one end of the
// trajectory.
type BoundaryState struct {
	Pos r3.Vector
	Vel r3.Vector
	Acc r3.Vector
}

const (
	degree   = trajectory.Degree
	perPiece = degree + 1
)

type axisBounds struct {
	lo, hi [3]float64
}

// Optimizer holds one smoothing problem and its retry state.
type Optimizer struct {
	logger golog.Logger
	delta  float64

	init, final BoundaryState
	durations   []float64
	polys       []corridor.Polytope
	boxes       []axisBounds
	vMax, aMax  float64

	shrink   float64
	stretchK float64

	traj *trajectory.Bezier
}

// New returns an optimizer; delta is the inward margin applied per
// tightening round and in feasibility checks.
func New(logger golog.Logger, delta float64) *Optimizer {
	return &Optimizer{logger: logger, delta: delta}
}

// Setup loads boundary states, the time allocation and the corridor
// sequence. The allocation must align one duration per polytope.
func (o *Optimizer) Setup(
	init, final BoundaryState,
	durations []float64,
	polys []corridor.Polytope,
	vMax, aMax float64,
) error {
	if len(durations) == 0 || len(durations) != len(polys) {
		return errors.Errorf("time allocation (%d) does not align with corridors (%d)",
			len(durations), len(polys))
	}
	boxes := make([]axisBounds, len(polys))
	for i := range polys {
		lo, hi, ok := polys[i].Bounds()
		if !ok {
			return errors.Errorf("corridor %d is not in box form", i)
		}
		boxes[i] = axisBounds{
			lo: [3]float64{lo.X, lo.Y, lo.Z},
			hi: [3]float64{hi.X, hi.Y, hi.Z},
		}
	}
	o.init, o.final = init, final
	o.durations = append([]float64(nil), durations...)
	o.polys = polys
	o.boxes = boxes
	o.vMax, o.aMax = vMax, aMax
	o.shrink = 0
	o.stretchK = 1
	o.traj = nil
	return nil
}

// Trajectory returns the last solved trajectory.
func (o *Optimizer) Trajectory() *trajectory.Bezier { return o.traj }

// Optimize runs the initial solve. Panics from the solver are recovered and
// reported as ErrOptimizerCrashed.
func (o *Optimizer) Optimize() (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Errorw("optimizer panicked", "cause", r)
			err = ErrOptimizerCrashed
		}
	}()
	return o.solve()
}

// ReOptimize tightens the problem and solves again: the corridor is shrunk
// by another delta, and if the last check failed on a kinematic cap the time
// allocation is stretched.
func (o *Optimizer) ReOptimize(stretch bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Errorw("optimizer panicked", "cause", r)
			err = ErrOptimizerCrashed
		}
	}()
	o.shrink += o.delta
	if stretch {
		o.stretchK *= 1.2
	}
	return o.solve()
}

// IsCorridorSatisfied densely resamples the trajectory and checks every
// sample for corridor membership (inward by margin) within its time window
// and for the kinematic caps. The two violation kinds are reported
// separately so the caller can pick the tightening.
func (o *Optimizer) IsCorridorSatisfied(
	traj *trajectory.Bezier,
	vMax, aMax, margin float64,
) (ok, kinematicViolation bool) {
	bounds := make([]float64, len(traj.Pieces)+1)
	for i, p := range traj.Pieces {
		bounds[i+1] = bounds[i] + p.Duration
	}
	for _, s := range traj.SampleEvery(0.05) {
		i := pieceAt(bounds, s.T)
		if !o.polys[i].ContainsMargin(s.Pos, margin) {
			return false, false
		}
		if linfNorm(s.Vel) > vMax || linfNorm(s.Acc) > aMax {
			return false, true
		}
	}
	return true, false
}

func pieceAt(bounds []float64, t float64) int {
	for i := 1; i < len(bounds)-1; i++ {
		if t < bounds[i] {
			return i - 1
		}
	}
	return len(bounds) - 2
}

func linfNorm(v r3.Vector) float64 {
	return math.Max(math.Abs(v.X), math.Max(math.Abs(v.Y), math.Abs(v.Z)))
}

// solve runs the per-axis equality-constrained QP with an active set of
// pinned corridor bounds, then assembles the Bezier.
func (o *Optimizer) solve() error {
	m := len(o.durations)
	durations := make([]float64, m)
	for i, d := range o.durations {
		durations[i] = d * o.stretchK
	}

	ctrl := make([][]r3.Vector, m)
	for i := range ctrl {
		ctrl[i] = make([]r3.Vector, perPiece)
	}

	for axis := 0; axis < 3; axis++ {
		vals, err := o.solveAxis(axis, durations)
		if err != nil {
			return err
		}
		for i := 0; i < m; i++ {
			for k := 0; k < perPiece; k++ {
				setAxis(&ctrl[i][k], axis, vals[i*perPiece+k])
			}
		}
	}

	traj := &trajectory.Bezier{}
	for i := 0; i < m; i++ {
		piece := trajectory.Piece{Duration: durations[i]}
		copy(piece.Ctrl[:], ctrl[i])
		traj.Pieces = append(traj.Pieces, piece)
	}
	o.traj = traj
	return nil
}

func setAxis(v *r3.Vector, axis int, val float64) {
	switch axis {
	case 0:
		v.X = val
	case 1:
		v.Y = val
	default:
		v.Z = val
	}
}

func axisOf(v r3.Vector, axis int) float64 {
	switch axis {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

// constraintRow is one equality a·c = b over the flat control variable
// vector.
type constraintRow struct {
	coeffs map[int]float64
	rhs    float64
}

func row(rhs float64, idxCoeffs ...float64) constraintRow {
	r := constraintRow{coeffs: map[int]float64{}, rhs: rhs}
	for i := 0; i+1 < len(idxCoeffs); i += 2 {
		r.coeffs[int(idxCoeffs[i])] = idxCoeffs[i+1]
	}
	return r
}

func (o *Optimizer) solveAxis(axis int, durations []float64) ([]float64, error) {
	m := len(durations)
	n := m * perPiece

	qm := snapCost(durations)

	base := o.equalityRows(axis, durations)

	// per-variable bounds; junction control points are tied by the C⁰ rows,
	// so they take the intersection of the two adjacent boxes
	lo := make([]float64, n)
	hi := make([]float64, n)
	for i := 0; i < m; i++ {
		for k := 0; k < perPiece; k++ {
			idx := i*perPiece + k
			lo[idx] = o.boxes[i].lo[axis] + o.shrink
			hi[idx] = o.boxes[i].hi[axis] - o.shrink
			if k == 0 && i > 0 {
				lo[idx] = math.Max(lo[idx], o.boxes[i-1].lo[axis]+o.shrink)
				hi[idx] = math.Min(hi[idx], o.boxes[i-1].hi[axis]-o.shrink)
			}
			if k == perPiece-1 && i < m-1 {
				lo[idx] = math.Max(lo[idx], o.boxes[i+1].lo[axis]+o.shrink)
				hi[idx] = math.Min(hi[idx], o.boxes[i+1].hi[axis]-o.shrink)
			}
			if lo[idx] > hi[idx] {
				return nil, ErrNoSolution
			}
		}
	}

	// active set over the corridor bounds: solve, pin violating control
	// points to their (shrunken) bound, and solve again.
	pinned := map[int]float64{}
	for iter := 0; iter < 2*n; iter++ {
		rows := append([]constraintRow(nil), base...)
		for idx, val := range pinned {
			rows = append(rows, row(val, float64(idx), 1))
		}
		vals, err := solveKKT(qm, rows, n)
		if err != nil {
			return nil, ErrNoSolution
		}
		violated := false
		for idx := 0; idx < n; idx++ {
			// the first and last three control points are fixed outright by
			// the boundary-state equalities; pinning them cannot help
			if idx < 3 || idx >= n-3 {
				continue
			}
			// the first control point of each later piece equals the previous
			// piece's last one through the C⁰ row and shares its bounds;
			// pinning both would make the KKT rows dependent
			if idx%perPiece == 0 {
				continue
			}
			if _, done := pinned[idx]; done {
				continue
			}
			if vals[idx] < lo[idx]-1e-9 {
				pinned[idx] = lo[idx]
				violated = true
			} else if vals[idx] > hi[idx]+1e-9 {
				pinned[idx] = hi[idx]
				violated = true
			}
		}
		if !violated {
			return vals, nil
		}
	}
	return nil, ErrNoSolution
}

// equalityRows builds endpoint and junction constraints for one axis.
func (o *Optimizer) equalityRows(axis int, durations []float64) []constraintRow {
	m := len(durations)
	var rows []constraintRow
	n := float64(degree)

	d0 := durations[0]
	dm := durations[m-1]
	last := (m - 1) * perPiece

	// endpoint position, velocity, acceleration at both ends
	rows = append(rows,
		row(axisOf(o.init.Pos, axis), 0, 1),
		row(axisOf(o.init.Vel, axis)*d0/n, 0, -1, 1, 1),
		row(axisOf(o.init.Acc, axis)*d0*d0/(n*(n-1)), 0, 1, 1, -2, 2, 1),
		row(axisOf(o.final.Pos, axis), float64(last+degree), 1),
		row(axisOf(o.final.Vel, axis)*dm/n, float64(last+degree-1), -1, float64(last+degree), 1),
		row(axisOf(o.final.Acc, axis)*dm*dm/(n*(n-1)),
			float64(last+degree-2), 1, float64(last+degree-1), -2, float64(last+degree), 1),
	)

	// C0, C1, C2 junctions
	for i := 0; i+1 < m; i++ {
		a := i * perPiece
		b := (i + 1) * perPiece
		da, db := durations[i], durations[i+1]
		rows = append(rows,
			row(0, float64(a+degree), 1, float64(b), -1),
			row(0,
				float64(a+degree-1), -1/da, float64(a+degree), 1/da,
				float64(b), 1/db, float64(b+1), -1/db),
			row(0,
				float64(a+degree-2), 1/(da*da), float64(a+degree-1), -2/(da*da), float64(a+degree), 1/(da*da),
				float64(b), -1/(db*db), float64(b+1), 2/(db*db), float64(b+2), -1/(db*db)),
		)
	}
	return rows
}

// snapCost assembles the quadratic form of integrated squared snap. The 4th
// derivative of a degree-5 piece is a degree-1 Bezier whose two control
// values are 120/d⁴ times the 4th differences of the control net;
// ∫(a(1-s)+bs)² ds = (a²+ab+b²)/3.
func snapCost(durations []float64) *mat.SymDense {
	m := len(durations)
	n := m * perPiece
	q := mat.NewSymDense(n, nil)
	diff4 := [][]float64{
		{1, -4, 6, -4, 1, 0},
		{0, 1, -4, 6, -4, 1},
	}
	for i, d := range durations {
		scale := 120 / math.Pow(d, 4)
		// weight matrix for [a0 a1]: d/3 * [[1, 1/2], [1/2, 1]]
		w := [2][2]float64{
			{d / 3, d / 6},
			{d / 6, d / 3},
		}
		for r := 0; r < 2; r++ {
			for c := 0; c < 2; c++ {
				for p := 0; p < perPiece; p++ {
					for qi := 0; qi < perPiece; qi++ {
						v := w[r][c] * scale * scale * diff4[r][p] * diff4[c][qi]
						if v == 0 {
							continue
						}
						ri := i*perPiece + p
						ci := i*perPiece + qi
						if ri <= ci {
							q.SetSym(ri, ci, q.At(ri, ci)+v)
						}
					}
				}
			}
		}
	}
	return q
}

// solveKKT solves min cᵀQc s.t. Ac = b by the KKT system
// [2Q/s Aᵀ; A 0][c;λ] = [0;b], where s is the largest entry of Q.
func solveKKT(q *mat.SymDense, rows []constraintRow, n int) ([]float64, error) {
	nc := len(rows)
	size := n + nc
	k := mat.NewDense(size, size, nil)
	rhs := mat.NewVecDense(size, nil)

	// the snap weights grow as 1/d⁷ for short pieces; dividing Q by its
	// largest entry leaves the minimizer unchanged and keeps the KKT matrix
	// well conditioned
	scale := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			scale = math.Max(scale, math.Abs(q.At(i, j)))
		}
	}
	if scale == 0 {
		scale = 1
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			k.Set(i, j, 2*q.At(i, j)/scale)
		}
	}
	for r, c := range rows {
		for idx, coeff := range c.coeffs {
			k.Set(n+r, idx, coeff)
			k.Set(idx, n+r, coeff)
		}
		rhs.SetVec(n+r, c.rhs)
	}

	var sol mat.VecDense
	if err := sol.SolveVec(k, rhs); err != nil {
		return nil, errors.Wrap(err, "KKT system is singular")
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = sol.AtVec(i)
	}
	return out, nil
}
