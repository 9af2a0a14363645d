// Package corridor wraps a reference path in a sequence of convex polytopes,
// each valid for a time interval, inside which the trajectory optimizer is
// free to move.
package corridor

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/flightplan/motionplan"
)

// Face is one bounding half-space: points x with (x - Point)·Normal <= 0 are
// inside. Normals point outward.
type Face struct {
	Point  r3.Vector `json:"point"`
	Normal r3.Vector `json:"normal"`
}

// Polytope is one corridor element with its validity window.
type Polytope struct {
	Faces    []Face  `json:"faces"`
	Duration float64 `json:"duration"`
	TLo      float64 `json:"t_lo"`
	THi      float64 `json:"t_hi"`
}

// Contains reports membership of a point.
func (p *Polytope) Contains(x r3.Vector) bool {
	return p.ContainsMargin(x, 0)
}

// ContainsMargin reports membership of a point with every face pulled inward
// by margin.
func (p *Polytope) ContainsMargin(x r3.Vector, margin float64) bool {
	for _, f := range p.Faces {
		if x.Sub(f.Point).Dot(f.Normal) > -margin+1e-9 {
			return false
		}
	}
	return true
}

// Bounds recovers the axis-aligned extent of a box-form polytope. ok is
// false for general half-space sets.
func (p *Polytope) Bounds() (lo, hi r3.Vector, ok bool) {
	b, ok := toBox(*p)
	if !ok {
		return r3.Vector{}, r3.Vector{}, false
	}
	return b.lo, b.hi, true
}

// box is the axis-aligned working form the generators grow before converting
// to half-spaces.
type box struct {
	lo, hi r3.Vector
}

func (b *box) contains(x r3.Vector, pad float64) bool {
	return x.X > b.lo.X-pad && x.X < b.hi.X+pad &&
		x.Y > b.lo.Y-pad && x.Y < b.hi.Y+pad &&
		x.Z > b.lo.Z-pad && x.Z < b.hi.Z+pad
}

func (b *box) toPolytope(tLo, tHi float64) Polytope {
	c := b.lo.Add(b.hi).Mul(0.5)
	faces := []Face{
		{Point: r3.Vector{X: b.hi.X, Y: c.Y, Z: c.Z}, Normal: r3.Vector{X: 1}},
		{Point: r3.Vector{X: b.lo.X, Y: c.Y, Z: c.Z}, Normal: r3.Vector{X: -1}},
		{Point: r3.Vector{X: c.X, Y: b.hi.Y, Z: c.Z}, Normal: r3.Vector{Y: 1}},
		{Point: r3.Vector{X: c.X, Y: b.lo.Y, Z: c.Z}, Normal: r3.Vector{Y: -1}},
		{Point: r3.Vector{X: c.X, Y: c.Y, Z: b.hi.Z}, Normal: r3.Vector{Z: 1}},
		{Point: r3.Vector{X: c.X, Y: c.Y, Z: b.lo.Z}, Normal: r3.Vector{Z: -1}},
	}
	return Polytope{Faces: faces, Duration: tHi - tLo, TLo: tLo, THi: tHi}
}

// Obstacle is a time-stamped obstacle sample; Stamp is the offset from the
// planning start.
type Obstacle struct {
	Point r3.Vector
	Stamp float64
}

// Config bounds corridor growth.
type Config struct {
	// MaxExpand caps how far any face may grow away from the reference
	// segment.
	MaxExpand float64
	// Shrink pulls every grown face back, keeping obstacle samples at least
	// this far outside the polytope.
	Shrink float64
	// Resolution is the growth step, normally the map voxel size.
	Resolution float64
}

// FindCorridors builds one polytope per stride-th reference segment, grown
// against the obstacle samples active within the segment's time window.
// Durations come from the actual node-to-node traversal times.
func FindCorridors(nodes []motionplan.Node, stride int, obstacles []Obstacle, cfg Config) ([]Polytope, error) {
	if len(nodes) < 2 {
		return nil, errors.New("need at least two nodes to build a corridor")
	}
	if stride < 1 {
		stride = 1
	}
	t0 := nodes[0].T
	var polys []Polytope
	for i := 0; i < len(nodes)-1; i += stride {
		j := i + stride
		if j > len(nodes)-1 {
			j = len(nodes) - 1
		}
		tLo := nodes[i].T - t0
		tHi := nodes[j].T - t0
		b := grow(nodes[i].Pos, nodes[j].Pos, windowed(obstacles, tLo, tHi), cfg)
		polys = append(polys, b.toPolytope(tLo, tHi))
	}
	if err := checkChain(polys, nodes, t0); err != nil {
		return nil, err
	}
	return polys, nil
}

// ConvexCover is the alternate form: polytopes directly from dense path
// samples and a raw obstacle cloud, clipped to a bounding box. bloat is the
// initial growth allowance, shrink the obstacle standoff.
func ConvexCover(path []r3.Vector, cloud []r3.Vector, lo, hi r3.Vector, bloat, shrink, resolution float64) ([]Polytope, error) {
	if len(path) < 2 {
		return nil, errors.New("need at least two path samples")
	}
	obstacles := make([]Obstacle, len(cloud))
	for i, p := range cloud {
		obstacles[i] = Obstacle{Point: p}
	}
	cfg := Config{MaxExpand: bloat, Shrink: shrink, Resolution: resolution}
	var polys []Polytope
	for i := 0; i+1 < len(path); i++ {
		b := grow(path[i], path[i+1], obstacles, cfg)
		b.lo = vecMax(b.lo, lo)
		b.hi = vecMin(b.hi, hi)
		polys = append(polys, b.toPolytope(0, 0))
	}
	return polys, nil
}

// ShortCut merges each polytope into its successor when both are boxes that
// overlap with positive volume and one spans the other on at least two axes;
// the merged polytope is their bounding box over the joined time window and
// is not re-checked against obstacles. The planner does not call it.
func ShortCut(polys []Polytope) []Polytope {
	if len(polys) < 2 {
		return polys
	}
	out := []Polytope{polys[0]}
	for _, p := range polys[1:] {
		last := &out[len(out)-1]
		if merged, ok := merge(*last, p); ok {
			*last = merged
			continue
		}
		out = append(out, p)
	}
	return out
}

func merge(a, b Polytope) (Polytope, bool) {
	ba, ok1 := toBox(a)
	bb, ok2 := toBox(b)
	if !ok1 || !ok2 {
		return Polytope{}, false
	}
	// merge only when one box already covers the other's span on two of the
	// three axes, so the union stays convex enough to re-box.
	u := box{lo: vecMin(ba.lo, bb.lo), hi: vecMax(ba.hi, bb.hi)}
	inter := box{lo: vecMax(ba.lo, bb.lo), hi: vecMin(ba.hi, bb.hi)}
	if inter.lo.X >= inter.hi.X || inter.lo.Y >= inter.hi.Y || inter.lo.Z >= inter.hi.Z {
		return Polytope{}, false
	}
	covered := 0
	if ba.lo.X <= bb.lo.X && ba.hi.X >= bb.hi.X || bb.lo.X <= ba.lo.X && bb.hi.X >= ba.hi.X {
		covered++
	}
	if ba.lo.Y <= bb.lo.Y && ba.hi.Y >= bb.hi.Y || bb.lo.Y <= ba.lo.Y && bb.hi.Y >= ba.hi.Y {
		covered++
	}
	if ba.lo.Z <= bb.lo.Z && ba.hi.Z >= bb.hi.Z || bb.lo.Z <= ba.lo.Z && bb.hi.Z >= ba.hi.Z {
		covered++
	}
	if covered < 2 {
		return Polytope{}, false
	}
	m := u.toPolytope(a.TLo, b.THi)
	return m, true
}

func toBox(p Polytope) (box, bool) {
	if len(p.Faces) != 6 {
		return box{}, false
	}
	b := box{
		lo: r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)},
		hi: r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)},
	}
	for _, f := range p.Faces {
		switch {
		case f.Normal.X > 0.5:
			b.hi.X = f.Point.X
		case f.Normal.X < -0.5:
			b.lo.X = f.Point.X
		case f.Normal.Y > 0.5:
			b.hi.Y = f.Point.Y
		case f.Normal.Y < -0.5:
			b.lo.Y = f.Point.Y
		case f.Normal.Z > 0.5:
			b.hi.Z = f.Point.Z
		case f.Normal.Z < -0.5:
			b.lo.Z = f.Point.Z
		default:
			return box{}, false
		}
	}
	return b, true
}

// grow starts from the segment's bounding box and pushes each face outward
// one resolution step at a time until an obstacle sample (less the shrink
// standoff) or the expansion cap stops it.
func grow(a, b r3.Vector, obstacles []Obstacle, cfg Config) box {
	bx := box{lo: vecMin(a, b), hi: vecMax(a, b)}
	seed := bx

	step := cfg.Resolution
	if step <= 0 {
		step = 0.1
	}
	type face struct {
		dir    r3.Vector
		isHigh bool
	}
	faces := []face{
		{r3.Vector{X: 1}, true}, {r3.Vector{X: -1}, false},
		{r3.Vector{Y: 1}, true}, {r3.Vector{Y: -1}, false},
		{r3.Vector{Z: 1}, true}, {r3.Vector{Z: -1}, false},
	}
	blocked := make([]bool, len(faces))
	for {
		progress := false
		for i, f := range faces {
			if blocked[i] {
				continue
			}
			trial := bx
			if f.isHigh {
				trial.hi = trial.hi.Add(f.dir.Mul(step))
			} else {
				trial.lo = trial.lo.Add(f.dir.Mul(step))
			}
			if exceeds(trial, seed, cfg.MaxExpand) || hitsObstacle(trial, obstacles, cfg.Shrink) {
				blocked[i] = true
				continue
			}
			bx = trial
			progress = true
		}
		if !progress {
			break
		}
	}
	return bx
}

func exceeds(trial, seed box, maxExpand float64) bool {
	return trial.hi.X-seed.hi.X > maxExpand || seed.lo.X-trial.lo.X > maxExpand ||
		trial.hi.Y-seed.hi.Y > maxExpand || seed.lo.Y-trial.lo.Y > maxExpand ||
		trial.hi.Z-seed.hi.Z > maxExpand || seed.lo.Z-trial.lo.Z > maxExpand
}

func hitsObstacle(b box, obstacles []Obstacle, standoff float64) bool {
	for _, o := range obstacles {
		if b.contains(o.Point, standoff) {
			return true
		}
	}
	return false
}

func windowed(obstacles []Obstacle, tLo, tHi float64) []Obstacle {
	var out []Obstacle
	for _, o := range obstacles {
		if o.Stamp >= tLo-1e-9 && o.Stamp <= tHi+1e-9 {
			out = append(out, o)
		}
	}
	return out
}

// checkChain enforces the corridor invariants: every reference node sits in
// the polytope whose window contains it, and adjacent polytopes intersect.
func checkChain(polys []Polytope, nodes []motionplan.Node, t0 float64) error {
	for _, n := range nodes {
		t := n.T - t0
		for i := range polys {
			if t >= polys[i].TLo-1e-9 && t <= polys[i].THi+1e-9 {
				if !polys[i].Contains(n.Pos) {
					return errors.Errorf("reference node at t=%.2f escapes its corridor", t)
				}
			}
		}
	}
	for i := 0; i+1 < len(polys); i++ {
		a, ok1 := toBox(polys[i])
		b, ok2 := toBox(polys[i+1])
		if !ok1 || !ok2 {
			continue
		}
		if a.lo.X > b.hi.X || b.lo.X > a.hi.X ||
			a.lo.Y > b.hi.Y || b.lo.Y > a.hi.Y ||
			a.lo.Z > b.hi.Z || b.lo.Z > a.hi.Z {
			return errors.Errorf("corridors %d and %d do not intersect", i, i+1)
		}
	}
	return nil
}

func vecMin(a, b r3.Vector) r3.Vector {
	return r3.Vector{X: math.Min(a.X, b.X), Y: math.Min(a.Y, b.Y), Z: math.Min(a.Z, b.Z)}
}

func vecMax(a, b r3.Vector) r3.Vector {
	return r3.Vector{X: math.Max(a.X, b.X), Y: math.Max(a.Y, b.Y), Z: math.Max(a.Z, b.Z)}
}
