package motionplan

import (
	"container/heap"
	"context"
	"math"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"

	"go.viam.com/flightplan/riskmap"
)

// closedKey discretizes a lattice vertex for duplicate detection: time index,
// spatial voxel and a coarse velocity bucket.
type closedKey struct {
	tIdx       int16
	voxel      int32
	vx, vy, vz int8
}

const velBucket = 0.5

// Search runs risk-constrained kinodynamic A* from start to goal. Positions
// are in the map-centered frame of the given snapshot; tStart offsets risk
// lookups into the prediction horizon. refHeading biases tie-breaks toward
// the previous cycle's initial direction (pass NaN to disable).
func Search(
	ctx context.Context,
	start, goal Node,
	tStart float64,
	refHeading float64,
	snap *riskmap.Snapshot,
	opts *Options,
	logger golog.Logger,
) (*Path, Status) {
	deadline := time.Now().Add(opts.Budget)

	ar := &arena{nodes: make([]searchNode, 0, 4096)}
	open := &openSet{arena: ar}
	closed := map[closedKey]struct{}{}

	startID := ar.add(searchNode{
		state:  start,
		g:      0,
		f:      heuristic(start, goal, opts),
		parent: -1,
	})
	heap.Push(open, startID)

	accs := opts.accSamples()
	zAccs := accs
	if !opts.SampleZAcc {
		zAccs = []float64{0}
	}

	iterations := 0
	for open.Len() > 0 {
		iterations++
		if iterations > opts.MaxIterations {
			logger.Debugw("search iteration cap hit", "iterations", iterations)
			return nil, StatusTimeout
		}
		if iterations%64 == 0 {
			if ctx.Err() != nil || time.Now().After(deadline) {
				logger.Debugw("search budget expired", "iterations", iterations)
				return nil, StatusTimeout
			}
		}

		currentID := heap.Pop(open).(int32)
		current := ar.at(currentID)

		if current.state.Pos.Sub(goal.Pos).Norm() <= opts.GoalRadius {
			return reconstruct(ar, currentID), StatusFound
		}

		key := keyOf(current.state, snap, opts)
		if _, seen := closed[key]; seen {
			continue
		}
		closed[key] = struct{}{}

		for _, ax := range accs {
			for _, ay := range accs {
				for _, az := range zAccs {
					acc := r3.Vector{X: ax, Y: ay, Z: az}
					succ, cost, ok := expand(current.state, acc, tStart, snap, opts)
					if !ok {
						continue
					}
					if _, seen := closed[keyOf(succ, snap, opts)]; seen {
						continue
					}
					g := current.g + cost
					id := ar.add(searchNode{
						state:      succ,
						g:          g,
						f:          g + heuristic(succ, goal, opts),
						headingErr: headingError(current.state, succ, refHeading),
						parent:     currentID,
					})
					// current may have moved: the arena backing array can
					// grow during expansion.
					current = ar.at(currentID)
					heap.Push(open, id)
				}
			}
		}
	}
	return nil, StatusNoPath
}

// expand integrates one constant-acceleration primitive and prices it. It
// reports !ok when the successor violates velocity bounds, the height band,
// leaves the map, or crosses the risk thresholds.
func expand(
	from Node,
	acc r3.Vector,
	tStart float64,
	snap *riskmap.Snapshot,
	opts *Options,
) (Node, float64, bool) {
	dt := opts.StepNode
	vel := from.Vel.Add(acc.Mul(dt))
	if math.Abs(vel.X) > opts.VMaxXY || math.Abs(vel.Y) > opts.VMaxXY || math.Abs(vel.Z) > opts.VMaxZ {
		return Node{}, 0, false
	}
	pos := from.Pos.Add(from.Vel.Mul(dt)).Add(acc.Mul(0.5 * dt * dt))

	riskSum := 0.0
	for t := opts.StepSample; t <= dt+1e-9; t += opts.StepSample {
		p := from.Pos.Add(from.Vel.Mul(t)).Add(acc.Mul(0.5 * t * t))
		if opts.UseHeightLimit {
			worldZ := p.Z + snap.Center().Z
			if worldZ < opts.HeightMin || worldZ > opts.HeightMax {
				return Node{}, 0, false
			}
		}
		if !snap.InRange(p) {
			return Node{}, 0, false
		}
		slice := int((from.T + t - tStart) / snap.Config().TimeResolution)
		if slice > snap.Config().TimeSlices-1 {
			slice = snap.Config().TimeSlices - 1
		}
		r := snap.RiskAt(snap.VoxelIndex(p), slice)
		if r > opts.RiskThresholdVoxel {
			return Node{}, 0, false
		}
		riskSum += r
		if riskSum > opts.RiskThresholdPrimitive {
			return Node{}, 0, false
		}
		if snap.InflatedOccupancy(p.Add(snap.Center()), slice) != riskmap.Free {
			return Node{}, 0, false
		}
	}

	succ := Node{T: from.T + dt, Pos: pos, Vel: vel}
	cost := opts.WeightTime*dt + opts.WeightAcc*acc.Norm2() + opts.WeightRisk*riskSum
	return succ, cost, true
}

// heuristic is the largest per-axis rest-to-rest bang-bang time to the goal
// center under AMax and the velocity caps, scaled by the time weight. It
// ignores the node's current velocity and the goal radius, so it can exceed
// the remaining cost and is not an admissible lower bound.
func heuristic(n, goal Node, opts *Options) float64 {
	tx := axisTime(math.Abs(goal.Pos.X-n.Pos.X), opts.VMaxXY, opts.AMax)
	ty := axisTime(math.Abs(goal.Pos.Y-n.Pos.Y), opts.VMaxXY, opts.AMax)
	tz := axisTime(math.Abs(goal.Pos.Z-n.Pos.Z), opts.VMaxZ, opts.AMax)
	return opts.WeightTime * math.Max(tx, math.Max(ty, tz))
}

// axisTime is the bang-bang minimum time to cover distance d from rest to rest:
// triangular profile when vmax is never reached, trapezoidal otherwise.
func axisTime(d, vmax, amax float64) float64 {
	if d <= 0 {
		return 0
	}
	vPeak := math.Sqrt(d * amax)
	if vPeak <= vmax {
		return 2 * math.Sqrt(d/amax)
	}
	return d/vmax + vmax/amax
}

func headingError(from, to Node, refHeading float64) float64 {
	if math.IsNaN(refHeading) {
		return 0
	}
	d := to.Pos.Sub(from.Pos)
	if math.Hypot(d.X, d.Y) < 1e-9 {
		return 0
	}
	err := math.Abs(math.Atan2(d.Y, d.X) - refHeading)
	if err > math.Pi {
		err = 2*math.Pi - err
	}
	return err
}

func keyOf(n Node, snap *riskmap.Snapshot, opts *Options) closedKey {
	return closedKey{
		tIdx:  int16(math.Round(n.T / opts.StepNode)),
		voxel: int32(snap.VoxelIndex(n.Pos)),
		vx:    int8(math.Round(n.Vel.X / velBucket)),
		vy:    int8(math.Round(n.Vel.Y / velBucket)),
		vz:    int8(math.Round(n.Vel.Z / velBucket)),
	}
}

func reconstruct(ar *arena, id int32) *Path {
	var nodes []Node
	for id >= 0 {
		nodes = append(nodes, ar.at(id).state)
		id = ar.at(id).parent
	}
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
	return &Path{Nodes: nodes}
}
