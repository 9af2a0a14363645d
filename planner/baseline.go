package planner

import (
	"context"
	"math"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/flightplan/corridor"
	"go.viam.com/flightplan/deconflict"
	"go.viam.com/flightplan/motionplan"
	"go.viam.com/flightplan/riskmap"
	"go.viam.com/flightplan/trajectory"
	"go.viam.com/flightplan/trajopt"
)

// routeCap bounds how many reference nodes feed the corridor stage; the
// receding horizon replans long before the tail would matter.
const routeCap = 4

// maxTighteningRounds caps optimizer retries per cycle.
const maxTighteningRounds = 10

// corridorBBoxLo/Hi restrict obstacle gathering to a box around the vehicle.
var (
	corridorBBoxLo = r3.Vector{X: -5, Y: -5, Z: -1}
	corridorBBoxHi = r3.Vector{X: 5, Y: 5, Z: 3}
)

// Baseline runs one full planning cycle: search, corridor, optimization,
// deconfliction. It owns no state across cycles beyond the reference
// heading fed back to the next search and the last plan result.
type Baseline struct {
	logger golog.Logger
	cfg    Config
	mapSrc riskmap.Map
	peers  *deconflict.Registry
	opt    *trajopt.Optimizer
	pub    Publisher
	clock  clock.Clock

	refHeading float64
	lastPlan   *PlanResult
}

// NewBaseline wires a cycle planner over the given map and peer registry.
func NewBaseline(
	cfg Config,
	mapSrc riskmap.Map,
	peers *deconflict.Registry,
	pub Publisher,
	clk clock.Clock,
	logger golog.Logger,
) *Baseline {
	return &Baseline{
		logger:     logger,
		cfg:        cfg,
		mapSrc:     mapSrc,
		peers:      peers,
		opt:        trajopt.New(logger, cfg.DeltaCorridor),
		pub:        pub,
		clock:      clk,
		refHeading: math.NaN(),
	}
}

// PlanResult is one committed-candidate trajectory with its reference path.
type PlanResult struct {
	Traj      *trajectory.Bezier
	StartTime float64
	Path      *motionplan.Path
	// FullDuration is the searched reference duration before the horizon cap.
	FullDuration float64
}

// Plan produces a candidate trajectory from the given boundary state to the
// goal, or a typed error the supervisor reschedules on.
func (b *Baseline) Plan(ctx context.Context, start trajopt.BoundaryState, goal r3.Vector) (*PlanResult, error) {
	snap := b.mapSrc.Snapshot()
	if snap.Stamp() == 0 {
		return nil, ErrInputMissing
	}
	center := snap.Center()
	b.pub.PublishOccupancy(snap.OccupiedCloud(0))

	vel := truncateVel(start.Vel, b.cfg.MaxVel, b.cfg.MaxVel/2)
	startNode := motionplan.Node{Pos: start.Pos.Sub(center), Vel: vel}
	goalNode := motionplan.Node{Pos: goal.Sub(center)}

	path, err := b.searchReference(ctx, startNode, goalNode, snap)
	if err != nil {
		return nil, err
	}

	// feed the first segment's heading to the next cycle to damp
	// oscillation between near-equal routes
	first := path.Nodes[1].Pos.Sub(path.Nodes[0].Pos)
	b.refHeading = math.Atan2(first.Y, first.X)

	fullDuration := path.Nodes[len(path.Nodes)-1].T - path.Nodes[0].T
	for i := range path.Nodes {
		path.Nodes[i].Pos = path.Nodes[i].Pos.Add(center)
	}
	path.Truncate(routeCap)

	polys, err := b.buildCorridors(path, start, snap)
	if err != nil {
		return nil, err
	}

	traj, err := b.optimize(path, start, polys)
	if err != nil {
		return nil, err
	}

	startTime := b.now()
	if !b.peers.SafeAfterOpt(traj, startTime) {
		return nil, ErrPeerConflict
	}
	if !b.peers.SafeAfterCheck() {
		return nil, ErrPeerConflict
	}
	res := &PlanResult{Traj: traj, StartTime: startTime, Path: path, FullDuration: fullDuration}
	b.lastPlan = res
	return res, nil
}

// searchReference runs the kinodynamic search, retrying with the vertical
// lattice toggled before giving up, and applies the degenerate-path policy.
func (b *Baseline) searchReference(
	ctx context.Context,
	start, goal motionplan.Node,
	snap *riskmap.Snapshot,
) (*motionplan.Path, error) {
	opts := b.cfg.searchOptions()
	path, status := motionplan.Search(ctx, start, goal, 0, b.refHeading, snap, opts, b.logger)
	if status != motionplan.StatusFound {
		opts.SampleZAcc = !opts.SampleZAcc
		path, status = motionplan.Search(ctx, start, goal, 0, b.refHeading, snap, opts, b.logger)
	}
	switch status {
	case motionplan.StatusFound:
	case motionplan.StatusTimeout:
		return nil, errors.Wrap(ErrNoPath, motionplan.NewTimeoutError().Error())
	default:
		return nil, errors.Wrap(ErrNoPath, motionplan.NewNoPathError().Error())
	}
	if path.Degenerate() {
		return nil, errors.Wrap(ErrNoPath, motionplan.NewDegeneratePathError(len(path.Nodes)).Error())
	}
	return path, nil
}

func (b *Baseline) buildCorridors(
	path *motionplan.Path,
	start trajopt.BoundaryState,
	snap *riskmap.Snapshot,
) ([]corridor.Polytope, error) {
	horizon := path.Nodes[len(path.Nodes)-1].T - path.Nodes[0].T
	obstacles := b.gatherObstacles(snap, start.Pos, horizon)

	polys, err := corridor.FindCorridors(path.Nodes, 2, obstacles, corridor.Config{
		MaxExpand:  7.0,
		Shrink:     b.cfg.ExpandSafetyDistance,
		Resolution: b.cfg.Grid.Resolution,
	})
	if err != nil {
		return nil, errors.Wrap(ErrCorridorInfeasible, err.Error())
	}

	last := len(path.Nodes) - 1
	b.pub.PublishCorridor(CorridorMsg{
		Stamp: b.now(),
		StartState: EndState{
			Pos: path.Nodes[0].Pos,
			Vel: path.Nodes[0].Vel,
			Acc: start.Acc,
		},
		EndState: EndState{
			Pos: path.Nodes[last].Pos,
			Vel: path.Nodes[last].Vel,
		},
		Polytopes: polys,
	})
	return polys, nil
}

// gatherObstacles merges time-stamped map voxels and peer reservation
// samples inside the corridor bounding box.
func (b *Baseline) gatherObstacles(snap *riskmap.Snapshot, pos r3.Vector, horizon float64) []corridor.Obstacle {
	lo := pos.Add(corridorBBoxLo)
	hi := pos.Add(corridorBBoxHi)
	dt := snap.Config().TimeResolution

	var out []corridor.Obstacle
	for k := 0; float64(k)*dt <= horizon+dt; k++ {
		stamp := float64(k) * dt
		for _, p := range snap.ObstaclePoints(nil, stamp, stamp, lo, hi) {
			out = append(out, corridor.Obstacle{Point: p, Stamp: stamp})
		}
		for _, p := range b.peers.SamplesAt(b.now() + stamp) {
			if p.X < lo.X || p.X > hi.X || p.Y < lo.Y || p.Y > hi.Y || p.Z < lo.Z || p.Z > hi.Z {
				continue
			}
			out = append(out, corridor.Obstacle{Point: p, Stamp: stamp})
		}
	}
	return out
}

// optimize runs the smoothing problem with iterative tightening, converting
// solver crashes into reschedulable failures.
func (b *Baseline) optimize(
	path *motionplan.Path,
	start trajopt.BoundaryState,
	polys []corridor.Polytope,
) (*trajectory.Bezier, error) {
	last := len(path.Nodes) - 1
	init := trajopt.BoundaryState{Pos: path.Nodes[0].Pos, Vel: path.Nodes[0].Vel, Acc: start.Acc}
	final := trajopt.BoundaryState{Pos: path.Nodes[last].Pos, Vel: path.Nodes[last].Vel}

	durations := make([]float64, len(polys))
	for i, p := range polys {
		durations[i] = p.Duration
	}

	if err := b.opt.Setup(init, final, durations, polys, b.cfg.MaxVelOptimization, b.cfg.MaxAccOptimization); err != nil {
		return nil, errors.Wrap(trajopt.ErrNoSolution, err.Error())
	}
	if err := b.opt.Optimize(); err != nil {
		return nil, err
	}

	traj := b.opt.Trajectory()
	for i := 0; i < maxTighteningRounds; i++ {
		ok, kinematic := b.opt.IsCorridorSatisfied(
			traj, b.cfg.MaxVelOptimization, b.cfg.MaxAccOptimization, b.cfg.DeltaCorridor)
		if ok {
			return traj, nil
		}
		if err := b.opt.ReOptimize(kinematic); err != nil {
			return nil, err
		}
		traj = b.opt.Trajectory()
	}
	b.logger.Warn("corridor constraints still violated after tightening")
	return nil, trajopt.ErrNoSolution
}

func (b *Baseline) now() float64 {
	return float64(b.clock.Now().UnixNano()) / 1e9
}
