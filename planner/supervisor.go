package planner

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	goutils "go.viam.com/utils"

	"go.viam.com/flightplan/deconflict"
	"go.viam.com/flightplan/riskmap"
	"go.viam.com/flightplan/trajectory"
	"go.viam.com/flightplan/trajopt"
)

// fsmState enumerates the supervisor states.
type fsmState int

// Supervisor states.
const (
	stateInit fsmState = iota
	stateWaitTarget
	stateNewPlan
	stateReplan
	stateExecTraj
	stateGoalReached
	stateEmergencyReplan
	stateExit
)

func (s fsmState) String() string {
	switch s {
	case stateInit:
		return "INIT"
	case stateWaitTarget:
		return "WAIT_TARGET"
	case stateNewPlan:
		return "NEW_PLAN"
	case stateReplan:
		return "REPLAN"
	case stateExecTraj:
		return "EXEC_TRAJ"
	case stateGoalReached:
		return "GOAL_REACHED"
	case stateEmergencyReplan:
		return "EMERGENCY_REPLAN"
	case stateExit:
		return "EXIT"
	}
	return "UNKNOWN"
}

// inputTimeout is how stale the map may grow before inputs count as lost.
const inputTimeout = 5.0

// Supervisor drives the replanning cycle on a fixed cadence. It is the sole
// writer of the committed trajectory and the sole publisher. Heavy work runs
// inline on the tick; ingress callbacks only ingest.
type Supervisor struct {
	logger golog.Logger
	cfg    Config
	clock  clock.Clock

	mapSrc   riskmap.Map
	peers    *deconflict.Registry
	baseline *Baseline
	pub      Publisher

	vehicle vehicleState

	state         fsmState
	waypoints     []r3.Vector
	goal          r3.Vector
	goalReceived  bool
	execTriggered bool

	committed      *trajectory.Bezier
	committedStart float64
	trajIdx        int
	lastPlanTime   float64
	lastSafePos    r3.Vector

	cancel                  func()
	activeBackgroundWorkers chan struct{}
}

// NewSupervisor validates the configuration (the only fatal failure in the
// system) and wires the full pipeline over the given map variant.
func NewSupervisor(
	cfg Config,
	mapSrc riskmap.Map,
	pub Publisher,
	clk clock.Clock,
	logger golog.Logger,
) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	peers := deconflict.NewRegistry(cfg.DroneID, cfg.SafeDistance, cfg.PlanningTimeStep, clk, logger)
	mapSrc.SetPeerSampler(peers)
	s := &Supervisor{
		logger:   logger,
		cfg:      cfg,
		clock:    clk,
		mapSrc:   mapSrc,
		peers:    peers,
		baseline: NewBaseline(cfg, mapSrc, peers, pub, clk, logger),
		pub:      pub,
		state:    stateInit,
	}
	s.vehicle.maxDiffAcc = cfg.MaxDifferentiatedAcc
	if g := (r3.Vector{X: cfg.GoalX, Y: cfg.GoalY, Z: cfg.GoalZ}); g.Norm() > 0 {
		s.waypoints = append(s.waypoints, g)
	}
	return s, nil
}

// Start runs the tick loop until the context is cancelled. Planning runs
// inline on the tick; an overrunning cycle simply absorbs the missed ticks.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	s.activeBackgroundWorkers = done
	ticker := s.clock.Ticker(durationOf(s.cfg.PlanningTimeStep))
	goutils.PanicCapturingGo(func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.state = stateExit
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	})
}

// Close stops the tick loop and waits for it to exit.
func (s *Supervisor) Close() {
	if s.cancel != nil {
		s.cancel()
		<-s.activeBackgroundWorkers
	}
}

/* ------------------------------ ingress ------------------------------ */

// OnPose ingests odometry.
func (s *Supervisor) OnPose(msg Pose) { s.vehicle.setPose(msg) }

// OnVelocity ingests body velocity and refreshes the derived acceleration.
func (s *Supervisor) OnVelocity(msg Velocity) { s.vehicle.setVelocity(msg) }

// OnPointCloud forwards a sensor cloud to the map, synchronized with the
// most recent pose.
func (s *Supervisor) OnPointCloud(msg PointCloud) {
	pos, _, _, ok := s.vehicle.snapshot()
	if !ok {
		return
	}
	s.mapSrc.Update(msg.Points, pos, msg.Stamp)
}

// OnPeerTrajectory ingests a peer broadcast into the reservation set.
func (s *Supervisor) OnPeerTrajectory(msg trajectory.Msg) {
	if err := s.peers.Register(msg); err != nil {
		s.logger.Warnw("dropping peer trajectory", "error", err)
	}
}

// OnTrigger starts execution and, when no waypoint is queued, adopts the
// trigger pose as the goal.
func (s *Supervisor) OnTrigger(msg Trigger) {
	if s.execTriggered {
		s.logger.Debug("execution already triggered")
		return
	}
	s.execTriggered = true
	if !s.goalReceived {
		if len(s.waypoints) == 0 {
			s.waypoints = append(s.waypoints, msg.Goal)
		}
		s.goal = s.waypoints[0]
		s.goalReceived = true
		s.logger.Infow("goal set", "goal", s.goal)
	}
}

// OnGroundTruth forwards simulator obstacle states to the fake map variant.
func (s *Supervisor) OnGroundTruth(msg ObstacleGroundTruth) {
	if fake, ok := s.mapSrc.(*riskmap.FakeMap); ok {
		fake.SetObstacleStates(msg.Markers)
	}
}

/* ------------------------------- FSM -------------------------------- */

func (s *Supervisor) transition(next fsmState) {
	if s.state != next {
		s.logger.Infow("fsm transition", "from", s.state.String(), "to", next.String())
	}
	s.state = next
}

// tick advances the state machine once. INIT, NEW_PLAN and GOAL_REACHED are
// pass-through states handled within the same tick.
func (s *Supervisor) tick(ctx context.Context) {
	s.step(ctx)
	for s.state == stateInit || s.state == stateNewPlan || s.state == stateGoalReached {
		s.step(ctx)
	}
}

func (s *Supervisor) step(ctx context.Context) {
	switch s.state {
	case stateInit:
		s.transition(stateWaitTarget)

	case stateWaitTarget:
		if !s.inputLost() && s.goalReceived {
			s.transition(stateReplan)
		}

	case stateNewPlan:
		// retained for parity with the trigger-gated start of the original
		// controller; the table routes fresh plans through REPLAN
		s.transition(stateReplan)

	case stateReplan:
		if s.inputLost() {
			s.transition(stateWaitTarget)
			return
		}
		pos, _, _, ok := s.vehicle.snapshot()
		if !ok {
			return
		}
		if s.goalReachedAt(pos) {
			s.transition(stateGoalReached)
			return
		}
		if err := s.replan(ctx, false); err != nil {
			s.logger.Warnw("replanning failed", "error", err)
			return
		}
		s.transition(stateExecTraj)

	case stateExecTraj:
		if s.inputLost() {
			s.transition(stateWaitTarget)
			return
		}
		pos, _, _, ok := s.vehicle.snapshot()
		if !ok {
			return
		}
		if s.goalReachedAt(pos) {
			s.transition(stateGoalReached)
			return
		}
		if !s.committedSafe() {
			// hover fall-back: next plan starts from rest at the last safe
			// sample, and the committed queue is dropped
			s.committed = nil
			s.transition(stateEmergencyReplan)
			return
		}
		if s.now()-s.lastPlanTime >= s.cfg.ReplanDuration {
			s.transition(stateReplan)
		}

	case stateEmergencyReplan:
		if s.inputLost() {
			s.transition(stateWaitTarget)
			return
		}
		if err := s.replan(ctx, true); err != nil {
			s.logger.Warnw("emergency replanning failed", "error", err)
			return
		}
		s.transition(stateExecTraj)

	case stateGoalReached:
		s.goalReceived = false
		s.execTriggered = false
		s.committed = nil
		if len(s.waypoints) > 0 {
			s.waypoints = s.waypoints[1:]
		}
		s.transition(stateWaitTarget)

	case stateExit:
	}
}

// replan runs one planning cycle and commits on success. In emergency the
// start state is the last safe position at rest.
func (s *Supervisor) replan(ctx context.Context, fromRest bool) error {
	pos, vel, acc, ok := s.vehicle.snapshot()
	if !ok {
		return ErrInputMissing
	}
	start := trajopt.BoundaryState{Pos: pos, Vel: vel, Acc: acc}
	if fromRest {
		start = trajopt.BoundaryState{Pos: s.lastSafePos}
	}
	res, err := s.baseline.Plan(ctx, start, s.goal)
	if err != nil {
		return err
	}
	s.commit(res)
	return nil
}

func (s *Supervisor) commit(res *PlanResult) {
	s.committed = res.Traj
	s.committedStart = res.StartTime
	s.lastPlanTime = s.now()
	s.trajIdx++
	s.lastSafePos = res.Traj.Position(0)

	msg := trajectory.NewMsg(s.cfg.DroneID, s.trajIdx, res.StartTime, s.now(), res.Traj)
	s.pub.PublishTrajectory(msg)
	s.pub.BroadcastTrajectory(msg)
}

// committedSafe walks the remaining committed samples against the freshest
// risk snapshot and the peer set; the last clear sample becomes the hover
// fall-back.
func (s *Supervisor) committedSafe() bool {
	if s.committed == nil {
		// nothing to execute is handled by the replan cadence, not the
		// emergency path
		return true
	}
	snap := s.mapSrc.Snapshot()
	now := s.now()
	elapsed := now - s.committedStart
	if elapsed < 0 {
		elapsed = 0
	}
	for t := elapsed; t <= s.committed.TotalDuration()+1e-9; t += s.cfg.PlanningTimeStep {
		p := s.committed.Position(t)
		occ := snap.InflatedOccupancyAtTime(p, now+(t-elapsed)-snap.Stamp())
		if occ == riskmap.Occupied {
			s.logger.Warnw("committed trajectory blocked", "t", t)
			return false
		}
		if occ == riskmap.Free {
			s.lastSafePos = p
		}
	}
	if !s.peers.SafeAfterOpt(s.committed, s.committedStart) {
		s.logger.Warn("committed trajectory conflicts with a peer")
		return false
	}
	return true
}

func (s *Supervisor) inputLost() bool {
	if !s.vehicle.havePose {
		return true
	}
	snap := s.mapSrc.Snapshot()
	if snap.Stamp() == 0 || s.now()-snap.Stamp() > inputTimeout {
		return true
	}
	return false
}

func (s *Supervisor) goalReachedAt(pos r3.Vector) bool {
	return pos.Sub(s.goal).Norm() < s.cfg.GoalTolerance
}

func (s *Supervisor) now() float64 {
	return float64(s.clock.Now().UnixNano()) / 1e9
}

func durationOf(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}
