package planner

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/flightplan/riskmap"
	"go.viam.com/flightplan/trajectory"
)

type capturePub struct {
	trajs      []trajectory.Msg
	broadcasts []trajectory.Msg
	corridors  []CorridorMsg
	clouds     int
}

func (p *capturePub) PublishTrajectory(m trajectory.Msg)   { p.trajs = append(p.trajs, m) }
func (p *capturePub) BroadcastTrajectory(m trajectory.Msg) { p.broadcasts = append(p.broadcasts, m) }
func (p *capturePub) PublishCorridor(m CorridorMsg)        { p.corridors = append(p.corridors, m) }
func (p *capturePub) PublishOccupancy([]r3.Vector)         { p.clouds++ }

func scenarioConfig() Config {
	cfg := DefaultConfig()
	cfg.Grid = riskmap.GridConfig{
		VoxelsX:        56,
		VoxelsY:        48,
		VoxelsZ:        16,
		Resolution:     0.25,
		TimeSlices:     5,
		TimeResolution: 0.5,
		Clearance:      0.3,
		RiskThreshold:  0.2,
	}
	return cfg
}

func newScenario(t *testing.T, cfg Config) (*Supervisor, *riskmap.FakeMap, *clock.Mock, *capturePub) {
	t.Helper()
	logger := golog.NewTestLogger(t)
	m := riskmap.NewFakeMap(cfg.Grid, logger)
	clk := clock.NewMock()
	clk.Add(1000 * time.Second)
	pub := &capturePub{}
	s, err := NewSupervisor(cfg, m, pub, clk, logger)
	test.That(t, err, test.ShouldBeNil)
	return s, m, clk, pub
}

func cylinderCloud(cx, cy, cz, radius float64) []r3.Vector {
	var out []r3.Vector
	for dz := -0.75; dz <= 0.75; dz += 0.25 {
		for a := 0.0; a < 2*math.Pi; a += math.Pi / 8 {
			out = append(out, r3.Vector{
				X: cx + radius*math.Cos(a),
				Y: cy + radius*math.Sin(a),
				Z: cz + dz,
			})
		}
	}
	return out
}

func feed(s *Supervisor, clk *clock.Mock, pos r3.Vector, cloud []r3.Vector) {
	now := float64(clk.Now().UnixNano()) / 1e9
	s.OnPose(Pose{Position: pos, Stamp: now})
	s.OnVelocity(Velocity{Stamp: now})
	s.OnPointCloud(PointCloud{Points: cloud, Stamp: now})
}

func tickOnce(s *Supervisor, clk *clock.Mock) {
	clk.Add(100 * time.Millisecond)
	s.tick(context.Background())
}

func tickUntil(t *testing.T, s *Supervisor, clk *clock.Mock, want fsmState, maxTicks int) {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		tickOnce(s, clk)
		if s.state == want {
			return
		}
	}
	test.That(t, s.state.String(), test.ShouldEqual, want.String())
}

func TestScenarioStaticCorridor(t *testing.T) {
	s, _, clk, pub := newScenario(t, scenarioConfig())
	start := r3.Vector{Z: 1}
	goal := r3.Vector{X: 5, Z: 1}
	cloud := cylinderCloud(2.5, 0.2, 1, 0.3)

	feed(s, clk, start, cloud)
	s.OnTrigger(Trigger{Goal: goal})

	tickUntil(t, s, clk, stateReplan, 2)
	tickOnce(s, clk) // plan and commit
	test.That(t, s.state, test.ShouldEqual, stateExecTraj)
	test.That(t, s.committed, test.ShouldNotBeNil)
	test.That(t, len(pub.broadcasts), test.ShouldEqual, 1)
	test.That(t, len(pub.corridors), test.ShouldEqual, 1)

	// every committed sample keeps clearance from the cylinder axis
	for _, smp := range s.committed.SampleEvery(0.05) {
		axisDist := math.Hypot(smp.Pos.X-2.5, smp.Pos.Y-0.2)
		test.That(t, axisDist, test.ShouldBeGreaterThan, 0.3)
	}

	// the searched reference duration is within the time-optimal envelope
	d := goal.Sub(start).Norm()
	full := s.baseline.lastPlan.FullDuration
	test.That(t, full, test.ShouldBeGreaterThanOrEqualTo, d/s.cfg.MaxVel-s.cfg.AStarSearchTimeStep)
	test.That(t, full, test.ShouldBeLessThanOrEqualTo, 2*d/s.cfg.MaxVel)
}

func TestScenarioMovingObstacleCrossing(t *testing.T) {
	s, _, clk, _ := newScenario(t, scenarioConfig())
	start := r3.Vector{Z: 1}
	goal := r3.Vector{X: 6, Z: 1}

	// obstacle at (3,-2,1) moving +y at 1 m/s
	s.OnGroundTruth(ObstacleGroundTruth{Markers: []riskmap.ObstacleState{{
		Type:     riskmap.ObstacleCylinder,
		Position: r3.Vector{X: 3, Y: -2},
		Width:    0.3,
		Velocity: r3.Vector{Y: 1},
	}}})
	cloudStamp := float64(clk.Now().UnixNano()) / 1e9
	feed(s, clk, start, cylinderCloud(3, -2, 1, 0.3))
	s.OnTrigger(Trigger{Goal: goal})

	tickUntil(t, s, clk, stateExecTraj, 4)

	// time-aligned separation from the moving obstacle across the horizon
	for _, smp := range s.committed.SampleEvery(0.05) {
		tAbs := s.committedStart + smp.T
		obs := r3.Vector{X: 3, Y: -2 + (tAbs - cloudStamp), Z: 1}
		test.That(t, math.Hypot(smp.Pos.X-obs.X, smp.Pos.Y-obs.Y), test.ShouldBeGreaterThan, 0.3)
	}

	// the literal check: at τ=2 s the obstacle is at (3,0,1); the trajectory
	// sample there must keep clearance
	at2 := s.committed.Position(2.0)
	test.That(t, at2.Sub(r3.Vector{X: 3, Z: 1}).Norm(), test.ShouldBeGreaterThan, 0.3)
}

func TestScenarioInfeasibleGoal(t *testing.T) {
	cfg := scenarioConfig()
	cfg.ReplanTolerance = 0.2 // goal ball must fit inside the obstacle
	s, _, clk, pub := newScenario(t, cfg)
	start := r3.Vector{Z: 1}
	goal := r3.Vector{X: 2.5, Y: 0.2, Z: 1}

	feed(s, clk, start, cylinderCloud(2.5, 0.2, 1, 0.3))
	s.OnTrigger(Trigger{Goal: goal})

	tickUntil(t, s, clk, stateReplan, 2)
	for i := 0; i < 3; i++ {
		tickOnce(s, clk)
		test.That(t, s.state, test.ShouldEqual, stateReplan)
	}
	test.That(t, len(pub.broadcasts), test.ShouldEqual, 0)
	test.That(t, s.committed, test.ShouldBeNil)
}

func TestScenarioPeerConflict(t *testing.T) {
	s, _, clk, pub := newScenario(t, scenarioConfig())
	start := r3.Vector{Z: 1}
	goal := r3.Vector{X: 5, Z: 1}

	feed(s, clk, start, nil)
	s.OnTrigger(Trigger{Goal: goal})

	// peer parked on the ego's straight line, registered after the map
	// update so only deconfliction can catch it
	now := float64(clk.Now().UnixNano()) / 1e9
	peer := trajectory.Piece{Duration: 10}
	for k := 0; k <= trajectory.Degree; k++ {
		peer.Ctrl[k] = r3.Vector{X: 1.5, Z: 1}
	}
	msg := trajectory.NewMsg(2, 1, now, now, &trajectory.Bezier{Pieces: []trajectory.Piece{peer}})
	s.OnPeerTrajectory(msg)

	tickUntil(t, s, clk, stateReplan, 2)
	tickOnce(s, clk)
	// the candidate was discarded pre-commit: nothing published
	test.That(t, s.state, test.ShouldEqual, stateReplan)
	test.That(t, len(pub.trajs), test.ShouldEqual, 0)
	test.That(t, len(pub.broadcasts), test.ShouldEqual, 0)
}

func TestScenarioGoalAlreadyReached(t *testing.T) {
	s, _, clk, pub := newScenario(t, scenarioConfig())
	start := r3.Vector{Z: 1}

	feed(s, clk, start, nil)
	s.OnTrigger(Trigger{Goal: r3.Vector{X: 0.5, Z: 1}})

	tickUntil(t, s, clk, stateReplan, 2)
	// REPLAN -> GOAL_REACHED -> WAIT_TARGET within one tick
	tickOnce(s, clk)
	test.That(t, s.state, test.ShouldEqual, stateWaitTarget)
	test.That(t, s.goalReceived, test.ShouldBeFalse)
	test.That(t, len(s.waypoints), test.ShouldEqual, 0)
	test.That(t, len(pub.broadcasts), test.ShouldEqual, 0)
}

func TestScenarioEmergencyReplan(t *testing.T) {
	s, _, clk, pub := newScenario(t, scenarioConfig())
	start := r3.Vector{Z: 1}
	goal := r3.Vector{X: 5, Z: 1}

	feed(s, clk, start, nil)
	s.OnTrigger(Trigger{Goal: goal})

	tickUntil(t, s, clk, stateExecTraj, 3)
	test.That(t, len(pub.broadcasts), test.ShouldEqual, 1)

	// a pillar appears on the committed route
	feed(s, clk, start, cylinderCloud(1.5, 0, 1, 0.3))
	tickOnce(s, clk)
	test.That(t, s.state, test.ShouldEqual, stateEmergencyReplan)
	test.That(t, s.committed, test.ShouldBeNil)
	hover := s.lastSafePos

	tickOnce(s, clk)
	test.That(t, s.state, test.ShouldEqual, stateExecTraj)
	test.That(t, s.committed, test.ShouldNotBeNil)
	test.That(t, len(pub.broadcasts), test.ShouldEqual, 2)

	// the emergency plan starts from rest at the hover fall-back
	test.That(t, s.committed.Position(0).Sub(hover).Norm(), test.ShouldBeLessThan, 1e-6)
	test.That(t, s.committed.Velocity(0).Norm(), test.ShouldBeLessThan, 1e-6)
}

func TestInputLossReturnsToWaitTarget(t *testing.T) {
	s, _, clk, _ := newScenario(t, scenarioConfig())
	start := r3.Vector{Z: 1}

	feed(s, clk, start, nil)
	s.OnTrigger(Trigger{Goal: r3.Vector{X: 5, Z: 1}})
	tickUntil(t, s, clk, stateExecTraj, 3)

	// the map goes stale past the input timeout
	clk.Add(time.Duration((inputTimeout + 1) * float64(time.Second)))
	s.tick(context.Background())
	test.That(t, s.state, test.ShouldEqual, stateWaitTarget)
}

func TestFSMReachesGoalFromEveryPhase(t *testing.T) {
	s, _, clk, _ := newScenario(t, scenarioConfig())
	start := r3.Vector{Z: 1}
	goal := r3.Vector{X: 3, Z: 1}

	feed(s, clk, start, nil)
	s.OnTrigger(Trigger{Goal: goal})
	tickUntil(t, s, clk, stateExecTraj, 3)

	// the vehicle tracks the plan and eventually reaches the goal ball
	feed(s, clk, r3.Vector{X: 2.5, Z: 1}, nil)
	tickOnce(s, clk)
	test.That(t, s.state, test.ShouldEqual, stateWaitTarget)
}
