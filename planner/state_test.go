package planner

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestAccDifferentiatorDeadZone(t *testing.T) {
	s := vehicleState{maxDiffAcc: 4}

	// constant velocity: derived acceleration stays zero
	for i := 0; i < 5; i++ {
		s.setVelocity(Velocity{Linear: r3.Vector{X: 1.5}, Stamp: float64(i) * 0.1})
	}
	test.That(t, s.acc.Norm(), test.ShouldEqual, 0.0)

	// a small wobble below the dead zone is also zeroed
	s.setVelocity(Velocity{Linear: r3.Vector{X: 1.51}, Stamp: 0.6})
	test.That(t, s.acc.X, test.ShouldEqual, 0.0)
}

func TestAccDifferentiatorEverySample(t *testing.T) {
	s := vehicleState{maxDiffAcc: 4}

	s.setVelocity(Velocity{Linear: r3.Vector{}, Stamp: 0})
	s.setVelocity(Velocity{Linear: r3.Vector{X: 0.5}, Stamp: 1})
	test.That(t, s.acc.X, test.ShouldAlmostEqual, 0.5, 1e-9)

	// the differentiator keeps working after the first difference
	s.setVelocity(Velocity{Linear: r3.Vector{X: 1.5}, Stamp: 2})
	test.That(t, s.acc.X, test.ShouldAlmostEqual, 1.0, 1e-9)
}

func TestAccDifferentiatorClipping(t *testing.T) {
	s := vehicleState{maxDiffAcc: 4}
	s.setVelocity(Velocity{Linear: r3.Vector{}, Stamp: 0})
	s.setVelocity(Velocity{Linear: r3.Vector{X: 10, Y: -10}, Stamp: 1})
	test.That(t, s.acc.X, test.ShouldEqual, 4.0)
	test.That(t, s.acc.Y, test.ShouldEqual, -4.0)
}

func TestPoseLatch(t *testing.T) {
	s := vehicleState{}
	s.locked = true
	s.setPose(Pose{Position: r3.Vector{X: 1}})
	// a write arriving under the latch is skipped, not queued
	test.That(t, s.havePose, test.ShouldBeFalse)
	_, _, _, ok := s.snapshot()
	test.That(t, ok, test.ShouldBeFalse)

	s.locked = false
	s.setPose(Pose{Position: r3.Vector{X: 1}})
	pos, _, _, ok := s.snapshot()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pos.X, test.ShouldEqual, 1.0)
}

func TestTruncateVel(t *testing.T) {
	v := truncateVel(r3.Vector{X: 5, Y: -5, Z: 3}, 3, 1.5)
	test.That(t, v.X, test.ShouldEqual, 3.0)
	test.That(t, v.Y, test.ShouldEqual, -3.0)
	test.That(t, v.Z, test.ShouldEqual, 1.5)
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	test.That(t, cfg.Validate(), test.ShouldBeNil)

	bad := DefaultConfig()
	bad.PlanningTimeStep = 0
	bad.SafeDistance = -1
	err := bad.Validate()
	test.That(t, err, test.ShouldNotBeNil)
}
