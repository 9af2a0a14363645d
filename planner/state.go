package planner

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// accDeadZone zeroes per-axis differentiated accelerations below this
// magnitude; raw velocity feeds are too noisy to difference cleanly.
const accDeadZone = 0.2

// vehicleState ingests pose and velocity callbacks and derives acceleration
// by first-differencing velocity. Writes go through a single-flag latch so a
// reader never sees half of a (position, attitude) pair; a write arriving
// while the latch is held is skipped, not queued.
type vehicleState struct {
	locked bool

	pos r3.Vector
	att quat.Number
	vel r3.Vector
	acc r3.Vector

	havePose  bool
	haveVel   bool
	poseStamp float64

	prevVel    r3.Vector
	prevStamp  float64
	haveSample bool

	maxDiffAcc float64
}

func (s *vehicleState) setPose(msg Pose) {
	if s.locked {
		return
	}
	s.locked = true
	s.pos = msg.Position
	s.att = msg.Orientation
	s.poseStamp = msg.Stamp
	s.havePose = true
	s.locked = false
}

// setVelocity stores the velocity and differentiates acceleration on every
// sample after the first, applying the dead zone and per-axis clipping.
func (s *vehicleState) setVelocity(msg Velocity) {
	s.vel = msg.Linear
	s.haveVel = true

	if s.haveSample {
		dt := msg.Stamp - s.prevStamp
		if dt > 0 {
			acc := msg.Linear.Sub(s.prevVel).Mul(1 / dt)
			acc.X = shapeAcc(acc.X, s.maxDiffAcc)
			acc.Y = shapeAcc(acc.Y, s.maxDiffAcc)
			acc.Z = shapeAcc(acc.Z, s.maxDiffAcc)
			s.acc = acc
		}
	}
	s.prevVel = msg.Linear
	s.prevStamp = msg.Stamp
	s.haveSample = true
}

func shapeAcc(a, clip float64) float64 {
	if math.Abs(a) < accDeadZone {
		return 0
	}
	if a > clip {
		return clip
	}
	if a < -clip {
		return -clip
	}
	return a
}

// snapshot returns a consistent copy of the state, or ok=false while a write
// holds the latch or before the first pose arrives.
func (s *vehicleState) snapshot() (pos, vel, acc r3.Vector, ok bool) {
	if s.locked || !s.havePose {
		return r3.Vector{}, r3.Vector{}, r3.Vector{}, false
	}
	return s.pos, s.vel, s.acc, true
}

// truncateVel clamps a velocity per-axis to the planner's caps before it
// seeds a search.
func truncateVel(v r3.Vector, maxXY, maxZ float64) r3.Vector {
	clamp := func(x, m float64) float64 {
		if x > m {
			return m
		}
		if x < -m {
			return -m
		}
		return x
	}
	return r3.Vector{
		X: clamp(v.X, maxXY),
		Y: clamp(v.Y, maxXY),
		Z: clamp(v.Z, maxZ),
	}
}
