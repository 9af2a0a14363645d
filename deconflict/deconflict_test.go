package deconflict

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/flightplan/trajectory"
)

func constantTraj(at r3.Vector, duration float64) *trajectory.Bezier {
	p := trajectory.Piece{Duration: duration}
	for k := 0; k <= trajectory.Degree; k++ {
		p.Ctrl[k] = at
	}
	return &trajectory.Bezier{Pieces: []trajectory.Piece{p}}
}

func lineTraj(from, to r3.Vector, duration float64) *trajectory.Bezier {
	p := trajectory.Piece{Duration: duration}
	for k := 0; k <= trajectory.Degree; k++ {
		s := float64(k) / trajectory.Degree
		p.Ctrl[k] = from.Mul(1 - s).Add(to.Mul(s))
	}
	return &trajectory.Bezier{Pieces: []trajectory.Piece{p}}
}

func msgOf(agent, trajID int, start float64, b *trajectory.Bezier) trajectory.Msg {
	return trajectory.NewMsg(agent, trajID, start, start, b)
}

func newTestRegistry(t *testing.T) (*Registry, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Add(1000 * time.Second)
	return NewRegistry(0, 0.6, 0.1, clk, golog.NewTestLogger(t)), clk
}

func TestRegisterAndExpiry(t *testing.T) {
	r, clk := newTestRegistry(t)
	now := nowSec(clk)

	peer := constantTraj(r3.Vector{X: 1.5, Z: 1}, 4)
	test.That(t, r.Register(msgOf(2, 1, now, peer)), test.ShouldBeNil)
	test.That(t, len(r.activePeers()), test.ShouldEqual, 1)

	// the ego's own broadcasts are ignored
	test.That(t, r.Register(msgOf(0, 1, now, peer)), test.ShouldBeNil)
	test.That(t, len(r.activePeers()), test.ShouldEqual, 1)

	// stale re-delivery that does not advance the traj id is dropped
	gen := r.generation
	test.That(t, r.Register(msgOf(2, 1, now, peer)), test.ShouldBeNil)
	test.That(t, r.generation, test.ShouldEqual, gen)

	// horizon elapsed: reservation expires
	clk.Add(5 * time.Second)
	test.That(t, len(r.activePeers()), test.ShouldEqual, 0)
}

func TestSafeAfterOptDetectsConflict(t *testing.T) {
	r, clk := newTestRegistry(t)
	now := nowSec(clk)

	// peer sits at (1.5, 0, 1) for its whole horizon
	peer := constantTraj(r3.Vector{X: 1.5, Z: 1}, 4)
	test.That(t, r.Register(msgOf(2, 1, now, peer)), test.ShouldBeNil)

	// ego flies straight through the peer's position at t=1s
	mine := lineTraj(r3.Vector{Z: 1}, r3.Vector{X: 3, Z: 1}, 2)
	test.That(t, r.SafeAfterOpt(mine, now), test.ShouldBeFalse)

	// a parallel track offset well past the safety distance is fine
	clear := lineTraj(r3.Vector{Y: 2, Z: 1}, r3.Vector{X: 3, Y: 2, Z: 1}, 2)
	test.That(t, r.SafeAfterOpt(clear, now), test.ShouldBeTrue)
}

func TestTimeSeparationIsRespected(t *testing.T) {
	r, clk := newTestRegistry(t)
	now := nowSec(clk)

	// peer crosses (1.5, 0, 1) early, ego crosses the same point three
	// seconds later: spatial overlap but temporal separation
	peer := lineTraj(r3.Vector{X: 1.5, Y: -2, Z: 1}, r3.Vector{X: 1.5, Y: 2, Z: 1}, 1)
	test.That(t, r.Register(msgOf(2, 1, now, peer)), test.ShouldBeNil)

	mine := lineTraj(r3.Vector{X: 1.5, Y: 2, Z: 1}, r3.Vector{X: 1.5, Y: -2, Z: 1}, 1)
	test.That(t, r.SafeAfterOpt(mine, now+3), test.ShouldBeTrue)
}

func TestRecheckInvalidatedByLateUpdate(t *testing.T) {
	r, clk := newTestRegistry(t)
	now := nowSec(clk)

	mine := lineTraj(r3.Vector{Z: 1}, r3.Vector{X: 3, Z: 1}, 2)
	test.That(t, r.SafeAfterOpt(mine, now), test.ShouldBeTrue)
	test.That(t, r.SafeAfterCheck(), test.ShouldBeTrue)

	// a peer update lands between check and recheck
	test.That(t, r.SafeAfterOpt(mine, now), test.ShouldBeTrue)
	peer := constantTraj(r3.Vector{X: 10, Z: 1}, 4)
	test.That(t, r.Register(msgOf(3, 1, now, peer)), test.ShouldBeNil)
	test.That(t, r.SafeAfterCheck(), test.ShouldBeFalse)
}

func TestObstaclePointsAndSamples(t *testing.T) {
	r, clk := newTestRegistry(t)
	now := nowSec(clk)

	peer := constantTraj(r3.Vector{X: 2, Y: 1, Z: 1}, 4)
	test.That(t, r.Register(msgOf(2, 1, now, peer)), test.ShouldBeNil)

	pts := r.ObstaclePoints(nil, 1.0)
	test.That(t, len(pts), test.ShouldBeGreaterThan, 5)
	for _, p := range pts {
		test.That(t, p.Sub(r3.Vector{X: 2, Y: 1, Z: 1}).Norm(), test.ShouldBeLessThan, 1e-9)
	}

	at := r.SamplesAt(now + 0.5)
	test.That(t, len(at), test.ShouldEqual, 1)
	// outside the reservation horizon there is nothing to sample
	test.That(t, len(r.SamplesAt(now+100)), test.ShouldEqual, 0)
}
