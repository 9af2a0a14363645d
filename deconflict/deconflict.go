// Package deconflict keeps the reservations other vehicles have broadcast
// and validates candidate trajectories against them. The discipline is
// asynchronous check-and-recheck: a candidate is committed only if it is
// clear of all peers after optimization AND no peer update arrived while the
// check was running.
package deconflict

import (
	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/flightplan/trajectory"
)

// Reservation is the most recent trajectory a peer has broadcast.
type Reservation struct {
	AgentID   int
	TrajID    int
	StartTime float64
	Traj      *trajectory.Bezier
}

func (r *Reservation) expired(now float64) bool {
	return now > r.StartTime+r.Traj.TotalDuration()
}

// Registry owns the reservation set. Single writer (ingress), single reader
// (the planning cycle); the generation counter is the only coordination the
// recheck needs.
type Registry struct {
	logger     golog.Logger
	clock      clock.Clock
	egoID      int
	safeDist   float64
	sampleStep float64

	peers      map[int]*Reservation
	generation uint64
	checkedGen uint64
}

// NewRegistry returns an empty reservation set for the given vehicle.
func NewRegistry(egoID int, safeDist, sampleStep float64, clk clock.Clock, logger golog.Logger) *Registry {
	return &Registry{
		logger:     logger,
		clock:      clk,
		egoID:      egoID,
		safeDist:   safeDist,
		sampleStep: sampleStep,
		peers:      map[int]*Reservation{},
	}
}

// Register ingests a broadcast trajectory. The ego's own broadcasts and
// stale re-deliveries are dropped; anything else bumps the generation so an
// in-flight check is invalidated.
func (r *Registry) Register(msg trajectory.Msg) error {
	if msg.DroneID == r.egoID {
		return nil
	}
	if prev, ok := r.peers[msg.DroneID]; ok && prev.TrajID >= msg.TrajID {
		return nil
	}
	traj, err := msg.Bezier()
	if err != nil {
		return errors.Wrapf(err, "rejecting reservation from agent %d", msg.DroneID)
	}
	r.peers[msg.DroneID] = &Reservation{
		AgentID:   msg.DroneID,
		TrajID:    msg.TrajID,
		StartTime: msg.StartTime,
		Traj:      traj,
	}
	r.generation++
	r.logger.Debugw("peer reservation registered",
		"agent", msg.DroneID, "traj", msg.TrajID, "generation", r.generation)
	return nil
}

func (r *Registry) activePeers() []*Reservation {
	now := nowSec(r.clock)
	var out []*Reservation
	for id, p := range r.peers {
		if p.expired(now) {
			delete(r.peers, id)
			continue
		}
		out = append(out, p)
	}
	return out
}

// ObstaclePoints appends world-frame samples of every active reservation up
// to horizon seconds from now, for the corridor generator.
func (r *Registry) ObstaclePoints(out []r3.Vector, horizon float64) []r3.Vector {
	now := nowSec(r.clock)
	for _, p := range r.activePeers() {
		for t := 0.0; t <= horizon+1e-9; t += r.sampleStep {
			out = append(out, p.Traj.Position(now+t-p.StartTime))
		}
	}
	return out
}

// SamplesAt reports peer positions at an absolute time; the risk map overlays
// these into its future slices.
func (r *Registry) SamplesAt(t float64) []r3.Vector {
	var out []r3.Vector
	for _, p := range r.activePeers() {
		local := t - p.StartTime
		if local < 0 || local > p.Traj.TotalDuration() {
			continue
		}
		out = append(out, p.Traj.Position(local))
	}
	return out
}

// SafeAfterOpt checks the candidate against all peers at time-aligned
// samples. It also snapshots the registry generation for the recheck.
func (r *Registry) SafeAfterOpt(traj *trajectory.Bezier, startTime float64) bool {
	r.checkedGen = r.generation
	peers := r.activePeers()
	if len(peers) == 0 {
		return true
	}
	for t := 0.0; t <= traj.TotalDuration()+1e-9; t += r.sampleStep {
		mine := traj.Position(t)
		abs := startTime + t
		for _, p := range peers {
			local := abs - p.StartTime
			if local < 0 || local > p.Traj.TotalDuration() {
				continue
			}
			if mine.Sub(p.Traj.Position(local)).Norm() < r.safeDist {
				r.logger.Warnw("candidate trajectory conflicts with peer",
					"agent", p.AgentID, "t", t)
				return false
			}
		}
	}
	return true
}

// SafeAfterCheck passes only if no peer update arrived since SafeAfterOpt.
func (r *Registry) SafeAfterCheck() bool {
	if r.generation != r.checkedGen {
		r.logger.Warn("peer update arrived during optimization; discarding candidate")
		return false
	}
	return true
}

func nowSec(clk clock.Clock) float64 {
	return float64(clk.Now().UnixNano()) / 1e9
}
