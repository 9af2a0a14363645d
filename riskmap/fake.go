package riskmap

import (
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Obstacle shape types carried by simulator ground-truth markers.
const (
	ObstacleRing     = 2
	ObstacleCylinder = 3
)

// ObstacleState is one simulator-provided moving obstacle: a vertical
// cylinder or an oriented ring, with its current world velocity.
type ObstacleState struct {
	Type        int         `json:"type"`
	Position    r3.Vector   `json:"position"`
	Width       float64     `json:"width"`
	Height      float64     `json:"height"`
	Velocity    r3.Vector   `json:"velocity"`
	Orientation quat.Number `json:"orientation"`
}

// FakeMap is the simulation variant: occupied voxels take their velocity from
// ground-truth obstacle states instead of a learned filter. It shares the
// full query surface with ParticleMap.
type FakeMap struct {
	*grid
	obstacles []ObstacleState
}

// NewFakeMap returns a ground-truth-driven risk map.
func NewFakeMap(cfg GridConfig, logger golog.Logger) *FakeMap {
	return &FakeMap{grid: newGrid(cfg, logger)}
}

// SetObstacleStates replaces the ground-truth obstacle set.
func (m *FakeMap) SetObstacleStates(states []ObstacleState) {
	m.obstacles = states
}

// Update rebuilds the tensor from the cloud, resolving per-voxel velocities
// against the ground-truth states.
func (m *FakeMap) Update(cloud []r3.Vector, pose r3.Vector, stamp float64) {
	m.rebuild(cloud, pose, stamp, m.velocityAt)
}

// velocityAt matches a voxel center against the obstacle set. A voxel within
// a cylinder's inflated radius, or on a ring's rim, inherits that obstacle's
// horizontal velocity; unmatched voxels are treated as static.
func (m *FakeMap) velocityAt(p r3.Vector) r3.Vector {
	for _, obs := range m.obstacles {
		switch obs.Type {
		case ObstacleCylinder:
			axis := r3.Vector{X: obs.Position.X, Y: obs.Position.Y, Z: p.Z}
			if p.Sub(axis).Norm() <= obs.Width+m.cfg.Clearance {
				return r3.Vector{X: obs.Velocity.X, Y: obs.Velocity.Y}
			}
		case ObstacleRing:
			normal := rotate(obs.Orientation, r3.Vector{Z: 1})
			toP := p.Sub(obs.Position)
			distToPlane := toP.Dot(normal)
			inPlane := toP.Sub(normal.Mul(distToPlane)).Norm()
			if abs(obs.Width/2-inPlane) < 2*m.cfg.Resolution && abs(distToPlane) < 2*m.cfg.Resolution {
				return r3.Vector{X: obs.Velocity.X, Y: obs.Velocity.Y}
			}
		default:
			m.logger.Debugw("unknown obstacle type", "type", obs.Type)
		}
	}
	return r3.Vector{}
}

func rotate(q quat.Number, v r3.Vector) r3.Vector {
	if q == (quat.Number{}) {
		return v
	}
	qv := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	r := quat.Mul(quat.Mul(q, qv), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
